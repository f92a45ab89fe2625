package models

import (
	"time"

	"github.com/google/uuid"
)

// Observation is the market state of a listing as seen by one crawl. Prices
// are whole dollars; zero means the field was not observed.
type Observation struct {
	Availability string `json:"availability"`
	PriceLow     int    `json:"price_low"`
	PriceHigh    int    `json:"price_high"`
	PreDealPrice int    `json:"pre_deal_price"`
	Deals        string `json:"deals"`
}

// ListingSnapshot is an immutable, timestamped observation. Snapshots are
// append-only: once written they are never mutated, only removed by the
// cascade when their listing goes away.
type ListingSnapshot struct {
	ID           int64     `json:"id" db:"id"`
	ListingID    uuid.UUID `json:"listing_id" db:"listing_id"`
	Availability string    `json:"availability" db:"availability"`
	PriceLow     int       `json:"price_low" db:"price_low"`
	PriceHigh    int       `json:"price_high" db:"price_high"`
	PreDealPrice int       `json:"pre_deal_price" db:"pre_deal_price"`
	Deals        string    `json:"deals" db:"deals"`
	CapturedAt   time.Time `json:"captured_at" db:"captured_at"`
	RunID        *int64    `json:"run_id" db:"run_id"`
}

// Observation returns the snapshot's market-state fields for comparison
// against a newly observed state.
func (s *ListingSnapshot) Observation() Observation {
	return Observation{
		Availability: s.Availability,
		PriceLow:     s.PriceLow,
		PriceHigh:    s.PriceHigh,
		PreDealPrice: s.PreDealPrice,
		Deals:        s.Deals,
	}
}
