package services

import (
	"strconv"

	"fp_tracker/models"
)

// FieldChange describes one market field whose value moved between the last
// stored snapshot and the incoming observation.
type FieldChange struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// DetectChange compares an incoming observation against the listing's latest
// stored snapshot, field by field, exact equality only. prev == nil means no
// snapshot exists yet and every run records a first one. No tolerance bands,
// no normalization: two observations differing in any field are different.
func DetectChange(prev *models.ListingSnapshot, next models.Observation) (bool, []FieldChange) {
	if prev == nil {
		return true, nil
	}

	last := prev.Observation()
	if last == next {
		return false, nil
	}

	var changes []FieldChange
	if last.Availability != next.Availability {
		changes = append(changes, FieldChange{"availability", last.Availability, next.Availability})
	}
	if last.PriceLow != next.PriceLow {
		changes = append(changes, FieldChange{"price_low", strconv.Itoa(last.PriceLow), strconv.Itoa(next.PriceLow)})
	}
	if last.PriceHigh != next.PriceHigh {
		changes = append(changes, FieldChange{"price_high", strconv.Itoa(last.PriceHigh), strconv.Itoa(next.PriceHigh)})
	}
	if last.PreDealPrice != next.PreDealPrice {
		changes = append(changes, FieldChange{"pre_deal_price", strconv.Itoa(last.PreDealPrice), strconv.Itoa(next.PreDealPrice)})
	}
	if last.Deals != next.Deals {
		changes = append(changes, FieldChange{"deals", last.Deals, next.Deals})
	}
	return true, changes
}
