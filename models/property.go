package models

import (
	"time"

	"github.com/google/uuid"
)

// Property groups listings under one physical building or complex within a
// site. A site may also carry standalone listings with no property. The
// (site_id, title) pair is unique; titles match case-sensitively.
type Property struct {
	ID                uuid.UUID `json:"id" db:"id"`
	SiteID            uuid.UUID `json:"site_id" db:"site_id"`
	Title             string    `json:"title" db:"title"`
	Address           string    `json:"address" db:"address"`
	Amenities         string    `json:"amenities" db:"amenities"`
	ContainerSelector string    `json:"container_selector" db:"container_selector"`
	ListingCount      int       `json:"listing_count" db:"listing_count"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}
