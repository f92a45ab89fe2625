package models

import (
	"time"

	"github.com/google/uuid"
)

// Listing is one rentable unit, uniquely keyed within its site by listname.
// PropertyID is nil for standalone units; it may be set later but is never
// cleared.
type Listing struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	SiteID     uuid.UUID  `json:"site_id" db:"site_id"`
	PropertyID *uuid.UUID `json:"property_id" db:"property_id"`
	Listname   string     `json:"listname" db:"listname"`
	Bedrooms   int        `json:"bedrooms" db:"bedrooms"`
	Bathrooms  int        `json:"bathrooms" db:"bathrooms"`
	SqFt       int        `json:"sqft" db:"sqft"`
	SharedRoom bool       `json:"shared_room" db:"shared_room"`
	Amenities  string     `json:"amenities" db:"amenities"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}
