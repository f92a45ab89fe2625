package models

import (
	"time"

	"github.com/google/uuid"
)

// Site is a configured external listing source. Sites are provisioned from
// the administrative config before any crawl run references them; the name is
// the identifier scraped records use.
type Site struct {
	ID                uuid.UUID  `json:"id" db:"id"`
	Name              string     `json:"name" db:"name"`
	URL               string     `json:"url" db:"url"`
	FloorplansURL     string     `json:"floorplans_url" db:"floorplans_url"`
	ContainerSelector string     `json:"container_selector" db:"container_selector"`
	Region            string     `json:"region" db:"region"`
	State             string     `json:"state" db:"state"`
	Address           string     `json:"address" db:"address"`
	Amenities         string     `json:"amenities" db:"amenities"`
	Deals             string     `json:"deals" db:"deals"`
	ListingCount      int        `json:"listing_count" db:"listing_count"`
	FirstVisitedAt    *time.Time `json:"first_visited_at" db:"first_visited_at"`
	CreatedAt         time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" db:"updated_at"`
}
