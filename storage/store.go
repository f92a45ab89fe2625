package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fp_tracker/models"
)

// Outcome tags the result of an atomic find-or-create write, so callers never
// need a check-then-insert round trip.
type Outcome int

const (
	OutcomeCreated Outcome = iota
	OutcomeFound
)

// Catalog is the set of operations available both on a store and inside one
// of its transactions.
type Catalog interface {
	UpsertSite(ctx context.Context, site *models.Site) error
	GetSiteByName(ctx context.Context, name string) (*models.Site, error)
	MarkSiteVisited(ctx context.Context, id uuid.UUID, at time.Time) error

	// FindOrCreateProperty resolves a property by its (site_id, title)
	// natural key, creating it when absent.
	FindOrCreateProperty(ctx context.Context, prop *models.Property) (Outcome, *models.Property, error)

	// FindOrCreateListing resolves a listing by its (site_id, listname)
	// natural key. Concurrent calls for the same key yield exactly one
	// created row; later callers observe it as OutcomeFound. A listing
	// referencing a property of a different site fails with
	// ErrConstraintViolation.
	FindOrCreateListing(ctx context.Context, listing *models.Listing) (Outcome, *models.Listing, error)
	GetListingByKey(ctx context.Context, siteID uuid.UUID, listname string) (*models.Listing, error)
	UpdateListingAttrs(ctx context.Context, listing *models.Listing) error

	// AttachListingProperty links a standalone listing to a property.
	// Listings already linked are left alone; they are never detached.
	AttachListingProperty(ctx context.Context, listingID, propertyID uuid.UUID) error
	ListingsForSite(ctx context.Context, siteID uuid.UUID) ([]models.Listing, error)

	AppendSnapshot(ctx context.Context, snap *models.ListingSnapshot) error
	LatestSnapshot(ctx context.Context, listingID uuid.UUID) (*models.ListingSnapshot, error)
	SnapshotsForListing(ctx context.Context, listingID uuid.UUID) ([]models.ListingSnapshot, error)

	// RefreshListingCounts recomputes the per-site and per-property listing
	// counters from the catalog.
	RefreshListingCounts(ctx context.Context, siteID uuid.UUID) error

	// DeleteSite removes the site and everything it owns: snapshots, then
	// listings, then properties, then the site row, in one transaction.
	DeleteSite(ctx context.Context, siteID uuid.UUID) error

	CreateRun(ctx context.Context, run *models.CrawlRun) error
	UpdateRun(ctx context.Context, run *models.CrawlRun) error
	Log(ctx context.Context, runID *int64, level models.LogLevel, site, message string) error
}

// Store is a Catalog that can scope a sequence of operations to a single
// transaction. The coordinator uses WithTx for the resolve+detect+append
// sequence of one record and nothing longer.
type Store interface {
	Catalog
	WithTx(ctx context.Context, fn func(Catalog) error) error
	Close() error
}
