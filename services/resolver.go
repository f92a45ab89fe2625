package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"fp_tracker/models"
	"fp_tracker/storage"
)

var (
	// ErrUnknownSite rejects records naming a site that was never
	// provisioned. Sites are configured, not discovered from crawl output.
	ErrUnknownSite = errors.New("unknown site")

	// ErrMalformedRecord rejects records missing the fields needed to even
	// attempt identity resolution.
	ErrMalformedRecord = errors.New("malformed record")
)

// Identity is the fully resolved location of one scraped record in the
// catalog: its site, its optional property, and its listing.
type Identity struct {
	Site     *models.Site
	Property *models.Property
	Listing  *models.Listing

	// ListingOutcome reports whether the listing row was created by this
	// resolution or already existed.
	ListingOutcome storage.Outcome
}

// Resolver maps scraped records onto stable catalog rows by exact natural
// keys: site name, then (site, property title), then (site, listname). No
// fuzzy matching; a record either hits its row exactly or creates it.
type Resolver struct {
	catalog storage.Catalog
}

func NewResolver(catalog storage.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

func (r *Resolver) Resolve(ctx context.Context, rec *models.ScrapedRecord) (*Identity, error) {
	if strings.TrimSpace(rec.Site) == "" {
		return nil, fmt.Errorf("record without site: %w", ErrMalformedRecord)
	}
	if strings.TrimSpace(rec.Listname) == "" {
		return nil, fmt.Errorf("record without listname: %w", ErrMalformedRecord)
	}

	site, err := r.catalog.GetSiteByName(ctx, rec.Site)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, fmt.Errorf("site %q: %w", rec.Site, ErrUnknownSite)
	}

	ident := &Identity{Site: site}

	if rec.PropertyTitle != "" {
		prop := &models.Property{
			ID:        uuid.New(),
			SiteID:    site.ID,
			Title:     rec.PropertyTitle,
			CreatedAt: time.Now().UTC(),
		}
		_, stored, err := r.catalog.FindOrCreateProperty(ctx, prop)
		if err != nil {
			return nil, err
		}
		ident.Property = stored
	}

	now := time.Now().UTC()
	listing := &models.Listing{
		ID:        uuid.New(),
		SiteID:    site.ID,
		Listname:  rec.Listname,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if ident.Property != nil {
		listing.PropertyID = &ident.Property.ID
	}
	applyStructural(listing, rec)

	outcome, stored, err := r.catalog.FindOrCreateListing(ctx, listing)
	if err != nil {
		return nil, err
	}
	ident.Listing = stored
	ident.ListingOutcome = outcome

	if outcome == storage.OutcomeFound {
		if err := r.refreshExisting(ctx, ident, rec); err != nil {
			return nil, err
		}
	}
	return ident, nil
}

// refreshExisting folds a record's structural fields into an already known
// listing. Only fields the record actually carries are written; a listing
// first seen standalone is linked to its property once one shows up, and
// never unlinked after that.
func (r *Resolver) refreshExisting(ctx context.Context, ident *Identity, rec *models.ScrapedRecord) error {
	listing := ident.Listing

	if ident.Property != nil && listing.PropertyID == nil {
		if err := r.catalog.AttachListingProperty(ctx, listing.ID, ident.Property.ID); err != nil {
			return err
		}
		listing.PropertyID = &ident.Property.ID
	}

	before := *listing
	applyStructural(listing, rec)
	if *listing != before {
		listing.UpdatedAt = time.Now().UTC()
		return r.catalog.UpdateListingAttrs(ctx, listing)
	}
	return nil
}

// applyStructural copies the structural fields a record carries onto the
// listing. Pointer fields distinguish absent from zero: a studio really has
// zero bedrooms, an unparsed page just has no value.
func applyStructural(listing *models.Listing, rec *models.ScrapedRecord) {
	if rec.Bedrooms != nil {
		listing.Bedrooms = *rec.Bedrooms
	}
	if rec.Bathrooms != nil {
		listing.Bathrooms = *rec.Bathrooms
	}
	if rec.SqFt != nil {
		listing.SqFt = *rec.SqFt
	}
	if rec.SharedRoom != nil {
		listing.SharedRoom = *rec.SharedRoom
	}
	if rec.Amenities != "" {
		listing.Amenities = rec.Amenities
	}
}
