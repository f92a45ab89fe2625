package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"fp_tracker/models"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx so every query below works
// unchanged inside a transaction-scoped store view.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type SQLiteStore struct {
	db *sql.DB
	q  dbtx
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		url TEXT,
		floorplans_url TEXT,
		container_selector TEXT,
		region TEXT,
		state TEXT,
		address TEXT,
		amenities TEXT,
		deals TEXT,
		listing_count INTEGER DEFAULT 0,
		first_visited_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS properties (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL REFERENCES sites(id),
		title TEXT NOT NULL,
		address TEXT,
		amenities TEXT,
		container_selector TEXT,
		listing_count INTEGER DEFAULT 0,
		created_at DATETIME NOT NULL,
		UNIQUE(site_id, title)
	);

	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL REFERENCES sites(id),
		property_id TEXT REFERENCES properties(id),
		listname TEXT NOT NULL,
		bedrooms INTEGER DEFAULT 0,
		bathrooms INTEGER DEFAULT 0,
		sqft INTEGER DEFAULT 0,
		shared_room BOOLEAN DEFAULT FALSE,
		amenities TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE(site_id, listname)
	);

	CREATE TABLE IF NOT EXISTS listing_snapshots (
		id INTEGER PRIMARY KEY,
		listing_id TEXT NOT NULL REFERENCES listings(id),
		availability TEXT,
		price_low INTEGER DEFAULT 0,
		price_high INTEGER DEFAULT 0,
		pre_deal_price INTEGER DEFAULT 0,
		deals TEXT,
		captured_at DATETIME NOT NULL,
		run_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS crawl_runs (
		id INTEGER PRIMARY KEY,
		site TEXT,
		started_at DATETIME,
		finished_at DATETIME,
		status TEXT,
		processed INTEGER DEFAULT 0,
		created INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		anomaly BOOLEAN DEFAULT FALSE,
		error_message TEXT
	);

	CREATE TABLE IF NOT EXISTS crawl_logs (
		id INTEGER PRIMARY KEY,
		run_id INTEGER,
		timestamp DATETIME,
		level TEXT,
		message TEXT,
		site TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_properties_site ON properties(site_id);
	CREATE INDEX IF NOT EXISTS idx_listings_site ON listings(site_id);
	CREATE INDEX IF NOT EXISTS idx_listings_property ON listings(property_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_listing ON listing_snapshots(listing_id, captured_at);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON crawl_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON crawl_runs(status, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WithTx runs fn against a transaction-scoped view of the store. Nested calls
// reuse the already-open transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Catalog) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %v: %w", err, ErrStoreUnavailable)
	}

	if err := fn(&SQLiteStore{db: s.db, q: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isBusy reports transient SQLite write contention worth retrying.
func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// =============================================================================
// Sites
// =============================================================================

func (s *SQLiteStore) UpsertSite(ctx context.Context, site *models.Site) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sites (id, name, url, floorplans_url, container_selector, region, state,
			address, amenities, deals, listing_count, first_visited_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = COALESCE(NULLIF(excluded.url, ''), url),
			floorplans_url = COALESCE(NULLIF(excluded.floorplans_url, ''), floorplans_url),
			container_selector = COALESCE(NULLIF(excluded.container_selector, ''), container_selector),
			region = COALESCE(NULLIF(excluded.region, ''), region),
			state = COALESCE(NULLIF(excluded.state, ''), state),
			address = COALESCE(NULLIF(excluded.address, ''), address),
			amenities = COALESCE(NULLIF(excluded.amenities, ''), amenities),
			deals = COALESCE(NULLIF(excluded.deals, ''), deals),
			updated_at = excluded.updated_at`,
		site.ID, site.Name, site.URL, site.FloorplansURL, site.ContainerSelector, site.Region,
		site.State, site.Address, site.Amenities, site.Deals, site.ListingCount,
		site.FirstVisitedAt, site.CreatedAt, site.UpdatedAt)
	if err != nil {
		return err
	}

	// The row may predate this call; read back the canonical identity.
	stored, err := s.GetSiteByName(ctx, site.Name)
	if err != nil {
		return err
	}
	if stored == nil {
		return fmt.Errorf("site %q missing after upsert: %w", site.Name, ErrStoreUnavailable)
	}
	*site = *stored
	return nil
}

func (s *SQLiteStore) GetSiteByName(ctx context.Context, name string) (*models.Site, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, name, url, floorplans_url, container_selector, region, state,
			address, amenities, deals, listing_count, first_visited_at, created_at, updated_at
		FROM sites WHERE name = ?`, name)

	var site models.Site
	var firstVisited sql.NullTime
	err := row.Scan(&site.ID, &site.Name, &site.URL, &site.FloorplansURL, &site.ContainerSelector,
		&site.Region, &site.State, &site.Address, &site.Amenities, &site.Deals,
		&site.ListingCount, &firstVisited, &site.CreatedAt, &site.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if firstVisited.Valid {
		site.FirstVisitedAt = &firstVisited.Time
	}
	return &site, nil
}

func (s *SQLiteStore) MarkSiteVisited(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE sites SET first_visited_at = COALESCE(first_visited_at, ?) WHERE id = ?`, at, id)
	return err
}

// =============================================================================
// Properties
// =============================================================================

func (s *SQLiteStore) FindOrCreateProperty(ctx context.Context, prop *models.Property) (Outcome, *models.Property, error) {
	var res sql.Result
	err := withRetry("property upsert", isBusy, func() error {
		var execErr error
		res, execErr = s.q.ExecContext(ctx, `
			INSERT INTO properties (id, site_id, title, address, amenities, container_selector, listing_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(site_id, title) DO NOTHING`,
			prop.ID, prop.SiteID, prop.Title, prop.Address, prop.Amenities,
			prop.ContainerSelector, prop.ListingCount, prop.CreatedAt)
		return execErr
	})
	if err != nil {
		return 0, nil, err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return OutcomeCreated, prop, nil
	}

	existing, err := s.getPropertyByKey(ctx, prop.SiteID, prop.Title)
	if err != nil {
		return 0, nil, err
	}
	if existing == nil {
		return 0, nil, fmt.Errorf("property %q missing after upsert: %w", prop.Title, ErrStoreUnavailable)
	}
	return OutcomeFound, existing, nil
}

func (s *SQLiteStore) getPropertyByKey(ctx context.Context, siteID uuid.UUID, title string) (*models.Property, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, site_id, title, address, amenities, container_selector, listing_count, created_at
		FROM properties WHERE site_id = ? AND title = ?`, siteID, title)

	var p models.Property
	err := row.Scan(&p.ID, &p.SiteID, &p.Title, &p.Address, &p.Amenities,
		&p.ContainerSelector, &p.ListingCount, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// checkPropertySite rejects cross-site property references before they reach
// the listings table.
func (s *SQLiteStore) checkPropertySite(ctx context.Context, propertyID, siteID uuid.UUID) error {
	var ownerID uuid.UUID
	err := s.q.QueryRowContext(ctx,
		`SELECT site_id FROM properties WHERE id = ?`, propertyID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("property %s not found: %w", propertyID, ErrConstraintViolation)
	}
	if err != nil {
		return err
	}
	if ownerID != siteID {
		return fmt.Errorf("property %s belongs to site %s, not %s: %w",
			propertyID, ownerID, siteID, ErrConstraintViolation)
	}
	return nil
}

// =============================================================================
// Listings
// =============================================================================

func (s *SQLiteStore) FindOrCreateListing(ctx context.Context, listing *models.Listing) (Outcome, *models.Listing, error) {
	if listing.PropertyID != nil {
		if err := s.checkPropertySite(ctx, *listing.PropertyID, listing.SiteID); err != nil {
			return 0, nil, err
		}
	}

	var res sql.Result
	err := withRetry("listing upsert", isBusy, func() error {
		var execErr error
		res, execErr = s.q.ExecContext(ctx, `
			INSERT INTO listings (id, site_id, property_id, listname, bedrooms, bathrooms,
				sqft, shared_room, amenities, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(site_id, listname) DO NOTHING`,
			listing.ID, listing.SiteID, listing.PropertyID, listing.Listname, listing.Bedrooms,
			listing.Bathrooms, listing.SqFt, listing.SharedRoom, listing.Amenities,
			listing.CreatedAt, listing.UpdatedAt)
		return execErr
	})
	if err != nil {
		return 0, nil, err
	}

	if n, _ := res.RowsAffected(); n > 0 {
		return OutcomeCreated, listing, nil
	}

	existing, err := s.GetListingByKey(ctx, listing.SiteID, listing.Listname)
	if err != nil {
		return 0, nil, err
	}
	if existing == nil {
		return 0, nil, fmt.Errorf("listing %q missing after upsert: %w", listing.Listname, ErrStoreUnavailable)
	}
	return OutcomeFound, existing, nil
}

func (s *SQLiteStore) GetListingByKey(ctx context.Context, siteID uuid.UUID, listname string) (*models.Listing, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, site_id, property_id, listname, bedrooms, bathrooms, sqft,
			shared_room, amenities, created_at, updated_at
		FROM listings WHERE site_id = ? AND listname = ?`, siteID, listname)

	listing, err := scanListing(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return listing, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	var propertyID uuid.NullUUID
	err := row.Scan(&l.ID, &l.SiteID, &propertyID, &l.Listname, &l.Bedrooms, &l.Bathrooms,
		&l.SqFt, &l.SharedRoom, &l.Amenities, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if propertyID.Valid {
		id := propertyID.UUID
		l.PropertyID = &id
	}
	return &l, nil
}

func (s *SQLiteStore) UpdateListingAttrs(ctx context.Context, listing *models.Listing) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE listings SET bedrooms = ?, bathrooms = ?, sqft = ?, shared_room = ?,
			amenities = ?, updated_at = ?
		WHERE id = ?`,
		listing.Bedrooms, listing.Bathrooms, listing.SqFt, listing.SharedRoom,
		listing.Amenities, listing.UpdatedAt, listing.ID)
	return err
}

func (s *SQLiteStore) AttachListingProperty(ctx context.Context, listingID, propertyID uuid.UUID) error {
	var siteID uuid.UUID
	err := s.q.QueryRowContext(ctx,
		`SELECT site_id FROM listings WHERE id = ?`, listingID).Scan(&siteID)
	if err != nil {
		return err
	}
	if err := s.checkPropertySite(ctx, propertyID, siteID); err != nil {
		return err
	}

	// Only standalone listings get linked; an existing link is never moved.
	_, err = s.q.ExecContext(ctx, `
		UPDATE listings SET property_id = ?, updated_at = ?
		WHERE id = ? AND property_id IS NULL`,
		propertyID, time.Now().UTC(), listingID)
	return err
}

func (s *SQLiteStore) ListingsForSite(ctx context.Context, siteID uuid.UUID) ([]models.Listing, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, site_id, property_id, listname, bedrooms, bathrooms, sqft,
			shared_room, amenities, created_at, updated_at
		FROM listings WHERE site_id = ? ORDER BY listname`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

// =============================================================================
// Snapshots
// =============================================================================

func (s *SQLiteStore) AppendSnapshot(ctx context.Context, snap *models.ListingSnapshot) error {
	var res sql.Result
	err := withRetry("snapshot append", isBusy, func() error {
		var execErr error
		res, execErr = s.q.ExecContext(ctx, `
			INSERT INTO listing_snapshots (listing_id, availability, price_low, price_high,
				pre_deal_price, deals, captured_at, run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ListingID, snap.Availability, snap.PriceLow, snap.PriceHigh,
			snap.PreDealPrice, snap.Deals, snap.CapturedAt, snap.RunID)
		return execErr
	})
	if err != nil {
		return err
	}

	snap.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, listingID uuid.UUID) (*models.ListingSnapshot, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, listing_id, availability, price_low, price_high, pre_deal_price,
			deals, captured_at, run_id
		FROM listing_snapshots WHERE listing_id = ?
		ORDER BY captured_at DESC, id DESC LIMIT 1`, listingID)

	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *SQLiteStore) SnapshotsForListing(ctx context.Context, listingID uuid.UUID) ([]models.ListingSnapshot, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, listing_id, availability, price_low, price_high, pre_deal_price,
			deals, captured_at, run_id
		FROM listing_snapshots WHERE listing_id = ?
		ORDER BY captured_at, id`, listingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snapshots []models.ListingSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, *snap)
	}
	return snapshots, rows.Err()
}

func scanSnapshot(row rowScanner) (*models.ListingSnapshot, error) {
	var snap models.ListingSnapshot
	var runID sql.NullInt64
	err := row.Scan(&snap.ID, &snap.ListingID, &snap.Availability, &snap.PriceLow,
		&snap.PriceHigh, &snap.PreDealPrice, &snap.Deals, &snap.CapturedAt, &runID)
	if err != nil {
		return nil, err
	}
	if runID.Valid {
		snap.RunID = &runID.Int64
	}
	return &snap, nil
}

// =============================================================================
// Counters and deletion
// =============================================================================

func (s *SQLiteStore) RefreshListingCounts(ctx context.Context, siteID uuid.UUID) error {
	if _, err := s.q.ExecContext(ctx, `
		UPDATE sites SET listing_count =
			(SELECT COUNT(*) FROM listings WHERE site_id = sites.id)
		WHERE id = ?`, siteID); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE properties SET listing_count =
			(SELECT COUNT(*) FROM listings WHERE property_id = properties.id)
		WHERE site_id = ?`, siteID)
	return err
}

// DeleteSite removes a site and everything it owns. The cascade is spelled
// out child-first in one transaction instead of being delegated to engine
// foreign keys, so the invariant holds identically on every backend.
func (s *SQLiteStore) DeleteSite(ctx context.Context, siteID uuid.UUID) error {
	return s.WithTx(ctx, func(c Catalog) error {
		q := c.(*SQLiteStore).q
		stmts := []string{
			`DELETE FROM listing_snapshots WHERE listing_id IN
				(SELECT id FROM listings WHERE site_id = ?)`,
			`DELETE FROM listings WHERE site_id = ?`,
			`DELETE FROM properties WHERE site_id = ?`,
			`DELETE FROM sites WHERE id = ?`,
		}
		for _, stmt := range stmts {
			if _, err := q.ExecContext(ctx, stmt, siteID); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Runs and logs
// =============================================================================

func (s *SQLiteStore) CreateRun(ctx context.Context, run *models.CrawlRun) error {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO crawl_runs (site, started_at, status, processed, created, updated,
			skipped, failed, anomaly, error_message)
		VALUES (?, ?, ?, 0, 0, 0, 0, 0, FALSE, '')`,
		run.Site, run.StartedAt, run.Status)
	if err != nil {
		return err
	}
	run.ID, err = res.LastInsertId()
	return err
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *models.CrawlRun) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE crawl_runs SET finished_at = ?, status = ?, processed = ?, created = ?,
			updated = ?, skipped = ?, failed = ?, anomaly = ?, error_message = ?
		WHERE id = ?`,
		run.FinishedAt, run.Status, run.Processed, run.Created, run.Updated,
		run.Skipped, run.Failed, run.Anomaly, run.ErrorMessage, run.ID)
	return err
}

func (s *SQLiteStore) Log(ctx context.Context, runID *int64, level models.LogLevel, site, message string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO crawl_logs (run_id, timestamp, level, message, site)
		VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now().UTC(), level, message, site)
	return err
}
