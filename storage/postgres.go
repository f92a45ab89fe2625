package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"fp_tracker/models"
)

// pgq is satisfied by both *pgxpool.Pool and pgx.Tx so every query below works
// unchanged inside a transaction-scoped store view.
type pgq interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PostgresStore struct {
	pool *pgxpool.Pool
	q    pgq
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %v: %w", err, ErrStoreUnavailable)
	}

	store := &PostgresStore{pool: pool, q: pool}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		url TEXT DEFAULT '',
		floorplans_url TEXT DEFAULT '',
		container_selector TEXT DEFAULT '',
		region TEXT DEFAULT '',
		state TEXT DEFAULT '',
		address TEXT DEFAULT '',
		amenities TEXT DEFAULT '',
		deals TEXT DEFAULT '',
		listing_count INTEGER DEFAULT 0,
		first_visited_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS properties (
		id UUID PRIMARY KEY,
		site_id UUID NOT NULL REFERENCES sites(id),
		title TEXT NOT NULL,
		address TEXT DEFAULT '',
		amenities TEXT DEFAULT '',
		container_selector TEXT DEFAULT '',
		listing_count INTEGER DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE(site_id, title)
	);

	CREATE TABLE IF NOT EXISTS listings (
		id UUID PRIMARY KEY,
		site_id UUID NOT NULL REFERENCES sites(id),
		property_id UUID REFERENCES properties(id),
		listname TEXT NOT NULL,
		bedrooms INTEGER DEFAULT 0,
		bathrooms INTEGER DEFAULT 0,
		sqft INTEGER DEFAULT 0,
		shared_room BOOLEAN DEFAULT FALSE,
		amenities TEXT DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		UNIQUE(site_id, listname)
	);

	CREATE TABLE IF NOT EXISTS listing_snapshots (
		id BIGSERIAL PRIMARY KEY,
		listing_id UUID NOT NULL REFERENCES listings(id),
		availability TEXT DEFAULT '',
		price_low INTEGER DEFAULT 0,
		price_high INTEGER DEFAULT 0,
		pre_deal_price INTEGER DEFAULT 0,
		deals TEXT DEFAULT '',
		captured_at TIMESTAMPTZ NOT NULL,
		run_id BIGINT
	);

	CREATE TABLE IF NOT EXISTS crawl_runs (
		id BIGSERIAL PRIMARY KEY,
		site TEXT DEFAULT '',
		started_at TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		status TEXT DEFAULT '',
		processed INTEGER DEFAULT 0,
		created INTEGER DEFAULT 0,
		updated INTEGER DEFAULT 0,
		skipped INTEGER DEFAULT 0,
		failed INTEGER DEFAULT 0,
		anomaly BOOLEAN DEFAULT FALSE,
		error_message TEXT DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS crawl_logs (
		id BIGSERIAL PRIMARY KEY,
		run_id BIGINT,
		timestamp TIMESTAMPTZ,
		level TEXT DEFAULT '',
		message TEXT DEFAULT '',
		site TEXT DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_properties_site ON properties(site_id);
	CREATE INDEX IF NOT EXISTS idx_listings_site ON listings(site_id);
	CREATE INDEX IF NOT EXISTS idx_listings_property ON listings(property_id);
	CREATE INDEX IF NOT EXISTS idx_snapshots_listing ON listing_snapshots(listing_id, captured_at);
	CREATE INDEX IF NOT EXISTS idx_logs_run ON crawl_logs(run_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON crawl_runs(status, started_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// WithTx runs fn against a transaction-scoped view of the store. Nested calls
// reuse the already-open transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(Catalog) error) error {
	if _, ok := s.q.(pgx.Tx); ok {
		return fn(s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %v: %w", err, ErrStoreUnavailable)
	}

	if err := fn(&PostgresStore{pool: s.pool, q: tx}); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// isPgRetryable reports serialization failures and deadlocks worth retrying.
func isPgRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// classify maps driver integrity errors onto the store's error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503", "23514":
			return fmt.Errorf("%s: %w", pgErr.Message, ErrConstraintViolation)
		}
	}
	return err
}

// =============================================================================
// Sites
// =============================================================================

func (s *PostgresStore) UpsertSite(ctx context.Context, site *models.Site) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO sites (id, name, url, floorplans_url, container_selector, region, state,
			address, amenities, deals, listing_count, first_visited_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (name) DO UPDATE SET
			url = COALESCE(NULLIF(EXCLUDED.url, ''), sites.url),
			floorplans_url = COALESCE(NULLIF(EXCLUDED.floorplans_url, ''), sites.floorplans_url),
			container_selector = COALESCE(NULLIF(EXCLUDED.container_selector, ''), sites.container_selector),
			region = COALESCE(NULLIF(EXCLUDED.region, ''), sites.region),
			state = COALESCE(NULLIF(EXCLUDED.state, ''), sites.state),
			address = COALESCE(NULLIF(EXCLUDED.address, ''), sites.address),
			amenities = COALESCE(NULLIF(EXCLUDED.amenities, ''), sites.amenities),
			deals = COALESCE(NULLIF(EXCLUDED.deals, ''), sites.deals),
			updated_at = EXCLUDED.updated_at`,
		site.ID, site.Name, site.URL, site.FloorplansURL, site.ContainerSelector, site.Region,
		site.State, site.Address, site.Amenities, site.Deals, site.ListingCount,
		site.FirstVisitedAt, site.CreatedAt, site.UpdatedAt)
	if err != nil {
		return classify(err)
	}

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

func (s *PostgresStore) GetSiteByName(ctx context.Context, name string) (*models.Site, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, name, url, floorplans_url, container_selector, region, state,
			address, amenities, deals, listing_count, first_visited_at, created_at, updated_at
		FROM sites WHERE name = $1`, name)

	var site models.Site
	var firstVisited sql.NullTime
	err := row.Scan(&site.ID, &site.Name, &site.URL, &site.FloorplansURL, &site.ContainerSelector,
		&site.Region, &site.State, &site.Address, &site.Amenities, &site.Deals,
		&site.ListingCount, &firstVisited, &site.CreatedAt, &site.UpdatedAt)
	if err == pgx.ErrNoRows {
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

func (s *PostgresStore) MarkSiteVisited(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.q.Exec(ctx, `
		UPDATE sites SET first_visited_at = COALESCE(first_visited_at, $1) WHERE id = $2`, at, id)
	return err
}

// =============================================================================
// Properties
// =============================================================================

func (s *PostgresStore) FindOrCreateProperty(ctx context.Context, prop *models.Property) (Outcome, *models.Property, error) {
	var tag pgconn.CommandTag
	err := withRetry("property upsert", isPgRetryable, func() error {
		var execErr error
		tag, execErr = s.q.Exec(ctx, `
			INSERT INTO properties (id, site_id, title, address, amenities, container_selector, listing_count, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (site_id, title) DO NOTHING`,
			prop.ID, prop.SiteID, prop.Title, prop.Address, prop.Amenities,
			prop.ContainerSelector, prop.ListingCount, prop.CreatedAt)
		return execErr
	})
	if err != nil {
		return 0, nil, classify(err)
	}

	if tag.RowsAffected() > 0 {
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

func (s *PostgresStore) getPropertyByKey(ctx context.Context, siteID uuid.UUID, title string) (*models.Property, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, site_id, title, address, amenities, container_selector, listing_count, created_at
		FROM properties WHERE site_id = $1 AND title = $2`, siteID, title)

	var p models.Property
	err := row.Scan(&p.ID, &p.SiteID, &p.Title, &p.Address, &p.Amenities,
		&p.ContainerSelector, &p.ListingCount, &p.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) checkPropertySite(ctx context.Context, propertyID, siteID uuid.UUID) error {
	var ownerID uuid.UUID
	err := s.q.QueryRow(ctx,
		`SELECT site_id FROM properties WHERE id = $1`, propertyID).Scan(&ownerID)
	if err == pgx.ErrNoRows {
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

func (s *PostgresStore) FindOrCreateListing(ctx context.Context, listing *models.Listing) (Outcome, *models.Listing, error) {
	if listing.PropertyID != nil {
		if err := s.checkPropertySite(ctx, *listing.PropertyID, listing.SiteID); err != nil {
			return 0, nil, err
		}
	}

	var tag pgconn.CommandTag
	err := withRetry("listing upsert", isPgRetryable, func() error {
		var execErr error
		tag, execErr = s.q.Exec(ctx, `
			INSERT INTO listings (id, site_id, property_id, listname, bedrooms, bathrooms,
				sqft, shared_room, amenities, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (site_id, listname) DO NOTHING`,
			listing.ID, listing.SiteID, listing.PropertyID, listing.Listname, listing.Bedrooms,
			listing.Bathrooms, listing.SqFt, listing.SharedRoom, listing.Amenities,
			listing.CreatedAt, listing.UpdatedAt)
		return execErr
	})
	if err != nil {
		return 0, nil, classify(err)
	}

	if tag.RowsAffected() > 0 {
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

func (s *PostgresStore) GetListingByKey(ctx context.Context, siteID uuid.UUID, listname string) (*models.Listing, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, site_id, property_id, listname, bedrooms, bathrooms, sqft,
			shared_room, amenities, created_at, updated_at
		FROM listings WHERE site_id = $1 AND listname = $2`, siteID, listname)

	listing, err := scanListing(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (s *PostgresStore) UpdateListingAttrs(ctx context.Context, listing *models.Listing) error {
	_, err := s.q.Exec(ctx, `
		UPDATE listings SET bedrooms = $1, bathrooms = $2, sqft = $3, shared_room = $4,
			amenities = $5, updated_at = $6
		WHERE id = $7`,
		listing.Bedrooms, listing.Bathrooms, listing.SqFt, listing.SharedRoom,
		listing.Amenities, listing.UpdatedAt, listing.ID)
	return err
}

func (s *PostgresStore) AttachListingProperty(ctx context.Context, listingID, propertyID uuid.UUID) error {
	var siteID uuid.UUID
	err := s.q.QueryRow(ctx,
		`SELECT site_id FROM listings WHERE id = $1`, listingID).Scan(&siteID)
	if err != nil {
		return err
	}
	if err := s.checkPropertySite(ctx, propertyID, siteID); err != nil {
		return err
	}

	_, err = s.q.Exec(ctx, `
		UPDATE listings SET property_id = $1, updated_at = $2
		WHERE id = $3 AND property_id IS NULL`,
		propertyID, time.Now().UTC(), listingID)
	return classify(err)
}

func (s *PostgresStore) ListingsForSite(ctx context.Context, siteID uuid.UUID) ([]models.Listing, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, site_id, property_id, listname, bedrooms, bathrooms, sqft,
			shared_room, amenities, created_at, updated_at
		FROM listings WHERE site_id = $1 ORDER BY listname`, siteID)
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

func (s *PostgresStore) AppendSnapshot(ctx context.Context, snap *models.ListingSnapshot) error {
	err := withRetry("snapshot append", isPgRetryable, func() error {
		return s.q.QueryRow(ctx, `
			INSERT INTO listing_snapshots (listing_id, availability, price_low, price_high,
				pre_deal_price, deals, captured_at, run_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			snap.ListingID, snap.Availability, snap.PriceLow, snap.PriceHigh,
			snap.PreDealPrice, snap.Deals, snap.CapturedAt, snap.RunID).Scan(&snap.ID)
	})
	return classify(err)
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, listingID uuid.UUID) (*models.ListingSnapshot, error) {
	row := s.q.QueryRow(ctx, `
		SELECT id, listing_id, availability, price_low, price_high, pre_deal_price,
			deals, captured_at, run_id
		FROM listing_snapshots WHERE listing_id = $1
		ORDER BY captured_at DESC, id DESC LIMIT 1`, listingID)

	snap, err := scanSnapshot(row)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PostgresStore) SnapshotsForListing(ctx context.Context, listingID uuid.UUID) ([]models.ListingSnapshot, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, listing_id, availability, price_low, price_high, pre_deal_price,
			deals, captured_at, run_id
		FROM listing_snapshots WHERE listing_id = $1
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

// =============================================================================
// Counters and deletion
// =============================================================================

func (s *PostgresStore) RefreshListingCounts(ctx context.Context, siteID uuid.UUID) error {
	if _, err := s.q.Exec(ctx, `
		UPDATE sites SET listing_count =
			(SELECT COUNT(*) FROM listings WHERE site_id = sites.id)
		WHERE id = $1`, siteID); err != nil {
		return err
	}
	_, err := s.q.Exec(ctx, `
		UPDATE properties SET listing_count =
			(SELECT COUNT(*) FROM listings WHERE property_id = properties.id)
		WHERE site_id = $1`, siteID)
	return err
}

func (s *PostgresStore) DeleteSite(ctx context.Context, siteID uuid.UUID) error {
	return s.WithTx(ctx, func(c Catalog) error {
		q := c.(*PostgresStore).q
		stmts := []string{
			`DELETE FROM listing_snapshots WHERE listing_id IN
				(SELECT id FROM listings WHERE site_id = $1)`,
			`DELETE FROM listings WHERE site_id = $1`,
			`DELETE FROM properties WHERE site_id = $1`,
			`DELETE FROM sites WHERE id = $1`,
		}
		for _, stmt := range stmts {
			if _, err := q.Exec(ctx, stmt, siteID); err != nil {
				return err
			}
		}
		return nil
	})
}

// =============================================================================
// Runs and logs
// =============================================================================

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.CrawlRun) error {
	return s.q.QueryRow(ctx, `
		INSERT INTO crawl_runs (site, started_at, status)
		VALUES ($1, $2, $3)
		RETURNING id`,
		run.Site, run.StartedAt, run.Status).Scan(&run.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *models.CrawlRun) error {
	_, err := s.q.Exec(ctx, `
		UPDATE crawl_runs SET finished_at = $1, status = $2, processed = $3, created = $4,
			updated = $5, skipped = $6, failed = $7, anomaly = $8, error_message = $9
		WHERE id = $10`,
		run.FinishedAt, run.Status, run.Processed, run.Created, run.Updated,
		run.Skipped, run.Failed, run.Anomaly, run.ErrorMessage, run.ID)
	return err
}

func (s *PostgresStore) Log(ctx context.Context, runID *int64, level models.LogLevel, site, message string) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO crawl_logs (run_id, timestamp, level, message, site)
		VALUES ($1, $2, $3, $4, $5)`,
		runID, time.Now().UTC(), level, message, site)
	return err
}
