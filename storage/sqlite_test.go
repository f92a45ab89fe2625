package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"fp_tracker/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedSite(t *testing.T, s *SQLiteStore, name string) *models.Site {
	t.Helper()

	now := time.Now().UTC()
	site := &models.Site{
		ID:        uuid.New(),
		Name:      name,
		URL:       "https://" + name + ".example.com",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.UpsertSite(context.Background(), site); err != nil {
		t.Fatalf("seed site %s: %v", name, err)
	}
	return site
}

func seedListing(t *testing.T, s *SQLiteStore, siteID uuid.UUID, listname string) *models.Listing {
	t.Helper()

	now := time.Now().UTC()
	listing := &models.Listing{
		ID:        uuid.New(),
		SiteID:    siteID,
		Listname:  listname,
		CreatedAt: now,
		UpdatedAt: now,
	}
	outcome, stored, err := s.FindOrCreateListing(context.Background(), listing)
	if err != nil {
		t.Fatalf("seed listing %s: %v", listname, err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("seed listing %s: outcome = %v, want created", listname, outcome)
	}
	return stored
}

func TestUpsertSiteStableIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	site := seedSite(t, s, "maple-court")
	firstID := site.ID

	visited := time.Now().UTC().Truncate(time.Second)
	if err := s.MarkSiteVisited(ctx, firstID, visited); err != nil {
		t.Fatalf("mark visited: %v", err)
	}

	// Re-provisioning with a fresh UUID and blank fields must keep the
	// stored identity and not clobber anything already known.
	again := &models.Site{
		ID:        uuid.New(),
		Name:      "maple-court",
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.UpsertSite(ctx, again); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if again.ID != firstID {
		t.Errorf("site ID changed across upserts: %s -> %s", firstID, again.ID)
	}
	if again.URL != site.URL {
		t.Errorf("blank URL clobbered stored value: got %q, want %q", again.URL, site.URL)
	}
	if again.FirstVisitedAt == nil {
		t.Error("first_visited_at lost across upserts")
	}
}

func TestMarkSiteVisitedOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	site := seedSite(t, s, "first-visit")
	first := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	if err := s.MarkSiteVisited(ctx, site.ID, first); err != nil {
		t.Fatalf("mark visited: %v", err)
	}
	if err := s.MarkSiteVisited(ctx, site.ID, first.Add(24*time.Hour)); err != nil {
		t.Fatalf("second mark visited: %v", err)
	}

	got, err := s.GetSiteByName(ctx, "first-visit")
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	if got.FirstVisitedAt == nil || !got.FirstVisitedAt.Equal(first) {
		t.Errorf("first_visited_at = %v, want %v", got.FirstVisitedAt, first)
	}
}

func TestFindOrCreateListingTagged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	site := seedSite(t, s, "oak-ridge")

	now := time.Now().UTC()
	listing := &models.Listing{
		ID: uuid.New(), SiteID: site.ID, Listname: "A1",
		Bedrooms: 2, CreatedAt: now, UpdatedAt: now,
	}
	outcome, first, err := s.FindOrCreateListing(ctx, listing)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if outcome != OutcomeCreated {
		t.Fatalf("first call outcome = %v, want created", outcome)
	}

	dup := &models.Listing{
		ID: uuid.New(), SiteID: site.ID, Listname: "A1",
		CreatedAt: now, UpdatedAt: now,
	}
	outcome, second, err := s.FindOrCreateListing(ctx, dup)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if outcome != OutcomeFound {
		t.Fatalf("second call outcome = %v, want found", outcome)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate key resolved to different row: %s vs %s", second.ID, first.ID)
	}
	if second.Bedrooms != 2 {
		t.Errorf("found row lost attrs: bedrooms = %d, want 2", second.Bedrooms)
	}
}

func TestFindOrCreateListingConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	site := seedSite(t, s, "cedar-flats")

	const workers = 10
	var wg sync.WaitGroup
	created := make(chan uuid.UUID, workers)
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			listing := &models.Listing{
				ID: uuid.New(), SiteID: site.ID, Listname: "B2",
				CreatedAt: now, UpdatedAt: now,
			}
			outcome, stored, err := s.FindOrCreateListing(ctx, listing)
			if err != nil {
				errs <- err
				return
			}
			if outcome == OutcomeCreated {
				created <- stored.ID
			}
		}()
	}
	wg.Wait()
	close(created)
	close(errs)

	for err := range errs {
		t.Errorf("concurrent upsert error: %v", err)
	}
	if n := len(created); n != 1 {
		t.Errorf("created %d rows for one key, want exactly 1", n)
	}

	var count int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM listings WHERE site_id = ? AND listname = ?`,
		site.ID, "B2").Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("table holds %d rows for one key, want 1", count)
	}
}

func TestCrossSitePropertyRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	siteA := seedSite(t, s, "site-a")
	siteB := seedSite(t, s, "site-b")

	now := time.Now().UTC()
	prop := &models.Property{ID: uuid.New(), SiteID: siteA.ID, Title: "Tower One", CreatedAt: now}
	if _, _, err := s.FindOrCreateProperty(ctx, prop); err != nil {
		t.Fatalf("create property: %v", err)
	}

	listing := &models.Listing{
		ID: uuid.New(), SiteID: siteB.ID, PropertyID: &prop.ID, Listname: "C3",
		CreatedAt: now, UpdatedAt: now,
	}
	_, _, err := s.FindOrCreateListing(ctx, listing)
	if !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("cross-site listing create: err = %v, want ErrConstraintViolation", err)
	}

	orphan := seedListing(t, s, siteB.ID, "C4")
	err = s.AttachListingProperty(ctx, orphan.ID, prop.ID)
	if !errors.Is(err, ErrConstraintViolation) {
		t.Fatalf("cross-site attach: err = %v, want ErrConstraintViolation", err)
	}
}

func TestAttachListingPropertyNeverRelinks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	site := seedSite(t, s, "pine-view")

	now := time.Now().UTC()
	propA := &models.Property{ID: uuid.New(), SiteID: site.ID, Title: "Building A", CreatedAt: now}
	propB := &models.Property{ID: uuid.New(), SiteID: site.ID, Title: "Building B", CreatedAt: now}
	for _, p := range []*models.Property{propA, propB} {
		if _, _, err := s.FindOrCreateProperty(ctx, p); err != nil {
			t.Fatalf("create property: %v", err)
		}
	}

	listing := seedListing(t, s, site.ID, "D1")
	if err := s.AttachListingProperty(ctx, listing.ID, propA.ID); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if err := s.AttachListingProperty(ctx, listing.ID, propB.ID); err != nil {
		t.Fatalf("second attach: %v", err)
	}

	got, err := s.GetListingByKey(ctx, site.ID, "D1")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got.PropertyID == nil || *got.PropertyID != propA.ID {
		t.Errorf("listing moved to %v, want to stay on %s", got.PropertyID, propA.ID)
	}
}

func TestSnapshotAppendOnlyOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	site := seedSite(t, s, "elm-place")
	listing := seedListing(t, s, site.ID, "E1")

	capturedAt := time.Now().UTC().Truncate(time.Second)
	prices := []int{1500, 1550, 1600}
	for _, p := range prices {
		snap := &models.ListingSnapshot{
			ListingID:  listing.ID,
			PriceLow:   p,
			CapturedAt: capturedAt, // identical timestamps force the id tiebreak
		}
		if err := s.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("append %d: %v", p, err)
		}
	}

	history, err := s.SnapshotsForListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != len(prices) {
		t.Fatalf("history has %d snapshots, want %d", len(history), len(prices))
	}
	for i, snap := range history {
		if snap.PriceLow != prices[i] {
			t.Errorf("history[%d].PriceLow = %d, want %d", i, snap.PriceLow, prices[i])
		}
	}

	latest, err := s.LatestSnapshot(ctx, listing.ID)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest == nil || latest.PriceLow != 1600 {
		t.Errorf("latest = %+v, want the last appended snapshot", latest)
	}
}

func TestDeleteSiteCascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	doomed := seedSite(t, s, "doomed")
	keeper := seedSite(t, s, "keeper")

	now := time.Now().UTC()
	for _, site := range []*models.Site{doomed, keeper} {
		prop := &models.Property{ID: uuid.New(), SiteID: site.ID, Title: "Main", CreatedAt: now}
		if _, _, err := s.FindOrCreateProperty(ctx, prop); err != nil {
			t.Fatalf("create property: %v", err)
		}
		listing := seedListing(t, s, site.ID, "F1")
		if err := s.AttachListingProperty(ctx, listing.ID, prop.ID); err != nil {
			t.Fatalf("attach: %v", err)
		}
		snap := &models.ListingSnapshot{ListingID: listing.ID, PriceLow: 1200, CapturedAt: now}
		if err := s.AppendSnapshot(ctx, snap); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := s.DeleteSite(ctx, doomed.ID); err != nil {
		t.Fatalf("delete site: %v", err)
	}

	counts := map[string]string{
		"sites":      `SELECT COUNT(*) FROM sites WHERE id = ?`,
		"properties": `SELECT COUNT(*) FROM properties WHERE site_id = ?`,
		"listings":   `SELECT COUNT(*) FROM listings WHERE site_id = ?`,
		"snapshots": `SELECT COUNT(*) FROM listing_snapshots WHERE listing_id IN
			(SELECT id FROM listings WHERE site_id = ?)`,
	}
	for table, query := range counts {
		var n int
		if err := s.db.QueryRow(query, doomed.ID).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s: %d orphan rows after cascade, want 0", table, n)
		}
	}

	// The untouched site keeps its rows.
	survivor, err := s.GetListingByKey(ctx, keeper.ID, "F1")
	if err != nil || survivor == nil {
		t.Fatalf("keeper listing gone after unrelated delete: %v", err)
	}
	latest, err := s.LatestSnapshot(ctx, survivor.ID)
	if err != nil || latest == nil {
		t.Fatalf("keeper snapshot gone after unrelated delete: %v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	site := seedSite(t, s, "txn-site")

	sentinel := errors.New("boom")
	err := s.WithTx(ctx, func(c Catalog) error {
		now := time.Now().UTC()
		listing := &models.Listing{
			ID: uuid.New(), SiteID: site.ID, Listname: "G1",
			CreatedAt: now, UpdatedAt: now,
		}
		if _, _, err := c.FindOrCreateListing(ctx, listing); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx err = %v, want sentinel", err)
	}

	got, err := s.GetListingByKey(ctx, site.ID, "G1")
	if err != nil {
		t.Fatalf("get listing: %v", err)
	}
	if got != nil {
		t.Error("rolled-back listing still visible")
	}
}

func TestRefreshListingCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	site := seedSite(t, s, "count-site")

	now := time.Now().UTC()
	prop := &models.Property{ID: uuid.New(), SiteID: site.ID, Title: "North Wing", CreatedAt: now}
	if _, _, err := s.FindOrCreateProperty(ctx, prop); err != nil {
		t.Fatalf("create property: %v", err)
	}
	for _, name := range []string{"H1", "H2", "H3"} {
		listing := seedListing(t, s, site.ID, name)
		if name != "H3" {
			if err := s.AttachListingProperty(ctx, listing.ID, prop.ID); err != nil {
				t.Fatalf("attach %s: %v", name, err)
			}
		}
	}

	if err := s.RefreshListingCounts(ctx, site.ID); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	got, err := s.GetSiteByName(ctx, "count-site")
	if err != nil {
		t.Fatalf("get site: %v", err)
	}
	if got.ListingCount != 3 {
		t.Errorf("site listing_count = %d, want 3", got.ListingCount)
	}

	storedProp, err := s.getPropertyByKey(ctx, site.ID, "North Wing")
	if err != nil {
		t.Fatalf("get property: %v", err)
	}
	if storedProp.ListingCount != 2 {
		t.Errorf("property listing_count = %d, want 2", storedProp.ListingCount)
	}
}
