package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"fp_tracker/models"
)

func streamOf(recs ...*models.ScrapedRecord) <-chan *models.ScrapedRecord {
	out := make(chan *models.ScrapedRecord, len(recs))
	for _, rec := range recs {
		out <- rec
	}
	close(out)
	return out
}

func priceRecord(site, listname string, price int) *models.ScrapedRecord {
	return &models.ScrapedRecord{Site: site, Listname: listname, PriceLow: price}
}

func TestRunPriceChangeLifecycle(t *testing.T) {
	store := newTestStore(t)
	provisionSite(t, store, "maple-court")
	c := NewCoordinator(store)
	ctx := context.Background()

	// First sighting creates the listing and its first snapshot.
	summary, err := c.Run(ctx, "maple-court", streamOf(priceRecord("maple-court", "A1", 1500)))
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if summary.Created != 1 || summary.Processed != 1 {
		t.Fatalf("run 1 summary = %+v, want created=1", summary)
	}

	// Same observation again is a skip, no new snapshot.
	summary, err = c.Run(ctx, "maple-court", streamOf(priceRecord("maple-court", "A1", 1500)))
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if summary.Skipped != 1 || summary.Updated != 0 {
		t.Fatalf("run 2 summary = %+v, want skipped=1", summary)
	}

	// A price move appends a snapshot.
	summary, err = c.Run(ctx, "maple-court", streamOf(priceRecord("maple-court", "A1", 1550)))
	if err != nil {
		t.Fatalf("run 3: %v", err)
	}
	if summary.Updated != 1 {
		t.Fatalf("run 3 summary = %+v, want updated=1", summary)
	}

	site, _ := store.GetSiteByName(ctx, "maple-court")
	listing, err := store.GetListingByKey(ctx, site.ID, "A1")
	if err != nil || listing == nil {
		t.Fatalf("listing missing: %v", err)
	}
	history, err := store.SnapshotsForListing(ctx, listing.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history has %d snapshots, want 2 (1500 then 1550)", len(history))
	}
	if history[0].PriceLow != 1500 || history[1].PriceLow != 1550 {
		t.Errorf("history prices = %d, %d, want 1500, 1550",
			history[0].PriceLow, history[1].PriceLow)
	}
}

func TestRunBadRecordDoesNotSinkTheRun(t *testing.T) {
	store := newTestStore(t)
	provisionSite(t, store, "maple-court")
	c := NewCoordinator(store)

	summary, err := c.Run(context.Background(), "maple-court", streamOf(
		priceRecord("ghost-site", "A1", 1000),
		priceRecord("maple-court", "", 1100),
		priceRecord("maple-court", "B2", 1200),
	))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if summary.Processed != 3 || summary.Failed != 2 || summary.Created != 1 {
		t.Fatalf("summary = %+v, want processed=3 failed=2 created=1", summary)
	}
	if summary.Anomaly {
		t.Error("run with a success flagged anomalous")
	}
	if len(summary.Failures) != 2 {
		t.Fatalf("kept %d failure samples, want 2", len(summary.Failures))
	}
}

func TestRunAnomalyWhenEverythingFails(t *testing.T) {
	store := newTestStore(t)
	provisionSite(t, store, "maple-court")
	c := NewCoordinator(store)

	summary, err := c.Run(context.Background(), "maple-court", streamOf(
		priceRecord("ghost-site", "A1", 1000),
		&models.ScrapedRecord{Raw: `{"truncated`},
	))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.Anomaly {
		t.Errorf("summary = %+v, want anomaly", summary)
	}

	// An empty stream is not anomalous, just empty.
	summary, err = c.Run(context.Background(), "maple-court", streamOf())
	if err != nil {
		t.Fatalf("empty run: %v", err)
	}
	if summary.Anomaly || summary.Processed != 0 {
		t.Errorf("empty summary = %+v, want processed=0 and no anomaly", summary)
	}
}

func TestRunCancellationKeepsReconciledRecords(t *testing.T) {
	store := newTestStore(t)
	provisionSite(t, store, "maple-court")
	c := NewCoordinator(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	records := make(chan *models.ScrapedRecord)
	type result struct {
		summary *RunSummary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := c.Run(ctx, "maple-court", records)
		done <- result{summary, err}
	}()

	records <- priceRecord("maple-court", "A1", 1500)

	// Wait until the record is fully reconciled before cancelling, so the
	// cancel lands between records.
	site, _ := store.GetSiteByName(context.Background(), "maple-court")
	deadline := time.Now().Add(5 * time.Second)
	for {
		listing, err := store.GetListingByKey(context.Background(), site.ID, "A1")
		if err != nil {
			t.Fatalf("poll listing: %v", err)
		}
		if listing != nil {
			if snap, _ := store.LatestSnapshot(context.Background(), listing.ID); snap != nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("record never reconciled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	res := <-done

	if !errors.Is(res.err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", res.err)
	}
	if res.summary.Processed != 1 || res.summary.Created != 1 {
		t.Errorf("summary = %+v, want the already-reconciled record counted", res.summary)
	}

	// The reconciled record stays reconciled.
	listing, err := store.GetListingByKey(context.Background(), site.ID, "A1")
	if err != nil || listing == nil {
		t.Fatalf("reconciled listing lost after cancellation: %v", err)
	}
}

func TestRunRecordsRunRow(t *testing.T) {
	store := newTestStore(t)
	provisionSite(t, store, "maple-court")
	c := NewCoordinator(store)

	summary, err := c.Run(context.Background(), "maple-court", streamOf(
		priceRecord("maple-court", "A1", 1500),
		priceRecord("ghost-site", "X9", 900),
	))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.RunID == 0 {
		t.Fatal("summary carries no run id")
	}
	if got := summary.Created + summary.Updated + summary.Skipped + summary.Failed; got != summary.Processed {
		t.Errorf("outcome counts sum to %d, processed is %d", got, summary.Processed)
	}
}

func TestRunStoreGone(t *testing.T) {
	store := newTestStore(t)
	provisionSite(t, store, "maple-court")
	store.Close()

	c := NewCoordinator(store)
	_, err := c.Run(context.Background(), "maple-court",
		streamOf(priceRecord("maple-court", "A1", 1500)))
	if err == nil {
		t.Fatal("run against a closed store succeeded")
	}
}
