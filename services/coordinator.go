package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"fp_tracker/models"
	"fp_tracker/storage"
)

const failedSampleLimit = 5

// FailedRecord is one rejected record kept on the run summary for debugging.
type FailedRecord struct {
	Listname string `json:"listname"`
	Reason   string `json:"reason"`
	Raw      string `json:"raw,omitempty"`
}

// RunSummary aggregates one reconciliation run. Processed always equals
// Created + Updated + Skipped + Failed.
type RunSummary struct {
	RunID     int64          `json:"run_id"`
	Site      string         `json:"site"`
	Processed int            `json:"processed"`
	Created   int            `json:"created"`
	Updated   int            `json:"updated"`
	Skipped   int            `json:"skipped"`
	Failed    int            `json:"failed"`
	Anomaly   bool           `json:"anomaly"`
	Failures  []FailedRecord `json:"failures,omitempty"`
}

type recOutcome int

const (
	recCreated recOutcome = iota
	recUpdated
	recSkipped
)

// Coordinator drains a stream of scraped records for one site and reconciles
// each against the catalog: resolve identity, detect change, append a
// snapshot when the market state moved. One bad record never sinks the run;
// a dead store does.
type Coordinator struct {
	store storage.Store
}

func NewCoordinator(store storage.Store) *Coordinator {
	return &Coordinator{store: store}
}

// Run drains records until the channel closes or ctx is cancelled. Records
// already reconciled stay reconciled either way; cancellation is only
// honored between records, never mid-record. The returned summary carries
// partial counts even when the run aborts.
func (c *Coordinator) Run(ctx context.Context, site string, records <-chan *models.ScrapedRecord) (*RunSummary, error) {
	run := &models.CrawlRun{
		Site:      site,
		StartedAt: time.Now().UTC(),
		Status:    models.RunStatusRunning,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	summary := &RunSummary{RunID: run.ID, Site: site}
	var runErr error

loop:
	for {
		select {
		case <-ctx.Done():
			runErr = ctx.Err()
			break loop
		case rec, ok := <-records:
			if !ok {
				break loop
			}
			summary.Processed++

			outcome, changes, err := c.reconcile(ctx, run.ID, rec)
			if err != nil {
				if errors.Is(err, storage.ErrStoreUnavailable) {
					runErr = err
					summary.Failed++
					break loop
				}
				summary.Failed++
				c.noteFailure(ctx, run.ID, site, summary, rec, err)
				continue
			}

			switch outcome {
			case recCreated:
				summary.Created++
			case recUpdated:
				summary.Updated++
				log.Printf("[reconcile] %s/%s changed: %v", site, rec.Listname, changes)
			case recSkipped:
				summary.Skipped++
			}
		}
	}

	summary.Anomaly = summary.Processed > 0 && summary.Failed == summary.Processed
	c.finalize(ctx, run, summary, runErr)
	return summary, runErr
}

// reconcile handles exactly one record inside one transaction, so a failure
// at any step leaves no partial rows behind.
func (c *Coordinator) reconcile(ctx context.Context, runID int64, rec *models.ScrapedRecord) (recOutcome, []FieldChange, error) {
	var outcome recOutcome
	var changes []FieldChange

	err := c.store.WithTx(ctx, func(cat storage.Catalog) error {
		ident, err := NewResolver(cat).Resolve(ctx, rec)
		if err != nil {
			return err
		}

		var prev *models.ListingSnapshot
		if ident.ListingOutcome == storage.OutcomeFound {
			prev, err = cat.LatestSnapshot(ctx, ident.Listing.ID)
			if err != nil {
				return err
			}
		}

		changed, diff := DetectChange(prev, rec.Observation())
		if !changed {
			outcome = recSkipped
			return nil
		}

		obs := rec.Observation()
		snap := &models.ListingSnapshot{
			ListingID:    ident.Listing.ID,
			Availability: obs.Availability,
			PriceLow:     obs.PriceLow,
			PriceHigh:    obs.PriceHigh,
			PreDealPrice: obs.PreDealPrice,
			Deals:        obs.Deals,
			CapturedAt:   time.Now().UTC(),
			RunID:        &runID,
		}
		if err := cat.AppendSnapshot(ctx, snap); err != nil {
			return err
		}

		changes = diff
		if ident.ListingOutcome == storage.OutcomeCreated {
			outcome = recCreated
		} else {
			outcome = recUpdated
		}
		return nil
	})
	return outcome, changes, err
}

func (c *Coordinator) noteFailure(ctx context.Context, runID int64, site string, summary *RunSummary, rec *models.ScrapedRecord, err error) {
	log.Printf("[reconcile] %s/%s rejected: %v", site, rec.Listname, err)
	if len(summary.Failures) < failedSampleLimit {
		summary.Failures = append(summary.Failures, FailedRecord{
			Listname: rec.Listname,
			Reason:   err.Error(),
			Raw:      rec.Raw,
		})
	}
	if logErr := c.store.Log(ctx, &runID, models.LogLevelWarn, site,
		fmt.Sprintf("record %q rejected: %v", rec.Listname, err)); logErr != nil {
		log.Printf("[reconcile] log write failed: %v", logErr)
	}
}

// finalize persists the run outcome. It runs detached from the caller's
// cancellation so an interrupted run still records its partial counts.
func (c *Coordinator) finalize(ctx context.Context, run *models.CrawlRun, summary *RunSummary, runErr error) {
	ctx = context.WithoutCancel(ctx)

	now := time.Now().UTC()
	run.FinishedAt = &now
	run.Processed = summary.Processed
	run.Created = summary.Created
	run.Updated = summary.Updated
	run.Skipped = summary.Skipped
	run.Failed = summary.Failed
	run.Anomaly = summary.Anomaly

	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		run.Status = models.RunStatusCancelled
		run.ErrorMessage = runErr.Error()
	case runErr != nil:
		run.Status = models.RunStatusFailed
		run.ErrorMessage = runErr.Error()
	default:
		run.Status = models.RunStatusCompleted
	}

	if err := c.store.UpdateRun(ctx, run); err != nil {
		log.Printf("[reconcile] run %d update failed: %v", run.ID, err)
	}

	if summary.Anomaly {
		c.store.Log(ctx, &run.ID, models.LogLevelError, summary.Site,
			fmt.Sprintf("anomalous run: all %d records failed", summary.Processed))
	}

	site, err := c.store.GetSiteByName(ctx, summary.Site)
	if err != nil || site == nil {
		return
	}
	if err := c.store.RefreshListingCounts(ctx, site.ID); err != nil {
		log.Printf("[reconcile] listing count refresh failed for %s: %v", summary.Site, err)
	}
	if run.Status == models.RunStatusCompleted {
		if err := c.store.MarkSiteVisited(ctx, site.ID, now); err != nil {
			log.Printf("[reconcile] visit mark failed for %s: %v", summary.Site, err)
		}
	}
}
