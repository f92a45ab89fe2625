package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"fp_tracker/config"
	"fp_tracker/models"
	"fp_tracker/services"
)

// Source hands out record streams per site. The feed directory implements
// it; tests swap in channels.
type Source interface {
	Sites() ([]string, error)
	Records(ctx context.Context, site string) (<-chan *models.ScrapedRecord, error)
}

// Scheduler runs reconciliation sweeps on a cron expression or a fixed
// interval. Sites run concurrently up to a cap; records within a site stay
// sequential.
type Scheduler struct {
	cfg         *config.Config
	coordinator *services.Coordinator
	source      Source
	cron        *cron.Cron
	ticker      *time.Ticker
	stopCh      chan struct{}
}

func New(cfg *config.Config, coordinator *services.Coordinator, source Source) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		coordinator: coordinator,
		source:      source,
		cron:        cron.New(),
		stopCh:      make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.Scheduler.Cron != "" {
		log.Printf("Starting scheduler with cron: %s", s.cfg.Scheduler.Cron)
		_, err := s.cron.AddFunc(s.cfg.Scheduler.Cron, func() {
			if err := s.RunAll(ctx); err != nil {
				log.Printf("Scheduled run error: %v", err)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid cron expression: %w", err)
		}
		s.cron.Start()
	} else if s.cfg.Scheduler.Interval > 0 {
		log.Printf("Starting scheduler with interval: %s", s.cfg.Scheduler.Interval)
		s.ticker = time.NewTicker(s.cfg.Scheduler.Interval)
		go func() {
			for {
				select {
				case <-s.ticker.C:
					if err := s.RunAll(ctx); err != nil {
						log.Printf("Scheduled run error: %v", err)
					}
				case <-s.stopCh:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	} else {
		log.Println("No schedule configured, run with -crawl for a one-shot sweep")
	}

	return nil
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// RunAll sweeps every site that currently has a feed. Failures are per-site;
// one broken site never blocks the others.
func (s *Scheduler) RunAll(ctx context.Context) error {
	sites, err := s.source.Sites()
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		log.Println("No site feeds found, nothing to do")
		return nil
	}

	limit := s.cfg.Scheduler.MaxConcurrentSites
	if limit <= 0 {
		limit = 1
	}
	sem := make(chan struct{}, limit)

	var wg sync.WaitGroup
	for _, site := range sites {
		wg.Add(1)
		go func(site string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := s.RunSite(ctx, site); err != nil {
				log.Printf("Run failed for %s: %v", site, err)
			}
		}(site)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) RunSite(ctx context.Context, site string) error {
	records, err := s.source.Records(ctx, site)
	if err != nil {
		return err
	}

	summary, err := s.coordinator.Run(ctx, site, records)
	if summary != nil {
		log.Printf("Run %d for %s: processed=%d created=%d updated=%d skipped=%d failed=%d anomaly=%v",
			summary.RunID, site, summary.Processed, summary.Created, summary.Updated,
			summary.Skipped, summary.Failed, summary.Anomaly)
	}
	return err
}
