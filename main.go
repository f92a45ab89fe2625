package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"fp_tracker/config"
	"fp_tracker/feed"
	"fp_tracker/logging"
	"fp_tracker/scheduler"
	"fp_tracker/services"
	"fp_tracker/storage"
)

var (
	crawlNow  = flag.Bool("crawl", false, "Reconcile all site feeds once and exit")
	purgeSite = flag.String("purge-site", "", "Delete a site and everything it owns, then exit")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	logFile, err := logging.Setup("daemon.log")
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting fp_tracker...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loaded %d site configs", len(cfg.Sites))
	for name := range cfg.Sites {
		log.Printf("  - %s", name)
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	if *purgeSite != "" {
		if err := purge(ctx, store, *purgeSite); err != nil {
			log.Fatalf("Purge failed: %v", err)
		}
		return
	}

	provisioner := services.NewProvisioner(store)
	if err := provisioner.Sync(ctx, cfg.Sites); err != nil {
		log.Fatalf("Failed to provision sites: %v", err)
	}

	coordinator := services.NewCoordinator(store)
	source := feed.NewDir(cfg.FeedDir)
	sched := scheduler.New(cfg, coordinator, source)

	if *crawlNow {
		log.Println("Running one-shot reconciliation...")
		if err := sched.RunAll(ctx); err != nil {
			log.Fatalf("Reconciliation failed: %v", err)
		}
		log.Println("Reconciliation complete!")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	sched.Stop()
	log.Println("Goodbye!")
}

// openStore picks Postgres when DATABASE_URL is set, SQLite otherwise.
func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.DatabaseURL != "" {
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		return store, nil
	}

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	log.Printf("SQLite database: %s", cfg.DBPath)
	return store, nil
}

func purge(ctx context.Context, store storage.Store, name string) error {
	site, err := store.GetSiteByName(ctx, name)
	if err != nil {
		return err
	}
	if site == nil {
		log.Printf("Site %q not found, nothing to purge", name)
		return nil
	}

	if err := store.DeleteSite(ctx, site.ID); err != nil {
		return err
	}
	log.Printf("Purged site %s (%s) with all properties, listings and snapshots", name, site.ID)
	return nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	// Simple mask - find :// and mask until @
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	// Find : after user
	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
