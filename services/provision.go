package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"fp_tracker/config"
	"fp_tracker/models"
	"fp_tracker/storage"
)

// Provisioner syncs configured sites into the catalog at startup. Sites keep
// their stored identity across restarts; config values fill gaps but never
// blank out what an earlier sync wrote.
type Provisioner struct {
	store storage.Store
}

func NewProvisioner(store storage.Store) *Provisioner {
	return &Provisioner{store: store}
}

func (p *Provisioner) Sync(ctx context.Context, sites map[string]*config.SiteConfig) error {
	for name, sc := range sites {
		now := time.Now().UTC()
		site := &models.Site{
			ID:                uuid.New(),
			Name:              name,
			URL:               sc.URL,
			FloorplansURL:     sc.FloorplansURL,
			ContainerSelector: sc.ContainerSelector,
			Region:            sc.Region,
			State:             sc.State,
			Address:           sc.Address,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if err := p.store.UpsertSite(ctx, site); err != nil {
			return fmt.Errorf("provision site %q: %w", name, err)
		}
		log.Printf("[provision] site %s ready (id=%s)", name, site.ID)
	}
	return nil
}
