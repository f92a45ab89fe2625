// Package feed reads crawler output from per-site NDJSON files and streams
// it as scraped records.
package feed

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fp_tracker/extract"
	"fp_tracker/models"
)

// Lines longer than this are crawler bugs, not listings.
const maxLineBytes = 1 << 20

// Dir is a directory of <site>.ndjson feed files, one line per scraped
// record.
type Dir struct {
	path string
}

func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Sites lists the site names that currently have a feed file.
func (d *Dir) Sites() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, fmt.Errorf("read feed dir: %w", err)
	}

	var sites []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".ndjson") {
			continue
		}
		sites = append(sites, strings.TrimSuffix(name, ".ndjson"))
	}
	return sites, nil
}

// line is the on-disk record shape: the record fields plus an optional raw
// HTML fragment the crawler could not parse itself.
type line struct {
	models.ScrapedRecord
	HTML string `json:"html,omitempty"`
}

// Records streams the site's feed file. Malformed lines are not dropped:
// they come through with only Raw set, so the reconciler can count and log
// them. The channel closes when the file is drained or ctx is cancelled.
func (d *Dir) Records(ctx context.Context, site string) (<-chan *models.ScrapedRecord, error) {
	f, err := os.Open(filepath.Join(d.path, site+".ndjson"))
	if err != nil {
		return nil, fmt.Errorf("open feed for %s: %w", site, err)
	}

	out := make(chan *models.ScrapedRecord)
	go func() {
		defer close(out)
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

		for scanner.Scan() {
			raw := strings.TrimSpace(scanner.Text())
			if raw == "" {
				continue
			}

			rec := parseLine(site, raw)
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func parseLine(site, raw string) *models.ScrapedRecord {
	var l line
	if err := json.Unmarshal([]byte(raw), &l); err != nil {
		return &models.ScrapedRecord{Raw: raw}
	}

	rec := l.ScrapedRecord
	rec.Raw = raw
	if rec.Site == "" {
		rec.Site = site
	}
	if l.HTML != "" {
		extract.Fill(&rec, l.HTML)
	}
	rec.PriceLow, rec.PriceHigh = extract.NormalizePrices(rec.PriceLow, rec.PriceHigh)
	return &rec
}
