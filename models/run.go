package models

import "time"

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// CrawlRun is one execution pass over a site's record stream. Counts follow
// per-record outcomes: created (new listing, first snapshot), updated (new
// snapshot on an existing listing), skipped (no change), failed (record
// rejected). Anomaly flags a run that resolved no record at all, which
// usually means the site's selectors broke.
type CrawlRun struct {
	ID           int64      `json:"id" db:"id"`
	Site         string     `json:"site" db:"site"`
	StartedAt    time.Time  `json:"started_at" db:"started_at"`
	FinishedAt   *time.Time `json:"finished_at" db:"finished_at"`
	Status       RunStatus  `json:"status" db:"status"`
	Processed    int        `json:"processed" db:"processed"`
	Created      int        `json:"created" db:"created"`
	Updated      int        `json:"updated" db:"updated"`
	Skipped      int        `json:"skipped" db:"skipped"`
	Failed       int        `json:"failed" db:"failed"`
	Anomaly      bool       `json:"anomaly" db:"anomaly"`
	ErrorMessage string     `json:"error_message" db:"error_message"`
}
