package storage

import (
	"fmt"
	"log"
	"time"
)

const (
	retryAttempts  = 4
	retryBaseDelay = 50 * time.Millisecond
)

// withRetry runs fn with exponential back-off for transient write contention
// (two in-flight records racing on the same unique key). Non-retryable errors
// pass through unchanged; exhausting the budget is classified
// ErrStoreUnavailable.
func withRetry(op string, retryable func(error) bool, fn func() error) error {
	var lastErr error
	delay := retryBaseDelay

	for attempt := 1; attempt <= retryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt < retryAttempts {
			log.Printf("[retry] %s failed (attempt %d/%d): %v — retrying in %v",
				op, attempt, retryAttempts, lastErr, delay)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %v: %w", op, retryAttempts, lastErr, ErrStoreUnavailable)
}
