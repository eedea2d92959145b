package core

import (
	"context"
	"fmt"
	"time"
)

const (
	retryAttempts      = 3
	retryBaseDelay     = 1000 * time.Millisecond
	retryBackoffGrowth = 1.5
)

// withRetry runs fn up to attempts times with exponential backoff. Thread
// creation, assistant creation, run start and transcription all share this
// policy so the backoff behavior cannot drift between call sites.
func withRetry(ctx context.Context, sleep func(time.Duration), attempts int, baseDelay time.Duration, growth float64, fn func() error) error {
	var err error
	delay := baseDelay
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		sleep(delay)
		delay = time.Duration(float64(delay) * growth)
	}
	return fmt.Errorf("all %d attempts failed: %w", attempts, err)
}
