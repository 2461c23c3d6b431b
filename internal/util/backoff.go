package util

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, whichever comes first. It returns
// ctx.Err() when the context ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LinearBackoff returns base × attempt (attempt starts at 1).
func LinearBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return base * time.Duration(attempt)
}
