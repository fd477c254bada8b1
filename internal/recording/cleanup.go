// Package recording enforces retention of local call recordings.
package recording

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"time"
)

// Expirer forgets the recordings of uploaded sessions that started before
// a cutoff and returns their file paths.
type Expirer interface {
	ClearUploadedRecordings(ctx context.Context, before time.Time) ([]string, error)
}

// Sweep runs one retention pass: recordings of uploaded sessions older than
// maxDays are dropped from history and removed from disk. It returns the
// number of files removed.
func Sweep(ctx context.Context, store Expirer, maxDays int, now time.Time) (int, error) {
	if maxDays <= 0 {
		return 0, nil
	}
	paths, err := store.ClearUploadedRecordings(ctx, now.AddDate(0, 0, -maxDays))
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				slog.Warn("failed to remove recording file", "path", p, "error", err)
			}
			continue
		}
		removed++
	}
	return removed, nil
}

// StartCleanupTicker runs Sweep every interval until ctx is cancelled. If
// maxDays is 0 no cleanup is performed.
func StartCleanupTicker(ctx context.Context, store Expirer, maxDays int, interval time.Duration) {
	if maxDays <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := Sweep(ctx, store, maxDays, time.Now())
				if err != nil {
					slog.Error("recording retention cleanup failed", "error", err)
					continue
				}
				if removed > 0 {
					slog.Info("recording retention cleanup", "deleted", removed, "max_days", maxDays)
				}
			}
		}
	}()
}
