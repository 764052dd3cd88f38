package ledger

import (
	"context"
	"log/slog"
	"time"
)

// DefaultRetention is the default age after which ledger entries expire.
// It comfortably exceeds the processor's 72-hour redelivery horizon.
const DefaultRetention = 72 * time.Hour

// CleanupOldEvents removes ledger entries older than the retention window.
// Returns the number of entries deleted and any error encountered.
func CleanupOldEvents(ctx context.Context, repo Repository, retention time.Duration, metrics *Metrics) (int64, error) {
	start := time.Now()
	deleted, err := repo.DeleteOlderThan(ctx, retention)
	if metrics != nil {
		metrics.ObserveCleanupDuration(time.Since(start).Seconds())
	}
	if err != nil {
		slog.Error("failed to cleanup old webhook events", "error", err)
		if metrics != nil {
			metrics.IncCleanupRuns(StatusFailure)
		}
		return 0, err
	}

	if metrics != nil {
		metrics.IncCleanupRuns(StatusSuccess)
		metrics.AddEventsDeleted(deleted)
	}
	if deleted > 0 {
		slog.Info("cleaned up old webhook events", "deleted", deleted, "older_than", retention)
	}
	return deleted, nil
}

// RunPeriodicCleanup runs the cleanup job periodically at the specified
// interval. This function blocks and should typically be run in a goroutine.
// It will continue running until the provided stop channel is closed.
//
// Example usage:
//
//	stopChan := make(chan struct{})
//	go ledger.RunPeriodicCleanup(ctx, repo, time.Hour, ledger.DefaultRetention, metrics, stopChan)
//	// ... later when shutting down
//	close(stopChan)
func RunPeriodicCleanup(ctx context.Context, repo Repository, interval, retention time.Duration, metrics *Metrics, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	if _, err := CleanupOldEvents(ctx, repo, retention, metrics); err != nil {
		slog.Error("initial ledger cleanup failed", "error", err)
	}

	for {
		select {
		case <-ticker.C:
			if _, err := CleanupOldEvents(ctx, repo, retention, metrics); err != nil {
				slog.Error("periodic ledger cleanup failed", "error", err)
			}
		case <-stopChan:
			slog.Info("stopping periodic ledger cleanup")
			return
		}
	}
}
