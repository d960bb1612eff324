package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"omnihub/internal/core/ports"
)

// Watchdog retention settings.
const (
	watchdogInterval   = 10 * time.Minute
	purgeDiskThreshold = 70.0 // percent used before purging starts
	purgeRetention     = 7 * 24 * time.Hour
	purgeBatchSize     = 1000
)

// RunWatchdog starts the self-healing retention purge. Every interval it
// checks real disk usage and, only when usage crosses the threshold, deletes
// processed/ignored webhook events older than the retention window in
// bounded batches. The audit trail is kept as long as disk allows.
func RunWatchdog(ctx context.Context, events ports.EventRepository) {
	ticker := time.NewTicker(watchdogInterval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runPurgeCheck(ctx, events)
			}
		}
	}()

	slog.Info("Watchdog started",
		"interval", watchdogInterval,
		"disk_threshold_pct", purgeDiskThreshold,
	)
}

func runPurgeCheck(ctx context.Context, events ports.EventRepository) {
	usage, err := disk.Usage("/")
	if err != nil {
		slog.Error("Watchdog disk check failed", "error", err)
		return
	}

	if usage.UsedPercent < purgeDiskThreshold {
		slog.Debug("Watchdog disk usage OK",
			"used_pct", usage.UsedPercent,
		)
		return
	}

	cutoff := time.Now().UTC().Add(-purgeRetention)
	purged, err := events.PurgeProcessedBefore(ctx, cutoff, purgeBatchSize)
	if err != nil {
		slog.Error("Watchdog purge failed", "error", err)
		return
	}

	slog.Warn("Watchdog purged old webhook events",
		"used_pct", usage.UsedPercent,
		"purged", purged,
		"cutoff", cutoff,
	)
}
