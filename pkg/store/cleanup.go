package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/beacon-sh/beacon/pkg/metrics"
)

// CleanupService bounds on-disk telemetry growth. It purges sessions that
// will never be reported and, when the estimated database footprint exceeds
// the configured budget, evicts whole sessions oldest first. The live
// session is never touched.
type CleanupService struct {
	store   Store
	files   *FileStorage
	logger  *slog.Logger
	metrics metrics.Collector

	now func() int64

	// maxDiskUsageBytes is the signal storage budget, already clamped to
	// the allowed range by the config layer.
	maxDiskUsageBytes int64

	// estimatedEventSizeBytes approximates per-event disk cost; counting
	// rows is far cheaper than measuring the database file.
	estimatedEventSizeBytes int64
}

// CleanupConfig configures a CleanupService.
type CleanupConfig struct {
	MaxDiskUsageInMb       int
	EstimatedEventSizeInKb int

	// Files removes on-disk blobs alongside their rows. May be nil.
	Files *FileStorage

	Logger  *slog.Logger
	Metrics metrics.Collector
}

func NewCleanupService(s Store, cfg CleanupConfig) *CleanupService {
	if cfg.EstimatedEventSizeInKb <= 0 {
		cfg.EstimatedEventSizeInKb = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	return &CleanupService{
		store:                   s,
		files:                   cfg.Files,
		logger:                  cfg.Logger,
		metrics:                 cfg.Metrics,
		maxDiskUsageBytes:       int64(cfg.MaxDiskUsageInMb) * 1024 * 1024,
		estimatedEventSizeBytes: int64(cfg.EstimatedEventSizeInKb) * 1024,
		now:                     func() int64 { return time.Now().UnixMilli() },
	}
}

// Clean runs one cleanup pass. liveSessionID identifies the session
// currently being recorded; it is excluded from both purge and eviction.
func (c *CleanupService) Clean(ctx context.Context, liveSessionID string) error {
	if err := c.purgeNonReportingSessions(ctx, liveSessionID); err != nil {
		return err
	}
	if err := c.purgeExpiredAttachments(ctx); err != nil {
		return err
	}
	return c.enforceDiskBudget(ctx, liveSessionID)
}

// purgeExpiredAttachments drops attachments whose signed upload URL has
// lapsed; without a fresh URL they can never leave the device.
func (c *CleanupService) purgeExpiredAttachments(ctx context.Context) error {
	expired, err := c.store.ExpiredAttachments(ctx, c.now())
	if err != nil {
		return fmt.Errorf("failed to list expired attachments: %w", err)
	}
	if len(expired) == 0 {
		return nil
	}

	ids := make([]string, 0, len(expired))
	for _, a := range expired {
		ids = append(ids, a.ID)
	}
	if err := c.store.DeleteAttachments(ctx, ids); err != nil {
		return fmt.Errorf("failed to delete expired attachments: %w", err)
	}
	if c.files != nil {
		for _, a := range expired {
			if a.Path != "" {
				if err := c.files.Remove(a.Path); err != nil {
					c.logger.Error("failed to remove attachment file",
						"attachment_id", a.ID, "error", err)
				}
			}
		}
	}
	c.logger.Debug("purged expired attachments", "count", len(ids))
	return nil
}

// purgeNonReportingSessions drops sessions that ended without anything worth
// exporting. Their signals were sampled out and will never leave the device.
func (c *CleanupService) purgeNonReportingSessions(ctx context.Context, liveSessionID string) error {
	ids, err := c.store.SessionsNotReporting(ctx, liveSessionID)
	if err != nil {
		return fmt.Errorf("failed to list non-reporting sessions: %w", err)
	}
	for _, id := range ids {
		if err := c.store.DeleteSessionData(ctx, id); err != nil {
			return fmt.Errorf("failed to purge session %s: %w", id, err)
		}
		c.logger.Debug("purged non-reporting session", "session_id", id)
	}
	return nil
}

// enforceDiskBudget evicts at most one session per pass: the globally oldest
// one, unless that is the live session. Repeated passes reclaim further space
// if still over budget.
func (c *CleanupService) enforceDiskBudget(ctx context.Context, liveSessionID string) error {
	over, err := c.overBudget(ctx)
	if err != nil {
		return err
	}
	if !over {
		return nil
	}

	oldest, err := c.store.OldestSessionID(ctx)
	if err != nil {
		return fmt.Errorf("failed to find oldest session: %w", err)
	}
	if oldest == "" || oldest == liveSessionID {
		return nil
	}

	if err := c.store.DeleteSessionData(ctx, oldest); err != nil {
		return fmt.Errorf("failed to evict session %s: %w", oldest, err)
	}
	c.logger.Info("evicted session to reclaim disk", "session_id", oldest)
	return nil
}

func (c *CleanupService) overBudget(ctx context.Context) (bool, error) {
	eventCount, err := c.store.EventCount(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count events: %w", err)
	}
	spanCount, err := c.store.SpanCount(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to count spans: %w", err)
	}
	c.metrics.SetStorageCount(ctx, "events", eventCount)
	c.metrics.SetStorageCount(ctx, "spans", spanCount)
	estimated := (eventCount + spanCount) * c.estimatedEventSizeBytes
	return estimated > c.maxDiskUsageBytes, nil
}
