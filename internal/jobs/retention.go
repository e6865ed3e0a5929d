package jobs

import (
	"context"
	"log/slog"
	"time"

	"sitepulse/internal/observability"
	"sitepulse/internal/store"
)

// RetentionJob deletes stored events older than the retention window.
type RetentionJob struct {
	store   store.EventStore
	days    int
	now     func() time.Time
	metrics *observability.Metrics
	logger  *slog.Logger
	onPurge []func()
}

func NewRetentionJob(eventStore store.EventStore, days int, metrics *observability.Metrics, logger *slog.Logger) *RetentionJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionJob{
		store:   eventStore,
		days:    days,
		now:     time.Now,
		metrics: metrics,
		logger:  logger,
	}
}

// OnPurge registers fn to run after a purge that deleted events.
func (j *RetentionJob) OnPurge(fn func()) {
	j.onPurge = append(j.onPurge, fn)
}

// Cutoff is midnight UTC, days before today. Events before it are purged.
func (j *RetentionJob) Cutoff() time.Time {
	now := j.now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.AddDate(0, 0, -j.days)
}

// Purge removes expired events and returns how many were deleted.
// A retention of zero days keeps everything.
func (j *RetentionJob) Purge(ctx context.Context) (int64, error) {
	if j.days <= 0 {
		j.logger.Debug("Retention disabled, nothing to purge")
		return 0, nil
	}

	cutoff := j.Cutoff()
	j.logger.Info("Starting purge of expired events",
		slog.Int("retention_days", j.days),
		slog.Time("cutoff_date", cutoff))

	deleted, err := j.store.PurgeBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("Failed to purge expired events", slog.Any("error", err))
		return 0, err
	}

	j.metrics.RecordPurged(deleted)
	if deleted > 0 {
		for _, fn := range j.onPurge {
			fn()
		}
	}
	j.logger.Info("Purged expired events",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.days))
	return deleted, nil
}

func (j *RetentionJob) Run(ctx context.Context) error {
	_, err := j.Purge(ctx)
	return err
}
