package jobs

import (
	"context"
	"log/slog"
)

// Flusher drains events held back by transient store failures.
type Flusher interface {
	Flush(ctx context.Context) (int, error)
	Pending() int
}

// FlushJob retries buffered events against the store.
type FlushJob struct {
	flusher Flusher
	logger  *slog.Logger
}

func NewFlushJob(flusher Flusher, logger *slog.Logger) *FlushJob {
	return &FlushJob{flusher: flusher, logger: logger}
}

func (j *FlushJob) Run(ctx context.Context) error {
	pending := j.flusher.Pending()
	if pending == 0 {
		return nil
	}

	j.logger.Debug("Flushing buffered events", slog.Int("pending", pending))

	flushed, err := j.flusher.Flush(ctx)
	if flushed > 0 {
		j.logger.Info("Flushed buffered events",
			slog.Int("flushed", flushed),
			slog.Int("remaining", j.flusher.Pending()))
	}
	return err
}
