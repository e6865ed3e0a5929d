// Package ingest durably records canonical events, absorbing transient store
// failures in a bounded retry buffer.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"sitepulse/internal/events"
	"sitepulse/internal/observability"
	"sitepulse/internal/store"
)

const (
	DefaultTimeout   = 2 * time.Second
	DefaultBatchSize = 500
)

// Writer persists a batch of events. The event store and the Kafka publisher
// both satisfy it.
type Writer interface {
	Append(ctx context.Context, batch []events.Event) error
}

// UsageRecorder is notified after events are durably written.
type UsageRecorder interface {
	Record(ctx context.Context, batch []events.Event) error
}

// Ack is returned for every accepted event.
type Ack struct {
	EventID string
	// Buffered is set when the write failed transiently and the event waits
	// in the retry buffer.
	Buffered bool
}

type SinkOptions struct {
	Timeout        time.Duration
	BufferCapacity int
	BatchSize      int
	Usage          UsageRecorder
	Metrics        *observability.Metrics
	Logger         *slog.Logger
}

// Sink is safe for concurrent use.
type Sink struct {
	writer    Writer
	buffer    *RetryBuffer
	timeout   time.Duration
	batchSize int
	usage     UsageRecorder
	metrics   *observability.Metrics
	logger    *slog.Logger

	flushMu sync.Mutex
}

func NewSink(writer Writer, opts SinkOptions) *Sink {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Sink{
		writer:    writer,
		buffer:    NewRetryBuffer(opts.BufferCapacity),
		timeout:   opts.Timeout,
		batchSize: opts.BatchSize,
		usage:     opts.Usage,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// Ingest writes one event. On success the event is visible to the next query.
func (s *Sink) Ingest(ctx context.Context, e events.Event) (Ack, error) {
	batch := []events.Event{e}

	err := s.write(ctx, batch)
	if err == nil {
		s.afterWrite(ctx, batch)
		s.metrics.RecordIngest(observability.ResultStored)
		return Ack{EventID: e.ID}, nil
	}

	if s.buffer != nil && store.IsRetryable(err) {
		if dropped := s.buffer.Push(e); dropped > 0 {
			s.metrics.RecordDropped(dropped)
			s.logger.Warn("retry buffer full, dropped oldest event",
				slog.Int("capacity", s.buffer.Capacity()))
		}
		s.metrics.SetBufferDepth(s.buffer.Len())
		s.metrics.RecordIngest(observability.ResultBuffered)
		s.logger.Warn("event write failed, buffered for retry",
			slog.String("project_id", e.ProjectID),
			slog.Any("error", err))
		return Ack{EventID: e.ID, Buffered: true}, nil
	}

	s.metrics.RecordIngest(observability.ResultFailed)
	s.logger.Error("event write failed",
		slog.String("project_id", e.ProjectID),
		slog.Any("error", err))
	return Ack{}, err
}

// Flush drains the retry buffer in batches. A batch that fails transiently is
// put back at the head and flushing stops; a batch that fails permanently is dropped.
func (s *Sink) Flush(ctx context.Context) (int, error) {
	if s.buffer == nil {
		return 0, nil
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	flushed := 0
	for {
		if err := ctx.Err(); err != nil {
			return flushed, err
		}

		batch := s.buffer.Drain(s.batchSize)
		if len(batch) == 0 {
			s.metrics.SetBufferDepth(0)
			return flushed, nil
		}

		if err := s.write(ctx, batch); err != nil {
			if store.IsRetryable(err) {
				if dropped := s.buffer.Requeue(batch); dropped > 0 {
					s.metrics.RecordDropped(dropped)
				}
				s.metrics.SetBufferDepth(s.buffer.Len())
				return flushed, err
			}

			s.metrics.RecordDropped(len(batch))
			s.logger.Error("dropping buffered batch after permanent write failure",
				slog.Int("events", len(batch)),
				slog.Any("error", err))
			continue
		}

		flushed += len(batch)
		s.metrics.RecordFlushed(len(batch))
		s.afterWrite(ctx, batch)
	}
}

// Pending is the number of events waiting in the retry buffer.
func (s *Sink) Pending() int {
	return s.buffer.Len()
}

// Dropped is the number of events lost to buffer overflow.
func (s *Sink) Dropped() int64 {
	return s.buffer.Dropped()
}

func (s *Sink) write(ctx context.Context, batch []events.Event) error {
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.writer.Append(wctx, batch)
	if err == nil {
		return nil
	}

	var timeoutErr *store.TimeoutError
	var unavailable *store.StoreUnavailableError
	switch {
	case errors.As(err, &timeoutErr), errors.As(err, &unavailable):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(wctx.Err(), context.DeadlineExceeded):
		return &store.TimeoutError{Op: "append", Err: err}
	default:
		return &store.StoreUnavailableError{Op: "append", Err: err}
	}
}

func (s *Sink) afterWrite(ctx context.Context, batch []events.Event) {
	if s.usage == nil {
		return
	}
	if err := s.usage.Record(ctx, batch); err != nil {
		s.metrics.RecordUsageCounterError()
		s.logger.Warn("failed to update usage counter", slog.Any("error", err))
	}
}
