package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"sitepulse/internal/events"
	"sitepulse/internal/store"
)

const (
	maxConsumerBatchSize = 1000
	maxConsumerBatchAge  = 5 * time.Second
	consumerRetryDelay   = time.Second
)

// KafkaPublisher writes events to a topic keyed by project id, so one
// project's events stay ordered within a partition.
type KafkaPublisher struct {
	w *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

func (p *KafkaPublisher) Append(ctx context.Context, batch []events.Event) error {
	msgs, err := encodeMessages(batch)
	if err != nil {
		return &store.StoreUnavailableError{Op: "publish", Err: err}
	}

	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &store.TimeoutError{Op: "publish", Err: err}
		}
		return &store.StoreUnavailableError{Op: "publish", Transient: true, Err: err}
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

func encodeMessages(batch []events.Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, e := range batch {
		b, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(e.ProjectID),
			Value: b,
			Time:  e.Timestamp,
		})
	}
	return msgs, nil
}

func decodeMessage(msg kafka.Message) (events.Event, error) {
	var e events.Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return events.Event{}, err
	}
	if e.ID == "" || e.ProjectID == "" {
		return events.Event{}, errors.New("message is missing id or project_id")
	}
	return e, nil
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads events from the topic and appends them to the event
// store in batches. Offsets are committed after the batch is written, so a
// crash in between replays that batch.
type KafkaConsumer struct {
	reader messageReader
	writer Writer
	usage  UsageRecorder
	logger *slog.Logger

	pending    []events.Event
	messages   []kafka.Message
	lastFlush  time.Time
	retryDelay time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKafkaConsumer(brokers []string, topic, groupID string, writer Writer, usage UsageRecorder, logger *slog.Logger) *KafkaConsumer {
	return newKafkaConsumer(kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 10e3,
		MaxBytes: 10e6,
		MaxWait:  time.Second,
	}), writer, usage, logger)
}

func newKafkaConsumer(reader messageReader, writer Writer, usage UsageRecorder, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		reader:     reader,
		writer:     writer,
		usage:      usage,
		logger:     logger,
		lastFlush:  time.Now(),
		retryDelay: consumerRetryDelay,
	}
}

// Start implements cartridge.BackgroundWorker.
func (c *KafkaConsumer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()

	c.logger.Info("kafka consumer started")
	return nil
}

// Stop implements cartridge.BackgroundWorker. Pending events are flushed
// before the reader is closed.
func (c *KafkaConsumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.flush(ctx); err != nil {
		c.logger.Error("failed final kafka flush", slog.Any("error", err))
	}

	if err := c.reader.Close(); err != nil {
		c.logger.Warn("failed to close kafka reader", slog.Any("error", err))
	}
	c.logger.Info("kafka consumer stopped")
}

func (c *KafkaConsumer) run(ctx context.Context) {
	for {
		// A full batch that failed to flush blocks further reads until the
		// store accepts it, so the batch never grows past its limit.
		if len(c.messages) >= maxConsumerBatchSize {
			if !c.flushOrWait(ctx) {
				return
			}
			continue
		}

		fetchCtx, cancel := context.WithTimeout(ctx, maxConsumerBatchAge)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, context.DeadlineExceeded) {
				c.logger.Error("kafka read error", slog.Any("error", err))
			}
		} else {
			c.messages = append(c.messages, msg)
			if e, err := decodeMessage(msg); err != nil {
				c.logger.Error("could not parse event message",
					slog.Int64("offset", msg.Offset), slog.Any("error", err))
			} else {
				c.pending = append(c.pending, e)
			}
		}

		if c.shouldFlush() && !c.flushOrWait(ctx) {
			return
		}
	}
}

// flushOrWait flushes the batch and, on failure, waits out the retry delay.
// It reports false once ctx is cancelled.
func (c *KafkaConsumer) flushOrWait(ctx context.Context) bool {
	err := c.flush(ctx)
	if err == nil {
		return true
	}

	c.logger.Error("failed kafka flush", slog.Int("messages", len(c.messages)), slog.Any("error", err))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryDelay):
		return true
	}
}

func (c *KafkaConsumer) shouldFlush() bool {
	if len(c.messages) == 0 {
		return false
	}
	return len(c.messages) >= maxConsumerBatchSize || time.Since(c.lastFlush) >= maxConsumerBatchAge
}

// flush writes pending events and commits their offsets.
func (c *KafkaConsumer) flush(ctx context.Context) error {
	if len(c.messages) == 0 {
		return nil
	}

	if len(c.pending) > 0 {
		err := c.writer.Append(ctx, c.pending)
		switch {
		case err == nil:
			if c.usage != nil {
				if err := c.usage.Record(ctx, c.pending); err != nil {
					c.logger.Warn("failed to update usage counter", slog.Any("error", err))
				}
			}
		case store.IsRetryable(err):
			return err
		default:
			c.logger.Error("dropping kafka batch after permanent write failure",
				slog.Int("events", len(c.pending)), slog.Any("error", err))
		}
		c.pending = c.pending[:0]
	}

	if err := c.reader.CommitMessages(ctx, c.messages...); err != nil {
		return err
	}

	c.logger.Debug("kafka batch committed", slog.Int("messages", len(c.messages)))
	c.messages = c.messages[:0]
	c.lastFlush = time.Now()
	return nil
}
