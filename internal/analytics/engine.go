package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pariz/gountries"

	"sitepulse/internal/events"
	"sitepulse/internal/observability"
	"sitepulse/internal/pkg/async"
	"sitepulse/internal/store"
	"sitepulse/internal/timeframe"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultWorkers = 4
)

// QueryTimeoutError reports a query that exceeded its deadline. It is safe to retry.
type QueryTimeoutError struct {
	Metric  Metric
	Timeout time.Duration
	Err     error
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("%s query exceeded %s", e.Metric, e.Timeout)
}

func (e *QueryTimeoutError) Unwrap() error {
	return e.Err
}

// UnknownMetricError is returned for metric names the engine does not answer.
type UnknownMetricError struct {
	Metric string
}

func (e *UnknownMetricError) Error() string {
	return fmt.Sprintf("unknown metric %q", e.Metric)
}

type Options struct {
	Timeout time.Duration
	Workers int
	// CacheSize and CacheTTL enable the result cache when both are positive.
	CacheSize int
	CacheTTL  time.Duration
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

// Engine is read-only and safe for concurrent use. Results for the same
// project and interval are identical until new events arrive, or until the
// cache TTL passes when caching is enabled.
type Engine struct {
	store     store.EventStore
	pool      *async.Pool
	cache     *lru.LRU[string, any]
	countries *gountries.Query
	timeout   time.Duration
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewEngine(eventStore store.EventStore, opts Options) *Engine {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		store:     eventStore,
		pool:      async.NewPool(opts.Workers),
		countries: gountries.New(),
		timeout:   opts.Timeout,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if opts.CacheSize > 0 && opts.CacheTTL > 0 {
		e.cache = lru.NewLRU[string, any](opts.CacheSize, nil, opts.CacheTTL)
	}
	return e
}

// ParseMetric validates a metric name from a request.
func ParseMetric(name string) (Metric, error) {
	m := Metric(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Metrics {
		if m == known {
			return m, nil
		}
	}
	return "", &UnknownMetricError{Metric: name}
}

// Query dispatches to the metric's method; it backs the HTTP and CLI surfaces.
func (e *Engine) Query(ctx context.Context, metric Metric, projectID string, tf *timeframe.TimeFrame) (any, error) {
	switch metric {
	case MetricOverview:
		return e.Overview(ctx, projectID, tf)
	case MetricPages:
		return e.Pages(ctx, projectID, tf)
	case MetricReferrers:
		return e.Referrers(ctx, projectID, tf)
	case MetricCountries:
		return e.Countries(ctx, projectID, tf)
	case MetricDevices:
		return e.Devices(ctx, projectID, tf)
	case MetricEvents:
		return e.Events(ctx, projectID, tf)
	default:
		return nil, &UnknownMetricError{Metric: string(metric)}
	}
}

// InvalidateCache drops every cached result.
func (e *Engine) InvalidateCache() {
	if e.cache != nil {
		e.cache.Purge()
	}
}

func cacheKey(metric Metric, projectID string, tf *timeframe.TimeFrame) string {
	return fmt.Sprintf("%s|%s|%d|%d", metric, projectID, tf.From.Unix(), tf.To.Unix())
}

// run applies the shared query envelope: validation, cache, deadline, metrics
// and error classification.
func run[T any](ctx context.Context, e *Engine, metric Metric, projectID string, tf *timeframe.TimeFrame,
	compute func(ctx context.Context, q store.Query) (T, error)) (T, error) {
	var zero T

	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return zero, &events.ValidationError{Field: "project", Message: "is required"}
	}
	if tf == nil {
		return zero, &timeframe.InvalidRangeError{Reason: "time frame is required"}
	}

	key := cacheKey(metric, projectID, tf)
	if e.cache != nil {
		if cached, ok := e.cache.Get(key); ok {
			if result, ok := cached.(T); ok {
				e.metrics.RecordCache(string(metric), true)
				return result, nil
			}
		}
		e.metrics.RecordCache(string(metric), false)
	}

	started := time.Now()
	defer e.metrics.ObserveQuery(string(metric), started)

	qctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := compute(qctx, store.Query{ProjectID: projectID, From: tf.From, To: tf.To})
	if err != nil {
		return zero, e.classify(qctx, metric, projectID, err)
	}

	if e.cache != nil {
		e.cache.Add(key, result)
	}
	return result, nil
}

func (e *Engine) classify(ctx context.Context, metric Metric, projectID string, err error) error {
	var storeTimeout *store.TimeoutError
	var unavailable *store.StoreUnavailableError

	switch {
	case errors.As(err, &storeTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(ctx.Err(), context.DeadlineExceeded):
		e.metrics.RecordQueryError(string(metric), "timeout")
		e.logger.Warn("query timed out",
			slog.String("metric", string(metric)),
			slog.String("project_id", projectID),
			slog.Duration("timeout", e.timeout))
		return &QueryTimeoutError{Metric: metric, Timeout: e.timeout, Err: err}
	case errors.As(err, &unavailable):
		e.metrics.RecordQueryError(string(metric), "unavailable")
	default:
		e.metrics.RecordQueryError(string(metric), "internal")
	}

	e.logger.Error("query failed",
		slog.String("metric", string(metric)),
		slog.String("project_id", projectID),
		slog.Any("error", err))
	return err
}
