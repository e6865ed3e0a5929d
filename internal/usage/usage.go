package usage

import (
	"context"
	"log/slog"
	"math"
	"time"

	"sitepulse/internal/observability"
	"sitepulse/internal/store"
	"sitepulse/internal/timeframe"
)

// Snapshot is an owner's consumption against the tier limit for the current month.
type Snapshot struct {
	Current    int64 `json:"current"`
	Limit      int64 `json:"limit"`
	Percentage int64 `json:"percentage"`
}

// Counter is a precomputed monthly event counter per project. Sum also
// reports the projects it holds no counter for.
type Counter interface {
	Sum(ctx context.Context, projectIDs []string, month time.Time) (int64, []string, error)
	Set(ctx context.Context, projectID string, month time.Time, value int64) error
}

type Options struct {
	// Counter, when set, is read before falling back to a store scan.
	Counter Counter
	Now     func() time.Time
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Accountant computes usage snapshots for owners.
type Accountant struct {
	store     store.EventStore
	directory Directory
	counter   Counter
	now       func() time.Time
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewAccountant(eventStore store.EventStore, directory Directory, opts Options) *Accountant {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Accountant{
		store:     eventStore,
		directory: directory,
		counter:   opts.Counter,
		now:       opts.Now,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// GetUsage counts every event stored this calendar month (UTC) across the
// owner's projects. Event type does not matter.
func (a *Accountant) GetUsage(ctx context.Context, ownerID string) (Snapshot, error) {
	tier, err := a.directory.ResolveOwnerTier(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}

	projects, err := a.directory.ProjectsForOwner(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}

	month := timeframe.CurrentMonth(a.now().UTC())
	current, err := a.current(ctx, projects, month)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Current:    current,
		Limit:      tier.Limit,
		Percentage: Percentage(current, tier.Limit),
	}, nil
}

func (a *Accountant) current(ctx context.Context, projects []string, month *timeframe.TimeFrame) (int64, error) {
	if len(projects) == 0 {
		return 0, nil
	}

	if a.counter != nil {
		n, missing, err := a.counter.Sum(ctx, projects, month.From)
		if err == nil {
			if len(missing) == 0 {
				return n, nil
			}
			// Counters expire or get flushed; those projects are scanned instead.
			a.logger.Debug("Usage counters missing, scanning store", slog.Any("projects", missing))
			scanned, err := a.store.CountEvents(ctx, missing, month.From, month.To)
			if err != nil {
				return 0, err
			}
			return n + scanned, nil
		}
		a.metrics.RecordUsageCounterError()
		a.logger.Warn("Usage counter read failed, scanning store", slog.Any("error", err))
	}

	return a.store.CountEvents(ctx, projects, month.From, month.To)
}

// Reconcile rewrites the current month's counters from the store, correcting
// drift from failed increments. It returns the number of projects rewritten.
func (a *Accountant) Reconcile(ctx context.Context) (int, error) {
	if a.counter == nil {
		return 0, nil
	}

	owners, err := a.directory.Owners(ctx)
	if err != nil {
		return 0, err
	}

	month := timeframe.CurrentMonth(a.now().UTC())
	reconciled := 0
	for _, owner := range owners {
		projects, err := a.directory.ProjectsForOwner(ctx, owner)
		if err != nil {
			return reconciled, err
		}
		for _, project := range projects {
			n, err := a.store.CountEvents(ctx, []string{project}, month.From, month.To)
			if err != nil {
				return reconciled, err
			}
			if err := a.counter.Set(ctx, project, month.From, n); err != nil {
				return reconciled, err
			}
			reconciled++
		}
	}

	a.logger.Info("Usage counters reconciled", slog.Int("projects", reconciled))
	return reconciled, nil
}

// Percentage is current/limit*100 rounded to the nearest integer, 0 when
// there is no limit. It may exceed 100.
func Percentage(current, limit int64) int64 {
	if limit <= 0 {
		return 0
	}
	return int64(math.Round(float64(current) / float64(limit) * 100))
}
