package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitepulse/internal/config"
	"sitepulse/internal/observability"
	"sitepulse/internal/testsupport"
)

type fakeFlusher struct {
	mu      sync.Mutex
	pending int
	calls   int
	err     error
}

func (f *fakeFlusher) Flush(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	n := f.pending
	f.pending = 0
	return n, nil
}

func (f *fakeFlusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeFlusher) flushCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type funcJob func(ctx context.Context) error

func (f funcJob) Run(ctx context.Context) error { return f(ctx) }

type fakeReconciler struct{ n int }

func (r *fakeReconciler) Reconcile(context.Context) (int, error) {
	r.n++
	return r.n, nil
}

func TestRetentionJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 15, 14, 0, 0, 0, time.UTC)

	t.Run("purges events before the cutoff day", func(t *testing.T) {
		s := testsupport.SetupSQLiteStore(t)
		testsupport.SeedEvents(t, s,
			testsupport.NewEvent("p1", "v1", "/", time.Date(2024, 6, 4, 23, 59, 59, 0, time.UTC)),
			testsupport.NewEvent("p1", "v1", "/", time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC)),
			testsupport.NewEvent("p1", "v2", "/", time.Date(2024, 6, 14, 8, 0, 0, 0, time.UTC)),
		)

		registry := prometheus.NewRegistry()
		metrics := observability.NewMetrics(registry)

		job := NewRetentionJob(s, 10, metrics, testsupport.GetLogger())
		job.now = func() time.Time { return now }
		purges := 0
		job.OnPurge(func() { purges++ })
		assert.Equal(t, time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), job.Cutoff())

		deleted, err := job.Purge(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RetentionPurgedTotal))
		assert.Equal(t, 1, purges)

		deleted, err = job.Purge(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)
		assert.Equal(t, 1, purges, "hooks only run when events were deleted")

		remaining, err := s.CountEvents(ctx, []string{"p1"}, time.Time{}, now)
		require.NoError(t, err)
		assert.Equal(t, int64(2), remaining)
	})

	t.Run("zero days keeps everything", func(t *testing.T) {
		s := testsupport.SetupSQLiteStore(t)
		testsupport.SeedEvents(t, s, testsupport.NewEvent("p1", "v1", "/", time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)))

		job := NewRetentionJob(s, 0, nil, testsupport.GetLogger())
		deleted, err := job.Purge(ctx)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestFlushJob(t *testing.T) {
	t.Run("skips when nothing is pending", func(t *testing.T) {
		f := &fakeFlusher{}
		require.NoError(t, NewFlushJob(f, testsupport.GetLogger()).Run(context.Background()))
		assert.Zero(t, f.flushCalls())
	})

	t.Run("flushes pending events", func(t *testing.T) {
		f := &fakeFlusher{pending: 3}
		require.NoError(t, NewFlushJob(f, testsupport.GetLogger()).Run(context.Background()))
		assert.Equal(t, 1, f.flushCalls())
		assert.Zero(t, f.Pending())
	})

	t.Run("returns flush errors", func(t *testing.T) {
		f := &fakeFlusher{pending: 3, err: errors.New("store down")}
		assert.Error(t, NewFlushJob(f, testsupport.GetLogger()).Run(context.Background()))
	})
}

func TestNewScheduler(t *testing.T) {
	logger := testsupport.GetLogger()
	noop := funcJob(func(context.Context) error { return nil })

	t.Run("registers configured jobs", func(t *testing.T) {
		s, err := NewScheduler(SchedulerOptions{
			Flush:         noop,
			FlushInterval: time.Second,
			Retention:     noop,
			RetentionCron: "0 3 * * *",
			Reconcile:     NewReconcileJob(&fakeReconciler{}),
			ReconcileCron: "30 2 * * *",
			Logger:        logger,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{JobFlush, JobRetention, JobReconcile}, s.Jobs())
	})

	t.Run("skips jobs without a schedule", func(t *testing.T) {
		s, err := NewScheduler(SchedulerOptions{Retention: noop, Logger: logger})
		require.NoError(t, err)
		assert.Empty(t, s.Jobs())
	})

	t.Run("rejects invalid cron expressions", func(t *testing.T) {
		_, err := NewScheduler(SchedulerOptions{Retention: noop, RetentionCron: "every day", Logger: logger})
		var cfgErr *config.ConfigurationError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "SITEPULSE_RETENTION_CRON", cfgErr.Field)
	})

	t.Run("rejects a flush job without an interval", func(t *testing.T) {
		_, err := NewScheduler(SchedulerOptions{Flush: noop, Logger: logger})
		assert.Error(t, err)
	})
}

func TestSchedulerLifecycle(t *testing.T) {
	f := &fakeFlusher{pending: 2}
	s, err := NewScheduler(SchedulerOptions{
		Flush:         NewFlushJob(f, testsupport.GetLogger()),
		FlushInterval: 10 * time.Millisecond,
		Logger:        testsupport.GetLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return f.Pending() == 0 }, time.Second, 5*time.Millisecond)

	f.mu.Lock()
	f.pending = 4
	calls := f.calls
	f.mu.Unlock()

	s.Stop()
	assert.False(t, s.IsRunning())
	assert.Zero(t, f.Pending(), "stop flushes what is still buffered")
	assert.Greater(t, f.flushCalls(), calls)

	s.Stop()
}

func TestExecuteJobSafely(t *testing.T) {
	s, err := NewScheduler(SchedulerOptions{Logger: testsupport.GetLogger()})
	require.NoError(t, err)

	t.Run("recovers panics", func(t *testing.T) {
		assert.NotPanics(t, func() {
			s.executeJobSafely(context.Background(), "boom", funcJob(func(context.Context) error { panic("boom") }))
		})
		// The job can run again after the panic.
		var ran atomic.Bool
		s.executeJobSafely(context.Background(), "boom", funcJob(func(context.Context) error {
			ran.Store(true)
			return nil
		}))
		assert.True(t, ran.Load())
	})

	t.Run("skips overlapping runs of the same job", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		var runs atomic.Int32

		slow := funcJob(func(context.Context) error {
			runs.Add(1)
			close(started)
			<-release
			return nil
		})

		done := make(chan struct{})
		go func() {
			s.executeJobSafely(context.Background(), "slow", slow)
			close(done)
		}()
		<-started

		s.executeJobSafely(context.Background(), "slow", slow)
		close(release)
		<-done
		assert.Equal(t, int32(1), runs.Load())
	})
}
