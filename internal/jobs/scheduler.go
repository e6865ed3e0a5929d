package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"sitepulse/internal/config"
)

const (
	JobFlush     = "flush"
	JobRetention = "retention"
	JobReconcile = "usage_reconcile"

	cronJobTimeout  = 30 * time.Minute
	finalFlushLimit = 10 * time.Second
)

// Job is a unit of background work.
type Job interface {
	Run(ctx context.Context) error
}

type SchedulerOptions struct {
	// Flush runs every FlushInterval and once more on Stop.
	Flush         Job
	FlushInterval time.Duration

	Retention     Job
	RetentionCron string

	Reconcile     Job
	ReconcileCron string

	Logger *slog.Logger
}

type cronJob struct {
	name string
	spec string
	job  Job
}

// Scheduler runs the background jobs. It implements cartridge.BackgroundWorker.
type Scheduler struct {
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mu        sync.Mutex
	wg        sync.WaitGroup

	// Each job runs at most once at a time
	processingMutex sync.Mutex
	processing      map[string]bool

	flushJob      Job
	flushInterval time.Duration
	flushTicker   *time.Ticker

	cron     *cron.Cron
	cronJobs []cronJob
}

func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:        opts.Logger,
		ctx:           ctx,
		cancel:        cancel,
		processing:    make(map[string]bool),
		flushJob:      opts.Flush,
		flushInterval: opts.FlushInterval,
		cron:          cron.New(),
	}

	if s.flushJob != nil && s.flushInterval <= 0 {
		cancel()
		return nil, &config.ConfigurationError{Field: "SITEPULSE_FLUSH_INTERVAL_SECONDS", Reason: "must be positive"}
	}

	scheduled := []struct {
		name  string
		spec  string
		job   Job
		field string
	}{
		{JobRetention, opts.RetentionCron, opts.Retention, "SITEPULSE_RETENTION_CRON"},
		{JobReconcile, opts.ReconcileCron, opts.Reconcile, "SITEPULSE_USAGE_RECONCILE_CRON"},
	}
	for _, sj := range scheduled {
		if sj.job == nil || sj.spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(sj.spec); err != nil {
			cancel()
			return nil, &config.ConfigurationError{Field: sj.field, Reason: fmt.Sprintf("invalid cron expression %q: %v", sj.spec, err)}
		}
		s.cronJobs = append(s.cronJobs, cronJob{name: sj.name, spec: sj.spec, job: sj.job})
	}

	return s, nil
}

// Jobs lists the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	var names []string
	if s.flushJob != nil {
		names = append(names, JobFlush)
	}
	for _, cj := range s.cronJobs {
		names = append(names, cj.name)
	}
	return names
}

// executeJobSafely runs a job unless a previous run of the same job is still executing
func (s *Scheduler) executeJobSafely(ctx context.Context, jobName string, job Job) {
	s.processingMutex.Lock()
	if s.processing[jobName] {
		s.logger.Debug("Skipping job execution - previous run still in progress", slog.String("job", jobName))
		s.processingMutex.Unlock()
		return
	}
	s.processing[jobName] = true
	s.processingMutex.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in background job",
				slog.String("job", jobName),
				slog.Any("panic", r))
		}

		s.processingMutex.Lock()
		s.processing[jobName] = false
		s.processingMutex.Unlock()
	}()

	if err := job.Run(ctx); err != nil {
		s.logger.Error("Error executing job", slog.String("job", jobName), slog.Any("error", err))
	}
}

// Start begins all background jobs
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		s.logger.Info("Background jobs already running.")
		return nil
	}

	s.logger.Info("Starting background jobs...")

	if s.flushJob != nil {
		s.startFlushJob()
	}

	for _, cj := range s.cronJobs {
		cj := cj
		if _, err := s.cron.AddFunc(cj.spec, func() {
			ctx, cancel := context.WithTimeout(s.ctx, cronJobTimeout)
			defer cancel()
			s.executeJobSafely(ctx, cj.name, cj.job)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", cj.name, err)
		}
		s.logger.Info("Scheduled job", slog.String("job", cj.name), slog.String("schedule", cj.spec))
	}
	s.cron.Start()

	s.isRunning = true
	s.logger.Info("Background jobs started", slog.Int("jobs", len(s.Jobs())))
	return nil
}

func (s *Scheduler) startFlushJob() {
	s.logger.Info("Starting flush job", slog.Duration("interval", s.flushInterval))
	s.flushTicker = time.NewTicker(s.flushInterval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.flushTicker.C:
				s.executeJobSafely(s.ctx, JobFlush, s.flushJob)
			case <-s.ctx.Done():
				s.logger.Info("Flush job stopped")
				return
			}
		}
	}()
}

// Stop halts all background jobs and gives buffered events a final flush.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}

	s.logger.Info("Stopping background jobs...")

	if s.flushTicker != nil {
		s.flushTicker.Stop()
	}
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()

	if s.flushJob != nil {
		ctx, cancel := context.WithTimeout(context.Background(), finalFlushLimit)
		s.executeJobSafely(ctx, JobFlush, s.flushJob)
		cancel()
	}

	s.isRunning = false
	s.logger.Info("Background jobs stopped")
}

// IsRunning returns whether jobs are currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}
