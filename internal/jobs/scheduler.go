// Package jobs drives periodic aggregation of popular highlights.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/marginalia/internal/highlights"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// BatchRunner aggregates every book with underlines.
type BatchRunner interface {
	RunAll(ctx context.Context) (highlights.BatchResult, error)
}

// SchedulerConfig describes the dependencies of Scheduler. An empty Schedule
// disables periodic runs.
type SchedulerConfig struct {
	Schedule string
	Runner   BatchRunner
	Logger   *zap.Logger
}

// Scheduler runs aggregation batches on a cron schedule, never overlapping.
type Scheduler struct {
	cron   *cron.Cron
	runner BatchRunner
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewScheduler parses cfg.Schedule and registers the aggregation job.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Runner == nil {
		return nil, errors.New("jobs: runner is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cronLogger := zapCronLogger{logger: logger.Sugar()}
	scheduler := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		runner: cfg.Runner,
		logger: logger,
	}
	scheduler.ctx, scheduler.cancel = context.WithCancel(context.Background())

	if cfg.Schedule == "" {
		return scheduler, nil
	}
	if _, err := scheduler.cron.AddFunc(cfg.Schedule, func() { scheduler.RunOnce(scheduler.ctx) }); err != nil {
		return nil, fmt.Errorf("jobs: invalid aggregation schedule %q: %w", cfg.Schedule, err)
	}
	return scheduler, nil
}

// Enabled reports whether a periodic entry is registered.
func (s *Scheduler) Enabled() bool {
	return len(s.cron.Entries()) > 0
}

// Start begins firing scheduled runs in the background.
func (s *Scheduler) Start() {
	if !s.Enabled() {
		s.logger.Info("aggregation schedule disabled")
		return
	}
	s.cron.Start()
}

// Stop cancels an in-flight run and waits for it to return or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	var stopped context.Context
	s.once.Do(func() {
		s.cancel()
		stopped = s.cron.Stop()
	})
	if stopped == nil {
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs a single batch and logs its summary.
func (s *Scheduler) RunOnce(ctx context.Context) highlights.BatchResult {
	batch, err := s.runner.RunAll(ctx)
	if err != nil {
		s.logger.Error("aggregation batch failed", zap.Error(err))
		return highlights.BatchResult{}
	}
	for _, failure := range batch.Failures {
		s.logger.Warn("aggregation failed for book",
			zap.String("book", failure.Book.String()),
			zap.Error(failure.Err))
	}
	s.logger.Info("aggregation batch completed",
		zap.Int("succeeded", len(batch.Results)),
		zap.Int("skipped", len(batch.Skipped)),
		zap.Int("failed", len(batch.Failures)))
	return batch
}

type zapCronLogger struct {
	logger *zap.SugaredLogger
}

func (l zapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l zapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
