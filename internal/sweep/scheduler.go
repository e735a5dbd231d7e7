// Package sweep runs the lifecycle sweep on a cron schedule so markets
// advance even when nobody reads them.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atmx/spread-market/internal/lifecycle"
)

// DefaultSchedule runs a sweep every thirty seconds.
const DefaultSchedule = "*/30 * * * * *"

// Sweeper is the slice of the lifecycle controller the scheduler drives.
type Sweeper interface {
	SweepAll(ctx context.Context) (lifecycle.SweepResult, error)
}

// Scheduler wraps a cron runner with a single sweep job. Overlapping runs
// are skipped rather than queued.
type Scheduler struct {
	cron    *cron.Cron
	sweeper Sweeper
	log     *slog.Logger
	timeout time.Duration
}

// New builds a scheduler that calls s.SweepAll on schedule, a six-field
// cron expression (seconds first) or a descriptor such as "@every 1m".
// Each run is bounded by timeout.
func New(s Sweeper, schedule string, timeout time.Duration, log *slog.Logger) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	cl := cronLogger{log: log}
	sc := &Scheduler{
		cron:    cron.New(cron.WithSeconds(), cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl))),
		sweeper: s,
		log:     log,
		timeout: timeout,
	}
	if _, err := sc.cron.AddFunc(schedule, func() { sc.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("sweep: invalid schedule %q: %w", schedule, err)
	}
	return sc, nil
}

// RunOnce performs one sweep. Errors are logged, not returned.
func (s *Scheduler) RunOnce(ctx context.Context) lifecycle.SweepResult {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res, err := s.sweeper.SweepAll(ctx)
	if err != nil {
		s.log.Error("sweep failed", "err", err, "checked", res.Checked)
	}
	return res
}

// Run starts the cron loop and blocks until ctx is done, then waits for a
// running sweep to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("sweep scheduler started")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("sweep scheduler stopped")
	return nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append([]interface{}{"err", err}, keysAndValues...)...)
}
