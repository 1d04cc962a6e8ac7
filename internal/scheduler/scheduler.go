// Package scheduler provides the cron cadence that drives the automation tick.
//
// Jobs are scheduled with standard 5-field cron expressions or descriptors such as "@every 30s".
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/automation"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/robfig/cron/v3"
)

// DefaultTickTimeout bounds one scheduled tick.
const DefaultTickTimeout = 10 * time.Minute

// Ticker runs one automation tick.
type Ticker interface {
	ExecuteCRMAutomations(ctx context.Context) (automation.TickStats, error)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleTicks runs the ticker on the given cadence. A tick that overlaps another
// process holding the tick lock is logged at debug and skipped.
func (s *Scheduler) ScheduleTicks(expr string, t Ticker, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTickTimeout
	}
	return s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		RunTick(ctx, t)
	})
}

// RunTick invokes one tick and logs its summary.
func RunTick(ctx context.Context, t Ticker) {
	stats, err := t.ExecuteCRMAutomations(ctx)
	if errors.Is(err, models.ErrTickInProgress) {
		slog.Debug("Scheduler.RunTick: tick already running, skipped")
		return
	}
	if err != nil {
		slog.Error("Scheduler.RunTick failed", "error", err)
		return
	}
	total := stats.Total()
	slog.Info("Scheduler.RunTick completed",
		"responses", stats.Responses.Succeeded,
		"dispatched", stats.Dispatches.Succeeded,
		"moved", stats.Timeouts.Succeeded,
		"processed", total.Processed,
		"errors", total.Errors,
		"duration", stats.Duration)
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
