// Package automation drives deals through their funnel stages: it dispatches
// stage flows, watches for customer replies, and advances deals whose reply
// deadline elapsed.
package automation

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/ticklock"
)

// Tick defaults.
const (
	DefaultBatchSize      = 50
	DefaultDispatchPacing = 500 * time.Millisecond
	DefaultTimeoutPacing  = 300 * time.Millisecond
)

// Store is the persistence the engine reads and writes.
type Store interface {
	store.AutomationStore
	store.ConversationStore
	store.CRMStore
}

// Dispatcher starts a stage flow for a deal.
type Dispatcher interface {
	StartForDeal(ctx context.Context, a models.DealAutomation) (*flow.DealRun, error)
}

// Opts holds configuration for the engine.
type Opts struct {
	BatchSize      int
	DispatchPacing time.Duration
	TimeoutPacing  time.Duration
	Sleep          flow.SleepFunc
	Now            func() time.Time
	Locker         ticklock.Locker
	DeadlineTimers bool
}

// Option configures the engine.
type Option func(*Opts)

// WithBatchSize caps how many automations the dispatch and timeout passes take per tick.
func WithBatchSize(n int) Option {
	return func(o *Opts) { o.BatchSize = n }
}

// WithPacing sets the pauses between dispatches and between timeouts.
func WithPacing(dispatch, timeout time.Duration) Option {
	return func(o *Opts) {
		o.DispatchPacing = dispatch
		o.TimeoutPacing = timeout
	}
}

// WithSleep replaces the pacing pause.
func WithSleep(fn flow.SleepFunc) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithLocker sets the tick lock. The default is an in-process lock.
func WithLocker(l ticklock.Locker) Option {
	return func(o *Opts) { o.Locker = l }
}

// WithDeadlineTimers arms an in-process timer per dispatched automation.
func WithDeadlineTimers(enabled bool) Option {
	return func(o *Opts) { o.DeadlineTimers = enabled }
}

// Engine runs automation ticks and reacts to stage changes.
type Engine struct {
	st         Store
	dispatcher Dispatcher
	locker     ticklock.Locker
	sleep      flow.SleepFunc
	now        func() time.Time

	batchSize      int
	dispatchPacing time.Duration
	timeoutPacing  time.Duration

	timers *Timers // nil unless deadline timers are enabled
}

// NewEngine creates an engine.
func NewEngine(st Store, dispatcher Dispatcher, opts ...Option) *Engine {
	cfg := Opts{
		BatchSize:      DefaultBatchSize,
		DispatchPacing: DefaultDispatchPacing,
		TimeoutPacing:  DefaultTimeoutPacing,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Sleep == nil {
		cfg.Sleep = flow.Sleep
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Locker == nil {
		cfg.Locker = ticklock.NewLocal()
	}

	e := &Engine{
		st:             st,
		dispatcher:     dispatcher,
		locker:         cfg.Locker,
		sleep:          cfg.Sleep,
		now:            cfg.Now,
		batchSize:      cfg.BatchSize,
		dispatchPacing: cfg.DispatchPacing,
		timeoutPacing:  cfg.TimeoutPacing,
	}
	if cfg.DeadlineTimers {
		e.timers = NewTimers(e.fireDeadline)
	}
	slog.Debug("automation.NewEngine", "batchSize", e.batchSize, "dispatchPacing", e.dispatchPacing,
		"timeoutPacing", e.timeoutPacing, "deadlineTimers", cfg.DeadlineTimers)
	return e
}

// log appends an audit row; failures are logged and never fail the caller.
func (e *Engine) log(ctx context.Context, automationID string, action models.AutomationAction, details map[string]string) {
	if err := e.st.AddAutomationLog(ctx, models.AutomationLog{
		DealAutomationID: automationID,
		Action:           action,
		Details:          details,
		CreatedAt:        e.now(),
	}); err != nil {
		slog.Error("Engine.log: audit write failed", "error", err, "automationID", automationID, "action", action)
	}
}

// Stop cancels every deadline timer.
func (e *Engine) Stop() {
	if e.timers != nil {
		e.timers.Stop()
	}
}
