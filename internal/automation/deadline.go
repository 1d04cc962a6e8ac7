package automation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// DeadlineTimeout bounds one timer-driven deadline check.
const DeadlineTimeout = 30 * time.Second

type timerEntry struct {
	timer     *time.Timer
	expiresAt time.Time
}

// Timers holds at most one in-process deadline timer per automation id.
type Timers struct {
	mu     sync.Mutex
	timers map[string]*timerEntry
	fire   func(id string)
}

// NewTimers creates a timer set calling fire when a deadline passes.
func NewTimers(fire func(id string)) *Timers {
	return &Timers{timers: make(map[string]*timerEntry), fire: fire}
}

// Arm schedules id to fire at when, replacing any timer it had. A past deadline fires immediately.
func (t *Timers) Arm(id string, when time.Time) {
	delay := time.Until(when)
	if delay < 0 {
		delay = 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.timers[id]; ok {
		old.timer.Stop()
	}
	entry := &timerEntry{expiresAt: when}
	entry.timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		current, ok := t.timers[id]
		if ok && current == entry {
			delete(t.timers, id)
		}
		t.mu.Unlock()
		if ok && current == entry {
			t.fire(id)
		}
	})
	t.timers[id] = entry
	slog.Debug("Timers.Arm", "automationID", id, "delay", delay)
}

// Cancel stops id's timer if it has one.
func (t *Timers) Cancel(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.timers[id]; ok {
		entry.timer.Stop()
		delete(t.timers, id)
		slog.Debug("Timers.Cancel", "automationID", id)
	}
}

// Stop cancels every timer.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, entry := range t.timers {
		entry.timer.Stop()
	}
	slog.Debug("Timers.Stop", "count", len(t.timers))
	t.timers = make(map[string]*timerEntry)
}

// Len returns how many timers are armed.
func (t *Timers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Deadline returns when id's timer fires.
func (t *Timers) Deadline(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return entry.expiresAt, true
}

// Timers returns the engine's deadline timers, or nil when disabled.
func (e *Engine) Timers() *Timers {
	return e.timers
}

func (e *Engine) fireDeadline(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), DeadlineTimeout)
	defer cancel()
	if err := e.ProcessDeadline(ctx, id); err != nil {
		slog.Error("Engine.fireDeadline failed", "error", err, "automationID", id)
	}
}

// ProcessDeadline resolves one dispatched automation whose deadline passed:
// a reply wins, otherwise the deal advances. Anything else is a no-op.
func (e *Engine) ProcessDeadline(ctx context.Context, id string) error {
	a, err := e.st.GetAutomation(ctx, id)
	if err != nil {
		return err
	}
	if a == nil || (a.Status != models.AutomationStatusFlowSent && a.Status != models.AutomationStatusWaiting) {
		return nil
	}
	if a.WaitUntil.After(e.now()) {
		if e.timers != nil {
			e.timers.Arm(a.ID, a.WaitUntil)
		}
		return nil
	}

	replied, err := e.checkReply(ctx, *a)
	if err != nil {
		return err
	}
	if replied {
		return nil
	}
	_, err = e.Advance(ctx, *a)
	return err
}

// RestoreTimers arms a timer for every dispatched automation. It is a no-op when timers are disabled.
func (e *Engine) RestoreTimers(ctx context.Context) (int, error) {
	if e.timers == nil {
		return 0, nil
	}
	awaiting, err := e.st.ListAwaitingReply(ctx)
	if err != nil {
		return 0, err
	}
	for _, a := range awaiting {
		e.timers.Arm(a.ID, a.WaitUntil)
	}
	slog.Info("Engine.RestoreTimers", "armed", len(awaiting))
	return len(awaiting), nil
}
