package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// ExecuteCRMAutomations runs one tick: the response pass, then the dispatch pass,
// then the timeout pass. Per-automation failures are counted and the batch goes on;
// a failure to list a pass's work aborts the tick with the stats gathered so far.
// It returns models.ErrTickInProgress when another tick holds the tick lock.
func (e *Engine) ExecuteCRMAutomations(ctx context.Context) (stats TickStats, err error) {
	release, err := e.locker.TryLock(ctx)
	if err != nil {
		if errors.Is(err, models.ErrTickInProgress) {
			slog.Info("Engine.ExecuteCRMAutomations: tick already in progress, skipping")
		}
		return TickStats{}, err
	}
	defer release()

	stats.StartedAt = e.now()
	defer func() { stats.Duration = e.since(stats.StartedAt) }()

	// Dispatch and timeouts must not act on contacts who already replied.
	if stats.Responses, err = e.responsePass(ctx); err != nil {
		return stats, fmt.Errorf("response pass: %w", err)
	}
	if stats.Dispatches, err = e.dispatchPass(ctx); err != nil {
		return stats, fmt.Errorf("dispatch pass: %w", err)
	}
	if stats.Timeouts, err = e.timeoutPass(ctx); err != nil {
		return stats, fmt.Errorf("timeout pass: %w", err)
	}
	slog.Info("Engine.ExecuteCRMAutomations: tick done",
		"responses", stats.Responses.Succeeded, "dispatched", stats.Dispatches.Succeeded, "timeouts", stats.Timeouts.Succeeded,
		"errors", stats.Total().Errors, "elapsed", e.since(stats.StartedAt))
	return stats, nil
}

func (e *Engine) responsePass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	awaiting, err := e.st.ListAwaitingReply(ctx)
	if err != nil {
		return stats, err
	}
	for _, a := range awaiting {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		replied, err := e.checkReply(ctx, a)
		switch {
		case err != nil:
			slog.Error("Engine.responsePass: reply check failed", "error", err, "automationID", a.ID)
			stats = stats.record(outcomeFailed)
		case replied:
			stats = stats.record(outcomeSucceeded)
		default:
			stats = stats.record(outcomeSkipped)
		}
	}
	slog.Debug("Engine.responsePass done", "processed", stats.Processed, "responded", stats.Succeeded, "errors", stats.Errors)
	return stats, nil
}

func (e *Engine) dispatchPass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	pending, err := e.st.ListPendingAutomations(ctx, e.batchSize)
	if err != nil {
		return stats, err
	}
	for i, a := range pending {
		if i > 0 {
			if err := e.sleep(ctx, e.dispatchPacing); err != nil {
				return stats, err
			}
		}
		stats = stats.record(e.dispatch(ctx, a))
	}
	slog.Debug("Engine.dispatchPass done", "processed", stats.Processed, "dispatched", stats.Succeeded, "errors", stats.Errors)
	return stats, nil
}

func (e *Engine) timeoutPass(ctx context.Context) (PassStats, error) {
	var stats PassStats
	expired, err := e.st.ListExpiredAutomations(ctx, e.now(), e.batchSize)
	if err != nil {
		return stats, err
	}
	for i, a := range expired {
		if i > 0 {
			if err := e.sleep(ctx, e.timeoutPacing); err != nil {
				return stats, err
			}
		}
		moved, err := e.Advance(ctx, a)
		switch {
		case err != nil:
			slog.Error("Engine.timeoutPass: advance failed", "error", err, "automationID", a.ID, "dealID", a.DealID)
			stats = stats.record(outcomeFailed)
		case moved:
			stats = stats.record(outcomeSucceeded)
		default:
			// Completed without a destination, or already resolved elsewhere.
			stats = stats.record(outcomeSkipped)
		}
	}
	slog.Debug("Engine.timeoutPass done", "processed", stats.Processed, "moved", stats.Succeeded, "errors", stats.Errors)
	return stats, nil
}

// dispatch starts the automation's flow and marks it flow_sent. Failures leave it
// pending so the next tick retries.
func (e *Engine) dispatch(ctx context.Context, a models.DealAutomation) outcome {
	current, err := e.st.GetAutomation(ctx, a.ID)
	if err != nil {
		slog.Error("Engine.dispatch: reload failed", "error", err, "automationID", a.ID)
		return outcomeFailed
	}
	if current == nil || current.Status != models.AutomationStatusPending {
		slog.Debug("Engine.dispatch: no longer pending, skipping", "automationID", a.ID)
		return outcomeSkipped
	}
	a = *current

	if left, err := e.cancelIfDealLeftStage(ctx, a); err != nil {
		slog.Error("Engine.dispatch: deal lookup failed", "error", err, "automationID", a.ID)
		return outcomeFailed
	} else if left {
		return outcomeSkipped
	}

	// Replies to the first message can arrive while later nodes still pace or delay.
	sentAt := e.now()
	run, err := e.dispatcher.StartForDeal(ctx, a)
	if err != nil {
		if models.IsConfigError(err) {
			slog.Warn("Engine.dispatch: automation not dispatchable, left pending", "error", err, "automationID", a.ID, "flowID", a.FlowID)
		} else {
			slog.Error("Engine.dispatch: flow start failed, left pending", "error", err, "automationID", a.ID, "flowID", a.FlowID)
		}
		return outcomeFailed
	}

	err = e.st.TransitionAutomation(ctx, store.AutomationTransition{
		ID:             a.ID,
		To:             models.AutomationStatusFlowSent,
		At:             sentAt,
		ConversationID: run.ConversationID,
		ContactPhone:   run.ContactPhone,
	})
	if errors.Is(err, models.ErrStaleTransition) {
		slog.Warn("Engine.dispatch: automation resolved while its flow was sending", "automationID", a.ID)
		return outcomeSkipped
	}
	if err != nil {
		slog.Error("Engine.dispatch: flow sent but status update failed", "error", err, "automationID", a.ID)
		return outcomeFailed
	}

	details := map[string]string{
		"flow_id":         a.FlowID,
		"conversation_id": run.ConversationID,
		"contact_phone":   run.ContactPhone,
	}
	if run.Result != nil {
		details["run_status"] = string(run.Result.Status)
		if run.Result.Status == models.RunStatusWaiting {
			if err := e.st.TransitionAutomation(ctx, store.AutomationTransition{ID: a.ID, To: models.AutomationStatusWaiting, At: e.now()}); err != nil {
				slog.Warn("Engine.dispatch: marking waiting failed", "error", err, "automationID", a.ID)
			}
		}
	}
	e.log(ctx, a.ID, models.LogFlowTriggered, details)

	if e.timers != nil {
		e.timers.Arm(a.ID, a.WaitUntil)
	}
	slog.Info("Engine.dispatch: flow sent", "automationID", a.ID, "dealID", a.DealID, "conversationID", run.ConversationID, "waitUntil", a.WaitUntil)
	return outcomeSucceeded
}

// cancelIfDealLeftStage cancels an automation whose deal no longer sits in its stage.
func (e *Engine) cancelIfDealLeftStage(ctx context.Context, a models.DealAutomation) (bool, error) {
	deal, err := e.st.GetDeal(ctx, a.DealID)
	if err != nil {
		return false, err
	}
	reason := ""
	switch {
	case deal == nil:
		reason = "deal_not_found"
	case deal.StageID != a.StageID:
		reason = "deal_left_stage"
	default:
		return false, nil
	}

	err = e.st.TransitionAutomation(ctx, store.AutomationTransition{ID: a.ID, To: models.AutomationStatusCancelled, At: e.now()})
	if err != nil && !errors.Is(err, models.ErrStaleTransition) {
		return false, err
	}
	if err == nil {
		details := map[string]string{"reason": reason}
		if deal != nil {
			details["deal_stage_id"] = deal.StageID
		}
		e.log(ctx, a.ID, models.LogManualCancel, details)
		e.cancelTimer(a.ID)
		slog.Info("Engine: automation cancelled", "automationID", a.ID, "dealID", a.DealID, "reason", reason)
	}
	return true, nil
}

func (e *Engine) cancelTimer(id string) {
	if e.timers != nil {
		e.timers.Cancel(id)
	}
}

// since reports how long ago t was on the engine clock.
func (e *Engine) since(t time.Time) time.Duration {
	return e.now().Sub(t)
}
