package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// destination is where an expired automation sends its deal.
type destination struct {
	funnelID string // empty keeps the deal's funnel
	stageID  string
	fallback bool
}

// resolveDestination prefers the next stage recorded on the automation, then the
// stage config's next stage, then its fallback funnel/stage pair.
func resolveDestination(a models.DealAutomation, cfg *models.StageAutomation) destination {
	if a.NextStageID != "" {
		return destination{stageID: a.NextStageID}
	}
	if cfg == nil {
		return destination{}
	}
	if cfg.NextStageID != "" {
		return destination{stageID: cfg.NextStageID}
	}
	if cfg.FallbackStageID != "" {
		return destination{funnelID: cfg.FallbackFunnelID, stageID: cfg.FallbackStageID, fallback: true}
	}
	return destination{}
}

// Advance resolves an expired automation. With a destination stage it moves the
// deal there, marks the automation moved and chains the destination's immediate
// automation; without one it marks the automation completed. It reports whether
// the deal moved. An automation resolved concurrently is left alone.
func (e *Engine) Advance(ctx context.Context, a models.DealAutomation) (bool, error) {
	cfg, err := e.st.GetStageAutomation(ctx, a.StageID)
	if err != nil {
		return false, err
	}
	if left, err := e.cancelIfDealLeftStage(ctx, a); err != nil || left {
		return false, err
	}

	dest := resolveDestination(a, cfg)
	now := e.now()
	if dest.stageID == "" {
		err := e.st.TransitionAutomation(ctx, store.AutomationTransition{ID: a.ID, To: models.AutomationStatusCompleted, At: now})
		if errors.Is(err, models.ErrStaleTransition) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		e.cancelTimer(a.ID)
		e.log(ctx, a.ID, models.LogCompleted, map[string]string{"reason": "no_next_stage"})
		slog.Info("Engine.Advance: no next stage configured, automation completed", "automationID", a.ID, "dealID", a.DealID)
		return false, nil
	}

	deal, err := e.st.GetDeal(ctx, a.DealID)
	if err != nil {
		return false, err
	}
	if deal == nil {
		return false, fmt.Errorf("%w: %s", models.ErrDealNotFound, a.DealID)
	}

	// Claim the automation before touching the deal so a concurrent reply wins cleanly.
	err = e.st.TransitionAutomation(ctx, store.AutomationTransition{ID: a.ID, To: models.AutomationStatusMoved, At: now})
	if errors.Is(err, models.ErrStaleTransition) {
		slog.Debug("Engine.Advance: automation already resolved", "automationID", a.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e.cancelTimer(a.ID)

	err = e.st.MoveDeal(ctx, store.DealMove{
		DealID:      deal.ID,
		FromStageID: a.StageID,
		FunnelID:    dest.funnelID,
		StageID:     dest.stageID,
		At:          now,
	})
	if errors.Is(err, models.ErrDealStageChanged) {
		// A manual move landed after the claim; it wins and keeps whatever it armed.
		e.log(ctx, a.ID, models.LogManualCancel, map[string]string{"reason": "deal_left_stage", "to_stage_id": dest.stageID})
		slog.Info("Engine.Advance: deal left the stage before the timeout move, skipped", "automationID", a.ID, "dealID", deal.ID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("automation %s marked moved but deal move failed: %w", a.ID, err)
	}
	if err := e.st.AddDealHistory(ctx, models.DealHistory{
		DealID:      deal.ID,
		FromStageID: deal.StageID,
		ToStageID:   dest.stageID,
		Action:      models.DealHistoryActionAutomationMove,
		Notes:       fmt.Sprintf("no reply by %s", a.WaitUntil.UTC().Format("2006-01-02 15:04 MST")),
		CreatedAt:   now,
	}); err != nil {
		slog.Error("Engine.Advance: deal history write failed", "error", err, "dealID", deal.ID)
	}

	details := map[string]string{"from_stage_id": deal.StageID, "to_stage_id": dest.stageID}
	if dest.fallback {
		details["fallback"] = "true"
		if dest.funnelID != "" {
			details["to_funnel_id"] = dest.funnelID
		}
	}
	e.log(ctx, a.ID, models.LogTimeoutMove, details)
	slog.Info("Engine.Advance: deal moved on timeout", "automationID", a.ID, "dealID", deal.ID, "from", deal.StageID, "to", dest.stageID)

	if err := e.chain(ctx, deal, dest.stageID, a.ID); err != nil {
		slog.Error("Engine.Advance: chaining next automation failed", "error", err, "dealID", deal.ID, "stageID", dest.stageID)
	}
	return true, nil
}

// chain arms the destination stage's automation when it runs immediately.
func (e *Engine) chain(ctx context.Context, deal *models.Deal, stageID, previousID string) error {
	cfg, err := e.st.GetStageAutomation(ctx, stageID)
	if err != nil {
		return err
	}
	if cfg == nil || !cfg.IsActive || !cfg.ExecuteImmediately || cfg.FlowID == "" {
		return nil
	}
	_, err = e.arm(ctx, deal.OrganizationID, deal.ID, cfg, map[string]string{
		"trigger":                "chain",
		"previous_automation_id": previousID,
	})
	return err
}
