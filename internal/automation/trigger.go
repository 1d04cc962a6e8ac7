package automation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// OnDealStageChanged arms the automation configured for the deal's new stage.
// It never fails the caller; problems are logged.
func (e *Engine) OnDealStageChanged(ctx context.Context, dealID, stageID, organizationID string) {
	if _, err := e.TriggerStageChange(ctx, dealID, stageID, organizationID); err != nil {
		slog.Error("Engine.OnDealStageChanged failed", "error", err, "dealID", dealID, "stageID", stageID)
	}
}

// TriggerStageChange is OnDealStageChanged with its result: the new pending
// automation, or nil when the stage has no active automation.
func (e *Engine) TriggerStageChange(ctx context.Context, dealID, stageID, organizationID string) (*models.DealAutomation, error) {
	cfg, err := e.st.GetStageAutomation(ctx, stageID)
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.IsActive {
		slog.Debug("Engine.TriggerStageChange: no active automation for stage", "dealID", dealID, "stageID", stageID)
		return nil, nil
	}
	return e.arm(ctx, organizationID, dealID, cfg, map[string]string{"trigger": "stage_change"})
}

// arm replaces the deal's live automations with a fresh pending one for cfg's stage.
func (e *Engine) arm(ctx context.Context, organizationID, dealID string, cfg *models.StageAutomation, details map[string]string) (*models.DealAutomation, error) {
	now := e.now()
	created, cancelled, err := e.st.ReplaceActiveAutomation(ctx, models.DealAutomation{
		OrganizationID: organizationID,
		DealID:         dealID,
		StageID:        cfg.StageID,
		FlowID:         cfg.FlowID,
		NextStageID:    cfg.NextStageID,
		WaitUntil:      now.Add(cfg.Wait()),
	})
	if errors.Is(err, models.ErrAutomationActive) {
		slog.Warn("Engine.arm: a concurrent trigger armed the deal first", "dealID", dealID, "stageID", cfg.StageID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	for _, id := range cancelled {
		e.cancelTimer(id)
		e.log(ctx, id, models.LogManualCancel, map[string]string{
			"reason":      "stage_changed",
			"stage_id":    cfg.StageID,
			"replaced_by": created.ID,
		})
	}

	started := map[string]string{
		"stage_id":   cfg.StageID,
		"wait_until": created.WaitUntil.Format("2006-01-02T15:04:05Z07:00"),
	}
	if cfg.FlowID != "" {
		started["flow_id"] = cfg.FlowID
	}
	for k, v := range details {
		started[k] = v
	}
	e.log(ctx, created.ID, models.LogAutomationStarted, started)
	slog.Info("Engine.arm: automation armed", "automationID", created.ID, "dealID", dealID, "stageID", cfg.StageID,
		"cancelled", len(cancelled), "waitUntil", created.WaitUntil)
	return created, nil
}
