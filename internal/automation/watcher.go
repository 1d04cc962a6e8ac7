package automation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// checkReply marks a dispatched automation responded when its contact sent a
// message after the flow went out. It reports whether this call recorded the reply.
func (e *Engine) checkReply(ctx context.Context, a models.DealAutomation) (bool, error) {
	if a.ContactPhone == "" {
		return false, nil
	}
	since := a.ReplySince()
	replied, err := e.st.HasInboundMessageSince(ctx, a.OrganizationID, a.ContactPhone, since)
	if err != nil || !replied {
		return false, err
	}

	now := e.now()
	err = e.st.TransitionAutomation(ctx, store.AutomationTransition{ID: a.ID, To: models.AutomationStatusResponded, At: now})
	if errors.Is(err, models.ErrStaleTransition) {
		slog.Debug("Engine.checkReply: automation already resolved", "automationID", a.ID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	e.cancelTimer(a.ID)
	e.log(ctx, a.ID, models.LogMessageReceived, map[string]string{
		"contact_phone": a.ContactPhone,
		"since":         since.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
	if err := e.st.TouchDeal(ctx, a.DealID, now); err != nil {
		slog.Warn("Engine.checkReply: deal activity update failed", "error", err, "dealID", a.DealID)
	}
	slog.Info("Engine.checkReply: contact replied", "automationID", a.ID, "dealID", a.DealID, "waited", now.Sub(since))
	return true, nil
}
