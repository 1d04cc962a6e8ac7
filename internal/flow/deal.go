package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// DealRun is the outcome of starting a flow for a deal.
type DealRun struct {
	ConversationID string
	ContactPhone   string
	Result         *models.RunResult
}

// StartForDeal opens (or reuses) the conversation with the deal's contact on the
// organization's connection and walks the automation's flow from its start node.
// Configuration problems surface as the errors models.IsConfigError recognizes.
func (e *Executor) StartForDeal(ctx context.Context, a models.DealAutomation) (*DealRun, error) {
	conn, err := e.st.GetOrganizationConnection(ctx, a.OrganizationID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: organization %s", models.ErrNoConnection, a.OrganizationID)
	}

	// Reject an unusable flow before touching any conversation.
	graph, err := LoadGraph(ctx, e.graphs, a.FlowID)
	if err != nil {
		return nil, err
	}
	if _, err := graph.Entry(models.StartNodeID); err != nil {
		return nil, err
	}

	deal, err := e.st.GetDeal(ctx, a.DealID)
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrDealNotFound, a.DealID)
	}

	var contact models.Contact
	if deal.ContactID != "" {
		c, err := e.st.GetContact(ctx, deal.ContactID)
		if err != nil {
			return nil, err
		}
		if c != nil {
			contact = *c
		}
	}

	raw := a.ContactPhone
	if raw == "" {
		raw = contact.Phone
	}
	phone, err := messaging.CanonicalPhone(raw)
	if err != nil {
		return nil, fmt.Errorf("deal %s contact phone: %w", deal.ID, err)
	}

	vars := dealVariables(deal, &contact, phone)
	if stage, err := e.st.GetStage(ctx, a.StageID); err != nil {
		slog.Warn("Executor.StartForDeal: stage lookup failed", "error", err, "stageID", a.StageID)
	} else if stage != nil {
		vars["etapa"] = stage.Name
		vars["stage"] = stage.Name
	}

	conv, err := e.st.FindOrCreateConversation(ctx, models.Conversation{
		OrganizationID: a.OrganizationID,
		ConnectionID:   conn.ID,
		ContactPhone:   phone,
		ContactName:    contact.Name,
		Status:         models.ConversationStatusOpen,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Executor.StartForDeal: starting flow", "automationID", a.ID, "dealID", deal.ID, "flowID", a.FlowID, "conversationID", conv.ID)
	res, err := e.RunWith(ctx, RunRequest{
		FlowID:         a.FlowID,
		ConversationID: conv.ID,
		StartNodeID:    models.StartNodeID,
		Variables:      vars,
	})
	if err != nil {
		return nil, err
	}
	return &DealRun{ConversationID: conv.ID, ContactPhone: phone, Result: res}, nil
}

// dealVariables exposes the deal and its contact to templates, in Portuguese and English.
func dealVariables(deal *models.Deal, contact *models.Contact, phone string) map[string]string {
	vars := map[string]string{
		"telefone": phone,
		"phone":    phone,
		"negocio":  deal.Title,
		"deal":     deal.Title,
		"valor":    strconv.FormatFloat(deal.Value, 'f', 2, 64),
		"value":    strconv.FormatFloat(deal.Value, 'f', 2, 64),
	}
	if contact.Name != "" {
		vars["nome"] = contact.Name
		vars["name"] = contact.Name
	}
	if contact.Email != "" {
		vars["email"] = contact.Email
	}
	return vars
}
