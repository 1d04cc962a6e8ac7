// Package inbox records inbound customer messages and hands replies to waiting flow sessions.
package inbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// Store is the persistence the inbox needs.
type Store interface {
	store.ConversationStore
	store.SessionStore
}

// Resumer continues a suspended flow session with a reply.
type Resumer interface {
	Resume(ctx context.Context, conversationID, input string) (*models.RunResult, error)
}

// Opts holds configuration for the inbox.
type Opts struct {
	Now func() time.Time
}

// Option configures the inbox.
type Option func(*Opts)

// WithClock overrides the clock used for messages without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Inbox is the intake point for inbound messages from providers and webhooks.
type Inbox struct {
	st      Store
	resumer Resumer
	now     func() time.Time
}

// Receipt describes what happened to one inbound message.
type Receipt struct {
	Conversation *models.Conversation `json:"conversation"`
	// Result is set when the message resumed a flow session.
	Result *models.RunResult `json:"result,omitempty"`
}

// New creates an inbox. resumer may be nil, in which case messages are only recorded.
func New(st Store, resumer Resumer, opts ...Option) *Inbox {
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Inbox{st: st, resumer: resumer, now: o.Now}
}

// Receive stores msg on its conversation and resumes the conversation's active session, if any.
// Media-only messages are stored but never resume a session.
func (in *Inbox) Receive(ctx context.Context, msg models.InboundMessage) (*Receipt, error) {
	phone, err := messaging.CanonicalPhone(msg.Phone)
	if err != nil {
		return nil, err
	}
	body := strings.TrimSpace(msg.Body)
	if body == "" && msg.MediaType == models.MediaTypeNone {
		return nil, models.ErrEmptyMessage
	}

	conn, err := in.connection(ctx, msg)
	if err != nil {
		return nil, err
	}
	conv, err := in.st.FindOrCreateConversation(ctx, models.Conversation{
		OrganizationID: conn.OrganizationID,
		ConnectionID:   conn.ID,
		ContactPhone:   phone,
		ContactName:    msg.Name,
	})
	if err != nil {
		return nil, err
	}

	at := msg.Time
	if at.IsZero() {
		at = in.now()
	}
	at = at.UTC()
	if err := in.st.AddMessage(ctx, models.Message{
		OrganizationID: conn.OrganizationID,
		ConversationID: conv.ID,
		ContactPhone:   phone,
		Body:           body,
		MediaType:      msg.MediaType,
		MediaURL:       msg.MediaURL,
		CreatedAt:      at,
	}); err != nil {
		return nil, err
	}
	if err := in.st.TouchConversation(ctx, conv.ID, at); err != nil {
		slog.Warn("Inbox.Receive: touch conversation failed", "error", err, "conversationID", conv.ID)
	}
	slog.Debug("Inbox.Receive: message stored", "conversationID", conv.ID, "phone", phone)

	receipt := &Receipt{Conversation: conv}
	// Sessions wait on text; attachments only count as activity.
	if in.resumer == nil || body == "" {
		return receipt, nil
	}
	session, err := in.st.GetActiveSession(ctx, conv.ID)
	if err != nil {
		return receipt, err
	}
	if session == nil {
		return receipt, nil
	}
	res, err := in.resumer.Resume(ctx, conv.ID, body)
	if err != nil {
		slog.Error("Inbox.Receive: resume failed", "error", err, "conversationID", conv.ID, "sessionID", session.ID)
		return receipt, fmt.Errorf("resume session %s: %w", session.ID, err)
	}
	receipt.Result = res
	return receipt, nil
}

// connection resolves the connection a message arrived on, falling back to the organization's default.
func (in *Inbox) connection(ctx context.Context, msg models.InboundMessage) (*models.Connection, error) {
	if msg.ConnectionID != "" {
		conn, err := in.st.GetConnection(ctx, msg.ConnectionID)
		if err != nil {
			return nil, err
		}
		if conn == nil {
			return nil, fmt.Errorf("%w: connection %s", models.ErrNoConnection, msg.ConnectionID)
		}
		return conn, nil
	}
	if msg.OrganizationID == "" {
		return nil, fmt.Errorf("%w: no connection or organization given", models.ErrNoConnection)
	}
	conn, err := in.st.GetOrganizationConnection(ctx, msg.OrganizationID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("%w: organization %s", models.ErrNoConnection, msg.OrganizationID)
	}
	return conn, nil
}
