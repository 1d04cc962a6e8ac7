// Package store provides storage backends for FunnelPipe.
//
// It is the system of record for flow graphs, flow sessions, deal automations and
// the CRM rows they read. SQLite and PostgreSQL are supported through one SQL
// implementation with per-dialect migrations.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// GraphStore loads flow definitions. It never interprets them.
type GraphStore interface {
	GetFlow(ctx context.Context, flowID string) (*models.Flow, error)
	LoadGraph(ctx context.Context, flowID string) ([]models.Node, []models.Edge, error)
}

// SessionStore persists flow sessions.
type SessionStore interface {
	// GetActiveSession returns the active session of a conversation, or nil.
	GetActiveSession(ctx context.Context, conversationID string) (*models.FlowSession, error)
	// StartSession completes any active session of the conversation and inserts s as the new active one.
	StartSession(ctx context.Context, s models.FlowSession) (*models.FlowSession, error)
	// UpdateSession writes the cursor, variables and status of an existing session.
	UpdateSession(ctx context.Context, s models.FlowSession) error
	GetSession(ctx context.Context, id string) (*models.FlowSession, error)
}

// ConversationStore covers connections, conversations and messages.
type ConversationStore interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
	// GetOrganizationConnection returns the organization's preferred connection, or nil.
	GetOrganizationConnection(ctx context.Context, organizationID string) (*models.Connection, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// FindOrCreateConversation returns the conversation for (connection, phone), creating it from c when absent.
	FindOrCreateConversation(ctx context.Context, c models.Conversation) (*models.Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	AddMessage(ctx context.Context, m models.Message) error
	// HasInboundMessageSince reports whether phone sent the organization a message strictly after since.
	HasInboundMessageSince(ctx context.Context, organizationID, phone string, since time.Time) (bool, error)
}

// CRMStore covers the deal pipeline rows the automations read and move.
type CRMStore interface {
	GetDeal(ctx context.Context, id string) (*models.Deal, error)
	GetContact(ctx context.Context, id string) (*models.Contact, error)
	GetStage(ctx context.Context, id string) (*models.Stage, error)
	// MoveDeal applies m. When m.FromStageID is set the deal must still sit there,
	// otherwise ErrDealStageChanged is returned and nothing changes.
	MoveDeal(ctx context.Context, m DealMove) error
	TouchDeal(ctx context.Context, dealID string, at time.Time) error
	AddDealHistory(ctx context.Context, h models.DealHistory) error
	ListDealHistory(ctx context.Context, dealID string) ([]models.DealHistory, error)
}

// AutomationStore covers stage automation config, deal automations and their audit log.
type AutomationStore interface {
	GetStageAutomation(ctx context.Context, stageID string) (*models.StageAutomation, error)
	// ReplaceActiveAutomation cancels every live automation of a.DealID and inserts a as pending,
	// atomically. It returns the inserted row and the ids it cancelled.
	ReplaceActiveAutomation(ctx context.Context, a models.DealAutomation) (*models.DealAutomation, []string, error)
	GetAutomation(ctx context.Context, id string) (*models.DealAutomation, error)
	ListDealAutomations(ctx context.Context, dealID string) ([]models.DealAutomation, error)
	// ListPendingAutomations returns pending automations with a flow, oldest first.
	ListPendingAutomations(ctx context.Context, limit int) ([]models.DealAutomation, error)
	// ListAwaitingReply returns dispatched automations that carry a contact phone.
	ListAwaitingReply(ctx context.Context) ([]models.DealAutomation, error)
	// ListExpiredAutomations returns dispatched automations whose deadline is at or before now, earliest first.
	ListExpiredAutomations(ctx context.Context, now time.Time, limit int) ([]models.DealAutomation, error)
	// TransitionAutomation applies a compare-and-set status change.
	TransitionAutomation(ctx context.Context, t AutomationTransition) error
	AddAutomationLog(ctx context.Context, l models.AutomationLog) error
	ListAutomationLogs(ctx context.Context, automationID string) ([]models.AutomationLog, error)
}

// AutomationTransition describes one status change of a deal automation.
type AutomationTransition struct {
	ID             string
	To             models.AutomationStatus
	At             time.Time
	ConversationID string // recorded on flow_sent
	ContactPhone   string // recorded on flow_sent when set
}

// DealMove describes one stage change of a deal.
type DealMove struct {
	DealID      string
	FromStageID string // optional guard on the current stage
	FunnelID    string // empty keeps the current funnel
	StageID     string
	At          time.Time
}

// Store is the full persistence capability.
type Store interface {
	GraphStore
	SessionStore
	ConversationStore
	CRMStore
	AutomationStore
	Close() error
}

// Opts holds configuration for store backends.
type Opts struct {
	DSN string
}

// Option configures a store backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL URLs or keyword DSNs and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open picks the backend from the DSN and opens it.
func Open(dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN not set")
	}
	if DetectDSNType(dsn) == "postgres" {
		slog.Debug("store.Open: using PostgreSQL backend")
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	slog.Debug("store.Open: using SQLite backend", "path", dsn)
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
