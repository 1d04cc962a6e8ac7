package models

import (
	"fmt"
	"time"
)

// AutomationStatus is the lifecycle of a deal automation. It only moves forward:
// pending -> flow_sent (-> waiting) -> {responded | moved | cancelled | completed}.
type AutomationStatus string

const (
	AutomationStatusPending   AutomationStatus = "pending"
	AutomationStatusFlowSent  AutomationStatus = "flow_sent"
	AutomationStatusWaiting   AutomationStatus = "waiting"
	AutomationStatusResponded AutomationStatus = "responded"
	AutomationStatusMoved     AutomationStatus = "moved"
	AutomationStatusCancelled AutomationStatus = "cancelled"
	AutomationStatusCompleted AutomationStatus = "completed"
)

// automationTransitions lists the legal successors of every non-terminal status.
var automationTransitions = map[AutomationStatus][]AutomationStatus{
	AutomationStatusPending: {
		AutomationStatusFlowSent,
		AutomationStatusCancelled,
	},
	AutomationStatusFlowSent: {
		AutomationStatusWaiting,
		AutomationStatusResponded,
		AutomationStatusMoved,
		AutomationStatusCancelled,
		AutomationStatusCompleted,
	},
	AutomationStatusWaiting: {
		AutomationStatusResponded,
		AutomationStatusMoved,
		AutomationStatusCancelled,
		AutomationStatusCompleted,
	},
}

// IsValid reports whether s is a known status.
func (s AutomationStatus) IsValid() bool {
	switch s {
	case AutomationStatusPending, AutomationStatusFlowSent, AutomationStatusWaiting,
		AutomationStatusResponded, AutomationStatusMoved, AutomationStatusCancelled, AutomationStatusCompleted:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further processing may happen in status s.
func (s AutomationStatus) IsTerminal() bool {
	switch s {
	case AutomationStatusResponded, AutomationStatusMoved, AutomationStatusCancelled, AutomationStatusCompleted:
		return true
	default:
		return false
	}
}

// IsLive reports whether s is pending or dispatched.
func (s AutomationStatus) IsLive() bool {
	return s.IsValid() && !s.IsTerminal()
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s AutomationStatus) CanTransitionTo(next AutomationStatus) bool {
	for _, allowed := range automationTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PredecessorsOf returns every status from which next may be reached.
// Stores use it to build compare-and-set updates.
func PredecessorsOf(next AutomationStatus) []AutomationStatus {
	var from []AutomationStatus
	for _, s := range []AutomationStatus{AutomationStatusPending, AutomationStatusFlowSent, AutomationStatusWaiting} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// Transition validates the move from -> to and returns ErrInvalidTransition when illegal.
func Transition(from, to AutomationStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// LiveAutomationStatuses are the statuses a deal may hold at most one automation in.
var LiveAutomationStatuses = []AutomationStatus{
	AutomationStatusPending,
	AutomationStatusFlowSent,
	AutomationStatusWaiting,
}

// DispatchedAutomationStatuses are the statuses awaiting a reply or the deadline.
var DispatchedAutomationStatuses = []AutomationStatus{
	AutomationStatusFlowSent,
	AutomationStatusWaiting,
}

// DealAutomation is one attempt to automate a deal's progress through a stage.
type DealAutomation struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	DealID         string           `json:"deal_id"`
	StageID        string           `json:"stage_id"`
	FlowID         string           `json:"flow_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	ContactPhone   string           `json:"contact_phone,omitempty"`
	Status         AutomationStatus `json:"status"`
	WaitUntil      time.Time        `json:"wait_until"`
	NextStageID    string           `json:"next_stage_id,omitempty"`
	FlowSentAt     *time.Time       `json:"flow_sent_at,omitempty"`
	RespondedAt    *time.Time       `json:"responded_at,omitempty"`
	MovedAt        *time.Time       `json:"moved_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// ReplySince returns the instant after which an inbound message counts as a reply.
func (a DealAutomation) ReplySince() time.Time {
	if a.FlowSentAt != nil {
		return *a.FlowSentAt
	}
	return a.CreatedAt
}

// AutomationAction names an audit log entry.
type AutomationAction string

const (
	LogAutomationStarted AutomationAction = "automation_started"
	LogFlowTriggered     AutomationAction = "flow_triggered"
	LogTimeoutMove       AutomationAction = "timeout_move"
	LogMessageReceived   AutomationAction = "message_received"
	LogManualCancel      AutomationAction = "manual_cancel"
	LogCompleted         AutomationAction = "automation_completed"
)

// AutomationLog is an append-only audit record of a deal automation.
type AutomationLog struct {
	ID               string            `json:"id"`
	DealAutomationID string            `json:"deal_automation_id"`
	Action           AutomationAction  `json:"action"`
	Details          map[string]string `json:"details,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// DefaultWaitHours applies when a stage automation has no wait configured.
const DefaultWaitHours = 24

// StageAutomation is the automation configured for a funnel stage.
type StageAutomation struct {
	ID                 string `json:"id"`
	OrganizationID     string `json:"organization_id"`
	StageID            string `json:"stage_id"`
	FlowID             string `json:"flow_id,omitempty"`
	WaitHours          int    `json:"wait_hours"`
	NextStageID        string `json:"next_stage_id,omitempty"`
	FallbackFunnelID   string `json:"fallback_funnel_id,omitempty"`
	FallbackStageID    string `json:"fallback_stage_id,omitempty"`
	ExecuteImmediately bool   `json:"execute_immediately"`
	IsActive           bool   `json:"is_active"`
}

// Wait returns the configured wait, defaulting to DefaultWaitHours.
func (c StageAutomation) Wait() time.Duration {
	hours := c.WaitHours
	if hours <= 0 {
		hours = DefaultWaitHours
	}
	return time.Duration(hours) * time.Hour
}
