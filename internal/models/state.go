package models

import "time"

// SessionStatus is the lifecycle of a flow session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// FlowSession is the persisted cursor of one flow traversal bound to a conversation.
// At most one session per conversation is active at a time.
type FlowSession struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversation_id"`
	FlowID         string            `json:"flow_id"`
	CurrentNodeID  string            `json:"current_node_id"`
	Variables      map[string]string `json:"variables,omitempty"`
	Status         SessionStatus     `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// RunStatus is the outcome of one executor invocation.
type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusWaiting   RunStatus = "waiting"
)

// RunResult is returned by the flow executor.
type RunResult struct {
	Status        RunStatus `json:"status"`
	CurrentNodeID string    `json:"current_node_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"`
	NodesVisited  int       `json:"nodes_visited"`
	// NodeLimitReached is set when the walk stopped at the node cap.
	NodeLimitReached bool `json:"node_limit_reached,omitempty"`
}
