package models

import "errors"

// Configuration errors. The scheduler counts them and leaves the automation retriable.
var (
	ErrUnconfiguredFlow = errors.New("flow start node has no outgoing edge")
	ErrFlowNotFound     = errors.New("flow not found")
	ErrEmptyFlow        = errors.New("flow has no nodes")
	ErrNoConnection     = errors.New("no whatsapp connection configured")
)

// Lookup and state errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrDealNotFound         = errors.New("deal not found")
	ErrDealStageChanged     = errors.New("deal stage changed concurrently")
	ErrAutomationNotFound   = errors.New("automation not found")
	ErrInvalidTransition    = errors.New("invalid automation status transition")
	ErrStaleTransition      = errors.New("automation status changed concurrently")
	ErrAutomationActive     = errors.New("deal already has a live automation")
	ErrTickInProgress       = errors.New("automation tick already in progress")
	ErrProviderUnsupported  = errors.New("messaging provider not supported")
	ErrEmptyRecipient       = errors.New("recipient cannot be empty")
	ErrEmptyMessage         = errors.New("message has neither text nor media")
)

// IsConfigError reports whether err is a configuration error: missing connection,
// missing flow, flow without nodes, or a start node without an outgoing edge.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnconfiguredFlow) ||
		errors.Is(err, ErrFlowNotFound) ||
		errors.Is(err, ErrEmptyFlow) ||
		errors.Is(err, ErrNoConnection)
}
