// Package models defines the core data structures for FunnelPipe.
//
// It includes flow graphs, flow sessions, deal automations and the CRM records
// they operate on. These types are shared across the store, flow and automation modules.
package models

import "time"

// NodeType identifies how the interpreter handles a node.
type NodeType string

const (
	NodeTypeStart     NodeType = "start"
	NodeTypeEnd       NodeType = "end"
	NodeTypeMessage   NodeType = "message"
	NodeTypeMenu      NodeType = "menu"
	NodeTypeInput     NodeType = "input"
	NodeTypeDelay     NodeType = "delay"
	NodeTypeCondition NodeType = "condition"
	NodeTypeAction    NodeType = "action"
)

// StartNodeID is the literal id a flow's entry node carries.
const StartNodeID = "start"

// IsKnownNodeType reports whether the interpreter has a handler for t.
func IsKnownNodeType(t NodeType) bool {
	switch t {
	case NodeTypeStart, NodeTypeEnd, NodeTypeMessage, NodeTypeMenu, NodeTypeInput,
		NodeTypeDelay, NodeTypeCondition, NodeTypeAction:
		return true
	default:
		return false
	}
}

// MessageType selects the payload a message node sends.
type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeVideo    MessageType = "video"
	MessageTypeAudio    MessageType = "audio"
	MessageTypeDocument MessageType = "document"
	MessageTypeGallery  MessageType = "gallery"
)

// ActionType selects what an action node does.
type ActionType string

const (
	ActionAddTag               ActionType = "add_tag"
	ActionRemoveTag            ActionType = "remove_tag"
	ActionCloseConversation    ActionType = "close_conversation"
	ActionExternalNotification ActionType = "external_notification"
)

// Combinator joins condition rules.
type Combinator string

const (
	CombinatorAnd Combinator = "AND"
	CombinatorOr  Combinator = "OR"
)

// GalleryItem is one image of a gallery message.
type GalleryItem struct {
	URL     string `json:"url" yaml:"url"`
	Caption string `json:"caption,omitempty" yaml:"caption,omitempty"`
}

// MenuOption is one selectable entry of a menu node.
type MenuOption struct {
	ID    string `json:"id,omitempty" yaml:"id,omitempty"`
	Label string `json:"label" yaml:"label"`
}

// ConditionRule compares one scope variable against a value.
type ConditionRule struct {
	Variable string `json:"variable" yaml:"variable"`
	Operator string `json:"operator" yaml:"operator"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
}

// NodeContent is the union of every node type's configuration. Only the
// fields relevant to the node's type are populated.
type NodeContent struct {
	// message
	MessageType    MessageType   `json:"message_type,omitempty" yaml:"message_type,omitempty"`
	Text           string        `json:"text,omitempty" yaml:"text,omitempty"`
	MediaURL       string        `json:"media_url,omitempty" yaml:"media_url,omitempty"`
	Caption        string        `json:"caption,omitempty" yaml:"caption,omitempty"`
	FileName       string        `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	Gallery        []GalleryItem `json:"gallery,omitempty" yaml:"gallery,omitempty"`
	GalleryDelayMS int           `json:"gallery_delay_ms,omitempty" yaml:"gallery_delay_ms,omitempty"`

	// menu and input
	Options  []MenuOption `json:"options,omitempty" yaml:"options,omitempty"`
	Variable string       `json:"variable,omitempty" yaml:"variable,omitempty"`

	// delay
	DelaySeconds int `json:"delay_seconds,omitempty" yaml:"delay_seconds,omitempty"`

	// condition
	Conditions []ConditionRule `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Logic      Combinator      `json:"logic,omitempty" yaml:"logic,omitempty"`
	Expression string          `json:"expression,omitempty" yaml:"expression,omitempty"`

	// action
	ActionType ActionType `json:"action_type,omitempty" yaml:"action_type,omitempty"`
	Tag        string     `json:"tag,omitempty" yaml:"tag,omitempty"`
	Phone      string     `json:"phone,omitempty" yaml:"phone,omitempty"`
	Message    string     `json:"message,omitempty" yaml:"message,omitempty"`
}

// Node is one step of a flow.
type Node struct {
	ID      string      `json:"id" yaml:"id"`
	Type    NodeType    `json:"type" yaml:"type"`
	Content NodeContent `json:"content" yaml:"content"`
}

// Edge is a directed transition between two nodes. SourceHandle is set on
// branching nodes (condition "true"/"false", menu option ids).
type Edge struct {
	SourceID     string `json:"source" yaml:"source"`
	TargetID     string `json:"target" yaml:"target"`
	SourceHandle string `json:"handle,omitempty" yaml:"handle,omitempty"`
}

// Flow is the metadata of a named flow graph.
type Flow struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}
