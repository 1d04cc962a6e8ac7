package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// Interpreter defaults.
const (
	DefaultDelay        = 1 * time.Second
	DefaultGalleryDelay = 2 * time.Second
)

// Branch handles returned by condition nodes.
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// Disposition tells the executor what to do after a node.
type Disposition int

const (
	// Continue follows the first outgoing edge.
	Continue Disposition = iota
	// Suspend persists the session at this node and waits for the next inbound message.
	Suspend
	// Branch follows the edge whose handle matches Result.Handle.
	Branch
)

func (d Disposition) String() string {
	switch d {
	case Suspend:
		return "suspend"
	case Branch:
		return "branch"
	default:
		return "continue"
	}
}

// Result is the outcome of executing one node.
type Result struct {
	Disposition Disposition
	Handle      string
}

// Env is what a node executes against.
type Env struct {
	Connection   models.Connection
	Conversation models.Conversation
	Scope        map[string]string
}

// MessageRecorder stores outbound messages in the conversation history.
type MessageRecorder interface {
	AddMessage(ctx context.Context, m models.Message) error
}

// SleepFunc pauses for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the context-aware default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interpreter executes single nodes. It holds no per-walk state.
type Interpreter struct {
	sender       messaging.Sender
	recorder     MessageRecorder
	sleep        SleepFunc
	galleryDelay time.Duration
}

// NewInterpreter creates an interpreter sending through sender. recorder may be nil.
func NewInterpreter(sender messaging.Sender, recorder MessageRecorder, sleep SleepFunc, galleryDelay time.Duration) *Interpreter {
	if sleep == nil {
		sleep = Sleep
	}
	if galleryDelay <= 0 {
		galleryDelay = DefaultGalleryDelay
	}
	return &Interpreter{sender: sender, recorder: recorder, sleep: sleep, galleryDelay: galleryDelay}
}

// Execute runs node against env. Send failures are logged and do not fail the node;
// the only error is a cancelled context during a pause.
func (in *Interpreter) Execute(ctx context.Context, env *Env, node models.Node) (Result, error) {
	c := node.Content
	switch node.Type {
	case models.NodeTypeStart, models.NodeTypeEnd:
		return Result{Disposition: Continue}, nil

	case models.NodeTypeMessage:
		return Result{Disposition: Continue}, in.executeMessage(ctx, env, node)

	case models.NodeTypeMenu:
		in.send(ctx, env, env.Conversation.ContactPhone, models.OutboundMessage{Text: MenuText(c, env.Scope)}, node.ID)
		return Result{Disposition: Suspend}, nil

	case models.NodeTypeInput:
		if prompt := Render(c.Text, env.Scope); prompt != "" {
			in.send(ctx, env, env.Conversation.ContactPhone, models.OutboundMessage{Text: prompt}, node.ID)
		}
		return Result{Disposition: Suspend}, nil

	case models.NodeTypeDelay:
		d := DefaultDelay
		if c.DelaySeconds > 0 {
			d = time.Duration(c.DelaySeconds) * time.Second
		}
		slog.Debug("Interpreter.Execute: delay", "nodeID", node.ID, "delay", d)
		if err := in.sleep(ctx, d); err != nil {
			return Result{}, fmt.Errorf("delay node %s: %w", node.ID, err)
		}
		return Result{Disposition: Continue}, nil

	case models.NodeTypeCondition:
		handle := HandleFalse
		if evaluateCondition(c, env.Scope) {
			handle = HandleTrue
		}
		slog.Debug("Interpreter.Execute: condition", "nodeID", node.ID, "handle", handle)
		return Result{Disposition: Branch, Handle: handle}, nil

	case models.NodeTypeAction:
		in.executeAction(ctx, env, node)
		return Result{Disposition: Continue}, nil

	default:
		slog.Warn("Interpreter.Execute: unknown node type, continuing", "nodeID", node.ID, "type", node.Type)
		return Result{Disposition: Continue}, nil
	}
}

// MenuText renders a menu prompt followed by its 1-indexed option labels.
func MenuText(c models.NodeContent, scope map[string]string) string {
	var b strings.Builder
	b.WriteString(Render(c.Text, scope))
	for i, opt := range c.Options {
		fmt.Fprintf(&b, "\n%d. %s", i+1, Render(opt.Label, scope))
	}
	return b.String()
}

func (in *Interpreter) executeMessage(ctx context.Context, env *Env, node models.Node) error {
	c := node.Content
	to := env.Conversation.ContactPhone
	switch c.MessageType {
	case models.MessageTypeGallery:
		delay := in.galleryDelay
		if c.GalleryDelayMS > 0 {
			delay = time.Duration(c.GalleryDelayMS) * time.Millisecond
		}
		for i, item := range c.Gallery {
			if i > 0 {
				if err := in.sleep(ctx, delay); err != nil {
					return fmt.Errorf("gallery node %s: %w", node.ID, err)
				}
			}
			in.send(ctx, env, to, models.OutboundMessage{
				Text:      Render(item.Caption, env.Scope),
				MediaType: models.MediaTypeImage,
				MediaURL:  Render(item.URL, env.Scope),
			}, node.ID)
		}
	case models.MessageTypeImage, models.MessageTypeVideo, models.MessageTypeAudio, models.MessageTypeDocument:
		caption := c.Caption
		if caption == "" {
			caption = c.Text
		}
		in.send(ctx, env, to, models.OutboundMessage{
			Text:      Render(caption, env.Scope),
			MediaType: models.MediaType(c.MessageType),
			MediaURL:  Render(c.MediaURL, env.Scope),
			FileName:  c.FileName,
		}, node.ID)
	default:
		in.send(ctx, env, to, models.OutboundMessage{Text: Render(c.Text, env.Scope)}, node.ID)
	}
	return nil
}

func (in *Interpreter) executeAction(ctx context.Context, env *Env, node models.Node) {
	c := node.Content
	switch c.ActionType {
	case models.ActionExternalNotification:
		phone := Render(c.Phone, env.Scope)
		if phone == "" {
			slog.Warn("Interpreter.executeAction: external notification without phone", "nodeID", node.ID)
			return
		}
		in.send(ctx, env, phone, models.OutboundMessage{Text: Render(c.Message, env.Scope)}, node.ID)
	case models.ActionAddTag, models.ActionRemoveTag, models.ActionCloseConversation:
		slog.Debug("Interpreter.executeAction: no-op action", "nodeID", node.ID, "action", c.ActionType, "tag", c.Tag)
	default:
		slog.Warn("Interpreter.executeAction: unknown action type", "nodeID", node.ID, "action", c.ActionType)
	}
}

// send delivers one message and records it when it went to the conversation's contact.
func (in *Interpreter) send(ctx context.Context, env *Env, to string, msg models.OutboundMessage, nodeID string) {
	if msg.Text == "" && !msg.HasMedia() {
		slog.Warn("Interpreter.send: empty message skipped", "nodeID", nodeID)
		return
	}
	if err := in.sender.Send(ctx, env.Connection, to, msg); err != nil {
		slog.Error("Interpreter.send failed, continuing", "error", err, "nodeID", nodeID, "to", to, "connectionID", env.Connection.ID)
		return
	}
	if in.recorder == nil || to != env.Conversation.ContactPhone || env.Conversation.ID == "" {
		return
	}
	if err := in.recorder.AddMessage(ctx, models.Message{
		OrganizationID: env.Conversation.OrganizationID,
		ConversationID: env.Conversation.ID,
		ContactPhone:   env.Conversation.ContactPhone,
		FromMe:         true,
		Body:           msg.Text,
		MediaType:      msg.MediaType,
		MediaURL:       msg.MediaURL,
	}); err != nil {
		slog.Warn("Interpreter.send: recording outbound message failed", "error", err, "conversationID", env.Conversation.ID)
	}
}
