package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// DefaultMaxNodes bounds one walk so cyclic graphs always terminate.
const DefaultMaxNodes = 50

// Scope variables set on replies.
const (
	DefaultInputVariable = "resposta"
	VarLastInput         = "last_input"
	VarMenuChoice        = "menu_choice"
	VarMenuChoiceLabel   = "menu_choice_label"
)

// Store is the persistence the executor reads and writes.
type Store interface {
	store.SessionStore
	store.ConversationStore
	store.CRMStore
}

// Opts holds configuration for the executor.
type Opts struct {
	MaxNodes     int
	Sleep        SleepFunc
	GalleryDelay time.Duration
}

// Option configures the executor.
type Option func(*Opts)

// WithMaxNodes overrides the per-walk node cap.
func WithMaxNodes(n int) Option {
	return func(o *Opts) { o.MaxNodes = n }
}

// WithSleep replaces the pause used by delay nodes and gallery pacing.
func WithSleep(fn SleepFunc) Option {
	return func(o *Opts) { o.Sleep = fn }
}

// WithGalleryDelay sets the default pause between gallery items.
func WithGalleryDelay(d time.Duration) Option {
	return func(o *Opts) { o.GalleryDelay = d }
}

// Executor walks flow graphs for conversations.
type Executor struct {
	graphs   store.GraphStore
	st       Store
	interp   *Interpreter
	maxNodes int

	locks convLocks
}

// NewExecutor creates an executor reading graphs from graphs and sessions from st.
func NewExecutor(graphs store.GraphStore, st Store, sender messaging.Sender, opts ...Option) *Executor {
	cfg := Opts{MaxNodes: DefaultMaxNodes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = DefaultMaxNodes
	}
	return &Executor{
		graphs:   graphs,
		st:       st,
		interp:   NewInterpreter(sender, st, cfg.Sleep, cfg.GalleryDelay),
		maxNodes: cfg.MaxNodes,
	}
}

// lock serializes walks of one conversation.
func (e *Executor) lock(conversationID string) func() {
	return e.locks.acquire(conversationID)
}

// convLocks hands out one mutex per conversation and forgets it once no walk holds or waits on it.
type convLocks struct {
	mu   sync.Mutex
	held map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

func (c *convLocks) acquire(id string) func() {
	c.mu.Lock()
	if c.held == nil {
		c.held = make(map[string]*convLock)
	}
	l, ok := c.held[id]
	if !ok {
		l = &convLock{}
		c.held[id] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.held, id)
		}
		c.mu.Unlock()
	}
}

// size reports how many conversations currently have a lock entry.
func (c *convLocks) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

// RunRequest describes one executor invocation.
type RunRequest struct {
	FlowID         string
	ConversationID string
	StartNodeID    string            // defaults to the start node
	Variables      map[string]string // merged over the conversation's contact variables
}

// Run walks flowID for a conversation from startNodeID ("start" when empty).
func (e *Executor) Run(ctx context.Context, flowID, conversationID, startNodeID string) (*models.RunResult, error) {
	return e.RunWith(ctx, RunRequest{FlowID: flowID, ConversationID: conversationID, StartNodeID: startNodeID})
}

// RunWith walks a flow as described by req.
func (e *Executor) RunWith(ctx context.Context, req RunRequest) (*models.RunResult, error) {
	slog.Debug("Executor.Run invoked", "flowID", req.FlowID, "conversationID", req.ConversationID, "startNodeID", req.StartNodeID)
	unlock := e.lock(req.ConversationID)
	defer unlock()

	conv, conn, err := e.resolveConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	graph, err := LoadGraph(ctx, e.graphs, req.FlowID)
	if err != nil {
		return nil, err
	}
	entry, err := graph.Entry(req.StartNodeID)
	if err != nil {
		return nil, err
	}

	scope := contactScope(conv)
	active, err := e.st.GetActiveSession(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	var session *models.FlowSession
	if active != nil && active.FlowID == req.FlowID {
		mergeInto(scope, active.Variables)
		session = active
	}
	mergeInto(scope, req.Variables)

	if session == nil || req.StartNodeID == "" || req.StartNodeID == models.StartNodeID {
		session, err = e.st.StartSession(ctx, models.FlowSession{
			ConversationID: conv.ID,
			FlowID:         req.FlowID,
			CurrentNodeID:  entry,
			Variables:      scope,
		})
		if err != nil {
			return nil, err
		}
	}
	session.Variables = scope

	env := &Env{Connection: *conn, Conversation: *conv, Scope: scope}
	return e.walk(ctx, graph, session, env, entry)
}

// Resume feeds an inbound reply to the conversation's active session. It returns
// nil when the conversation has no active session.
func (e *Executor) Resume(ctx context.Context, conversationID, input string) (*models.RunResult, error) {
	unlock := e.lock(conversationID)
	defer unlock()

	session, err := e.st.GetActiveSession(ctx, conversationID)
	if err != nil || session == nil {
		return nil, err
	}
	conv, conn, err := e.resolveConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	graph, err := LoadGraph(ctx, e.graphs, session.FlowID)
	if err != nil {
		return nil, err
	}

	scope := contactScope(conv)
	mergeInto(scope, session.Variables)
	session.Variables = scope
	env := &Env{Connection: *conn, Conversation: *conv, Scope: scope}

	node, ok := graph.Node(session.CurrentNodeID)
	if !ok {
		slog.Warn("Executor.Resume: session points at a missing node, completing", "sessionID", session.ID, "nodeID", session.CurrentNodeID)
		return e.complete(ctx, session, 0, false)
	}

	var handles []string
	input = strings.TrimSpace(input)
	switch node.Type {
	case models.NodeTypeInput:
		name := node.Content.Variable
		if name == "" {
			name = DefaultInputVariable
		}
		scope[name] = input
		scope[VarLastInput] = input

	case models.NodeTypeMenu:
		idx, ok := matchMenuOption(node.Content.Options, input)
		if !ok {
			slog.Info("Executor.Resume: invalid menu reply, asking again", "conversationID", conversationID, "nodeID", node.ID, "input", input)
			e.interp.send(ctx, env, conv.ContactPhone, models.OutboundMessage{Text: MenuText(node.Content, scope)}, node.ID)
			return &models.RunResult{Status: models.RunStatusWaiting, CurrentNodeID: node.ID, SessionID: session.ID}, nil
		}
		opt := node.Content.Options[idx]
		scope[VarMenuChoice] = strconv.Itoa(idx + 1)
		scope[VarMenuChoiceLabel] = opt.Label
		scope[VarLastInput] = input
		if node.Content.Variable != "" {
			scope[node.Content.Variable] = opt.Label
		}
		handles = []string{opt.ID, fmt.Sprintf("option-%d", idx)}

	default:
		scope[VarLastInput] = input
	}

	next, ok := graph.Next(node.ID, handles...)
	if !ok {
		return e.complete(ctx, session, 0, false)
	}
	return e.walk(ctx, graph, session, env, next)
}

// matchMenuOption accepts a 1-based option number or a label, case-insensitively.
func matchMenuOption(options []models.MenuOption, input string) (int, bool) {
	if n, err := strconv.Atoi(input); err == nil {
		if n >= 1 && n <= len(options) {
			return n - 1, true
		}
		return 0, false
	}
	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt.Label), input) {
			return i, true
		}
	}
	return 0, false
}

// walk executes nodes from current until the graph ends, a node suspends, or the cap is hit.
func (e *Executor) walk(ctx context.Context, graph *Graph, session *models.FlowSession, env *Env, current string) (*models.RunResult, error) {
	visited := 0
	for {
		if visited >= e.maxNodes {
			slog.Warn("Executor.walk: node limit reached, ending walk", "flowID", graph.FlowID(), "sessionID", session.ID, "limit", e.maxNodes)
			return e.complete(ctx, session, visited, true)
		}
		node, ok := graph.Node(current)
		if !ok {
			slog.Debug("Executor.walk: dangling edge, flow complete", "flowID", graph.FlowID(), "nodeID", current)
			return e.complete(ctx, session, visited, false)
		}
		visited++

		res, err := e.interp.Execute(ctx, env, node)
		if err != nil {
			session.CurrentNodeID = node.ID
			if uerr := e.st.UpdateSession(ctx, *session); uerr != nil {
				slog.Error("Executor.walk: saving interrupted session failed", "error", uerr, "sessionID", session.ID)
			}
			return nil, err
		}

		if res.Disposition == Suspend {
			session.CurrentNodeID = node.ID
			session.Status = models.SessionStatusActive
			if err := e.st.UpdateSession(ctx, *session); err != nil {
				return nil, err
			}
			slog.Debug("Executor.walk: waiting for input", "sessionID", session.ID, "nodeID", node.ID, "visited", visited)
			return &models.RunResult{Status: models.RunStatusWaiting, CurrentNodeID: node.ID, SessionID: session.ID, NodesVisited: visited}, nil
		}

		next, ok := graph.Next(node.ID, res.Handle)
		if !ok {
			session.CurrentNodeID = node.ID
			return e.complete(ctx, session, visited, false)
		}
		current = next
	}
}

func (e *Executor) complete(ctx context.Context, session *models.FlowSession, visited int, limited bool) (*models.RunResult, error) {
	session.Status = models.SessionStatusCompleted
	if err := e.st.UpdateSession(ctx, *session); err != nil {
		return nil, err
	}
	slog.Debug("Executor: session completed", "sessionID", session.ID, "visited", visited)
	return &models.RunResult{
		Status:           models.RunStatusCompleted,
		CurrentNodeID:    session.CurrentNodeID,
		SessionID:        session.ID,
		NodesVisited:     visited,
		NodeLimitReached: limited,
	}, nil
}

func (e *Executor) resolveConversation(ctx context.Context, conversationID string) (*models.Conversation, *models.Connection, error) {
	conv, err := e.st.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrConversationNotFound, conversationID)
	}
	conn, err := e.st.GetConnection(ctx, conv.ConnectionID)
	if err != nil {
		return nil, nil, err
	}
	if conn == nil {
		return nil, nil, fmt.Errorf("%w: conversation %s", models.ErrNoConnection, conversationID)
	}
	return conv, conn, nil
}

// contactScope seeds variables from what the conversation knows about the contact.
func contactScope(conv *models.Conversation) map[string]string {
	scope := make(map[string]string)
	if conv.ContactName != "" {
		scope["nome"] = conv.ContactName
		scope["name"] = conv.ContactName
	}
	if conv.ContactPhone != "" {
		scope["telefone"] = conv.ContactPhone
		scope["phone"] = conv.ContactPhone
	}
	return scope
}

func mergeInto(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
