// Package flow walks WhatsApp conversation flows: it renders templates, evaluates
// conditions, executes nodes and persists the session cursor between replies.
package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// Graph is an immutable index of one flow's nodes and outgoing edges.
type Graph struct {
	flowID        string
	nodesByID     map[string]models.Node
	edgesBySource map[string][]models.Edge
}

// NewGraph indexes nodes by id and edges by source, keeping edge order.
// Later duplicates of a node id replace earlier ones.
func NewGraph(flowID string, nodes []models.Node, edges []models.Edge) *Graph {
	g := &Graph{
		flowID:        flowID,
		nodesByID:     make(map[string]models.Node, len(nodes)),
		edgesBySource: make(map[string][]models.Edge),
	}
	for _, n := range nodes {
		g.nodesByID[n.ID] = n
	}
	for _, e := range edges {
		g.edgesBySource[e.SourceID] = append(g.edgesBySource[e.SourceID], e)
	}
	return g
}

// LoadGraph fetches and indexes a flow. It fails with ErrFlowNotFound or ErrEmptyFlow.
func LoadGraph(ctx context.Context, gs store.GraphStore, flowID string) (*Graph, error) {
	f, err := gs.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, fmt.Errorf("%w: %s", models.ErrFlowNotFound, flowID)
	}
	nodes, edges, err := gs.LoadGraph(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrEmptyFlow, flowID)
	}
	slog.Debug("flow.LoadGraph", "flowID", flowID, "nodes", len(nodes), "edges", len(edges))
	return NewGraph(flowID, nodes, edges), nil
}

// FlowID returns the flow the graph was built from.
func (g *Graph) FlowID() string { return g.flowID }

// Node returns the node with id.
func (g *Graph) Node(id string) (models.Node, bool) {
	n, ok := g.nodesByID[id]
	return n, ok
}

// Outgoing returns the edges leaving id in authoring order.
func (g *Graph) Outgoing(id string) []models.Edge {
	return g.edgesBySource[id]
}

// Next selects the edge to follow from id. An edge whose handle matches one of
// handles wins, in the order handles are given; otherwise the first edge is used.
func (g *Graph) Next(id string, handles ...string) (string, bool) {
	out := g.edgesBySource[id]
	if len(out) == 0 {
		return "", false
	}
	for _, h := range handles {
		if h == "" {
			continue
		}
		for _, e := range out {
			if e.SourceHandle == h {
				return e.TargetID, true
			}
		}
	}
	return out[0].TargetID, true
}

// Entry resolves where a walk begins. Starting at the literal start node means
// following its first outgoing edge; a start node without one is unconfigured.
func (g *Graph) Entry(startNodeID string) (string, error) {
	if startNodeID == "" {
		startNodeID = models.StartNodeID
	}
	if startNodeID != models.StartNodeID {
		return startNodeID, nil
	}
	next, ok := g.Next(models.StartNodeID)
	if !ok {
		return "", fmt.Errorf("%w: %s", models.ErrUnconfiguredFlow, g.flowID)
	}
	return next, nil
}
