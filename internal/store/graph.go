package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// GetFlow retrieves flow metadata, or nil when the flow does not exist.
func (s *SQLStore) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	var f models.Flow
	err := s.queryRow(ctx, s.db,
		`SELECT id, organization_id, name, is_active, created_at FROM flows WHERE id = ?`, flowID,
	).Scan(&f.ID, &f.OrganizationID, &f.Name, &f.IsActive, &f.CreatedAt)
	if err == sql.ErrNoRows {
		slog.Debug("SQLStore.GetFlow: not found", "flowID", flowID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow %s: %w", flowID, err)
	}
	return &f, nil
}

// LoadGraph returns the nodes (in authoring order) and edges of a flow.
func (s *SQLStore) LoadGraph(ctx context.Context, flowID string) ([]models.Node, []models.Edge, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT node_id, type, content FROM flow_nodes WHERE flow_id = ? ORDER BY position ASC, node_id ASC`, flowID)
	if err != nil {
		return nil, nil, fmt.Errorf("query flow nodes: %w", err)
	}
	var nodes []models.Node
	for rows.Next() {
		var n models.Node
		var nodeType string
		var content sql.NullString
		if err := rows.Scan(&n.ID, &nodeType, &content); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scan flow node: %w", err)
		}
		n.Type = models.NodeType(nodeType)
		if content.Valid && content.String != "" {
			if err := json.Unmarshal([]byte(content.String), &n.Content); err != nil {
				slog.Warn("SQLStore.LoadGraph: node content unreadable, using empty content", "flowID", flowID, "nodeID", n.ID, "error", err)
				n.Content = models.NodeContent{}
			}
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("iterate flow nodes: %w", err)
	}
	rows.Close()

	rows, err = s.query(ctx, s.db,
		`SELECT source_node_id, target_node_id, source_handle FROM flow_edges WHERE flow_id = ? ORDER BY id ASC`, flowID)
	if err != nil {
		return nil, nil, fmt.Errorf("query flow edges: %w", err)
	}
	defer rows.Close()
	var edges []models.Edge
	for rows.Next() {
		var e models.Edge
		var handle sql.NullString
		if err := rows.Scan(&e.SourceID, &e.TargetID, &handle); err != nil {
			return nil, nil, fmt.Errorf("scan flow edge: %w", err)
		}
		e.SourceHandle = handle.String
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate flow edges: %w", err)
	}

	slog.Debug("SQLStore.LoadGraph succeeded", "flowID", flowID, "nodes", len(nodes), "edges", len(edges))
	return nodes, edges, nil
}

// SaveFlow upserts flow metadata and replaces its nodes and edges.
func (s *SQLStore) SaveFlow(ctx context.Context, f models.Flow, nodes []models.Node, edges []models.Edge) error {
	if f.ID == "" {
		return fmt.Errorf("flow id is required")
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			`INSERT INTO flows (id, organization_id, name, is_active, created_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET organization_id = excluded.organization_id, name = excluded.name, is_active = excluded.is_active`,
			f.ID, f.OrganizationID, f.Name, f.IsActive, f.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("upsert flow %s: %w", f.ID, err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM flow_nodes WHERE flow_id = ?`, f.ID); err != nil {
			return fmt.Errorf("clear flow nodes: %w", err)
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM flow_edges WHERE flow_id = ?`, f.ID); err != nil {
			return fmt.Errorf("clear flow edges: %w", err)
		}
		for i, n := range nodes {
			content, err := json.Marshal(n.Content)
			if err != nil {
				return fmt.Errorf("marshal node %s content: %w", n.ID, err)
			}
			if _, err := s.exec(ctx, tx,
				`INSERT INTO flow_nodes (flow_id, node_id, type, content, position) VALUES (?, ?, ?, ?, ?)`,
				f.ID, n.ID, string(n.Type), string(content), i,
			); err != nil {
				return fmt.Errorf("insert node %s: %w", n.ID, err)
			}
		}
		for _, e := range edges {
			if _, err := s.exec(ctx, tx,
				`INSERT INTO flow_edges (flow_id, source_node_id, target_node_id, source_handle) VALUES (?, ?, ?, ?)`,
				f.ID, e.SourceID, e.TargetID, nilIfEmpty(e.SourceHandle),
			); err != nil {
				return fmt.Errorf("insert edge %s->%s: %w", e.SourceID, e.TargetID, err)
			}
		}
		slog.Debug("SQLStore.SaveFlow succeeded", "flowID", f.ID, "nodes", len(nodes), "edges", len(edges))
		return nil
	})
}
