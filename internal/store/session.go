package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const sessionColumns = `id, conversation_id, flow_id, current_node_id, variables, status, created_at, updated_at`

func scanSession(row rowScanner) (models.FlowSession, error) {
	var fs models.FlowSession
	var vars sql.NullString
	var status string
	err := row.Scan(&fs.ID, &fs.ConversationID, &fs.FlowID, &fs.CurrentNodeID, &vars, &status, &fs.CreatedAt, &fs.UpdatedAt)
	if err != nil {
		return fs, err
	}
	fs.Status = models.SessionStatus(status)
	fs.Variables = decodeStringMap(vars, fs.ID)
	return fs, nil
}

// GetActiveSession returns the active session bound to a conversation, or nil.
func (s *SQLStore) GetActiveSession(ctx context.Context, conversationID string) (*models.FlowSession, error) {
	fs, err := scanSession(s.queryRow(ctx, s.db,
		`SELECT `+sessionColumns+` FROM flow_sessions WHERE conversation_id = ? AND status = 'active'`, conversationID))
	if err == sql.ErrNoRows {
		slog.Debug("SQLStore.GetActiveSession: none", "conversationID", conversationID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLStore.GetActiveSession failed", "error", err, "conversationID", conversationID)
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return &fs, nil
}

// GetSession retrieves a session by id, or nil.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*models.FlowSession, error) {
	fs, err := scanSession(s.queryRow(ctx, s.db, `SELECT `+sessionColumns+` FROM flow_sessions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &fs, nil
}

// StartSession completes the conversation's active session, if any, and inserts
// fs as the new active session in one transaction.
func (s *SQLStore) StartSession(ctx context.Context, fs models.FlowSession) (*models.FlowSession, error) {
	now := time.Now().UTC()
	if fs.ID == "" {
		fs.ID = newID()
	}
	fs.Status = models.SessionStatusActive
	fs.CreatedAt = now
	fs.UpdatedAt = now
	vars, err := encodeStringMap(fs.Variables)
	if err != nil {
		return nil, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx,
			`UPDATE flow_sessions SET status = 'completed', updated_at = ? WHERE conversation_id = ? AND status = 'active'`,
			now, fs.ConversationID,
		); err != nil {
			return fmt.Errorf("complete previous session: %w", err)
		}
		if _, err := s.exec(ctx, tx,
			`INSERT INTO flow_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			fs.ID, fs.ConversationID, fs.FlowID, fs.CurrentNodeID, vars, string(fs.Status), fs.CreatedAt, fs.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("SQLStore.StartSession failed", "error", err, "conversationID", fs.ConversationID, "flowID", fs.FlowID)
		return nil, err
	}
	slog.Debug("SQLStore.StartSession succeeded", "sessionID", fs.ID, "conversationID", fs.ConversationID, "flowID", fs.FlowID)
	return &fs, nil
}

// UpdateSession persists the cursor, variables and status of a session.
func (s *SQLStore) UpdateSession(ctx context.Context, fs models.FlowSession) error {
	vars, err := encodeStringMap(fs.Variables)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx, s.db,
		`UPDATE flow_sessions SET current_node_id = ?, variables = ?, status = ?, updated_at = ? WHERE id = ?`,
		fs.CurrentNodeID, vars, string(fs.Status), time.Now().UTC(), fs.ID,
	)
	if err != nil {
		slog.Error("SQLStore.UpdateSession failed", "error", err, "sessionID", fs.ID)
		return fmt.Errorf("update session %s: %w", fs.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update session %s: no such session", fs.ID)
	}
	slog.Debug("SQLStore.UpdateSession succeeded", "sessionID", fs.ID, "node", fs.CurrentNodeID, "status", fs.Status)
	return nil
}
