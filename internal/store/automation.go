package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const stageAutomationColumns = `id, organization_id, stage_id, flow_id, wait_hours, next_stage_id,
	fallback_funnel_id, fallback_stage_id, execute_immediately, is_active`

// GetStageAutomation returns the automation configured for a stage, or nil.
func (s *SQLStore) GetStageAutomation(ctx context.Context, stageID string) (*models.StageAutomation, error) {
	var c models.StageAutomation
	var flowID, nextStageID, fallbackFunnelID, fallbackStageID sql.NullString
	err := s.queryRow(ctx, s.db,
		`SELECT `+stageAutomationColumns+` FROM stage_automations WHERE stage_id = ?`, stageID,
	).Scan(&c.ID, &c.OrganizationID, &c.StageID, &flowID, &c.WaitHours, &nextStageID,
		&fallbackFunnelID, &fallbackStageID, &c.ExecuteImmediately, &c.IsActive)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage automation for %s: %w", stageID, err)
	}
	c.FlowID = flowID.String
	c.NextStageID = nextStageID.String
	c.FallbackFunnelID = fallbackFunnelID.String
	c.FallbackStageID = fallbackStageID.String
	return &c, nil
}

// SaveStageAutomation upserts the automation of c.StageID.
func (s *SQLStore) SaveStageAutomation(ctx context.Context, c models.StageAutomation) (*models.StageAutomation, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO stage_automations (`+stageAutomationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (stage_id) DO UPDATE SET
		   organization_id = excluded.organization_id, flow_id = excluded.flow_id,
		   wait_hours = excluded.wait_hours, next_stage_id = excluded.next_stage_id,
		   fallback_funnel_id = excluded.fallback_funnel_id, fallback_stage_id = excluded.fallback_stage_id,
		   execute_immediately = excluded.execute_immediately, is_active = excluded.is_active`,
		c.ID, c.OrganizationID, c.StageID, nilIfEmpty(c.FlowID), c.WaitHours, nilIfEmpty(c.NextStageID),
		nilIfEmpty(c.FallbackFunnelID), nilIfEmpty(c.FallbackStageID), c.ExecuteImmediately, c.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("save stage automation for %s: %w", c.StageID, err)
	}
	return s.GetStageAutomation(ctx, c.StageID)
}

// ReplaceActiveAutomation cancels the deal's live automations and inserts a as pending.
func (s *SQLStore) ReplaceActiveAutomation(ctx context.Context, a models.DealAutomation) (*models.DealAutomation, []string, error) {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = newID()
	}
	a.Status = models.AutomationStatusPending
	a.WaitUntil = a.WaitUntil.UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	a.FlowSentAt, a.RespondedAt, a.MovedAt = nil, nil, nil

	var cancelled []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := s.query(ctx, tx,
			`SELECT id FROM deal_automations WHERE deal_id = ? AND status IN (`+statusList(models.LiveAutomationStatuses)+`)`,
			a.DealID)
		if err != nil {
			return fmt.Errorf("query live automations: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan live automation: %w", err)
			}
			cancelled = append(cancelled, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate live automations: %w", err)
		}
		rows.Close()

		if len(cancelled) > 0 {
			if _, err := s.exec(ctx, tx,
				`UPDATE deal_automations SET status = ?, updated_at = ? WHERE deal_id = ? AND status IN (`+statusList(models.LiveAutomationStatuses)+`)`,
				string(models.AutomationStatusCancelled), now, a.DealID,
			); err != nil {
				return fmt.Errorf("cancel live automations: %w", err)
			}
		}

		if _, err := s.exec(ctx, tx,
			`INSERT INTO deal_automations (`+automationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.OrganizationID, a.DealID, a.StageID, nilIfEmpty(a.FlowID), nilIfEmpty(a.ConversationID),
			nilIfEmpty(a.ContactPhone), string(a.Status), a.WaitUntil, nilIfEmpty(a.NextStageID),
			nil, nil, nil, a.CreatedAt, a.UpdatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: deal %s", models.ErrAutomationActive, a.DealID)
			}
			return fmt.Errorf("insert deal automation: %w", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("SQLStore.ReplaceActiveAutomation failed", "error", err, "dealID", a.DealID)
		return nil, nil, err
	}
	slog.Debug("SQLStore.ReplaceActiveAutomation succeeded", "automationID", a.ID, "dealID", a.DealID, "cancelled", len(cancelled))
	return &a, cancelled, nil
}

// GetAutomation retrieves a deal automation by id, or nil.
func (s *SQLStore) GetAutomation(ctx context.Context, id string) (*models.DealAutomation, error) {
	a, err := scanAutomation(s.queryRow(ctx, s.db, `SELECT `+automationColumns+` FROM deal_automations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deal automation %s: %w", id, err)
	}
	return &a, nil
}

// ListDealAutomations returns every automation of a deal, oldest first.
func (s *SQLStore) ListDealAutomations(ctx context.Context, dealID string) ([]models.DealAutomation, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+automationColumns+` FROM deal_automations WHERE deal_id = ? ORDER BY created_at ASC, id ASC`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list deal automations: %w", err)
	}
	return collectAutomations(rows)
}

// ListPendingAutomations returns up to limit pending automations that have a flow.
func (s *SQLStore) ListPendingAutomations(ctx context.Context, limit int) ([]models.DealAutomation, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+automationColumns+` FROM deal_automations
		 WHERE status = ? AND flow_id IS NOT NULL AND flow_id <> ''
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(models.AutomationStatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending automations: %w", err)
	}
	return collectAutomations(rows)
}

// ListAwaitingReply returns dispatched automations with a contact phone.
func (s *SQLStore) ListAwaitingReply(ctx context.Context) ([]models.DealAutomation, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+automationColumns+` FROM deal_automations
		 WHERE status IN (`+statusList(models.DispatchedAutomationStatuses)+`)
		   AND contact_phone IS NOT NULL AND contact_phone <> ''
		 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list automations awaiting reply: %w", err)
	}
	return collectAutomations(rows)
}

// ListExpiredAutomations returns up to limit dispatched automations whose deadline passed.
func (s *SQLStore) ListExpiredAutomations(ctx context.Context, now time.Time, limit int) ([]models.DealAutomation, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+automationColumns+` FROM deal_automations
		 WHERE status IN (`+statusList(models.DispatchedAutomationStatuses)+`) AND wait_until <= ?
		 ORDER BY wait_until ASC, id ASC LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired automations: %w", err)
	}
	return collectAutomations(rows)
}

// TransitionAutomation moves an automation to t.To only if its current status may
// reach t.To. A row that already moved on yields ErrStaleTransition.
func (s *SQLStore) TransitionAutomation(ctx context.Context, t AutomationTransition) error {
	from := models.PredecessorsOf(t.To)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing transitions to %s", models.ErrInvalidTransition, t.To)
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	set := `status = ?, updated_at = ?`
	args := []any{string(t.To), at}
	switch t.To {
	case models.AutomationStatusFlowSent:
		set += `, flow_sent_at = ?, conversation_id = ?, contact_phone = COALESCE(?, contact_phone)`
		args = append(args, at, nilIfEmpty(t.ConversationID), nilIfEmpty(t.ContactPhone))
	case models.AutomationStatusResponded:
		set += `, responded_at = ?`
		args = append(args, at)
	case models.AutomationStatusMoved:
		set += `, moved_at = ?`
		args = append(args, at)
	}
	args = append(args, t.ID)

	res, err := s.exec(ctx, s.db,
		`UPDATE deal_automations SET `+set+` WHERE id = ? AND status IN (`+statusList(from)+`)`, args...)
	if err != nil {
		slog.Error("SQLStore.TransitionAutomation failed", "error", err, "automationID", t.ID, "to", t.To)
		return fmt.Errorf("transition automation %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition automation %s: %w", t.ID, err)
	}
	if n == 0 {
		current, getErr := s.GetAutomation(ctx, t.ID)
		if getErr != nil {
			return getErr
		}
		if current == nil {
			return fmt.Errorf("%w: %s", models.ErrAutomationNotFound, t.ID)
		}
		return fmt.Errorf("%w: %s is %s, wanted -> %s", models.ErrStaleTransition, t.ID, current.Status, t.To)
	}
	slog.Debug("SQLStore.TransitionAutomation succeeded", "automationID", t.ID, "to", t.To)
	return nil
}

// AddAutomationLog appends an audit row.
func (s *SQLStore) AddAutomationLog(ctx context.Context, l models.AutomationLog) error {
	if l.ID == "" {
		l.ID = newID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	details, err := encodeStringMap(l.Details)
	if err != nil {
		return err
	}
	if _, err := s.exec(ctx, s.db,
		`INSERT INTO automation_logs (id, deal_automation_id, action, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.ID, l.DealAutomationID, string(l.Action), details, l.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert automation log: %w", err)
	}
	return nil
}

// ListAutomationLogs returns an automation's audit rows in insertion order.
func (s *SQLStore) ListAutomationLogs(ctx context.Context, automationID string) ([]models.AutomationLog, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, deal_automation_id, action, details, created_at FROM automation_logs
		 WHERE deal_automation_id = ? ORDER BY created_at ASC, id ASC`, automationID)
	if err != nil {
		return nil, fmt.Errorf("list automation logs: %w", err)
	}
	defer rows.Close()
	var out []models.AutomationLog
	for rows.Next() {
		var l models.AutomationLog
		var action string
		var details sql.NullString
		if err := rows.Scan(&l.ID, &l.DealAutomationID, &action, &details, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan automation log: %w", err)
		}
		l.Action = models.AutomationAction(action)
		l.Details = decodeStringMap(details, l.ID)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate automation logs: %w", err)
	}
	return out, nil
}
