package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/google/uuid"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZeroTime returns nil for a nil or zero time, otherwise the time in UTC.
func nilIfZeroTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}

// timePtr converts a scanned nullable time.
func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

// newID returns a fresh row identifier.
func newID() string {
	return uuid.New().String()
}

// encodeStringMap marshals a string map for a JSON column; empty maps are stored as NULL.
func encodeStringMap(m map[string]string) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal string map: %w", err)
	}
	return string(b), nil
}

// decodeStringMap unmarshals a JSON column, falling back to an empty map on corrupt data.
func decodeStringMap(raw sql.NullString, logKey string) map[string]string {
	m := make(map[string]string)
	if !raw.Valid || raw.String == "" {
		return m
	}
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		slog.Error("store.decodeStringMap: JSON unmarshal failed", "error", err, "key", logKey)
		return make(map[string]string)
	}
	return m
}

// statusList renders statuses as a quoted SQL IN list. Values come from typed constants only.
func statusList(statuses []models.AutomationStatus) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ", ")
}

const automationColumns = `id, organization_id, deal_id, stage_id, flow_id, conversation_id, contact_phone,
	status, wait_until, next_stage_id, flow_sent_at, responded_at, moved_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanAutomation scans a DealAutomation in automationColumns order.
func scanAutomation(row rowScanner) (models.DealAutomation, error) {
	var a models.DealAutomation
	var flowID, conversationID, contactPhone, nextStageID sql.NullString
	var flowSentAt, respondedAt, movedAt sql.NullTime
	var status string
	err := row.Scan(
		&a.ID, &a.OrganizationID, &a.DealID, &a.StageID, &flowID, &conversationID, &contactPhone,
		&status, &a.WaitUntil, &nextStageID, &flowSentAt, &respondedAt, &movedAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return a, err
	}
	a.Status = models.AutomationStatus(status)
	a.FlowID = flowID.String
	a.ConversationID = conversationID.String
	a.ContactPhone = contactPhone.String
	a.NextStageID = nextStageID.String
	a.WaitUntil = a.WaitUntil.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	a.FlowSentAt = timePtr(flowSentAt)
	a.RespondedAt = timePtr(respondedAt)
	a.MovedAt = timePtr(movedAt)
	return a, nil
}

// collectAutomations drains rows into a slice and closes them.
func collectAutomations(rows *sql.Rows) ([]models.DealAutomation, error) {
	defer rows.Close()
	var out []models.DealAutomation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deal automation failed: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deal automations failed: %w", err)
	}
	return out, nil
}
