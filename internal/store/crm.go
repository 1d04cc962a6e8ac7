package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const dealColumns = `id, organization_id, funnel_id, stage_id, contact_id, title, value, last_activity_at, created_at, updated_at`

// GetDeal retrieves a deal by id, or nil.
func (s *SQLStore) GetDeal(ctx context.Context, id string) (*models.Deal, error) {
	var d models.Deal
	var contactID sql.NullString
	var lastActivity sql.NullTime
	err := s.queryRow(ctx, s.db, `SELECT `+dealColumns+` FROM deals WHERE id = ?`, id).Scan(
		&d.ID, &d.OrganizationID, &d.FunnelID, &d.StageID, &contactID, &d.Title, &d.Value,
		&lastActivity, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get deal %s: %w", id, err)
	}
	d.ContactID = contactID.String
	d.LastActivityAt = timePtr(lastActivity)
	return &d, nil
}

// GetContact retrieves a contact by id, or nil.
func (s *SQLStore) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	var c models.Contact
	var name, email sql.NullString
	err := s.queryRow(ctx, s.db, `SELECT id, organization_id, name, phone, email FROM contacts WHERE id = ?`, id).
		Scan(&c.ID, &c.OrganizationID, &name, &c.Phone, &email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get contact %s: %w", id, err)
	}
	c.Name = name.String
	c.Email = email.String
	return &c, nil
}

// GetStage retrieves a funnel stage by id, or nil.
func (s *SQLStore) GetStage(ctx context.Context, id string) (*models.Stage, error) {
	var st models.Stage
	err := s.queryRow(ctx, s.db, `SELECT id, funnel_id, name, position FROM funnel_stages WHERE id = ?`, id).
		Scan(&st.ID, &st.FunnelID, &st.Name, &st.Position)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get stage %s: %w", id, err)
	}
	return &st, nil
}

// MoveDeal places a deal in a stage.
func (s *SQLStore) MoveDeal(ctx context.Context, m DealMove) error {
	at := m.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	set := `stage_id = ?, last_activity_at = ?, updated_at = ?`
	args := []any{m.StageID, at, at}
	if m.FunnelID != "" {
		set = `funnel_id = ?, ` + set
		args = append([]any{m.FunnelID}, args...)
	}
	where := `id = ?`
	args = append(args, m.DealID)
	if m.FromStageID != "" {
		where += ` AND stage_id = ?`
		args = append(args, m.FromStageID)
	}

	res, err := s.exec(ctx, s.db, `UPDATE deals SET `+set+` WHERE `+where, args...)
	if err != nil {
		slog.Error("SQLStore.MoveDeal failed", "error", err, "dealID", m.DealID, "stageID", m.StageID)
		return fmt.Errorf("move deal %s: %w", m.DealID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("move deal %s: %w", m.DealID, err)
	}
	if n == 0 {
		current, getErr := s.GetDeal(ctx, m.DealID)
		if getErr != nil {
			return getErr
		}
		if current == nil {
			return fmt.Errorf("%w: %s", models.ErrDealNotFound, m.DealID)
		}
		return fmt.Errorf("%w: %s is in %s, expected %s", models.ErrDealStageChanged, m.DealID, current.StageID, m.FromStageID)
	}
	slog.Debug("SQLStore.MoveDeal succeeded", "dealID", m.DealID, "funnelID", m.FunnelID, "stageID", m.StageID)
	return nil
}

// TouchDeal stamps recent activity on a deal.
func (s *SQLStore) TouchDeal(ctx context.Context, dealID string, at time.Time) error {
	at = at.UTC()
	if _, err := s.exec(ctx, s.db, `UPDATE deals SET last_activity_at = ?, updated_at = ? WHERE id = ?`, at, at, dealID); err != nil {
		return fmt.Errorf("touch deal %s: %w", dealID, err)
	}
	return nil
}

// AddDealHistory appends a stage movement record.
func (s *SQLStore) AddDealHistory(ctx context.Context, h models.DealHistory) error {
	if h.ID == "" {
		h.ID = newID()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	if _, err := s.exec(ctx, s.db,
		`INSERT INTO deal_history (id, deal_id, from_stage_id, to_stage_id, action, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.DealID, nilIfEmpty(h.FromStageID), h.ToStageID, h.Action, nilIfEmpty(h.Notes), h.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert deal history: %w", err)
	}
	return nil
}

// ListDealHistory returns a deal's stage movements, oldest first.
func (s *SQLStore) ListDealHistory(ctx context.Context, dealID string) ([]models.DealHistory, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT id, deal_id, from_stage_id, to_stage_id, action, notes, created_at FROM deal_history
		 WHERE deal_id = ? ORDER BY created_at ASC, id ASC`, dealID)
	if err != nil {
		return nil, fmt.Errorf("list deal history: %w", err)
	}
	defer rows.Close()
	var out []models.DealHistory
	for rows.Next() {
		var h models.DealHistory
		var from, notes sql.NullString
		if err := rows.Scan(&h.ID, &h.DealID, &from, &h.ToStageID, &h.Action, &notes, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deal history: %w", err)
		}
		h.FromStageID = from.String
		h.Notes = notes.String
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deal history: %w", err)
	}
	return out, nil
}

// CreateFunnel inserts a funnel.
func (s *SQLStore) CreateFunnel(ctx context.Context, f models.Funnel) (*models.Funnel, error) {
	if f.ID == "" {
		f.ID = newID()
	}
	if _, err := s.exec(ctx, s.db, `INSERT INTO funnels (id, organization_id, name) VALUES (?, ?, ?)`,
		f.ID, f.OrganizationID, f.Name); err != nil {
		return nil, fmt.Errorf("insert funnel: %w", err)
	}
	return &f, nil
}

// CreateStage inserts a funnel stage.
func (s *SQLStore) CreateStage(ctx context.Context, st models.Stage) (*models.Stage, error) {
	if st.ID == "" {
		st.ID = newID()
	}
	if _, err := s.exec(ctx, s.db, `INSERT INTO funnel_stages (id, funnel_id, name, position) VALUES (?, ?, ?, ?)`,
		st.ID, st.FunnelID, st.Name, st.Position); err != nil {
		return nil, fmt.Errorf("insert stage: %w", err)
	}
	return &st, nil
}

// CreateContact inserts a contact.
func (s *SQLStore) CreateContact(ctx context.Context, c models.Contact) (*models.Contact, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if _, err := s.exec(ctx, s.db, `INSERT INTO contacts (id, organization_id, name, phone, email) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, nilIfEmpty(c.Name), c.Phone, nilIfEmpty(c.Email)); err != nil {
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	return &c, nil
}

// CreateDeal inserts a deal.
func (s *SQLStore) CreateDeal(ctx context.Context, d models.Deal) (*models.Deal, error) {
	now := time.Now().UTC()
	if d.ID == "" {
		d.ID = newID()
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	if _, err := s.exec(ctx, s.db,
		`INSERT INTO deals (`+dealColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.OrganizationID, d.FunnelID, d.StageID, nilIfEmpty(d.ContactID), d.Title, d.Value,
		nilIfZeroTime(d.LastActivityAt), d.CreatedAt, d.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert deal: %w", err)
	}
	return &d, nil
}
