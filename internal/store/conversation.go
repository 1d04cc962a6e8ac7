package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

const connectionColumns = `id, organization_id, provider, instance_name, api_url, api_key, phone_number, status, created_at`

func scanConnection(row rowScanner) (models.Connection, error) {
	var c models.Connection
	var provider string
	var instance, apiURL, apiKey, phone sql.NullString
	err := row.Scan(&c.ID, &c.OrganizationID, &provider, &instance, &apiURL, &apiKey, &phone, &c.Status, &c.CreatedAt)
	if err != nil {
		return c, err
	}
	c.Provider = models.Provider(provider)
	c.InstanceName = instance.String
	c.APIURL = apiURL.String
	c.APIKey = apiKey.String
	c.PhoneNumber = phone.String
	return c, nil
}

// CreateConnection inserts a WhatsApp connection.
func (s *SQLStore) CreateConnection(ctx context.Context, c models.Connection) (*models.Connection, error) {
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = string(models.ConnectionStateConnected)
	}
	c.CreatedAt = time.Now().UTC()
	_, err := s.exec(ctx, s.db,
		`INSERT INTO whatsapp_connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, string(c.Provider), nilIfEmpty(c.InstanceName), nilIfEmpty(c.APIURL),
		nilIfEmpty(c.APIKey), nilIfEmpty(c.PhoneNumber), c.Status, c.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert connection: %w", err)
	}
	return &c, nil
}

// GetConnection retrieves a connection by id, or nil.
func (s *SQLStore) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	c, err := scanConnection(s.queryRow(ctx, s.db, `SELECT `+connectionColumns+` FROM whatsapp_connections WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connection %s: %w", id, err)
	}
	return &c, nil
}

// GetOrganizationConnection prefers a connected connection, then the oldest one.
func (s *SQLStore) GetOrganizationConnection(ctx context.Context, organizationID string) (*models.Connection, error) {
	c, err := scanConnection(s.queryRow(ctx, s.db,
		`SELECT `+connectionColumns+` FROM whatsapp_connections WHERE organization_id = ?
		 ORDER BY CASE WHEN status = 'connected' THEN 0 ELSE 1 END, created_at ASC LIMIT 1`, organizationID))
	if err == sql.ErrNoRows {
		slog.Debug("SQLStore.GetOrganizationConnection: none", "organizationID", organizationID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get organization connection: %w", err)
	}
	return &c, nil
}

const conversationColumns = `id, organization_id, connection_id, contact_phone, contact_name, status, last_message_at, created_at, updated_at`

func scanConversation(row rowScanner) (models.Conversation, error) {
	var c models.Conversation
	var name sql.NullString
	var last sql.NullTime
	err := row.Scan(&c.ID, &c.OrganizationID, &c.ConnectionID, &c.ContactPhone, &name, &c.Status, &last, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.ContactName = name.String
	c.LastMessageAt = timePtr(last)
	return c, nil
}

// GetConversation retrieves a conversation by id, or nil.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	c, err := scanConversation(s.queryRow(ctx, s.db, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return &c, nil
}

// FindOrCreateConversation returns the conversation for (ConnectionID, ContactPhone).
// A missing contact name on the existing row is filled in from c.
func (s *SQLStore) FindOrCreateConversation(ctx context.Context, c models.Conversation) (*models.Conversation, error) {
	existing, err := scanConversation(s.queryRow(ctx, s.db,
		`SELECT `+conversationColumns+` FROM conversations WHERE connection_id = ? AND contact_phone = ?`,
		c.ConnectionID, c.ContactPhone))
	switch {
	case err == nil:
		if existing.ContactName == "" && c.ContactName != "" {
			if _, err := s.exec(ctx, s.db, `UPDATE conversations SET contact_name = ?, updated_at = ? WHERE id = ?`,
				c.ContactName, time.Now().UTC(), existing.ID); err != nil {
				return nil, fmt.Errorf("update conversation name: %w", err)
			}
			existing.ContactName = c.ContactName
		}
		return &existing, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = newID()
	}
	if c.Status == "" {
		c.Status = models.ConversationStatusOpen
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err = s.exec(ctx, s.db,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, c.ConnectionID, c.ContactPhone, nilIfEmpty(c.ContactName), c.Status,
		nilIfZeroTime(c.LastMessageAt), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a creation race; the winner's row is the conversation.
			return s.FindOrCreateConversation(ctx, c)
		}
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	slog.Debug("SQLStore.FindOrCreateConversation: created", "conversationID", c.ID, "phone", c.ContactPhone)
	return &c, nil
}

// TouchConversation records activity on a conversation.
func (s *SQLStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	_, err := s.exec(ctx, s.db, `UPDATE conversations SET last_message_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("touch conversation %s: %w", id, err)
	}
	return nil
}

// AddMessage stores one chat message.
func (s *SQLStore) AddMessage(ctx context.Context, m models.Message) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := s.exec(ctx, s.db,
		`INSERT INTO messages (id, organization_id, conversation_id, contact_phone, from_me, body, media_type, media_url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.OrganizationID, m.ConversationID, m.ContactPhone, m.FromMe, nilIfEmpty(m.Body),
		nilIfEmpty(string(m.MediaType)), nilIfEmpty(m.MediaURL), m.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLStore.AddMessage failed", "error", err, "conversationID", m.ConversationID)
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// HasInboundMessageSince reports whether phone messaged the organization after since.
func (s *SQLStore) HasInboundMessageSince(ctx context.Context, organizationID, phone string, since time.Time) (bool, error) {
	var count int
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(1) FROM messages WHERE organization_id = ? AND contact_phone = ? AND from_me = ? AND created_at > ?`,
		organizationID, phone, false, since.UTC(),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("count inbound messages: %w", err)
	}
	return count > 0, nil
}
