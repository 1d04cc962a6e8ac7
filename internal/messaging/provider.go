// Package messaging routes outbound WhatsApp messages to the provider a connection uses.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// MinPhoneDigits is the shortest recipient accepted after canonicalization.
const MinPhoneDigits = 6

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Provider delivers messages through one WhatsApp gateway.
type Provider interface {
	// Send delivers msg to phone over conn. phone is already canonical.
	Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error
	// Status reports the live state of conn.
	Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error)
}

// Sender is what flow execution needs from messaging.
type Sender interface {
	Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error
}

// CanonicalPhone strips every non-digit and validates the remaining length.
func CanonicalPhone(recipient string) (string, error) {
	if recipient == "" {
		return "", models.ErrEmptyRecipient
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("messaging.CanonicalPhone: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// Router dispatches to the provider registered for a connection's provider kind.
type Router struct {
	mu        sync.RWMutex
	providers map[models.Provider]Provider
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{providers: make(map[models.Provider]Provider)}
}

// Register binds a provider kind to an implementation, replacing any previous one.
func (r *Router) Register(kind models.Provider, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[kind] = p
	slog.Debug("Router.Register", "provider", kind)
}

func (r *Router) provider(kind models.Provider) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrProviderUnsupported, kind)
	}
	return p, nil
}

// Send canonicalizes phone and delivers msg through conn's provider.
func (r *Router) Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error {
	if msg.Text == "" && !msg.HasMedia() {
		return models.ErrEmptyMessage
	}
	canonical, err := CanonicalPhone(phone)
	if err != nil {
		return err
	}
	p, err := r.provider(conn.Provider)
	if err != nil {
		return err
	}
	slog.Debug("Router.Send", "connectionID", conn.ID, "provider", conn.Provider, "to", canonical, "media", msg.MediaType)
	if err := p.Send(ctx, conn, canonical, msg); err != nil {
		slog.Error("Router.Send failed", "error", err, "connectionID", conn.ID, "provider", conn.Provider, "to", canonical)
		return err
	}
	return nil
}

// Status reports the live state of conn through its provider.
func (r *Router) Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error) {
	p, err := r.provider(conn.Provider)
	if err != nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: err.Error()}, err
	}
	return p.Status(ctx, conn)
}
