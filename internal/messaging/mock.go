package messaging

import (
	"context"
	"sync"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

// SentMessage is one delivery recorded by MockProvider.
type SentMessage struct {
	ConnectionID string
	To           string
	Message      models.OutboundMessage
}

// MockProvider records sends instead of delivering them (for tests).
type MockProvider struct {
	mu   sync.Mutex
	sent []SentMessage

	// SendErr, when set, is returned by every Send and nothing is recorded.
	SendErr error
	// State is returned by Status; the zero value reports connected.
	State models.ConnectionState
}

// NewMockProvider creates a recording provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{ConnectionID: conn.ID, To: phone, Message: msg})
	return nil
}

func (m *MockProvider) Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error) {
	state := m.State
	if state == "" {
		state = models.ConnectionStateConnected
	}
	return models.ConnectionStatus{Status: state, PhoneNumber: conn.PhoneNumber}, nil
}

// Sent returns a copy of every recorded delivery in order.
func (m *MockProvider) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Texts returns the text of every recorded delivery in order.
func (m *MockProvider) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sent))
	for _, s := range m.sent {
		out = append(out, s.Message.Text)
	}
	return out
}

// Reset clears the recorded deliveries.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = nil
}
