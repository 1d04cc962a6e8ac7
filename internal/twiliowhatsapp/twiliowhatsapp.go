// Package twiliowhatsapp delivers WhatsApp messages through the Twilio API.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// messageAPI is the subset of the Twilio REST API the provider calls.
type messageAPI interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
	FetchAccount(sid string) (*twilioApi.ApiV2010Account, error)
}

// Opts holds configuration options for the Twilio WhatsApp client.
// This focuses solely on Twilio API requirements
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
	api        messageAPI
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the default sender number.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

func withAPI(api messageAPI) Option {
	return func(o *Opts) { o.api = api }
}

// Client implements messaging.Provider on the Twilio REST API.
type Client struct {
	api        messageAPI
	accountSID string
	fromWhats  string // WhatsApp number in "whatsapp:+1234567890" format
}

// NewClient creates a Twilio provider. Credentials fall back to TWILIO_* environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.api == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, fmt.Errorf("account SID and auth token must be provided")
		}
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		cfg.api = rest.Api
	}

	return &Client{
		api:        cfg.api,
		accountSID: cfg.AccountSID,
		fromWhats:  whatsappAddress(cfg.FromWhats),
	}, nil
}

// whatsappAddress formats a number as a Twilio WhatsApp address.
func whatsappAddress(number string) string {
	if number == "" || strings.HasPrefix(number, "whatsapp:") {
		return number
	}
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	return "whatsapp:" + number
}

// sender picks the connection's own number, falling back to the configured one.
func (c *Client) sender(conn models.Connection) (string, error) {
	if conn.PhoneNumber != "" {
		return whatsappAddress(conn.PhoneNumber), nil
	}
	if c.fromWhats == "" {
		return "", fmt.Errorf("twilio connection %s: no sender number", conn.ID)
	}
	return c.fromWhats, nil
}

// Send sends a WhatsApp message using Twilio API. Media is attached by URL.
func (c *Client) Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error {
	from, err := c.sender(conn)
	if err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsappAddress(phone))
	params.SetFrom(from)
	if msg.Text != "" {
		params.SetBody(msg.Text)
	}
	if msg.HasMedia() {
		params.SetMediaUrl([]string{msg.MediaURL})
	}

	resp, err := c.api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio SendMessage failed", "to", phone, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", phone, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", phone, "sid", sid, "media", msg.MediaType)
	return nil
}

// Status reports the Twilio account state; an active account counts as connected.
func (c *Client) Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error) {
	from, _ := c.sender(conn)
	st := models.ConnectionStatus{Status: models.ConnectionStateUnknown, PhoneNumber: strings.TrimPrefix(from, "whatsapp:")}
	account, err := c.api.FetchAccount(c.accountSID)
	if err != nil {
		st.Error = err.Error()
		return st, fmt.Errorf("twilio status: %w", err)
	}
	if account != nil && account.Status != nil {
		switch *account.Status {
		case "active":
			st.Status = models.ConnectionStateConnected
		case "suspended", "closed":
			st.Status = models.ConnectionStateDisconnected
		}
	}
	return st, nil
}
