// Package evolution delivers WhatsApp messages through an Evolution API instance.
package evolution

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"
)

// Constants for Evolution API client configuration
const (
	DefaultTimeout    = 30 * time.Second
	DefaultRetryCount = 2
	DefaultRetryWait  = 500 * time.Millisecond
)

// Opts holds configuration options for the Evolution provider.
type Opts struct {
	Timeout    time.Duration
	RetryCount int
	Debug      bool
}

// Option defines a configuration option for the Evolution provider.
type Option func(*Opts)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetryCount sets how many times a failed request is retried.
func WithRetryCount(n int) Option {
	return func(o *Opts) { o.RetryCount = n }
}

// WithDebug enables resty request logging.
func WithDebug() Option {
	return func(o *Opts) { o.Debug = true }
}

// Provider implements messaging.Provider against Evolution API. The base URL,
// instance name and API key come from each connection.
type Provider struct {
	client *resty.Client
}

// New creates an Evolution provider.
func New(opts ...Option) *Provider {
	cfg := Opts{Timeout: DefaultTimeout, RetryCount: DefaultRetryCount}
	for _, opt := range opts {
		opt(&cfg)
	}
	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(DefaultRetryWait).
		SetDebug(cfg.Debug).
		SetHeader("Content-Type", "application/json")
	return &Provider{client: client}
}

func (p *Provider) endpoint(conn models.Connection, path string) (string, error) {
	if conn.APIURL == "" || conn.InstanceName == "" {
		return "", fmt.Errorf("evolution connection %s: api url and instance name are required", conn.ID)
	}
	return strings.TrimRight(conn.APIURL, "/") + path + "/" + conn.InstanceName, nil
}

// Send delivers msg. Audio goes through the voice-note endpoint, other media through sendMedia.
func (p *Provider) Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error {
	var path string
	body := map[string]any{"number": phone}
	switch {
	case !msg.HasMedia():
		path = "/message/sendText"
		body["text"] = msg.Text
	case msg.MediaType == models.MediaTypeAudio:
		path = "/message/sendWhatsAppAudio"
		body["audio"] = msg.MediaURL
	default:
		path = "/message/sendMedia"
		body["mediatype"] = string(msg.MediaType)
		body["media"] = msg.MediaURL
		if msg.Text != "" {
			body["caption"] = msg.Text
		}
		if msg.FileName != "" {
			body["fileName"] = msg.FileName
		}
	}

	url, err := p.endpoint(conn, path)
	if err != nil {
		return err
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("apikey", conn.APIKey).
		SetBody(body).
		Post(url)
	if err != nil {
		slog.Error("Evolution.Send request failed", "error", err, "connectionID", conn.ID, "to", phone)
		return fmt.Errorf("evolution send to %s: %w", phone, err)
	}
	if resp.IsError() {
		slog.Error("Evolution.Send rejected", "status", resp.StatusCode(), "connectionID", conn.ID, "to", phone)
		return fmt.Errorf("evolution send to %s: %s: %s", phone, resp.Status(), errorMessage(resp.Body()))
	}
	slog.Debug("Evolution.Send succeeded", "connectionID", conn.ID, "to", phone, "path", path)
	return nil
}

// Status queries the instance connection state. "open" means connected.
func (p *Provider) Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error) {
	url, err := p.endpoint(conn, "/instance/connectionState")
	if err != nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: err.Error()}, err
	}
	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("apikey", conn.APIKey).
		Get(url)
	if err != nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: err.Error()}, fmt.Errorf("evolution status: %w", err)
	}
	if resp.IsError() {
		msg := errorMessage(resp.Body())
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: msg},
			fmt.Errorf("evolution status: %s: %s", resp.Status(), msg)
	}

	parsed, err := gabs.ParseJSON(resp.Body())
	if err != nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: err.Error()}, fmt.Errorf("evolution status: %w", err)
	}
	state, _ := parsed.Path("instance.state").Data().(string)
	if state == "" {
		state, _ = parsed.Path("state").Data().(string)
	}
	st := models.ConnectionStatus{Status: normalizeState(state), PhoneNumber: conn.PhoneNumber}
	if owner, ok := parsed.Path("instance.owner").Data().(string); ok && owner != "" {
		st.PhoneNumber = strings.SplitN(owner, "@", 2)[0]
	}
	slog.Debug("Evolution.Status", "connectionID", conn.ID, "state", state)
	return st, nil
}

func normalizeState(state string) models.ConnectionState {
	switch strings.ToLower(state) {
	case "open":
		return models.ConnectionStateConnected
	case "connecting":
		return models.ConnectionStateConnecting
	case "close", "closed":
		return models.ConnectionStateDisconnected
	default:
		return models.ConnectionStateUnknown
	}
}

// errorMessage pulls a readable message out of an Evolution error body.
func errorMessage(body []byte) string {
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, path := range []string{"response.message", "message", "error"} {
		if !parsed.ExistsP(path) {
			continue
		}
		switch v := parsed.Path(path).Data().(type) {
		case string:
			return v
		case []any:
			parts := make([]string, 0, len(v))
			for _, item := range v {
				parts = append(parts, fmt.Sprint(item))
			}
			return strings.Join(parts, "; ")
		}
	}
	return strings.TrimSpace(string(body))
}
