// Package wapi delivers WhatsApp messages through the W-API gateway.
package wapi

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/Jeffail/gabs/v2"
	"github.com/go-resty/resty/v2"
)

// DefaultBaseURL is used when a connection carries no API URL.
const DefaultBaseURL = "https://api.w-api.app"

// DefaultTimeout bounds each gateway request.
const DefaultTimeout = 30 * time.Second

// Opts holds configuration options for the W-API provider.
type Opts struct {
	BaseURL    string
	Timeout    time.Duration
	RetryCount int
}

// Option defines a configuration option for the W-API provider.
type Option func(*Opts)

// WithBaseURL overrides the default gateway URL for connections that carry none.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithRetryCount sets how many times a failed request is retried.
func WithRetryCount(n int) Option {
	return func(o *Opts) { o.RetryCount = n }
}

// Provider implements messaging.Provider against W-API. A connection's
// InstanceName is the W-API instance id and APIKey its bearer token.
type Provider struct {
	client  *resty.Client
	baseURL string
}

// New creates a W-API provider.
func New(opts ...Option) *Provider {
	cfg := Opts{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout, RetryCount: 2}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Provider{
		client: resty.New().
			SetTimeout(cfg.Timeout).
			SetRetryCount(cfg.RetryCount).
			SetHeader("Content-Type", "application/json"),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
	}
}

func (p *Provider) request(ctx context.Context, conn models.Connection) (*resty.Request, string, error) {
	if conn.InstanceName == "" {
		return nil, "", fmt.Errorf("wapi connection %s: instance id is required", conn.ID)
	}
	base := p.baseURL
	if conn.APIURL != "" {
		base = strings.TrimRight(conn.APIURL, "/")
	}
	req := p.client.R().
		SetContext(ctx).
		SetAuthToken(conn.APIKey).
		SetQueryParam("instanceId", conn.InstanceName)
	return req, base, nil
}

// payload maps msg onto the W-API endpoint and body for its media type.
func payload(phone string, msg models.OutboundMessage) (string, map[string]any) {
	body := map[string]any{"phone": phone}
	if !msg.HasMedia() {
		body["message"] = msg.Text
		return "/v1/message/send-text", body
	}
	switch msg.MediaType {
	case models.MediaTypeImage:
		body["image"] = msg.MediaURL
	case models.MediaTypeVideo:
		body["video"] = msg.MediaURL
	case models.MediaTypeAudio:
		body["audio"] = msg.MediaURL
		return "/v1/message/send-audio", body
	default:
		body["document"] = msg.MediaURL
		name := msg.FileName
		if name == "" {
			name = path.Base(msg.MediaURL)
		}
		body["fileName"] = name
		if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" {
			body["extension"] = ext
		}
		if msg.Text != "" {
			body["caption"] = msg.Text
		}
		return "/v1/message/send-document", body
	}
	if msg.Text != "" {
		body["caption"] = msg.Text
	}
	return "/v1/message/send-" + string(msg.MediaType), body
}

// Send delivers msg to phone.
func (p *Provider) Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error {
	req, base, err := p.request(ctx, conn)
	if err != nil {
		return err
	}
	endpoint, body := payload(phone, msg)
	resp, err := req.SetBody(body).Post(base + endpoint)
	if err != nil {
		slog.Error("WAPI.Send request failed", "error", err, "connectionID", conn.ID, "to", phone)
		return fmt.Errorf("wapi send to %s: %w", phone, err)
	}
	if resp.IsError() {
		slog.Error("WAPI.Send rejected", "status", resp.StatusCode(), "connectionID", conn.ID, "to", phone)
		return fmt.Errorf("wapi send to %s: %s: %s", phone, resp.Status(), errorMessage(resp.Body()))
	}
	// W-API may answer 200 with {"error": true, "message": "..."}.
	if parsed, perr := gabs.ParseJSON(resp.Body()); perr == nil {
		if failed, _ := parsed.Path("error").Data().(bool); failed {
			return fmt.Errorf("wapi send to %s: %s", phone, errorMessage(resp.Body()))
		}
	}
	slog.Debug("WAPI.Send succeeded", "connectionID", conn.ID, "to", phone, "endpoint", endpoint)
	return nil
}

// Status queries the instance state.
func (p *Provider) Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error) {
	req, base, err := p.request(ctx, conn)
	if err != nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: err.Error()}, err
	}
	resp, err := req.Get(base + "/v1/instance/status-instance")
	if err != nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: err.Error()}, fmt.Errorf("wapi status: %w", err)
	}
	if resp.IsError() {
		msg := errorMessage(resp.Body())
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: msg}, fmt.Errorf("wapi status: %s: %s", resp.Status(), msg)
	}
	parsed, err := gabs.ParseJSON(resp.Body())
	if err != nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: err.Error()}, fmt.Errorf("wapi status: %w", err)
	}

	st := models.ConnectionStatus{Status: models.ConnectionStateUnknown, PhoneNumber: conn.PhoneNumber}
	if connected, ok := parsed.Path("connected").Data().(bool); ok {
		st.Status = models.ConnectionStateDisconnected
		if connected {
			st.Status = models.ConnectionStateConnected
		}
	} else if state, ok := parsed.Path("status").Data().(string); ok {
		switch strings.ToLower(state) {
		case "connected", "open":
			st.Status = models.ConnectionStateConnected
		case "disconnected", "close", "closed":
			st.Status = models.ConnectionStateDisconnected
		case "connecting", "qrcode":
			st.Status = models.ConnectionStateConnecting
		}
	}
	if phone, ok := parsed.Path("connectedPhone").Data().(string); ok && phone != "" {
		st.PhoneNumber = phone
	}
	slog.Debug("WAPI.Status", "connectionID", conn.ID, "status", st.Status)
	return st, nil
}

func errorMessage(body []byte) string {
	parsed, err := gabs.ParseJSON(body)
	if err != nil {
		return strings.TrimSpace(string(body))
	}
	if msg, ok := parsed.Path("message").Data().(string); ok && msg != "" {
		return msg
	}
	return strings.TrimSpace(string(body))
}
