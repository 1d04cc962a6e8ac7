// Package whatsapp wraps the Whatsmeow client for WhatsApp integration in FunnelPipe.
//
// It provides a messaging provider for a directly paired WhatsApp number and
// forwards inbound text messages to a handler.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/go-resty/resty/v2"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/funnelpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultMediaTimeout bounds downloading media before upload
	DefaultMediaTimeout = 60 * time.Second
)

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN          string // WhatsApp/whatsmeow database connection string
	QRPath         string // path to write login QR code
	NumericCode    bool   // use numeric login code instead of QR code
	OrganizationID string // organization inbound messages are attributed to
	ConnectionID   string // connection inbound messages are attributed to
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithBinding attributes inbound messages to an organization's connection.
func WithBinding(organizationID, connectionID string) Option {
	return func(o *Opts) {
		o.OrganizationID = organizationID
		o.ConnectionID = connectionID
	}
}

// Client wraps the Whatsmeow client and implements messaging.Provider.
type Client struct {
	waClient       *whatsmeow.Client
	http           *resty.Client
	organizationID string
	connectionID   string
}

// sqlDriver picks the whatsmeow store driver for a DSN.
func sqlDriver(dsn string) string {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres"
	}
	return "sqlite3"
}

// hasForeignKeys reports whether a SQLite DSN enables foreign keys.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// An unpaired device prints a login QR code (or numeric code) and waits for pairing.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := sqlDriver(dbDSN)
	if dbDriver == "sqlite3" && !hasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")
	return &Client{
		waClient:       waClient,
		http:           resty.New().SetTimeout(DefaultMediaTimeout),
		organizationID: cfg.OrganizationID,
		connectionID:   cfg.ConnectionID,
	}, nil
}

// Send delivers msg to phone. Media is downloaded from its URL and uploaded to WhatsApp.
func (c *Client) Send(ctx context.Context, conn models.Connection, phone string, msg models.OutboundMessage) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if phone == "" {
		return models.ErrEmptyRecipient
	}

	var wa *waE2E.Message
	if msg.HasMedia() {
		built, err := c.mediaMessage(ctx, msg)
		if err != nil {
			return err
		}
		wa = built
	} else {
		if msg.Text == "" {
			return models.ErrEmptyMessage
		}
		wa = &waE2E.Message{Conversation: proto.String(msg.Text)}
	}

	jid := types.NewJID(phone, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, wa); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", phone)
		return fmt.Errorf("failed to send message to %s: %w", phone, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", phone, "media", msg.MediaType)
	return nil
}

func (c *Client) mediaMessage(ctx context.Context, msg models.OutboundMessage) (*waE2E.Message, error) {
	resp, err := c.http.R().SetContext(ctx).Get(msg.MediaURL)
	if err != nil {
		return nil, fmt.Errorf("download media %s: %w", msg.MediaURL, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("download media %s: %s", msg.MediaURL, resp.Status())
	}
	data := resp.Body()
	mimetype := resp.Header().Get("Content-Type")
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = http.DetectContentType(data)
	}

	appInfo := mediaKind(msg.MediaType)
	up, err := c.waClient.Upload(ctx, data, appInfo)
	if err != nil {
		return nil, fmt.Errorf("upload media: %w", err)
	}
	return buildMediaMessage(msg, mimetype, up), nil
}

func mediaKind(t models.MediaType) whatsmeow.MediaType {
	switch t {
	case models.MediaTypeImage:
		return whatsmeow.MediaImage
	case models.MediaTypeVideo:
		return whatsmeow.MediaVideo
	case models.MediaTypeAudio:
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

// buildMediaMessage wraps an uploaded attachment in the message type WhatsApp expects.
func buildMediaMessage(msg models.OutboundMessage, mimetype string, up whatsmeow.UploadResponse) *waE2E.Message {
	var caption *string
	if msg.Text != "" {
		caption = proto.String(msg.Text)
	}
	switch msg.MediaType {
	case models.MediaTypeImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption: caption, Mimetype: proto.String(mimetype),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}}
	case models.MediaTypeVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption: caption, Mimetype: proto.String(mimetype),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}}
	case models.MediaTypeAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype: proto.String(mimetype), PTT: proto.Bool(true),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}}
	default:
		name := msg.FileName
		if name == "" {
			name = "document"
		}
		return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption: caption, Mimetype: proto.String(mimetype), FileName: proto.String(name),
			URL: proto.String(up.URL), DirectPath: proto.String(up.DirectPath),
			MediaKey: up.MediaKey, FileEncSHA256: up.FileEncSHA256, FileSHA256: up.FileSHA256,
			FileLength: proto.Uint64(up.FileLength),
		}}
	}
}

// Status reports the socket and login state of the paired device.
func (c *Client) Status(ctx context.Context, conn models.Connection) (models.ConnectionStatus, error) {
	if c.waClient == nil {
		return models.ConnectionStatus{Status: models.ConnectionStateUnknown, Error: "client not initialized"}, nil
	}
	st := models.ConnectionStatus{Status: models.ConnectionStateDisconnected, PhoneNumber: conn.PhoneNumber}
	switch {
	case c.waClient.IsConnected() && c.waClient.IsLoggedIn():
		st.Status = models.ConnectionStateConnected
	case c.waClient.IsConnected():
		st.Status = models.ConnectionStateConnecting
	}
	if c.waClient.Store != nil && c.waClient.Store.ID != nil {
		st.PhoneNumber = c.waClient.Store.ID.User
	}
	return st, nil
}

// OnMessage registers handler for inbound text and media messages from contacts.
func (c *Client) OnMessage(handler func(models.InboundMessage)) {
	if c.waClient == nil {
		slog.Warn("WhatsApp OnMessage: no client available")
		return
	}
	c.waClient.AddEventHandler(func(evt interface{}) {
		v, ok := evt.(*events.Message)
		if !ok {
			return
		}
		in, ok := c.inboundFromEvent(v)
		if !ok {
			return
		}
		handler(in)
	})
	slog.Debug("WhatsApp inbound handler registered", "connectionID", c.connectionID)
}

// inboundFromEvent converts a whatsmeow message event; ok is false for events to skip.
func (c *Client) inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	text, ok := messageText(evt.Message)
	media := models.MediaTypeNone
	if !ok {
		media, text = messageMedia(evt.Message)
		if media == models.MediaTypeNone {
			slog.Debug("WhatsApp ignoring unsupported message", "from", evt.Info.Sender.String())
			return models.InboundMessage{}, false
		}
	}
	return models.InboundMessage{
		OrganizationID: c.organizationID,
		ConnectionID:   c.connectionID,
		Phone:          evt.Info.Sender.User,
		Name:           evt.Info.PushName,
		Body:           text,
		MediaType:      media,
		Time:           evt.Info.Timestamp,
	}, true
}

// messageMedia reports the attachment kind of a message and its caption.
// Media URLs from WhatsApp are encrypted, so only the kind is kept.
func messageMedia(m *waE2E.Message) (models.MediaType, string) {
	switch {
	case m == nil:
		return models.MediaTypeNone, ""
	case m.ImageMessage != nil:
		return models.MediaTypeImage, m.GetImageMessage().GetCaption()
	case m.VideoMessage != nil:
		return models.MediaTypeVideo, m.GetVideoMessage().GetCaption()
	case m.AudioMessage != nil:
		return models.MediaTypeAudio, ""
	case m.DocumentMessage != nil:
		return models.MediaTypeDocument, m.GetDocumentMessage().GetCaption()
	}
	return models.MediaTypeNone, ""
}

// messageText extracts the plain text of a message, if any.
func messageText(m *waE2E.Message) (string, bool) {
	if m == nil {
		return "", false
	}
	if m.Conversation != nil {
		return m.GetConversation(), true
	}
	if m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != nil {
		return m.ExtendedTextMessage.GetText(), true
	}
	if m.ButtonsResponseMessage != nil {
		return m.GetButtonsResponseMessage().GetSelectedDisplayText(), true
	}
	if m.ListResponseMessage != nil {
		return m.GetListResponseMessage().GetTitle(), true
	}
	return "", false
}

// Disconnect closes the WhatsApp socket.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}
