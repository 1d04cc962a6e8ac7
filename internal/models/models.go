package models

import "time"

// Provider names the transport backing a WhatsApp connection.
type Provider string

const (
	ProviderEvolution Provider = "evolution"
	ProviderWAPI      Provider = "wapi"
	ProviderTwilio    Provider = "twilio"
	ProviderWhatsmeow Provider = "whatsmeow"
)

// Connection is an organization's configured WhatsApp number.
type Connection struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Provider       Provider  `json:"provider"`
	InstanceName   string    `json:"instance_name,omitempty"`
	APIURL         string    `json:"api_url,omitempty"`
	APIKey         string    `json:"-"`
	PhoneNumber    string    `json:"phone_number,omitempty"`
	Status         string    `json:"status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConnectionState is the normalized state a provider reports.
type ConnectionState string

const (
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateUnknown      ConnectionState = "unknown"
)

// ConnectionStatus is the result of a provider status check.
type ConnectionStatus struct {
	Status      ConnectionState `json:"status"`
	PhoneNumber string          `json:"phone_number,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// MediaType categorizes an outbound attachment.
type MediaType string

const (
	MediaTypeNone     MediaType = ""
	MediaTypeImage    MediaType = "image"
	MediaTypeVideo    MediaType = "video"
	MediaTypeAudio    MediaType = "audio"
	MediaTypeDocument MediaType = "document"
)

// OutboundMessage is the uniform payload every provider accepts.
type OutboundMessage struct {
	Text      string    `json:"text,omitempty"`
	MediaType MediaType `json:"media_type,omitempty"`
	MediaURL  string    `json:"media_url,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
}

// HasMedia reports whether the message carries an attachment.
func (m OutboundMessage) HasMedia() bool {
	return m.MediaType != MediaTypeNone && m.MediaURL != ""
}

// Conversation binds a contact phone to a connection.
type Conversation struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	ConnectionID   string     `json:"connection_id"`
	ContactPhone   string     `json:"contact_phone"`
	ContactName    string     `json:"contact_name,omitempty"`
	Status         string     `json:"status"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Conversation status values.
const (
	ConversationStatusOpen   = "open"
	ConversationStatusClosed = "closed"
)

// Message is one stored chat message.
type Message struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ConversationID string    `json:"conversation_id"`
	ContactPhone   string    `json:"contact_phone"`
	FromMe         bool      `json:"from_me"`
	Body           string    `json:"body,omitempty"`
	MediaType      MediaType `json:"media_type,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// InboundMessage is a customer message as delivered by a provider or webhook.
type InboundMessage struct {
	OrganizationID string    `json:"organization_id"`
	ConnectionID   string    `json:"connection_id"`
	Phone          string    `json:"phone"`
	Name           string    `json:"name,omitempty"`
	Body           string    `json:"body"`
	MediaType      MediaType `json:"media_type,omitempty"`
	MediaURL       string    `json:"media_url,omitempty"`
	Time           time.Time `json:"time"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusSkipped indicates the request was accepted but nothing was done.
	APIStatusSkipped APIStatus = "skipped"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Skipped creates a response for a request that was a no-op.
func Skipped(message string) APIResponse {
	return APIResponse{Status: string(APIStatusSkipped), Message: message}
}
