package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	created []*twilioApi.CreateMessageParams
	status  string
	err     error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created = append(f.created, params)
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func (f *fakeAPI) FetchAccount(sid string) (*twilioApi.ApiV2010Account, error) {
	if f.err != nil {
		return nil, f.err
	}
	status := f.status
	return &twilioApi.ApiV2010Account{Status: &status}, nil
}

func TestSendTextAndMedia(t *testing.T) {
	api := &fakeAPI{}
	c, err := NewClient(withAPI(api), WithFromWhats("+15550001111"))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	ctx := context.Background()
	conn := models.Connection{ID: "c1", Provider: models.ProviderTwilio}

	if err := c.Send(ctx, conn, "5511999990000", models.OutboundMessage{Text: "Hello Test"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := c.Send(ctx, conn, "5511999990000", models.OutboundMessage{Text: "Foto", MediaType: models.MediaTypeImage, MediaURL: "https://cdn/x.png"}); err != nil {
		t.Fatalf("media Send failed: %v", err)
	}
	if len(api.created) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(api.created))
	}
	first := api.created[0]
	if *first.To != "whatsapp:+5511999990000" || *first.From != "whatsapp:+15550001111" || *first.Body != "Hello Test" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *first.To, *first.From, *first.Body)
	}
	if first.MediaUrl != nil {
		t.Errorf("text message should not carry media")
	}
	second := api.created[1]
	if second.MediaUrl == nil || (*second.MediaUrl)[0] != "https://cdn/x.png" {
		t.Errorf("media url not attached: %+v", second.MediaUrl)
	}
}

func TestSendPrefersConnectionNumber(t *testing.T) {
	api := &fakeAPI{}
	c, _ := NewClient(withAPI(api), WithFromWhats("+15550001111"))
	conn := models.Connection{ID: "c1", PhoneNumber: "5511900001111"}
	if err := c.Send(context.Background(), conn, "5511999990000", models.OutboundMessage{Text: "x"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if *api.created[0].From != "whatsapp:+5511900001111" {
		t.Errorf("expected connection number as sender, got %s", *api.created[0].From)
	}
}

func TestSendWithoutSender(t *testing.T) {
	c, _ := NewClient(withAPI(&fakeAPI{}))
	c.fromWhats = ""
	if err := c.Send(context.Background(), models.Connection{ID: "c1"}, "5511999990000", models.OutboundMessage{Text: "x"}); err == nil {
		t.Error("expected error without any sender number")
	}
}

func TestSendError(t *testing.T) {
	c, _ := NewClient(withAPI(&fakeAPI{err: errors.New("boom")}), WithFromWhats("+1555"))
	if err := c.Send(context.Background(), models.Connection{}, "5511999990000", models.OutboundMessage{Text: "x"}); err == nil {
		t.Error("expected API error to propagate")
	}
}

func TestStatus(t *testing.T) {
	c, _ := NewClient(withAPI(&fakeAPI{status: "active"}), WithFromWhats("+15550001111"))
	st, err := c.Status(context.Background(), models.Connection{})
	if err != nil || st.Status != models.ConnectionStateConnected || st.PhoneNumber != "+15550001111" {
		t.Errorf("unexpected status %+v %v", st, err)
	}
	c, _ = NewClient(withAPI(&fakeAPI{status: "suspended"}), WithFromWhats("+15550001111"))
	st, _ = c.Status(context.Background(), models.Connection{})
	if st.Status != models.ConnectionStateDisconnected {
		t.Errorf("suspended account should be disconnected, got %s", st.Status)
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
}
