package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/models"
)

func TestCanonicalPhone(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+55 (11) 99999-0000", "5511999990000", false},
		{"5511999990000", "5511999990000", false},
		{"5511999990000@s.whatsapp.net", "5511999990000", false},
		{"", "", true},
		{"abc", "", true},
		{"12345", "", true},
	}
	for _, tt := range tests {
		got, err := CanonicalPhone(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("CanonicalPhone(%q) expected error, got %q", tt.in, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("CanonicalPhone(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := CanonicalPhone(""); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("empty recipient should be ErrEmptyRecipient, got %v", err)
	}
}

func TestRouterSend(t *testing.T) {
	ctx := context.Background()
	router := NewRouter()
	evo := NewMockProvider()
	router.Register(models.ProviderEvolution, evo)

	conn := models.Connection{ID: "c1", Provider: models.ProviderEvolution}
	if err := router.Send(ctx, conn, "+55 11 99999-0000", models.OutboundMessage{Text: "Hi"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sent := evo.Sent()
	if len(sent) != 1 || sent[0].To != "5511999990000" || sent[0].Message.Text != "Hi" || sent[0].ConnectionID != "c1" {
		t.Errorf("unexpected sends: %+v", sent)
	}

	err := router.Send(ctx, models.Connection{Provider: models.ProviderWAPI}, "5511999990000", models.OutboundMessage{Text: "Hi"})
	if !errors.Is(err, models.ErrProviderUnsupported) {
		t.Errorf("expected ErrProviderUnsupported, got %v", err)
	}
	if err := router.Send(ctx, conn, "5511999990000", models.OutboundMessage{}); !errors.Is(err, models.ErrEmptyMessage) {
		t.Errorf("expected ErrEmptyMessage, got %v", err)
	}
	if err := router.Send(ctx, conn, "", models.OutboundMessage{Text: "x"}); !errors.Is(err, models.ErrEmptyRecipient) {
		t.Errorf("expected ErrEmptyRecipient, got %v", err)
	}

	// Media without text is a valid message.
	if err := router.Send(ctx, conn, "5511999990000", models.OutboundMessage{MediaType: models.MediaTypeImage, MediaURL: "https://x/y.png"}); err != nil {
		t.Errorf("media-only send failed: %v", err)
	}
}

func TestRouterSendPropagatesProviderError(t *testing.T) {
	router := NewRouter()
	failing := NewMockProvider()
	failing.SendErr = errors.New("gateway down")
	router.Register(models.ProviderTwilio, failing)

	err := router.Send(context.Background(), models.Connection{Provider: models.ProviderTwilio}, "5511999990000", models.OutboundMessage{Text: "x"})
	if err == nil || err.Error() != "gateway down" {
		t.Errorf("expected provider error, got %v", err)
	}
	if len(failing.Sent()) != 0 {
		t.Errorf("failed sends must not be recorded")
	}
}

func TestRouterStatus(t *testing.T) {
	router := NewRouter()
	p := NewMockProvider()
	p.State = models.ConnectionStateDisconnected
	router.Register(models.ProviderWAPI, p)

	st, err := router.Status(context.Background(), models.Connection{Provider: models.ProviderWAPI, PhoneNumber: "551100"})
	if err != nil || st.Status != models.ConnectionStateDisconnected || st.PhoneNumber != "551100" {
		t.Errorf("unexpected status %+v, %v", st, err)
	}
	st, err = router.Status(context.Background(), models.Connection{Provider: "smoke-signals"})
	if err == nil || st.Status != models.ConnectionStateUnknown {
		t.Errorf("unknown provider should report unknown, got %+v %v", st, err)
	}
}
