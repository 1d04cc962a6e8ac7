package flow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedSleeps struct {
	durations []time.Duration
	err       error
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.durations = append(r.durations, d)
	return r.err
}

type recordedMessages struct {
	messages []models.Message
}

func (r *recordedMessages) AddMessage(ctx context.Context, m models.Message) error {
	r.messages = append(r.messages, m)
	return nil
}

func testEnv(scope map[string]string) *Env {
	return &Env{
		Connection:   models.Connection{ID: "conn-1", Provider: models.ProviderEvolution},
		Conversation: models.Conversation{ID: "conv-1", OrganizationID: "org-1", ContactPhone: "5511999990000"},
		Scope:        scope,
	}
}

func TestExecuteMessageVariants(t *testing.T) {
	ctx := context.Background()
	mock := messaging.NewMockProvider()
	rec := &recordedMessages{}
	sleeps := &recordedSleeps{}
	in := NewInterpreter(mock, rec, sleeps.sleep, 0)
	env := testEnv(map[string]string{"nome": "Ana"})

	res, err := in.Execute(ctx, env, models.Node{ID: "t", Type: models.NodeTypeMessage, Content: models.NodeContent{Text: "Oi {{nome}}"}})
	require.NoError(t, err)
	assert.Equal(t, Continue, res.Disposition)

	_, err = in.Execute(ctx, env, models.Node{ID: "i", Type: models.NodeTypeMessage, Content: models.NodeContent{
		MessageType: models.MessageTypeImage, MediaURL: "https://cdn.example.com/a.png", Text: "fallback {nome}",
	}})
	require.NoError(t, err)

	_, err = in.Execute(ctx, env, models.Node{ID: "g", Type: models.NodeTypeMessage, Content: models.NodeContent{
		MessageType: models.MessageTypeGallery,
		Gallery: []models.GalleryItem{
			{URL: "https://cdn.example.com/1.png", Caption: "um"},
			{URL: "https://cdn.example.com/2.png"},
			{URL: "https://cdn.example.com/3.png", Caption: "três"},
		},
	}})
	require.NoError(t, err)

	sent := mock.Sent()
	require.Len(t, sent, 5)
	assert.Equal(t, "Oi Ana", sent[0].Message.Text)
	assert.Equal(t, models.MediaTypeImage, sent[1].Message.MediaType)
	assert.Equal(t, "fallback Ana", sent[1].Message.Text, "caption falls back to text")
	for i, s := range sent[2:] {
		assert.Equal(t, models.MediaTypeImage, s.Message.MediaType, "gallery item %d", i)
		assert.Equal(t, "5511999990000", s.To)
	}
	assert.Equal(t, []time.Duration{DefaultGalleryDelay, DefaultGalleryDelay}, sleeps.durations, "pause between gallery items only")

	require.Len(t, rec.messages, 5)
	assert.True(t, rec.messages[0].FromMe)
	assert.Equal(t, "conv-1", rec.messages[0].ConversationID)
}

func TestExecuteGalleryDelayOverride(t *testing.T) {
	sleeps := &recordedSleeps{}
	in := NewInterpreter(messaging.NewMockProvider(), nil, sleeps.sleep, 0)
	_, err := in.Execute(context.Background(), testEnv(nil), models.Node{ID: "g", Type: models.NodeTypeMessage, Content: models.NodeContent{
		MessageType:    models.MessageTypeGallery,
		GalleryDelayMS: 250,
		Gallery:        []models.GalleryItem{{URL: "https://a"}, {URL: "https://b"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, sleeps.durations)
}

func TestExecuteMenuAndInputSuspend(t *testing.T) {
	mock := messaging.NewMockProvider()
	in := NewInterpreter(mock, nil, nil, 0)
	env := testEnv(map[string]string{"nome": "Ana"})

	res, err := in.Execute(context.Background(), env, models.Node{ID: "m", Type: models.NodeTypeMenu, Content: models.NodeContent{
		Text:    "{{nome}}, escolha:",
		Options: []models.MenuOption{{ID: "a", Label: "Comprar"}, {ID: "b", Label: "Falar com vendedor"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, Suspend, res.Disposition)

	res, err = in.Execute(context.Background(), env, models.Node{ID: "in", Type: models.NodeTypeInput, Content: models.NodeContent{Text: "Qual seu email?"}})
	require.NoError(t, err)
	assert.Equal(t, Suspend, res.Disposition)

	res, err = in.Execute(context.Background(), env, models.Node{ID: "silent", Type: models.NodeTypeInput})
	require.NoError(t, err)
	assert.Equal(t, Suspend, res.Disposition)

	assert.Equal(t, []string{"Ana, escolha:\n1. Comprar\n2. Falar com vendedor", "Qual seu email?"}, mock.Texts())
}

func TestExecuteDelay(t *testing.T) {
	sleeps := &recordedSleeps{}
	in := NewInterpreter(messaging.NewMockProvider(), nil, sleeps.sleep, 0)

	_, err := in.Execute(context.Background(), testEnv(nil), models.Node{ID: "d", Type: models.NodeTypeDelay})
	require.NoError(t, err)
	_, err = in.Execute(context.Background(), testEnv(nil), models.Node{ID: "d5", Type: models.NodeTypeDelay, Content: models.NodeContent{DelaySeconds: 5}})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{DefaultDelay, 5 * time.Second}, sleeps.durations)

	sleeps.err = context.Canceled
	_, err = in.Execute(context.Background(), testEnv(nil), models.Node{ID: "d", Type: models.NodeTypeDelay})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), 0))
}

func TestExecuteConditionBranches(t *testing.T) {
	in := NewInterpreter(messaging.NewMockProvider(), nil, nil, 0)
	node := models.Node{ID: "c", Type: models.NodeTypeCondition, Content: models.NodeContent{
		Conditions: []models.ConditionRule{{Variable: "plano", Operator: OpEquals, Value: "anual"}},
	}}

	res, err := in.Execute(context.Background(), testEnv(map[string]string{"plano": "Anual"}), node)
	require.NoError(t, err)
	assert.Equal(t, Result{Disposition: Branch, Handle: HandleTrue}, res)

	res, err = in.Execute(context.Background(), testEnv(map[string]string{"plano": "mensal"}), node)
	require.NoError(t, err)
	assert.Equal(t, HandleFalse, res.Handle)
}

func TestExecuteActions(t *testing.T) {
	mock := messaging.NewMockProvider()
	rec := &recordedMessages{}
	in := NewInterpreter(mock, rec, nil, 0)
	env := testEnv(map[string]string{"nome": "Ana", "gerente": "5511888880000"})

	for _, action := range []models.ActionType{models.ActionAddTag, models.ActionRemoveTag, models.ActionCloseConversation, "webhook"} {
		res, err := in.Execute(context.Background(), env, models.Node{ID: "a", Type: models.NodeTypeAction, Content: models.NodeContent{ActionType: action, Tag: "vip"}})
		require.NoError(t, err)
		assert.Equal(t, Continue, res.Disposition)
	}
	assert.Empty(t, mock.Sent())

	_, err := in.Execute(context.Background(), env, models.Node{ID: "n", Type: models.NodeTypeAction, Content: models.NodeContent{
		ActionType: models.ActionExternalNotification,
		Phone:      "{{gerente}}",
		Message:    "Novo lead: {{nome}}",
	}})
	require.NoError(t, err)
	sent := mock.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "5511888880000", sent[0].To)
	assert.Equal(t, "Novo lead: Ana", sent[0].Message.Text)
	assert.Empty(t, rec.messages, "notifications to third parties stay out of the conversation history")
}

func TestExecuteSendFailureIsSoft(t *testing.T) {
	mock := messaging.NewMockProvider()
	mock.SendErr = errors.New("gateway down")
	rec := &recordedMessages{}
	in := NewInterpreter(mock, rec, nil, 0)

	res, err := in.Execute(context.Background(), testEnv(nil), models.Node{ID: "t", Type: models.NodeTypeMessage, Content: models.NodeContent{Text: "oi"}})
	require.NoError(t, err)
	assert.Equal(t, Continue, res.Disposition)
	assert.Empty(t, rec.messages)
}

func TestExecuteUnknownTypeContinues(t *testing.T) {
	in := NewInterpreter(messaging.NewMockProvider(), nil, nil, 0)
	res, err := in.Execute(context.Background(), testEnv(nil), models.Node{ID: "x", Type: "webhook"})
	require.NoError(t, err)
	assert.Equal(t, Continue, res.Disposition)
	assert.Equal(t, "continue", res.Disposition.String())
}
