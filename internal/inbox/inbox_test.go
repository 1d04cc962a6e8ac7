package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInbox(t *testing.T) (*testutil.Fixture, *messaging.MockProvider, *flow.Executor, *Inbox) {
	t.Helper()
	f := testutil.NewFixture(t)
	mock := messaging.NewMockProvider()
	ex := flow.NewExecutor(f.Store, f.Store, mock, flow.WithSleep(func(context.Context, time.Duration) error { return nil }))
	return f, mock, ex, New(f.Store, ex)
}

func TestReceiveRecordsMessage(t *testing.T) {
	f, mock, _, in := newInbox(t)
	ctx := context.Background()
	sent := time.Now().UTC().Add(-time.Minute)

	receipt, err := in.Receive(ctx, models.InboundMessage{
		ConnectionID: f.Connection.ID,
		Phone:        "+55 11 99999-0000",
		Name:         "Ana",
		Body:         "  olá  ",
		Time:         sent,
	})
	require.NoError(t, err)
	require.NotNil(t, receipt.Conversation)
	assert.Nil(t, receipt.Result)
	assert.Equal(t, testutil.ContactPhone, receipt.Conversation.ContactPhone)
	assert.Equal(t, "Ana", receipt.Conversation.ContactName)
	assert.Empty(t, mock.Sent())

	replied, err := f.Store.HasInboundMessageSince(ctx, testutil.OrganizationID, testutil.ContactPhone, sent.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, replied)

	again, err := in.Receive(ctx, models.InboundMessage{OrganizationID: testutil.OrganizationID, Phone: testutil.ContactPhone, Body: "oi"})
	require.NoError(t, err)
	assert.Equal(t, receipt.Conversation.ID, again.Conversation.ID, "organization default connection resolves the same conversation")
}

func TestReceiveResumesMenu(t *testing.T) {
	f, mock, ex, in := newInbox(t)
	ctx := context.Background()

	nodes, edges := testutil.Chain(models.Node{ID: "menu", Type: models.NodeTypeMenu, Content: models.NodeContent{
		Text:    "Escolha:",
		Options: []models.MenuOption{{ID: "buy", Label: "Comprar"}, {ID: "talk", Label: "Falar"}},
	}})
	nodes = append(nodes, testutil.TextNode("bought", "Ótimo!"), testutil.TextNode("talking", "Um vendedor vai falar com você"))
	edges = append(edges,
		models.Edge{SourceID: "menu", TargetID: "bought", SourceHandle: "buy"},
		models.Edge{SourceID: "menu", TargetID: "talking", SourceHandle: "talk"},
	)
	f.SaveFlow(t, "menu-flow", nodes, edges)

	conv := f.Conversation(t)
	res, err := ex.Run(ctx, "menu-flow", conv.ID, "")
	require.NoError(t, err)
	require.Equal(t, models.RunStatusWaiting, res.Status)

	receipt, err := in.Receive(ctx, models.InboundMessage{ConnectionID: f.Connection.ID, Phone: testutil.ContactPhone, Body: "2"})
	require.NoError(t, err)
	require.NotNil(t, receipt.Result)
	assert.Equal(t, models.RunStatusCompleted, receipt.Result.Status)
	assert.Equal(t, "Um vendedor vai falar com você", mock.Texts()[len(mock.Texts())-1])

	receipt, err = in.Receive(ctx, models.InboundMessage{ConnectionID: f.Connection.ID, Phone: testutil.ContactPhone, Body: "obrigado"})
	require.NoError(t, err)
	assert.Nil(t, receipt.Result, "completed sessions are not resumed")
}

func TestReceiveStoresMediaWithoutResuming(t *testing.T) {
	f, _, ex, in := newInbox(t)
	ctx := context.Background()
	nodes, edges := testutil.Chain(models.Node{ID: "ask", Type: models.NodeTypeInput, Content: models.NodeContent{Text: "Qual seu email?"}})
	f.SaveFlow(t, "ask", nodes, edges)
	conv := f.Conversation(t)
	_, err := ex.Run(ctx, "ask", conv.ID, "")
	require.NoError(t, err)

	sent := time.Now().UTC().Add(-time.Minute)
	receipt, err := in.Receive(ctx, models.InboundMessage{
		ConnectionID: f.Connection.ID,
		Phone:        testutil.ContactPhone,
		MediaType:    models.MediaTypeImage,
		MediaURL:     "https://cdn.example.com/foto.jpg",
		Time:         sent,
	})
	require.NoError(t, err)
	assert.Nil(t, receipt.Result, "attachments do not answer a waiting session")

	replied, err := f.Store.HasInboundMessageSince(ctx, testutil.OrganizationID, testutil.ContactPhone, sent.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, replied)

	session, err := f.Store.GetActiveSession(ctx, conv.ID)
	require.NoError(t, err)
	assert.NotNil(t, session, "session still waits for text")
}

func TestReceiveRejectsBadInput(t *testing.T) {
	f, _, _, in := newInbox(t)
	ctx := context.Background()

	_, err := in.Receive(ctx, models.InboundMessage{ConnectionID: f.Connection.ID, Phone: "", Body: "oi"})
	assert.ErrorIs(t, err, models.ErrEmptyRecipient)

	_, err = in.Receive(ctx, models.InboundMessage{ConnectionID: f.Connection.ID, Phone: testutil.ContactPhone, Body: "   "})
	assert.ErrorIs(t, err, models.ErrEmptyMessage)

	_, err = in.Receive(ctx, models.InboundMessage{ConnectionID: "missing", Phone: testutil.ContactPhone, Body: "oi"})
	assert.ErrorIs(t, err, models.ErrNoConnection)

	_, err = in.Receive(ctx, models.InboundMessage{OrganizationID: "org-unknown", Phone: testutil.ContactPhone, Body: "oi"})
	assert.ErrorIs(t, err, models.ErrNoConnection)
}

func TestReceiveWithoutResumer(t *testing.T) {
	f := testutil.NewFixture(t)
	in := New(f.Store, nil, WithClock(func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }))
	receipt, err := in.Receive(context.Background(), models.InboundMessage{ConnectionID: f.Connection.ID, Phone: testutil.ContactPhone, Body: "oi"})
	require.NoError(t, err)
	assert.Nil(t, receipt.Result)
}
