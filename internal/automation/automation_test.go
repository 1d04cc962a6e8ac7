package automation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/flow"
	"github.com/BTreeMap/FunnelPipe/internal/inbox"
	"github.com/BTreeMap/FunnelPipe/internal/messaging"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/BTreeMap/FunnelPipe/internal/testutil"
	"github.com/BTreeMap/FunnelPipe/internal/ticklock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pacingRecorder struct {
	mu     sync.Mutex
	pauses []time.Duration
}

func (p *pacingRecorder) sleep(ctx context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses = append(p.pauses, d)
	return ctx.Err()
}

type harness struct {
	f      *testutil.Fixture
	mock   *messaging.MockProvider
	engine *Engine
	pacing *pacingRecorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	f := testutil.NewFixture(t)
	mock := messaging.NewMockProvider()
	ex := flow.NewExecutor(f.Store, f.Store, mock, flow.WithSleep(func(context.Context, time.Duration) error { return nil }))
	pacing := &pacingRecorder{}
	engine := NewEngine(f.Store, ex, append([]Option{WithSleep(pacing.sleep)}, opts...)...)
	t.Cleanup(engine.Stop)

	nodes, edges := testutil.Chain(testutil.TextNode("hello", "Olá {{nome}}"))
	f.SaveFlow(t, "welcome", nodes, edges)
	return &harness{f: f, mock: mock, engine: engine, pacing: pacing}
}

func (h *harness) stage(i int) string { return h.f.Stages[i].ID }

// dispatched seeds an automation for the fixture deal that already went out at sentAt.
func (h *harness) dispatched(t *testing.T, stageID string, sentAt, waitUntil time.Time) models.DealAutomation {
	t.Helper()
	ctx := context.Background()
	a, _, err := h.f.Store.ReplaceActiveAutomation(ctx, models.DealAutomation{
		OrganizationID: testutil.OrganizationID,
		DealID:         h.f.Deal.ID,
		StageID:        stageID,
		FlowID:         "welcome",
		WaitUntil:      waitUntil,
	})
	require.NoError(t, err)
	conv := h.f.Conversation(t)
	require.NoError(t, h.f.Store.TransitionAutomation(ctx, store.AutomationTransition{
		ID:             a.ID,
		To:             models.AutomationStatusFlowSent,
		At:             sentAt,
		ConversationID: conv.ID,
		ContactPhone:   testutil.ContactPhone,
	}))
	return h.reload(t, a.ID)
}

func (h *harness) reload(t *testing.T, id string) models.DealAutomation {
	t.Helper()
	a, err := h.f.Store.GetAutomation(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, a)
	return *a
}

func (h *harness) deal(t *testing.T) models.Deal {
	t.Helper()
	d, err := h.f.Store.GetDeal(context.Background(), h.f.Deal.ID)
	require.NoError(t, err)
	require.NotNil(t, d)
	return *d
}

func (h *harness) actions(t *testing.T, automationID string) []models.AutomationAction {
	t.Helper()
	logs, err := h.f.Store.ListAutomationLogs(context.Background(), automationID)
	require.NoError(t, err)
	out := make([]models.AutomationAction, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Action)
	}
	return out
}

func (h *harness) inbound(t *testing.T, at time.Time) {
	t.Helper()
	conv := h.f.Conversation(t)
	require.NoError(t, h.f.Store.AddMessage(context.Background(), models.Message{
		OrganizationID: testutil.OrganizationID,
		ConversationID: conv.ID,
		ContactPhone:   testutil.ContactPhone,
		Body:           "tenho interesse",
		CreatedAt:      at,
	}))
}

func TestTickClassifiesReplyBeforeTimeout(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), NextStageID: h.stage(1), IsActive: true})
	a := h.dispatched(t, h.stage(0), now.Add(-3*time.Hour), now.Add(-time.Hour))
	h.inbound(t, now.Add(-2*time.Hour))

	stats, err := h.engine.ExecuteCRMAutomations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1, Succeeded: 1}, stats.Responses)
	assert.Equal(t, 0, stats.Timeouts.Processed)

	got := h.reload(t, a.ID)
	assert.Equal(t, models.AutomationStatusResponded, got.Status)
	assert.NotNil(t, got.RespondedAt)
	assert.Nil(t, got.MovedAt)
	assert.Equal(t, h.stage(0), h.deal(t).StageID, "a contact who replied is never moved")
	assert.NotNil(t, h.deal(t).LastActivityAt)
	assert.Contains(t, h.actions(t, a.ID), models.LogMessageReceived)
}

func TestTickCountsMediaOnlyReply(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), NextStageID: h.stage(1), IsActive: true})
	a := h.dispatched(t, h.stage(0), now.Add(-3*time.Hour), now.Add(-time.Hour))

	_, err := inbox.New(h.f.Store, nil).Receive(ctx, models.InboundMessage{
		ConnectionID: h.f.Connection.ID,
		Phone:        testutil.ContactPhone,
		MediaType:    models.MediaTypeAudio,
		MediaURL:     "https://cdn.example.com/voice.ogg",
		Time:         now.Add(-2 * time.Hour),
	})
	require.NoError(t, err)

	stats, err := h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1, Succeeded: 1}, stats.Responses)
	assert.Equal(t, models.AutomationStatusResponded, h.reload(t, a.ID).Status)
	assert.Equal(t, h.stage(0), h.deal(t).StageID)
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestDispatchStampsSendBeforeWalk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	clock := &stepClock{now: base}

	// The contact answers the greeting while the flow is still in its delay node.
	walkSleep := func(ctx context.Context, d time.Duration) error {
		h.inbound(t, clock.Now().Add(10*time.Second))
		clock.Advance(d)
		return nil
	}
	ex := flow.NewExecutor(h.f.Store, h.f.Store, h.mock, flow.WithSleep(walkSleep))
	engine := NewEngine(h.f.Store, ex, WithClock(clock.Now), WithSleep(h.pacing.sleep))
	t.Cleanup(engine.Stop)

	nodes, edges := testutil.Chain(
		testutil.TextNode("hello", "Olá {{nome}}"),
		models.Node{ID: "wait", Type: models.NodeTypeDelay, Content: models.NodeContent{DelaySeconds: 30}},
		testutil.TextNode("bye", "Qualquer dúvida, estamos aqui"),
	)
	h.f.SaveFlow(t, "slow", nodes, edges)
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), FlowID: "slow", WaitHours: 1, IsActive: true})
	a, err := engine.TriggerStageChange(ctx, h.f.Deal.ID, h.stage(0), testutil.OrganizationID)
	require.NoError(t, err)

	stats, err := engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	require.Equal(t, PassStats{Processed: 1, Succeeded: 1}, stats.Dispatches)
	sent := h.reload(t, a.ID)
	require.NotNil(t, sent.FlowSentAt)
	assert.True(t, sent.FlowSentAt.Equal(base), "flow_sent_at is taken before the walk, got %v", sent.FlowSentAt)

	stats, err = engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1, Succeeded: 1}, stats.Responses)
	assert.Equal(t, models.AutomationStatusResponded, h.reload(t, a.ID).Status)
}

func TestTickIgnoresMessagesBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	a := h.dispatched(t, h.stage(0), now.Add(-time.Hour), now.Add(time.Hour))
	h.inbound(t, now.Add(-3*time.Hour))

	stats, err := h.engine.ExecuteCRMAutomations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1}, stats.Responses)
	assert.Equal(t, models.AutomationStatusFlowSent, h.reload(t, a.ID).Status)
}

func TestTickCompletesWithoutNextStage(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	a := h.dispatched(t, h.stage(0), now.Add(-2*time.Hour), now.Add(-time.Hour))

	stats, err := h.engine.ExecuteCRMAutomations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1}, stats.Timeouts)

	assert.Equal(t, models.AutomationStatusCompleted, h.reload(t, a.ID).Status)
	assert.Equal(t, h.stage(0), h.deal(t).StageID)
	history, err := h.f.Store.ListDealHistory(context.Background(), h.f.Deal.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "completion performs no stage mutation")
	assert.Contains(t, h.actions(t, a.ID), models.LogCompleted)
}

func TestTickMovesDealAndChainsImmediateAutomation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), NextStageID: h.stage(1), IsActive: true})
	h.f.SaveStageAutomation(t, models.StageAutomation{
		StageID: h.stage(1), FlowID: "welcome", WaitHours: 48, ExecuteImmediately: true, IsActive: true,
	})
	a := h.dispatched(t, h.stage(0), now.Add(-2*time.Hour), now.Add(-time.Hour))

	stats, err := h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1, Succeeded: 1}, stats.Timeouts)
	assert.Equal(t, 0, stats.Dispatches.Processed, "the chained automation waits for the next tick")

	assert.Equal(t, h.stage(1), h.deal(t).StageID)
	source := h.reload(t, a.ID)
	assert.Equal(t, models.AutomationStatusMoved, source.Status)
	assert.NotNil(t, source.MovedAt)
	assert.Contains(t, h.actions(t, a.ID), models.LogTimeoutMove)

	all, err := h.f.Store.ListDealAutomations(ctx, h.f.Deal.ID)
	require.NoError(t, err)
	var pending []models.DealAutomation
	for _, x := range all {
		if x.Status == models.AutomationStatusPending {
			pending = append(pending, x)
		}
	}
	require.Len(t, pending, 1)
	assert.Equal(t, h.stage(1), pending[0].StageID)
	assert.WithinDuration(t, now.Add(48*time.Hour), pending[0].WaitUntil, time.Minute)
	assert.Contains(t, h.actions(t, pending[0].ID), models.LogAutomationStarted)

	history, err := h.f.Store.ListDealHistory(ctx, h.f.Deal.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, h.stage(0), history[0].FromStageID)
	assert.Equal(t, h.stage(1), history[0].ToStageID)
	assert.Equal(t, models.DealHistoryActionAutomationMove, history[0].Action)

	// The next tick dispatches the chained flow.
	h.mock.Reset()
	stats, err = h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Dispatches.Succeeded)
	assert.Equal(t, []string{"Olá Ana"}, h.mock.Texts())
}

func TestAdvanceUsesFallbackFunnel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	other, err := h.f.Store.CreateFunnel(ctx, models.Funnel{ID: "funnel-2", OrganizationID: testutil.OrganizationID, Name: "Reativação"})
	require.NoError(t, err)
	target, err := h.f.Store.CreateStage(ctx, models.Stage{ID: "stage-r1", FunnelID: other.ID, Name: "Frio"})
	require.NoError(t, err)
	h.f.SaveStageAutomation(t, models.StageAutomation{
		StageID: h.stage(0), FallbackFunnelID: other.ID, FallbackStageID: target.ID, IsActive: true,
	})
	a := h.dispatched(t, h.stage(0), now.Add(-2*time.Hour), now.Add(-time.Hour))

	moved, err := h.engine.Advance(ctx, a)
	require.NoError(t, err)
	assert.True(t, moved)
	d := h.deal(t)
	assert.Equal(t, other.ID, d.FunnelID)
	assert.Equal(t, target.ID, d.StageID)

	moved, err = h.engine.Advance(ctx, a)
	require.NoError(t, err)
	assert.False(t, moved, "a resolved automation is never advanced twice")
}

// movingStore lets a manual stage change land right after Advance claims an automation.
type movingStore struct {
	*store.SQLStore
	afterClaim func()
}

func (m *movingStore) TransitionAutomation(ctx context.Context, tr store.AutomationTransition) error {
	err := m.SQLStore.TransitionAutomation(ctx, tr)
	if err == nil && tr.To == models.AutomationStatusMoved && m.afterClaim != nil {
		hook := m.afterClaim
		m.afterClaim = nil
		hook()
	}
	return err
}

func TestAdvanceKeepsConcurrentManualMove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), NextStageID: h.stage(1), IsActive: true})
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(1), FlowID: "welcome", ExecuteImmediately: true, IsActive: true})
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(2), FlowID: "welcome", IsActive: true})
	a := h.dispatched(t, h.stage(0), now.Add(-2*time.Hour), now.Add(-time.Hour))

	var manual *models.DealAutomation
	st := &movingStore{SQLStore: h.f.Store}
	st.afterClaim = func() {
		require.NoError(t, h.f.Store.MoveDeal(ctx, store.DealMove{DealID: h.f.Deal.ID, StageID: h.stage(2), At: now}))
		var err error
		manual, err = h.engine.TriggerStageChange(ctx, h.f.Deal.ID, h.stage(2), testutil.OrganizationID)
		require.NoError(t, err)
	}
	engine := NewEngine(st, nil, WithSleep(h.pacing.sleep))
	t.Cleanup(engine.Stop)

	moved, err := engine.Advance(ctx, a)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, h.stage(2), h.deal(t).StageID, "the manual move is kept")
	require.NotNil(t, manual)
	assert.Equal(t, models.AutomationStatusPending, h.reload(t, manual.ID).Status, "the automation armed by the manual move survives")

	all, err := h.f.Store.ListDealAutomations(ctx, h.f.Deal.ID)
	require.NoError(t, err)
	for _, x := range all {
		assert.NotEqual(t, h.stage(1), x.StageID, "no automation is chained into the skipped destination")
	}
	history, err := h.f.Store.ListDealHistory(ctx, h.f.Deal.ID)
	require.NoError(t, err)
	for _, entry := range history {
		assert.NotEqual(t, models.DealHistoryActionAutomationMove, entry.Action)
	}
}

func TestAdvancePrefersAutomationNextStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), NextStageID: h.stage(1), IsActive: true})
	a := h.dispatched(t, h.stage(0), now.Add(-2*time.Hour), now.Add(-time.Hour))
	a.NextStageID = h.stage(2)

	moved, err := h.engine.Advance(ctx, a)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, h.stage(2), h.deal(t).StageID)
}

func TestStageChangeTriggerTwiceKeepsOneLive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(1), FlowID: "welcome", WaitHours: 2, IsActive: true})

	first, err := h.engine.TriggerStageChange(ctx, h.f.Deal.ID, h.stage(1), testutil.OrganizationID)
	require.NoError(t, err)
	require.NotNil(t, first)
	h.engine.OnDealStageChanged(ctx, h.f.Deal.ID, h.stage(1), testutil.OrganizationID)

	all, err := h.f.Store.ListDealAutomations(ctx, h.f.Deal.ID)
	require.NoError(t, err)
	require.Len(t, all, 2)
	var live []models.DealAutomation
	for _, a := range all {
		if a.Status != models.AutomationStatusCancelled {
			live = append(live, a)
		}
	}
	require.Len(t, live, 1)
	assert.NotEqual(t, first.ID, live[0].ID)
	assert.Equal(t, models.AutomationStatusPending, live[0].Status)
	assert.Equal(t, models.AutomationStatusCancelled, h.reload(t, first.ID).Status)
	assert.Equal(t, []models.AutomationAction{models.LogAutomationStarted, models.LogManualCancel}, h.actions(t, first.ID))
}

func TestStageChangeTriggerWithoutActiveConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(2), FlowID: "welcome", IsActive: false})

	for _, stageID := range []string{h.stage(1), h.stage(2)} {
		a, err := h.engine.TriggerStageChange(ctx, h.f.Deal.ID, stageID, testutil.OrganizationID)
		require.NoError(t, err)
		assert.Nil(t, a)
	}
	all, err := h.f.Store.ListDealAutomations(ctx, h.f.Deal.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStageChangeTriggerDefaultsWait(t *testing.T) {
	h := newHarness(t)
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), FlowID: "welcome", IsActive: true})
	a, err := h.engine.TriggerStageChange(context.Background(), h.f.Deal.ID, h.stage(0), testutil.OrganizationID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(models.DefaultWaitHours*time.Hour), a.WaitUntil, time.Minute)
}

func TestDispatchPassSendsFlowAndPaces(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), FlowID: "welcome", IsActive: true})

	bia, err := h.f.Store.CreateContact(ctx, models.Contact{ID: "contact-2", OrganizationID: testutil.OrganizationID, Name: "Bia", Phone: "5521988887777"})
	require.NoError(t, err)
	second, err := h.f.Store.CreateDeal(ctx, models.Deal{
		ID: "deal-2", OrganizationID: testutil.OrganizationID, FunnelID: h.f.Funnel.ID, StageID: h.stage(0), ContactID: bia.ID, Title: "Plano mensal",
	})
	require.NoError(t, err)

	first, err := h.engine.TriggerStageChange(ctx, h.f.Deal.ID, h.stage(0), testutil.OrganizationID)
	require.NoError(t, err)
	_, err = h.engine.TriggerStageChange(ctx, second.ID, h.stage(0), testutil.OrganizationID)
	require.NoError(t, err)

	stats, err := h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 2, Succeeded: 2}, stats.Dispatches)
	assert.Equal(t, []string{"Olá Ana", "Olá Bia"}, h.mock.Texts(), "oldest first")
	assert.Equal(t, []time.Duration{DefaultDispatchPacing}, h.pacing.pauses)

	got := h.reload(t, first.ID)
	assert.Equal(t, models.AutomationStatusFlowSent, got.Status)
	assert.Equal(t, testutil.ContactPhone, got.ContactPhone)
	assert.NotEmpty(t, got.ConversationID)
	assert.NotNil(t, got.FlowSentAt)
	assert.Equal(t, []models.AutomationAction{models.LogAutomationStarted, models.LogFlowTriggered}, h.actions(t, first.ID))
}

func TestDispatchFailureLeavesPendingAndBatchContinues(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), FlowID: "missing-flow", IsActive: true})
	broken, err := h.engine.TriggerStageChange(ctx, h.f.Deal.ID, h.stage(0), testutil.OrganizationID)
	require.NoError(t, err)

	contact, err := h.f.Store.CreateContact(ctx, models.Contact{ID: "contact-2", OrganizationID: testutil.OrganizationID, Name: "Bia", Phone: "5521988887777"})
	require.NoError(t, err)
	other, err := h.f.Store.CreateDeal(ctx, models.Deal{ID: "deal-2", OrganizationID: testutil.OrganizationID, FunnelID: h.f.Funnel.ID, StageID: h.stage(1), ContactID: contact.ID, Title: "x"})
	require.NoError(t, err)
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(1), FlowID: "welcome", IsActive: true})
	ok, err := h.engine.TriggerStageChange(ctx, other.ID, h.stage(1), testutil.OrganizationID)
	require.NoError(t, err)

	stats, err := h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 2, Succeeded: 1, Errors: 1}, stats.Dispatches)
	assert.Equal(t, models.AutomationStatusPending, h.reload(t, broken.ID).Status)
	assert.Equal(t, models.AutomationStatusFlowSent, h.reload(t, ok.ID).Status)

	stats, err = h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1, Errors: 1}, stats.Dispatches, "configuration errors are retried every tick")
}

func TestDispatchMarksWaitingFlows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	nodes, edges := testutil.Chain(models.Node{ID: "ask", Type: models.NodeTypeInput, Content: models.NodeContent{Text: "Podemos conversar?"}})
	h.f.SaveFlow(t, "ask", nodes, edges)
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), FlowID: "ask", IsActive: true})
	a, err := h.engine.TriggerStageChange(ctx, h.f.Deal.ID, h.stage(0), testutil.OrganizationID)
	require.NoError(t, err)

	_, err = h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.AutomationStatusWaiting, h.reload(t, a.ID).Status)
}

func TestDispatchCancelsAutomationWhenDealLeftStage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), FlowID: "welcome", IsActive: true})
	a, err := h.engine.TriggerStageChange(ctx, h.f.Deal.ID, h.stage(0), testutil.OrganizationID)
	require.NoError(t, err)
	require.NoError(t, h.f.Store.MoveDeal(ctx, store.DealMove{DealID: h.f.Deal.ID, StageID: h.stage(2), At: time.Now()}))

	stats, err := h.engine.ExecuteCRMAutomations(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Processed: 1}, stats.Dispatches)
	assert.Empty(t, h.mock.Sent())
	assert.Equal(t, models.AutomationStatusCancelled, h.reload(t, a.ID).Status)
}

func TestTickLockSkipsOverlappingTick(t *testing.T) {
	lock := ticklock.NewLocal()
	h := newHarness(t, WithLocker(lock))
	release, err := lock.TryLock(context.Background())
	require.NoError(t, err)
	defer release()

	_, err = h.engine.ExecuteCRMAutomations(context.Background())
	assert.ErrorIs(t, err, models.ErrTickInProgress)
}

func TestTimeoutPassPaces(t *testing.T) {
	h := newHarness(t, WithBatchSize(1))
	now := time.Now().UTC()
	h.dispatched(t, h.stage(0), now.Add(-2*time.Hour), now.Add(-time.Hour))

	stats, err := h.engine.ExecuteCRMAutomations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Timeouts.Processed)
	assert.Empty(t, h.pacing.pauses, "no pause before the first item")
}

func TestProcessDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	now := time.Now().UTC()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), NextStageID: h.stage(1), IsActive: true})

	future := h.dispatched(t, h.stage(0), now.Add(-time.Hour), now.Add(time.Hour))
	require.NoError(t, h.engine.ProcessDeadline(ctx, future.ID))
	assert.Equal(t, models.AutomationStatusFlowSent, h.reload(t, future.ID).Status, "not yet due")

	expired := h.dispatched(t, h.stage(0), now.Add(-3*time.Hour), now.Add(-time.Hour))
	h.inbound(t, now.Add(-2*time.Hour))
	require.NoError(t, h.engine.ProcessDeadline(ctx, expired.ID))
	assert.Equal(t, models.AutomationStatusResponded, h.reload(t, expired.ID).Status)
	assert.Equal(t, h.stage(0), h.deal(t).StageID)

	require.NoError(t, h.engine.ProcessDeadline(ctx, "unknown"))
	require.NoError(t, h.engine.ProcessDeadline(ctx, expired.ID), "terminal automations are ignored")
}

func TestProcessDeadlineAdvancesWithoutReply(t *testing.T) {
	h := newHarness(t, WithDeadlineTimers(true))
	ctx := context.Background()
	now := time.Now().UTC()
	h.f.SaveStageAutomation(t, models.StageAutomation{StageID: h.stage(0), NextStageID: h.stage(1), IsActive: true})
	a := h.dispatched(t, h.stage(0), now.Add(-2*time.Hour), now.Add(-time.Hour))

	require.NoError(t, h.engine.ProcessDeadline(ctx, a.ID))
	assert.Equal(t, models.AutomationStatusMoved, h.reload(t, a.ID).Status)
	assert.Equal(t, h.stage(1), h.deal(t).StageID)
	assert.Equal(t, 0, h.engine.Timers().Len())
}

func TestRestoreTimers(t *testing.T) {
	h := newHarness(t, WithDeadlineTimers(true))
	now := time.Now().UTC()
	a := h.dispatched(t, h.stage(0), now.Add(-time.Hour), now.Add(time.Hour))

	n, err := h.engine.RestoreTimers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	deadline, ok := h.engine.Timers().Deadline(a.ID)
	require.True(t, ok)
	assert.WithinDuration(t, a.WaitUntil, deadline, time.Second)

	disabled := newHarness(t)
	n, err = disabled.engine.RestoreTimers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, disabled.engine.Timers())
}
