// Package testutil provides common test fixtures and helpers for FunnelPipe tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
)

// TB is the subset of testing.TB the assertion helpers need.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// OrganizationID is the tenant every fixture belongs to.
const OrganizationID = "org-1"

// ContactPhone is the canonical phone of the fixture contact.
const ContactPhone = "5511999990000"

// NewStore opens a migrated SQLite store in a temporary directory.
func NewStore(t testing.TB) *store.SQLStore {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "funnelpipe.db")))
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// Fixture is a seeded organization: one connection, one funnel with three
// ordered stages, one contact and one deal sitting in the first stage.
type Fixture struct {
	Store      *store.SQLStore
	Connection *models.Connection
	Funnel     *models.Funnel
	Stages     []*models.Stage
	Contact    *models.Contact
	Deal       *models.Deal
}

// NewFixture seeds a fresh store.
func NewFixture(t testing.TB) *Fixture {
	t.Helper()
	ctx := context.Background()
	st := NewStore(t)
	f := &Fixture{Store: st}

	var err error
	f.Connection, err = st.CreateConnection(ctx, models.Connection{
		ID:             "conn-1",
		OrganizationID: OrganizationID,
		Provider:       models.ProviderEvolution,
		InstanceName:   "sales",
		APIURL:         "http://evolution.invalid",
		APIKey:         "secret",
	})
	mustNot(t, err, "create connection")

	f.Funnel, err = st.CreateFunnel(ctx, models.Funnel{ID: "funnel-1", OrganizationID: OrganizationID, Name: "Vendas"})
	mustNot(t, err, "create funnel")

	for i, name := range []string{"Lead", "Qualificado", "Proposta"} {
		stage, err := st.CreateStage(ctx, models.Stage{
			ID:       fmt.Sprintf("stage-%d", i+1),
			FunnelID: f.Funnel.ID,
			Name:     name,
			Position: i,
		})
		mustNot(t, err, "create stage")
		f.Stages = append(f.Stages, stage)
	}

	f.Contact, err = st.CreateContact(ctx, models.Contact{
		ID:             "contact-1",
		OrganizationID: OrganizationID,
		Name:           "Ana",
		Phone:          "+55 (11) 99999-0000",
		Email:          "ana@example.com",
	})
	mustNot(t, err, "create contact")

	f.Deal, err = st.CreateDeal(ctx, models.Deal{
		ID:             "deal-1",
		OrganizationID: OrganizationID,
		FunnelID:       f.Funnel.ID,
		StageID:        f.Stages[0].ID,
		ContactID:      f.Contact.ID,
		Title:          "Plano anual",
		Value:          1200,
	})
	mustNot(t, err, "create deal")
	return f
}

// Conversation finds or creates the fixture contact's conversation.
func (f *Fixture) Conversation(t testing.TB) *models.Conversation {
	t.Helper()
	conv, err := f.Store.FindOrCreateConversation(context.Background(), models.Conversation{
		OrganizationID: OrganizationID,
		ConnectionID:   f.Connection.ID,
		ContactPhone:   ContactPhone,
		ContactName:    f.Contact.Name,
		Status:         models.ConversationStatusOpen,
	})
	mustNot(t, err, "find or create conversation")
	return conv
}

// SaveFlow stores an active flow with the given graph.
func (f *Fixture) SaveFlow(t testing.TB, flowID string, nodes []models.Node, edges []models.Edge) {
	t.Helper()
	err := f.Store.SaveFlow(context.Background(), models.Flow{
		ID:             flowID,
		OrganizationID: OrganizationID,
		Name:           flowID,
		IsActive:       true,
	}, nodes, edges)
	mustNot(t, err, "save flow")
}

// SaveStageAutomation stores an automation config for a stage.
func (f *Fixture) SaveStageAutomation(t testing.TB, c models.StageAutomation) *models.StageAutomation {
	t.Helper()
	if c.OrganizationID == "" {
		c.OrganizationID = OrganizationID
	}
	saved, err := f.Store.SaveStageAutomation(context.Background(), c)
	mustNot(t, err, "save stage automation")
	return saved
}

// Chain builds a start node followed by nodes, each linked to the next by an unlabeled edge.
func Chain(nodes ...models.Node) ([]models.Node, []models.Edge) {
	all := append([]models.Node{{ID: models.StartNodeID, Type: models.NodeTypeStart}}, nodes...)
	var edges []models.Edge
	for i := 1; i < len(all); i++ {
		edges = append(edges, models.Edge{SourceID: all[i-1].ID, TargetID: all[i].ID})
	}
	return all, edges
}

// TextNode is a message node sending text.
func TextNode(id, text string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeMessage, Content: models.NodeContent{
		MessageType: models.MessageTypeText,
		Text:        text,
	}}
}

// EndNode is an end node.
func EndNode(id string) models.Node {
	return models.Node{ID: id, Type: models.NodeTypeEnd}
}

func mustNot(t testing.TB, err error, what string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}
