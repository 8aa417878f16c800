package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srobinb803/whatsapp-clone/internal/config"
	"github.com/srobinb803/whatsapp-clone/internal/conversation"
	"github.com/srobinb803/whatsapp-clone/internal/messages"
	"github.com/srobinb803/whatsapp-clone/internal/reconcile"
	"github.com/srobinb803/whatsapp-clone/internal/webhook"
)

const (
	fixtureContact = "919937320320"
	fixtureMsgID   = "wamid.HBgMOTE5OTY3NTc4NzIwFQIAEhggMTIzQURFRjEyMzQ1Njc4OTA="
)

type recordingPublisher struct {
	events []reconcile.Event
}

func (p *recordingPublisher) Publish(ev reconcile.Event) {
	p.events = append(p.events, ev)
}

type testEnv struct {
	server *Server
	store  *messages.InMemoryStore
	pub    *recordingPublisher
}

func newTestEnv(t *testing.T, cfg config.ServerConfig) *testEnv {
	t.Helper()
	store := messages.NewInMemoryStore()
	pub := &recordingPublisher{}
	server := NewServer(cfg, Deps{
		Reconciler: reconcile.NewEngine(store),
		Store:      store,
		Summaries:  conversation.NewProjector(store),
		Publisher:  pub,
	})
	return &testEnv{server: server, store: store, pub: pub}
}

func fixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "webhook", "testdata", name))
	require.NoError(t, err)
	return string(data)
}

func (te *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	te.server.ServeHTTP(rec, req)
	return rec
}

func TestServer_RootAndHealth(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{})

	rec := te.do(http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Server is running", rec.Body.String())

	rec = te.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestWebhook_MessageThenStatus(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{})

	rec := te.do(http.MethodPost, "/webhook", fixture(t, "message.json"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"success","message":"Payload processed successfully."}`, rec.Body.String())

	require.Len(t, te.pub.events, 1)
	nm, ok := te.pub.events[0].(reconcile.NewMessage)
	require.True(t, ok)
	assert.Equal(t, fixtureContact, nm.WaID)
	assert.Equal(t, fixtureMsgID, nm.Message.ID)
	assert.Equal(t, messages.StatusReceived, nm.Message.Status)
	assert.False(t, nm.Message.IsUserMessage)

	// Redelivery is acknowledged but produces nothing new.
	rec = te.do(http.MethodPost, "/webhook", fixture(t, "message.json"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, te.pub.events, 1)

	rec = te.do(http.MethodPost, "/webhook", fixture(t, "status.json"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, te.pub.events, 2)
	assert.Equal(t, reconcile.StatusUpdate{WaID: fixtureContact, MessageID: fixtureMsgID, Status: messages.StatusRead}, te.pub.events[1])

	stored, err := te.store.GetByMessageID(context.Background(), fixtureMsgID)
	require.NoError(t, err)
	assert.Equal(t, messages.StatusRead, stored.Status)
}

func TestWebhook_UnknownStatusIsAcknowledged(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{})

	rec := te.do(http.MethodPost, "/webhook", fixture(t, "status.json"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, te.pub.events)

	n, err := te.store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestWebhook_BadBodies(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{})

	for _, body := range []string{"not json", "[1,2]", `"text"`} {
		rec := te.do(http.MethodPost, "/webhook", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := te.do(http.MethodPost, "/webhook", `{"payload_type":"whatsapp_webhook"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, te.pub.events)
}

type failingReconciler struct {
	events []reconcile.Event
}

func (f *failingReconciler) ApplyInbound(ctx context.Context, env *webhook.Envelope) ([]reconcile.Event, error) {
	return f.events, &reconcile.PersistenceError{Op: "status update", Err: errors.New("connection reset")}
}

func (f *failingReconciler) ApplyOutbound(ctx context.Context, contactID, text, displayName string) (reconcile.NewMessage, error) {
	return reconcile.NewMessage{}, &reconcile.PersistenceError{Op: "outbound insert", Err: errors.New("connection reset")}
}

func TestWebhook_PersistenceErrorPublishesPartialEvents(t *testing.T) {
	pub := &recordingPublisher{}
	partial := reconcile.NewMessage{WaID: "w1", Message: messages.ClientMessage{ID: "m1", Text: "hi"}}
	server := NewServer(config.ServerConfig{}, Deps{
		Reconciler: &failingReconciler{events: []reconcile.Event{partial}},
		Publisher:  pub,
	})
	te := &testEnv{server: server, pub: pub}

	rec := te.do(http.MethodPost, "/webhook", fixture(t, "message.json"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"status":"error","message":"Internal server error."}`, rec.Body.String())
	assert.Equal(t, []reconcile.Event{partial}, pub.events)

	rec = te.do(http.MethodPost, "/messages", `{"wa_id":"w1","text":"hello"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, pub.events, 1)
}

func TestWebhook_RateLimited(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{WebhookRate: 0.001, WebhookBurst: 1})

	rec := te.do(http.MethodPost, "/webhook", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = te.do(http.MethodPost, "/webhook", `{}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestWebhook_Verify(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{VerifyToken: "s3cret"})

	rec := te.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=s3cret&hub.challenge=12345", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	rec = te.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = te.do(http.MethodGet, "/webhook?hub.mode=unsubscribe&hub.verify_token=s3cret&hub.challenge=12345", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	unset := newTestEnv(t, config.ServerConfig{})
	rec = unset.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=&hub.challenge=12345", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConversationsAndMessages(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{})

	rec := te.do(http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	require.Equal(t, http.StatusOK, te.do(http.MethodPost, "/webhook", fixture(t, "message.json")).Code)

	rec = te.do(http.MethodPost, "/messages", `{"wa_id":"919937320320","text":"Sure, here are the details.","name":"Ravi Kumar"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created messages.ClientMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Regexp(t, `^user_\d+_[0-9a-f]{8}$`, created.ID)
	assert.Equal(t, messages.StatusSent, created.Status)
	assert.True(t, created.IsUserMessage)

	require.Len(t, te.pub.events, 2)
	assert.Equal(t, reconcile.EventNewMessage, te.pub.events[1].EventName())

	rec = te.do(http.MethodGet, "/messages/"+fixtureContact, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs []messages.ClientMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, fixtureMsgID, msgs[0].ID)
	assert.Equal(t, created.ID, msgs[1].ID)

	rec = te.do(http.MethodGet, "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summaries []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summaries))
	require.Len(t, summaries, 1)
	assert.Equal(t, fixtureContact, summaries[0]["wa_id"])
	assert.Equal(t, "Ravi Kumar", summaries[0]["name"])
	assert.Equal(t, "Sure, here are the details.", summaries[0]["lastMessage"])

	rec = te.do(http.MethodGet, "/messages/nobody", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestCreateMessage_Invalid(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{})

	for _, body := range []string{`{"wa_id":"","text":"hi"}`, `{"wa_id":"w1","text":"   "}`, `{"wa_id":`} {
		rec := te.do(http.MethodPost, "/messages", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, te.pub.events)
}

func TestTestDB(t *testing.T) {
	te := newTestEnv(t, config.ServerConfig{})
	require.Equal(t, http.StatusOK, te.do(http.MethodPost, "/webhook", fixture(t, "message.json")).Code)

	rec := te.do(http.MethodGet, "/api/test-db", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"Database connection successful","count":1}`, rec.Body.String())
}

func TestRealtimeRouteMounted(t *testing.T) {
	called := false
	server := NewServer(config.ServerConfig{}, Deps{
		Realtime: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusServiceUnavailable)
		}),
	})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
