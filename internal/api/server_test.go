package api

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/session"
)

// mockStore is an in-memory SessionStore for handler tests.
type mockStore struct {
	sess       *session.Session
	resolveErr error
	appendErr  error

	assistantTexts []string
	assistantMeta  []map[string]any
	userTexts      []string
	deleted        []uuid.UUID
	cleared        []uuid.UUID
	searchQueries  []string
}

func (m *mockStore) newMessage(role, text string) *session.Message {
	return &session.Message{
		ID:        uuid.New(),
		SessionID: m.sess.ID,
		Role:      role,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
}

func (m *mockStore) CreateSession(context.Context, session.CreateParams) (*session.Session, error) {
	return m.sess, m.resolveErr
}

func (m *mockStore) ResolveOrCreate(context.Context, *uuid.UUID, session.CreateParams) (*session.Session, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.sess, nil
}

func (m *mockStore) GetSession(context.Context, uuid.UUID) (*session.Session, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.sess, nil
}

func (m *mockStore) ListSessions(_ context.Context, page, size int) (*session.Page[*session.Session], error) {
	return session.NewPage([]*session.Session{m.sess}, 1, page, size), nil
}

func (m *mockStore) UpdateSession(context.Context, uuid.UUID, session.UpdateParams) (*session.Session, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.sess, nil
}

func (m *mockStore) DeleteSession(_ context.Context, id uuid.UUID) error {
	m.deleted = append(m.deleted, id)
	return m.resolveErr
}

func (m *mockStore) ClearMessages(_ context.Context, id uuid.UUID) error {
	m.cleared = append(m.cleared, id)
	return m.resolveErr
}

func (m *mockStore) AppendUserMessage(_ context.Context, sess *session.Session, text string) (*session.Message, error) {
	if m.appendErr != nil {
		return nil, m.appendErr
	}
	m.userTexts = append(m.userTexts, text)
	sess.MessageCount++
	return m.newMessage(session.RoleUser, text), nil
}

func (m *mockStore) AppendAssistantMessage(_ context.Context, _ uuid.UUID, text string, metadata map[string]any, _ int) (*session.Message, error) {
	m.assistantTexts = append(m.assistantTexts, text)
	m.assistantMeta = append(m.assistantMeta, metadata)
	return m.newMessage(session.RoleAssistant, text), nil
}

func (m *mockStore) ListMessages(_ context.Context, _ uuid.UUID, page, size int) (*session.Page[*session.Message], error) {
	return session.NewPage([]*session.Message{}, 0, page, size), nil
}

func (m *mockStore) SearchSessions(_ context.Context, query string, _ int) ([]*session.Session, error) {
	if strings.TrimSpace(query) == "" {
		return nil, session.ErrEmptyQuery
	}
	m.searchQueries = append(m.searchQueries, query)
	return []*session.Session{m.sess}, nil
}

// scriptedGenerator replays a fixed event sequence.
type scriptedGenerator struct {
	events []agent.Event
	calls  int
}

func (g *scriptedGenerator) Generate(context.Context, uuid.UUID, string, agent.GenConfig) iter.Seq[agent.Event] {
	g.calls++
	return func(yield func(agent.Event) bool) {
		for _, ev := range g.events {
			if !yield(ev) {
				return
			}
		}
	}
}

type mockEvictor struct {
	evicted []uuid.UUID
}

func (m *mockEvictor) Evict(id uuid.UUID) {
	m.evicted = append(m.evicted, id)
}

func testSession() *session.Session {
	return &session.Session{
		ID:        uuid.New(),
		Title:     session.DefaultTitle,
		ModelName: "gemini",
		IsActive:  true,
	}
}

func newTestServer(t *testing.T, store *mockStore, gen Generator, ev Evictor) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Addr:         ":0",
		Store:        store,
		Generator:    gen,
		Evictor:      ev,
		Logger:       log.NewNop(),
		DefaultModel: "gemini",
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

// sseEvent is one parsed frame from a recorded SSE body.
type sseEvent struct {
	name string
	data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data); err != nil {
					t.Fatalf("parse SSE data %q: %v", line, err)
				}
			}
		}
		events = append(events, ev)
	}
	return events
}

func TestCreateSession(t *testing.T) {
	store := &mockStore{sess: testSession()}
	srv := newTestServer(t, store, &scriptedGenerator{}, &mockEvictor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var got session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Title != session.DefaultTitle {
		t.Errorf("title = %q, want %q", got.Title, session.DefaultTitle)
	}
	if got.MessageCount != 0 {
		t.Errorf("message count = %d, want 0", got.MessageCount)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	store := &mockStore{sess: testSession(), resolveErr: session.ErrSessionNotFound}
	srv := newTestServer(t, store, &scriptedGenerator{}, &mockEvictor{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteSessionEvictsResponder(t *testing.T) {
	store := &mockStore{sess: testSession()}
	evictor := &mockEvictor{}
	srv := newTestServer(t, store, &scriptedGenerator{}, evictor)

	id := store.sess.ID
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+id.String(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(evictor.evicted) != 1 || evictor.evicted[0] != id {
		t.Errorf("evicted = %v, want [%s]", evictor.evicted, id)
	}
}

func TestClearMessagesEvictsResponder(t *testing.T) {
	store := &mockStore{sess: testSession()}
	evictor := &mockEvictor{}
	srv := newTestServer(t, store, &scriptedGenerator{}, evictor)

	id := store.sess.ID
	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sessions/"+id.String()+"/messages", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(store.cleared) != 1 {
		t.Error("messages not cleared")
	}
	if len(evictor.evicted) != 1 {
		t.Error("responder not evicted after clearing")
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	store := &mockStore{sess: testSession()}
	srv := newTestServer(t, store, &scriptedGenerator{}, &mockEvictor{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/search", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestStreamFrameSequence(t *testing.T) {
	store := &mockStore{sess: testSession()}
	gen := &scriptedGenerator{events: []agent.Event{
		agent.Chunk{Delta: "Hel", Content: "Hel"},
		agent.Chunk{Delta: "lo", Content: "Hello"},
		agent.Complete{Content: "Hello", Usage: &agent.Usage{TotalTokens: 3}},
	}}
	srv := newTestServer(t, store, gen, &mockEvictor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	events := parseSSE(t, rec.Body.String())
	if len(events) != 4 {
		t.Fatalf("got %d frames, want 4: %+v", len(events), events)
	}

	wantOrder := []string{"session", "chunk", "chunk", "complete"}
	for i, want := range wantOrder {
		if events[i].name != want {
			t.Errorf("frame %d = %q, want %q", i, events[i].name, want)
		}
	}

	if events[1].data["content"] != "Hel" || events[1].data["full_content"] != "Hel" {
		t.Errorf("first chunk = %v", events[1].data)
	}
	if events[2].data["full_content"] != "Hello" {
		t.Errorf("second chunk = %v", events[2].data)
	}

	done := events[3].data
	if done["content"] != "Hello" {
		t.Errorf("complete content = %v", done["content"])
	}
	if done["assistant_message_id"] == nil {
		t.Error("complete frame missing assistant_message_id")
	}

	if len(store.assistantTexts) != 1 || store.assistantTexts[0] != "Hello" {
		t.Errorf("persisted assistant texts = %v", store.assistantTexts)
	}
	if store.assistantMeta[0]["model"] != "gemini" {
		t.Errorf("assistant metadata = %v", store.assistantMeta[0])
	}
}

func TestStreamErrorFrame(t *testing.T) {
	store := &mockStore{sess: testSession()}
	gen := &scriptedGenerator{events: []agent.Event{
		agent.Chunk{Delta: "par", Content: "par"},
		agent.Error{Message: "model overloaded"},
	}}
	srv := newTestServer(t, store, gen, &mockEvictor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	events := parseSSE(t, rec.Body.String())
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("terminal frame = %q, want error", last.name)
	}
	if last.data["error"] != "model overloaded" {
		t.Errorf("error = %v", last.data["error"])
	}
	if last.data["content"] != "par" {
		t.Errorf("partial content = %v", last.data["content"])
	}
	if len(store.assistantTexts) != 0 {
		t.Error("assistant message persisted despite failed generation")
	}
}

func TestStreamEmptyMessage(t *testing.T) {
	store := &mockStore{sess: testSession()}
	srv := newTestServer(t, store, &scriptedGenerator{}, &mockEvictor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream",
		strings.NewReader(`{"message":"  "}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(store.userTexts) != 0 {
		t.Error("user message persisted for empty input")
	}
}

func TestSendNonStreaming(t *testing.T) {
	store := &mockStore{sess: testSession()}
	gen := &scriptedGenerator{events: []agent.Event{
		agent.Chunk{Delta: "Hi", Content: "Hi"},
		agent.Complete{Content: "Hi there"},
	}}
	srv := newTestServer(t, store, gen, &mockEvictor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"message":"hello"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp chatResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.UserMessage == nil || resp.UserMessage.Content != "hello" {
		t.Errorf("user message = %+v", resp.UserMessage)
	}
	if resp.AssistantMessage == nil || resp.AssistantMessage.Content != "Hi there" {
		t.Errorf("assistant message = %+v", resp.AssistantMessage)
	}
}

func TestSendGenerationFailure(t *testing.T) {
	store := &mockStore{sess: testSession()}
	gen := &scriptedGenerator{events: []agent.Event{
		agent.Error{Message: "provider down"},
	}}
	srv := newTestServer(t, store, gen, &mockEvictor{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat",
		strings.NewReader(`{"message":"hello"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
	// User message is committed before generation and stays committed.
	if len(store.userTexts) != 1 {
		t.Errorf("user texts = %v, want one entry", store.userTexts)
	}
	if len(store.assistantTexts) != 0 {
		t.Error("assistant message persisted despite failure")
	}
}

func TestHealthProbes(t *testing.T) {
	store := &mockStore{sess: testSession()}
	srv := newTestServer(t, store, &scriptedGenerator{}, &mockEvictor{})

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}
