package session_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/postgres"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/testutil"
)

func TestStoreAgainstPostgres(t *testing.T) {
	testDB, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := session.NewStore(postgres.New(testDB.Pool), testDB.Pool, log.NewNop())

	sess, err := store.CreateSession(ctx, session.CreateParams{
		ModelName:   "gemini",
		Temperature: 0.7,
		MaxTokens:   2000,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.Title != session.DefaultTitle {
		t.Fatalf("title = %q, want %q", sess.Title, session.DefaultTitle)
	}
	if sess.MessageCount != 0 {
		t.Fatalf("message count = %d, want 0", sess.MessageCount)
	}

	// First message: 50 characters, so the derived title is the first 30
	// plus an ellipsis.
	first := strings.Repeat("a", 50)
	if _, err := store.AppendUserMessage(ctx, sess, first); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	wantTitle := strings.Repeat("a", 30) + "…"
	if got.Title != wantTitle {
		t.Errorf("title = %q, want %q", got.Title, wantTitle)
	}
	if got.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", got.MessageCount)
	}
	if got.FirstQuestionAt == nil {
		t.Error("first question time not set")
	}

	// Assistant turns do not move the count or the title.
	if _, err := store.AppendAssistantMessage(ctx, sess.ID, "sure", map[string]any{"model": "gemini"}, 5); err != nil {
		t.Fatalf("AppendAssistantMessage: %v", err)
	}

	// Second user message: count moves, title stays.
	if _, err := store.AppendUserMessage(ctx, got, "b"); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}
	got, err = store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Title != wantTitle {
		t.Errorf("title changed to %q after second message", got.Title)
	}
	if got.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", got.MessageCount)
	}

	msgs, err := store.ListMessages(ctx, sess.ID, 1, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if msgs.Total != 3 {
		t.Errorf("stored messages = %d, want 3", msgs.Total)
	}
	if msgs.Items[0].Role != session.RoleUser || msgs.Items[1].Role != session.RoleAssistant {
		t.Errorf("messages out of creation order: %v, %v", msgs.Items[0].Role, msgs.Items[1].Role)
	}

	// Search hits on message content.
	found, err := store.SearchSessions(ctx, "sure", 10)
	if err != nil {
		t.Fatalf("SearchSessions: %v", err)
	}
	if len(found) != 1 || found[0].ID != sess.ID {
		t.Errorf("search results = %v", found)
	}

	// Clearing removes the messages but keeps the session active.
	if err := store.ClearMessages(ctx, sess.ID); err != nil {
		t.Fatalf("ClearMessages: %v", err)
	}
	msgs, err = store.ListMessages(ctx, sess.ID, 1, 10)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if msgs.Total != 0 {
		t.Errorf("messages after clear = %d, want 0", msgs.Total)
	}

	// Delete is soft: GetSession fails but the row remains observable.
	if err := store.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := store.GetSession(ctx, sess.ID); !errors.Is(err, session.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	raw, err := store.GetSessionAnyState(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSessionAnyState: %v", err)
	}
	if raw.IsActive {
		t.Error("deleted session still marked active")
	}

	// Deleted sessions disappear from listings.
	page, err := store.ListSessions(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("active sessions = %d, want 0", page.Total)
	}
}
