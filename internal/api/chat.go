package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/session"
)

// Generator produces the normalized event sequence for one generation
// request. Implemented by *agent.Orchestrator.
type Generator interface {
	Generate(ctx context.Context, sessionID uuid.UUID, prompt string, cfg agent.GenConfig) iter.Seq[agent.Event]
}

// chatHandler serves the streaming and single-shot chat endpoints.
type chatHandler struct {
	store     SessionStore
	generator Generator
	defaults  defaults
	logger    log.Logger
}

func newChatHandler(store SessionStore, generator Generator, d defaults, logger log.Logger) *chatHandler {
	return &chatHandler{store: store, generator: generator, defaults: d, logger: logger}
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// Frame payloads, in emission order: session, chunk*, then complete or
// error.
type sessionFrame struct {
	SessionID     uuid.UUID `json:"session_id"`
	UserMessageID uuid.UUID `json:"user_message_id"`
}

type chunkFrame struct {
	Content     string `json:"content"`
	FullContent string `json:"full_content"`
}

type completeFrame struct {
	AssistantMessageID uuid.UUID    `json:"assistant_message_id"`
	Content            string       `json:"content"`
	Usage              *agent.Usage `json:"usage,omitempty"`
}

type errorFrame struct {
	Error   string `json:"error"`
	Content string `json:"content,omitempty"`
}

type chatResponse struct {
	SessionID        uuid.UUID        `json:"session_id"`
	UserMessage      *session.Message `json:"user_message"`
	AssistantMessage *session.Message `json:"assistant_message"`
	Usage            *agent.Usage     `json:"usage,omitempty"`
}

// begin decodes the request, resolves the session, and commits the user
// turn. Generation only starts after this succeeds.
func (h *chatHandler) begin(w http.ResponseWriter, r *http.Request) (*session.Session, *session.Message, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body", h.logger)
		return nil, nil, false
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "empty_message", "message is required", h.logger)
		return nil, nil, false
	}

	var sessionID *uuid.UUID
	if req.SessionID != "" {
		id, err := uuid.Parse(req.SessionID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_id", "invalid session id", h.logger)
			return nil, nil, false
		}
		sessionID = &id
	}

	d := h.defaults
	sess, err := h.store.ResolveOrCreate(r.Context(), sessionID, session.CreateParams{
		ModelName:    d.ModelName,
		SystemPrompt: d.SystemPrompt,
		Temperature:  d.Temperature,
		MaxTokens:    d.MaxTokens,
	})
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
		} else {
			h.logger.Error("resolving session", "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		}
		return nil, nil, false
	}

	userMsg, err := h.store.AppendUserMessage(r.Context(), sess, req.Message)
	if err != nil {
		h.logger.Error("appending user message", "session_id", sess.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return nil, nil, false
	}

	return sess, userMsg, true
}

func genConfigFor(sess *session.Session) agent.GenConfig {
	return agent.GenConfig{
		Model:        sess.ModelName,
		SystemPrompt: sess.SystemPrompt,
		Temperature:  sess.Temperature,
		MaxTokens:    sess.MaxTokens,
	}
}

// persistAssistant commits the assistant turn after a terminal success.
// It runs on a context detached from the request: the stream has already
// delivered the completion, a disconnect now must not void the write.
func (h *chatHandler) persistAssistant(ctx context.Context, sess *session.Session, done agent.Complete) (*session.Message, error) {
	metadata := map[string]any{"model": sess.ModelName}
	tokens := 0
	if done.Usage != nil {
		tokens = done.Usage.CompletionTokens
	}
	return h.store.AppendAssistantMessage(context.WithoutCancel(ctx),
		sess.ID, done.Content, metadata, tokens)
}

// stream drives one generation over SSE. Frame order is session, zero or
// more chunk frames, then exactly one complete or error frame. A client
// disconnect abandons the generation and persists nothing for the
// assistant turn.
func (h *chatHandler) stream(w http.ResponseWriter, r *http.Request) {
	sess, userMsg, ok := h.begin(w, r)
	if !ok {
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		h.logger.Error("initializing event stream", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported", h.logger)
		return
	}

	ctx := r.Context()
	if err := sse.WriteEvent(ctx, "session", sessionFrame{
		SessionID:     sess.ID,
		UserMessageID: userMsg.ID,
	}); err != nil {
		h.logger.Debug("client left before stream start", "session_id", sess.ID, "error", err)
		return
	}

	var accumulated string
	for ev := range h.generator.Generate(ctx, sess.ID, userMsg.Content, genConfigFor(sess)) {
		switch ev := ev.(type) {
		case agent.Chunk:
			accumulated = ev.Content
			if err := sse.WriteEvent(ctx, "chunk", chunkFrame{
				Content:     ev.Delta,
				FullContent: ev.Content,
			}); err != nil {
				h.logger.Debug("stream abandoned", "session_id", sess.ID, "error", err)
				return
			}

		case agent.Complete:
			assistantMsg, err := h.persistAssistant(ctx, sess, ev)
			if err != nil {
				h.logger.Error("persisting assistant message", "session_id", sess.ID, "error", err)
				_ = sse.WriteEvent(ctx, "error", errorFrame{
					Error:   "failed to save response",
					Content: ev.Content,
				})
				return
			}
			_ = sse.WriteEvent(ctx, "complete", completeFrame{
				AssistantMessageID: assistantMsg.ID,
				Content:            assistantMsg.Content,
				Usage:              ev.Usage,
			})
			return

		case agent.Error:
			_ = sse.WriteEvent(ctx, "error", errorFrame{
				Error:   ev.Message,
				Content: accumulated,
			})
			return
		}
	}
}

// send is the non-streaming variant: it consumes the whole event sequence
// and answers with both persisted turns, or a failure status carrying the
// generation error.
func (h *chatHandler) send(w http.ResponseWriter, r *http.Request) {
	sess, userMsg, ok := h.begin(w, r)
	if !ok {
		return
	}

	var terminal agent.Event
	for ev := range h.generator.Generate(r.Context(), sess.ID, userMsg.Content, genConfigFor(sess)) {
		switch ev.(type) {
		case agent.Complete, agent.Error:
			terminal = ev
		}
	}

	switch ev := terminal.(type) {
	case agent.Complete:
		assistantMsg, err := h.persistAssistant(r.Context(), sess, ev)
		if err != nil {
			h.logger.Error("persisting assistant message", "session_id", sess.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to save response", h.logger)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{
			SessionID:        sess.ID,
			UserMessage:      userMsg,
			AssistantMessage: assistantMsg,
			Usage:            ev.Usage,
		}, h.logger)

	case agent.Error:
		writeError(w, http.StatusBadGateway, "generation_failed", ev.Message, h.logger)

	default:
		// The orchestrator always ends with a terminal event; reaching
		// this means the consumer side lost it.
		writeError(w, http.StatusInternalServerError, "internal_error", "generation produced no result", h.logger)
	}
}
