package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/session"
)

// SessionStore is the persistence surface the handlers need. Implemented
// by *session.Store; tests substitute a mock.
type SessionStore interface {
	CreateSession(ctx context.Context, params session.CreateParams) (*session.Session, error)
	ResolveOrCreate(ctx context.Context, id *uuid.UUID, params session.CreateParams) (*session.Session, error)
	GetSession(ctx context.Context, id uuid.UUID) (*session.Session, error)
	ListSessions(ctx context.Context, page, size int) (*session.Page[*session.Session], error)
	UpdateSession(ctx context.Context, id uuid.UUID, params session.UpdateParams) (*session.Session, error)
	DeleteSession(ctx context.Context, id uuid.UUID) error
	ClearMessages(ctx context.Context, id uuid.UUID) error
	AppendUserMessage(ctx context.Context, sess *session.Session, text string) (*session.Message, error)
	AppendAssistantMessage(ctx context.Context, sessionID uuid.UUID, text string, metadata map[string]any, tokenCount int) (*session.Message, error)
	ListMessages(ctx context.Context, sessionID uuid.UUID, page, size int) (*session.Page[*session.Message], error)
	SearchSessions(ctx context.Context, query string, limit int) ([]*session.Session, error)
}

// Evictor drops a session's cached responder. Implemented by *agent.Cache.
type Evictor interface {
	Evict(sessionID uuid.UUID)
}

// sessionHandler serves the session management surface.
type sessionHandler struct {
	store    SessionStore
	evictor  Evictor
	defaults defaults
	logger   log.Logger
}

type createSessionRequest struct {
	Title        string   `json:"title"`
	ModelName    string   `json:"model_name"`
	SystemPrompt string   `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

type updateSessionRequest struct {
	Title        *string  `json:"title"`
	ModelName    *string  `json:"model_name"`
	SystemPrompt *string  `json:"system_prompt"`
	Temperature  *float64 `json:"temperature"`
	MaxTokens    *int     `json:"max_tokens"`
}

// defaults supplies session configuration for requests that omit fields.
type defaults struct {
	ModelName    string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

func (h *sessionHandler) createParams(req createSessionRequest) session.CreateParams {
	d := h.defaults
	p := session.CreateParams{
		Title:        req.Title,
		ModelName:    req.ModelName,
		SystemPrompt: req.SystemPrompt,
		Temperature:  d.Temperature,
		MaxTokens:    d.MaxTokens,
	}
	if p.ModelName == "" {
		p.ModelName = d.ModelName
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = d.SystemPrompt
	}
	if req.Temperature != nil {
		p.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}
	return p
}

func newSessionHandler(store SessionStore, evictor Evictor, d defaults, logger log.Logger) *sessionHandler {
	return &sessionHandler{store: store, evictor: evictor, defaults: d, logger: logger}
}

func (h *sessionHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body", h.logger)
			return
		}
	}

	sess, err := h.store.CreateSession(r.Context(), h.createParams(req))
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess, h.logger)
}

func (h *sessionHandler) list(w http.ResponseWriter, r *http.Request) {
	page, size := pageParams(r)
	result, err := h.store.ListSessions(r.Context(), page, size)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result, h.logger)
}

func (h *sessionHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	sess, err := h.store.GetSession(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess, h.logger)
}

func (h *sessionHandler) update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req updateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid JSON body", h.logger)
		return
	}

	sess, err := h.store.UpdateSession(r.Context(), id, session.UpdateParams{
		Title:        req.Title,
		ModelName:    req.ModelName,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess, h.logger)
}

func (h *sessionHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	// The cached responder holds the deleted session's context; drop it.
	h.evictor.Evict(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) clearMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.store.ClearMessages(r.Context(), id); err != nil {
		h.writeStoreError(w, err)
		return
	}
	// Eviction here guarantees the next turn starts with a fresh context.
	h.evictor.Evict(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *sessionHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	page, size := pageParams(r)
	result, err := h.store.ListMessages(r.Context(), id, page, size)
	if err != nil {
		h.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result, h.logger)
}

func (h *sessionHandler) search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	sessions, err := h.store.SearchSessions(r.Context(), query, limit)
	if err != nil {
		if errors.Is(err, session.ErrEmptyQuery) {
			writeError(w, http.StatusBadRequest, "empty_query", "query parameter q is required", h.logger)
			return
		}
		h.writeStoreError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"total":    len(sessions),
		"query":    query,
	}, h.logger)
}

func (h *sessionHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid session id", h.logger)
		return uuid.Nil, false
	}
	return id, true
}

func (h *sessionHandler) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "session not found", h.logger)
		return
	}
	h.logger.Error("session store error", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
}

func pageParams(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	size, _ := strconv.Atoi(r.URL.Query().Get("size"))
	if page < 1 {
		page = 1
	}
	return page, size
}
