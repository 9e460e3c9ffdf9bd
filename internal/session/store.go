package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parleyhq/parley/internal/log"
	"github.com/parleyhq/parley/internal/postgres"
)

// Querier is the query surface the Store needs. *postgres.Queries satisfies
// it; tests substitute a mock.
type Querier interface {
	CreateSession(ctx context.Context, arg postgres.CreateSessionParams) (postgres.Session, error)
	GetSession(ctx context.Context, id pgtype.UUID) (postgres.Session, error)
	GetSessionAnyState(ctx context.Context, id pgtype.UUID) (postgres.Session, error)
	ListSessions(ctx context.Context, arg postgres.ListSessionsParams) ([]postgres.Session, error)
	CountSessions(ctx context.Context) (int64, error)
	UpdateSession(ctx context.Context, arg postgres.UpdateSessionParams) (postgres.Session, error)
	UpdateSessionTitle(ctx context.Context, arg postgres.UpdateSessionTitleParams) error
	TouchSession(ctx context.Context, arg postgres.TouchSessionParams) error
	SoftDeleteSession(ctx context.Context, id pgtype.UUID) error
	InsertMessage(ctx context.Context, arg postgres.InsertMessageParams) (postgres.Message, error)
	ListMessages(ctx context.Context, arg postgres.ListMessagesParams) ([]postgres.Message, error)
	CountMessages(ctx context.Context, sessionID pgtype.UUID) (int64, error)
	CountMessagesByRole(ctx context.Context, arg postgres.CountMessagesByRoleParams) (int64, error)
	DeleteSessionMessages(ctx context.Context, sessionID pgtype.UUID) error
	SearchSessions(ctx context.Context, arg postgres.SearchSessionsParams) ([]postgres.Session, error)
	SearchSessionsFold(ctx context.Context, arg postgres.SearchSessionsParams) ([]postgres.Session, error)
}

// Store implements the session persistence contract on top of a Querier.
// Every public operation runs in its own transaction; no transaction spans
// a generation request.
type Store struct {
	queries       Querier
	pool          *pgxpool.Pool
	logger        log.Logger
	caseSensitive bool
}

// Option configures a Store.
type Option func(*Store)

// WithCaseSensitiveSearch controls whether SearchSessions matches
// substrings case-sensitively. Defaults to true.
func WithCaseSensitiveSearch(sensitive bool) Option {
	return func(s *Store) {
		s.caseSensitive = sensitive
	}
}

// NewStore creates a Store. pool may be nil, in which case multi-statement
// operations run directly on queries without a transaction; this path
// exists for tests with a mock Querier.
func NewStore(queries Querier, pool *pgxpool.Pool, logger log.Logger, opts ...Option) *Store {
	s := &Store{
		queries:       queries,
		pool:          pool,
		logger:        logger,
		caseSensitive: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// withTx runs fn against transaction-bound queries, or directly against the
// base Querier when no pool is configured.
func (s *Store) withTx(ctx context.Context, fn func(q Querier) error) error {
	if s.pool == nil {
		return fn(s.queries)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(postgres.New(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSessionNotFound
	}
	return err
}

// CreateSession creates a session. An empty title becomes the default
// sentinel, from which the first user message later derives the real title.
func (s *Store) CreateSession(ctx context.Context, params CreateParams) (*Session, error) {
	if params.Title == "" {
		params.Title = DefaultTitle
	}

	row, err := s.queries.CreateSession(ctx, postgres.CreateSessionParams{
		Title:        params.Title,
		ModelName:    params.ModelName,
		SystemPrompt: params.SystemPrompt,
		Temperature:  params.Temperature,
		MaxTokens:    int32(params.MaxTokens),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess := sessionFromRow(row)
	s.logger.Debug("session created", "session_id", sess.ID, "model", sess.ModelName)
	return sess, nil
}

// ResolveOrCreate returns the active session with the given id, or creates
// a fresh one when id is nil. A non-nil id that does not resolve reports
// ErrSessionNotFound rather than silently creating a replacement.
func (s *Store) ResolveOrCreate(ctx context.Context, id *uuid.UUID, params CreateParams) (*Session, error) {
	if id == nil {
		return s.CreateSession(ctx, params)
	}
	return s.GetSession(ctx, *id)
}

// GetSession fetches an active session.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	row, err := s.queries.GetSession(ctx, pgUUID(id))
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, mapNotFound(err))
	}
	return sessionFromRow(row), nil
}

// GetSessionAnyState fetches a session regardless of its activity flag.
func (s *Store) GetSessionAnyState(ctx context.Context, id uuid.UUID) (*Session, error) {
	row, err := s.queries.GetSessionAnyState(ctx, pgUUID(id))
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, mapNotFound(err))
	}
	return sessionFromRow(row), nil
}

// ListSessions returns one page of active sessions ordered by most
// recently updated. page is 1-based; out-of-range values are clamped.
func (s *Store) ListSessions(ctx context.Context, page, size int) (*Page[*Session], error) {
	page, size = clampPage(page, size)

	total, err := s.queries.CountSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	rows, err := s.queries.ListSessions(ctx, postgres.ListSessionsParams{
		ResultLimit:  int32(size),
		ResultOffset: int32((page - 1) * size),
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return NewPage(sessionsFromRows(rows), total, page, size), nil
}

// UpdateSession applies a partial update to an active session and returns
// the updated row.
func (s *Store) UpdateSession(ctx context.Context, id uuid.UUID, params UpdateParams) (*Session, error) {
	var maxTokens *int32
	if params.MaxTokens != nil {
		v := int32(*params.MaxTokens)
		maxTokens = &v
	}

	row, err := s.queries.UpdateSession(ctx, postgres.UpdateSessionParams{
		ID:           pgUUID(id),
		Title:        params.Title,
		ModelName:    params.ModelName,
		SystemPrompt: params.SystemPrompt,
		Temperature:  params.Temperature,
		MaxTokens:    maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("update session %s: %w", id, mapNotFound(err))
	}
	return sessionFromRow(row), nil
}

// DeleteSession removes the session's messages and flips the session
// inactive, in one transaction. The row itself is kept.
func (s *Store) DeleteSession(ctx context.Context, id uuid.UUID) error {
	err := s.withTx(ctx, func(q Querier) error {
		if _, err := q.GetSession(ctx, pgUUID(id)); err != nil {
			return mapNotFound(err)
		}
		if err := q.DeleteSessionMessages(ctx, pgUUID(id)); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return q.SoftDeleteSession(ctx, pgUUID(id))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}

	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// ClearMessages deletes all messages of an active session and refreshes
// its updated_at, so the cleared session surfaces first in listings.
func (s *Store) ClearMessages(ctx context.Context, id uuid.UUID) error {
	err := s.withTx(ctx, func(q Querier) error {
		row, err := q.GetSession(ctx, pgUUID(id))
		if err != nil {
			return mapNotFound(err)
		}
		if err := q.DeleteSessionMessages(ctx, pgUUID(id)); err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		return q.TouchSession(ctx, postgres.TouchSessionParams{
			ID:        row.ID,
			UpdatedAt: pgtype.Timestamptz{Time: nowUTC(), Valid: true},
		})
	})
	if err != nil {
		return fmt.Errorf("clear session %s: %w", id, err)
	}

	s.logger.Info("session messages cleared", "session_id", id)
	return nil
}

// AppendUserMessage inserts a user message, bumps the session's updated_at
// to the message timestamp, and derives the title from the message text
// when this is the session's very first user message and the title still
// carries the default sentinel. All of it commits atomically.
//
// sess is updated in place so callers observe the new title and count
// without a re-read.
func (s *Store) AppendUserMessage(ctx context.Context, sess *Session, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}

	var (
		msg       *Message
		userCount int64
		title     string
	)
	err := s.withTx(ctx, func(q Querier) error {
		row, err := q.InsertMessage(ctx, postgres.InsertMessageParams{
			SessionID: pgUUID(sess.ID),
			Role:      RoleUser,
			Content:   text,
		})
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		userCount, err = q.CountMessagesByRole(ctx, postgres.CountMessagesByRoleParams{
			SessionID: row.SessionID,
			Role:      RoleUser,
		})
		if err != nil {
			return fmt.Errorf("count user messages: %w", err)
		}

		// One-shot title rule: only the first user message of a
		// still-untitled session names it. Titles set away from the
		// sentinel are never revisited.
		if sess.Title == DefaultTitle && userCount == 1 {
			title = DeriveTitle(text)
			if err := q.UpdateSessionTitle(ctx, postgres.UpdateSessionTitleParams{
				ID:    row.SessionID,
				Title: title,
			}); err != nil {
				return fmt.Errorf("derive title: %w", err)
			}
		}

		if err := q.TouchSession(ctx, postgres.TouchSessionParams{
			ID:        row.SessionID,
			UpdatedAt: row.CreatedAt,
		}); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}

		msg, err = messageFromRow(row)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("append user message to %s: %w", sess.ID, err)
	}

	// The in-memory session reflects the write only once it is committed.
	if title != "" {
		sess.Title = title
	}
	sess.MessageCount = int(userCount)
	sess.UpdatedAt = msg.CreatedAt
	return msg, nil
}

// AppendAssistantMessage persists a completed assistant turn. It is called
// only after a terminal success event, on a context detached from the
// request, so a client disconnect after completion cannot lose the write.
func (s *Store) AppendAssistantMessage(ctx context.Context, sessionID uuid.UUID, text string, metadata map[string]any, tokenCount int) (*Message, error) {
	if text == "" {
		return nil, ErrEmptyContent
	}

	raw, err := marshalMetadata(metadata)
	if err != nil {
		return nil, err
	}

	row, err := s.queries.InsertMessage(ctx, postgres.InsertMessageParams{
		SessionID:  pgUUID(sessionID),
		Role:       RoleAssistant,
		Content:    text,
		Metadata:   raw,
		TokenCount: int32(tokenCount),
	})
	if err != nil {
		return nil, fmt.Errorf("append assistant message to %s: %w", sessionID, err)
	}
	return messageFromRow(row)
}

// AppendSystemMessage inserts a system-role message. System messages do not
// affect the reported message count or the title rule.
func (s *Store) AppendSystemMessage(ctx context.Context, sessionID uuid.UUID, text string) (*Message, error) {
	if text == "" {
		return nil, ErrEmptyContent
	}

	row, err := s.queries.InsertMessage(ctx, postgres.InsertMessageParams{
		SessionID: pgUUID(sessionID),
		Role:      RoleSystem,
		Content:   text,
	})
	if err != nil {
		return nil, fmt.Errorf("append system message to %s: %w", sessionID, err)
	}
	return messageFromRow(row)
}

// ListMessages returns one page of a session's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, sessionID uuid.UUID, page, size int) (*Page[*Message], error) {
	page, size = clampPage(page, size)

	if _, err := s.queries.GetSession(ctx, pgUUID(sessionID)); err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, mapNotFound(err))
	}

	total, err := s.queries.CountMessages(ctx, pgUUID(sessionID))
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.queries.ListMessages(ctx, postgres.ListMessagesParams{
		SessionID:    pgUUID(sessionID),
		ResultLimit:  int32(size),
		ResultOffset: int32((page - 1) * size),
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages, err := messagesFromRows(rows)
	if err != nil {
		return nil, err
	}
	return NewPage(messages, total, page, size), nil
}

// SearchSessions returns active sessions whose title or message content
// contains query as a substring, most recently updated first.
func (s *Store) SearchSessions(ctx context.Context, query string, limit int) ([]*Session, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = defaultPageSize
	}

	arg := postgres.SearchSessionsParams{
		Pattern:     "%" + escapeLike(query) + "%",
		ResultLimit: int32(limit),
	}

	var (
		rows []postgres.Session
		err  error
	)
	if s.caseSensitive {
		rows, err = s.queries.SearchSessions(ctx, arg)
	} else {
		rows, err = s.queries.SearchSessionsFold(ctx, arg)
	}
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	return sessionsFromRows(rows), nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func clampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	return page, size
}

// escapeLike neutralizes LIKE metacharacters so user queries match
// literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
