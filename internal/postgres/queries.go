package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// sessionColumns is the shared projection for session rows. The two
// subqueries keep MessageCount equal to the number of user-role messages
// by construction.
const sessionColumns = `
	s.id, s.title, s.model_name, s.system_prompt, s.temperature, s.max_tokens,
	s.is_active, s.created_at, s.updated_at,
	(SELECT count(*) FROM chat_messages m WHERE m.session_id = s.id AND m.role = 'user') AS message_count,
	(SELECT min(m.created_at) FROM chat_messages m WHERE m.session_id = s.id AND m.role = 'user') AS first_question_at`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.Title, &s.ModelName, &s.SystemPrompt, &s.Temperature, &s.MaxTokens,
		&s.IsActive, &s.CreatedAt, &s.UpdatedAt,
		&s.MessageCount, &s.FirstQuestionAt,
	)
	return s, err
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()
	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

type CreateSessionParams struct {
	Title        string
	ModelName    string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int32
}

const createSession = `
INSERT INTO chat_sessions (title, model_name, system_prompt, temperature, max_tokens)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, title, model_name, system_prompt, temperature, max_tokens,
	is_active, created_at, updated_at,
	0::bigint AS message_count, NULL::timestamptz AS first_question_at`

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error) {
	row := q.db.QueryRow(ctx, createSession,
		arg.Title, arg.ModelName, arg.SystemPrompt, arg.Temperature, arg.MaxTokens)
	return scanSession(row)
}

const getSession = `
SELECT ` + sessionColumns + `
FROM chat_sessions s
WHERE s.id = $1 AND s.is_active`

// GetSession fetches an active session. Inactive sessions report pgx.ErrNoRows.
func (q *Queries) GetSession(ctx context.Context, id pgtype.UUID) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, getSession, id))
}

const getSessionAnyState = `
SELECT ` + sessionColumns + `
FROM chat_sessions s
WHERE s.id = $1`

// GetSessionAnyState fetches a session regardless of the soft-delete flag.
// Used by internal checks that need to distinguish "deleted" from "absent".
func (q *Queries) GetSessionAnyState(ctx context.Context, id pgtype.UUID) (Session, error) {
	return scanSession(q.db.QueryRow(ctx, getSessionAnyState, id))
}

type ListSessionsParams struct {
	ResultLimit  int32
	ResultOffset int32
}

const listSessions = `
SELECT ` + sessionColumns + `
FROM chat_sessions s
WHERE s.is_active
ORDER BY s.updated_at DESC
LIMIT $1 OFFSET $2`

func (q *Queries) ListSessions(ctx context.Context, arg ListSessionsParams) ([]Session, error) {
	rows, err := q.db.Query(ctx, listSessions, arg.ResultLimit, arg.ResultOffset)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

const countSessions = `SELECT count(*) FROM chat_sessions WHERE is_active`

func (q *Queries) CountSessions(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countSessions).Scan(&n)
	return n, err
}

type UpdateSessionParams struct {
	ID           pgtype.UUID
	Title        *string
	ModelName    *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int32
}

const updateSession = `
UPDATE chat_sessions s SET
	title = COALESCE($2, title),
	model_name = COALESCE($3, model_name),
	system_prompt = COALESCE($4, system_prompt),
	temperature = COALESCE($5, temperature),
	max_tokens = COALESCE($6, max_tokens),
	updated_at = now()
WHERE s.id = $1 AND s.is_active
RETURNING ` + sessionColumns

func (q *Queries) UpdateSession(ctx context.Context, arg UpdateSessionParams) (Session, error) {
	row := q.db.QueryRow(ctx, updateSession,
		arg.ID, arg.Title, arg.ModelName, arg.SystemPrompt, arg.Temperature, arg.MaxTokens)
	return scanSession(row)
}

type UpdateSessionTitleParams struct {
	ID    pgtype.UUID
	Title string
}

const updateSessionTitle = `UPDATE chat_sessions SET title = $2 WHERE id = $1`

func (q *Queries) UpdateSessionTitle(ctx context.Context, arg UpdateSessionTitleParams) error {
	_, err := q.db.Exec(ctx, updateSessionTitle, arg.ID, arg.Title)
	return err
}

type TouchSessionParams struct {
	ID        pgtype.UUID
	UpdatedAt pgtype.Timestamptz
}

const touchSession = `UPDATE chat_sessions SET updated_at = $2 WHERE id = $1`

// TouchSession sets updated_at explicitly, so a session's recency matches
// the timestamp of the message that refreshed it.
func (q *Queries) TouchSession(ctx context.Context, arg TouchSessionParams) error {
	_, err := q.db.Exec(ctx, touchSession, arg.ID, arg.UpdatedAt)
	return err
}

const softDeleteSession = `
UPDATE chat_sessions SET is_active = FALSE, updated_at = now()
WHERE id = $1 AND is_active`

func (q *Queries) SoftDeleteSession(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, softDeleteSession, id)
	return err
}

type InsertMessageParams struct {
	SessionID  pgtype.UUID
	Role       string
	Content    string
	Metadata   []byte
	TokenCount int32
}

const insertMessage = `
INSERT INTO chat_messages (session_id, role, content, metadata, token_count)
VALUES ($1, $2, $3, COALESCE($4::jsonb, '{}'::jsonb), $5)
RETURNING id, session_id, role, content, metadata, token_count, created_at`

func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) (Message, error) {
	row := q.db.QueryRow(ctx, insertMessage,
		arg.SessionID, arg.Role, arg.Content, arg.Metadata, arg.TokenCount)
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.TokenCount, &m.CreatedAt)
	return m, err
}

type ListMessagesParams struct {
	SessionID    pgtype.UUID
	ResultLimit  int32
	ResultOffset int32
}

const listMessages = `
SELECT id, session_id, role, content, metadata, token_count, created_at
FROM chat_messages
WHERE session_id = $1
ORDER BY created_at, id
LIMIT $2 OFFSET $3`

func (q *Queries) ListMessages(ctx context.Context, arg ListMessagesParams) ([]Message, error) {
	rows, err := q.db.Query(ctx, listMessages, arg.SessionID, arg.ResultLimit, arg.ResultOffset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

const countMessages = `SELECT count(*) FROM chat_messages WHERE session_id = $1`

func (q *Queries) CountMessages(ctx context.Context, sessionID pgtype.UUID) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countMessages, sessionID).Scan(&n)
	return n, err
}

type CountMessagesByRoleParams struct {
	SessionID pgtype.UUID
	Role      string
}

const countMessagesByRole = `
SELECT count(*) FROM chat_messages WHERE session_id = $1 AND role = $2`

func (q *Queries) CountMessagesByRole(ctx context.Context, arg CountMessagesByRoleParams) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countMessagesByRole, arg.SessionID, arg.Role).Scan(&n)
	return n, err
}

const deleteSessionMessages = `DELETE FROM chat_messages WHERE session_id = $1`

func (q *Queries) DeleteSessionMessages(ctx context.Context, sessionID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, deleteSessionMessages, sessionID)
	return err
}

type SearchSessionsParams struct {
	Pattern     string
	ResultLimit int32
}

const searchSessions = `
SELECT DISTINCT ` + sessionColumns + `
FROM chat_sessions s
LEFT JOIN chat_messages m ON m.session_id = s.id
WHERE s.is_active AND (s.title LIKE $1 OR m.content LIKE $1)
ORDER BY s.updated_at DESC
LIMIT $2`

// SearchSessions matches the LIKE pattern against session titles and owned
// message content, case-sensitively. DISTINCT deduplicates sessions that
// match through several messages.
func (q *Queries) SearchSessions(ctx context.Context, arg SearchSessionsParams) ([]Session, error) {
	rows, err := q.db.Query(ctx, searchSessions, arg.Pattern, arg.ResultLimit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

const searchSessionsFold = `
SELECT DISTINCT ` + sessionColumns + `
FROM chat_sessions s
LEFT JOIN chat_messages m ON m.session_id = s.id
WHERE s.is_active AND (s.title ILIKE $1 OR m.content ILIKE $1)
ORDER BY s.updated_at DESC
LIMIT $2`

// SearchSessionsFold is the case-insensitive variant of SearchSessions.
func (q *Queries) SearchSessionsFold(ctx context.Context, arg SearchSessionsParams) ([]Session, error) {
	rows, err := q.db.Query(ctx, searchSessionsFold, arg.Pattern, arg.ResultLimit)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}
