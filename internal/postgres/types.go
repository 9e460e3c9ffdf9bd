// Package postgres implements the session and message queries on PostgreSQL.
//
// The package exposes a [Queries] value bound to a DBTX, so the same query
// methods run against a pool or inside a transaction. Higher layers consume
// it through the session.Querier interface.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// DBTX is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// Queries holds the prepared SQL operations.
type Queries struct {
	db DBTX
}

// WithTx returns Queries bound to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Session is a row of chat_sessions plus derived counters.
// MessageCount counts user-role messages only; FirstQuestionAt is the
// timestamp of the earliest user message (null when none exist).
type Session struct {
	ID              pgtype.UUID
	Title           string
	ModelName       string
	SystemPrompt    string
	Temperature     float64
	MaxTokens       int32
	IsActive        bool
	CreatedAt       pgtype.Timestamptz
	UpdatedAt       pgtype.Timestamptz
	MessageCount    int64
	FirstQuestionAt pgtype.Timestamptz
}

// Message is a row of chat_messages. Metadata holds raw JSONB.
type Message struct {
	ID         pgtype.UUID
	SessionID  pgtype.UUID
	Role       string
	Content    string
	Metadata   []byte
	TokenCount int32
	CreatedAt  pgtype.Timestamptz
}
