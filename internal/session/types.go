// Package session provides the persistence contract for conversation
// sessions and their messages.
//
// A session is a conversation context with its own generation configuration
// and message history. The [Store] owns ordering, title derivation,
// soft-delete, and message counting; it knows nothing about how responses
// are generated.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Message role constants.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Session represents a conversation session (application-level type).
//
// MessageCount deliberately counts user-role messages only: it reports
// "questions asked", not total turns.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	ModelName       string     `json:"model_name"`
	SystemPrompt    string     `json:"system_prompt"`
	Temperature     float64    `json:"temperature"`
	MaxTokens       int        `json:"max_tokens"`
	IsActive        bool       `json:"is_active"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	MessageCount    int        `json:"message_count"`
	FirstQuestionAt *time.Time `json:"first_question_time,omitempty"`
}

// Message represents a single conversation message.
type Message struct {
	ID         uuid.UUID      `json:"id"`
	SessionID  uuid.UUID      `json:"session_id"`
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	TokenCount int            `json:"token_count"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Page is one page of an offset-paginated listing.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
	Pages int   `json:"pages"`
}

// NewPage assembles a page envelope. Pages is ceil(total/size).
func NewPage[T any](items []T, total int64, page, size int) *Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return &Page[T]{
		Items: items,
		Total: total,
		Page:  page,
		Size:  size,
		Pages: pages,
	}
}

// CreateParams holds the fields for creating a session.
// An empty Title becomes the DefaultTitle sentinel.
type CreateParams struct {
	Title        string
	ModelName    string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// UpdateParams holds a partial session update. Nil fields are left unchanged.
type UpdateParams struct {
	Title        *string
	ModelName    *string
	SystemPrompt *string
	Temperature  *float64
	MaxTokens    *int
}
