package session

import "errors"

// Sentinel errors for session operations. Callers match with errors.Is.
var (
	// ErrSessionNotFound is returned when the requested session does not
	// exist or has been soft-deleted.
	ErrSessionNotFound = errors.New("session not found")

	// ErrEmptyContent is returned when a message with empty content is
	// appended.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrInvalidRole is returned for a message role outside user,
	// assistant, or system.
	ErrInvalidRole = errors.New("invalid message role")

	// ErrEmptyQuery is returned when a search is attempted with an empty
	// query string.
	ErrEmptyQuery = errors.New("search query is empty")
)
