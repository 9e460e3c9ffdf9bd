package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/parleyhq/parley/internal/postgres"
)

func nowUTC() time.Time {
	return time.Now().UTC()
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func fromPGUUID(id pgtype.UUID) uuid.UUID {
	return uuid.UUID(id.Bytes)
}

func fromPGTime(t pgtype.Timestamptz) time.Time {
	return t.Time
}

func fromPGTimePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func sessionFromRow(row postgres.Session) *Session {
	return &Session{
		ID:              fromPGUUID(row.ID),
		Title:           row.Title,
		ModelName:       row.ModelName,
		SystemPrompt:    row.SystemPrompt,
		Temperature:     row.Temperature,
		MaxTokens:       int(row.MaxTokens),
		IsActive:        row.IsActive,
		CreatedAt:       fromPGTime(row.CreatedAt),
		UpdatedAt:       fromPGTime(row.UpdatedAt),
		MessageCount:    int(row.MessageCount),
		FirstQuestionAt: fromPGTimePtr(row.FirstQuestionAt),
	}
}

func sessionsFromRows(rows []postgres.Session) []*Session {
	sessions := make([]*Session, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, sessionFromRow(row))
	}
	return sessions
}

func messageFromRow(row postgres.Message) (*Message, error) {
	m := &Message{
		ID:         fromPGUUID(row.ID),
		SessionID:  fromPGUUID(row.SessionID),
		Role:       row.Role,
		Content:    row.Content,
		TokenCount: int(row.TokenCount),
		CreatedAt:  fromPGTime(row.CreatedAt),
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	return m, nil
}

func messagesFromRows(rows []postgres.Message) ([]*Message, error) {
	messages := make([]*Message, 0, len(rows))
	for _, row := range rows {
		m, err := messageFromRow(row)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode message metadata: %w", err)
	}
	return raw, nil
}
