package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/parleyhq/parley/internal/agent"
)

// responder is one session's conversational binding: a pinned model and
// sampling configuration plus the turns exchanged so far. History lives in
// memory only; evicting the session's handle starts a fresh context.
type responder struct {
	g            *genkit.Genkit
	modelName    string
	systemPrompt string
	temperature  float64
	maxTokens    int

	mu      sync.Mutex
	history []*ai.Message
}

func (r *responder) Generate(ctx context.Context, prompt string, onDelta func(string) error) (*agent.Reply, error) {
	r.mu.Lock()
	messages := make([]*ai.Message, len(r.history), len(r.history)+1)
	copy(messages, r.history)
	r.mu.Unlock()

	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(prompt)))

	opts := []ai.GenerateOption{
		ai.WithModelName(r.modelName),
		ai.WithMessages(messages...),
		ai.WithConfig(map[string]any{
			"temperature":     r.temperature,
			"maxOutputTokens": r.maxTokens,
		}),
		ai.WithStreaming(func(_ context.Context, chunk *ai.ModelResponseChunk) error {
			return onDelta(chunk.Text())
		}),
	}
	if r.systemPrompt != "" {
		opts = append(opts, ai.WithSystem(r.systemPrompt))
	}

	resp, err := genkit.Generate(ctx, r.g, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	text := resp.Text()

	r.mu.Lock()
	r.history = append(r.history,
		ai.NewUserMessage(ai.NewTextPart(prompt)),
		ai.NewModelMessage(ai.NewTextPart(text)),
	)
	r.mu.Unlock()

	return &agent.Reply{
		Content: text,
		Usage:   usageFromResponse(resp),
	}, nil
}

// Close releases nothing today: genkit holds no per-responder connection.
// Dropping the responder discards its conversation history.
func (r *responder) Close() error {
	r.mu.Lock()
	r.history = nil
	r.mu.Unlock()
	return nil
}

func usageFromResponse(resp *ai.ModelResponse) *agent.Usage {
	if resp == nil || resp.Usage == nil {
		return nil
	}
	return &agent.Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
}
