// Package agent owns the per-session responder cache and the streaming
// orchestrator that drives a generation request through it.
//
// The orchestrator speaks a closed three-case event protocol: zero or more
// Chunk events followed by exactly one terminal event, Complete or Error.
// Provider faults never escape as Go errors past the orchestrator; they
// arrive as Error events.
package agent

// Event is one normalized generation event. The set is sealed: Chunk,
// Complete, and Error are the only implementations.
type Event interface {
	event()
}

// Chunk carries an incremental text delta plus everything accumulated so
// far. Emitted zero or more times, never after a terminal event.
type Chunk struct {
	Delta   string
	Content string
}

// Complete is the terminal success event. Content is the authoritative
// final text, which may differ from the concatenation of chunk deltas.
type Complete struct {
	Content string
	Usage   *Usage
}

// Error is the terminal failure event.
type Error struct {
	Message string
}

func (Chunk) event()    {}
func (Complete) event() {}
func (Error) event()    {}

// Usage is optional token accounting attached to a completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GenConfig is the generation configuration a session pins for its
// responder.
type GenConfig struct {
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}
