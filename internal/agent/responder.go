package agent

import "context"

// Reply is a finished generation: the final text plus optional token
// accounting.
type Reply struct {
	Content string
	Usage   *Usage
}

// Responder produces a reply for a prompt, invoking onDelta for each
// incremental text fragment as it arrives. Implementations report faults
// as errors; the orchestrator converts them to Error events.
//
// Returning an error from onDelta aborts the generation and surfaces that
// error from Generate.
type Responder interface {
	Generate(ctx context.Context, prompt string, onDelta func(delta string) error) (*Reply, error)
	Close() error
}

// ResponderFactory constructs a Responder for a generation configuration.
// The provider package supplies the production implementation.
type ResponderFactory func(ctx context.Context, cfg GenConfig) (Responder, error)
