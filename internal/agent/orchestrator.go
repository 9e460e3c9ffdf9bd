package agent

import (
	"context"
	"errors"
	"iter"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/parleyhq/parley/internal/log"
)

// ErrEmptyResponse marks a generation that produced neither a final
// message nor any streamed content. It reaches clients as an Error event.
var ErrEmptyResponse = errors.New("empty response")

// errAbandoned stops the responder when the event consumer walks away
// mid-stream. It never leaves this package.
var errAbandoned = errors.New("stream abandoned by consumer")

// Orchestrator drives one generation request: it resolves the session's
// responder through the cache and converts the responder's behavior into
// the normalized event protocol.
type Orchestrator struct {
	cache   *Cache
	limiter *rate.Limiter
	logger  log.Logger
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithRateLimit caps generation starts at r per second with the given
// burst. The zero value means no limit.
func WithRateLimit(r rate.Limit, burst int) OrchestratorOption {
	return func(o *Orchestrator) {
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// NewOrchestrator creates an Orchestrator over cache.
func NewOrchestrator(cache *Cache, logger log.Logger, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{cache: cache, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cache exposes the underlying responder cache for eviction by session
// lifecycle operations.
func (o *Orchestrator) Cache() *Cache {
	return o.cache
}

// Generate produces the event sequence for one request. Each call starts a
// fresh generation; sequences are never resumed.
//
// The sequence emits zero or more Chunk events and closes with exactly one
// Complete or Error. Responder faults are delivered as Error events, never
// raised. If the consumer stops ranging mid-stream the generation is
// aborted and no terminal event is produced.
func (o *Orchestrator) Generate(ctx context.Context, sessionID uuid.UUID, prompt string, cfg GenConfig) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				yield(Error{Message: err.Error()})
				return
			}
		}

		handle, err := o.cache.Resolve(ctx, sessionID, cfg)
		if err != nil {
			o.logger.Error("responder resolution failed", "session_id", sessionID, "error", err)
			yield(Error{Message: err.Error()})
			return
		}

		// Once yield returns false the consumer is gone and the range
		// function must never call yield again. Responders are not
		// trusted to propagate the onDelta error, so the flag guards
		// every yield after the stream, not just the errAbandoned case.
		var (
			accumulated string
			abandoned   bool
		)
		reply, err := handle.Responder.Generate(ctx, prompt, func(delta string) error {
			if abandoned {
				return errAbandoned
			}
			if delta == "" {
				return nil
			}
			accumulated += delta
			if !yield(Chunk{Delta: delta, Content: accumulated}) {
				abandoned = true
				return errAbandoned
			}
			return nil
		})

		switch {
		case abandoned, errors.Is(err, errAbandoned):
			// Consumer is gone; nothing left to deliver.
			o.logger.Debug("generation abandoned", "session_id", sessionID)
			return

		case err != nil:
			o.logger.Warn("generation failed", "session_id", sessionID, "error", err)
			yield(Error{Message: err.Error()})
			return
		}

		// The responder's final content is authoritative; the chunk
		// buffer only backs it up when the stream ended without one.
		switch {
		case reply != nil && reply.Content != "":
			yield(Complete{Content: reply.Content, Usage: reply.Usage})

		case accumulated != "":
			var usage *Usage
			if reply != nil {
				usage = reply.Usage
			}
			yield(Complete{Content: accumulated, Usage: usage})

		default:
			o.logger.Warn("generation yielded no content", "session_id", sessionID)
			yield(Error{Message: ErrEmptyResponse.Error()})
		}
	}
}
