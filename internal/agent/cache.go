package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/log"
)

// Handle binds a session's pinned generation configuration to its live
// responder. At most one handle exists per session id.
type Handle struct {
	SessionID uuid.UUID
	Config    GenConfig
	Responder Responder
}

// Cache maps session ids to responder handles. Resolve materializes a
// handle lazily; a cached handle keeps the configuration it was built
// with, so config edits on a session take effect only after Evict.
type Cache struct {
	mu      sync.Mutex
	handles map[uuid.UUID]*Handle
	factory ResponderFactory
	logger  log.Logger
}

// NewCache creates an empty cache that builds responders with factory.
func NewCache(factory ResponderFactory, logger log.Logger) *Cache {
	return &Cache{
		handles: make(map[uuid.UUID]*Handle),
		factory: factory,
		logger:  logger,
	}
}

// Resolve returns the handle for sessionID, constructing one from cfg if
// none exists. An existing handle is returned unconditionally, cfg is
// ignored for it.
//
// The lock is never held across responder construction, so two concurrent
// first calls may both build a responder; the loser's responder is closed
// and the winner's handle kept.
func (c *Cache) Resolve(ctx context.Context, sessionID uuid.UUID, cfg GenConfig) (*Handle, error) {
	c.mu.Lock()
	if h, ok := c.handles[sessionID]; ok {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	responder, err := c.factory(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create responder for session %s: %w", sessionID, err)
	}

	h := &Handle{SessionID: sessionID, Config: cfg, Responder: responder}

	c.mu.Lock()
	existing, ok := c.handles[sessionID]
	if ok {
		c.mu.Unlock()
		c.closeResponder(sessionID, responder)
		return existing, nil
	}
	c.handles[sessionID] = h
	c.mu.Unlock()

	c.logger.Debug("responder created", "session_id", sessionID, "model", cfg.Model)
	return h, nil
}

// Evict releases the responder for sessionID and drops the cache entry.
// Evicting an unknown id is a no-op. Release failures are logged, never
// propagated, so eviction cannot block session deletion.
func (c *Cache) Evict(sessionID uuid.UUID) {
	c.mu.Lock()
	h, ok := c.handles[sessionID]
	if ok {
		delete(c.handles, sessionID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	c.closeResponder(sessionID, h.Responder)
	c.logger.Debug("responder evicted", "session_id", sessionID)
}

// EvictAll releases every cached responder. Used at process teardown.
func (c *Cache) EvictAll() {
	c.mu.Lock()
	handles := c.handles
	c.handles = make(map[uuid.UUID]*Handle)
	c.mu.Unlock()

	for id, h := range handles {
		c.closeResponder(id, h.Responder)
	}
	if len(handles) > 0 {
		c.logger.Debug("all responders evicted", "count", len(handles))
	}
}

// Len reports the number of live handles.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles)
}

func (c *Cache) closeResponder(sessionID uuid.UUID, r Responder) {
	if err := r.Close(); err != nil {
		c.logger.Warn("responder close failed", "session_id", sessionID, "error", err)
	}
}
