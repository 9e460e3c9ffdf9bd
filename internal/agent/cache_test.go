package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/parleyhq/parley/internal/log"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeResponder struct {
	deltas  []string
	reply   *Reply
	err     error
	closed  atomic.Int32
	prompts []string
}

func (f *fakeResponder) Generate(_ context.Context, prompt string, onDelta func(string) error) (*Reply, error) {
	f.prompts = append(f.prompts, prompt)
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return nil, err
		}
	}
	return f.reply, f.err
}

func (f *fakeResponder) Close() error {
	f.closed.Add(1)
	return nil
}

func staticFactory(r Responder) ResponderFactory {
	return func(context.Context, GenConfig) (Responder, error) {
		return r, nil
	}
}

func TestCacheResolveReusesHandle(t *testing.T) {
	var built atomic.Int32
	factory := func(_ context.Context, cfg GenConfig) (Responder, error) {
		built.Add(1)
		return &fakeResponder{}, nil
	}
	cache := NewCache(factory, log.NewNop())
	id := uuid.New()

	first, err := cache.Resolve(context.Background(), id, GenConfig{Model: "gemini"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A different config must not rebuild or reconfigure the handle.
	second, err := cache.Resolve(context.Background(), id, GenConfig{Model: "llama"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if first != second {
		t.Error("second Resolve returned a different handle")
	}
	if second.Config.Model != "gemini" {
		t.Errorf("cached config model = %q, want original %q", second.Config.Model, "gemini")
	}
	if built.Load() != 1 {
		t.Errorf("factory ran %d times, want 1", built.Load())
	}
}

func TestCacheResolveFactoryError(t *testing.T) {
	wantErr := errors.New("provider unreachable")
	factory := func(context.Context, GenConfig) (Responder, error) {
		return nil, wantErr
	}
	cache := NewCache(factory, log.NewNop())

	_, err := cache.Resolve(context.Background(), uuid.New(), GenConfig{})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if cache.Len() != 0 {
		t.Error("failed construction must not leave a cache entry")
	}
}

func TestCacheEvict(t *testing.T) {
	r := &fakeResponder{}
	cache := NewCache(staticFactory(r), log.NewNop())
	id := uuid.New()

	if _, err := cache.Resolve(context.Background(), id, GenConfig{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	cache.Evict(id)
	if r.closed.Load() != 1 {
		t.Errorf("responder closed %d times, want 1", r.closed.Load())
	}
	if cache.Len() != 0 {
		t.Error("entry survived eviction")
	}

	// Idempotent: evicting again, or an unknown id, is a no-op.
	cache.Evict(id)
	cache.Evict(uuid.New())
	if r.closed.Load() != 1 {
		t.Errorf("responder closed %d times after repeat eviction, want 1", r.closed.Load())
	}
}

func TestCacheEvictAll(t *testing.T) {
	responders := []*fakeResponder{{}, {}, {}}
	i := atomic.Int32{}
	factory := func(context.Context, GenConfig) (Responder, error) {
		return responders[i.Add(1)-1], nil
	}
	cache := NewCache(factory, log.NewNop())

	for range responders {
		if _, err := cache.Resolve(context.Background(), uuid.New(), GenConfig{}); err != nil {
			t.Fatalf("Resolve: %v", err)
		}
	}

	cache.EvictAll()
	if cache.Len() != 0 {
		t.Errorf("cache holds %d handles after EvictAll", cache.Len())
	}
	for n, r := range responders {
		if r.closed.Load() != 1 {
			t.Errorf("responder %d closed %d times, want 1", n, r.closed.Load())
		}
	}
}

func TestCacheConcurrentResolve(t *testing.T) {
	var built, closed atomic.Int32
	factory := func(context.Context, GenConfig) (Responder, error) {
		built.Add(1)
		return &countingCloser{closed: &closed}, nil
	}
	cache := NewCache(factory, log.NewNop())
	id := uuid.New()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Resolve(context.Background(), id, GenConfig{}); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()

	if cache.Len() != 1 {
		t.Fatalf("cache holds %d handles, want 1", cache.Len())
	}
	// Every responder built beyond the winner must have been released.
	if got, want := closed.Load(), built.Load()-1; got != want {
		t.Errorf("closed %d displaced responders, want %d", got, want)
	}
}

type countingCloser struct {
	closed *atomic.Int32
}

func (c *countingCloser) Generate(context.Context, string, func(string) error) (*Reply, error) {
	return &Reply{}, nil
}

func (c *countingCloser) Close() error {
	c.closed.Add(1)
	return nil
}
