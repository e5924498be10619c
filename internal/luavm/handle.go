package luavm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNotLoaded is returned by Engine before a load has completed.
var ErrNotLoaded = errors.New("runtime not loaded")

// State is the load state of a Handle.
type State int

const (
	NotLoaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "not_loaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Factory creates a fresh runtime instance.
type Factory func(ctx context.Context) (Engine, error)

// Handle is a session-owned runtime instance with an explicit load state.
// It is loaded at most once; a failed load stays failed.
type Handle struct {
	factory  Factory
	attempts int
	backoff  time.Duration

	mu     sync.Mutex
	state  State
	engine Engine
	err    error
	done   chan struct{}
}

// NewHandle creates an unloaded handle. Load tries the factory up to
// attempts times, sleeping backoff*2^n between tries.
func NewHandle(factory Factory, attempts int, backoff time.Duration) *Handle {
	if attempts < 1 {
		attempts = 1
	}
	return &Handle{
		factory:  factory,
		attempts: attempts,
		backoff:  backoff,
	}
}

// State returns the current load state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Load blocks until the handle is Ready or Failed. Concurrent callers share
// one load; a caller whose ctx ends stops waiting but does not abort the load.
func (h *Handle) Load(ctx context.Context) error {
	h.mu.Lock()
	switch h.state {
	case Ready:
		h.mu.Unlock()
		return nil
	case Failed:
		err := h.err
		h.mu.Unlock()
		return err
	case Loading:
		done := h.done
		h.mu.Unlock()
		select {
		case <-done:
			return h.loadErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.state = Loading
	h.done = make(chan struct{})
	h.mu.Unlock()

	engine, err := h.tryLoad(ctx)

	h.mu.Lock()
	if err != nil {
		h.state = Failed
		h.err = err
	} else {
		h.state = Ready
		h.engine = engine
	}
	close(h.done)
	h.mu.Unlock()

	return err
}

// LoadAsync starts Load in the background and reports its outcome.
func (h *Handle) LoadAsync(ctx context.Context) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- h.Load(ctx)
	}()
	return ch
}

// Engine returns the loaded engine, ErrNotLoaded, or the load error.
func (h *Handle) Engine() (Engine, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Ready:
		return h.engine, nil
	case Failed:
		return nil, h.err
	default:
		return nil, ErrNotLoaded
	}
}

// Close releases the engine and returns a Ready handle to NotLoaded.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.engine != nil {
		h.engine.Close()
		h.engine = nil
	}
	if h.state == Ready {
		h.state = NotLoaded
	}
	return nil
}

func (h *Handle) loadErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) tryLoad(ctx context.Context) (Engine, error) {
	var lastErr error
	for attempt := 0; attempt < h.attempts; attempt++ {
		engine, err := h.factory(ctx)
		if err == nil {
			if attempt > 0 {
				log.Info().Int("attempt", attempt+1).Msg("runtime loaded after retry")
			}
			return engine, nil
		}
		lastErr = err

		if attempt == h.attempts-1 {
			break
		}

		backoff := time.Duration(math.Pow(2, float64(attempt))) * h.backoff
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("runtime load failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("loading runtime: %w", ctx.Err())
		}
	}

	log.Error().Err(lastErr).Int("attempts", h.attempts).Msg("runtime load failed permanently")
	return nil, fmt.Errorf("loading runtime after %d attempts: %w", h.attempts, lastErr)
}
