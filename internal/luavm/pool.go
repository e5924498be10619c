package luavm

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// PoolConfig controls how many pre-loaded handles are kept ready.
type PoolConfig struct {
	MinIdle     int           // Handles kept loaded and waiting for a session
	RefillDelay time.Duration // How often to top up the pool
	Attempts    int           // Load attempts per handle
	Backoff     time.Duration // Base backoff between load attempts

	OnLoad func(err error) // Called after every pre-load, if set
	OnSize func(n int)     // Called when the idle count changes, if set
}

// Pool keeps loaded handles warm so new sessions skip the load.
type Pool struct {
	factory Factory
	cfg     PoolConfig
	idle    chan *Handle

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPool(factory Factory, cfg PoolConfig) *Pool {
	if cfg.MinIdle < 0 {
		cfg.MinIdle = 0
	}
	if cfg.RefillDelay == 0 {
		cfg.RefillDelay = 500 * time.Millisecond
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 3
	}

	return &Pool{
		factory: factory,
		cfg:     cfg,
		idle:    make(chan *Handle, max(cfg.MinIdle, 1)),
		done:    make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.refillLoop(ctx)
	}()

	log.Info().Int("min_idle", p.cfg.MinIdle).Msg("runtime pool started")
}

// Acquire returns a warm handle when one is available, or a new handle
// that the caller must Load.
func (p *Pool) Acquire() *Handle {
	select {
	case h := <-p.idle:
		log.Debug().Msg("acquired warm runtime from pool")
		p.reportSize()
		return h
	default:
		return NewHandle(p.factory, p.cfg.Attempts, p.cfg.Backoff)
	}
}

func (p *Pool) Size() int {
	return len(p.idle)
}

// Stop ends the refill loop and closes idle handles.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()

	var count int
	for {
		select {
		case h := <-p.idle:
			_ = h.Close()
			count++
		default:
			if count > 0 {
				log.Info().Int("count", count).Msg("drained runtime pool")
			}
			return
		}
	}
}

func (p *Pool) refillLoop(ctx context.Context) {
	p.refill(ctx)

	ticker := time.NewTicker(p.cfg.RefillDelay)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refill(ctx)
		}
	}
}

func (p *Pool) refill(ctx context.Context) {
	for len(p.idle) < p.cfg.MinIdle {
		select {
		case <-p.done:
			return
		default:
		}

		h := NewHandle(p.factory, p.cfg.Attempts, p.cfg.Backoff)
		err := h.Load(ctx)
		if p.cfg.OnLoad != nil {
			p.cfg.OnLoad(err)
		}
		if err != nil {
			log.Warn().Err(err).Msg("failed to pre-load runtime")
			return
		}

		select {
		case p.idle <- h:
			p.reportSize()
		default:
			_ = h.Close()
			return
		}
	}
}

func (p *Pool) reportSize() {
	if p.cfg.OnSize != nil {
		p.cfg.OnSize(len(p.idle))
	}
}
