package sandbox

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"

	"luau-runner/internal/config"
	"luau-runner/internal/luavm"
	"luau-runner/internal/monitor"
	"luau-runner/internal/runtime"
)

// Backend is one integration mode: it takes source text to the external
// runtime and returns the raw transcript.
type Backend interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
	ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error)
	Mode() string
	Ready() bool
	Close() error
}

// Provider hands out a backend per editor session. Process mode shares one
// runner across sessions; embedded mode gives each session its own runtime.
type Provider struct {
	mode      string
	runner    *ProcessRunner
	pool      *luavm.Pool
	maxOutput int
	metrics   *monitor.Metrics
}

// NewProvider builds the backends selected by cfg.Runtime. metrics may be nil.
func NewProvider(ctx context.Context, cfg *config.Config, metrics *monitor.Metrics) (*Provider, error) {
	rc := cfg.Runtime

	switch rc.Mode {
	case config.ModeProcess:
		rt, err := runtime.NewRegistry(rc.Binary, rc.Bundle).Get(rc.Interpreter)
		if err != nil {
			return nil, err
		}

		var launcher Launcher = DirectLauncher{}
		if rc.Isolation == config.IsolationDocker {
			d, err := NewDockerLauncher(rt, rc.DockerImage, rc.TempDir, LimitsFromConfig(rc.Limits))
			if err != nil {
				return nil, fmt.Errorf("docker isolation: %w", err)
			}
			launcher = d
		}

		runner := NewProcessRunner(ProcessOptions{
			Runtime:        rt,
			Launcher:       launcher,
			TempDir:        rc.TempDir,
			Timeout:        rc.Timeout,
			MaxOutputBytes: rc.MaxOutputBytes,
			MaxConcurrent:  rc.MaxConcurrent,
		})
		runner.StartCleanup()
		if !runner.Ready() {
			log.Warn().Str("runtime", rt.Name()).Msg("interpreter binary not found; executions will fail until it is installed")
		}

		log.Info().
			Str("runtime", rt.Name()).
			Str("launcher", launcher.Name()).
			Dur("timeout", rc.Timeout).
			Msg("using process mode")
		return &Provider{mode: config.ModeProcess, runner: runner}, nil

	case config.ModeEmbedded:
		p := &Provider{mode: config.ModeEmbedded, maxOutput: rc.MaxOutputBytes, metrics: metrics}
		poolCfg := luavm.PoolConfig{
			MinIdle:  rc.WarmPool,
			Attempts: rc.LoadAttempts,
			Backoff:  rc.LoadBackoff,
			OnLoad:   p.recordLoad,
		}
		if metrics != nil {
			poolCfg.OnSize = func(n int) { metrics.RuntimePoolSize.Set(float64(n)) }
		}
		p.pool = luavm.NewPool(luavm.NewGopherFactory(rc.MaxOutputBytes), poolCfg)
		p.pool.Start(ctx)

		log.Info().Int("warm_pool", rc.WarmPool).Msg("using embedded mode")
		return p, nil

	default:
		return nil, fmt.Errorf("unknown runtime mode %q", rc.Mode)
	}
}

// NewProcessProvider wraps an existing runner.
func NewProcessProvider(runner *ProcessRunner) *Provider {
	return &Provider{mode: config.ModeProcess, runner: runner}
}

// NewEmbeddedProvider wraps an existing pool.
func NewEmbeddedProvider(pool *luavm.Pool, maxOutputBytes int) *Provider {
	return &Provider{mode: config.ModeEmbedded, pool: pool, maxOutput: maxOutputBytes}
}

func (p *Provider) Mode() string { return p.mode }

// Ready reports whether a new session could run code right away.
func (p *Provider) Ready() bool {
	if p.runner != nil {
		return p.runner.Ready()
	}
	return true
}

// ForSession returns the backend for a new session. Embedded handles start
// loading in the background; Execute fails with ErrRuntimeUnavailable until
// the load completes.
func (p *Provider) ForSession(ctx context.Context) Backend {
	if p.runner != nil {
		return sharedRunner{p.runner}
	}

	h := p.pool.Acquire()
	if h.State() != luavm.Ready {
		done := h.LoadAsync(context.WithoutCancel(ctx))
		go func() { p.recordLoad(<-done) }()
	}
	return NewEmbeddedRunner(h, p.maxOutput)
}

// Close releases the shared runner or the warm pool.
func (p *Provider) Close() error {
	if p.runner != nil {
		return p.runner.Close()
	}
	p.pool.Stop()
	return nil
}

func (p *Provider) recordLoad(err error) {
	if p.metrics == nil {
		return
	}
	if err != nil {
		p.metrics.RecordRuntimeLoad("failed")
		return
	}
	p.metrics.RecordRuntimeLoad("ok")
}

// sharedRunner keeps a session from closing the runner other sessions use.
type sharedRunner struct {
	*ProcessRunner
}

func (sharedRunner) Close() error { return nil }
