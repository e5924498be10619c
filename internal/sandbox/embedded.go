package sandbox

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"luau-runner/internal/luavm"
	"luau-runner/internal/runtime"
	"luau-runner/internal/transcript"
)

// EmbeddedRunner runs scripts on a session-owned in-process runtime.
// There is no deadline: a script that never returns holds the session
// until its request context is cancelled.
type EmbeddedRunner struct {
	handle    *luavm.Handle
	maxOutput int

	mu sync.Mutex
}

// NewEmbeddedRunner takes ownership of h. The caller starts the load.
func NewEmbeddedRunner(h *luavm.Handle, maxOutputBytes int) *EmbeddedRunner {
	if maxOutputBytes <= 0 {
		maxOutputBytes = transcript.DefaultMaxBytes
	}
	return &EmbeddedRunner{handle: h, maxOutput: maxOutputBytes}
}

func (r *EmbeddedRunner) Mode() string { return "embedded" }

func (r *EmbeddedRunner) Ready() bool { return r.handle.State() == luavm.Ready }

// WaitReady blocks until the runtime has loaded, starting the load if
// nothing has yet. It fails with ErrRuntimeUnavailable when the load fails
// or ctx ends first.
func (r *EmbeddedRunner) WaitReady(ctx context.Context) error {
	if err := r.handle.Load(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)
	}
	return nil
}

// Handle exposes the runtime handle so callers can observe its load state.
func (r *EmbeddedRunner) Handle() *luavm.Handle { return r.handle }

func (r *EmbeddedRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return r.ExecuteStreaming(ctx, req, io.Discard, io.Discard)
}

func (r *EmbeddedRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("code_hash", codeHash[:16]).
		Logger()

	if len(req.Code) == 0 || len(req.Code) > runtime.MaxSourceBytes {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: ErrInvalidRequest}
	}

	engine, err := r.handle.Engine()
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "load_runtime", Err: fmt.Errorf("%w: %w", ErrRuntimeUnavailable, err)}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sink := transcript.NewSink(r.maxOutput)
	outBuf := newCappedBuffer(r.maxOutput)
	errBuf := newCappedBuffer(r.maxOutput)
	hooks := luavm.Hooks{
		OnOutput: func(text string) {
			_ = sink.Append(text)
			io.WriteString(io.MultiWriter(outBuf, stdout), text+"\n")
		},
		OnError: func(text string) {
			_ = sink.Append(text)
			io.WriteString(io.MultiWriter(errBuf, stderr), text+"\n")
		},
	}

	start := time.Now()
	runErr := engine.Run(ctx, req.Code, hooks)
	duration := time.Since(start)

	result := &ExecutionResult{
		ID:       execID,
		Duration: duration,
		CodeHash: codeHash,
	}

	var fault *luavm.Fault
	switch {
	case runErr == nil:
	case errors.As(runErr, &fault):
		_ = sink.Append(fault.Message)
		io.WriteString(io.MultiWriter(errBuf, stderr), fault.Message+"\n")
		result.ExitCode = 1
	default:
		// The VM was interrupted mid-call; start a fresh one for the next request.
		logger.Warn().Err(runErr).Msg("embedded execution interrupted, reloading runtime")
		_ = r.handle.Close()
		r.handle.LoadAsync(context.Background())
		return nil, &ExecutionError{ExecID: execID, Op: "run", Err: runErr}
	}

	result.Output = sink.Freeze()
	result.Stdout = outBuf.String()
	result.Stderr = errBuf.String()

	logger.Info().
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("embedded execution completed")

	return result, nil
}

func (r *EmbeddedRunner) Close() error {
	return r.handle.Close()
}
