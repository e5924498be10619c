package sandbox

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"luau-runner/internal/runtime"
	"luau-runner/internal/transcript"
)

const (
	// artifactPrefix names transient script files and interpreter containers.
	artifactPrefix = "luau-"

	DefaultTimeout = 5 * time.Second

	// waitDelay bounds pipe draining once the child has been killed.
	waitDelay = 250 * time.Millisecond
)

// ProcessOptions configure a ProcessRunner.
type ProcessOptions struct {
	Runtime        runtime.Runtime
	Launcher       Launcher // Nil means DirectLauncher
	TempDir        string   // Empty means os.TempDir()
	Timeout        time.Duration
	MaxOutputBytes int
	MaxConcurrent  int
}

// ProcessRunner runs each script as a child process against a transient file.
// One runner is shared by every session.
type ProcessRunner struct {
	rt        runtime.Runtime
	launcher  Launcher
	tempDir   string
	timeout   time.Duration
	maxOutput int

	sem    chan struct{}
	active atomic.Int64
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	cancelCleanup context.CancelFunc
}

func NewProcessRunner(opts ProcessOptions) *ProcessRunner {
	if opts.Launcher == nil {
		opts.Launcher = DirectLauncher{}
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = transcript.DefaultMaxBytes
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 32
	}
	return &ProcessRunner{
		rt:        opts.Runtime,
		launcher:  opts.Launcher,
		tempDir:   opts.TempDir,
		timeout:   opts.Timeout,
		maxOutput: opts.MaxOutputBytes,
		sem:       make(chan struct{}, opts.MaxConcurrent),
	}
}

// StartCleanup removes stale artifacts now and every five minutes until Close.
func (p *ProcessRunner) StartCleanup() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancelCleanup = cancel
	go p.orphanCleanupLoop(ctx)
}

func (p *ProcessRunner) orphanCleanupLoop(ctx context.Context) {
	p.cleanupOrphans(ctx)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanupOrphans(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *ProcessRunner) cleanupOrphans(ctx context.Context) {
	// Anything older than a few deadlines cannot belong to a live execution.
	if _, err := CleanupOrphaned(p.tempDir, 4*p.timeout); err != nil {
		log.Warn().Err(err).Msg("failed to clean orphaned script files")
	}
	if d, ok := p.launcher.(*DockerLauncher); ok {
		if n := d.CleanupOrphans(ctx); n > 0 {
			log.Info().Int("count", n).Msg("removed orphaned interpreter containers")
		}
	}
}

func (p *ProcessRunner) Mode() string { return "process" }

func (p *ProcessRunner) Runtime() runtime.Runtime { return p.rt }

// Ready reports whether the interpreter (or docker) binary can be found.
func (p *ProcessRunner) Ready() bool {
	var bin string
	if p.launcher.Name() == "docker" {
		bin = "docker"
	} else if argv := p.rt.Command("x"); len(argv) > 0 {
		bin = argv[0]
	}
	_, err := exec.LookPath(bin)
	return err == nil
}

func (p *ProcessRunner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, io.Discard, io.Discard)
}

func (p *ProcessRunner) ExecuteStreaming(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	return p.executeInternal(ctx, req, stdout, stderr)
}

func (p *ProcessRunner) executeInternal(ctx context.Context, req ExecutionRequest, stdout, stderr io.Writer) (*ExecutionResult, error) {
	execID := uuid.New().String()
	codeHash := fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))

	logger := log.With().
		Str("exec_id", execID).
		Str("runtime", p.rt.Name()).
		Str("launcher", p.launcher.Name()).
		Str("code_hash", codeHash[:16]).
		Logger()

	if err := p.rt.Validate(req.Code); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrClosed}
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
		defer func() { <-p.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	p.active.Add(1)
	defer p.active.Add(-1)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	codePath, err := p.writeScript(execID, req.Code)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "write_code", Err: err}
	}
	defer func() {
		if err := os.Remove(codePath); err != nil && !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", codePath).Msg("failed to remove script file")
		}
	}()

	argv, err := p.launcher.Argv(p.rt, execID, codePath)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "build_command", Err: err}
	}

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...) // #nosec G204 -- argv built from the runtime registry; the script is a file argument
	cmd.WaitDelay = waitDelay
	if d, ok := p.launcher.(*DockerLauncher); ok {
		cmd.Env = d.Env()
	}

	stdoutBuf := newCappedBuffer(p.maxOutput)
	stderrBuf := newCappedBuffer(p.maxOutput)
	cmd.Stdout = io.MultiWriter(stdoutBuf, stdout)
	cmd.Stderr = io.MultiWriter(stderrBuf, stderr)

	logger.Debug().Str("bin", argv[0]).Msg("starting interpreter")

	start := time.Now()
	err = cmd.Run()
	duration := time.Since(start)

	result := &ExecutionResult{
		ID:       execID,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
		CodeHash: codeHash,
	}
	result.Output = transcript.Truncate(transcript.Join(result.Stdout, result.Stderr), p.maxOutput)

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			p.launcher.Abort(execID)
			result.ExitCode = -1
			logger.Warn().Dur("timeout", timeout).Msg("interpreter timed out")
			return result, ErrTimeout
		}
		if ctx.Err() != nil {
			p.launcher.Abort(execID)
			return nil, &ExecutionError{ExecID: execID, Op: "run", Err: ctx.Err()}
		}

		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, &ExecutionError{ExecID: execID, Op: "run", Err: fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)}
		}
		result.ExitCode = exitErr.ExitCode()
	}

	logger.Info().
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Msg("execution completed")

	return result, nil
}

func (p *ProcessRunner) writeScript(execID, code string) (string, error) {
	f, err := os.CreateTemp(p.tempDir, artifactPrefix+execID+"-*"+p.rt.FileExtension())
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func (p *ProcessRunner) ActiveCount() int64 {
	return p.active.Load()
}

// Close waits up to 30s for running executions, then releases the launcher.
func (p *ProcessRunner) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.cancelCleanup != nil {
		p.cancelCleanup()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all executions drained")
	case <-time.After(30 * time.Second):
		log.Warn().Int64("active", p.active.Load()).Msg("timed out waiting for executions to drain")
	}
	return p.launcher.Close()
}

// cappedBuffer keeps the first max bytes written and discards the rest,
// so a chatty script cannot grow server memory without bound.
type cappedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newCappedBuffer(max int) *cappedBuffer {
	return &cappedBuffer{max: max}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room := c.max + 1 - len(c.buf); room > 0 {
		if len(p) > room {
			c.buf = append(c.buf, p[:room]...)
		} else {
			c.buf = append(c.buf, p...)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}
