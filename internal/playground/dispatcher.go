// Package playground runs submitted source text through an integration
// mode and turns the raw outcome into a result a surface can render.
package playground

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/codes"

	"luau-runner/internal/monitor"
	"luau-runner/internal/runtime"
	"luau-runner/internal/sandbox"
	"luau-runner/internal/storage"
)

// NoOutputMarker is the transcript of a run that printed nothing and did
// not fail, so "ran silently" reads differently from "never ran".
const NoOutputMarker = "<no output>"

// ErrBusy is returned when a submission arrives while another one from the
// same session is still pending.
var ErrBusy = errors.New("an execution is already in progress for this session")

// ValidationError rejects source text before anything is dispatched.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// State is the dispatcher's position in the lifecycle of one submission.
type State int

const (
	Idle State = iota
	Validating
	Dispatched
	Succeeded
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Dispatched:
		return "dispatched"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Result is the normalized outcome of one completed attempt.
type Result struct {
	ID         string        `json:"id"`
	Transcript string        `json:"output"`
	Error      string        `json:"error,omitempty"`
	TimedOut   bool          `json:"timed_out,omitempty"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
}

// Failed reports whether the script itself failed.
func (r *Result) Failed() bool { return r.Error != "" }

// Options configure a Dispatcher. Every field is optional.
type Options struct {
	SessionID string
	Recorder  storage.Recorder
	Metrics   *monitor.Metrics
	Tracer    *monitor.Tracer
	Detector  *monitor.CodeDetector
	// Timeout is the process-mode deadline, used in the timeout message.
	Timeout time.Duration
}

// Dispatcher owns the single execution slot of one editor session.
type Dispatcher struct {
	backend sandbox.Backend
	opts    Options
	logger  zerolog.Logger

	mu        sync.Mutex
	state     State
	listeners []func(from, to State)
}

func NewDispatcher(backend sandbox.Backend, opts Options) *Dispatcher {
	if opts.Tracer == nil {
		opts.Tracer = monitor.NewTracer()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = sandbox.DefaultTimeout
	}
	return &Dispatcher{
		backend: backend,
		opts:    opts,
		logger: log.With().
			Str("session_id", opts.SessionID).
			Str("mode", backend.Mode()).
			Logger(),
	}
}

// OnStateChange registers fn to be called on every transition. Surfaces use
// it to disable their trigger while a submission is pending.
func (d *Dispatcher) OnStateChange(fn func(from, to State)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

func (d *Dispatcher) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Dispatcher) Mode() string { return d.backend.Mode() }

// Ready reports whether the runtime can accept code. In embedded mode it is
// false until the session's runtime has loaded.
func (d *Dispatcher) Ready() bool { return d.backend.Ready() }

// readyWaiter is implemented by backends whose runtime loads in the
// background.
type readyWaiter interface {
	WaitReady(ctx context.Context) error
}

// WaitReady blocks until the runtime can accept code or ctx ends. Backends
// without a load phase answer immediately from Ready.
func (d *Dispatcher) WaitReady(ctx context.Context) error {
	if w, ok := d.backend.(readyWaiter); ok {
		return w.WaitReady(ctx)
	}
	if !d.backend.Ready() {
		return fmt.Errorf("%s runtime: %w", d.backend.Mode(), sandbox.ErrRuntimeUnavailable)
	}
	return nil
}

// Submit runs source and waits for the outcome. Script failures come back
// as a Result with Error set; the returned error is reserved for
// *ValidationError, ErrBusy and infrastructure failures.
func (d *Dispatcher) Submit(ctx context.Context, source string) (*Result, error) {
	return d.SubmitStreaming(ctx, source, nil, nil)
}

// SubmitStreaming is Submit that also forwards output as it is produced.
func (d *Dispatcher) SubmitStreaming(ctx context.Context, source string, stdout, stderr io.Writer) (*Result, error) {
	if !d.acquire() {
		d.recordError("busy")
		return nil, ErrBusy
	}
	// Every path out of Submit lands back in Idle.
	defer d.transition(Idle)

	if err := validate(source); err != nil {
		d.recordError("validation")
		return nil, err
	}

	d.inspect(source)

	ctx, span := d.opts.Tracer.StartSpan(ctx, "submit",
		monitor.AttrSessionID.String(d.opts.SessionID),
		monitor.AttrMode.String(d.backend.Mode()),
	)
	defer span.End()

	d.transition(Dispatched)
	if d.opts.Metrics != nil {
		d.opts.Metrics.ActiveExecutions.Inc()
		defer d.opts.Metrics.ActiveExecutions.Dec()
	}

	raw, err := d.execute(ctx, source, stdout, stderr)

	var (
		result *Result
		final  State
	)
	switch {
	case err == nil:
		result, final = normalize(raw)
	case sandbox.IsTimeout(err):
		result, final = d.timedOut(raw), TimedOut
	case errors.Is(err, errBackendPanic):
		result, final = &Result{Error: err.Error(), ExitCode: -1}, Failed
	default:
		kind := "infrastructure"
		if sandbox.IsUnavailable(err) {
			kind = "unavailable"
		}
		d.recordError(kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
		d.logger.Error().Err(err).Msg("execution did not complete")
		return nil, err
	}

	d.transition(final)

	span.SetAttributes(
		monitor.AttrExecID.String(result.ID),
		monitor.AttrStatus.String(final.String()),
		monitor.AttrExitCode.Int(result.ExitCode),
		monitor.AttrDurationMS.Int64(result.Duration.Milliseconds()),
	)
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordExecution(d.backend.Mode(), final.String(), result.Duration.Seconds(), len(source), len(result.Transcript))
	}
	if d.opts.Detector != nil && d.opts.Metrics != nil {
		for _, det := range d.opts.Detector.AnalyzeOutput(result.Transcript) {
			d.opts.Metrics.RecordDetection(det.Pattern)
		}
	}

	if d.opts.Recorder != nil {
		d.opts.Recorder.Record(ctx, source, historyOutput(result))
	}

	d.logger.Info().
		Str("exec_id", result.ID).
		Str("status", final.String()).
		Dur("duration", result.Duration).
		Msg("submission completed")

	return result, nil
}

// Close releases the session's backend.
func (d *Dispatcher) Close() error {
	return d.backend.Close()
}

var errBackendPanic = errors.New("internal error")

func (d *Dispatcher) execute(ctx context.Context, source string, stdout, stderr io.Writer) (res *sandbox.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("backend panicked")
			d.recordError("panic")
			res, err = nil, fmt.Errorf("%w: %v", errBackendPanic, r)
		}
	}()

	req := sandbox.ExecutionRequest{Code: source}
	if stdout == nil && stderr == nil {
		return d.backend.Execute(ctx, req)
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return d.backend.ExecuteStreaming(ctx, req, stdout, stderr)
}

func (d *Dispatcher) timedOut(raw *sandbox.ExecutionResult) *Result {
	r := &Result{
		Error:    fmt.Sprintf("execution timed out after %s", d.opts.Timeout),
		TimedOut: true,
		ExitCode: -1,
	}
	if raw != nil {
		r.ID = raw.ID
		r.Transcript = raw.Output
		r.Duration = raw.Duration
	}
	return r
}

func (d *Dispatcher) inspect(source string) {
	if d.opts.Detector == nil {
		return
	}
	for _, det := range d.opts.Detector.AnalyzeCode(source) {
		if d.opts.Metrics != nil {
			d.opts.Metrics.RecordDetection(det.Pattern)
		}
	}
}

func (d *Dispatcher) recordError(kind string) {
	if d.opts.Metrics != nil {
		d.opts.Metrics.RecordError(kind)
	}
}

// acquire takes the slot: Idle -> Validating.
func (d *Dispatcher) acquire() bool {
	d.mu.Lock()
	if d.state != Idle {
		d.mu.Unlock()
		return false
	}
	d.state = Validating
	listeners := d.listeners
	d.mu.Unlock()

	notify(listeners, Idle, Validating)
	return true
}

func (d *Dispatcher) transition(to State) {
	d.mu.Lock()
	from := d.state
	d.state = to
	listeners := d.listeners
	d.mu.Unlock()

	if from != to {
		notify(listeners, from, to)
	}
}

func notify(listeners []func(from, to State), from, to State) {
	for _, fn := range listeners {
		fn(from, to)
	}
}

func validate(source string) error {
	if len(source) == 0 {
		return &ValidationError{Field: "code", Message: "Code cannot be empty"}
	}
	if len(source) > runtime.MaxSourceBytes {
		return &ValidationError{Field: "code", Message: "Code exceeds the 1MB limit"}
	}
	return nil
}

func normalize(raw *sandbox.ExecutionResult) (*Result, State) {
	r := &Result{
		ID:         raw.ID,
		Transcript: raw.Output,
		ExitCode:   raw.ExitCode,
		Duration:   raw.Duration,
	}
	if raw.ExitCode == 0 {
		if r.Transcript == "" {
			r.Transcript = NoOutputMarker
		}
		return r, Succeeded
	}
	r.Error = failureMessage(raw.Stderr, raw.ExitCode)
	return r, Failed
}

// failureMessage is the last non-empty stderr line, which is where
// interpreters put the error for an uncaught fault.
func failureMessage(stderr string, exitCode int) string {
	lines := strings.Split(stderr, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return fmt.Sprintf("exit status %d", exitCode)
}

// historyOutput is what the history log keeps for a result.
func historyOutput(r *Result) string {
	if r.Error == "" {
		return r.Transcript
	}
	return "Error: " + r.Error + "\nOutput: " + r.Transcript
}
