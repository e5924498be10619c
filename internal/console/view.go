package console

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"luau-runner/internal/playground"
	"luau-runner/internal/sandbox"
)

// Mode is what the view currently shows. Exactly one is active.
type Mode int

const (
	Empty Mode = iota
	Loading
	Failed
	Output
)

func (m Mode) String() string {
	switch m {
	case Empty:
		return "empty"
	case Loading:
		return "loading"
	case Failed:
		return "failed"
	case Output:
		return "output"
	default:
		return "unknown"
	}
}

const (
	ansiReset = "\x1b[0m"
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiDim   = "\x1b[2m"
)

// View renders the transcript, an error banner or a loading placeholder.
type View struct {
	color bool

	mu      sync.Mutex
	mode    Mode
	message string
}

// NewView creates an empty view. color enables ANSI styling.
func NewView(color bool) *View {
	return &View{color: color}
}

func (v *View) Mode() Mode {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mode
}

func (v *View) SetLoading() { v.set(Loading, "") }

func (v *View) SetFailed(msg string) { v.set(Failed, msg) }

func (v *View) SetOutput(transcript string) { v.set(Output, transcript) }

func (v *View) Reset() { v.set(Empty, "") }

// Show maps the outcome of a submission onto the view.
func (v *View) Show(res *playground.Result, err error) {
	var verr *playground.ValidationError
	switch {
	case errors.As(err, &verr):
		v.SetFailed(verr.Message)
	case errors.Is(err, playground.ErrBusy):
		v.SetFailed("An execution is already in progress")
	case sandbox.IsUnavailable(err):
		v.SetFailed("Runtime failed to load")
	case err != nil:
		v.SetFailed("Execution failed")
	case res.Failed():
		v.SetFailed(res.Error)
	default:
		v.SetOutput(res.Transcript)
	}
}

// Bind switches the view to Loading when d dispatches a submission.
func (v *View) Bind(d *playground.Dispatcher) {
	d.OnStateChange(func(_, to playground.State) {
		if to == playground.Dispatched {
			v.SetLoading()
		}
	})
}

// Render writes the current state to w.
func (v *View) Render(w io.Writer) error {
	v.mu.Lock()
	mode, msg := v.mode, v.message
	v.mu.Unlock()

	var err error
	switch mode {
	case Loading:
		_, err = fmt.Fprintln(w, v.style(ansiDim, "Running..."))
	case Failed:
		_, err = fmt.Fprintln(w, v.style(ansiRed, "Error: ")+msg)
	case Output:
		if msg == playground.NoOutputMarker {
			_, err = fmt.Fprintln(w, v.style(ansiDim, msg))
		} else {
			_, err = fmt.Fprintln(w, v.style(ansiGreen, msg))
		}
	default:
		_, err = fmt.Fprintln(w, v.style(ansiDim, "Run code to see output here..."))
	}
	return err
}

func (v *View) set(mode Mode, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mode = mode
	v.message = msg
}

func (v *View) style(code, s string) string {
	if !v.color {
		return s
	}
	return code + s + ansiReset
}
