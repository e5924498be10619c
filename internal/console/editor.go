// Package console holds the terminal-side surfaces of the playground: the
// editor buffer that feeds the dispatcher and the view that renders what
// came back.
package console

import (
	"errors"
	"sync"

	"luau-runner/internal/playground"
)

// ErrLocked is returned by Set while a submission is pending.
var ErrLocked = errors.New("editor is locked while code is running")

// Editor holds the current source text.
type Editor struct {
	mu        sync.Mutex
	text      string
	locked    bool
	listeners []func(text string)
}

func NewEditor(initial string) *Editor {
	return &Editor{text: initial}
}

func (e *Editor) Text() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.text
}

// Set replaces the text and notifies listeners when it changed.
func (e *Editor) Set(text string) error {
	e.mu.Lock()
	if e.locked {
		e.mu.Unlock()
		return ErrLocked
	}
	if text == e.text {
		e.mu.Unlock()
		return nil
	}
	e.text = text
	listeners := e.listeners
	e.mu.Unlock()

	for _, fn := range listeners {
		fn(text)
	}
	return nil
}

// OnChange registers fn for every accepted Set.
func (e *Editor) OnChange(fn func(text string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Editor) Lock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locked = true
}

func (e *Editor) Unlock() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locked = false
}

func (e *Editor) Locked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.locked
}

// Bind locks the editor from the moment d accepts a submission until it
// is back in Idle.
func (e *Editor) Bind(d *playground.Dispatcher) {
	d.OnStateChange(func(from, to playground.State) {
		switch {
		case from == playground.Idle:
			e.Lock()
		case to == playground.Idle:
			e.Unlock()
		}
	})
}
