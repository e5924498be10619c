// Package luavm owns the in-process Lua runtime used by embedded mode.
//
// The interpreter itself is github.com/yuin/gopher-lua; this package only
// loads it, wires its output hooks, and tracks whether it is usable.
package luavm

import (
	"context"
	"errors"
	"strings"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Hooks receive output produced by a single Run call.
type Hooks struct {
	OnOutput func(text string)
	OnError  func(text string)
}

// Engine is a loaded runtime instance. Implementations are not safe for
// concurrent Run calls; callers serialize access.
type Engine interface {
	Run(ctx context.Context, code string, hooks Hooks) error
	Close()
}

// Fault is a script-level error raised by the runtime.
type Fault struct {
	Message string
}

func (f *Fault) Error() string { return f.Message }

// DefaultMaxStringBytes bounds the strings string.rep may build.
const DefaultMaxStringBytes = 1 << 20

// unsafeGlobals are removed after the base library is opened.
var unsafeGlobals = []string{"dofile", "loadfile", "load", "loadstring", "module", "require"}

// GopherEngine runs scripts on a gopher-lua state that lives for the whole session.
type GopherEngine struct {
	mu    sync.Mutex
	ls    *lua.LState
	hooks Hooks
}

// NewGopherEngine creates a state with the base, table, string, math and
// coroutine libraries. os, io and debug are never opened.
func NewGopherEngine() (*GopherEngine, error) {
	return NewGopherEngineLimit(DefaultMaxStringBytes)
}

// NewGopherEngineLimit is NewGopherEngine with string.rep refusing to build
// strings longer than maxStringBytes. gopher-lua has no heap limit, so this
// only closes the one-call path to an unbounded allocation; repeated
// concatenation still grows until the host runs out of memory.
func NewGopherEngineLimit(maxStringBytes int) (*GopherEngine, error) {
	if maxStringBytes <= 0 {
		maxStringBytes = DefaultMaxStringBytes
	}
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, err
		}
	}

	for _, name := range unsafeGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	strlib, ok := L.GetGlobal(lua.StringLibName).(*lua.LTable)
	if !ok {
		L.Close()
		return nil, errors.New("string library not loaded")
	}
	strlib.RawSetString("rep", L.NewFunction(boundedRep(maxStringBytes)))

	e := &GopherEngine{ls: L}
	L.SetGlobal("print", L.NewFunction(e.print))
	L.SetGlobal("warn", L.NewFunction(e.warn))
	return e, nil
}

// GopherFactory is a Factory producing gopher-lua engines.
func GopherFactory(context.Context) (Engine, error) {
	return NewGopherEngine()
}

// NewGopherFactory returns a Factory whose engines bound string.rep to
// maxStringBytes.
func NewGopherFactory(maxStringBytes int) Factory {
	return func(context.Context) (Engine, error) {
		return NewGopherEngineLimit(maxStringBytes)
	}
}

// Run executes code, sending print output to hooks.OnOutput and warn output
// to hooks.OnError. A raised error is returned as *Fault. Cancelling ctx
// aborts the script.
func (e *GopherEngine) Run(ctx context.Context, code string, hooks Hooks) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.hooks = hooks
	e.ls.SetContext(ctx)
	defer func() {
		e.ls.RemoveContext()
		e.ls.SetTop(0)
		e.hooks = Hooks{}
	}()

	err := e.ls.DoString(code)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return &Fault{Message: apiErr.Object.String()}
	}
	return &Fault{Message: err.Error()}
}

// Close releases the underlying state.
func (e *GopherEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ls.Close()
}

func (e *GopherEngine) print(L *lua.LState) int {
	if e.hooks.OnOutput != nil {
		e.hooks.OnOutput(joinArgs(L))
	}
	return 0
}

func (e *GopherEngine) warn(L *lua.LState) int {
	if e.hooks.OnError != nil {
		e.hooks.OnError(joinArgs(L))
	}
	return 0
}

func joinArgs(L *lua.LState) string {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	return strings.Join(parts, "\t")
}

// boundedRep replaces string.rep. The size check runs in float64 so a huge
// count cannot overflow int before it is compared.
func boundedRep(limit int) lua.LGFunction {
	return func(L *lua.LState) int {
		s := L.CheckString(1)
		n := float64(L.CheckNumber(2))
		if n < 1 || s == "" {
			L.Push(lua.LString(""))
			return 1
		}
		if float64(len(s))*n > float64(limit) {
			L.RaiseError("string.rep: result would exceed %d bytes", limit)
			return 0
		}
		L.Push(lua.LString(strings.Repeat(s, int(n))))
		return 1
	}
}
