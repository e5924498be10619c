package luavm

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newEngine(t *testing.T) *GopherEngine {
	t.Helper()
	e, err := NewGopherEngine()
	if err != nil {
		t.Fatalf("NewGopherEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func collect(out, errs *[]string) Hooks {
	return Hooks{
		OnOutput: func(s string) { *out = append(*out, s) },
		OnError:  func(s string) { *errs = append(*errs, s) },
	}
}

func TestGopherEngine_Print(t *testing.T) {
	e := newEngine(t)
	var out, errs []string

	err := e.Run(context.Background(), `print("Hello World") print(1, true, nil)`, collect(&out, &errs))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{"Hello World", "1\ttrue\tnil"}
	if strings.Join(out, "|") != strings.Join(want, "|") {
		t.Errorf("output = %q, want %q", out, want)
	}
	if len(errs) != 0 {
		t.Errorf("errors = %q, want none", errs)
	}
}

func TestGopherEngine_Warn(t *testing.T) {
	e := newEngine(t)
	var out, errs []string

	if err := e.Run(context.Background(), `warn("careful")`, collect(&out, &errs)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(errs) != 1 || errs[0] != "careful" {
		t.Errorf("errors = %q, want [careful]", errs)
	}
}

func TestGopherEngine_Fault(t *testing.T) {
	e := newEngine(t)
	var out, errs []string

	err := e.Run(context.Background(), `print("before") undefinedFunction()`, collect(&out, &errs))
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("Run error = %v, want *Fault", err)
	}
	if fault.Message == "" {
		t.Error("fault message is empty")
	}
	if len(out) != 1 || out[0] != "before" {
		t.Errorf("output before fault = %q, want [before]", out)
	}
}

func TestGopherEngine_StringRepBounded(t *testing.T) {
	e, err := NewGopherEngineLimit(1024)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	tests := []struct {
		name      string
		code      string
		wantOut   string
		wantFault bool
	}{
		{"within limit", `print(#string.rep("ab", 512))`, "1024", false},
		{"method call", `print(("x"):rep(3))`, "xxx", false},
		{"zero count", `print(string.rep("x", 0) == "")`, "true", false},
		{"negative count", `print(string.rep("x", -5) == "")`, "true", false},
		{"over limit", `print(#string.rep("x", 1025))`, "", true},
		{"huge count", `local s = string.rep("x", 2^40) print(#s)`, "", true},
		{"count overflowing int", `string.rep("x", 2^80)`, "", true},
		{"method over limit", `local s = ("ab"):rep(2^40)`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errs []string
			err := e.Run(context.Background(), tt.code, collect(&out, &errs))

			var fault *Fault
			if tt.wantFault {
				if !errors.As(err, &fault) || !strings.Contains(fault.Message, "exceed") {
					t.Fatalf("Run error = %v, want a size fault", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if len(out) != 1 || out[0] != tt.wantOut {
				t.Errorf("output = %q, want [%s]", out, tt.wantOut)
			}
		})
	}
}

func TestGopherEngine_StatePersistsAcrossRuns(t *testing.T) {
	e := newEngine(t)
	var out, errs []string

	if err := e.Run(context.Background(), `counter = 41`, collect(&out, &errs)); err != nil {
		t.Fatal(err)
	}
	if err := e.Run(context.Background(), `print(counter + 1)`, collect(&out, &errs)); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "42" {
		t.Errorf("output = %q, want [42]", out)
	}
}

func TestGopherEngine_UnsafeLibsAbsent(t *testing.T) {
	e := newEngine(t)
	var out, errs []string

	script := `print(os == nil, io == nil, debug == nil, dofile == nil, loadstring == nil)`
	if err := e.Run(context.Background(), script, collect(&out, &errs)); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0] != "true\ttrue\ttrue\ttrue\ttrue" {
		t.Errorf("output = %q, want all true", out)
	}
}

func TestGopherEngine_Cancel(t *testing.T) {
	e := newEngine(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := e.Run(ctx, `while true do end`, Hooks{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want DeadlineExceeded", err)
	}
}

type fakeEngine struct{ closed atomic.Bool }

func (f *fakeEngine) Run(context.Context, string, Hooks) error { return nil }
func (f *fakeEngine) Close()                                    { f.closed.Store(true) }

func TestHandle_LoadLifecycle(t *testing.T) {
	eng := &fakeEngine{}
	h := NewHandle(func(context.Context) (Engine, error) { return eng, nil }, 3, time.Millisecond)

	if h.State() != NotLoaded {
		t.Fatalf("State() = %v, want not_loaded", h.State())
	}
	if _, err := h.Engine(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Engine() before load = %v, want ErrNotLoaded", err)
	}

	if err := h.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if h.State() != Ready {
		t.Errorf("State() = %v, want ready", h.State())
	}
	got, err := h.Engine()
	if err != nil || got != eng {
		t.Errorf("Engine() = %v, %v", got, err)
	}

	_ = h.Close()
	if !eng.closed.Load() {
		t.Error("Close did not close the engine")
	}
	if h.State() != NotLoaded {
		t.Errorf("State() after Close = %v, want not_loaded", h.State())
	}
}

func TestHandle_BoundedRetries(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("boom")
	h := NewHandle(func(context.Context) (Engine, error) {
		calls.Add(1)
		return nil, boom
	}, 3, time.Millisecond)

	err := <-h.LoadAsync(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("Load error = %v, want boom", err)
	}
	if calls.Load() != 3 {
		t.Errorf("factory called %d times, want 3", calls.Load())
	}
	if h.State() != Failed {
		t.Errorf("State() = %v, want failed", h.State())
	}

	// A failed handle does not retry.
	if err := h.Load(context.Background()); !errors.Is(err, boom) {
		t.Errorf("second Load = %v, want boom", err)
	}
	if calls.Load() != 3 {
		t.Errorf("factory called %d times after second Load, want 3", calls.Load())
	}
	if _, err := h.Engine(); !errors.Is(err, boom) {
		t.Errorf("Engine() = %v, want boom", err)
	}
}

func TestHandle_RetrySucceeds(t *testing.T) {
	var calls atomic.Int32
	h := NewHandle(func(context.Context) (Engine, error) {
		if calls.Add(1) < 2 {
			return nil, errors.New("transient")
		}
		return &fakeEngine{}, nil
	}, 3, time.Millisecond)

	if err := h.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("factory called %d times, want 2", calls.Load())
	}
}

func TestHandle_ConcurrentLoadSharesOneAttempt(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	h := NewHandle(func(context.Context) (Engine, error) {
		calls.Add(1)
		<-release
		return &fakeEngine{}, nil
	}, 1, 0)

	results := make([]<-chan error, 5)
	for i := range results {
		results[i] = h.LoadAsync(context.Background())
	}
	time.Sleep(20 * time.Millisecond)
	close(release)

	for _, ch := range results {
		if err := <-ch; err != nil {
			t.Errorf("Load: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Errorf("factory called %d times, want 1", calls.Load())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{NotLoaded, "not_loaded"},
		{Loading, "loading"},
		{Ready, "ready"},
		{Failed, "failed"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestPool_WarmAcquire(t *testing.T) {
	p := NewPool(GopherFactory, PoolConfig{MinIdle: 2, RefillDelay: 10 * time.Millisecond, Attempts: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for p.Size() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.Size() < 2 {
		t.Fatalf("pool size = %d, want 2", p.Size())
	}

	h := p.Acquire()
	defer h.Close()
	if h.State() != Ready {
		t.Errorf("warm handle state = %v, want ready", h.State())
	}
}

func TestPool_ColdAcquire(t *testing.T) {
	p := NewPool(GopherFactory, PoolConfig{MinIdle: 0})
	h := p.Acquire()
	if h.State() != NotLoaded {
		t.Errorf("cold handle state = %v, want not_loaded", h.State())
	}
	p.Stop()
}

func TestPool_Hooks(t *testing.T) {
	var loads, lastSize atomic.Int32
	p := NewPool(GopherFactory, PoolConfig{
		MinIdle:     1,
		RefillDelay: 10 * time.Millisecond,
		Attempts:    1,
		OnLoad: func(err error) {
			if err == nil {
				loads.Add(1)
			}
		},
		OnSize: func(n int) { lastSize.Store(int32(n)) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for lastSize.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if loads.Load() < 1 || lastSize.Load() != 1 {
		t.Fatalf("loads = %d, size = %d; want a reported load and size 1", loads.Load(), lastSize.Load())
	}

	h := p.Acquire()
	defer h.Close()
	if h.State() != Ready {
		t.Errorf("acquired handle state = %v", h.State())
	}
}
