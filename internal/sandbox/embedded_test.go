package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"luau-runner/internal/luavm"
)

func loadedRunner(t *testing.T) *EmbeddedRunner {
	t.Helper()
	h := luavm.NewHandle(luavm.GopherFactory, 1, 0)
	if err := h.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r := NewEmbeddedRunner(h, 0)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestEmbeddedRunner_Print(t *testing.T) {
	r := loadedRunner(t)

	res, err := r.Execute(context.Background(), ExecutionRequest{Code: `print("Hello World") print("again")`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "Hello World\nagain" {
		t.Errorf("Output = %q, want newline-joined fragments", res.Output)
	}
	if res.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", res.ExitCode)
	}
}

func TestEmbeddedRunner_FaultKeepsPartialOutput(t *testing.T) {
	r := loadedRunner(t)

	res, err := r.Execute(context.Background(), ExecutionRequest{Code: "print(\"before\")\nerror(\"kaboom\")"})
	if err != nil {
		t.Fatalf("a raised fault is not an infrastructure error: %v", err)
	}
	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
	if !strings.HasPrefix(res.Output, "before\n") || !strings.Contains(res.Output, "kaboom") {
		t.Errorf("Output = %q, want partial output then fault", res.Output)
	}
	if !strings.Contains(res.Stderr, "kaboom") {
		t.Errorf("Stderr = %q, want fault message", res.Stderr)
	}
}

func TestEmbeddedRunner_HugeStringRepIsFault(t *testing.T) {
	r := loadedRunner(t)

	res, err := r.Execute(context.Background(), ExecutionRequest{Code: `local s = string.rep("x", 2^40) print(#s)`})
	if err != nil {
		t.Fatalf("an oversized allocation is a script fault, not an infrastructure error: %v", err)
	}
	if res.ExitCode != 1 || !strings.Contains(res.Stderr, "exceed") {
		t.Errorf("ExitCode = %d, Stderr = %q; want a size fault", res.ExitCode, res.Stderr)
	}

	res, err = r.Execute(context.Background(), ExecutionRequest{Code: `print("alive")`})
	if err != nil || res.Output != "alive" {
		t.Errorf("runtime unusable after the fault: %v", err)
	}
}

func TestEmbeddedRunner_StdoutStderrCapped(t *testing.T) {
	h := luavm.NewHandle(luavm.GopherFactory, 1, 0)
	if err := h.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	r := NewEmbeddedRunner(h, 1024)
	defer r.Close()

	code := `local line = string.rep("x", 100) for i = 1, 10000 do print(line) warn(line) end`
	res, err := r.Execute(context.Background(), ExecutionRequest{Code: code})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Stdout) > 1025 || len(res.Stderr) > 1025 {
		t.Errorf("len(Stdout) = %d, len(Stderr) = %d; both must stay within the 1024-byte cap", len(res.Stdout), len(res.Stderr))
	}
	if len(res.Output) > 2048 {
		t.Errorf("len(Output) = %d, transcript exceeded the cap", len(res.Output))
	}
}

func TestEmbeddedRunner_FaultLineEndsStderr(t *testing.T) {
	r := loadedRunner(t)

	res, err := r.Execute(context.Background(), ExecutionRequest{Code: `warn("w") error("kaboom")`})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.Stderr, "w\n") || !strings.HasSuffix(res.Stderr, "\n") {
		t.Errorf("Stderr = %q, want newline-terminated fragments", res.Stderr)
	}
}

func TestEmbeddedRunner_WarnIsStderr(t *testing.T) {
	r := loadedRunner(t)

	var stdout, stderr strings.Builder
	res, err := r.ExecuteStreaming(context.Background(), ExecutionRequest{Code: `print("a") warn("b")`}, &stdout, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "a\nb" {
		t.Errorf("Output = %q", res.Output)
	}
	if stdout.String() != "a\n" || stderr.String() != "b\n" {
		t.Errorf("streamed stdout=%q stderr=%q", stdout.String(), stderr.String())
	}
}

func TestEmbeddedRunner_NotLoaded(t *testing.T) {
	r := NewEmbeddedRunner(luavm.NewHandle(luavm.GopherFactory, 1, 0), 0)
	defer r.Close()

	if r.Ready() {
		t.Error("Ready() = true before load")
	}
	_, err := r.Execute(context.Background(), ExecutionRequest{Code: `print(1)`})
	if !IsUnavailable(err) || !errors.Is(err, luavm.ErrNotLoaded) {
		t.Errorf("err = %v, want ErrRuntimeUnavailable wrapping ErrNotLoaded", err)
	}
}

func TestEmbeddedRunner_LoadFailed(t *testing.T) {
	boom := errors.New("bundle missing")
	h := luavm.NewHandle(func(context.Context) (luavm.Engine, error) { return nil, boom }, 2, time.Millisecond)
	_ = h.Load(context.Background())
	r := NewEmbeddedRunner(h, 0)

	_, err := r.Execute(context.Background(), ExecutionRequest{Code: `print(1)`})
	if !IsUnavailable(err) || !errors.Is(err, boom) {
		t.Errorf("err = %v, want ErrRuntimeUnavailable wrapping the load error", err)
	}
}

func TestEmbeddedRunner_WaitReady(t *testing.T) {
	boom := errors.New("bundle missing")
	tests := []struct {
		name    string
		factory func(gate <-chan struct{}) luavm.Factory
		timeout time.Duration
		wantErr error
	}{
		{
			name:    "loads",
			factory: func(<-chan struct{}) luavm.Factory { return luavm.GopherFactory },
			timeout: 5 * time.Second,
		},
		{
			name: "load fails",
			factory: func(<-chan struct{}) luavm.Factory {
				return func(context.Context) (luavm.Engine, error) { return nil, boom }
			},
			timeout: 5 * time.Second,
			wantErr: boom,
		},
		{
			name: "load outlasts the wait",
			factory: func(gate <-chan struct{}) luavm.Factory {
				return func(ctx context.Context) (luavm.Engine, error) {
					select {
					case <-gate:
						return luavm.GopherFactory(ctx)
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
			},
			timeout: 20 * time.Millisecond,
			wantErr: context.DeadlineExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := make(chan struct{})
			h := luavm.NewHandle(tt.factory(gate), 1, 0)
			r := NewEmbeddedRunner(h, 0)
			t.Cleanup(func() { r.Close() })

			loaded := h.LoadAsync(context.Background())
			ctx, cancel := context.WithTimeout(context.Background(), tt.timeout)
			defer cancel()
			err := r.WaitReady(ctx)

			close(gate)
			<-loaded

			if tt.wantErr == nil {
				if err != nil || !r.Ready() {
					t.Fatalf("WaitReady = %v, Ready = %v", err, r.Ready())
				}
				return
			}
			if !IsUnavailable(err) || !errors.Is(err, tt.wantErr) {
				t.Errorf("WaitReady = %v, want ErrRuntimeUnavailable wrapping %v", err, tt.wantErr)
			}
		})
	}
}

func TestEmbeddedRunner_RejectsEmpty(t *testing.T) {
	r := loadedRunner(t)
	if _, err := r.Execute(context.Background(), ExecutionRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("err = %v, want ErrInvalidRequest", err)
	}
}

func TestEmbeddedRunner_CancelReloads(t *testing.T) {
	r := loadedRunner(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.Execute(ctx, ExecutionRequest{Code: `while true do end`}); err == nil {
		t.Fatal("cancelled run should return an error")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !r.Ready() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	res, err := r.Execute(context.Background(), ExecutionRequest{Code: `print("fresh")`})
	if err != nil {
		t.Fatalf("Execute after reload: %v", err)
	}
	if res.Output != "fresh" {
		t.Errorf("Output = %q", res.Output)
	}
}

func TestProvider_Embedded(t *testing.T) {
	pool := luavm.NewPool(luavm.GopherFactory, luavm.PoolConfig{MinIdle: 0, Attempts: 1})
	p := NewEmbeddedProvider(pool, 0)
	defer p.Close()

	a := p.ForSession(context.Background())
	b := p.ForSession(context.Background())
	defer a.Close()
	defer b.Close()

	if a.Mode() != "embedded" {
		t.Errorf("Mode() = %q", a.Mode())
	}

	deadline := time.Now().Add(2 * time.Second)
	for (!a.Ready() || !b.Ready()) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Each session owns its own runtime state.
	if _, err := a.Execute(context.Background(), ExecutionRequest{Code: `x = "from a"`}); err != nil {
		t.Fatal(err)
	}
	res, err := b.Execute(context.Background(), ExecutionRequest{Code: `print(x)`})
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "nil" {
		t.Errorf("session b saw session a's global: %q", res.Output)
	}
}

func TestProvider_ProcessSharesRunner(t *testing.T) {
	r, _ := newShRunner(t, time.Second)
	p := NewProcessProvider(r)

	b := p.ForSession(context.Background())
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	// Closing one session must not close the shared runner.
	if _, err := p.ForSession(context.Background()).Execute(context.Background(), ExecutionRequest{Code: "echo ok"}); err != nil {
		t.Errorf("shared runner closed by a session: %v", err)
	}
}
