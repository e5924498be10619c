package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestEmbeddedEscapeAttempts(t *testing.T) {
	r := loadedRunner(t)

	tests := []struct {
		name        string
		code        string
		description string
	}{
		{
			name:        "Run shell command",
			code:        `os.execute("id")`,
			description: "os library is never opened",
		},
		{
			name:        "Read /etc/shadow",
			code:        `local f = io.open("/etc/shadow") print(f:read("*a"))`,
			description: "io library is never opened",
		},
		{
			name:        "Load native module",
			code:        `local m = require("os") m.exit(1)`,
			description: "require is removed",
		},
		{
			name:        "Execute file",
			code:        `dofile("/etc/passwd")`,
			description: "dofile is removed",
		},
		{
			name:        "Compile chunk from string",
			code:        `loadstring("return 1")()`,
			description: "loadstring is removed",
		},
		{
			name:        "Inspect registry",
			code:        `debug.getregistry()`,
			description: "debug library is never opened",
		},
		{
			name:        "Exit host process",
			code:        `os.exit(0)`,
			description: "os library is never opened",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			res, err := r.Execute(ctx, ExecutionRequest{Code: tt.code})
			if err != nil {
				t.Fatalf("escape attempt surfaced as infrastructure error: %v", err)
			}
			if res.ExitCode == 0 {
				t.Errorf("%s: expected a fault, got output %q", tt.description, res.Output)
			}
		})
	}

	// The runtime stays usable after every attempt.
	res, err := r.Execute(context.Background(), ExecutionRequest{Code: `print("still here")`})
	if err != nil {
		t.Fatalf("after escapes: %v", err)
	}
	if res.Output != "still here" {
		t.Errorf("after escapes: output %q", res.Output)
	}
}
