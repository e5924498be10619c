package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// MaxSourceBytes is the largest script accepted by any runtime.
const MaxSourceBytes = 1 << 20

// Runtime describes how to invoke an external interpreter on a script file.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "luau", "lua", "node-luau").
	Name() string

	// Image returns the container image used when the docker launcher is active.
	Image() string

	// Command returns the argv that runs the script at codePath.
	// The script path is always the last element; nothing is passed through a shell.
	Command(codePath string) []string

	// FileExtension returns the extension for transient script files (e.g., ".luau").
	FileExtension() string

	// Validate is a best-effort pre-check before the file is written.
	Validate(code string) error
}

// Registry maps runtime names to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with all supported runtimes.
// A non-empty binary overrides the interpreter path of every runtime;
// bundle locates the compiled Luau script for the node-luau runtime.
func NewRegistry(binary, bundle string) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	r.Register(&LuauRuntime{Binary: binary})
	r.Register(&LuaRuntime{Binary: binary})
	r.Register(&NodeLuauRuntime{Node: binary, Bundle: bundle})
	return r
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[rt.Name()] = rt
}

// Get returns the runtime with the given name.
func (r *Registry) Get(name string) (Runtime, error) {
	rt, ok := r.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("unsupported runtime: %q (supported: %s)", name, strings.Join(r.Names(), ", "))
	}
	return rt, nil
}

// Names returns all registered runtime names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.runtimes))
	for name := range r.runtimes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateSource(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty code")
	}
	if len(code) > MaxSourceBytes {
		return fmt.Errorf("code too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
