package sandbox

import "time"

type ExecutionRequest struct {
	Code    string        `json:"code"`
	Timeout time.Duration `json:"timeout,omitempty"` // Zero uses the runner default
}

// ExecutionResult is the raw outcome of one interpreter run. Output is the
// ordered transcript; Stdout and Stderr are kept for error extraction.
type ExecutionResult struct {
	ID       string        `json:"id"`
	Output   string        `json:"output"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	CodeHash string        `json:"code_hash"`
}
