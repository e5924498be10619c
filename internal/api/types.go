package api

import (
	"time"

	"luau-runner/internal/playground"
	"luau-runner/internal/storage"
)

// RunRequest is the request body for POST /api/run.
type RunRequest struct {
	Code string `json:"code"`
}

// RunResponse is the response body for a completed attempt. Error is set
// only when the script failed or timed out.
type RunResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

func newRunResponse(r *playground.Result) RunResponse {
	return RunResponse{Output: r.Transcript, Error: r.Error}
}

// ValidationErrorResponse is returned with 400.
type ValidationErrorResponse struct {
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// ErrorResponse is returned for every other non-2xx status.
type ErrorResponse struct {
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// HistoryEntry is one element of GET /api/history.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Code      string    `json:"code"`
	Output    *string   `json:"output"`
	CreatedAt time.Time `json:"createdAt"`
}

func newHistoryEntries(snippets []storage.Snippet) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(snippets))
	for _, s := range snippets {
		entries = append(entries, HistoryEntry(s))
	}
	return entries
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status       string `json:"status"`
	Mode         string `json:"mode"`
	RuntimeReady bool   `json:"runtime_ready"`
	Database     bool   `json:"database"`
	Sessions     int    `json:"sessions"`
	Uptime       string `json:"uptime"`
}
