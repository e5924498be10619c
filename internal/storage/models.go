package storage

import (
	"context"
	"time"
)

// MaxRecent caps how many snippets a history listing returns.
const MaxRecent = 50

// Snippet is one completed execution attempt. Snippets are append-only.
type Snippet struct {
	ID        int64     `json:"id" db:"id"`
	Code      string    `json:"code" db:"code"`
	Output    *string   `json:"output" db:"output"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// HistoryStore persists snippets and lists them newest first.
type HistoryStore interface {
	Append(ctx context.Context, code, output string) (*Snippet, error)
	ListRecent(ctx context.Context, limit int) ([]Snippet, error)
}

// Recorder is the write side used by the dispatcher. Record never fails:
// history is best effort and errors are logged.
type Recorder interface {
	Record(ctx context.Context, code, output string)
}

// ClampLimit maps a requested limit onto 1..MaxRecent; non-positive means MaxRecent.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxRecent {
		return MaxRecent
	}
	return limit
}
