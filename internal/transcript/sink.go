// Package transcript captures the output of a single execution attempt.
package transcript

import (
	"errors"
	"strings"
	"sync"
)

// DefaultMaxBytes matches the output cap of the process runner (1MB).
const DefaultMaxBytes = 1 << 20

const truncatedSuffix = "\n... [output truncated]"

// ErrFrozen is returned when appending to a sink whose transcript has been frozen.
var ErrFrozen = errors.New("transcript is frozen")

// Sink accumulates output fragments for one in-flight request.
// Fragments are newline-joined in the order they arrive. Once Freeze is
// called the transcript no longer changes.
type Sink struct {
	mu        sync.Mutex
	buf       strings.Builder
	fragments int
	maxBytes  int
	truncated bool
	frozen    bool
}

// NewSink creates a sink that keeps at most maxBytes of transcript.
// A non-positive maxBytes uses DefaultMaxBytes.
func NewSink(maxBytes int) *Sink {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Sink{maxBytes: maxBytes}
}

// Append adds one fragment. Bytes beyond the cap are dropped and the
// transcript is marked truncated.
func (s *Sink) Append(fragment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrFrozen
	}
	if s.truncated {
		return nil
	}

	if s.fragments > 0 {
		fragment = "\n" + fragment
	}
	s.fragments++

	room := s.maxBytes - s.buf.Len()
	if len(fragment) > room {
		s.buf.WriteString(fragment[:max(room, 0)])
		s.truncated = true
		return nil
	}
	s.buf.WriteString(fragment)
	return nil
}

// Freeze stops further appends and returns the final transcript.
// Calling Freeze more than once returns the same text.
func (s *Sink) Freeze() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frozen = true
	if s.truncated {
		return s.buf.String() + truncatedSuffix
	}
	return s.buf.String()
}

// Len returns the number of captured bytes.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// Truncated reports whether any output was dropped.
func (s *Sink) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// Join concatenates stdout and stderr in that order. Each stream is
// internally ordered; no interleaving between the two is reconstructed.
func Join(stdout, stderr string) string {
	return stdout + stderr
}

// Truncate caps s at maxBytes, marking the cut.
func Truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + truncatedSuffix
}
