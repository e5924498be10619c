package api

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

// sseStream writes Server-Sent Events to one response. The event-stream
// headers go out with the first event, so a submission rejected before it
// produced anything can still be answered with a plain JSON status.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
}

// newSSEStream returns nil if the ResponseWriter does not support flushing.
func newSSEStream(w http.ResponseWriter) *sseStream {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &sseStream{w: w, flusher: flusher}
}

// Started reports whether any event has been written.
func (s *sseStream) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Writer returns an io.Writer that emits each write as one event.
func (s *sseStream) Writer(event string) io.Writer {
	return eventWriter{s: s, event: event}
}

func (s *sseStream) send(event, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	// Every line of a multi-line payload needs its own "data:" prefix, or a
	// newline in script output would end the event early.
	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done sends the completion event with the final result as JSON.
func (s *sseStream) Done(data string) {
	_ = s.send("done", data)
}

// Error sends an error event.
func (s *sseStream) Error(msg string) {
	_ = s.send("error", msg)
}

type eventWriter struct {
	s     *sseStream
	event string
}

func (e eventWriter) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := e.s.send(e.event, string(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}
