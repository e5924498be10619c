package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"luau-runner/internal/playground"
	"luau-runner/internal/sandbox"
	"luau-runner/internal/storage"
)

type Handlers struct {
	sessions *playground.Sessions
	history  storage.HistoryStore
	limit    int
}

// NewHandlers wires the playground endpoints. history may be nil, in which
// case GET /api/history answers 503.
func NewHandlers(sessions *playground.Sessions, history storage.HistoryStore, limit int) *Handlers {
	return &Handlers{
		sessions: sessions,
		history:  history,
		limit:    storage.ClampLimit(limit),
	}
}

// HandleRun submits the body's code on the caller's session and waits for
// the outcome. A failed script is still a 200; only rejected or
// undeliverable submissions get an error status.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRun(w, r)
	if !ok {
		return
	}

	d, err := h.sessions.Get(r.Context(), SessionIDFromContext(r.Context()))
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}
	result, err := d.Submit(r.Context(), req.Code)
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newRunResponse(result))
}

// HandleRunStream is HandleRun over Server-Sent Events: stdout and stderr
// events while the script runs, then done with the RunResponse as JSON.
func (h *Handlers) HandleRunStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRun(w, r)
	if !ok {
		return
	}

	stream := newSSEStream(w)
	if stream == nil {
		writeError(w, "streaming not supported", http.StatusInternalServerError, r)
		return
	}

	d, err := h.sessions.Get(r.Context(), SessionIDFromContext(r.Context()))
	if err != nil {
		h.writeSubmitError(w, r, err)
		return
	}
	result, err := d.SubmitStreaming(r.Context(), req.Code, stream.Writer("stdout"), stream.Writer("stderr"))
	if err != nil {
		if !stream.Started() {
			h.writeSubmitError(w, r, err)
			return
		}
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("streaming execution failed")
		stream.Error("execution failed")
		return
	}

	data, err := json.Marshal(newRunResponse(result))
	if err != nil {
		stream.Error("execution failed")
		return
	}
	stream.Done(string(data))
}

// HandleHistory lists recent snippets, newest first. ?limit= narrows the
// configured limit but never exceeds it.
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, "history is not configured", http.StatusServiceUnavailable, r)
		return
	}

	limit := h.limit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Message: "limit must be a positive integer", Field: "limit"})
			return
		}
		limit = min(n, h.limit)
	}

	snippets, err := h.history.ListRecent(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("listing history failed")
		writeError(w, "Internal server error", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, newHistoryEntries(snippets))
}

func (h *Handlers) decodeRun(w http.ResponseWriter, r *http.Request) (RunRequest, bool) {
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Message: "Code exceeds the 1MB limit", Field: "code"})
			return req, false
		}
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Message: "invalid JSON: " + err.Error()})
		return req, false
	}
	return req, true
}

func (h *Handlers) writeSubmitError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *playground.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Message: verr.Message, Field: verr.Field})
	case errors.Is(err, playground.ErrTooManySessions):
		w.Header().Set("Retry-After", "5")
		writeError(w, "Too many active sessions", http.StatusServiceUnavailable, r)
	case errors.Is(err, playground.ErrBusy):
		writeError(w, "An execution is already in progress", http.StatusConflict, r)
	case sandbox.IsUnavailable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, "Runtime is not available yet", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("execution failed")
		writeError(w, "Internal server error", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Message:   msg,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
