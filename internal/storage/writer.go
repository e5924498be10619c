package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const writeTimeout = 5 * time.Second

type pendingSnippet struct {
	code   string
	output string
}

// HistoryWriter appends snippets in the background so a slow database
// never delays an execution response.
type HistoryWriter struct {
	store   HistoryStore
	ch      chan pendingSnippet
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	observe func(status string)
	backoff time.Duration
}

func NewHistoryWriter(store HistoryStore, bufferSize int) *HistoryWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &HistoryWriter{
		store:   store,
		ch:      make(chan pendingSnippet, bufferSize),
		done:    make(chan struct{}),
		observe: func(string) {},
		backoff: 100 * time.Millisecond,
	}
}

// OnWrite registers a callback receiving "ok", "retry", "failed" or "dropped".
func (w *HistoryWriter) OnWrite(fn func(status string)) {
	w.observe = fn
}

func (w *HistoryWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record queues a snippet. It never blocks; a full buffer drops the entry.
func (w *HistoryWriter) Record(_ context.Context, code, output string) {
	select {
	case <-w.done:
		log.Warn().Msg("history writer stopped, dropping snippet")
		w.observe("dropped")
		return
	default:
	}

	select {
	case w.ch <- pendingSnippet{code: code, output: output}:
	default:
		log.Warn().Msg("history buffer full, dropping snippet")
		w.observe("dropped")
	}
}

// Flush stops accepting snippets and waits up to timeout for queued ones.
func (w *HistoryWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("history writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("history writer flush timed out")
	}
}

func (w *HistoryWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case s := <-w.ch:
			w.writeWithRetry(s)
		case <-w.done:
			for {
				select {
				case s := <-w.ch:
					w.writeWithRetry(s)
				default:
					return
				}
			}
		}
	}
}

func (w *HistoryWriter) writeWithRetry(s pendingSnippet) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_, err := w.store.Append(ctx, s.code, s.output)
		cancel()

		if err == nil {
			w.observe("ok")
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("history write failed, retrying")
			w.observe("retry")
			time.Sleep(backoff)
		} else {
			log.Error().Err(err).Msg("history write failed permanently after retries")
			w.observe("failed")
		}
	}
}

// SyncRecorder appends before returning, so a listing issued right after
// an execution already contains it.
type SyncRecorder struct {
	store   HistoryStore
	observe func(status string)
}

func NewSyncRecorder(store HistoryStore) *SyncRecorder {
	return &SyncRecorder{store: store, observe: func(string) {}}
}

func (r *SyncRecorder) OnWrite(fn func(status string)) {
	r.observe = fn
}

func (r *SyncRecorder) Record(ctx context.Context, code, output string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if _, err := r.store.Append(ctx, code, output); err != nil {
		log.Error().Err(err).Msg("failed to record snippet")
		r.observe("failed")
		return
	}
	r.observe("ok")
}
