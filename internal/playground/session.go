package playground

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"luau-runner/internal/sandbox"
)

// ErrTooManySessions is returned by Get when the session limit is reached
// and every existing session has a submission in flight.
var ErrTooManySessions = errors.New("too many active sessions")

// BackendProvider hands out the backend for a new session.
type BackendProvider interface {
	ForSession(ctx context.Context) sandbox.Backend
	Mode() string
}

type session struct {
	dispatcher *Dispatcher
	lastUsed   time.Time
}

// Sessions maps session IDs to dispatchers and evicts idle ones.
type Sessions struct {
	provider BackendProvider
	template Options
	ttl      time.Duration
	max      int
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*session

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSessions creates a session manager. template supplies the options of
// every dispatcher; its SessionID is replaced per session.
func NewSessions(provider BackendProvider, ttl time.Duration, template Options) *Sessions {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Sessions{
		provider: provider,
		template: template,
		ttl:      ttl,
		now:      time.Now,
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.New().String()
}

// SetLimit caps the number of live sessions. n <= 0 means no cap.
func (s *Sessions) SetLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.max = n
}

// Get returns the dispatcher for id, creating it on first use. At the
// session limit the least recently used idle session is evicted to make
// room; if none is idle Get fails with ErrTooManySessions.
func (s *Sessions) Get(ctx context.Context, id string) (*Dispatcher, error) {
	s.mu.Lock()

	if sess, ok := s.sessions[id]; ok {
		sess.lastUsed = s.now()
		s.mu.Unlock()
		return sess.dispatcher, nil
	}

	var evicted *Dispatcher
	if s.max > 0 && len(s.sessions) >= s.max {
		evicted = s.evictOldestIdle()
		if evicted == nil {
			s.mu.Unlock()
			log.Warn().Int("limit", s.max).Msg("session limit reached, all sessions busy")
			return nil, ErrTooManySessions
		}
	}

	opts := s.template
	opts.SessionID = id
	d := NewDispatcher(s.provider.ForSession(ctx), opts)
	s.sessions[id] = &session{dispatcher: d, lastUsed: s.now()}
	s.updateGauge()
	s.mu.Unlock()

	if evicted != nil {
		if err := evicted.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close evicted session")
		}
	}

	log.Debug().Str("session_id", id).Str("mode", s.provider.Mode()).Msg("session created")
	return d, nil
}

// evictOldestIdle removes the least recently used idle session and returns
// its dispatcher for the caller to close. s.mu must be held.
func (s *Sessions) evictOldestIdle() *Dispatcher {
	var (
		oldestID string
		oldest   *session
	)
	for id, sess := range s.sessions {
		if sess.dispatcher.State() != Idle {
			continue
		}
		if oldest == nil || sess.lastUsed.Before(oldest.lastUsed) {
			oldestID, oldest = id, sess
		}
	}
	if oldest == nil {
		return nil
	}
	delete(s.sessions, oldestID)
	log.Info().Str("session_id", oldestID).Msg("evicted least recently used session")
	return oldest.dispatcher
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep closes sessions idle for longer than the TTL. A session with a
// submission in flight is never evicted.
func (s *Sessions) Sweep() int {
	cutoff := s.now().Add(-s.ttl)

	s.mu.Lock()
	var evicted []*Dispatcher
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) && sess.dispatcher.State() == Idle {
			evicted = append(evicted, sess.dispatcher)
			delete(s.sessions, id)
		}
	}
	s.updateGauge()
	s.mu.Unlock()

	for _, d := range evicted {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close evicted session")
		}
	}
	if len(evicted) > 0 {
		log.Info().Int("count", len(evicted)).Msg("evicted idle sessions")
	}
	return len(evicted)
}

// Start runs Sweep periodically until Close.
func (s *Sessions) Start() {
	interval := s.ttl / 2
	if interval > 5*time.Minute {
		interval = 5 * time.Minute
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Sweep()
			}
		}
	}()
}

// Close stops the sweeper and closes every session.
func (s *Sessions) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.mu.Lock()
	all := s.sessions
	s.sessions = make(map[string]*session)
	s.updateGauge()
	s.mu.Unlock()

	for _, sess := range all {
		_ = sess.dispatcher.Close()
	}
	return nil
}

// updateGauge must be called with s.mu held.
func (s *Sessions) updateGauge() {
	if s.template.Metrics != nil {
		s.template.Metrics.ActiveSessions.Set(float64(len(s.sessions)))
	}
}
