package interview

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/krshsl/interviewcoach/backend/clock"
)

// SessionTracker keeps the in-process view of live sessions: when each one
// was last active and which calls are in flight for it, so that ending a
// session can cancel them.
type SessionTracker struct {
	clock    clock.Clock
	sessions map[string]*trackedSession
	mutex    sync.Mutex
}

type trackedSession struct {
	UserID       string
	LastActivity time.Time
	inflight     map[uint64]context.CancelFunc
	nextID       uint64
}

func NewSessionTracker(clk clock.Clock) *SessionTracker {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &SessionTracker{clock: clk, sessions: make(map[string]*trackedSession)}
}

func (t *SessionTracker) session(sessionID, userID string) *trackedSession {
	s, ok := t.sessions[sessionID]
	if !ok {
		s = &trackedSession{UserID: userID, inflight: make(map[uint64]context.CancelFunc)}
		t.sessions[sessionID] = s
	}
	s.LastActivity = t.clock.Now()
	return s
}

// Register starts idle tracking for a session.
func (t *SessionTracker) Register(sessionID, userID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.session(sessionID, userID)
	slog.Debug("Session registered for idle tracking", "session_id", sessionID, "user_id", userID)
}

// Begin marks a call in flight for the session. The returned context is
// cancelled by Cancel; done must be called when the work finishes.
func (t *SessionTracker) Begin(ctx context.Context, sessionID, userID string) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)

	t.mutex.Lock()
	s := t.session(sessionID, userID)
	id := s.nextID
	s.nextID++
	s.inflight[id] = cancel
	t.mutex.Unlock()

	return ctx, func() {
		cancel()
		t.mutex.Lock()
		defer t.mutex.Unlock()
		if s, ok := t.sessions[sessionID]; ok {
			delete(s.inflight, id)
			s.LastActivity = t.clock.Now()
		}
	}
}

// Cancel aborts every in-flight call of the session and stops tracking it.
// It returns how many calls were cancelled.
func (t *SessionTracker) Cancel(sessionID string) int {
	t.mutex.Lock()
	s, ok := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mutex.Unlock()
	if !ok {
		return 0
	}
	for _, cancel := range s.inflight {
		cancel()
	}
	if n := len(s.inflight); n > 0 {
		slog.Info("Cancelled in-flight work for session", "session_id", sessionID, "count", n)
		return n
	}
	return 0
}

// Forget stops tracking a session without cancelling anything.
func (t *SessionTracker) Forget(sessionID string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.sessions, sessionID)
}

// Idle lists sessions without activity for longer than timeout and with no
// call in flight.
func (t *SessionTracker) Idle(timeout time.Duration) []string {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	now := t.clock.Now()
	var out []string
	for id, s := range t.sessions {
		if len(s.inflight) == 0 && now.Sub(s.LastActivity) > timeout {
			out = append(out, id)
		}
	}
	return out
}

func (t *SessionTracker) Active() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.sessions)
}

// Run checks for idle sessions every interval until ctx is done.
func (t *SessionTracker) Run(ctx context.Context, interval, timeout time.Duration, onIdle func(ctx context.Context, sessionID string)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.clock.After(interval):
		}
		for _, id := range t.Idle(timeout) {
			slog.Info("Session idle, closing", "session_id", id, "idle_timeout", timeout)
			onIdle(ctx, id)
		}
	}
}
