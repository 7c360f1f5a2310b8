package eventstore

import (
	"sync"
)

// sessionLocker serializes appends per session. Sequence allocation reads
// the session row, computes the next sequence, and writes both the event and
// the counters; the lock makes that read-modify-write atomic inside the
// process. Distinct sessions proceed independently.
type sessionLocker struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocker() *sessionLocker {
	return &sessionLocker{locks: make(map[string]*sessionLock)}
}

// Lock acquires the session's mutex and returns the release function. Lock
// entries are reference counted and removed when idle, so abandoned sessions
// leak nothing.
func (l *sessionLocker) Lock(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[sessionID]
	if !ok {
		entry = &sessionLock{}
		l.locks[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.mu.Unlock()
			l.mu.Lock()
			entry.refs--
			if entry.refs == 0 {
				delete(l.locks, sessionID)
			}
			l.mu.Unlock()
		})
	}
}
