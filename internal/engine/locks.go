// ABOUTME: Keyed mutual exclusion for per-session state mutation
// ABOUTME: Unrelated sessions proceed independently; entries are dropped when unused

package engine

import "sync"

// lockEntry is one session's mutex plus a reference count so the map does
// not grow with every session ever seen.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// sessionLocks hands out a mutex per session key. The lock scope is the
// in-memory log/stage mutation only; callers must not hold it across model
// or retrieval calls.
type sessionLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the session's lock is held and returns the release
// function. Release exactly once.
func (l *sessionLocks) acquire(sessionID string) func() {
	l.mu.Lock()
	entry, ok := l.entries[sessionID]
	if !ok {
		entry = &lockEntry{}
		l.entries[sessionID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()

		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.entries, sessionID)
		}
		l.mu.Unlock()
	}
}
