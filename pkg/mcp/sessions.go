package mcp

import "sync"

// SessionRegistry maps thread IDs to MCP session IDs. Populated when a
// client touches a thread through any tool call, consulted when run events
// are pushed back out as notifications. A reverse index keeps disconnect
// cleanup proportional to the session's own threads, not every thread the
// process has seen.
type SessionRegistry struct {
	mu        sync.RWMutex
	byThread  map[string]string
	bySession map[string]map[string]struct{}
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		byThread:  make(map[string]string),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Register associates a thread ID with a session ID. A thread already owned
// by another session moves to the new one (reconnect), so a late Remove of
// the old session cannot strand the thread.
func (r *SessionRegistry) Register(threadID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byThread[threadID]; ok && prev != sessionID {
		r.detach(prev, threadID)
	}

	r.byThread[threadID] = sessionID
	threads := r.bySession[sessionID]
	if threads == nil {
		threads = make(map[string]struct{})
		r.bySession[sessionID] = threads
	}
	threads[threadID] = struct{}{}
}

// SessionFor returns the session ID watching the given thread, if any.
func (r *SessionRegistry) SessionFor(threadID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.byThread[threadID]
	return sid, ok
}

// Remove deletes every thread mapping held by the given session ID.
// Called when a session disconnects or a push reports it expired.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for threadID := range r.bySession[sessionID] {
		delete(r.byThread, threadID)
	}
	delete(r.bySession, sessionID)
}

// detach drops one thread from a session's reverse entry. Caller holds mu.
func (r *SessionRegistry) detach(sessionID, threadID string) {
	threads := r.bySession[sessionID]
	delete(threads, threadID)
	if len(threads) == 0 {
		delete(r.bySession, sessionID)
	}
}
