package realtime

import "sync"

// SessionRegistry maps a user identifier to the connection that most recently
// joined on that user's behalf. A user holds at most one entry; a later join
// from another tab replaces the earlier mapping.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register records connectionID as the user's live connection.
func (r *SessionRegistry) Register(userID, connectionID string) {
	if userID == "" || connectionID == "" {
		return
	}
	r.mu.Lock()
	r.sessions[userID] = connectionID
	r.mu.Unlock()
}

func (r *SessionRegistry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connectionID, ok := r.sessions[userID]
	return connectionID, ok
}

// UnregisterByConnection removes the entry pointing at connectionID and
// reports which user it belonged to. Entries that were already overwritten by
// a newer connection are left alone.
func (r *SessionRegistry) UnregisterByConnection(connectionID string) (string, bool) {
	if connectionID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, registered := range r.sessions {
		if registered == connectionID {
			delete(r.sessions, userID)
			return userID, true
		}
	}
	return "", false
}

func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
