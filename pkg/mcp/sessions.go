package mcp

import (
	"context"
	"sync"

	"github.com/mark3labs/mcp-go/server"
)

// SessionRegistry maps initiator IDs to MCP session IDs. Populated when an
// agent casts a spell with agent delivery, so completion notifications can
// find their way back to the originating session.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // initiatorID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates an initiator ID with a session ID. A reconnecting agent
// overwrites its previous session.
func (r *SessionRegistry) Register(initiatorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[initiatorID] = sessionID
}

// SessionFor returns the session ID for the given initiator, if connected.
func (r *SessionRegistry) SessionFor(initiatorID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[initiatorID]
	return sid, ok
}

// Remove deletes all initiator mappings for the given session ID. Called when
// a session disconnects or expires.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for iid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, iid)
		}
	}
}

// captureSession records the calling session for the initiator, when the
// transport exposes one. Stdio transports have a single implicit session.
func (s *GrimoireServer) captureSession(ctx context.Context, initiatorID string) {
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return
	}
	s.sessions.Register(initiatorID, session.SessionID())
}
