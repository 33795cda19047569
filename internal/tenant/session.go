package tenant

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Session holds per-process resolution state: the last workspace each
// principal resolved to. It is injected into the Resolver rather than
// kept as package globals, and cleared on session end. No state is
// persisted remotely.
type Session struct {
	hints *lru.Cache[string, string]
}

// defaultHintCapacity bounds the hint cache for long-lived multi-user
// processes.
const defaultHintCapacity = 1024

// NewSession creates a session context. capacity <= 0 uses the default.
func NewSession(capacity int) (*Session, error) {
	if capacity <= 0 {
		capacity = defaultHintCapacity
	}
	hints, err := lru.New[string, string](capacity)
	if err != nil {
		return nil, err
	}
	return &Session{hints: hints}, nil
}

// Remember records the workspace a principal last resolved to.
func (s *Session) Remember(principalID, workspaceID string) {
	if principalID == "" || workspaceID == "" {
		return
	}
	s.hints.Add(principalID, workspaceID)
}

// Remembered returns the last-known workspace for a principal.
func (s *Session) Remembered(principalID string) (string, bool) {
	return s.hints.Get(principalID)
}

// Forget drops the hint for one principal. Called on session end.
func (s *Session) Forget(principalID string) {
	s.hints.Remove(principalID)
}

// Reset clears all hints.
func (s *Session) Reset() {
	s.hints.Purge()
}
