package token

import (
	"sync"
	"time"
)

// ReplayGuard remembers consumed tokens until they expire.
// Entries map a token fingerprint to the session the token opened.
type ReplayGuard struct {
	mu      sync.Mutex
	entries map[string]replayEntry
}

type replayEntry struct {
	sessionID string
	expiresAt time.Time
}

// NewReplayGuard creates an empty guard.
func NewReplayGuard() *ReplayGuard {
	return &ReplayGuard{entries: make(map[string]replayEntry)}
}

// Lookup returns the session a still-valid fingerprint was consumed by.
func (g *ReplayGuard) Lookup(fingerprint string, now time.Time) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[fingerprint]
	if !ok {
		return "", false
	}
	if !now.Before(e.expiresAt) {
		delete(g.entries, fingerprint)
		return "", false
	}
	return e.sessionID, true
}

// Consume records that fingerprint opened sessionID. The entry lives no
// longer than the token itself.
func (g *ReplayGuard) Consume(fingerprint, sessionID string, expiresAt, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(now)
	if _, ok := g.entries[fingerprint]; ok {
		return
	}
	g.entries[fingerprint] = replayEntry{sessionID: sessionID, expiresAt: expiresAt}
}

// Len returns the number of tracked fingerprints.
func (g *ReplayGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

func (g *ReplayGuard) pruneLocked(now time.Time) {
	for fp, e := range g.entries {
		if !now.Before(e.expiresAt) {
			delete(g.entries, fp)
		}
	}
}
