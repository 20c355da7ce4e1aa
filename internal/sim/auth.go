package sim

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Decision is what the simulated operator does with connect requests.
type Decision int

const (
	// DecisionAccept authorizes every request after the configured delay.
	DecisionAccept Decision = iota
	// DecisionDeny refuses every request after the configured delay.
	DecisionDeny
	// DecisionIgnore leaves requests pending, like a touchscreen nobody is
	// standing next to; hosts run into their authorization timeout unless
	// Authorize or Reject answers for the operator.
	DecisionIgnore
)

type authState int

const (
	authPending authState = iota
	authAuthorized
	authDenied
)

// grant is one minted token and the operator's verdict on it.
type grant struct {
	state     authState
	expiresAt time.Time
}

// authTable is the simulator's token ledger. Grants lapse after the TTL of
// inactivity; touching one through lookup renews its lease.
type authTable struct {
	mu     sync.Mutex
	grants map[string]*grant
	ttl    time.Duration
}

func newAuthTable(ttl time.Duration) *authTable {
	return &authTable{
		grants: make(map[string]*grant),
		ttl:    ttl,
	}
}

// mint creates a pending grant under a fresh random token.
func (t *authTable) mint() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeExpiredLocked()
	t.grants[token] = &grant{state: authPending, expiresAt: time.Now().Add(t.ttl)}
	return token, nil
}

// lookup returns the grant's state and renews its lease. ok is false for
// unknown or lapsed tokens.
func (t *authTable) lookup(token string) (authState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.purgeExpiredLocked()

	g, ok := t.grants[token]
	if !ok {
		return authPending, false
	}
	g.expiresAt = time.Now().Add(t.ttl)
	return g.state, true
}

// setState flips one grant. Returns false when the token is gone.
func (t *authTable) setState(token string, st authState) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	g, ok := t.grants[token]
	if !ok {
		return false
	}
	g.state = st
	return true
}

// decideAllPending flips every pending grant, the way one touchscreen tap
// answers whatever dialog is up. Returns how many grants it decided.
func (t *authTable) decideAllPending(st authState) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, g := range t.grants {
		if g.state == authPending {
			g.state = st
			n++
		}
	}
	return n
}

// forget drops a grant outright.
func (t *authTable) forget(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.grants, token)
}

func (t *authTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.grants)
}

// purgeExpiredLocked removes lapsed grants. Caller must hold t.mu.
func (t *authTable) purgeExpiredLocked() {
	now := time.Now()
	for token, g := range t.grants {
		if now.After(g.expiresAt) {
			delete(t.grants, token)
		}
	}
}
