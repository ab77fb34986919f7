// Package replay implements the freshness + nonce-memory check (§4.1) that
// protects the JSON-RPC wire protocol from replayed requests. A Guard is
// owned by one connection — per §9's resolution of the scope question,
// nonces from one agent's channel are never checked against another's.
package replay

import (
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultFreshnessWindow is how old a timestamp may be before it's
	// rejected as "too-old".
	DefaultFreshnessWindow = 300 * time.Second

	// DefaultClockSkewTolerance is how far into the future a timestamp may
	// be before it's rejected as "future".
	DefaultClockSkewTolerance = 30 * time.Second

	// MaxNonces bounds the remembered-nonce set. Once it grows past
	// MaxNonces/2, a purge sweep drops anything older than
	// 2*FreshnessWindow.
	MaxNonces = 100_000
)

// Reason identifies why validate rejected a request.
type Reason string

const (
	ReasonOK     Reason = ""
	ReasonTooOld Reason = "too-old"
	ReasonFuture Reason = "future"
	ReasonReplay Reason = "replay"
)

// Guard tracks admitted nonces within a bounded, time-windowed memory.
type Guard struct {
	freshnessWindow time.Duration
	clockSkew       time.Duration
	now             func() time.Time

	mu     sync.Mutex
	nonces map[string]time.Time // nonce -> admission time
}

// New creates a Guard with the default freshness window and clock skew
// tolerance from §4.1.
func New() *Guard {
	return NewWithLimits(DefaultFreshnessWindow, DefaultClockSkewTolerance)
}

// NewWithLimits creates a Guard with explicit freshness/skew parameters,
// primarily for tests that need to exercise the boundary values in §8.
func NewWithLimits(freshnessWindow, clockSkew time.Duration) *Guard {
	return &Guard{
		freshnessWindow: freshnessWindow,
		clockSkew:       clockSkew,
		now:             time.Now,
		nonces:          make(map[string]time.Time),
	}
}

// Validate checks (timestamp, nonce) freshness and uniqueness. On success
// the nonce is admitted and remembered so a later call with the same nonce
// fails with ReasonReplay.
func (g *Guard) Validate(timestamp time.Time, nonce string) (bool, Reason) {
	now := g.now()

	if now.Sub(timestamp) > g.freshnessWindow {
		return false, ReasonTooOld
	}
	if timestamp.Sub(now) > g.clockSkew {
		return false, ReasonFuture
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, seen := g.nonces[nonce]; seen {
		return false, ReasonReplay
	}
	g.nonces[nonce] = now

	if len(g.nonces) > MaxNonces/2 {
		g.purgeLocked(now)
	}

	return true, ReasonOK
}

// purgeLocked drops nonces admitted more than 2*freshnessWindow ago. Caller
// must hold g.mu.
func (g *Guard) purgeLocked(now time.Time) {
	cutoff := now.Add(-2 * g.freshnessWindow)
	for nonce, admitted := range g.nonces {
		if admitted.Before(cutoff) {
			delete(g.nonces, nonce)
		}
	}
}

// Error renders a Reason as a human-readable message for RPC error payloads.
func (r Reason) Error() string {
	switch r {
	case ReasonTooOld:
		return "request timestamp is too old"
	case ReasonFuture:
		return "request timestamp is too far in the future"
	case ReasonReplay:
		return "nonce has already been used"
	default:
		return fmt.Sprintf("replay check failed: %s", string(r))
	}
}
