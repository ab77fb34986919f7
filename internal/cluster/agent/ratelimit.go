package agent

import (
	"fmt"
	"sync"
	"time"
)

const (
	defaultRateLimit     = 30 // commands per minute
	defaultConcurrentCap = 5
	rateWindow           = time.Minute
)

// commandLimiter enforces the §5 shared-resource policy for command
// execution: a sliding one-minute window bounding the rate, plus a
// concurrent-execution counter, both behind one mutex. acquire/release are
// always paired via a scoped guard (guard.Release, deferred by the caller)
// so a panicking handler can never leak a slot.
type commandLimiter struct {
	mu          sync.Mutex
	timestamps  []time.Time
	inFlight    int
	ratePerMin  int
	concurrency int
	now         func() time.Time
}

func newCommandLimiter(ratePerMin, concurrency int) *commandLimiter {
	if ratePerMin <= 0 {
		ratePerMin = defaultRateLimit
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrentCap
	}
	return &commandLimiter{ratePerMin: ratePerMin, concurrency: concurrency, now: time.Now}
}

// limiterGuard releases the slot it was handed exactly once.
type limiterGuard struct {
	release func()
	once    sync.Once
}

func (g *limiterGuard) Release() {
	g.once.Do(func() {
		if g.release != nil {
			g.release()
		}
	})
}

// acquire blocks for no time (it is a gate, not a queue): it either grants a
// slot immediately or returns an error describing why it could not.
func (l *commandLimiter) acquire() (*limiterGuard, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-rateWindow)
	kept := l.timestamps[:0]
	for _, ts := range l.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.timestamps = kept

	if len(l.timestamps) >= l.ratePerMin {
		return nil, fmt.Errorf("rate limit exceeded: %d commands/min", l.ratePerMin)
	}
	if l.inFlight >= l.concurrency {
		return nil, fmt.Errorf("concurrency limit exceeded: %d in flight", l.concurrency)
	}

	l.timestamps = append(l.timestamps, now)
	l.inFlight++

	return &limiterGuard{release: l.releaseOne}, nil
}

func (l *commandLimiter) releaseOne() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}
