package replay

import (
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestValidate_AcceptsFreshRequest(t *testing.T) {
	g := New()
	ok, reason := g.Validate(time.Now(), "nonce-1")
	if !ok || reason != ReasonOK {
		t.Fatalf("expected ok, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidate_RejectsReplay(t *testing.T) {
	g := New()
	now := time.Now()

	ok, _ := g.Validate(now, "dup")
	if !ok {
		t.Fatal("first validate should succeed")
	}

	ok, reason := g.Validate(now, "dup")
	if ok || reason != ReasonReplay {
		t.Fatalf("second validate with same nonce: got ok=%v reason=%q, want replay", ok, reason)
	}
}

func TestValidate_FreshnessBoundary(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	g := New()
	g.now = fixedClock(base)

	// now - ts = 299s passes.
	ok, reason := g.Validate(base.Add(-299*time.Second), "n1")
	if !ok {
		t.Errorf("299s old: want pass, got reason %q", reason)
	}

	// now - ts = 301s fails.
	ok, reason = g.Validate(base.Add(-301*time.Second), "n2")
	if ok || reason != ReasonTooOld {
		t.Errorf("301s old: want too-old, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidate_ClockSkewBoundary(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	g := New()
	g.now = fixedClock(base)

	// ts - now = 29s passes.
	ok, reason := g.Validate(base.Add(29*time.Second), "n1")
	if !ok {
		t.Errorf("29s future: want pass, got reason %q", reason)
	}

	// ts - now = 31s fails.
	ok, reason = g.Validate(base.Add(31*time.Second), "n2")
	if ok || reason != ReasonFuture {
		t.Errorf("31s future: want future, got ok=%v reason=%q", ok, reason)
	}
}

func TestPurge_BoundsMemory(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	g := NewWithLimits(1*time.Second, 1*time.Second)
	cur := base
	g.now = func() time.Time { return cur }

	// Fill past MaxNonces/2 with old nonces, all within freshness window
	// relative to their own admission time, then move the clock far enough
	// forward that a purge sweep drops them all.
	for i := 0; i < MaxNonces/2+10; i++ {
		nonce := time.Duration(i).String() + "-nonce"
		if ok, reason := g.Validate(cur, nonce); !ok {
			t.Fatalf("validate #%d failed: %v", i, reason)
		}
	}

	if len(g.nonces) <= MaxNonces/2 {
		t.Fatalf("expected purge trigger, have %d nonces", len(g.nonces))
	}

	// Advance clock well past 2x freshness window and add one more nonce —
	// this should trigger purgeLocked and drop the old entries.
	cur = base.Add(10 * time.Second)
	if ok, _ := g.Validate(cur, "fresh-after-purge"); !ok {
		t.Fatal("validate after clock advance should succeed")
	}
	if len(g.nonces) > 2 {
		t.Errorf("expected purge to shrink nonce set, have %d", len(g.nonces))
	}
}
