package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/store"
	cron "github.com/robfig/cron/v3"
)

// rotationWindow is how far ahead of token_expires_at the scheduler starts
// offering an agent as a rotation candidate (§4.7).
const rotationWindow = 48 * time.Hour

// rotationGrace is how long a pending token stays valid alongside the
// current one before an un-promoted rotation is canceled (§4.7).
const rotationGrace = 24 * time.Hour

// rotationTokenTTL is the lifetime assigned to a freshly rotated token.
const rotationTokenTTL = 30 * 24 * time.Hour

// rotationParallelism bounds how many agents are rotated concurrently per
// sweep tick.
const rotationParallelism = 4

// rotationScheduler drives the §4.7 token rotation protocol: a periodic
// sweep that initiates rotation for agents nearing expiry, and cancels any
// rotation whose grace period has elapsed without the agent promoting its
// pending token.
type rotationScheduler struct {
	srv *Server
	db  *store.Store
	log *slog.Logger

	cron *cron.Cron

	mu           sync.Mutex
	pendingSince map[string]time.Time // agent ID -> when its pending token was issued
}

func newRotationScheduler(srv *Server, db *store.Store, log *slog.Logger) *rotationScheduler {
	return &rotationScheduler{
		srv:          srv,
		db:           db,
		log:          log,
		cron:         cron.New(),
		pendingSince: make(map[string]time.Time),
	}
}

// Start schedules the sweep to run once an hour, the same cron idiom the
// rest of the app uses for periodic work.
func (r *rotationScheduler) Start() {
	if _, err := r.cron.AddFunc("@every 1h", r.sweep); err != nil {
		r.log.Error("failed to schedule token rotation sweep", "error", err)
		return
	}
	r.cron.Start()
}

// Stop halts the scheduler. Any in-flight sweep is allowed to finish.
func (r *rotationScheduler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// sweep runs one rotation pass: cancels stale pending rotations, then
// initiates new ones for agents inside the rotation window, with bounded
// parallelism.
func (r *rotationScheduler) sweep() {
	agents, err := r.db.ListAgentsExpiringBefore(time.Now().Add(rotationWindow))
	if err != nil {
		r.log.Error("failed to list agents for token rotation", "error", err)
		return
	}

	sem := make(chan struct{}, rotationParallelism)
	done := make(chan struct{}, len(agents))
	for _, a := range agents {
		a := a
		sem <- struct{}{}
		go func() {
			defer func() { <-sem; done <- struct{}{} }()
			r.rotateOrCancel(a)
		}()
	}
	for range agents {
		<-done
	}
}

func (r *rotationScheduler) rotateOrCancel(a cluster.Agent) {
	if a.PendingTokenHash != "" {
		r.mu.Lock()
		since, tracked := r.pendingSince[a.ID]
		r.mu.Unlock()
		if tracked && time.Since(since) > rotationGrace {
			r.cancel(a)
		}
		return
	}
	r.initiate(a)
}

// initiate mints a new token, records its hash as pending, and pushes it to
// the agent if it currently has a live channel (§4.7 step 1-2).
func (r *rotationScheduler) initiate(a cluster.Agent) {
	token, err := generateAgentToken()
	if err != nil {
		r.log.Error("failed to generate rotation token", "agent_id", a.ID, "error", err)
		return
	}

	if err := r.db.UpdateAgentFields(a.ID, map[string]any{
		"pending_token_hash": hashAgentToken(token),
	}); err != nil {
		r.log.Error("failed to record pending token", "agent_id", a.ID, "error", err)
		return
	}
	r.mu.Lock()
	r.pendingSince[a.ID] = time.Now()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	params := map[string]any{
		"new_token":            token,
		"grace_period_seconds": int(rotationGrace.Seconds()),
	}
	if _, err := r.srv.call(ctx, a.HostID, "agent.rotate_token", params, 10*time.Second); err != nil {
		// Agent may be offline or its reply lost. The pending hash stays
		// recorded, so an agent that did persist the new token can still
		// authenticate with it (§4.7 step 3); otherwise the sweep cancels
		// the rotation once the grace period elapses and a later sweep
		// initiates a new one.
		r.log.Warn("rotate_token dispatch failed, pending rotation kept until promoted or canceled after the grace period", "agent_id", a.ID, "host_id", a.HostID, "error", err)
	}
}

// clearPending forgets a tracked pending-rotation start time, called once
// the Backend has promoted the pending token to current (§4.7 step 3) so a
// later sweep doesn't mistake the now-empty pending hash for a live one.
func (r *rotationScheduler) clearPending(agentID string) {
	r.mu.Lock()
	delete(r.pendingSince, agentID)
	r.mu.Unlock()
}

// cancel clears an un-promoted pending token without touching the current
// one (§4.7: "Manual cancel clears the pending hash without touching the
// current one" — the same action applies to an expired grace window).
func (r *rotationScheduler) cancel(a cluster.Agent) {
	if err := r.db.UpdateAgentFields(a.ID, map[string]any{
		"pending_token_hash": "",
	}); err != nil {
		r.log.Error("failed to cancel stale token rotation", "agent_id", a.ID, "error", err)
		return
	}
	r.mu.Lock()
	delete(r.pendingSince, a.ID)
	r.mu.Unlock()
}
