package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/replay"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/wsconn"
	"github.com/Will-Luck/Docker-Sentinel/internal/events"
	"github.com/Will-Luck/Docker-Sentinel/internal/notify"
	"github.com/Will-Luck/Docker-Sentinel/internal/store"
	"github.com/gorilla/websocket"
)

// allowedTiers is fixed for the Backend side: an authenticated agent
// channel may answer any request/response the Backend issues on it, up to
// admin (the same "one caller, bound by tier on requests we send" shape as
// the agent's own dispatcher, mirrored for symmetry — §4.3).
var allowedTiers = []rpc.Tier{rpc.TierRead, rpc.TierExecute, rpc.TierAdmin}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // agents are not browsers; no CSRF surface
}

// conn is the live state for one connected agent.
type conn struct {
	ws    *wsconn.Conn
	guard *replay.Guard

	mu      sync.Mutex
	pending map[string]chan *rpc.Response // request id (string-encoded) -> waiter
}

// Server is the Backend half of the fleet control plane: it terminates
// TLS, accepts Agent WebSocket connections, keeps a live registry of
// (HostInfo, connection) pairs, and drives the token rotation schedule.
type Server struct {
	ca  *cluster.CA
	db  *store.Store
	bus *events.Bus
	log *slog.Logger

	httpSrv *http.Server

	mu    sync.RWMutex
	conns map[string]*conn // agent ID -> live connection
	hosts map[string]HostInfo

	rotation *rotationScheduler
}

// New builds a Server. Call Start to begin accepting connections.
func New(ca *cluster.CA, db *store.Store, bus *events.Bus, log *slog.Logger) *Server {
	s := &Server{
		ca:    ca,
		db:    db,
		bus:   bus,
		log:   log,
		conns: make(map[string]*conn),
		hosts: make(map[string]HostInfo),
	}
	s.rotation = newRotationScheduler(s, db, log)
	return s
}

// Start begins listening on addr (host:port) over TLS, using the Server's
// CA-issued certificate, and starts the token rotation scheduler (§4.7).
func (s *Server) Start(addr string) error {
	if err := s.db.EnsureClusterBuckets(); err != nil {
		return fmt.Errorf("ensure cluster buckets: %w", err)
	}
	if err := s.db.EnsureShellCredentialsBucket(); err != nil {
		return fmt.Errorf("ensure shell credentials bucket: %w", err)
	}
	s.loadHosts()

	certPEM, keyPEM, err := s.ca.IssueServerCert()
	if err != nil {
		return fmt.Errorf("issue server cert: %w", err)
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("load server cert: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/agent/connect", s.handleAgentConnect)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: mux,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		},
	}

	ln, err := tls.Listen("tcp", addr, s.httpSrv.TLSConfig)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("cluster server stopped unexpectedly", "error", err)
		}
	}()

	s.rotation.Start()
	return nil
}

// Stop gracefully shuts down the listener, stops the rotation scheduler,
// and closes every live agent channel.
func (s *Server) Stop() {
	s.rotation.Stop()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(ctx)
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[string]*conn)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close(5 * time.Second)
	}
}

func (s *Server) loadHosts() {
	agents, err := s.db.ListAgents()
	if err != nil {
		s.log.Error("failed to load agent records at startup", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range agents {
		s.hosts[a.HostID] = hostInfoFromAgent(a, HostActive)
	}
}

func hostInfoFromAgent(a cluster.Agent, state HostLifecycleState) HostInfo {
	return HostInfo{
		ID:           a.HostID,
		Name:         a.HostID,
		State:        state,
		EnrolledAt:   a.RegisteredAt,
		LastSeen:     a.LastSeen,
		AgentVersion: a.Version,
	}
}

// handleAgentConnect upgrades the incoming request to a WebSocket and runs
// the §4.4 register/authenticate handshake before handing the channel off
// to the request/response loop.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	wc := wsconn.New(s.log, ws)

	agent, err := s.handshake(r.Context(), wc, r.RemoteAddr)
	if err != nil {
		s.log.Warn("agent handshake failed", "error", err, "remote", r.RemoteAddr)
		_ = wc.Close(5 * time.Second)
		return
	}

	c := &conn{ws: wc, guard: replay.New(), pending: make(map[string]chan *rpc.Response)}

	s.mu.Lock()
	s.conns[agent.HostID] = c
	hi := s.hosts[agent.HostID]
	hi.ID = agent.HostID
	if hi.Name == "" {
		hi.Name = agent.HostID
	}
	hi.Address = r.RemoteAddr
	hi.AgentVersion = agent.Version
	hi.LastSeen = time.Now().UTC()
	if hi.State == "" {
		hi.State = HostActive
	}
	if hi.EnrolledAt.IsZero() {
		hi.EnrolledAt = time.Now().UTC()
	}
	s.hosts[agent.HostID] = hi
	s.mu.Unlock()

	cluster.AgentsConnected.Inc()
	if s.bus != nil {
		s.bus.Publish(events.SSEEvent{Type: "cluster.agent_connected", ContainerName: agent.HostID, Timestamp: time.Now().UTC()})
	}

	s.runConnected(agent.HostID, c)

	s.mu.Lock()
	if cur, ok := s.conns[agent.HostID]; ok && cur == c {
		delete(s.conns, agent.HostID)
	}
	s.mu.Unlock()

	cluster.AgentsConnected.Dec()
	if s.bus != nil {
		s.bus.Publish(events.SSEEvent{Type: "cluster.agent_disconnected", ContainerName: agent.HostID, Timestamp: time.Now().UTC()})
	}
}

type handshakeFrame struct {
	Type    string              `json:"type"`
	Code    string              `json:"code,omitempty"`
	Token   string              `json:"token,omitempty"`
	Version string              `json:"version,omitempty"`
	AgentID string              `json:"agent_id,omitempty"`
	Config  cluster.AgentConfig `json:"config,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// handshake drives the Backend side of the §4.4 register/authenticate
// exchange, mirroring the agent's own handshakeFrame wire shape.
func (s *Server) handshake(ctx context.Context, wc *wsconn.Conn, remote string) (*cluster.Agent, error) {
	var raw []byte
	select {
	case data, ok := <-wc.Incoming():
		if !ok {
			return nil, fmt.Errorf("channel closed before handshake")
		}
		raw = data
	case <-time.After(15 * time.Second):
		return nil, fmt.Errorf("handshake timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var req handshakeFrame
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse handshake frame: %w", err)
	}

	switch req.Type {
	case "register":
		return s.handleRegister(wc, req)
	case "authenticate":
		return s.handleAuthenticate(wc, req)
	default:
		s.replyHandshake(wc, handshakeFrame{Type: "error", Error: "unknown handshake type"})
		return nil, fmt.Errorf("unknown handshake type %q", req.Type)
	}
}

func (s *Server) handleRegister(wc *wsconn.Conn, req handshakeFrame) (*cluster.Agent, error) {
	agent, err := s.db.ValidateRegistrationCode(req.Code)
	if err != nil {
		s.replyHandshake(wc, handshakeFrame{Type: "error", Error: "registration rejected"})
		return nil, fmt.Errorf("validate registration code: %w", err)
	}

	token, err := generateAgentToken()
	if err != nil {
		s.replyHandshake(wc, handshakeFrame{Type: "error", Error: "internal error"})
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.db.UpdateAgentFields(agent.ID, map[string]any{
		"status":           string(cluster.AgentConnected),
		"version":          req.Version,
		"last_seen":        now,
		"token_hash":       hashAgentToken(token),
		"token_issued_at":  now,
		"token_expires_at": now.Add(rotationTokenTTL),
	}); err != nil {
		s.replyHandshake(wc, handshakeFrame{Type: "error", Error: "internal error"})
		return nil, fmt.Errorf("persist registered agent: %w", err)
	}

	agent.Version = req.Version
	agent.Status = cluster.AgentConnected
	agent.LastSeen = now

	s.replyHandshake(wc, handshakeFrame{
		Type:    "registered",
		AgentID: agent.ID,
		Token:   token,
		Config:  agent.Config,
	})
	return agent, nil
}

func (s *Server) handleAuthenticate(wc *wsconn.Conn, req handshakeFrame) (*cluster.Agent, error) {
	agent, err := s.db.GetAgentByTokenHash(hashAgentToken(req.Token))
	if err != nil {
		if agent, err = s.db.GetAgentByPendingHash(hashAgentToken(req.Token)); err != nil {
			s.replyHandshake(wc, handshakeFrame{Type: "error", Error: "authentication rejected"})
			return nil, fmt.Errorf("lookup agent by token: %w", err)
		}
		// Authenticated on the pending (rotated) token: promote it (§4.7).
		if err := s.db.UpdateAgentFields(agent.ID, map[string]any{
			"token_hash":         agent.PendingTokenHash,
			"pending_token_hash": "",
			"token_issued_at":    time.Now().UTC(),
			"token_expires_at":   time.Now().UTC().Add(rotationTokenTTL),
		}); err != nil {
			s.log.Error("failed to promote pending token", "agent_id", agent.ID, "error", err)
		}
		if s.rotation != nil {
			s.rotation.clearPending(agent.ID)
		}
	}

	now := time.Now().UTC()
	if err := s.db.UpdateAgentFields(agent.ID, map[string]any{
		"status":    string(cluster.AgentConnected),
		"version":   req.Version,
		"last_seen": now,
	}); err != nil {
		s.replyHandshake(wc, handshakeFrame{Type: "error", Error: "internal error"})
		return nil, fmt.Errorf("persist authenticated agent: %w", err)
	}

	agent.Version = req.Version
	agent.Status = cluster.AgentConnected
	agent.LastSeen = now

	s.replyHandshake(wc, handshakeFrame{
		Type:    "authenticated",
		AgentID: agent.ID,
		Config:  agent.Config,
	})
	return agent, nil
}

func (s *Server) replyHandshake(wc *wsconn.Conn, f handshakeFrame) {
	payload, err := json.Marshal(f)
	if err != nil {
		s.log.Error("failed to marshal handshake reply", "error", err)
		return
	}
	_ = wc.Send(payload)
}

// runConnected dispatches every inbound frame on c until the channel
// closes: a response (matched against a pending request by id) is routed
// to its waiter, anything else is treated as an unsolicited notification
// from the agent (telemetry, health) and published on the event bus.
func (s *Server) runConnected(hostID string, c *conn) {
	for data := range c.ws.Incoming() {
		var probe struct {
			ID     *json.RawMessage `json:"id"`
			Method string           `json:"method"`
		}
		if err := json.Unmarshal(data, &probe); err != nil {
			s.log.Warn("dropping unparseable frame from agent", "host_id", hostID, "error", err)
			continue
		}

		if probe.Method == "" {
			s.routeResponse(c, data)
			continue
		}

		if ok, reason := c.validateFrame(data); !ok {
			s.log.Warn("rejecting replayed or stale frame from agent", "host_id", hostID, "method", probe.Method, "reason", reason)
			continue
		}

		s.handleNotification(hostID, probe.Method, data)
	}
}

// validateFrame checks an inbound notification's (timestamp, nonce) against
// the connection's replay guard. Frames without a timestamp (older agent
// builds, or handshake-adjacent traffic) are let through unchecked.
func (c *conn) validateFrame(data []byte) (bool, replay.Reason) {
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return true, replay.ReasonOK
	}
	if req.Timestamp == nil {
		return true, replay.ReasonOK
	}
	return c.guard.Validate(time.Unix(*req.Timestamp, 0), req.Nonce)
}

func (s *Server) routeResponse(c *conn, data []byte) {
	var resp rpc.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return
	}
	if resp.ID == nil {
		return
	}
	key := string(*resp.ID)

	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if ok {
		ch <- &resp
	}
}

func (s *Server) handleNotification(hostID, method string, data []byte) {
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	switch method {
	case "metrics.update", "health.status":
		s.mu.Lock()
		hi := s.hosts[hostID]
		hi.LastSeen = time.Now().UTC()
		s.hosts[hostID] = hi
		s.mu.Unlock()

		if method == "metrics.update" {
			var params cluster.MetricsUpdate
			if err := json.Unmarshal(req.Params, &params); err == nil {
				cluster.RecordMetricsUpdate(hostID, params)
			}
		}
	default:
		s.log.Debug("unhandled agent notification", "host_id", hostID, "method", method)
	}
	if s.bus != nil {
		s.bus.Publish(events.SSEEvent{Type: events.EventType("cluster." + method), ContainerName: hostID, Timestamp: time.Now().UTC()})
	}
}

func generateAgentToken() (string, error) {
	return notify.GenerateID() + notify.GenerateID(), nil
}

// ---- read-side registry queries --------------------------------------

// ConnectedHosts returns the IDs of hosts with a live channel right now.
func (s *Server) ConnectedHosts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	return out
}

// AllHosts returns the durable info for every registered host.
func (s *Server) AllHosts() []HostInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]HostInfo, 0, len(s.hosts))
	for _, hi := range s.hosts {
		out = append(out, hi)
	}
	return out
}

// GetHost returns the HostInfo and connection status for one host.
// Containers is always empty; container lists are fetched on demand with
// ListContainersSync.
func (s *Server) GetHost(id string) (HostState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hi, ok := s.hosts[id]
	if !ok {
		return HostState{}, false
	}
	_, connected := s.conns[id]
	containers, _ := s.lastContainersLocked(id)
	return HostState{Info: hi, Connected: connected, Containers: containers}, true
}

func (s *Server) lastContainersLocked(id string) ([]ContainerSync, bool) {
	// Container lists are fetched synchronously on demand (ListContainersSync)
	// rather than cached from telemetry, so the dashboard always reflects
	// the agent's current state.
	return nil, false
}

// GenerateEnrollToken mints a fresh pending Agent record and a single-use
// registration code bound to it, valid for ttl (§4.6).
func (s *Server) GenerateEnrollToken(ttl time.Duration) (token string, id string, err error) {
	hostID := "host-" + notify.GenerateID()
	agent, err := s.db.CreateAgentForHost(hostID)
	if err != nil {
		return "", "", fmt.Errorf("create pending agent: %w", err)
	}
	code, err := s.db.MintRegistrationCode(agent.ID, ttl)
	if err != nil {
		return "", "", fmt.Errorf("mint registration code: %w", err)
	}

	s.mu.Lock()
	s.hosts[hostID] = HostInfo{ID: hostID, Name: hostID, State: HostActive, EnrolledAt: time.Now().UTC()}
	s.mu.Unlock()

	return code, agent.ID, nil
}

// RemoveHost deletes a host's agent record entirely and drops its live
// connection, if any.
func (s *Server) RemoveHost(id string) error {
	agent, err := s.db.GetAgentByHost(id)
	if err == nil && agent != nil {
		if err := s.db.DeleteAgent(agent.ID); err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
	}

	s.mu.Lock()
	delete(s.hosts, id)
	c, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if ok {
		_ = c.ws.Close(5 * time.Second)
	}
	return nil
}

// RevokeHost invalidates a host's current and pending tokens and closes
// its live connection, forcing it to re-register from scratch.
func (s *Server) RevokeHost(id string) error {
	agent, err := s.db.GetAgentByHost(id)
	if err != nil {
		return fmt.Errorf("lookup agent for host %q: %w", id, err)
	}
	if err := s.db.UpdateAgentFields(agent.ID, map[string]any{
		"status":             string(cluster.AgentError),
		"token_hash":         "",
		"pending_token_hash": "",
	}); err != nil {
		return fmt.Errorf("revoke agent tokens: %w", err)
	}

	s.mu.Lock()
	c, ok := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()

	if ok {
		_ = c.ws.Close(5 * time.Second)
	}
	return nil
}

// DrainHost marks a host as draining: it stays connected and reachable,
// but the scan loop should stop scheduling new updates against it.
func (s *Server) DrainHost(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hi, ok := s.hosts[id]
	if !ok {
		return fmt.Errorf("host %q not found", id)
	}
	hi.State = HostDraining
	s.hosts[id] = hi
	return nil
}
