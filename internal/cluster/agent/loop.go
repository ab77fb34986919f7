// Package agent implements the Agent half of the cluster protocol: the
// connection loop (§4.4), the encrypted token store (§4.5), and the
// §6.2 RPC surface the Backend drives a host through.
package agent

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/replay"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/wsconn"
	"github.com/Will-Luck/Docker-Sentinel/internal/docker"
	"github.com/gorilla/websocket"
)

// ephemeralKey produces a random 32-byte key for the rare case the on-disk
// salt cannot be read or written — keeps the token store usable for the
// current process lifetime instead of panicking on a nil key.
func ephemeralKey() []byte {
	k := make([]byte, keyLen)
	_, _ = rand.Read(k)
	return k
}

// Config configures one Agent connection loop (§6.4's environment surface).
type Config struct {
	ServerURL    string        // SERVER_URL
	EnrollToken  string        // REGISTER_CODE, used only on first run
	HostName     string        // HOSTNAME
	DataDir      string        // persisted state directory (§6.3)
	DevMode      bool          // TOMO_DEV: disables TLS verification
	ReconnectMin time.Duration // backoff floor
	ReconnectMax time.Duration // backoff cap
	Version      string
}

// allowedTiers is fixed for the agent side: the Backend, once authenticated
// on a channel, may issue any RPC up to admin — tier gating on the agent
// exists to bound what a *compromised Backend session* or misrouted frame
// can do, not to distinguish caller identity (there is only one caller).
var allowedTiers = []rpc.Tier{rpc.TierRead, rpc.TierExecute, rpc.TierAdmin}

// Loop drives the §4.4 state machine: offline → connecting → authenticating
// → (running ↔ degraded) → offline, with jittered exponential backoff on
// every disconnect.
type Loop struct {
	cfg    Config
	docker docker.API
	log    *slog.Logger

	tokens     *TokenStore
	runtime    *Runtime
	guard      *replay.Guard
	handlers   *Handlers
	dispatcher *rpc.Dispatcher

	connected      atomic.Bool
	containerCount atomic.Int64

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New builds a Loop ready to Run. The docker.API is shared with the rest of
// the process (container-runtime client is a process-wide singleton, §5).
func New(cfg Config, dockerAPI docker.API, log *slog.Logger) *Loop {
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}

	tokens, err := NewTokenStore(cfg.DataDir)
	if err != nil {
		log.Error("failed to initialize token store, falling back to an ephemeral key (persisted token will not decrypt across restarts)", "error", err)
		tokens = &TokenStore{key: ephemeralKey()}
	}
	rt := newRuntime(cfg.DataDir, tokens)

	l := &Loop{
		cfg:        cfg,
		docker:     dockerAPI,
		log:        log,
		tokens:     tokens,
		runtime:    rt,
		guard:      replay.New(),
		shutdownCh: make(chan struct{}),
	}

	l.handlers = NewHandlers(dockerAPI, rt, cfg.Version, l.triggerRestart)
	l.dispatcher = rpc.New(log)
	l.handlers.Register(l.dispatcher)

	return l
}

// Connected reports whether the agent currently has a live, authenticated
// channel to the Backend — satisfies web.AgentStatusProvider.
func (l *Loop) Connected() bool {
	return l.connected.Load()
}

// ContainerCount reports the last-observed running container count —
// satisfies web.AgentStatusProvider.
func (l *Loop) ContainerCount() int {
	return int(l.containerCount.Load())
}

func (l *Loop) triggerRestart() {
	l.shutdownOnce.Do(func() { close(l.shutdownCh) })
}

// Run blocks, cycling through connect/run/reconnect until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	bo := newBackoff(l.cfg.ReconnectMin, l.cfg.ReconnectMax)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.shutdownCh:
			return nil
		default:
		}

		conn, err := l.connect(ctx)
		if err != nil {
			l.log.Warn("connect failed", "error", err)
			l.connected.Store(false)
			if !l.sleep(ctx, bo.next()) {
				return nil
			}
			continue
		}

		identity, err := l.authenticate(ctx, conn)
		if err != nil {
			l.log.Error("authentication failed", "error", err)
			_ = conn.CloseWithContext(ctx, 5*time.Second)
			l.connected.Store(false)
			if !l.sleep(ctx, bo.next()) {
				return nil
			}
			continue
		}

		l.log.Info("agent authenticated", "agent_id", identity.AgentID)
		bo.reset()
		l.connected.Store(true)

		l.runConnected(ctx, conn)

		l.connected.Store(false)
		_ = conn.CloseWithContext(ctx, 5*time.Second)

		select {
		case <-ctx.Done():
			return nil
		case <-l.shutdownCh:
			return nil
		default:
		}
		if !l.sleep(ctx, bo.next()) {
			return nil
		}
	}
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-l.shutdownCh:
		return false
	}
}

// connect opens the TLS+WebSocket channel (§4.4 "connecting").
func (l *Loop) connect(ctx context.Context) (*wsconn.Conn, error) {
	u, err := url.Parse(l.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	dialer := websocket.DefaultDialer
	if u.Scheme == "wss" {
		tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if l.cfg.DevMode {
			l.log.Warn("TOMO_DEV set: TLS certificate verification disabled")
			tlsCfg.InsecureSkipVerify = true
		}
		dialer = &websocket.Dialer{
			TLSClientConfig:  tlsCfg,
			HandshakeTimeout: 10 * time.Second,
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, l.cfg.ServerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", l.cfg.ServerURL, err)
	}

	return wsconn.New(l.log, ws), nil
}

// identity is the result of a successful handshake (§4.4 "authenticating").
type identity struct {
	AgentID string
	Config  cluster.AgentConfig
}

// authenticate performs the register/authenticate handshake per §4.4/§6.1.
func (l *Loop) authenticate(ctx context.Context, conn *wsconn.Conn) (*identity, error) {
	st, err := loadState(l.cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load persisted state: %w", err)
	}

	if st == nil {
		return l.register(ctx, conn)
	}
	return l.reauthenticate(ctx, conn, st)
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

func (l *Loop) register(ctx context.Context, conn *wsconn.Conn) (*identity, error) {
	req := handshakeFrame{Type: "register", Code: l.cfg.EnrollToken, Version: l.cfg.Version}
	reply, err := l.handshake(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	if reply.Type != "registered" {
		return nil, fmt.Errorf("registration rejected: %s", reply.Error)
	}

	now := time.Now().UTC()
	if err := l.runtime.adopt(reply.AgentID, reply.Token, l.cfg.ServerURL, now, reply.Config); err != nil {
		return nil, fmt.Errorf("persist registration: %w", err)
	}
	return &identity{AgentID: reply.AgentID, Config: reply.Config}, nil
}

func (l *Loop) reauthenticate(ctx context.Context, conn *wsconn.Conn, st *persistedState) (*identity, error) {
	token, err := l.tokens.Decrypt(st.Token)
	if err != nil {
		return nil, fmt.Errorf("decrypt persisted token: %w", err)
	}

	req := handshakeFrame{Type: "authenticate", Token: token, Version: l.cfg.Version}
	reply, err := l.handshake(ctx, conn, req)
	if err != nil {
		return nil, err
	}
	if reply.Type != "authenticated" {
		return nil, fmt.Errorf("authentication rejected: %s", reply.Error)
	}

	if err := l.runtime.adopt(reply.AgentID, token, l.cfg.ServerURL, st.RegisteredAt, reply.Config); err != nil {
		return nil, fmt.Errorf("persist authenticated state: %w", err)
	}
	return &identity{AgentID: reply.AgentID, Config: reply.Config}, nil
}

func (l *Loop) handshake(ctx context.Context, conn *wsconn.Conn, req handshakeFrame) (*handshakeFrame, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal handshake: %w", err)
	}
	if err := conn.Send(payload); err != nil {
		return nil, fmt.Errorf("send handshake: %w", err)
	}

	select {
	case data, ok := <-conn.Incoming():
		if !ok {
			return nil, fmt.Errorf("channel closed during handshake")
		}
		var reply handshakeFrame
		if err := json.Unmarshal(data, &reply); err != nil {
			return nil, fmt.Errorf("parse handshake reply: %w", err)
		}
		return &reply, nil
	case <-time.After(15 * time.Second):
		return nil, fmt.Errorf("handshake timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runConnected is the §4.4 "running" state: a request/response loop and a
// telemetry loop both driven off the same channel, until it closes.
func (l *Loop) runConnected(ctx context.Context, conn *wsconn.Conn) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		l.requestLoop(runCtx, conn)
		cancel() // request loop exiting (channel closed) ends telemetry too
	}()
	go func() {
		defer wg.Done()
		l.telemetryLoop(runCtx, conn)
	}()

	wg.Wait()
}

// requestLoop dispatches inbound frames (RPC requests from the Backend)
// until the channel closes or ctx is canceled.
func (l *Loop) requestLoop(ctx context.Context, conn *wsconn.Conn) {
	for {
		select {
		case data, ok := <-conn.Incoming():
			if !ok {
				return
			}
			l.handleFrame(ctx, conn, data)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) handleFrame(ctx context.Context, conn *wsconn.Conn, data []byte) {
	var req rpc.Request
	if err := json.Unmarshal(data, &req); err != nil {
		l.log.Warn("dropping unparseable frame", "error", err)
		return
	}

	if req.Timestamp != nil || req.Nonce != "" {
		ts := time.Unix(0, 0)
		if req.Timestamp != nil {
			ts = time.Unix(*req.Timestamp, 0)
		}
		ok, reason := l.guard.Validate(ts, req.Nonce)
		if !ok {
			if req.IsNotification() {
				l.log.Warn("replay check failed on notification", "reason", reason.Error())
				return
			}
			resp := rpc.NewErrorResponse(req.ID, rpc.NewError(rpc.CodePermission, "replay check failed: "+reason.Error()))
			l.send(conn, resp)
			return
		}
	}

	resp := l.dispatcher.Dispatch(ctx, data, allowedTiers)
	if resp == nil {
		return
	}
	l.send(conn, resp)
}

func (l *Loop) send(conn *wsconn.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		l.log.Error("failed to marshal outgoing frame", "error", err)
		return
	}
	if err := conn.Send(payload); err != nil {
		l.log.Debug("failed to send frame", "error", err)
	}
}

// telemetryLoop emits metrics.update and health.status notifications on
// their configured intervals, re-read from the live config each tick so a
// server-pushed config.update takes effect without a reconnect.
func (l *Loop) telemetryLoop(ctx context.Context, conn *wsconn.Conn) {
	startedAt := time.Now()

	metricsTimer := time.NewTimer(l.intervalOr("metrics", 30*time.Second))
	healthTimer := time.NewTimer(l.intervalOr("health", 15*time.Second))
	defer metricsTimer.Stop()
	defer healthTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-metricsTimer.C:
			m, err := l.handlers.collectMetrics(ctx)
			if err == nil {
				l.containerCount.Store(int64(m.Containers.Running))
				l.notify(conn, "metrics.update", m)
			}
			metricsTimer.Reset(l.intervalOr("metrics", 30*time.Second))
		case <-healthTimer.C:
			l.notify(conn, "health.status", map[string]any{
				"status":  "ok",
				"uptime":  int(time.Since(startedAt).Seconds()),
				"version": l.cfg.Version,
			})
			healthTimer.Reset(l.intervalOr("health", 15*time.Second))
		}
	}
}

func (l *Loop) intervalOr(kind string, def time.Duration) time.Duration {
	cfg := l.runtime.Config()
	var seconds int
	switch kind {
	case "metrics":
		seconds = cfg.MetricsInterval
	case "health":
		seconds = cfg.HealthInterval
	}
	if seconds <= 0 {
		return def
	}
	return time.Duration(seconds) * time.Second
}

// notify sends a JSON-RPC notification (no id) — best-effort, per §5:
// "telemetry notifications are best-effort; dropping one on send failure is
// acceptable".
func (l *Loop) notify(conn *wsconn.Conn, method string, params any) {
	raw, err := json.Marshal(params)
	if err != nil {
		return
	}
	frame := rpc.Request{JSONRPC: "2.0", Method: method, Params: raw}
	l.send(conn, frame)
}
