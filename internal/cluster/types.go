// Package cluster holds the shared types and the built-in certificate
// authority used by both the agent and server halves of the fleet control
// plane: the data model from which agent records, registration codes,
// installation records, and command results are built, plus the built-in
// CA that can issue the Backend's server certificate (agents trust it only
// through the host's system roots).
package cluster

import "time"

// AgentStatus is the lifecycle state of a registered Agent record.
type AgentStatus string

const (
	AgentPending      AgentStatus = "pending"
	AgentConnected    AgentStatus = "connected"
	AgentDisconnected AgentStatus = "disconnected"
	AgentError        AgentStatus = "error"
)

// Agent is the backend's record of one remote host's agent process.
// One Agent binds to exactly one host (1:1); the live WebSocket channel
// for a connected Agent is held separately, in-memory, keyed by ID — it is
// never part of this persisted record.
type Agent struct {
	ID     string `json:"id"`
	HostID string `json:"host_id"`

	// TokenHash is the SHA-256 hex digest of the current auth token.
	// The plaintext token is never stored; TokenHash is its sole owner.
	TokenHash string `json:"token_hash"`

	// PendingTokenHash is non-empty only while a token rotation (§4.7) is
	// outstanding. Invariant: TokenHash != PendingTokenHash.
	PendingTokenHash string `json:"pending_token_hash,omitempty"`

	Version string      `json:"version"`
	Status  AgentStatus `json:"status"`

	LastSeen     time.Time `json:"last_seen"`
	RegisteredAt time.Time `json:"registered_at"`

	TokenIssuedAt  time.Time `json:"token_issued_at"`
	TokenExpiresAt time.Time `json:"token_expires_at"`

	// Config is the server-pushed AgentConfig, stored as the merged view
	// the agent was last told to run with.
	Config AgentConfig `json:"config"`
}

// AgentConfig holds the options the Backend can push to a running Agent.
// Updates are merged shallowly into the agent's live config (§3).
type AgentConfig struct {
	ServerURL        string `json:"server_url,omitempty"`
	RegisterCode     string `json:"register_code,omitempty"`
	MetricsInterval  int    `json:"metrics_interval,omitempty"` // seconds
	HealthInterval   int    `json:"health_interval,omitempty"`  // seconds
	ReconnectTimeout int    `json:"reconnect_timeout,omitempty"`
}

// Merge overlays non-zero fields of other onto a copy of c and returns it.
// This is the shallow merge semantics §3 requires for server-pushed updates.
func (c AgentConfig) Merge(other AgentConfig) AgentConfig {
	merged := c
	if other.ServerURL != "" {
		merged.ServerURL = other.ServerURL
	}
	if other.RegisterCode != "" {
		merged.RegisterCode = other.RegisterCode
	}
	if other.MetricsInterval != 0 {
		merged.MetricsInterval = other.MetricsInterval
	}
	if other.HealthInterval != 0 {
		merged.HealthInterval = other.HealthInterval
	}
	if other.ReconnectTimeout != 0 {
		merged.ReconnectTimeout = other.ReconnectTimeout
	}
	return merged
}

// RegistrationCode is a short, single-use, human-readable string binding
// one future connection to exactly one Agent record (§3).
type RegistrationCode struct {
	Code      string    `json:"code"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Used      bool      `json:"used"`
}

// InstallStatus is the lifecycle state of one application installation.
type InstallStatus string

const (
	InstallPending  InstallStatus = "pending"
	InstallPulling  InstallStatus = "pulling"
	InstallCreating InstallStatus = "creating"
	InstallStarting InstallStatus = "starting"
	InstallRunning  InstallStatus = "running"
	InstallStopped  InstallStatus = "stopped"
	InstallError    InstallStatus = "error"
)

// PortMapping is one container-port publication, with an optional
// user-supplied host-port override applied (§4.9.5).
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"` // "tcp" or "udp"
}

// VolumeMount is one bind mount from a (possibly rewritten) host path into
// the container, with an access mode of "ro" or "rw".
type VolumeMount struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	Mode      string `json:"mode"`
}

// InstallConfig is the user-supplied override set applied on top of an
// app's docker spec during container create (§4.9.5).
type InstallConfig struct {
	Version string            `json:"version,omitempty"`
	Ports   map[string]int    `json:"ports,omitempty"` // container_port (as string) -> host_port
	Env     map[string]string `json:"env,omitempty"`
	Volumes []VolumeMount     `json:"volumes,omitempty"`
}

// Installation is the backend's record of one (host, app) deployment,
// mutated only by the Orchestrator until it reaches a terminal state
// (running/stopped/error). Invariant: (HostID, AppID) is unique.
type Installation struct {
	ID            string        `json:"id"`
	HostID        string        `json:"host_id"`
	AppID         string        `json:"app_id"`
	ContainerName string        `json:"container_name"`
	ContainerID   string        `json:"container_id,omitempty"`
	Status        InstallStatus `json:"status"`
	Config        InstallConfig `json:"config"`

	CreatedAt     time.Time          `json:"created_at"`
	StepStartedAt time.Time          `json:"step_started_at"`
	StepDurations map[string]float64 `json:"step_durations,omitempty"` // step name -> seconds
	Progress      int                `json:"progress"`                 // 0-100, driven by the current step
	Networks      []string           `json:"networks,omitempty"`
	NamedVolumes  []string           `json:"named_volumes,omitempty"`
	BindMounts    []VolumeMount      `json:"bind_mounts,omitempty"`
	Error         string             `json:"error,omitempty"`
}

// CommandMethod identifies which transport a Command-result came from.
type CommandMethod string

const (
	MethodAgent CommandMethod = "agent"
	MethodShell CommandMethod = "shell"
	MethodNone  CommandMethod = "none"
)

// CommandResult is the Command Router's uniform output shape (§3), returned
// regardless of whether the command ran over the agent channel or the shell
// fallback.
type CommandResult struct {
	Success       bool          `json:"success"`
	Method        CommandMethod `json:"method"`
	ExitCode      *int          `json:"exit_code,omitempty"`
	Output        string        `json:"output,omitempty"`
	Error         string        `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time_ms"`
}
