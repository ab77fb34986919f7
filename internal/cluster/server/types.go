// Package server implements the Backend half of the fleet control plane:
// it accepts Agent WebSocket connections (§4.4), keeps a live, in-memory
// registry of which hosts are connected (backed by the durable Agent
// records in internal/store), drives the §4.7 token rotation schedule, and
// exposes the synchronous request/response calls the web dashboard and the
// update engine use to read and act on a remote host.
package server

import "time"

// HostLifecycleState is the administrative state of a registered host,
// independent of whether its agent currently has a live connection.
type HostLifecycleState string

const (
	HostActive         HostLifecycleState = "active"
	HostDraining       HostLifecycleState = "draining"
	HostDecommissioned HostLifecycleState = "decommissioned"
)

// HostInfo is the durable, display-facing view of one registered host.
type HostInfo struct {
	ID           string
	Name         string
	Address      string
	State        HostLifecycleState
	EnrolledAt   time.Time
	LastSeen     time.Time
	AgentVersion string
}

// HostState is a host's full in-memory view: its durable HostInfo plus
// whatever was last reported over the live channel.
type HostState struct {
	Info       HostInfo
	Connected  bool
	Containers []ContainerSync
}

// ContainerSync mirrors the subset of a remote container's docker.containers.list
// entry the scan loop and the dashboard need.
type ContainerSync struct {
	ID          string
	Name        string
	Image       string
	ImageDigest string
	State       string
	Labels      map[string]string
}

// UpdateResult reports the outcome of a remote container update dispatched
// through Server.UpdateContainerSync.
type UpdateResult struct {
	ContainerName string
	OldImage      string
	OldDigest     string
	NewImage      string
	NewDigest     string
	Outcome       string // "success", "failed"
	Error         string
	Duration      time.Duration
}
