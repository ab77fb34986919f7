package engine

import (
	"context"
	"time"
)

// ClusterScanner is the read/dispatch surface scanRemoteHosts needs from the
// cluster backend (internal/cluster/server). It lets the scan loop treat a
// fleet of agent-connected hosts the same way it treats the local Docker
// daemon: list what's out there, then dispatch an update to one of them.
//
// Registry checks and policy resolution stay server-side; only the container
// list and the update dispatch cross the wire to the agent.
type ClusterScanner interface {
	// ConnectedHosts returns the IDs of hosts currently connected to the
	// backend. A disconnected host is simply absent from this list.
	ConnectedHosts() []string

	// HostInfo returns display context for a connected host.
	HostInfo(hostID string) (HostContext, bool)

	// ListContainers asks hostID's agent for its current container list
	// (§6.2 docker.containers.list); nothing is cached server-side.
	ListContainers(ctx context.Context, hostID string) ([]RemoteContainer, error)

	// UpdateContainer dispatches a pull+recreate to the given host's agent
	// for the named container, targeting targetImage (may equal the
	// container's current image with a new tag) and verifying targetDigest.
	UpdateContainer(ctx context.Context, hostID, containerName, targetImage, targetDigest string) (RemoteUpdateResult, error)
}

// HostContext is the minimal display context a scan needs for a remote host.
type HostContext struct {
	HostID   string
	HostName string
}

// RemoteContainer mirrors container.Summary for a container living on a
// remote agent-managed host — only the fields the scan loop and registry
// checker actually read.
type RemoteContainer struct {
	ID          string
	Name        string
	Image       string
	ImageDigest string
	State       string
	Labels      map[string]string
}

// RemoteUpdateResult reports the outcome of a remote container update
// dispatched through ClusterScanner.UpdateContainer.
type RemoteUpdateResult struct {
	ContainerName string
	OldImage      string
	OldDigest     string
	NewImage      string
	NewDigest     string
	Outcome       string // "success", "failed"
	Error         string
	Duration      time.Duration
}
