// Package orchestrator implements the Deployment Orchestrator (C9): the
// multi-step install/uninstall/update/refresh pipeline that drives one
// (host, app) Installation through its state machine (§4.9). Every step is
// issued directly as an RPC call to the host's agent through an AgentCaller
// (the Backend's cluster server); steps do not go through the Command Router
// and have no shell fallback.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/notify"
)

const (
	defaultMinDiskBytes = 3 * 1024 * 1024 * 1024
	defaultMinMemBytes  = 256 * 1024 * 1024

	healthPollInterval = 3 * time.Second
	healthPollTimeout  = 60 * time.Second

	allowedDataRoot1 = "/DATA"
	allowedDataRoot2 = "/opt/tomo"
)

// AppSpec is the app catalog's docker spec for one application: the
// template the Orchestrator fills in with per-installation InstallConfig
// overrides during container create (§4.9.5). It is the RPC-level mirror
// of internal/cluster/agent's RunParams, plus the fields that only make
// sense at the spec (not per-run) level.
type AppSpec struct {
	AppID         string
	Image         string
	Ports         []cluster.PortMapping
	Env           map[string]string
	Volumes       []cluster.VolumeMount
	RestartPolicy string // the real policy, applied once the health gate passes
	NetworkMode   string
	Privileged    bool
	CapAdd        []string
}

// InstallationStore is the persistence surface the Orchestrator needs.
// Satisfied by *store.Store.
type InstallationStore interface {
	CreateInstallation(inst cluster.Installation) error
	GetInstallation(id string) (*cluster.Installation, error)
	UpdateInstallation(inst cluster.Installation) error
	DeleteInstallation(id string) error
	GetInstallationByHostApp(hostID, appID string) (*cluster.Installation, error)
}

// AgentCaller is the subset of the cluster Server surface the Orchestrator
// dispatches steps through — every step is a single RPC call against the
// target host's agent (§4.9 runs "via the agent").
type AgentCaller interface {
	Call(ctx context.Context, hostID, method string, params any, timeout time.Duration) (any, error)
}

// Orchestrator drives one Installation at a time through its state
// machine. It holds no per-installation state of its own; every step
// reads and writes the Installation record.
type Orchestrator struct {
	store InstallationStore
	agent AgentCaller
}

func New(store InstallationStore, agent AgentCaller) *Orchestrator {
	return &Orchestrator{store: store, agent: agent}
}

// Install drives a new (host, app) Installation from pending through to
// running (or error), per the §4.9.1 state machine.
func (o *Orchestrator) Install(ctx context.Context, hostID string, spec AppSpec, cfg cluster.InstallConfig) (*cluster.Installation, error) {
	if existing, err := o.store.GetInstallationByHostApp(hostID, spec.AppID); err == nil && existing != nil {
		return nil, fmt.Errorf("app %q is already installed on host %q", spec.AppID, hostID)
	}

	now := time.Now().UTC()
	inst := cluster.Installation{
		ID:            "inst-" + notify.GenerateID(),
		HostID:        hostID,
		AppID:         spec.AppID,
		ContainerName: containerName(hostID, spec.AppID),
		Status:        cluster.InstallPending,
		Config:        cfg,
		CreatedAt:     now,
		StepStartedAt: now,
		StepDurations: make(map[string]float64),
	}
	if err := o.store.CreateInstallation(inst); err != nil {
		return nil, fmt.Errorf("create installation record: %w", err)
	}

	if err := o.runPreflight(ctx, &inst); err != nil {
		o.fail(ctx, &inst, err)
		return &inst, err
	}
	o.advance(&inst, cluster.InstallPulling)

	if err := o.runPull(ctx, &inst, spec); err != nil {
		o.fail(ctx, &inst, err)
		return &inst, err
	}
	o.advance(&inst, cluster.InstallCreating)

	volumes := o.normalizeVolumes(spec)
	o.runPrepareVolumes(ctx, &inst, volumes)

	containerID, err := o.runCreate(ctx, &inst, spec, volumes)
	if err != nil {
		o.fail(ctx, &inst, err)
		return &inst, err
	}
	inst.ContainerID = containerID
	inst.BindMounts = volumes
	o.advance(&inst, cluster.InstallStarting)
	o.persist(&inst)

	if err := o.runHealthGate(ctx, &inst, spec); err != nil {
		o.fail(ctx, &inst, err)
		return &inst, err
	}
	o.advance(&inst, cluster.InstallRunning)
	inst.Progress = 100
	o.persist(&inst)

	return &inst, nil
}

// Uninstall stops and force-removes an installation's container, optionally
// its data volumes, and deletes the installation record (§4.9.7).
func (o *Orchestrator) Uninstall(ctx context.Context, instID string, removeData bool) error {
	inst, err := o.store.GetInstallation(instID)
	if err != nil {
		return fmt.Errorf("lookup installation: %w", err)
	}

	if _, err := o.agent.Call(ctx, inst.HostID, "docker.containers.stop", map[string]string{"id": inst.ContainerID}, 30*time.Second); err != nil {
		// Best-effort: a container that's already gone or stopped is fine.
	}
	if _, err := o.agent.Call(ctx, inst.HostID, "docker.containers.remove", map[string]any{"id": inst.ContainerID, "force": true}, 30*time.Second); err != nil {
		// Best-effort.
	}
	if removeData {
		label := fmt.Sprintf("container=%s", inst.ContainerName)
		if _, err := o.agent.Call(ctx, inst.HostID, "docker.volumes.prune", map[string]string{"label_filter": label}, 30*time.Second); err != nil {
			// Best-effort: data cleanup failures don't block record deletion.
		}
	}

	return o.store.DeleteInstallation(inst.ID)
}

// Update is equivalent to Uninstall(remove_data=false) followed by
// Install(new_version) using the current config with Version overridden
// (§4.9.8).
func (o *Orchestrator) Update(ctx context.Context, instID, newVersion string, spec AppSpec) (*cluster.Installation, error) {
	inst, err := o.store.GetInstallation(instID)
	if err != nil {
		return nil, fmt.Errorf("lookup installation: %w", err)
	}
	cfg := inst.Config
	cfg.Version = newVersion

	if err := o.Uninstall(ctx, instID, false); err != nil {
		return nil, fmt.Errorf("uninstall before update: %w", err)
	}
	return o.Install(ctx, inst.HostID, spec, cfg)
}

// Refresh inspects the live container and reconciles the installation's
// recorded status and topology with reality (§4.9.9).
func (o *Orchestrator) Refresh(ctx context.Context, instID string) (*cluster.Installation, error) {
	inst, err := o.store.GetInstallation(instID)
	if err != nil {
		return nil, fmt.Errorf("lookup installation: %w", err)
	}

	raw, err := o.agent.Call(ctx, inst.HostID, "docker.containers.get", map[string]string{"id": inst.ContainerID}, 15*time.Second)
	if err != nil {
		inst.Status = cluster.InstallStopped
		o.persist(inst)
		return inst, nil
	}

	info, _ := raw.(map[string]any)
	status, _ := info["status"].(string)
	switch status {
	case "running":
		inst.Status = cluster.InstallRunning
	case "exited":
		inst.Status = cluster.InstallStopped
	case "restarting":
		inst.Status = cluster.InstallError
		inst.Error = "container is restart-looping"
	case "created", "paused":
		inst.Status = cluster.InstallStopped
	}
	if networks, ok := decodeStringSlice(info["networks"]); ok {
		inst.Networks = networks
	}
	if named, ok := decodeStringSlice(info["named_volumes"]); ok {
		inst.NamedVolumes = named
	}
	o.persist(inst)
	return inst, nil
}

func containerName(hostID, appID string) string {
	return strings.ToLower(appID) + "-" + hostID
}
