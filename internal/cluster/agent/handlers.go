package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/allowlist"
	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
	"github.com/Will-Luck/Docker-Sentinel/internal/docker"

	dockercontainer "github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
)

// Handlers groups the dependencies the §6.2 RPC surface needs: the Docker
// API client, the command allowlist, the rate limiter, and the live
// Runtime (for config.update / agent.rotate_token).
type Handlers struct {
	Docker    docker.API
	Runtime   *Runtime
	Allowlist []allowlist.Entry
	Limiter   *commandLimiter
	Version   string
	startedAt time.Time

	// requestRestart, when set, is invoked by agent.restart to trigger a
	// process exit after the RPC response has had a moment to flush — the
	// actual restart is performed by the host's process supervisor.
	requestRestart func()
}

// NewHandlers wires a Handlers set with the defaults the connection loop
// uses at startup.
func NewHandlers(dockerAPI docker.API, rt *Runtime, version string, requestRestart func()) *Handlers {
	return &Handlers{
		Docker:         dockerAPI,
		Runtime:        rt,
		Allowlist:      allowlist.DefaultEntries,
		Limiter:        newCommandLimiter(0, 0),
		Version:        version,
		startedAt:      time.Now(),
		requestRestart: requestRestart,
	}
}

// Register attaches every §6.2 method to d under its documented tier.
func (h *Handlers) Register(d *rpc.Dispatcher) {
	d.RegisterModule(rpc.Module{
		Prefix: "system",
		Tiers: map[string]rpc.Tier{
			"info": rpc.TierRead, "get_metrics": rpc.TierRead,
			"exec":            rpc.TierAdmin,
			"preflight_check": rpc.TierExecute,
			"prepare_volumes": rpc.TierExecute,
		},
		Methods: map[string]rpc.Handler{
			"info":            h.systemInfo,
			"get_metrics":     h.systemGetMetrics,
			"exec":            h.systemExec,
			"preflight_check": h.systemPreflightCheck,
			"prepare_volumes": h.systemPrepareVolumes,
		},
	})

	d.RegisterModule(rpc.Module{
		Prefix: "docker.containers",
		Tiers: map[string]rpc.Tier{
			"list": rpc.TierRead, "get": rpc.TierRead, "logs": rpc.TierRead,
			"inspect": rpc.TierRead, "status": rpc.TierRead, "stats": rpc.TierRead,
			"start": rpc.TierExecute, "stop": rpc.TierExecute, "restart": rpc.TierExecute,
			"remove": rpc.TierExecute, "update": rpc.TierExecute,
			"run": rpc.TierAdmin,
		},
		Methods: map[string]rpc.Handler{
			"list":    h.containersList,
			"get":     h.containersGet,
			"logs":    h.containersLogs,
			"inspect": h.containersGet,
			"status":  h.containersStatus,
			"stats":   h.containersStatus,
			"start":   h.containersStart,
			"stop":    h.containersStop,
			"restart": h.containersRestart,
			"remove":  h.containersRemove,
			"update":  h.containersUpdate,
			"run":     h.containersRun,
		},
	})

	d.RegisterModule(rpc.Module{
		Prefix: "docker.images",
		Tiers: map[string]rpc.Tier{
			"list": rpc.TierRead, "pull": rpc.TierExecute, "remove": rpc.TierExecute, "prune": rpc.TierExecute,
		},
		Methods: map[string]rpc.Handler{
			"list":   h.imagesList,
			"pull":   h.imagesPull,
			"remove": h.imagesRemove,
			"prune":  h.imagesPrune,
		},
	})

	d.RegisterModule(rpc.Module{
		Prefix: "docker.volumes",
		Tiers: map[string]rpc.Tier{
			"list": rpc.TierExecute, "create": rpc.TierExecute, "remove": rpc.TierExecute, "prune": rpc.TierExecute,
		},
		Methods: map[string]rpc.Handler{
			"list":   h.volumesList,
			"create": h.volumesCreate,
			"remove": h.volumesRemove,
			"prune":  h.volumesPrune,
		},
	})

	d.RegisterModule(rpc.Module{
		Prefix: "docker.networks",
		Tiers: map[string]rpc.Tier{
			"list": rpc.TierExecute, "create": rpc.TierExecute, "remove": rpc.TierExecute,
		},
		Methods: map[string]rpc.Handler{
			"list":   h.networksList,
			"create": h.networksCreate,
			"remove": h.networksRemove,
		},
	})

	d.RegisterModule(rpc.Module{
		Prefix: "agent",
		Tiers: map[string]rpc.Tier{
			"ping": rpc.TierRead, "update": rpc.TierAdmin, "restart": rpc.TierAdmin, "rotate_token": rpc.TierAdmin,
		},
		Methods: map[string]rpc.Handler{
			"ping":         h.agentPing,
			"update":       h.agentUpdate,
			"restart":      h.agentRestart,
			"rotate_token": h.agentRotateToken,
		},
	})

	d.Register("config.update", rpc.TierAdmin, h.configUpdate)
	d.Register("metrics.get", rpc.TierRead, h.systemGetMetrics)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return rpc.NewError(rpc.CodeInvalidParams, "invalid params: "+err.Error())
	}
	return nil
}

// --- system.* -----------------------------------------------------------

func (h *Handlers) systemInfo(ctx context.Context, raw json.RawMessage) (any, error) {
	hostname, _ := os.Hostname()
	return map[string]any{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"version":  h.Version,
		"uptime_s": int(time.Since(h.startedAt).Seconds()),
	}, nil
}

func (h *Handlers) systemGetMetrics(ctx context.Context, raw json.RawMessage) (any, error) {
	return h.collectMetrics(ctx)
}

func (h *Handlers) collectMetrics(ctx context.Context) (HostMetrics, error) {
	var m HostMetrics

	cpu, err := cpuPercent(200 * time.Millisecond)
	if err == nil {
		m.CPU = cpu
	}
	if mem, err := memoryUsage(); err == nil {
		m.Memory = mem
	}
	if disk, err := diskUsage("/"); err == nil {
		m.Disk = disk
	}
	if all, err := h.Docker.ListAllContainers(ctx); err == nil {
		for _, c := range all {
			if strings.EqualFold(c.State, "running") {
				m.Containers.Running++
			} else {
				m.Containers.Stopped++
			}
		}
	}
	return m, nil
}

type execParams struct {
	Command string `json:"command"`
	Timeout int    `json:"timeout"`
}

func (h *Handlers) systemExec(ctx context.Context, raw json.RawMessage) (any, error) {
	var p execParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	ok, reason := allowlist.Validate(h.Allowlist, p.Command, p.Timeout)
	if !ok {
		return nil, rpc.NewError(rpc.CodeCommandBlock, "command blocked: "+reason)
	}

	guard, err := h.Limiter.acquire()
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRateLimit, err.Error())
	}
	defer guard.Release()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	fields := strings.Fields(p.Command)
	if len(fields) == 0 {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "empty command")
	}
	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	out, runErr := cmd.CombinedOutput()

	exitCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}
	return map[string]any{
		"exit_code": exitCode,
		"output":    string(out),
		"success":   runErr == nil,
	}, nil
}

type preflightResult struct {
	DaemonReachable bool   `json:"daemon_reachable"`
	FreeDiskBytes   uint64 `json:"free_disk_bytes"`
	FreeMemBytes    uint64 `json:"free_mem_bytes"`
	OK              bool   `json:"ok"`
	Reason          string `json:"reason,omitempty"`
}

type preflightParams struct {
	MinDiskBytes uint64 `json:"min_disk_bytes"`
	MinMemBytes  uint64 `json:"min_mem_bytes"`
}

func (h *Handlers) systemPreflightCheck(ctx context.Context, raw json.RawMessage) (any, error) {
	var p preflightParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.MinDiskBytes == 0 {
		p.MinDiskBytes = 3 * 1024 * 1024 * 1024 // 3 GB
	}
	if p.MinMemBytes == 0 {
		p.MinMemBytes = 256 * 1024 * 1024 // 256 MB
	}

	res := preflightResult{OK: true}
	if _, err := h.Docker.ListAllContainers(ctx); err != nil {
		res.DaemonReachable = false
		res.OK = false
		res.Reason = "docker daemon unreachable: " + err.Error()
		return res, nil
	}
	res.DaemonReachable = true

	disk, err := diskUsage("/")
	if err == nil {
		res.FreeDiskBytes = disk.Total - disk.Used
		if res.FreeDiskBytes < p.MinDiskBytes {
			res.OK = false
			res.Reason = fmt.Sprintf("insufficient free disk: need %dMB", p.MinDiskBytes/1024/1024)
			return res, nil
		}
	}

	mem, err := memoryUsage()
	if err == nil {
		res.FreeMemBytes = mem.Total - mem.Used
		if res.FreeMemBytes < p.MinMemBytes {
			res.OK = false
			res.Reason = fmt.Sprintf("insufficient free memory: need %dMB", p.MinMemBytes/1024/1024)
			return res, nil
		}
	}

	return res, nil
}

type prepareVolumesParams struct {
	Paths []string `json:"paths"`
	UID   int      `json:"uid"`
	GID   int      `json:"gid"`
}

func (h *Handlers) systemPrepareVolumes(ctx context.Context, raw json.RawMessage) (any, error) {
	var p prepareVolumesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	uid, gid := p.UID, p.GID
	if uid == 0 {
		uid = 1000
	}
	if gid == 0 {
		gid = 1000
	}

	prepared := make([]string, 0, len(p.Paths))
	var errs []string
	for _, path := range p.Paths {
		if err := os.MkdirAll(path, 0755); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", path, err))
			continue
		}
		if err := os.Chown(path, uid, gid); err != nil {
			errs = append(errs, fmt.Sprintf("%s: chown: %v", path, err))
			continue
		}
		prepared = append(prepared, path)
	}
	return map[string]any{"prepared": prepared, "errors": errs}, nil
}

// --- docker.containers.* -------------------------------------------------

func (h *Handlers) containersList(ctx context.Context, raw json.RawMessage) (any, error) {
	list, err := h.Docker.ListAllContainers(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return list, nil
}

type idParams struct {
	ID string `json:"id"`
}

func (h *Handlers) containersGet(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	inspect, err := h.Docker.InspectContainer(ctx, p.ID)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return inspect, nil
}

type logsParams struct {
	ID    string `json:"id"`
	Lines int    `json:"lines"`
}

func (h *Handlers) containersLogs(ctx context.Context, raw json.RawMessage) (any, error) {
	var p logsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Lines <= 0 {
		p.Lines = 200
	}
	logs, err := h.Docker.ContainerLogs(ctx, p.ID, p.Lines)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]string{"logs": logs}, nil
}

// containersStatus implements the §4.9.6 health-gate poll shape:
// {status, health, restart_count, logs}.
func (h *Handlers) containersStatus(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	status, health, restarts, err := h.Docker.ContainerHealth(ctx, p.ID)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	logs, _ := h.Docker.ContainerLogs(ctx, p.ID, 50)
	return map[string]any{
		"status":        status,
		"health":        health,
		"restart_count": restarts,
		"logs":          logs,
	}, nil
}

func (h *Handlers) containersStart(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := h.Docker.StartContainer(ctx, p.ID); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

type stopParams struct {
	ID      string `json:"id"`
	Timeout int    `json:"timeout"`
}

func (h *Handlers) containersStop(ctx context.Context, raw json.RawMessage) (any, error) {
	var p stopParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Timeout <= 0 {
		p.Timeout = 10
	}
	if err := h.Docker.StopContainer(ctx, p.ID, p.Timeout); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

func (h *Handlers) containersRestart(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := h.Docker.RestartContainer(ctx, p.ID); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

type removeParams struct {
	ID            string `json:"id"`
	RemoveVolumes bool   `json:"remove_volumes"`
}

func (h *Handlers) containersRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var p removeParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	var err error
	if p.RemoveVolumes {
		err = h.Docker.RemoveContainerWithVolumes(ctx, p.ID)
	} else {
		err = h.Docker.RemoveContainer(ctx, p.ID)
	}
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

type updateParams struct {
	ID            string `json:"id"`
	RestartPolicy string `json:"restart_policy"`
}

func (h *Handlers) containersUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p updateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.RestartPolicy == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "restart_policy is required")
	}
	if err := h.Docker.UpdateContainerRestartPolicy(ctx, p.ID, p.RestartPolicy); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

// RunParams is the container-create parameter object for docker.containers.run
// and the Orchestrator's container-create step (§4.9.5). It is the RPC-level
// mirror of allowlist.ContainerParams.
type RunParams struct {
	Name          string            `json:"name"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env"`
	Ports         []RunPort         `json:"ports"`
	Volumes       []RunVolume       `json:"volumes"`
	RestartPolicy string            `json:"restart_policy"`
	NetworkMode   string            `json:"network_mode"`
	Privileged    bool              `json:"privileged"`
	CapAdd        []string          `json:"cap_add"`
	Labels        map[string]string `json:"labels"`
}

type RunPort struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"`
}

type RunVolume struct {
	Host      string `json:"host"`
	Container string `json:"container"`
	Mode      string `json:"mode"` // "ro" | "rw"
}

func (h *Handlers) containersRun(ctx context.Context, raw json.RawMessage) (any, error) {
	var p RunParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	volModes := make(map[string]string, len(p.Volumes))
	for _, v := range p.Volumes {
		volModes[v.Host] = v.Mode
	}
	if reason, blocked := allowlist.ValidateContainerParams(allowlist.ContainerParams{
		Privileged:  p.Privileged,
		CapAdd:      p.CapAdd,
		NetworkMode: p.NetworkMode,
		Volumes:     volModes,
	}); blocked {
		return nil, rpc.NewError(rpc.CodeContainerBlock, "container blocked: "+reason)
	}

	id, err := h.Docker.CreateContainer(ctx, p.Name, buildContainerConfig(p), buildHostConfig(p), buildNetworkingConfig(p))
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, "create: "+err.Error())
	}
	if err := h.Docker.StartContainer(ctx, id); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, "start: "+err.Error())
	}
	return map[string]string{"container_id": id}, nil
}

func buildContainerConfig(p RunParams) *dockercontainer.Config {
	var env []string
	for k, v := range p.Env {
		env = append(env, k+"="+v)
	}
	exposed := make(dockercontainer.PortSet)
	for _, port := range p.Ports {
		proto := port.Protocol
		if proto == "" {
			proto = "tcp"
		}
		exposed[dockercontainer.Port(fmt.Sprintf("%d/%s", port.ContainerPort, proto))] = struct{}{}
	}
	return &dockercontainer.Config{
		Image:        p.Image,
		Env:          env,
		Labels:       p.Labels,
		ExposedPorts: exposed,
	}
}

func buildHostConfig(p RunParams) *dockercontainer.HostConfig {
	bindings := make(dockercontainer.PortMap)
	for _, port := range p.Ports {
		proto := port.Protocol
		if proto == "" {
			proto = "tcp"
		}
		key := dockercontainer.Port(fmt.Sprintf("%d/%s", port.ContainerPort, proto))
		bindings[key] = append(bindings[key], dockercontainer.PortBinding{HostPort: strconv.Itoa(port.HostPort)})
	}

	var mounts []mount.Mount
	for _, v := range p.Volumes {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   v.Host,
			Target:   v.Container,
			ReadOnly: v.Mode == "ro",
		})
	}

	policy := p.RestartPolicy
	if policy == "" {
		policy = "no"
	}

	return &dockercontainer.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
		RestartPolicy: dockercontainer.RestartPolicy{
			Name: dockercontainer.RestartPolicyMode(policy),
		},
		NetworkMode: dockercontainer.NetworkMode(p.NetworkMode),
		Privileged:  p.Privileged,
		CapAdd:      p.CapAdd,
	}
}

func buildNetworkingConfig(p RunParams) *network.NetworkingConfig {
	return nil
}

// --- docker.images.* ------------------------------------------------------

func (h *Handlers) imagesList(ctx context.Context, raw json.RawMessage) (any, error) {
	list, err := h.Docker.ListImages(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return list, nil
}

type pullParams struct {
	Image string `json:"image"`
	Tag   string `json:"tag"`
}

func (h *Handlers) imagesPull(ctx context.Context, raw json.RawMessage) (any, error) {
	var p pullParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	ref := p.Image
	if p.Tag != "" {
		ref += ":" + p.Tag
	}
	pullCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
	defer cancel()
	if err := h.Docker.PullImage(pullCtx, ref); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

func (h *Handlers) imagesRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := h.Docker.RemoveImage(ctx, p.ID); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

func (h *Handlers) imagesPrune(ctx context.Context, raw json.RawMessage) (any, error) {
	n, err := h.Docker.PruneImages(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]int{"removed": n}, nil
}

// --- docker.volumes.* -----------------------------------------------------

func (h *Handlers) volumesList(ctx context.Context, raw json.RawMessage) (any, error) {
	list, err := h.Docker.ListVolumes(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return list, nil
}

type volumeCreateParams struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels"`
}

func (h *Handlers) volumesCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p volumeCreateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	v, err := h.Docker.CreateVolume(ctx, p.Name, p.Labels)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return v, nil
}

type volumeRemoveParams struct {
	Name  string `json:"name"`
	Force bool   `json:"force"`
}

func (h *Handlers) volumesRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var p volumeRemoveParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := h.Docker.RemoveVolume(ctx, p.Name, p.Force); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

type volumePruneParams struct {
	LabelFilter string `json:"label_filter"`
}

func (h *Handlers) volumesPrune(ctx context.Context, raw json.RawMessage) (any, error) {
	var p volumePruneParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	n, err := h.Docker.PruneVolumes(ctx, p.LabelFilter)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]int{"removed": n}, nil
}

// --- docker.networks.* -----------------------------------------------------

func (h *Handlers) networksList(ctx context.Context, raw json.RawMessage) (any, error) {
	list, err := h.Docker.ListNetworks(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return list, nil
}

type networkCreateParams struct {
	Name   string `json:"name"`
	Driver string `json:"driver"`
}

func (h *Handlers) networksCreate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p networkCreateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Driver == "" {
		p.Driver = "bridge"
	}
	id, err := h.Docker.CreateNetwork(ctx, p.Name, p.Driver)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]string{"id": id}, nil
}

func (h *Handlers) networksRemove(ctx context.Context, raw json.RawMessage) (any, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := h.Docker.RemoveNetwork(ctx, p.ID); err != nil {
		return nil, rpc.NewError(rpc.CodeRuntime, err.Error())
	}
	return map[string]bool{"success": true}, nil
}

// --- agent.* / config.update -----------------------------------------------

func (h *Handlers) agentPing(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"status": "ok", "time": time.Now().UTC()}, nil
}

type agentUpdateParams struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
}

// agentUpdate acknowledges a self-update request. Actually fetching and
// swapping the agent binary is left to the host's process supervisor; the
// agent only records the intent and restarts (agent.restart) so the
// supervisor can apply the new version on the next boot.
func (h *Handlers) agentUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var p agentUpdateParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	return map[string]any{"status": "ok", "acknowledged_version": p.Version}, nil
}

func (h *Handlers) agentRestart(ctx context.Context, raw json.RawMessage) (any, error) {
	if h.requestRestart != nil {
		go func() {
			time.Sleep(200 * time.Millisecond)
			h.requestRestart()
		}()
	}
	return map[string]any{"status": "ok"}, nil
}

type rotateTokenParams struct {
	NewToken           string `json:"new_token"`
	GracePeriodSeconds int    `json:"grace_period_seconds"`
}

func (h *Handlers) agentRotateToken(ctx context.Context, raw json.RawMessage) (any, error) {
	var p rotateTokenParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.NewToken == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "new_token is required")
	}
	rotatedAt, err := h.Runtime.RotateToken(p.NewToken)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, "rotate failed")
	}
	return map[string]any{"status": "ok", "rotated_at": rotatedAt}, nil
}

func (h *Handlers) configUpdate(ctx context.Context, raw json.RawMessage) (any, error) {
	var delta cluster.AgentConfig
	if err := decodeParams(raw, &delta); err != nil {
		return nil, err
	}
	h.Runtime.UpdateConfig(delta)
	return map[string]bool{"success": true}, nil
}
