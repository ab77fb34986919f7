package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

// advance records the elapsed time of the step the installation is
// leaving, moves it to next, and resets the per-step clock (§4.9.1:
// "each transition records a timestamp; on entering the next state,
// elapsed seconds of the previous step are appended to step_durations").
func (o *Orchestrator) advance(inst *cluster.Installation, next cluster.InstallStatus) {
	now := time.Now().UTC()
	if inst.StepDurations == nil {
		inst.StepDurations = make(map[string]float64)
	}
	inst.StepDurations[string(inst.Status)] = now.Sub(inst.StepStartedAt).Seconds()
	inst.Status = next
	inst.StepStartedAt = now
	cluster.InstallationTransitions.WithLabelValues(string(next)).Inc()
	o.persist(inst)
}

func (o *Orchestrator) persist(inst *cluster.Installation) {
	_ = o.store.UpdateInstallation(*inst)
}

// fail transitions inst to error, persists the failure reason, and runs
// best-effort cleanup (§4.9.1: "any -> error ... followed by best-effort
// cleanup"). The record itself is never deleted here.
func (o *Orchestrator) fail(ctx context.Context, inst *cluster.Installation, cause error) {
	inst.Status = cluster.InstallError
	inst.Error = cause.Error()
	cluster.InstallationTransitions.WithLabelValues(string(cluster.InstallError)).Inc()
	o.persist(inst)

	if inst.ContainerID != "" {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_, _ = o.agent.Call(cleanupCtx, inst.HostID, "docker.containers.stop", map[string]string{"id": inst.ContainerID}, 10*time.Second)
		_, _ = o.agent.Call(cleanupCtx, inst.HostID, "docker.containers.remove", map[string]any{"id": inst.ContainerID, "force": true}, 10*time.Second)
	}
}

type preflightResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// runPreflight asks the host for daemon reachability and free disk/memory
// before any side effects occur (§4.9.2).
func (o *Orchestrator) runPreflight(ctx context.Context, inst *cluster.Installation) error {
	raw, err := o.agent.Call(ctx, inst.HostID, "system.preflight_check", map[string]any{
		"min_disk_bytes": defaultMinDiskBytes,
		"min_mem_bytes":  defaultMinMemBytes,
	}, 15*time.Second)
	if err != nil {
		return fmt.Errorf("preflight check: %w", err)
	}
	res := decodePreflight(raw)
	if !res.OK {
		return fmt.Errorf("preflight failed: %s", res.Reason)
	}
	return nil
}

func decodePreflight(raw any) preflightResult {
	m, ok := raw.(map[string]any)
	if !ok {
		return preflightResult{OK: false, Reason: "malformed preflight response"}
	}
	res := preflightResult{}
	if v, ok := m["ok"].(bool); ok {
		res.OK = v
	}
	if v, ok := m["reason"].(string); ok {
		res.Reason = v
	}
	return res
}

// runPull splits image[:tag] and invokes the image-pull RPC with its own
// 10-minute timeout (§4.9.3).
func (o *Orchestrator) runPull(ctx context.Context, inst *cluster.Installation, spec AppSpec) error {
	image, tag := splitImageTag(spec.Image)
	_, err := o.agent.Call(ctx, inst.HostID, "docker.images.pull", map[string]string{
		"image": image,
		"tag":   tag,
	}, 10*time.Minute)
	if err != nil {
		return fmt.Errorf("pull %s: %w", spec.Image, err)
	}
	inst.Progress = 100
	return nil
}

func splitImageTag(ref string) (image, tag string) {
	idx := strings.LastIndex(ref, ":")
	if idx < 0 {
		return ref, "latest"
	}
	// Guard against a port-bearing registry host ("host:5000/repo") having
	// no tag: a colon before the last "/" belongs to the registry, not a tag.
	if strings.Contains(ref[idx:], "/") {
		return ref, "latest"
	}
	return ref[:idx], ref[idx+1:]
}

// normalizeVolumes rewrites any volume whose host path isn't already under
// an allowed data root so it lands under /DATA/AppData/<app_id> (§4.9.4).
func (o *Orchestrator) normalizeVolumes(spec AppSpec) []cluster.VolumeMount {
	out := make([]cluster.VolumeMount, len(spec.Volumes))
	for i, v := range spec.Volumes {
		host := v.Host
		if !strings.HasPrefix(host, allowedDataRoot1) && !strings.HasPrefix(host, allowedDataRoot2) {
			host = allowedDataRoot1 + "/AppData/" + spec.AppID + v.Host
		}
		out[i] = cluster.VolumeMount{Host: host, Container: v.Container, Mode: v.Mode}
	}
	return out
}

// runPrepareVolumes asks the agent to create and chown each normalized
// volume path. Failure is logged (by the caller's call error being
// swallowed here) but never aborts the install (§4.9.4).
func (o *Orchestrator) runPrepareVolumes(ctx context.Context, inst *cluster.Installation, volumes []cluster.VolumeMount) {
	if len(volumes) == 0 {
		return
	}
	paths := make([]string, len(volumes))
	for i, v := range volumes {
		paths[i] = v.Host
	}
	_, _ = o.agent.Call(ctx, inst.HostID, "system.prepare_volumes", map[string]any{
		"paths": paths,
		"uid":   1000,
		"gid":   1000,
	}, 30*time.Second)
}

// runCreate builds the docker.containers.run parameter object and starts
// the container with its restart policy overridden to "no" during the
// health gate (§4.9.5).
func (o *Orchestrator) runCreate(ctx context.Context, inst *cluster.Installation, spec AppSpec, volumes []cluster.VolumeMount) (string, error) {
	ports := make([]map[string]any, 0, len(spec.Ports))
	for _, p := range spec.Ports {
		hostPort := p.HostPort
		if override, ok := inst.Config.Ports[fmt.Sprint(p.ContainerPort)]; ok {
			hostPort = override
		}
		ports = append(ports, map[string]any{
			"container_port": p.ContainerPort,
			"host_port":      hostPort,
			"protocol":       p.Protocol,
		})
	}

	env := spec.Env
	if len(inst.Config.Env) > 0 {
		merged := make(map[string]string, len(env)+len(inst.Config.Env))
		for k, v := range spec.Env {
			merged[k] = v
		}
		for k, v := range inst.Config.Env {
			merged[k] = v
		}
		env = merged
	}

	volParams := make([]map[string]string, len(volumes))
	for i, v := range volumes {
		volParams[i] = map[string]string{"host": v.Host, "container": v.Container, "mode": v.Mode}
	}

	raw, err := o.agent.Call(ctx, inst.HostID, "docker.containers.run", map[string]any{
		"name":           inst.ContainerName,
		"image":          spec.Image,
		"env":            env,
		"ports":          ports,
		"volumes":        volParams,
		"restart_policy": "no", // overridden during startup; real policy applied after the health gate
		"network_mode":   spec.NetworkMode,
		"privileged":     spec.Privileged,
		"cap_add":        spec.CapAdd,
		"labels":         map[string]string{"container": inst.ContainerName},
	}, 60*time.Second)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}

	m, ok := raw.(map[string]any)
	if !ok {
		return inst.ContainerName, nil
	}
	if id, ok := m["container_id"].(string); ok && id != "" {
		return id, nil
	}
	return inst.ContainerName, nil
}

type containerStatus struct {
	Status       string
	Health       string
	RestartCount int
}

// runHealthGate polls the agent's container-status RPC every 3s up to 60s
// total, deciding success/failure/keep-polling per §4.9.6.
func (o *Orchestrator) runHealthGate(ctx context.Context, inst *cluster.Installation, spec AppSpec) error {
	deadline := time.Now().Add(healthPollTimeout)
	for {
		st, err := o.pollStatus(ctx, inst.HostID, inst.ContainerID)
		if err != nil {
			return fmt.Errorf("poll container status: %w", err)
		}

		if st.RestartCount > 0 {
			return fmt.Errorf("container crashed")
		}

		switch {
		case st.Status == "running" && (st.Health == "" || st.Health == "none" || st.Health == "healthy"):
			return o.onHealthy(ctx, inst, spec)
		case st.Status == "running" && st.Health == "starting":
			inst.Progress = 90
			o.persist(inst)
		case st.Status == "running" && st.Health == "unhealthy":
			return fmt.Errorf("container unhealthy")
		case st.Status == "exited" || st.Status == "dead" || st.Status == "restarting":
			return fmt.Errorf("container in terminal state %q before becoming ready", st.Status)
		default:
			inst.Progress = 80
			o.persist(inst)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("health gate timed out after %s", healthPollTimeout)
		}
		select {
		case <-time.After(healthPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) pollStatus(ctx context.Context, hostID, containerID string) (containerStatus, error) {
	raw, err := o.agent.Call(ctx, hostID, "docker.containers.status", map[string]string{"id": containerID}, 10*time.Second)
	if err != nil {
		return containerStatus{}, err
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return containerStatus{}, fmt.Errorf("malformed status response")
	}
	st := containerStatus{}
	if v, ok := m["status"].(string); ok {
		st.Status = v
	}
	if v, ok := m["health"].(string); ok {
		st.Health = v
	}
	if v, ok := m["restart_count"].(float64); ok {
		st.RestartCount = int(v)
	}
	return st, nil
}

// decodeStringSlice round-trips an any-typed RPC result field through JSON
// into a []string. encoding/json decodes a JSON array into interface{} as
// []interface{}, never []string, so a direct type assertion against a
// decoded RPC response always fails; this mirrors rpccall.go's decodeResult.
func decodeStringSlice(raw any) ([]string, bool) {
	if raw == nil {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return out, true
}

// onHealthy applies the app's real restart policy (best-effort) and
// inspects the container to persist its networks/volumes topology
// (§4.9.6 "on success").
func (o *Orchestrator) onHealthy(ctx context.Context, inst *cluster.Installation, spec AppSpec) error {
	policy := spec.RestartPolicy
	if policy == "" {
		policy = "unless-stopped"
	}
	if _, err := o.agent.Call(ctx, inst.HostID, "docker.containers.update", map[string]string{
		"id":             inst.ContainerID,
		"restart_policy": policy,
	}, 15*time.Second); err != nil {
		// Logged by the caller's call error; the container stays up under
		// the temporary "no" policy, which is survivable, not fatal.
	}

	raw, err := o.agent.Call(ctx, inst.HostID, "docker.containers.inspect", map[string]string{"id": inst.ContainerID}, 15*time.Second)
	if err == nil {
		if m, ok := raw.(map[string]any); ok {
			if networks, ok := decodeStringSlice(m["networks"]); ok {
				inst.Networks = networks
			}
			if named, ok := decodeStringSlice(m["named_volumes"]); ok {
				inst.NamedVolumes = named
			}
		}
	}
	return nil
}
