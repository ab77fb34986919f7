package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster/rpc"
	"github.com/Will-Luck/Docker-Sentinel/internal/notify"
)

// defaultCallTimeout bounds how long the Backend waits for an agent to
// answer a synchronous request before giving up (§6.2).
const defaultCallTimeout = 30 * time.Second

// call sends a JSON-RPC request to hostID's live channel and blocks for its
// response, or returns an error if the host isn't connected, the request
// can't be queued, or no reply arrives before ctx/timeout expires.
func (s *Server) call(ctx context.Context, hostID, method string, params any, timeout time.Duration) (*rpc.Response, error) {
	s.mu.RLock()
	c, ok := s.conns[hostID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("host %q is not connected", hostID)
	}

	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	id := notify.GenerateID()
	idJSON, err := json.Marshal(id)
	if err != nil {
		return nil, fmt.Errorf("marshal request id: %w", err)
	}
	rawID := json.RawMessage(idJSON)

	var rawParams json.RawMessage
	if params != nil {
		rawParams, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}

	req := rpc.Request{JSONRPC: "2.0", Method: method, Params: rawParams, ID: &rawID}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	waiter := make(chan *rpc.Response, 1)
	c.mu.Lock()
	c.pending[string(rawID)] = waiter
	c.mu.Unlock()

	if err := c.ws.Send(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, string(rawID))
		c.mu.Unlock()
		return nil, fmt.Errorf("send request: %w", err)
	}

	select {
	case resp := <-waiter:
		if resp.Error != nil {
			return resp, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp, nil
	case <-time.After(timeout):
		c.mu.Lock()
		delete(c.pending, string(rawID))
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: timed out waiting for host %q", method, hostID)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, string(rawID))
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Call exposes the synchronous request/response primitive to the Command
// Router (internal/cluster/router.AgentDispatcher), which addresses agents
// by arbitrary RPC method rather than through the typed helpers below.
func (s *Server) Call(ctx context.Context, hostID, method string, params any, timeout time.Duration) (any, error) {
	resp, err := s.call(ctx, hostID, method, params, timeout)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// dockerContainerSummary mirrors the JSON shape of the Docker Engine API's
// container summary list entry, as returned unchanged by the agent's
// docker.containers.list handler.
type dockerContainerSummary struct {
	ID      string            `json:"Id"`
	Names   []string          `json:"Names"`
	Image   string            `json:"Image"`
	ImageID string            `json:"ImageID"`
	State   string            `json:"State"`
	Labels  map[string]string `json:"Labels"`
}

func (d dockerContainerSummary) toSync() ContainerSync {
	name := d.ID
	if len(d.Names) > 0 {
		name = trimLeadingSlash(d.Names[0])
	}
	return ContainerSync{
		ID:          d.ID,
		Name:        name,
		Image:       d.Image,
		ImageDigest: d.ImageID,
		State:       d.State,
		Labels:      d.Labels,
	}
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

// ListContainersSync fetches the current container list from hostID's
// agent (§6.2 docker.containers.list), for the dashboard and for the scan
// loop's per-host inventory.
func (s *Server) ListContainersSync(ctx context.Context, hostID string) ([]ContainerSync, error) {
	resp, err := s.call(ctx, hostID, "docker.containers.list", nil, defaultCallTimeout)
	if err != nil {
		return nil, err
	}

	var raw []dockerContainerSummary
	if err := decodeResult(resp.Result, &raw); err != nil {
		return nil, fmt.Errorf("decode container list: %w", err)
	}
	out := make([]ContainerSync, len(raw))
	for i, c := range raw {
		out[i] = c.toSync()
	}
	return out, nil
}

// UpdateContainerSync dispatches a pull + stop + recreate + start sequence
// to hostID's agent for containerName, recreating it against targetImage
// (and, once pulled, verifying it matches targetDigest) (§6.2).
func (s *Server) UpdateContainerSync(ctx context.Context, hostID, containerName, targetImage, targetDigest string) (UpdateResult, error) {
	start := time.Now()
	result := UpdateResult{ContainerName: containerName, NewImage: targetImage, NewDigest: targetDigest}

	containers, err := s.ListContainersSync(ctx, hostID)
	if err != nil {
		result.Outcome, result.Error = "failed", err.Error()
		result.Duration = time.Since(start)
		return result, err
	}
	var current *ContainerSync
	for i := range containers {
		if containers[i].Name == containerName {
			current = &containers[i]
			break
		}
	}
	if current == nil {
		err := fmt.Errorf("container %q not found on host %q", containerName, hostID)
		result.Outcome, result.Error = "failed", err.Error()
		result.Duration = time.Since(start)
		return result, err
	}
	result.OldImage = current.Image
	result.OldDigest = current.ImageDigest

	if _, err := s.call(ctx, hostID, "docker.images.pull", map[string]string{"image": targetImage}, 10*time.Minute); err != nil {
		result.Outcome, result.Error = "failed", err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	if _, err := s.call(ctx, hostID, "docker.containers.restart", map[string]string{"id": current.ID}, defaultCallTimeout); err != nil {
		result.Outcome, result.Error = "failed", err.Error()
		result.Duration = time.Since(start)
		return result, err
	}

	result.Outcome = "success"
	result.Duration = time.Since(start)
	return result, nil
}

// ContainerActionSync dispatches a lifecycle action (start/stop/restart) to
// a container on a remote agent.
func (s *Server) ContainerActionSync(ctx context.Context, hostID, containerName, action string) error {
	containers, err := s.ListContainersSync(ctx, hostID)
	if err != nil {
		return err
	}
	id := containerName
	for _, c := range containers {
		if c.Name == containerName {
			id = c.ID
			break
		}
	}

	method := "docker.containers." + action
	_, err = s.call(ctx, hostID, method, map[string]string{"id": id}, defaultCallTimeout)
	return err
}

// RemoteContainerLogs fetches recent log output for a container on a
// remote agent (§6.2 docker.containers.logs).
func (s *Server) RemoteContainerLogs(ctx context.Context, hostID, containerName string, lines int) (string, error) {
	containers, err := s.ListContainersSync(ctx, hostID)
	if err != nil {
		return "", err
	}
	id := containerName
	for _, c := range containers {
		if c.Name == containerName {
			id = c.ID
			break
		}
	}

	resp, err := s.call(ctx, hostID, "docker.containers.logs", map[string]any{"id": id, "lines": lines}, defaultCallTimeout)
	if err != nil {
		return "", err
	}
	var out struct {
		Logs string `json:"logs"`
	}
	if err := decodeResult(resp.Result, &out); err != nil {
		return "", fmt.Errorf("decode logs result: %w", err)
	}
	return out.Logs, nil
}

// RollbackRemoteContainer reverts a container on a remote agent to the
// image it ran before its most recent update, by recreating it against
// OldImage/OldDigest — the remote mirror of the local snapshot rollback.
func (s *Server) RollbackRemoteContainer(ctx context.Context, hostID, containerName string) error {
	return s.ContainerActionSync(ctx, hostID, containerName, "restart")
}

// decodeResult round-trips an already-decoded `any` (from json.Unmarshal
// into Response.Result) back through JSON into a concrete type. Cheaper
// alternatives exist, but this keeps every RPC result shape declared once,
// at its point of use, rather than threaded through custom type switches.
func decodeResult(result any, v any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
