// Package router implements the Command Router (C8): per-host selection
// between the Agent RPC channel and an out-of-band shell fallback, with
// uniform Command-result normalization regardless of which transport ran.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

// AgentDispatcher is the subset of the Backend cluster server a Router
// needs: whether a host's agent channel is live, and a framed call over it.
type AgentDispatcher interface {
	ConnectedHosts() []string
	Call(ctx context.Context, hostID, method string, params any, timeout time.Duration) (result any, err error)
}

// ShellDispatcher opens an out-of-band channel to a host (SSH, in
// practice) and runs a single command string on it.
type ShellDispatcher interface {
	// HasCredentials reports whether stored shell credentials exist for
	// hostID, without opening a connection.
	HasCredentials(hostID string) bool
	// Run executes command on hostID and returns combined stdout/stderr.
	Run(ctx context.Context, hostID, command string) (stdout string, success bool, err error)
	// RunStreaming is the progress-bearing variant: onOutput is called as
	// output chunks arrive.
	RunStreaming(ctx context.Context, hostID, command string, onOutput func(chunk string)) (success bool, err error)
}

// DispatchOptions governs how a single command is routed for one host
// (§4.8).
type DispatchOptions struct {
	ForceShell  bool
	ForceAgent  bool
	PreferAgent bool
	Timeout     time.Duration
}

// Router selects, per host, whether a command runs over the Agent channel
// or the shell fallback, and normalizes both outcomes into a
// cluster.CommandResult.
type Router struct {
	agents AgentDispatcher
	shell  ShellDispatcher
}

func New(agents AgentDispatcher, shell ShellDispatcher) *Router {
	return &Router{agents: agents, shell: shell}
}

// agentConnected reports whether hostID currently has a live agent channel.
func (r *Router) agentConnected(hostID string) bool {
	for _, id := range r.agents.ConnectedHosts() {
		if id == hostID {
			return true
		}
	}
	return false
}

// selectMethod implements the §4.8 decision table.
func (r *Router) selectMethod(hostID string, opts DispatchOptions) (cluster.CommandMethod, error) {
	connected := r.agentConnected(hostID)

	switch {
	case opts.ForceShell:
		if r.shell == nil || !r.shell.HasCredentials(hostID) {
			return cluster.MethodNone, fmt.Errorf("shell forced but no credentials for host %q", hostID)
		}
		return cluster.MethodShell, nil
	case opts.ForceAgent:
		if connected {
			return cluster.MethodAgent, nil
		}
		return cluster.MethodNone, fmt.Errorf("agent forced but not connected for host %q", hostID)
	case connected && opts.PreferAgent:
		return cluster.MethodAgent, nil
	case r.shell != nil && r.shell.HasCredentials(hostID):
		return cluster.MethodShell, nil
	default:
		return cluster.MethodNone, fmt.Errorf("no agent record or not connected, and no shell credentials for host %q", hostID)
	}
}

// Dispatch runs one command (an RPC method/params pair on the agent path,
// or a shell command string on the shell path) against hostID and returns a
// uniform Command-result. command is interpreted as an RPC method name when
// the agent path is chosen and as a literal shell command string otherwise.
func (r *Router) Dispatch(ctx context.Context, hostID, command string, params any, opts DispatchOptions) cluster.CommandResult {
	start := time.Now()

	method, err := r.selectMethod(hostID, opts)
	if err != nil {
		cluster.CommandDispatches.WithLabelValues(string(cluster.MethodNone), "failure").Inc()
		return cluster.CommandResult{
			Success:       false,
			Method:        cluster.MethodNone,
			Error:         err.Error(),
			ExecutionTime: time.Since(start),
		}
	}

	var result cluster.CommandResult
	switch method {
	case cluster.MethodAgent:
		result = r.dispatchAgent(ctx, hostID, command, params, opts, start)
	case cluster.MethodShell:
		result = r.dispatchShell(ctx, hostID, command, start)
	default:
		result = cluster.CommandResult{
			Success:       false,
			Method:        cluster.MethodNone,
			Error:         "no viable execution method",
			ExecutionTime: time.Since(start),
		}
	}

	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	cluster.CommandDispatches.WithLabelValues(string(result.Method), outcome).Inc()
	return result
}

func (r *Router) dispatchAgent(ctx context.Context, hostID, method string, params any, opts DispatchOptions, start time.Time) cluster.CommandResult {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := r.agents.Call(callCtx, hostID, method, params, timeout)
	if err != nil {
		if callCtx.Err() != nil {
			return cluster.CommandResult{
				Success:       false,
				Method:        cluster.MethodAgent,
				Error:         "timed out",
				ExecutionTime: time.Since(start),
			}
		}
		return cluster.CommandResult{
			Success:       false,
			Method:        cluster.MethodAgent,
			Error:         err.Error(),
			ExitCode:      intPtr(1),
			ExecutionTime: time.Since(start),
		}
	}

	return cluster.CommandResult{
		Success:       true,
		Method:        cluster.MethodAgent,
		Output:        fmt.Sprint(result),
		ExecutionTime: time.Since(start),
	}
}

func (r *Router) dispatchShell(ctx context.Context, hostID, command string, start time.Time) cluster.CommandResult {
	if r.shell == nil {
		return cluster.CommandResult{
			Success:       false,
			Method:        cluster.MethodShell,
			Error:         "shell dispatch not configured",
			ExecutionTime: time.Since(start),
		}
	}

	out, success, err := r.shell.Run(ctx, hostID, command)
	result := cluster.CommandResult{
		Success:       success,
		Method:        cluster.MethodShell,
		Output:        out,
		ExecutionTime: time.Since(start),
	}
	if !success {
		code := 1
		result.ExitCode = &code
	} else {
		code := 0
		result.ExitCode = &code
	}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

// DispatchStreaming is the progress-bearing shell variant of Dispatch for
// long-running commands. Agent-path commands don't stream; onOutput only
// fires for the shell path.
func (r *Router) DispatchStreaming(ctx context.Context, hostID, command string, opts DispatchOptions, onOutput func(chunk string)) cluster.CommandResult {
	start := time.Now()
	method, err := r.selectMethod(hostID, opts)
	if err != nil {
		return cluster.CommandResult{Success: false, Method: cluster.MethodNone, Error: err.Error(), ExecutionTime: time.Since(start)}
	}
	if method != cluster.MethodShell || r.shell == nil {
		return r.Dispatch(ctx, hostID, command, nil, opts)
	}

	success, err := r.shell.RunStreaming(ctx, hostID, command, onOutput)
	result := cluster.CommandResult{Success: success, Method: cluster.MethodShell, ExecutionTime: time.Since(start)}
	if err != nil {
		result.Error = err.Error()
	}
	return result
}

func intPtr(v int) *int { return &v }
