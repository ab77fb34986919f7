package router

import (
	"context"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

type fakeAgents struct {
	connected []string
	result    any
	err       error
	calls     int
}

func (f *fakeAgents) ConnectedHosts() []string { return f.connected }

func (f *fakeAgents) Call(_ context.Context, _, _ string, _ any, _ time.Duration) (any, error) {
	f.calls++
	return f.result, f.err
}

type fakeShell struct {
	hasCreds map[string]bool
	out      string
	success  bool
	err      error
}

func (f *fakeShell) HasCredentials(hostID string) bool { return f.hasCreds[hostID] }

func (f *fakeShell) Run(_ context.Context, _, _ string) (string, bool, error) {
	return f.out, f.success, f.err
}

func (f *fakeShell) RunStreaming(_ context.Context, _, _ string, onOutput func(string)) (bool, error) {
	if onOutput != nil {
		onOutput(f.out)
	}
	return f.success, f.err
}

func TestDispatch_ForceShellRequiresCredentials(t *testing.T) {
	r := New(&fakeAgents{}, &fakeShell{hasCreds: map[string]bool{}})
	result := r.Dispatch(context.Background(), "host-1", "agent.ping", nil, DispatchOptions{ForceShell: true})
	if result.Success {
		t.Fatalf("expected failure when shell forced without credentials")
	}
	if result.Method != cluster.MethodNone {
		t.Fatalf("want method none, got %v", result.Method)
	}
}

func TestDispatch_ForceAgentFailsWhenDisconnected(t *testing.T) {
	r := New(&fakeAgents{connected: nil}, nil)
	result := r.Dispatch(context.Background(), "host-1", "agent.ping", nil, DispatchOptions{ForceAgent: true})
	if result.Success || result.Method != cluster.MethodNone {
		t.Fatalf("want method none on forced-but-unavailable agent, got %+v", result)
	}
}

func TestDispatch_PrefersAgentWhenConnected(t *testing.T) {
	agents := &fakeAgents{connected: []string{"host-1"}, result: map[string]any{"ok": true}}
	r := New(agents, &fakeShell{hasCreds: map[string]bool{"host-1": true}})
	result := r.Dispatch(context.Background(), "host-1", "agent.ping", nil, DispatchOptions{PreferAgent: true})
	if !result.Success || result.Method != cluster.MethodAgent {
		t.Fatalf("want agent dispatch, got %+v", result)
	}
	if agents.calls != 1 {
		t.Fatalf("want 1 agent call, got %d", agents.calls)
	}
}

func TestDispatch_FallsBackToShellWhenAgentNotPreferred(t *testing.T) {
	agents := &fakeAgents{connected: []string{"host-1"}}
	shell := &fakeShell{hasCreds: map[string]bool{"host-1": true}, out: "ok", success: true}
	r := New(agents, shell)
	result := r.Dispatch(context.Background(), "host-1", "uptime", nil, DispatchOptions{})
	if !result.Success || result.Method != cluster.MethodShell {
		t.Fatalf("want shell dispatch, got %+v", result)
	}
	if result.Output != "ok" {
		t.Fatalf("want output %q, got %q", "ok", result.Output)
	}
}

func TestDispatch_NoneWhenNothingAvailable(t *testing.T) {
	r := New(&fakeAgents{}, &fakeShell{hasCreds: map[string]bool{}})
	result := r.Dispatch(context.Background(), "host-1", "anything", nil, DispatchOptions{})
	if result.Success || result.Method != cluster.MethodNone {
		t.Fatalf("want method none, got %+v", result)
	}
	if result.Error == "" {
		t.Fatalf("want a structured reason for method none")
	}
}

func TestDispatch_NoneWhenAgentConnectedButNotPreferredAndNoShellCreds(t *testing.T) {
	r := New(&fakeAgents{connected: []string{"host-1"}}, &fakeShell{hasCreds: map[string]bool{}})
	result := r.Dispatch(context.Background(), "host-1", "anything", nil, DispatchOptions{})
	if result.Success || result.Method != cluster.MethodNone {
		t.Fatalf("want method none per the §4.8 decision table, got %+v", result)
	}
}

func TestDispatch_AgentErrorNormalizesToFailure(t *testing.T) {
	agents := &fakeAgents{connected: []string{"host-1"}}
	agents.err = context.DeadlineExceeded
	r := New(agents, nil)
	result := r.Dispatch(context.Background(), "host-1", "agent.ping", nil, DispatchOptions{PreferAgent: true})
	if result.Success {
		t.Fatalf("expected failure result when agent call errors")
	}
	if result.Method != cluster.MethodAgent {
		t.Fatalf("want method agent, got %v", result.Method)
	}
	if result.ExitCode == nil || *result.ExitCode != 1 {
		t.Fatalf("want exit code 1, got %+v", result.ExitCode)
	}
}
