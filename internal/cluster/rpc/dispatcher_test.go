package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func idFor(n int) *json.RawMessage {
	raw := json.RawMessage(fmt.Sprint(n))
	return &raw
}

func mustRequest(t *testing.T, method string, id *json.RawMessage) json.RawMessage {
	t.Helper()
	req := Request{JSONRPC: "2.0", Method: method, ID: id}
	b, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return b
}

func TestDispatch_UnknownMethod(t *testing.T) {
	d := New(testLogger())
	resp := d.Dispatch(context.Background(), mustRequest(t, "nope.nope", idFor(1)), []Tier{TierAdmin})
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeMethodNotFound {
		t.Fatalf("want method-not-found, got %+v", resp)
	}
}

func TestDispatch_PermissionDenied(t *testing.T) {
	d := New(testLogger())
	d.Register("agent.restart", TierAdmin, func(ctx context.Context, p json.RawMessage) (any, error) {
		return "ok", nil
	})

	resp := d.Dispatch(context.Background(), mustRequest(t, "agent.restart", idFor(1)), []Tier{TierRead, TierExecute})
	if resp == nil || resp.Error == nil || resp.Error.Code != CodePermission {
		t.Fatalf("want permission-denied, got %+v", resp)
	}
}

func TestDispatch_Success(t *testing.T) {
	d := New(testLogger())
	d.Register("agent.ping", TierRead, func(ctx context.Context, p json.RawMessage) (any, error) {
		return "pong", nil
	})

	resp := d.Dispatch(context.Background(), mustRequest(t, "agent.ping", idFor(1)), []Tier{TierRead})
	if resp == nil || resp.Error != nil {
		t.Fatalf("want success, got %+v", resp)
	}
	if resp.Result != "pong" {
		t.Errorf("result = %v, want pong", resp.Result)
	}
}

func TestDispatch_NotificationSuppressesResponse(t *testing.T) {
	d := New(testLogger())
	called := false
	d.Register("metrics.update", TierRead, func(ctx context.Context, p json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	resp := d.Dispatch(context.Background(), mustRequest(t, "metrics.update", nil), []Tier{TierRead})
	if resp != nil {
		t.Fatalf("notification should produce no response, got %+v", resp)
	}
	if !called {
		t.Error("handler should still run for a notification")
	}
}

func TestDispatch_InternalErrorHidesDetail(t *testing.T) {
	d := New(testLogger())
	d.Register("docker.containers.run", TierAdmin, func(ctx context.Context, p json.RawMessage) (any, error) {
		return nil, errors.New("leaked: /etc/shadow contents")
	})

	resp := d.Dispatch(context.Background(), mustRequest(t, "docker.containers.run", idFor(1)), []Tier{TierAdmin})
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeInternal {
		t.Fatalf("want internal-error, got %+v", resp)
	}
	if resp.Error.Message != "internal error" {
		t.Errorf("internal error message leaked detail: %q", resp.Error.Message)
	}
}

func TestDispatch_RPCErrorSurfaced(t *testing.T) {
	d := New(testLogger())
	d.Register("system.exec", TierAdmin, func(ctx context.Context, p json.RawMessage) (any, error) {
		return nil, NewError(CodeCommandBlock, "command not allowed")
	})

	resp := d.Dispatch(context.Background(), mustRequest(t, "system.exec", idFor(1)), []Tier{TierAdmin})
	if resp == nil || resp.Error == nil || resp.Error.Code != CodeCommandBlock {
		t.Fatalf("want command-blocked, got %+v", resp)
	}
}

func TestDispatch_AdminTierGrantsExecuteAndRead(t *testing.T) {
	d := New(testLogger())
	d.Register("system.info", TierRead, func(ctx context.Context, p json.RawMessage) (any, error) {
		return "info", nil
	})

	resp := d.Dispatch(context.Background(), mustRequest(t, "system.info", idFor(1)), []Tier{TierAdmin})
	if resp == nil || resp.Error != nil {
		t.Fatalf("admin channel should satisfy a read-tier method, got %+v", resp)
	}
}

func TestRegisterModule_DefaultsUnknownTierToAdmin(t *testing.T) {
	d := New(testLogger())
	d.RegisterModule(Module{
		Prefix: "docker.volumes",
		Methods: map[string]Handler{
			"list": func(ctx context.Context, p json.RawMessage) (any, error) { return nil, nil },
		},
		Tiers: map[string]Tier{}, // no tier specified for "list"
	})

	if got := d.Tier("docker.volumes.list"); got != TierAdmin {
		t.Errorf("unset tier should default to admin, got %q", got)
	}
}
