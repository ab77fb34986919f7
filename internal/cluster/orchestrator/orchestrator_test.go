package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

type fakeStore struct {
	installs map[string]cluster.Installation
}

func newFakeStore() *fakeStore {
	return &fakeStore{installs: make(map[string]cluster.Installation)}
}

func (f *fakeStore) CreateInstallation(inst cluster.Installation) error {
	f.installs[inst.ID] = inst
	return nil
}

func (f *fakeStore) GetInstallation(id string) (*cluster.Installation, error) {
	inst, ok := f.installs[id]
	if !ok {
		return nil, fmt.Errorf("not found")
	}
	return &inst, nil
}

func (f *fakeStore) UpdateInstallation(inst cluster.Installation) error {
	f.installs[inst.ID] = inst
	return nil
}

func (f *fakeStore) DeleteInstallation(id string) error {
	delete(f.installs, id)
	return nil
}

func (f *fakeStore) GetInstallationByHostApp(hostID, appID string) (*cluster.Installation, error) {
	for _, inst := range f.installs {
		if inst.HostID == hostID && inst.AppID == appID {
			return &inst, nil
		}
	}
	return nil, fmt.Errorf("not found")
}

// fakeAgent answers each RPC method with a canned response, and lets tests
// override one method's behavior to force a particular failure point.
type fakeAgent struct {
	responses map[string]any
	failOn    string
	failErr   error
	calls     []string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		responses: map[string]any{
			"system.preflight_check": map[string]any{"ok": true},
			"docker.images.pull":     map[string]any{},
			"system.prepare_volumes": map[string]any{},
			"docker.containers.run":  map[string]any{"container_id": "c123"},
			"docker.containers.status": map[string]any{
				"status": "running", "health": "healthy", "restart_count": float64(0),
			},
			"docker.containers.update":  map[string]any{},
			"docker.containers.inspect": map[string]any{"networks": []string{"bridge"}, "named_volumes": []string{"data"}},
			"docker.containers.stop":    map[string]any{},
			"docker.containers.remove":  map[string]any{},
			"docker.volumes.prune":      map[string]any{},
			"docker.containers.get":     map[string]any{"status": "running"},
		},
	}
}

func (f *fakeAgent) Call(_ context.Context, _, method string, _ any, _ time.Duration) (any, error) {
	f.calls = append(f.calls, method)
	if f.failOn == method {
		return nil, f.failErr
	}
	return f.responses[method], nil
}

func testSpec() AppSpec {
	return AppSpec{
		AppID:         "plex",
		Image:         "plexinc/pms-docker:latest",
		Ports:         []cluster.PortMapping{{ContainerPort: 32400, HostPort: 32400, Protocol: "tcp"}},
		Env:           map[string]string{"TZ": "UTC"},
		Volumes:       []cluster.VolumeMount{{Host: "/custom/config", Container: "/config", Mode: "rw"}},
		RestartPolicy: "unless-stopped",
	}
}

func TestInstall_HappyPath(t *testing.T) {
	st := newFakeStore()
	agent := newFakeAgent()
	o := New(st, agent)

	inst, err := o.Install(context.Background(), "host-1", testSpec(), cluster.InstallConfig{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != cluster.InstallRunning {
		t.Fatalf("want status running, got %v", inst.Status)
	}
	if inst.ContainerID != "c123" {
		t.Fatalf("want container id c123, got %q", inst.ContainerID)
	}
	if inst.Progress != 100 {
		t.Fatalf("want progress 100, got %d", inst.Progress)
	}
	if len(inst.Networks) == 0 {
		t.Fatalf("want networks populated from inspect")
	}
}

func TestInstall_DuplicateRejected(t *testing.T) {
	st := newFakeStore()
	st.installs["existing"] = cluster.Installation{ID: "existing", HostID: "host-1", AppID: "plex"}
	o := New(st, newFakeAgent())

	_, err := o.Install(context.Background(), "host-1", testSpec(), cluster.InstallConfig{})
	if err == nil {
		t.Fatalf("expected duplicate installation error")
	}
}

func TestInstall_PreflightFailureStopsEarly(t *testing.T) {
	st := newFakeStore()
	agent := newFakeAgent()
	agent.responses["system.preflight_check"] = map[string]any{"ok": false, "reason": "insufficient disk"}
	o := New(st, agent)

	inst, err := o.Install(context.Background(), "host-1", testSpec(), cluster.InstallConfig{})
	if err == nil {
		t.Fatalf("expected preflight error")
	}
	if inst.Status != cluster.InstallError {
		t.Fatalf("want status error, got %v", inst.Status)
	}
	for _, c := range agent.calls {
		if c == "docker.images.pull" {
			t.Fatalf("pull should not run after preflight failure")
		}
	}
}

func TestInstall_PullFailureTransitionsToError(t *testing.T) {
	st := newFakeStore()
	agent := newFakeAgent()
	agent.failOn = "docker.images.pull"
	agent.failErr = fmt.Errorf("registry unreachable")
	o := New(st, agent)

	inst, err := o.Install(context.Background(), "host-1", testSpec(), cluster.InstallConfig{})
	if err == nil {
		t.Fatalf("expected pull error")
	}
	if inst.Status != cluster.InstallError {
		t.Fatalf("want status error, got %v", inst.Status)
	}
	if inst.Error == "" {
		t.Fatalf("want error reason recorded")
	}
}

func TestInstall_UnhealthyContainerFailsAndCleansUp(t *testing.T) {
	st := newFakeStore()
	agent := newFakeAgent()
	agent.responses["docker.containers.status"] = map[string]any{
		"status": "running", "health": "unhealthy", "restart_count": float64(0),
	}
	o := New(st, agent)

	inst, err := o.Install(context.Background(), "host-1", testSpec(), cluster.InstallConfig{})
	if err == nil {
		t.Fatalf("expected health gate error")
	}
	if inst.Status != cluster.InstallError {
		t.Fatalf("want status error, got %v", inst.Status)
	}
	found := false
	for _, c := range agent.calls {
		if c == "docker.containers.remove" {
			found = true
		}
	}
	if !found {
		t.Fatalf("want best-effort cleanup to remove the container")
	}
}

func TestInstall_CrashLoopFailsHealthGate(t *testing.T) {
	st := newFakeStore()
	agent := newFakeAgent()
	agent.responses["docker.containers.status"] = map[string]any{
		"status": "running", "health": "starting", "restart_count": float64(2),
	}
	o := New(st, agent)

	inst, err := o.Install(context.Background(), "host-1", testSpec(), cluster.InstallConfig{})
	if err == nil {
		t.Fatalf("expected crash-loop error")
	}
	if inst.Status != cluster.InstallError {
		t.Fatalf("want status error, got %v", inst.Status)
	}
}

func TestNormalizeVolumes_RewritesNonAllowedPaths(t *testing.T) {
	o := New(newFakeStore(), newFakeAgent())
	spec := testSpec()
	out := o.normalizeVolumes(spec)
	if len(out) != 1 {
		t.Fatalf("want 1 volume, got %d", len(out))
	}
	want := "/DATA/AppData/plex/custom/config"
	if out[0].Host != want {
		t.Fatalf("want rewritten host %q, got %q", want, out[0].Host)
	}
}

func TestNormalizeVolumes_LeavesAllowedPaths(t *testing.T) {
	o := New(newFakeStore(), newFakeAgent())
	spec := testSpec()
	spec.Volumes = []cluster.VolumeMount{{Host: "/DATA/AppData/plex/config", Container: "/config", Mode: "rw"}}
	out := o.normalizeVolumes(spec)
	if out[0].Host != "/DATA/AppData/plex/config" {
		t.Fatalf("want unchanged host path, got %q", out[0].Host)
	}
}

func TestUninstall_RemovesRecordEvenOnBestEffortFailures(t *testing.T) {
	st := newFakeStore()
	st.installs["inst-1"] = cluster.Installation{ID: "inst-1", HostID: "host-1", AppID: "plex", ContainerID: "c1", ContainerName: "plex-host-1"}
	agent := newFakeAgent()
	agent.failOn = "docker.containers.stop"
	agent.failErr = fmt.Errorf("already stopped")
	o := New(st, agent)

	if err := o.Uninstall(context.Background(), "inst-1", true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := st.installs["inst-1"]; ok {
		t.Fatalf("want installation record deleted")
	}
}

func TestRefresh_TranslatesContainerStatus(t *testing.T) {
	st := newFakeStore()
	st.installs["inst-1"] = cluster.Installation{ID: "inst-1", HostID: "host-1", AppID: "plex", ContainerID: "c1"}
	agent := newFakeAgent()
	agent.responses["docker.containers.get"] = map[string]any{"status": "exited"}
	o := New(st, agent)

	inst, err := o.Refresh(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Status != cluster.InstallStopped {
		t.Fatalf("want status stopped, got %v", inst.Status)
	}
}

func TestSplitImageTag_HandlesPortBearingRegistry(t *testing.T) {
	image, tag := splitImageTag("registry.local:5000/plexinc/pms-docker")
	if image != "registry.local:5000/plexinc/pms-docker" || tag != "latest" {
		t.Fatalf("want registry host preserved with default tag, got image=%q tag=%q", image, tag)
	}
}

func TestSplitImageTag_SplitsRealTag(t *testing.T) {
	image, tag := splitImageTag("plexinc/pms-docker:1.32.0")
	if image != "plexinc/pms-docker" || tag != "1.32.0" {
		t.Fatalf("want split image/tag, got image=%q tag=%q", image, tag)
	}
}
