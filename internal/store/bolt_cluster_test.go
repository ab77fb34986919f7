package store

import (
	"testing"
	"time"

	"github.com/Will-Luck/Docker-Sentinel/internal/cluster"
)

func testClusterStore(t *testing.T) *Store {
	t.Helper()
	s := testStore(t)
	if err := s.EnsureClusterBuckets(); err != nil {
		t.Fatalf("EnsureClusterBuckets: %v", err)
	}
	return s
}

func TestCreateAgentForHost_ReplacesExisting(t *testing.T) {
	s := testClusterStore(t)

	first, err := s.CreateAgentForHost("host-1")
	if err != nil {
		t.Fatalf("CreateAgentForHost: %v", err)
	}
	if _, err := s.MintRegistrationCode(first.ID, 0); err != nil {
		t.Fatalf("MintRegistrationCode: %v", err)
	}

	second, err := s.CreateAgentForHost("host-1")
	if err != nil {
		t.Fatalf("CreateAgentForHost (replace): %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("replacement agent should get a fresh ID")
	}

	if _, err := s.GetAgent(first.ID); err == nil {
		t.Error("original agent should have been deleted")
	}
	got, err := s.GetAgentByHost("host-1")
	if err != nil || got.ID != second.ID {
		t.Fatalf("GetAgentByHost should return the replacement, got %+v err=%v", got, err)
	}
}

func TestRegistrationCode_SingleUse(t *testing.T) {
	s := testClusterStore(t)
	agent, _ := s.CreateAgentForHost("host-2")
	code, err := s.MintRegistrationCode(agent.ID, time.Minute)
	if err != nil {
		t.Fatalf("MintRegistrationCode: %v", err)
	}

	got, err := s.ValidateRegistrationCode(code)
	if err != nil || got.ID != agent.ID {
		t.Fatalf("first validation should succeed, got %+v err=%v", got, err)
	}

	if _, err := s.ValidateRegistrationCode(code); err == nil {
		t.Error("second validation of the same code should fail")
	}
}

func TestRegistrationCode_NormalizesDashesAndCase(t *testing.T) {
	s := testClusterStore(t)
	agent, _ := s.CreateAgentForHost("host-3")
	code, _ := s.MintRegistrationCode(agent.ID, time.Minute)

	mangled := code[:4] + "-" + code[4:]
	var lower []byte
	for _, c := range []byte(mangled) {
		if c >= 'A' && c <= 'Z' {
			c = c - 'A' + 'a'
		}
		lower = append(lower, c)
	}

	got, err := s.ValidateRegistrationCode(string(lower))
	if err != nil || got.ID != agent.ID {
		t.Fatalf("dash/case-mangled code should still validate, got %+v err=%v", got, err)
	}
}

func TestRegistrationCode_Expired(t *testing.T) {
	s := testClusterStore(t)
	agent, _ := s.CreateAgentForHost("host-4")
	code, _ := s.MintRegistrationCode(agent.ID, -time.Second)

	if _, err := s.ValidateRegistrationCode(code); err == nil {
		t.Error("expired code should fail validation")
	}
}

func TestUpdateAgentFields_RejectsNonWhitelistedColumn(t *testing.T) {
	s := testClusterStore(t)
	agent, _ := s.CreateAgentForHost("host-5")

	err := s.UpdateAgentFields(agent.ID, map[string]any{"host_id": "attacker-controlled"})
	if err == nil {
		t.Fatal("update referencing a non-whitelisted column should fail")
	}

	got, _ := s.GetAgent(agent.ID)
	if got.HostID != "host-5" {
		t.Error("no field should be modified when the whitelist check fails")
	}
}

func TestUpdateAgentFields_MaintainsTokenHashIndex(t *testing.T) {
	s := testClusterStore(t)
	agent, _ := s.CreateAgentForHost("host-6")

	if err := s.UpdateAgentFields(agent.ID, map[string]any{
		"token_hash":       "hash-1",
		"token_issued_at":  time.Now().UTC(),
		"token_expires_at": time.Now().UTC().Add(time.Hour),
		"status":           cluster.AgentConnected,
	}); err != nil {
		t.Fatalf("UpdateAgentFields: %v", err)
	}

	got, err := s.GetAgentByTokenHash("hash-1")
	if err != nil || got.ID != agent.ID {
		t.Fatalf("GetAgentByTokenHash should find the agent, got %+v err=%v", got, err)
	}

	// Rotate: the old hash index should no longer resolve.
	if err := s.UpdateAgentFields(agent.ID, map[string]any{"token_hash": "hash-2"}); err != nil {
		t.Fatalf("UpdateAgentFields (rotate): %v", err)
	}
	if _, err := s.GetAgentByTokenHash("hash-1"); err == nil {
		t.Error("stale token hash index should have been removed")
	}
	if got, err := s.GetAgentByTokenHash("hash-2"); err != nil || got.ID != agent.ID {
		t.Fatalf("new token hash index should resolve, got %+v err=%v", got, err)
	}
}

func TestDeleteAgent_CascadesCodes(t *testing.T) {
	s := testClusterStore(t)
	agent, _ := s.CreateAgentForHost("host-7")
	code, _ := s.MintRegistrationCode(agent.ID, time.Minute)

	if err := s.DeleteAgent(agent.ID); err != nil {
		t.Fatalf("DeleteAgent: %v", err)
	}

	if _, err := s.GetAgent(agent.ID); err == nil {
		t.Error("agent should be gone")
	}
	if _, err := s.ValidateRegistrationCode(code); err == nil {
		t.Error("cascaded registration code should no longer validate")
	}
}

func TestListAgentsExpiringBefore(t *testing.T) {
	s := testClusterStore(t)
	soon, _ := s.CreateAgentForHost("host-8")
	later, _ := s.CreateAgentForHost("host-9")

	now := time.Now().UTC()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("UpdateAgentFields: %v", err)
		}
	}
	must(s.UpdateAgentFields(soon.ID, map[string]any{"token_expires_at": now.Add(time.Minute)}))
	must(s.UpdateAgentFields(later.ID, map[string]any{"token_expires_at": now.Add(24 * time.Hour)}))

	candidates, err := s.ListAgentsExpiringBefore(now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListAgentsExpiringBefore: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != soon.ID {
		t.Fatalf("expected only %q as a candidate, got %+v", soon.ID, candidates)
	}
}

func TestInstallation_UniqueHostApp(t *testing.T) {
	s := testClusterStore(t)
	inst := cluster.Installation{ID: "i1", HostID: "host-10", AppID: "app-x", Status: cluster.InstallPending}
	if err := s.CreateInstallation(inst); err != nil {
		t.Fatalf("CreateInstallation: %v", err)
	}

	dup := cluster.Installation{ID: "i2", HostID: "host-10", AppID: "app-x", Status: cluster.InstallPending}
	if err := s.CreateInstallation(dup); err == nil {
		t.Error("duplicate (host, app) installation should be rejected")
	}
}

func TestInstallation_RoundTripAndDelete(t *testing.T) {
	s := testClusterStore(t)
	inst := cluster.Installation{ID: "i3", HostID: "host-11", AppID: "app-y", Status: cluster.InstallPending}
	if err := s.CreateInstallation(inst); err != nil {
		t.Fatalf("CreateInstallation: %v", err)
	}

	inst.Status = cluster.InstallRunning
	if err := s.UpdateInstallation(inst); err != nil {
		t.Fatalf("UpdateInstallation: %v", err)
	}

	got, err := s.GetInstallationByHostApp("host-11", "app-y")
	if err != nil || got.Status != cluster.InstallRunning {
		t.Fatalf("expected running status, got %+v err=%v", got, err)
	}

	if err := s.DeleteInstallation(inst.ID); err != nil {
		t.Fatalf("DeleteInstallation: %v", err)
	}
	if _, err := s.GetInstallation(inst.ID); err == nil {
		t.Error("installation should be gone after delete")
	}
}

func TestListInstallationsForHost(t *testing.T) {
	s := testClusterStore(t)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("CreateInstallation: %v", err)
		}
	}
	must(s.CreateInstallation(cluster.Installation{ID: "a", HostID: "host-12", AppID: "app-a"}))
	must(s.CreateInstallation(cluster.Installation{ID: "b", HostID: "host-12", AppID: "app-b"}))
	must(s.CreateInstallation(cluster.Installation{ID: "c", HostID: "host-13", AppID: "app-c"}))

	list, err := s.ListInstallationsForHost("host-12")
	if err != nil {
		t.Fatalf("ListInstallationsForHost: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 installations for host-12, got %d", len(list))
	}
}
