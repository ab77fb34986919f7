package allowlist

import "testing"

func TestValidate_UnknownCommandRejected(t *testing.T) {
	ok, reason := Validate(DefaultEntries, "rm -rf /", 5)
	if ok || reason != ReasonNotAllowed {
		t.Fatalf("got ok=%v reason=%q, want not-allowed", ok, reason)
	}
}

func TestValidate_TimeoutBoundary(t *testing.T) {
	ok, reason := Validate(DefaultEntries, "docker ps", 10)
	if !ok {
		t.Fatalf("timeout == max should pass, got reason %q", reason)
	}

	ok, reason = Validate(DefaultEntries, "docker ps", 11)
	if ok || reason != ReasonTimeoutTooHigh {
		t.Fatalf("timeout == max+1 should fail with timeout-too-high, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidate_NormalizesWhitespace(t *testing.T) {
	ok, reason := Validate(DefaultEntries, "docker   ps   -a", 10)
	if !ok {
		t.Fatalf("extra whitespace should still match: %q", reason)
	}
}

func TestValidate_BlocksPrivileged(t *testing.T) {
	ok, reason := Validate(DefaultEntries, "docker run --privileged -d nginx", 60)
	if ok || reason == "" {
		t.Fatalf("privileged run should be blocked, got ok=%v reason=%q", ok, reason)
	}
}

func TestValidate_BlocksDangerousCapability(t *testing.T) {
	ok, _ := Validate(DefaultEntries, "docker run --cap-add SYS_ADMIN -d nginx", 60)
	if ok {
		t.Fatal("SYS_ADMIN capability should be blocked")
	}
}

func TestValidate_BlocksHostNetwork(t *testing.T) {
	ok, _ := Validate(DefaultEntries, "docker run --network=host -d nginx", 60)
	if ok {
		t.Fatal("--network=host should be blocked")
	}
}

func TestValidate_BlocksDockerSocketMount(t *testing.T) {
	ok, _ := Validate(DefaultEntries, "docker run -v /var/run/docker.sock:/var/run/docker.sock -d nginx", 60)
	if ok {
		t.Fatal("docker socket mount should be blocked")
	}
}

func TestValidate_BlocksReadWriteEtcMount(t *testing.T) {
	ok, _ := Validate(DefaultEntries, "docker run -v /etc:/etc -d nginx", 60)
	if ok {
		t.Fatal("rw mount of /etc should be blocked")
	}
}

func TestValidate_AllowsReadOnlyEtcMount(t *testing.T) {
	ok, reason := Validate(DefaultEntries, "docker run -v /etc/hosts:/etc/hosts:ro -d nginx", 60)
	if !ok {
		t.Fatalf("read-only mount of /etc should be allowed, got %q", reason)
	}
}

func TestValidate_BlocksProcMountEvenReadOnly(t *testing.T) {
	ok, _ := Validate(DefaultEntries, "docker run -v /proc:/host/proc:ro -d nginx", 60)
	if ok {
		t.Fatal("/proc mount should never be allowed, even read-only")
	}
}

func TestValidate_BlocksDevice(t *testing.T) {
	ok, _ := Validate(DefaultEntries, "docker run --device=/dev/sda -d nginx", 60)
	if ok {
		t.Fatal("--device should be blocked")
	}
}

func TestValidate_BlocksUnconfinedSecurityOpt(t *testing.T) {
	ok, _ := Validate(DefaultEntries, "docker run --security-opt seccomp=unconfined -d nginx", 60)
	if ok {
		t.Fatal("seccomp=unconfined should be blocked")
	}
}

func TestValidate_AllowsSafeRun(t *testing.T) {
	ok, reason := Validate(DefaultEntries, "docker run -d --name web -p 8080:80 -v /srv/web:/usr/share/nginx/html:ro nginx:1.27", 60)
	if !ok {
		t.Fatalf("safe run command should be allowed, got %q", reason)
	}
}

func TestValidateContainerParams_BlocksPrivileged(t *testing.T) {
	reason, blocked := ValidateContainerParams(ContainerParams{Privileged: true})
	if !blocked || reason == "" {
		t.Fatal("privileged params should be blocked")
	}
}

func TestValidateContainerParams_BlocksHostPID(t *testing.T) {
	reason, blocked := ValidateContainerParams(ContainerParams{PidMode: "host"})
	if !blocked || reason == "" {
		t.Fatal("pid=host should be blocked")
	}
}

func TestValidateContainerParams_AllowsSafeParams(t *testing.T) {
	reason, blocked := ValidateContainerParams(ContainerParams{
		Volumes: map[string]string{"/DATA/AppData/app-x/srv": "ro"},
	})
	if blocked {
		t.Fatalf("safe params should not be blocked, got %q", reason)
	}
}
