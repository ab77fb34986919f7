// Package allowlist implements the Agent's command allowlist and container
// parameter validator (§4.2). It is the last line of defense before
// system.exec or docker.containers.run reaches the host: a static, ordered
// list of regex entries for raw shell commands, plus structural validation
// for container create parameters.
package allowlist

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator is an optional per-entry hook that runs after an entry's regex
// matches. It returns a non-empty reason on rejection.
type Validator func(command string) (reason string, blocked bool)

// Entry is one allowlisted command pattern.
type Entry struct {
	Regex           *regexp.Regexp
	Description     string
	MaxTimeout      int // seconds
	CustomValidator Validator
}

// Rejection codes, mirrored in the JSON-RPC error-code registry (§6.1) as
// -32005 (command-blocked).
const (
	ReasonNotAllowed     = "not-allowed"
	ReasonTimeoutTooHigh = "timeout-too-high"
)

// DefaultEntries is the static ordered allowlist. Order matters: the first
// matching regex wins.
var DefaultEntries = []Entry{
	{
		Regex:       regexp.MustCompile(`^docker ps(\s+-a)?$`),
		Description: "list containers",
		MaxTimeout:  10,
	},
	{
		Regex:       regexp.MustCompile(`^docker (logs|inspect|stats)\s+[\w.\-]+$`),
		Description: "inspect/logs/stats on one container",
		MaxTimeout:  15,
	},
	{
		Regex:           regexp.MustCompile(`^docker run\b.*$`),
		Description:     "create and start a container",
		MaxTimeout:      120,
		CustomValidator: validateContainerRunCommand,
	},
	{
		Regex:       regexp.MustCompile(`^docker (start|stop|restart)\s+[\w.\-]+$`),
		Description: "container lifecycle action",
		MaxTimeout:  60,
	},
	{
		Regex:       regexp.MustCompile(`^docker pull\s+[\w./\-:@]+$`),
		Description: "pull an image",
		MaxTimeout:  600,
	},
	{
		Regex:       regexp.MustCompile(`^df -h(\s+/\S*)?$`),
		Description: "disk usage",
		MaxTimeout:  10,
	},
	{
		Regex:       regexp.MustCompile(`^free -m$`),
		Description: "memory usage",
		MaxTimeout:  10,
	},
}

// dangerousCapabilities are capability names that may never be added to a
// container, privileged or not.
var dangerousCapabilities = map[string]bool{
	"ALL":        true,
	"SYS_ADMIN":  true,
	"SYS_PTRACE": true,
	"SYS_RAWIO":  true,
	"NET_ADMIN":  true,
}

// hostNamespaceFlags are "--X=host" forms that break container isolation.
var hostNamespaceFlags = []string{"--pid=host", "--network=host", "--ipc=host", "--userns=host", "--uts=host"}

// protectedHostPrefixes are host paths that may never be bind-mounted
// read-write; read-only is allowed except under /proc and /sys.
var protectedHostPrefixes = []string{
	"/etc", "/var", "/usr", "/bin", "/sbin", "/lib", "/root", "/home", "/boot", "/proc", "/sys", "/dev",
}

// alwaysBlockedPrefixes may never be mounted at all, in any mode.
var alwaysBlockedPrefixes = []string{"/proc", "/sys"}

// Validate normalizes whitespace in command, finds the first matching
// allowlist entry, checks the requested timeout against its ceiling, and
// runs its custom validator if any.
func Validate(entries []Entry, command string, requestedTimeout int) (ok bool, reason string) {
	normalized := normalizeWhitespace(command)

	for _, e := range entries {
		if !e.Regex.MatchString(normalized) {
			continue
		}
		if requestedTimeout > e.MaxTimeout {
			return false, ReasonTimeoutTooHigh
		}
		if e.CustomValidator != nil {
			if r, blocked := e.CustomValidator(normalized); blocked {
				return false, r
			}
		}
		return true, ""
	}
	return false, ReasonNotAllowed
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// validateContainerRunCommand applies the §4.2 "docker run" structural
// rules to a raw command-line string.
func validateContainerRunCommand(command string) (reason string, blocked bool) {
	fields := strings.Fields(command)

	if containsFlag(fields, "--privileged") {
		return "privileged containers are not allowed", true
	}

	for i, f := range fields {
		if f == "--cap-add" && i+1 < len(fields) {
			if dangerousCapabilities[strings.ToUpper(fields[i+1])] {
				return fmt.Sprintf("capability %s is not allowed", fields[i+1]), true
			}
		}
		if strings.HasPrefix(f, "--cap-add=") {
			cap := strings.TrimPrefix(f, "--cap-add=")
			if dangerousCapabilities[strings.ToUpper(cap)] {
				return fmt.Sprintf("capability %s is not allowed", cap), true
			}
		}
	}

	for _, hostFlag := range hostNamespaceFlags {
		if containsFlag(fields, hostFlag) {
			return fmt.Sprintf("%s is not allowed", hostFlag), true
		}
	}

	for i, f := range fields {
		var mountSpec string
		switch {
		case f == "-v" || f == "--volume" || f == "--mount":
			if i+1 < len(fields) {
				mountSpec = fields[i+1]
			}
		case strings.HasPrefix(f, "-v="):
			mountSpec = strings.TrimPrefix(f, "-v=")
		case strings.HasPrefix(f, "--volume="):
			mountSpec = strings.TrimPrefix(f, "--volume=")
		default:
			continue
		}
		if mountSpec == "" {
			continue
		}
		if reason, blocked := validateMountSpec(mountSpec); blocked {
			return reason, true
		}
	}

	for i, f := range fields {
		if strings.Contains(f, "/var/run/docker.sock") {
			return "mounting the docker socket is not allowed", true
		}
		if strings.HasPrefix(f, "--device") {
			return "--device is not allowed", true
		}
		if strings.HasPrefix(f, "--security-opt") {
			lower := strings.ToLower(f)
			if f == "--security-opt" && i+1 < len(fields) {
				lower = strings.ToLower(fields[i+1])
			}
			if strings.Contains(lower, "=unconfined") || strings.Contains(lower, "=disabled") {
				return "disabling security options is not allowed", true
			}
		}
	}

	return "", false
}

// validateMountSpec checks a "-v host:container[:mode]" spec against the
// protected-path rules.
func validateMountSpec(spec string) (reason string, blocked bool) {
	if strings.Contains(spec, "docker.sock") {
		return "mounting the docker socket is not allowed", true
	}

	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return "", false // named volume, not a host path
	}
	hostPath := parts[0]
	if !strings.HasPrefix(hostPath, "/") {
		return "", false // named volume
	}

	mode := "rw"
	if len(parts) >= 3 {
		mode = parts[2]
	}
	readOnly := strings.Contains(mode, "ro")

	for _, blocked := range alwaysBlockedPrefixes {
		if hasPathPrefix(hostPath, blocked) {
			return fmt.Sprintf("mounting %s is not allowed", blocked), true
		}
	}

	if readOnly {
		return "", false
	}

	for _, prefix := range protectedHostPrefixes {
		if hasPathPrefix(hostPath, prefix) {
			return fmt.Sprintf("read-write mount under %s is not allowed", prefix), true
		}
	}

	return "", false
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func containsFlag(fields []string, flag string) bool {
	for _, f := range fields {
		if f == flag {
			return true
		}
	}
	return false
}

// ContainerParams is the structural equivalent of a "docker run" command
// line, for callers (e.g. the Orchestrator) that build parameters
// programmatically instead of shelling out (§4.2's validate_container_params).
type ContainerParams struct {
	Privileged   bool
	CapAdd       []string
	PidMode      string
	NetworkMode  string
	IpcMode      string
	UsernsMode   string
	UTSMode      string
	Volumes      map[string]string // host path -> mode ("ro"/"rw")
	Devices      []string
	SecurityOpts []string
}

// ValidateContainerParams applies the same rules as validateContainerRunCommand
// structurally, for parameter objects built by the Orchestrator rather than
// shell command strings.
func ValidateContainerParams(p ContainerParams) (reason string, blocked bool) {
	if p.Privileged {
		return "privileged containers are not allowed", true
	}
	for _, c := range p.CapAdd {
		if dangerousCapabilities[strings.ToUpper(c)] {
			return fmt.Sprintf("capability %s is not allowed", c), true
		}
	}
	for _, mode := range []string{p.PidMode, p.NetworkMode, p.IpcMode, p.UsernsMode, p.UTSMode} {
		if mode == "host" {
			return "host namespace sharing is not allowed", true
		}
	}
	for hostPath, mode := range p.Volumes {
		if reason, blocked := validateMountSpec(hostPath + ":" + "/x:" + mode); blocked {
			return reason, true
		}
	}
	if len(p.Devices) > 0 {
		return "--device is not allowed", true
	}
	for _, opt := range p.SecurityOpts {
		lower := strings.ToLower(opt)
		if strings.Contains(lower, "unconfined") || strings.Contains(lower, "disabled") {
			return "disabling security options is not allowed", true
		}
	}
	return "", false
}
