package docker

import (
	"regexp"
	"strings"
	"time"
)

// Policy represents a container's update policy.
type Policy string

const (
	PolicyAuto   Policy = "auto"
	PolicyManual Policy = "manual"
	PolicyPinned Policy = "pinned"
)

// ContainerPolicy reads the sentinel.policy label from container labels
// and returns the update policy and whether it came from the label. Falls
// back to defaultPolicy (reported as not from the label) if the label is
// unset or unrecognised.
func ContainerPolicy(labels map[string]string, defaultPolicy string) (Policy, bool) {
	if v, ok := labels["sentinel.policy"]; ok {
		switch Policy(strings.ToLower(v)) {
		case PolicyAuto:
			return PolicyAuto, true
		case PolicyManual:
			return PolicyManual, true
		case PolicyPinned:
			return PolicyPinned, true
		}
	}
	return Policy(defaultPolicy), false
}

// IsLocalImage returns true if the image reference looks like a locally built
// image that has no registry to check against. Only returns true for images
// with no dots AND no slashes — these are bare names like "myapp:v1" that
// can't be resolved via a registry. Docker Hub images like "nginx:latest"
// or "library/nginx" are NOT considered local — they should go through
// the registry check (DistributionInspect handles auth failures gracefully).
func IsLocalImage(imageRef string) bool {
	// Strip tag/digest for analysis.
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if i := strings.Index(ref, ":"); i >= 0 {
		ref = ref[:i]
	}

	// If there's a slash, it could be a Docker Hub org image (gitea/gitea)
	// or a registry (ghcr.io/owner/image). Either way, not local.
	if strings.Contains(ref, "/") {
		return false
	}

	// If there's a dot, it's a registry hostname. Not local.
	if strings.Contains(ref, ".") {
		return false
	}

	// Bare single-segment names: official Docker Hub images like "nginx",
	// "postgres", "redis" are real registry images. But locally built images
	// like "myapp" also look like this. We can't distinguish them reliably,
	// so we DON'T mark them as local — let the registry check try and fail
	// gracefully for truly local images.
	return false
}

// SemverScope bounds how large a version bump ContainerPolicy's auto-update
// is allowed to apply when newer semver tags are available.
type SemverScope string

const (
	SemverScopeNone  SemverScope = "none"  // digest-only: no semver tag bumps
	SemverScopePatch SemverScope = "patch" // x.y.Z bumps only
	SemverScopeMinor SemverScope = "minor" // x.Y.z bumps
	SemverScopeMajor SemverScope = "major" // any bump, including X.y.z
)

// ContainerSemverScope reads the sentinel.semver_scope label, defaulting to
// SemverScopeMajor (any newer version qualifies) when unset or unrecognised.
func ContainerSemverScope(labels map[string]string) SemverScope {
	switch SemverScope(strings.ToLower(labels["sentinel.semver_scope"])) {
	case SemverScopeNone, SemverScopePatch, SemverScopeMinor:
		return SemverScope(strings.ToLower(labels["sentinel.semver_scope"]))
	default:
		return SemverScopeMajor
	}
}

// ContainerTagFilters reads the sentinel.tag_include and sentinel.tag_exclude
// labels as regular expressions restricting which tags are considered
// candidate updates. Either may be nil if the label is unset or invalid.
func ContainerTagFilters(labels map[string]string) (include, exclude *regexp.Regexp) {
	if v := labels["sentinel.tag_include"]; v != "" {
		if re, err := regexp.Compile(v); err == nil {
			include = re
		}
	}
	if v := labels["sentinel.tag_exclude"]; v != "" {
		if re, err := regexp.Compile(v); err == nil {
			exclude = re
		}
	}
	return include, exclude
}

// ContainerUpdateDelay reads the sentinel.update_delay label (a Go duration
// string, e.g. "24h") and returns the parsed delay, or 0 if unset or invalid
// — callers fall back to a global default delay in that case.
func ContainerUpdateDelay(labels map[string]string) time.Duration {
	v := labels["sentinel.update_delay"]
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}
