package registry

import (
	"context"
	"regexp"
	"strings"

	"github.com/Will-Luck/Docker-Sentinel/internal/docker"
	"github.com/Will-Luck/Docker-Sentinel/internal/logging"
)

// CheckResult holds the outcome of a registry digest check.
type CheckResult struct {
	ImageRef        string
	LocalDigest     string
	RemoteDigest    string
	UpdateAvailable bool
	IsLocal         bool
	Error           error

	// Populated by CheckVersioned/CheckVersionedWithDigest: semver tags newer
	// than the resolved current version, newest first, and the versions those
	// digests were resolved to (empty if the image isn't tagged with semver).
	NewerVersions          []string
	ResolvedCurrentVersion string
	ResolvedTargetVersion  string
}

// Checker queries the Docker daemon and remote registry to determine
// whether an image has an update available.
type Checker struct {
	docker    docker.API
	log       *logging.Logger
	credStore CredentialStore
}

// NewChecker creates a registry checker.
func NewChecker(d docker.API, log *logging.Logger) *Checker {
	return &Checker{docker: d, log: log}
}

// SetCredentialStore attaches a store of registry credentials, used to
// authenticate tag-listing and manifest requests against private registries.
func (c *Checker) SetCredentialStore(cs CredentialStore) {
	c.credStore = cs
}

// CredentialStore returns the attached credential store, or nil if none was set.
func (c *Checker) CredentialStore() CredentialStore {
	return c.credStore
}

// Check compares the local digest of an image to the remote registry digest.
func (c *Checker) Check(ctx context.Context, imageRef string) CheckResult {
	result := CheckResult{ImageRef: imageRef}

	// Local/untagged images can't be checked against a registry.
	if docker.IsLocalImage(imageRef) {
		result.IsLocal = true
		return result
	}

	// Strip the tag if present to get just repo:tag for digest lookup.
	// If the ref already contains @sha256:, it's pinned by digest — skip.
	if strings.Contains(imageRef, "@sha256:") {
		result.IsLocal = true // treat pinned-by-digest as not updatable
		return result
	}

	localDigest, err := c.docker.ImageDigest(ctx, imageRef)
	if err != nil {
		c.log.Warn("failed to get local digest", "image", imageRef, "error", err)
		result.Error = err
		return result
	}
	result.LocalDigest = localDigest

	remoteDigest, err := c.docker.DistributionDigest(ctx, imageRef)
	if err != nil {
		// Auth failures or 404s mean we can't check — treat as no update.
		c.log.Debug("failed to get remote digest, treating as local", "image", imageRef, "error", err)
		result.IsLocal = true
		return result
	}
	result.RemoteDigest = remoteDigest

	result.UpdateAvailable = !digestsMatch(localDigest, remoteDigest)
	return result
}

// digestsMatch compares two digests, normalising away the repo@ prefix.
// Local digests look like "docker.io/library/nginx@sha256:abc123..."
// Remote digests look like "sha256:abc123..."
func digestsMatch(local, remote string) bool {
	return extractHash(local) == extractHash(remote)
}

// extractHash returns the sha256:... portion of a digest string.
func extractHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}

// CheckVersioned is Check plus semver tag resolution: when the remote digest
// differs from local, it also looks for newer semver-tagged releases of the
// same image so the caller can offer a version bump instead of a same-tag
// digest update. Unrestricted in scope — equivalent to CheckVersionedWithDigest
// with docker.SemverScopeMajor and no tag filters.
func (c *Checker) CheckVersioned(ctx context.Context, imageRef string) CheckResult {
	return c.CheckVersionedWithDigest(ctx, imageRef, "", docker.SemverScopeMajor, nil, nil)
}

// CheckVersionedWithDigest is CheckVersioned but takes the local digest as a
// parameter instead of inspecting the local Docker daemon for it — used for
// remote-host and Portainer-managed containers whose image may not exist on
// this machine's daemon. When knownDigest is empty, falls back to a full
// Check() against the local daemon.
func (c *Checker) CheckVersionedWithDigest(ctx context.Context, imageRef, knownDigest string,
	scope docker.SemverScope, include, exclude *regexp.Regexp) CheckResult {

	var result CheckResult
	if knownDigest == "" {
		result = c.Check(ctx, imageRef)
	} else {
		result = CheckResult{ImageRef: imageRef, LocalDigest: knownDigest}
		remoteDigest, err := c.docker.DistributionDigest(ctx, imageRef)
		if err != nil {
			c.log.Debug("failed to get remote digest, treating as local", "image", imageRef, "error", err)
			result.IsLocal = true
			return result
		}
		result.RemoteDigest = remoteDigest
		result.UpdateAvailable = !digestsMatch(knownDigest, remoteDigest)
	}

	if result.Error != nil || result.IsLocal || scope == docker.SemverScopeNone {
		return result
	}

	currentTag := ExtractTag(imageRef)
	cur, ok := ParseSemVer(currentTag)
	if !ok {
		return result
	}

	host := RegistryHost(imageRef)
	cred := FindByRegistry(c.credentials(), NormaliseRegistryHost(host))

	var token string
	if cred == nil && host == "docker.io" {
		repo := RepoPath(imageRef)
		if t, err := FetchAnonymousToken(ctx, repo); err == nil {
			token = t
		}
	}

	tagsResult, err := ListTags(ctx, imageRef, token, host, cred)
	if err != nil {
		c.log.Debug("failed to list tags for semver check", "image", imageRef, "error", err)
		return result
	}

	newer := NewerVersions(cur.Raw, tagsResult.Tags)
	newer = filterBySemverScope(cur, newer, scope)
	newer = filterByTagPattern(newer, include, exclude)
	if len(newer) == 0 {
		return result
	}

	versions := make([]string, len(newer))
	for i, sv := range newer {
		versions[i] = sv.Raw
	}
	result.NewerVersions = versions
	result.ResolvedCurrentVersion = cur.Raw
	result.ResolvedTargetVersion = versions[0]
	result.UpdateAvailable = true
	return result
}

// credentials returns the attached store's credentials, or nil if none is set.
func (c *Checker) credentials() []RegistryCredential {
	if c.credStore == nil {
		return nil
	}
	creds, err := c.credStore.GetRegistryCredentials()
	if err != nil {
		return nil
	}
	return creds
}

// filterBySemverScope drops candidate versions that bump a component the
// scope doesn't permit (e.g. a "patch" scope rejects a minor version bump).
func filterBySemverScope(current SemVer, candidates []SemVer, scope docker.SemverScope) []SemVer {
	var out []SemVer
	for _, sv := range candidates {
		switch scope {
		case docker.SemverScopePatch:
			if sv.Major != current.Major || sv.Minor != current.Minor {
				continue
			}
		case docker.SemverScopeMinor:
			if sv.Major != current.Major {
				continue
			}
		}
		out = append(out, sv)
	}
	return out
}

// filterByTagPattern applies label-configured include/exclude regexes to
// candidate tags.
func filterByTagPattern(candidates []SemVer, include, exclude *regexp.Regexp) []SemVer {
	if include == nil && exclude == nil {
		return candidates
	}
	var out []SemVer
	for _, sv := range candidates {
		if include != nil && !include.MatchString(sv.Raw) {
			continue
		}
		if exclude != nil && exclude.MatchString(sv.Raw) {
			continue
		}
		out = append(out, sv)
	}
	return out
}
