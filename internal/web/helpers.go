package web

import (
	"context"
	"net/http"

	"github.com/Will-Luck/Docker-Sentinel/internal/auth"
)

// containerName extracts a clean container name from a summary.
func containerName(c ContainerSummary) string {
	if len(c.Names) > 0 {
		name := c.Names[0]
		if len(name) > 0 && name[0] == '/' {
			return name[1:]
		}
		return name
	}
	if len(c.ID) > 12 {
		return c.ID[:12]
	}
	return c.ID
}

// containerPolicy reads the sentinel.policy label, defaulting to "manual".
func containerPolicy(labels map[string]string) string {
	if v, ok := labels["sentinel.policy"]; ok {
		switch v {
		case "auto", "manual", "pinned":
			return v
		}
	}
	return "manual"
}

// getContainerLabels fetches labels for a named container.
func (s *Server) getContainerLabels(ctx context.Context, name string) map[string]string {
	containers, err := s.deps.Docker.ListAllContainers(ctx)
	if err != nil {
		return nil
	}
	for _, c := range containers {
		if containerName(c) == name {
			return c.Labels
		}
	}
	return nil
}

// isProtectedContainer checks if a container has the sentinel.self=true label.
func (s *Server) isProtectedContainer(ctx context.Context, name string) bool {
	labels := s.getContainerLabels(ctx, name)
	return labels["sentinel.self"] == "true"
}

// resolvedPolicy returns the effective policy: DB override → label fallback.
func (s *Server) resolvedPolicy(labels map[string]string, name string) string {
	if s.deps.Policy != nil {
		if p, ok := s.deps.Policy.GetPolicyOverride(name); ok {
			return p
		}
	}
	return containerPolicy(labels)
}

// logEvent appends a log entry if the EventLog dependency is available,
// attributing it to the authenticated user on the request (if any).
func (s *Server) logEvent(r *http.Request, eventType, container, message string) {
	if s.deps.EventLog == nil {
		return
	}
	user := ""
	if rc := auth.GetRequestContext(r.Context()); rc != nil && rc.User != nil {
		user = rc.User.Username
	}
	if err := s.deps.EventLog.AppendLog(LogEntry{
		Type:      eventType,
		Message:   message,
		Container: container,
		User:      user,
	}); err != nil {
		s.deps.Log.Warn("failed to persist event log", "type", eventType, "container", container, "error", err)
	}
}
