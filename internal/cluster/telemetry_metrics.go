package cluster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backend-side gauges fed by each agent's periodic metrics.update
// notification (§4.4). These are a metrics surface, not the out-of-scope
// metrics storage/alerting system named in the spec's Non-goals.
var (
	AgentsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentinel_cluster_agents_connected",
		Help: "Number of fleet agents with a live connection right now.",
	})
	AgentCPUPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_cluster_agent_cpu_percent",
		Help: "Most recently reported host CPU utilization per agent.",
	}, []string{"host_id"})
	AgentMemPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_cluster_agent_mem_percent",
		Help: "Most recently reported host memory utilization per agent.",
	}, []string{"host_id"})
	AgentDiskFreeBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_cluster_agent_disk_free_bytes",
		Help: "Most recently reported free disk bytes per agent.",
	}, []string{"host_id"})
	AgentContainersRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_cluster_agent_containers_running",
		Help: "Most recently reported running container count per agent.",
	}, []string{"host_id"})
	CommandDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_cluster_command_dispatches_total",
		Help: "Commands routed through the Command Router by method and outcome.",
	}, []string{"method", "outcome"})
	InstallationTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_cluster_installation_transitions_total",
		Help: "Deployment orchestrator state transitions by target state.",
	}, []string{"status"})
)

// MetricsUpdate is the decoded payload of an agent's metrics.update
// notification.
type MetricsUpdate struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemPercent        float64 `json:"mem_percent"`
	DiskFreeBytes     int64   `json:"disk_free_bytes"`
	ContainersRunning int     `json:"containers_running"`
}

// RecordMetricsUpdate feeds one agent's reported sample into the
// corresponding per-host gauges.
func RecordMetricsUpdate(hostID string, m MetricsUpdate) {
	AgentCPUPercent.WithLabelValues(hostID).Set(m.CPUPercent)
	AgentMemPercent.WithLabelValues(hostID).Set(m.MemPercent)
	AgentDiskFreeBytes.WithLabelValues(hostID).Set(float64(m.DiskFreeBytes))
	AgentContainersRunning.WithLabelValues(hostID).Set(float64(m.ContainersRunning))
}
