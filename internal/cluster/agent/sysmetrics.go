package agent

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Usage is a used/total/percent triple, the shape §6.2's metrics.update
// notification reports for memory and disk.
type Usage struct {
	Used    uint64  `json:"used"`
	Total   uint64  `json:"total"`
	Percent float64 `json:"percent"`
}

// HostMetrics is the full payload of an unsolicited metrics.update
// notification (§6.2): host-level, not per-container, resource usage.
type HostMetrics struct {
	CPU        float64 `json:"cpu"`
	Memory     Usage   `json:"memory"`
	Disk       Usage   `json:"disk"`
	Containers struct {
		Running int `json:"running"`
		Stopped int `json:"stopped"`
	} `json:"containers"`
}

// memoryUsage reads /proc/meminfo. No moby/docker API reports host memory —
// this is the host the daemon runs on, not a container resource, so it is
// read directly rather than invented as a Docker Engine API call.
func memoryUsage() (Usage, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return Usage{}, fmt.Errorf("open /proc/meminfo: %w", err)
	}
	defer f.Close()

	var totalKB, availableKB uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB = val
		case "MemAvailable:":
			availableKB = val
		}
	}
	if totalKB == 0 {
		return Usage{}, fmt.Errorf("could not determine MemTotal from /proc/meminfo")
	}
	used := totalKB - availableKB
	return Usage{
		Used:    used * 1024,
		Total:   totalKB * 1024,
		Percent: float64(used) / float64(totalKB) * 100,
	}, nil
}

// diskUsage statfs's path (default "/") for free/total space.
func diskUsage(path string) (Usage, error) {
	if path == "" {
		path = "/"
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used := total - free
	var pct float64
	if total > 0 {
		pct = float64(used) / float64(total) * 100
	}
	return Usage{Used: used, Total: total, Percent: pct}, nil
}

// cpuTotals is one sample of /proc/stat's aggregate "cpu" line.
type cpuTotals struct {
	idle, total uint64
}

func readCPUTotals() (cpuTotals, error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuTotals{}, fmt.Errorf("open /proc/stat: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return cpuTotals{}, fmt.Errorf("empty /proc/stat")
	}
	fields := strings.Fields(sc.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTotals{}, fmt.Errorf("unexpected /proc/stat format")
	}

	var total uint64
	var idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle is the 4th value
			idle = v
		}
	}
	return cpuTotals{idle: idle, total: total}, nil
}

// cpuPercent samples /proc/stat twice across interval and returns the
// fraction of non-idle time observed between the samples.
func cpuPercent(interval time.Duration) (float64, error) {
	first, err := readCPUTotals()
	if err != nil {
		return 0, err
	}
	time.Sleep(interval)
	second, err := readCPUTotals()
	if err != nil {
		return 0, err
	}

	totalDelta := second.total - first.total
	idleDelta := second.idle - first.idle
	if totalDelta == 0 {
		return 0, nil
	}
	return float64(totalDelta-idleDelta) / float64(totalDelta) * 100, nil
}
