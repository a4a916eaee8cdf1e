// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SocketCPU names one CPU (core) chosen to represent a socket. The MSR,
// perf-event and ebpf probes read per-socket counters through a single
// CPU of each socket.
type SocketCPU struct {
	CPU    int
	Socket int
}

// MonitorableCPUs returns one CPU per socket, taken from the cpumask
// the RAPL PMU driver publishes in sysfs.
func MonitorableCPUs(sysfsPath string) ([]SocketCPU, error) {
	mask, err := os.ReadFile(filepath.Join(sysfsPath, "devices/power/cpumask"))
	if err != nil {
		return nil, fmt.Errorf("failed to read RAPL cpumask: %w", err)
	}

	cpus, err := parseCPUList(string(mask))
	if err != nil {
		return nil, fmt.Errorf("failed to parse RAPL cpumask: %w", err)
	}

	// the cpumask is assumed to contain exactly one cpu per socket
	sockets := make([]SocketCPU, len(cpus))
	for i, cpu := range cpus {
		sockets[i] = SocketCPU{CPU: cpu, Socket: i}
	}
	return sockets, nil
}

// OnlineCPUs returns all CPUs currently online.
func OnlineCPUs(sysfsPath string) ([]int, error) {
	list, err := os.ReadFile(filepath.Join(sysfsPath, "devices/system/cpu/online"))
	if err != nil {
		return nil, fmt.Errorf("failed to read online cpu list: %w", err)
	}
	return parseCPUList(string(list))
}

// parseCPUList parses a kernel cpulist such as "0", "0,64", "0-3" or
// "1-3,5-6" into the individual CPU ids.
func parseCPUList(list string) ([]int, error) {
	var cpus []int
	for _, item := range strings.Split(strings.TrimSpace(list), ",") {
		start, end, found := strings.Cut(item, "-")
		first, err := strconv.Atoi(start)
		if err != nil {
			return nil, fmt.Errorf("invalid cpulist item %q: %w", item, err)
		}
		last := first
		if found {
			last, err = strconv.Atoi(end)
			if err != nil {
				return nil, fmt.Errorf("invalid cpulist item %q: %w", item, err)
			}
		}
		if last < first {
			return nil, fmt.Errorf("invalid cpulist range %q", item)
		}
		for cpu := first; cpu <= last; cpu++ {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}

// checkSocketCPUs verifies that the slice contains at most one CPU per
// socket.
func checkSocketCPUs(cpus []SocketCPU) error {
	seen := map[int]bool{}
	for _, c := range cpus {
		if seen[c.Socket] {
			return fmt.Errorf("at most one CPU may be given per socket, got multiple for socket %d", c.Socket)
		}
		seen[c.Socket] = true
	}
	return nil
}
