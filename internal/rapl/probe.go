// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"fmt"
	"log/slog"
)

// Counter is one (socket, domain) energy counter opened by a probe. A
// Counter is owned exclusively by the probe that created it and is
// released when the probe is closed.
type Counter interface {
	// Socket returns the physical CPU package the counter belongs to.
	// Platform (psys) counters are machine-wide and report socket 0.
	Socket() int

	// Domain returns the power plane the counter measures.
	Domain() Domain

	// Path returns the device, file or map slot the counter reads from.
	Path() string

	// Read returns the current raw counter value together with its
	// maximum and its conversion factor to joules.
	Read() (Reading, error)
}

// Probe is one mechanism for reading RAPL energy counters. The set of
// implementations is closed: msr, perf-event, powercap and ebpf.
type Probe interface {
	// Name returns a human-readable name for the probe implementation
	Name() string

	// Available checks if the probe can be used on the current system
	Available() bool

	// Init opens the underlying handles and discovers the counters
	Init() error

	// Counters returns the discovered (socket, domain) counters
	Counters() ([]Counter, error)

	// Close releases all handles held by the probe
	Close() error
}

// Kind selects a probe implementation.
type Kind string

const (
	KindMSR       Kind = "msr"
	KindPerfEvent Kind = "perf-event"
	KindPowercap  Kind = "powercap"
	KindEBPF      Kind = "ebpf"
)

// AllKinds lists every probe kind.
var AllKinds = []Kind{KindMSR, KindPerfEvent, KindPowercap, KindEBPF}

// ParseKind converts a user supplied probe name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "msr":
		return KindMSR, nil
	case "perf", "perf-event":
		return KindPerfEvent, nil
	case "powercap", "powercap-sysfs":
		return KindPowercap, nil
	case "ebpf", "bpf":
		return KindEBPF, nil
	default:
		return "", fmt.Errorf("unknown probe kind %q", s)
	}
}

// ProbeConfig carries the host specific paths a probe needs. Zero
// values select the real system locations.
type ProbeConfig struct {
	// SysfsPath is the sysfs mount point, default "/sys".
	SysfsPath string
	// ProcfsPath is the procfs mount point, default "/proc".
	ProcfsPath string
	// MSRDevicePath is the per-CPU MSR device template,
	// default "/dev/cpu/%d/msr".
	MSRDevicePath string
	// BPFPinPath is the bpffs directory the kernel aggregation maps
	// are pinned under, default "/sys/fs/bpf/wattscope".
	BPFPinPath string
}

func (c *ProbeConfig) withDefaults() ProbeConfig {
	cfg := *c
	if cfg.SysfsPath == "" {
		cfg.SysfsPath = "/sys"
	}
	if cfg.ProcfsPath == "" {
		cfg.ProcfsPath = "/proc"
	}
	if cfg.MSRDevicePath == "" {
		cfg.MSRDevicePath = "/dev/cpu/%d/msr"
	}
	if cfg.BPFPinPath == "" {
		cfg.BPFPinPath = "/sys/fs/bpf/wattscope"
	}
	return cfg
}

// NewProbe constructs the probe for kind, restricted to the given
// domains. The probe is not initialized; call Init before Counters.
func NewProbe(kind Kind, domains []Domain, cfg ProbeConfig, logger *slog.Logger) (Probe, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.withDefaults()

	switch kind {
	case KindMSR:
		return NewMSRProbe(c, domains, logger), nil
	case KindPerfEvent:
		return NewPerfEventProbe(c, domains, logger), nil
	case KindPowercap:
		return NewPowercapProbe(c, domains, logger)
	case KindEBPF:
		return NewEBPFProbe(c, domains, logger), nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", kind)
	}
}
