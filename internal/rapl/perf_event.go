// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PowerEvent describes one RAPL event exposed by the kernel power PMU
// under <sysfs>/devices/power/events.
type PowerEvent struct {
	// Name as reported by the sysfs, e.g. "pkg" or "ram".
	Name string
	// Domain is the power plane the event measures.
	Domain Domain
	// Code is the config value for perf_event_open.
	Code uint64
	// Unit must be "Joules"; any other unit fails discovery.
	Unit string
	// Scale converts the counter value to joules,
	// typically 0x1.0p-32 (2.3e-10).
	Scale float64
}

// parsePowerEventName maps the PMU event names onto domains. The PMU
// uses "cores" for PP0 and "gpu" for PP1.
func parsePowerEventName(name string) (Domain, bool) {
	switch name {
	case "pkg":
		return DomainPackage, true
	case "cores":
		return DomainCore, true
	case "gpu":
		return DomainUncore, true
	case "ram":
		return DomainDram, true
	case "psys":
		return DomainPlatform, true
	default:
		return 0, false
	}
}

// PMUType reads the type id of the RAPL PMU.
func PMUType(sysfsPath string) (uint32, error) {
	path := filepath.Join(sysfsPath, "devices/power/type")
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", path, err)
	}
	typ, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return uint32(typ), nil
}

// AllPowerEvents discovers the RAPL events the power PMU exposes. A
// recognized event with a unit other than "Joules" is an error; an
// unrecognized event name is skipped.
func AllPowerEvents(sysfsPath string, logger *slog.Logger) ([]PowerEvent, error) {
	eventsDir := filepath.Join(sysfsPath, "devices/power/events")
	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", eventsDir, err)
	}

	var events []PowerEvent
	for _, entry := range entries {
		name := entry.Name()
		// only the main file, not *.unit nor *.scale
		if entry.IsDir() || strings.Contains(name, ".") {
			continue
		}
		eventName, ok := strings.CutPrefix(name, "energy-")
		if !ok {
			continue
		}
		domain, ok := parsePowerEventName(eventName)
		if !ok {
			logger.Debug("skipping unrecognized RAPL perf event", "event", eventName)
			continue
		}

		main := filepath.Join(eventsDir, name)
		code, err := readEventCode(main)
		if err != nil {
			return nil, err
		}
		unit, err := readEventFile(main + ".unit")
		if err != nil {
			return nil, err
		}
		if unit != "Joules" {
			return nil, fmt.Errorf("%w: event %s has unit %q, want Joules", ErrUnsupportedDomain, eventName, unit)
		}
		scale, err := readEventScale(main + ".scale")
		if err != nil {
			return nil, err
		}

		events = append(events, PowerEvent{
			Name:   eventName,
			Domain: domain,
			Code:   code,
			Unit:   unit,
			Scale:  scale,
		})
	}
	return events, nil
}

func readEventFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func readEventCode(path string) (uint64, error) {
	content, err := readEventFile(path)
	if err != nil {
		return 0, err
	}
	hex, ok := strings.CutPrefix(content, "event=0x")
	if !ok {
		return 0, fmt.Errorf("unexpected event description in %s: %q", path, content)
	}
	code, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse event code in %s: %w", path, err)
	}
	return code, nil
}

func readEventScale(path string) (float64, error) {
	content, err := readEventFile(path)
	if err != nil {
		return 0, err
	}
	scale, err := strconv.ParseFloat(content, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse event scale in %s: %w", path, err)
	}
	return scale, nil
}

// PerfEventProbe reads energy counters through the kernel RAPL PMU with
// perf_event_open. The kernel maintains a 64-bit accumulator per event
// that already absorbs the hardware register's own 32-bit wraparound.
type PerfEventProbe struct {
	sysfsPath string
	domains   []Domain
	logger    *slog.Logger

	counters []Counter
}

// NewPerfEventProbe creates a perf-event probe restricted to the given
// domains.
func NewPerfEventProbe(cfg ProbeConfig, domains []Domain, logger *slog.Logger) *PerfEventProbe {
	return &PerfEventProbe{
		sysfsPath: cfg.SysfsPath,
		domains:   domains,
		logger:    logger.With("probe", "perf-event"),
	}
}

func (p *PerfEventProbe) Name() string {
	return "perf-event"
}

func (p *PerfEventProbe) Available() bool {
	_, err := PMUType(p.sysfsPath)
	return err == nil
}

func (p *PerfEventProbe) Init() error {
	pmuType, err := PMUType(p.sysfsPath)
	if err != nil {
		return fmt.Errorf("RAPL PMU not available: %w", err)
	}

	events, err := AllPowerEvents(p.sysfsPath, p.logger)
	if err != nil {
		return fmt.Errorf("failed to discover RAPL perf events: %w", err)
	}

	byDomain := map[Domain]PowerEvent{}
	for _, evt := range events {
		byDomain[evt.Domain] = evt
	}

	cpus, err := MonitorableCPUs(p.sysfsPath)
	if err != nil {
		return fmt.Errorf("failed to discover socket CPUs: %w", err)
	}
	if err := checkSocketCPUs(cpus); err != nil {
		return err
	}

	for _, sc := range cpus {
		for _, d := range p.domains {
			evt, ok := byDomain[d]
			if !ok {
				if closeErr := p.Close(); closeErr != nil {
					p.logger.Warn("failed to close perf events", "error", closeErr)
				}
				return fmt.Errorf("%w: no RAPL perf event for %s", ErrUnsupportedDomain, d)
			}

			fd, err := openPowerEvent(pmuType, evt.Code, sc.CPU)
			if err != nil {
				if closeErr := p.Close(); closeErr != nil {
					p.logger.Warn("failed to close perf events", "error", closeErr)
				}
				if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
					return fmt.Errorf("%w: perf_event_open for %s on cpu %d", ErrPermissionDenied, d, sc.CPU)
				}
				return fmt.Errorf("failed to open perf event %s on cpu %d: %w", evt.Name, sc.CPU, err)
			}

			p.counters = append(p.counters, &perfCounter{
				fd:     fd,
				socket: sc.Socket,
				cpu:    sc.CPU,
				domain: d,
				event:  evt.Name,
				scale:  evt.Scale,
			})
		}
	}

	p.logger.Info("perf-event probe initialized",
		"pmu_type", pmuType,
		"sockets", len(cpus),
		"counters", len(p.counters))
	return nil
}

func (p *PerfEventProbe) Counters() ([]Counter, error) {
	if len(p.counters) == 0 {
		return nil, fmt.Errorf("perf-event probe not initialized or no counters available")
	}
	counters := make([]Counter, len(p.counters))
	copy(counters, p.counters)
	return counters, nil
}

func (p *PerfEventProbe) Close() error {
	var lastErr error
	for _, c := range p.counters {
		pc, ok := c.(*perfCounter)
		if !ok || pc.fd < 0 {
			continue
		}
		if err := unix.Close(pc.fd); err != nil {
			lastErr = err
			p.logger.Warn("failed to close perf event", "event", pc.event, "error", err)
		}
		pc.fd = -1
	}
	p.counters = nil
	return lastErr
}

// openPowerEvent opens one RAPL counter for all processes on a single
// CPU, the only (pid, cpu) combination the power PMU accepts.
func openPowerEvent(pmuType uint32, config uint64, cpu int) (int, error) {
	attr := &unix.PerfEventAttr{
		Type:   pmuType,
		Size:   uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config: config,
	}
	fd, err := unix.PerfEventOpen(attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if fd < 0 {
		return -1, err
	}
	return fd, nil
}

// perfCounter reads one opened RAPL event. The value is a 64-bit tick
// count; counter_max is 2^64-1 and wraparound correction at that width
// is purely defensive.
type perfCounter struct {
	fd     int
	socket int
	cpu    int
	domain Domain
	event  string
	scale  float64
}

func (c *perfCounter) Socket() int {
	return c.socket
}

func (c *perfCounter) Domain() Domain {
	return c.domain
}

func (c *perfCounter) Path() string {
	return fmt.Sprintf("perf:energy-%s/cpu%d", c.event, c.cpu)
}

func (c *perfCounter) Read() (Reading, error) {
	// perf counters must be read at the cursor, never positioned
	var buf [8]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		return Reading{}, fmt.Errorf("%w: perf event energy-%s: %v", ErrRead, c.event, err)
	}
	if n != len(buf) {
		return Reading{}, fmt.Errorf("%w: perf event energy-%s: short read of %d bytes", ErrRead, c.event, n)
	}

	return Reading{
		Raw:   binary.NativeEndian.Uint64(buf[:]),
		Max:   math.MaxUint64,
		Scale: c.scale,
		At:    time.Now(),
	}, nil
}
