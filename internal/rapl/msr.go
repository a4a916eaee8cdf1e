// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Vendor distinguishes the two RAPL MSR layouts.
type Vendor int

const (
	VendorIntel Vendor = iota
	VendorAMD
)

func (v Vendor) String() string {
	if v == VendorAMD {
		return "amd"
	}
	return "intel"
}

// Intel RAPL MSR addresses (SDM vol. 3B).
const (
	intelMSRPowerUnit      = 0x606
	intelMSRPkgEnergy      = 0x611
	intelMSRPP0Energy      = 0x639
	intelMSRPP1Energy      = 0x641
	intelMSRDramEnergy     = 0x619
	intelMSRPlatformEnergy = 0x64D
)

// AMD RAPL MSR addresses. AMD only exposes package and core.
const (
	amdMSRPowerUnit  = 0xC0010299
	amdMSRCoreEnergy = 0xC001029A
	amdMSRPkgEnergy  = 0xC001029B
)

// Energy counters occupy the low 32 bits of the 64-bit register.
const (
	msrEnergyMask uint64 = 0xFFFFFFFF
	msrMaxEnergy  uint64 = math.MaxUint32
)

// DetectVendor reads the CPU vendor id from procfs cpuinfo.
func DetectVendor(procfsPath string) (Vendor, error) {
	f, err := os.Open(filepath.Join(procfsPath, "cpuinfo"))
	if err != nil {
		return 0, fmt.Errorf("failed to open cpuinfo: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found || strings.TrimSpace(key) != "vendor_id" {
			continue
		}
		switch strings.TrimSpace(value) {
		case "GenuineIntel":
			return VendorIntel, nil
		case "AuthenticAMD":
			return VendorAMD, nil
		default:
			return 0, fmt.Errorf("unsupported CPU vendor %q", strings.TrimSpace(value))
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan cpuinfo: %w", err)
	}
	return 0, fmt.Errorf("vendor_id not found in cpuinfo")
}

// domainMSRAddress returns the energy status register for the domain,
// or ok == false when the vendor does not expose it.
func domainMSRAddress(d Domain, v Vendor) (int64, bool) {
	if v == VendorAMD {
		switch d {
		case DomainPackage:
			return amdMSRPkgEnergy, true
		case DomainCore:
			return amdMSRCoreEnergy, true
		default:
			return 0, false
		}
	}
	switch d {
	case DomainPackage:
		return intelMSRPkgEnergy, true
	case DomainCore:
		return intelMSRPP0Energy, true
	case DomainUncore:
		return intelMSRPP1Energy, true
	case DomainDram:
		return intelMSRDramEnergy, true
	case DomainPlatform:
		return intelMSRPlatformEnergy, true
	default:
		return 0, false
	}
}

// msrDevice is the register read surface of one msr device file. The
// read offset selects a register, mirroring the msr driver's pread
// semantics.
type msrDevice interface {
	io.ReaderAt
	io.Closer
}

func openMSRDevice(path string) (msrDevice, error) {
	return os.Open(path)
}

// MSRProbe reads energy counters straight from the model specific
// registers, via the msr device file of one CPU per socket. Requires
// the msr kernel module and root (or CAP_SYS_RAWIO).
type MSRProbe struct {
	devicePath string
	sysfsPath  string
	procfsPath string
	domains    []Domain
	logger     *slog.Logger

	// openDevice is replaced in tests with a register map fake.
	openDevice func(path string) (msrDevice, error)

	vendor   Vendor
	files    map[int]msrDevice // socket -> msr device
	counters []Counter
}

// NewMSRProbe creates an MSR probe restricted to the given domains.
func NewMSRProbe(cfg ProbeConfig, domains []Domain, logger *slog.Logger) *MSRProbe {
	return &MSRProbe{
		devicePath: cfg.MSRDevicePath,
		sysfsPath:  cfg.SysfsPath,
		procfsPath: cfg.ProcfsPath,
		domains:    domains,
		logger:     logger.With("probe", "msr"),
		openDevice: openMSRDevice,
		files:      map[int]msrDevice{},
	}
}

func (m *MSRProbe) Name() string {
	return "msr"
}

// Available checks that the msr device directory exists. Openability is
// not checked here; missing privilege surfaces as a read error later.
func (m *MSRProbe) Available() bool {
	cpuDir := filepath.Dir(filepath.Dir(m.devicePath))
	if _, err := os.Stat(cpuDir); err != nil {
		m.logger.Debug("MSR not available", "dir", cpuDir, "error", err)
		return false
	}
	return true
}

func (m *MSRProbe) Init() error {
	vendor, err := DetectVendor(m.procfsPath)
	if err != nil {
		return fmt.Errorf("failed to detect CPU vendor: %w", err)
	}
	m.vendor = vendor

	// validate the domain set before any device is opened
	for _, d := range m.domains {
		if _, ok := domainMSRAddress(d, m.vendor); !ok {
			return fmt.Errorf("%w: %s has no MSR on %s CPUs", ErrUnsupportedDomain, d, m.vendor)
		}
	}

	cpus, err := MonitorableCPUs(m.sysfsPath)
	if err != nil {
		return fmt.Errorf("failed to discover socket CPUs: %w", err)
	}
	if err := checkSocketCPUs(cpus); err != nil {
		return err
	}

	for _, sc := range cpus {
		path := fmt.Sprintf(m.devicePath, sc.CPU)
		f, err := m.openDevice(path)
		if err != nil {
			closeErr := m.Close()
			if closeErr != nil {
				m.logger.Warn("failed to close MSR files", "error", closeErr)
			}
			if errors.Is(err, os.ErrPermission) {
				return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
			}
			return fmt.Errorf("failed to open MSR device %s: %w", path, err)
		}
		m.files[sc.Socket] = f

		// The energy status unit is read once per socket; every raw
		// value of that socket is scaled by 2^-ESU joules.
		scale, err := readEnergyUnit(f, m.vendor)
		if err != nil {
			closeErr := m.Close()
			if closeErr != nil {
				m.logger.Warn("failed to close MSR files", "error", closeErr)
			}
			return fmt.Errorf("failed to read energy unit for cpu %d: %w", sc.CPU, err)
		}

		for _, d := range m.domains {
			addr, _ := domainMSRAddress(d, m.vendor)
			m.counters = append(m.counters, &msrCounter{
				dev:    f,
				addr:   addr,
				socket: sc.Socket,
				cpu:    sc.CPU,
				domain: d,
				scale:  scale,
			})
		}
	}

	m.logger.Info("MSR probe initialized",
		"vendor", m.vendor.String(),
		"sockets", len(m.files),
		"counters", len(m.counters))
	return nil
}

func (m *MSRProbe) Counters() ([]Counter, error) {
	if len(m.counters) == 0 {
		return nil, fmt.Errorf("MSR probe not initialized or no counters available")
	}
	counters := make([]Counter, len(m.counters))
	copy(counters, m.counters)
	return counters, nil
}

func (m *MSRProbe) Close() error {
	var lastErr error
	for socket, f := range m.files {
		if err := f.Close(); err != nil {
			lastErr = err
			m.logger.Warn("failed to close MSR file", "socket", socket, "error", err)
		}
	}
	m.files = map[int]msrDevice{}
	m.counters = nil
	return lastErr
}

// msrCounter reads one energy status register. Register validity is
// confirmed lazily: the first failing read reports the domain as
// unavailable.
type msrCounter struct {
	dev    msrDevice
	addr   int64
	socket int
	cpu    int
	domain Domain
	scale  float64
}

func (c *msrCounter) Socket() int {
	return c.socket
}

func (c *msrCounter) Domain() Domain {
	return c.domain
}

func (c *msrCounter) Path() string {
	return fmt.Sprintf("/dev/cpu/%d/msr:0x%x", c.cpu, c.addr)
}

func (c *msrCounter) Read() (Reading, error) {
	raw, err := readMSR(c.dev, c.addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Reading{}, fmt.Errorf("%w: MSR 0x%x for %s", ErrPermissionDenied, c.addr, c.domain)
		}
		return Reading{}, fmt.Errorf("%w: MSR 0x%x for %s: %v", ErrRead, c.addr, c.domain, err)
	}

	return Reading{
		Raw:   raw & msrEnergyMask,
		Max:   msrMaxEnergy,
		Scale: c.scale,
		At:    time.Now(),
	}, nil
}

// readMSR reads the 64-bit register at addr with a positioned read.
func readMSR(r io.ReaderAt, addr int64) (uint64, error) {
	var buf [8]byte
	if _, err := r.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// readEnergyUnit extracts the energy status unit exponent, bits 12:8 of
// the power unit register, and returns the joules-per-tick multiplier
// 2^-ESU.
func readEnergyUnit(f io.ReaderAt, v Vendor) (float64, error) {
	addr := int64(intelMSRPowerUnit)
	if v == VendorAMD {
		addr = amdMSRPowerUnit
	}
	value, err := readMSR(f, addr)
	if err != nil {
		return 0, err
	}
	esu := (value >> 8) & 0x1F
	return 1.0 / float64(uint64(1)<<esu), nil
}
