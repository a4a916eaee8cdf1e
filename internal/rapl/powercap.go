// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs/sysfs"
)

// Powercap reports energy in microjoules; the maximum before wraparound
// is taken from max_energy_range_uj per zone, not from a fixed width.
const powercapScale = 1e-6

var powercapSocketRe = regexp.MustCompile(`intel-rapl:(\d+)`)

// PowercapProbe reads energy counters from the Linux power capping
// framework in sysfs. It needs no special privilege beyond read access
// to the powercap class tree.
type PowercapProbe struct {
	fs      sysfs.FS
	domains []Domain
	logger  *slog.Logger

	counters []*powercapCounter
}

// NewPowercapProbe creates a powercap probe restricted to the given
// domains.
func NewPowercapProbe(cfg ProbeConfig, domains []Domain, logger *slog.Logger) (*PowercapProbe, error) {
	fs, err := sysfs.NewFS(cfg.SysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sysfs: %w", err)
	}
	return &PowercapProbe{
		fs:      fs,
		domains: domains,
		logger:  logger.With("probe", "powercap"),
	}, nil
}

func (p *PowercapProbe) Name() string {
	return "powercap"
}

func (p *PowercapProbe) Available() bool {
	_, err := sysfs.GetRaplZones(p.fs)
	return err == nil
}

func (p *PowercapProbe) Init() error {
	zones, err := sysfs.GetRaplZones(p.fs)
	if err != nil {
		return fmt.Errorf("powercap interface not available: %w", err)
	}

	wanted := map[Domain]bool{}
	for _, d := range p.domains {
		wanted[d] = true
	}
	found := map[Domain]bool{}
	byKey := map[counterKey]int{}

	for _, zone := range zones {
		domain, ok := parseZoneName(zone.Name)
		if !ok {
			// unrecognized zones are skipped, not fatal
			p.logger.Debug("skipping unrecognized powercap zone", "zone", zone.Name, "path", zone.Path)
			continue
		}
		if !wanted[domain] {
			continue
		}

		counter := &powercapCounter{
			zone:   zone,
			socket: zoneSocket(domain, zone),
			domain: domain,
		}
		key := counterKey{socket: counter.socket, domain: domain}
		if i, dup := byKey[key]; dup {
			// the mmio tree mirrors the standard zones; reading both
			// would double count the same plane
			if !isStandardRaplPath(p.counters[i].zone.Path) && isStandardRaplPath(zone.Path) {
				p.counters[i] = counter
			}
			p.logger.Debug("skipping duplicate powercap zone", "zone", zone.Name, "path", zone.Path)
			continue
		}
		byKey[key] = len(p.counters)
		p.counters = append(p.counters, counter)
		found[domain] = true
	}

	for _, d := range p.domains {
		if !found[d] {
			p.counters = nil
			return fmt.Errorf("%w: no powercap zone for %s", ErrUnsupportedDomain, d)
		}
	}

	p.logger.Info("powercap probe initialized", "counters", len(p.counters))
	return nil
}

func (p *PowercapProbe) Counters() ([]Counter, error) {
	if len(p.counters) == 0 {
		return nil, fmt.Errorf("powercap probe not initialized or no counters available")
	}
	counters := make([]Counter, len(p.counters))
	for i, c := range p.counters {
		counters[i] = c
	}
	return counters, nil
}

func (p *PowercapProbe) Close() error {
	p.counters = nil
	return nil
}

// parseZoneName maps a powercap zone name onto a domain. GetRaplZones
// moves a single-digit "-N" name suffix into the zone index, so package
// zones normally arrive as the bare name "package"; the prefix case
// covers multi-digit suffixes the stripping leaves alone.
func parseZoneName(name string) (Domain, bool) {
	switch {
	case name == "package" || strings.HasPrefix(name, "package-"):
		return DomainPackage, true
	case name == "core":
		return DomainCore, true
	case name == "uncore":
		return DomainUncore, true
	case name == "dram":
		return DomainDram, true
	case name == "psys":
		return DomainPlatform, true
	default:
		return 0, false
	}
}

// zoneSocket derives the socket id of a zone. Package zones carry it in
// their index (or an unstripped name suffix); subzones inherit it from
// the intel-rapl:<socket> path component. psys is machine wide and
// reports socket 0.
func zoneSocket(domain Domain, zone sysfs.RaplZone) int {
	if domain == DomainPlatform {
		return 0
	}
	if domain == DomainPackage {
		if id, ok := strings.CutPrefix(zone.Name, "package-"); ok {
			if socket, err := strconv.Atoi(id); err == nil {
				return socket
			}
		}
		return zone.Index
	}
	if m := powercapSocketRe.FindStringSubmatch(zone.Path); m != nil {
		if socket, err := strconv.Atoi(m[1]); err == nil {
			return socket
		}
	}
	return zone.Index
}

// isStandardRaplPath reports whether the zone lives in the canonical
// intel-rapl powercap tree rather than a duplicate such as
// intel-rapl-mmio.
func isStandardRaplPath(path string) bool {
	return strings.Contains(path, "/intel-rapl:")
}

// powercapCounter reads one zone's energy_uj file. The value is already
// in microjoules; max_energy_range_uj was read once at discovery and is
// cached in the zone.
type powercapCounter struct {
	zone   sysfs.RaplZone
	socket int
	domain Domain
}

func (c *powercapCounter) Socket() int {
	return c.socket
}

func (c *powercapCounter) Domain() Domain {
	return c.domain
}

func (c *powercapCounter) Path() string {
	return c.zone.Path
}

func (c *powercapCounter) Read() (Reading, error) {
	uj, err := c.zone.GetEnergyMicrojoules()
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return Reading{}, fmt.Errorf("%w: powercap zone %s", ErrPermissionDenied, c.zone.Name)
		}
		return Reading{}, fmt.Errorf("%w: powercap zone %s: %v", ErrRead, c.zone.Name, err)
	}

	return Reading{
		Raw:   uj,
		Max:   c.zone.MaxMicrojoules,
		Scale: powercapScale,
		At:    time.Now(),
	}, nil
}
