// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/prometheus/procfs/sysfs"
)

// AvailableDomains enumerates the domains a backend exposes on this
// machine, without opening privileged counter handles. For the MSR
// backend the register map is vendor defined and validity is only
// confirmed on first read.
func AvailableDomains(kind Kind, cfg ProbeConfig, logger *slog.Logger) ([]Domain, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cfg.withDefaults()

	switch kind {
	case KindMSR:
		vendor, err := DetectVendor(c.ProcfsPath)
		if err != nil {
			return nil, err
		}
		if vendor == VendorAMD {
			return []Domain{DomainPackage, DomainCore}, nil
		}
		return append([]Domain{}, AllDomains...), nil

	case KindPerfEvent:
		events, err := AllPowerEvents(c.SysfsPath, logger)
		if err != nil {
			return nil, err
		}
		domains := make([]Domain, 0, len(events))
		for _, evt := range events {
			domains = append(domains, evt.Domain)
		}
		return sortedDomainSet(domains), nil

	case KindPowercap:
		fs, err := sysfs.NewFS(c.SysfsPath)
		if err != nil {
			return nil, err
		}
		zones, err := sysfs.GetRaplZones(fs)
		if err != nil {
			return nil, err
		}
		var domains []Domain
		for _, zone := range zones {
			if d, ok := parseZoneName(zone.Name); ok {
				domains = append(domains, d)
			}
		}
		return sortedDomainSet(domains), nil

	case KindEBPF:
		probe := NewEBPFProbe(c, nil, logger)
		if err := probe.Init(); err != nil {
			return nil, err
		}
		defer func() {
			if err := probe.Close(); err != nil {
				logger.Warn("failed to close ebpf probe", "error", err)
			}
		}()
		var domains []Domain
		for _, counter := range probe.discovered {
			domains = append(domains, counter.Domain())
		}
		return sortedDomainSet(domains), nil

	default:
		return nil, fmt.Errorf("unknown probe kind %q", kind)
	}
}

// CheckDomainConsistency compares the domains visible through the
// perf-event and powercap interfaces. They should agree; a mismatch
// usually means a kernel bug (notoriously, RAPL support for AMD CPUs on
// kernels before 5.17 advertised events that do not exist).
func CheckDomainConsistency(perfDomains, powercapDomains []Domain, logger *slog.Logger) {
	perf := sortedDomainSet(perfDomains)
	powercap := sortedDomainSet(powercapDomains)

	if domainsEqual(perf, powercap) {
		logger.Info("available RAPL domains", "domains", domainNames(perf))
		return
	}

	logger.Warn("powercap and perf-event do not report the same RAPL domains; a newer kernel may fix this",
		"perf_event", domainNames(perf),
		"powercap", domainNames(powercap))
}

func sortedDomainSet(domains []Domain) []Domain {
	seen := map[Domain]bool{}
	set := make([]Domain, 0, len(domains))
	for _, d := range domains {
		if seen[d] {
			continue
		}
		seen[d] = true
		set = append(set, d)
	}
	sort.Slice(set, func(i, j int) bool { return set[i] < set[j] })
	return set
}

func domainsEqual(a, b []Domain) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func domainNames(domains []Domain) []string {
	names := make([]string, len(domains))
	for i, d := range domains {
		names[i] = d.String()
	}
	return names
}
