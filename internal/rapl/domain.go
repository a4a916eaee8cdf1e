// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import "fmt"

// Domain identifies a RAPL power plane, independent of the backend used
// to read it.
type Domain int

const (
	// DomainPackage covers the entire CPU socket.
	DomainPackage Domain = iota
	// DomainCore is power plane 0: the processor cores.
	DomainCore
	// DomainUncore is power plane 1: uncore components such as an
	// integrated GPU.
	DomainUncore
	// DomainDram is the memory attached to the socket.
	DomainDram
	// DomainPlatform is psys: the whole SoC, machine-wide. Only
	// available on recent client platforms.
	DomainPlatform
)

// AllDomains lists every known domain.
var AllDomains = []Domain{
	DomainPackage,
	DomainCore,
	DomainUncore,
	DomainDram,
	DomainPlatform,
}

func (d Domain) String() string {
	switch d {
	case DomainPackage:
		return "package"
	case DomainCore:
		return "core"
	case DomainUncore:
		return "uncore"
	case DomainDram:
		return "dram"
	case DomainPlatform:
		return "platform"
	default:
		return fmt.Sprintf("domain(%d)", int(d))
	}
}

// ParseDomain converts a user supplied domain name into a Domain.
// The aliases match both the powercap zone names and the historical
// power-plane names.
func ParseDomain(s string) (Domain, error) {
	switch s {
	case "package", "pkg":
		return DomainPackage, nil
	case "core", "pp0":
		return DomainCore, nil
	case "uncore", "pp1":
		return DomainUncore, nil
	case "dram", "ram":
		return DomainDram, nil
	case "platform", "psys":
		return DomainPlatform, nil
	default:
		return 0, fmt.Errorf("unknown RAPL domain %q", s)
	}
}

// ParseDomains converts a list of names, rejecting duplicates.
func ParseDomains(names []string) ([]Domain, error) {
	seen := map[Domain]bool{}
	domains := make([]Domain, 0, len(names))
	for _, name := range names {
		d, err := ParseDomain(name)
		if err != nil {
			return nil, err
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		domains = append(domains, d)
	}
	return domains, nil
}
