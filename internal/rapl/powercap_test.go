// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs/sysfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePowercapZone creates one zone directory under the fake powercap
// class tree.
func writePowercapZone(t *testing.T, sysfs, dir, name string, energyUJ, maxUJ uint64) {
	t.Helper()
	zoneDir := filepath.Join(sysfs, "class/powercap", dir)
	require.NoError(t, os.MkdirAll(zoneDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(zoneDir, "name"), []byte(name+"\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(zoneDir, "energy_uj"), []byte(fmt.Sprintf("%d\n", energyUJ)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(zoneDir, "max_energy_range_uj"), []byte(fmt.Sprintf("%d\n", maxUJ)), 0o644))
}

func TestPowercapProbe_Discovery(t *testing.T) {
	sysfs := t.TempDir()
	writePowercapZone(t, sysfs, "intel-rapl:0", "package-0", 1_500_000, 262143328850)
	writePowercapZone(t, sysfs, "intel-rapl:0:0", "dram", 40_000, 65532610)
	writePowercapZone(t, sysfs, "intel-rapl:1", "package-1", 2_000_000, 262143328850)

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPackage}, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "powercap", probe.Name())
	assert.True(t, probe.Available())
	require.NoError(t, probe.Init())

	counters, err := probe.Counters()
	require.NoError(t, err)
	require.Len(t, counters, 2)

	sockets := map[int]bool{}
	for _, c := range counters {
		assert.Equal(t, DomainPackage, c.Domain())
		sockets[c.Socket()] = true
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, sockets)

	require.NoError(t, probe.Close())
	_, err = probe.Counters()
	assert.Error(t, err)
}

func TestPowercapProbe_Read(t *testing.T) {
	sysfs := t.TempDir()
	writePowercapZone(t, sysfs, "intel-rapl:0", "package-0", 1_500_000, 262143328850)

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPackage}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, probe.Init())

	counters, err := probe.Counters()
	require.NoError(t, err)
	require.Len(t, counters, 1)

	r, err := counters[0].Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_500_000), r.Raw)
	assert.Equal(t, uint64(262143328850), r.Max)
	assert.InDelta(t, 1.5, r.Joules(), 1e-9)
	assert.False(t, r.At.IsZero())
}

func TestPowercapProbe_SubzoneSocket(t *testing.T) {
	sysfs := t.TempDir()
	writePowercapZone(t, sysfs, "intel-rapl:1", "package-1", 0, 262143328850)
	writePowercapZone(t, sysfs, "intel-rapl:1:0", "dram", 0, 65532610)

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainDram}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, probe.Init())

	counters, err := probe.Counters()
	require.NoError(t, err)
	require.Len(t, counters, 1)
	// the dram subzone is not named after its socket; the socket comes
	// from the intel-rapl:1 path component
	assert.Equal(t, 1, counters[0].Socket())
	assert.Equal(t, DomainDram, counters[0].Domain())
}

func TestPowercapProbe_PlatformSocketZero(t *testing.T) {
	sysfs := t.TempDir()
	writePowercapZone(t, sysfs, "intel-rapl:0", "package-0", 0, 262143328850)
	// psys commonly occupies the next top-level slot; it is still
	// machine wide, not a socket 1 plane
	writePowercapZone(t, sysfs, "intel-rapl:1", "psys", 0, 262143328850)

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPlatform}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, probe.Init())

	counters, err := probe.Counters()
	require.NoError(t, err)
	require.Len(t, counters, 1)
	assert.Equal(t, DomainPlatform, counters[0].Domain())
	assert.Equal(t, 0, counters[0].Socket())
}

func TestPowercapProbe_MMIODuplicateDeduped(t *testing.T) {
	sysfs := t.TempDir()
	// the mmio tree mirrors the standard zones under a separate class
	// entry; the directory sort order puts it first
	writePowercapZone(t, sysfs, "intel-rapl-mmio:0", "package-0", 2_000_000, 262143328850)
	writePowercapZone(t, sysfs, "intel-rapl:0", "package-0", 1_000_000, 262143328850)

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPackage}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, probe.Init())

	counters, err := probe.Counters()
	require.NoError(t, err)
	require.Len(t, counters, 1, "mirrored zones must collapse to one counter")

	r, err := counters[0].Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), r.Raw, "the standard zone wins over the mmio mirror")
	assert.Contains(t, counters[0].Path(), "intel-rapl:0")
}

func TestPowercapProbe_UnrecognizedZoneSkipped(t *testing.T) {
	sysfs := t.TempDir()
	writePowercapZone(t, sysfs, "intel-rapl:0", "package-0", 0, 262143328850)
	writePowercapZone(t, sysfs, "intel-rapl:0:2", "mystery-plane", 0, 262143328850)

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPackage}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, probe.Init())

	counters, err := probe.Counters()
	require.NoError(t, err)
	assert.Len(t, counters, 1)
}

func TestPowercapProbe_UnsupportedDomain(t *testing.T) {
	sysfs := t.TempDir()
	writePowercapZone(t, sysfs, "intel-rapl:0", "package-0", 0, 262143328850)

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPackage, DomainPlatform}, slog.Default())
	require.NoError(t, err)
	err = probe.Init()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedDomain))
}

func TestPowercapProbe_Unavailable(t *testing.T) {
	sysfs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(sysfs, "class"), 0o755))

	probe, err := NewPowercapProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPackage}, slog.Default())
	require.NoError(t, err)
	assert.False(t, probe.Available())
	assert.Error(t, probe.Init())
}

func TestParseZoneName(t *testing.T) {
	tt := []struct {
		name   string
		domain Domain
		ok     bool
	}{
		// "package-N" is normally reported as name "package" plus index
		{"package", DomainPackage, true},
		{"package-15", DomainPackage, true},
		{"core", DomainCore, true},
		{"uncore", DomainUncore, true},
		{"dram", DomainDram, true},
		{"psys", DomainPlatform, true},
		{"mystery", 0, false},
	}
	for _, tc := range tt {
		d, ok := parseZoneName(tc.name)
		assert.Equal(t, tc.ok, ok, tc.name)
		if tc.ok {
			assert.Equal(t, tc.domain, d, tc.name)
		}
	}
}

func TestZoneSocket(t *testing.T) {
	zone := func(name string, index int, path string) sysfs.RaplZone {
		return sysfs.RaplZone{Name: name, Index: index, Path: path}
	}

	// package sockets come from the zone index
	assert.Equal(t, 0, zoneSocket(DomainPackage, zone("package", 0, "/sys/class/powercap/intel-rapl:0")))
	assert.Equal(t, 3, zoneSocket(DomainPackage, zone("package", 3, "/sys/class/powercap/intel-rapl:3")))
	// multi-digit suffixes survive index stripping and carry the socket
	// in the name
	assert.Equal(t, 12, zoneSocket(DomainPackage, zone("package-12", 0, "/sys/class/powercap/intel-rapl:12")))
	// subzones inherit the socket from the parent path component
	assert.Equal(t, 1, zoneSocket(DomainDram, zone("dram", 0, "/sys/class/powercap/intel-rapl:1/intel-rapl:1:0")))
	// psys is machine wide regardless of where it is mounted
	assert.Equal(t, 0, zoneSocket(DomainPlatform, zone("psys", 0, "/sys/class/powercap/intel-rapl:1")))
}
