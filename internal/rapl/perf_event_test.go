// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writePowerPMU lays out a fake RAPL PMU description in a sysfs root.
func writePowerPMU(t *testing.T, sysfs string, events map[string][3]string) {
	t.Helper()
	powerDir := filepath.Join(sysfs, "devices/power")
	eventsDir := filepath.Join(powerDir, "events")
	require.NoError(t, os.MkdirAll(eventsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(powerDir, "type"), []byte("23\n"), 0o644))

	for name, files := range events {
		base := filepath.Join(eventsDir, "energy-"+name)
		require.NoError(t, os.WriteFile(base, []byte(files[0]+"\n"), 0o644))
		require.NoError(t, os.WriteFile(base+".unit", []byte(files[1]+"\n"), 0o644))
		require.NoError(t, os.WriteFile(base+".scale", []byte(files[2]+"\n"), 0o644))
	}
}

func TestPMUType(t *testing.T) {
	sysfs := t.TempDir()
	writePowerPMU(t, sysfs, nil)

	typ, err := PMUType(sysfs)
	require.NoError(t, err)
	assert.Equal(t, uint32(23), typ)

	_, err = PMUType(t.TempDir())
	assert.Error(t, err)
}

func TestAllPowerEvents(t *testing.T) {
	sysfs := t.TempDir()
	writePowerPMU(t, sysfs, map[string][3]string{
		"pkg":   {"event=0x02", "Joules", "2.3283064365386962890625e-10"},
		"ram":   {"event=0x03", "Joules", "2.3283064365386962890625e-10"},
		"cores": {"event=0x01", "Joules", "2.3283064365386962890625e-10"},
	})

	events, err := AllPowerEvents(sysfs, slog.Default())
	require.NoError(t, err)
	require.Len(t, events, 3)

	byDomain := map[Domain]PowerEvent{}
	for _, evt := range events {
		byDomain[evt.Domain] = evt
	}
	assert.Equal(t, uint64(0x02), byDomain[DomainPackage].Code)
	assert.Equal(t, uint64(0x03), byDomain[DomainDram].Code)
	assert.Equal(t, uint64(0x01), byDomain[DomainCore].Code)
	// scale is 2^-32
	assert.InEpsilon(t, 1.0/(1<<32), byDomain[DomainPackage].Scale, 1e-12)
}

func TestAllPowerEvents_UnknownEventSkipped(t *testing.T) {
	sysfs := t.TempDir()
	writePowerPMU(t, sysfs, map[string][3]string{
		"pkg":     {"event=0x02", "Joules", "2.3283064365386962890625e-10"},
		"mystery": {"event=0x09", "Joules", "1.0"},
	})

	events, err := AllPowerEvents(sysfs, slog.Default())
	require.NoError(t, err)
	assert.Len(t, events, 1)
	assert.Equal(t, DomainPackage, events[0].Domain)
}

func TestAllPowerEvents_WrongUnit(t *testing.T) {
	sysfs := t.TempDir()
	writePowerPMU(t, sysfs, map[string][3]string{
		"pkg": {"event=0x02", "Watts", "1.0"},
	})

	_, err := AllPowerEvents(sysfs, slog.Default())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedDomain))
}

func TestAllPowerEvents_BadEventCode(t *testing.T) {
	sysfs := t.TempDir()
	writePowerPMU(t, sysfs, map[string][3]string{
		"pkg": {"config=0x02", "Joules", "1.0"},
	})

	_, err := AllPowerEvents(sysfs, slog.Default())
	assert.Error(t, err)
}

func TestPerfEventProbe_Available(t *testing.T) {
	sysfs := t.TempDir()
	writePowerPMU(t, sysfs, nil)

	probe := NewPerfEventProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainPackage}, slog.Default())
	assert.True(t, probe.Available())

	probe = NewPerfEventProbe(ProbeConfig{SysfsPath: t.TempDir()}, []Domain{DomainPackage}, slog.Default())
	assert.False(t, probe.Available())
}

func TestPerfEventProbe_UnsupportedDomain(t *testing.T) {
	sysfs := t.TempDir()
	writePowerPMU(t, sysfs, map[string][3]string{
		"pkg": {"event=0x02", "Joules", "2.3283064365386962890625e-10"},
	})
	powerDir := filepath.Join(sysfs, "devices/power")
	require.NoError(t, os.WriteFile(filepath.Join(powerDir, "cpumask"), []byte("0\n"), 0o644))

	// dram has no event on this fake PMU; discovery must fail for it
	// before any perf_event_open is attempted
	probe := NewPerfEventProbe(ProbeConfig{SysfsPath: sysfs}, []Domain{DomainDram}, slog.Default())
	err := probe.Init()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedDomain))
}
