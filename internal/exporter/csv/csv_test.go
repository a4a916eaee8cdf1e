// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package csv

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/wattscope/wattscope/internal/rapl"
	"github.com/wattscope/wattscope/internal/sampler"
)

func TestExporter_WritesRows(t *testing.T) {
	var buf bytes.Buffer
	e := NewExporter(WithWriter(&buf))
	require.NoError(t, e.Init())

	at := time.UnixMilli(1700000000123)
	require.NoError(t, e.Write(sampler.Record{
		Timestamp: at,
		Socket:    0,
		Domain:    rapl.DomainPackage,
		Joules:    1.5,
	}))
	require.NoError(t, e.Write(sampler.Record{
		Timestamp: at.Add(10 * time.Millisecond),
		Socket:    1,
		Domain:    rapl.DomainDram,
		Joules:    0.25,
		Overflow:  true,
	}))
	require.NoError(t, e.Shutdown())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "timestamp_ms;socket;domain;overflow;joules", lines[0])
	assert.Equal(t, "1700000000123;0;package;false;1.500000000", lines[1])
	assert.Equal(t, "1700000000133;1;dram;true;0.250000000", lines[2])
}

func TestExporter_ErrorRecordsAreNotRows(t *testing.T) {
	var buf bytes.Buffer
	e := NewExporter(WithWriter(&buf))
	require.NoError(t, e.Init())

	require.NoError(t, e.Write(sampler.Record{
		Timestamp: time.UnixMilli(1700000000123),
		Socket:    0,
		Domain:    rapl.DomainPackage,
		Err:       errors.New("read failed"),
	}))
	require.NoError(t, e.Shutdown())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 1, "only the header should have been written")
}

func TestExporter_WriteBeforeInit(t *testing.T) {
	e := NewExporter()
	assert.Error(t, e.Write(sampler.Record{Domain: rapl.DomainPackage}))
}

func TestExporter_FlushLoop(t *testing.T) {
	var buf bytes.Buffer
	fakeClock := testingclock.NewFakeClock(time.Now())
	e := NewExporter(WithWriter(&buf), WithClock(fakeClock), WithFlushInterval(time.Second))
	require.NoError(t, e.Init())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Run(ctx)
	}()

	require.NoError(t, e.Write(sampler.Record{
		Timestamp: time.UnixMilli(1),
		Domain:    rapl.DomainPackage,
		Joules:    2.0,
	}))

	require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
	fakeClock.Step(time.Second)
	require.Eventually(t, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		return strings.Contains(buf.String(), "2.000000000")
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("flush loop did not stop")
	}
}

func TestOpenDestination_Directory(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 8, 31, 12, 30, 45, 0, time.UTC)

	_, f, err := openDestination(dir, now)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, filepath.Join(dir, "energy-20260831-123045.csv"), f.Name())
}

func TestOpenDestination_ExistingFileNotClobbered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	require.NoError(t, os.WriteFile(path, []byte("precious"), 0o644))

	_, _, err := openDestination(path, time.Now())
	assert.Error(t, err)
}

func TestExporter_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	e := NewExporter(WithPath(path))
	require.NoError(t, e.Init())

	require.NoError(t, e.Write(sampler.Record{
		Timestamp: time.UnixMilli(42),
		Socket:    0,
		Domain:    rapl.DomainCore,
		Joules:    0.125,
	}))
	require.NoError(t, e.Shutdown())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "42;0;core;false;0.125000000")
}
