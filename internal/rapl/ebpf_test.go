// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackKeyRoundTrip(t *testing.T) {
	for socket := 0; socket < 4; socket++ {
		for _, d := range AllDomains {
			key := packKey(socket, d)
			gotSocket, gotDomain := unpackKey(key)
			assert.Equal(t, socket, gotSocket)
			assert.Equal(t, d, gotDomain)
		}
	}
}

func TestPackKey_Distinct(t *testing.T) {
	seen := map[uint32]bool{}
	for socket := 0; socket < 8; socket++ {
		for _, d := range AllDomains {
			key := packKey(socket, d)
			assert.False(t, seen[key], "key collision at socket %d domain %s", socket, d)
			seen[key] = true
		}
	}
}

func TestEBPFMetaScale(t *testing.T) {
	// the loader publishes the scale as raw IEEE 754 bits
	m := ebpfMeta{
		ScaleBits: math.Float64bits(6.103515625e-05),
		Max:       math.MaxUint32,
	}
	assert.Equal(t, 6.103515625e-05, math.Float64frombits(m.ScaleBits))
}

func TestEBPFProbe_Unavailable(t *testing.T) {
	probe := NewEBPFProbe(ProbeConfig{BPFPinPath: t.TempDir()}, []Domain{DomainPackage}, slog.Default())
	assert.Equal(t, "ebpf", probe.Name())
	assert.False(t, probe.Available())
	assert.Error(t, probe.Init())
	_, err := probe.Counters()
	assert.Error(t, err)
}
