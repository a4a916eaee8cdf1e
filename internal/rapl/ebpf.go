// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/cilium/ebpf"
)

// The kernel aggregation program is loaded, attached and pinned by an
// external loader; this probe only consumes its pinned maps. Both maps
// are keyed by packKey(socket, domain).
const (
	ebpfCountersMap = "counters"
	ebpfMetaMap     = "meta"
)

// ebpfMeta is the per-counter metadata the loader publishes at pin
// time: the conversion factor to joules (an IEEE 754 bit pattern, maps
// cannot hold floats) and the counter maximum.
type ebpfMeta struct {
	ScaleBits uint64
	Max       uint64
}

// packKey builds the map key for a (socket, domain) pair.
func packKey(socket int, domain Domain) uint32 {
	return uint32(socket)<<8 | uint32(domain)
}

// unpackKey splits a map key back into its (socket, domain) pair.
func unpackKey(key uint32) (int, Domain) {
	return int(key >> 8), Domain(key & 0xFF)
}

// EBPFProbe reads energy counters preaggregated in the kernel by an
// eBPF program, through its pinned maps. The aggregation program itself
// is out of this probe's hands: it must exist and be attached before
// Init is called.
type EBPFProbe struct {
	pinPath string
	domains []Domain
	logger  *slog.Logger

	counters   *ebpf.Map
	meta       *ebpf.Map
	discovered []Counter
}

// NewEBPFProbe creates an ebpf probe restricted to the given domains.
func NewEBPFProbe(cfg ProbeConfig, domains []Domain, logger *slog.Logger) *EBPFProbe {
	return &EBPFProbe{
		pinPath: cfg.BPFPinPath,
		domains: domains,
		logger:  logger.With("probe", "ebpf"),
	}
}

func (p *EBPFProbe) Name() string {
	return "ebpf"
}

func (p *EBPFProbe) Available() bool {
	_, err := os.Stat(filepath.Join(p.pinPath, ebpfCountersMap))
	return err == nil
}

func (p *EBPFProbe) Init() error {
	counters, err := ebpf.LoadPinnedMap(filepath.Join(p.pinPath, ebpfCountersMap), nil)
	if err != nil {
		return fmt.Errorf("failed to load pinned counters map: %w", err)
	}
	meta, err := ebpf.LoadPinnedMap(filepath.Join(p.pinPath, ebpfMetaMap), nil)
	if err != nil {
		if closeErr := counters.Close(); closeErr != nil {
			p.logger.Warn("failed to close counters map", "error", closeErr)
		}
		return fmt.Errorf("failed to load pinned meta map: %w", err)
	}
	p.counters = counters
	p.meta = meta

	// The meta map is the authoritative list of what the loader
	// configured the kernel program to track.
	tracked := map[Domain][]Counter{}
	var key uint32
	var m ebpfMeta
	iter := meta.Iterate()
	for iter.Next(&key, &m) {
		socket, domain := unpackKey(key)
		tracked[domain] = append(tracked[domain], &ebpfCounter{
			counters: counters,
			key:      key,
			pinPath:  p.pinPath,
			socket:   socket,
			domain:   domain,
			scale:    math.Float64frombits(m.ScaleBits),
			max:      m.Max,
		})
	}
	if err := iter.Err(); err != nil {
		closeErr := p.Close()
		if closeErr != nil {
			p.logger.Warn("failed to close maps", "error", closeErr)
		}
		return fmt.Errorf("failed to iterate meta map: %w", err)
	}

	wanted := p.domains
	if len(wanted) == 0 {
		// no filter: expose everything the kernel program tracks
		for d := range tracked {
			wanted = append(wanted, d)
		}
		wanted = sortedDomainSet(wanted)
	}

	for _, d := range wanted {
		cs, ok := tracked[d]
		if !ok {
			closeErr := p.Close()
			if closeErr != nil {
				p.logger.Warn("failed to close maps", "error", closeErr)
			}
			return fmt.Errorf("%w: kernel program does not track %s", ErrUnsupportedDomain, d)
		}
		p.discovered = append(p.discovered, cs...)
	}

	p.logger.Info("ebpf probe initialized", "pin_path", p.pinPath, "counters", len(p.discovered))
	return nil
}

func (p *EBPFProbe) Counters() ([]Counter, error) {
	if len(p.discovered) == 0 {
		return nil, fmt.Errorf("ebpf probe not initialized or no counters available")
	}
	counters := make([]Counter, len(p.discovered))
	copy(counters, p.discovered)
	return counters, nil
}

func (p *EBPFProbe) Close() error {
	var lastErr error
	if p.counters != nil {
		if err := p.counters.Close(); err != nil {
			lastErr = err
		}
		p.counters = nil
	}
	if p.meta != nil {
		if err := p.meta.Close(); err != nil {
			lastErr = err
		}
		p.meta = nil
	}
	p.discovered = nil
	return lastErr
}

// ebpfCounter reads one preaggregated 64-bit counter from a map slot.
type ebpfCounter struct {
	counters *ebpf.Map
	key      uint32
	pinPath  string
	socket   int
	domain   Domain
	scale    float64
	max      uint64
}

func (c *ebpfCounter) Socket() int {
	return c.socket
}

func (c *ebpfCounter) Domain() Domain {
	return c.domain
}

func (c *ebpfCounter) Path() string {
	return fmt.Sprintf("%s/%s[0x%x]", c.pinPath, ebpfCountersMap, c.key)
}

func (c *ebpfCounter) Read() (Reading, error) {
	var value uint64
	if err := c.counters.Lookup(&c.key, &value); err != nil {
		return Reading{}, fmt.Errorf("%w: map slot 0x%x for %s: %v", ErrRead, c.key, c.domain, err)
	}

	return Reading{
		Raw:   value,
		Max:   c.max,
		Scale: c.scale,
		At:    time.Now(),
	}, nil
}
