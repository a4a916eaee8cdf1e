// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import "time"

// Delta is the energy consumed between two successive readings of the
// same counter.
type Delta struct {
	Joules   float64
	Overflow bool
}

type counterKey struct {
	socket int
	domain Domain
}

type lastSample struct {
	raw uint64
	at  time.Time
}

// Corrector turns successive raw counter readings into non-negative
// energy deltas, compensating for counter wraparound. One Corrector
// holds the state for every (socket, domain) pair of a single backend;
// counters of different backends are physically distinct and must not
// share a Corrector.
//
// The correction assumes at most one wraparound between readings. If a
// counter wraps more than once between polls the delta silently
// underestimates the true consumption; that ambiguity is a measurement
// limit which cannot be detected from the counter alone. The polling
// period must be chosen short enough for the domain's maximum power
// draw.
//
// Corrector is pure state-transition logic with no I/O and is not safe
// for concurrent use; each sampling session owns its own instance.
type Corrector struct {
	last map[counterKey]lastSample
}

// NewCorrector returns an empty Corrector.
func NewCorrector() *Corrector {
	return &Corrector{last: make(map[counterKey]lastSample)}
}

// Correct records the reading and returns the energy delta since the
// previous reading of the same (socket, domain). The first reading for
// a pair only establishes the baseline: it returns ok == false and no
// delta, because a cumulative counter is meaningless without two
// points.
func (c *Corrector) Correct(socket int, domain Domain, r Reading) (Delta, bool) {
	key := counterKey{socket: socket, domain: domain}
	prev, seen := c.last[key]
	c.last[key] = lastSample{raw: r.Raw, at: r.At}
	if !seen {
		return Delta{}, false
	}

	var deltaRaw uint64
	var overflow bool
	if r.Raw < prev.raw {
		// The counter wrapped. The counter counts Max+1 distinct
		// values, hence the +1.
		deltaRaw = (r.Max - prev.raw) + r.Raw + 1
		overflow = true
	} else {
		deltaRaw = r.Raw - prev.raw
	}

	return Delta{
		Joules:   float64(deltaRaw) * r.Scale,
		Overflow: overflow,
	}, true
}

// Reset forgets all baselines. The next reading of every pair
// establishes a new baseline.
func (c *Corrector) Reset() {
	c.last = make(map[counterKey]lastSample)
}
