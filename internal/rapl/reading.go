// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package rapl

import "time"

// Reading is one raw sample of a cumulative energy counter. It is
// produced fresh on every poll and never mutated.
//
// Raw is in backend specific units: register ticks for MSR, perf ticks
// for perf-event and ebpf, microjoules for powercap. Scale converts Raw
// to joules. Max is the largest value the counter can hold before it
// wraps around to zero.
type Reading struct {
	Raw   uint64
	Max   uint64
	Scale float64
	At    time.Time
}

// Joules converts the raw counter value to joules.
func (r Reading) Joules() float64 {
	return float64(r.Raw) * r.Scale
}
