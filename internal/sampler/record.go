// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"time"

	"github.com/wattscope/wattscope/internal/rapl"
)

// Record is one corrected energy delta from a single counter, or a read
// failure when Err is set. A record never carries both a delta and an
// error.
type Record struct {
	// Timestamp is the tick time the sample belongs to.
	Timestamp time.Time
	Socket    int
	Domain    rapl.Domain
	// Joules consumed since the previous tick, wraparound corrected.
	Joules float64
	// Overflow marks a delta that spanned a counter wraparound.
	Overflow bool
	// Err is the read failure, if any. Joules and Overflow are zero
	// when Err is set.
	Err error
}

// Sink consumes sampling records. Write is called from the sampling
// loop and must not block for long; a failing sink is logged and
// skipped, it never stops sampling.
type Sink interface {
	Name() string
	Write(Record) error
}
