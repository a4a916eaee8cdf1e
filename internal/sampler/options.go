// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// DefunctThreshold is the number of consecutive read failures after
// which a counter is retired from the sampling loop.
const DefunctThreshold = 5

type Opts struct {
	logger      *slog.Logger
	interval    time.Duration
	clock       clock.Clock
	strategy    Strategy
	sinks       []Sink
	maxFailures int
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		interval:    100 * time.Millisecond,
		clock:       clock.RealClock{},
		strategy:    StrategyDeadline,
		maxFailures: DefunctThreshold,
	}
}

// OptionFn is a function that sets one or more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Sampler
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithInterval sets the time between two sampling ticks
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithClock sets the clock for the Sampler
func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithStrategy sets the waiter strategy pacing the loop
func WithStrategy(s Strategy) OptionFn {
	return func(o *Opts) {
		o.strategy = s
	}
}

// WithSinks sets the sinks records are written to
func WithSinks(sinks ...Sink) OptionFn {
	return func(o *Opts) {
		o.sinks = sinks
	}
}

// WithMaxFailures overrides the defunct counter threshold
func WithMaxFailures(n int) OptionFn {
	return func(o *Opts) {
		o.maxFailures = n
	}
}
