// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// Strategy selects how the sampling loop paces its ticks.
type Strategy string

const (
	// StrategyDeadline waits until absolute deadlines spaced one
	// interval apart. Time spent reading counters does not stretch the
	// cadence; deadlines missed during an overrun are skipped, not
	// replayed.
	StrategyDeadline Strategy = "deadline"

	// StrategySleep sleeps one full interval after each tick. The
	// effective period is the interval plus the work time, so the rate
	// drifts below the requested one. Kept for comparison runs.
	StrategySleep Strategy = "sleep"
)

// ParseStrategy converts a user supplied name into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyDeadline:
		return StrategyDeadline, nil
	case StrategySleep:
		return StrategySleep, nil
	default:
		return "", fmt.Errorf("invalid waiter strategy: %q", s)
	}
}

// Waiter blocks the sampling loop until the next tick is due.
type Waiter interface {
	// Reset arms the waiter; the first tick is due one interval after
	// now.
	Reset(now time.Time)

	// Wait blocks until the next tick or context cancellation. It
	// returns the number of deadlines that had to be skipped because
	// the previous tick overran.
	Wait(ctx context.Context) (missed int, err error)
}

// NewWaiter builds the waiter for a strategy.
func NewWaiter(strategy Strategy, clk clock.Clock, interval time.Duration) (Waiter, error) {
	switch strategy {
	case StrategyDeadline:
		return &deadlineWaiter{clock: clk, interval: interval}, nil
	case StrategySleep:
		return &sleepWaiter{clock: clk, interval: interval}, nil
	default:
		return nil, fmt.Errorf("invalid waiter strategy: %q", strategy)
	}
}

type deadlineWaiter struct {
	clock    clock.Clock
	interval time.Duration
	next     time.Time
}

func (w *deadlineWaiter) Reset(now time.Time) {
	w.next = now.Add(w.interval)
}

func (w *deadlineWaiter) Wait(ctx context.Context) (int, error) {
	now := w.clock.Now()

	missed := 0
	for !w.next.After(now) {
		w.next = w.next.Add(w.interval)
		missed++
	}

	select {
	case <-w.clock.After(w.next.Sub(now)):
		w.next = w.next.Add(w.interval)
		return missed, nil
	case <-ctx.Done():
		return missed, ctx.Err()
	}
}

type sleepWaiter struct {
	clock    clock.Clock
	interval time.Duration
}

func (w *sleepWaiter) Reset(time.Time) {}

func (w *sleepWaiter) Wait(ctx context.Context) (int, error) {
	select {
	case <-w.clock.After(w.interval):
		return 0, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
