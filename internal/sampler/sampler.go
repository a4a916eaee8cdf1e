// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/wattscope/wattscope/internal/rapl"
	"github.com/wattscope/wattscope/internal/service"
)

// State is the lifecycle phase of the sampling loop.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Sampler drives a probe at a fixed rate, corrects each raw reading
// into an energy delta and fans the records out to the sinks. It owns
// the probe's lifecycle.
type Sampler struct {
	logger *slog.Logger
	probe  rapl.Probe

	interval    time.Duration
	clock       clock.Clock
	strategy    Strategy
	sinks       []Sink
	maxFailures int

	corrector *rapl.Corrector
	state     atomic.Int32
}

var _ service.Runner = (*Sampler)(nil)
var _ service.Initializer = (*Sampler)(nil)
var _ service.Shutdowner = (*Sampler)(nil)

// trackedCounter pairs a counter with its consecutive failure count.
type trackedCounter struct {
	counter  rapl.Counter
	failures int
}

// NewSampler creates a sampler around an initialized or uninitialized
// probe.
func NewSampler(probe rapl.Probe, applyOpts ...OptionFn) *Sampler {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Sampler{
		logger:      opts.logger.With("service", "sampler"),
		probe:       probe,
		interval:    opts.interval,
		clock:       opts.clock,
		strategy:    opts.strategy,
		sinks:       opts.sinks,
		maxFailures: opts.maxFailures,
		corrector:   rapl.NewCorrector(),
	}
}

func (s *Sampler) Name() string {
	return "sampler"
}

// State returns the current lifecycle phase.
func (s *Sampler) State() State {
	return State(s.state.Load())
}

func (s *Sampler) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Sampler) Init() error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid sampling interval: %s", s.interval)
	}
	if err := s.probe.Init(); err != nil {
		return fmt.Errorf("probe %s initialization failed: %w", s.probe.Name(), err)
	}
	s.logger.Info("sampler initialized",
		"probe", s.probe.Name(),
		"interval", s.interval,
		"strategy", string(s.strategy))
	return nil
}

// Run samples until the context is canceled or every counter has been
// retired. Cancellation is honored at tick boundaries; a tick that has
// started completes its reads.
func (s *Sampler) Run(ctx context.Context) error {
	counters, err := s.probe.Counters()
	if err != nil {
		return fmt.Errorf("no counters to sample: %w", err)
	}

	waiter, err := NewWaiter(s.strategy, s.clock, s.interval)
	if err != nil {
		return err
	}

	active := make([]*trackedCounter, len(counters))
	for i, c := range counters {
		active[i] = &trackedCounter{counter: c}
	}

	s.setState(StateRunning)
	defer s.setState(StateStopped)
	s.logger.Info("sampling started", "counters", len(active))

	// The first pass only establishes baselines; deltas flow from the
	// second reading on.
	s.corrector.Reset()
	active = s.sampleAll(active, s.clock.Now())

	waiter.Reset(s.clock.Now())
	for {
		missed, err := waiter.Wait(ctx)
		if err != nil {
			s.setState(StateStopping)
			s.logger.Info("sampling stopped", "reason", context.Cause(ctx))
			return nil
		}
		if missed > 0 {
			s.logger.Warn("sampling overrun, skipping missed deadlines", "missed", missed)
		}

		active = s.sampleAll(active, s.clock.Now())
		if len(active) == 0 {
			return errors.New("all counters defunct, nothing left to sample")
		}
	}
}

func (s *Sampler) Shutdown() error {
	s.logger.Info("shutting down sampler")
	return s.probe.Close()
}

// sampleAll reads every active counter once and returns the counters
// still alive. A counter failing maxFailures reads in a row is retired;
// one successful read resets its failure count.
func (s *Sampler) sampleAll(active []*trackedCounter, at time.Time) []*trackedCounter {
	alive := active[:0]
	for _, tc := range active {
		reading, err := tc.counter.Read()
		if err != nil {
			tc.failures++
			s.logger.Debug("counter read failed",
				"path", tc.counter.Path(),
				"failures", tc.failures,
				"error", err)
			s.emit(Record{
				Timestamp: at,
				Socket:    tc.counter.Socket(),
				Domain:    tc.counter.Domain(),
				Err:       err,
			})
			if tc.failures >= s.maxFailures {
				s.logger.Warn("counter is defunct, retiring it",
					"path", tc.counter.Path(),
					"socket", tc.counter.Socket(),
					"domain", tc.counter.Domain(),
					"failures", tc.failures)
				continue
			}
			alive = append(alive, tc)
			continue
		}

		tc.failures = 0
		alive = append(alive, tc)

		delta, ok := s.corrector.Correct(tc.counter.Socket(), tc.counter.Domain(), reading)
		if !ok {
			// baseline reading, nothing to report yet
			continue
		}
		s.emit(Record{
			Timestamp: at,
			Socket:    tc.counter.Socket(),
			Domain:    tc.counter.Domain(),
			Joules:    delta.Joules,
			Overflow:  delta.Overflow,
		})
	}
	return alive
}

func (s *Sampler) emit(rec Record) {
	for _, sink := range s.sinks {
		if err := sink.Write(rec); err != nil {
			s.logger.Error("sink write failed", "sink", sink.Name(), "error", err)
		}
	}
}
