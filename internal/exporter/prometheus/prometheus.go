// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wattscope/wattscope/internal/sampler"
	"github.com/wattscope/wattscope/internal/service"
)

const namespace = "wattscope"

// APIRegistry is where the exporter mounts its metrics endpoint.
type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		debugCollectors: map[string]bool{
			"go": true,
		},
	}
}

// OptionFn is a function that sets one or more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithDebugCollectors sets the runtime debug collectors
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool)
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

// Exporter exposes the sampling stream as Prometheus counters. It is a
// sink from the sampler's point of view and a metrics source from the
// API server's.
type Exporter struct {
	logger          *slog.Logger
	server          APIRegistry
	registry        *prom.Registry
	debugCollectors map[string]bool

	joules     *prom.CounterVec
	overflows  *prom.CounterVec
	readErrors *prom.CounterVec
}

var _ sampler.Sink = (*Exporter)(nil)
var _ service.Initializer = (*Exporter)(nil)

// NewExporter creates a new Exporter instance
func NewExporter(s APIRegistry, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	labels := []string{"socket", "domain"}
	return &Exporter{
		logger:          opts.logger.With("service", "prometheus"),
		server:          s,
		registry:        prom.NewRegistry(),
		debugCollectors: opts.debugCollectors,
		joules: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "joules_total",
			Help:      "Energy consumed per RAPL domain, wraparound corrected",
		}, labels),
		overflows: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "counter_overflows_total",
			Help:      "Deltas that spanned a hardware counter wraparound",
		}, labels),
		readErrors: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "read_errors_total",
			Help:      "Counter reads that failed",
		}, labels),
	}
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus exporter")
	for c := range e.debugCollectors {
		collector, err := collectorForName(c)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", c, "error", err)
			return err
		}
		e.registry.MustRegister(collector)
	}

	e.registry.MustRegister(e.joules, e.overflows, e.readErrors)
	e.registry.MustRegister(NewBuildInfoCollector())

	return e.server.Register("/metrics", "Metrics", "Prometheus metrics",
		promhttp.HandlerFor(
			e.registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          e.registry,
			},
		))
}

func (e *Exporter) Write(rec sampler.Record) error {
	socket := strconv.Itoa(rec.Socket)
	domain := rec.Domain.String()

	if rec.Err != nil {
		e.readErrors.WithLabelValues(socket, domain).Inc()
		return nil
	}

	e.joules.WithLabelValues(socket, domain).Add(rec.Joules)
	if rec.Overflow {
		e.overflows.WithLabelValues(socket, domain).Inc()
	}
	return nil
}
