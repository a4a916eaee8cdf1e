// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package csv

import (
	"context"
	stdcsv "encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jszwec/csvutil"
	"k8s.io/utils/clock"

	"github.com/wattscope/wattscope/internal/sampler"
	"github.com/wattscope/wattscope/internal/service"
)

// Exporter writes sampling records as semicolon separated values, one
// row per corrected delta. Records carrying a read error are logged,
// never written as rows.
type Exporter struct {
	logger        *slog.Logger
	path          string
	flushInterval time.Duration
	clock         clock.WithTicker

	mu  sync.Mutex
	out io.Writer
	f   *os.File
	w   *stdcsv.Writer
	enc *csvutil.Encoder
}

var _ sampler.Sink = (*Exporter)(nil)
var _ service.Initializer = (*Exporter)(nil)
var _ service.Runner = (*Exporter)(nil)
var _ service.Shutdowner = (*Exporter)(nil)

// joules formats energy values with fixed decimals; the default
// scientific notation for small deltas does not survive spreadsheet
// round trips.
type joules float64

func (j joules) MarshalCSV() ([]byte, error) {
	return strconv.AppendFloat(nil, float64(j), 'f', 9, 64), nil
}

// row is the on-disk record layout.
type row struct {
	TimestampMS int64  `csv:"timestamp_ms"`
	Socket      int    `csv:"socket"`
	Domain      string `csv:"domain"`
	Overflow    bool   `csv:"overflow"`
	Joules      joules `csv:"joules"`
}

type Opts struct {
	logger        *slog.Logger
	path          string
	flushInterval time.Duration
	clock         clock.WithTicker
	out           io.Writer
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:        slog.Default(),
		flushInterval: time.Second,
		clock:         clock.RealClock{},
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

// WithPath sets the output destination. An empty path or "-" writes to
// stdout; a directory gets a timestamped file created inside it.
func WithPath(path string) OptionFn {
	return func(o *Opts) {
		o.path = path
	}
}

// WithFlushInterval sets how often buffered rows are forced out
func WithFlushInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.flushInterval = d
	}
}

// WithClock sets the clock driving the flush loop
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithWriter bypasses file handling and writes to w directly
func WithWriter(w io.Writer) OptionFn {
	return func(o *Opts) {
		o.out = w
	}
}

// NewExporter creates a CSV exporter.
func NewExporter(applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:        opts.logger.With("service", "csv-exporter"),
		path:          opts.path,
		flushInterval: opts.flushInterval,
		clock:         opts.clock,
		out:           opts.out,
	}
}

func (e *Exporter) Name() string {
	return "csv-exporter"
}

func (e *Exporter) Init() error {
	if e.out == nil {
		out, f, err := openDestination(e.path, e.clock.Now())
		if err != nil {
			return err
		}
		e.out = out
		e.f = f
	}

	e.w = stdcsv.NewWriter(e.out)
	e.w.Comma = ';'
	e.enc = csvutil.NewEncoder(e.w)

	if err := e.enc.EncodeHeader(row{}); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	dest := "stdout"
	if e.f != nil {
		dest = e.f.Name()
	}
	e.logger.Info("csv exporter initialized", "destination", dest, "flush_interval", e.flushInterval)
	return nil
}

// openDestination resolves the configured path. A directory gets a
// timestamped file so repeated runs never clobber each other.
func openDestination(path string, now time.Time) (io.Writer, *os.File, error) {
	if path == "" || path == "-" {
		return os.Stdout, nil, nil
	}

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, fmt.Sprintf("energy-%s.csv", now.Format("20060102-150405")))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, f, nil
}

func (e *Exporter) Write(rec sampler.Record) error {
	if rec.Err != nil {
		// read failures are part of the stream but not of the file
		e.logger.Debug("skipping error record",
			"socket", rec.Socket,
			"domain", rec.Domain,
			"error", rec.Err)
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return fmt.Errorf("csv exporter not initialized")
	}

	return e.enc.Encode(row{
		TimestampMS: rec.Timestamp.UnixMilli(),
		Socket:      rec.Socket,
		Domain:      rec.Domain.String(),
		Overflow:    rec.Overflow,
		Joules:      joules(rec.Joules),
	})
}

// Run flushes buffered rows on a fixed cadence until the context is
// canceled.
func (e *Exporter) Run(ctx context.Context) error {
	ticker := e.clock.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			e.flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Exporter) flush() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.w == nil {
		return
	}
	e.w.Flush()
	if err := e.w.Error(); err != nil {
		e.logger.Error("failed to flush csv output", "error", err)
	}
}

func (e *Exporter) Shutdown() error {
	e.flush()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.f != nil {
		if err := e.f.Close(); err != nil {
			return fmt.Errorf("failed to close output file: %w", err)
		}
		e.f = nil
	}
	return nil
}
