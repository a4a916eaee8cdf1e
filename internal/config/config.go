// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
		// MSRPath is a pattern with one %d placeholder for the cpu id
		MSRPath    string `yaml:"msrPath"`
		BPFPinPath string `yaml:"bpfPinPath"`
	}

	Sample struct {
		Backend string `yaml:"backend"`
		// Domains to sample; empty means every domain the backend
		// exposes on this machine
		Domains  []string      `yaml:"domains"`
		Interval time.Duration `yaml:"interval"`
		Strategy string        `yaml:"strategy"`
	}

	CSVExporter struct {
		Enabled       *bool         `yaml:"enabled"`
		Path          string        `yaml:"path"`
		FlushInterval time.Duration `yaml:"flushInterval"`
	}

	PrometheusExporter struct {
		Enabled         *bool    `yaml:"enabled"`
		DebugCollectors []string `yaml:"debugCollectors"`
	}

	Exporter struct {
		CSV        CSVExporter        `yaml:"csv"`
		Prometheus PrometheusExporter `yaml:"prometheus"`
	}

	Web struct {
		Config          string   `yaml:"configFile"`
		ListenAddresses []string `yaml:"listenAddresses"`
	}

	Config struct {
		Log      Log      `yaml:"log"`
		Host     Host     `yaml:"host"`
		Sample   Sample   `yaml:"sample"`
		Exporter Exporter `yaml:"exporter"`
		Web      Web      `yaml:"web"`
	}
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag      = "host.sysfs"
	HostProcFSFlag     = "host.procfs"
	HostMSRPathFlag    = "host.msr-path"
	HostBPFPinPathFlag = "host.bpf-pin-path"

	SampleBackendFlag  = "sample.backend"
	SampleDomainsFlag  = "sample.domains"
	SampleIntervalFlag = "sample.interval"
	SampleStrategyFlag = "sample.strategy"

	ExporterCSVEnabledFlag        = "exporter.csv"
	ExporterCSVPathFlag           = "exporter.csv.path"
	ExporterPrometheusEnabledFlag = "exporter.prometheus"

	WebListenAddressFlag = "web.listen-address"
	WebConfigFlag        = "web.config-file"
)

var (
	validBackends   = []string{"msr", "perf-event", "powercap", "ebpf"}
	validStrategies = []string{"deadline", "sleep"}
)

// MinInterval bounds the sampling rate to roughly 1000 Hz; hardware
// energy counters do not update meaningfully faster.
const MinInterval = time.Millisecond

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:      "/sys",
			ProcFS:     "/proc",
			MSRPath:    "/dev/cpu/%d/msr",
			BPFPinPath: "/sys/fs/bpf/wattscope",
		},
		Sample: Sample{
			Backend:  "powercap",
			Interval: 1 * time.Second,
			Strategy: "deadline",
		},
		Exporter: Exporter{
			CSV: CSVExporter{
				Enabled:       ptr.To(true),
				Path:          "", // stdout
				FlushInterval: 1 * time.Second,
			},
			Prometheus: PrometheusExporter{
				Enabled:         ptr.To(false),
				DebugCollectors: []string{"go"},
			},
		},
		Web: Web{
			ListenAddresses: []string{":28282"},
		},
	}

	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return Load(file)
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")

	// Host paths
	sysfs := app.Flag(HostSysFSFlag, "Path to sysfs filesystem").Default("/sys").ExistingDir()
	procfs := app.Flag(HostProcFSFlag, "Path to procfs filesystem").Default("/proc").ExistingDir()
	msrPath := app.Flag(HostMSRPathFlag, "Pattern of the msr device path, with %d for the cpu id").Default("/dev/cpu/%d/msr").String()
	bpfPinPath := app.Flag(HostBPFPinPathFlag, "Directory the kernel aggregation maps are pinned under").Default("/sys/fs/bpf/wattscope").String()

	// Sampling
	backend := app.Flag(SampleBackendFlag, "Counter backend: msr, perf-event, powercap or ebpf").Default("powercap").Enum(validBackends...)
	domains := app.Flag(SampleDomainsFlag, "RAPL domains to sample (repeatable); defaults to all available").Strings()
	interval := app.Flag(SampleIntervalFlag, "Time between two samples").Default("1s").Duration()
	strategy := app.Flag(SampleStrategyFlag, "Tick pacing strategy: deadline or sleep").Default("deadline").Enum(validStrategies...)

	// Exporters
	csvEnabled := app.Flag(ExporterCSVEnabledFlag, "Enable the CSV exporter").Default("true").Bool()
	csvPath := app.Flag(ExporterCSVPathFlag, "CSV destination: empty or - for stdout, a file, or a directory for a timestamped file").Default("").String()
	promEnabled := app.Flag(ExporterPrometheusEnabledFlag, "Enable the Prometheus exporter").Default("false").Bool()

	// Web
	listenAddrs := app.Flag(WebListenAddressFlag, "Address on which the metrics endpoint listens (repeatable)").Default(":28282").Strings()
	webConfig := app.Flag(WebConfigFlag, "Path to a web config file for TLS and auth").Default("").String()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}
		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		// Host settings
		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *sysfs
		}
		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *procfs
		}
		if flagsSet[HostMSRPathFlag] {
			cfg.Host.MSRPath = *msrPath
		}
		if flagsSet[HostBPFPinPathFlag] {
			cfg.Host.BPFPinPath = *bpfPinPath
		}

		// Sampling settings
		if flagsSet[SampleBackendFlag] {
			cfg.Sample.Backend = *backend
		}
		if flagsSet[SampleDomainsFlag] {
			cfg.Sample.Domains = *domains
		}
		if flagsSet[SampleIntervalFlag] {
			cfg.Sample.Interval = *interval
		}
		if flagsSet[SampleStrategyFlag] {
			cfg.Sample.Strategy = *strategy
		}

		// Exporter settings
		if flagsSet[ExporterCSVEnabledFlag] {
			cfg.Exporter.CSV.Enabled = csvEnabled
		}
		if flagsSet[ExporterCSVPathFlag] {
			cfg.Exporter.CSV.Path = *csvPath
		}
		if flagsSet[ExporterPrometheusEnabledFlag] {
			cfg.Exporter.Prometheus.Enabled = promEnabled
		}

		// Web settings
		if flagsSet[WebListenAddressFlag] {
			cfg.Web.ListenAddresses = *listenAddrs
		}
		if flagsSet[WebConfigFlag] {
			cfg.Web.Config = *webConfig
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)

	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)
	c.Host.MSRPath = strings.TrimSpace(c.Host.MSRPath)
	c.Host.BPFPinPath = strings.TrimSpace(c.Host.BPFPinPath)

	c.Sample.Backend = strings.TrimSpace(c.Sample.Backend)
	c.Sample.Strategy = strings.TrimSpace(c.Sample.Strategy)
	for i, d := range c.Sample.Domains {
		c.Sample.Domains[i] = strings.ToLower(strings.TrimSpace(d))
	}

	c.Exporter.CSV.Path = strings.TrimSpace(c.Exporter.CSV.Path)
}

// Validate checks for configuration errors
func (c *Config) Validate() error {
	var errs []string
	{ // log level
		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}
	{ // host paths
		if c.Host.SysFS == "" {
			errs = append(errs, "host sysfs path must not be empty")
		}
		if c.Host.ProcFS == "" {
			errs = append(errs, "host procfs path must not be empty")
		}
		if c.Host.MSRPath != "" && !strings.Contains(c.Host.MSRPath, "%d") {
			errs = append(errs, fmt.Sprintf("msr path %q has no %%d cpu placeholder", c.Host.MSRPath))
		}
	}
	{ // sampling
		valid := false
		for _, b := range validBackends {
			if c.Sample.Backend == b {
				valid = true
				break
			}
		}
		if !valid {
			errs = append(errs, fmt.Sprintf("invalid backend: %s", c.Sample.Backend))
		}

		if c.Sample.Interval < MinInterval {
			errs = append(errs, fmt.Sprintf("sampling interval %s below the minimum %s", c.Sample.Interval, MinInterval))
		}

		valid = false
		for _, s := range validStrategies {
			if c.Sample.Strategy == s {
				valid = true
				break
			}
		}
		if !valid {
			errs = append(errs, fmt.Sprintf("invalid waiter strategy: %s", c.Sample.Strategy))
		}
	}
	{ // exporters
		if c.Exporter.CSV.FlushInterval <= 0 {
			errs = append(errs, fmt.Sprintf("invalid csv flush interval: %s", c.Exporter.CSV.FlushInterval))
		}
		if ptr.Deref(c.Exporter.Prometheus.Enabled, false) && len(c.Web.ListenAddresses) == 0 {
			errs = append(errs, "prometheus exporter enabled but no web listen address configured")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE: this code path should not happen but if it does (i.e if yaml marshal fails)
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{HostProcFSFlag, c.Host.ProcFS},
		{SampleBackendFlag, c.Sample.Backend},
		{SampleDomainsFlag, strings.Join(c.Sample.Domains, ", ")},
		{SampleIntervalFlag, c.Sample.Interval.String()},
		{SampleStrategyFlag, c.Sample.Strategy},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
