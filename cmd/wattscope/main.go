// SPDX-FileCopyrightText: 2025 The Wattscope Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/utils/ptr"

	"github.com/wattscope/wattscope/internal/config"
	"github.com/wattscope/wattscope/internal/exporter/csv"
	"github.com/wattscope/wattscope/internal/exporter/prometheus"
	"github.com/wattscope/wattscope/internal/logger"
	"github.com/wattscope/wattscope/internal/rapl"
	"github.com/wattscope/wattscope/internal/sampler"
	"github.com/wattscope/wattscope/internal/server"
	"github.com/wattscope/wattscope/internal/service"
	"github.com/wattscope/wattscope/internal/version"
)

func main() {
	cmd, cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	slog.SetDefault(log)
	logVersionInfo(log)
	printConfigInfo(log, cfg)

	var exitCode int
	switch cmd {
	case "info":
		exitCode = runInfo(log, cfg)
	default:
		exitCode = runPoll(log, cfg)
	}
	os.Exit(exitCode)
}

func parseArgsAndConfig() (string, *config.Config, error) {
	const appName = "wattscope"
	app := kingpin.New(appName, "Multi-backend RAPL energy sampler.")

	configFile := app.Flag("config.file", "Path to YAML configuration file").String()
	updateConfig := config.RegisterFlags(app)

	app.Command("poll", "Sample energy counters and export the records").Default()
	app.Command("info", "Print the RAPL domains each backend exposes, then exit")

	cmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		log.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			log.Error("Error loading config file", "error", err.Error())
			return cmd, nil, err
		}
		// Replace default config with loaded config
		cfg = loadedCfg
	}

	// Apply command line flags (these override config file settings)
	if err := updateConfig(cfg); err != nil {
		log.Error("Error applying command line flags", "error", err.Error())
		return cmd, nil, err
	}

	return cmd, cfg, nil
}

func logVersionInfo(log *slog.Logger) {
	v := version.Info()
	log.Info("Wattscope version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func printConfigInfo(log *slog.Logger, cfg *config.Config) {
	if !log.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Printf(`
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func probeConfig(cfg *config.Config) rapl.ProbeConfig {
	return rapl.ProbeConfig{
		SysfsPath:     cfg.Host.SysFS,
		ProcfsPath:    cfg.Host.ProcFS,
		MSRDevicePath: cfg.Host.MSRPath,
		BPFPinPath:    cfg.Host.BPFPinPath,
	}
}

// runInfo reports what each backend exposes on this machine.
func runInfo(log *slog.Logger, cfg *config.Config) int {
	pc := probeConfig(cfg)

	for _, kind := range rapl.AllKinds {
		domains, err := rapl.AvailableDomains(kind, pc, log)
		if err != nil {
			fmt.Printf("%-12s unavailable: %v\n", kind, err)
			continue
		}
		names := make([]string, len(domains))
		for i, d := range domains {
			names[i] = d.String()
		}
		fmt.Printf("%-12s %v\n", kind, names)
	}

	checkConsistency(log, pc)
	return 0
}

// checkConsistency warns when perf-event and powercap disagree on the
// available domains, a known kernel bug on older AMD systems.
func checkConsistency(log *slog.Logger, pc rapl.ProbeConfig) {
	perfDomains, perfErr := rapl.AvailableDomains(rapl.KindPerfEvent, pc, log)
	powercapDomains, powercapErr := rapl.AvailableDomains(rapl.KindPowercap, pc, log)
	if perfErr != nil || powercapErr != nil {
		return
	}
	rapl.CheckDomainConsistency(perfDomains, powercapDomains, log)
}

func runPoll(log *slog.Logger, cfg *config.Config) int {
	services, err := createServices(log, cfg)
	if err != nil {
		log.Error("Failed to create services", "error", err)
		return 1
	}

	if err := service.Init(log, services); err != nil {
		log.Error("Failed to initialize services", "error", err)
		return 1
	}

	log.Info("Starting Wattscope")
	if err := service.Run(context.Background(), log, services); err != nil {
		log.Error("Wattscope terminated with an error", "error", err)
		return 1
	}
	log.Info("Graceful shutdown completed")
	return 0
}

func createServices(log *slog.Logger, cfg *config.Config) ([]service.Service, error) {
	pc := probeConfig(cfg)

	kind, err := rapl.ParseKind(cfg.Sample.Backend)
	if err != nil {
		return nil, err
	}

	domains, err := rapl.ParseDomains(cfg.Sample.Domains)
	if err != nil {
		return nil, err
	}
	if len(domains) == 0 {
		// default to everything the backend exposes
		domains, err = rapl.AvailableDomains(kind, pc, log)
		if err != nil {
			return nil, fmt.Errorf("failed to discover domains for %s: %w", kind, err)
		}
	}

	checkConsistency(log, pc)

	probe, err := rapl.NewProbe(kind, domains, pc, log)
	if err != nil {
		return nil, err
	}

	strategy, err := sampler.ParseStrategy(cfg.Sample.Strategy)
	if err != nil {
		return nil, err
	}

	var services []service.Service
	var sinks []sampler.Sink

	if ptr.Deref(cfg.Exporter.CSV.Enabled, true) {
		csvExporter := csv.NewExporter(
			csv.WithLogger(log),
			csv.WithPath(cfg.Exporter.CSV.Path),
			csv.WithFlushInterval(cfg.Exporter.CSV.FlushInterval),
		)
		sinks = append(sinks, csvExporter)
		services = append(services, csvExporter)
	}

	if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
		apiServer := server.NewAPIServer(
			server.WithLogger(log),
			server.WithListen(cfg.Web.ListenAddresses, cfg.Web.Config),
		)
		promExporter := prometheus.NewExporter(apiServer,
			prometheus.WithLogger(log),
			prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
		)
		sinks = append(sinks, promExporter)
		services = append(services, promExporter, apiServer)
	}

	smp := sampler.NewSampler(probe,
		sampler.WithLogger(log),
		sampler.WithInterval(cfg.Sample.Interval),
		sampler.WithStrategy(strategy),
		sampler.WithSinks(sinks...),
	)
	services = append(services, smp)
	services = append(services, service.NewSignalHandler(os.Interrupt, syscall.SIGTERM))

	return services, nil
}
