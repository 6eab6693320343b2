// SPDX-License-Identifier: MIT

// tonearm is the background audio-tagging daemon. The same binary runs
// in three modes selected by argv[1]: the default daemon mode, the
// hidden "worker" child mode the pool re-execs into, and the "admin"
// command group for operators.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonearm/tonearm/internal/api"
	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/engine"
	"github.com/tonearm/tonearm/internal/health"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/pool"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/telemetry"
	"github.com/tonearm/tonearm/internal/version"
)

func main() {
	// Early logger so config errors are structured too; Configure runs
	// again once the level is known.
	log.Configure(log.Config{Version: version.Version})

	if len(os.Args) > 1 {
		switch os.Args[1] {
		case pool.WorkerModeArg:
			os.Exit(runWorker(os.Args[2:]))
		case "admin":
			os.Exit(runAdmin(os.Args[2:]))
		case "version":
			fmt.Printf("tonearm %s (%s, built %s)\n", version.Version, version.Commit, version.Date)
			return
		}
	}

	os.Exit(runDaemon(os.Args[1:]))
}

func runDaemon(args []string) int {
	fs := flag.NewFlagSet("tonearm", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("TONEARM_CONFIG"), "path to YAML config file")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)
	if *showVersion {
		fmt.Printf("tonearm %s (%s, built %s)\n", version.Version, version.Commit, version.Date)
		return 0
	}

	logger := log.WithComponent("daemon")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("load configuration")
		return 1
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Version: version.Version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "tonearm",
		ServiceVersion: version.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SampleRate,
	})
	if err != nil {
		logger.Error().Err(err).Msg("init telemetry")
		return 1
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown")
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Error().Err(err).Str("dir", cfg.DataDir).Msg("create data dir")
		return 1
	}
	st, err := store.Open(store.Config{
		Path:         cfg.Store.DBPath,
		BusyTimeout:  cfg.Store.BusyTimeout,
		MaxOpenConns: cfg.Store.MaxOpenConns,
	})
	if err != nil {
		logger.Error().Err(err).Msg("open store")
		return 1
	}
	defer func() { _ = st.Close() }()

	hm := health.NewManager(version.Version)

	var spawnArgs []string
	if *configPath != "" {
		spawnArgs = append(spawnArgs, "--config", *configPath)
	}
	eng := engine.New(engine.Options{
		Config:  cfg,
		Store:   st,
		Spawner: pool.ExecSpawner(spawnArgs...),
		Health:  hm,
	})
	if err := eng.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("start engine")
		return 1
	}
	defer eng.Stop(context.Background())

	apiDone := make(chan error, 1)
	if cfg.API.Enabled {
		srv := api.NewServer(eng, hm, cfg.API)
		go func() { apiDone <- srv.Run(ctx) }()
	}

	// SIGHUP triggers a full rescan of every library.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			logger.Info().Msg("SIGHUP received, rescanning libraries")
			if err := eng.ScanAll(ctx, true); err != nil {
				logger.Error().Err(err).Msg("rescan failed")
			}
		}
	}()

	logger.Info().
		Str("version", version.Version).
		Str("db", cfg.Store.DBPath).
		Msg("tonearm running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-apiDone:
		if err != nil {
			logger.Error().Err(err).Msg("http adapter failed")
			return 1
		}
	}
	return 0
}
