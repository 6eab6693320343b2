// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/media"
	"github.com/tonearm/tonearm/internal/pool"
	"github.com/tonearm/tonearm/internal/predictor"
	"github.com/tonearm/tonearm/internal/version"
)

// runWorker is the child-mode entrypoint: a JSONL request loop over
// stdin/stdout. Logs go to stderr so they never collide with the
// protocol stream.
func runWorker(args []string) int {
	log.Configure(log.Config{Output: os.Stderr, Version: version.Version})

	fs := flag.NewFlagSet("tonearm worker", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("TONEARM_CONFIG"), "path to YAML config file")
	_ = fs.Parse(args)

	logger := log.WithComponent("worker")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error().Err(err).Msg("load configuration")
		return 1
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Output: os.Stderr, Version: version.Version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cache := predictor.NewCache(
		&predictor.ExecBackend{Bin: cfg.Models.AnalyzerBin},
		cfg.Models.AutoEvict,
		cfg.Models.IdleTimeout,
	)
	defer cache.Clear()

	proc := &pool.TagProcessor{
		Cache:         cache,
		ModelsDir:     cfg.Models.Dir,
		Fingerprinter: &media.FpcalcFingerprinter{},
		Namespace:     cfg.Tags.Namespace,
		TaggerVersion: cfg.Tags.TaggerVersion,
	}

	err = pool.RunChild(ctx, os.Stdin, os.Stdout, proc, pool.ChildOptions{
		Maintain: func() { cache.CheckAndEvictIfIdle() },
	})
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("worker loop failed")
		return 1
	}
	return 0
}
