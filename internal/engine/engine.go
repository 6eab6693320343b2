// SPDX-License-Identifier: MIT

// Package engine is the orchestration facade: it owns the lifecycle of
// the store, broker, inference pool, worker loops and scanner, and
// exposes the operations outer adapters call.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tonearm/tonearm/internal/broker"
	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/health"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/media"
	"github.com/tonearm/tonearm/internal/pool"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/scanner"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
	"github.com/tonearm/tonearm/internal/worker"
)

const (
	// defaultDrainTimeout bounds the idle wait during shutdown.
	defaultDrainTimeout = 60 * time.Second

	// loopJoinTimeout bounds the per-loop goroutine join after drain.
	loopJoinTimeout = 10 * time.Second

	// healthMirrorInterval is how often the aggregated health status is
	// re-published on the system:health topic.
	healthMirrorInterval = 30 * time.Second
)

// Engine wires the daemon's components into one unit.
type Engine struct {
	cfg config.Config

	store   *store.Store
	queue   *queue.Queue
	events  *broker.Broker
	pool    *pool.Pool
	scanner *scanner.Scanner
	watcher *scanner.Watcher
	health  *health.Manager
	exts    media.Extensions

	loops    []*worker.Loop
	bgCancel context.CancelFunc
	bgDone   sync.WaitGroup

	scans singleflight.Group

	mu      sync.Mutex
	started bool
}

// Options carries the injectable dependencies.
type Options struct {
	Config  config.Config
	Store   *store.Store
	Spawner pool.Spawner
	Health  *health.Manager // optional
}

// New assembles an engine. The store must already be open; Start
// brings everything else up.
func New(opts Options) *Engine {
	cfg := opts.Config

	events := broker.New(cfg.Broker.BufferSize)
	p := pool.New(pool.Config{
		Size:         cfg.Pool.Workers,
		JobTimeout:   cfg.Pool.JobTimeout,
		StopGrace:    cfg.Pool.StopGrace,
		ReadyTimeout: cfg.Pool.ReadyTimeout,
	}, opts.Spawner, events)

	extractor := &media.TagExtractor{
		Namespace:  cfg.Tags.Namespace,
		VersionKey: cfg.Tags.VersionKey,
		Blocklist:  cfg.Scanner.MP4FreeformBlocklist,
	}
	sc := scanner.New(opts.Store, events, extractor, &media.FpcalcFingerprinter{},
		cfg.Scanner, cfg.Tags.Namespace, cfg.Tags.TaggerVersion)

	exts := cfg.Scanner.Extensions
	if len(exts) == 0 {
		exts = config.DefaultAudioExtensions()
	}

	e := &Engine{
		cfg:     cfg,
		store:   opts.Store,
		queue:   queue.New(opts.Store),
		events:  events,
		pool:    p,
		scanner: sc,
		health:  opts.Health,
		exts:    media.NewExtensions(exts),
	}
	if cfg.Scanner.Watch || cfg.Scanner.RescanInterval > 0 {
		e.watcher = scanner.NewWatcher(sc, opts.Store,
			cfg.Scanner.WatchDebounce, cfg.Scanner.RescanInterval)
	}
	return e
}

// Start brings the engine up: recover orphaned jobs, ensure secrets
// and configured libraries, start the pool, then the worker loops.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	logger := log.WithComponent("engine")

	if _, err := e.queue.ResetRunningToPending(ctx); err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}
	if err := e.EnsureSecrets(ctx); err != nil {
		return fmt.Errorf("ensure secrets: %w", err)
	}
	if err := e.ensureLibraries(ctx); err != nil {
		return err
	}

	if err := e.pool.Start(ctx); err != nil {
		return fmt.Errorf("start inference pool: %w", err)
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	e.bgCancel = cancel

	workers := e.cfg.Pool.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		l := &worker.Loop{
			ID:     worker.WorkerID(i),
			Queue:  e.queue,
			Store:  e.store,
			Pool:   e.pool,
			Events: e.events,
			Writer: &media.SidecarWriter{
				Namespace:  e.cfg.Tags.Namespace,
				VersionKey: e.cfg.Tags.VersionKey,
			},
			PollInterval:  e.cfg.Queue.PollInterval,
			TaggerVersion: e.cfg.Tags.TaggerVersion,
			VersionKey:    e.cfg.Tags.VersionKey,
		}
		e.loops = append(e.loops, l)
		e.bgDone.Add(1)
		go func() {
			defer e.bgDone.Done()
			l.Run(bgCtx)
		}()
	}

	if e.watcher != nil {
		e.bgDone.Add(1)
		go func() {
			defer e.bgDone.Done()
			if err := e.watcher.Run(bgCtx); err != nil && bgCtx.Err() == nil {
				logger.Error().Err(err).Msg("library watcher failed")
			}
		}()
	}

	e.registerHealthCheckers()
	if e.health != nil {
		e.bgDone.Add(1)
		go func() {
			defer e.bgDone.Done()
			e.mirrorHealth(bgCtx)
		}()
	}

	e.started = true
	logger.Info().Int("workers", workers).Msg("engine started")
	return nil
}

// ensureLibraries creates the library rows declared in configuration.
func (e *Engine) ensureLibraries(ctx context.Context) error {
	for _, lib := range e.cfg.Libraries {
		if _, err := e.store.EnsureLibrary(ctx, lib.Name, lib.Path, lib.Default); err != nil {
			return fmt.Errorf("ensure library %q: %w", lib.Name, err)
		}
	}
	return nil
}

// Stop drains and shuts the engine down: pause intake, wait for the
// in-flight jobs, stop loops and pool, drop subscribers. The store
// stays open; its owner closes it.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	e.mu.Unlock()

	logger := log.WithComponent("engine")
	logger.Info().Msg("engine stopping")

	// Pause intake for the drain; the user-facing pause state is
	// restored afterwards so a shutdown never flips a deliberate pause.
	wasEnabled, err := e.store.WorkerEnabled(ctx)
	if err != nil {
		wasEnabled = true
	}
	if err := e.store.SetWorkerEnabled(ctx, false); err != nil {
		logger.Warn().Err(err).Msg("pause intake for drain")
	}

	drain := e.cfg.Pool.DrainTimeout
	if drain <= 0 {
		drain = defaultDrainTimeout
	}
	if !e.WaitUntilIdle(ctx, drain) {
		logger.Warn().Msg("drain timeout, jobs left running will be reset on next startup")
	}

	e.bgCancel()
	joined := make(chan struct{})
	go func() {
		e.bgDone.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-time.After(loopJoinTimeout):
		logger.Warn().Msg("worker loops did not join in time")
	}

	e.pool.Stop()
	e.events.Close()

	if err := e.store.SetWorkerEnabled(ctx, wasEnabled); err != nil {
		logger.Warn().Err(err).Msg("restore pause state")
	}
	logger.Info().Msg("engine stopped")
}

// WaitUntilIdle polls until no worker loop is busy AND no job row is
// in running state, or the timeout elapses. The dual condition guards
// against a worker crashing mid-job: the row outlives the loop.
func (e *Engine) WaitUntilIdle(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		busy := false
		for _, l := range e.loops {
			if l.Busy() {
				busy = true
				break
			}
		}
		if !busy {
			counts, err := e.store.QueueStats(ctx)
			if err == nil && counts[types.JobRunning] == 0 {
				return true
			}
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// registerHealthCheckers wires the component probes into the manager.
func (e *Engine) registerHealthCheckers() {
	if e.health == nil {
		return
	}
	e.health.RegisterChecker(health.CheckerFunc{
		CheckerName: "store",
		Fn: func(ctx context.Context) health.CheckResult {
			if err := e.store.Ping(ctx); err != nil {
				return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})
	e.health.RegisterChecker(health.CheckerFunc{
		CheckerName: "pool",
		Fn: func(context.Context) health.CheckResult {
			if !e.pool.Running() {
				return health.CheckResult{Status: health.StatusUnhealthy, Message: "pool not running"}
			}
			n := e.pool.ChildCount()
			if n < e.cfg.Pool.Workers {
				return health.CheckResult{
					Status:  health.StatusDegraded,
					Message: fmt.Sprintf("%d/%d children alive", n, e.cfg.Pool.Workers),
				}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})
	e.health.RegisterChecker(health.CheckerFunc{
		CheckerName: "queue",
		Fn: func(ctx context.Context) health.CheckResult {
			depth, err := e.queue.Depth(ctx)
			if err != nil {
				return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
			}
			return health.CheckResult{
				Status:  health.StatusHealthy,
				Message: fmt.Sprintf("%d jobs queued", depth),
			}
		},
	})
}

// mirrorHealth republishes the aggregated readiness on system:health.
func (e *Engine) mirrorHealth(ctx context.Context) {
	ticker := time.NewTicker(healthMirrorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp := e.health.Ready(ctx)
			msg := ""
			for name, c := range resp.Checks {
				if c.Status != health.StatusHealthy {
					msg = name + ": " + c.Message + c.Error
					break
				}
			}
			e.events.UpdateHealth(string(resp.Status), msg)
		}
	}
}

// Events exposes the state broker to adapters.
func (e *Engine) Events() *broker.Broker {
	return e.events
}

// Store exposes the durable store to adapters.
func (e *Engine) Store() *store.Store {
	return e.store
}
