// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tonearm/tonearm/internal/broker"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/metrics"
)

var (
	// ErrWorkerCrash is the structural crash signal: the child died
	// while a call was outstanding.
	ErrWorkerCrash = errors.New("pool: worker crashed")

	// ErrShutdown is returned by Submit after Stop.
	ErrShutdown = errors.New("pool: shut down")
)

// maxLineBytes caps one protocol line; result payloads stay well under
// this.
const maxLineBytes = 8 * 1024 * 1024

// Child is one isolated inference process. Call returns a structural
// error only when the child itself failed (pipe broken, process gone);
// processing failures come back as error-status responses.
type Child interface {
	Call(ctx context.Context, req Request) (Response, error)
	// Stop shuts the child down gracefully: close stdin, wait up to
	// grace, then kill the group.
	Stop(grace time.Duration)
	// Kill force-kills the child's process group. Used on timeout.
	Kill(grace time.Duration)
	Pid() int
}

// Spawner creates one ready child. The default spawner re-executes the
// daemon binary in worker mode; tests inject in-process fakes.
type Spawner func(ctx context.Context) (Child, error)

// Config tunes the coordinator.
type Config struct {
	Size         int
	JobTimeout   time.Duration // per-job cap, default 3600s
	StopGrace    time.Duration // SIGTERM → SIGKILL window, default 10s
	ReadyTimeout time.Duration // child startup cap
}

type slot struct {
	child Child
	gen   uint64
}

// Pool coordinates the fixed-size process pool: submit + wait, crash
// detection, full rebuild with a single retry, per-job timeout.
type Pool struct {
	cfg   Config
	spawn Spawner

	mu       sync.Mutex
	gen      uint64
	children []Child
	shutdown bool
	started  bool

	free chan slot

	events *broker.Broker
}

// New creates a stopped pool. events may be nil.
func New(cfg Config, spawn Spawner, events *broker.Broker) *Pool {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 3600 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 120 * time.Second
	}
	return &Pool{
		cfg:    cfg,
		spawn:  spawn,
		free:   make(chan slot, cfg.Size*2),
		events: events,
	}
}

// Start spawns the children. Calling Start on a running pool is a
// no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrShutdown
	}
	if p.started {
		return nil
	}

	if err := p.spawnAllLocked(ctx); err != nil {
		return err
	}
	p.started = true
	log.WithComponent("pool").Info().Int("size", p.cfg.Size).Msg("inference pool started")
	return nil
}

// spawnAllLocked fills the pool with fresh children for the current
// generation. Callers hold p.mu.
func (p *Pool) spawnAllLocked(ctx context.Context) error {
	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()

	children := make([]Child, 0, p.cfg.Size)
	for i := 0; i < p.cfg.Size; i++ {
		c, err := p.spawn(spawnCtx)
		if err != nil {
			for _, prev := range children {
				prev.Kill(0)
			}
			return fmt.Errorf("spawn child %d: %w", i, err)
		}
		children = append(children, c)
	}

	p.children = children
	for _, c := range children {
		p.free <- slot{child: c, gen: p.gen}
	}
	metrics.SetPoolChildren(len(children))
	return nil
}

// acquire takes a free child of the current generation, discarding
// stale ones left over from a rebuild.
func (p *Pool) acquire(ctx context.Context) (slot, error) {
	for {
		select {
		case <-ctx.Done():
			return slot{}, ctx.Err()
		case s := <-p.free:
			p.mu.Lock()
			current := s.gen == p.gen && !p.shutdown
			p.mu.Unlock()
			if current {
				return s, nil
			}
			s.child.Kill(0)
		}
	}
}

// release returns a child to the free list unless a rebuild made it
// stale in the meantime.
func (p *Pool) release(s slot) {
	p.mu.Lock()
	stale := s.gen != p.gen || p.shutdown
	p.mu.Unlock()
	if stale {
		s.child.Kill(0)
		return
	}
	p.free <- s
}

// Submit dispatches one job and blocks for the result, subject to the
// per-job timeout. A crashed child triggers one pool rebuild and
// exactly one retry; a second crash is terminal for the job. Timeouts
// are never retried. Submit never returns a Go error for job-level
// failures; those are error-status results.
func (p *Pool) Submit(ctx context.Context, path string, force bool) Result {
	p.mu.Lock()
	down := p.shutdown || !p.started
	p.mu.Unlock()
	if down {
		return Result{Status: StatusError, Error: ErrShutdown.Error()}
	}

	res, err := p.trySubmit(ctx, path, force)
	if err == nil {
		return res
	}
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.IncPoolTimeout()
		return Result{
			Status: StatusError,
			Error:  fmt.Sprintf("Processing timeout (>%ds)", int(p.cfg.JobTimeout.Seconds())),
		}
	}
	if !errors.Is(err, ErrWorkerCrash) {
		return Result{Status: StatusError, Error: err.Error()}
	}

	// The child died under us. Rebuild the whole pool (the shared
	// native runtime may be poisoned) and retry exactly once.
	log.WithComponent("pool").Warn().Err(err).Str(log.FieldPath, path).
		Msg("worker crashed, rebuilding pool for retry")
	if rbErr := p.RebuildPool(ctx); rbErr != nil {
		return Result{Status: StatusError,
			Error: fmt.Sprintf("Worker crash (retry failed): rebuild: %v", rbErr)}
	}

	res, err = p.trySubmit(ctx, path, force)
	if err == nil {
		return res
	}
	if errors.Is(err, context.DeadlineExceeded) {
		metrics.IncPoolTimeout()
		return Result{
			Status: StatusError,
			Error:  fmt.Sprintf("Processing timeout (>%ds)", int(p.cfg.JobTimeout.Seconds())),
		}
	}
	return Result{Status: StatusError,
		Error: fmt.Sprintf("Worker crash (retry failed): %v", err)}
}

// trySubmit runs one attempt on one child.
func (p *Pool) trySubmit(ctx context.Context, path string, force bool) (Result, error) {
	s, err := p.acquire(ctx)
	if err != nil {
		return Result{}, err
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
	defer cancel()

	resp, err := s.child.Call(callCtx, Request{Op: opProcess, Path: path, Force: force})
	switch {
	case errors.Is(err, context.DeadlineExceeded) || (err != nil && callCtx.Err() != nil):
		// The child is still chewing on the job; it cannot take new
		// work, so kill it and respawn the slot.
		log.WithComponent("pool").Warn().
			Str(log.FieldPath, path).
			Int("pid", s.child.Pid()).
			Msg("job timeout, killing child")
		s.child.Kill(p.cfg.StopGrace)
		p.respawnSlot(ctx, s.child, s.gen)
		return Result{}, context.DeadlineExceeded
	case err != nil:
		s.child.Kill(0)
		return Result{}, fmt.Errorf("%w: %v", ErrWorkerCrash, err)
	}

	p.release(s)
	return Result{Status: resp.Status, Error: resp.Error, Results: resp.Results}, nil
}

// respawnSlot replaces one killed child so the pool keeps its size.
// The dead child leaves the tracking slice immediately; a failed spawn
// is logged, not fatal, and the next rebuild restores the count.
func (p *Pool) respawnSlot(ctx context.Context, dead Child, gen uint64) {
	p.mu.Lock()
	if p.shutdown || gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.removeChildLocked(dead)
	p.mu.Unlock()

	spawnCtx, cancel := context.WithTimeout(ctx, p.cfg.ReadyTimeout)
	defer cancel()

	c, err := p.spawn(spawnCtx)
	if err != nil {
		log.WithComponent("pool").Error().Err(err).Msg("respawn after timeout failed")
		return
	}

	p.mu.Lock()
	if p.shutdown || gen != p.gen {
		p.mu.Unlock()
		c.Kill(0)
		return
	}
	p.children = append(p.children, c)
	metrics.SetPoolChildren(len(p.children))
	p.mu.Unlock()
	p.free <- slot{child: c, gen: gen}
}

// removeChildLocked drops one child from the tracking slice by
// identity. Callers hold p.mu.
func (p *Pool) removeChildLocked(dead Child) {
	for i, c := range p.children {
		if c == dead {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	metrics.SetPoolChildren(len(p.children))
}

// RebuildPool discards the broken pool and spawns a fresh one of the
// same size. Children still busy with other jobs are killed when their
// calls return.
func (p *Pool) RebuildPool(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shutdown {
		return ErrShutdown
	}

	p.gen++
	for _, c := range p.children {
		c.Kill(0)
	}
	p.children = nil

	// Drain stale free slots; busy ones are discarded on release.
	for {
		select {
		case s := <-p.free:
			s.child.Kill(0)
			continue
		default:
		}
		break
	}

	metrics.IncPoolRebuild()
	if err := p.spawnAllLocked(ctx); err != nil {
		return err
	}
	log.WithComponent("pool").Info().Int("size", p.cfg.Size).Msg("inference pool rebuilt")
	return nil
}

// ChildCount returns the number of live children.
func (p *Pool) ChildCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.children)
}

// Running reports whether the pool is started and not shut down.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.shutdown
}

// PublishEvent forwards a payload to the state broker when one was
// injected.
func (p *Pool) PublishEvent(workerID string, fields map[string]any) {
	if p.events == nil {
		return
	}
	p.events.UpdateWorkerState(workerID, fields)
}

// Stop marks the pool shut down and stops every child gracefully.
// Submit refuses work from this point on.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	p.shutdown = true
	children := p.children
	p.children = nil
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range children {
		wg.Add(1)
		go func(c Child) {
			defer wg.Done()
			c.Stop(p.cfg.StopGrace)
		}(c)
	}
	wg.Wait()

	// Free-list entries reference the same children; drain the list so
	// nothing holds them.
	for {
		select {
		case <-p.free:
			continue
		default:
		}
		break
	}

	metrics.SetPoolChildren(0)
	log.WithComponent("pool").Info().Msg("inference pool stopped")
}
