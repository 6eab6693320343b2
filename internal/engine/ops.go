// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tonearm/tonearm/internal/broker"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/scanner"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

// ErrScanConflict is returned when a scan is already running for the
// requested library.
var ErrScanConflict = scanner.ErrScanRunning

// EnqueueResult summarizes one Enqueue call.
type EnqueueResult struct {
	JobIDs      []int64 `json:"job_ids"`
	FilesQueued int     `json:"files_queued"`
	QueueDepth  int     `json:"queue_depth"`
}

// Enqueue adds tagging jobs for the given paths. Directories are
// expanded to their audio files when recursive is set and rejected
// otherwise; non-audio files are always rejected.
func (e *Engine) Enqueue(ctx context.Context, paths []string, force, recursive bool) (*EnqueueResult, error) {
	var files []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", abs, err)
		}
		switch {
		case info.IsDir() && recursive:
			expanded, err := e.expandDir(abs)
			if err != nil {
				return nil, err
			}
			files = append(files, expanded...)
		case info.IsDir():
			return nil, fmt.Errorf("%s is a directory; pass recursive to expand it", abs)
		case !e.exts.Match(abs):
			return nil, fmt.Errorf("%s is not a supported audio file", abs)
		default:
			files = append(files, abs)
		}
	}

	res := &EnqueueResult{JobIDs: make([]int64, 0, len(files))}
	for _, f := range files {
		id, err := e.queue.Add(ctx, f, force)
		if err != nil {
			return nil, err
		}
		res.JobIDs = append(res.JobIDs, id)
		e.events.UpdateJobState(id, map[string]any{
			"status": string(types.JobPending),
			"path":   f,
			"force":  force,
		})
	}
	res.FilesQueued = len(files)

	depth, err := e.queue.Depth(ctx)
	if err == nil {
		res.QueueDepth = depth
	}
	e.publishQueueStats(ctx)

	log.WithComponent("engine").Info().
		Int("files", res.FilesQueued).
		Bool("force", force).
		Msg("jobs enqueued")
	return res, nil
}

// expandDir walks dir and returns every audio file below it.
func (e *Engine) expandDir(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && e.exts.Match(p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("expand %s: %w", dir, err)
	}
	return out, nil
}

// GetStatus returns the aggregate queue snapshot.
func (e *Engine) GetStatus(ctx context.Context) (queue.Stats, error) {
	return e.queue.GetStats(ctx)
}

// GetJob returns one job.
func (e *Engine) GetJob(ctx context.Context, id int64) (*store.Job, error) {
	return e.queue.Get(ctx, id)
}

// ListJobs pages jobs newest-first.
func (e *Engine) ListJobs(ctx context.Context, opts store.ListJobsOpts) ([]store.Job, int, error) {
	return e.queue.List(ctx, opts)
}

// RemoveJobs deletes jobs by filter. Running jobs are refused by the
// store; pause first.
func (e *Engine) RemoveJobs(ctx context.Context, f store.RemoveJobsFilter) (int, error) {
	n, err := e.queue.Remove(ctx, f)
	if err != nil {
		return 0, err
	}
	if f.ID != nil {
		e.events.RemoveJob(*f.ID)
	}
	e.publishQueueStats(ctx)
	return n, nil
}

// ResetOptions selects which job classes to re-queue.
type ResetOptions struct {
	Stuck  bool // running → pending
	Errors bool // error → pending
}

// ResetJobs re-queues stuck and/or errored jobs.
func (e *Engine) ResetJobs(ctx context.Context, opts ResetOptions) (int, error) {
	total := 0
	if opts.Stuck {
		n, err := e.queue.ResetRunningToPending(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	if opts.Errors {
		n, err := e.queue.ResetErrorsToPending(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	if total > 0 {
		e.publishQueueStats(ctx)
	}
	return total, nil
}

// FlushJobs deletes terminal jobs by status.
func (e *Engine) FlushJobs(ctx context.Context, statuses []string) (int, error) {
	n, err := e.queue.Flush(ctx, statuses)
	if err != nil {
		return 0, err
	}
	e.publishQueueStats(ctx)
	return n, nil
}

// CleanupOld deletes terminal jobs older than maxAge.
func (e *Engine) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	n, err := e.queue.CleanupOld(ctx, maxAge)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithComponent("engine").Info().Int("jobs", n).Msg("old jobs cleaned up")
		e.publishQueueStats(ctx)
	}
	return n, nil
}

// Subscribe registers an event stream on the broker.
func (e *Engine) Subscribe(patterns []string) (string, <-chan broker.Event, error) {
	return e.events.Subscribe(patterns)
}

// Unsubscribe drops an event stream.
func (e *Engine) Unsubscribe(clientID string) {
	e.events.Unsubscribe(clientID)
}

// StartScan runs a scan of one library, or of the default library when
// libraryID is nil. Concurrent requests for the same library collapse
// into one run; a scan already holding the library fails fast with
// ErrScanConflict.
func (e *Engine) StartScan(ctx context.Context, libraryID *int64, full bool) (*scanner.Result, error) {
	var lib *store.Library
	var err error
	if libraryID != nil {
		lib, err = e.store.GetLibrary(ctx, *libraryID)
	} else {
		lib, err = e.store.GetDefaultLibrary(ctx)
	}
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("scan-%d-%t", lib.ID, full)
	v, err, _ := e.scans.Do(key, func() (any, error) {
		return e.scanner.Scan(ctx, lib, scanner.Options{Full: full})
	})
	if err != nil {
		return nil, err
	}
	return v.(*scanner.Result), nil
}

// ScanAll runs a scan of every library sequentially. Libraries whose
// scan is already running are skipped. This is the SIGHUP hook.
func (e *Engine) ScanAll(ctx context.Context, full bool) error {
	libs, err := e.store.ListLibraries(ctx)
	if err != nil {
		return err
	}
	logger := log.WithComponent("engine")
	for i := range libs {
		if _, err := e.scanner.Scan(ctx, &libs[i], scanner.Options{Full: full}); err != nil {
			if errors.Is(err, scanner.ErrScanRunning) {
				continue
			}
			logger.Error().Err(err).
				Int64(log.FieldLibraryID, libs[i].ID).
				Msg("library scan failed")
		}
	}
	return nil
}

// Pause stops job intake; running jobs finish.
func (e *Engine) Pause(ctx context.Context) error {
	if err := e.store.SetWorkerEnabled(ctx, false); err != nil {
		return err
	}
	log.WithComponent("engine").Info().Msg("queue paused")
	e.events.UpdateQueueState(map[string]any{"paused": true})
	return nil
}

// Resume re-enables job intake.
func (e *Engine) Resume(ctx context.Context) error {
	if err := e.store.SetWorkerEnabled(ctx, true); err != nil {
		return err
	}
	log.WithComponent("engine").Info().Msg("queue resumed")
	e.events.UpdateQueueState(map[string]any{"paused": false})
	return nil
}

// Paused reports whether job intake is disabled.
func (e *Engine) Paused(ctx context.Context) (bool, error) {
	enabled, err := e.store.WorkerEnabled(ctx)
	return !enabled, err
}

// publishQueueStats refreshes the queue:status topic, best effort.
func (e *Engine) publishQueueStats(ctx context.Context) {
	stats, err := e.queue.GetStats(ctx)
	if err != nil {
		return
	}
	e.events.UpdateQueueState(map[string]any{
		"pending":   stats.Pending,
		"running":   stats.Running,
		"completed": stats.Completed,
		"errors":    stats.Errors,
		"avg_time":  stats.AvgTime,
		"eta":       stats.ETASec,
	})
}
