// SPDX-License-Identifier: MIT

// Package worker runs the scheduling loops that drive jobs from the
// queue into the inference pool. One Loop per pool slot; loops are
// goroutines, not processes.
package worker

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/broker"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/media"
	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/pool"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

// Submitter dispatches one job into the inference pool and blocks for
// its result.
type Submitter interface {
	Submit(ctx context.Context, path string, force bool) pool.Result
}

// Loop is one worker slot's scheduling thread.
type Loop struct {
	ID string

	Queue  *queue.Queue
	Store  *store.Store
	Pool   Submitter
	Events *broker.Broker
	Writer media.TagWriter // optional sidecar persistence

	PollInterval  time.Duration
	TaggerVersion string
	VersionKey    string

	busy atomic.Bool
}

// Busy reports whether the loop currently holds a job.
func (l *Loop) Busy() bool {
	return l.busy.Load()
}

// Run polls until ctx is canceled. A job in flight is always finished
// and reported before the loop exits; the pool's per-job timeout is
// the only thing that cuts a job short.
func (l *Loop) Run(ctx context.Context) {
	logger := log.WithComponent("worker").With().Str(log.FieldWorkerID, l.ID).Logger()

	poll := l.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	l.publishWorker(map[string]any{"state": string(types.WorkerStateIdle)})
	logger.Info().Msg("worker loop started")

	for {
		if ctx.Err() != nil {
			break
		}

		enabled, err := l.Store.WorkerEnabled(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("read worker_enabled flag")
			if !sleepCtx(ctx, poll) {
				break
			}
			continue
		}
		if !enabled {
			if !sleepCtx(ctx, poll) {
				break
			}
			continue
		}

		job, err := l.Queue.StartNext(ctx)
		if queue.IsNotFound(err) {
			if !sleepCtx(ctx, poll) {
				break
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("claim next job")
			if !sleepCtx(ctx, poll) {
				break
			}
			continue
		}

		l.runJob(ctx, job, logger)
	}

	l.publishWorker(map[string]any{"state": string(types.WorkerStateStopped)})
	logger.Info().Msg("worker loop stopped")
}

// runJob drives one claimed job to a terminal state.
func (l *Loop) runJob(ctx context.Context, job *store.Job, logger zerolog.Logger) {
	l.busy.Store(true)
	metrics.SetWorkerBusy(l.ID, true)
	defer func() {
		l.busy.Store(false)
		metrics.SetWorkerBusy(l.ID, false)
		l.publishWorker(map[string]any{"state": string(types.WorkerStateIdle)})
	}()

	logger.Info().Int64(log.FieldJobID, job.ID).Str(log.FieldPath, job.Path).Msg("job started")

	l.publishWorker(map[string]any{
		"state":  string(types.WorkerStateRunning),
		"path":   job.Path,
		"job_id": job.ID,
	})
	l.publishJob(job.ID, map[string]any{
		"status": string(types.JobRunning),
		"path":   job.Path,
	})

	// A canceled run context must not abort the dispatched job; the
	// pool timeout is the bound. Shutdown waits for this to return.
	submitCtx := context.WithoutCancel(ctx)
	started := time.Now()
	res := l.Pool.Submit(submitCtx, job.Path, job.Force)
	elapsed := time.Since(started)

	if res.OK() {
		if err := l.Queue.MarkDone(submitCtx, job.ID, res.Results); err != nil {
			logger.Error().Err(err).Int64(log.FieldJobID, job.ID).Msg("mark job done")
		}
		l.applyResult(submitCtx, job.Path, res.Results, logger)
		metrics.RecordJob("done", elapsed.Seconds())
		l.publishJob(job.ID, map[string]any{
			"status": string(types.JobDone),
			"path":   job.Path,
		})
		logger.Info().Int64(log.FieldJobID, job.ID).
			Dur("elapsed", elapsed).Msg("job done")
	} else {
		if err := l.Queue.MarkError(submitCtx, job.ID, res.Error); err != nil {
			logger.Error().Err(err).Int64(log.FieldJobID, job.ID).Msg("mark job error")
		}
		metrics.RecordJob("error", elapsed.Seconds())
		l.publishJob(job.ID, map[string]any{
			"status": string(types.JobError),
			"path":   job.Path,
			"error":  res.Error,
		})
		logger.Warn().Int64(log.FieldJobID, job.ID).
			Str("job_error", res.Error).Msg("job failed")
	}

	l.publishStats(submitCtx)
}

// applyResult persists a successful tagging result: the sidecar next
// to the audio file, then the catalog row (tagged flags, namespace
// version, chromaprint and tag edges). Files the scanner has not
// cataloged yet still get their sidecar; the catalog part is skipped.
func (l *Loop) applyResult(ctx context.Context, path string, results map[string]any, logger zerolog.Logger) {
	version := l.TaggerVersion
	if v, ok := results["tagger_version"].(string); ok && v != "" {
		version = v
	}
	tags := toTagMap(results["tags"])

	if l.Writer != nil {
		doc := make(map[string][]string, len(tags)+1)
		for k, vs := range tags {
			doc[k] = vs
		}
		if l.VersionKey != "" {
			doc[l.VersionKey] = []string{version}
		}
		if err := l.Writer.Write(ctx, path, doc); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("write sidecar")
		}
	}

	file, err := l.Store.GetFileByAbsPath(ctx, path)
	if err != nil {
		if !queue.IsNotFound(err) {
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("catalog lookup after job")
		}
		return
	}

	if err := l.Store.MarkFileTagged(ctx, file.ID, version); err != nil {
		logger.Warn().Err(err).Str(log.FieldPath, path).Msg("mark file tagged")
	}

	if cp, ok := results["chromaprint"].(string); ok && cp != "" {
		if err := l.Store.SetFileChromaprint(ctx, file.ID, cp); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("store chromaprint")
		}
	}

	if len(tags) > 0 {
		existing, err := l.Store.GetFileTags(ctx, file.ID)
		if err != nil {
			logger.Warn().Err(err).Msg("read existing tags")
			return
		}
		for k, vs := range tags {
			existing[k] = vs
		}
		if err := l.Store.ReplaceFileTags(ctx, file.ID, existing, nil); err != nil {
			logger.Warn().Err(err).Msg("store namespace tags")
			return
		}
		if err := l.Store.RebuildMetadataCache(ctx, []int64{file.ID}); err != nil {
			logger.Warn().Err(err).Msg("rebuild metadata cache")
		}
	}
}

// toTagMap normalizes the tags payload, which is map[string][]string
// in-process but map[string]any after a JSON round trip.
func toTagMap(v any) map[string][]string {
	switch tags := v.(type) {
	case map[string][]string:
		return tags
	case map[string]any:
		out := make(map[string][]string, len(tags))
		for k, raw := range tags {
			switch vals := raw.(type) {
			case []string:
				out[k] = vals
			case []any:
				ss := make([]string, 0, len(vals))
				for _, x := range vals {
					if s, ok := x.(string); ok {
						ss = append(ss, s)
					}
				}
				if len(ss) > 0 {
					out[k] = ss
				}
			case string:
				out[k] = []string{vals}
			}
		}
		return out
	default:
		return nil
	}
}

func (l *Loop) publishWorker(fields map[string]any) {
	if l.Events != nil {
		l.Events.UpdateWorkerState(l.ID, fields)
	}
}

func (l *Loop) publishJob(id int64, fields map[string]any) {
	if l.Events != nil {
		l.Events.UpdateJobState(id, fields)
	}
}

// publishStats refreshes the aggregate queue:status topic.
func (l *Loop) publishStats(ctx context.Context) {
	if l.Events == nil {
		return
	}
	stats, err := l.Queue.GetStats(ctx)
	if err != nil {
		log.WithComponent("worker").Warn().Err(err).Msg("queue stats for broadcast")
		return
	}
	l.Events.UpdateQueueState(map[string]any{
		"pending":   stats.Pending,
		"running":   stats.Running,
		"completed": stats.Completed,
		"errors":    stats.Errors,
		"avg_time":  stats.AvgTime,
		"eta":       stats.ETASec,
	})
}

// sleepCtx sleeps d or until ctx is canceled; false means canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// WorkerID formats the canonical worker id of a slot index.
func WorkerID(i int) string {
	return strconv.Itoa(i)
}
