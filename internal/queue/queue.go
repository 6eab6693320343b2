// SPDX-License-Identifier: MIT

// Package queue is the transactional job API over the store's queue
// table. Every transition commits eagerly; the claim primitive
// guarantees at most one worker holds a job.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

// ErrNotFound mirrors the store's sentinel for callers that do not
// import store directly.
var ErrNotFound = store.ErrNotFound

// avgAlpha is the EMA weight of the newest sample in the rolling
// average processing time.
const avgAlpha = 0.2

// Queue wraps the durable store's queue table.
type Queue struct {
	store *store.Store
}

// New creates a queue over the store.
func New(st *store.Store) *Queue {
	return &Queue{store: st}
}

// Add inserts a new pending job. The same path may be queued more than
// once; each call creates a distinct job.
func (q *Queue) Add(ctx context.Context, path string, force bool) (int64, error) {
	id, err := q.store.InsertJob(ctx, path, force)
	if err != nil {
		return 0, err
	}
	log.WithComponent("queue").Debug().
		Int64(log.FieldJobID, id).
		Str(log.FieldPath, path).
		Bool("force", force).
		Msg("job enqueued")
	return id, nil
}

// Get returns the job snapshot or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id int64) (*store.Job, error) {
	return q.store.GetJob(ctx, id)
}

// List pages jobs newest-first with an honest total.
func (q *Queue) List(ctx context.Context, opts store.ListJobsOpts) ([]store.Job, int, error) {
	return q.store.ListJobs(ctx, opts)
}

// Stats is the aggregate queue snapshot published on queue:status.
type Stats struct {
	Pending   int     `json:"pending"`
	Running   int     `json:"running"`
	Completed int     `json:"completed"`
	Errors    int     `json:"errors"`
	AvgTime   float64 `json:"avg_time"`
	ETASec    float64 `json:"eta"`
}

// GetStats returns counts grouped by status plus the average
// processing time and the ETA it implies for the backlog.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	counts, err := q.store.QueueStats(ctx)
	if err != nil {
		return Stats{}, err
	}
	avg, err := q.store.AvgProcessingTime(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		Pending:   counts[types.JobPending],
		Running:   counts[types.JobRunning],
		Completed: counts[types.JobDone],
		Errors:    counts[types.JobError],
		AvgTime:   avg,
	}
	s.ETASec = avg * float64(s.Pending+s.Running)

	metrics.SetQueueDepth(s.Pending + s.Running)
	return s, nil
}

// Depth returns the count of pending plus running jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	counts, err := q.store.QueueStats(ctx)
	if err != nil {
		return 0, err
	}
	return counts[types.JobPending] + counts[types.JobRunning], nil
}

// Start claims one specific job: pending → running. Exactly one caller
// wins; the rest get store.ErrInvalidTransition.
func (q *Queue) Start(ctx context.Context, id int64) error {
	return q.store.StartJob(ctx, id)
}

// StartNext claims the oldest pending job in one transaction, or
// returns ErrNotFound when the queue has no pending work.
func (q *Queue) StartNext(ctx context.Context) (*store.Job, error) {
	return q.store.ClaimNextPending(ctx)
}

// MarkDone terminates a running job successfully and folds its
// duration into the rolling average.
func (q *Queue) MarkDone(ctx context.Context, id int64, results map[string]any) error {
	var resultsJSON string
	if len(results) > 0 {
		data, err := json.Marshal(results)
		if err != nil {
			return fmt.Errorf("encode results: %w", err)
		}
		resultsJSON = string(data)
	}

	if err := q.store.MarkJobDone(ctx, id, resultsJSON); err != nil {
		return err
	}
	q.recordDuration(ctx, id)
	return nil
}

// MarkError terminates a running job with a message.
func (q *Queue) MarkError(ctx context.Context, id int64, message string) error {
	return q.store.MarkJobError(ctx, id, message)
}

// recordDuration updates meta.avg_processing_time with an EMA of the
// finished job's wall time. Best effort; a failed update never fails
// the job.
func (q *Queue) recordDuration(ctx context.Context, id int64) {
	job, err := q.store.GetJob(ctx, id)
	if err != nil || job.StartedAtMs == nil || job.FinishedAtMs == nil {
		return
	}
	seconds := float64(*job.FinishedAtMs-*job.StartedAtMs) / 1000

	avg, err := q.store.AvgProcessingTime(ctx)
	if err != nil {
		return
	}
	if avg <= 0 {
		avg = seconds
	} else {
		avg = avgAlpha*seconds + (1-avgAlpha)*avg
	}
	if err := q.store.SetAvgProcessingTime(ctx, avg); err != nil {
		log.WithComponent("queue").Warn().Err(err).Msg("store rolling average failed")
	}
}

// Flush deletes jobs in the given terminal statuses (default done and
// error). Running and unknown statuses are rejected.
func (q *Queue) Flush(ctx context.Context, statuses []string) (int, error) {
	parsed := make([]types.JobStatus, 0, len(statuses))
	for _, s := range statuses {
		st, err := types.ParseJobStatus(s)
		if err != nil {
			return 0, err
		}
		parsed = append(parsed, st)
	}
	return q.store.FlushJobs(ctx, parsed)
}

// ResetRunningToPending recovers crash-orphans. Runs at startup and on
// admin reset.
func (q *Queue) ResetRunningToPending(ctx context.Context) (int, error) {
	n, err := q.store.ResetRunningToPending(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithComponent("queue").Info().Int("jobs", n).Msg("running jobs reset to pending")
	}
	return n, nil
}

// ResetErrorsToPending re-queues errored jobs.
func (q *Queue) ResetErrorsToPending(ctx context.Context) (int, error) {
	return q.store.ResetErrorsToPending(ctx)
}

// Remove deletes jobs by filter; running jobs are refused.
func (q *Queue) Remove(ctx context.Context, f store.RemoveJobsFilter) (int, error) {
	return q.store.RemoveJobs(ctx, f)
}

// CleanupOld deletes terminal jobs finished before now-maxAge.
func (q *Queue) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	return q.store.CleanupOldJobs(ctx, maxAge)
}

// IsNotFound reports whether err is the queue's not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
