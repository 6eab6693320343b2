// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tonearm/tonearm/internal/types"
)

// Job is one requested tagging of one file.
type Job struct {
	ID           int64           `json:"id"`
	Path         string          `json:"path"`
	Status       types.JobStatus `json:"status"`
	CreatedAtMs  int64           `json:"created_at_ms"`
	StartedAtMs  *int64          `json:"started_at_ms,omitempty"`
	FinishedAtMs *int64          `json:"finished_at_ms,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ResultsJSON  string          `json:"results,omitempty"`
	Force        bool            `json:"force"`
}

const jobColumns = `id, path, status, created_at_ms, started_at_ms, finished_at_ms,
	COALESCE(error_message, ''), COALESCE(results_json, ''), force`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var started, finished sql.NullInt64
	if err := row.Scan(&j.ID, &j.Path, &j.Status, &j.CreatedAtMs,
		&started, &finished, &j.ErrorMessage, &j.ResultsJSON, &j.Force); err != nil {
		return nil, err
	}
	if started.Valid {
		j.StartedAtMs = &started.Int64
	}
	if finished.Valid {
		j.FinishedAtMs = &finished.Int64
	}
	return &j, nil
}

// InsertJob creates a pending job and returns its id. The same path
// may be enqueued more than once; each call creates a distinct job.
func (s *Store) InsertJob(ctx context.Context, path string, force bool) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (path, status, created_at_ms, force)
		VALUES (?, 'pending', ?, ?)`,
		path, s.nowMs(), force)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job id: %w", err)
	}
	return id, nil
}

// GetJob returns the job or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM queue WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// ListJobsOpts filters and pages ListJobs.
type ListJobsOpts struct {
	Status *types.JobStatus
	Limit  int
	Offset int
}

// ListJobs returns a page of jobs newest-first plus the total count of
// the filtered set, so pagination stays honest.
func (s *Store) ListJobs(ctx context.Context, opts ListJobsOpts) ([]Job, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	where := "1=1"
	args := []any{}
	if opts.Status != nil {
		where = "status = ?"
		args = append(args, string(*opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM queue WHERE ` + where +
		` ORDER BY id DESC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, total, nil
}

// QueueStats returns counts grouped by status in one query.
func (s *Store) QueueStats(ctx context.Context) (map[types.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[types.JobStatus]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}
	return stats, nil
}

// ClaimNextPending atomically transitions the oldest pending job to
// running and returns it, or ErrNotFound when the queue is empty. The
// conditional update guarantees exactly one claim per job even with
// several loops polling.
func (s *Store) ClaimNextPending(ctx context.Context) (*Job, error) {
	for {
		var id int64
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM queue WHERE status = 'pending' ORDER BY id LIMIT 1`).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("next pending: %w", err)
		}

		err = s.StartJob(ctx, id)
		if errors.Is(err, ErrInvalidTransition) {
			// Another loop won the race for this id; try the next one.
			continue
		}
		if err != nil {
			return nil, err
		}
		return s.GetJob(ctx, id)
	}
}

// StartJob transitions pending → running and stamps started_at. It is
// the claim primitive: the WHERE clause makes the transition succeed
// for exactly one caller.
func (s *Store) StartJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET status = 'running', started_at_ms = ?
		WHERE id = ? AND status = 'pending'`,
		s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("start job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("start job %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

// MarkJobDone transitions running → done and stores the result blob.
func (s *Store) MarkJobDone(ctx context.Context, id int64, resultsJSON string) error {
	return s.finishJob(ctx, id, types.JobDone, "", resultsJSON)
}

// MarkJobError transitions running → error with a message.
func (s *Store) MarkJobError(ctx context.Context, id int64, message string) error {
	return s.finishJob(ctx, id, types.JobError, message, "")
}

func (s *Store) finishJob(ctx context.Context, id int64, status types.JobStatus, message, resultsJSON string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue SET status = ?, finished_at_ms = ?, error_message = ?, results_json = ?
		WHERE id = ? AND status = 'running'`,
		string(status), s.nowMs(), message, resultsJSON, id)
	if err != nil {
		return fmt.Errorf("finish job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job %d: rows affected: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("job %d not running: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FlushJobs deletes jobs in the given terminal statuses and returns
// how many were removed. Running and unknown statuses are rejected.
func (s *Store) FlushJobs(ctx context.Context, statuses []types.JobStatus) (int, error) {
	if len(statuses) == 0 {
		statuses = []types.JobStatus{types.JobDone, types.JobError}
	}
	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, st := range statuses {
		if !st.IsValid() {
			return 0, fmt.Errorf("flush: unknown status %q", st)
		}
		if st == types.JobRunning {
			return 0, fmt.Errorf("flush: refusing to delete running jobs")
		}
		placeholders = append(placeholders, "?")
		args = append(args, string(st))
	}
	where := "status IN (" + strings.Join(placeholders, ", ") + ")"
	return s.countAndDelete(ctx, "queue", where, args...)
}

// ResetRunningToPending recovers crash-orphans: every running job goes
// back to pending with its start time cleared. Returns the count.
func (s *Store) ResetRunningToPending(ctx context.Context) (int, error) {
	return s.countAndUpdate(ctx, "queue",
		"status = 'pending', started_at_ms = NULL",
		"status = 'running'")
}

// ResetErrorsToPending re-queues errored jobs for another attempt.
func (s *Store) ResetErrorsToPending(ctx context.Context) (int, error) {
	return s.countAndUpdate(ctx, "queue",
		"status = 'pending', started_at_ms = NULL, finished_at_ms = NULL, error_message = ''",
		"status = 'error'")
}

// RemoveJobsFilter selects jobs for RemoveJobs. Exactly one of ID,
// Status or All should be set.
type RemoveJobsFilter struct {
	ID     *int64
	Status *types.JobStatus
	All    bool
}

// RemoveJobs deletes matching jobs. Running jobs are never removed;
// callers pause the workers and reset first.
func (s *Store) RemoveJobs(ctx context.Context, f RemoveJobsFilter) (int, error) {
	switch {
	case f.ID != nil:
		job, err := s.GetJob(ctx, *f.ID)
		if err != nil {
			return 0, err
		}
		if job.Status == types.JobRunning {
			return 0, fmt.Errorf("job %d is running: %w", *f.ID, ErrInvalidTransition)
		}
		return s.countAndDelete(ctx, "queue", "id = ?", *f.ID)
	case f.Status != nil:
		if !f.Status.IsValid() {
			return 0, fmt.Errorf("remove: unknown status %q", *f.Status)
		}
		if *f.Status == types.JobRunning {
			return 0, fmt.Errorf("remove: refusing to delete running jobs")
		}
		return s.countAndDelete(ctx, "queue", "status = ?", string(*f.Status))
	case f.All:
		return s.countAndDelete(ctx, "queue", "status != 'running'")
	default:
		return 0, fmt.Errorf("remove: empty filter")
	}
}

// CleanupOldJobs deletes terminal jobs finished before now-maxAge.
func (s *Store) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	return s.countAndDelete(ctx, "queue",
		"status IN ('done', 'error') AND finished_at_ms IS NOT NULL AND finished_at_ms < ?",
		cutoff)
}
