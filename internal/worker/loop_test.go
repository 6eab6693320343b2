// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonearm/tonearm/internal/media"
	"github.com/tonearm/tonearm/internal/pool"
	"github.com/tonearm/tonearm/internal/queue"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

type fakeSubmitter struct {
	submit func(ctx context.Context, path string, force bool) pool.Result
}

func (f *fakeSubmitter) Submit(ctx context.Context, path string, force bool) pool.Result {
	return f.submit(ctx, path, force)
}

func newFixture(t *testing.T) (*store.Store, *queue.Queue) {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st, queue.New(st)
}

// runLoop starts the loop and returns a stop function that cancels it
// and waits for the goroutine to exit.
func runLoop(t *testing.T, l *Loop) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("loop did not stop")
		}
	}
}

// waitForStatus polls until the job reaches the wanted status.
func waitForStatus(t *testing.T, q *queue.Queue, id int64, want types.JobStatus) *store.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := q.Get(context.Background(), id)
		require.NoError(t, err)
		if job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %d never reached %s", id, want)
	return nil
}

func TestLoopProcessesJob(t *testing.T) {
	st, q := newFixture(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "/music/a.mp3", false)
	require.NoError(t, err)

	l := &Loop{
		ID:    "0",
		Queue: q,
		Store: st,
		Pool: &fakeSubmitter{submit: func(_ context.Context, path string, _ bool) pool.Result {
			return pool.Result{Status: pool.StatusOK, Results: map[string]any{"path": path}}
		}},
		PollInterval: 10 * time.Millisecond,
	}
	stop := runLoop(t, l)
	defer stop()

	job := waitForStatus(t, q, id, types.JobDone)
	assert.Contains(t, job.ResultsJSON, "/music/a.mp3")
	require.NotNil(t, job.FinishedAtMs)
}

func TestLoopMarksErrorOnFailure(t *testing.T) {
	st, q := newFixture(t)
	ctx := context.Background()

	id, err := q.Add(ctx, "/music/bad.mp3", false)
	require.NoError(t, err)

	l := &Loop{
		ID:    "0",
		Queue: q,
		Store: st,
		Pool: &fakeSubmitter{submit: func(context.Context, string, bool) pool.Result {
			return pool.Result{Status: pool.StatusError, Error: "decode failed"}
		}},
		PollInterval: 10 * time.Millisecond,
	}
	stop := runLoop(t, l)
	defer stop()

	job := waitForStatus(t, q, id, types.JobError)
	assert.Equal(t, "decode failed", job.ErrorMessage)
	assert.False(t, l.Busy())
}

func TestLoopHonorsDisabledFlag(t *testing.T) {
	st, q := newFixture(t)
	ctx := context.Background()

	require.NoError(t, st.SetWorkerEnabled(ctx, false))
	id, err := q.Add(ctx, "/music/a.mp3", false)
	require.NoError(t, err)

	var disabled atomic.Bool
	disabled.Store(true)

	l := &Loop{
		ID:    "0",
		Queue: q,
		Store: st,
		Pool: &fakeSubmitter{submit: func(context.Context, string, bool) pool.Result {
			if disabled.Load() {
				t.Error("submit must not run while disabled")
			}
			return pool.Result{Status: pool.StatusOK}
		}},
		PollInterval: 5 * time.Millisecond,
	}
	stop := runLoop(t, l)
	defer stop()

	time.Sleep(50 * time.Millisecond)
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, job.Status)

	// Re-enabling lets the pending job through.
	disabled.Store(false)
	require.NoError(t, st.SetWorkerEnabled(ctx, true))
	waitForStatus(t, q, id, types.JobDone)
}

func TestLoopAppliesResultToCatalog(t *testing.T) {
	st, q := newFixture(t)
	ctx := context.Background()

	lib, err := st.EnsureLibrary(ctx, "main", "/music", true)
	require.NoError(t, err)
	_, _, err = st.UpsertFiles(ctx, []*store.LibraryFile{{
		LibraryID:      lib.ID,
		Path:           "/music/albums/a.flac",
		NormalizedPath: "albums/a.flac",
		NeedsTagging:   true,
	}})
	require.NoError(t, err)

	id, err := q.Add(ctx, "/music/albums/a.flac", false)
	require.NoError(t, err)

	l := &Loop{
		ID:    "0",
		Queue: q,
		Store: st,
		Pool: &fakeSubmitter{submit: func(context.Context, string, bool) pool.Result {
			return pool.Result{Status: pool.StatusOK, Results: map[string]any{
				"chromaprint":    "AQAA_fingerprint",
				"tagger_version": "1.2.0",
				"tags": map[string]any{
					"nom:genre_electronic_house": []any{"0.91"},
				},
			}}
		}},
		PollInterval:  10 * time.Millisecond,
		TaggerVersion: "0.0.0",
	}
	stop := runLoop(t, l)
	defer stop()

	waitForStatus(t, q, id, types.JobDone)

	file, err := st.GetFileByAbsPath(ctx, "/music/albums/a.flac")
	require.NoError(t, err)
	assert.True(t, file.Tagged)
	assert.Equal(t, "1.2.0", file.NamespaceVersion)
	assert.Equal(t, "AQAA_fingerprint", file.Chromaprint)

	tags, err := st.GetFileTags(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.91"}, tags["nom:genre_electronic_house"])
}

func TestLoopWritesSidecar(t *testing.T) {
	st, q := newFixture(t)
	ctx := context.Background()

	root := t.TempDir()
	audio := filepath.Join(root, "a.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o644))

	id, err := q.Add(ctx, audio, false)
	require.NoError(t, err)

	l := &Loop{
		ID:    "0",
		Queue: q,
		Store: st,
		Pool: &fakeSubmitter{submit: func(context.Context, string, bool) pool.Result {
			return pool.Result{Status: pool.StatusOK, Results: map[string]any{
				"tags": map[string]any{"nom:mood_calm": []any{"0.88"}},
			}}
		}},
		Writer:        &media.SidecarWriter{Namespace: "nom", VersionKey: "nom:version"},
		PollInterval:  10 * time.Millisecond,
		TaggerVersion: "1.0.0",
		VersionKey:    "nom:version",
	}
	stop := runLoop(t, l)
	defer stop()

	waitForStatus(t, q, id, types.JobDone)

	data, err := os.ReadFile(media.SidecarPath(audio, "nom"))
	require.NoError(t, err)
	var doc map[string][]string
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, []string{"0.88"}, doc["nom:mood_calm"])
	assert.Equal(t, []string{"1.0.0"}, doc["nom:version"])
}

func TestLoopDrainsMultipleJobs(t *testing.T) {
	st, q := newFixture(t)
	ctx := context.Background()

	ids := make([]int64, 0, 5)
	for i := 0; i < 5; i++ {
		id, err := q.Add(ctx, fmt.Sprintf("/music/%d.mp3", i), false)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	l := &Loop{
		ID:    "0",
		Queue: q,
		Store: st,
		Pool: &fakeSubmitter{submit: func(context.Context, string, bool) pool.Result {
			return pool.Result{Status: pool.StatusOK}
		}},
		PollInterval: 10 * time.Millisecond,
	}
	stop := runLoop(t, l)
	defer stop()

	for _, id := range ids {
		waitForStatus(t, q, id, types.JobDone)
	}
}

func TestToTagMapJSONShapes(t *testing.T) {
	got := toTagMap(map[string]any{
		"nom:mood_energetic": []any{"0.8", "0.7"},
		"nom:bpm":            "128",
	})
	assert.Equal(t, []string{"0.8", "0.7"}, got["nom:mood_energetic"])
	assert.Equal(t, []string{"128"}, got["nom:bpm"])

	assert.Nil(t, toTagMap(nil))
	assert.Nil(t, toTagMap(42))
}
