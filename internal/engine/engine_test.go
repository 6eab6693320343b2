// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/health"
	"github.com/tonearm/tonearm/internal/pool"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

// okChild answers every request successfully without a real process.
type okChild struct{}

func (okChild) Call(_ context.Context, req pool.Request) (pool.Response, error) {
	return pool.Response{ID: req.ID, Status: pool.StatusOK,
		Results: map[string]any{"path": req.Path}}, nil
}
func (okChild) Stop(time.Duration) {}
func (okChild) Kill(time.Duration) {}
func (okChild) Pid() int           { return 1 }

func fakeSpawner(context.Context) (pool.Child, error) {
	return okChild{}, nil
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	root   string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	root := t.TempDir()
	cfg := config.Config{
		Queue: config.Queue{PollInterval: 10 * time.Millisecond},
		Pool: config.Pool{
			Workers:      1,
			JobTimeout:   5 * time.Second,
			DrainTimeout: 5 * time.Second,
		},
		Broker:    config.Broker{BufferSize: 100},
		Tags:      config.Tags{Namespace: "nom", VersionKey: "nom:version", TaggerVersion: "1.0.0"},
		Libraries: []config.Library{{Name: "main", Path: root, Default: true}},
	}

	e := New(Options{Config: cfg, Store: st, Spawner: fakeSpawner})
	return &testEnv{engine: e, store: st, root: root}
}

func (env *testEnv) startEngine(t *testing.T) {
	t.Helper()
	require.NoError(t, env.engine.Start(context.Background()))
	t.Cleanup(func() { env.engine.Stop(context.Background()) })
}

func (env *testEnv) writeAudio(t *testing.T, rel string) string {
	t.Helper()
	abs := filepath.Join(env.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("audio"), 0o644))
	return abs
}

func TestStartEnsuresSecretsAndLibraries(t *testing.T) {
	env := newEnv(t)
	env.startEngine(t)
	ctx := context.Background()

	key, err := env.engine.APIKey(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	lib, err := env.store.GetLibraryByName(ctx, "main")
	require.NoError(t, err)
	assert.Equal(t, env.root, lib.RootPath)
	assert.True(t, lib.IsDefault)
}

func TestEnqueueAndProcess(t *testing.T) {
	env := newEnv(t)
	env.startEngine(t)
	ctx := context.Background()

	abs := env.writeAudio(t, "a.mp3")

	res, err := env.engine.Enqueue(ctx, []string{abs}, false, false)
	require.NoError(t, err)
	require.Len(t, res.JobIDs, 1)
	assert.Equal(t, 1, res.FilesQueued)

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := env.engine.GetJob(ctx, res.JobIDs[0])
		require.NoError(t, err)
		if job.Status == types.JobDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	assert.True(t, env.engine.WaitUntilIdle(ctx, 2*time.Second))
}

func TestEnqueueRejectsNonAudio(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	abs := filepath.Join(env.root, "notes.txt")
	require.NoError(t, os.WriteFile(abs, []byte("x"), 0o644))

	_, err := env.engine.Enqueue(ctx, []string{abs}, false, false)
	assert.ErrorContains(t, err, "not a supported audio file")
}

func TestEnqueueDirectoryNeedsRecursive(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.writeAudio(t, "albums/a.mp3")
	env.writeAudio(t, "albums/deep/b.flac")
	dir := filepath.Join(env.root, "albums")

	_, err := env.engine.Enqueue(ctx, []string{dir}, false, false)
	assert.ErrorContains(t, err, "directory")

	res, err := env.engine.Enqueue(ctx, []string{dir}, true, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesQueued)
}

func TestPauseResume(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	paused, err := env.engine.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)

	require.NoError(t, env.engine.Pause(ctx))
	paused, err = env.engine.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused)

	require.NoError(t, env.engine.Resume(ctx))
	paused, err = env.engine.Paused(ctx)
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestStopRestoresPauseState(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	require.NoError(t, env.engine.Start(ctx))
	require.NoError(t, env.engine.Pause(ctx))
	env.engine.Stop(ctx)

	paused, err := env.engine.Paused(ctx)
	require.NoError(t, err)
	assert.True(t, paused, "a deliberate pause survives shutdown")
}

func TestStartScanUsesDefaultLibrary(t *testing.T) {
	env := newEnv(t)
	env.startEngine(t)
	ctx := context.Background()

	env.writeAudio(t, "albums/a.mp3")

	// The file is not a parsable audio container, so extraction fails;
	// the scan still completes and counts the error.
	res, err := env.engine.StartScan(ctx, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesScanned)
	assert.Equal(t, 1, res.Errors)

	scans, err := env.store.ListScans(ctx, 1, 10)
	require.NoError(t, err)
	assert.Len(t, scans, 1)
}

func TestResetAndCleanup(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	abs := env.writeAudio(t, "a.mp3")
	res, err := env.engine.Enqueue(ctx, []string{abs}, false, false)
	require.NoError(t, err)
	id := res.JobIDs[0]

	require.NoError(t, env.store.StartJob(ctx, id))
	n, err := env.engine.ResetJobs(ctx, ResetOptions{Stuck: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, env.store.StartJob(ctx, id))
	require.NoError(t, env.store.MarkJobError(ctx, id, "boom"))
	n, err = env.engine.ResetJobs(ctx, ResetOptions{Errors: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, env.store.StartJob(ctx, id))
	require.NoError(t, env.store.MarkJobDone(ctx, id, ""))
	time.Sleep(5 * time.Millisecond)
	n, err = env.engine.CleanupOld(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAdminPasswordRoundTrip(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	ok, err := env.engine.CheckAdminPassword(ctx, "whatever")
	require.NoError(t, err)
	assert.False(t, ok, "no password set yet")

	assert.Error(t, env.engine.SetAdminPassword(ctx, "short"))
	require.NoError(t, env.engine.SetAdminPassword(ctx, "correct horse battery"))

	ok, err = env.engine.CheckAdminPassword(ctx, "correct horse battery")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.engine.CheckAdminPassword(ctx, "wrong")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealthCheckersRegistered(t *testing.T) {
	env := newEnv(t)
	hm := health.NewManager("test")
	env.engine.health = hm
	env.startEngine(t)

	resp := hm.Ready(context.Background())
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Checks, "store")
	assert.Contains(t, resp.Checks, "pool")
	assert.Contains(t, resp.Checks, "queue")
}
