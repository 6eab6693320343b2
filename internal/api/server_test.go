// SPDX-License-Identifier: MIT

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/engine"
	"github.com/tonearm/tonearm/internal/health"
	"github.com/tonearm/tonearm/internal/pool"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/types"
)

type okChild struct{}

func (okChild) Call(_ context.Context, req pool.Request) (pool.Response, error) {
	return pool.Response{ID: req.ID, Status: pool.StatusOK,
		Results: map[string]any{"path": req.Path}}, nil
}
func (okChild) Stop(time.Duration) {}
func (okChild) Kill(time.Duration) {}
func (okChild) Pid() int           { return 1 }

type testServer struct {
	srv    *Server
	ts     *httptest.Server
	engine *engine.Engine
	root   string
}

func newTestServer(t *testing.T) *testServer {
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

	hm := health.NewManager("test")
	e := engine.New(engine.Options{
		Config: cfg,
		Store:  st,
		Spawner: func(context.Context) (pool.Child, error) {
			return okChild{}, nil
		},
		Health: hm,
	})
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop(context.Background()) })

	srv := NewServer(e, hm, config.API{ListenAddr: "127.0.0.1:0"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, ts: ts, engine: e, root: root}
}

func (s *testServer) writeAudio(t *testing.T, rel string) string {
	t.Helper()
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("audio"), 0o644))
	return abs
}

func (s *testServer) postJSON(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(s.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.Contains(t, body, "pending")
	assert.Equal(t, false, body["paused"])
}

func TestEnqueueAndGetJob(t *testing.T) {
	s := newTestServer(t)
	abs := s.writeAudio(t, "a.mp3")

	resp := s.postJSON(t, "/api/jobs", map[string]any{"paths": []string{abs}})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	res := decodeBody[engine.EnqueueResult](t, resp)
	require.Len(t, res.JobIDs, 1)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(fmt.Sprintf("%s/api/jobs/%d", s.ts.URL, res.JobIDs[0]))
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		job := decodeBody[store.Job](t, resp)
		if job.Status == types.JobDone {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job stuck in %s", job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp2, err := http.Get(s.ts.URL + "/api/jobs/?status=done")
	require.NoError(t, err)
	list := decodeBody[map[string]any](t, resp2)
	assert.EqualValues(t, 1, list["total"])
}

func TestEnqueueRejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	resp := s.postJSON(t, "/api/jobs", map[string]any{"paths": []string{}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.postJSON(t, "/api/jobs", map[string]any{"paths": []string{filepath.Join(s.root, "missing.mp3")}})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetJobNotFound(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/jobs/9999")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(s.ts.URL + "/api/jobs/notanumber")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.writeAudio(t, "albums/a.mp3")

	resp := s.postJSON(t, "/api/scan", map[string]any{"full": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["files_scanned"])
}

func TestScanUnknownLibrary(t *testing.T) {
	s := newTestServer(t)

	resp := s.postJSON(t, "/api/scan", map[string]any{"library_id": 999})
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPauseResumeEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp := s.postJSON(t, "/api/queue/pause", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	paused, err := s.engine.Paused(context.Background())
	require.NoError(t, err)
	assert.True(t, paused)

	resp = s.postJSON(t, "/api/queue/resume", nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	paused, err = s.engine.Paused(context.Background())
	require.NoError(t, err)
	assert.False(t, paused)
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.ts.URL+"/api/events?topics=queue:status", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Pausing publishes a retained queue:status update.
	require.NoError(t, s.engine.Pause(context.Background()))

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: state_update") {
			sawEvent = true
		}
		if sawEvent && strings.HasPrefix(line, "data: ") {
			var ev map[string]any
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			assert.Equal(t, "queue:status", ev["topic"])
			return
		}
	}
	t.Fatal("no queue:status event received")
}

func TestEventStreamRejectsBadPattern(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.ts.URL + "/api/events?topics=[bad")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSplitTopics(t *testing.T) {
	assert.Equal(t, []string{"*"}, splitTopics(""))
	assert.Equal(t, []string{"*"}, splitTopics(" , "))
	assert.Equal(t, []string{"queue:*", "scan:progress"}, splitTopics("queue:*, scan:progress"))
}
