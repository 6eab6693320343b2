// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeChild simulates one inference process in-process.
type fakeChild struct {
	call   func(ctx context.Context, req Request) (Response, error)
	killed atomic.Bool
}

func (f *fakeChild) Call(ctx context.Context, req Request) (Response, error) {
	return f.call(ctx, req)
}

func (f *fakeChild) Stop(time.Duration) { f.killed.Store(true) }
func (f *fakeChild) Kill(time.Duration) { f.killed.Store(true) }
func (f *fakeChild) Pid() int           { return 1 }

func okChild() *fakeChild {
	return &fakeChild{call: func(_ context.Context, req Request) (Response, error) {
		return Response{ID: req.ID, Status: StatusOK,
			Results: map[string]any{"path": req.Path}}, nil
	}}
}

func crashChild() *fakeChild {
	return &fakeChild{call: func(context.Context, Request) (Response, error) {
		return Response{}, fmt.Errorf("child exited during call")
	}}
}

// sequenceSpawner hands out children from a script, then ok children.
func sequenceSpawner(script ...*fakeChild) (Spawner, *atomic.Int32) {
	var mu sync.Mutex
	var spawned atomic.Int32
	i := 0
	return func(context.Context) (Child, error) {
		mu.Lock()
		defer mu.Unlock()
		spawned.Add(1)
		if i < len(script) {
			c := script[i]
			i++
			return c, nil
		}
		return okChild(), nil
	}, &spawned
}

func TestSubmitSuccess(t *testing.T) {
	spawn, _ := sequenceSpawner()
	p := New(Config{Size: 1, JobTimeout: time.Second}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := p.Submit(context.Background(), "/x.mp3", false)
	require.True(t, res.OK())
	assert.Equal(t, "/x.mp3", res.Results["path"])
}

func TestChildErrorIsNotACrash(t *testing.T) {
	failing := &fakeChild{call: func(_ context.Context, req Request) (Response, error) {
		return Response{ID: req.ID, Status: StatusError, Error: "decode failed"}, nil
	}}
	spawn, spawned := sequenceSpawner(failing)
	p := New(Config{Size: 1, JobTimeout: time.Second}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := p.Submit(context.Background(), "/x.mp3", false)
	assert.False(t, res.OK())
	assert.Equal(t, "decode failed", res.Error)
	// A pre-packaged error must not trigger a rebuild.
	assert.Equal(t, int32(1), spawned.Load())
}

func TestCrashRebuildsAndRetriesOnce(t *testing.T) {
	spawn, spawned := sequenceSpawner(crashChild())
	p := New(Config{Size: 1, JobTimeout: time.Second}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := p.Submit(context.Background(), "/x.mp3", false)
	require.True(t, res.OK(), "retry on fresh pool should succeed: %s", res.Error)
	// One initial child + one rebuilt child.
	assert.Equal(t, int32(2), spawned.Load())
}

func TestCrashTwiceFailsJob(t *testing.T) {
	spawn, spawned := sequenceSpawner(crashChild(), crashChild())
	p := New(Config{Size: 1, JobTimeout: time.Second}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := p.Submit(context.Background(), "/x.mp3", false)
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "Worker crash (retry failed)")
	assert.Equal(t, int32(2), spawned.Load())
}

func TestTimeoutIsNotRetried(t *testing.T) {
	slow := &fakeChild{call: func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}}
	spawn, spawned := sequenceSpawner(slow)
	p := New(Config{Size: 1, JobTimeout: 50 * time.Millisecond, ReadyTimeout: time.Second}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	res := p.Submit(context.Background(), "/slow.mp3", false)
	assert.False(t, res.OK())
	assert.True(t, strings.HasPrefix(res.Error, "Processing timeout (>"), res.Error)
	assert.True(t, slow.killed.Load(), "timed-out child must be killed")

	// The slot is respawned, not the whole pool, and the next job runs.
	res = p.Submit(context.Background(), "/ok.mp3", false)
	require.True(t, res.OK())
	assert.Equal(t, int32(2), spawned.Load())
}

func TestTimeoutRespawnKeepsPoolSize(t *testing.T) {
	slowCall := func(ctx context.Context, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, ctx.Err()
	}
	spawn, spawned := sequenceSpawner(
		&fakeChild{call: slowCall},
		&fakeChild{call: slowCall},
	)
	p := New(Config{Size: 2, JobTimeout: 50 * time.Millisecond, ReadyTimeout: time.Second}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	// Each timeout kills one child; the replacement must take the dead
	// child's slot in the tracking list, not sit next to it.
	for i := 0; i < 2; i++ {
		res := p.Submit(context.Background(), fmt.Sprintf("/slow%d.mp3", i), false)
		assert.False(t, res.OK())
		assert.Equal(t, 2, p.ChildCount())
	}

	res := p.Submit(context.Background(), "/ok.mp3", false)
	require.True(t, res.OK())
	assert.Equal(t, 2, p.ChildCount())
	assert.Equal(t, int32(4), spawned.Load())
}

func TestSubmitAfterStop(t *testing.T) {
	spawn, _ := sequenceSpawner()
	p := New(Config{Size: 1}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	p.Stop()

	res := p.Submit(context.Background(), "/x.mp3", false)
	assert.False(t, res.OK())
	assert.Contains(t, res.Error, "shut down")
}

func TestStartIdempotent(t *testing.T) {
	spawn, spawned := sequenceSpawner()
	p := New(Config{Size: 2}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Equal(t, int32(2), spawned.Load())
}

func TestParallelSubmits(t *testing.T) {
	spawn, _ := sequenceSpawner()
	p := New(Config{Size: 4, JobTimeout: time.Second}, spawn, nil)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := p.Submit(context.Background(), fmt.Sprintf("/f%d.mp3", i), false)
			if !res.OK() {
				failures.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Zero(t, failures.Load())
}
