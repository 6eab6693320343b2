// SPDX-License-Identifier: MIT

package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/procgroup"
)

// WorkerModeArg is the hidden argv[1] that switches the daemon binary
// into child mode.
const WorkerModeArg = "worker"

// ExecSpawner re-executes the daemon binary in worker mode. Extra args
// follow WorkerModeArg, typically --config.
func ExecSpawner(extraArgs ...string) Spawner {
	return func(ctx context.Context) (Child, error) {
		bin, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		return spawnProc(ctx, bin, append([]string{WorkerModeArg}, extraArgs...))
	}
}

// procChild is the parent-side handle of one child process.
type procChild struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *json.Encoder
	lines  <-chan []byte
	waitCh chan error
	nextID atomic.Uint64

	mu       sync.Mutex // one outstanding call per child
	stopOnce sync.Once  // Terminate consumes waitCh; reap exactly once
}

func spawnProc(ctx context.Context, bin string, args []string) (Child, error) {
	cmd := exec.Command(bin, args...) // #nosec G204 -- re-exec of our own binary
	procgroup.Set(cmd)
	cmd.Stderr = os.Stderr // child logs flow through the daemon's stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start child: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	// A dedicated reader goroutine turns stdout into a line channel;
	// channel close is the structural crash/exit signal.
	lines := make(chan []byte, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
	}()

	c := &procChild{
		cmd:    cmd,
		stdin:  stdin,
		enc:    json.NewEncoder(stdin),
		lines:  lines,
		waitCh: waitCh,
	}

	if err := c.awaitReady(ctx); err != nil {
		c.Kill(0)
		return nil, err
	}

	log.WithComponent("pool").Debug().Int("pid", cmd.Process.Pid).Msg("child ready")
	return c, nil
}

// awaitReady blocks until the child announces readiness.
func (c *procChild) awaitReady(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("child not ready: %w", ctx.Err())
		case line, ok := <-c.lines:
			if !ok {
				return fmt.Errorf("child exited before ready")
			}
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			if resp.Status == statusReady {
				return nil
			}
		}
	}
}

// Call sends one request and blocks for its response. A closed line
// channel or a write failure is a structural crash.
func (c *procChild) Call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req.ID = c.nextID.Add(1)
	if err := c.enc.Encode(req); err != nil {
		return Response{}, fmt.Errorf("write request: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case line, ok := <-c.lines:
			if !ok {
				return Response{}, fmt.Errorf("child pid %d exited during call", c.Pid())
			}
			var resp Response
			if err := json.Unmarshal(line, &resp); err != nil {
				log.WithComponent("pool").Warn().Err(err).Msg("malformed child response line")
				continue
			}
			if resp.ID != req.ID {
				continue
			}
			return resp, nil
		}
	}
}

// Stop closes stdin so the child loop exits on EOF, then reaps with
// grace.
func (c *procChild) Stop(grace time.Duration) {
	c.terminate(grace)
}

// Kill force-kills the child's process group with a short grace.
func (c *procChild) Kill(grace time.Duration) {
	if grace <= 0 {
		grace = 500 * time.Millisecond
	}
	c.terminate(grace)
}

func (c *procChild) terminate(grace time.Duration) {
	c.stopOnce.Do(func() {
		_ = c.stdin.Close()
		_ = procgroup.Terminate(c.cmd, c.waitCh, grace)
	})
}

func (c *procChild) Pid() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}
