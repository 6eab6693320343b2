// SPDX-License-Identifier: MIT

package pool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tonearm/tonearm/internal/log"
)

// Processor runs the opaque ML tagging inside a child process.
type Processor interface {
	Process(ctx context.Context, path string, force bool) (map[string]any, error)
}

// ChildOptions tune the child loop.
type ChildOptions struct {
	// Maintain is called periodically between requests, e.g. to evict
	// an idle predictor cache. Nil disables it.
	Maintain func()

	// MaintainInterval defaults to one minute.
	MaintainInterval time.Duration
}

// RunChild is the child-process main loop: announce readiness, then
// answer requests from in on out until EOF or ctx cancellation.
// Processing errors are pre-packaged as error responses so the parent
// can tell them apart from a crash.
func RunChild(ctx context.Context, in io.Reader, out io.Writer, proc Processor, opts ChildOptions) error {
	logger := log.WithComponent("pool.child")

	var outMu sync.Mutex
	enc := json.NewEncoder(out)
	send := func(resp Response) error {
		outMu.Lock()
		defer outMu.Unlock()
		return enc.Encode(resp)
	}

	if err := send(Response{Status: statusReady}); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	if opts.Maintain != nil {
		interval := opts.MaintainInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					opts.Maintain()
				}
			}
		}()
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var req Request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			logger.Warn().Err(err).Msg("malformed request line")
			continue
		}

		switch req.Op {
		case opPing:
			if err := send(Response{ID: req.ID, Status: statusPong}); err != nil {
				return fmt.Errorf("write pong: %w", err)
			}
		case opProcess:
			resp := Response{ID: req.ID}
			results, err := proc.Process(ctx, req.Path, req.Force)
			if err != nil {
				resp.Status = StatusError
				resp.Error = err.Error()
				logger.Error().Err(err).Str(log.FieldPath, req.Path).Msg("processing failed")
			} else {
				resp.Status = StatusOK
				resp.Results = results
			}
			if err := send(resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		default:
			if err := send(Response{ID: req.ID, Status: StatusError,
				Error: fmt.Sprintf("unknown op %q", req.Op)}); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("read requests: %w", err)
	}
	// Parent closed stdin: clean shutdown.
	return nil
}
