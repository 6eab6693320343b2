// SPDX-License-Identifier: MIT

package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

// Handle is a loaded head ready for inference.
type Handle interface {
	// Predict scores one audio file and returns label → score.
	Predict(ctx context.Context, audioPath string) (map[string]float64, error)
	// Close releases whatever the backend holds for this head.
	Close() error
}

// Backend loads heads. The daemon stays agnostic of the inference
// runtime; everything model-specific hides behind this interface.
type Backend interface {
	Load(ctx context.Context, m Manifest) (Handle, error)
}

// ExecBackend shells out to an analyzer binary for every prediction.
// The binary contract: `<bin> predict --model-dir <dir> <audio-path>`
// prints {"scores": {label: score}} on stdout and exits non-zero on
// failure.
type ExecBackend struct {
	Bin string
}

// Load verifies the head directory and returns an exec-backed handle.
// The model itself is loaded lazily by the analyzer on first predict.
func (b *ExecBackend) Load(_ context.Context, m Manifest) (Handle, error) {
	if b.Bin == "" {
		return nil, fmt.Errorf("predictor: analyzer binary not configured")
	}
	if _, err := os.Stat(m.Dir); err != nil {
		return nil, fmt.Errorf("predictor: head dir %s: %w", m.Dir, err)
	}
	return &execHandle{bin: b.Bin, manifest: m}, nil
}

type execHandle struct {
	bin      string
	manifest Manifest
}

type analyzerOutput struct {
	Scores map[string]float64 `json:"scores"`
	Error  string             `json:"error,omitempty"`
}

func (h *execHandle) Predict(ctx context.Context, audioPath string) (map[string]float64, error) {
	cmd := exec.CommandContext(ctx, h.bin, "predict", "--model-dir", h.manifest.Dir, audioPath) // #nosec G204 -- bin from config, path from job row
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("analyzer %s on %s: %w: %s", h.manifest.Key(), audioPath, err, stderr.String())
	}

	var out analyzerOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("analyzer %s: parse output: %w", h.manifest.Key(), err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("analyzer %s: %s", h.manifest.Key(), out.Error)
	}
	return out.Scores, nil
}

func (h *execHandle) Close() error { return nil }
