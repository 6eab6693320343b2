package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// FpcalcFingerprinter computes chromaprints with the fpcalc binary
// from the chromaprint toolset.
type FpcalcFingerprinter struct {
	Bin string // defaults to "fpcalc" on PATH
}

type fpcalcOutput struct {
	Duration    float64 `json:"duration"`
	Fingerprint string  `json:"fingerprint"`
}

// Fingerprint runs fpcalc -json on path.
func (f *FpcalcFingerprinter) Fingerprint(ctx context.Context, path string) (Fingerprint, error) {
	bin := f.Bin
	if bin == "" {
		bin = "fpcalc"
	}

	cmd := exec.CommandContext(ctx, bin, "-json", path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return Fingerprint{}, fmt.Errorf("fpcalc %s: %w: %s", path, err, stderr.String())
	}

	var out fpcalcOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return Fingerprint{}, fmt.Errorf("parse fpcalc output for %s: %w", path, err)
	}
	if out.Fingerprint == "" {
		return Fingerprint{}, fmt.Errorf("fpcalc returned empty fingerprint for %s", path)
	}

	return Fingerprint{Value: out.Fingerprint, DurationSec: out.Duration}, nil
}
