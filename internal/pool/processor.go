// SPDX-License-Identifier: MIT

package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/media"
	"github.com/tonearm/tonearm/internal/predictor"
)

// TagProcessor is the default Processor: it scores a file with every
// loaded model head and computes its chromaprint. It lives in the
// child, so the predictor cache it owns is per-process by
// construction.
type TagProcessor struct {
	Cache         *predictor.Cache
	ModelsDir     string
	Fingerprinter media.Fingerprinter
	Namespace     string
	TaggerVersion string
}

// Process runs inference on one file. force is recorded in the result
// so downstream consumers can tell a forced re-tag from a first run.
func (p *TagProcessor) Process(ctx context.Context, path string, force bool) (map[string]any, error) {
	if _, err := p.Cache.Warmup(ctx, p.ModelsDir); err != nil {
		return nil, fmt.Errorf("warm up predictors: %w", err)
	}
	p.Cache.Touch()

	logger := log.WithComponent("processor")

	scores := make(map[string]map[string]float64)
	for key, handle := range p.Cache.Handles() {
		headScores, err := handle.Predict(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("predict %s: %w", key, err)
		}
		scores[key.String()] = headScores
	}

	results := map[string]any{
		"tags":           p.tagsFromScores(scores),
		"scores":         scores,
		"heads":          len(scores),
		"force":          force,
		"tagger_version": p.TaggerVersion,
	}

	if p.Fingerprinter != nil {
		fp, err := p.Fingerprinter.Fingerprint(ctx, path)
		if err != nil {
			// Tagging still counts without a fingerprint; move
			// detection just loses this file until the next run.
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("fingerprint failed")
		} else {
			results["chromaprint"] = fp.Value
			results["duration"] = fp.DurationSec
		}
	}

	return results, nil
}

// tagsFromScores flattens head scores into namespace tag values,
// keeping labels that clear the activation threshold.
func (p *TagProcessor) tagsFromScores(scores map[string]map[string]float64) map[string][]string {
	const threshold = 0.5

	ns := p.Namespace
	if ns == "" {
		ns = "nom"
	}

	tags := make(map[string][]string)
	for head, labels := range scores {
		var active []string
		for label, score := range labels {
			if score >= threshold {
				active = append(active, label)
			}
		}
		if len(active) > 0 {
			key := ns + ":" + strings.ToLower(strings.ReplaceAll(head, "/", "_"))
			tags[key] = active
		}
	}
	return tags
}
