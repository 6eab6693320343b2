// SPDX-License-Identifier: MIT

package scanner

import (
	"context"
	"math"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/media"
	"github.com/tonearm/tonearm/internal/store"
)

// detectMoves pairs files that appeared this scan with missing files
// by chromaprint. A match within the duration tolerance is applied as
// an in-place move, keeping the file's identity and tag history; the
// row created for the new path is dropped. Returns the still-unmatched
// missing files.
func (s *Scanner) detectMoves(ctx context.Context, st *scanState, missing []*store.LibraryFile, res *Result, logger zerolog.Logger) []*store.LibraryFile {
	byPrint := make(map[string][]*store.LibraryFile)
	for _, f := range missing {
		if f.Chromaprint != "" {
			// missing arrives id-sorted, so candidate lists keep
			// identity order for tie-breaking.
			byPrint[f.Chromaprint] = append(byPrint[f.Chromaprint], f)
		}
	}
	if len(byPrint) == 0 {
		return missing
	}

	prints := s.fingerprintNewFiles(ctx, st.newFiles, res, logger)

	matched := make(map[int64]struct{})
	for i, nf := range st.newFiles {
		fp := prints[i]
		if fp.Value == "" {
			continue
		}
		cands := byPrint[fp.Value]
		if len(cands) == 0 {
			continue
		}

		var old *store.LibraryFile
		pick := -1
		for j, cand := range cands {
			if math.Abs(cand.DurationSec-fp.DurationSec) <= moveDurationTolerance {
				old = cand
				pick = j
				break
			}
			logger.Warn().
				Str(log.FieldRelPath, cand.NormalizedPath).
				Float64("old_duration", cand.DurationSec).
				Float64("new_duration", fp.DurationSec).
				Msg("chromaprint collision with incompatible duration")
		}
		if old == nil {
			continue
		}
		byPrint[fp.Value] = append(cands[:pick], cands[pick+1:]...)

		if err := s.applyMove(ctx, st, old, nf); err != nil {
			res.Errors++
			logger.Warn().Err(err).
				Str("old_path", old.NormalizedPath).
				Str("new_path", nf.rel).
				Msg("apply move failed")
			continue
		}
		matched[old.ID] = struct{}{}
		res.FilesMoved++
		res.FilesNew--
		logger.Info().
			Str("old_path", old.NormalizedPath).
			Str("new_path", nf.rel).
			Msg("file move detected")
	}

	remaining := missing[:0]
	for _, f := range missing {
		if _, ok := matched[f.ID]; !ok {
			remaining = append(remaining, f)
		}
	}
	return remaining
}

// fingerprintNewFiles computes chromaprints for the new files with
// bounded parallelism. Failures are counted, not fatal; the slot stays
// a zero Fingerprint.
func (s *Scanner) fingerprintNewFiles(ctx context.Context, files []*newFile, res *Result, logger zerolog.Logger) []media.Fingerprint {
	parallel := s.cfg.FingerprintParallel
	if parallel <= 0 {
		parallel = defaultFingerprints
	}

	prints := make([]media.Fingerprint, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, nf := range files {
		g.Go(func() error {
			fp, err := s.fingerprinter.Fingerprint(gctx, nf.abs)
			if err != nil {
				mu.Lock()
				res.Errors++
				mu.Unlock()
				logger.Debug().Err(err).Str(log.FieldPath, nf.abs).Msg("fingerprint failed")
				return nil
			}
			prints[i] = fp
			return nil
		})
	}
	_ = g.Wait()
	return prints
}

// applyMove rewrites the old record to the new location and drops the
// row the folder scan created for the new path, then re-seeds tag
// edges and the display cache.
func (s *Scanner) applyMove(ctx context.Context, st *scanState, old *store.LibraryFile, nf *newFile) error {
	dup, err := s.store.GetFileByPath(ctx, st.lib.ID, nf.rel)
	if err == nil && dup.ID != old.ID {
		if _, err := s.store.DeleteFilesByIDs(ctx, []int64{dup.ID}); err != nil {
			return err
		}
	}

	if err := s.store.ApplyMove(ctx, old.ID, nf.abs, nf.rel, nf.size, nf.mtimeMs, nf.duration); err != nil {
		return err
	}
	if err := s.store.ReplaceFileTags(ctx, old.ID, nf.tags, s.isNamespaceKey); err != nil {
		return err
	}
	return s.store.RebuildMetadataCache(ctx, []int64{old.ID})
}
