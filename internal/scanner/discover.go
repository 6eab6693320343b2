// SPDX-License-Identifier: MIT

package scanner

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/store"
)

// folderInfo is one directory observed during discovery. rel is POSIX
// relative to the library root, "." for the root itself; count is the
// number of direct audio children.
type folderInfo struct {
	abs     string
	rel     string
	mtimeMs int64
	count   int
}

// validateTargets filters the requested scan targets down to readable
// directories inside the library root. Invalid entries are dropped
// with a warning, never fatal.
func (s *Scanner) validateTargets(lib *store.Library, targets []string, logger zerolog.Logger) []string {
	if len(targets) == 0 {
		targets = []string{lib.RootPath}
	}

	var valid []string
	for _, t := range targets {
		abs, err := filepath.Abs(t)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, t).Msg("target dropped: unresolvable")
			continue
		}
		if _, err := relPOSIX(lib.RootPath, abs); err != nil {
			logger.Warn().Str(log.FieldPath, abs).Msg("target dropped: outside library root")
			continue
		}
		info, err := os.Stat(abs)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, abs).Msg("target dropped: not accessible")
			continue
		}
		if !info.IsDir() {
			logger.Warn().Str(log.FieldPath, abs).Msg("target dropped: not a directory")
			continue
		}
		if _, err := os.ReadDir(abs); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, abs).Msg("target dropped: not listable")
			continue
		}
		valid = append(valid, abs)
	}
	return valid
}

// discoverFolders walks every target recursively and returns the
// directories that contain at least one direct audio file, plus the
// set of all directories visited. The walked set lets missing-file
// detection tell "folder lost its audio" apart from "folder was never
// looked at".
func (s *Scanner) discoverFolders(ctx context.Context, lib *store.Library, targets []string, res *Result, logger zerolog.Logger) ([]folderInfo, map[string]struct{}, error) {
	seen := make(map[string]struct{})
	walked := make(map[string]struct{})
	var folders []folderInfo

	for _, target := range targets {
		err := filepath.WalkDir(target, func(p string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				res.Errors++
				logger.Warn().Err(err).Str(log.FieldPath, p).Msg("walk error")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				return nil
			}

			rel, relErr := relPOSIX(lib.RootPath, p)
			if relErr != nil {
				res.Errors++
				logger.Warn().Str(log.FieldPath, p).Msg("directory outside library root")
				return fs.SkipDir
			}
			walked[rel] = struct{}{}
			if _, dup := seen[rel]; dup {
				return nil
			}

			count, countErr := s.countAudioFiles(p)
			if countErr != nil {
				res.Errors++
				logger.Warn().Err(countErr).Str(log.FieldFolder, rel).Msg("folder not listable")
				return nil
			}
			if count == 0 {
				return nil
			}

			info, statErr := d.Info()
			if statErr != nil {
				res.Errors++
				logger.Warn().Err(statErr).Str(log.FieldFolder, rel).Msg("folder stat failed")
				return nil
			}

			seen[rel] = struct{}{}
			folders = append(folders, folderInfo{
				abs:     p,
				rel:     rel,
				mtimeMs: info.ModTime().UnixMilli(),
				count:   count,
			})
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	}

	logger.Debug().Int("folders", len(folders)).Msg("discovery complete")
	return folders, walked, nil
}

// countAudioFiles counts direct audio children of dir.
func (s *Scanner) countAudioFiles(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && s.exts.Match(e.Name()) {
			n++
		}
	}
	return n, nil
}

// relPOSIX computes the POSIX relative path of abs under root, "." for
// the root itself. Paths escaping the root are an error.
func relPOSIX(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fs.ErrInvalid
	}
	return rel, nil
}

// parentRel returns the POSIX parent of a normalized file path.
func parentRel(rel string) string {
	return path.Dir(rel)
}

// absJoin resolves a POSIX rel path back under root.
func absJoin(root, rel string) string {
	if rel == "." {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}
