// SPDX-License-Identifier: MIT

package scanner

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/store"
)

// batchItem pairs a file record with the tags to seed for it.
type batchItem struct {
	file *store.LibraryFile
	tags map[string][]string
}

// scanFolder synchronizes one discovered folder: stats every direct
// audio file, extracts metadata for new or changed ones, upserts the
// batch and refreshes the folder cache row.
func (s *Scanner) scanFolder(ctx context.Context, st *scanState, folder folderInfo, res *Result, logger zerolog.Logger) error {
	entries, err := os.ReadDir(folder.abs)
	if err != nil {
		res.Errors++
		logger.Warn().Err(err).Str(log.FieldFolder, folder.rel).Msg("folder vanished mid-scan")
		return nil
	}

	batchSize := s.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	var batch []batchItem
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.IsDir() || !s.exts.Match(e.Name()) {
			continue
		}

		abs := filepath.Join(folder.abs, e.Name())
		rel := joinRel(folder.rel, e.Name())
		res.FilesScanned++
		st.discovered[rel] = struct{}{}

		info, err := e.Info()
		if err != nil {
			res.Errors++
			logger.Warn().Err(err).Str(log.FieldPath, abs).Msg("stat failed")
			continue
		}
		mtimeMs := info.ModTime().UnixMilli()

		prior := st.existing[rel]
		if prior != nil && prior.MtimeMs == mtimeMs {
			continue // unchanged, keep the stored metadata
		}

		md, err := s.extractor.Extract(ctx, abs)
		if err != nil {
			res.Errors++
			logger.Warn().Err(err).Str(log.FieldPath, abs).Msg("metadata extraction failed")
			continue
		}

		item := s.buildFileRecord(st, prior, abs, rel, info.Size(), mtimeMs, md.DurationSec, md.Tags)
		batch = append(batch, item)

		if prior == nil {
			st.newFiles = append(st.newFiles, &newFile{
				rel:      rel,
				abs:      abs,
				size:     info.Size(),
				mtimeMs:  mtimeMs,
				duration: md.DurationSec,
				tags:     md.Tags,
			})
		}

		if len(batch) >= batchSize {
			if err := s.flushBatch(ctx, batch, res); err != nil {
				return err
			}
			batch = batch[:0]
			s.maybePublishProgress(res, "scanning", st.limiter)
		}
	}

	if len(batch) > 0 {
		if err := s.flushBatch(ctx, batch, res); err != nil {
			return err
		}
	}

	st.scanned[folder.rel] = struct{}{}
	return s.store.UpsertFolder(ctx, store.FolderCache{
		LibraryID:  st.lib.ID,
		RelPath:    folder.rel,
		MtimeMs:    folder.mtimeMs,
		AudioCount: folder.count,
	})
}

// buildFileRecord assembles the upsert row for one changed file. Prior
// tagging state survives an update; a tagger-version mismatch flips
// needs_tagging back on.
func (s *Scanner) buildFileRecord(st *scanState, prior *store.LibraryFile,
	abs, rel string, size, mtimeMs int64, duration float64, tags map[string][]string) batchItem {
	f := &store.LibraryFile{
		LibraryID:      st.lib.ID,
		Path:           abs,
		NormalizedPath: rel,
		SizeBytes:      size,
		MtimeMs:        mtimeMs,
		DurationSec:    duration,
		Title:          firstTag(tags, "title"),
		Artist:         firstTag(tags, "artist"),
		Album:          firstTag(tags, "album"),
		ScanID:         st.scanID,
	}
	if prior != nil {
		f.Tagged = prior.Tagged
		f.NamespaceVersion = prior.NamespaceVersion
	}
	f.NeedsTagging = prior == nil || !prior.Tagged || prior.NamespaceVersion != s.taggerVersion
	return batchItem{file: f, tags: tags}
}

// flushBatch upserts the records atomically, then seeds tag edges and
// rebuilds the display cache for the batch.
func (s *Scanner) flushBatch(ctx context.Context, batch []batchItem, res *Result) error {
	files := make([]*store.LibraryFile, len(batch))
	for i, item := range batch {
		files[i] = item.file
	}
	created, updated, err := s.store.UpsertFiles(ctx, files)
	if err != nil {
		return err
	}
	res.FilesNew += created
	res.FilesUpdated += updated

	ids := make([]int64, 0, len(batch))
	for _, item := range batch {
		if err := s.store.ReplaceFileTags(ctx, item.file.ID, item.tags, s.isNamespaceKey); err != nil {
			return err
		}
		ids = append(ids, item.file.ID)
	}
	return s.store.RebuildMetadataCache(ctx, ids)
}

// isNamespaceKey classifies tag keys for the definition flag.
func (s *Scanner) isNamespaceKey(key string) bool {
	return s.namespace != "" && strings.HasPrefix(strings.ToLower(key), strings.ToLower(s.namespace)+":")
}

func firstTag(tags map[string][]string, key string) string {
	if vs := tags[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// joinRel appends a file name to a POSIX folder rel path.
func joinRel(folderRel, name string) string {
	if folderRel == "." {
		return name
	}
	return path.Join(folderRel, name)
}
