// SPDX-License-Identifier: MIT

// Package scanner synchronizes library catalogs with the filesystem.
// A scan discovers folders, extracts metadata for new or changed
// files, detects moves by acoustic fingerprint and, on full scans,
// deletes files that disappeared from disk.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"

	"github.com/tonearm/tonearm/internal/broker"
	"github.com/tonearm/tonearm/internal/config"
	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/media"
	"github.com/tonearm/tonearm/internal/metrics"
	"github.com/tonearm/tonearm/internal/store"
	"github.com/tonearm/tonearm/internal/telemetry"
	"github.com/tonearm/tonearm/internal/types"
)

// ErrScanRunning is returned when a scan is requested for a library
// that already has one in flight.
var ErrScanRunning = errors.New("scanner: scan already running for this library")

const (
	defaultBatchSize    = 100
	defaultProgressRate = 5.0
	defaultFingerprints = 4

	// moveDurationTolerance is the maximum duration difference for a
	// chromaprint match to count as a move.
	moveDurationTolerance = 1.0
)

// Scanner runs full and incremental scans against the store.
type Scanner struct {
	store         *store.Store
	events        *broker.Broker
	extractor     media.Extractor
	fingerprinter media.Fingerprinter
	exts          media.Extensions
	cfg           config.Scanner
	namespace     string
	taggerVersion string

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New builds a scanner. events and fingerprinter may be nil; a nil
// fingerprinter disables move detection.
func New(st *store.Store, events *broker.Broker, extractor media.Extractor,
	fingerprinter media.Fingerprinter, cfg config.Scanner, namespace, taggerVersion string) *Scanner {
	exts := cfg.Extensions
	if len(exts) == 0 {
		exts = config.DefaultAudioExtensions()
	}
	return &Scanner{
		store:         st,
		events:        events,
		extractor:     extractor,
		fingerprinter: fingerprinter,
		exts:          media.NewExtensions(exts),
		cfg:           cfg,
		namespace:     namespace,
		taggerVersion: taggerVersion,
		locks:         make(map[int64]*sync.Mutex),
	}
}

// Options selects the scan flavor and an optional target subset.
type Options struct {
	Full    bool
	Targets []string // absolute directories; empty means the library root
}

// Result is the aggregate outcome of one scan.
type Result struct {
	ScanID         string        `json:"scan_id"`
	LibraryID      int64         `json:"library_id"`
	Full           bool          `json:"full"`
	FilesScanned   int           `json:"files_scanned"`
	FilesNew       int           `json:"files_new"`
	FilesUpdated   int           `json:"files_updated"`
	FilesMoved     int           `json:"files_moved"`
	FilesRemoved   int           `json:"files_removed"`
	FoldersScanned int           `json:"folders_scanned"`
	FoldersSkipped int           `json:"folders_skipped"`
	Errors         int           `json:"errors"`
	Duration       time.Duration `json:"-"`
	DurationSec    float64       `json:"duration_sec"`
}

// libraryLock returns the per-library gate, creating it on first use.
func (s *Scanner) libraryLock(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Scan runs one scan of the library. A second concurrent call for the
// same library fails fast with ErrScanRunning.
func (s *Scanner) Scan(ctx context.Context, lib *store.Library, opts Options) (*Result, error) {
	gate := s.libraryLock(lib.ID)
	if !gate.TryLock() {
		return nil, ErrScanRunning
	}
	defer gate.Unlock()

	started := time.Now()
	scanID := uuid.NewString()

	tracer := otel.Tracer("tonearm/scanner")
	ctx, span := tracer.Start(ctx, "scanner.scan")
	span.SetAttributes(telemetry.ScanAttributes(scanID, lib.ID, opts.Full)...)
	defer span.End()

	logger := log.WithComponent("scanner").With().
		Str(log.FieldScanID, scanID).
		Int64(log.FieldLibraryID, lib.ID).
		Bool("full", opts.Full).
		Logger()

	if err := s.store.SetLibraryScanStatus(ctx, lib.ID, types.ScanStatusScanning); err != nil {
		return nil, err
	}
	if err := s.store.CreateScan(ctx, &store.Scan{
		ID:          scanID,
		LibraryID:   lib.ID,
		Status:      types.ScanStatusScanning,
		FullScan:    opts.Full,
		StartedAtMs: started.UnixMilli(),
	}); err != nil {
		_ = s.store.SetLibraryScanStatus(ctx, lib.ID, types.ScanStatusError)
		return nil, err
	}

	res, err := s.run(ctx, lib, opts, scanID, logger)
	res.Duration = time.Since(started)
	res.DurationSec = res.Duration.Seconds()

	mode := "incremental"
	if opts.Full {
		mode = "full"
	}

	record := &store.Scan{
		ID:             scanID,
		LibraryID:      lib.ID,
		FullScan:       opts.Full,
		FilesScanned:   res.FilesScanned,
		FilesNew:       res.FilesNew,
		FilesUpdated:   res.FilesUpdated,
		FilesMoved:     res.FilesMoved,
		FilesRemoved:   res.FilesRemoved,
		FoldersSkipped: res.FoldersSkipped,
		ErrorCount:     res.Errors,
	}
	if err != nil {
		record.Status = types.ScanStatusError
		record.Message = err.Error()
		_ = s.store.FinishScan(ctx, record)
		_ = s.store.SetLibraryScanStatus(ctx, lib.ID, types.ScanStatusError)
		metrics.RecordScan(mode, "error", res.DurationSec)
		s.publishProgress(res, "error", true)
		logger.Error().Err(err).Msg("scan aborted")
		return res, err
	}

	record.Status = types.ScanStatusComplete
	if err := s.store.FinishScan(ctx, record); err != nil {
		logger.Warn().Err(err).Msg("store scan history")
	}
	if err := s.store.SetLibraryScanStatus(ctx, lib.ID, types.ScanStatusComplete); err != nil {
		logger.Warn().Err(err).Msg("reset library scan status")
	}

	metrics.RecordScan(mode, "complete", res.DurationSec)
	metrics.AddScanFiles("new", res.FilesNew)
	metrics.AddScanFiles("updated", res.FilesUpdated)
	metrics.AddScanFiles("moved", res.FilesMoved)
	metrics.AddScanFiles("removed", res.FilesRemoved)

	s.publishProgress(res, "complete", true)
	logger.Info().
		Int("files_scanned", res.FilesScanned).
		Int("files_new", res.FilesNew).
		Int("files_updated", res.FilesUpdated).
		Int("files_moved", res.FilesMoved).
		Int("files_removed", res.FilesRemoved).
		Int("folders_skipped", res.FoldersSkipped).
		Int("errors", res.Errors).
		Dur("elapsed", res.Duration).
		Msg("scan complete")
	return res, nil
}

// run executes phases 2-11. The caller owns status rows and finalize.
func (s *Scanner) run(ctx context.Context, lib *store.Library, opts Options, scanID string, logger zerolog.Logger) (*Result, error) {
	res := &Result{ScanID: scanID, LibraryID: lib.ID, Full: opts.Full}
	limiter := s.progressLimiter()

	targets := s.validateTargets(lib, opts.Targets, logger)
	if len(targets) == 0 {
		return res, fmt.Errorf("no valid scan targets for library %q", lib.Name)
	}

	folders, walked, err := s.discoverFolders(ctx, lib, targets, res, logger)
	if err != nil {
		return res, err
	}

	cached, err := s.store.GetFolders(ctx, lib.ID)
	if err != nil {
		return res, err
	}

	// Plan: a folder is skipped only when both its cached mtime and its
	// cached audio count match; full scans visit everything.
	var toScan []folderInfo
	for _, f := range folders {
		if !opts.Full {
			if c, ok := cached[f.rel]; ok && c.MtimeMs == f.mtimeMs && c.AudioCount == f.count {
				res.FoldersSkipped++
				continue
			}
		}
		toScan = append(toScan, f)
	}
	sort.Slice(toScan, func(i, j int) bool { return toScan[i].rel < toScan[j].rel })

	existing, err := s.snapshotExisting(ctx, lib.ID)
	if err != nil {
		return res, err
	}
	hasTagged, err := s.store.HasTaggedFiles(ctx, lib.ID)
	if err != nil {
		return res, err
	}

	st := &scanState{
		lib:        lib,
		scanID:     scanID,
		existing:   existing,
		discovered: make(map[string]struct{}),
		scanned:    make(map[string]struct{}),
		walked:     walked,
		limiter:    limiter,
	}

	for _, f := range toScan {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := s.scanFolder(ctx, st, f, res, logger); err != nil {
			return res, err
		}
		res.FoldersScanned++
		s.maybePublishProgress(res, "scanning", limiter)
	}

	missing := s.detectMissing(st, folders, logger)

	if hasTagged && s.fingerprinter != nil && len(st.newFiles) > 0 && len(missing) > 0 {
		missing = s.detectMoves(ctx, st, missing, res, logger)
	}

	if opts.Full && len(missing) > 0 {
		ids := make([]int64, 0, len(missing))
		for _, f := range missing {
			ids = append(ids, f.ID)
			logger.Debug().Str(log.FieldRelPath, f.NormalizedPath).Msg("file removed")
		}
		removed, err := s.store.DeleteFilesByIDs(ctx, ids)
		if err != nil {
			return res, err
		}
		res.FilesRemoved = removed
	}

	if opts.Full {
		observed := make(map[string]struct{}, len(folders))
		for _, f := range folders {
			observed[f.rel] = struct{}{}
		}
		if _, err := s.store.DeleteFoldersNotIn(ctx, lib.ID, observed); err != nil {
			return res, err
		}
	}

	if _, err := s.store.DeleteOrphanTags(ctx); err != nil {
		return res, err
	}

	return res, nil
}

// scanState carries the per-run working set between phases.
type scanState struct {
	lib        *store.Library
	scanID     string
	existing   map[string]*store.LibraryFile // by normalized path
	discovered map[string]struct{}           // normalized paths seen on disk
	scanned    map[string]struct{}           // folder rel paths file-scanned this run
	walked     map[string]struct{}           // every dir visited during discovery
	newFiles   []*newFile
	limiter    *rate.Limiter
}

// newFile is a file first seen by this scan, with its extracted tags
// retained for move re-seeding.
type newFile struct {
	rel      string
	abs      string
	size     int64
	mtimeMs  int64
	duration float64
	tags     map[string][]string
}

func (s *Scanner) progressLimiter() *rate.Limiter {
	r := s.cfg.ProgressRate
	if r <= 0 {
		r = defaultProgressRate
	}
	return rate.NewLimiter(rate.Limit(r), 1)
}

func (s *Scanner) snapshotExisting(ctx context.Context, libraryID int64) (map[string]*store.LibraryFile, error) {
	files, err := s.store.ListFiles(ctx, libraryID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*store.LibraryFile, len(files))
	for i := range files {
		out[files[i].NormalizedPath] = &files[i]
	}
	return out, nil
}

// detectMissing is folder-aware: a file counts as missing only when
// its parent folder was file-scanned this run, was walked and turned
// out to hold no audio anymore, or no longer exists on disk. Files
// under cache-skipped folders and outside the scan targets are assumed
// present.
func (s *Scanner) detectMissing(st *scanState, folders []folderInfo, logger zerolog.Logger) []*store.LibraryFile {
	observed := make(map[string]struct{}, len(folders))
	for _, f := range folders {
		observed[f.rel] = struct{}{}
	}

	var missing []*store.LibraryFile
	for rel, f := range st.existing {
		if _, ok := st.discovered[rel]; ok {
			continue
		}
		parent := parentRel(rel)
		if _, fileScanned := st.scanned[parent]; !fileScanned {
			_, visited := st.walked[parent]
			_, hasAudio := observed[parent]
			switch {
			case visited && hasAudio:
				continue // cache-skipped folder, assume present
			case visited && !hasAudio:
				// folder walked, no audio left: file is gone
			case dirExists(absJoin(st.lib.RootPath, parent)):
				continue // outside scan targets, authoritative
			}
		}
		missing = append(missing, f)
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].ID < missing[j].ID })
	if len(missing) > 0 {
		logger.Debug().Int("missing", len(missing)).Msg("missing candidates")
	}
	return missing
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// maybePublishProgress emits a throttled progress tick.
func (s *Scanner) maybePublishProgress(res *Result, phase string, limiter *rate.Limiter) {
	if limiter.Allow() {
		s.publishProgress(res, phase, false)
	}
}

func (s *Scanner) publishProgress(res *Result, phase string, done bool) {
	if s.events == nil {
		return
	}
	s.events.PublishScanProgress(map[string]any{
		"scan_id":         res.ScanID,
		"library_id":      res.LibraryID,
		"phase":           phase,
		"full":            res.Full,
		"files_scanned":   res.FilesScanned,
		"files_new":       res.FilesNew,
		"files_updated":   res.FilesUpdated,
		"files_moved":     res.FilesMoved,
		"files_removed":   res.FilesRemoved,
		"folders_scanned": res.FoldersScanned,
		"folders_skipped": res.FoldersSkipped,
		"errors":          res.Errors,
		"done":            done,
	})
}
