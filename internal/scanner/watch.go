// SPDX-License-Identifier: MIT

package scanner

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tonearm/tonearm/internal/log"
	"github.com/tonearm/tonearm/internal/store"
)

const defaultWatchDebounce = 2 * time.Second

// fullRescanThreshold is the number of distinct dirty folders in one
// debounce window beyond which the watcher falls back to a full scan.
const fullRescanThreshold = 50

// Watcher reacts to filesystem changes under library roots with
// debounced incremental scans, and optionally reruns incremental scans
// on a fixed interval.
type Watcher struct {
	scanner  *Scanner
	store    *store.Store
	debounce time.Duration
	rescan   time.Duration
}

// NewWatcher builds a watcher over the scanner's store.
func NewWatcher(sc *Scanner, st *store.Store, debounce, rescanInterval time.Duration) *Watcher {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	return &Watcher{scanner: sc, store: st, debounce: debounce, rescan: rescanInterval}
}

// Run watches every library until ctx is canceled. Each library gets
// its own fsnotify watcher; the periodic rescan ticker is shared.
func (w *Watcher) Run(ctx context.Context) error {
	libs, err := w.store.ListLibraries(ctx)
	if err != nil {
		return err
	}

	done := make(chan struct{}, len(libs))
	for i := range libs {
		lib := libs[i]
		go func() {
			defer func() { done <- struct{}{} }()
			w.watchLibrary(ctx, &lib)
		}()
	}

	if w.rescan > 0 {
		go w.periodicRescan(ctx, libs)
	}

	<-ctx.Done()
	for range libs {
		<-done
	}
	return nil
}

// periodicRescan runs incremental scans of every library on a ticker.
func (w *Watcher) periodicRescan(ctx context.Context, libs []store.Library) {
	logger := log.WithComponent("scanner")
	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := range libs {
				if _, err := w.scanner.Scan(ctx, &libs[i], Options{}); err != nil &&
					!errors.Is(err, ErrScanRunning) && ctx.Err() == nil {
					logger.Warn().Err(err).
						Int64(log.FieldLibraryID, libs[i].ID).
						Msg("periodic rescan failed")
				}
			}
		}
	}
}

// watchLibrary runs one library's event loop until ctx is canceled.
func (w *Watcher) watchLibrary(ctx context.Context, lib *store.Library) {
	logger := log.WithComponent("scanner").With().
		Int64(log.FieldLibraryID, lib.ID).
		Str(log.FieldPath, lib.RootPath).
		Logger()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("watcher init failed")
		return
	}
	defer func() { _ = fsw.Close() }()

	if err := addRecursive(fsw, lib.RootPath); err != nil {
		logger.Error().Err(err).Msg("watcher registration failed")
		return
	}
	logger.Info().Msg("watching library")

	dirty := make(map[string]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = addRecursive(fsw, ev.Name)
				}
			}
			dirty[dirtyDir(ev)] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logger.Warn().Err(err).Msg("watch error")

		case <-fire:
			timer = nil
			fire = nil
			targets := make([]string, 0, len(dirty))
			for d := range dirty {
				targets = append(targets, d)
			}
			dirty = make(map[string]struct{})
			w.triggerScan(ctx, lib, targets, logger)
		}
	}
}

// triggerScan runs a debounced reaction: an incremental scan of the
// dirty folders, or a full scan when the change set is too large for
// targeted scanning to be trustworthy.
func (w *Watcher) triggerScan(ctx context.Context, lib *store.Library, targets []string, logger zerolog.Logger) {
	opts := Options{Targets: targets}
	if len(targets) > fullRescanThreshold {
		opts = Options{Full: true}
		logger.Info().Int("dirty_folders", len(targets)).Msg("change burst, falling back to full scan")
	}
	if _, err := w.scanner.Scan(ctx, lib, opts); err != nil &&
		!errors.Is(err, ErrScanRunning) && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("watch-triggered scan failed")
	}
}

// dirtyDir maps an event to the folder the scanner should revisit.
func dirtyDir(ev fsnotify.Event) string {
	if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
		return ev.Name
	}
	return filepath.Dir(ev.Name)
}

// addRecursive registers root and every directory below it.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if d.IsDir() {
			if err := fsw.Add(p); err != nil {
				return err
			}
		}
		return nil
	})
}
