// SPDX-License-Identifier: MIT

// Package media defines the audio-file contracts shared by the scanner
// and the inference pipeline: the extension predicate, metadata
// extraction, acoustic fingerprinting and namespace tag writing.
package media

import (
	"context"
	"path/filepath"
	"strings"
)

// Extensions is a lowercase audio extension whitelist.
type Extensions map[string]struct{}

// NewExtensions builds a whitelist from a list like [".mp3", ".flac"].
// Entries are lowercased and get a leading dot if missing.
func NewExtensions(list []string) Extensions {
	e := make(Extensions, len(list))
	for _, ext := range list {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		e[ext] = struct{}{}
	}
	return e
}

// Match reports whether path has a whitelisted audio extension.
func (e Extensions) Match(path string) bool {
	_, ok := e[strings.ToLower(filepath.Ext(path))]
	return ok
}

// List returns the whitelist in sorted-input order for logging.
func (e Extensions) List() []string {
	out := make([]string, 0, len(e))
	for ext := range e {
		out = append(out, ext)
	}
	return out
}

// Metadata is the normalized extraction result for one audio file.
// Tags holds the canonical keys plus the namespace bucket, every value
// a string slice so the column stays monotype downstream.
type Metadata struct {
	Title       string
	Artist      string
	Album       string
	DurationSec float64
	Format      string
	Tags        map[string][]string
}

// Fingerprint is a chromaprint with the duration the fingerprinter saw.
type Fingerprint struct {
	Value       string
	DurationSec float64
}

// Extractor reads and normalizes the tags of a single audio file.
type Extractor interface {
	Extract(ctx context.Context, path string) (*Metadata, error)
}

// Fingerprinter computes an acoustic fingerprint for move detection.
type Fingerprinter interface {
	Fingerprint(ctx context.Context, path string) (Fingerprint, error)
}

// TagWriter persists namespace tags for a file and reads back the
// version tag that gates re-tagging.
type TagWriter interface {
	Write(ctx context.Context, path string, tags map[string][]string) error
	ReadVersion(ctx context.Context, path string) (string, error)
}

// First returns the first value for key, or "" when absent.
func First(tags map[string][]string, key string) string {
	if vs := tags[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}
