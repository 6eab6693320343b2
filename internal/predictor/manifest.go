// SPDX-License-Identifier: MIT

// Package predictor manages the per-process cache of loaded model
// heads. Each inference child owns one Cache instance; children never
// share predictor state with each other or the parent.
package predictor

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/tonearm/tonearm/internal/log"
)

// manifestName is the per-head descriptor file the discovery walk
// looks for.
const manifestName = "head.json"

// Manifest describes one model head on disk.
type Manifest struct {
	Name     string   `json:"name"`
	Backbone string   `json:"backbone"`
	HeadType string   `json:"head_type"`
	Version  string   `json:"version,omitempty"`
	Labels   []string `json:"labels,omitempty"`

	// Dir is the directory holding the manifest and weights. Filled
	// by discovery, not stored in the file.
	Dir string `json:"-"`
}

// Key is the composite cache key for a loaded head.
type Key struct {
	Model    string
	Backbone string
	HeadType string
}

// Key returns the manifest's cache key.
func (m Manifest) Key() Key {
	return Key{Model: m.Name, Backbone: m.Backbone, HeadType: m.HeadType}
}

func (k Key) String() string {
	return k.Model + "/" + k.Backbone + "/" + k.HeadType
}

// Discover walks modelsDir and returns every valid head manifest.
// Unreadable or malformed manifests are logged and skipped; an absent
// models directory yields an empty result, not an error.
func Discover(modelsDir string) ([]Manifest, error) {
	logger := log.WithComponent("predictor")

	var heads []Manifest
	err := filepath.WalkDir(modelsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == modelsDir && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("skipping unreadable entry")
			return nil
		}
		if d.IsDir() || d.Name() != manifestName {
			return nil
		}

		m, err := readManifest(path)
		if err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, path).Msg("skipping invalid head manifest")
			return nil
		}
		heads = append(heads, m)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover heads in %s: %w", modelsDir, err)
	}
	return heads, nil
}

func readManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- under operator-configured models dir
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Name == "" || m.Backbone == "" || m.HeadType == "" {
		return Manifest{}, fmt.Errorf("manifest missing name/backbone/head_type")
	}
	m.Dir = filepath.Dir(path)
	return m, nil
}
