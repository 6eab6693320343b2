// SPDX-License-Identifier: MIT

package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/tonearm/tonearm/internal/log"
)

// SidecarWriter is the default TagWriter. It keeps the audio file
// untouched and stores namespace tags in an adjacent JSON document,
// <path>.<namespace>.json, replaced atomically on every write.
type SidecarWriter struct {
	Namespace  string
	VersionKey string
}

// SidecarPath returns the sidecar document path for an audio file.
func SidecarPath(audioPath, namespace string) string {
	return audioPath + "." + namespace + ".json"
}

// Write merges tags into the sidecar document. Only namespace keys and
// the version key are accepted; anything else is an error because it
// would escape the namespace contract.
func (w *SidecarWriter) Write(ctx context.Context, path string, tags map[string][]string) error {
	ns := strings.ToLower(w.Namespace)
	vk := strings.ToLower(w.VersionKey)

	for k := range tags {
		lk := strings.ToLower(k)
		if lk != vk && !strings.HasPrefix(lk, ns+":") {
			return fmt.Errorf("tag %q outside namespace %q", k, w.Namespace)
		}
	}

	target := SidecarPath(path, w.Namespace)
	doc, err := readSidecar(target)
	if err != nil {
		doc = make(map[string][]string)
	}
	for k, vs := range tags {
		doc[strings.ToLower(k)] = vs
	}

	pending, err := renameio.NewPendingFile(target, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending sidecar: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			log.WithComponent("media").Debug().Err(err).Msg("cleanup pending sidecar")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace sidecar: %w", err)
	}
	return nil
}

// ReadVersion returns the stored tagger version, or "" when the
// sidecar or the version key is absent.
func (w *SidecarWriter) ReadVersion(_ context.Context, path string) (string, error) {
	doc, err := readSidecar(SidecarPath(path, w.Namespace))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if vs := doc[strings.ToLower(w.VersionKey)]; len(vs) > 0 {
		return vs[0], nil
	}
	return "", nil
}

func readSidecar(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- derived from library file path
	if err != nil {
		return nil, err
	}
	var doc map[string][]string
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse sidecar %s: %w", path, err)
	}
	return doc, nil
}
