package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSidecarWriteReadVersion(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "track.mp3")
	require.NoError(t, os.WriteFile(audio, []byte("not really audio"), 0o644))

	w := &SidecarWriter{Namespace: "nom", VersionKey: "nom_version"}
	ctx := context.Background()

	err := w.Write(ctx, audio, map[string][]string{
		"nom:genre":   {"electronic", "ambient"},
		"nom_version": {"3"},
	})
	require.NoError(t, err)

	ver, err := w.ReadVersion(ctx, audio)
	require.NoError(t, err)
	assert.Equal(t, "3", ver)

	// Sidecar sits next to the audio file.
	_, err = os.Stat(filepath.Join(dir, "track.mp3.nom.json"))
	assert.NoError(t, err)
}

func TestSidecarWriteMergesExisting(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "track.flac")
	require.NoError(t, os.WriteFile(audio, []byte("x"), 0o644))

	w := &SidecarWriter{Namespace: "nom", VersionKey: "nom_version"}
	ctx := context.Background()

	require.NoError(t, w.Write(ctx, audio, map[string][]string{
		"nom:mood": {"calm"},
	}))
	require.NoError(t, w.Write(ctx, audio, map[string][]string{
		"nom_version": {"2"},
	}))

	doc, err := readSidecar(SidecarPath(audio, "nom"))
	require.NoError(t, err)
	assert.Equal(t, []string{"calm"}, doc["nom:mood"])
	assert.Equal(t, []string{"2"}, doc["nom_version"])
}

func TestSidecarRejectsForeignKeys(t *testing.T) {
	w := &SidecarWriter{Namespace: "nom", VersionKey: "nom_version"}
	err := w.Write(context.Background(), "/tmp/x.mp3", map[string][]string{
		"artist": {"should not be writable"},
	})
	require.Error(t, err)
}

func TestSidecarReadVersionMissingFile(t *testing.T) {
	w := &SidecarWriter{Namespace: "nom", VersionKey: "nom_version"}
	ver, err := w.ReadVersion(context.Background(), filepath.Join(t.TempDir(), "ghost.mp3"))
	require.NoError(t, err)
	assert.Empty(t, ver)
}
