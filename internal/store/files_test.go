package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedLibrary(t *testing.T, s *Store) *Library {
	t.Helper()
	lib, err := s.EnsureLibrary(context.Background(), "main", "/srv/music", true)
	require.NoError(t, err)
	return lib
}

func TestUpsertFilesIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lib := seedLibrary(t, s)

	batch := []*LibraryFile{{
		LibraryID:      lib.ID,
		Path:           "/srv/music/albums/a.mp3",
		NormalizedPath: "albums/a.mp3",
		SizeBytes:      1234,
		MtimeMs:        1000,
		DurationSec:    180.5,
		Title:          "Track A",
		Artist:         "Artist",
		NeedsTagging:   true,
		ScanID:         "1-100",
	}}

	created, updated, err := s.UpsertFiles(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, created)
	assert.Equal(t, 0, updated)
	firstID := batch[0].ID
	require.NotZero(t, firstID)

	// Same normalized path again: must update in place, same id.
	batch[0].ID = 0
	batch[0].MtimeMs = 2000
	created, updated, err = s.UpsertFiles(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
	assert.Equal(t, 1, updated)
	assert.Equal(t, firstID, batch[0].ID)

	files, err := s.ListFiles(ctx, lib.ID)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, int64(2000), files[0].MtimeMs)
}

func TestUpsertPreservesTaggedState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lib := seedLibrary(t, s)

	f := &LibraryFile{
		LibraryID:      lib.ID,
		Path:           "/srv/music/a.mp3",
		NormalizedPath: "a.mp3",
		NeedsTagging:   true,
	}
	_, _, err := s.UpsertFiles(ctx, []*LibraryFile{f})
	require.NoError(t, err)

	require.NoError(t, s.MarkFileTagged(ctx, f.ID, "3"))
	require.NoError(t, s.SetFileChromaprint(ctx, f.ID, "CP1"))

	// A rescan upsert must not clobber the tagging pipeline's columns.
	rescan := &LibraryFile{
		LibraryID:      lib.ID,
		Path:           "/srv/music/a.mp3",
		NormalizedPath: "a.mp3",
		MtimeMs:        999,
		NeedsTagging:   false,
	}
	_, _, err = s.UpsertFiles(ctx, []*LibraryFile{rescan})
	require.NoError(t, err)

	got, err := s.GetFileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.True(t, got.Tagged)
	assert.Equal(t, "CP1", got.Chromaprint)
	assert.Equal(t, int64(999), got.MtimeMs)
}

func TestApplyMoveKeepsIdentity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lib := seedLibrary(t, s)

	f := &LibraryFile{
		LibraryID:      lib.ID,
		Path:           "/srv/music/X/a.mp3",
		NormalizedPath: "X/a.mp3",
		DurationSec:    200,
	}
	_, _, err := s.UpsertFiles(ctx, []*LibraryFile{f})
	require.NoError(t, err)
	require.NoError(t, s.SetFileChromaprint(ctx, f.ID, "CP1"))

	require.NoError(t, s.ApplyMove(ctx, f.ID, "/srv/music/Y/a.mp3", "Y/a.mp3", 4321, 5000, 200.4))

	got, err := s.GetFileByID(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "Y/a.mp3", got.NormalizedPath)
	assert.Equal(t, "/srv/music/Y/a.mp3", got.Path)
	assert.Equal(t, "CP1", got.Chromaprint, "move must keep fingerprint")

	_, err = s.GetFileByPath(ctx, lib.ID, "X/a.mp3")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHasTaggedFilesGate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lib := seedLibrary(t, s)

	tagged, err := s.HasTaggedFiles(ctx, lib.ID)
	require.NoError(t, err)
	assert.False(t, tagged)

	f := &LibraryFile{LibraryID: lib.ID, Path: "/srv/music/a.mp3", NormalizedPath: "a.mp3"}
	_, _, err = s.UpsertFiles(ctx, []*LibraryFile{f})
	require.NoError(t, err)
	require.NoError(t, s.MarkFileTagged(ctx, f.ID, "1"))

	tagged, err = s.HasTaggedFiles(ctx, lib.ID)
	require.NoError(t, err)
	assert.True(t, tagged)
}

func TestFolderCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lib := seedLibrary(t, s)

	require.NoError(t, s.UpsertFolder(ctx, FolderCache{
		LibraryID: lib.ID, RelPath: "albums", MtimeMs: 100, AudioCount: 3,
	}))
	require.NoError(t, s.UpsertFolder(ctx, FolderCache{
		LibraryID: lib.ID, RelPath: "singles", MtimeMs: 200, AudioCount: 1,
	}))
	// Second upsert replaces.
	require.NoError(t, s.UpsertFolder(ctx, FolderCache{
		LibraryID: lib.ID, RelPath: "albums", MtimeMs: 150, AudioCount: 4,
	}))

	folders, err := s.GetFolders(ctx, lib.ID)
	require.NoError(t, err)
	require.Len(t, folders, 2)
	assert.Equal(t, int64(150), folders["albums"].MtimeMs)
	assert.Equal(t, 4, folders["albums"].AudioCount)

	observed := map[string]struct{}{"albums": {}}
	n, err := s.DeleteFoldersNotIn(ctx, lib.ID, observed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	folders, err = s.GetFolders(ctx, lib.ID)
	require.NoError(t, err)
	assert.Len(t, folders, 1)
}
