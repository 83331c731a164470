package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettbedarf/mtpstore"
)

func TestReferences_SetAndGet(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "list.pla", "")
	env.writeFile(t, "x.mp3", "x")
	env.writeFile(t, "y.mp3", "y")
	env.enumerate(t)

	list := env.handleFor(t, "list.pla")
	refs := []mtpstore.ObjHandle{env.handleFor(t, "x.mp3"), env.handleFor(t, "y.mp3")}
	require.NoError(t, env.store.SetReferences(list, refs))

	got, err := env.store.GetReferences(list)
	require.NoError(t, err)
	assert.Equal(t, refs, got)
}

func TestReferences_SetRejectsUnknownTarget(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "list.pla", "")
	env.enumerate(t)

	err := env.store.SetReferences(env.handleFor(t, "list.pla"), []mtpstore.ObjHandle{0xDEAD})
	assert.ErrorIs(t, err, mtpstore.ResponseInvalidObjectReference)

	err = env.store.SetReferences(0xDEAD, nil)
	assert.ErrorIs(t, err, mtpstore.ResponseInvalidObjectHandle)
}

func TestReferences_DanglingTargetsElidedOnRead(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "list.pla", "")
	env.writeFile(t, "x.mp3", "x")
	env.writeFile(t, "y.mp3", "y")
	env.enumerate(t)

	list := env.handleFor(t, "list.pla")
	gone := env.handleFor(t, "x.mp3")
	kept := env.handleFor(t, "y.mp3")
	require.NoError(t, env.store.SetReferences(list, []mtpstore.ObjHandle{gone, kept}))

	require.NoError(t, env.store.DeleteItem(gone, 0))

	got, err := env.store.GetReferences(list)
	require.NoError(t, err)
	assert.Equal(t, []mtpstore.ObjHandle{kept}, got)
	for _, h := range got {
		assert.True(t, env.store.CheckHandle(h), "returned references must be live")
	}
}

func TestReferences_PlaylistSavedToMetadataStore(t *testing.T) {
	env := newTestEnv(t)
	plaPath := env.writeFile(t, "Playlists/mine.pla", "")
	xPath := env.writeFile(t, "x.mp3", "x")
	env.enumerate(t)

	list := env.handleFor(t, "Playlists/mine.pla")
	require.NoError(t, env.store.SetReferences(list, []mtpstore.ObjHandle{env.handleFor(t, "x.mp3")}))

	assert.Equal(t, []string{xPath}, env.meta.savedPlaylists[plaPath])
}

func TestReferences_RemoveInvalidPurgesEverywhere(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.pla", "")
	env.writeFile(t, "b.pla", "")
	env.writeFile(t, "x.mp3", "x")
	env.enumerate(t)

	a := env.handleFor(t, "a.pla")
	b := env.handleFor(t, "b.pla")
	x := env.handleFor(t, "x.mp3")
	require.NoError(t, env.store.SetReferences(a, []mtpstore.ObjHandle{x, b}))
	require.NoError(t, env.store.SetReferences(b, []mtpstore.ObjHandle{x}))

	env.store.RemoveInvalidReferences(b)

	got, err := env.store.GetReferences(a)
	require.NoError(t, err)
	assert.Equal(t, []mtpstore.ObjHandle{x}, got)
	_, ok := env.store.refs.Load(b)
	assert.False(t, ok, "own reference list is dropped")
}

func TestReferences_PersistAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "list.alb", "")
	env.writeFile(t, "x.mp3", "x")
	env.writeFile(t, "y.mp3", "y")
	env.enumerate(t)

	list := env.handleFor(t, "list.alb")
	x := env.handleFor(t, "x.mp3")
	y := env.handleFor(t, "y.mp3")
	require.NoError(t, env.store.SetReferences(list, []mtpstore.ObjHandle{x, y}))

	xPuoid := env.itemFor(t, "x.mp3").puoid

	env.restart(t)

	// Handles may differ after restart; identity is by path and puoid.
	newList := env.handleFor(t, "list.alb")
	got, err := env.store.GetReferences(newList)
	require.NoError(t, err)
	require.Len(t, got, 2)

	resolved := make(map[mtpstore.Puoid]bool)
	for _, h := range got {
		item, ok := env.store.handles.Load(h)
		require.True(t, ok)
		resolved[item.puoid] = true
	}
	assert.True(t, resolved[xPuoid], "reference must resolve to the same persistent object")
}

func TestReferences_PlaylistsNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "Playlists/mine.pla", "")
	env.writeFile(t, "x.mp3", "x")
	env.enumerate(t)

	list := env.handleFor(t, "Playlists/mine.pla")
	require.NoError(t, env.store.SetReferences(list, []mtpstore.ObjHandle{env.handleFor(t, "x.mp3")}))

	// Playlist references live in the metadata store, not in the
	// reference db; after a restart with a silent metadata store the
	// playlist has no references.
	env.restart(t)
	got, err := env.store.GetReferences(env.handleFor(t, "Playlists/mine.pla"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPlaylistSync_ExistingPlaylist(t *testing.T) {
	env := newTestEnv(t)
	plaPath := env.writeFile(t, "Playlists/road.pla", "")
	xPath := env.writeFile(t, "x.mp3", "x")
	env.writeFile(t, "y.mp3", "y")
	env.meta.existingPaths = []string{plaPath}
	env.meta.existingEntries = [][]string{{xPath, filepath.Join(env.root, "missing.mp3")}}
	env.enumerate(t)

	got, err := env.store.GetReferences(env.handleFor(t, "Playlists/road.pla"))
	require.NoError(t, err)
	assert.Equal(t, []mtpstore.ObjHandle{env.handleFor(t, "x.mp3")}, got,
		"entries resolve by path; unknown paths drop out")
}

func TestPlaylistSync_NewPlaylistScenario(t *testing.T) {
	env := newTestEnv(t)
	xPath := env.writeFile(t, "x.mp3", "x")
	yPath := env.writeFile(t, "y.mp3", "y")
	env.meta.newNames = []string{"MyList"}
	env.meta.newEntries = [][]string{{xPath, yPath}}
	env.enumerate(t)

	// A zero-byte .pla file was created under <root>/Playlists.
	plaPath := filepath.Join(env.root, "Playlists/MyList.pla")
	fi, err := os.Stat(plaPath)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())

	// Its references resolve to the two songs.
	got, err := env.store.GetReferences(env.handleFor(t, "Playlists/MyList.pla"))
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]mtpstore.ObjHandle{env.handleFor(t, "x.mp3"), env.handleFor(t, "y.mp3")}, got)

	// The new file was bound to the metadata store's record.
	assert.Equal(t, plaPath, env.meta.playlistPaths["MyList"])
	verifyIndices(t, env.store)
}
