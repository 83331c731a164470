package storage

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brettbedarf/mtpstore"
	"github.com/brettbedarf/mtpstore/config"
)

const testStorageID = 0x00010001

// eventRecorder captures emitted MTP events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []mtpstore.Event
}

func (r *eventRecorder) sink(ev mtpstore.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) count(code mtpstore.EventCode) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Code == code {
			n++
		}
	}
	return n
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// fakeNotifier hands out watch descriptors without a kernel behind
// them; reconciler tests feed events straight into HandleFSEvent.
type fakeNotifier struct {
	mu      sync.Mutex
	nextWD  int32
	watched map[int32]string
	ch      chan mtpstore.FSEvent
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{watched: make(map[int32]string), ch: make(chan mtpstore.FSEvent, 16)}
}

func (f *fakeNotifier) AddWatch(path string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextWD++
	f.watched[f.nextWD] = path
	return f.nextWD, nil
}

func (f *fakeNotifier) RemoveWatch(wd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, wd)
	return nil
}

func (f *fakeNotifier) Events() <-chan mtpstore.FSEvent { return f.ch }
func (f *fakeNotifier) Close() error                    { return nil }

// fakeMetadata records the calls the storage makes to its metadata
// sidecar; queries it cannot answer fall through to the no-op store.
type fakeMetadata struct {
	mtpstore.NopMetadataStore
	mu               sync.Mutex
	moves            [][2]string
	playlistMoves    [][2]string
	savedPlaylists   map[string][]string
	playlistPaths    map[string]string
	deletedPlaylists []string

	existingPaths   []string
	existingEntries [][]string
	newNames        []string
	newEntries      [][]string
}

func newFakeMetadata() *fakeMetadata {
	return &fakeMetadata{
		savedPlaylists: make(map[string][]string),
		playlistPaths:  make(map[string]string),
	}
}

func (f *fakeMetadata) Move(oldPath, newPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves = append(f.moves, [2]string{oldPath, newPath})
}

func (f *fakeMetadata) MovePlaylist(oldPath, newPath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlistMoves = append(f.playlistMoves, [2]string{oldPath, newPath})
}

func (f *fakeMetadata) SavePlaylist(path string, entries []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedPlaylists[path] = append([]string(nil), entries...)
}

func (f *fakeMetadata) SetPlaylistPath(name, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.playlistPaths[name] = path
}

func (f *fakeMetadata) DeletePlaylist(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPlaylists = append(f.deletedPlaylists, path)
}

func (f *fakeMetadata) GetPlaylists(existing bool) ([]string, [][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing {
		return f.existingPaths, f.existingEntries
	}
	return f.newNames, f.newEntries
}

// testEnv wires a Storage over a real temp directory.
type testEnv struct {
	store    *Storage
	cfg      *config.Config
	events   *eventRecorder
	notifier *fakeNotifier
	meta     *fakeMetadata
	handles  *mtpstore.LocalHandleAllocator
	root     string
	fs       afero.Fs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	base := t.TempDir()
	root := filepath.Join(base, "root")
	require.NoError(t, os.MkdirAll(root, 0o755))

	env := &testEnv{
		events:   &eventRecorder{},
		notifier: newFakeNotifier(),
		meta:     newFakeMetadata(),
		handles:  &mtpstore.LocalHandleAllocator{},
		root:     root,
		fs:       afero.NewOsFs(),
	}
	env.cfg = &config.Config{
		StorageID:     testStorageID,
		StorageType:   config.DefaultStorageType,
		RootPath:      root,
		VolumeLabel:   "test",
		Description:   "test storage",
		PersistDir:    filepath.Join(base, "persist"),
		YieldInterval: config.DefaultYieldInterval,
	}
	env.newStore(t)
	return env
}

func (env *testEnv) newStore(t *testing.T) {
	t.Helper()
	store, err := New(env.cfg, Deps{
		Handles:  env.handles,
		Metadata: env.meta,
		Notifier: env.notifier,
		Events:   env.events.sink,
		Fs:       env.fs,
	})
	require.NoError(t, err)
	env.store = store
}

// enumerate runs the startup walk and waits for the ready signal.
func (env *testEnv) enumerate(t *testing.T) {
	t.Helper()
	ready := make(chan struct{})
	env.store.deps.Ready = func(uint32) { close(ready) }
	require.NoError(t, env.store.EnumerateStorage())
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		t.Fatal("enumeration did not complete")
	}
}

// restart simulates a process restart over the same root and
// persistent state.
func (env *testEnv) restart(t *testing.T) {
	t.Helper()
	env.store.Shutdown()
	env.events.reset()
	env.notifier = newFakeNotifier()
	env.newStore(t)
	env.enumerate(t)
}

func (env *testEnv) writeFile(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(env.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (env *testEnv) handleFor(t *testing.T, rel string) mtpstore.ObjHandle {
	t.Helper()
	handle, ok := env.store.paths.Load(filepath.Join(env.root, rel))
	require.True(t, ok, "no handle for %s", rel)
	return handle
}

func (env *testEnv) itemFor(t *testing.T, rel string) *Item {
	t.Helper()
	item, ok := env.store.handles.Load(env.handleFor(t, rel))
	require.True(t, ok)
	return item
}

// verifyIndices asserts the structural invariants over the whole tree:
// every node reachable from the root is present in exactly the right
// index entries and appears exactly once in its parent's sibling list.
func verifyIndices(t *testing.T, s *Storage) {
	t.Helper()
	require.NotNil(t, s.root)

	reachable := 0
	var walk func(item *Item)
	walk = func(item *Item) {
		reachable++
		if item != s.root {
			pathHandle, ok := s.paths.Load(item.path)
			require.True(t, ok, "path index missing %s", item.path)
			assert.Equal(t, item.handle, pathHandle, "path index for %s", item.path)

			byHandle, ok := s.handles.Load(item.handle)
			require.True(t, ok, "handle index missing %d", item.handle)
			assert.Same(t, item, byHandle)

			puoidHandle, ok := s.puoids.Load(item.puoid)
			require.True(t, ok, "puoid index missing %s", item.path)
			assert.Equal(t, item.handle, puoidHandle)

			registered, ok := s.registry.lookup(item.path)
			require.True(t, ok, "registry missing %s", item.path)
			assert.Equal(t, item.puoid, registered)

			assert.False(t, s.registry.largest.Less(item.puoid), "puoid above high-water mark for %s", item.path)

			require.NotNil(t, item.parent, "non-root node without parent: %s", item.path)
			seen := 0
			for sib := item.parent.firstChild; sib != nil; sib = sib.nextSibling {
				if sib == item {
					seen++
				}
			}
			assert.Equal(t, 1, seen, "node %s must appear exactly once in its parent's children", item.path)
		}

		if item.watch != -1 {
			wdHandle, ok := s.watches.Load(item.watch)
			require.True(t, ok, "watch index missing wd %d", item.watch)
			assert.Equal(t, item.handle, wdHandle)
		}

		for child := item.firstChild; child != nil; child = child.nextSibling {
			walk(child)
		}
	}
	walk(s.root)

	assert.Equal(t, reachable, s.handles.Size(), "handle index must hold exactly the reachable nodes")
}

func TestEnumeration_PopulatesTree(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "music/a.mp3", "aaa")
	env.writeFile(t, "music/b.ogg", "bb")
	env.writeFile(t, "docs/readme.txt", "hello")
	env.enumerate(t)

	// Root gets handle 0 and is not advertised.
	assert.Equal(t, mtpstore.ObjHandle(0), env.store.root.handle)
	all, err := env.store.GetObjectHandles(0, 0)
	require.NoError(t, err)
	assert.NotContains(t, all, mtpstore.ObjHandle(0))
	// music, a.mp3, b.ogg, docs, readme.txt, Playlists
	assert.Len(t, all, 6)

	item := env.itemFor(t, "music/a.mp3")
	assert.Equal(t, mtpstore.FormatMP3, item.info.ObjectFormat)
	assert.Equal(t, uint64(3), item.info.ObjectCompressedSize)

	verifyIndices(t, env.store)
}

func TestEnumeration_CreatesPlaylistDir(t *testing.T) {
	env := newTestEnv(t)
	env.enumerate(t)

	fi, err := os.Stat(filepath.Join(env.root, config.PlaylistsDirName))
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	// The playlist directory is part of the tree.
	env.handleFor(t, "Playlists")
}

func TestEnumeration_DirectoriesAreWatched(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "music/a.mp3", "x")
	env.enumerate(t)

	assert.NotEqual(t, int32(-1), env.store.root.watch)
	assert.NotEqual(t, int32(-1), env.itemFor(t, "music").watch)
	assert.Equal(t, int32(-1), env.itemFor(t, "music/a.mp3").watch)
	verifyIndices(t, env.store)
}

func TestAddToStorage_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "x")
	env.enumerate(t)

	before := env.store.handles.Size()
	handle := env.handleFor(t, "a.txt")

	env.store.mu.Lock()
	item, err := env.store.addToStorage(filepath.Join(env.root, "a.txt"), nil, false, false, 0)
	env.store.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, handle, item.handle)
	assert.Equal(t, before, env.store.handles.Size())
	verifyIndices(t, env.store)
}

func TestAddToStorage_ExcludedPath(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.ExcludePaths = []string{"private"}
	env.newStore(t)
	env.writeFile(t, "private/secret.txt", "x")
	env.writeFile(t, "public.txt", "x")
	env.enumerate(t)

	_, ok := env.store.paths.Load(filepath.Join(env.root, "private"))
	assert.False(t, ok, "excluded path must not be enumerated")
	env.handleFor(t, "public.txt")

	env.store.mu.Lock()
	_, err := env.store.addToStorage(filepath.Join(env.root, "private"), nil, false, false, 0)
	env.store.mu.Unlock()
	assert.ErrorIs(t, err, mtpstore.ResponseAccessDenied)
}

func TestPuoid_StableAcrossRestart(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a/b.txt", "content")
	env.enumerate(t)

	puoid := env.itemFor(t, "a/b.txt").puoid
	assert.False(t, puoid.IsZero())

	env.restart(t)

	assert.Equal(t, puoid, env.itemFor(t, "a/b.txt").puoid, "puoid must survive restart")
	verifyIndices(t, env.store)
}

func TestPuoid_SweepDropsDeadPaths(t *testing.T) {
	env := newTestEnv(t)
	gone := env.writeFile(t, "gone.txt", "x")
	env.writeFile(t, "kept.txt", "x")
	env.enumerate(t)
	env.store.Shutdown()

	require.NoError(t, os.Remove(gone))
	env.events.reset()
	env.notifier = newFakeNotifier()
	env.newStore(t)

	// Loaded from disk, not yet swept.
	_, ok := env.store.registry.lookup(gone)
	assert.True(t, ok)

	env.enumerate(t)

	_, ok = env.store.registry.lookup(gone)
	assert.False(t, ok, "sweep must drop paths absent from the tree")
	_, ok = env.store.registry.lookup(filepath.Join(env.root, "kept.txt"))
	assert.True(t, ok)
}

func TestPuoid_SamePathKeepsIdentity_NewPathOrdersAfter(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "x")
	env.enumerate(t)

	first := env.itemFor(t, "a.txt").puoid
	handle := env.handleFor(t, "a.txt")
	require.NoError(t, env.store.DeleteItem(handle, 0))

	// The registry keeps the path entry until the startup sweep, so
	// recreating the same path restores the old identity.
	info := &mtpstore.ObjectInfo{FileName: "a.txt", ObjectFormat: mtpstore.FormatText}
	_, newHandle, err := env.store.AddItem(0, info)
	require.NoError(t, err)
	item, ok := env.store.handles.Load(newHandle)
	require.True(t, ok)
	assert.Equal(t, first, item.puoid)

	// A path never seen before gets a strictly greater identifier.
	info = &mtpstore.ObjectInfo{FileName: "b.txt", ObjectFormat: mtpstore.FormatText}
	_, otherHandle, err := env.store.AddItem(0, info)
	require.NoError(t, err)
	other, ok := env.store.handles.Load(otherHandle)
	require.True(t, ok)
	assert.True(t, first.Less(other.puoid), "fresh puoid must order after every issued one")
}

func TestGetObjectHandles_Modes(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.mp3", "x")
	env.writeFile(t, "sub/b.mp3", "x")
	env.writeFile(t, "sub/c.txt", "x")
	env.enumerate(t)

	all, err := env.store.GetObjectHandles(0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5) // a.mp3, sub, b.mp3, c.txt, Playlists

	mp3s, err := env.store.GetObjectHandles(mtpstore.FormatMP3, 0)
	require.NoError(t, err)
	assert.Len(t, mp3s, 2)

	rootChildren, err := env.store.GetObjectHandles(0, mtpstore.ObjHandleAll)
	require.NoError(t, err)
	assert.Len(t, rootChildren, 3) // a.mp3, sub, Playlists

	subChildren, err := env.store.GetObjectHandles(0, env.handleFor(t, "sub"))
	require.NoError(t, err)
	assert.Len(t, subChildren, 2)

	_, err = env.store.GetObjectHandles(0, env.handleFor(t, "a.mp3"))
	assert.ErrorIs(t, err, mtpstore.ResponseInvalidParentObject)

	_, err = env.store.GetObjectHandles(0, 0xDEAD)
	assert.ErrorIs(t, err, mtpstore.ResponseInvalidParentObject)
}

func TestGetPath_And_CheckHandle(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "a.txt", "x")
	env.enumerate(t)

	handle := env.handleFor(t, "a.txt")
	assert.True(t, env.store.CheckHandle(handle))
	got, err := env.store.GetPath(handle)
	require.NoError(t, err)
	assert.Equal(t, path, got)

	assert.False(t, env.store.CheckHandle(0xDEAD))
	_, err = env.store.GetPath(0xDEAD)
	assert.Error(t, err)
}

func TestStorageInfo_ReportsCapacity(t *testing.T) {
	env := newTestEnv(t)
	env.enumerate(t)

	info, err := env.store.StorageInfo()
	require.NoError(t, err)
	assert.Equal(t, "test", info.VolumeLabel)
	assert.Equal(t, mtpstore.FilesystemTypeGenericHierarchical, info.FilesystemType)
	assert.NotZero(t, info.MaxCapacity)
	assert.LessOrEqual(t, info.FreeSpace, info.MaxCapacity)
}

func TestShutdown_FlushesAndClears(t *testing.T) {
	env := newTestEnv(t)
	env.writeFile(t, "a.txt", "x")
	env.enumerate(t)
	env.store.Shutdown()

	assert.Equal(t, 0, env.store.handles.Size())
	assert.Nil(t, env.store.root)

	// Persistent registry landed on disk.
	fi, err := os.Stat(filepath.Join(env.cfg.PersistDir, puoidsDbName))
	require.NoError(t, err)
	assert.NotZero(t, fi.Size())
}
