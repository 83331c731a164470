// Package storage realizes one MTP object store on top of a native
// filesystem directory: the in-memory object tree and its indices, the
// persistent identifier registry, the object-reference graph, the MTP
// object operations, and the reconciler that repairs the tree when the
// filesystem changes underneath it.
package storage

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/spf13/afero"

	"github.com/brettbedarf/mtpstore"
	"github.com/brettbedarf/mtpstore/config"
	"github.com/brettbedarf/mtpstore/internal/util"
)

const (
	puoidsDbName            = "mtppuoids"
	referencesDbName        = "mtpreferences"
	internalPlaylistDirName = "Playlists"
)

// Deps are the collaborators a Storage is constructed with. Only
// Handles is required. Puoids, Thumbnailer, Metadata, Fs and Yield fall
// back to local implementations; without a Notifier no directory is
// watched, and a nil Events or Ready callback is simply not called.
type Deps struct {
	Handles     mtpstore.HandleAllocator
	Puoids      mtpstore.PuoidAllocator
	Thumbnailer mtpstore.Thumbnailer
	Metadata    mtpstore.MetadataStore
	Notifier    mtpstore.Notifier
	Events      func(mtpstore.Event)
	Ready       func(storageID uint32)
	Fs          afero.Fs
	Yield       func()
}

// Storage realizes one MTP object store on top of a native filesystem
// directory. All initiator-driven mutations and all reconciler work are
// serialized by a single mutex; the indices are concurrent maps so that
// read-only accessors stay lock-free.
type Storage struct {
	cfg  *config.Config
	fs   afero.Fs
	deps Deps
	log  zerolog.Logger

	mu sync.Mutex

	root    *Item
	handles *xsync.Map[mtpstore.ObjHandle, *Item]
	paths   *xsync.Map[string, mtpstore.ObjHandle]
	puoids  *xsync.Map[mtpstore.Puoid, mtpstore.ObjHandle]
	watches *xsync.Map[int32, mtpstore.ObjHandle]
	refs    *xsync.Map[mtpstore.ObjHandle, []mtpstore.ObjHandle]

	registry    *puoidRegistry
	localPuoids *mtpstore.LocalPuoidAllocator

	storageInfo   mtpstore.StorageInfo
	lastFreeSpace uint64

	playlistPath         string
	puoidsDbPath         string
	referencesDbPath     string
	internalPlaylistPath string
	excludePaths         map[string]struct{}

	// Single-slot segmented-write state. At most one object transfer is
	// in flight at a time; the reconciler consults writeHandle to
	// suppress spurious ObjectInfoChanged events.
	writeHandle mtpstore.ObjHandle
	dataFile    afero.File

	// Single-slot cache of the latest unpaired MOVED_FROM event.
	fromCache *mtpstore.FSEvent

	done chan struct{}
}

// New builds a Storage over cfg.RootPath and loads its PUOID registry.
// The object tree stays empty until EnumerateStorage completes, and the
// reference graph is loaded during enumeration.
func New(cfg *config.Config, deps Deps) (*Storage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Handles == nil {
		return nil, fmt.Errorf("handle allocator is required")
	}
	if deps.Fs == nil {
		deps.Fs = afero.NewOsFs()
	}
	if deps.Metadata == nil {
		deps.Metadata = mtpstore.NopMetadataStore{}
	}
	if deps.Thumbnailer == nil {
		deps.Thumbnailer = mtpstore.NopThumbnailer{}
	}
	if deps.Yield == nil {
		deps.Yield = runtime.Gosched
	}

	logger := util.GetLogger("storage").With().Str("root", cfg.RootPath).Logger()

	s := &Storage{
		cfg:     cfg,
		fs:      deps.Fs,
		deps:    deps,
		log:     logger,
		handles: xsync.NewMap[mtpstore.ObjHandle, *Item](),
		paths:   xsync.NewMap[string, mtpstore.ObjHandle](),
		puoids:  xsync.NewMap[mtpstore.Puoid, mtpstore.ObjHandle](),
		watches: xsync.NewMap[int32, mtpstore.ObjHandle](),
		refs:    xsync.NewMap[mtpstore.ObjHandle, []mtpstore.ObjHandle](),

		playlistPath:         cfg.PlaylistPath(),
		puoidsDbPath:         cfg.PersistDir + "/" + puoidsDbName,
		referencesDbPath:     cfg.PersistDir + "/" + referencesDbName,
		internalPlaylistPath: cfg.PersistDir + "/" + internalPlaylistDirName,
		excludePaths:         make(map[string]struct{}),

		done: make(chan struct{}),
	}
	for _, p := range cfg.ExcludedAbsPaths() {
		s.excludePaths[p] = struct{}{}
		logger.Info().Str("path", p).Msg("Path excluded from storage")
	}

	if err := s.fs.MkdirAll(cfg.PersistDir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create persistent state dir: %w", err)
	}
	// Internal playlist files live next to the databases; nothing breaks
	// if the directory stays empty.
	if err := s.fs.MkdirAll(s.internalPlaylistPath, 0o755); err != nil {
		logger.Warn().Err(err).Msg("Cannot create internal playlist dir")
	}

	s.registry = newPuoidRegistry(s.fs, s.puoidsDbPath, logger)
	s.registry.load()
	if deps.Puoids == nil {
		s.localPuoids = &mtpstore.LocalPuoidAllocator{}
		s.localPuoids.Seed(s.registry.largest)
	}

	s.storageInfo = mtpstore.StorageInfo{
		StorageType:        cfg.StorageType,
		FilesystemType:     mtpstore.FilesystemTypeGenericHierarchical,
		AccessCapability:   mtpstore.StorageAccessReadWrite,
		FreeSpaceInObjects: 0xFFFFFFFF,
		StorageDescription: cfg.Description,
		VolumeLabel:        cfg.VolumeLabel,
	}
	if usage, err := disk.Usage(cfg.RootPath); err == nil {
		s.storageInfo.MaxCapacity = usage.Total
		s.storageInfo.FreeSpace = usage.Free
	}
	s.lastFreeSpace = s.storageInfo.FreeSpace

	logger.Info().
		Str("label", cfg.VolumeLabel).
		Str("description", cfg.Description).
		Msg("Directory exported as FS storage")

	return s, nil
}

// StorageID returns the device-assigned id of this store.
func (s *Storage) StorageID() uint32 { return s.cfg.StorageID }

// CheckHandle reports whether handle names a live object in this store.
func (s *Storage) CheckHandle(handle mtpstore.ObjHandle) bool {
	_, ok := s.handles.Load(handle)
	return ok
}

// GetPath resolves handle to its absolute filesystem path.
func (s *Storage) GetPath(handle mtpstore.ObjHandle) (string, error) {
	item, ok := s.handles.Load(handle)
	if !ok {
		return "", mtpstore.ResponseGeneralError
	}
	return item.path, nil
}

// GetObjectInfo returns the composed object info for handle, composing
// it on first access.
func (s *Storage) GetObjectInfo(handle mtpstore.ObjHandle) (*mtpstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getObjectInfo(handle)
}

func (s *Storage) getObjectInfo(handle mtpstore.ObjHandle) (*mtpstore.ObjectInfo, error) {
	item, ok := s.handles.Load(handle)
	if !ok {
		return nil, mtpstore.ResponseInvalidObjectHandle
	}
	s.populateObjectInfo(item)
	return item.info, nil
}

// GetObjectHandles enumerates handles, optionally filtered by format.
// association 0 means every object in the store, ObjHandleAll means the
// immediate children of the root, anything else the children of that
// association. The storage root itself is never advertised.
func (s *Storage) GetObjectHandles(format mtpstore.FormatCode, association mtpstore.ObjHandle) ([]mtpstore.ObjHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []mtpstore.ObjHandle
	switch association {
	case 0:
		s.handles.Range(func(h mtpstore.ObjHandle, item *Item) bool {
			if h == 0 {
				return true
			}
			if format == 0 || (item.info != nil && item.info.ObjectFormat == format) {
				out = append(out, h)
			}
			return true
		})

	case mtpstore.ObjHandleAll:
		if s.root == nil {
			return nil, mtpstore.ResponseInvalidParentObject
		}
		out = childHandles(s.root, format)

	default:
		parent, ok := s.handles.Load(association)
		if !ok {
			return nil, mtpstore.ResponseInvalidParentObject
		}
		if !parent.isAssociation() {
			return nil, mtpstore.ResponseInvalidParentObject
		}
		out = childHandles(parent, format)
	}
	return out, nil
}

func childHandles(parent *Item, format mtpstore.FormatCode) []mtpstore.ObjHandle {
	var out []mtpstore.ObjHandle
	for itr := parent.firstChild; itr != nil; itr = itr.nextSibling {
		if format == 0 ||
			(format != mtpstore.FormatUndefined && itr.info != nil && itr.info.ObjectFormat == format) {
			out = append(out, itr.handle)
		}
	}
	return out
}

// StorageInfo returns the StorageInfo dataset with capacity and free
// space re-sampled from the filesystem. Safe without the storage lock;
// the stored dataset is never written after construction.
func (s *Storage) StorageInfo() (mtpstore.StorageInfo, error) {
	info := s.storageInfo
	usage, err := disk.Usage(s.cfg.RootPath)
	if err != nil {
		return info, mtpstore.ResponseGeneralError
	}
	info.MaxCapacity = usage.Total
	info.FreeSpace = usage.Free
	return info, nil
}

// EnumerateStorage ensures the backing directory exists and kicks off
// the directory walk on a worker goroutine. The tree must not be
// relied on until the Ready callback fires.
func (s *Storage) EnumerateStorage() error {
	if err := s.fs.MkdirAll(s.cfg.RootPath, 0o755); err != nil {
		return fmt.Errorf("cannot create storage root: %w", err)
	}
	if err := s.fs.MkdirAll(s.playlistPath, 0o755); err != nil {
		return fmt.Errorf("cannot create playlist dir: %w", err)
	}

	go s.enumerateWorker()
	return nil
}

func (s *Storage) enumerateWorker() {
	s.mu.Lock()

	// Read existing and new playlists from the metadata store before
	// walking, so playlist sync can run right after enumeration.
	existingPaths, existingEntries := s.deps.Metadata.GetPlaylists(true)
	newNames, newEntries := s.deps.Metadata.GetPlaylists(false)

	if _, err := s.addToStorage(s.cfg.RootPath, nil, false, false, 0); err != nil {
		s.log.Error().Err(err).Msg("Storage enumeration failed")
	}

	s.registry.sweep(func(path string) bool {
		_, ok := s.paths.Load(path)
		return ok
	})

	s.loadObjectReferences()
	s.assignPlaylistReferences(existingPaths, existingEntries, newNames, newEntries)

	if zerolog.GlobalLevel() <= zerolog.TraceLevel {
		s.dumpItem(s.root, true)
	}

	s.mu.Unlock()

	if s.deps.Ready != nil {
		s.deps.Ready(s.cfg.StorageID)
	}
}

// Run consumes notifier events until Shutdown. Unpaired MOVED_FROM
// events are flushed as deletes on an idle tick.
func (s *Storage) Run() {
	var events <-chan mtpstore.FSEvent
	if s.deps.Notifier != nil {
		events = s.deps.Notifier.Events()
	}

	flush := time.NewTicker(time.Second)
	defer flush.Stop()

	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.HandleFSEvent(ev)
		case <-flush.C:
			s.FlushCachedEvent()
		}
	}
}

// Shutdown tears the storage down: the notifier is closed, persistent
// state is flushed, an in-flight write is aborted with the partial file
// left on disk, and every node is dropped.
func (s *Storage) Shutdown() {
	close(s.done)
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Notifier close failed")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.registry.store()
	s.storeObjectReferences()

	if s.dataFile != nil {
		s.dataFile.Close()
		s.dataFile = nil
		s.writeHandle = 0
	}

	s.handles.Clear()
	s.paths.Clear()
	s.puoids.Clear()
	s.watches.Clear()
	s.refs.Clear()
	s.root = nil

	s.log.Info().Msg("Storage shut down")
}

// requestNewHandle asks the device-wide allocator for a fresh handle.
func (s *Storage) requestNewHandle() mtpstore.ObjHandle {
	return s.deps.Handles.AllocateHandle()
}

// requestNewPuoid issues a fresh identifier, strictly greater than any
// issued before, and records it as the registry's new high-water mark.
func (s *Storage) requestNewPuoid() mtpstore.Puoid {
	var p mtpstore.Puoid
	if s.deps.Puoids != nil {
		p = s.deps.Puoids.AllocatePuoid()
	} else {
		p = s.localPuoids.AllocatePuoid()
	}
	if s.registry.largest.Less(p) {
		s.registry.largest = p
	}
	return p
}

func (s *Storage) findByPath(path string) *Item {
	handle, ok := s.paths.Load(path)
	if !ok {
		return nil
	}
	item, _ := s.handles.Load(handle)
	return item
}

// addItemToMaps registers item in the path, handle and puoid indices.
// The persistent registry is the sole source of identity: a path seen
// before gets its old PUOID back, a new path gets a fresh one.
func (s *Storage) addItemToMaps(item *Item) {
	s.paths.Store(item.path, item.handle)
	s.handles.Store(item.handle, item)

	if puoid, ok := s.registry.lookup(item.path); ok {
		item.puoid = puoid
	} else {
		item.puoid = s.requestNewPuoid()
		s.registry.insert(item.path, item.puoid)
	}
	s.puoids.Store(item.puoid, item.handle)
}

// removeItemFromMaps drops item from the path, handle and puoid
// indices. The watch index is left to removeWatch. Reference lists are
// left alone; dangling entries are elided lazily on the next read.
func (s *Storage) removeItemFromMaps(item *Item) {
	s.paths.Delete(item.path)
	s.handles.Delete(item.handle)
	s.puoids.Delete(item.puoid)
}

func (s *Storage) emit(code mtpstore.EventCode, params ...uint32) {
	if s.deps.Events != nil {
		s.deps.Events(mtpstore.Event{Code: code, Params: params})
	}
}

// emitStorageInfoChangedOnDrift emits StorageInfoChanged when free
// space has drifted by one percent or more since the last emission.
func (s *Storage) emitStorageInfoChangedOnDrift() {
	info, err := s.StorageInfo()
	if err != nil {
		return
	}
	last := s.lastFreeSpace
	if last == 0 {
		s.lastFreeSpace = info.FreeSpace
		return
	}
	diff := int64(last) - int64(info.FreeSpace)
	if diff < 0 {
		diff = -diff
	}
	if uint64(diff)*100/last >= 1 {
		s.lastFreeSpace = info.FreeSpace
		s.emit(mtpstore.EventStorageInfoChanged, s.cfg.StorageID)
	}
}

/* notifier watch management */

func (s *Storage) addWatch(item *Item) {
	if item == nil || s.deps.Notifier == nil || !item.isAssociation() {
		return
	}
	wd, err := s.deps.Notifier.AddWatch(item.path)
	if err != nil {
		s.log.Warn().Err(err).Str("path", item.path).Msg("Cannot watch directory")
		return
	}
	item.watch = wd
	s.watches.Store(wd, item.handle)
}

func (s *Storage) removeWatch(item *Item) {
	if item == nil || s.deps.Notifier == nil || item.watch == -1 {
		return
	}
	if err := s.deps.Notifier.RemoveWatch(item.watch); err != nil {
		s.log.Debug().Err(err).Str("path", item.path).Msg("Watch removal failed")
	}
	s.watches.Delete(item.watch)
	item.watch = -1
}

func (s *Storage) addWatchRecursively(item *Item) {
	if item == nil || !item.isAssociation() {
		return
	}
	s.addWatch(item)
	for itr := item.firstChild; itr != nil; itr = itr.nextSibling {
		s.addWatchRecursively(itr)
	}
}

func (s *Storage) removeWatchRecursively(item *Item) {
	if item == nil || !item.isAssociation() {
		return
	}
	s.removeWatch(item)
	for itr := item.firstChild; itr != nil; itr = itr.nextSibling {
		s.removeWatchRecursively(itr)
	}
}

// dumpItem logs the subtree below item at trace level.
func (s *Storage) dumpItem(item *Item, recurse bool) {
	if item == nil {
		return
	}
	var parentHandle mtpstore.ObjHandle
	parentPath := ""
	if item.parent != nil {
		parentHandle = item.parent.handle
		parentPath = item.parent.path
	}
	s.log.Trace().
		Uint32("handle", item.handle).
		Str("path", item.path).
		Uint32("parent", parentHandle).
		Str("parentPath", parentPath).
		Msg("storage item")

	if recurse {
		for itr := item.firstChild; itr != nil; itr = itr.nextSibling {
			s.dumpItem(itr, recurse)
		}
	}
}
