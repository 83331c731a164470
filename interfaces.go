package mtpstore

// Store is the surface one storage exposes to its siblings for
// cross-store copy and move. Each store has an independent handle space,
// which is why CopyHandle may install a foreign handle unchanged.
type Store interface {
	StorageID() uint32
	CheckHandle(handle ObjHandle) bool
	GetPath(handle ObjHandle) (string, error)
	GetObjectInfo(handle ObjHandle) (*ObjectInfo, error)
	GetObjectHandles(format FormatCode, association ObjHandle) ([]ObjHandle, error)
	StorageInfo() (StorageInfo, error)
	AddItem(parent ObjHandle, info *ObjectInfo) (ObjHandle, ObjHandle, error)
	CopyHandle(source Store, handle ObjHandle, parent ObjHandle) error
	DeleteItem(handle ObjHandle, format FormatCode) error
	ReadData(handle ObjHandle, buf []byte, offset uint64) error
	WriteData(handle ObjHandle, data []byte, firstSegment, lastSegment bool) error
}

// HandleAllocator hands out object handles unique across the device.
type HandleAllocator interface {
	AllocateHandle() ObjHandle
}

// PuoidAllocator hands out persistent object identifiers, each strictly
// greater than every identifier issued before it. Optional; a storage
// without one falls back to a local monotonic counter seeded from its
// persistent registry.
type PuoidAllocator interface {
	AllocatePuoid() Puoid
}

// Thumbnailer resolves cached thumbnails. RequestThumbnail returns the
// path of the cached thumbnail, or "" when none is available yet; in the
// latter case the thumbnailer generates one asynchronously and reports
// completion through the ready callback it was constructed with.
type Thumbnailer interface {
	RequestThumbnail(path, mime string) string
}

// MetadataStore is the external sidecar holding semantic metadata and
// playlist records (the tracker role). All calls are synchronous.
type MetadataStore interface {
	GetProperty(path string, prop PropertyCode) (any, bool)
	SetProperty(path string, prop PropertyCode, value any) bool
	GetPropVals(path string, vals []PropVal)
	SetPropVals(path string, vals []PropVal)
	GetChildPropVals(parentPath string, props []PropertyCode) map[string][]any
	SupportsProperty(prop PropertyCode) bool
	Move(oldPath, newPath string)
	Copy(oldPath, newPath string)
	SavePlaylist(path string, entries []string)
	SetPlaylistPath(name, path string)
	MovePlaylist(oldPath, newPath string)
	DeletePlaylist(path string)
	// GetPlaylists returns playlist names (or full .pla paths when
	// existing is true) together with the entry paths of each.
	GetPlaylists(existing bool) ([]string, [][]string)
	GenerateIri(path string) string
}

// Filesystem-change notification masks. Values match the kernel inotify
// bits so a raw event can be forwarded without translation.
const (
	FSCloseWrite uint32 = 0x00000008
	FSMovedFrom  uint32 = 0x00000040
	FSMovedTo    uint32 = 0x00000080
	FSCreate     uint32 = 0x00000100
	FSDelete     uint32 = 0x00000200
)

// FSEvent is one filesystem-change notification: the watch it was
// observed on, the kernel rename cookie pairing MOVED_FROM with
// MOVED_TO, the event mask and the entry name relative to the watched
// directory.
type FSEvent struct {
	Watch  int32
	Cookie uint32
	Mask   uint32
	Name   string
}

// Notifier is the filesystem-change notifier contract. Watches are
// per-directory; events are delivered on the channel until Close.
type Notifier interface {
	AddWatch(path string) (int32, error)
	RemoveWatch(wd int32) error
	Events() <-chan FSEvent
	Close() error
}
