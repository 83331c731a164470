package mtpstore

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// LocalHandleAllocator is an in-process handle source, used when no
// device-wide allocator is wired in (a single-storage deployment, or
// tests).
type LocalHandleAllocator struct {
	last atomic.Uint32
}

func (a *LocalHandleAllocator) AllocateHandle() ObjHandle {
	return a.last.Add(1)
}

// LocalPuoidAllocator issues strictly increasing identifiers from a
// seed. Seed it with the largest identifier loaded from the persistent
// registry before the first allocation.
type LocalPuoidAllocator struct {
	mu   sync.Mutex
	last Puoid
}

// Seed raises the allocator floor to p if p orders after the current
// floor. Seeding never lowers it.
func (a *LocalPuoidAllocator) Seed(p Puoid) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last.Less(p) {
		a.last = p
	}
}

func (a *LocalPuoidAllocator) AllocatePuoid() Puoid {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = a.last.Next()
	return a.last
}

// NopThumbnailer never has a thumbnail ready.
type NopThumbnailer struct{}

func (NopThumbnailer) RequestThumbnail(string, string) string { return "" }

// NopMetadataStore satisfies MetadataStore for deployments without a
// metadata sidecar. Property and playlist queries come back empty;
// GenerateIri still produces stable identifiers so callers can log and
// correlate paths the way a real tracker would.
type NopMetadataStore struct{}

func (NopMetadataStore) GetProperty(string, PropertyCode) (any, bool) { return nil, false }
func (NopMetadataStore) SetProperty(string, PropertyCode, any) bool   { return false }
func (NopMetadataStore) GetPropVals(string, []PropVal)                {}
func (NopMetadataStore) SetPropVals(string, []PropVal)                {}
func (NopMetadataStore) GetChildPropVals(string, []PropertyCode) map[string][]any {
	return nil
}
func (NopMetadataStore) SupportsProperty(PropertyCode) bool       { return false }
func (NopMetadataStore) Move(string, string)                      {}
func (NopMetadataStore) Copy(string, string)                      {}
func (NopMetadataStore) SavePlaylist(string, []string)            {}
func (NopMetadataStore) SetPlaylistPath(string, string)           {}
func (NopMetadataStore) MovePlaylist(string, string)              {}
func (NopMetadataStore) DeletePlaylist(string)                    {}
func (NopMetadataStore) GetPlaylists(bool) ([]string, [][]string) { return nil, nil }

// GenerateIri derives a deterministic file IRI for path, in the
// urn:uuid form trackers use for local resources.
func (NopMetadataStore) GenerateIri(path string) string {
	return "urn:uuid:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte("file://"+path)).String()
}
