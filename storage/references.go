package storage

import (
	"io"
	"os"
	"slices"

	"github.com/samber/lo"

	"github.com/brettbedarf/mtpstore"
)

// GetReferences returns the reference list of handle. Targets that no
// longer exist are elided and the pruned list is stored back; stale
// references are a fact of life, not an error.
func (s *Storage) GetReferences(handle mtpstore.ObjHandle) ([]mtpstore.ObjHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.CheckHandle(handle) {
		s.removeInvalidReferences(handle)
		return nil, mtpstore.ResponseInvalidObjectHandle
	}

	list, ok := s.refs.Load(handle)
	if !ok {
		return nil, nil
	}

	valid := lo.Filter(list, func(ref mtpstore.ObjHandle, _ int) bool {
		return s.CheckHandle(ref)
	})
	s.refs.Store(handle, valid)
	return slices.Clone(valid), nil
}

// SetReferences replaces the reference list of handle wholesale. Every
// target must exist. Abstract playlists additionally push the entry
// paths into the metadata store's playlist record.
func (s *Storage) SetReferences(handle mtpstore.ObjHandle, references []mtpstore.ObjHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.handles.Load(handle)
	if !ok {
		return mtpstore.ResponseInvalidObjectHandle
	}
	s.populateObjectInfo(item)

	savePlaylist := item.isPlaylist()
	var entries []string
	for _, ref := range references {
		target, ok := s.handles.Load(ref)
		if !ok {
			return mtpstore.ResponseInvalidObjectReference
		}
		if savePlaylist {
			entries = append(entries, target.path)
		}
	}

	s.refs.Store(handle, slices.Clone(references))

	if savePlaylist {
		s.deps.Metadata.SavePlaylist(item.path, entries)
	}
	return nil
}

// RemoveInvalidReferences purges handle from every reference list and
// drops its own list; called when an object becomes invalid.
func (s *Storage) RemoveInvalidReferences(handle mtpstore.ObjHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeInvalidReferences(handle)
}

func (s *Storage) removeInvalidReferences(handle mtpstore.ObjHandle) {
	s.refs.Range(func(owner mtpstore.ObjHandle, list []mtpstore.ObjHandle) bool {
		if owner == handle {
			s.refs.Delete(owner)
			return true
		}
		if slices.Contains(list, handle) {
			pruned := lo.Filter(list, func(ref mtpstore.ObjHandle, _ int) bool {
				return ref != handle
			})
			s.refs.Store(owner, pruned)
		}
		return true
	})
}

// storeObjectReferences flushes the reference graph, keyed by PUOID so
// it survives handle reassignment across restarts. Counts are written
// as placeholders and corrected by seeking back once the inner loop
// knows how many entries could be resolved; a failure at any point
// truncates the file to zero. Callers hold s.mu.
//
// On-disk layout, little-endian:
//
//	object count       u32
//	per object:
//	    puoid          16 bytes
//	    ref count      u32
//	    ref puoids     16 bytes each
func (s *Storage) storeObjectReferences() {
	file, err := s.fs.OpenFile(s.referencesDbPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		s.log.Warn().Err(err).Msg("Cannot open object references db for writing")
		return
	}
	defer file.Close()

	fail := func(msg string) {
		s.log.Warn().Str("path", s.referencesDbPath).Msg(msg)
		truncateToZero(file)
	}

	type entry struct {
		owner mtpstore.ObjHandle
		list  []mtpstore.ObjHandle
	}
	var all []entry
	s.refs.Range(func(owner mtpstore.ObjHandle, list []mtpstore.ObjHandle) bool {
		all = append(all, entry{owner, list})
		return true
	})

	objectCount := uint32(len(all))
	if err := writeU32(file, objectCount); err != nil {
		fail("Error writing count to persistent objrefs db")
		return
	}

	for _, e := range all {
		item, ok := s.handles.Load(e.owner)
		if !ok || item.isPlaylist() {
			// Either the handle was removed from the tree but lingers
			// here (pruned lazily in GetReferences), or this is an
			// abstract playlist, which only the metadata store keeps.
			objectCount--
			continue
		}
		if _, err := file.Write(item.puoid[:]); err != nil {
			fail("Error writing a handle to persistent objrefs db")
			return
		}

		refCount := uint32(len(e.list))
		refCountPos, err := file.Seek(0, io.SeekCurrent)
		if err != nil {
			fail("File seek failed")
			return
		}
		if err := writeU32(file, refCount); err != nil {
			fail("Error writing a handle's ref count to persistent objrefs db")
			return
		}
		for _, ref := range e.list {
			target, ok := s.handles.Load(ref)
			if !ok {
				refCount--
				continue
			}
			if _, err := file.Write(target.puoid[:]); err != nil {
				fail("Error writing a handle's reference to persistent objrefs db")
				return
			}
		}

		cur, err := file.Seek(0, io.SeekCurrent)
		if err != nil {
			fail("File seek failed")
			return
		}
		if _, err := file.Seek(refCountPos, io.SeekStart); err != nil {
			fail("File seek failed")
			return
		}
		if err := writeU32(file, refCount); err != nil {
			fail("Error writing a handle's ref count to persistent objrefs db")
			return
		}
		if _, err := file.Seek(cur, io.SeekStart); err != nil {
			fail("File seek failed")
			return
		}
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		fail("File seek failed")
		return
	}
	if err := writeU32(file, objectCount); err != nil {
		fail("Error writing count to persistent objrefs db")
	}
}

// loadObjectReferences materializes the reference graph from disk,
// resolving PUOIDs through the index built during enumeration.
// Unresolved identifiers are dropped silently. Callers hold s.mu.
func (s *Storage) loadObjectReferences() {
	file, err := s.fs.Open(s.referencesDbPath)
	if err != nil {
		return
	}
	defer file.Close()

	objectCount, err := readU32(file)
	if err != nil {
		return
	}
	for i := uint32(0); i < objectCount; i++ {
		var objPuoid mtpstore.Puoid
		if _, err := io.ReadFull(file, objPuoid[:]); err != nil {
			return
		}
		refCount, err := readU32(file)
		if err != nil {
			return
		}
		var references []mtpstore.ObjHandle
		for j := uint32(0); j < refCount; j++ {
			var refPuoid mtpstore.Puoid
			if _, err := io.ReadFull(file, refPuoid[:]); err != nil {
				return
			}
			if handle, ok := s.puoids.Load(refPuoid); ok {
				references = append(references, handle)
			}
		}
		if handle, ok := s.puoids.Load(objPuoid); ok {
			s.refs.Store(handle, references)
		}
	}
}

// assignPlaylistReferences syncs the playlist directory with the
// metadata store after enumeration: existing playlists get their
// references rebuilt from stored entry paths, new ones additionally get
// a zero-byte .pla file and a path binding in the metadata store.
// Callers hold s.mu.
func (s *Storage) assignPlaylistReferences(existingPaths []string, existingEntries [][]string, newNames []string, newEntries [][]string) {
	playlistDirHandle, ok := s.paths.Load(s.playlistPath)
	if !ok {
		s.log.Error().Msg("No handle found for playlists directory, playlists will be unavailable")
		return
	}

	for i, playlistPath := range existingPaths {
		handle, ok := s.paths.Load(playlistPath)
		if !ok {
			continue
		}
		var references []mtpstore.ObjHandle
		if i < len(existingEntries) {
			references = s.entryHandles(existingEntries[i])
		}
		s.refs.Store(handle, references)
	}

	for i, name := range newNames {
		playlistPath := s.playlistPath + "/" + name + ".pla"
		info := &mtpstore.ObjectInfo{
			FileName:     name + ".pla",
			ObjectFormat: mtpstore.FormatAbstractAudioVideoPlaylist,
			StorageID:    s.cfg.StorageID,
			ParentObject: playlistDirHandle,
		}
		_, newHandle, err := s.addItem(playlistDirHandle, info)
		if err != nil {
			s.log.Warn().Err(err).Str("playlist", name).Msg("Cannot create playlist file")
			continue
		}
		var references []mtpstore.ObjHandle
		if i < len(newEntries) {
			references = s.entryHandles(newEntries[i])
		}
		s.refs.Store(newHandle, references)
		// Bind the new .pla file to the metadata store's record.
		s.deps.Metadata.SetPlaylistPath(name, playlistPath)
	}
}

func (s *Storage) entryHandles(entries []string) []mtpstore.ObjHandle {
	var handles []mtpstore.ObjHandle
	for _, entry := range entries {
		if handle, ok := s.paths.Load(entry); ok {
			handles = append(handles, handle)
		}
	}
	return handles
}
