package storage

import (
	"github.com/brettbedarf/mtpstore"
)

// HandleFSEvent reconciles one filesystem-change notification against
// the in-memory tree. Move reconciliation pairs MOVED_FROM with
// MOVED_TO through the kernel cookie; an unpaired MOVED_FROM sits in a
// single-slot cache until a conflicting event or an idle flush turns it
// into a delete. The reconciler never fails — it logs and carries on.
func (s *Storage) HandleFSEvent(ev mtpstore.FSEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Name == "" {
		return
	}

	// A cached MOVED_FROM whose cookie does not pair with this event
	// means the entry left the storage: flush it as a delete.
	if s.fromCache != nil && s.fromCache.Cookie != ev.Cookie {
		s.handleFSDelete(*s.fromCache)
		s.fromCache = nil
	}

	if ev.Mask&mtpstore.FSCreate != 0 {
		s.handleFSCreate(ev)
	}

	if ev.Mask&mtpstore.FSDelete != 0 {
		s.handleFSDelete(ev)
	}

	if ev.Mask&mtpstore.FSMovedTo != 0 {
		if s.fromCache != nil && s.fromCache.Cookie == ev.Cookie {
			// Moved or renamed within the storage.
			s.handleFSMove(*s.fromCache, ev)
			s.fromCache = nil
		} else {
			// Moved into the storage from outside.
			s.handleFSCreate(ev)
		}
	}

	if ev.Mask&mtpstore.FSMovedFrom != 0 {
		if s.fromCache != nil {
			s.handleFSDelete(*s.fromCache)
		}
		// Don't know what to do with it yet. Save it for later.
		cached := ev
		s.fromCache = &cached
	}

	if ev.Mask&mtpstore.FSCloseWrite != 0 {
		s.handleFSModify(ev)
	}
}

// FlushCachedEvent resolves a MOVED_FROM that never found its pair,
// treating it as a move out of the storage. Driven by the Run loop's
// idle tick.
func (s *Storage) FlushCachedEvent() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fromCache != nil {
		s.handleFSDelete(*s.fromCache)
		s.fromCache = nil
	}
}

// resolveWatchDir maps an event's watch back to the directory node it
// was installed on. The watch index can hold a stale entry briefly
// around suspensions, so the node's own descriptor is double-checked.
func (s *Storage) resolveWatchDir(wd int32) *Item {
	parentHandle, ok := s.watches.Load(wd)
	if !ok {
		return nil
	}
	parent, ok := s.handles.Load(parentHandle)
	if !ok || parent.watch != wd {
		return nil
	}
	return parent
}

func (s *Storage) handleFSDelete(ev mtpstore.FSEvent) {
	if ev.Mask&(mtpstore.FSDelete|mtpstore.FSMovedFrom) == 0 {
		return
	}
	parent := s.resolveWatchDir(ev.Watch)
	if parent == nil {
		return
	}

	fullPath := parent.path + "/" + ev.Name
	if handle, ok := s.paths.Load(fullPath); ok {
		s.log.Debug().Str("path", fullPath).Msg("Reconciling external delete")
		if err := s.deleteItemHelper(handle, false, true); err != nil {
			s.log.Warn().Err(err).Str("path", fullPath).Msg("External delete reconciliation failed")
		}
	}
	s.emitStorageInfoChangedOnDrift()
}

func (s *Storage) handleFSCreate(ev mtpstore.FSEvent) {
	if ev.Mask&(mtpstore.FSCreate|mtpstore.FSMovedTo) == 0 {
		return
	}
	parent := s.resolveWatchDir(ev.Watch)
	if parent == nil {
		return
	}

	addedPath := parent.path + "/" + ev.Name
	if _, exists := s.paths.Load(addedPath); !exists {
		s.log.Debug().Str("path", addedPath).Msg("Reconciling external create")
		if _, err := s.addToStorage(addedPath, nil, false, true, 0); err != nil {
			s.log.Warn().Err(err).Str("path", addedPath).Msg("External create reconciliation failed")
		}
	}
	s.emitStorageInfoChangedOnDrift()
}

func (s *Storage) handleFSMove(from, to mtpstore.FSEvent) {
	if from.Mask&mtpstore.FSMovedFrom == 0 || to.Mask&mtpstore.FSMovedTo == 0 || from.Cookie != to.Cookie {
		return
	}

	fromDir := s.resolveWatchDir(from.Watch)
	toDir := s.resolveWatchDir(to.Watch)
	if fromDir == nil || toDir == nil {
		return
	}
	if fromDir == toDir && from.Name == to.Name {
		// No change.
		return
	}

	oldPath := fromDir.path + "/" + from.Name
	movedHandle, ok := s.paths.Load(oldPath)
	if !ok {
		// Already handled.
		return
	}
	movedNode, ok := s.handles.Load(movedHandle)
	if !ok {
		return
	}

	newPath := toDir.path + "/" + to.Name
	if _, exists := s.paths.Load(newPath); exists {
		// The destination path is already in the tree, so only the
		// source node needs to go.
		s.log.Debug().Str("path", newPath).Msg("Move target already tracked, dropping moved node")
		if err := s.deleteItemHelper(movedHandle, false, true); err != nil {
			s.log.Warn().Err(err).Str("path", oldPath).Msg("External move reconciliation failed")
		}
		return
	}

	if fromDir == toDir {
		// Plain rename within one directory.
		s.log.Debug().Str("from", oldPath).Str("to", newPath).Msg("Reconciling external rename")
		s.paths.Delete(oldPath)
		s.registry.rename(oldPath, newPath)
		s.populateObjectInfo(movedNode)
		movedNode.path = newPath
		movedNode.info.FileName = to.Name
		s.paths.Store(newPath, movedHandle)
		for itr := movedNode.firstChild; itr != nil; itr = itr.nextSibling {
			s.adjustMovedItemsPath(newPath, itr, false)
		}
		s.removeWatchRecursively(movedNode)
		s.addWatchRecursively(movedNode)
	} else {
		s.log.Debug().Str("from", oldPath).Str("to", newPath).Msg("Reconciling external move")
		if err := s.moveLocal(movedHandle, toDir.handle, false); err != nil {
			s.log.Warn().Err(err).Str("from", oldPath).Msg("External move reconciliation failed")
			return
		}
	}

	// The dataset is stale either way; recompute before announcing.
	s.invalidateObjectInfo(movedNode)
	s.emit(mtpstore.EventObjectInfoChanged, movedHandle)
}

func (s *Storage) handleFSModify(ev mtpstore.FSEvent) {
	if ev.Mask&mtpstore.FSCloseWrite == 0 {
		return
	}
	parent := s.resolveWatchDir(ev.Watch)
	if parent == nil {
		return
	}

	changedPath := parent.path + "/" + ev.Name
	changedHandle, ok := s.paths.Load(changedPath)
	if !ok {
		return
	}
	// During a transfer to the device the initiator is the source of
	// truth; a change event for the in-flight object would be spurious.
	if changedHandle == s.writeHandle {
		return
	}
	item, ok := s.handles.Load(changedHandle)
	if !ok {
		return
	}

	s.log.Debug().Str("path", changedPath).Msg("Reconciling external modify")
	s.invalidateObjectInfo(item)
	s.emit(mtpstore.EventObjectInfoChanged, changedHandle)

	s.emitStorageInfoChangedOnDrift()
}
