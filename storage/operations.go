package storage

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/spf13/afero"

	"github.com/brettbedarf/mtpstore"
)

// copyChunkSize is the segment size for cross-store content streaming.
const copyChunkSize = 1 << 20

// addToStorage creates the tree node for path and registers it in every
// index. It is idempotent: a path that already has a node returns that
// node untouched. Directories are walked recursively, with a
// cooperative yield every YieldInterval entries. handle is normally 0
// (allocate); cross-store copy passes the source handle to preserve
// identity. Callers hold s.mu.
func (s *Storage) addToStorage(path string, info *mtpstore.ObjectInfo, createIfNotExist, sendEvent bool, handle mtpstore.ObjHandle) (*Item, error) {
	if _, excluded := s.excludePaths[path]; excluded {
		return nil, mtpstore.ResponseAccessDenied
	}

	if existing := s.findByPath(path); existing != nil {
		return existing, nil
	}

	item := newItem(path)

	parentPath := path[:strings.LastIndex(path, "/")]
	parentItem := s.findByPath(parentPath)
	if parentItem == nil {
		parentItem = s.root
	}
	linkChild(item, parentItem)

	if info != nil {
		clone := *info
		clone.StorageID = s.cfg.StorageID
		item.info = &clone
	} else {
		s.populateObjectInfo(item)
	}

	// The storage root always takes handle 0 and is never advertised.
	switch {
	case path == s.cfg.RootPath:
		item.handle = 0
		s.root = item
	case handle != 0:
		item.handle = handle
	default:
		item.handle = s.requestNewHandle()
	}

	if item.info.ObjectFormat == mtpstore.FormatAssociation {
		if createIfNotExist {
			if err := s.createDirectory(item.path); err != nil {
				unlinkChild(item)
				return nil, err
			}
		}

		s.addWatch(item)
		s.addItemToMaps(item)

		entries, err := afero.ReadDir(s.fs, item.path)
		if err != nil {
			s.log.Warn().Err(err).Str("path", item.path).Msg("Cannot list directory")
		}
		for i, entry := range entries {
			if entry.Name() == "." || entry.Name() == ".." {
				continue
			}
			if i%s.cfg.YieldInterval == 0 {
				s.deps.Yield()
			}
			// Children are added best-effort; a failing entry does not
			// abort the walk.
			_, _ = s.addToStorage(item.path+"/"+entry.Name(), nil, createIfNotExist, sendEvent, 0)
		}
	} else {
		if createIfNotExist {
			if err := s.createFile(item.path); err != nil {
				unlinkChild(item)
				return nil, err
			}
		}
		s.addItemToMaps(item)
	}

	if sendEvent {
		s.emit(mtpstore.EventObjectAdded, item.handle)
	}

	// Dates always come from our filesystem, even when the initiator
	// supplied the dataset.
	if fi, err := s.fs.Stat(item.path); err == nil {
		created, modified := statTimes(fi)
		item.info.CaptureDate = created.UTC().Format(mtpDateFormat)
		item.info.ModificationDate = modified.UTC().Format(mtpDateFormat)
	}

	return item, nil
}

func (s *Storage) createFile(path string) error {
	file, err := s.fs.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		if os.IsPermission(err) {
			return mtpstore.ResponseAccessDenied
		}
		return mtpstore.ResponseGeneralError
	}
	return fileCloseOrGeneralError(file)
}

func (s *Storage) createDirectory(path string) error {
	if err := s.fs.MkdirAll(path, 0o755); err != nil {
		if os.IsPermission(err) {
			return mtpstore.ResponseAccessDenied
		}
		return mtpstore.ResponseGeneralError
	}
	return nil
}

func fileCloseOrGeneralError(file afero.File) error {
	if err := file.Close(); err != nil {
		return mtpstore.ResponseGeneralError
	}
	return nil
}

// AddItem creates the object described by info under parent, both in
// the filesystem and in the tree. parent ObjHandleAll leaves the choice
// to the store, which picks the root. Returns the effective parent and
// the new handle.
func (s *Storage) AddItem(parent mtpstore.ObjHandle, info *mtpstore.ObjectInfo) (mtpstore.ObjHandle, mtpstore.ObjHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addItem(parent, info)
}

func (s *Storage) addItem(parent mtpstore.ObjHandle, info *mtpstore.ObjectInfo) (mtpstore.ObjHandle, mtpstore.ObjHandle, error) {
	if info == nil {
		return 0, 0, mtpstore.ResponseInvalidDataset
	}

	if parent == mtpstore.ObjHandleAll {
		parent = 0
	}
	parentItem, ok := s.handles.Load(parent)
	if !ok {
		return 0, 0, mtpstore.ResponseInvalidParentObject
	}

	path := parentItem.path + "/" + info.FileName
	item, err := s.addToStorage(path, info, true, false, 0)
	if err != nil {
		return 0, 0, err
	}

	outParent := mtpstore.ObjHandle(0)
	if item.parent != nil {
		outParent = item.parent.handle
	}
	return outParent, item.handle, nil
}

// CopyHandle reconstructs source's object tree below handle inside this
// store, reusing the source handles (the two stores have independent
// handle spaces). File content is streamed over afterwards.
func (s *Storage) CopyHandle(source mtpstore.Store, handle, parent mtpstore.ObjHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyHandle(source, handle, parent)
}

func (s *Storage) copyHandle(source mtpstore.Store, handle, parent mtpstore.ObjHandle) error {
	if s.CheckHandle(handle) {
		return mtpstore.ResponseInvalidDataset
	}

	if parent == mtpstore.ObjHandleAll {
		parent = 0
	}
	parentItem, ok := s.handles.Load(parent)
	if !ok {
		return mtpstore.ResponseInvalidParentObject
	}

	// Suspend the destination parent's watch so the reconciler does not
	// re-observe the entries we are about to create.
	s.removeWatch(parentItem)
	defer s.addWatch(parentItem)

	info, err := source.GetObjectInfo(handle)
	if err != nil {
		return err
	}
	newInfo := *info
	newInfo.ParentObject = parent

	path := parentItem.path + "/" + newInfo.FileName
	if _, err := s.addToStorage(path, &newInfo, true, false, handle); err != nil {
		return err
	}

	if newInfo.ObjectFormat == mtpstore.FormatAssociation {
		children, err := source.GetObjectHandles(0, handle)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := s.copyHandle(source, child, handle); err != nil {
				return err
			}
		}
		return nil
	}

	// Source and destination handles are the same, though each in a
	// different storage.
	return s.copyDataFrom(source, handle, handle)
}

// copyDataFrom streams the content of source/srcHandle into the local
// object dstHandle through the segmented-write slot. Callers hold s.mu.
func (s *Storage) copyDataFrom(source mtpstore.Store, srcHandle, dstHandle mtpstore.ObjHandle) error {
	info, err := source.GetObjectInfo(srcHandle)
	if err != nil {
		return err
	}

	buf := make([]byte, copyChunkSize)
	first := true
	remaining := info.ObjectCompressedSize
	var offset uint64
	for remaining > 0 {
		n := uint64(len(buf))
		if remaining < n {
			n = remaining
		}
		if err := source.ReadData(srcHandle, buf[:n], offset); err != nil {
			s.writeData(dstHandle, nil, false, true)
			return err
		}
		if err := s.writeData(dstHandle, buf[:n], first, false); err != nil {
			s.writeData(dstHandle, nil, false, true)
			return err
		}
		first = false
		offset += n
		remaining -= n
	}
	return s.writeData(dstHandle, nil, false, true)
}

// DeleteItem deletes handle and everything below it. ObjHandleAll
// deletes every deletable object, optionally restricted to format;
// mixed outcomes yield PartialDeletion per MTP 1.1 D.2.11.
func (s *Storage) DeleteItem(handle mtpstore.ObjHandle, format mtpstore.FormatCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteItem(handle, format)
}

func (s *Storage) deleteItem(handle mtpstore.ObjHandle, format mtpstore.FormatCode) error {
	if handle != mtpstore.ObjHandleAll {
		return s.deleteItemHelper(handle, true, false)
	}

	// deleteItemHelper mutates the handle index, so iterate a snapshot.
	// The storage root is not a deletable object and stays out of it.
	var snapshot []*Item
	s.handles.Range(func(_ mtpstore.ObjHandle, item *Item) bool {
		if item != s.root {
			snapshot = append(snapshot, item)
		}
		return true
	})

	deletedSome := false
	failedSome := false
	var lastErr error = mtpstore.ResponseGeneralError
	for _, item := range snapshot {
		if format != 0 && format != mtpstore.FormatUndefined {
			if item.info == nil || item.info.ObjectFormat != format {
				continue
			}
		}
		err := s.deleteItemHelper(item.handle, true, false)
		switch {
		case err == nil:
			deletedSome = true
		case errors.Is(err, mtpstore.ResponseInvalidObjectHandle):
			// Not a failure: the item went away when an enclosing
			// folder was deleted earlier in the loop.
		default:
			failedSome = true
			lastErr = err
		}
	}

	switch {
	case deletedSome && failedSome:
		return mtpstore.ResponsePartialDeletion
	case deletedSome:
		return nil
	default:
		return lastErr
	}
}

// deleteItemHelper deletes one subtree, post-order. Files and empty
// directories go directly; non-empty directories delete children first
// and report PartialDeletion when any child survives.
func (s *Storage) deleteItemHelper(handle mtpstore.ObjHandle, removePhysically, sendEvent bool) error {
	item, ok := s.handles.Load(handle)
	if !ok {
		return mtpstore.ResponseInvalidObjectHandle
	}

	// Allowing deletion of the root is too dangerous (might be $HOME).
	if item == s.root {
		return mtpstore.ResponseObjectWriteProtected
	}

	if item.firstChild == nil {
		if removePhysically {
			if err := s.fs.Remove(item.path); err != nil {
				return mtpstore.ResponseGeneralError
			}
		}
		// An abstract playlist also drops its metadata-store record.
		if item.isPlaylist() {
			s.deps.Metadata.DeletePlaylist(item.path)
		}
		s.removeFromStorage(item, sendEvent)
		return nil
	}

	// Children re-read from firstChild each round: the recursive delete
	// mutates the sibling list under us.
	for item.firstChild != nil {
		if err := s.deleteItemHelper(item.firstChild.handle, removePhysically, sendEvent); err != nil {
			return mtpstore.ResponsePartialDeletion
		}
	}
	return s.deleteItemHelper(handle, removePhysically, sendEvent)
}

// removeFromStorage unregisters item from every index and detaches it
// from the tree.
func (s *Storage) removeFromStorage(item *Item, sendEvent bool) {
	if item.watch != -1 {
		s.removeWatch(item)
	}
	s.removeItemFromMaps(item)
	unlinkChild(item)

	if sendEvent {
		s.emit(mtpstore.EventObjectRemoved, item.handle)
	}
}

// CopyObject copies handle under parent in dest (nil or self for a
// same-store copy). The copied object's handle is returned: a fresh one
// for same-store copies, the source handle for cross-store copies.
func (s *Storage) CopyObject(handle, parent mtpstore.ObjHandle, dest mtpstore.Store) (mtpstore.ObjHandle, error) {
	if dest == nil || s.sameStore(dest) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.copyObjectLocal(handle, parent, 0)
	}
	return s.copyObjectCross(handle, parent, dest)
}

func (s *Storage) sameStore(dest mtpstore.Store) bool {
	d, ok := dest.(*Storage)
	return ok && d == s
}

// copyObjectLocal is the same-store recursive copy. Callers hold s.mu.
func (s *Storage) copyObjectLocal(handle, parent mtpstore.ObjHandle, depth int) (mtpstore.ObjHandle, error) {
	item, ok := s.handles.Load(handle)
	if !ok {
		return 0, mtpstore.ResponseInvalidObjectHandle
	}
	parentItem, ok := s.handles.Load(parent)
	if !ok {
		return 0, mtpstore.ResponseInvalidParentObject
	}
	s.populateObjectInfo(item)

	info := *item.info
	destInfo, err := s.StorageInfo()
	if err != nil {
		return 0, mtpstore.ResponseGeneralError
	}
	if destInfo.FreeSpace < info.ObjectCompressedSize {
		return 0, mtpstore.ResponseStoreFull
	}

	destPath := parentItem.path + "/" + info.FileName
	if depth == 0 && info.ObjectFormat == mtpstore.FormatAssociation {
		// Don't copy a directory onto an existing one.
		if _, exists := s.paths.Load(destPath); exists {
			return 0, mtpstore.ResponseInvalidParentObject
		}
	}

	info.ParentObject = parent
	info.StorageID = s.cfg.StorageID

	// Keep the reconciler from re-observing our own writes and adding
	// the new entries twice.
	s.removeWatch(parentItem)
	defer s.addWatch(parentItem)

	s.deps.Metadata.Copy(item.path, destPath)

	_, copied, err := s.addItem(parent, &info)
	if err != nil {
		return 0, err
	}

	if info.ObjectFormat == mtpstore.FormatAssociation {
		for child := item.firstChild; child != nil; child = child.nextSibling {
			if _, err := s.copyObjectLocal(child.handle, copied, depth+1); err != nil {
				return copied, err
			}
		}
		return copied, nil
	}

	if err := s.copyFileContents(item.path, destPath); err != nil {
		return copied, err
	}
	// The physical copy happened behind the composed dataset's back.
	if dst, ok := s.handles.Load(copied); ok {
		s.invalidateObjectInfo(dst)
	}
	return copied, nil
}

// copyObjectCross validates and hands the subtree to dest.CopyHandle,
// which preserves the source handles. Runs without s.mu so that dest's
// callbacks into this store can take it.
func (s *Storage) copyObjectCross(handle, parent mtpstore.ObjHandle, dest mtpstore.Store) (mtpstore.ObjHandle, error) {
	info, err := s.GetObjectInfo(handle)
	if err != nil {
		return 0, err
	}
	if !dest.CheckHandle(parent) {
		return 0, mtpstore.ResponseInvalidParentObject
	}

	destInfo, err := dest.StorageInfo()
	if err != nil {
		return 0, mtpstore.ResponseGeneralError
	}
	if destInfo.FreeSpace < info.ObjectCompressedSize {
		return 0, mtpstore.ResponseStoreFull
	}

	destParentPath, err := dest.GetPath(parent)
	if err != nil {
		return 0, mtpstore.ResponseInvalidParentObject
	}
	destPath := destParentPath + "/" + info.FileName

	if info.ObjectFormat == mtpstore.FormatAssociation {
		siblings, err := dest.GetObjectHandles(0, parent)
		if err == nil {
			for _, sib := range siblings {
				if p, err := dest.GetPath(sib); err == nil && p == destPath {
					return 0, mtpstore.ResponseInvalidParentObject
				}
			}
		}
	}

	s.deps.Metadata.Copy(s.mustPath(handle), destPath)

	if err := dest.CopyHandle(s, handle, parent); err != nil {
		return 0, err
	}
	return handle, nil
}

func (s *Storage) mustPath(handle mtpstore.ObjHandle) string {
	if item, ok := s.handles.Load(handle); ok {
		return item.path
	}
	return ""
}

func (s *Storage) copyFileContents(srcPath, dstPath string) error {
	src, err := s.fs.Open(srcPath)
	if err != nil {
		return mtpstore.ResponseGeneralError
	}
	defer src.Close()
	dst, err := s.fs.OpenFile(dstPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return mtpstore.ResponseGeneralError
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return mtpstore.ResponseGeneralError
	}
	return nil
}

// MoveObject moves handle under parent. A cross-store move is a copy
// (handle-preserving) followed by a delete at the source; a same-store
// move is a rename with full subtree re-indexing.
func (s *Storage) MoveObject(handle, parent mtpstore.ObjHandle, dest mtpstore.Store, movePhysically bool) error {
	if !s.CheckHandle(handle) {
		return mtpstore.ResponseInvalidObjectHandle
	}

	if dest != nil && !s.sameStore(dest) {
		if err := dest.CopyHandle(s, handle, parent); err != nil {
			return err
		}
		return s.DeleteItem(handle, mtpstore.FormatUndefined)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.moveLocal(handle, parent, movePhysically)
}

func (s *Storage) moveLocal(handle, parent mtpstore.ObjHandle, movePhysically bool) error {
	item, ok := s.handles.Load(handle)
	if !ok {
		return mtpstore.ResponseInvalidObjectHandle
	}
	parentItem, ok := s.handles.Load(parent)
	if !ok {
		return mtpstore.ResponseInvalidParentObject
	}

	if item.path == s.playlistPath {
		s.log.Warn().Msg("Don't play around with the Playlists directory!")
		return mtpstore.ResponseAccessDenied
	}

	s.populateObjectInfo(item)
	oldPath := item.path
	destPath := parentItem.path + "/" + item.info.FileName

	// Don't overwrite a directory that already exists.
	if item.info.ObjectFormat == mtpstore.FormatAssociation {
		if _, exists := s.paths.Load(destPath); exists {
			return mtpstore.ResponseInvalidParentObject
		}
	}

	// Watches on the whole subtree go stale with the paths.
	s.removeWatchRecursively(item)

	if movePhysically {
		if err := s.fs.Rename(oldPath, destPath); err != nil {
			s.addWatchRecursively(item)
			return mtpstore.ResponseInvalidParentObject
		}
	}
	s.paths.Delete(oldPath)
	s.paths.Store(destPath, handle)
	s.registry.rename(oldPath, destPath)

	unlinkChild(item)

	for itr := item.firstChild; itr != nil; itr = itr.nextSibling {
		s.adjustMovedItemsPath(destPath, itr, true)
	}

	linkChild(item, parentItem)

	s.deps.Metadata.Move(oldPath, destPath)
	if item.isPlaylist() {
		s.deps.Metadata.MovePlaylist(oldPath, destPath)
	}

	item.path = destPath
	item.info.ParentObject = parent
	s.addWatchRecursively(item)
	return nil
}

// adjustMovedItemsPath rewrites the path of item and every descendant
// after an ancestor moved to newAncestorPath, keeping the path index
// and the persistent registry in step.
func (s *Storage) adjustMovedItemsPath(newAncestorPath string, item *Item, updateMetadata bool) {
	if item == nil {
		return
	}

	s.paths.Delete(item.path)
	s.populateObjectInfo(item)
	destPath := newAncestorPath + "/" + item.info.FileName

	if updateMetadata {
		s.deps.Metadata.Move(item.path, destPath)
		if item.isPlaylist() {
			s.deps.Metadata.MovePlaylist(item.path, destPath)
		}
	}

	s.registry.rename(item.path, destPath)
	item.path = destPath
	s.paths.Store(item.path, item.handle)

	for itr := item.firstChild; itr != nil; itr = itr.nextSibling {
		s.adjustMovedItemsPath(item.path, itr, updateMetadata)
	}
}

// ReadData reads exactly len(buf) bytes at offset from the object's
// backing file.
func (s *Storage) ReadData(handle mtpstore.ObjHandle, buf []byte, offset uint64) error {
	item, ok := s.handles.Load(handle)
	if !ok {
		return mtpstore.ResponseInvalidObjectHandle
	}
	if buf == nil {
		return mtpstore.ResponseGeneralError
	}

	file, err := s.fs.Open(item.path)
	if err != nil {
		return mtpstore.ResponseGeneralError
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil || uint64(fi.Size()) < offset+uint64(len(buf)) {
		return mtpstore.ResponseGeneralError
	}
	if _, err := file.Seek(int64(offset), io.SeekStart); err != nil {
		s.log.Warn().Err(err).Str("path", item.path).Msg("Error seeking file")
		return mtpstore.ResponseGeneralError
	}
	if _, err := io.ReadFull(file, buf); err != nil {
		return mtpstore.ResponseGeneralError
	}
	return nil
}

// WriteData appends one segment of an object transfer. The first
// segment truncates the backing file; the final segment is signalled by
// lastSegment with a nil buffer, which closes and releases the write
// slot. The open file is kept between segments.
func (s *Storage) WriteData(handle mtpstore.ObjHandle, data []byte, firstSegment, lastSegment bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeData(handle, data, firstSegment, lastSegment)
}

func (s *Storage) writeData(handle mtpstore.ObjHandle, data []byte, firstSegment, lastSegment bool) error {
	item, ok := s.handles.Load(handle)
	if !ok {
		return mtpstore.ResponseInvalidObjectHandle
	}

	if lastSegment && data == nil {
		s.writeHandle = 0
		if s.dataFile != nil {
			s.dataFile.Close()
			s.dataFile = nil
		}
		return nil
	}

	s.writeHandle = handle
	if firstSegment {
		file, err := s.fs.OpenFile(item.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return mtpstore.ResponseGeneralError
		}
		if err := file.Truncate(0); err != nil {
			file.Close()
			return mtpstore.ResponseGeneralError
		}
		s.dataFile = file
		s.populateObjectInfo(item)
		item.info.ObjectCompressedSize = 0
	}
	if s.dataFile == nil {
		return mtpstore.ResponseGeneralError
	}

	remaining := data
	for len(remaining) > 0 {
		n, err := s.dataFile.Write(remaining)
		if err != nil {
			s.log.Warn().Err(err).Str("path", item.path).Msg("Error writing data")
			return mtpstore.ResponseGeneralError
		}
		remaining = remaining[n:]
	}
	if item.info != nil {
		item.info.ObjectCompressedSize += uint64(len(data))
	}
	return nil
}

// TruncateItem resizes the object's backing file. Associations cannot
// be truncated.
func (s *Storage) TruncateItem(handle mtpstore.ObjHandle, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.handles.Load(handle)
	if !ok {
		return mtpstore.ResponseInvalidObjectHandle
	}
	s.populateObjectInfo(item)
	if item.info == nil || item.info.ObjectFormat == mtpstore.FormatAssociation {
		return mtpstore.ResponseGeneralError
	}

	file, err := s.fs.OpenFile(item.path, os.O_WRONLY, 0o644)
	if err != nil {
		return mtpstore.ResponseGeneralError
	}
	defer file.Close()
	if err := file.Truncate(int64(size)); err != nil {
		return mtpstore.ResponseGeneralError
	}
	item.info.ObjectCompressedSize = size
	return nil
}
