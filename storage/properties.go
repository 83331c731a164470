package storage

import (
	"regexp"

	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/brettbedarf/mtpstore"
)

const fourccWMV3 uint32 = 0x574D5633

// invalidFileNameChars matches characters that are never allowed in an
// object file name; allDotsName catches names made of dots only.
var (
	invalidFileNameChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]`)
	allDotsName          = regexp.MustCompile(`^\.+$`)
)

// GetObjectPropertyValue resolves each requested property, first from
// the composed object info and the storage-local constants, then --
// for anything still unresolved -- from the metadata store.
func (s *Storage) GetObjectPropertyValue(handle mtpstore.ObjHandle, vals []mtpstore.PropVal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.handles.Load(handle)
	if !ok || item.path == "" {
		return mtpstore.ResponseGeneralError
	}

	for i := range vals {
		value, err := s.propertyFromStorage(item, vals[i].Code)
		switch err {
		case nil:
			vals[i].Value = value
		case mtpstore.ResponseObjectPropNotSupported:
			// The metadata store may still serve it below.
		default:
			return err
		}
	}

	s.deps.Metadata.GetPropVals(item.path, vals)
	return nil
}

// propertyFromStorage serves the storage-local properties listed in the
// object info dataset or defined as constants. Anything else is
// ObjectProp_Not_Supported here.
func (s *Storage) propertyFromStorage(item *Item, code mtpstore.PropertyCode) (any, error) {
	s.populateObjectInfo(item)
	info := item.info

	switch code {
	case mtpstore.PropAssociationDesc:
		return uint32(0), nil
	case mtpstore.PropAssociationType:
		return info.AssociationType, nil
	case mtpstore.PropParentObject:
		return info.ParentObject, nil
	case mtpstore.PropObjectSize:
		return info.ObjectCompressedSize, nil
	case mtpstore.PropStorageID:
		return info.StorageID, nil
	case mtpstore.PropObjectFormat:
		return uint16(info.ObjectFormat), nil
	case mtpstore.PropProtectionStatus:
		return info.ProtectionStatus, nil
	case mtpstore.PropAllowedFolderContents:
		// Not supported, return an empty array.
		return []uint16{}, nil
	case mtpstore.PropDateModified:
		return info.ModificationDate, nil
	case mtpstore.PropDateCreated, mtpstore.PropDateAdded:
		return info.CaptureDate, nil
	case mtpstore.PropObjectFileName:
		return info.FileName, nil
	case mtpstore.PropRepSampleFormat:
		return uint16(mtpstore.FormatJFIF), nil
	case mtpstore.PropRepSampleSize:
		return uint32(thumbMaxSize), nil
	case mtpstore.PropRepSampleHeight:
		return uint32(thumbHeight), nil
	case mtpstore.PropRepSampleWidth:
		return uint32(thumbWidth), nil
	case mtpstore.PropVideoFourCCCodec:
		return fourccWMV3, nil
	case mtpstore.PropCorruptUnplayable, mtpstore.PropHidden, mtpstore.PropNonConsumable:
		return uint8(0), nil
	case mtpstore.PropPersistentUniqueObjID:
		return item.puoid, nil
	case mtpstore.PropRepSampleData:
		return s.repSampleData(item), nil
	default:
		return nil, mtpstore.ResponseObjectPropNotSupported
	}
}

// repSampleData returns the cached thumbnail bytes, or an empty slice
// when no thumbnail is available.
func (s *Storage) repSampleData(item *Item) []byte {
	mime, isImage := imageMime[item.info.ObjectFormat]
	if !isImage {
		return []byte{}
	}
	thumbPath := s.deps.Thumbnailer.RequestThumbnail(item.path, mime)
	if thumbPath == "" {
		return []byte{}
	}
	data, err := afero.ReadFile(s.fs, thumbPath)
	if err != nil {
		return []byte{}
	}
	return data
}

// GetChildPropertyValues resolves properties for every child of an
// association in one pass, batching the metadata store into a single
// call and merging its results into slots the storage could not fill.
func (s *Storage) GetChildPropertyValues(handle mtpstore.ObjHandle, props []mtpstore.PropertyCode) (map[mtpstore.ObjHandle][]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.handles.Load(handle)
	if !ok {
		return nil, mtpstore.ResponseInvalidObjectHandle
	}
	s.populateObjectInfo(item)
	if !item.isAssociation() {
		return nil, mtpstore.ResponseInvalidObjectHandle
	}

	values := make(map[mtpstore.ObjHandle][]any)
	for child := item.firstChild; child != nil; child = child.nextSibling {
		childValues := make([]any, len(props))
		for i, code := range props {
			if v, err := s.propertyFromStorage(child, code); err == nil {
				childValues[i] = v
			}
		}
		values[child.handle] = childValues
	}

	supported := lo.Filter(props, func(code mtpstore.PropertyCode, _ int) bool {
		return s.deps.Metadata.SupportsProperty(code)
	})
	batch := s.deps.Metadata.GetChildPropVals(item.path, supported)
	if len(batch) == 0 {
		return values, nil
	}

	for childHandle, childValues := range values {
		child, ok := s.handles.Load(childHandle)
		if !ok {
			continue
		}
		batchValues, ok := batch[child.path]
		if !ok {
			s.log.Debug().Str("path", child.path).Msg("Object not in metadata store result set")
			continue
		}
		bi := 0
		for i, code := range props {
			if !s.deps.Metadata.SupportsProperty(code) {
				continue
			}
			if bi >= len(batchValues) {
				break
			}
			if childValues[i] == nil {
				childValues[i] = batchValues[bi]
			}
			bi++
		}
	}

	return values, nil
}

// SetObjectPropertyValue writes properties. The object file name is the
// storage's own: it renames the backing file and re-indexes the whole
// subtree. Everything else goes to the metadata store, either property
// by property or as one batch when the initiator sent a full dataset.
func (s *Storage) SetObjectPropertyValue(handle mtpstore.ObjHandle, vals []mtpstore.PropVal, sendObjectPropList bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.handles.Load(handle)
	if !ok {
		return mtpstore.ResponseGeneralError
	}

	for i := range vals {
		if vals[i].Code == mtpstore.PropObjectFileName {
			if item.path == s.playlistPath {
				s.log.Warn().Msg("Don't play around with the Playlists directory!")
				return mtpstore.ResponseAccessDenied
			}
			newName, ok := vals[i].Value.(string)
			if !ok || !s.isFileNameValid(newName, item.parent) {
				s.log.Warn().Str("name", newName).Msg("Bad file name in set object property")
				return mtpstore.ResponseInvalidObjectPropValue
			}
			s.renameItem(item, newName)
		} else if !sendObjectPropList && item.path != "" {
			if !s.deps.Metadata.SetProperty(item.path, vals[i].Code, vals[i].Value) {
				s.log.Debug().Str("path", item.path).Uint16("prop", uint16(vals[i].Code)).Msg("Metadata store did not set property")
			}
		}
	}

	if sendObjectPropList {
		s.deps.Metadata.SetPropVals(item.path, vals)
	}
	return nil
}

// renameItem renames the backing file and re-indexes item and its
// subtree. A filesystem rename failure leaves everything as it was.
func (s *Storage) renameItem(item *Item, newName string) {
	oldPath := item.path
	dir := oldPath[:len(oldPath)-len(item.name())]
	newPath := dir + newName

	if err := s.fs.Rename(oldPath, newPath); err != nil {
		s.log.Warn().Err(err).Str("path", oldPath).Msg("Rename failed")
		return
	}

	s.populateObjectInfo(item)
	s.paths.Delete(oldPath)
	s.registry.rename(oldPath, newPath)

	s.deps.Metadata.Move(oldPath, newPath)
	if item.isPlaylist() {
		s.deps.Metadata.MovePlaylist(oldPath, newPath)
	}

	item.path = newPath
	item.info.FileName = newName
	s.paths.Store(newPath, item.handle)

	s.removeWatchRecursively(item)
	s.addWatchRecursively(item)
	for itr := item.firstChild; itr != nil; itr = itr.nextSibling {
		s.adjustMovedItemsPath(newPath, itr, true)
	}
}

// isFileNameValid rejects names with reserved characters, names that
// are nothing but dots, and names already taken under parent.
func (s *Storage) isFileNameValid(name string, parent *Item) bool {
	if name == "" || invalidFileNameChars.MatchString(name) || allDotsName.MatchString(name) {
		return false
	}
	if parent != nil {
		if _, taken := s.paths.Load(parent.path + "/" + name); taken {
			return false
		}
	}
	return true
}
