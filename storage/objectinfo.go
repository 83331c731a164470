package storage

import (
	"strings"

	"github.com/brettbedarf/mtpstore"
)

const (
	thumbMaxSize = 1024 * 48
	thumbWidth   = 100
	thumbHeight  = 100
)

// mtpDateFormat is the MTP datetime string layout, always UTC.
const mtpDateFormat = "20060102T150405Z"

// formatByExt maps a lower-cased filename extension to its object
// format code. Anything else is Undefined; directories are Association
// regardless of extension.
var formatByExt = map[string]mtpstore.FormatCode{
	"pla":  mtpstore.FormatAbstractAudioVideoPlaylist,
	"wav":  mtpstore.FormatWAV,
	"mp3":  mtpstore.FormatMP3,
	"ogg":  mtpstore.FormatOGG,
	"txt":  mtpstore.FormatText,
	"htm":  mtpstore.FormatHTML,
	"html": mtpstore.FormatHTML,
	"wmv":  mtpstore.FormatWMV,
	"avi":  mtpstore.FormatAVI,
	"mpg":  mtpstore.FormatMPEG,
	"mpeg": mtpstore.FormatMPEG,
	"bmp":  mtpstore.FormatBMP,
	"gif":  mtpstore.FormatGIF,
	"jpg":  mtpstore.FormatEXIFJPEG,
	"jpeg": mtpstore.FormatEXIFJPEG,
	"png":  mtpstore.FormatPNG,
	"tif":  mtpstore.FormatTIFF,
	"tiff": mtpstore.FormatTIFF,
	"wma":  mtpstore.FormatWMA,
	"aac":  mtpstore.FormatAAC,
	"mp4":  mtpstore.FormatMP4Container,
	"3gp":  mtpstore.Format3GPContainer,
	"pls":  mtpstore.FormatPLSPlaylist,
	"alb":  mtpstore.FormatAbstractAudioAlbum,
}

// imageMime maps image format codes to the MIME type handed to the
// thumbnailer. Only these formats carry thumb fields.
var imageMime = map[mtpstore.FormatCode]string{
	mtpstore.FormatBMP:      "image/bmp",
	mtpstore.FormatGIF:      "image/gif",
	mtpstore.FormatEXIFJPEG: "image/jpeg",
	mtpstore.FormatPNG:      "image/png",
	mtpstore.FormatTIFF:     "image/tiff",
}

// populateObjectInfo composes the MTP object info for item from the
// filesystem, the extension table and the thumbnailer. It is idempotent:
// an item that already carries an info dataset is left untouched.
// Invalidate by clearing item.info first.
func (s *Storage) populateObjectInfo(item *Item) {
	if item == nil || item.info != nil {
		return
	}

	info := &mtpstore.ObjectInfo{
		StorageID: s.cfg.StorageID,
		FileName:  item.name(),
	}
	item.info = info

	fi, statErr := s.fs.Stat(item.path)
	isDir := statErr == nil && fi.IsDir()

	if isDir {
		info.ObjectFormat = mtpstore.FormatAssociation
		info.AssociationType = mtpstore.AssociationTypeGenFolder
	} else {
		info.ObjectFormat = formatByExtension(item.path)
		if statErr == nil {
			info.ObjectCompressedSize = uint64(fi.Size())
		}
	}

	if mime, ok := imageMime[info.ObjectFormat]; ok {
		info.ThumbFormat = mtpstore.FormatJFIF
		info.ThumbPixelWidth = thumbWidth
		info.ThumbPixelHeight = thumbHeight
		info.ThumbCompressedSize = s.thumbCompressedSize(item.path, mime)
	}

	if item.parent != nil {
		info.ParentObject = item.parent.handle
	}

	if statErr == nil {
		created, modified := statTimes(fi)
		info.CaptureDate = created.UTC().Format(mtpDateFormat)
		info.ModificationDate = modified.UTC().Format(mtpDateFormat)
	}
}

// invalidateObjectInfo drops the composed dataset and recomposes it
// from the filesystem right away.
func (s *Storage) invalidateObjectInfo(item *Item) {
	item.info = nil
	s.populateObjectInfo(item)
}

func formatByExtension(path string) mtpstore.FormatCode {
	idx := strings.LastIndex(path, ".")
	if idx < 0 || idx == len(path)-1 {
		return mtpstore.FormatUndefined
	}
	if format, ok := formatByExt[strings.ToLower(path[idx+1:])]; ok {
		return format
	}
	return mtpstore.FormatUndefined
}

// thumbCompressedSize resolves the cached thumbnail size for an image,
// or 0 when the thumbnailer has nothing yet. A miss also primes the
// thumbnailer; the ready callback recomputes the size later.
func (s *Storage) thumbCompressedSize(path, mime string) uint32 {
	thumbPath := s.deps.Thumbnailer.RequestThumbnail(path, mime)
	if thumbPath == "" {
		return 0
	}
	fi, err := s.fs.Stat(thumbPath)
	if err != nil {
		return 0
	}
	return uint32(fi.Size())
}

// ReceiveThumbnail is the thumbnailer's ready callback: the thumbnail
// for path is now cached. Recomputes the thumb size and announces the
// change.
func (s *Storage) ReceiveThumbnail(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	handle, ok := s.paths.Load(path)
	if !ok || handle == 0 {
		return
	}
	item, ok := s.handles.Load(handle)
	if !ok {
		return
	}
	s.populateObjectInfo(item)
	if mime, isImage := imageMime[item.info.ObjectFormat]; isImage {
		item.info.ThumbCompressedSize = s.thumbCompressedSize(item.path, mime)
	}

	s.emit(mtpstore.EventObjectInfoChanged, handle)
	s.emit(mtpstore.EventObjectPropChanged, handle, uint32(mtpstore.PropRepSampleData))
}
