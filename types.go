// Package mtpstore holds the shared data model of a filesystem-backed
// MTP object store: handles and persistent identifiers, the ObjectInfo
// and StorageInfo datasets, the response-code taxonomy, and the
// contracts of the external collaborators (handle allocator,
// thumbnailer, metadata store, filesystem-change notifier).
package mtpstore

// ObjHandle is a 32-bit object identifier, unique across the device for
// the lifetime of the process. Handle 0 is reserved for storage roots.
type ObjHandle = uint32

// ObjHandleAll is the initiator's "all objects" / "pick for me" wildcard.
const ObjHandleAll ObjHandle = 0xFFFFFFFF

// FormatCode is an MTP object format code.
type FormatCode uint16

// Object format codes (MTP 1.1 section 4.3)
const (
	FormatUndefined                  FormatCode = 0x3000
	FormatAssociation                FormatCode = 0x3001
	FormatText                       FormatCode = 0x3004
	FormatHTML                       FormatCode = 0x3005
	FormatWAV                        FormatCode = 0x3008
	FormatMP3                        FormatCode = 0x3009
	FormatAVI                        FormatCode = 0x300A
	FormatMPEG                       FormatCode = 0x300B
	FormatEXIFJPEG                   FormatCode = 0x3801
	FormatBMP                        FormatCode = 0x3804
	FormatGIF                        FormatCode = 0x3807
	FormatJFIF                       FormatCode = 0x3808
	FormatPNG                        FormatCode = 0x380B
	FormatTIFF                       FormatCode = 0x380D
	FormatWMA                        FormatCode = 0xB901
	FormatOGG                        FormatCode = 0xB902
	FormatAAC                        FormatCode = 0xB903
	FormatWMV                        FormatCode = 0xB981
	FormatMP4Container               FormatCode = 0xB982
	Format3GPContainer               FormatCode = 0xB984
	FormatAbstractAudioAlbum         FormatCode = 0xBA03
	FormatAbstractAudioVideoPlaylist FormatCode = 0xBA05
	FormatPLSPlaylist                FormatCode = 0xBA14
)

// Association types (MTP 1.1 section 3.6.2.1). GenFolder is the only one
// modern initiators care about.
const (
	AssociationTypeGenFolder uint16 = 0x0001
)

// Storage types and related StorageInfo constants.
const (
	StorageTypeFixedROM     uint16 = 0x0001
	StorageTypeRemovableROM uint16 = 0x0002
	StorageTypeFixedRAM     uint16 = 0x0003
	StorageTypeRemovableRAM uint16 = 0x0004

	StorageAccessReadWrite uint16 = 0x0000

	FilesystemTypeGenericHierarchical uint16 = 0x0002
)

// EventCode is an MTP event code.
type EventCode uint16

// Event codes emitted by the storage core.
const (
	EventObjectAdded        EventCode = 0x4002
	EventObjectRemoved      EventCode = 0x4003
	EventObjectInfoChanged  EventCode = 0x4007
	EventStoreFull          EventCode = 0x400A
	EventStorageInfoChanged EventCode = 0x400C
	EventObjectPropChanged  EventCode = 0xC801
)

// Event is a device event together with its 32-bit parameters, delivered
// to the sink in production order.
type Event struct {
	Code   EventCode
	Params []uint32
}

// PropertyCode is an MTP object property code.
type PropertyCode uint16

// Object property codes (MTP 1.1 appendix B).
const (
	PropStorageID             PropertyCode = 0xDC01
	PropObjectFormat          PropertyCode = 0xDC02
	PropProtectionStatus      PropertyCode = 0xDC03
	PropObjectSize            PropertyCode = 0xDC04
	PropAssociationType       PropertyCode = 0xDC05
	PropAssociationDesc       PropertyCode = 0xDC06
	PropObjectFileName        PropertyCode = 0xDC07
	PropDateCreated           PropertyCode = 0xDC08
	PropDateModified          PropertyCode = 0xDC09
	PropKeywords              PropertyCode = 0xDC0A
	PropParentObject          PropertyCode = 0xDC0B
	PropAllowedFolderContents PropertyCode = 0xDC0C
	PropHidden                PropertyCode = 0xDC0D
	PropPersistentUniqueObjID PropertyCode = 0xDC41
	PropDateAdded             PropertyCode = 0xDC4E
	PropNonConsumable         PropertyCode = 0xDC4F
	PropCorruptUnplayable     PropertyCode = 0xDC50
	PropRepSampleFormat       PropertyCode = 0xDC81
	PropRepSampleSize         PropertyCode = 0xDC82
	PropRepSampleHeight       PropertyCode = 0xDC83
	PropRepSampleWidth        PropertyCode = 0xDC84
	PropRepSampleData         PropertyCode = 0xDC86
	PropVideoFourCCCodec      PropertyCode = 0xDE32
)

// PropVal pairs a property code with its value. A nil Value means the
// property has not been resolved yet; resolvers leave values they cannot
// serve as nil so later stages (the metadata store) can fill them in.
type PropVal struct {
	Code  PropertyCode
	Value any
}

// ObjectInfo is the composed MTP ObjectInfo dataset for one object.
type ObjectInfo struct {
	StorageID              uint32
	ObjectFormat           FormatCode
	ProtectionStatus       uint16
	ObjectCompressedSize   uint64
	ThumbFormat            FormatCode
	ThumbCompressedSize    uint32
	ThumbPixelWidth        uint32
	ThumbPixelHeight       uint32
	ImagePixelWidth        uint32
	ImagePixelHeight       uint32
	ImageBitDepth          uint32
	ParentObject           ObjHandle
	AssociationType        uint16
	AssociationDescription uint32
	SequenceNumber         uint32
	FileName               string
	CaptureDate            string
	ModificationDate       string
	Keywords               string
}

// StorageInfo is the MTP StorageInfo dataset for the whole store.
type StorageInfo struct {
	StorageType        uint16
	FilesystemType     uint16
	AccessCapability   uint16
	MaxCapacity        uint64
	FreeSpace          uint64
	FreeSpaceInObjects uint32
	StorageDescription string
	VolumeLabel        string
}
