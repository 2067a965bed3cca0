package hfsplus

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/blacktop/go-fskit/types"
)

const (
	HFSPlusSigWord    = 0x482B // "H+"
	HFSXSigWord       = 0x4858 // "HX"
	HFSWrapperSigWord = 0x4244 // "BD", classic HFS possibly wrapping an HFS+ volume

	HFSPlusVersion = 4
	HFSXVersion    = 5

	VolumeHeaderOffset = 1024
)

// volume attribute bits
const (
	HFSVolumeHardwareLockBit     = 7
	HFSVolumeUnmountedBit        = 8
	HFSVolumeSparedBlocksBit     = 9
	HFSVolumeNoCacheRequiredBit  = 10
	HFSBootVolumeInconsistentBit = 11
	HFSCatalogNodeIDsReusedBit   = 12
	HFSVolumeJournaledBit        = 13
	HFSVolumeSoftwareLockBit     = 15
)

type hfsAttributes uint32

func (attr hfsAttributes) Has(bit uint) bool {
	return attr&(1<<bit) != 0
}

func (attr hfsAttributes) String() string {
	var flags []string
	if attr.Has(HFSVolumeUnmountedBit) {
		flags = append(flags, "Unmounted")
	}
	if attr.Has(HFSVolumeSparedBlocksBit) {
		flags = append(flags, "SparedBlocks")
	}
	if attr.Has(HFSBootVolumeInconsistentBit) {
		flags = append(flags, "Inconsistent")
	}
	if attr.Has(HFSCatalogNodeIDsReusedBit) {
		flags = append(flags, "CNIDsReused")
	}
	if attr.Has(HFSVolumeJournaledBit) {
		flags = append(flags, "Journaled")
	}
	if attr.Has(HFSVolumeSoftwareLockBit) {
		flags = append(flags, "SoftwareLocked")
	}
	if len(flags) == 0 {
		return "None"
	}
	return strings.Join(flags, ", ")
}

// hfsTime counts seconds since January 1, 1904 GMT. The volume create
// date alone is stored in local time.
type hfsTime uint32

const hfsEpochOffset = 2082844800 // 1904-01-01 to 1970-01-01 in seconds

func (t hfsTime) Time() time.Time {
	return time.Unix(int64(t)-hfsEpochOffset, 0).UTC()
}

func (t hfsTime) String() string {
	if t == 0 {
		return "-"
	}
	return t.Time().Format(time.RFC1123)
}

// UniStr255 is a length-prefixed UTF-16 string.
type UniStr255 struct {
	Length  uint16
	UniChar []uint16
}

// unicode replacements applied while converting names
const (
	utf16Null        = 0x0000
	utf16NullReplace = '^'
	utf16Slash       = '/'
	utf16Colon       = ':'
)

// uniToUTF8 converts an on-disk name. NULs become '^'; with replaceSlash
// a '/' becomes ':' so names stay path safe. Invalid UTF-16 is an error.
func uniToUTF8(units []uint16, replaceSlash bool) (string, error) {
	clean := make([]uint16, len(units))
	for i, u := range units {
		switch {
		case u == utf16Null:
			u = utf16NullReplace
		case replaceSlash && u == utf16Slash:
			u = utf16Colon
		}
		clean[i] = u
	}
	runes := utf16.Decode(clean)
	for _, r := range runes {
		if r == 0xFFFD {
			return "", types.Errorf(types.ErrUnicode, "invalid UTF-16 sequence in name")
		}
	}
	return string(runes), nil
}

// utf8ToUni converts a lookup name to UTF-16 units.
func utf8ToUni(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

type CatalogNodeID uint32

const (
	HFSRootParentID           CatalogNodeID = 1
	HFSRootFolderID           CatalogNodeID = 2
	HFSExtentsFileID          CatalogNodeID = 3
	HFSCatalogFileID          CatalogNodeID = 4
	HFSBadBlockFileID         CatalogNodeID = 5
	HFSAllocationFileID       CatalogNodeID = 6
	HFSStartupFileID          CatalogNodeID = 7
	HFSAttributesFileID       CatalogNodeID = 8
	HFSRepairCatalogFileID    CatalogNodeID = 14
	HFSBogusExtentFileID      CatalogNodeID = 15
	HFSFirstUserCatalogNodeID CatalogNodeID = 16
)

// special-file names surfaced in the root listing
const (
	ExtentsFileName    = "$ExtentsFile"
	CatalogFileName    = "$CatalogFile"
	BadBlockFileName   = "$BadBlockFile"
	AllocationFileName = "$AllocationFile"
	StartupFileName    = "$StartupFile"
	AttributesFileName = "$AttributesFile"
)

type ExtentRecord [8]ExtentDescriptor

type ExtentDescriptor struct {
	StartBlock uint32
	BlockCount uint32
}

type ForkData struct {
	LogicalSize uint64
	ClumpSize   uint32
	TotalBlocks uint32
	Extents     ExtentRecord
}

// HasContent reports whether the fork's first extent allocates blocks.
func (f *ForkData) HasContent() bool {
	return f.Extents[0].BlockCount != 0
}

type VolumeHeader struct {
	Signature          uint16 // 'H+' or 'HX'
	Version            uint16 // 4 for HFS+ and 5 for HFSX
	Attributes         hfsAttributes
	LastMountedVersion [4]byte
	JournalInfoBlock   uint32
	CreateDate         hfsTime // local time
	ModifyDate         hfsTime
	BackupDate         hfsTime
	CheckedDate        hfsTime
	FileCount          uint32
	FolderCount        uint32
	BlockSize          uint32
	TotalBlocks        uint32
	FreeBlocks         uint32
	NextAllocation     uint32
	RsrcClumpSize      uint32
	DataClumpSize      uint32
	NextCatalogID      CatalogNodeID
	WriteCount         uint32
	EncodingsBitmap    uint64
	FinderInfo         [8]uint32
	AllocationFile     ForkData
	ExtentsFile        ForkData
	CatalogFile        ForkData
	AttributesFile     ForkData
	StartupFile        ForkData
}

func (hdr *VolumeHeader) SignatureString() string {
	switch hdr.Signature {
	case HFSPlusSigWord:
		return "H+"
	case HFSXSigWord:
		return "HX"
	case HFSWrapperSigWord:
		return "BD"
	default:
		return fmt.Sprintf("%x", hdr.Signature)
	}
}

// WrapperMDB is the classic HFS master directory block, read only far
// enough to locate an embedded HFS+ volume.
type WrapperMDB struct {
	DrSigWord       uint16
	DrCrDate        uint32
	DrLsMod         uint32
	DrAtrb          uint16
	DrNmFls         uint16
	DrVBMSt         uint16
	DrAllocPtr      uint16
	DrNmAlBlks      uint16
	DrAlBlkSiz      uint32
	DrClpSiz        uint32
	DrAlBlSt        uint16
	DrNxtCNID       uint32
	DrFreeBks       uint16
	DrVN            [28]byte
	DrVolBkUp       uint32
	DrVSeqNum       uint16
	DrWrCnt         uint32
	DrXTClpSiz      uint32
	DrCTClpSiz      uint32
	DrNmRtDirs      uint16
	DrFilCnt        uint32
	DrDirCnt        uint32
	DrFndrInfo      [8]uint32
	DrEmbedSigWord  uint16
	DrEmbedStartBlk uint16
	DrEmbedBlkCnt   uint16
}

// EmbeddedOffset is the byte offset of the wrapped HFS+ volume.
func (m *WrapperMDB) EmbeddedOffset() int64 {
	return int64(m.DrAlBlSt)*512 + int64(m.DrAlBlkSiz)*int64(m.DrEmbedStartBlk)
}

/* B-tree */

type BTreeNodeKind int8

const (
	BTLeafNodeKind   BTreeNodeKind = -1
	BTIndexNodeKind  BTreeNodeKind = 0
	BTHeaderNodeKind BTreeNodeKind = 1
	BTMapNodeKind    BTreeNodeKind = 2
)

func (kind BTreeNodeKind) String() string {
	switch kind {
	case BTLeafNodeKind:
		return "Leaf"
	case BTIndexNodeKind:
		return "Index"
	case BTHeaderNodeKind:
		return "Header"
	case BTMapNodeKind:
		return "Map"
	default:
		return fmt.Sprintf("Unknown (%d)", kind)
	}
}

type BTNodeDescriptor struct {
	FLink      uint32
	BLink      uint32
	Kind       BTreeNodeKind
	Height     uint8
	NumRecords uint16
	Reserved   uint16
}

const btNodeDescriptorSize = 14

type BTHeaderRec struct {
	TreeDepth      uint16
	RootNode       uint32
	LeafRecords    uint32
	FirstLeafNode  uint32
	LastLeafNode   uint32
	NodeSize       uint16
	MaxKeyLength   uint16
	TotalNodes     uint32
	FreeNodes      uint32
	Reserved1      uint16
	ClumpSize      uint32
	BtreeType      uint8
	KeyCompareType uint8
	Attributes     uint32
	Reserved3      [16]uint32
}

// header-record key compare types (HFSX catalog only)
const (
	KeyCompareCaseSensitive   = 0xBC
	KeyCompareCaseInsensitive = 0xC7
)

// header-record attribute masks
const (
	BTBigKeysMask       = 0x00000002
	BTVariableIndexKeys = 0x00000004
)

/* Catalog */

type RecordType int16

const (
	HFSPlusFolderRecord       RecordType = 0x0001
	HFSPlusFileRecord         RecordType = 0x0002
	HFSPlusFolderThreadRecord RecordType = 0x0003
	HFSPlusFileThreadRecord   RecordType = 0x0004
)

func (rt RecordType) String() string {
	switch rt {
	case HFSPlusFolderRecord:
		return "Folder"
	case HFSPlusFileRecord:
		return "File"
	case HFSPlusFolderThreadRecord:
		return "FolderThread"
	case HFSPlusFileThreadRecord:
		return "FileThread"
	default:
		return fmt.Sprintf("Unknown (%d)", rt)
	}
}

type BSDInfo struct {
	OwnerID    uint32
	GroupID    uint32
	AdminFlags uint8
	OwnerFlags uint8
	FileMode   uint16
	Special    uint32 // iNodeNum, linkCount or rawDevice depending on the file
}

// owner flag marking decmpfs-compressed content
const OwnerFlagCompressed = 0x20

type Point struct {
	V int16
	H int16
}

type Rect struct {
	Top    int16
	Left   int16
	Bottom int16
	Right  int16
}

type FourCharCode uint32

func (c FourCharCode) String() string {
	return string([]byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)})
}

// hard-link sentinel finder type/creator pairs
const (
	HardLinkFileType    FourCharCode = 0x686c6e6b // hlnk
	HardLinkFileCreator FourCharCode = 0x6866732b // hfs+
	HardLinkDirType     FourCharCode = 0x66647270 // fdrp
	HardLinkDirCreator  FourCharCode = 0x4d414353 // MACS
)

type FileInfo struct {
	FileType      FourCharCode
	FileCreator   FourCharCode
	FinderFlags   uint16
	Location      Point
	ReservedField uint16
}

type ExtendedFileInfo struct {
	Reserved1           [4]int16
	ExtendedFinderFlags uint16
	Reserved2           int16
	PutAwayFolderID     int32
}

type FolderInfo struct {
	WindowBounds  Rect
	FinderFlags   uint16
	Location      Point
	ReservedField uint16
}

type ExtendedFolderInfo struct {
	ScrollPosition      Point
	Reserved1           int32
	ExtendedFinderFlags uint16
	Reserved2           int16
	PutAwayFolderID     int32
}

type CatalogFolder struct {
	RecordType       RecordType
	Flags            uint16
	Valence          uint32
	FolderID         CatalogNodeID
	CreateDate       hfsTime
	ContentModDate   hfsTime
	AttributeModDate hfsTime
	AccessDate       hfsTime
	BackupDate       hfsTime
	Permissions      BSDInfo
	UserInfo         FolderInfo
	FinderInfo       ExtendedFolderInfo
	TextEncoding     uint32
	Reserved         uint32
}

type CatalogFile struct {
	RecordType       RecordType
	Flags            uint16
	Reserved1        uint32
	FileID           CatalogNodeID
	CreateDate       hfsTime
	ContentModDate   hfsTime
	AttributeModDate hfsTime
	AccessDate       hfsTime
	BackupDate       hfsTime
	Permissions      BSDInfo
	UserInfo         FileInfo
	FinderInfo       ExtendedFileInfo
	TextEncoding     uint32
	Reserved2        uint32
	DataFork         ForkData
	ResourceFork     ForkData
}

type CatalogThread struct {
	RecordType RecordType
	Reserved   int16
	ParentID   CatalogNodeID
	NodeName   UniStr255
}

type CatalogKey struct {
	ParentID CatalogNodeID
	NodeName UniStr255
}

/* Extents overflow */

// fork selectors in the extents key
const (
	ForkTypeData uint8 = 0x00
	ForkTypeRsrc uint8 = 0xFF
)

type ExtentsKey struct {
	ForkType   uint8
	FileID     CatalogNodeID
	StartBlock uint32
}

/* Attributes */

// attribute record kinds; only inline data is decoded
const (
	AttrRecordInlineData = 0x10
	AttrRecordForkData   = 0x20
	AttrRecordExtents    = 0x30
)

const attrMaxNameLen = 127

type AttributesKey struct {
	FileID     CatalogNodeID
	StartBlock uint32
	Name       UniStr255
}

// private metadata directories backing hard links
const (
	metaDirName    = "\x00\x00\x00\x00HFS+ Private Data"
	metaDirDirName = ".HFS+ Private Directory Data\r"
)

// unix mode helpers
const (
	modeFmt   = 0170000
	modeSock  = 0140000
	modeLnk   = 0120000
	modeReg   = 0100000
	modeBlk   = 0060000
	modeDir   = 0040000
	modeChr   = 0020000
	modeFifo  = 0010000
	modeWht   = 0160000
	modeXattr = 0150000
)

func inodeTypeFromMode(mode uint16) types.InodeType {
	switch mode & modeFmt {
	case modeReg:
		return types.TypeRegular
	case modeDir:
		return types.TypeDirectory
	case modeLnk:
		return types.TypeSymlink
	case modeChr:
		return types.TypeCharDevice
	case modeBlk:
		return types.TypeBlockDevice
	case modeFifo:
		return types.TypeFifo
	case modeSock:
		return types.TypeSocket
	case modeWht:
		return types.TypeWhiteout
	default:
		return types.TypeUndef
	}
}
