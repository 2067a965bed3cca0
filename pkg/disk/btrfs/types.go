package btrfs

// reference: https://btrfs.readthedocs.io/en/latest/dev/On-disk-format.html

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/blacktop/go-fskit/types"
)

const (
	Magic = "_BHRfS_M"

	SuperblockSize        = 4096
	SuperblockMirrorMax   = 3
	SuperblockMagicOffset = 64 // magic's byte offset within the superblock

	TreeHeaderSize = 101
	KeyPtrSize     = 33
	ItemSize       = 25
	KeySize        = 17
	InodeItemSize  = 160
	DevItemSize    = 98
	DirEntrySize   = 30
	ChunkItemSize  = 48
	StripeSize     = 32

	CsumTypeCRC32C = 0
)

// SuperblockMirrorOffset returns the physical byte offset of mirror i.
func SuperblockMirrorOffset(i int) int64 {
	return 1 << (14 + 12*(i+1)) // 1<<16, 1<<26, 1<<38
}

// object IDs
const (
	ObjIDRootTree      uint64 = 1
	ObjIDExtentTree    uint64 = 2
	ObjIDChunkTree     uint64 = 3
	ObjIDDevTree       uint64 = 4
	ObjIDFSTree        uint64 = 5
	ObjIDRootTreeDir   uint64 = 6
	ObjIDCsumTree      uint64 = 7
	ObjIDFirstChunk    uint64 = 256
	ObjIDFirstFree     uint64 = 256
	ObjIDLastFree      uint64 = ^uint64(0) - 255
	ObjIDOrphan        uint64 = ^uint64(0) - 4
	ObjIDDefaultSubvol uint64 = 0 // resolved via DIR_ITEM "default"
)

// item types
const (
	ItemTypeInodeItem    uint8 = 1
	ItemTypeInodeRef     uint8 = 12
	ItemTypeInodeExtref  uint8 = 13
	ItemTypeXattrItem    uint8 = 24
	ItemTypeOrphanItem   uint8 = 48
	ItemTypeDirItem      uint8 = 84
	ItemTypeDirIndex     uint8 = 96
	ItemTypeExtentData   uint8 = 108
	ItemTypeRootItem     uint8 = 132
	ItemTypeRootBackref  uint8 = 144
	ItemTypeRootRef      uint8 = 156
	ItemTypeExtentItem   uint8 = 168
	ItemTypeMetadataItem uint8 = 169
	ItemTypeDevItem      uint8 = 216
	ItemTypeChunkItem    uint8 = 228
)

// incompat feature bits; any bit outside IncompatSupported rejects open
const (
	IncompatMixedBackref  uint64 = 1 << 0
	IncompatDefaultSubvol uint64 = 1 << 1
	IncompatMixedGroups   uint64 = 1 << 2
	IncompatCompressLZO   uint64 = 1 << 3
	IncompatCompressZSTD  uint64 = 1 << 4
	IncompatBigMetadata   uint64 = 1 << 5
	IncompatExtendedIref  uint64 = 1 << 6
	IncompatRaid56        uint64 = 1 << 7
	IncompatSkinnyMeta    uint64 = 1 << 8
	IncompatNoHoles       uint64 = 1 << 9

	IncompatSupported = IncompatMixedBackref | IncompatDefaultSubvol |
		IncompatMixedGroups | IncompatCompressLZO | IncompatBigMetadata |
		IncompatExtendedIref | IncompatRaid56 | IncompatSkinnyMeta |
		IncompatNoHoles
)

// IncompatFlagNames maps feature bits to their upstream names.
var IncompatFlagNames = []struct {
	Bit  uint64
	Name string
}{
	{IncompatMixedBackref, "MIXED_BACKREF"},
	{IncompatDefaultSubvol, "DEFAULT_SUBVOL"},
	{IncompatMixedGroups, "MIXED_GROUPS"},
	{IncompatCompressLZO, "COMPRESS_LZO"},
	{IncompatCompressZSTD, "COMPRESS_ZSTD"},
	{IncompatBigMetadata, "BIG_METADATA"},
	{IncompatExtendedIref, "EXTENDED_IREF"},
	{IncompatRaid56, "RAID56"},
	{IncompatSkinnyMeta, "SKINNY_METADATA"},
	{IncompatNoHoles, "NO_HOLES"},
}

// inode item flags
var InodeFlagNames = []struct {
	Bit  uint64
	Name string
}{
	{1 << 0, "NODATASUM"},
	{1 << 1, "NODATACOW"},
	{1 << 2, "READONLY"},
	{1 << 3, "NOCOMPRESS"},
	{1 << 4, "PREALLOC"},
	{1 << 5, "SYNC"},
	{1 << 6, "IMMUTABLE"},
	{1 << 7, "APPEND"},
	{1 << 8, "NODUMP"},
	{1 << 9, "NOATIME"},
	{1 << 10, "DIRSYNC"},
	{1 << 11, "COMPRESS"},
	{1 << 31, "ROOT_ITEM_INIT"},
}

// extent-item flags
const (
	ExtentFlagData      uint64 = 1 << 0
	ExtentFlagTreeBlock uint64 = 1 << 1
)

// EXTENT_DATA types
const (
	FileExtentInline   uint8 = 0
	FileExtentRegular  uint8 = 1
	FileExtentPrealloc uint8 = 2
)

// EXTENT_DATA compression
const (
	CompressNone uint8 = 0
	CompressZlib uint8 = 1
	CompressLZO  uint8 = 2
	CompressZSTD uint8 = 3
)

// dir-entry types (on disk)
const (
	FtUnknown uint8 = 0
	FtRegFile uint8 = 1
	FtDir     uint8 = 2
	FtChrdev  uint8 = 3
	FtBlkdev  uint8 = 4
	FtFifo    uint8 = 5
	FtSock    uint8 = 6
	FtSymlink uint8 = 7
	FtXattr   uint8 = 8
)

// Key is the 17-byte on-disk tree key; ordering is lexicographic on
// (ObjectID, Type, Offset).
type Key struct {
	ObjectID uint64
	Type     uint8
	Offset   uint64
}

// comparison masks
type CmpFlag uint8

const (
	CmpIgnoreObjID CmpFlag = 1 << iota
	CmpIgnoreType
	CmpIgnoreOffset
	CmpIgnoreLSBType // sibling item types differing in bit 0
)

// Cmp orders k against other under mask, returning -1/0/1.
func (k Key) Cmp(other Key, mask CmpFlag) int {
	if mask&CmpIgnoreObjID == 0 {
		if k.ObjectID < other.ObjectID {
			return -1
		}
		if k.ObjectID > other.ObjectID {
			return 1
		}
	}
	if mask&CmpIgnoreType == 0 {
		a, b := k.Type, other.Type
		if mask&CmpIgnoreLSBType != 0 {
			a &^= 1
			b &^= 1
		}
		if a < b {
			return -1
		}
		if a > b {
			return 1
		}
	}
	if mask&CmpIgnoreOffset == 0 {
		if k.Offset < other.Offset {
			return -1
		}
		if k.Offset > other.Offset {
			return 1
		}
	}
	return 0
}

func (k Key) String() string {
	return fmt.Sprintf("(%d %d %d)", k.ObjectID, k.Type, k.Offset)
}

func parseKey(b []byte) Key {
	return Key{
		ObjectID: binary.LittleEndian.Uint64(b),
		Type:     b[8],
		Offset:   binary.LittleEndian.Uint64(b[9:]),
	}
}

// DevItem describes one member device of the filesystem.
type DevItem struct {
	DevID       uint64
	TotalBytes  uint64
	BytesUsed   uint64
	IOAlign     uint32
	IOWidth     uint32
	SectorSize  uint32
	Type        uint64
	Generation  uint64
	StartOffset uint64
	DevGroup    uint32
	SeekSpeed   uint8
	Bandwidth   uint8
	UUID        [16]byte
	FSID        [16]byte
}

// Superblock is the 4 KiB record at 0x10000 and its mirrors. Checksummed
// with CRC-32C over bytes [32, 4096); the sum lives in Csum[0:4].
type Superblock struct {
	Csum                [32]byte
	FSID                [16]byte
	Bytenr              uint64 // physical address this copy was written at
	Flags               uint64
	Magic               [8]byte
	Generation          uint64
	Root                uint64
	ChunkRoot           uint64
	LogRoot             uint64
	LogRootTransID      uint64
	TotalBytes          uint64
	BytesUsed           uint64
	RootDirObjectID     uint64
	NumDevices          uint64
	SectorSize          uint32
	NodeSize            uint32
	LeafSize            uint32
	StripeSize          uint32
	SysChunkArraySize   uint32
	ChunkRootGeneration uint64
	CompatFlags         uint64
	CompatROFlags       uint64
	IncompatFlags       uint64
	CsumType            uint16
	RootLevel           uint8
	ChunkRootLevel      uint8
	LogRootLevel        uint8
	DevItem             DevItem
	Label               [256]byte
	CacheGeneration     uint64
	UUIDTreeGeneration  uint64
	Reserved            [30]uint64
	SysChunkArray       [2048]byte
}

// LabelString returns the NUL-terminated volume label.
func (sb *Superblock) LabelString() string {
	if i := bytes.IndexByte(sb.Label[:], 0); i >= 0 {
		return string(sb.Label[:i])
	}
	return string(sb.Label[:])
}

// UUIDString renders the filesystem id in canonical form.
func (sb *Superblock) UUIDString() string {
	u := sb.FSID
	return fmt.Sprintf("%x-%x-%x-%x-%x", u[0:4], u[4:6], u[6:8], u[8:10], u[10:16])
}

func parseSuperblock(raw []byte) (*Superblock, error) {
	var sb Superblock
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &sb); err != nil {
		return nil, types.Errorf(types.ErrCorrupt, "superblock parse failed: %v", err)
	}
	return &sb, nil
}

// TreeHeader is the 101-byte header of every tree node. Checksummed with
// CRC-32C over bytes [32, nodesize); the sum lives in Csum[0:4].
type TreeHeader struct {
	Csum          [32]byte
	FSID          [16]byte
	LogicalAddr   uint64
	Flags         uint64
	ChunkTreeUUID [16]byte
	Generation    uint64
	Owner         uint64
	NrItems       uint32
	Level         uint8
}

func parseTreeHeader(b []byte) TreeHeader {
	var h TreeHeader
	copy(h.Csum[:], b[0:32])
	copy(h.FSID[:], b[32:48])
	h.LogicalAddr = binary.LittleEndian.Uint64(b[48:])
	h.Flags = binary.LittleEndian.Uint64(b[56:])
	copy(h.ChunkTreeUUID[:], b[64:80])
	h.Generation = binary.LittleEndian.Uint64(b[80:])
	h.Owner = binary.LittleEndian.Uint64(b[88:])
	h.NrItems = binary.LittleEndian.Uint32(b[96:])
	h.Level = b[100]
	return h
}

// KeyPtr is one entry of an index node.
type KeyPtr struct {
	Key        Key
	BlockPtr   uint64
	Generation uint64
}

// Item is one entry of a leaf node; Offset/Size locate the item data
// relative to the end of the header.
type Item struct {
	Key    Key
	Offset uint32
	Size   uint32
}

// Stripe maps a chunk slice onto one device.
type Stripe struct {
	DevID  uint64
	Offset uint64
	UUID   [16]byte
}

// ChunkItem maps one logical range onto physical stripes.
type ChunkItem struct {
	Length     uint64
	Owner      uint64
	StripeLen  uint64
	Type       uint64
	IOAlign    uint32
	IOWidth    uint32
	SectorSize uint32
	NumStripes uint16
	SubStripes uint16
	Stripes    []Stripe
}

// parseChunkItem decodes a CHUNK_ITEM and its stripe array, returning the
// total bytes consumed.
func parseChunkItem(b []byte) (*ChunkItem, int, error) {
	if len(b) < ChunkItemSize {
		return nil, 0, types.Errorf(types.ErrCorrupt, "chunk item truncated (%d bytes)", len(b))
	}
	ci := &ChunkItem{
		Length:     binary.LittleEndian.Uint64(b),
		Owner:      binary.LittleEndian.Uint64(b[8:]),
		StripeLen:  binary.LittleEndian.Uint64(b[16:]),
		Type:       binary.LittleEndian.Uint64(b[24:]),
		IOAlign:    binary.LittleEndian.Uint32(b[32:]),
		IOWidth:    binary.LittleEndian.Uint32(b[36:]),
		SectorSize: binary.LittleEndian.Uint32(b[40:]),
		NumStripes: binary.LittleEndian.Uint16(b[44:]),
		SubStripes: binary.LittleEndian.Uint16(b[46:]),
	}
	need := ChunkItemSize + int(ci.NumStripes)*StripeSize
	if len(b) < need {
		return nil, 0, types.Errorf(types.ErrCorrupt, "chunk item stripe array truncated (%d < %d)", len(b), need)
	}
	for i := 0; i < int(ci.NumStripes); i++ {
		off := ChunkItemSize + i*StripeSize
		var s Stripe
		s.DevID = binary.LittleEndian.Uint64(b[off:])
		s.Offset = binary.LittleEndian.Uint64(b[off+8:])
		copy(s.UUID[:], b[off+16:off+32])
		ci.Stripes = append(ci.Stripes, s)
	}
	return ci, need, nil
}

// TimeSpec is the on-disk timestamp (seconds + nanoseconds).
type TimeSpec struct {
	Sec  uint64
	Nsec uint32
}

func (t TimeSpec) Time() time.Time {
	return time.Unix(int64(t.Sec), int64(t.Nsec)).UTC()
}

// InodeItem is the 160-byte per-inode record.
type InodeItem struct {
	Generation uint64
	TransID    uint64
	Size       uint64
	NBytes     uint64
	BlockGroup uint64
	NLink      uint32
	UID        uint32
	GID        uint32
	Mode       uint32
	RDev       uint64
	Flags      uint64
	Sequence   uint64
	Reserved   [4]uint64
	Atime      TimeSpec
	Ctime      TimeSpec
	Mtime      TimeSpec
	Otime      TimeSpec
}

func parseInodeItem(b []byte) (*InodeItem, error) {
	if len(b) < InodeItemSize {
		return nil, types.Errorf(types.ErrInodeCorrupt, "inode item truncated (%d bytes)", len(b))
	}
	var it InodeItem
	if err := binary.Read(bytes.NewReader(b[:InodeItemSize]), binary.LittleEndian, &it); err != nil {
		return nil, types.Errorf(types.ErrInodeCorrupt, "inode item parse failed: %v", err)
	}
	return &it, nil
}

// RootItem heads every tree referenced from the root tree; the embedded
// inode describes the tree's root directory.
type RootItem struct {
	Inode        InodeItem
	Generation   uint64
	RootDirID    uint64
	Bytenr       uint64
	ByteLimit    uint64
	BytesUsed    uint64
	LastSnapshot uint64
	Flags        uint64
	Refs         uint32
	DropProgress Key
	DropLevel    uint8
	Level        uint8
}

func parseRootItem(b []byte) (*RootItem, error) {
	if len(b) < InodeItemSize+60+KeySize+2 {
		return nil, types.Errorf(types.ErrCorrupt, "root item truncated (%d bytes)", len(b))
	}
	inode, err := parseInodeItem(b)
	if err != nil {
		return nil, err
	}
	o := InodeItemSize
	ri := &RootItem{
		Inode:        *inode,
		Generation:   binary.LittleEndian.Uint64(b[o:]),
		RootDirID:    binary.LittleEndian.Uint64(b[o+8:]),
		Bytenr:       binary.LittleEndian.Uint64(b[o+16:]),
		ByteLimit:    binary.LittleEndian.Uint64(b[o+24:]),
		BytesUsed:    binary.LittleEndian.Uint64(b[o+32:]),
		LastSnapshot: binary.LittleEndian.Uint64(b[o+40:]),
		Flags:        binary.LittleEndian.Uint64(b[o+48:]),
		Refs:         binary.LittleEndian.Uint32(b[o+56:]),
		DropProgress: parseKey(b[o+60:]),
	}
	ri.DropLevel = b[o+60+KeySize]
	ri.Level = b[o+60+KeySize+1]
	return ri, nil
}

// DirEntry is the 30-byte header shared by DIR_ITEM, DIR_INDEX and
// XATTR_ITEM records; Name and Data follow in that order.
type DirEntry struct {
	Location Key
	TransID  uint64
	DataLen  uint16
	NameLen  uint16
	Type     uint8
	Name     []byte
	Data     []byte
}

// parseDirEntry decodes one embedded entry, returning the bytes consumed.
// One item may carry several entries back to back.
func parseDirEntry(b []byte) (*DirEntry, int, error) {
	if len(b) < DirEntrySize {
		return nil, 0, types.Errorf(types.ErrInodeCorrupt, "dir entry truncated (%d bytes)", len(b))
	}
	de := &DirEntry{
		Location: parseKey(b),
		TransID:  binary.LittleEndian.Uint64(b[KeySize:]),
		DataLen:  binary.LittleEndian.Uint16(b[KeySize+8:]),
		NameLen:  binary.LittleEndian.Uint16(b[KeySize+10:]),
		Type:     b[KeySize+12],
	}
	need := DirEntrySize + int(de.NameLen) + int(de.DataLen)
	if len(b) < need {
		return nil, 0, types.Errorf(types.ErrInodeCorrupt, "dir entry name/data truncated (%d < %d)", len(b), need)
	}
	de.Name = b[DirEntrySize : DirEntrySize+int(de.NameLen)]
	de.Data = b[DirEntrySize+int(de.NameLen) : need]
	return de, need, nil
}

// InodeRef links an inode back to its parent directory; the item key's
// offset field holds the parent inum.
type InodeRef struct {
	Index   uint64
	NameLen uint16
	Name    []byte
}

func parseInodeRef(b []byte) (*InodeRef, error) {
	if len(b) < 10 {
		return nil, types.Errorf(types.ErrInodeCorrupt, "inode ref truncated (%d bytes)", len(b))
	}
	ir := &InodeRef{
		Index:   binary.LittleEndian.Uint64(b),
		NameLen: binary.LittleEndian.Uint16(b[8:]),
	}
	if len(b) < 10+int(ir.NameLen) {
		return nil, types.Errorf(types.ErrInodeCorrupt, "inode ref name truncated")
	}
	ir.Name = b[10 : 10+int(ir.NameLen)]
	return ir, nil
}

// ExtentData is one EXTENT_DATA item. Inline extents carry their payload
// in Data; regular extents address disk bytes.
type ExtentData struct {
	Generation    uint64
	RAMBytes      uint64
	Compression   uint8
	Encryption    uint8
	OtherEncoding uint16
	Type          uint8

	// regular/prealloc only
	DiskBytenr   uint64
	DiskNumBytes uint64
	ExtentOffset uint64
	NumBytes     uint64

	// inline only
	Data []byte
}

const extentDataHeaderSize = 21

func parseExtentData(b []byte) (*ExtentData, error) {
	if len(b) < extentDataHeaderSize {
		return nil, types.Errorf(types.ErrInodeCorrupt, "extent data truncated (%d bytes)", len(b))
	}
	ed := &ExtentData{
		Generation:    binary.LittleEndian.Uint64(b),
		RAMBytes:      binary.LittleEndian.Uint64(b[8:]),
		Compression:   b[16],
		Encryption:    b[17],
		OtherEncoding: binary.LittleEndian.Uint16(b[18:]),
		Type:          b[20],
	}
	if ed.Type == FileExtentInline {
		ed.Data = b[extentDataHeaderSize:]
		return ed, nil
	}
	if len(b) < extentDataHeaderSize+32 {
		return nil, types.Errorf(types.ErrInodeCorrupt, "regular extent data truncated (%d bytes)", len(b))
	}
	ed.DiskBytenr = binary.LittleEndian.Uint64(b[21:])
	ed.DiskNumBytes = binary.LittleEndian.Uint64(b[29:])
	ed.ExtentOffset = binary.LittleEndian.Uint64(b[37:])
	ed.NumBytes = binary.LittleEndian.Uint64(b[45:])
	return ed, nil
}

// IsRaw reports whether the extent needs no decoding.
func (ed *ExtentData) IsRaw() bool {
	return ed.Compression == CompressNone && ed.Encryption == 0 && ed.OtherEncoding == 0
}

// Size returns the uncompressed byte span the extent covers in the file.
func (ed *ExtentData) SpanBytes() uint64 {
	if ed.Type == FileExtentInline {
		return ed.RAMBytes
	}
	return ed.NumBytes
}

// ExtentItem is the extent-tree record for one allocated range.
type ExtentItem struct {
	Refs       uint64
	Generation uint64
	Flags      uint64
}

func parseExtentItem(b []byte) (*ExtentItem, error) {
	if len(b) < 24 {
		return nil, types.Errorf(types.ErrCorrupt, "extent item truncated (%d bytes)", len(b))
	}
	return &ExtentItem{
		Refs:       binary.LittleEndian.Uint64(b),
		Generation: binary.LittleEndian.Uint64(b[8:]),
		Flags:      binary.LittleEndian.Uint64(b[16:]),
	}, nil
}

// unix mode helpers
const (
	modeFmt  = 0170000
	modeSock = 0140000
	modeLnk  = 0120000
	modeReg  = 0100000
	modeBlk  = 0060000
	modeDir  = 0040000
	modeChr  = 0020000
	modeFifo = 0010000
)

// inodeTypeFromMode maps the IFMT bits to the unified type.
func inodeTypeFromMode(mode uint32) types.InodeType {
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
	default:
		return types.TypeUndef
	}
}

// dirEntryType maps the on-disk dir-entry type byte.
func dirEntryType(ft uint8) types.InodeType {
	switch ft {
	case FtRegFile:
		return types.TypeRegular
	case FtDir:
		return types.TypeDirectory
	case FtChrdev:
		return types.TypeCharDevice
	case FtBlkdev:
		return types.TypeBlockDevice
	case FtFifo:
		return types.TypeFifo
	case FtSock:
		return types.TypeSocket
	case FtSymlink:
		return types.TypeSymlink
	default:
		return types.TypeUndef
	}
}
