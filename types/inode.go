package types

import "time"

// InodeType is the unified file type across both decoders.
type InodeType uint8

const (
	TypeUndef InodeType = iota
	TypeRegular
	TypeDirectory
	TypeSymlink
	TypeCharDevice
	TypeBlockDevice
	TypeFifo
	TypeSocket
	TypeWhiteout
	TypeVirtual // synthetic inodes ($Superblock, $CatalogFile, orphan dir)
)

func (t InodeType) String() string {
	switch t {
	case TypeRegular:
		return "r"
	case TypeDirectory:
		return "d"
	case TypeSymlink:
		return "l"
	case TypeCharDevice:
		return "c"
	case TypeBlockDevice:
		return "b"
	case TypeFifo:
		return "p"
	case TypeSocket:
		return "s"
	case TypeWhiteout:
		return "w"
	case TypeVirtual:
		return "v"
	default:
		return "-"
	}
}

// MetaFlag is the allocation state of an inode.
type MetaFlag uint8

const (
	MetaAlloc   MetaFlag = 0x1
	MetaUnalloc MetaFlag = 0x2
	MetaUsed    MetaFlag = 0x4
	MetaUnused  MetaFlag = 0x8
	MetaComp    MetaFlag = 0x10
	MetaOrphan  MetaFlag = 0x20
)

// Inode is the unified per-file metadata view. Addr is the virtual inode
// number; decoders that renumber (Btrfs) record the underlying identity in
// their own stat output. The caller owns each returned Inode.
type Inode struct {
	Addr  uint64
	Type  InodeType
	Flags MetaFlag

	Mode  uint16 // POSIX permission bits, no IFMT
	UID   uint32
	GID   uint32
	NLink uint32
	Size  int64

	Accessed time.Time
	Modified time.Time // content modification
	Changed  time.Time // attribute modification
	Created  time.Time

	Link string // symlink target

	Attrs AttrList

	// Raw is the fixed-size on-disk inode record for low-level consumers.
	Raw []byte
}

// IsDir reports whether the inode is a directory of either kind.
func (in *Inode) IsDir() bool {
	return in.Type == TypeDirectory || (in.Type == TypeVirtual && in.Attrs.Len() == 0)
}

// InodeWalkFunc receives each inode during a walk.
type InodeWalkFunc func(in *Inode) WalkAction

// BlockWalkFunc receives one block and its derived flags.
type BlockWalkFunc func(addr uint64, flags WalkFlag) WalkAction

// NameFlag is the allocation state of a directory entry.
type NameFlag uint8

const (
	NameAlloc   NameFlag = 0x1
	NameUnalloc NameFlag = 0x2
)

// DirEntry is one directory entry: a UTF-8 name bound to a virtual inode
// number.
type DirEntry struct {
	Name  string
	Inum  uint64
	Type  InodeType
	Flags NameFlag
}

// Directory is an ordered listing; "." and ".." are always the first two
// entries.
type Directory struct {
	Addr    uint64
	Entries []DirEntry
}

// AddEntry appends one entry.
func (d *Directory) AddEntry(e DirEntry) {
	d.Entries = append(d.Entries, e)
}

// EntryByName returns the first entry matching name under cmp, or nil.
// cmp follows strcmp conventions; pass nil for exact byte comparison.
func (d *Directory) EntryByName(name string, cmp func(a, b string) int) *DirEntry {
	for i := range d.Entries {
		if cmp == nil {
			if d.Entries[i].Name == name {
				return &d.Entries[i]
			}
		} else if cmp(d.Entries[i].Name, name) == 0 {
			return &d.Entries[i]
		}
	}
	return nil
}
