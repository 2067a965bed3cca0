package btrfs

// reference: https://btrfs.readthedocs.io/en/latest/dev/On-disk-format.html

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/pkg/disk"
	"github.com/blacktop/go-fskit/types"
)

// Btrfs is an opened read-only view of one Btrfs device image.
type Btrfs struct {
	dev    disk.Device
	closer io.Closer

	sb       *Superblock
	sbRaw    []byte
	sbMirror int

	blockSize    uint32
	firstBlock   uint64
	lastBlock    uint64
	lastBlockAct uint64 // truncated images end earlier than the superblock claims
	firstInum    uint64
	lastInum     uint64
	rootInum     uint64
	fsID         [16]byte

	cache *types.NodeCache

	chunksMu sync.Mutex
	log2phys *chunkMap
	phys2log *chunkMap

	subvolumes  map[uint64]*Subvolume
	subvolOrder []uint64
	virt2real   []vinumEntry

	extentTreeRoot  uint64
	extentTreeLevel uint8
}

// Open opens a Btrfs image by path.
func Open(name string) (*Btrfs, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	g := disk.NewGeneric(f, fi.Size())
	fs, err := New(g)
	if err != nil {
		f.Close()
		return nil, err
	}
	fs.closer = f
	return fs, nil
}

// New opens a Btrfs filesystem over a device.
func New(dev disk.Device) (*Btrfs, error) {
	fs := &Btrfs{dev: dev}

	if err := fs.findSuperblock(); err != nil {
		return nil, err
	}

	if unsupported := fs.sb.IncompatFlags &^ IncompatSupported; unsupported != 0 {
		return nil, types.Errorf(types.ErrMagic,
			"unsupported incompat features 0x%x", unsupported)
	}

	fs.blockSize = fs.sb.SectorSize
	if fs.blockSize == 0 {
		return nil, types.Errorf(types.ErrCorrupt, "superblock sector size is zero")
	}
	fs.firstBlock = 0
	fs.lastBlock = fs.sb.DevItem.TotalBytes/uint64(fs.blockSize) - 1
	fs.lastBlockAct = fs.lastBlock
	if act := dev.GetSize() / uint64(fs.blockSize); act > 0 && act-1 < fs.lastBlockAct {
		fs.lastBlockAct = act - 1
	}
	fs.fsID = fs.sb.FSID

	var err error
	fs.cache, err = types.NewNodeCache(types.DefaultNodeCacheSize)
	if err != nil {
		return nil, err
	}

	if err := fs.bootstrapChunks(); err != nil {
		return nil, types.AppendContext(err, "bootstrapping system chunks")
	}
	if err := fs.readChunkTree(); err != nil {
		return nil, err
	}
	if err := fs.enumerateSubvolumes(); err != nil {
		return nil, err
	}

	fs.firstInum = 0
	fs.lastInum = uint64(len(fs.virt2real)) + 1 // $Superblock and orphan dir
	rootVinum, err := fs.realToVinum(ObjIDFSTree, fs.subvolumes[ObjIDFSTree].Root.RootDirID)
	if err != nil {
		return nil, types.AppendContext(err, "resolving root directory inode")
	}
	fs.rootInum = rootVinum

	// the extent tree root backs the block walk
	path, found, err := fs.treeSearch(fs.sb.Root,
		Key{ObjectID: ObjIDExtentTree, Type: ItemTypeRootItem}, CmpIgnoreOffset, false)
	if err != nil {
		return nil, types.AppendContext(err, "locating extent tree")
	}
	if !found {
		return nil, types.Errorf(types.ErrCorrupt, "root tree has no extent tree root item")
	}
	data, err := path.Data()
	if err != nil {
		return nil, err
	}
	eri, err := parseRootItem(data)
	if err != nil {
		return nil, types.AppendContext(err, "parsing extent tree root item")
	}
	fs.extentTreeRoot = eri.Bytenr
	fs.extentTreeLevel = eri.Level

	log.WithFields(log.Fields{
		"label":      fs.sb.LabelString(),
		"uuid":       fs.sb.UUIDString(),
		"mirror":     fs.sbMirror,
		"generation": fs.sb.Generation,
		"subvolumes": len(fs.subvolumes),
		"inodes":     len(fs.virt2real),
	}).Debug("btrfs opened")
	return fs, nil
}

// findSuperblock probes the three mirror offsets and keeps the valid copy
// with the highest generation. Probe failures are tolerated; only a fully
// absent superblock fails the open.
func (fs *Btrfs) findSuperblock() error {
	var (
		best    *Superblock
		bestRaw []byte
		bestIdx int
	)
	for i := 0; i < SuperblockMirrorMax; i++ {
		off := SuperblockMirrorOffset(i)
		raw := make([]byte, SuperblockSize)
		if n, err := fs.dev.ReadAt(raw, off); err != nil || n < SuperblockSize {
			log.WithFields(log.Fields{"mirror": i, "offset": off}).Debug("superblock mirror unreadable")
			continue
		}
		sb, err := parseSuperblock(raw)
		if err != nil {
			continue
		}
		if !bytes.Equal(sb.Magic[:], []byte(Magic)) {
			log.WithField("mirror", i).Debug("superblock mirror has no magic")
			continue
		}
		if sb.CsumType != CsumTypeCRC32C {
			log.WithFields(log.Fields{"mirror": i, "csum_type": sb.CsumType}).Debug("unsupported checksum type")
			continue
		}
		if !checksumValid(raw) {
			log.WithField("mirror", i).Debug("superblock mirror has invalid checksum")
			continue
		}
		if sb.Bytenr != uint64(off) {
			log.WithFields(log.Fields{"mirror": i, "bytenr": sb.Bytenr}).Debug("superblock mirror address mismatch")
			continue
		}
		if best == nil || sb.Generation > best.Generation {
			best, bestRaw, bestIdx = sb, raw, i
		}
	}
	if best == nil {
		return types.Errorf(types.ErrMagic, "no valid superblock found in any mirror")
	}
	fs.sb, fs.sbRaw, fs.sbMirror = best, bestRaw, bestIdx
	return nil
}

// Close releases the cache and any owned file handle.
func (fs *Btrfs) Close() error {
	if fs.cache != nil {
		fs.cache.Purge()
	}
	if fs.closer != nil {
		return fs.closer.Close()
	}
	return nil
}

// geometry accessors

// BlockSize is the filesystem block (sector) size in bytes.
func (fs *Btrfs) BlockSize() uint32 { return fs.blockSize }

// FirstBlock is the first addressable block.
func (fs *Btrfs) FirstBlock() uint64 { return fs.firstBlock }

// LastBlock is the last block of the full device geometry.
func (fs *Btrfs) LastBlock() uint64 { return fs.lastBlock }

// LastBlockAct is the last block actually present in the image.
func (fs *Btrfs) LastBlockAct() uint64 { return fs.lastBlockAct }

// FirstInum is the first virtual inode number.
func (fs *Btrfs) FirstInum() uint64 { return fs.firstInum }

// LastInum is the last virtual inode number, including the two specials.
func (fs *Btrfs) LastInum() uint64 { return fs.lastInum }

// RootInum is the virtual inode of the root directory.
func (fs *Btrfs) RootInum() uint64 { return fs.rootInum }

// FsID is the 16-byte filesystem identifier.
func (fs *Btrfs) FsID() [16]byte { return fs.fsID }

// Superblock exposes the selected superblock copy.
func (fs *Btrfs) Superblock() *Superblock { return fs.sb }

// SuperblockMirror reports which mirror was selected.
func (fs *Btrfs) SuperblockMirror() int { return fs.sbMirror }

// NameCmp compares two names; Btrfs names are case sensitive bytes.
func (fs *Btrfs) NameCmp(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
