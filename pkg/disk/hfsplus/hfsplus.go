package hfsplus

// reference: https://developer.apple.com/library/archive/technotes/tn/tn1150.html

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/pkg/disk"
	"github.com/blacktop/go-fskit/types"
)

// HFSPlus is an opened read-only view of one HFS+ or HFSX volume.
type HFSPlus struct {
	dev    disk.Device
	closer io.Closer

	vh            VolumeHeader
	vhRaw         []byte
	caseSensitive bool
	wrapped       bool // volume was embedded in a classic HFS wrapper

	blockSize    uint32
	firstBlock   uint64
	lastBlock    uint64
	lastBlockAct uint64
	firstInum    uint64
	lastInum     uint64
	rootInum     uint64

	cache *types.NodeCache

	catalog    *btree
	extents    *btree
	attributes *btree

	// private metadata directories backing hard links; zero when absent.
	// rootCrtime is the root folder's create date, the third stamp link
	// sentinels may carry.
	metaDirID     CatalogNodeID
	metaCrtime    time.Time
	metaDirDirID  CatalogNodeID
	metaDirCrtime time.Time
	rootCrtime    time.Time

	alloc       allocCache
	metaExtents []ExtentDescriptor
}

// Open opens an HFS+ image by path.
func Open(name string) (*HFSPlus, error) {
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

// New opens an HFS+ volume over a device. A classic HFS wrapper with an
// embedded HFS+ volume is followed transparently.
func New(dev disk.Device) (*HFSPlus, error) {
	return newVolume(dev, false)
}

func newVolume(dev disk.Device, embedded bool) (*HFSPlus, error) {
	fs := &HFSPlus{dev: dev, wrapped: embedded}

	raw := make([]byte, 512)
	if n, err := dev.ReadAt(raw, VolumeHeaderOffset); err != nil || n < len(raw) {
		return nil, types.Errorf(types.ErrRead, "reading volume header: %v", err)
	}

	switch binary.BigEndian.Uint16(raw) {
	case HFSPlusSigWord, HFSXSigWord:
	case HFSWrapperSigWord:
		if embedded {
			return nil, types.Errorf(types.ErrCorrupt, "embedded volume is another HFS wrapper")
		}
		var mdb WrapperMDB
		if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &mdb); err != nil {
			return nil, types.Errorf(types.ErrCorrupt, "short HFS master directory block: %v", err)
		}
		if mdb.DrEmbedSigWord != HFSPlusSigWord {
			return nil, types.Errorf(types.ErrMagic,
				"classic HFS volume without an embedded HFS+ volume (embed signature 0x%x)", mdb.DrEmbedSigWord)
		}
		off := mdb.EmbeddedOffset()
		log.WithField("offset", off).Debug("following HFS wrapper to embedded volume")
		return newVolume(disk.NewSection(dev, off), true)
	default:
		return nil, types.Errorf(types.ErrMagic,
			"invalid HFS+ signature 0x%x", binary.BigEndian.Uint16(raw))
	}

	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &fs.vh); err != nil {
		return nil, types.Errorf(types.ErrCorrupt, "short volume header: %v", err)
	}
	fs.vhRaw = raw

	bs := fs.vh.BlockSize
	if bs < 512 || bs&(bs-1) != 0 {
		return nil, types.Errorf(types.ErrCorrupt, "bad allocation block size %d", bs)
	}
	if fs.vh.TotalBlocks == 0 {
		return nil, types.Errorf(types.ErrCorrupt, "volume header reports zero blocks")
	}
	fs.blockSize = bs
	fs.firstBlock = 0
	fs.lastBlock = uint64(fs.vh.TotalBlocks) - 1
	fs.lastBlockAct = fs.lastBlock
	if act := fs.dev.GetSize() / uint64(bs); act > 0 && act-1 < fs.lastBlockAct {
		fs.lastBlockAct = act - 1
	}

	var err error
	fs.cache, err = types.NewNodeCache(types.DefaultNodeCacheSize)
	if err != nil {
		return nil, err
	}

	if fs.vh.ExtentsFile.HasContent() {
		fs.extents, err = fs.openBtree(HFSExtentsFileID, &fs.vh.ExtentsFile)
		if err != nil {
			return nil, types.AppendContext(err, "opening extents overflow tree")
		}
	}
	if !fs.vh.CatalogFile.HasContent() {
		return nil, types.Errorf(types.ErrCorrupt, "volume has no catalog file")
	}
	fs.catalog, err = fs.openBtree(HFSCatalogFileID, &fs.vh.CatalogFile)
	if err != nil {
		return nil, types.AppendContext(err, "opening catalog tree")
	}
	if fs.catalog.hdr.RootNode == 0 {
		return nil, types.Errorf(types.ErrCorrupt, "catalog tree is empty")
	}

	// HFS+ catalogs always fold case; HFSX records the policy in the
	// catalog header
	if fs.vh.Signature == HFSXSigWord {
		switch fs.catalog.hdr.KeyCompareType {
		case KeyCompareCaseSensitive:
			fs.caseSensitive = true
		case KeyCompareCaseInsensitive:
			fs.caseSensitive = false
		default:
			return nil, types.Errorf(types.ErrCorrupt,
				"HFSX catalog has unknown key compare type 0x%x", fs.catalog.hdr.KeyCompareType)
		}
	}

	if fs.vh.AttributesFile.HasContent() {
		fs.attributes, err = fs.openBtree(HFSAttributesFileID, &fs.vh.AttributesFile)
		if err != nil {
			return nil, types.AppendContext(err, "opening attributes tree")
		}
		if fs.attributes.hdr.RootNode == 0 {
			fs.attributes = nil
		}
	}

	fs.loadMetaDirs()

	fs.firstInum = uint64(HFSRootFolderID)
	fs.rootInum = uint64(HFSRootFolderID)
	fs.lastInum, err = fs.findHighestInum()
	if err != nil {
		return nil, types.AppendContext(err, "determining highest cnid")
	}
	if fs.lastInum < uint64(HFSAttributesFileID) {
		fs.lastInum = uint64(HFSAttributesFileID)
	}

	log.WithFields(log.Fields{
		"signature":      fs.vh.SignatureString(),
		"case_sensitive": fs.caseSensitive,
		"wrapped":        fs.wrapped,
		"block_size":     fs.blockSize,
		"blocks":         fs.vh.TotalBlocks,
		"files":          fs.vh.FileCount,
		"folders":        fs.vh.FolderCount,
	}).Debug("hfsplus opened")
	return fs, nil
}

// loadMetaDirs caches the hard link private directories and their
// create dates. Absence just disables hard link resolution.
func (fs *HFSPlus) loadMetaDirs() {
	if e, found, err := fs.catalogRecord(HFSRootFolderID); err == nil && found && e.folder != nil {
		fs.rootCrtime = e.folder.CreateDate.Time()
	}
	if e, found, err := fs.lookupExact(HFSRootFolderID, utf8ToUni(metaDirName)); err == nil && found && e.folder != nil {
		fs.metaDirID = e.folder.FolderID
		fs.metaCrtime = e.folder.CreateDate.Time()
	}
	if e, found, err := fs.lookupExact(HFSRootFolderID, utf8ToUni(metaDirDirName)); err == nil && found && e.folder != nil {
		fs.metaDirDirID = e.folder.FolderID
		fs.metaDirCrtime = e.folder.CreateDate.Time()
	}
}

// Close releases the cache and any owned file handle.
func (fs *HFSPlus) Close() error {
	if fs.cache != nil {
		fs.cache.Purge()
	}
	if fs.closer != nil {
		return fs.closer.Close()
	}
	return nil
}

// geometry accessors

// BlockSize is the allocation block size in bytes.
func (fs *HFSPlus) BlockSize() uint32 { return fs.blockSize }

// FirstBlock is the first addressable allocation block.
func (fs *HFSPlus) FirstBlock() uint64 { return fs.firstBlock }

// LastBlock is the last block of the full volume geometry.
func (fs *HFSPlus) LastBlock() uint64 { return fs.lastBlock }

// LastBlockAct is the last block actually present in the image.
func (fs *HFSPlus) LastBlockAct() uint64 { return fs.lastBlockAct }

// FirstInum is the first catalog node ID served as an inode.
func (fs *HFSPlus) FirstInum() uint64 { return fs.firstInum }

// LastInum is the highest catalog node ID in use.
func (fs *HFSPlus) LastInum() uint64 { return fs.lastInum }

// RootInum is the root directory's catalog node ID.
func (fs *HFSPlus) RootInum() uint64 { return fs.rootInum }

// CaseSensitive reports whether catalog names compare case sensitively.
func (fs *HFSPlus) CaseSensitive() bool { return fs.caseSensitive }

// Wrapped reports whether the volume was embedded in an HFS wrapper.
func (fs *HFSPlus) Wrapped() bool { return fs.wrapped }

// VolumeHeader exposes the parsed volume header.
func (fs *HFSPlus) VolumeHeader() *VolumeHeader { return &fs.vh }

// NameCmp compares two names under the volume's case policy.
func (fs *HFSPlus) NameCmp(a, b string) int {
	if fs.caseSensitive {
		return strings.Compare(a, b)
	}
	return strings.Compare(strings.ToLower(a), strings.ToLower(b))
}
