package hfsplus

import (
	"sync"

	"github.com/blacktop/go-fskit/types"
)

// allocWindowSize is the number of bitmap bytes cached per read.
const allocWindowSize = 4096

// allocCache is a sliding window over the allocation file bitmap. The
// window length is unsigned and paired with a validity flag so a failed
// load can never masquerade as an empty window.
type allocCache struct {
	mu     sync.Mutex
	fr     *forkReader
	buf    []byte
	start  uint64 // byte offset of buf[0] within the bitmap
	length uint64 // valid bytes in buf
	valid  bool
}

// loadWindow positions the cache window over byte offset byteOff.
func (fs *HFSPlus) loadWindow(byteOff uint64) error {
	a := &fs.alloc
	if a.fr == nil {
		if !fs.vh.AllocationFile.HasContent() {
			return types.Errorf(types.ErrCorrupt, "volume has no allocation file")
		}
		fr, err := fs.forkData(HFSAllocationFileID, ForkTypeData, &fs.vh.AllocationFile)
		if err != nil {
			return types.AppendContext(err, "mapping allocation file")
		}
		a.fr = fr
		a.buf = make([]byte, allocWindowSize)
	}

	start := byteOff - byteOff%allocWindowSize
	want := uint64(allocWindowSize)
	if start+want > a.fr.size {
		if start >= a.fr.size {
			a.valid = false
			return types.Errorf(types.ErrAuxAlloc,
				"bitmap byte %d outside allocation file (%d bytes)", byteOff, a.fr.size)
		}
		want = a.fr.size - start
	}
	a.valid = false
	if _, err := a.fr.ReadAt(a.buf[:want], int64(start)); err != nil {
		return types.AppendContext(err, "reading allocation bitmap at byte %d", start)
	}
	a.start = start
	a.length = want
	a.valid = true
	return nil
}

// blockAllocated reads one bit of the allocation bitmap. Bit 7 of each
// byte is the lowest-numbered block.
func (fs *HFSPlus) blockAllocated(addr uint64) (bool, error) {
	fs.alloc.mu.Lock()
	defer fs.alloc.mu.Unlock()

	byteOff := addr / 8
	a := &fs.alloc
	if !a.valid || byteOff < a.start || byteOff >= a.start+a.length {
		if err := fs.loadWindow(byteOff); err != nil {
			return false, err
		}
	}
	b := a.buf[byteOff-a.start]
	return b&(1<<(7-addr%8)) != 0, nil
}

// metaSpans collects the extents of the volume's special files so the
// block walk can mark metadata blocks.
func (fs *HFSPlus) metaSpans() ([]ExtentDescriptor, error) {
	fs.alloc.mu.Lock()
	cached := fs.metaExtents
	fs.alloc.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var spans []ExtentDescriptor
	specials := []struct {
		cnid CatalogNodeID
		fork *ForkData
	}{
		{HFSExtentsFileID, &fs.vh.ExtentsFile},
		{HFSCatalogFileID, &fs.vh.CatalogFile},
		{HFSAllocationFileID, &fs.vh.AllocationFile},
		{HFSStartupFileID, &fs.vh.StartupFile},
		{HFSAttributesFileID, &fs.vh.AttributesFile},
	}
	for _, s := range specials {
		if !s.fork.HasContent() {
			continue
		}
		fr, err := fs.forkData(s.cnid, ForkTypeData, s.fork)
		if err != nil {
			return nil, types.AppendContext(err, "mapping special file %d", s.cnid)
		}
		spans = append(spans, fr.extents...)
	}

	fs.alloc.mu.Lock()
	fs.metaExtents = spans
	fs.alloc.mu.Unlock()
	return spans, nil
}

func spanCovers(spans []ExtentDescriptor, addr uint64) bool {
	for _, s := range spans {
		if addr >= uint64(s.StartBlock) && addr < uint64(s.StartBlock)+uint64(s.BlockCount) {
			return true
		}
	}
	return false
}

// BlockWalk visits every block in [start, end] in ascending order,
// deriving allocation state from the bitmap and marking blocks owned by
// the B-tree special files as metadata.
func (fs *HFSPlus) BlockWalk(start, end uint64, cb types.BlockWalkFunc) error {
	if start > end || end > fs.lastBlock {
		return types.Errorf(types.ErrWalkRange, "block walk range [%d, %d] outside [%d, %d]",
			start, end, fs.firstBlock, fs.lastBlock)
	}
	spans, err := fs.metaSpans()
	if err != nil {
		return err
	}

	for blk := start; blk <= end; blk++ {
		alloc, err := fs.blockAllocated(blk)
		if err != nil {
			return types.AppendContext(err, "deriving flags of block %d", blk)
		}
		var flags types.WalkFlag
		if alloc {
			flags = types.WalkFlagAlloc
			if spanCovers(spans, blk) {
				flags |= types.WalkFlagMeta
			} else {
				flags |= types.WalkFlagCont
			}
		} else {
			flags = types.WalkFlagUnalloc
		}

		switch cb(blk, flags) {
		case types.WalkStop:
			return nil
		case types.WalkError:
			return types.Errorf(types.ErrFileWalk, "block walk callback aborted at %d", blk)
		}
	}
	return nil
}

// BlockFlags derives the flags of a single block.
func (fs *HFSPlus) BlockFlags(addr uint64) (types.WalkFlag, error) {
	if addr > fs.lastBlock {
		return 0, types.Errorf(types.ErrWalkRange, "block %d outside [%d, %d]", addr, fs.firstBlock, fs.lastBlock)
	}
	var out types.WalkFlag
	err := fs.BlockWalk(addr, addr, func(_ uint64, flags types.WalkFlag) types.WalkAction {
		out = flags
		return types.WalkStop
	})
	return out, err
}
