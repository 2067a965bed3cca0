package hfsplus

import (
	"github.com/blacktop/go-fskit/types"
)

// forkReader serves the logical byte stream of one fork. Extents beyond
// the eight in the catalog record are pulled from the extents overflow
// tree at construction time.
type forkReader struct {
	fs      *HFSPlus
	size    uint64
	extents []ExtentDescriptor
}

// forkData builds a reader over a fork. The extents overflow tree is
// consulted for forks larger than eight extents, except for the extents
// file itself, which must be fully described by the volume header.
func (fs *HFSPlus) forkData(cnid CatalogNodeID, forkType uint8, fork *ForkData) (*forkReader, error) {
	fr := &forkReader{fs: fs, size: fork.LogicalSize}

	var blocks uint32
	for _, ext := range fork.Extents {
		if ext.BlockCount == 0 {
			break
		}
		fr.extents = append(fr.extents, ext)
		blocks += ext.BlockCount
	}

	if blocks < fork.TotalBlocks && cnid != HFSExtentsFileID {
		more, err := fs.overflowExtents(cnid, forkType, blocks)
		if err != nil {
			return nil, types.AppendContext(err, "loading overflow extents of cnid %d", cnid)
		}
		for _, ext := range more {
			if ext.BlockCount == 0 {
				break
			}
			fr.extents = append(fr.extents, ext)
			blocks += ext.BlockCount
		}
	}
	if blocks < fork.TotalBlocks {
		return nil, types.Errorf(types.ErrInodeCorrupt,
			"fork of cnid %d maps %d of %d blocks", cnid, blocks, fork.TotalBlocks)
	}
	return fr, nil
}

// ReadAt reads from the fork's logical byte stream.
func (fr *forkReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.Errorf(types.ErrArg, "negative fork offset %d", off)
	}
	bs := int64(fr.fs.blockSize)
	total := 0
	logical := int64(0)
	for _, ext := range fr.extents {
		span := int64(ext.BlockCount) * bs
		if off+int64(total) < logical+span {
			extOff := off + int64(total) - logical
			phys := int64(ext.StartBlock)*bs + extOff
			want := len(p) - total
			if rem := span - extOff; int64(want) > rem {
				want = int(rem)
			}
			n, err := fr.fs.dev.ReadAt(p[total:total+want], phys)
			total += n
			if err != nil {
				return total, types.Errorf(types.ErrRead,
					"reading fork at offset %d: %v", off+int64(total), err)
			}
			if total == len(p) {
				return total, nil
			}
		}
		logical += span
	}
	if total < len(p) {
		return total, types.Errorf(types.ErrRead,
			"fork read at offset %d past mapped extents", off)
	}
	return total, nil
}

// runs converts the fork's extents to attribute runs in block units.
func (fr *forkReader) runs() []types.Run {
	var out []types.Run
	var logical uint64
	for _, ext := range fr.extents {
		out = append(out, types.Run{
			Offset: logical,
			Addr:   uint64(ext.StartBlock),
			Len:    uint64(ext.BlockCount),
		})
		logical += uint64(ext.BlockCount)
	}
	return out
}

// blocks is the total mapped block count.
func (fr *forkReader) blocks() uint64 {
	var n uint64
	for _, ext := range fr.extents {
		n += uint64(ext.BlockCount)
	}
	return n
}
