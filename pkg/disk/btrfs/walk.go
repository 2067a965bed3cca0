package btrfs

import (
	"math"

	"github.com/blacktop/go-fskit/types"
)

// extentCursor tracks the current EXTENT_ITEM/METADATA_ITEM while the
// block walk sweeps ascending physical addresses. The physical to logical
// mapping is not monotone, so the cursor resets whenever the walk jumps
// backwards in logical space.
type extentCursor struct {
	path      *treePath
	valid     bool
	exhausted bool
	start     uint64
	end       uint64
	flags     types.WalkFlag
}

// load decodes the current item; non-extent items report ok=false.
func (c *extentCursor) load(fs *Btrfs) (bool, error) {
	item := c.path.Item()
	switch item.Key.Type {
	case ItemTypeExtentItem:
		data, err := c.path.Data()
		if err != nil {
			return false, err
		}
		ei, err := parseExtentItem(data)
		if err != nil {
			return false, err
		}
		c.start = item.Key.ObjectID
		c.end = c.start + item.Key.Offset
		c.flags = types.WalkFlagAlloc
		if ei.Flags&ExtentFlagTreeBlock != 0 {
			c.flags |= types.WalkFlagMeta
		} else {
			c.flags |= types.WalkFlagCont
		}
		return true, nil
	case ItemTypeMetadataItem:
		// skinny metadata: the span is one tree node
		c.start = item.Key.ObjectID
		c.end = c.start + uint64(fs.sb.NodeSize)
		c.flags = types.WalkFlagAlloc | types.WalkFlagMeta
		return true, nil
	default:
		return false, nil
	}
}

// seek positions the cursor at the first extent whose range covers or
// follows logAddr.
func (c *extentCursor) seek(fs *Btrfs, logAddr uint64) error {
	path, _, err := fs.treeSearch(fs.extentTreeRoot,
		Key{ObjectID: logAddr, Type: ItemTypeMetadataItem, Offset: math.MaxUint64}, 0, true)
	if err != nil {
		return err
	}
	c.path = path
	c.valid = true
	c.exhausted = false
	for {
		ok, err := c.load(fs)
		if err != nil {
			return err
		}
		if ok && c.end > logAddr {
			return nil
		}
		more, err := fs.stepOnce(c.path, stepFwd)
		if err != nil {
			return err
		}
		if !more {
			c.exhausted = true
			return nil
		}
	}
}

// advance moves the cursor forward so its range covers logAddr or lies
// strictly after it, resetting on a backwards jump.
func (c *extentCursor) advance(fs *Btrfs, logAddr uint64) error {
	if !c.valid || logAddr < c.start {
		return c.seek(fs, logAddr)
	}
	for !c.exhausted && c.end <= logAddr {
		more, err := fs.stepOnce(c.path, stepFwd)
		if err != nil {
			return err
		}
		if !more {
			c.exhausted = true
			return nil
		}
		if ok, err := c.load(fs); err != nil {
			return err
		} else if !ok {
			c.end = logAddr // keep skipping foreign items
			c.start = logAddr
			c.flags = 0
			continue
		}
	}
	return nil
}

// covers reports the flags when the cursor range includes logAddr.
func (c *extentCursor) covers(logAddr uint64) (types.WalkFlag, bool) {
	if c.exhausted || c.flags == 0 {
		return 0, false
	}
	if logAddr >= c.start && logAddr < c.end {
		return c.flags, true
	}
	return 0, false
}

// insideSuperblockMirror reports whether a physical byte address falls in
// any superblock copy; mirrors are not covered by the extent tree.
func insideSuperblockMirror(phys uint64) bool {
	for i := 0; i < SuperblockMirrorMax; i++ {
		off := uint64(SuperblockMirrorOffset(i))
		if phys >= off && phys < off+SuperblockSize {
			return true
		}
	}
	return false
}

// BlockWalk visits every block in [start, end] in ascending order,
// deriving allocation flags from the chunk map and the extent tree.
func (fs *Btrfs) BlockWalk(start, end uint64, cb types.BlockWalkFunc) error {
	if start > end || end > fs.lastBlock {
		return types.Errorf(types.ErrWalkRange, "block walk range [%d, %d] outside [%d, %d]",
			start, end, fs.firstBlock, fs.lastBlock)
	}

	bs := uint64(fs.blockSize)
	var cursor extentCursor
	for blk := start; blk <= end; blk++ {
		phys := blk * bs
		var flags types.WalkFlag

		switch {
		case insideSuperblockMirror(phys):
			flags = types.WalkFlagAlloc | types.WalkFlagMeta
		default:
			logAddr, ok := fs.physicalToLogical(phys)
			if !ok {
				flags = types.WalkFlagUnalloc
				break
			}
			if err := cursor.advance(fs, logAddr); err != nil {
				return types.AppendContext(err, "advancing extent cursor at block %d", blk)
			}
			if f, ok := cursor.covers(logAddr); ok {
				flags = f
			} else {
				flags = types.WalkFlagUnalloc
			}
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
func (fs *Btrfs) BlockFlags(addr uint64) (types.WalkFlag, error) {
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
