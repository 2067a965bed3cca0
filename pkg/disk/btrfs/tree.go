package btrfs

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/types"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// checksumValid verifies the CRC-32C over payload bytes [32, len) against
// the little-endian sum stored at [0, 4).
func checksumValid(buf []byte) bool {
	if len(buf) < 36 {
		return false
	}
	want := binary.LittleEndian.Uint32(buf[0:4])
	return crc32.Checksum(buf[32:], castagnoli) == want
}

// nodeBuf is one tree node pulled through the cache.
type nodeBuf struct {
	hdr TreeHeader
	raw []byte
}

func (n *nodeBuf) isLeaf() bool { return n.hdr.Level == 0 }

// keyPtrAt returns index-node entry i.
func (n *nodeBuf) keyPtrAt(i int) KeyPtr {
	off := TreeHeaderSize + i*KeyPtrSize
	return KeyPtr{
		Key:        parseKey(n.raw[off:]),
		BlockPtr:   binary.LittleEndian.Uint64(n.raw[off+KeySize:]),
		Generation: binary.LittleEndian.Uint64(n.raw[off+KeySize+8:]),
	}
}

// itemAt returns leaf entry i.
func (n *nodeBuf) itemAt(i int) Item {
	off := TreeHeaderSize + i*ItemSize
	return Item{
		Key:    parseKey(n.raw[off:]),
		Offset: binary.LittleEndian.Uint32(n.raw[off+KeySize:]),
		Size:   binary.LittleEndian.Uint32(n.raw[off+KeySize+4:]),
	}
}

// keyAt returns the key of entry i for either node kind.
func (n *nodeBuf) keyAt(i int) Key {
	if n.isLeaf() {
		return n.itemAt(i).Key
	}
	return n.keyPtrAt(i).Key
}

// itemData returns the payload of leaf entry i; data offsets are relative
// to the end of the node header.
func (n *nodeBuf) itemData(i int) ([]byte, error) {
	it := n.itemAt(i)
	start := uint64(TreeHeaderSize) + uint64(it.Offset)
	end := start + uint64(it.Size)
	if end > uint64(len(n.raw)) {
		return nil, types.Errorf(types.ErrCorrupt, "item %d data [%d,%d) outside node", i, start, end)
	}
	return n.raw[start:end], nil
}

// readTreeNode reads the node at a logical address through the cache,
// validating the checksum and the header address on a miss.
func (fs *Btrfs) readTreeNode(logAddr uint64) (*nodeBuf, error) {
	key := types.NodeKey{Tree: 0, Addr: logAddr}
	buf := make([]byte, fs.sb.NodeSize)

	fs.cache.Lock()
	hit := fs.cache.Get(key, buf)
	fs.cache.Unlock()

	if !hit {
		phys, err := fs.logicalToPhysical(logAddr)
		if err != nil {
			return nil, types.AppendContext(err, "mapping tree node 0x%x", logAddr)
		}
		if _, err := fs.dev.ReadAt(buf, int64(phys)); err != nil {
			return nil, types.Errorf(types.ErrRead, "tree node at 0x%x (phys 0x%x): %v", logAddr, phys, err)
		}
		if !checksumValid(buf) {
			return nil, types.Errorf(types.ErrCorrupt, "tree node at 0x%x has invalid checksum", logAddr)
		}
		log.WithFields(log.Fields{
			"logical":  logAddr,
			"physical": phys,
		}).Debug("tree node cache fill")
		fs.cache.Lock()
		// revalidate under the lock so concurrent misses install once
		if !fs.cache.Get(key, buf) {
			fs.cache.Put(key, buf)
		}
		fs.cache.Unlock()
	}

	hdr := parseTreeHeader(buf)
	if hdr.LogicalAddr != logAddr {
		return nil, types.Errorf(types.ErrCorrupt,
			"tree node header address 0x%x does not match requested 0x%x", hdr.LogicalAddr, logAddr)
	}
	return &nodeBuf{hdr: hdr, raw: buf}, nil
}

// treeFrame is one level of a traversal path.
type treeFrame struct {
	node  *nodeBuf
	index int
}

// treePath is a root-to-leaf traversal stack; the last frame is the leaf.
type treePath struct {
	frames []treeFrame
}

func (p *treePath) leaf() *treeFrame {
	if len(p.frames) == 0 {
		return nil
	}
	return &p.frames[len(p.frames)-1]
}

// Key returns the key at the current leaf position.
func (p *treePath) Key() Key {
	f := p.leaf()
	return f.node.keyAt(f.index)
}

// Item returns the leaf item at the current position.
func (p *treePath) Item() Item {
	f := p.leaf()
	return f.node.itemAt(f.index)
}

// Data returns the payload at the current position.
func (p *treePath) Data() ([]byte, error) {
	f := p.leaf()
	return f.node.itemData(f.index)
}

// traversal extremes
type extremum int

const (
	extFirst extremum = iota
	extLast
)

// treeExtremum descends from rootAddr to the first or last leaf entry,
// returning the full ancestor path.
func (fs *Btrfs) treeExtremum(rootAddr uint64, dir extremum) (*treePath, error) {
	path := &treePath{}
	addr := rootAddr
	for {
		node, err := fs.readTreeNode(addr)
		if err != nil {
			return nil, err
		}
		if node.hdr.NrItems == 0 {
			return nil, types.Errorf(types.ErrCorrupt, "empty tree node at 0x%x", addr)
		}
		idx := 0
		if dir == extLast {
			idx = int(node.hdr.NrItems) - 1
		}
		path.frames = append(path.frames, treeFrame{node: node, index: idx})
		if node.isLeaf() {
			return path, nil
		}
		addr = node.keyPtrAt(idx).BlockPtr
	}
}

// treeSearch descends from rootAddr looking for key under mask. At every
// level it keeps the rightmost entry whose key is <= the target (entry 0
// when all are greater). It reports whether the leaf entry matches; with
// allowLeft a strictly smaller leaf key also counts.
func (fs *Btrfs) treeSearch(rootAddr uint64, key Key, mask CmpFlag, allowLeft bool) (*treePath, bool, error) {
	path := &treePath{}
	addr := rootAddr
	for {
		node, err := fs.readTreeNode(addr)
		if err != nil {
			return nil, false, err
		}
		n := int(node.hdr.NrItems)
		if n == 0 {
			return nil, false, types.Errorf(types.ErrCorrupt, "empty tree node at 0x%x", addr)
		}

		// rightmost entry <= target; rounds up when splitting so the
		// index node descent lands on the correct child
		lo, hi := 0, n-1
		for lo < hi {
			mid := (lo + hi + 1) / 2
			if node.keyAt(mid).Cmp(key, mask) <= 0 {
				lo = mid
			} else {
				hi = mid - 1
			}
		}
		idx := lo

		path.frames = append(path.frames, treeFrame{node: node, index: idx})
		if node.isLeaf() {
			c := node.keyAt(idx).Cmp(key, mask)
			if c == 0 {
				return path, true, nil
			}
			if allowLeft && c < 0 {
				return path, true, nil
			}
			return path, false, nil
		}
		addr = node.keyPtrAt(idx).BlockPtr
	}
}

// step direction
type stepDir int

const (
	stepFwd stepDir = 1
	stepBwd stepDir = -1
)

// step flags
type stepFlag uint8

const (
	stepInitial stepFlag = 1 << iota // take one unconditional step first
	stepRepeat                       // keep stepping until the key matches
)

// treeStep advances the path one leaf entry in dir. Crossing a node
// boundary pops exhausted frames and descends the adjacent subtree from
// its facing end. With stepRepeat it continues until the current key
// matches key under mask; running off either end reports not-found.
func (fs *Btrfs) treeStep(path *treePath, key Key, mask CmpFlag, dir stepDir, flags stepFlag) (bool, error) {
	if len(path.frames) == 0 {
		return false, types.Errorf(types.ErrArg, "step on empty tree path")
	}
	for {
		if flags&stepInitial != 0 || path.Key().Cmp(key, mask) != 0 {
			flags &^= stepInitial
			if ok, err := fs.stepOnce(path, dir); err != nil || !ok {
				return false, err
			}
		}
		if path.Key().Cmp(key, mask) == 0 {
			return true, nil
		}
		if flags&stepRepeat == 0 {
			return false, nil
		}
	}
}

// stepOnce moves one leaf entry in dir, reporting false at the tree edge.
func (fs *Btrfs) stepOnce(path *treePath, dir stepDir) (bool, error) {
	// pop frames whose index is at the facing edge
	depth := len(path.frames)
	for depth > 0 {
		f := &path.frames[depth-1]
		if dir == stepFwd && f.index+1 < int(f.node.hdr.NrItems) {
			break
		}
		if dir == stepBwd && f.index > 0 {
			break
		}
		depth--
	}
	if depth == 0 {
		return false, nil
	}
	path.frames = path.frames[:depth]
	f := path.leaf()
	f.index += int(dir)

	// descend to the facing extremum of the new subtree
	for !f.node.isLeaf() {
		child, err := fs.readTreeNode(f.node.keyPtrAt(f.index).BlockPtr)
		if err != nil {
			return false, err
		}
		if child.hdr.NrItems == 0 {
			return false, types.Errorf(types.ErrCorrupt, "empty tree node at 0x%x", child.hdr.LogicalAddr)
		}
		idx := 0
		if dir == stepBwd {
			idx = int(child.hdr.NrItems) - 1
		}
		path.frames = append(path.frames, treeFrame{node: child, index: idx})
		f = path.leaf()
	}
	return true, nil
}

// walkTreeLeaves visits every leaf item of the tree rooted at rootAddr in
// key order.
func (fs *Btrfs) walkTreeLeaves(rootAddr uint64, fn func(item Item, data []byte) error) error {
	path, err := fs.treeExtremum(rootAddr, extFirst)
	if err != nil {
		return err
	}
	for {
		data, err := path.Data()
		if err != nil {
			return err
		}
		if err := fn(path.Item(), data); err != nil {
			return err
		}
		ok, err := fs.stepOnce(path, stepFwd)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// searchLowest positions the path at the lowest leaf entry matching key
// under mask, stepping left over equal neighbours.
func (fs *Btrfs) searchLowest(rootAddr uint64, key Key, mask CmpFlag) (*treePath, bool, error) {
	path, found, err := fs.treeSearch(rootAddr, key, mask, false)
	if err != nil || !found {
		return path, found, err
	}
	for {
		ok, err := fs.stepOnce(path, stepBwd)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			break
		}
		if path.Key().Cmp(key, mask) != 0 {
			// stepped past the run; undo
			if _, err := fs.stepOnce(path, stepFwd); err != nil {
				return nil, false, err
			}
			break
		}
	}
	return path, true, nil
}
