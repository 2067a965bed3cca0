package hfsplus

import (
	"bytes"
	"encoding/binary"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/types"
)

// btree is one of the volume's B-trees (catalog, extents overflow,
// attributes), read through the shared node cache.
type btree struct {
	fs       *HFSPlus
	cnid     CatalogNodeID
	fork     *forkReader
	hdr      BTHeaderRec
	nodeSize uint32
}

// openBtree reads and validates the header node of a B-tree file.
func (fs *HFSPlus) openBtree(cnid CatalogNodeID, fork *ForkData) (*btree, error) {
	fr, err := fs.forkData(cnid, ForkTypeData, fork)
	if err != nil {
		return nil, err
	}
	b := &btree{fs: fs, cnid: cnid, fork: fr}

	raw := make([]byte, btNodeDescriptorSize+106)
	if _, err := fr.ReadAt(raw, 0); err != nil {
		return nil, types.AppendContext(err, "reading btree header node of cnid %d", cnid)
	}
	var desc BTNodeDescriptor
	if err := binary.Read(bytes.NewReader(raw), binary.BigEndian, &desc); err != nil {
		return nil, types.Errorf(types.ErrCorrupt, "btree %d: short node descriptor: %v", cnid, err)
	}
	if desc.Kind != BTHeaderNodeKind {
		return nil, types.Errorf(types.ErrCorrupt,
			"btree %d: node 0 is %s, expected Header", cnid, desc.Kind)
	}
	if err := binary.Read(bytes.NewReader(raw[btNodeDescriptorSize:]), binary.BigEndian, &b.hdr); err != nil {
		return nil, types.Errorf(types.ErrCorrupt, "btree %d: short header record: %v", cnid, err)
	}

	b.nodeSize = uint32(b.hdr.NodeSize)
	if b.nodeSize < 512 || b.nodeSize > 65536 || b.nodeSize&(b.nodeSize-1) != 0 {
		return nil, types.Errorf(types.ErrCorrupt, "btree %d: bad node size %d", cnid, b.nodeSize)
	}
	if b.hdr.RootNode >= b.hdr.TotalNodes {
		return nil, types.Errorf(types.ErrCorrupt,
			"btree %d: root node %d outside %d total nodes", cnid, b.hdr.RootNode, b.hdr.TotalNodes)
	}

	log.WithFields(log.Fields{
		"cnid":      uint32(cnid),
		"node_size": b.nodeSize,
		"depth":     b.hdr.TreeDepth,
		"leaves":    b.hdr.LeafRecords,
	}).Debug("btree opened")
	return b, nil
}

// readNode returns one node's bytes through the cache.
func (b *btree) readNode(num uint32) ([]byte, error) {
	if num >= b.hdr.TotalNodes {
		return nil, types.Errorf(types.ErrCorrupt,
			"btree %d: node %d outside %d total nodes", b.cnid, num, b.hdr.TotalNodes)
	}

	key := types.NodeKey{Tree: uint64(b.cnid), Addr: uint64(num)}
	buf := make([]byte, b.nodeSize)

	b.fs.cache.Lock()
	defer b.fs.cache.Unlock()
	if b.fs.cache.Get(key, buf) {
		return buf, nil
	}
	if _, err := b.fork.ReadAt(buf, int64(num)*int64(b.nodeSize)); err != nil {
		return nil, types.AppendContext(err, "reading btree %d node %d", b.cnid, num)
	}
	log.WithFields(log.Fields{"cnid": uint32(b.cnid), "node": num}).Debug("btree node read")
	b.fs.cache.Put(key, buf)
	return buf, nil
}

func parseNodeDescriptor(node []byte) (BTNodeDescriptor, error) {
	var desc BTNodeDescriptor
	err := binary.Read(bytes.NewReader(node), binary.BigEndian, &desc)
	return desc, err
}

// recordKey slices record i's key out of a node. The returned bytes
// include the two-byte key length.
func (b *btree) recordKey(node []byte, i int) ([]byte, int, error) {
	offPos := int(b.nodeSize) - 2*(i+1)
	if offPos < btNodeDescriptorSize {
		return nil, 0, types.Errorf(types.ErrCorrupt, "btree %d: record %d offset slot outside node", b.cnid, i)
	}
	recOff := int(binary.BigEndian.Uint16(node[offPos:]))
	if recOff < btNodeDescriptorSize || recOff+2 > int(b.nodeSize) {
		return nil, 0, types.Errorf(types.ErrCorrupt, "btree %d: record %d at bad offset %d", b.cnid, i, recOff)
	}
	keyLen := int(binary.BigEndian.Uint16(node[recOff:]))
	if keyLen > int(b.hdr.MaxKeyLength) || recOff+2+keyLen > int(b.nodeSize) {
		return nil, 0, types.Errorf(types.ErrCorrupt,
			"btree %d: record %d key length %d outside node", b.cnid, i, keyLen)
	}
	return node[recOff : recOff+2+keyLen], recOff, nil
}

// childPointer extracts the child node number following an index key.
// Trees without variable index keys pad every index key to MaxKeyLength.
func (b *btree) childPointer(node []byte, recOff, keyLen int) (uint32, error) {
	eff := keyLen
	if b.hdr.Attributes&BTVariableIndexKeys == 0 {
		eff = int(b.hdr.MaxKeyLength)
	}
	ptr := recOff + 2 + eff
	if ptr+4 > int(b.nodeSize) {
		return 0, types.Errorf(types.ErrCorrupt, "btree %d: child pointer outside node", b.cnid)
	}
	return binary.BigEndian.Uint32(node[ptr:]), nil
}

// walkLeaves scans every leaf record in key order starting from the
// first leaf, without descending through index nodes.
func (b *btree) walkLeaves(leafCB func(node []byte, key []byte, recOff int) (leafVerdict, error)) error {
	cur := b.hdr.FirstLeafNode
	for visited := uint32(0); cur != 0; visited++ {
		if visited > b.hdr.TotalNodes {
			return types.Errorf(types.ErrCorrupt, "btree %d: leaf chain longer than tree", b.cnid)
		}
		node, err := b.readNode(cur)
		if err != nil {
			return err
		}
		desc, err := parseNodeDescriptor(node)
		if err != nil {
			return types.Errorf(types.ErrCorrupt, "btree %d: node %d descriptor: %v", b.cnid, cur, err)
		}
		if desc.Kind != BTLeafNodeKind {
			return types.Errorf(types.ErrCorrupt,
				"btree %d: leaf chain reached %s node %d", b.cnid, desc.Kind, cur)
		}
		for i := 0; i < int(desc.NumRecords); i++ {
			key, recOff, err := b.recordKey(node, i)
			if err != nil {
				return err
			}
			v, err := leafCB(node, key, recOff)
			if err != nil {
				return err
			}
			if v == leafStop {
				return nil
			}
		}
		if desc.FLink == cur {
			return types.Errorf(types.ErrCorrupt, "btree %d: leaf node %d links to itself", b.cnid, cur)
		}
		cur = desc.FLink
	}
	return nil
}

type idxVerdict int

const (
	idxLT   idxVerdict = iota // key sorts before the target, keep scanning
	idxEQGT                   // key is at or past the target, descend
)

type leafVerdict int

const (
	leafGo leafVerdict = iota
	leafStop
)

// traverse descends from the root to the leaf level and scans leaf
// records in key order, following forward links until leafCB stops it.
// idxCB orders the descent; leafCB receives each leaf record's key and
// the record offset within the node bytes.
func (b *btree) traverse(
	idxCB func(key []byte) (idxVerdict, error),
	leafCB func(node []byte, key []byte, recOff int) (leafVerdict, error),
) error {
	if b.hdr.RootNode == 0 {
		return types.Errorf(types.ErrCorrupt, "btree %d has no root node", b.cnid)
	}

	cur := b.hdr.RootNode
	for depth := 0; ; depth++ {
		if depth > int(b.hdr.TreeDepth)+1 {
			return types.Errorf(types.ErrCorrupt, "btree %d: descent deeper than tree depth %d",
				b.cnid, b.hdr.TreeDepth)
		}
		node, err := b.readNode(cur)
		if err != nil {
			return err
		}
		desc, err := parseNodeDescriptor(node)
		if err != nil {
			return types.Errorf(types.ErrCorrupt, "btree %d: node %d descriptor: %v", b.cnid, cur, err)
		}

		switch desc.Kind {
		case BTIndexNodeKind:
			if desc.NumRecords == 0 {
				return types.Errorf(types.ErrCorrupt, "btree %d: index node %d has no records", b.cnid, cur)
			}
			var next uint32
			for i := 0; i < int(desc.NumRecords); i++ {
				key, recOff, err := b.recordKey(node, i)
				if err != nil {
					return err
				}
				v, err := idxCB(key)
				if err != nil {
					return err
				}
				if v == idxEQGT {
					break
				}
				next, err = b.childPointer(node, recOff, len(key)-2)
				if err != nil {
					return err
				}
			}
			if next == 0 {
				// every index key sorts at or past the target
				return nil
			}
			cur = next

		case BTLeafNodeKind:
			for visited := uint32(0); ; visited++ {
				if visited > b.hdr.TotalNodes {
					return types.Errorf(types.ErrCorrupt, "btree %d: leaf chain longer than tree", b.cnid)
				}
				for i := 0; i < int(desc.NumRecords); i++ {
					key, recOff, err := b.recordKey(node, i)
					if err != nil {
						return err
					}
					v, err := leafCB(node, key, recOff)
					if err != nil {
						return err
					}
					if v == leafStop {
						return nil
					}
				}
				next := desc.FLink
				if next == 0 {
					return nil
				}
				if next == cur {
					return types.Errorf(types.ErrCorrupt,
						"btree %d: leaf node %d links to itself", b.cnid, cur)
				}
				cur = next
				node, err = b.readNode(cur)
				if err != nil {
					return err
				}
				desc, err = parseNodeDescriptor(node)
				if err != nil {
					return types.Errorf(types.ErrCorrupt, "btree %d: node %d descriptor: %v", b.cnid, cur, err)
				}
				if desc.Kind != BTLeafNodeKind {
					return types.Errorf(types.ErrCorrupt,
						"btree %d: leaf chain reached %s node %d", b.cnid, desc.Kind, cur)
				}
			}

		default:
			return types.Errorf(types.ErrCorrupt,
				"btree %d: unexpected %s node %d during descent", b.cnid, desc.Kind, cur)
		}
	}
}
