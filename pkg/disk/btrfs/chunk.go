package btrfs

import (
	"sort"

	"github.com/apex/log"
	"github.com/blacktop/go-fskit/types"
)

// CachedChunk is one direction of a chunk mapping: Size bytes at Source
// map to Target in the other address space.
type CachedChunk struct {
	Source uint64
	Size   uint64
	Target uint64
}

// chunkMap holds non-overlapping chunks sorted by Source.
type chunkMap struct {
	chunks []CachedChunk
}

// insert adds a chunk, keeping Source order. Duplicate sources are kept
// once (the chunk tree restates the bootstrap chunks).
func (m *chunkMap) insert(c CachedChunk) {
	i := sort.Search(len(m.chunks), func(i int) bool {
		return m.chunks[i].Source >= c.Source
	})
	if i < len(m.chunks) && m.chunks[i].Source == c.Source {
		m.chunks[i] = c
		return
	}
	m.chunks = append(m.chunks, CachedChunk{})
	copy(m.chunks[i+1:], m.chunks[i:])
	m.chunks[i] = c
}

// find locates the chunk covering addr. When none covers, next is the
// first chunk starting above addr (nil at the end of the map).
func (m *chunkMap) find(addr uint64) (covering *CachedChunk, next *CachedChunk) {
	i := sort.Search(len(m.chunks), func(i int) bool {
		return m.chunks[i].Source > addr
	})
	// i is the first chunk strictly above addr
	if i > 0 {
		c := &m.chunks[i-1]
		if addr < c.Source+c.Size {
			return c, nil
		}
	}
	if i < len(m.chunks) {
		return nil, &m.chunks[i]
	}
	return nil, nil
}

// mapAddr translates addr through the map.
func (m *chunkMap) mapAddr(addr uint64) (uint64, bool) {
	c, _ := m.find(addr)
	if c == nil {
		return 0, false
	}
	return c.Target + (addr - c.Source), true
}

// all returns the chunks in Source order.
func (m *chunkMap) all() []CachedChunk {
	return m.chunks
}

// addChunkItem records one CHUNK_ITEM keyed at logical address logAddr
// into both directions. Only the stripes of our device participate; the
// logical map takes the first matching stripe.
func (fs *Btrfs) addChunkItem(logAddr uint64, ci *ChunkItem, l2p, p2l *chunkMap) {
	inserted := false
	for _, s := range ci.Stripes {
		if s.DevID != fs.sb.DevItem.DevID {
			continue
		}
		if !inserted {
			l2p.insert(CachedChunk{Source: logAddr, Size: ci.Length, Target: s.Offset})
			inserted = true
		}
		p2l.insert(CachedChunk{Source: s.Offset, Size: ci.Length, Target: logAddr})
	}
}

// bootstrapChunks parses the superblock's embedded system chunks so the
// chunk tree itself becomes readable.
func (fs *Btrfs) bootstrapChunks() error {
	l2p := &chunkMap{}
	p2l := &chunkMap{}

	arr := fs.sb.SysChunkArray[:]
	size := int(fs.sb.SysChunkArraySize)
	if size > len(arr) {
		return types.Errorf(types.ErrCorrupt, "sys chunk array size %d exceeds %d", size, len(arr))
	}
	for off := 0; off < size; {
		if size-off < KeySize+ChunkItemSize {
			return types.Errorf(types.ErrCorrupt, "sys chunk array truncated at %d", off)
		}
		key := parseKey(arr[off:])
		off += KeySize
		if key.Type != ItemTypeChunkItem {
			return types.Errorf(types.ErrCorrupt, "unexpected item type %d in sys chunk array", key.Type)
		}
		ci, n, err := parseChunkItem(arr[off:size])
		if err != nil {
			return err
		}
		off += n
		fs.addChunkItem(key.Offset, ci, l2p, p2l)
	}

	fs.log2phys = l2p
	fs.phys2log = p2l
	log.WithFields(log.Fields{
		"logical":  len(l2p.chunks),
		"physical": len(p2l.chunks),
	}).Debug("bootstrapped system chunks")
	return nil
}

// readChunkTree walks the chunk tree with the bootstrap map and installs
// the complete mapping in its place.
func (fs *Btrfs) readChunkTree() error {
	l2p := &chunkMap{}
	p2l := &chunkMap{}

	err := fs.walkTreeLeaves(fs.sb.ChunkRoot, func(item Item, data []byte) error {
		if item.Key.Type != ItemTypeChunkItem {
			return nil
		}
		ci, _, err := parseChunkItem(data)
		if err != nil {
			return err
		}
		fs.addChunkItem(item.Key.Offset, ci, l2p, p2l)
		return nil
	})
	if err != nil {
		return types.AppendContext(err, "reading chunk tree")
	}

	fs.chunksMu.Lock()
	fs.log2phys = l2p
	fs.phys2log = p2l
	fs.chunksMu.Unlock()
	log.WithField("chunks", len(l2p.chunks)).Debug("chunk tree loaded")
	return nil
}

// logicalToPhysical maps a logical address to a physical byte offset.
func (fs *Btrfs) logicalToPhysical(addr uint64) (uint64, error) {
	fs.chunksMu.Lock()
	defer fs.chunksMu.Unlock()
	phys, ok := fs.log2phys.mapAddr(addr)
	if !ok {
		return 0, types.Errorf(types.ErrBlockNum, "logical address 0x%x not covered by any chunk", addr)
	}
	return phys, nil
}

// physicalToLogical maps a physical byte offset to a logical address.
func (fs *Btrfs) physicalToLogical(addr uint64) (uint64, bool) {
	fs.chunksMu.Lock()
	defer fs.chunksMu.Unlock()
	logAddr, ok := fs.phys2log.mapAddr(addr)
	return logAddr, ok
}
