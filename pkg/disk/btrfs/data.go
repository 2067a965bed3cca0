package btrfs

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/blacktop/go-fskit/types"
)

// readLogical fills p from a logical address, splitting reads at chunk
// boundaries.
func (fs *Btrfs) readLogical(addr uint64, p []byte) error {
	for len(p) > 0 {
		fs.chunksMu.Lock()
		c, _ := fs.log2phys.find(addr)
		fs.chunksMu.Unlock()
		if c == nil {
			return types.Errorf(types.ErrBlockNum, "logical address 0x%x not covered by any chunk", addr)
		}
		n := c.Source + c.Size - addr
		if n > uint64(len(p)) {
			n = uint64(len(p))
		}
		phys := c.Target + (addr - c.Source)
		if _, err := fs.dev.ReadAt(p[:n], int64(phys)); err != nil {
			return types.Errorf(types.ErrRead, "read at logical 0x%x (phys 0x%x): %v", addr, phys, err)
		}
		addr += n
		p = p[n:]
	}
	return nil
}

// extentReader serves the uncompressed byte stream of one file from its
// extent walk, decoding zlib extents and emulating holes.
type extentReader struct {
	fs      *Btrfs
	entries []extentEntry
	size    uint64
}

// decodeExtent materializes the uncompressed content of one extent.
func (r *extentReader) decodeExtent(ed *ExtentData) ([]byte, error) {
	switch {
	case ed.Type == FileExtentInline && ed.IsRaw():
		return ed.Data, nil
	case ed.Type == FileExtentInline:
		if ed.Compression != CompressZlib {
			return nil, types.Errorf(types.ErrUnsupported,
				"extent compression %d not supported", ed.Compression)
		}
		return inflate(ed.Data, ed.RAMBytes)
	case ed.DiskBytenr == 0:
		return nil, nil // hole
	case ed.IsRaw():
		buf := make([]byte, ed.NumBytes)
		if err := r.fs.readLogical(ed.DiskBytenr+ed.ExtentOffset, buf); err != nil {
			return nil, err
		}
		return buf, nil
	default:
		if ed.Compression != CompressZlib {
			return nil, types.Errorf(types.ErrUnsupported,
				"extent compression %d not supported", ed.Compression)
		}
		comp := make([]byte, ed.DiskNumBytes)
		if err := r.fs.readLogical(ed.DiskBytenr, comp); err != nil {
			return nil, err
		}
		dec, err := inflate(comp, ed.ExtentOffset+ed.NumBytes)
		if err != nil {
			return nil, err
		}
		if uint64(len(dec)) < ed.ExtentOffset {
			return nil, types.Errorf(types.ErrCorrupt,
				"compressed extent decoded short (%d < offset %d)", len(dec), ed.ExtentOffset)
		}
		end := ed.ExtentOffset + ed.NumBytes
		if end > uint64(len(dec)) {
			end = uint64(len(dec))
		}
		return dec[ed.ExtentOffset:end], nil
	}
}

func inflate(comp []byte, limit uint64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(comp))
	if err != nil {
		return nil, types.Errorf(types.ErrCorrupt, "zlib extent header invalid: %v", err)
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(zr, int64(limit))); err != nil {
		return nil, types.Errorf(types.ErrCorrupt, "zlib extent inflate failed: %v", err)
	}
	return buf.Bytes(), nil
}

// ReadAt reads the uncompressed stream at an arbitrary offset. Bytes an
// extent does not materialize (holes, short inline tails) read as zeros.
func (r *extentReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, types.Errorf(types.ErrArg, "negative offset %d", off)
	}
	if uint64(off) >= r.size {
		return 0, io.EOF
	}
	if uint64(off)+uint64(len(p)) > r.size {
		p = p[:r.size-uint64(off)]
	}

	for i := range p {
		p[i] = 0
	}
	total := len(p)
	for _, e := range r.entries {
		span := e.ed.SpanBytes()
		if e.fileOff >= uint64(off)+uint64(total) || e.fileOff+span <= uint64(off) {
			continue
		}
		dec, err := r.decodeExtent(e.ed)
		if err != nil {
			return 0, err
		}
		if dec == nil {
			continue
		}
		// overlap of [off, off+total) with this extent's span
		start := uint64(off)
		if e.fileOff > start {
			start = e.fileOff
		}
		skip := start - e.fileOff
		if skip >= uint64(len(dec)) {
			continue
		}
		copy(p[start-uint64(off):], dec[skip:])
	}
	return total, nil
}

// installDataFuncs wires read and walk strategies onto a DATA attribute so
// compressed and sparse content is served transparently.
func (fs *Btrfs) installDataFuncs(attr *types.Attribute, entries []extentEntry, size uint64) {
	r := &extentReader{fs: fs, entries: entries, size: size}

	attr.ReadFn = func(a *types.Attribute, off int64, p []byte) (int, error) {
		return r.ReadAt(p, off)
	}
	attr.WalkFn = func(a *types.Attribute, flags types.WalkFlag, cb types.AttrWalkFunc) error {
		return fs.walkDataAttr(a, r, flags, cb)
	}
}

// walkDataAttr delivers the attribute content in block-size lumps with
// per-lump storage flags.
func (fs *Btrfs) walkDataAttr(attr *types.Attribute, r *extentReader, flags types.WalkFlag, cb types.AttrWalkFunc) error {
	bs := uint64(fs.blockSize)
	for _, e := range r.entries {
		span := e.ed.SpanBytes()
		sparse := e.ed.Type != FileExtentInline && e.ed.DiskBytenr == 0
		if sparse && flags&types.WalkFlagNoSparse != 0 {
			continue
		}

		lumpFlags := flags | types.WalkFlagAlloc | types.WalkFlagCont
		switch {
		case sparse:
			lumpFlags |= types.WalkFlagSparse
		case !e.ed.IsRaw():
			lumpFlags |= types.WalkFlagComp
		default:
			lumpFlags |= types.WalkFlagRaw
		}
		if e.ed.Type == FileExtentInline {
			lumpFlags |= types.WalkFlagRes
		}

		var dec []byte
		if flags&types.WalkFlagAonly == 0 && !sparse {
			var err error
			dec, err = r.decodeExtent(e.ed)
			if err != nil {
				return err
			}
		}

		for pos := uint64(0); pos < span; pos += bs {
			if e.fileOff+pos >= r.size {
				break
			}
			n := bs
			if span-pos < n {
				n = span - pos
			}
			if rem := r.size - (e.fileOff + pos); rem < n {
				n = rem
			}
			var lump []byte
			if flags&types.WalkFlagAonly == 0 {
				lump = make([]byte, n)
				if !sparse && pos < uint64(len(dec)) {
					copy(lump, dec[pos:])
				}
			}
			var addr uint64
			if e.ed.Type != FileExtentInline && e.ed.IsRaw() && !sparse {
				if phys, err := fs.logicalToPhysical(e.ed.DiskBytenr + e.ed.ExtentOffset + pos); err == nil {
					addr = phys / bs
				}
			}
			switch cb(attr, int64(e.fileOff+pos), addr, lump, lumpFlags) {
			case types.WalkStop:
				return nil
			case types.WalkError:
				return types.Errorf(types.ErrFileWalk, "attribute walk aborted at %d", e.fileOff+pos)
			}
		}
	}
	return nil
}
