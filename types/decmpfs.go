package types

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"fmt"
	"io"

	lzfse "github.com/blacktop/lzfse-cgo"
)

//go:generate stringer -type=compMethod -output decmpfs_string.go

type compMethod uint32

const (
	MAX_DECMPFS_XATTR_SIZE = 3802
	DECMPFS_MAGIC          = "fpmc" // "cmpf" little-endian on disk
	DECMPFS_XATTR_NAME     = "com.apple.decmpfs"

	// CompUnitSize is the uncompressed span covered by one offset-table
	// entry. A stored unit may be at most one marker byte longer.
	CompUnitSize = 0x10000
)

// https://opensource.apple.com/source/copyfile/copyfile-138/copyfile.c.auto.html
const (
	CMP_TYPE1     compMethod = 1 // uncompressed data in xattr
	CMP_ATTR_ZLIB compMethod = 3
	CMP_RSRC_ZLIB compMethod = 4 // 64k blocks
	/*
	 *  case 5: dataless file (de-dup within the generation store), not decoded
	 *  case 6: unused
	 */
	CMP_ATTR_LZVN         compMethod = 7
	CMP_RSRC_LZVN         compMethod = 8  // 64k blocks
	CMP_ATTR_UNCOMPRESSED compMethod = 9  // uncompressed data in xattr
	CMP_RSRC_UNCOMPRESSED compMethod = 10 // 64k chunked uncompressed data in resource fork

	CMP_MAX compMethod = 255
)

func (c compMethod) String() string {
	switch c {
	case CMP_TYPE1:
		return "CMP_TYPE1"
	case CMP_ATTR_ZLIB:
		return "CMP_ATTR_ZLIB"
	case CMP_RSRC_ZLIB:
		return "CMP_RSRC_ZLIB"
	case CMP_ATTR_LZVN:
		return "CMP_ATTR_LZVN"
	case CMP_RSRC_LZVN:
		return "CMP_RSRC_LZVN"
	case CMP_ATTR_UNCOMPRESSED:
		return "CMP_ATTR_UNCOMPRESSED"
	case CMP_RSRC_UNCOMPRESSED:
		return "CMP_RSRC_UNCOMPRESSED"
	default:
		return fmt.Sprintf("compMethod(%d)", uint32(c))
	}
}

// DecmpfsDiskHeader is the com.apple.decmpfs xattr on disk; fields are
// little-endian. AttrBytes is the payload following the 16-byte header.
type DecmpfsDiskHeader struct {
	decmpfsDiskHeader
	AttrBytes []byte
}

type decmpfsDiskHeader struct {
	Magic            [4]byte
	CompressionType  compMethod
	UncompressedSize uint64
}

func (h DecmpfsDiskHeader) String() string {
	return fmt.Sprintf("magic=%s, compression_type=%s, uncompressed_size=%d",
		string(h.Magic[:]),
		h.CompressionType,
		h.UncompressedSize,
	)
}

// InRsrcFork reports whether the compressed payload lives in the resource
// fork rather than in the xattr itself.
func (h *DecmpfsDiskHeader) InRsrcFork() bool {
	return h.CompressionType == CMP_RSRC_ZLIB ||
		h.CompressionType == CMP_RSRC_LZVN ||
		h.CompressionType == CMP_RSRC_UNCOMPRESSED
}

// GetDecmpfsHeader parses a com.apple.decmpfs xattr value.
func GetDecmpfsHeader(data []byte) (*DecmpfsDiskHeader, error) {
	var hdr DecmpfsDiskHeader
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &hdr.decmpfsDiskHeader); err != nil {
		return nil, Errorf(ErrCorrupt, "decmpfs attribute too short: %v", err)
	}
	if string(hdr.Magic[:]) != DECMPFS_MAGIC {
		return nil, Errorf(ErrMagic, "invalid decmpfs magic %q", hdr.Magic)
	}
	hdr.AttrBytes = data[16:]
	return &hdr, nil
}

// CmpfRsrcHead is the resource-fork header (big-endian).
type CmpfRsrcHead struct {
	DataOffset uint32
	MapOffset  uint32
	DataLength uint32
	MapLength  uint32
}

// cmpfRsrcBlock locates one compression unit inside the resource fork.
type cmpfRsrcBlock struct {
	Offset uint32
	Size   uint32
}

// DecompressInlineAttr decodes a type 3/7 payload carried in the xattr
// itself. A raw marker byte exposes the following bytes without a copy.
func (h *DecmpfsDiskHeader) DecompressInlineAttr() ([]byte, error) {
	if len(h.AttrBytes) == 0 {
		return nil, nil
	}
	switch h.CompressionType {
	case CMP_ATTR_ZLIB:
		if (h.AttrBytes[0] & 0x0F) == 0x0F { // uncompressed attr
			return h.AttrBytes[1:], nil
		}
		zr, err := zlib.NewReader(bytes.NewReader(h.AttrBytes))
		if err != nil {
			return nil, Errorf(ErrCorrupt, "failed to create zlib reader: %v", err)
		}
		defer zr.Close()
		dec := make([]byte, 0, h.UncompressedSize)
		buf := bytes.NewBuffer(dec)
		if _, err := io.Copy(buf, zr); err != nil {
			return nil, Errorf(ErrCorrupt, "failed to inflate decmpfs attr: %v", err)
		}
		return buf.Bytes(), nil
	case CMP_ATTR_LZVN:
		if h.AttrBytes[0] == 0x06 { // uncompressed attr
			return h.AttrBytes[1:], nil
		}
		dec := make([]byte, h.UncompressedSize)
		if n := lzfse.DecodeLZVNBuffer(h.AttrBytes, dec); n == 0 {
			return nil, Errorf(ErrCorrupt, "failed to decode lzvn decmpfs attr")
		}
		return dec, nil
	case CMP_TYPE1, CMP_ATTR_UNCOMPRESSED:
		return h.AttrBytes[1:], nil
	default:
		return nil, Errorf(ErrUnsupported, "compression type %s is not inline", h.CompressionType)
	}
}

// CompressedReader serves the uncompressed view of a resource-fork
// compressed file. ReadRsrc reads raw resource-fork bytes; the unit table
// is parsed once at setup.
type CompressedReader struct {
	Method    compMethod
	UncSize   uint64
	BlockSize uint32

	units    []cmpfRsrcBlock
	readRsrc func(off int64, p []byte) (int, error)
}

// NewCompressedReader parses the offset table for a type 4/8 resource fork
// and returns a reader over the uncompressed stream.
func NewCompressedReader(method compMethod, uncSize uint64, blockSize uint32,
	readRsrc func(off int64, p []byte) (int, error)) (*CompressedReader, error) {

	cr := &CompressedReader{
		Method:    method,
		UncSize:   uncSize,
		BlockSize: blockSize,
		readRsrc:  readRsrc,
	}

	switch method {
	case CMP_RSRC_ZLIB:
		if err := cr.parseZlibTable(); err != nil {
			return nil, err
		}
	case CMP_RSRC_LZVN:
		if err := cr.parseLzvnTable(); err != nil {
			return nil, err
		}
	default:
		return nil, Errorf(ErrUnsupported, "compression type %s has no resource fork table", method)
	}
	return cr, nil
}

// NumUnits reports the number of compression units in the table.
func (cr *CompressedReader) NumUnits() int { return len(cr.units) }

func (cr *CompressedReader) parseZlibTable() error {
	hdr := make([]byte, 16)
	if _, err := cr.readRsrc(0, hdr); err != nil {
		return AppendContext(err, "reading compressed resource fork header")
	}
	var head CmpfRsrcHead
	if err := binary.Read(bytes.NewReader(hdr), binary.BigEndian, &head); err != nil {
		return Errorf(ErrCorrupt, "failed to parse resource fork header: %v", err)
	}

	cnt := make([]byte, 4)
	if _, err := cr.readRsrc(int64(head.DataOffset), cnt); err != nil {
		return AppendContext(err, "reading zlib unit count")
	}
	numUnits := binary.LittleEndian.Uint32(cnt)

	raw := make([]byte, 8*numUnits)
	if _, err := cr.readRsrc(int64(head.DataOffset)+4, raw); err != nil {
		return AppendContext(err, "reading zlib offset table")
	}
	cr.units = make([]cmpfRsrcBlock, numUnits)
	for i := range cr.units {
		// unit offsets are relative to the start of the offset table
		cr.units[i].Offset = binary.LittleEndian.Uint32(raw[i*8:]) + head.DataOffset + 4
		cr.units[i].Size = binary.LittleEndian.Uint32(raw[i*8+4:])
	}
	return nil
}

func (cr *CompressedReader) parseLzvnTable() error {
	first := make([]byte, 4)
	if _, err := cr.readRsrc(0, first); err != nil {
		return AppendContext(err, "reading lzvn offset table size")
	}
	tableSize := binary.LittleEndian.Uint32(first)
	if tableSize < 8 || tableSize%4 != 0 {
		return Errorf(ErrCorrupt, "invalid lzvn offset table size %d", tableSize)
	}

	raw := make([]byte, tableSize)
	if _, err := cr.readRsrc(0, raw); err != nil {
		return AppendContext(err, "reading lzvn offset table")
	}
	numOffsets := tableSize / 4
	offsets := make([]uint32, numOffsets)
	for i := range offsets {
		offsets[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	// offsets are consecutive; the table size doubles as the first offset
	cr.units = make([]cmpfRsrcBlock, numOffsets-1)
	for i := range cr.units {
		if offsets[i+1] < offsets[i] {
			return Errorf(ErrCorrupt, "lzvn unit %d has negative length", i)
		}
		cr.units[i] = cmpfRsrcBlock{Offset: offsets[i], Size: offsets[i+1] - offsets[i]}
	}
	return nil
}

// expectedUnitLen is the uncompressed length of unit idx: a full unit for
// all but the last, which carries the remainder.
func (cr *CompressedReader) expectedUnitLen(idx int) uint32 {
	if idx == len(cr.units)-1 && cr.UncSize > 0 {
		return uint32((cr.UncSize-1)%CompUnitSize) + 1
	}
	return CompUnitSize
}

// DecodeUnit reads and decompresses one compression unit. A zero-length
// unit decodes to zero bytes.
func (cr *CompressedReader) DecodeUnit(idx int) ([]byte, error) {
	if idx < 0 || idx >= len(cr.units) {
		return nil, Errorf(ErrCorrupt, "compression unit %d outside offset table (%d units)", idx, len(cr.units))
	}
	u := cr.units[idx]
	if u.Size == 0 {
		return nil, nil
	}
	if u.Size > CompUnitSize+1 {
		return nil, Errorf(ErrCorrupt, "compression unit %d stored size %d exceeds unit size", idx, u.Size)
	}

	raw := make([]byte, u.Size)
	if _, err := cr.readRsrc(int64(u.Offset), raw); err != nil {
		return nil, AppendContext(err, "reading compression unit %d", idx)
	}

	var dec []byte
	switch cr.Method {
	case CMP_RSRC_ZLIB:
		if (raw[0] & 0x0F) == 0x0F { // uncompressed unit
			dec = raw[1:]
		} else {
			zr, err := zlib.NewReader(bytes.NewReader(raw))
			if err != nil {
				return nil, Errorf(ErrCorrupt, "unit %d: failed to create zlib reader: %v", idx, err)
			}
			var buf bytes.Buffer
			if _, err := io.Copy(&buf, zr); err != nil {
				zr.Close()
				return nil, Errorf(ErrCorrupt, "unit %d: inflate failed: %v", idx, err)
			}
			zr.Close()
			dec = buf.Bytes()
		}
	case CMP_RSRC_LZVN:
		if raw[0] == 0x06 { // uncompressed unit
			dec = raw[1:]
		} else {
			out := make([]byte, CompUnitSize)
			n := lzfse.DecodeLZVNBuffer(raw, out)
			if n == 0 {
				return nil, Errorf(ErrCorrupt, "unit %d: lzvn decode failed", idx)
			}
			dec = out[:n]
		}
	}

	if len(dec) > CompUnitSize {
		return nil, Errorf(ErrCorrupt, "unit %d decompressed to %d bytes, exceeds unit size", idx, len(dec))
	}
	if want := cr.expectedUnitLen(idx); uint32(len(dec)) > want {
		dec = dec[:want]
	}
	return dec, nil
}

// ReadAt serves an arbitrary byte range of the uncompressed stream by
// decoding the covering unit(s). Short units read as zeros up to their
// span; a table that does not cover UncSize reports corrupt.
func (cr *CompressedReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, Errorf(ErrArg, "negative offset %d", off)
	}
	if uint64(off) >= cr.UncSize {
		return 0, io.EOF
	}
	if uint64(off)+uint64(len(p)) > cr.UncSize {
		p = p[:cr.UncSize-uint64(off)]
	}

	total := 0
	for total < len(p) {
		idx := int((off + int64(total)) / CompUnitSize)
		skip := (off + int64(total)) % CompUnitSize
		dec, err := cr.DecodeUnit(idx)
		if err != nil {
			return total, err
		}
		if skip >= int64(len(dec)) {
			// hole inside a short unit
			end := (int64(idx) + 1) * CompUnitSize
			for total < len(p) && off+int64(total) < end {
				p[total] = 0
				total++
			}
			continue
		}
		n := copy(p[total:], dec[skip:])
		total += n
	}
	return total, nil
}

// Walk delivers the uncompressed stream in block-size lumps, in ascending
// offset order. Every unit spans a full CompUnitSize of the stream; short
// units are padded with zeros, matching ReadAt.
func (cr *CompressedReader) Walk(attr *Attribute, flags WalkFlag, cb AttrWalkFunc) error {
	lump := int64(cr.BlockSize)
	if lump <= 0 {
		lump = CompUnitSize
	}
	remaining := int64(cr.UncSize)
	var off int64
	for idx := 0; remaining > 0; idx++ {
		span := int64(CompUnitSize)
		if span > remaining {
			span = remaining
		}
		dec, err := cr.DecodeUnit(idx)
		if err != nil {
			return err
		}
		if int64(len(dec)) < span {
			padded := make([]byte, span)
			copy(padded, dec)
			dec = padded
		}
		for pos := int64(0); pos < span; pos += lump {
			end := pos + lump
			if end > span {
				end = span
			}
			verdict := cb(attr, off+pos, 0, dec[pos:end], flags|WalkFlagAlloc|WalkFlagCont|WalkFlagComp)
			switch verdict {
			case WalkStop:
				return nil
			case WalkError:
				return Errorf(ErrFileWalk, "walk callback aborted at offset %d", off+pos)
			}
		}
		off += span
		remaining -= span
	}
	return nil
}

// InstallCompressedFuncs wires the reader onto a compressed DATA attribute
// so generic reads and walks transparently decompress.
func (cr *CompressedReader) InstallCompressedFuncs(attr *Attribute) {
	attr.Flags |= AttrFlagComp
	attr.ReadFn = func(a *Attribute, off int64, p []byte) (int, error) {
		return cr.ReadAt(p, off)
	}
	attr.WalkFn = func(a *Attribute, flags WalkFlag, cb AttrWalkFunc) error {
		return cr.Walk(a, flags, cb)
	}
}
