package types

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildDecmpfsAttr(method compMethod, uncSize uint64, payload []byte) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(DECMPFS_MAGIC)
	binary.Write(buf, binary.LittleEndian, uint32(method))
	binary.Write(buf, binary.LittleEndian, uncSize)
	buf.Write(payload)
	return buf.Bytes()
}

func zlibCompress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestGetDecmpfsHeader(t *testing.T) {
	hdr, err := GetDecmpfsHeader(buildDecmpfsAttr(CMP_ATTR_ZLIB, 42, []byte{0xff}))
	require.NoError(t, err)
	assert.Equal(t, CMP_ATTR_ZLIB, hdr.CompressionType)
	assert.Equal(t, uint64(42), hdr.UncompressedSize)
	assert.Equal(t, []byte{0xff}, hdr.AttrBytes)

	_, err = GetDecmpfsHeader([]byte("xxxx\x03\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00"))
	assert.Equal(t, ErrMagic, CodeOf(err))

	_, err = GetDecmpfsHeader([]byte("fpmc"))
	assert.Equal(t, ErrCorrupt, CodeOf(err))
}

func TestInRsrcFork(t *testing.T) {
	tests := []struct {
		method compMethod
		want   bool
	}{
		{CMP_TYPE1, false},
		{CMP_ATTR_ZLIB, false},
		{CMP_RSRC_ZLIB, true},
		{CMP_ATTR_LZVN, false},
		{CMP_RSRC_LZVN, true},
		{CMP_ATTR_UNCOMPRESSED, false},
		{CMP_RSRC_UNCOMPRESSED, true},
	}
	for _, tt := range tests {
		t.Run(tt.method.String(), func(t *testing.T) {
			hdr := &DecmpfsDiskHeader{}
			hdr.CompressionType = tt.method
			assert.Equal(t, tt.want, hdr.InRsrcFork())
		})
	}
}

func TestDecompressInlineAttr(t *testing.T) {
	plain := []byte("the quick brown fox jumps over the lazy dog")

	tests := []struct {
		name    string
		method  compMethod
		payload []byte
		want    []byte
		errCode ErrCode
	}{
		{
			name:    "zlib compressed",
			method:  CMP_ATTR_ZLIB,
			payload: zlibCompress(t, plain),
			want:    plain,
		},
		{
			name:    "zlib raw marker",
			method:  CMP_ATTR_ZLIB,
			payload: append([]byte{0xff}, plain...),
			want:    plain,
		},
		{
			name:    "lzvn raw marker",
			method:  CMP_ATTR_LZVN,
			payload: append([]byte{0x06}, plain...),
			want:    plain,
		},
		{
			name:    "type1 skips marker byte",
			method:  CMP_TYPE1,
			payload: append([]byte{0x00}, plain...),
			want:    plain,
		},
		{
			name:    "type9 skips marker byte",
			method:  CMP_ATTR_UNCOMPRESSED,
			payload: append([]byte{0x00}, plain...),
			want:    plain,
		},
		{
			name:    "empty payload",
			method:  CMP_ATTR_ZLIB,
			payload: nil,
			want:    nil,
		},
		{
			name:    "rsrc method is not inline",
			method:  CMP_RSRC_ZLIB,
			payload: []byte{0xff},
			errCode: ErrUnsupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr, err := GetDecmpfsHeader(buildDecmpfsAttr(tt.method, uint64(len(plain)), tt.payload))
			require.NoError(t, err)

			got, err := hdr.DecompressInlineAttr()
			if tt.errCode != ErrGeneric {
				assert.Equal(t, tt.errCode, CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// buildZlibRsrcFork lays out a resource fork holding the given units in
// the type 4 format: big-endian head, then a little-endian unit count and
// offset table, then the stored units.
func buildZlibRsrcFork(t *testing.T, units [][]byte) []byte {
	t.Helper()

	const dataOffset = 16
	table := new(bytes.Buffer)
	binary.Write(table, binary.LittleEndian, uint32(len(units)))

	stored := new(bytes.Buffer)
	base := uint32(4 + 8*len(units)) // offsets are relative to the table start
	for _, u := range units {
		binary.Write(table, binary.LittleEndian, base+uint32(stored.Len()))
		binary.Write(table, binary.LittleEndian, uint32(len(u)))
		stored.Write(u)
	}

	fork := new(bytes.Buffer)
	binary.Write(fork, binary.BigEndian, CmpfRsrcHead{
		DataOffset: dataOffset,
		MapOffset:  uint32(dataOffset + table.Len() + stored.Len()),
		DataLength: uint32(table.Len() + stored.Len()),
		MapLength:  0,
	})
	fork.Write(table.Bytes())
	fork.Write(stored.Bytes())
	return fork.Bytes()
}

func rsrcReaderFor(fork []byte) func(off int64, p []byte) (int, error) {
	return func(off int64, p []byte) (int, error) {
		if off < 0 || off >= int64(len(fork)) {
			return 0, io.EOF
		}
		return copy(p, fork[off:]), nil
	}
}

func TestCompressedReaderZlib(t *testing.T) {
	// two units: a full 64K unit and a short tail
	unit0 := bytes.Repeat([]byte{0xab}, CompUnitSize)
	unit1 := []byte("tail data!")
	uncSize := uint64(len(unit0) + len(unit1))

	fork := buildZlibRsrcFork(t, [][]byte{
		zlibCompress(t, unit0),
		append([]byte{0xff}, unit1...), // raw marker unit
	})

	cr, err := NewCompressedReader(CMP_RSRC_ZLIB, uncSize, 4096, rsrcReaderFor(fork))
	require.NoError(t, err)
	assert.Equal(t, 2, cr.NumUnits())

	// read across the unit boundary
	p := make([]byte, 20)
	n, err := cr.ReadAt(p, int64(CompUnitSize-10))
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, bytes.Repeat([]byte{0xab}, 10), p[:10])
	assert.Equal(t, []byte("tail data!"), p[10:])

	// whole-stream read
	all := make([]byte, uncSize)
	n, err = cr.ReadAt(all, 0)
	require.NoError(t, err)
	assert.Equal(t, int(uncSize), n)
	assert.Equal(t, unit1, all[CompUnitSize:])

	// past the end
	_, err = cr.ReadAt(p, int64(uncSize))
	assert.Equal(t, io.EOF, err)

	// short read at the tail
	n, err = cr.ReadAt(p, int64(uncSize)-4)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCompressedReaderDecodeUnitBounds(t *testing.T) {
	fork := buildZlibRsrcFork(t, [][]byte{
		append([]byte{0xff}, []byte("abc")...),
	})
	cr, err := NewCompressedReader(CMP_RSRC_ZLIB, 3, 4096, rsrcReaderFor(fork))
	require.NoError(t, err)

	_, err = cr.DecodeUnit(-1)
	assert.Equal(t, ErrCorrupt, CodeOf(err))
	_, err = cr.DecodeUnit(1)
	assert.Equal(t, ErrCorrupt, CodeOf(err))
}

func TestCompressedReaderShortUnitTable(t *testing.T) {
	// one stored unit but a stated size needing two: read and walk must
	// agree that the stream is corrupt
	fork := buildZlibRsrcFork(t, [][]byte{
		append([]byte{0xff}, bytes.Repeat([]byte{0xcd}, 16)...),
	})
	uncSize := uint64(CompUnitSize + 100)
	cr, err := NewCompressedReader(CMP_RSRC_ZLIB, uncSize, 4096, rsrcReaderFor(fork))
	require.NoError(t, err)

	p := make([]byte, 10)
	_, err = cr.ReadAt(p, int64(CompUnitSize))
	assert.Equal(t, ErrCorrupt, CodeOf(err))

	attr := NewNonResident(AttrTypeData, 0, "", int64(uncSize), int64(uncSize), int64(uncSize))
	cr.InstallCompressedFuncs(attr)
	err = attr.Walk(0, func(a *Attribute, off int64, addr uint64, buf []byte, flags WalkFlag) WalkAction {
		return WalkCont
	})
	assert.Equal(t, ErrCorrupt, CodeOf(err))

	// the short unit's own span still reads, zero padded
	head := make([]byte, 32)
	n, err := cr.ReadAt(head, 0)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, bytes.Repeat([]byte{0xcd}, 16), head[:16])
	assert.Equal(t, make([]byte, 16), head[16:])
}

func TestCompressedReaderLzvnTable(t *testing.T) {
	// raw-marker lzvn units; offsets are absolute within the fork
	unit0 := append([]byte{0x06}, bytes.Repeat([]byte{0x11}, 32)...)
	unit1 := append([]byte{0x06}, []byte("end")...)

	tableSize := uint32(12)
	fork := new(bytes.Buffer)
	binary.Write(fork, binary.LittleEndian, tableSize)
	binary.Write(fork, binary.LittleEndian, tableSize+uint32(len(unit0)))
	binary.Write(fork, binary.LittleEndian, tableSize+uint32(len(unit0)+len(unit1)))
	fork.Write(unit0)
	fork.Write(unit1)

	cr, err := NewCompressedReader(CMP_RSRC_LZVN, 35, 4096, rsrcReaderFor(fork.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, cr.NumUnits())

	all := make([]byte, 35)
	n, err := cr.ReadAt(all, 0)
	require.NoError(t, err)
	assert.Equal(t, 35, n)
	assert.Equal(t, bytes.Repeat([]byte{0x11}, 32), all[:32])
	assert.Equal(t, []byte("end"), all[32:])
}

func TestCompressedReaderBadLzvnTable(t *testing.T) {
	fork := new(bytes.Buffer)
	binary.Write(fork, binary.LittleEndian, uint32(7)) // not a multiple of 4

	_, err := NewCompressedReader(CMP_RSRC_LZVN, 10, 4096, rsrcReaderFor(fork.Bytes()))
	assert.Equal(t, ErrCorrupt, CodeOf(err))
}

func TestCompressedReaderUnsupportedMethod(t *testing.T) {
	_, err := NewCompressedReader(CMP_RSRC_UNCOMPRESSED, 10, 4096, rsrcReaderFor(nil))
	assert.Equal(t, ErrUnsupported, CodeOf(err))
}

func TestCompressedReaderWalk(t *testing.T) {
	content := []byte("walk me through the stream")
	fork := buildZlibRsrcFork(t, [][]byte{append([]byte{0xff}, content...)})

	cr, err := NewCompressedReader(CMP_RSRC_ZLIB, uint64(len(content)), 8, rsrcReaderFor(fork))
	require.NoError(t, err)

	attr := NewNonResident(AttrTypeData, 0, "", int64(len(content)), int64(len(content)), int64(len(content)))
	cr.InstallCompressedFuncs(attr)
	assert.NotZero(t, attr.Flags&AttrFlagComp)

	var got []byte
	err = attr.Walk(0, func(a *Attribute, off int64, addr uint64, buf []byte, flags WalkFlag) WalkAction {
		assert.Equal(t, int64(len(got)), off)
		assert.NotZero(t, flags&WalkFlagComp)
		got = append(got, buf...)
		return WalkCont
	})
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// generic reads go through the installed strategy too
	p := make([]byte, 4)
	n, err := attr.ReadAt(p, 5)
	require.NoError(t, err)
	assert.Equal(t, content[5:9], p[:n])
}
