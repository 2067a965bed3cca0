package btrfs

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/blacktop/go-fskit/pkg/disk"
	"github.com/blacktop/go-fskit/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSuperblock serializes one valid superblock copy for mirror i.
func buildSuperblock(t *testing.T, generation uint64, mirror int, mutate func(*Superblock)) []byte {
	t.Helper()

	var sb Superblock
	copy(sb.Magic[:], Magic)
	sb.Generation = generation
	sb.Bytenr = uint64(SuperblockMirrorOffset(mirror))
	sb.CsumType = CsumTypeCRC32C
	sb.SectorSize = 4096
	sb.NodeSize = 16384
	sb.TotalBytes = 1 << 30
	sb.DevItem.DevID = 1
	sb.DevItem.TotalBytes = 1 << 30
	if mutate != nil {
		mutate(&sb)
	}

	buf := new(bytes.Buffer)
	require.NoError(t, binary.Write(buf, binary.LittleEndian, &sb))
	raw := make([]byte, SuperblockSize)
	copy(raw, buf.Bytes())
	binary.LittleEndian.PutUint32(raw[0:4], crc32.Checksum(raw[32:], castagnoli))
	return raw
}

// imageWithMirrors lays out superblock copies at their mirror offsets.
func imageWithMirrors(mirrors map[int][]byte) []byte {
	img := make([]byte, SuperblockMirrorOffset(1)+SuperblockSize)
	for i, raw := range mirrors {
		copy(img[SuperblockMirrorOffset(i):], raw)
	}
	return img
}

func TestChecksumValid(t *testing.T) {
	raw := buildSuperblock(t, 1, 0, nil)
	assert.True(t, checksumValid(raw))

	raw[100] ^= 0xff
	assert.False(t, checksumValid(raw))

	assert.False(t, checksumValid(raw[:20]))
}

func TestFindSuperblockPrimary(t *testing.T) {
	img := imageWithMirrors(map[int][]byte{
		0: buildSuperblock(t, 10, 0, nil),
	})
	fs := &Btrfs{dev: disk.NewGeneric(bytes.NewReader(img), int64(len(img)))}

	require.NoError(t, fs.findSuperblock())
	assert.Equal(t, 0, fs.sbMirror)
	assert.Equal(t, uint64(10), fs.sb.Generation)
}

func TestFindSuperblockNewestGenerationWins(t *testing.T) {
	img := imageWithMirrors(map[int][]byte{
		0: buildSuperblock(t, 10, 0, nil),
		1: buildSuperblock(t, 12, 1, nil),
	})
	fs := &Btrfs{dev: disk.NewGeneric(bytes.NewReader(img), int64(len(img)))}

	require.NoError(t, fs.findSuperblock())
	assert.Equal(t, 1, fs.sbMirror)
	assert.Equal(t, uint64(12), fs.sb.Generation)
}

func TestFindSuperblockSkipsCorruptMirror(t *testing.T) {
	primary := buildSuperblock(t, 20, 0, nil)
	primary[200] ^= 0xff // break the checksum without touching the magic

	img := imageWithMirrors(map[int][]byte{
		0: primary,
		1: buildSuperblock(t, 5, 1, nil),
	})
	fs := &Btrfs{dev: disk.NewGeneric(bytes.NewReader(img), int64(len(img)))}

	require.NoError(t, fs.findSuperblock())
	assert.Equal(t, 1, fs.sbMirror, "older but intact mirror is selected")
	assert.Equal(t, uint64(5), fs.sb.Generation)
}

func TestFindSuperblockRejectsWrongAddress(t *testing.T) {
	// a copy claiming the wrong write address is stale data, not a mirror
	misplaced := buildSuperblock(t, 30, 1, nil)
	img := imageWithMirrors(map[int][]byte{0: misplaced})
	fs := &Btrfs{dev: disk.NewGeneric(bytes.NewReader(img), int64(len(img)))}

	err := fs.findSuperblock()
	assert.Equal(t, types.ErrMagic, types.CodeOf(err))
}

func TestFindSuperblockNoMagic(t *testing.T) {
	img := make([]byte, SuperblockMirrorOffset(0)+SuperblockSize)
	fs := &Btrfs{dev: disk.NewGeneric(bytes.NewReader(img), int64(len(img)))}

	err := fs.findSuperblock()
	assert.Equal(t, types.ErrMagic, types.CodeOf(err))
}

func TestNewRejectsUnknownIncompatBits(t *testing.T) {
	img := imageWithMirrors(map[int][]byte{
		0: buildSuperblock(t, 1, 0, func(sb *Superblock) {
			sb.IncompatFlags = IncompatNoHoles | 1<<40
		}),
	})
	_, err := New(disk.NewGeneric(bytes.NewReader(img), int64(len(img))))

	require.Error(t, err)
	assert.Equal(t, types.ErrMagic, types.CodeOf(err))
	assert.Contains(t, err.Error(), "0x10000000000", "names the offending bit, not the supported ones")
}

func TestNewRejectsZeroSectorSize(t *testing.T) {
	img := imageWithMirrors(map[int][]byte{
		0: buildSuperblock(t, 1, 0, func(sb *Superblock) {
			sb.SectorSize = 0
		}),
	})
	_, err := New(disk.NewGeneric(bytes.NewReader(img), int64(len(img))))

	require.Error(t, err)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}
