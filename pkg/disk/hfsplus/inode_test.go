package hfsplus

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-fskit/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decmpfsHeader lays out a com.apple.decmpfs value for one method.
func decmpfsHeader(t *testing.T, method uint32, uncSize uint64) *types.DecmpfsDiskHeader {
	t.Helper()
	raw := make([]byte, 16)
	copy(raw, types.DECMPFS_MAGIC)
	binary.LittleEndian.PutUint32(raw[4:], method)
	binary.LittleEndian.PutUint64(raw[8:], uncSize)
	hdr, err := types.GetDecmpfsHeader(raw)
	require.NoError(t, err)
	return hdr
}

func TestInstallCompressedAttrEmptyResourceFork(t *testing.T) {
	// type 4/8 with nothing in the resource fork: the inode still opens,
	// its content reads as empty
	for _, method := range []uint32{4, 8} {
		fs := &HFSPlus{blockSize: 4096}
		in := &types.Inode{Addr: 42}
		f := &CatalogFile{FileID: 42}

		done, err := fs.installCompressedAttr(in, f, decmpfsHeader(t, method, 1234))
		require.NoError(t, err)
		assert.True(t, done)
		assert.NotZero(t, in.Flags&types.MetaComp)
		assert.EqualValues(t, 1234, in.Size)

		data := in.Attrs.Default()
		require.NotNil(t, data)
		assert.Zero(t, data.Size)
	}
}

func TestInstallCompressedAttrZeroSize(t *testing.T) {
	fs := &HFSPlus{blockSize: 4096}
	in := &types.Inode{Addr: 7}
	f := &CatalogFile{FileID: 7}

	done, err := fs.installCompressedAttr(in, f, decmpfsHeader(t, 4, 0))
	require.NoError(t, err)
	assert.True(t, done)
	require.NotNil(t, in.Attrs.Default())
	assert.Zero(t, in.Size)
}
