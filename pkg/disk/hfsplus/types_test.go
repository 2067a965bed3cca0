package hfsplus

import (
	"testing"
	"time"

	"github.com/blacktop/go-fskit/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHFSTimeEpoch(t *testing.T) {
	assert.Equal(t, time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), hfsTime(hfsEpochOffset).Time())
	assert.Equal(t, time.Date(1904, 1, 1, 0, 0, 0, 0, time.UTC), hfsTime(0).Time())
	assert.Equal(t, "-", hfsTime(0).String())
}

func TestUniToUTF8(t *testing.T) {
	tests := []struct {
		name         string
		units        []uint16
		replaceSlash bool
		want         string
		wantErr      bool
	}{
		{"plain", []uint16{'a', 'b', 'c'}, false, "abc", false},
		{"nul becomes caret", []uint16{'a', 0, 'b'}, false, "a^b", false},
		{"slash becomes colon", []uint16{'a', '/', 'b'}, true, "a:b", false},
		{"slash kept for lookups", []uint16{'a', '/', 'b'}, false, "a/b", false},
		{"surrogate pair", []uint16{0xD83D, 0xDE00}, false, "\U0001F600", false},
		{"lone surrogate", []uint16{0xD800}, false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := uniToUTF8(tt.units, tt.replaceSlash)
			if tt.wantErr {
				assert.Equal(t, types.ErrUnicode, types.CodeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUtf8ToUniRoundTrip(t *testing.T) {
	units := utf8ToUni("Fälle")
	got, err := uniToUTF8(units, false)
	require.NoError(t, err)
	assert.Equal(t, "Fälle", got)
}

func TestWrapperEmbeddedOffset(t *testing.T) {
	mdb := &WrapperMDB{
		DrAlBlSt:        100,
		DrAlBlkSiz:      8192,
		DrEmbedStartBlk: 12,
	}
	assert.Equal(t, int64(100*512+8192*12), mdb.EmbeddedOffset())
}

func TestFourCharCode(t *testing.T) {
	assert.Equal(t, "hlnk", HardLinkFileType.String())
	assert.Equal(t, "hfs+", HardLinkFileCreator.String())
	assert.Equal(t, "fdrp", HardLinkDirType.String())
	assert.Equal(t, "MACS", HardLinkDirCreator.String())
}

func TestForkDataHasContent(t *testing.T) {
	var fork ForkData
	assert.False(t, fork.HasContent())
	fork.Extents[0] = ExtentDescriptor{StartBlock: 10, BlockCount: 4}
	assert.True(t, fork.HasContent())
}

func TestInodeTypeFromMode(t *testing.T) {
	tests := []struct {
		mode uint16
		want types.InodeType
	}{
		{modeReg | 0644, types.TypeRegular},
		{modeDir | 0755, types.TypeDirectory},
		{modeLnk | 0777, types.TypeSymlink},
		{modeChr | 0600, types.TypeCharDevice},
		{modeBlk | 0600, types.TypeBlockDevice},
		{modeFifo, types.TypeFifo},
		{modeSock, types.TypeSocket},
		{modeWht, types.TypeWhiteout},
		{0, types.TypeUndef},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inodeTypeFromMode(tt.mode), "mode %o", tt.mode)
	}
}

func TestVolumeAttributes(t *testing.T) {
	attr := hfsAttributes(1<<HFSVolumeUnmountedBit | 1<<HFSVolumeJournaledBit)
	assert.True(t, attr.Has(HFSVolumeUnmountedBit))
	assert.False(t, attr.Has(HFSCatalogNodeIDsReusedBit))
	assert.Equal(t, "Unmounted, Journaled", attr.String())
	assert.Equal(t, "None", hfsAttributes(0).String())
}

func TestSignatureString(t *testing.T) {
	assert.Equal(t, "H+", (&VolumeHeader{Signature: HFSPlusSigWord}).SignatureString())
	assert.Equal(t, "HX", (&VolumeHeader{Signature: HFSXSigWord}).SignatureString())
	assert.Equal(t, "BD", (&VolumeHeader{Signature: HFSWrapperSigWord}).SignatureString())
}
