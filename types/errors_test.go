package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorChainFormat(t *testing.T) {
	err := Errorf(ErrCorrupt, "bad node 42")
	err = err.Returned("reading catalog")
	err = err.Returned("opening volume")

	// context prints outermost first
	assert.Equal(t, "corrupt file system: bad node 42 - opening volume - reading catalog", err.Error())
}

func TestErrorDetectedKeepsFirstCode(t *testing.T) {
	err := Errorf(ErrMagic, "no signature")
	err = err.Detected(ErrCorrupt, "header mangled too")

	assert.Equal(t, ErrMagic, err.Code)
	assert.Contains(t, err.Error(), "no signature")
	assert.Contains(t, err.Error(), fmt.Sprintf("0x%x", uint32(ErrCorrupt)))
	assert.Contains(t, err.Error(), "header mangled too")
}

func TestErrorDetectedNilReceiver(t *testing.T) {
	var err *FsError
	err = err.Detected(ErrRead, "short read")

	require.NotNil(t, err)
	assert.Equal(t, ErrRead, err.Code)
}

func TestErrorIs(t *testing.T) {
	err := Errorf(ErrInodeNum, "inode 99 out of range")
	err = err.Returned("istat")

	assert.True(t, errors.Is(err, Errorf(ErrInodeNum, "")))
	assert.False(t, errors.Is(err, Errorf(ErrCorrupt, "")))
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrCode
	}{
		{"classified", Errorf(ErrWalkRange, "start past end"), ErrWalkRange},
		{"wrapped", AppendContext(Errorf(ErrBlockNum, "block 7"), "fsstat"), ErrBlockNum},
		{"foreign", errors.New("plain"), ErrGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestAppendContextForeignError(t *testing.T) {
	err := AppendContext(errors.New("i/o timeout"), "reading superblock")

	assert.Equal(t, ErrAuxGeneric, err.Code)
	assert.Contains(t, err.Error(), "i/o timeout")
	assert.Contains(t, err.Error(), "reading superblock")
}
