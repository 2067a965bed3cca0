package types

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResidentReadAt(t *testing.T) {
	a := NewResident(AttrTypeData, 0, "", []byte("hello, world"))

	p := make([]byte, 5)
	n, err := a.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(p))

	n, err = a.ReadAt(p, 7)
	require.NoError(t, err)
	assert.Equal(t, "world", string(p[:n]))

	_, err = a.ReadAt(p, 100)
	assert.Equal(t, io.EOF, err)

	_, err = a.ReadAt(p, -1)
	assert.Equal(t, ErrArg, CodeOf(err))
}

func TestResidentOwnsCopy(t *testing.T) {
	src := []byte{1, 2, 3}
	a := NewResident(AttrTypeData, 0, "", src)
	src[0] = 0xff

	p := make([]byte, 1)
	_, err := a.ReadAt(p, 0)
	require.NoError(t, err)
	assert.Equal(t, byte(1), p[0])
}

func TestResidentWalkSingleLump(t *testing.T) {
	a := NewResident(AttrTypeData, 0, "", []byte("abc"))

	var calls int
	err := a.Walk(0, func(attr *Attribute, off int64, addr uint64, buf []byte, flags WalkFlag) WalkAction {
		calls++
		assert.Equal(t, int64(0), off)
		assert.Equal(t, uint64(0), addr)
		assert.Equal(t, "abc", string(buf))
		assert.NotZero(t, flags&WalkFlagRes)
		assert.NotZero(t, flags&WalkFlagAlloc)
		return WalkCont
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestResidentWalkAonlySkipsContent(t *testing.T) {
	a := NewResident(AttrTypeData, 0, "", []byte("abc"))

	err := a.Walk(WalkFlagAonly, func(attr *Attribute, off int64, addr uint64, buf []byte, flags WalkFlag) WalkAction {
		assert.Nil(t, buf)
		return WalkCont
	})
	require.NoError(t, err)
}

func TestWalkErrorVerdict(t *testing.T) {
	a := NewResident(AttrTypeData, 0, "", []byte("abc"))

	err := a.Walk(0, func(attr *Attribute, off int64, addr uint64, buf []byte, flags WalkFlag) WalkAction {
		return WalkError
	})
	assert.Equal(t, ErrFileWalk, CodeOf(err))
}

func TestNonResidentWithoutStrategy(t *testing.T) {
	a := NewNonResident(AttrTypeData, 0, "", 4096, 4096, 4096)
	a.AddRun(Run{Offset: 0, Addr: 10, Len: 1})

	_, err := a.ReadAt(make([]byte, 16), 0)
	assert.Equal(t, ErrUnsupported, CodeOf(err))

	err = a.Walk(0, func(attr *Attribute, off int64, addr uint64, buf []byte, flags WalkFlag) WalkAction {
		return WalkCont
	})
	assert.Equal(t, ErrUnsupported, CodeOf(err))
}

func TestAttrListDefault(t *testing.T) {
	var l AttrList
	assert.Nil(t, l.Default())

	dflt := l.Add(NewResident(AttrTypeDefault, 0, "", nil))
	assert.Same(t, dflt, l.Default())

	data := l.Add(NewResident(AttrTypeData, 0, "", nil))
	assert.Same(t, data, l.Default(), "DATA wins over DFLT")
}

func TestAttrListGetTypeID(t *testing.T) {
	var l AttrList
	l.Add(NewResident(AttrTypeXattr, 1, "com.apple.quarantine", nil))
	l.Add(NewResident(AttrTypeXattr, 2, "com.apple.decmpfs", nil))

	a := l.GetTypeID(AttrTypeXattr, 2)
	require.NotNil(t, a)
	assert.Equal(t, "com.apple.decmpfs", a.Name)

	assert.Nil(t, l.GetTypeID(AttrTypeXattr, 3))
	assert.Nil(t, l.GetTypeID(AttrTypeData, 1))

	assert.Equal(t, 2, l.Len())
	assert.Len(t, l.All(), 2)
}
