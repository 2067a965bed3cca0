package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInodeTypeString(t *testing.T) {
	assert.Equal(t, "r", TypeRegular.String())
	assert.Equal(t, "d", TypeDirectory.String())
	assert.Equal(t, "l", TypeSymlink.String())
	assert.Equal(t, "v", TypeVirtual.String())
	assert.Equal(t, "-", TypeUndef.String())
}

func TestDirectoryEntryByName(t *testing.T) {
	var d Directory
	d.AddEntry(DirEntry{Name: "README", Inum: 20, Type: TypeRegular})
	d.AddEntry(DirEntry{Name: "src", Inum: 21, Type: TypeDirectory})

	e := d.EntryByName("src", nil)
	assert.NotNil(t, e)
	assert.Equal(t, uint64(21), e.Inum)

	assert.Nil(t, d.EntryByName("readme", nil), "nil cmp is exact bytes")

	fold := func(a, b string) int { return strings.Compare(strings.ToLower(a), strings.ToLower(b)) }
	e = d.EntryByName("readme", fold)
	assert.NotNil(t, e)
	assert.Equal(t, uint64(20), e.Inum)
}

func TestInodeIsDir(t *testing.T) {
	assert.True(t, (&Inode{Type: TypeDirectory}).IsDir())
	assert.False(t, (&Inode{Type: TypeRegular}).IsDir())

	// virtual inodes without content act as directories (orphan dir)
	virt := &Inode{Type: TypeVirtual}
	assert.True(t, virt.IsDir())
	virt.Attrs.Add(NewResident(AttrTypeData, 0, "", []byte("x")))
	assert.False(t, virt.IsDir())
}
