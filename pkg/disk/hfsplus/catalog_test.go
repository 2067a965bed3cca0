package hfsplus

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-fskit/pkg/disk"
	"github.com/blacktop/go-fskit/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// catKeyBytes lays out an on-disk catalog key with its length prefix.
func catKeyBytes(parent CatalogNodeID, name string) []byte {
	units := utf8ToUni(name)
	key := make([]byte, 8+2*len(units))
	binary.BigEndian.PutUint16(key[0:], uint16(6+2*len(units)))
	binary.BigEndian.PutUint32(key[2:], uint32(parent))
	binary.BigEndian.PutUint16(key[6:], uint16(len(units)))
	for i, u := range units {
		binary.BigEndian.PutUint16(key[8+2*i:], u)
	}
	return key
}

func TestParseCatalogKey(t *testing.T) {
	ck, err := parseCatalogKey(catKeyBytes(2, "Applications"))
	require.NoError(t, err)
	assert.Equal(t, CatalogNodeID(2), ck.ParentID)
	assert.Equal(t, uint16(12), ck.NodeName.Length)
	assert.Equal(t, utf8ToUni("Applications"), ck.NodeName.UniChar)

	_, err = parseCatalogKey([]byte{0, 6, 0, 0})
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))

	// name length runs past the key bytes
	bad := catKeyBytes(2, "ab")
	binary.BigEndian.PutUint16(bad[6:], 200)
	_, err = parseCatalogKey(bad)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}

func TestCompareUniNames(t *testing.T) {
	tests := []struct {
		name          string
		a, b          string
		caseSensitive bool
		want          int
	}{
		{"equal", "readme", "readme", true, 0},
		{"less", "abc", "abd", true, -1},
		{"greater", "abd", "abc", true, 1},
		{"prefix sorts first", "abc", "abcd", true, -1},
		{"fold matches", "README", "readme", false, 0},
		{"fold still orders", "APPLE", "banana", false, -1},
		{"sensitive sees case", "README", "readme", true, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareUniNames(utf8ToUni(tt.a), utf8ToUni(tt.b), tt.caseSensitive)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompareCatalogKey(t *testing.T) {
	fs := &HFSPlus{caseSensitive: false}

	c, err := fs.compareCatalogKey(catKeyBytes(16, "File.txt"), 16, utf8ToUni("file.TXT"))
	require.NoError(t, err)
	assert.Equal(t, 0, c)

	c, err = fs.compareCatalogKey(catKeyBytes(15, "zzz"), 16, nil)
	require.NoError(t, err)
	assert.Equal(t, -1, c, "parent ID dominates the name")

	c, err = fs.compareCatalogKey(catKeyBytes(17, ""), 16, utf8ToUni("zzz"))
	require.NoError(t, err)
	assert.Equal(t, 1, c)
}

func TestParseThreadRecord(t *testing.T) {
	units := utf8ToUni("Macintosh HD")
	data := make([]byte, 10+2*len(units))
	binary.BigEndian.PutUint16(data[0:], uint16(HFSPlusFolderThreadRecord))
	binary.BigEndian.PutUint32(data[4:], 1)
	binary.BigEndian.PutUint16(data[8:], uint16(len(units)))
	for i, u := range units {
		binary.BigEndian.PutUint16(data[10+2*i:], u)
	}

	th, err := parseThreadRecord(data)
	require.NoError(t, err)
	assert.Equal(t, HFSPlusFolderThreadRecord, th.RecordType)
	assert.Equal(t, CatalogNodeID(1), th.ParentID)
	assert.Equal(t, units, th.NodeName.UniChar)

	_, err = parseThreadRecord(data[:6])
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}

func TestParseCatalogRecordUnknownType(t *testing.T) {
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, 0x7fff)
	_, err := parseCatalogRecord(&CatalogKey{}, data)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))

	_, err = parseCatalogRecord(&CatalogKey{}, []byte{1})
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}

func TestCatalogEntryCnid(t *testing.T) {
	assert.Equal(t, CatalogNodeID(21), (&catalogEntry{folder: &CatalogFolder{FolderID: 21}}).cnid())
	assert.Equal(t, CatalogNodeID(33), (&catalogEntry{file: &CatalogFile{FileID: 33}}).cnid())
	assert.Equal(t, CatalogNodeID(0), (&catalogEntry{}).cnid())
}

func TestHardLinkSentinels(t *testing.T) {
	crtime := hfsTime(3600001234)
	fs := &HFSPlus{
		metaDirID:     18,
		metaCrtime:    crtime.Time(),
		metaDirDirID:  19,
		metaDirCrtime: crtime.Time(),
	}

	link := &CatalogFile{
		CreateDate: crtime,
		UserInfo: FileInfo{
			FileType:    HardLinkFileType,
			FileCreator: HardLinkFileCreator,
		},
	}
	assert.True(t, fs.isFileHardLink(link))

	// same finder codes, wrong create date: a plain file, not a link
	impostor := *link
	impostor.CreateDate = crtime + 1
	assert.False(t, fs.isFileHardLink(&impostor))

	dirLink := &CatalogFile{
		CreateDate: crtime,
		UserInfo: FileInfo{
			FileType:    HardLinkDirType,
			FileCreator: HardLinkDirCreator,
		},
	}
	assert.True(t, fs.isDirHardLink(dirLink))
	assert.False(t, fs.isFileHardLink(dirLink))

	// a volume without private dirs has no hard links
	bare := &HFSPlus{}
	assert.False(t, bare.isFileHardLink(link))
	assert.False(t, bare.isDirHardLink(dirLink))
}

func TestHardLinkSentinelRootCrtime(t *testing.T) {
	rootDate := hfsTime(3500000000)
	storeDate := hfsTime(3600000000)
	fs := &HFSPlus{
		metaDirID:  18,
		metaCrtime: storeDate.Time(),
		rootCrtime: rootDate.Time(),
	}

	// sentinels stamped with the volume root's create date also resolve
	link := &CatalogFile{
		CreateDate: rootDate,
		UserInfo: FileInfo{
			FileType:    HardLinkFileType,
			FileCreator: HardLinkFileCreator,
		},
	}
	assert.True(t, fs.isFileHardLink(link))

	impostor := *link
	impostor.CreateDate = rootDate + 1
	assert.False(t, fs.isFileHardLink(&impostor))
}

// emptyCatalogFS builds a volume whose catalog is a single empty leaf,
// enough for lookups to come back not-found.
func emptyCatalogFS(t *testing.T) *HFSPlus {
	t.Helper()

	img := make([]byte, 1024)
	leafKind := BTLeafNodeKind
	img[512+8] = byte(leafKind) // node 1: leaf, no records

	cache, err := types.NewNodeCache(types.DefaultNodeCacheSize)
	require.NoError(t, err)
	fs := &HFSPlus{
		dev:       disk.NewGeneric(bytes.NewReader(img), int64(len(img))),
		blockSize: 512,
		cache:     cache,
	}
	fs.catalog = &btree{
		fs:   fs,
		cnid: HFSCatalogFileID,
		fork: &forkReader{fs: fs, size: 1024,
			extents: []ExtentDescriptor{{StartBlock: 0, BlockCount: 2}}},
		hdr:      BTHeaderRec{TreeDepth: 1, RootNode: 1, TotalNodes: 2, MaxKeyLength: 516},
		nodeSize: 512,
	}
	return fs
}

func TestFollowHardLinkBrokenTarget(t *testing.T) {
	fs := emptyCatalogFS(t)
	crtime := hfsTime(3600001234)
	fs.metaDirID = 18
	fs.metaCrtime = crtime.Time()

	sentinel := &catalogEntry{
		key: &CatalogKey{ParentID: 2},
		file: &CatalogFile{
			FileID:     40,
			CreateDate: crtime,
			UserInfo: FileInfo{
				FileType:    HardLinkFileType,
				FileCreator: HardLinkFileCreator,
			},
		},
	}
	_, err := fs.followHardLink(sentinel)
	require.Error(t, err, "a sentinel without its iNode target is a failed lookup")
	assert.Equal(t, types.ErrInodeNum, types.CodeOf(err))

	// a plain file passes through untouched
	plain := &catalogEntry{file: &CatalogFile{FileID: 41, CreateDate: crtime}}
	got, err := fs.followHardLink(plain)
	require.NoError(t, err)
	assert.Same(t, plain, got)
}
