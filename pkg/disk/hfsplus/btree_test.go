package hfsplus

import (
	"encoding/binary"
	"testing"

	"github.com/blacktop/go-fskit/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildIndexNode lays out a node with one index record: a 6-byte key
// followed by a child pointer, offset slot at the node's tail.
func buildIndexNode(nodeSize int, keyLen int, child uint32) []byte {
	node := make([]byte, nodeSize)
	node[8] = byte(BTIndexNodeKind)
	binary.BigEndian.PutUint16(node[10:], 1) // NumRecords

	recOff := btNodeDescriptorSize
	binary.BigEndian.PutUint16(node[recOff:], uint16(keyLen))
	for i := 0; i < keyLen; i++ {
		node[recOff+2+i] = byte('a' + i)
	}
	binary.BigEndian.PutUint32(node[recOff+2+keyLen:], child)

	binary.BigEndian.PutUint16(node[nodeSize-2:], uint16(recOff))
	return node
}

func TestParseNodeDescriptor(t *testing.T) {
	node := buildIndexNode(512, 6, 99)
	desc, err := parseNodeDescriptor(node)
	require.NoError(t, err)
	assert.Equal(t, BTIndexNodeKind, desc.Kind)
	assert.Equal(t, uint16(1), desc.NumRecords)
}

func TestRecordKeySlicing(t *testing.T) {
	b := &btree{
		cnid:     HFSCatalogFileID,
		nodeSize: 512,
		hdr:      BTHeaderRec{MaxKeyLength: 10, Attributes: BTVariableIndexKeys},
	}
	node := buildIndexNode(512, 6, 0xdeadbeef)

	key, recOff, err := b.recordKey(node, 0)
	require.NoError(t, err)
	assert.Equal(t, btNodeDescriptorSize, recOff)
	assert.Equal(t, 8, len(key), "key bytes include the length prefix")
	assert.Equal(t, uint16(6), binary.BigEndian.Uint16(key))
	assert.Equal(t, []byte("abcdef"), key[2:])
}

func TestRecordKeyBounds(t *testing.T) {
	b := &btree{
		cnid:     HFSCatalogFileID,
		nodeSize: 512,
		hdr:      BTHeaderRec{MaxKeyLength: 4},
	}

	// key longer than the tree's max
	node := buildIndexNode(512, 6, 1)
	_, _, err := b.recordKey(node, 0)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))

	// offset slot pointing outside the node
	node = buildIndexNode(512, 4, 1)
	binary.BigEndian.PutUint16(node[510:], 600)
	_, _, err = b.recordKey(node, 0)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))

	// record index whose offset slot would underrun the descriptor
	_, _, err = b.recordKey(node, 300)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}

func TestChildPointer(t *testing.T) {
	node := buildIndexNode(512, 6, 0xcafebabe)

	// variable index keys: the pointer follows the actual key
	b := &btree{nodeSize: 512, hdr: BTHeaderRec{MaxKeyLength: 10, Attributes: BTVariableIndexKeys}}
	ptr, err := b.childPointer(node, btNodeDescriptorSize, 6)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafebabe), ptr)

	// fixed index keys: every key is padded to MaxKeyLength
	fixed := make([]byte, 512)
	recOff := btNodeDescriptorSize
	binary.BigEndian.PutUint16(fixed[recOff:], 6)
	binary.BigEndian.PutUint32(fixed[recOff+2+10:], 0x11223344)
	b = &btree{nodeSize: 512, hdr: BTHeaderRec{MaxKeyLength: 10}}
	ptr, err = b.childPointer(fixed, recOff, 6)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x11223344), ptr)

	// pointer would run off the node
	b = &btree{nodeSize: 32, hdr: BTHeaderRec{MaxKeyLength: 30}}
	_, err = b.childPointer(fixed[:32], recOff, 6)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}

func TestParseExtentsKey(t *testing.T) {
	key := make([]byte, 12)
	binary.BigEndian.PutUint16(key[0:], 10)
	key[2] = ForkTypeRsrc
	binary.BigEndian.PutUint32(key[4:], 1234)
	binary.BigEndian.PutUint32(key[8:], 5678)

	ek, err := parseExtentsKey(key)
	require.NoError(t, err)
	assert.Equal(t, ForkTypeRsrc, ek.ForkType)
	assert.Equal(t, CatalogNodeID(1234), ek.FileID)
	assert.Equal(t, uint32(5678), ek.StartBlock)

	_, err = parseExtentsKey(key[:8])
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}

func TestCompareExtentsKey(t *testing.T) {
	ek := &ExtentsKey{ForkType: ForkTypeData, FileID: 100, StartBlock: 8}

	assert.Equal(t, 0, compareExtentsKey(ek, 100, ForkTypeData, 8))
	assert.Equal(t, -1, compareExtentsKey(ek, 101, ForkTypeData, 0), "file ID dominates")
	assert.Equal(t, 1, compareExtentsKey(ek, 99, ForkTypeRsrc, 99))
	assert.Equal(t, -1, compareExtentsKey(ek, 100, ForkTypeRsrc, 0), "fork type before start block")
	assert.Equal(t, 1, compareExtentsKey(ek, 100, ForkTypeData, 7))
	assert.Equal(t, -1, compareExtentsKey(ek, 100, ForkTypeData, 9))
}

func attrKeyBytes(fileID CatalogNodeID, name string, startBlock uint32) []byte {
	units := utf8ToUni(name)
	key := make([]byte, 14+2*len(units))
	binary.BigEndian.PutUint16(key[0:], uint16(12+2*len(units)))
	binary.BigEndian.PutUint32(key[4:], uint32(fileID))
	binary.BigEndian.PutUint32(key[8:], startBlock)
	binary.BigEndian.PutUint16(key[12:], uint16(len(units)))
	for i, u := range units {
		binary.BigEndian.PutUint16(key[14+2*i:], u)
	}
	return key
}

func TestParseAttributesKey(t *testing.T) {
	ak, err := parseAttributesKey(attrKeyBytes(42, "com.apple.decmpfs", 0))
	require.NoError(t, err)
	assert.Equal(t, CatalogNodeID(42), ak.FileID)
	assert.Equal(t, uint32(0), ak.StartBlock)
	assert.Equal(t, utf8ToUni("com.apple.decmpfs"), ak.Name.UniChar)

	_, err = parseAttributesKey(make([]byte, 8))
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))

	bad := attrKeyBytes(42, "x", 0)
	binary.BigEndian.PutUint16(bad[12:], attrMaxNameLen+1)
	_, err = parseAttributesKey(bad)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}

func TestCompareAttributesKeyCaseSensitive(t *testing.T) {
	ak, err := parseAttributesKey(attrKeyBytes(42, "com.apple.TextEncoding", 0))
	require.NoError(t, err)

	// attribute names never fold, even on case-insensitive volumes
	assert.Equal(t, 0, compareAttributesKey(ak, 42, utf8ToUni("com.apple.TextEncoding"), 0))
	assert.NotEqual(t, 0, compareAttributesKey(ak, 42, utf8ToUni("com.apple.textencoding"), 0))
	assert.Equal(t, -1, compareAttributesKey(ak, 43, nil, 0))
}

func TestInlineAttrData(t *testing.T) {
	rec := make([]byte, 16+5)
	binary.BigEndian.PutUint32(rec[0:], AttrRecordInlineData)
	binary.BigEndian.PutUint32(rec[12:], 5)
	copy(rec[16:], "value")

	data, recType, err := inlineAttrData(rec)
	require.NoError(t, err)
	assert.Equal(t, uint32(AttrRecordInlineData), recType)
	assert.Equal(t, []byte("value"), data)

	// fork-based records are reported, not decoded
	fork := make([]byte, 16)
	binary.BigEndian.PutUint32(fork[0:], AttrRecordForkData)
	data, recType, err = inlineAttrData(fork)
	require.NoError(t, err)
	assert.Nil(t, data)
	assert.Equal(t, uint32(AttrRecordForkData), recType)

	// declared size outside the record
	binary.BigEndian.PutUint32(rec[12:], 500)
	_, _, err = inlineAttrData(rec)
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))

	_, _, err = inlineAttrData([]byte{0})
	assert.Equal(t, types.ErrCorrupt, types.CodeOf(err))
}
