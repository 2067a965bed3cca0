package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeCacheGetPut(t *testing.T) {
	c, err := NewNodeCache(4)
	require.NoError(t, err)

	key := NodeKey{Tree: 4, Addr: 100}
	node := []byte{0xde, 0xad, 0xbe, 0xef}

	c.Lock()
	dst := make([]byte, len(node))
	assert.False(t, c.Get(key, dst))

	c.Put(key, node)
	require.True(t, c.Get(key, dst))
	c.Unlock()

	assert.Equal(t, node, dst)
}

func TestNodeCacheCopySemantics(t *testing.T) {
	c, err := NewNodeCache(4)
	require.NoError(t, err)

	key := NodeKey{Tree: 1, Addr: 1}
	src := []byte{1, 2, 3, 4}

	c.Lock()
	c.Put(key, src)
	c.Unlock()

	// mutating the caller's buffer must not reach the cached copy
	src[0] = 0xff

	c.Lock()
	dst := make([]byte, 4)
	require.True(t, c.Get(key, dst))
	c.Unlock()

	assert.Equal(t, byte(1), dst[0])
}

func TestNodeCacheTreesDoNotCollide(t *testing.T) {
	c, err := NewNodeCache(4)
	require.NoError(t, err)

	c.Lock()
	c.Put(NodeKey{Tree: 4, Addr: 7}, []byte{0xaa})
	c.Put(NodeKey{Tree: 8, Addr: 7}, []byte{0xbb})

	dst := make([]byte, 1)
	require.True(t, c.Get(NodeKey{Tree: 4, Addr: 7}, dst))
	assert.Equal(t, byte(0xaa), dst[0])
	require.True(t, c.Get(NodeKey{Tree: 8, Addr: 7}, dst))
	assert.Equal(t, byte(0xbb), dst[0])
	c.Unlock()
}

func TestNodeCacheEviction(t *testing.T) {
	c, err := NewNodeCache(2)
	require.NoError(t, err)

	c.Lock()
	c.Put(NodeKey{Addr: 1}, []byte{1})
	c.Put(NodeKey{Addr: 2}, []byte{2})
	c.Put(NodeKey{Addr: 3}, []byte{3})

	dst := make([]byte, 1)
	assert.False(t, c.Get(NodeKey{Addr: 1}, dst), "oldest node should be evicted")
	assert.True(t, c.Get(NodeKey{Addr: 2}, dst))
	assert.True(t, c.Get(NodeKey{Addr: 3}, dst))
	c.Unlock()

	assert.Equal(t, 2, c.Len())
}

func TestNodeCachePurge(t *testing.T) {
	c, err := NewNodeCache(4)
	require.NoError(t, err)

	c.Lock()
	c.Put(NodeKey{Addr: 1}, []byte{1})
	c.Put(NodeKey{Addr: 2}, []byte{2})
	c.Unlock()

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestNodeCacheDefaultSize(t *testing.T) {
	c, err := NewNodeCache(0)
	require.NoError(t, err)
	assert.NotNil(t, c)
}
