package types

import (
	"sync"

	"github.com/apex/log"
	lru "github.com/hashicorp/golang-lru"
)

// DefaultNodeCacheSize bounds the number of tree nodes kept in memory.
const DefaultNodeCacheSize = 50

// NodeKey identifies one cached tree node. Tree distinguishes the B-trees
// of one volume so their address spaces cannot collide.
type NodeKey struct {
	Tree uint64
	Addr uint64
}

// NodeCache is a bounded LRU of fixed-size tree-node buffers. Get and Put
// around a miss must run under one Lock acquisition so two goroutines
// filling the same node cannot each install a copy.
type NodeCache struct {
	mu  sync.Mutex
	lru *lru.Cache
}

// NewNodeCache builds a cache holding at most size node buffers.
func NewNodeCache(size int) (*NodeCache, error) {
	if size <= 0 {
		size = DefaultNodeCacheSize
	}
	c, err := lru.NewWithEvict(size, func(key, _ interface{}) {
		log.WithFields(log.Fields{
			"tree": key.(NodeKey).Tree,
			"addr": key.(NodeKey).Addr,
		}).Debug("evicting tree node")
	})
	if err != nil {
		return nil, err
	}
	return &NodeCache{lru: c}, nil
}

// Lock takes the cache mutex for a get/fill/put sequence.
func (c *NodeCache) Lock() { c.mu.Lock() }

// Unlock releases the cache mutex.
func (c *NodeCache) Unlock() { c.mu.Unlock() }

// Get copies the cached node into dst and promotes it to most recent.
// It reports whether the node was present. Caller holds the lock.
func (c *NodeCache) Get(key NodeKey, dst []byte) bool {
	v, ok := c.lru.Get(key)
	if !ok {
		return false
	}
	copy(dst, v.([]byte))
	return true
}

// Put installs a copy of src under key, evicting the least recent node if
// the cache is full. Caller holds the lock.
func (c *NodeCache) Put(key NodeKey, src []byte) {
	buf := make([]byte, len(src))
	copy(buf, src)
	c.lru.Add(key, buf)
}

// Purge drops every cached node.
func (c *NodeCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// Len reports the number of cached nodes.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
