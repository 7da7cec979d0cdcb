// Package chunkcache implements a byte-bounded LRU cache of
// unacknowledged chunk payloads, used by the Sender to retransmit on
// timeout without re-reading the source file (spec.md §4.E).
package chunkcache

import (
	"container/list"
	"sync"
)

const defaultCapacityBytes = 64 * 1024 * 1024

type entry struct {
	index uint32
	data  []byte
}

// Cache is a least-recently-used map of index -> bytes, bounded by total
// byte capacity rather than entry count.
type Cache struct {
	mu         sync.Mutex
	capacity   int64
	used       int64
	order      *list.List // front = most recently used
	elements   map[uint32]*list.Element
	evictFails int
}

// New constructs a Cache with the given byte capacity; capacityBytes<=0
// falls back to the spec's 64 MiB default.
func New(capacityBytes int64) *Cache {
	if capacityBytes <= 0 {
		capacityBytes = defaultCapacityBytes
	}
	return &Cache{
		capacity: capacityBytes,
		order:    list.New(),
		elements: make(map[uint32]*list.Element),
	}
}

// Put inserts or refreshes the payload for index, evicting least-recently
// used entries as needed to stay within capacity. If even the lone new
// entry exceeds capacity, it is still stored (capacity is a soft budget on
// retransmit-latency, not a hard per-chunk limit in this implementation).
func (c *Cache) Put(index uint32, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[index]; ok {
		c.used -= int64(len(el.Value.(*entry).data))
		el.Value.(*entry).data = data
		c.used += int64(len(data))
		c.order.MoveToFront(el)
		c.evictToFit()
		return
	}

	el := c.order.PushFront(&entry{index: index, data: data})
	c.elements[index] = el
	c.used += int64(len(data))
	c.evictToFit()
}

// evictToFit must be called with mu held.
func (c *Cache) evictToFit() {
	for c.used > c.capacity && c.order.Len() > 1 {
		back := c.order.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry)
		c.order.Remove(back)
		delete(c.elements, e.index)
		c.used -= int64(len(e.data))
		c.evictFails++
	}
}

// Get returns the cached payload for index and whether it was present,
// refreshing its recency.
func (c *Cache) Get(index uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.elements[index]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*entry).data, true
}

// Evict removes index from the cache, called once its ACK is observed.
func (c *Cache) Evict(index uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictLocked(index)
}

func (c *Cache) evictLocked(index uint32) {
	el, ok := c.elements[index]
	if !ok {
		return
	}
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.elements, index)
	c.used -= int64(len(e.data))
}

// Len returns the number of entries currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// UsedBytes returns the current byte footprint of cached payloads.
func (c *Cache) UsedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Clear drops every cached entry, used on cancel.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.elements = make(map[uint32]*list.Element)
	c.used = 0
}

// EvictionFallbacks returns how many times a full cache forced eviction
// of an entry whose own ACK had not yet arrived, i.e. how many times a
// retransmit for that index will have to fall back to re-reading the
// source file.
func (c *Cache) EvictionFallbacks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictFails
}
