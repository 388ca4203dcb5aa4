// Package arc is an adaptive replacement cache: two resident lists split
// recency from frequency, two ghost lists remember what was evicted from
// each, and a moving target decides how much of the capacity recency is
// allowed to hold. Values are pulled through the embedder's Ops on a
// miss. List ordering is kept with index handles into an arena instead
// of pointer-linked nodes.
package arc

import (
	"sync"
)

// Ops supplies the cache's backing behavior. Fetch loads the value for a
// key the cache does not hold. Evict runs when a resident value is
// demoted to a ghost list; Destroy runs when an entry leaves the cache
// entirely (removal, ghost expiry, Close) with whatever value it still
// held, nil for ghosts. Callbacks are invoked without the cache lock.
type Ops interface {
	Fetch(key string) ([]byte, error)
	Evict(key string, value []byte)
	Destroy(key string, value []byte)
}

type handle int32

const none handle = -1

// per-entry bookkeeping charged on top of the key and value bytes
const entryOverhead = 64

type listID uint8

const (
	listNone listID = iota
	listMRU
	listMFU
	listMRUGhost
	listMFUGhost
)

type entry struct {
	prev, next handle
	list       listID
	key        string
	value      []byte
	size       int
}

type list struct {
	head, tail handle
	bytes      int
}

type Cache struct {
	mutex    sync.Mutex
	ops      Ops
	capacity int
	target   int

	arena []entry
	free  []handle
	table map[string]handle

	mru, mfu, mrug, mfug list

	needsRebalance bool
	resident       int
}

// victim carries a callback owed to the embedder out of the lock.
type victim struct {
	key   string
	value []byte
}

// outcome accumulates the Evict and Destroy calls a mutation caused.
type outcome struct {
	evicted   []victim
	destroyed []victim
}

// New creates a cache holding at most capacity bytes of resident
// entries, backed by ops.
func New(ops Ops, capacity int) *Cache {
	return &Cache{
		ops:      ops,
		capacity: capacity,
		target:   capacity >> 1,
		table:    make(map[string]handle),
		mru:      list{head: none, tail: none},
		mfu:      list{head: none, tail: none},
		mrug:     list{head: none, tail: none},
		mfug:     list{head: none, tail: none},
	}
}

func (cache *Cache) settle(out *outcome) {
	for _, v := range out.evicted {
		cache.ops.Evict(v.key, v.value)
	}
	for _, v := range out.destroyed {
		cache.ops.Destroy(v.key, v.value)
	}
}

func (cache *Cache) alloc() handle {
	if n := len(cache.free); n > 0 {
		var h = cache.free[n-1]
		cache.free = cache.free[:n-1]
		return h
	}
	cache.arena = append(cache.arena, entry{})
	return handle(len(cache.arena) - 1)
}

func (cache *Cache) release(h handle) {
	cache.arena[h] = entry{}
	cache.free = append(cache.free, h)
}

func (cache *Cache) listOf(id listID) *list {
	switch id {
	case listMRU:
		return &cache.mru
	case listMFU:
		return &cache.mfu
	case listMRUGhost:
		return &cache.mrug
	case listMFUGhost:
		return &cache.mfug
	}
	return nil
}

func (cache *Cache) pushFront(id listID, h handle) {
	var l = cache.listOf(id)
	var e = &cache.arena[h]
	e.list = id
	e.prev = none
	e.next = l.head
	if l.head != none {
		cache.arena[l.head].prev = h
	}
	l.head = h
	if l.tail == none {
		l.tail = h
	}
	l.bytes += e.size
}

func (cache *Cache) unlink(h handle) {
	var e = &cache.arena[h]
	var l = cache.listOf(e.list)
	if l == nil {
		return
	}
	if e.prev != none {
		cache.arena[e.prev].next = e.next
	} else {
		l.head = e.next
	}
	if e.next != none {
		cache.arena[e.next].prev = e.prev
	} else {
		l.tail = e.prev
	}
	l.bytes -= e.size
	e.prev, e.next = none, none
	e.list = listNone
}

func entrySize(key string, value []byte) int {
	return entryOverhead + len(key) + len(value)
}

// Lookup returns the value for a key, promoting a resident hit to the
// frequency list and fetching through Ops on a miss. A key remembered by
// a ghost list re-enters through the frequency side and moves the
// recency target toward the ghost that saw the hit.
func (cache *Cache) Lookup(key string) ([]byte, error) {
	cache.mutex.Lock()
	if h, present := cache.table[key]; present {
		var e = &cache.arena[h]
		if e.list == listMRU || e.list == listMFU {
			// any repeat access is frequency
			cache.unlink(h)
			cache.pushFront(listMFU, h)
			var value = e.value
			var out outcome
			cache.rebalance(&out)
			cache.mutex.Unlock()
			cache.settle(&out)
			return value, nil
		}
	}
	cache.mutex.Unlock()
	value, reason := cache.ops.Fetch(key)
	if reason != nil {
		return nil, reason
	}
	cache.Put(key, value)
	return value, nil
}

// Put stores a value directly, the write-through half of Lookup. Commit
// handlers use it so a mutation lands in cache without a fetch cycle.
func (cache *Cache) Put(key string, value []byte) {
	var out outcome
	cache.mutex.Lock()
	cache.store(key, value, entrySize(key, value), &out)
	cache.mutex.Unlock()
	cache.settle(&out)
}

func (cache *Cache) store(key string, value []byte, size int, out *outcome) {
	h, present := cache.table[key]
	if present {
		var e = &cache.arena[h]
		switch e.list {
		case listMRU, listMFU:
			cache.unlink(h)
		case listMRUGhost:
			cache.adjustTargetUp()
			cache.unlink(h)
			cache.resident++
		case listMFUGhost:
			cache.adjustTargetDown()
			cache.unlink(h)
			cache.resident++
		}
		e.value = value
		e.size = size
		cache.pushFront(listMFU, h)
		cache.needsRebalance = true
		cache.rebalance(out)
		return
	}
	h = cache.alloc()
	cache.arena[h] = entry{prev: none, next: none, key: key, value: value, size: size}
	cache.table[key] = h
	cache.pushFront(listMRU, h)
	cache.resident++
	cache.needsRebalance = true
	cache.rebalance(out)
}

// UpdateSize corrects the bytes charged to a resident key, for embedders
// whose values change weight after the fact (an async fill completing).
// The lists settle on the next access.
func (cache *Cache) UpdateSize(key string, size int) {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	h, present := cache.table[key]
	if !present {
		return
	}
	var e = &cache.arena[h]
	if e.list != listMRU && e.list != listMFU {
		return
	}
	var l = cache.listOf(e.list)
	l.bytes -= e.size
	e.size = entryOverhead + len(key) + size
	l.bytes += e.size
	cache.needsRebalance = true
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (cache *Cache) adjustTargetUp() {
	var step = cache.mfug.bytes >> 1
	if cache.mrug.bytes > 0 {
		step = cache.mfug.bytes / cache.mrug.bytes
	}
	cache.target = minInt(cache.capacity, cache.target+maxInt(step, 1))
}

func (cache *Cache) adjustTargetDown() {
	var step = cache.mrug.bytes >> 1
	if cache.mfug.bytes > 0 {
		step = cache.mrug.bytes / cache.mfug.bytes
	}
	cache.target = maxInt(0, cache.target-maxInt(step, 1))
}

// rebalance demotes resident tails to their ghost lists until the
// resident bytes fit, then trims the ghost lists to the capacity. It
// only runs when something changed the accounting.
func (cache *Cache) rebalance(out *outcome) {
	if !cache.needsRebalance {
		return
	}
	for cache.mru.bytes+cache.mfu.bytes > cache.capacity {
		if cache.mru.bytes > cache.target && cache.mru.tail != none {
			cache.demote(cache.mru.tail, listMRUGhost, out)
		} else if cache.mfu.tail != none {
			cache.demote(cache.mfu.tail, listMFUGhost, out)
		} else {
			break
		}
	}
	for cache.mrug.bytes+cache.mfug.bytes > cache.capacity {
		if cache.mfug.bytes > cache.target && cache.mfug.tail != none {
			cache.drop(cache.mfug.tail, out)
		} else if cache.mrug.tail != none {
			cache.drop(cache.mrug.tail, out)
		} else {
			break
		}
	}
	cache.needsRebalance = false
}

func (cache *Cache) demote(h handle, ghost listID, out *outcome) {
	var e = &cache.arena[h]
	out.evicted = append(out.evicted, victim{key: e.key, value: e.value})
	cache.unlink(h)
	e.value = nil
	cache.pushFront(ghost, h)
	cache.resident--
}

func (cache *Cache) drop(h handle, out *outcome) {
	var e = &cache.arena[h]
	out.destroyed = append(out.destroyed, victim{key: e.key, value: e.value})
	cache.unlink(h)
	delete(cache.table, e.key)
	cache.release(h)
}

// Remove forgets a key entirely, resident or ghost.
func (cache *Cache) Remove(key string) {
	var out outcome
	cache.mutex.Lock()
	h, present := cache.table[key]
	if !present {
		cache.mutex.Unlock()
		return
	}
	if e := &cache.arena[h]; e.list == listMRU || e.list == listMFU {
		cache.resident--
	}
	cache.drop(h, &out)
	cache.mutex.Unlock()
	cache.settle(&out)
}

// Close empties the cache, running Destroy for every remaining entry.
func (cache *Cache) Close() {
	var out outcome
	cache.mutex.Lock()
	for key := range cache.table {
		var h = cache.table[key]
		if e := &cache.arena[h]; e.list == listMRU || e.list == listMFU {
			cache.resident--
		}
		cache.drop(h, &out)
	}
	cache.mutex.Unlock()
	cache.settle(&out)
}

// Size is the resident byte count.
func (cache *Cache) Size() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.mru.bytes + cache.mfu.bytes
}

// Len is the number of resident entries.
func (cache *Cache) Len() int {
	cache.mutex.Lock()
	defer cache.mutex.Unlock()
	return cache.resident
}
