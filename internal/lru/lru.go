package lru

import (
	"container/list"
	"sync"
)

// lruShard evicts least recently used blobs once maxBytes would be exceeded.
type lruShard struct {
	mu         sync.Mutex
	totalBytes uint64
	maxBytes   uint64
	evictList  *list.List
	elems      map[string]*list.Element
	onEvict    OnEvict
}

func newLruShard(maxBytes uint64, onEvict OnEvict) *lruShard {
	return &lruShard{
		maxBytes:  maxBytes,
		evictList: list.New(),
		elems:     make(map[string]*list.Element),
		onEvict:   onEvict,
	}
}

type item struct {
	key   string
	value []byte
}

func (ls *lruShard) get(key string) ([]byte, bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	elem, ok := ls.elems[key]
	if !ok {
		return nil, false
	}

	ls.evictList.MoveToFront(elem)
	return elem.Value.(*item).value, true
}

// add stores value under key and reports whether anything was evicted.
// A value larger than the shard is not stored at all.
func (ls *lruShard) add(key string, value []byte) (added, evicted bool) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	size := uint64(len(value))
	if size > ls.maxBytes {
		if elem, ok := ls.elems[key]; ok {
			ls.removeElementUnderLock(elem)
		}
		return false, false
	}

	if elem, ok := ls.elems[key]; ok {
		ls.totalBytes -= uint64(len(elem.Value.(*item).value))
		elem.Value.(*item).value = value
		ls.totalBytes += size
		ls.evictList.MoveToFront(elem)
		return false, ls.shrinkUnderLock(elem)
	}

	elem := ls.evictList.PushFront(&item{key: key, value: value})
	ls.elems[key] = elem
	ls.totalBytes += size

	return true, ls.shrinkUnderLock(elem)
}

// shrinkUnderLock drops the oldest elements, never keep, until the shard fits.
func (ls *lruShard) shrinkUnderLock(keep *list.Element) bool {
	var evicted bool
	for ls.totalBytes > ls.maxBytes {
		oldest := ls.evictList.Back()
		if oldest == nil || oldest == keep {
			break
		}

		kv := ls.removeElementUnderLock(oldest)
		evicted = true
		if ls.onEvict != nil {
			ls.onEvict(kv.key, kv.value)
		}
	}
	return evicted
}

func (ls *lruShard) remove(key string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	elem, ok := ls.elems[key]
	if !ok {
		return false
	}

	ls.removeElementUnderLock(elem)
	return true
}

func (ls *lruShard) purge() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	n := len(ls.elems)
	ls.elems = make(map[string]*list.Element)
	ls.evictList.Init()
	ls.totalBytes = 0
	return n
}

func (ls *lruShard) removeElementUnderLock(elem *list.Element) *item {
	ls.evictList.Remove(elem)
	kv := elem.Value.(*item)
	delete(ls.elems, kv.key)
	ls.totalBytes -= uint64(len(kv.value))
	return kv
}

func (ls *lruShard) len() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.elems)
}

func (ls *lruShard) bytes() uint64 {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.totalBytes
}
