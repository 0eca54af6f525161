// Package lru is a byte-bounded least recently used cache for raw document
// blobs, split into shards picked by the xxhash of the key.
package lru

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
)

var ErrIllegalCapacity = errors.New("illegal lru cache capacity")
var ErrInvalidSharding = errors.New("invalid sharding")

type OnEvict func(key string, v []byte)

type Cache interface {
	Add(key string, value []byte) bool
	Get(key string) ([]byte, bool)
	Remove(key string)
	Purge()
}

type ShardedCache struct {
	maxBytes uint64
	shards   []*lruShard
}

var _ Cache = (*ShardedCache)(nil)

func NewShardedCache(shards int, maxTotalBytes uint64, onEvict OnEvict) (*ShardedCache, error) {
	if shards < 1 {
		return nil, ErrInvalidSharding
	}

	if maxTotalBytes < uint64(shards) {
		return nil, errors.Wrapf(ErrIllegalCapacity, "%d bytes over %d shards", maxTotalBytes, shards)
	}

	c := ShardedCache{
		maxBytes: maxTotalBytes,
		shards:   make([]*lruShard, shards),
	}

	shardMaxBytes := maxTotalBytes / uint64(shards)
	for i := range c.shards {
		c.shards[i] = newLruShard(shardMaxBytes, onEvict)
	}

	return &c, nil
}

// Add stores value under key and returns true if eviction happened
func (c *ShardedCache) Add(key string, value []byte) bool {
	_, evicted := c.getShard(key).add(key, value)
	return evicted
}

func (c *ShardedCache) Get(key string) ([]byte, bool) {
	return c.getShard(key).get(key)
}

func (c *ShardedCache) Remove(key string) {
	c.getShard(key).remove(key)
}

func (c *ShardedCache) Purge() {
	var wg sync.WaitGroup

	wg.Add(len(c.shards))
	for i := range c.shards {
		go func(i int) {
			defer wg.Done()
			c.shards[i].purge()
		}(i)
	}

	wg.Wait()
}

func (c *ShardedCache) Count() int {
	var n int
	for i := range c.shards {
		n += c.shards[i].len()
	}
	return n
}

func (c *ShardedCache) Bytes() uint64 {
	var n uint64
	for i := range c.shards {
		n += c.shards[i].bytes()
	}
	return n
}

func (c *ShardedCache) getShard(key string) *lruShard {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}
