// Package syncutil holds the keyed locks used to serialize work per actor and
// per reward without an unbounded map of mutexes.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ShardedMutex provides a fixed-size pool of mutexes keyed by string.
// Memory is bounded regardless of how many keys are seen, at the cost of
// occasional false sharing between keys that hash to the same shard.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for the given key and returns an unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardIndex(key)]
	mu.Lock()
	return mu.Unlock
}
