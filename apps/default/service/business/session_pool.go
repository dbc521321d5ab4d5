package business

import (
	"hash/maphash"
	"sync"
	"sync/atomic"
)

const (
	// poolShardCount is the number of shards for the session pool.
	// Must be a power of 2 for efficient modulo operation.
	poolShardCount = 32
)

// poolShard represents a single shard of the session pool.
type poolShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// sessionPool tracks active sessions with sharding for high concurrency.
// Each shard has its own RWMutex so operations on different tenants never
// contend; global size is tracked atomically for lock-free reads.
//
// The insert path doubles as the single-session-per-id guard: add() is
// atomic per shard and refuses to replace an existing entry, so two
// concurrent start requests for the same id can never both win.
type sessionPool struct {
	shards      [poolShardCount]*poolShard
	hashSeed    maphash.Seed
	maxSize     int32
	currentSize int32 // Atomic access
}

// newSessionPool creates a sharded session pool with the specified capacity.
func newSessionPool(maxSize int32) *sessionPool {
	pool := &sessionPool{
		maxSize:  maxSize,
		hashSeed: maphash.MakeSeed(),
	}

	const minShardCapacity = 16
	shardCapacity := int(maxSize) / poolShardCount
	if shardCapacity < minShardCapacity {
		shardCapacity = minShardCapacity
	}

	for i := range poolShardCount {
		pool.shards[i] = &poolShard{
			sessions: make(map[string]*Session, shardCapacity),
		}
	}

	return pool
}

// getShard returns the shard for a given key using maphash (zero-allocation).
func (p *sessionPool) getShard(key string) *poolShard {
	h := maphash.String(p.hashSeed, key)
	return p.shards[h&(poolShardCount-1)]
}

// add inserts a session into the pool. Returns false when a session with the
// same id already exists (the existing entry is never replaced), or
// ErrSessionPoolFull when the pool is at capacity.
func (p *sessionPool) add(sess *Session) (bool, error) {
	if atomic.LoadInt32(&p.currentSize) >= p.maxSize {
		return false, ErrSessionPoolFull
	}

	shard := p.getShard(sess.ID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if _, exists := shard.sessions[sess.ID]; exists {
		return false, nil
	}
	shard.sessions[sess.ID] = sess
	atomic.AddInt32(&p.currentSize, 1)
	return true, nil
}

// get retrieves a session from the pool.
func (p *sessionPool) get(id string) (*Session, bool) {
	shard := p.getShard(id)

	shard.mu.RLock()
	sess, exists := shard.sessions[id]
	shard.mu.RUnlock()
	return sess, exists
}

// remove deletes a session from the pool, but only when the stored entry is
// the given one. A reconnected session that re-registered under the same id
// is not clobbered by the teardown of its predecessor.
func (p *sessionPool) remove(sess *Session) {
	shard := p.getShard(sess.ID)

	shard.mu.Lock()
	if current, exists := shard.sessions[sess.ID]; exists && current == sess {
		delete(shard.sessions, sess.ID)
		atomic.AddInt32(&p.currentSize, -1)
	}
	shard.mu.Unlock()
}

// size returns the current number of sessions in the pool.
func (p *sessionPool) size() int32 {
	return atomic.LoadInt32(&p.currentSize)
}

// forEach iterates over a snapshot of all sessions, calling fn for each
// without holding any shard lock.
func (p *sessionPool) forEach(fn func(*Session)) {
	var all []*Session

	for i := range poolShardCount {
		shard := p.shards[i]
		shard.mu.RLock()
		for _, sess := range shard.sessions {
			all = append(all, sess)
		}
		shard.mu.RUnlock()
	}

	for _, sess := range all {
		fn(sess)
	}
}
