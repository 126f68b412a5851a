package store

import (
	"sync"
	"sync/atomic"
	"time"
)

// KVOptions tunes the in-memory byte store.
type KVOptions struct {
	Shards   int    // number of shards, default 64
	MaxBytes uint64 // hard cap on total value bytes, 0 = unlimited
}

func (o KVOptions) withDefaults() KVOptions {
	if o.Shards <= 0 {
		o.Shards = 64
	}
	return o
}

// KV is a sharded in-memory byte store with optional per-key TTL. Expired
// entries are dropped lazily on access. Values are copied on Set and Get so
// callers never share backing arrays with the store.
type KV struct {
	opts   KVOptions
	shards []kvShard
	nowFn  func() time.Time

	mKeys   atomic.Uint64
	mBytes  atomic.Uint64
	mHits   atomic.Uint64
	mMisses atomic.Uint64
}

type kvShard struct {
	mu sync.RWMutex
	m  map[string]*kvEntry
}

type kvEntry struct {
	val      []byte
	expireAt int64 // unix nano, 0 = no expiry
}

// NewKV builds a KV with the given options.
func NewKV(opts KVOptions) *KV {
	opts = opts.withDefaults()
	kv := &KV{opts: opts, shards: make([]kvShard, opts.Shards), nowFn: time.Now}
	for i := range kv.shards {
		kv.shards[i].m = make(map[string]*kvEntry)
	}
	return kv
}

// FNV-1a 64.
func (kv *KV) shardFor(key string) *kvShard {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= 1099511628211
	}
	return &kv.shards[h%uint64(len(kv.shards))]
}

// Set stores a copy of val under key. A non-positive ttl means no expiry.
// Returns false when the MaxBytes cap would be exceeded.
func (kv *KV) Set(key string, val []byte, ttl time.Duration) bool {
	var expireAt int64
	if ttl > 0 {
		expireAt = kv.nowFn().Add(ttl).UnixNano()
	}
	v := make([]byte, len(val))
	copy(v, val)

	sh := kv.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	prev, existed := sh.m[key]
	oldLen := 0
	if existed {
		oldLen = len(prev.val)
	}
	delta := len(v) - oldLen
	if delta > 0 && !kv.tryAddBytes(uint64(delta)) {
		return false
	}
	if delta < 0 {
		kv.mBytes.Add(^uint64(-delta - 1))
	}
	sh.m[key] = &kvEntry{val: v, expireAt: expireAt}
	if !existed {
		kv.mKeys.Add(1)
	}
	return true
}

// Get returns a copy of the value and whether the key is live.
func (kv *KV) Get(key string) ([]byte, bool) {
	sh := kv.shardFor(key)
	sh.mu.RLock()
	e, ok := sh.m[key]
	if !ok {
		sh.mu.RUnlock()
		kv.mMisses.Add(1)
		return nil, false
	}
	val, expireAt := e.val, e.expireAt
	sh.mu.RUnlock()

	if expireAt != 0 && expireAt <= kv.nowFn().UnixNano() {
		kv.dropExpired(sh, key)
		kv.mMisses.Add(1)
		return nil, false
	}
	kv.mHits.Add(1)
	out := make([]byte, len(val))
	copy(out, val)
	return out, true
}

// Delete removes key. Returns whether it existed.
func (kv *KV) Delete(key string) bool {
	sh := kv.shardFor(key)
	sh.mu.Lock()
	e, ok := sh.m[key]
	if ok {
		delete(sh.m, key)
	}
	sh.mu.Unlock()
	if ok {
		kv.mKeys.Add(^uint64(0))
		kv.mBytes.Add(^uint64(len(e.val) - 1))
	}
	return ok
}

// Exists reports whether key holds a live entry.
func (kv *KV) Exists(key string) bool {
	_, ok := kv.Get(key)
	return ok
}

// dropExpired removes key if it is still expired under the write lock.
func (kv *KV) dropExpired(sh *kvShard, key string) {
	now := kv.nowFn().UnixNano()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	e, ok := sh.m[key]
	if !ok || e.expireAt == 0 || e.expireAt > now {
		return
	}
	delete(sh.m, key)
	kv.mKeys.Add(^uint64(0))
	kv.mBytes.Add(^uint64(len(e.val) - 1))
}

func (kv *KV) tryAddBytes(delta uint64) bool {
	if kv.opts.MaxBytes == 0 {
		kv.mBytes.Add(delta)
		return true
	}
	for {
		cur := kv.mBytes.Load()
		next := cur + delta
		if next > kv.opts.MaxBytes {
			return false
		}
		if kv.mBytes.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// KVStats is a point-in-time metrics snapshot.
type KVStats struct {
	Keys   uint64
	Bytes  uint64
	Hits   uint64
	Misses uint64
}

// Metrics returns a snapshot without blocking store operations.
func (kv *KV) Metrics() KVStats {
	return KVStats{
		Keys:   kv.mKeys.Load(),
		Bytes:  kv.mBytes.Load(),
		Hits:   kv.mHits.Load(),
		Misses: kv.mMisses.Load(),
	}
}
