package classifier

import (
	"math/rand"
)

// MaxCacheableEntry is the protocol frame limit minus the 4-byte header
// and a small margin (spec §4.2: "larger than the packet protocol limit
// (16 MiB - 5 B)").
const MaxCacheableEntry = 1<<24 - 5

// entry is one cached (canonical key -> ClassifiedStmt) mapping. size is
// tracked separately from the ClassifiedStmt so eviction accounting
// doesn't need reflection or repeated recomputation. sqlMode/options
// record the context the classification was computed under, so a later
// lookup made under a different context can be recognized as a miss
// (spec §3 CacheEntry invariant) instead of silently returning a result
// that classify(p, sql_mode) is only deterministic for a fixed sql_mode.
type entry struct {
	key     string
	stmt    *ClassifiedStmt
	size    int
	alive   bool
	sqlMode string
	options uint64
}

// Cache is the bounded, per-worker classification cache from spec §4.2.
// It is NOT safe for concurrent use: each worker owns exactly one Cache,
// matching the single-threaded-per-worker execution model (spec §5).
type Cache struct {
	capBytes    int
	buckets     []entry
	occupied    map[string]int // key -> bucket index, for O(1) lookup
	currentSize int
	rng         *rand.Rand

	hits, misses, evictions uint64
}

// NewCache builds a cache with the given per-worker byte capacity and
// bucket count. bucketCount governs eviction sampling granularity and
// also caps the number of live entries: each bucket holds at most one
// entry, and inserting a key whose bucket is occupied replaces that
// bucket's entry.
func NewCache(capBytes int, bucketCount int, rng *rand.Rand) *Cache {
	if bucketCount < 1 {
		bucketCount = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Cache{
		capBytes: capBytes,
		buckets:  make([]entry, bucketCount),
		occupied: make(map[string]int),
		rng:      rng,
	}
}

func estimateSize(key string, stmt *ClassifiedStmt) int {
	size := len(key) + 64 // fixed overhead for the struct itself
	for _, s := range stmt.Fields {
		size += len(s)
	}
	for _, s := range stmt.Functions {
		size += len(s)
	}
	for _, s := range stmt.Tables {
		size += len(s)
	}
	for _, s := range stmt.Databases {
		size += len(s)
	}
	size += len(stmt.PrepareName) + len(stmt.KillTarget) + len(stmt.SQLMode)
	return size
}

// Get returns a clone-safe pointer to the cached statement for key, or
// (nil, false) on a miss. The caller must not mutate the returned value.
// sqlMode and options identify the classification context the caller is
// currently running under; an entry computed under a different context
// is treated as a miss and evicted (spec §3 CacheEntry invariant:
// classify is only deterministic for a fixed (sql_mode, options), so a
// stale entry must never be handed back and must not linger occupying a
// bucket that a correctly-scoped entry could use instead).
func (c *Cache) Get(key string, sqlMode string, options uint64) (*ClassifiedStmt, bool) {
	idx, ok := c.occupied[key]
	if !ok || !c.buckets[idx].alive || c.buckets[idx].key != key {
		c.misses++
		return nil, false
	}
	b := &c.buckets[idx]
	if b.sqlMode != sqlMode || b.options != options {
		c.removeBucket(idx)
		c.misses++
		return nil, false
	}
	c.hits++
	return b.stmt, true
}

// Insert stores stmt under key, evicting via random-bucket sampling if
// needed to stay within capBytes (spec §4.2 eviction algorithm).
// Insertion of oversized entries (bigger than the protocol limit or than
// the whole cache) is silently rejected, matching the spec's "insertion
// is rejected" wording — the caller does not need to check first.
func (c *Cache) Insert(key string, stmt *ClassifiedStmt) {
	size := estimateSize(key, stmt)
	if size > MaxCacheableEntry || size > c.capBytes {
		return
	}
	if c.currentSize+size > c.capBytes {
		required := c.currentSize + size - c.capBytes
		c.evict(required)
	}
	bucket := c.bucketFor(key)
	if c.buckets[bucket].alive {
		c.removeBucket(bucket)
	}
	c.buckets[bucket] = entry{key: key, stmt: stmt, size: size, alive: true, sqlMode: stmt.SQLMode, options: stmt.Options}
	c.occupied[key] = bucket
	c.currentSize += size
}

// evict frees at least `required` bytes by sampling random buckets
// uniformly and evicting the first live entry found in each sampled
// bucket, stopping once enough has been freed or the cache is empty
// (spec §4.2's explicit rationale: avoid LRU bookkeeping on the hot
// path while still bounding memory). If 4*bucketCount random samples
// have not freed enough, the remaining live buckets are evicted in index
// order until enough is freed or the cache is empty.
func (c *Cache) evict(required int) {
	freed := 0
	attempts := 0
	maxAttempts := len(c.buckets) * 4
	for freed < required && c.currentSize > 0 && attempts < maxAttempts {
		attempts++
		idx := c.rng.Intn(len(c.buckets))
		if !c.buckets[idx].alive {
			continue
		}
		freed += c.buckets[idx].size
		c.removeBucket(idx)
		c.evictions++
	}
	for idx := 0; freed < required && c.currentSize > 0 && idx < len(c.buckets); idx++ {
		if !c.buckets[idx].alive {
			continue
		}
		freed += c.buckets[idx].size
		c.removeBucket(idx)
		c.evictions++
	}
}

func (c *Cache) removeBucket(idx int) {
	b := &c.buckets[idx]
	if !b.alive {
		return
	}
	c.currentSize -= b.size
	delete(c.occupied, b.key)
	*b = entry{}
}

// bucketFor returns the fixed bucket a key hashes to, reusing an
// existing bucket for the same key if present so re-insertion overwrites
// rather than duplicates.
func (c *Cache) bucketFor(key string) int {
	if idx, ok := c.occupied[key]; ok {
		return idx
	}
	return int(fnv32(key)) % len(c.buckets)
}

func fnv32(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

// Stats returns cumulative hit/miss/eviction counters for rmetrics.
func (c *Cache) Stats() (hits, misses, evictions uint64) {
	return c.hits, c.misses, c.evictions
}

// Len reports the number of live entries, for tests.
func (c *Cache) Len() int { return len(c.occupied) }
