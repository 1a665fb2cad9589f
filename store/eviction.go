package store

// MaxMemoryPolicy selects which keys Database.EvictOne draws from and by
// what ordering, per the maxmemory-policy config directive.
type MaxMemoryPolicy int

const (
	PolicyNoEviction MaxMemoryPolicy = iota
	PolicyAllKeysLRU
	PolicyAllKeysRandom
	PolicyVolatileLRU
	PolicyVolatileRandom
	PolicyVolatileTTL
)

func (p MaxMemoryPolicy) String() string {
	switch p {
	case PolicyAllKeysLRU:
		return "allkeys-lru"
	case PolicyAllKeysRandom:
		return "allkeys-random"
	case PolicyVolatileLRU:
		return "volatile-lru"
	case PolicyVolatileRandom:
		return "volatile-random"
	case PolicyVolatileTTL:
		return "volatile-ttl"
	default:
		return "noeviction"
	}
}

// evictionPool is a small fixed-capacity candidate pool, refreshed by
// sampling rather than scanning the whole keyspace, keeping eviction
// cheap at large key counts.
type evictionPool struct {
	entries []poolEntry
}

type poolEntry struct {
	key  string
	idle uint32 // higher is more idle (older), used by LRU policies
	ttl  int64  // absolute deadline, used by volatile-ttl; 0 if none
}

const evictionPoolSize = 16

// refreshEvictionPoolLocked draws up to sampleSize random (key, idle, ttl) triples from keyspace/expires
// and merges them into the pool, discarding the least-evictable entries
// beyond evictionPoolSize. Must be called with d.rwlock held.
func (d *Database) refreshEvictionPoolLocked(policy MaxMemoryPolicy, sampleSize int) {
	volatileOnly := policy == PolicyVolatileLRU || policy == PolicyVolatileRandom || policy == PolicyVolatileTTL
	candidates := make([]string, 0, sampleSize)
	if volatileOnly {
		for k := range d.expires {
			candidates = append(candidates, k)
			if len(candidates) >= sampleSize {
				break
			}
		}
	} else {
		for k := range d.keyspace {
			candidates = append(candidates, k)
			if len(candidates) >= sampleSize {
				break
			}
		}
	}

	for _, k := range candidates {
		o, ok := d.keyspace[k]
		if !ok {
			continue
		}
		entry := poolEntry{key: k}
		if o != nil {
			entry.idle = o.IdleSince(d.lruClock)
		}
		if deadline, ok := d.expires[k]; ok {
			entry.ttl = deadline
		}
		d.evictionPool.entries = append(d.evictionPool.entries, entry)
	}

	sortPoolByPolicy(d.evictionPool.entries, policy)
	if len(d.evictionPool.entries) > evictionPoolSize {
		d.evictionPool.entries = d.evictionPool.entries[:evictionPoolSize]
	}
}

func sortPoolByPolicy(entries []poolEntry, policy MaxMemoryPolicy) {
	less := func(i, j int) bool { return false }
	switch policy {
	case PolicyAllKeysLRU, PolicyVolatileLRU:
		less = func(i, j int) bool { return entries[i].idle > entries[j].idle }
	case PolicyVolatileTTL:
		less = func(i, j int) bool { return entries[i].ttl < entries[j].ttl }
	default:
		return // random policies: sampling order is already effectively random
	}
	insertionSort(entries, less)
}

func insertionSort(entries []poolEntry, less func(i, j int) bool) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// EvictOne samples candidates under policy and deletes the single
// best-ranked one, returning its key. Returns "", false if there was
// nothing eligible to evict (e.g. volatile-* policy with no keys carrying
// an expire). Assumes the caller holds Lock.
func (d *Database) EvictOne(policy MaxMemoryPolicy, sampleSize int) (string, bool) {
	if policy == PolicyNoEviction {
		return "", false
	}

	d.evictionPool.entries = d.evictionPool.entries[:0]
	d.refreshEvictionPoolLocked(policy, sampleSize)
	if len(d.evictionPool.entries) == 0 {
		return "", false
	}
	victim := d.evictionPool.entries[0].key
	d.Delete(victim)
	return victim, true
}
