package store

import "fmt"

// Registry owns the fixed set of logical databases a server instance
// exposes, indexed by SELECT's integer argument.
type Registry struct {
	dbs []*Database
}

// NewRegistry builds a Registry with n empty databases, ids 0..n-1.
func NewRegistry(n int) *Registry {
	r := &Registry{dbs: make([]*Database, n)}
	for i := range r.dbs {
		r.dbs[i] = New(i)
	}
	return r
}

// ErrInvalidDBIndex is returned by Registry.Get for an out-of-range index.
type ErrInvalidDBIndex struct{ Index, Count int }

func (e *ErrInvalidDBIndex) Error() string {
	return fmt.Sprintf("DB index is out of range (%d, have %d databases)", e.Index, e.Count)
}

// Get returns the database at index, or an error if it's out of range,
// for SELECT's bounds check.
func (r *Registry) Get(index int) (*Database, error) {
	if index < 0 || index >= len(r.dbs) {
		return nil, &ErrInvalidDBIndex{Index: index, Count: len(r.dbs)}
	}
	return r.dbs[index], nil
}

// Count returns the number of databases in the registry.
func (r *Registry) Count() int { return len(r.dbs) }

// Swap exchanges the contents of databases a and b in place, for SWAPDB -
// implemented by swapping the *Database pointers' backing fields rather
// than the slice slots, so any previously-obtained *Database reference
// keeps observing the post-swap contents under its original id. Swap
// takes the locks itself; command.Dispatch must not also hold a lock on
// either database when its handler calls this (see noCommandLock in the
// command package), or a goroutine would deadlock against its own
// non-reentrant *sync.RWMutex.
func (r *Registry) Swap(a, b int) error {
	da, err := r.Get(a)
	if err != nil {
		return err
	}
	db, err := r.Get(b)
	if err != nil {
		return err
	}
	if da == db {
		return nil
	}
	// Lock in a fixed order (by id) regardless of argument order, to avoid
	// a lock-order deadlock against a concurrent SWAPDB of the same pair.
	first, second := da, db
	if b < a {
		first, second = db, da
	}
	first.rwlock.Lock()
	second.rwlock.Lock()
	da.keyspace, db.keyspace = db.keyspace, da.keyspace
	da.expires, db.expires = db.expires, da.expires
	da.sizes, db.sizes = db.sizes, da.sizes
	ua, ub := da.used.Load(), db.used.Load()
	da.used.Store(ub)
	db.used.Store(ua)
	da.keyspaceHighWater, db.keyspaceHighWater = db.keyspaceHighWater, da.keyspaceHighWater
	da.blockedKeys, db.blockedKeys = db.blockedKeys, da.blockedKeys
	da.readyKeys, db.readyKeys = db.readyKeys, da.readyKeys
	da.watchedKeys, db.watchedKeys = db.watchedKeys, da.watchedKeys
	da.channels, db.channels = db.channels, da.channels
	da.patterns, db.patterns = db.patterns, da.patterns
	second.rwlock.Unlock()
	first.rwlock.Unlock()
	return nil
}

// FlushAll empties every database, returning the total key count removed.
// Locks each database in turn for the duration of its own Empty call;
// command.Dispatch must not already hold a lock on any database in the
// registry when its handler calls this (see noCommandLock in the command
// package).
func (r *Registry) FlushAll() int {
	n := 0
	for _, d := range r.dbs {
		d.Lock()
		n += d.Empty(nil)
		d.Unlock()
	}
	return n
}

// All returns every database in the registry, for cron sweeps that need
// to visit each one (active expiration, eviction, LRU clock advance).
func (r *Registry) All() []*Database {
	return r.dbs
}

// UsedMemory returns the accounted footprint of every database combined,
// the figure the maxmemory check compares against. Safe to call from any
// goroutine.
func (r *Registry) UsedMemory() int64 {
	var total int64
	for _, d := range r.dbs {
		total += d.UsedMemory()
	}
	return total
}
