// Package store implements the shared logical database: the keyspace,
// expire index, blocked-key index, ready-key set, watched-key index,
// pub/sub channel and pattern maps, and eviction pool, all protected by
// one reader/writer lock per database.
package store

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/kvloop/kvloop/object"
)

// Standard errors returned by Database operations.
var (
	ErrDuplicateKey = errors.New("store: key already exists")
	ErrNoSuchKey    = errors.New("store: no such key")
)

// Database is one logical keyspace, identified by an integer id, shared
// across every worker loop and guarded throughout by rwlock: all mutation
// of a database's structures occurs under its write lock, all reads under
// read or write lock.
//
// The methods below do NOT take rwlock themselves: locking is the
// caller's job, taken once per logical command (command.Dispatch) or once
// per maintenance step (worker's cron, background.Loop). Re-locking per
// primitive inside e.g. an INCR handler's separate lookup-then-set would
// still let two concurrent commands interleave between them and lose an
// update; a single lock held by the caller across the whole command
// closes that window. See Lock/Unlock/RLock/RUnlock below.
type Database struct {
	ID int

	rwlock sync.RWMutex

	keyspace map[string]*object.Object
	expires  map[string]int64 // key -> absolute deadline, milliseconds

	// sizes holds the accounted footprint of each keyspace entry (key
	// plus payload estimate), and used their running sum. used is atomic
	// so Registry.UsedMemory can read it without taking every database's
	// lock; writes still happen only under Lock.
	sizes map[string]int64
	used  atomic.Int64

	blockedKeys map[string][]BlockedWaiter
	readyKeys   map[string]struct{}

	watchedKeys map[string]map[uint64]struct{} // key -> set of session ids
	channels    map[string]map[uint64]struct{} // pub/sub channel -> subscriber session ids
	patterns    map[string]map[uint64]struct{} // pub/sub glob pattern -> subscriber session ids

	evictionPool evictionPool

	// lruClock is a coarse idle-time clock, advanced by one on every
	// background cron tick (hz times a second) that visits this database;
	// object.Touch/IdleSince use it rather than a real timestamp.
	lruClock uint32

	// rehashCursor is not read or advanced anywhere: the round-robin
	// across databases is background.Loop's dbCursor, and MaybeShrink
	// decides from keyspaceHighWater alone.
	rehashCursor int

	// keyspaceHighWater is the largest live key count observed since the
	// last MaybeShrink rebuild, the watermark that rebuild decision is
	// based on.
	keyspaceHighWater int

	avgTTLSum   int64
	avgTTLCount int64
}

// BlockedWaiter is one session's registration on store.Database's
// blocked-keys index, consumed by the worker's ready-key promotion
// (the worker loop's before-sleep hook).
type BlockedWaiter struct {
	SessionID uint64
	// Notify is invoked (never blocking, never itself taking rwlock) once
	// the key this waiter is registered on receives data.
	Notify func(key string)
}

// New creates an empty database with the given id.
func New(id int) *Database {
	return &Database{
		ID:          id,
		keyspace:    make(map[string]*object.Object),
		expires:     make(map[string]int64),
		sizes:       make(map[string]int64),
		blockedKeys: make(map[string][]BlockedWaiter),
		readyKeys:   make(map[string]struct{}),
		watchedKeys: make(map[string]map[uint64]struct{}),
		channels:    make(map[string]map[uint64]struct{}),
		patterns:    make(map[string]map[uint64]struct{}),
	}
}

// Lock acquires the database's write lock. Callers must Unlock when done.
// command.Dispatch calls this once per logical command that isn't
// provably read-only; worker and background hold it for the duration of
// one maintenance step.
func (d *Database) Lock() { d.rwlock.Lock() }

// Unlock releases the write lock taken by Lock.
func (d *Database) Unlock() { d.rwlock.Unlock() }

// RLock acquires the database's read lock, for commands and maintenance
// steps that only call the package's non-mutating accessors
// (LookupRead, CheckExpired, Exists, Size, Keys, RandomKey, GetExpire,
// Publish, BlockedWaiters, Channels, NumSub, SignalModifiedKey).
func (d *Database) RLock() { d.rwlock.RLock() }

// RUnlock releases the read lock taken by RLock.
func (d *Database) RUnlock() { d.rwlock.RUnlock() }

// LookupRead returns the object at key without mutating anything -
// including not lazily expiring it. Pair with CheckExpired under RLock,
// or call LookupWrite under Lock for lazy expiration semantics. Assumes
// the caller holds RLock or Lock.
func (d *Database) LookupRead(key string) (*object.Object, bool) {
	o, ok := d.keyspace[key]
	return o, ok
}

// LookupWrite returns the object at key, first deleting it if its expire
// deadline has passed. expired reports whether that lazy deletion just
// happened. Assumes the caller holds Lock.
func (d *Database) LookupWrite(key string, nowMs int64) (o *object.Object, expired bool) {
	if deadline, ok := d.expires[key]; ok && deadline <= nowMs {
		d.Delete(key)
		return nil, true
	}
	o, ok := d.keyspace[key]
	if !ok {
		return nil, false
	}
	return o, false
}

// Add inserts a brand-new key. Returns ErrDuplicateKey if key is already
// present (and not expired). Assumes the caller holds Lock.
func (d *Database) Add(key string, o *object.Object, nowMs int64) error {
	if _, ok := d.keyspace[key]; ok {
		if deadline, hasExpire := d.expires[key]; !hasExpire || deadline > nowMs {
			return ErrDuplicateKey
		}
		d.Delete(key)
	}
	d.keyspace[key] = o
	d.account(key, o)
	return nil
}

// account records (or refreshes) key's footprint in the usage counter
// and raises the keyspace high-water mark if the live key count now
// exceeds it. Assumes the caller holds Lock.
func (d *Database) account(key string, o *object.Object) {
	size := int64(len(key)) + o.ApproxSize()
	d.used.Add(size - d.sizes[key])
	d.sizes[key] = size
	if n := len(d.keyspace); n > d.keyspaceHighWater {
		d.keyspaceHighWater = n
	}
}

func (d *Database) unaccount(key string) {
	if size, ok := d.sizes[key]; ok {
		d.used.Add(-size)
		delete(d.sizes, key)
	}
}

// Reaccount refreshes key's accounted footprint after an in-place
// mutation of its object (list push/pop, hash field set, and the like),
// which the Set/Delete paths never see. No-op for an absent key. Assumes
// the caller holds Lock.
func (d *Database) Reaccount(key string) {
	if o, ok := d.keyspace[key]; ok {
		d.account(key, o)
	}
}

// UsedMemory returns the database's accounted footprint in bytes. Safe
// to call from any goroutine.
func (d *Database) UsedMemory() int64 { return d.used.Load() }

// Overwrite replaces the object at an existing key. Returns ErrNoSuchKey
// if key is absent (or already lazily expired). Assumes the caller holds
// Lock.
func (d *Database) Overwrite(key string, o *object.Object, nowMs int64) error {
	if _, expired := d.LookupWrite(key, nowMs); expired {
		return ErrNoSuchKey
	}
	if _, ok := d.keyspace[key]; !ok {
		return ErrNoSuchKey
	}
	d.keyspace[key] = o
	d.account(key, o)
	delete(d.expires, key)
	return nil
}

// Set adds or overwrites key with o, clearing any prior expire (matching
// SET's semantics unless the caller re-applies KEEPTTL). Assumes the
// caller holds Lock.
func (d *Database) Set(key string, o *object.Object) {
	d.keyspace[key] = o
	d.account(key, o)
	delete(d.expires, key)
}

// Delete removes key (and its expire entry, if any). Reports whether the
// key was present. Assumes the caller holds Lock.
func (d *Database) Delete(key string) bool {
	if _, ok := d.keyspace[key]; !ok {
		return false
	}
	delete(d.keyspace, key)
	delete(d.expires, key)
	d.unaccount(key)
	return true
}

// Exists reports whether key is present and not expired, without
// performing the lazy-delete side effect. Assumes the caller holds RLock
// or Lock.
func (d *Database) Exists(key string, nowMs int64) bool {
	if deadline, ok := d.expires[key]; ok && deadline <= nowMs {
		return false
	}
	_, ok := d.keyspace[key]
	return ok
}

// RandomKey returns a uniformly-chosen live key, or "", false if the
// database is empty. Assumes the caller holds RLock or Lock.
func (d *Database) RandomKey() (string, bool) {
	n := len(d.keyspace)
	if n == 0 {
		return "", false
	}
	skip := rand.Intn(n)
	for k := range d.keyspace {
		if skip == 0 {
			return k, true
		}
		skip--
	}
	return "", false
}

// Size returns the number of live keys (DBSIZE), including ones that have
// an expire set but haven't yet been lazily or actively deleted. Assumes
// the caller holds RLock or Lock.
func (d *Database) Size() int {
	return len(d.keyspace)
}

// SetExpire sets key's absolute-millisecond deadline. Returns false if key
// is absent: a key with an expire entry must also be present in the
// keyspace. Assumes the caller holds Lock.
func (d *Database) SetExpire(key string, deadlineMs int64) bool {
	if _, ok := d.keyspace[key]; !ok {
		return false
	}
	d.expires[key] = deadlineMs
	return true
}

// GetExpire returns key's absolute deadline, if any. Assumes the caller
// holds RLock or Lock.
func (d *Database) GetExpire(key string) (int64, bool) {
	ms, ok := d.expires[key]
	return ms, ok
}

// RemoveExpire clears key's expire, making it persistent again. Returns
// true if an expire was actually removed. Assumes the caller holds Lock.
func (d *Database) RemoveExpire(key string) bool {
	if _, ok := d.expires[key]; !ok {
		return false
	}
	delete(d.expires, key)
	return true
}

// CheckExpired reports whether key's deadline has passed as of nowMs,
// without deleting anything. Assumes the caller holds RLock or Lock.
func (d *Database) CheckExpired(key string, nowMs int64) bool {
	deadline, ok := d.expires[key]
	return ok && deadline <= nowMs
}

// Empty removes every key, invoking onRemoved for each (e.g. to clean up
// the blocked/watched/pubsub indices). Returns the count removed. Assumes
// the caller holds Lock.
func (d *Database) Empty(onRemoved func(key string)) int {
	n := len(d.keyspace)
	if onRemoved != nil {
		for k := range d.keyspace {
			onRemoved(k)
		}
	}
	d.keyspace = make(map[string]*object.Object)
	d.expires = make(map[string]int64)
	d.sizes = make(map[string]int64)
	d.used.Store(0)
	return n
}

// Keys returns every key in the keyspace; glob filtering is the command
// layer's job, not the database's. Assumes the caller holds RLock or
// Lock.
func (d *Database) Keys() []string {
	out := make([]string, 0, len(d.keyspace))
	for k := range d.keyspace {
		out = append(out, k)
	}
	return out
}

// AdvanceLRUClock bumps the database's coarse idle-time clock; called once
// per background cron tick. Assumes the caller holds Lock.
func (d *Database) AdvanceLRUClock() {
	d.lruClock++
}

// LRUClock returns the current value of the coarse idle-time clock.
// Assumes the caller holds RLock or Lock.
func (d *Database) LRUClock() uint32 {
	return d.lruClock
}
