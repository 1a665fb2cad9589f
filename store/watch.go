package store

// Watch registers sessionID as watching key, for WATCH/MULTI/EXEC's
// optimistic-lock semantics. Assumes the caller holds Lock.
func (d *Database) Watch(key string, sessionID uint64) {
	set, ok := d.watchedKeys[key]
	if !ok {
		set = make(map[uint64]struct{})
		d.watchedKeys[key] = set
	}
	set[sessionID] = struct{}{}
}

// Unwatch removes sessionID's watch registration on key (e.g. on DISCARD,
// EXEC, or connection close). Assumes the caller holds Lock.
func (d *Database) Unwatch(key string, sessionID uint64) {
	set, ok := d.watchedKeys[key]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(d.watchedKeys, key)
	}
}

// SignalModifiedKey returns the ids of every session watching key, so
// the caller (typically the worker loop, via the session table) can flip
// each one's CAS-dirty flag. Must be called by every write path that
// touches key's value or existence. Assumes the caller holds RLock or
// Lock.
func (d *Database) SignalModifiedKey(key string) []uint64 {
	set, ok := d.watchedKeys[key]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// BlockOn registers a waiter for key, called when a session executes a
// blocking command (BLPOP etc.) and finds key currently empty or absent.
// Assumes the caller holds Lock.
func (d *Database) BlockOn(key string, waiter BlockedWaiter) {
	d.blockedKeys[key] = append(d.blockedKeys[key], waiter)
}

// Unblock removes sessionID's registration on key, e.g. after it is
// served or the client disconnects/times out. Assumes the caller holds
// Lock.
func (d *Database) Unblock(key string, sessionID uint64) {
	waiters := d.blockedKeys[key]
	for i, w := range waiters {
		if w.SessionID == sessionID {
			d.blockedKeys[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(d.blockedKeys[key]) == 0 {
		delete(d.blockedKeys, key)
	}
}

// SignalListAsReady marks key ready and returns (a copy of) the waiters
// registered on it without removing them - the worker loop's before-sleep
// hook pops and notifies them one at a time as list elements become
// available. Assumes the caller holds Lock.
func (d *Database) SignalListAsReady(key string) []BlockedWaiter {
	if _, ok := d.blockedKeys[key]; !ok {
		return nil
	}
	d.readyKeys[key] = struct{}{}
	out := make([]BlockedWaiter, len(d.blockedKeys[key]))
	copy(out, d.blockedKeys[key])
	return out
}

// BlockedWaiters returns a copy of the waiters currently registered on
// key, for the worker's before-sleep hook to walk after DrainReadyKeys
// reports the key became ready - a read-only counterpart to
// SignalListAsReady that doesn't itself mark anything ready.
func (d *Database) BlockedWaiters(key string) []BlockedWaiter {
	out := make([]BlockedWaiter, len(d.blockedKeys[key]))
	copy(out, d.blockedKeys[key])
	return out
}

// DrainReadyKeys returns and clears the set of keys marked ready since the
// last call, for the worker loop's before-sleep hook to iterate. Assumes
// the caller holds Lock.
func (d *Database) DrainReadyKeys() []string {
	if len(d.readyKeys) == 0 {
		return nil
	}
	out := make([]string, 0, len(d.readyKeys))
	for k := range d.readyKeys {
		out = append(out, k)
	}
	d.readyKeys = make(map[string]struct{})
	return out
}

// Subscribe adds sessionID to channel's subscriber set (SUBSCRIBE).
// Assumes the caller holds Lock.
func (d *Database) Subscribe(channel string, sessionID uint64) {
	set, ok := d.channels[channel]
	if !ok {
		set = make(map[uint64]struct{})
		d.channels[channel] = set
	}
	set[sessionID] = struct{}{}
}

// Unsubscribe removes sessionID from channel's subscriber set. Assumes
// the caller holds Lock.
func (d *Database) Unsubscribe(channel string, sessionID uint64) {
	set, ok := d.channels[channel]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(d.channels, channel)
	}
}

// Publish returns the ids of every session currently subscribed to
// channel, for the caller to enqueue the message onto (PUBLISH's return
// value is the count of receivers). Assumes the caller holds RLock or
// Lock.
func (d *Database) Publish(channel string) []uint64 {
	set, ok := d.channels[channel]
	if !ok {
		return nil
	}
	out := make([]uint64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Channels returns the names of every channel with at least one
// subscriber, for PUBSUB CHANNELS. Assumes the caller holds RLock or
// Lock.
func (d *Database) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for ch := range d.channels {
		out = append(out, ch)
	}
	return out
}

// NumSub returns the subscriber count for channel, for PUBSUB NUMSUB.
// Assumes the caller holds RLock or Lock.
func (d *Database) NumSub(channel string) int {
	return len(d.channels[channel])
}

// PSubscribe adds sessionID to pattern's subscriber set (PSUBSCRIBE).
// Assumes the caller holds Lock.
func (d *Database) PSubscribe(pattern string, sessionID uint64) {
	set, ok := d.patterns[pattern]
	if !ok {
		set = make(map[uint64]struct{})
		d.patterns[pattern] = set
	}
	set[sessionID] = struct{}{}
}

// PUnsubscribe removes sessionID from pattern's subscriber set. Assumes
// the caller holds Lock.
func (d *Database) PUnsubscribe(pattern string, sessionID uint64) {
	set, ok := d.patterns[pattern]
	if !ok {
		return
	}
	delete(set, sessionID)
	if len(set) == 0 {
		delete(d.patterns, pattern)
	}
}

// PatternSubscribers returns each active glob pattern alongside the ids
// of its subscribers; PUBLISH matches these against the channel name in
// the command layer, where the glob matcher lives. Assumes the caller
// holds RLock or Lock.
func (d *Database) PatternSubscribers() map[string][]uint64 {
	if len(d.patterns) == 0 {
		return nil
	}
	out := make(map[string][]uint64, len(d.patterns))
	for p, set := range d.patterns {
		ids := make([]uint64, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		out[p] = ids
	}
	return out
}

// NumPat returns the count of active patterns, for PUBSUB NUMPAT.
// Assumes the caller holds RLock or Lock.
func (d *Database) NumPat() int {
	return len(d.patterns)
}
