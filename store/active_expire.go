package store

import "github.com/kvloop/kvloop/object"

// SampleExpiredKeys inspects up to sampleSize keys that carry an expire,
// actively deleting any already past nowMs. It relies on Go's randomized
// map iteration order as its sampling mechanism rather than reservoir
// sampling a slice snapshot. Returns how many keys were inspected and
// how many of those were expired and removed. Assumes the caller holds
// Lock.
func (d *Database) SampleExpiredKeys(nowMs int64, sampleSize int) (sampled, expired int) {
	for key, deadline := range d.expires {
		if sampled >= sampleSize {
			break
		}
		sampled++
		if deadline <= nowMs {
			d.Delete(key)
			expired++
		}
	}
	return sampled, expired
}

// minShrinkHighWater is the smallest high-water mark MaybeShrink will act
// on, so a database that only ever held a handful of keys never pays for
// a rebuild.
const minShrinkHighWater = 64

// MaybeShrink rebuilds the keyspace and expires maps into freshly
// allocated ones once the live key count has fallen well below the
// high-water mark reached since the last rebuild. A Go map never shrinks
// its bucket array on delete and exposes no API to resize it in place,
// so allocating a fresh map sized to the current entry count is the only
// way to return that memory. Returns whether a rebuild happened. Assumes
// the caller holds Lock.
func (d *Database) MaybeShrink() bool {
	n := len(d.keyspace)
	if n > d.keyspaceHighWater {
		d.keyspaceHighWater = n
	}
	if d.keyspaceHighWater < minShrinkHighWater || n*4 > d.keyspaceHighWater {
		return false
	}

	freshKeys := make(map[string]*object.Object, n)
	for k, v := range d.keyspace {
		freshKeys[k] = v
	}
	d.keyspace = freshKeys

	freshExpires := make(map[string]int64, len(d.expires))
	for k, v := range d.expires {
		freshExpires[k] = v
	}
	d.expires = freshExpires

	freshSizes := make(map[string]int64, len(d.sizes))
	for k, v := range d.sizes {
		freshSizes[k] = v
	}
	d.sizes = freshSizes

	d.keyspaceHighWater = n
	return true
}
