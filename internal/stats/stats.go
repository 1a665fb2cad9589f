// Package stats implements relaxed-atomic operation counters and a
// bounded slow-query log, plus the glue a Prometheus exporter reads them
// through.
package stats

import "sync/atomic"

// Counters holds every atomic counter the server maintains, updated with
// plain atomic add/sub rather than a mutex - they are touched on the per
// command hot path.
type Counters struct {
	CommandsProcessed   int64
	ConnectionsAccepted int64
	ConnectionsRejected int64
	ExpiredKeys         int64
	EvictedKeys         int64
	KeyspaceHits        int64
	KeyspaceMisses      int64
	PubsubMessages      int64
}

func (c *Counters) IncrCommandsProcessed()   { atomic.AddInt64(&c.CommandsProcessed, 1) }
func (c *Counters) IncrConnectionsAccepted() { atomic.AddInt64(&c.ConnectionsAccepted, 1) }
func (c *Counters) IncrConnectionsRejected() { atomic.AddInt64(&c.ConnectionsRejected, 1) }
func (c *Counters) AddExpiredKeys(n int64)   { atomic.AddInt64(&c.ExpiredKeys, n) }
func (c *Counters) AddEvictedKeys(n int64)   { atomic.AddInt64(&c.EvictedKeys, n) }
func (c *Counters) IncrKeyspaceHits()        { atomic.AddInt64(&c.KeyspaceHits, 1) }
func (c *Counters) IncrKeyspaceMisses()      { atomic.AddInt64(&c.KeyspaceMisses, 1) }
func (c *Counters) IncrPubsubMessages()      { atomic.AddInt64(&c.PubsubMessages, 1) }

// Snapshot is a point-in-time copy of every counter, for INFO and the
// metrics exporter.
type Snapshot struct {
	CommandsProcessed   int64
	ConnectionsAccepted int64
	ConnectionsRejected int64
	ExpiredKeys         int64
	EvictedKeys         int64
	KeyspaceHits        int64
	KeyspaceMisses      int64
	PubsubMessages      int64
}

// Snapshot reads every counter with a single atomic load each - not a
// consistent point-in-time transaction across fields.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		CommandsProcessed:   atomic.LoadInt64(&c.CommandsProcessed),
		ConnectionsAccepted: atomic.LoadInt64(&c.ConnectionsAccepted),
		ConnectionsRejected: atomic.LoadInt64(&c.ConnectionsRejected),
		ExpiredKeys:         atomic.LoadInt64(&c.ExpiredKeys),
		EvictedKeys:         atomic.LoadInt64(&c.EvictedKeys),
		KeyspaceHits:        atomic.LoadInt64(&c.KeyspaceHits),
		KeyspaceMisses:      atomic.LoadInt64(&c.KeyspaceMisses),
		PubsubMessages:      atomic.LoadInt64(&c.PubsubMessages),
	}
}
