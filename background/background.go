// Package background implements the maintenance loop: it owns no
// sessions and runs the time-budgeted slow active-expire cycle, the
// keyspace-map shrink step, and the coarse LRU clock advance across
// every database, on its own event-loop-driven cron - separate from any
// worker's per-tick fast cycle (worker.Worker.fastActiveExpire).
package background

import (
	"context"
	"time"

	"github.com/kvloop/kvloop/eventloop"
	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/logging"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/store"
)

// slowCycleSampleSize is how many expiring keys are inspected per
// database per round of the slow active-expire cycle.
const slowCycleSampleSize = 20

// expiredRatioThreshold is the fraction of a sampled batch that must
// have actually expired for the slow cycle to keep sweeping the same
// database rather than moving on.
const expiredRatioThreshold = 0.25

// Loop is the background maintenance loop: it runs on the same
// eventloop.Loop primitives as a Worker, but registers no fds of its own
// and serves no client commands.
type Loop struct {
	Reg   *store.Registry
	Cfg   *config.Config
	Stats *stats.Counters
	Log   logging.Logger

	loop *eventloop.Loop

	dbCursor int
}

// New builds a Loop with its own event loop, ready for Run.
func New(reg *store.Registry, cfg *config.Config, st *stats.Counters, log logging.Logger) (*Loop, error) {
	el, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &Loop{Reg: reg, Cfg: cfg, Stats: st, Log: log, loop: el}, nil
}

// Run blocks until ctx is cancelled or Shutdown is called.
func (b *Loop) Run(ctx context.Context) error {
	b.scheduleCron(b.period())
	return b.loop.Run(ctx)
}

// Shutdown requests graceful termination.
func (b *Loop) Shutdown(ctx context.Context) error {
	return b.loop.Shutdown(ctx)
}

func (b *Loop) period() time.Duration {
	hz := b.Cfg.Snapshot().Hz
	if hz <= 0 {
		hz = 10
	}
	return time.Second / time.Duration(hz)
}

func (b *Loop) scheduleCron(period time.Duration) {
	b.loop.ScheduleTimer(period, func() {
		b.tick()
		b.scheduleCron(b.period())
	})
}

// tick runs one round of the slow active-expire cycle, bounded by a
// 25ms/hz time budget, round-robining across every database between
// invocations so no single database starves the rest under sustained
// load.
func (b *Loop) tick() {
	dbs := b.Reg.All()
	if len(dbs) == 0 {
		return
	}

	budget := 25 * time.Millisecond / time.Duration(maxInt(b.Cfg.Snapshot().Hz, 1))
	deadline := time.Now().Add(budget)

	for n := 0; n < len(dbs) && time.Now().Before(deadline); n++ {
		idx := b.dbCursor % len(dbs)
		b.dbCursor++
		db := dbs[idx]

		db.Lock()
		db.AdvanceLRUClock()
		db.Unlock()
		b.sweepExpired(db, deadline)
		db.Lock()
		db.MaybeShrink()
		db.Unlock()
	}
}

// sweepExpired samples one batch at a time, taking the database's write
// lock per batch and releasing it between batches so worker commands can
// interleave with a long sweep.
func (b *Loop) sweepExpired(db *store.Database, deadline time.Time) {
	now := b.loop.Now().UnixMilli()
	for {
		db.Lock()
		sampled, expired := db.SampleExpiredKeys(now, slowCycleSampleSize)
		db.Unlock()
		if expired > 0 {
			b.Stats.AddExpiredKeys(int64(expired))
		}
		if sampled == 0 || time.Now().After(deadline) {
			return
		}
		if float64(expired) < expiredRatioThreshold*float64(sampled) {
			return
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
