package command

import (
	"io"

	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/session"
	"github.com/kvloop/kvloop/store"
)

// Broker is the cross-session delivery surface handlers need for
// pub/sub and blocking-wakeup commands: something that can address a
// session by id without the command package itself knowing anything
// about worker ownership or migration. The worker package provides the
// real implementation; tests use a fake.
type Broker interface {
	// Send enqueues payload onto the out-queue of the session identified
	// by id and arms it for writing, wherever it currently lives.
	Send(sessionID uint64, payload []byte)
	// MarkDirty flips the dirty-CAS flag of the session identified by id,
	// wherever it currently lives. Safe to call without knowing which
	// worker owns that session, since session.Flags is itself a
	// lock-free atomic bitmask (see session.Session.SetFlag).
	MarkDirty(sessionID uint64)
}

// Context bundles everything a Handler needs, assembled fresh by the
// worker loop for each command and never retained past the call: no
// handler keeps references past the lock scope.
type Context struct {
	Session *session.Session
	DB      *store.Database
	Reg     *store.Registry
	// Cfg is the authoritative configuration, touched only by CONFIG
	// GET/SET; every other read goes through Snap, the owning loop's
	// once-per-second cached copy.
	Cfg     *config.Config
	Snap    config.Snapshot
	Stats   *stats.Counters
	SlowLog *stats.SlowLog
	Broker  Broker
	NowMs   int64
	Out     io.Writer
}

// SelectDB switches ctx.DB (and ctx.Session.DB) to index, used by SELECT.
func (ctx *Context) SelectDB(index int) error {
	db, err := ctx.Reg.Get(index)
	if err != nil {
		return err
	}
	ctx.DB = db
	ctx.Session.DB = index
	return nil
}
