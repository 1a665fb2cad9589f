package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kvloop/kvloop/resp"
	"github.com/kvloop/kvloop/session"
	"github.com/kvloop/kvloop/store"
)

// lockKind says what command.Dispatch must do to ctx.DB before invoking a
// Handler, so a read-modify-write command like INCR sees one atomic lock
// scope spanning its whole lookup-then-set sequence instead of the
// handler re-locking per primitive.
type lockKind int

const (
	// lockWrite takes ctx.DB.Lock/Unlock around Handler - the default for
	// anything that can mutate the keyspace, the blocked/watched/pubsub
	// indices, or that has no flag telling Dispatch it's safe not to.
	lockWrite lockKind = iota
	// lockRead takes ctx.DB.RLock/RUnlock around Handler, for commands
	// that only ever call the package's non-mutating accessors.
	lockRead
	// lockNone takes no lock at all: the handler manages its own locking,
	// because it touches more than just ctx.DB (EXEC re-dispatches staged
	// commands each needing their own lock cycle; SWAPDB/FLUSHALL touch
	// every database in the registry; DISCARD/UNWATCH may clear watches
	// registered against databases other than the one currently selected).
	lockNone
)

// noCommandLock names every command whose handler must not be wrapped in
// a single ctx.DB lock, because it either re-enters Dispatch itself or
// touches databases other than ctx.DB under its own locking.
var noCommandLock = map[string]bool{
	"EXEC":     true,
	"SWAPDB":   true,
	"FLUSHALL": true,
	"DISCARD":  true,
	"UNWATCH":  true,
}

// forceWriteLock names read-only-flagged commands that still mutate
// Database fields other than the keyspace (here, the watched-key index),
// so FlagReadOnly alone would under-lock them.
var forceWriteLock = map[string]bool{
	"WATCH": true,
}

func lockKindFor(d *Descriptor) lockKind {
	if noCommandLock[d.Name] {
		return lockNone
	}
	if forceWriteLock[d.Name] {
		return lockWrite
	}
	if d.Flags&FlagWrite != 0 {
		return lockWrite
	}
	if d.Flags&FlagReadOnly != 0 {
		return lockRead
	}
	return lockWrite
}

// Dispatch looks up args[0] in Table, checks arity and admin-auth, and
// invokes its handler under the database lock scope lockKindFor decides,
// so concurrent commands from different worker threads against the same
// *store.Database never interleave between a handler's own lookup and
// mutate steps; it writes a protocol-level error reply itself for every
// failure mode so callers (worker.Loop) never need to know the wire
// format.
func Dispatch(ctx *Context, args [][]byte) {
	if len(args) == 0 {
		return
	}
	d := Lookup(args[0])
	if d == nil {
		replyErr(ctx, fmt.Sprintf("ERR unknown command '%s'", string(args[0])))
		return
	}
	if !CheckArity(d, args) {
		replyErr(ctx, fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(d.Name)))
		return
	}
	if needsAuth(ctx, d) {
		replyErr(ctx, "NOAUTH Authentication required.")
		return
	}
	needsAdmin := d.Flags&FlagAdmin != 0 || needsAdminPass(ctx, d.Name)
	if needsAdmin && !ctx.Session.HasFlag(session.FlagAdminAuthenticated) {
		replyErr(ctx, "NOAUTH Admin authentication required")
		return
	}

	switch lockKindFor(d) {
	case lockWrite:
		ctx.DB.Lock()
		defer ctx.DB.Unlock()
		if d.Flags&FlagWrite != 0 && !freeMemoryIfNeeded(ctx) {
			replyErr(ctx, "OOM command not allowed when used memory > 'maxmemory'.")
			return
		}
	case lockRead:
		ctx.DB.RLock()
		defer ctx.DB.RUnlock()
	}
	d.Handler(ctx, args)
}

// freeMemoryIfNeeded evicts keys from the selected database until used
// memory fits under maxmemory, following the configured policy. Returns
// false when the limit is exceeded and the policy is noeviction, in
// which case the write must be rejected with OOM. Assumes ctx.DB's write
// lock is held.
func freeMemoryIfNeeded(ctx *Context) bool {
	snap := ctx.Snap
	if snap.MaxMemory <= 0 {
		return true
	}
	for ctx.Reg.UsedMemory() > snap.MaxMemory {
		if snap.MaxMemoryPolicy == store.PolicyNoEviction {
			return false
		}
		victim, ok := ctx.DB.EvictOne(snap.MaxMemoryPolicy, snap.MaxMemorySamples)
		if !ok {
			// Nothing eligible in the selected database; let the write
			// proceed rather than starving it on other databases' usage.
			return true
		}
		ctx.Stats.AddEvictedKeys(1)
		signalModified(ctx, victim)
	}
	return true
}

// needsAuth reports whether d must be rejected because requirepass is
// set and the session hasn't authenticated yet. AUTH itself always
// passes, as it's the only way out of the unauthenticated state.
func needsAuth(ctx *Context, d *Descriptor) bool {
	if d.Name == "AUTH" {
		return false
	}
	if ctx.Session.HasFlag(session.FlagAuthenticated) {
		return false
	}
	return ctx.Snap.RequirePass != ""
}

func needsAdminPass(ctx *Context, name string) bool {
	_, ok := ctx.Snap.CommandsNeedAdminPass[strings.ToLower(name)]
	return ok
}

func replyErr(ctx *Context, msg string) {
	_ = resp.WriteError(ctx.Out, msg)
}

func replyOK(ctx *Context) {
	_ = resp.WriteSimpleString(ctx.Out, "OK")
}

func replyInt(ctx *Context, n int64) {
	_ = resp.WriteInteger(ctx.Out, n)
}

func replyBulk(ctx *Context, b []byte) {
	_ = resp.WriteBulkString(ctx.Out, b)
}

func replyNullArray(ctx *Context) {
	_ = resp.WriteNullArray(ctx.Out)
}

func parseIntArg(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(string(b), 10, 64)
	return n, err == nil
}
