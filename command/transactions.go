package command

import (
	"github.com/kvloop/kvloop/resp"
	"github.com/kvloop/kvloop/session"
)

func init() {
	register(&Descriptor{Name: "WATCH", Arity: -2, Flags: FlagReadOnly, Handler: cmdWatch})
	register(&Descriptor{Name: "UNWATCH", Arity: 1, Flags: FlagReadOnly, Handler: cmdUnwatch})
	register(&Descriptor{Name: "MULTI", Arity: 1, Flags: FlagReadOnly, Handler: cmdMulti})
	register(&Descriptor{Name: "EXEC", Arity: 1, Flags: FlagWrite, Handler: cmdExec})
	register(&Descriptor{Name: "DISCARD", Arity: 1, Flags: FlagReadOnly, Handler: cmdDiscard})
}

// cmdWatch runs under the command lock Dispatch already took on ctx.DB -
// safe because WATCH only ever registers against the currently selected
// database.
func cmdWatch(ctx *Context, args [][]byte) {
	if ctx.Session.InMulti() {
		replyErr(ctx, "ERR WATCH inside MULTI is not allowed")
		return
	}
	for _, k := range args[1:] {
		key := string(k)
		ctx.Session.Watch(ctx.Session.DB, key)
		ctx.DB.Watch(key, ctx.Session.ID)
	}
	replyOK(ctx)
}

// cmdUnwatch is dispatched with no lock held (see noCommandLock in
// dispatch.go) since a session's watches can span multiple databases;
// unwatchAll locks each one it actually touches.
func cmdUnwatch(ctx *Context, args [][]byte) {
	unwatchAll(ctx)
	replyOK(ctx)
}

// unwatchAll removes every watch the session currently holds, across
// whichever databases they were registered against - a session can WATCH
// a key, SELECT to another database, and WATCH again, so this cannot
// assume everything lives in ctx.DB. Callers (cmdUnwatch, cmdDiscard,
// cmdExec) must not already hold a lock on any database in the registry.
func unwatchAll(ctx *Context) {
	for _, wk := range ctx.Session.WatchedKeys() {
		if db, err := ctx.Reg.Get(wk.DB); err == nil {
			db.Lock()
			db.Unwatch(wk.Key, ctx.Session.ID)
			db.Unlock()
		}
	}
	ctx.Session.ClearWatches()
}

func cmdMulti(ctx *Context, args [][]byte) {
	if ctx.Session.InMulti() {
		replyErr(ctx, "ERR MULTI calls can not be nested")
		return
	}
	ctx.Session.BeginMulti()
	replyOK(ctx)
}

// cmdDiscard is dispatched with no lock held for the same reason as
// cmdUnwatch: unwatchAll may touch databases other than ctx.DB.
func cmdDiscard(ctx *Context, args [][]byte) {
	if !ctx.Session.InMulti() {
		replyErr(ctx, "ERR DISCARD without MULTI")
		return
	}
	ctx.Session.EndMulti()
	unwatchAll(ctx)
	replyOK(ctx)
}

// cmdExec replays every staged command in order, unless the session's
// dirty-CAS flag was set by a watched key changing since WATCH. It is
// dispatched with no lock held (see noCommandLock in dispatch.go): each
// staged command gets its own independent Dispatch call and therefore
// its own lock cycle, and unwatchAll below may touch databases other
// than ctx.DB.
func cmdExec(ctx *Context, args [][]byte) {
	if !ctx.Session.InMulti() {
		replyErr(ctx, "ERR EXEC without MULTI")
		return
	}
	dirtyExec := ctx.Session.HasFlag(session.FlagDirtyExec)
	dirtyCAS := ctx.Session.HasFlag(session.FlagDirtyCAS)
	staged := ctx.Session.Staged()
	ctx.Session.EndMulti()
	unwatchAll(ctx)

	if dirtyExec {
		replyErr(ctx, "EXECABORT Transaction discarded because of previous errors.")
		return
	}
	if dirtyCAS {
		replyNullArray(ctx)
		return
	}

	_ = resp.WriteArrayHeader(ctx.Out, len(staged))
	for _, cmd := range staged {
		Dispatch(ctx, cmd.Args)
	}
}
