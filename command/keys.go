package command

import "github.com/kvloop/kvloop/session"

func init() {
	register(&Descriptor{Name: "EXPIRE", Arity: 3, Flags: FlagWrite, Handler: cmdExpire})
	register(&Descriptor{Name: "PEXPIRE", Arity: 3, Flags: FlagWrite, Handler: cmdPexpire})
	register(&Descriptor{Name: "EXPIREAT", Arity: 3, Flags: FlagWrite, Handler: cmdExpireAt})
	register(&Descriptor{Name: "PEXPIREAT", Arity: 3, Flags: FlagWrite, Handler: cmdPexpireAt})
	register(&Descriptor{Name: "TTL", Arity: 2, Flags: FlagReadOnly, Handler: cmdTTL})
	register(&Descriptor{Name: "PTTL", Arity: 2, Flags: FlagReadOnly, Handler: cmdPTTL})
	register(&Descriptor{Name: "PERSIST", Arity: 2, Flags: FlagWrite, Handler: cmdPersist})
	register(&Descriptor{Name: "EXISTS", Arity: -2, Flags: FlagReadOnly, Handler: cmdExists})
	register(&Descriptor{Name: "DEL", Arity: -2, Flags: FlagWrite, Handler: cmdDel})
	register(&Descriptor{Name: "TYPE", Arity: 2, Flags: FlagReadOnly, Handler: cmdType})
	register(&Descriptor{Name: "KEYS", Arity: 2, Flags: FlagReadOnly, Handler: cmdKeys})
	register(&Descriptor{Name: "RANDOMKEY", Arity: 1, Flags: FlagReadOnly, Handler: cmdRandomKey})
	register(&Descriptor{Name: "RENAME", Arity: 3, Flags: FlagWrite, Handler: cmdRename})

	register(&Descriptor{Name: "SELECT", Arity: 2, Flags: FlagReadOnly, Handler: cmdSelect})
	register(&Descriptor{Name: "SWAPDB", Arity: 3, Flags: FlagWrite | FlagAdmin, Handler: cmdSwapDB})
	register(&Descriptor{Name: "FLUSHDB", Arity: 1, Flags: FlagWrite, Handler: cmdFlushDB})
	register(&Descriptor{Name: "FLUSHALL", Arity: 1, Flags: FlagWrite | FlagAdmin, Handler: cmdFlushAll})
	register(&Descriptor{Name: "DBSIZE", Arity: 1, Flags: FlagReadOnly, Handler: cmdDBSize})
	register(&Descriptor{Name: "AUTH", Arity: 2, Flags: FlagReadOnly, Handler: cmdAuth})
}

func expireHelper(ctx *Context, args [][]byte, toDeadline func(n int64) int64) {
	key := string(args[1])
	n, ok := parseIntArg(args[2])
	if !ok {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	deadline := toDeadline(n)
	if deadline <= ctx.NowMs {
		ctx.DB.Delete(key)
		signalModified(ctx, key)
		replyInt(ctx, 1)
		return
	}
	if ctx.DB.SetExpire(key, deadline) {
		signalModified(ctx, key)
		replyInt(ctx, 1)
		return
	}
	replyInt(ctx, 0)
}

func cmdExpire(ctx *Context, args [][]byte) {
	expireHelper(ctx, args, func(n int64) int64 { return ctx.NowMs + n*1000 })
}

func cmdPexpire(ctx *Context, args [][]byte) {
	expireHelper(ctx, args, func(n int64) int64 { return ctx.NowMs + n })
}

func cmdExpireAt(ctx *Context, args [][]byte) {
	expireHelper(ctx, args, func(n int64) int64 { return n * 1000 })
}

func cmdPexpireAt(ctx *Context, args [][]byte) {
	expireHelper(ctx, args, func(n int64) int64 { return n })
}

// ttlHelper returns -2 for a missing key, -1 for a key with no expire,
// otherwise the remaining time in unit (1000 for seconds, 1 for millis).
func ttlHelper(ctx *Context, key string, unit int64) int64 {
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		return -2
	}
	deadline, ok := ctx.DB.GetExpire(key)
	if !ok {
		return -1
	}
	remaining := deadline - ctx.NowMs
	if remaining < 0 {
		return -2
	}
	return remaining / unit
}

func cmdTTL(ctx *Context, args [][]byte) {
	replyInt(ctx, ttlHelper(ctx, string(args[1]), 1000))
}

func cmdPTTL(ctx *Context, args [][]byte) {
	replyInt(ctx, ttlHelper(ctx, string(args[1]), 1))
}

func cmdPersist(ctx *Context, args [][]byte) {
	if ctx.DB.RemoveExpire(string(args[1])) {
		replyInt(ctx, 1)
		return
	}
	replyInt(ctx, 0)
}

func cmdExists(ctx *Context, args [][]byte) {
	var n int64
	for _, a := range args[1:] {
		if ctx.DB.Exists(string(a), ctx.NowMs) {
			n++
		}
	}
	replyInt(ctx, n)
}

func cmdDel(ctx *Context, args [][]byte) {
	var n int64
	for _, a := range args[1:] {
		key := string(a)
		if ctx.DB.Delete(key) {
			n++
			signalModified(ctx, key)
		}
	}
	replyInt(ctx, n)
}

func cmdType(ctx *Context, args [][]byte) {
	o, expired := lookupReadOnly(ctx, string(args[1]))
	if expired || o == nil {
		_ = writeSimple(ctx, "+none\r\n")
		return
	}
	_ = writeSimple(ctx, "+"+o.Type.String()+"\r\n")
}

func cmdKeys(ctx *Context, args [][]byte) {
	pattern := string(args[1])
	all := ctx.DB.Keys()
	matched := make([][]byte, 0, len(all))
	for _, k := range all {
		if !ctx.DB.Exists(k, ctx.NowMs) {
			continue
		}
		if globMatch(pattern, k) {
			matched = append(matched, []byte(k))
		}
	}
	_ = writeBulkArray(ctx, matched)
}

func cmdRandomKey(ctx *Context, args [][]byte) {
	k, ok := ctx.DB.RandomKey()
	if !ok {
		replyBulk(ctx, nil)
		return
	}
	replyBulk(ctx, []byte(k))
}

func cmdRename(ctx *Context, args [][]byte) {
	src, dst := string(args[1]), string(args[2])
	o, expired := ctx.DB.LookupWrite(src, ctx.NowMs)
	if expired || o == nil {
		replyErr(ctx, "ERR no such key")
		return
	}
	ctx.DB.Set(dst, o)
	ctx.DB.Delete(src)
	signalModified(ctx, src)
	signalModified(ctx, dst)
	replyOK(ctx)
}

func cmdSelect(ctx *Context, args [][]byte) {
	n, ok := parseIntArg(args[1])
	if !ok {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	if err := ctx.SelectDB(int(n)); err != nil {
		replyErr(ctx, "ERR "+err.Error())
		return
	}
	replyOK(ctx)
}

func cmdSwapDB(ctx *Context, args [][]byte) {
	a, ok1 := parseIntArg(args[1])
	b, ok2 := parseIntArg(args[2])
	if !ok1 || !ok2 {
		replyErr(ctx, "ERR invalid first DB index")
		return
	}
	if err := ctx.Reg.Swap(int(a), int(b)); err != nil {
		replyErr(ctx, "ERR "+err.Error())
		return
	}
	replyOK(ctx)
}

func cmdFlushDB(ctx *Context, args [][]byte) {
	ctx.DB.Empty(nil)
	replyOK(ctx)
}

func cmdFlushAll(ctx *Context, args [][]byte) {
	ctx.Reg.FlushAll()
	replyOK(ctx)
}

func cmdDBSize(ctx *Context, args [][]byte) {
	replyInt(ctx, int64(ctx.DB.Size()))
}

func cmdAuth(ctx *Context, args [][]byte) {
	snap := ctx.Snap
	pass := string(args[1])
	if snap.AdminPass != "" && pass == snap.AdminPass {
		ctx.Session.SetFlag(session.FlagAdminAuthenticated)
		ctx.Session.SetFlag(session.FlagAuthenticated)
		replyOK(ctx)
		return
	}
	if snap.RequirePass != "" && pass == snap.RequirePass {
		ctx.Session.SetFlag(session.FlagAuthenticated)
		replyOK(ctx)
		return
	}
	replyErr(ctx, "ERR invalid password")
}
