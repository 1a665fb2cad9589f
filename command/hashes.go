package command

import "github.com/kvloop/kvloop/object"

func init() {
	register(&Descriptor{Name: "HSET", Arity: -4, Flags: FlagWrite, Handler: cmdHset})
	register(&Descriptor{Name: "HGET", Arity: 3, Flags: FlagReadOnly, Handler: cmdHget})
	register(&Descriptor{Name: "HDEL", Arity: -3, Flags: FlagWrite, Handler: cmdHdel})
	register(&Descriptor{Name: "HGETALL", Arity: 2, Flags: FlagReadOnly, Handler: cmdHgetall})
	register(&Descriptor{Name: "HLEN", Arity: 2, Flags: FlagReadOnly, Handler: cmdHlen})
	register(&Descriptor{Name: "HEXISTS", Arity: 3, Flags: FlagReadOnly, Handler: cmdHexists})
	register(&Descriptor{Name: "HINCRBY", Arity: 4, Flags: FlagWrite, Handler: cmdHincrby})
}

// getHashOrNil is for write handlers: Dispatch holds ctx.DB's write lock
// for these, so the lazy-delete LookupWrite performs is safe.
func getHashOrNil(ctx *Context, key string) (*object.HashValue, bool) {
	o, expired := ctx.DB.LookupWrite(key, ctx.NowMs)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeHash {
		return nil, false
	}
	return o.Hash, true
}

// getHashOrNilReadOnly is the counterpart for handlers Dispatch only
// RLocks - it must not lazily delete an expired key.
func getHashOrNilReadOnly(ctx *Context, key string) (*object.HashValue, bool) {
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeHash {
		return nil, false
	}
	return o.Hash, true
}

func cmdHset(ctx *Context, args [][]byte) {
	if (len(args)-2)%2 != 0 {
		replyErr(ctx, "ERR wrong number of arguments for 'hset' command")
		return
	}
	key := string(args[1])
	h, ok := getHashOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h == nil {
		h = object.NewHash()
		ctx.DB.Set(key, &object.Object{Type: object.TypeHash, Encoding: object.EncHashtable, Hash: h})
	}
	var created int64
	for i := 2; i < len(args); i += 2 {
		if h.Set(string(args[i]), args[i+1]) {
			created++
		}
	}
	signalModified(ctx, key)
	replyInt(ctx, created)
}

func cmdHget(ctx *Context, args [][]byte) {
	h, ok := getHashOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h == nil {
		replyBulk(ctx, nil)
		return
	}
	v, found := h.Get(string(args[2]))
	if !found {
		replyBulk(ctx, nil)
		return
	}
	replyBulk(ctx, v)
}

func cmdHdel(ctx *Context, args [][]byte) {
	key := string(args[1])
	h, ok := getHashOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h == nil {
		replyInt(ctx, 0)
		return
	}
	var removed int64
	for _, f := range args[2:] {
		if h.Del(string(f)) {
			removed++
		}
	}
	if h.Len() == 0 {
		ctx.DB.Delete(key)
	}
	signalModified(ctx, key)
	replyInt(ctx, removed)
}

func cmdHgetall(ctx *Context, args [][]byte) {
	h, ok := getHashOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h == nil {
		_ = writeBulkArray(ctx, nil)
		return
	}
	pairs := h.All()
	flat := make([][]byte, 0, len(pairs)*2)
	for _, p := range pairs {
		flat = append(flat, p[0], p[1])
	}
	_ = writeBulkArray(ctx, flat)
}

func cmdHlen(ctx *Context, args [][]byte) {
	h, ok := getHashOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h == nil {
		replyInt(ctx, 0)
		return
	}
	replyInt(ctx, int64(h.Len()))
}

func cmdHexists(ctx *Context, args [][]byte) {
	h, ok := getHashOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h != nil && h.Has(string(args[2])) {
		replyInt(ctx, 1)
		return
	}
	replyInt(ctx, 0)
}

func cmdHincrby(ctx *Context, args [][]byte) {
	key, field := string(args[1]), string(args[2])
	delta, ok := parseIntArg(args[3])
	if !ok {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	h, typeOK := getHashOrNil(ctx, key)
	if !typeOK {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h == nil {
		h = object.NewHash()
		ctx.DB.Set(key, &object.Object{Type: object.TypeHash, Encoding: object.EncHashtable, Hash: h})
	}
	next, err := h.IncrBy(field, delta)
	if err != nil {
		replyErr(ctx, "ERR "+err.Error())
		return
	}
	signalModified(ctx, key)
	replyInt(ctx, next)
}
