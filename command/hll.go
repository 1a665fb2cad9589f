package command

import "github.com/kvloop/kvloop/object"

func init() {
	register(&Descriptor{Name: "PFADD", Arity: -2, Flags: FlagWrite, Handler: cmdPfadd})
	register(&Descriptor{Name: "PFCOUNT", Arity: -2, Flags: FlagReadOnly, Handler: cmdPfcount})
	register(&Descriptor{Name: "PFMERGE", Arity: -2, Flags: FlagWrite, Handler: cmdPfmerge})
}

// getHLLOrNil is for write handlers: Dispatch holds ctx.DB's write lock
// for these, so the lazy-delete LookupWrite performs is safe.
func getHLLOrNil(ctx *Context, key string) (*object.HLLValue, bool) {
	o, expired := ctx.DB.LookupWrite(key, ctx.NowMs)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeHLL {
		return nil, false
	}
	return o.HLL, true
}

// getHLLOrNilReadOnly is the counterpart for handlers Dispatch only
// RLocks - it must not lazily delete an expired key.
func getHLLOrNilReadOnly(ctx *Context, key string) (*object.HLLValue, bool) {
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeHLL {
		return nil, false
	}
	return o.HLL, true
}

func cmdPfadd(ctx *Context, args [][]byte) {
	key := string(args[1])
	h, ok := getHLLOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if h == nil {
		h = object.NewHLL()
		ctx.DB.Set(key, &object.Object{Type: object.TypeHLL, Encoding: object.EncDense, HLL: h})
	}
	var changed bool
	for _, el := range args[2:] {
		if h.Add(el) {
			changed = true
		}
	}
	signalModified(ctx, key)
	if changed {
		replyInt(ctx, 1)
		return
	}
	replyInt(ctx, 0)
}

func cmdPfcount(ctx *Context, args [][]byte) {
	if len(args) == 2 {
		h, ok := getHLLOrNilReadOnly(ctx, string(args[1]))
		if !ok {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		if h == nil {
			replyInt(ctx, 0)
			return
		}
		replyInt(ctx, int64(h.Count()))
		return
	}
	merged := object.NewHLL()
	for _, a := range args[1:] {
		h, ok := getHLLOrNilReadOnly(ctx, string(a))
		if !ok {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		if h != nil {
			merged.Merge(h)
		}
	}
	replyInt(ctx, int64(merged.Count()))
}

func cmdPfmerge(ctx *Context, args [][]byte) {
	destKey := string(args[1])
	dest, ok := getHLLOrNil(ctx, destKey)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if dest == nil {
		dest = object.NewHLL()
	}
	for _, a := range args[2:] {
		src, srcOK := getHLLOrNil(ctx, string(a))
		if !srcOK {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		if src != nil {
			dest.Merge(src)
		}
	}
	ctx.DB.Set(destKey, &object.Object{Type: object.TypeHLL, Encoding: object.EncDense, HLL: dest})
	signalModified(ctx, destKey)
	replyOK(ctx)
}
