package command

import "github.com/kvloop/kvloop/object"

func init() {
	register(&Descriptor{Name: "SADD", Arity: -3, Flags: FlagWrite, Handler: cmdSadd})
	register(&Descriptor{Name: "SREM", Arity: -3, Flags: FlagWrite, Handler: cmdSrem})
	register(&Descriptor{Name: "SISMEMBER", Arity: 3, Flags: FlagReadOnly, Handler: cmdSismember})
	register(&Descriptor{Name: "SCARD", Arity: 2, Flags: FlagReadOnly, Handler: cmdScard})
	register(&Descriptor{Name: "SMEMBERS", Arity: 2, Flags: FlagReadOnly, Handler: cmdSmembers})
	register(&Descriptor{Name: "SINTER", Arity: -2, Flags: FlagReadOnly, Handler: cmdSinter})
	register(&Descriptor{Name: "SUNION", Arity: -2, Flags: FlagReadOnly, Handler: cmdSunion})
	register(&Descriptor{Name: "SDIFF", Arity: -2, Flags: FlagReadOnly, Handler: cmdSdiff})
}

// getSetOrNil is for write handlers: Dispatch holds ctx.DB's write lock
// for these, so the lazy-delete LookupWrite performs is safe.
func getSetOrNil(ctx *Context, key string) (*object.SetValue, bool) {
	o, expired := ctx.DB.LookupWrite(key, ctx.NowMs)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeSet {
		return nil, false
	}
	return o.Set, true
}

// getSetOrNilReadOnly is the counterpart for handlers Dispatch only
// RLocks - it must not lazily delete an expired key.
func getSetOrNilReadOnly(ctx *Context, key string) (*object.SetValue, bool) {
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeSet {
		return nil, false
	}
	return o.Set, true
}

func cmdSadd(ctx *Context, args [][]byte) {
	key := string(args[1])
	s, ok := getSetOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if s == nil {
		s = object.NewSet()
		ctx.DB.Set(key, &object.Object{Type: object.TypeSet, Encoding: object.EncHashtable, Set: s})
	}
	var added int64
	for _, m := range args[2:] {
		if s.Add(string(m)) {
			added++
		}
	}
	signalModified(ctx, key)
	replyInt(ctx, added)
}

func cmdSrem(ctx *Context, args [][]byte) {
	key := string(args[1])
	s, ok := getSetOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if s == nil {
		replyInt(ctx, 0)
		return
	}
	var removed int64
	for _, m := range args[2:] {
		if s.Remove(string(m)) {
			removed++
		}
	}
	if s.Len() == 0 {
		ctx.DB.Delete(key)
	}
	signalModified(ctx, key)
	replyInt(ctx, removed)
}

func cmdSismember(ctx *Context, args [][]byte) {
	s, ok := getSetOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if s != nil && s.Has(string(args[2])) {
		replyInt(ctx, 1)
		return
	}
	replyInt(ctx, 0)
}

func cmdScard(ctx *Context, args [][]byte) {
	s, ok := getSetOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if s == nil {
		replyInt(ctx, 0)
		return
	}
	replyInt(ctx, int64(s.Len()))
}

func cmdSmembers(ctx *Context, args [][]byte) {
	s, ok := getSetOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if s == nil {
		_ = writeBulkArray(ctx, nil)
		return
	}
	_ = writeBulkArray(ctx, membersToBytes(s.Members()))
}

func membersToBytes(members []string) [][]byte {
	out := make([][]byte, len(members))
	for i, m := range members {
		out[i] = []byte(m)
	}
	return out
}

// setCombine backs SINTER/SUNION/SDIFF, all FlagReadOnly; Dispatch only
// RLocks for these, so its lookups must not lazily delete.
func setCombine(ctx *Context, args [][]byte, combine func(a *object.SetValue, rest []*object.SetValue) []string) {
	sets := make([]*object.SetValue, 0, len(args)-1)
	for _, a := range args[1:] {
		s, ok := getSetOrNilReadOnly(ctx, string(a))
		if !ok {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		if s == nil {
			s = object.NewSet()
		}
		sets = append(sets, s)
	}
	if len(sets) == 0 {
		_ = writeBulkArray(ctx, nil)
		return
	}
	_ = writeBulkArray(ctx, membersToBytes(combine(sets[0], sets[1:])))
}

func cmdSinter(ctx *Context, args [][]byte) {
	setCombine(ctx, args, func(a *object.SetValue, rest []*object.SetValue) []string {
		return a.Inter(rest...)
	})
}

func cmdSunion(ctx *Context, args [][]byte) {
	setCombine(ctx, args, func(a *object.SetValue, rest []*object.SetValue) []string {
		return a.Union(rest...)
	})
}

func cmdSdiff(ctx *Context, args [][]byte) {
	setCombine(ctx, args, func(a *object.SetValue, rest []*object.SetValue) []string {
		return a.Diff(rest...)
	})
}
