package command

import (
	"strconv"

	"github.com/kvloop/kvloop/object"
)

func init() {
	register(&Descriptor{Name: "ZADD", Arity: -4, Flags: FlagWrite, Handler: cmdZadd})
	register(&Descriptor{Name: "ZSCORE", Arity: 3, Flags: FlagReadOnly, Handler: cmdZscore})
	register(&Descriptor{Name: "ZRANGE", Arity: 4, Flags: FlagReadOnly, Handler: cmdZrange})
	register(&Descriptor{Name: "ZRANK", Arity: 3, Flags: FlagReadOnly, Handler: cmdZrank})
	register(&Descriptor{Name: "ZCARD", Arity: 2, Flags: FlagReadOnly, Handler: cmdZcard})
	register(&Descriptor{Name: "ZINCRBY", Arity: 4, Flags: FlagWrite, Handler: cmdZincrby})
	register(&Descriptor{Name: "ZREM", Arity: -3, Flags: FlagWrite, Handler: cmdZrem})
}

// getZSetOrNil is for write handlers: Dispatch holds ctx.DB's write lock
// for these, so the lazy-delete LookupWrite performs is safe.
func getZSetOrNil(ctx *Context, key string) (*object.ZSetValue, bool) {
	o, expired := ctx.DB.LookupWrite(key, ctx.NowMs)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeZSet {
		return nil, false
	}
	return o.ZSet, true
}

// getZSetOrNilReadOnly is the counterpart for handlers Dispatch only
// RLocks - it must not lazily delete an expired key.
func getZSetOrNilReadOnly(ctx *Context, key string) (*object.ZSetValue, bool) {
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		return nil, true
	}
	if o.Type != object.TypeZSet {
		return nil, false
	}
	return o.ZSet, true
}

func cmdZadd(ctx *Context, args [][]byte) {
	if (len(args)-2)%2 != 0 {
		replyErr(ctx, "ERR syntax error")
		return
	}
	key := string(args[1])
	z, ok := getZSetOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if z == nil {
		z = object.NewZSet()
		ctx.DB.Set(key, &object.Object{Type: object.TypeZSet, Encoding: object.EncSkiplist, ZSet: z})
	}
	var added int64
	for i := 2; i < len(args); i += 2 {
		score, sok := parseFloat(string(args[i]))
		if !sok {
			replyErr(ctx, "ERR value is not a valid float")
			return
		}
		if z.Add(string(args[i+1]), score) {
			added++
		}
	}
	signalModified(ctx, key)
	replyInt(ctx, added)
}

func cmdZscore(ctx *Context, args [][]byte) {
	z, ok := getZSetOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if z == nil {
		replyBulk(ctx, nil)
		return
	}
	score, found := z.Score(string(args[2]))
	if !found {
		replyBulk(ctx, nil)
		return
	}
	replyBulk(ctx, formatScore(score))
}

func formatScore(f float64) []byte {
	return []byte(strconv.FormatFloat(f, 'f', -1, 64))
}

func cmdZrange(ctx *Context, args [][]byte) {
	z, ok := getZSetOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if z == nil {
		_ = writeBulkArray(ctx, nil)
		return
	}
	start, ok1 := parseIntArg(args[2])
	stop, ok2 := parseIntArg(args[3])
	if !ok1 || !ok2 {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	members := z.Range(int(start), int(stop))
	flat := make([][]byte, len(members))
	for i, m := range members {
		flat[i] = []byte(m.Member)
	}
	_ = writeBulkArray(ctx, flat)
}

func cmdZrank(ctx *Context, args [][]byte) {
	z, ok := getZSetOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if z == nil {
		replyBulk(ctx, nil)
		return
	}
	rank, found := z.Rank(string(args[2]))
	if !found {
		replyBulk(ctx, nil)
		return
	}
	replyInt(ctx, int64(rank))
}

func cmdZcard(ctx *Context, args [][]byte) {
	z, ok := getZSetOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if z == nil {
		replyInt(ctx, 0)
		return
	}
	replyInt(ctx, int64(z.Len()))
}

func cmdZincrby(ctx *Context, args [][]byte) {
	key := string(args[1])
	delta, ok := parseFloat(string(args[2]))
	if !ok {
		replyErr(ctx, "ERR value is not a valid float")
		return
	}
	z, typeOK := getZSetOrNil(ctx, key)
	if !typeOK {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if z == nil {
		z = object.NewZSet()
		ctx.DB.Set(key, &object.Object{Type: object.TypeZSet, Encoding: object.EncSkiplist, ZSet: z})
	}
	next := z.IncrBy(string(args[3]), delta)
	signalModified(ctx, key)
	replyBulk(ctx, formatScore(next))
}

func cmdZrem(ctx *Context, args [][]byte) {
	key := string(args[1])
	z, ok := getZSetOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if z == nil {
		replyInt(ctx, 0)
		return
	}
	var removed int64
	for _, m := range args[2:] {
		if z.Remove(string(m)) {
			removed++
		}
	}
	if z.Len() == 0 {
		ctx.DB.Delete(key)
	}
	signalModified(ctx, key)
	replyInt(ctx, removed)
}
