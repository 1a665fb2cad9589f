package command

import (
	"strconv"

	"github.com/kvloop/kvloop/object"
)

func init() {
	register(&Descriptor{Name: "PING", Arity: -1, Flags: FlagReadOnly, Handler: cmdPing})
	register(&Descriptor{Name: "ECHO", Arity: 2, Flags: FlagReadOnly, Handler: cmdEcho})
	register(&Descriptor{Name: "SET", Arity: -3, Flags: FlagWrite, Handler: cmdSet})
	register(&Descriptor{Name: "GET", Arity: 2, Flags: FlagReadOnly, Handler: cmdGet})
	register(&Descriptor{Name: "GETSET", Arity: 3, Flags: FlagWrite, Handler: cmdGetSet})
	register(&Descriptor{Name: "APPEND", Arity: 3, Flags: FlagWrite, Handler: cmdAppend})
	register(&Descriptor{Name: "STRLEN", Arity: 2, Flags: FlagReadOnly, Handler: cmdStrlen})
	register(&Descriptor{Name: "INCR", Arity: 2, Flags: FlagWrite, Handler: cmdIncr})
	register(&Descriptor{Name: "DECR", Arity: 2, Flags: FlagWrite, Handler: cmdDecr})
	register(&Descriptor{Name: "INCRBY", Arity: 3, Flags: FlagWrite, Handler: cmdIncrBy})
	register(&Descriptor{Name: "DECRBY", Arity: 3, Flags: FlagWrite, Handler: cmdDecrBy})
	register(&Descriptor{Name: "SETEX", Arity: 4, Flags: FlagWrite, Handler: cmdSetex})
	register(&Descriptor{Name: "PSETEX", Arity: 4, Flags: FlagWrite, Handler: cmdPsetex})
	register(&Descriptor{Name: "SETNX", Arity: 3, Flags: FlagWrite, Handler: cmdSetnx})
	register(&Descriptor{Name: "MSET", Arity: -3, Flags: FlagWrite, Handler: cmdMset})
	register(&Descriptor{Name: "MGET", Arity: -2, Flags: FlagReadOnly, Handler: cmdMget})
}

func cmdPing(ctx *Context, args [][]byte) {
	if len(args) >= 2 {
		replyBulk(ctx, args[1])
		return
	}
	_ = writeSimple(ctx, "+PONG\r\n")
}

func writeSimple(ctx *Context, raw string) error {
	_, err := ctx.Out.Write([]byte(raw))
	return err
}

func cmdEcho(ctx *Context, args [][]byte) {
	replyBulk(ctx, args[1])
}

// cmdSet implements SET key value [EX seconds|PX millis|KEEPTTL] [NX|XX].
func cmdSet(ctx *Context, args [][]byte) {
	key, val := string(args[1]), args[2]
	var ttlMs int64 = -1
	keepTTL := false
	nx, xx := false, false

	for i := 3; i < len(args); i++ {
		opt := upper(args[i])
		switch opt {
		case "EX", "PX":
			if i+1 >= len(args) {
				replyErr(ctx, "ERR syntax error")
				return
			}
			n, ok := parseIntArg(args[i+1])
			if !ok || n <= 0 {
				replyErr(ctx, "ERR invalid expire time in 'set' command")
				return
			}
			if opt == "EX" {
				ttlMs = n * 1000
			} else {
				ttlMs = n
			}
			i++
		case "KEEPTTL":
			keepTTL = true
		case "NX":
			nx = true
		case "XX":
			xx = true
		default:
			replyErr(ctx, "ERR syntax error")
			return
		}
	}

	exists := ctx.DB.Exists(key, ctx.NowMs)
	if nx && exists {
		replyBulk(ctx, nil)
		return
	}
	if xx && !exists {
		replyBulk(ctx, nil)
		return
	}

	obj := object.NewStringObject(val)
	if keepTTL {
		if deadline, ok := ctx.DB.GetExpire(key); ok {
			ctx.DB.Set(key, obj)
			ctx.DB.SetExpire(key, deadline)
			signalModified(ctx, key)
			replyOK(ctx)
			return
		}
	}
	ctx.DB.Set(key, obj)
	if ttlMs >= 0 {
		ctx.DB.SetExpire(key, ctx.NowMs+ttlMs)
	}
	signalModified(ctx, key)
	replyOK(ctx)
}

// signalModified marks every session watching key as dirty-CAS, via
// ctx.Broker so this package never needs to know which worker owns a
// watching session - every write path calls this after actually
// mutating the key. It also refreshes the key's accounted footprint,
// which in-place collection mutations (list push, hash field set)
// would otherwise leave stale.
func signalModified(ctx *Context, key string) {
	ctx.DB.Reaccount(key)
	ids := ctx.DB.SignalModifiedKey(key)
	if ctx.Broker == nil {
		return
	}
	for _, id := range ids {
		ctx.Broker.MarkDirty(id)
	}
}

func cmdGet(ctx *Context, args [][]byte) {
	key := string(args[1])
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		ctx.Stats.IncrKeyspaceMisses()
		replyBulk(ctx, nil)
		return
	}
	if o.Type != object.TypeString {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	ctx.Stats.IncrKeyspaceHits()
	replyBulk(ctx, o.String.Bytes())
}

func wrongTypeMsg() string {
	return "WRONGTYPE Operation against a key holding the wrong kind of value"
}

func cmdGetSet(ctx *Context, args [][]byte) {
	key := string(args[1])
	o, _ := ctx.DB.LookupWrite(key, ctx.NowMs)
	var old []byte
	if o != nil {
		if o.Type != object.TypeString {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		old = o.String.Bytes()
	}
	ctx.DB.Set(key, object.NewStringObject(args[2]))
	signalModified(ctx, key)
	replyBulk(ctx, old)
}

func cmdAppend(ctx *Context, args [][]byte) {
	key := string(args[1])
	o, _ := ctx.DB.LookupWrite(key, ctx.NowMs)
	var newVal []byte
	if o == nil {
		newVal = append([]byte(nil), args[2]...)
	} else {
		if o.Type != object.TypeString {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		newVal = append(append([]byte(nil), o.String.Bytes()...), args[2]...)
	}
	deadline, hadExpire := ctx.DB.GetExpire(key)
	ctx.DB.Set(key, object.NewStringObject(newVal))
	if o != nil && hadExpire {
		ctx.DB.SetExpire(key, deadline)
	}
	signalModified(ctx, key)
	replyInt(ctx, int64(len(newVal)))
}

func cmdStrlen(ctx *Context, args [][]byte) {
	key := string(args[1])
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		replyInt(ctx, 0)
		return
	}
	if o.Type != object.TypeString {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	replyInt(ctx, int64(o.String.Len()))
}

func incrByHelper(ctx *Context, key string, delta int64) {
	o, _ := ctx.DB.LookupWrite(key, ctx.NowMs)
	var cur int64
	if o != nil {
		if o.Type != object.TypeString {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		n, ok := o.String.Int64()
		if !ok {
			replyErr(ctx, "ERR value is not an integer or out of range")
			return
		}
		cur = n
	}
	next := cur + delta
	obj := &object.Object{Type: object.TypeString, Encoding: object.EncInt, String: object.NewStringInt(next)}
	deadline, hadExpire := ctx.DB.GetExpire(key)
	ctx.DB.Set(key, obj)
	if o != nil && hadExpire {
		ctx.DB.SetExpire(key, deadline)
	}
	signalModified(ctx, key)
	replyInt(ctx, next)
}

func cmdIncr(ctx *Context, args [][]byte) { incrByHelper(ctx, string(args[1]), 1) }
func cmdDecr(ctx *Context, args [][]byte) { incrByHelper(ctx, string(args[1]), -1) }

func cmdIncrBy(ctx *Context, args [][]byte) {
	n, ok := parseIntArg(args[2])
	if !ok {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	incrByHelper(ctx, string(args[1]), n)
}

func cmdDecrBy(ctx *Context, args [][]byte) {
	n, ok := parseIntArg(args[2])
	if !ok {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	incrByHelper(ctx, string(args[1]), -n)
}

func setexHelper(ctx *Context, args [][]byte, unitMs int64) {
	key := string(args[1])
	n, ok := parseIntArg(args[2])
	if !ok || n <= 0 {
		replyErr(ctx, "ERR invalid expire time in 'setex' command")
		return
	}
	ctx.DB.Set(key, object.NewStringObject(args[3]))
	ctx.DB.SetExpire(key, ctx.NowMs+n*unitMs)
	signalModified(ctx, key)
	replyOK(ctx)
}

func cmdSetex(ctx *Context, args [][]byte)  { setexHelper(ctx, args, 1000) }
func cmdPsetex(ctx *Context, args [][]byte) { setexHelper(ctx, args, 1) }

func cmdSetnx(ctx *Context, args [][]byte) {
	key := string(args[1])
	if ctx.DB.Exists(key, ctx.NowMs) {
		replyInt(ctx, 0)
		return
	}
	ctx.DB.Set(key, object.NewStringObject(args[2]))
	signalModified(ctx, key)
	replyInt(ctx, 1)
}

func cmdMset(ctx *Context, args [][]byte) {
	if (len(args)-1)%2 != 0 {
		replyErr(ctx, "ERR wrong number of arguments for 'mset' command")
		return
	}
	for i := 1; i < len(args); i += 2 {
		key := string(args[i])
		ctx.DB.Set(key, object.NewStringObject(args[i+1]))
		signalModified(ctx, key)
	}
	replyOK(ctx)
}

func cmdMget(ctx *Context, args [][]byte) {
	_ = writeArrayHeaderInt(ctx, len(args)-1)
	for i := 1; i < len(args); i++ {
		o, expired := lookupReadOnly(ctx, string(args[i]))
		if expired || o == nil || o.Type != object.TypeString {
			replyBulk(ctx, nil)
			continue
		}
		replyBulk(ctx, o.String.Bytes())
	}
}

func writeArrayHeaderInt(ctx *Context, n int) error {
	_, err := ctx.Out.Write([]byte("*" + strconv.Itoa(n) + "\r\n"))
	return err
}

func upper(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
