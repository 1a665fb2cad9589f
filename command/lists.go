package command

import (
	"github.com/kvloop/kvloop/object"
	"github.com/kvloop/kvloop/session"
	"github.com/kvloop/kvloop/store"
)

func init() {
	register(&Descriptor{Name: "LPUSH", Arity: -3, Flags: FlagWrite, Handler: cmdLpush})
	register(&Descriptor{Name: "RPUSH", Arity: -3, Flags: FlagWrite, Handler: cmdRpush})
	register(&Descriptor{Name: "LPOP", Arity: 2, Flags: FlagWrite, Handler: cmdLpop})
	register(&Descriptor{Name: "RPOP", Arity: 2, Flags: FlagWrite, Handler: cmdRpop})
	register(&Descriptor{Name: "LLEN", Arity: 2, Flags: FlagReadOnly, Handler: cmdLlen})
	register(&Descriptor{Name: "LRANGE", Arity: 4, Flags: FlagReadOnly, Handler: cmdLrange})
	register(&Descriptor{Name: "LINDEX", Arity: 3, Flags: FlagReadOnly, Handler: cmdLindex})
	register(&Descriptor{Name: "LSET", Arity: 4, Flags: FlagWrite, Handler: cmdLset})
	register(&Descriptor{Name: "RPOPLPUSH", Arity: 3, Flags: FlagWrite, Handler: cmdRpoplpush})
	register(&Descriptor{Name: "BLPOP", Arity: -3, Flags: FlagWrite | FlagBlocking, Handler: cmdBlpop})
	register(&Descriptor{Name: "BRPOP", Arity: -3, Flags: FlagWrite | FlagBlocking, Handler: cmdBrpop})
	register(&Descriptor{Name: "BRPOPLPUSH", Arity: 4, Flags: FlagWrite | FlagBlocking, Handler: cmdBrpoplpush})
}

// getListOrNil is for write and blocking handlers: Dispatch holds
// ctx.DB's write lock for these, so the lazy-delete LookupWrite performs
// is safe.
func getListOrNil(ctx *Context, key string) (*object.ListValue, *object.Object, bool) {
	o, expired := ctx.DB.LookupWrite(key, ctx.NowMs)
	if expired || o == nil {
		return nil, nil, true
	}
	if o.Type != object.TypeList {
		return nil, o, false
	}
	return o.List, o, true
}

// getListOrNilReadOnly is the counterpart for handlers Dispatch only
// RLocks - it must not lazily delete an expired key.
func getListOrNilReadOnly(ctx *Context, key string) (*object.ListValue, *object.Object, bool) {
	o, expired := lookupReadOnly(ctx, key)
	if expired || o == nil {
		return nil, nil, true
	}
	if o.Type != object.TypeList {
		return nil, o, false
	}
	return o.List, o, true
}

func pushHelper(ctx *Context, args [][]byte, left bool) {
	key := string(args[1])
	o, existing, ok := getListOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if o == nil {
		o = object.NewList()
		obj := &object.Object{Type: object.TypeList, Encoding: object.EncListpack, List: o}
		ctx.DB.Set(key, obj)
		_ = existing
	}
	vals := args[2:]
	if left {
		o.PushLeft(vals...)
	} else {
		o.PushRight(vals...)
	}
	signalModified(ctx, key)
	replyInt(ctx, int64(o.Len()))

	// Promote the key to ready so the worker's before-sleep hook can wake
	// any session blocked in BLPOP/BRPOP on it.
	ctx.DB.SignalListAsReady(key)
}

func cmdLpush(ctx *Context, args [][]byte) { pushHelper(ctx, args, true) }
func cmdRpush(ctx *Context, args [][]byte) { pushHelper(ctx, args, false) }

func popHelper(ctx *Context, args [][]byte, left bool) {
	key := string(args[1])
	o, _, ok := getListOrNil(ctx, key)
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if o == nil || o.Len() == 0 {
		replyBulk(ctx, nil)
		return
	}
	var v []byte
	var popped bool
	if left {
		v, popped = o.PopLeft()
	} else {
		v, popped = o.PopRight()
	}
	if !popped {
		replyBulk(ctx, nil)
		return
	}
	if o.Len() == 0 {
		ctx.DB.Delete(key)
	}
	signalModified(ctx, key)
	replyBulk(ctx, v)
}

func cmdLpop(ctx *Context, args [][]byte) { popHelper(ctx, args, true) }
func cmdRpop(ctx *Context, args [][]byte) { popHelper(ctx, args, false) }

func cmdLlen(ctx *Context, args [][]byte) {
	o, _, ok := getListOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if o == nil {
		replyInt(ctx, 0)
		return
	}
	replyInt(ctx, int64(o.Len()))
}

func cmdLrange(ctx *Context, args [][]byte) {
	o, _, ok := getListOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if o == nil {
		_ = writeBulkArray(ctx, nil)
		return
	}
	start, ok1 := parseIntArg(args[2])
	stop, ok2 := parseIntArg(args[3])
	if !ok1 || !ok2 {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	_ = writeBulkArray(ctx, o.Range(int(start), int(stop)))
}

func cmdLindex(ctx *Context, args [][]byte) {
	o, _, ok := getListOrNilReadOnly(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if o == nil {
		replyBulk(ctx, nil)
		return
	}
	idx, ok1 := parseIntArg(args[2])
	if !ok1 {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	v, ok2 := o.Index(int(idx))
	if !ok2 {
		replyBulk(ctx, nil)
		return
	}
	replyBulk(ctx, v)
}

func cmdLset(ctx *Context, args [][]byte) {
	o, _, ok := getListOrNil(ctx, string(args[1]))
	if !ok {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if o == nil {
		replyErr(ctx, "ERR no such key")
		return
	}
	idx, ok1 := parseIntArg(args[2])
	if !ok1 {
		replyErr(ctx, "ERR value is not an integer or out of range")
		return
	}
	if !o.Set(int(idx), args[3]) {
		replyErr(ctx, "ERR index out of range")
		return
	}
	signalModified(ctx, string(args[1]))
	replyOK(ctx)
}

// blockHelper implements BLPOP/BRPOP's immediate-data-available fast path
// and, failing that, registers the session as blocked on every listed
// key. The worker loop's before-sleep hook (not this function) performs
// the actual wakeup when a later push makes one of those keys ready,
// since that requires cross-session delivery this package deliberately
// does not own (see Context.Broker).
func blockHelper(ctx *Context, args [][]byte, left bool) {
	keys := make([]string, len(args)-2)
	for i, a := range args[1 : len(args)-1] {
		keys[i] = string(a)
	}
	timeoutSec, ok := parseFloatArg(args[len(args)-1])
	if !ok || timeoutSec < 0 {
		replyErr(ctx, "ERR timeout is not a float or out of range")
		return
	}

	for _, key := range keys {
		o, _, typeOK := getListOrNil(ctx, key)
		if !typeOK {
			replyErr(ctx, wrongTypeMsg())
			return
		}
		if o != nil && o.Len() > 0 {
			var v []byte
			if left {
				v, _ = o.PopLeft()
			} else {
				v, _ = o.PopRight()
			}
			if o.Len() == 0 {
				ctx.DB.Delete(key)
			}
			signalModified(ctx, key)
			_ = writeBulkArray(ctx, [][]byte{[]byte(key), v})
			return
		}
	}

	var deadline int64
	if timeoutSec > 0 {
		deadline = ctx.NowMs + int64(timeoutSec*1000)
	}
	// Registration on the database's blocked-keys index makes the key
	// show up in SignalListAsReady's waiter list; actual delivery happens
	// in the worker loop's before-sleep hook, which scans its own active
	// sessions in Blocked state rather than trusting this Notify callback
	// to cross worker boundaries - Notify is left nil deliberately.
	for _, key := range keys {
		ctx.DB.BlockOn(key, store.BlockedWaiter{SessionID: ctx.Session.ID})
	}
	ctx.Session.Block(session.BlockState{DB: ctx.Session.DB, Keys: keys, Deadline: deadline, Left: left})
}

func cmdBlpop(ctx *Context, args [][]byte) { blockHelper(ctx, args, true) }
func cmdBrpop(ctx *Context, args [][]byte) { blockHelper(ctx, args, false) }

// moveListElement pops the rightmost element of src and pushes it at
// the head of dst in one lock scope, so no other session can observe
// the element in transit. typeOK is false when either key holds a
// non-list value; moved is false when src is empty or absent.
func moveListElement(ctx *Context, src, dst string) (v []byte, moved, typeOK bool) {
	so, _, srcOK := getListOrNil(ctx, src)
	if !srcOK {
		return nil, false, false
	}
	if so == nil || so.Len() == 0 {
		return nil, false, true
	}
	if src == dst {
		// Rotation: never empties the list, so no delete/recreate dance.
		v, _ = so.PopRight()
		so.PushLeft(v)
		signalModified(ctx, src)
		return v, true, true
	}
	do, _, dstOK := getListOrNil(ctx, dst)
	if !dstOK {
		return nil, false, false
	}
	v, _ = so.PopRight()
	if so.Len() == 0 {
		ctx.DB.Delete(src)
	}
	if do == nil {
		do = object.NewList()
		ctx.DB.Set(dst, &object.Object{Type: object.TypeList, Encoding: object.EncListpack, List: do})
	}
	do.PushLeft(v)
	signalModified(ctx, src)
	signalModified(ctx, dst)
	ctx.DB.SignalListAsReady(dst)
	return v, true, true
}

func cmdRpoplpush(ctx *Context, args [][]byte) {
	v, moved, typeOK := moveListElement(ctx, string(args[1]), string(args[2]))
	if !typeOK {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if !moved {
		replyBulk(ctx, nil)
		return
	}
	replyBulk(ctx, v)
}

// cmdBrpoplpush is the blocking form of RPOPLPUSH: when src is empty it
// parks the session with the destination key recorded in its block
// state, and the worker loop's before-sleep hook performs the atomic
// move once src receives data.
func cmdBrpoplpush(ctx *Context, args [][]byte) {
	src, dst := string(args[1]), string(args[2])
	timeoutSec, ok := parseFloatArg(args[3])
	if !ok || timeoutSec < 0 {
		replyErr(ctx, "ERR timeout is not a float or out of range")
		return
	}
	v, moved, typeOK := moveListElement(ctx, src, dst)
	if !typeOK {
		replyErr(ctx, wrongTypeMsg())
		return
	}
	if moved {
		replyBulk(ctx, v)
		return
	}
	var deadline int64
	if timeoutSec > 0 {
		deadline = ctx.NowMs + int64(timeoutSec*1000)
	}
	ctx.DB.BlockOn(src, store.BlockedWaiter{SessionID: ctx.Session.ID})
	ctx.Session.Block(session.BlockState{
		DB:       ctx.Session.DB,
		Keys:     []string{src},
		Deadline: deadline,
		Left:     false,
		Dest:     dst,
		DestSet:  true,
	})
}

func parseFloatArg(b []byte) (float64, bool) {
	return parseFloat(string(b))
}
