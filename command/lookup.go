package command

import "github.com/kvloop/kvloop/object"

// lookupReadOnly returns the object at key the same way Database.LookupWrite
// does, but without performing LookupWrite's lazy-delete side effect -
// needed by handlers Dispatch only RLocks, since RLock forbids mutating
// the keyspace/expires maps. A key this finds expired is left in place for
// the next write-path touch or an active-expire sweep to actually remove;
// callers only care that it reads back as absent. Assumes the caller holds
// ctx.DB under RLock or Lock.
func lookupReadOnly(ctx *Context, key string) (o *object.Object, expired bool) {
	if ctx.DB.CheckExpired(key, ctx.NowMs) {
		return nil, true
	}
	o, ok := ctx.DB.LookupRead(key)
	if !ok {
		return nil, false
	}
	return o, false
}
