// Package worker implements the request-serving loop: it owns a set of
// live sessions, decodes and dispatches their commands, and runs a cron
// (fast active-expire, blocked-waiter timeout checks) on an event-loop
// timer re-armed every 1/hz; the loop's before-sleep hook flushes pending
// output and serves keys that became ready for blocked waiters.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kvloop/kvloop/command"
	"github.com/kvloop/kvloop/eventloop"
	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/logging"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/object"
	"github.com/kvloop/kvloop/resp"
	"github.com/kvloop/kvloop/session"
	"github.com/kvloop/kvloop/store"
)

// wakeNewConn and wakeMigrate are the single bytes written to a Worker's
// wake pipe to distinguish the two handoff kinds once it drains: 'c' for
// a new connection, 'j' for a migrated session joining this loop.
const (
	wakeNewConn byte = 'c'
	wakeMigrate byte = 'j'
)

// NewConn is a handoff unit for a freshly accepted, not-yet-registered
// connection, pushed by the dispatcher.
type NewConn struct {
	FD       int
	ListenID int
}

// Migrate is a handoff unit for a session moving from one worker to
// another. Blocking commands don't need it - every worker shares the
// same *store.Registry, so beforeSleep's ready-key handling can serve
// locally-owned waiters and leave foreign ones for their own worker -
// but the mechanism is available to any caller holding a *Worker.
type Migrate struct {
	Sess *session.Session
	FD   int
}

type handoffUnit struct {
	newConn *NewConn
	migrate *Migrate
}

// clientSession bundles one live connection's fd, its Session, and its
// private RESP decoder - the worker-owned record the dispatcher's
// handoff and the before-sleep hook both key off of.
type clientSession struct {
	fd   int
	sess *session.Session
	dec  *resp.Decoder

	// queued holds commands decoded while the session was blocked: a
	// blocked session's input is accumulated, never executed, so its
	// replies stay in arrival order behind the pending blocking reply.
	// Replayed by replayQueued once the session unblocks.
	queued [][][]byte
}

// Worker is one of the server's fixed pool of request-serving loops.
// Every Worker shares the same *store.Registry, *config.Config,
// *stats.Counters and *Directory with its siblings; the only state a
// Worker doesn't share is which fds/sessions it personally polls.
type Worker struct {
	ID int

	Reg       *store.Registry
	Cfg       *config.Config
	Stats     *stats.Counters
	SlowLog   *stats.SlowLog
	Directory *Directory
	Log       logging.Logger

	Loop *eventloop.Loop

	sessions map[int]*clientSession    // fd -> session
	byID     map[uint64]*clientSession // session id -> session
	pending  map[int]struct{}          // fds with unflushed output

	queueMu sync.Mutex
	queue   []handoffUnit
	wakeR   int
	wakeW   int

	// snap is this loop's private configuration cache, refreshed once per
	// second by the cron so per-command reads never touch Cfg's lock.
	snap          config.Snapshot
	snapRefreshed time.Time

	nextSeq uint64
}

// New builds a Worker with id, its own event loop and wake pipe, ready
// for Run. dir is shared by every worker in the pool and implements
// command.Broker.
func New(id int, reg *store.Registry, cfg *config.Config, st *stats.Counters, slow *stats.SlowLog, dir *Directory, log logging.Logger) (*Worker, error) {
	el, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	r, w, err := newPipe()
	if err != nil {
		_ = el.Shutdown(context.Background())
		return nil, err
	}
	wk := &Worker{
		ID:        id,
		Reg:       reg,
		Cfg:       cfg,
		Stats:     st,
		SlowLog:   slow,
		Directory: dir,
		Log:       log,
		Loop:      el,
		sessions:  make(map[int]*clientSession),
		byID:      make(map[uint64]*clientSession),
		pending:   make(map[int]struct{}),
		wakeR:     r,
		wakeW:     w,
		snap:      cfg.Snapshot(),
	}
	el.BeforeSleep = wk.beforeSleep
	if err := el.RegisterFD(r, eventloop.EventRead, func(eventloop.IOEvents) { wk.onWake() }); err != nil {
		return nil, err
	}
	return wk, nil
}

// newPipe opens a nonblocking raw-fd pipe for cross-goroutine wakeups.
// eventloop has its own wake pipe but keeps it package-private, so
// worker (and dispatcher) build an equivalent directly against
// golang.org/x/sys/unix rather than reaching into eventloop's internals.
func newPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return -1, -1, fmt.Errorf("worker: pipe2: %w", err)
	}
	return fds[0], fds[1], nil
}

// Run blocks until ctx is cancelled or Shutdown is called.
func (w *Worker) Run(ctx context.Context) error {
	w.startCron()
	return w.Loop.Run(ctx)
}

// Shutdown requests graceful termination of the worker's loop.
func (w *Worker) Shutdown(ctx context.Context) error {
	return w.Loop.Shutdown(ctx)
}

// PushNewConn hands fd (accepted on the listen descriptor identified by
// listenID) to this worker, waking its loop with the 'c' handoff byte.
// Safe to call from any goroutine (the dispatcher calls it from its own
// loop goroutine).
func (w *Worker) PushNewConn(fd, listenID int) {
	w.queueMu.Lock()
	w.queue = append(w.queue, handoffUnit{newConn: &NewConn{FD: fd, ListenID: listenID}})
	w.queueMu.Unlock()
	w.wakeByte(wakeNewConn)
}

// Unlink detaches the session identified by id from this worker without
// closing its connection: readiness interest is dropped and every
// worker-local index entry removed, leaving the fd owned by nobody until
// the dispatcher re-homes it via PushMigrate. Must be called from this
// worker's own loop goroutine (Loop.Submit from anywhere else), so no
// readiness event for the session can fire mid-unlink.
func (w *Worker) Unlink(id uint64) (*session.Session, int, bool) {
	cs, ok := w.byID[id]
	if !ok {
		return nil, -1, false
	}
	_ = w.Loop.UnregisterFD(cs.fd)
	delete(w.sessions, cs.fd)
	delete(w.byID, id)
	delete(w.pending, cs.fd)
	w.Directory.unregister(id)
	return cs.sess, cs.fd, true
}

// PushMigrate hands a session (and its still-open fd) to this worker,
// waking its loop with the 'j' handoff byte.
func (w *Worker) PushMigrate(sess *session.Session, fd int) {
	w.queueMu.Lock()
	w.queue = append(w.queue, handoffUnit{migrate: &Migrate{Sess: sess, FD: fd}})
	w.queueMu.Unlock()
	w.wakeByte(wakeMigrate)
}

func (w *Worker) wakeByte(b byte) {
	buf := [1]byte{b}
	_, _ = unix.Write(w.wakeW, buf[:])
}

// onWake drains the wake pipe and every handoff unit queued since the
// last drain, registering each with the loop.
func (w *Worker) onWake() {
	var buf [64]byte
	for {
		_, err := unix.Read(w.wakeR, buf[:])
		if err != nil {
			break
		}
	}

	w.queueMu.Lock()
	units := w.queue
	w.queue = nil
	w.queueMu.Unlock()

	for _, u := range units {
		switch {
		case u.newConn != nil:
			w.acceptConn(u.newConn.FD)
		case u.migrate != nil:
			w.resumeSession(u.migrate.Sess, u.migrate.FD)
		}
	}
}

// acceptConn registers a freshly handed-off fd as a brand-new session.
func (w *Worker) acceptConn(fd int) {
	_ = unix.SetNonblock(fd, true)
	id := w.allocSessionID()
	sess := session.New(id, fd, w.ID)
	cs := &clientSession{fd: fd, sess: sess, dec: resp.NewDecoder()}
	w.sessions[fd] = cs
	w.byID[id] = cs
	w.Directory.register(id, w, sess)
	w.Stats.IncrConnectionsAccepted()

	if err := w.Loop.RegisterFD(fd, eventloop.EventRead, func(eventloop.IOEvents) { w.onReadable(fd) }); err != nil {
		w.closeSession(cs)
	}
}

// resumeSession registers a session migrated in from another worker.
func (w *Worker) resumeSession(sess *session.Session, fd int) {
	cs := &clientSession{fd: fd, sess: sess, dec: resp.NewDecoder()}
	w.sessions[fd] = cs
	w.byID[sess.ID] = cs
	sess.SetOwnerWorker(w.ID)
	w.Directory.register(sess.ID, w, sess)
	if err := w.Loop.RegisterFD(fd, eventloop.EventRead, func(eventloop.IOEvents) { w.onReadable(fd) }); err != nil {
		w.closeSession(cs)
	}
}

func (w *Worker) allocSessionID() uint64 {
	w.nextSeq++
	return (uint64(w.ID) << 48) | w.nextSeq
}

// onReadable drains as much of fd as is immediately available, feeding
// each chunk through the session's decoder and dispatching every
// complete command it yields.
func (w *Worker) onReadable(fd int) {
	cs, ok := w.sessions[fd]
	if !ok {
		return
	}
	var buf [16384]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			cmds, decErr := cs.dec.Feed(buf[:n])
			for _, args := range cmds {
				if cs.sess.State() == session.StateBlocked {
					cs.queued = append(cs.queued, args)
					continue
				}
				w.handleCommand(cs, args)
				if cs.sess.Closed() {
					return
				}
			}
			if decErr != nil {
				_ = resp.WriteError(cs.sess.OutBuffer(), "ERR Protocol error: "+decErr.Error())
				cs.sess.SetFlag(session.FlagCloseASAP)
				w.flushPending(cs)
				return
			}
		}
		if n == 0 {
			w.closeSession(cs)
			return
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			w.closeSession(cs)
			return
		}
		if n < len(buf) {
			break
		}
	}
	w.flushPending(cs)
}

// isMultiControlVerb reports whether verb must execute immediately even
// while the session is staging a transaction.
func isMultiControlVerb(verb string) bool {
	switch verb {
	case "MULTI", "EXEC", "DISCARD", "WATCH", "QUIT":
		return true
	}
	return false
}

// handleCommand either stages args (inside MULTI, for a non-control
// verb) or dispatches it immediately, timing the call for the slow log
// and honoring a SHUTDOWN request observed afterward.
func (w *Worker) handleCommand(cs *clientSession, args [][]byte) {
	if len(args) == 0 {
		return
	}
	verb := strings.ToUpper(string(args[0]))

	if cs.sess.InMulti() && !isMultiControlVerb(verb) {
		d := command.Lookup(args[0])
		if d == nil {
			_ = resp.WriteError(cs.sess.OutBuffer(), fmt.Sprintf("ERR unknown command '%s'", string(args[0])))
			return
		}
		if !command.CheckArity(d, args) {
			cs.sess.SetFlag(session.FlagDirtyExec)
			_ = resp.WriteError(cs.sess.OutBuffer(), fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(d.Name)))
			return
		}
		cs.sess.Stage(args)
		_ = resp.WriteSimpleString(cs.sess.OutBuffer(), "QUEUED")
		return
	}

	db, err := w.Reg.Get(cs.sess.DB)
	if err != nil {
		_ = resp.WriteError(cs.sess.OutBuffer(), "ERR DB index is out of range")
		return
	}
	ctx := &command.Context{
		Session: cs.sess,
		DB:      db,
		Reg:     w.Reg,
		Cfg:     w.Cfg,
		Snap:    w.snap,
		Stats:   w.Stats,
		SlowLog: w.SlowLog,
		Broker:  w.Directory,
		NowMs:   w.Loop.Now().UnixMilli(),
		Out:     cs.sess.OutBuffer(),
	}
	start := w.Loop.Now()
	command.Dispatch(ctx, args)
	w.Stats.IncrCommandsProcessed()
	durUs := w.Loop.Now().Sub(start).Microseconds()
	w.SlowLog.Push(start.Unix(), durUs, args, "", w.snap.SlowLogLogSlowerThan)

	if cs.sess.HasFlag(session.FlagShutdownRequested) {
		cs.sess.SetFlag(session.FlagCloseASAP)
	}
}

// flushPending writes as much of cs's out-buffer as the fd will accept
// right now, re-arming for a future write if it doesn't all go, and
// closing the session once a queued close's output has fully drained.
func (w *Worker) flushPending(cs *clientSession) {
	drained := w.tryFlush(cs)
	if !drained {
		w.pending[cs.fd] = struct{}{}
		return
	}
	delete(w.pending, cs.fd)
	if cs.sess.HasFlag(session.FlagCloseASAP) || cs.sess.HasFlag(session.FlagCloseAfterReply) {
		w.closeSession(cs)
	}
}

func (w *Worker) tryFlush(cs *clientSession) bool {
	out := cs.sess.OutBuffer()
	for out.Len() > 0 {
		n, err := unix.Write(cs.fd, out.Bytes())
		if n > 0 {
			out.Next(n)
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return false
			}
			w.closeSession(cs)
			return true
		}
		if n == 0 {
			return false
		}
	}
	return true
}

// beforeSleep runs once per tick, immediately before the loop blocks in
// its poller: flush every session with unwritten output, then promote
// any keys that became ready for a blocked BLPOP/BRPOP waiter.
func (w *Worker) beforeSleep() {
	w.drainPendingWrites()
	w.promoteReadyKeys()
}

func (w *Worker) drainPendingWrites() {
	if len(w.pending) == 0 {
		return
	}
	fds := make([]int, 0, len(w.pending))
	for fd := range w.pending {
		fds = append(fds, fd)
	}
	w.pending = make(map[int]struct{})
	for _, fd := range fds {
		cs, ok := w.sessions[fd]
		if !ok {
			continue
		}
		w.flushPending(cs)
	}
}

func (w *Worker) promoteReadyKeys() {
	for _, db := range w.Reg.All() {
		db.Lock()
		ready := db.DrainReadyKeys()
		db.Unlock()
		for _, key := range ready {
			w.serveReadyKey(db, key)
		}
	}
}

// serveReadyKey attempts to pop one list element per locally-owned
// waiter registered on key until either the list or the waiter list is
// exhausted. Waiters owned by a different worker are left registered
// and the key is re-marked ready, so that worker's own before-sleep
// tick picks it up in turn - every worker shares the same
// *store.Database, so no session migration is required for correctness,
// only an extra round of polling. Takes db's write lock for one
// maintenance step, the same scope command.Dispatch uses for a regular
// command, then flushes outside it.
func (w *Worker) serveReadyKey(db *store.Database, key string) {
	var served []*clientSession
	now := w.Loop.Now().UnixMilli()
	db.Lock()
	foreignRemain := false
	for {
		waiters := db.BlockedWaiters(key)
		if len(waiters) == 0 {
			break
		}
		progressed := false
		for _, waiter := range waiters {
			cs, ok := w.byID[waiter.SessionID]
			if !ok {
				foreignRemain = true
				continue
			}
			if cs.sess.State() != session.StateBlocked {
				db.Unblock(key, waiter.SessionID)
				progressed = true
				break
			}
			b := cs.sess.BlockInfo()
			if b.DestSet {
				if o, _ := db.LookupWrite(b.Dest, now); o != nil && o.Type != object.TypeList {
					// The destination changed type while the session was
					// blocked: fail the move without popping anything.
					unblockAll(db, b, waiter.SessionID)
					cs.sess.Unblock()
					_ = resp.WriteError(cs.sess.OutBuffer(), "WRONGTYPE Operation against a key holding the wrong kind of value")
					served = append(served, cs)
					progressed = true
					break
				}
			}
			v, popped := popOneFrom(db, key, b.Left, now)
			if !popped {
				break
			}
			unblockAll(db, b, waiter.SessionID)
			cs.sess.Unblock()
			if b.DestSet {
				w.pushLeft(db, b.Dest, v, now)
				w.markModified(db, b.Dest)
				_ = resp.WriteBulkString(cs.sess.OutBuffer(), v)
			} else {
				_ = resp.WriteArrayHeader(cs.sess.OutBuffer(), 2)
				_ = resp.WriteBulkString(cs.sess.OutBuffer(), []byte(key))
				_ = resp.WriteBulkString(cs.sess.OutBuffer(), v)
			}
			w.markModified(db, key)
			served = append(served, cs)
			progressed = true
			break
		}
		if !progressed {
			break
		}
	}
	if foreignRemain {
		db.SignalListAsReady(key)
	}
	db.Unlock()
	// Flushing can close a session, which re-locks db for index cleanup,
	// so it and the replay of commands that arrived while blocked must
	// happen outside the lock scope above.
	for _, cs := range served {
		w.flushPending(cs)
		w.replayQueued(cs)
	}
}

// unblockAll drops every blocked-key registration b holds for
// sessionID, not just the key that became ready. Assumes the caller
// holds db's write lock.
func unblockAll(db *store.Database, b session.BlockState, sessionID uint64) {
	for _, k := range b.Keys {
		db.Unblock(k, sessionID)
	}
}

// markModified flips the dirty-CAS flag of every session watching key,
// the same signal command handlers send after a write. Assumes the
// caller holds db's write lock.
func (w *Worker) markModified(db *store.Database, key string) {
	for _, id := range db.SignalModifiedKey(key) {
		w.Directory.MarkDirty(id)
	}
}

// pushLeft inserts v at the head of the list at key, creating the list
// if absent, and promotes key for any waiters blocked on it in turn.
// Assumes the caller holds db's write lock.
func (w *Worker) pushLeft(db *store.Database, key string, v []byte, nowMs int64) {
	o, _ := db.LookupWrite(key, nowMs)
	if o == nil {
		o = &object.Object{Type: object.TypeList, Encoding: object.EncListpack, List: object.NewList()}
		db.Set(key, o)
	}
	o.List.PushLeft(v)
	db.Reaccount(key)
	db.SignalListAsReady(key)
}

// replayQueued dispatches the commands that accumulated while cs was
// blocked, in arrival order, stopping early if one of them blocks the
// session again or closes it.
func (w *Worker) replayQueued(cs *clientSession) {
	replayed := false
	for len(cs.queued) > 0 && !cs.sess.Closed() && cs.sess.State() != session.StateBlocked {
		args := cs.queued[0]
		cs.queued = cs.queued[1:]
		w.handleCommand(cs, args)
		replayed = true
	}
	if replayed && !cs.sess.Closed() {
		w.flushPending(cs)
	}
}

// popOneFrom pops one element from the list at key, left or right, for
// serveReadyKey - mirroring command.popHelper's logic directly rather
// than importing the command package for it, since this package owns no
// other dependency on command's unexported helpers. Assumes the caller
// holds db's write lock.
func popOneFrom(db *store.Database, key string, left bool, nowMs int64) ([]byte, bool) {
	o, expired := db.LookupWrite(key, nowMs)
	if expired || o == nil || o.Type != object.TypeList {
		return nil, false
	}
	var v []byte
	var ok bool
	if left {
		v, ok = o.List.PopLeft()
	} else {
		v, ok = o.List.PopRight()
	}
	if !ok {
		return nil, false
	}
	if o.List.Len() == 0 {
		db.Delete(key)
	} else {
		db.Reaccount(key)
	}
	return v, true
}

// startCron schedules the worker's own per-tick maintenance, re-arming
// itself every period.
func (w *Worker) startCron() {
	hz := w.snap.Hz
	if hz <= 0 {
		hz = 10
	}
	period := time.Second / time.Duration(hz)
	w.scheduleCron(period)
}

func (w *Worker) scheduleCron(period time.Duration) {
	w.Loop.ScheduleTimer(period, func() {
		w.runCronTick()
		w.scheduleCron(period)
	})
}

func (w *Worker) runCronTick() {
	now := w.Loop.Now()
	if now.Sub(w.snapRefreshed) >= time.Second {
		w.snap = w.Cfg.Snapshot()
		w.snapRefreshed = now
	}
	w.fastActiveExpire(now.UnixMilli())
	w.checkBlockedTimeouts(now.UnixMilli())
}

// fastActiveExpire is the worker-driven half of the active-expire
// machinery: a small, cheap per-tick sample, leaving the larger
// time-budgeted sweep to the background loop.
func (w *Worker) fastActiveExpire(now int64) {
	const sampleSize = 20
	for _, db := range w.Reg.All() {
		db.Lock()
		_, expired := db.SampleExpiredKeys(now, sampleSize)
		db.Unlock()
		if expired > 0 {
			w.Stats.AddExpiredKeys(int64(expired))
		}
	}
}

// checkBlockedTimeouts unblocks every locally-owned session whose
// blocking command's absolute deadline has passed, replying a null
// array (BLPOP/BRPOP) or a null bulk (BRPOPLPUSH, which promised a
// single element).
func (w *Worker) checkBlockedTimeouts(now int64) {
	for id, cs := range w.byID {
		if cs.sess.State() != session.StateBlocked {
			continue
		}
		b := cs.sess.BlockInfo()
		if b.Deadline == 0 || b.Deadline > now {
			continue
		}
		if db, err := w.Reg.Get(b.DB); err == nil {
			db.Lock()
			unblockAll(db, b, id)
			db.Unlock()
		}
		cs.sess.Unblock()
		if b.DestSet {
			_ = resp.WriteBulkString(cs.sess.OutBuffer(), nil)
		} else {
			_ = resp.WriteNullArray(cs.sess.OutBuffer())
		}
		w.flushPending(cs)
		w.replayQueued(cs)
	}
}

// closeSession tears down cs: closes its fd, removes it from every
// worker-local and shared index, and releases every store-level
// registration it held (watches, blocks, subscriptions).
func (w *Worker) closeSession(cs *clientSession) {
	if cs.sess.Closed() {
		return
	}
	cs.sess.MarkClosed()
	_ = w.Loop.UnregisterFD(cs.fd)
	_ = unix.Close(cs.fd)
	delete(w.sessions, cs.fd)
	delete(w.byID, cs.sess.ID)
	delete(w.pending, cs.fd)
	w.Directory.unregister(cs.sess.ID)

	for _, wk := range cs.sess.WatchedKeys() {
		if db, err := w.Reg.Get(wk.DB); err == nil {
			db.Lock()
			db.Unwatch(wk.Key, cs.sess.ID)
			db.Unlock()
		}
	}
	if cs.sess.State() == session.StateBlocked {
		b := cs.sess.BlockInfo()
		if db, err := w.Reg.Get(b.DB); err == nil {
			db.Lock()
			for _, key := range b.Keys {
				db.Unblock(key, cs.sess.ID)
			}
			db.Unlock()
		}
	}
	if db, err := w.Reg.Get(cs.sess.DB); err == nil {
		channels, patterns := cs.sess.Subscriptions()
		if len(channels) > 0 || len(patterns) > 0 {
			db.Lock()
			for _, c := range channels {
				db.Unsubscribe(c, cs.sess.ID)
			}
			for _, p := range patterns {
				db.PUnsubscribe(p, cs.sess.ID)
			}
			db.Unlock()
		}
	}
}

// ConnCount returns the number of sessions this worker currently owns.
func (w *Worker) ConnCount() int { return len(w.sessions) }
