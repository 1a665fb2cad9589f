// Package session implements the per-connection client handle: a small
// explicit state machine (Normal, InMulti, Blocked, Subscribed) for the
// modes that drive dispatch, plus an atomic flag bitmask for the
// attributes that compose freely with any mode.
package session

import (
	"bytes"
	"sync/atomic"
)

// State identifies which of the four modes a session is currently in.
// MULTI and Subscribed can in principle overlap (a client may SUBSCRIBE
// inside a MULTI), but command-level validation enforces the
// combinations that matter; the state machine here tracks the session's
// *primary* mode for dispatch purposes.
type State uint8

const (
	StateNormal State = iota
	StateInMulti
	StateBlocked
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateInMulti:
		return "in-multi"
	case StateBlocked:
		return "blocked"
	case StateSubscribed:
		return "subscribed"
	default:
		return "normal"
	}
}

// Flags holds the boolean session attributes that don't warrant their
// own state-machine branch (they compose freely with any State).
type Flags uint32

const (
	FlagDirtyCAS Flags = 1 << iota
	FlagDirtyExec
	FlagPendingWrite
	FlagCloseASAP
	FlagCloseAfterReply
	FlagReplyOff
	FlagReplySkip
	FlagMonitor
	FlagReadOnly
	FlagAuthenticated
	FlagAdminAuthenticated
	FlagShutdownRequested
)

// StagedCommand is one command queued by MULTI, replayed verbatim by EXEC.
type StagedCommand struct {
	Args [][]byte
}

// BlockState holds the detail needed while State == StateBlocked: which
// keys the session is waiting on, its absolute deadline, and (for
// blocking-pop-then-push commands) the destination key for an atomic move.
type BlockState struct {
	DB       int
	Keys     []string
	Deadline int64 // absolute unix-milli; 0 means no timeout
	Left     bool  // true for BLPOP, false for BRPOP - which end to pop from once served
	Dest     string
	DestSet  bool
}

// Session is one open protocol connection: its parser state, byte queues,
// flags, and current state-machine mode. The command/worker layers own a
// *Session per live connection; it is never shared between two worker
// goroutines at once.
type Session struct {
	ID uint64

	// Worker is the id of the worker loop that currently owns this
	// session's readiness registration, atomically swapped during
	// migration (dispatcher.Migrate) so a concurrent debug/INFO read never
	// observes a half-migrated value.
	Worker int64 // atomic

	FD int
	DB int

	in  bytes.Buffer
	out bytes.Buffer

	flags uint32 // atomic, bitmask of Flags

	state   State
	staged  []StagedCommand
	block   BlockState
	watched map[watchKey]struct{}
	subs    map[string]struct{}
	psubs   map[string]struct{}

	Name string

	closed bool
}

type watchKey struct {
	db  int
	key string
}

// New creates a Session bound to fd, owned initially by worker.
func New(id uint64, fd int, worker int) *Session {
	s := &Session{ID: id, FD: fd, DB: 0}
	atomic.StoreInt64(&s.Worker, int64(worker))
	return s
}

// OwnerWorker returns the id of the worker currently registered to poll
// this session's fd.
func (s *Session) OwnerWorker() int { return int(atomic.LoadInt64(&s.Worker)) }

// SetOwnerWorker atomically reassigns ownership, called exactly once per
// migration, strictly after the session has been unregistered from its
// previous loop and before it is registered on the new one.
func (s *Session) SetOwnerWorker(worker int) { atomic.StoreInt64(&s.Worker, int64(worker)) }

// State returns the session's current state-machine mode.
func (s *Session) State() State { return s.state }

// InBuffer returns the session's input byte queue, fed by the worker
// loop's recv and drained by the RESP decoder.
func (s *Session) InBuffer() *bytes.Buffer { return &s.in }

// OutBuffer returns the session's output byte queue, filled by command
// handlers and drained by the worker loop's send.
func (s *Session) OutBuffer() *bytes.Buffer { return &s.out }

// HasFlag reports whether f is currently set.
func (s *Session) HasFlag(f Flags) bool {
	return atomic.LoadUint32(&s.flags)&uint32(f) != 0
}

// SetFlag sets f.
func (s *Session) SetFlag(f Flags) {
	for {
		old := atomic.LoadUint32(&s.flags)
		if old&uint32(f) != 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&s.flags, old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlag clears f.
func (s *Session) ClearFlag(f Flags) {
	for {
		old := atomic.LoadUint32(&s.flags)
		if old&uint32(f) == 0 {
			return
		}
		if atomic.CompareAndSwapUint32(&s.flags, old, old&^uint32(f)) {
			return
		}
	}
}

// BeginMulti transitions into StateInMulti, clearing any previously staged
// commands.
func (s *Session) BeginMulti() {
	s.state = StateInMulti
	s.staged = s.staged[:0]
	s.ClearFlag(FlagDirtyExec)
}

// InMulti reports whether the session is currently staging commands.
func (s *Session) InMulti() bool { return s.state == StateInMulti }

// Stage appends a command to the MULTI queue. No-op (and returns false) if
// not currently in StateInMulti.
func (s *Session) Stage(args [][]byte) bool {
	if s.state != StateInMulti {
		return false
	}
	cp := make([][]byte, len(args))
	for i, a := range args {
		cp[i] = append([]byte(nil), a...)
	}
	s.staged = append(s.staged, StagedCommand{Args: cp})
	return true
}

// Staged returns the commands queued so far by MULTI.
func (s *Session) Staged() []StagedCommand { return s.staged }

// EndMulti returns to StateNormal, clearing staged commands - called by
// both EXEC and DISCARD.
func (s *Session) EndMulti() {
	s.state = StateNormal
	s.staged = nil
	s.ClearFlag(FlagDirtyCAS)
	s.ClearFlag(FlagDirtyExec)
}

// Block transitions into StateBlocked with the given wait parameters.
func (s *Session) Block(b BlockState) { s.state = StateBlocked; s.block = b }

// BlockInfo returns the detail of the current block, valid only while
// State() == StateBlocked.
func (s *Session) BlockInfo() BlockState { return s.block }

// Unblock returns to StateNormal from StateBlocked.
func (s *Session) Unblock() {
	s.state = StateNormal
	s.block = BlockState{}
}

// Watch records a WATCH on (db, key) for this session.
func (s *Session) Watch(db int, key string) {
	if s.watched == nil {
		s.watched = make(map[watchKey]struct{})
	}
	s.watched[watchKey{db, key}] = struct{}{}
}

// WatchedKeys returns every (db, key) pair currently watched by this
// session, for EXEC/DISCARD/close cleanup.
func (s *Session) WatchedKeys() []struct {
	DB  int
	Key string
} {
	out := make([]struct {
		DB  int
		Key string
	}, 0, len(s.watched))
	for wk := range s.watched {
		out = append(out, struct {
			DB  int
			Key string
		}{wk.db, wk.key})
	}
	return out
}

// ClearWatches drops every watch this session holds; callers are
// responsible for also calling store.Database.Unwatch for each entry
// returned by WatchedKeys before calling this.
func (s *Session) ClearWatches() { s.watched = nil }

// Subscribe adds channel to this session's channel subscription set and
// transitions to StateSubscribed.
func (s *Session) Subscribe(channel string) {
	if s.subs == nil {
		s.subs = make(map[string]struct{})
	}
	s.subs[channel] = struct{}{}
	s.state = StateSubscribed
}

// Unsubscribe removes channel; if no subscriptions (channel or pattern)
// remain, returns to StateNormal.
func (s *Session) Unsubscribe(channel string) {
	delete(s.subs, channel)
	s.maybeLeaveSubscribedState()
}

// PSubscribe adds pattern to this session's pattern subscription set.
func (s *Session) PSubscribe(pattern string) {
	if s.psubs == nil {
		s.psubs = make(map[string]struct{})
	}
	s.psubs[pattern] = struct{}{}
	s.state = StateSubscribed
}

// PUnsubscribe removes pattern; if no subscriptions remain, returns to
// StateNormal.
func (s *Session) PUnsubscribe(pattern string) {
	delete(s.psubs, pattern)
	s.maybeLeaveSubscribedState()
}

func (s *Session) maybeLeaveSubscribedState() {
	if len(s.subs) == 0 && len(s.psubs) == 0 && s.state == StateSubscribed {
		s.state = StateNormal
	}
}

// Subscriptions returns the channel and pattern subscription sets, for
// PUBSUB introspection and session close cleanup.
func (s *Session) Subscriptions() (channels, patterns []string) {
	for c := range s.subs {
		channels = append(channels, c)
	}
	for p := range s.psubs {
		patterns = append(patterns, p)
	}
	return
}

// MarkClosed records that this session's connection has been torn down;
// idempotent.
func (s *Session) MarkClosed() { s.closed = true }

// Closed reports whether MarkClosed has been called.
func (s *Session) Closed() bool { return s.closed }
