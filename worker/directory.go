package worker

import (
	"sync"

	"github.com/kvloop/kvloop/session"
)

// registration is what Directory tracks per live session: the worker
// that currently owns its fd registration (for Send, which must enqueue
// onto that worker's loop) and a direct pointer to the Session itself
// (for MarkDirty, safe to call from any goroutine since session.Flags is
// a lock-free atomic bitmask - see session.Session.SetFlag).
type registration struct {
	worker *Worker
	sess   *session.Session
}

// Directory is the shared sessionID -> owning-worker index that backs
// command.Broker: the mechanism by which a PUBLISH or a write to a
// watched key reaches a session without the command package, or this
// package's own callers, needing to know which worker loop currently
// polls that session's fd.
type Directory struct {
	mu   sync.RWMutex
	byID map[uint64]registration
}

// NewDirectory returns an empty Directory, shared by every worker in the
// pool and handed to the dispatcher for its maxclients check.
func NewDirectory() *Directory {
	return &Directory{byID: make(map[uint64]registration)}
}

func (d *Directory) register(id uint64, w *Worker, sess *session.Session) {
	d.mu.Lock()
	d.byID[id] = registration{worker: w, sess: sess}
	d.mu.Unlock()
}

func (d *Directory) unregister(id uint64) {
	d.mu.Lock()
	delete(d.byID, id)
	d.mu.Unlock()
}

// Send implements command.Broker: enqueue payload onto the session's
// owning worker, which appends it to the session's out-buffer on its own
// loop goroutine and arms the fd for writing.
func (d *Directory) Send(sessionID uint64, payload []byte) {
	d.mu.RLock()
	r, ok := d.byID[sessionID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	w := r.worker
	fd := r.sess.FD
	_ = w.Loop.Submit(func() {
		c, ok := w.sessions[fd]
		if !ok {
			return
		}
		c.sess.OutBuffer().Write(payload)
		w.flushPending(c)
	})
}

// MarkDirty implements command.Broker: flip the session's dirty-CAS flag
// directly, without routing through its owning worker's loop, since the
// flag itself is already safe for lock-free concurrent access.
func (d *Directory) MarkDirty(sessionID uint64) {
	d.mu.RLock()
	r, ok := d.byID[sessionID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	r.sess.SetFlag(session.FlagDirtyCAS)
}

// Count returns the number of sessions currently registered across every
// worker, for the dispatcher's maxclients check.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byID)
}
