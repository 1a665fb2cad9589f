//go:build darwin

package eventloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type fdInfo struct {
	callback func(IOEvents)
	events   IOEvents
	active   bool
}

// kqueuePoller implements poller on Darwin with kqueue, mirroring the
// epoll variant in poller_linux.go.
type kqueuePoller struct {
	kq       int
	eventBuf [256]unix.Kevent_t
	fds      []fdInfo
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func (p *kqueuePoller) init() error {
	kq, err := unix.Kqueue()
	if err != nil {
		return err
	}
	unix.CloseOnExec(kq)
	p.kq = kq
	p.fds = make([]fdInfo, 1024)
	return nil
}

func (p *kqueuePoller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.kq)
}

func (p *kqueuePoller) growLocked(fd int) {
	if fd < len(p.fds) {
		return
	}
	next := make([]fdInfo, fd*2+1)
	copy(next, p.fds)
	p.fds = next
}

func (p *kqueuePoller) registerFD(fd int, events IOEvents, cb func(IOEvents)) error {
	if p.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	p.fdMu.Lock()
	p.growLocked(fd)
	if p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDAlreadyRegistered
	}
	p.fds[fd] = fdInfo{callback: cb, events: events, active: true}
	p.fdMu.Unlock()

	kevs := eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	if err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
	}
	return err
}

func (p *kqueuePoller) modifyFD(fd int, events IOEvents) error {
	p.fdMu.Lock()
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	old := p.fds[fd].events
	p.fds[fd].events = events
	p.fdMu.Unlock()

	var kevs []unix.Kevent_t
	if old&EventRead != 0 && events&EventRead == 0 {
		kevs = append(kevs, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if old&EventWrite != 0 && events&EventWrite == 0 {
		kevs = append(kevs, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	kevs = append(kevs, eventsToKevents(fd, events, unix.EV_ADD|unix.EV_ENABLE)...)
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	return err
}

func (p *kqueuePoller) unregisterFD(fd int) error {
	p.fdMu.Lock()
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	events := p.fds[fd].events
	p.fds[fd] = fdInfo{}
	p.fdMu.Unlock()

	var kevs []unix.Kevent_t
	if events&EventRead != 0 {
		kevs = append(kevs, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if events&EventWrite != 0 {
		kevs = append(kevs, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	if len(kevs) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, kevs, nil, nil)
	return err
}

func (p *kqueuePoller) poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	var ts *unix.Timespec
	if timeoutMs >= 0 {
		d := unix.NsecToTimespec(int64(timeoutMs) * 1e6)
		ts = &d
	}
	n, err := unix.Kevent(p.kq, nil, p.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Ident)
		p.fdMu.RLock()
		var info fdInfo
		if fd >= 0 && fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()
		if !info.active || info.callback == nil {
			continue
		}
		switch p.eventBuf[i].Filter {
		case int16(unix.EVFILT_READ):
			info.callback(EventRead)
		case int16(unix.EVFILT_WRITE):
			info.callback(EventWrite)
		}
	}
	return n, nil
}

func kevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
}

func eventsToKevents(fd int, events IOEvents, flags uint16) []unix.Kevent_t {
	var kevs []unix.Kevent_t
	if events&EventRead != 0 {
		kevs = append(kevs, kevent(fd, unix.EVFILT_READ, flags))
	}
	if events&EventWrite != 0 {
		kevs = append(kevs, kevent(fd, unix.EVFILT_WRITE, flags))
	}
	return kevs
}

type concretePoller = kqueuePoller

func newWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return 0, 0, err
	}
	_ = unix.SetNonblock(fds[0], true)
	_ = unix.SetNonblock(fds[1], true)
	return fds[0], fds[1], nil
}

func writeWakeByte(w int) {
	var b [1]byte
	_, _ = unix.Write(w, b[:])
}

func drainWakePipe(r int) {
	var buf [64]byte
	for {
		_, err := unix.Read(r, buf[:])
		if err != nil {
			return
		}
	}
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}
