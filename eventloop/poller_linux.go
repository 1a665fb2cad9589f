//go:build linux

package eventloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// fdInfo stores per-fd registration state.
type fdInfo struct {
	callback func(IOEvents)
	events   IOEvents
	active   bool
}

// epollPoller implements poller on Linux with a direct-indexed fd table,
// adapted from the sibling eventloop package's FastPoller (epoll variant).
type epollPoller struct {
	epfd     int
	eventBuf [256]unix.EpollEvent
	fds      []fdInfo
	fdMu     sync.RWMutex
	version  atomic.Uint64
	closed   atomic.Bool
}

func (p *epollPoller) init() error {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = fd
	p.fds = make([]fdInfo, 1024)
	return nil
}

func (p *epollPoller) close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return unix.Close(p.epfd)
}

func (p *epollPoller) growLocked(fd int) {
	if fd < len(p.fds) {
		return
	}
	n := fd*2 + 1
	next := make([]fdInfo, n)
	copy(next, p.fds)
	p.fds = next
}

func (p *epollPoller) registerFD(fd int, events IOEvents, cb func(IOEvents)) error {
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
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		p.fdMu.Lock()
		p.fds[fd] = fdInfo{}
		p.fdMu.Unlock()
		return err
	}
	return nil
}

func (p *epollPoller) modifyFD(fd int, events IOEvents) error {
	p.fdMu.Lock()
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd].events = events
	p.version.Add(1)
	p.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev)
}

func (p *epollPoller) unregisterFD(fd int) error {
	p.fdMu.Lock()
	if fd < 0 || fd >= len(p.fds) || !p.fds[fd].active {
		p.fdMu.Unlock()
		return ErrFDNotRegistered
	}
	p.fds[fd] = fdInfo{}
	p.version.Add(1)
	p.fdMu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoller) poll(timeoutMs int) (int, error) {
	if p.closed.Load() {
		return 0, ErrPollerClosed
	}
	v := p.version.Load()
	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	if p.version.Load() != v {
		return 0, nil
	}
	for i := 0; i < n; i++ {
		fd := int(p.eventBuf[i].Fd)
		p.fdMu.RLock()
		var info fdInfo
		if fd >= 0 && fd < len(p.fds) {
			info = p.fds[fd]
		}
		p.fdMu.RUnlock()
		if info.active && info.callback != nil {
			info.callback(epollToEvents(p.eventBuf[i].Events))
		}
	}
	return n, nil
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(e uint32) IOEvents {
	var events IOEvents
	if e&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if e&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if e&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if e&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}

// concretePoller is the platform poller type embedded by Loop.
type concretePoller = epollPoller

func newWakePipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return 0, 0, err
	}
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
