// Package dispatcher implements the single loop that owns every
// listening socket, accepts new connections, and round-robins them
// across the fixed worker pool. It shares no session state with any
// worker - the only thing it touches past accept() is the worker.Directory
// count, for the maxclients admission check.
package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/kvloop/kvloop/eventloop"
	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/logging"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/session"
	"github.com/kvloop/kvloop/worker"
)

// listenSocket is one bound, listening fd and the listenID tag workers
// receive it under in NewConn - not currently exposed to commands, but
// threaded through in case a future CLIENT LIST wants to report which
// bind address a session arrived on.
type listenSocket struct {
	fd       int
	listenID int
	addr     string
	port     int
}

// Dispatcher owns every listening socket and the round-robin fd handoff
// to the worker pool. It registers no client fds of its own past the
// listening sockets themselves.
type Dispatcher struct {
	Cfg       *config.Config
	Stats     *stats.Counters
	Directory *worker.Directory
	Log       logging.Logger

	loop      *eventloop.Loop
	listeners []listenSocket
	workers   []*worker.Worker

	nextWorker uint64
}

// New builds a Dispatcher with its own event loop, ready for Listen and
// Run. workers must be non-empty; it is the fixed pool Listen hands
// accepted connections to.
func New(cfg *config.Config, st *stats.Counters, dir *worker.Directory, workers []*worker.Worker, log logging.Logger) (*Dispatcher, error) {
	if len(workers) == 0 {
		return nil, fmt.Errorf("dispatcher: at least one worker is required")
	}
	el, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &Dispatcher{Cfg: cfg, Stats: st, Directory: dir, Log: log, loop: el, workers: workers}, nil
}

// Listen binds and starts listening on every configured address, and
// registers each for accept events on the dispatcher's loop. Call once,
// before Run.
func (d *Dispatcher) Listen() error {
	addrs, port := d.Cfg.ListenAddrs()
	if len(addrs) == 0 {
		addrs = []string{"0.0.0.0"}
	}
	for i, addr := range addrs {
		fd, err := listenTCP(addr, port)
		if err != nil {
			return fmt.Errorf("dispatcher: listen %s:%d: %w", addr, port, err)
		}
		ls := listenSocket{fd: fd, listenID: i, addr: addr, port: port}
		d.listeners = append(d.listeners, ls)
		listenID := ls.listenID
		if err := d.loop.RegisterFD(fd, eventloop.EventRead, func(eventloop.IOEvents) { d.onAcceptable(fd, listenID) }); err != nil {
			return fmt.Errorf("dispatcher: register listen fd: %w", err)
		}
		d.Log.Info().Str("addr", addr).Int("port", port).Log("listening")
	}
	return nil
}

// listenTCP builds a nonblocking, SO_REUSEADDR'd, listening TCP socket
// bound to addr:port, following the same direct-unix-syscall idiom the
// eventloop and worker packages use for every other raw fd.
func listenTCP(addr string, port int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	sa, err := sockaddr(addr, port)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

// listenBacklog is the backlog argument passed to listen(2).
const listenBacklog = 511

func sockaddr(addr string, port int) (unix.Sockaddr, error) {
	var ip [4]byte
	if addr == "" || addr == "0.0.0.0" || addr == "*" {
		ip = [4]byte{0, 0, 0, 0}
	} else {
		parsed := parseIPv4(addr)
		if parsed == nil {
			return nil, fmt.Errorf("dispatcher: unsupported bind address %q", addr)
		}
		ip = *parsed
	}
	return &unix.SockaddrInet4{Port: port, Addr: ip}, nil
}

// parseIPv4 is a minimal dotted-quad parser, avoiding a net.ParseIP
// round-trip just to get four bytes back out for SockaddrInet4.
func parseIPv4(s string) *[4]byte {
	var out [4]byte
	part, n := 0, 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			if part > 3 || n > 255 {
				return nil
			}
			out[part] = byte(n)
			part++
			n = 0
			continue
		}
		c := s[i]
		if c < '0' || c > '9' {
			return nil
		}
		n = n*10 + int(c-'0')
	}
	if part != 4 {
		return nil
	}
	return &out
}

// onAcceptable drains every pending connection on a listening fd,
// admission-checking and round-robin-dispatching each to the worker
// pool.
func (d *Dispatcher) onAcceptable(listenFD, listenID int) {
	for {
		nfd, _, err := unix.Accept(listenFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			return
		}
		if d.Directory.Count() >= d.Cfg.Snapshot().MaxClients {
			unix.Close(nfd)
			d.Stats.IncrConnectionsRejected()
			continue
		}
		_ = unix.SetNonblock(nfd, true)
		d.pickWorker().PushNewConn(nfd, listenID)
	}
}

// pickWorker round-robins across the fixed worker pool.
func (d *Dispatcher) pickWorker() *worker.Worker {
	idx := d.nextWorker % uint64(len(d.workers))
	d.nextWorker++
	return d.workers[idx]
}

// Migrate re-homes an unlinked session onto a worker other than origin.
// The caller (origin's loop goroutine) must have already called
// worker.Unlink, so no readiness event for the session can be delivered
// anywhere between that unlink and the destination's re-registration.
// Routing runs as a task on the dispatcher's own loop: all cross-loop
// handoffs serialise through this single thread, which is the only
// writer of the destination's 'j' wake byte.
func (d *Dispatcher) Migrate(sess *session.Session, fd, origin int) error {
	return d.loop.Submit(func() {
		dest := d.pickWorker()
		if dest.ID == origin && len(d.workers) > 1 {
			dest = d.pickWorker()
		}
		dest.PushMigrate(sess, fd)
	})
}

// Run blocks until ctx is cancelled or Shutdown is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	return d.loop.Run(ctx)
}

// Shutdown requests graceful termination, closing every listening socket
// first so no further connections are admitted.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	for _, ls := range d.listeners {
		_ = d.loop.UnregisterFD(ls.fd)
		unix.Close(ls.fd)
	}
	return d.loop.Shutdown(ctx)
}
