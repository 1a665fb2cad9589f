package dispatcher

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/logging"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/store"
	"github.com/kvloop/kvloop/worker"
)

func newTestDispatcher(t *testing.T, maxClients int) (*Dispatcher, *worker.Directory, *stats.Counters, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.Bind = []string{"127.0.0.1"}
	cfg.Port = 0 // resolved below once the listener is bound
	cfg.MaxClients = maxClients

	reg := store.NewRegistry(4)
	dir := worker.NewDirectory()
	st := &stats.Counters{}

	w, err := worker.New(1, reg, cfg, st, stats.NewSlowLog(64), dir, logging.Nop())
	require.NoError(t, err)

	d, err := New(cfg, st, dir, []*worker.Worker{w}, logging.Nop())
	require.NoError(t, err)

	wCtx, wCancel := context.WithCancel(context.Background())
	wDone := make(chan struct{})
	go func() {
		_ = w.Run(wCtx)
		close(wDone)
	}()
	t.Cleanup(func() {
		wCancel()
		<-wDone
	})

	return d, dir, st, cfg
}

// freePort finds a free TCP port on loopback by briefly binding to :0,
// since the dispatcher's own Listen needs a fixed, already-known port to
// connect to from the test's client side.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func runDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestDispatcherAcceptsAndHandsOffToWorker(t *testing.T) {
	d, dir, _, cfg := newTestDispatcher(t, 10)
	cfg.Port = freePort(t)

	require.NoError(t, d.Listen())
	runDispatcher(t, d)

	conn, err := net.Dial("tcp", "127.0.0.1:"+itoa(cfg.Port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.NoError(t, err)

	buf := make([]byte, 64)
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", string(buf[:n]))

	deadline := time.Now().Add(2 * time.Second)
	for dir.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, dir.Count())
}

func TestDispatcherRejectsOverMaxClients(t *testing.T) {
	d, _, st, cfg := newTestDispatcher(t, 0)
	cfg.Port = freePort(t)

	require.NoError(t, d.Listen())
	runDispatcher(t, d)

	conn, err := net.Dial("tcp", "127.0.0.1:"+itoa(cfg.Port))
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 16)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(buf)
	require.Error(t, err) // the dispatcher closes nfd immediately, no bytes sent

	deadline := time.Now().Add(2 * time.Second)
	for st.ConnectionsRejected == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, int64(1), st.ConnectionsRejected)
}

// TestMigrationRehomesLiveSession walks the full handoff protocol: a
// session served by worker A is unlinked on A's own loop goroutine,
// routed through the dispatcher's single thread, and re-registered on
// worker B, after which the same client connection keeps working.
func TestMigrationRehomesLiveSession(t *testing.T) {
	cfg := config.Default()
	reg := store.NewRegistry(4)
	dir := worker.NewDirectory()
	st := &stats.Counters{}

	wA, err := worker.New(1, reg, cfg, st, stats.NewSlowLog(64), dir, logging.Nop())
	require.NoError(t, err)
	wB, err := worker.New(2, reg, cfg, st, stats.NewSlowLog(64), dir, logging.Nop())
	require.NoError(t, err)

	d, err := New(cfg, st, dir, []*worker.Worker{wA, wB}, logging.Nop())
	require.NoError(t, err)

	for _, run := range []func(context.Context) error{wA.Run, wB.Run, d.Run} {
		run := run
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			_ = run(ctx)
			close(done)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	clientFD := fds[0]
	t.Cleanup(func() { unix.Close(clientFD) })
	wA.PushNewConn(fds[1], 0)

	_, err = unix.Write(clientFD, []byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.NoError(t, err)
	require.Contains(t, readAll(t, clientFD, "+OK\r\n"), "+OK\r\n")

	_, err = unix.Write(clientFD, []byte("*2\r\n$6\r\nCLIENT\r\n$2\r\nID\r\n"))
	require.NoError(t, err)
	idReply := readAll(t, clientFD, "\r\n")
	require.True(t, len(idReply) > 3 && idReply[0] == ':')
	var sessID uint64
	for i := 1; i < len(idReply) && idReply[i] != '\r'; i++ {
		sessID = sessID*10 + uint64(idReply[i]-'0')
	}

	require.NoError(t, wA.Loop.Submit(func() {
		if sess, fd, ok := wA.Unlink(sessID); ok {
			_ = d.Migrate(sess, fd, wA.ID)
		}
	}))

	deadline := time.Now().Add(2 * time.Second)
	for wB.ConnCount() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, wB.ConnCount())
	require.Equal(t, 0, wA.ConnCount())

	_, err = unix.Write(clientFD, []byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)
	require.Contains(t, readAll(t, clientFD, "$1\r\nv\r\n"), "$1\r\nv\r\n")
}

// readAll polls the nonblocking fd until the accumulated bytes contain
// want or a deadline passes.
func readAll(t *testing.T, fd int, want string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		var buf [4096]byte
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			got = append(got, buf[:n]...)
			if strings.Contains(string(got), want) {
				return string(got)
			}
		}
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	return string(got)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
