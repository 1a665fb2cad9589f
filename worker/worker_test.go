package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/logging"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/store"
)

func newTestWorker(t *testing.T, id int, reg *store.Registry, dir *Directory) *Worker {
	t.Helper()
	w, err := New(id, reg, config.Default(), &stats.Counters{}, stats.NewSlowLog(128), dir, logging.Nop())
	require.NoError(t, err)
	return w
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func socketpair(t *testing.T) (clientFD, serverFD int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[0]) })
	return fds[0], fds[1]
}

// readUntil polls fd (nonblocking) until the accumulated bytes contain
// want or the deadline passes.
func readUntil(t *testing.T, fd int, want string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		var buf [4096]byte
		n, err := unix.Read(fd, buf[:])
		if n > 0 {
			got = append(got, buf[:n]...)
			if containsStr(string(got), want) {
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

func containsStr(s, sub string) bool {
	return len(s) >= len(sub) && indexOf(s, sub) >= 0
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestWorkerServesSetGetOverSocket(t *testing.T) {
	reg := store.NewRegistry(4)
	dir := NewDirectory()
	w := newTestWorker(t, 1, reg, dir)
	runWorker(t, w)

	clientFD, serverFD := socketpair(t)
	w.PushNewConn(serverFD, 0)

	_, err := unix.Write(clientFD, []byte("*3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n"))
	require.NoError(t, err)
	require.Equal(t, "+OK\r\n", readUntil(t, clientFD, "+OK\r\n"))

	_, err = unix.Write(clientFD, []byte("*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"))
	require.NoError(t, err)
	require.Equal(t, "$1\r\nv\r\n", readUntil(t, clientFD, "$1\r\nv\r\n"))
}

func TestWorkerClosesSessionOnEOF(t *testing.T) {
	reg := store.NewRegistry(4)
	dir := NewDirectory()
	w := newTestWorker(t, 1, reg, dir)
	runWorker(t, w)

	clientFD, serverFD := socketpair(t)
	w.PushNewConn(serverFD, 0)

	deadline := time.Now().Add(2 * time.Second)
	for dir.Count() != 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, dir.Count())

	unix.Close(clientFD)

	deadline = time.Now().Add(2 * time.Second)
	for dir.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, dir.Count())
}

func TestPublishDeliversAcrossWorkers(t *testing.T) {
	reg := store.NewRegistry(4)
	dir := NewDirectory()
	wA := newTestWorker(t, 1, reg, dir)
	wB := newTestWorker(t, 2, reg, dir)
	runWorker(t, wA)
	runWorker(t, wB)

	subClientFD, subServerFD := socketpair(t)
	wA.PushNewConn(subServerFD, 0)

	_, err := unix.Write(subClientFD, []byte("*2\r\n$9\r\nSUBSCRIBE\r\n$2\r\nch\r\n"))
	require.NoError(t, err)
	require.Contains(t, readUntil(t, subClientFD, "subscribe"), "subscribe")

	pubClientFD, pubServerFD := socketpair(t)
	wB.PushNewConn(pubServerFD, 0)

	_, err = unix.Write(pubClientFD, []byte("*3\r\n$7\r\nPUBLISH\r\n$2\r\nch\r\n$5\r\nhello\r\n"))
	require.NoError(t, err)
	require.Equal(t, ":1\r\n", readUntil(t, pubClientFD, ":1\r\n"))

	require.Contains(t, readUntil(t, subClientFD, "hello"), "hello")
}

// TestBlockedSessionBuffersPipelinedCommands pipelines BLPOP and PING
// in one write: the PING must not be answered while the session is
// blocked, and once the BLPOP is served its reply must come first.
func TestBlockedSessionBuffersPipelinedCommands(t *testing.T) {
	reg := store.NewRegistry(4)
	dir := NewDirectory()
	w := newTestWorker(t, 1, reg, dir)
	runWorker(t, w)

	clientFD, serverFD := socketpair(t)
	w.PushNewConn(serverFD, 0)

	_, err := unix.Write(clientFD, []byte("*3\r\n$5\r\nBLPOP\r\n$1\r\nq\r\n$1\r\n0\r\n*1\r\n$4\r\nPING\r\n"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	var buf [256]byte
	n, _ := unix.Read(clientFD, buf[:])
	require.LessOrEqual(t, n, 0, "no reply may arrive while the session is blocked")

	pushClientFD, pushServerFD := socketpair(t)
	w.PushNewConn(pushServerFD, 0)
	_, err = unix.Write(pushClientFD, []byte("*3\r\n$5\r\nRPUSH\r\n$1\r\nq\r\n$2\r\nv1\r\n"))
	require.NoError(t, err)

	reply := readUntil(t, clientFD, "+PONG\r\n")
	blpopIdx := indexOf(reply, "$2\r\nv1\r\n")
	pongIdx := indexOf(reply, "+PONG\r\n")
	require.GreaterOrEqual(t, blpopIdx, 0)
	require.Greater(t, pongIdx, blpopIdx)
}

// TestBrpoplpushServedAfterPush exercises the destination half of the
// block state: the served element must land at the head of the
// destination list and the blocked client receives it as a bare bulk.
func TestBrpoplpushServedAfterPush(t *testing.T) {
	reg := store.NewRegistry(4)
	dir := NewDirectory()
	w := newTestWorker(t, 1, reg, dir)
	runWorker(t, w)

	blockClientFD, blockServerFD := socketpair(t)
	w.PushNewConn(blockServerFD, 0)
	_, err := unix.Write(blockClientFD, []byte("*4\r\n$10\r\nBRPOPLPUSH\r\n$1\r\nq\r\n$1\r\nd\r\n$1\r\n0\r\n"))
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	pushClientFD, pushServerFD := socketpair(t)
	w.PushNewConn(pushServerFD, 0)
	_, err = unix.Write(pushClientFD, []byte("*3\r\n$5\r\nRPUSH\r\n$1\r\nq\r\n$5\r\nhello\r\n"))
	require.NoError(t, err)
	require.Equal(t, ":1\r\n", readUntil(t, pushClientFD, ":1\r\n"))

	require.Contains(t, readUntil(t, blockClientFD, "hello"), "$5\r\nhello\r\n")

	_, err = unix.Write(pushClientFD, []byte("*2\r\n$4\r\nLLEN\r\n$1\r\nd\r\n"))
	require.NoError(t, err)
	require.Contains(t, readUntil(t, pushClientFD, ":1\r\n"), ":1\r\n")
}

func TestBlpopServedAfterPushFromAnotherWorker(t *testing.T) {
	reg := store.NewRegistry(4)
	dir := NewDirectory()
	wA := newTestWorker(t, 1, reg, dir)
	wB := newTestWorker(t, 2, reg, dir)
	runWorker(t, wA)
	runWorker(t, wB)

	blockClientFD, blockServerFD := socketpair(t)
	wA.PushNewConn(blockServerFD, 0)
	_, err := unix.Write(blockClientFD, []byte("*3\r\n$5\r\nBLPOP\r\n$1\r\nq\r\n$1\r\n0\r\n"))
	require.NoError(t, err)

	// Give the BLPOP call a chance to register as blocked before the
	// push arrives, so this actually exercises the ready-key handoff
	// rather than BLPOP's own immediate-data fast path.
	time.Sleep(50 * time.Millisecond)

	pushClientFD, pushServerFD := socketpair(t)
	wB.PushNewConn(pushServerFD, 0)
	_, err = unix.Write(pushClientFD, []byte("*3\r\n$5\r\nRPUSH\r\n$1\r\nq\r\n$2\r\nv1\r\n"))
	require.NoError(t, err)
	require.Equal(t, ":1\r\n", readUntil(t, pushClientFD, ":1\r\n"))

	reply := readUntil(t, blockClientFD, "v1")
	require.Contains(t, reply, "q")
	require.Contains(t, reply, "v1")
}
