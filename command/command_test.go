package command

import (
	"bytes"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kvloop/kvloop/internal/config"
	"github.com/kvloop/kvloop/internal/stats"
	"github.com/kvloop/kvloop/session"
	"github.com/kvloop/kvloop/store"
)

type fakeBroker struct {
	sent  map[uint64][]byte
	dirty map[uint64]bool
	// sessions lets MarkDirty behave like the real worker.Directory and
	// actually flip the session's dirty-CAS flag.
	sessions map[uint64]*session.Session
}

func (b *fakeBroker) Send(sessionID uint64, payload []byte) {
	if b.sent == nil {
		b.sent = make(map[uint64][]byte)
	}
	b.sent[sessionID] = append(b.sent[sessionID], payload...)
}

func (b *fakeBroker) MarkDirty(sessionID uint64) {
	if b.dirty == nil {
		b.dirty = make(map[uint64]bool)
	}
	b.dirty[sessionID] = true
	if s, ok := b.sessions[sessionID]; ok {
		s.SetFlag(session.FlagDirtyCAS)
	}
}

func newTestContext(t *testing.T) (*Context, *bytes.Buffer) {
	t.Helper()
	reg := store.NewRegistry(4)
	db, err := reg.Get(0)
	require.NoError(t, err)
	sess := session.New(1, 3, 0)
	sess.SetFlag(session.FlagAdminAuthenticated)
	cfg := config.Default()
	var out bytes.Buffer
	ctx := &Context{
		Session: sess,
		DB:      db,
		Reg:     reg,
		Cfg:     cfg,
		Snap:    cfg.Snapshot(),
		Stats:   &stats.Counters{},
		SlowLog: stats.NewSlowLog(128),
		Broker:  &fakeBroker{sessions: map[uint64]*session.Session{sess.ID: sess}},
		NowMs:   1_000_000,
		Out:     &out,
	}
	return ctx, &out
}

func runCmd(ctx *Context, out *bytes.Buffer, parts ...string) string {
	out.Reset()
	args := make([][]byte, len(parts))
	for i, p := range parts {
		args[i] = []byte(p)
	}
	Dispatch(ctx, args)
	return out.String()
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, "+OK\r\n", runCmd(ctx, out, "SET", "foo", "bar"))
	require.Equal(t, "$3\r\nbar\r\n", runCmd(ctx, out, "GET", "foo"))
	require.Equal(t, ":3\r\n", runCmd(ctx, out, "STRLEN", "foo"))
}

func TestDelIsIdempotent(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "SET", "k", "v")
	require.Equal(t, ":1\r\n", runCmd(ctx, out, "DEL", "k"))
	require.Equal(t, ":0\r\n", runCmd(ctx, out, "DEL", "k"))
}

func TestTTLSemantics(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, ":-2\r\n", runCmd(ctx, out, "TTL", "missing"))

	runCmd(ctx, out, "SET", "k", "v")
	require.Equal(t, ":-1\r\n", runCmd(ctx, out, "TTL", "k"))

	runCmd(ctx, out, "PEXPIREAT", "k", "1005000")
	require.Equal(t, ":5\r\n", runCmd(ctx, out, "TTL", "k"))
}

func TestIncrDecr(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, ":1\r\n", runCmd(ctx, out, "INCR", "counter"))
	require.Equal(t, ":2\r\n", runCmd(ctx, out, "INCR", "counter"))
	require.Equal(t, ":0\r\n", runCmd(ctx, out, "DECRBY", "counter", "2"))
}

func TestListRoundTrip(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, ":3\r\n", runCmd(ctx, out, "RPUSH", "mylist", "a", "b", "c"))
	require.Equal(t, "*3\r\n$1\r\na\r\n$1\r\nb\r\n$1\r\nc\r\n", runCmd(ctx, out, "LRANGE", "mylist", "0", "-1"))
}

func TestWrongTypeError(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "SET", "k", "v")
	reply := runCmd(ctx, out, "LPUSH", "k", "x")
	require.Contains(t, reply, "WRONGTYPE")
}

func TestMultiExecReplaysStagedCommands(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, "+OK\r\n", runCmd(ctx, out, "MULTI"))
	require.True(t, ctx.Session.Stage([][]byte{[]byte("SET"), []byte("k"), []byte("1")}))
	require.True(t, ctx.Session.Stage([][]byte{[]byte("GET"), []byte("k")}))

	reply := runCmd(ctx, out, "EXEC")
	require.Equal(t, "*2\r\n+OK\r\n$1\r\n1\r\n", reply)
}

func TestWatchDirtyCASFailsExec(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "SET", "k", "1")
	runCmd(ctx, out, "WATCH", "k")
	runCmd(ctx, out, "MULTI")
	ctx.Session.Stage([][]byte{[]byte("SET"), []byte("k"), []byte("2")})

	// A write to a watched key goes through signalModified, which must
	// reach the watching session's dirty-CAS flag via ctx.Broker even
	// though nothing here calls session.SetFlag directly.
	runCmd(ctx, out, "SET", "k", "modified-by-someone-else")
	require.True(t, ctx.Broker.(*fakeBroker).dirty[ctx.Session.ID])

	reply := runCmd(ctx, out, "EXEC")
	require.Equal(t, "*-1\r\n", reply)

	require.Equal(t, "$24\r\nmodified-by-someone-else\r\n", runCmd(ctx, out, "GET", "k"))
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	ctx, out := newTestContext(t)
	ctx.DB.Subscribe("ch", 42)
	require.Equal(t, ":1\r\n", runCmd(ctx, out, "PUBLISH", "ch", "hello"))

	broker := ctx.Broker.(*fakeBroker)
	require.Contains(t, string(broker.sent[42]), "hello")
}

func TestPublishDeliversToPatternSubscriber(t *testing.T) {
	ctx, out := newTestContext(t)
	ctx.DB.PSubscribe("news.*", 43)
	require.Equal(t, ":1\r\n", runCmd(ctx, out, "PUBLISH", "news.tech", "headline"))

	broker := ctx.Broker.(*fakeBroker)
	sent := string(broker.sent[43])
	require.Contains(t, sent, "pmessage")
	require.Contains(t, sent, "news.*")
	require.Contains(t, sent, "news.tech")
	require.Contains(t, sent, "headline")

	// A non-matching channel reaches nobody.
	require.Equal(t, ":0\r\n", runCmd(ctx, out, "PUBLISH", "sports.tech", "x"))
}

func TestPSubscribeAckCountsChannelsAndPatterns(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "SUBSCRIBE", "ch")
	reply := runCmd(ctx, out, "PSUBSCRIBE", "p.*")
	require.Contains(t, reply, "psubscribe")
	require.Contains(t, reply, ":2\r\n")
	require.Equal(t, ":1\r\n", runCmd(ctx, out, "PUBSUB", "NUMPAT"))

	runCmd(ctx, out, "PUNSUBSCRIBE", "p.*")
	require.Equal(t, ":0\r\n", runCmd(ctx, out, "PUBSUB", "NUMPAT"))
}

func TestBlpopFastPathServesImmediately(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "RPUSH", "q", "v1")
	reply := runCmd(ctx, out, "BLPOP", "q", "0")
	require.Equal(t, "*2\r\n$1\r\nq\r\n$2\r\nv1\r\n", reply)
}

func TestRpoplpushMovesAtomically(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "RPUSH", "src", "a", "b", "c")
	require.Equal(t, "$1\r\nc\r\n", runCmd(ctx, out, "RPOPLPUSH", "src", "dst"))
	require.Equal(t, "*1\r\n$1\r\nc\r\n", runCmd(ctx, out, "LRANGE", "dst", "0", "-1"))
	require.Equal(t, ":2\r\n", runCmd(ctx, out, "LLEN", "src"))
}

func TestRpoplpushRotatesSingleList(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "RPUSH", "l", "a", "b", "c")
	require.Equal(t, "$1\r\nc\r\n", runCmd(ctx, out, "RPOPLPUSH", "l", "l"))
	require.Equal(t, "*3\r\n$1\r\nc\r\n$1\r\na\r\n$1\r\nb\r\n", runCmd(ctx, out, "LRANGE", "l", "0", "-1"))
}

func TestRpoplpushEmptySourceRepliesNull(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, "$-1\r\n", runCmd(ctx, out, "RPOPLPUSH", "missing", "dst"))
	require.Equal(t, ":0\r\n", runCmd(ctx, out, "EXISTS", "dst"))
}

func TestRpoplpushWrongTypeDestination(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "RPUSH", "src", "a")
	runCmd(ctx, out, "SET", "dst", "str")
	require.Contains(t, runCmd(ctx, out, "RPOPLPUSH", "src", "dst"), "WRONGTYPE")
	require.Equal(t, ":1\r\n", runCmd(ctx, out, "LLEN", "src"))
}

func TestBrpoplpushFastPathMoves(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "RPUSH", "q", "v")
	require.Equal(t, "$1\r\nv\r\n", runCmd(ctx, out, "BRPOPLPUSH", "q", "dst", "0"))
	require.Equal(t, ":0\r\n", runCmd(ctx, out, "LLEN", "q"))
	require.Equal(t, "*1\r\n$1\r\nv\r\n", runCmd(ctx, out, "LRANGE", "dst", "0", "-1"))
}

func TestBrpoplpushBlocksWithDestination(t *testing.T) {
	ctx, out := newTestContext(t)
	out.Reset()
	runCmd(ctx, out, "BRPOPLPUSH", "q", "dst", "0")
	require.Equal(t, session.StateBlocked, ctx.Session.State())
	require.Empty(t, out.String())

	b := ctx.Session.BlockInfo()
	require.True(t, b.DestSet)
	require.Equal(t, "dst", b.Dest)
	require.False(t, b.Left)
	require.Equal(t, []string{"q"}, b.Keys)
}

func TestBlpopBlocksWhenEmpty(t *testing.T) {
	ctx, out := newTestContext(t)
	out.Reset()
	runCmd(ctx, out, "BLPOP", "q", "0")
	require.Equal(t, session.StateBlocked, ctx.Session.State())
	require.Empty(t, out.String())
}

func TestExecAbortsAfterStagingError(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "MULTI")
	ctx.Session.SetFlag(session.FlagDirtyExec)
	reply := runCmd(ctx, out, "EXEC")
	require.Contains(t, reply, "EXECABORT")
}

func TestNoEvictionRejectsWritesOverLimit(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "SET", "k", "v")

	require.True(t, ctx.Cfg.Set("maxmemory", "1"))
	ctx.Snap = ctx.Cfg.Snapshot()

	reply := runCmd(ctx, out, "SET", "k2", "v2")
	require.Contains(t, reply, "OOM")

	// Reads still work over the limit.
	require.Equal(t, "$1\r\nv\r\n", runCmd(ctx, out, "GET", "k"))
}

func TestAllkeysLRUEvictsToStayUnderLimit(t *testing.T) {
	ctx, out := newTestContext(t)
	payload := string(bytes.Repeat([]byte("x"), 64))
	for i := 0; i < 8; i++ {
		runCmd(ctx, out, "SET", "warm"+string(rune('a'+i)), payload)
	}
	limit := ctx.Reg.UsedMemory() - 1

	require.True(t, ctx.Cfg.Set("maxmemory", strconv.FormatInt(limit, 10)))
	require.True(t, ctx.Cfg.Set("maxmemory-policy", "allkeys-lru"))
	ctx.Snap = ctx.Cfg.Snapshot()

	require.Equal(t, "+OK\r\n", runCmd(ctx, out, "SET", "overflow", payload))
	require.Equal(t, int64(1), ctx.Stats.Snapshot().EvictedKeys)
	require.Equal(t, ":8\r\n", runCmd(ctx, out, "DBSIZE"))
}

func TestRequirePassGatesCommands(t *testing.T) {
	ctx, out := newTestContext(t)
	require.True(t, ctx.Cfg.Set("requirepass", "hunter2"))
	ctx.Snap = ctx.Cfg.Snapshot()

	reply := runCmd(ctx, out, "GET", "k")
	require.Contains(t, reply, "NOAUTH")

	require.Contains(t, runCmd(ctx, out, "AUTH", "wrong"), "invalid password")
	require.Equal(t, "+OK\r\n", runCmd(ctx, out, "AUTH", "hunter2"))
	require.Equal(t, "$-1\r\n", runCmd(ctx, out, "GET", "k"))
}

func TestConfigGetSet(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, "+OK\r\n", runCmd(ctx, out, "CONFIG", "SET", "maxmemory", "100"))
	require.Equal(t, "*2\r\n$9\r\nmaxmemory\r\n$3\r\n100\r\n", runCmd(ctx, out, "CONFIG", "GET", "maxmemory"))
}

func TestHashRoundTrip(t *testing.T) {
	ctx, out := newTestContext(t)
	require.Equal(t, ":1\r\n", runCmd(ctx, out, "HSET", "h", "f", "v"))
	require.Equal(t, "$1\r\nv\r\n", runCmd(ctx, out, "HGET", "h", "f"))
}

func TestZsetRankAndRange(t *testing.T) {
	ctx, out := newTestContext(t)
	runCmd(ctx, out, "ZADD", "z", "1", "a", "2", "b")
	require.Equal(t, ":0\r\n", runCmd(ctx, out, "ZRANK", "z", "a"))
}

func TestUnknownCommand(t *testing.T) {
	ctx, out := newTestContext(t)
	reply := runCmd(ctx, out, "NOTACOMMAND")
	require.Contains(t, reply, "ERR unknown command")
}

func TestArityError(t *testing.T) {
	ctx, out := newTestContext(t)
	reply := runCmd(ctx, out, "GET")
	require.Contains(t, reply, "wrong number of arguments")
}
