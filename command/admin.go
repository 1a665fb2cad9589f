package command

import (
	"fmt"

	"github.com/kvloop/kvloop/resp"
	"github.com/kvloop/kvloop/session"
)

func init() {
	register(&Descriptor{Name: "CONFIG", Arity: -2, Flags: FlagAdmin, Handler: cmdConfig})
	register(&Descriptor{Name: "SLOWLOG", Arity: -2, Flags: FlagAdmin, Handler: cmdSlowlog})
	register(&Descriptor{Name: "INFO", Arity: -1, Flags: FlagReadOnly, Handler: cmdInfo})
	register(&Descriptor{Name: "CLIENT", Arity: -2, Flags: FlagReadOnly, Handler: cmdClient})
	register(&Descriptor{Name: "COMMAND", Arity: -1, Flags: FlagReadOnly, Handler: cmdCommand})
	register(&Descriptor{Name: "DEBUG", Arity: -2, Flags: FlagAdmin, Handler: cmdDebug})
	register(&Descriptor{Name: "SHUTDOWN", Arity: -1, Flags: FlagAdmin, Handler: cmdShutdown})
	register(&Descriptor{Name: "SAVE", Arity: 1, Flags: FlagAdmin, Handler: cmdSaveNoop})
	register(&Descriptor{Name: "BGSAVE", Arity: 1, Flags: FlagAdmin, Handler: cmdSaveNoop})
	register(&Descriptor{Name: "QUIT", Arity: 1, Flags: FlagReadOnly, Handler: cmdQuit})
}

func cmdConfig(ctx *Context, args [][]byte) {
	sub := upper(args[1])
	switch sub {
	case "GET":
		if len(args) != 3 {
			replyErr(ctx, "ERR wrong number of arguments for 'config|get' command")
			return
		}
		v, ok := ctx.Cfg.Get(string(args[2]))
		if !ok {
			_ = writeBulkArray(ctx, nil)
			return
		}
		_ = writeBulkArray(ctx, [][]byte{args[2], []byte(v)})
	case "SET":
		if len(args) != 4 {
			replyErr(ctx, "ERR wrong number of arguments for 'config|set' command")
			return
		}
		if !ctx.Cfg.Set(string(args[2]), string(args[3])) {
			replyErr(ctx, "ERR Unsupported CONFIG parameter or value")
			return
		}
		replyOK(ctx)
	default:
		replyErr(ctx, "ERR unknown CONFIG subcommand")
	}
}

func cmdSlowlog(ctx *Context, args [][]byte) {
	sub := upper(args[1])
	switch sub {
	case "GET":
		count := -1
		if len(args) > 2 {
			n, ok := parseIntArg(args[2])
			if ok {
				count = int(n)
			}
		}
		entries := ctx.SlowLog.Get(count)
		_ = resp.WriteArrayHeader(ctx.Out, len(entries))
		for _, e := range entries {
			_ = resp.WriteArrayHeader(ctx.Out, 4)
			_ = resp.WriteInteger(ctx.Out, e.ID)
			_ = resp.WriteInteger(ctx.Out, e.UnixTime)
			_ = resp.WriteInteger(ctx.Out, e.DurationUs)
			_ = writeBulkArray(ctx, e.Args)
		}
	case "RESET":
		ctx.SlowLog.Reset()
		replyOK(ctx)
	case "LEN":
		replyInt(ctx, int64(ctx.SlowLog.Len()))
	default:
		replyErr(ctx, "ERR unknown SLOWLOG subcommand")
	}
}

func cmdInfo(ctx *Context, args [][]byte) {
	snap := ctx.Stats.Snapshot()
	info := fmt.Sprintf(
		"# Server\r\ndatabases:%d\r\n# Memory\r\nused_memory:%d\r\n# Stats\r\ntotal_commands_processed:%d\r\ntotal_connections_received:%d\r\nrejected_connections:%d\r\nexpired_keys:%d\r\nevicted_keys:%d\r\nkeyspace_hits:%d\r\nkeyspace_misses:%d\r\npubsub_messages:%d\r\n",
		ctx.Reg.Count(), ctx.Reg.UsedMemory(),
		snap.CommandsProcessed, snap.ConnectionsAccepted, snap.ConnectionsRejected,
		snap.ExpiredKeys, snap.EvictedKeys, snap.KeyspaceHits, snap.KeyspaceMisses, snap.PubsubMessages,
	)
	replyBulk(ctx, []byte(info))
}

func cmdClient(ctx *Context, args [][]byte) {
	sub := upper(args[1])
	switch sub {
	case "ID":
		replyInt(ctx, int64(ctx.Session.ID))
	case "GETNAME":
		replyBulk(ctx, []byte(ctx.Session.Name))
	case "SETNAME":
		if len(args) != 3 {
			replyErr(ctx, "ERR wrong number of arguments for 'client|setname' command")
			return
		}
		ctx.Session.Name = string(args[2])
		replyOK(ctx)
	case "LIST":
		replyBulk(ctx, []byte(fmt.Sprintf("id=%d addr=? db=%d\n", ctx.Session.ID, ctx.Session.DB)))
	default:
		replyErr(ctx, "ERR unknown CLIENT subcommand")
	}
}

func cmdCommand(ctx *Context, args [][]byte) {
	if len(args) >= 2 && upper(args[1]) == "COUNT" {
		replyInt(ctx, int64(len(Table)))
		return
	}
	replyInt(ctx, int64(len(Table)))
}

func cmdDebug(ctx *Context, args [][]byte) {
	sub := upper(args[1])
	switch sub {
	case "SLEEP":
		// A real sleep would block the owning worker loop's goroutine and
		// every other session it serves; DEBUG SLEEP is accepted but
		// intentionally a no-op here rather than reproducing that footgun.
		replyOK(ctx)
	case "OBJECT":
		if len(args) != 3 {
			replyErr(ctx, "ERR wrong number of arguments for 'debug|object' command")
			return
		}
		o, expired := ctx.DB.LookupWrite(string(args[2]), ctx.NowMs)
		if expired || o == nil {
			replyErr(ctx, "ERR no such key")
			return
		}
		replyBulk(ctx, []byte(fmt.Sprintf("Value at:0x0 refcount:1 encoding:%s type:%s", o.Encoding, o.Type)))
	default:
		replyErr(ctx, "ERR unknown DEBUG subcommand")
	}
}

func cmdShutdown(ctx *Context, args [][]byte) {
	// The worker loop observes this via ctx.Session.HasFlag after Dispatch
	// returns and closes this connection; no reply is sent. The server
	// itself keeps running: nothing else acts on FlagShutdownRequested.
	ctx.Session.SetFlag(session.FlagShutdownRequested)
}

func cmdSaveNoop(ctx *Context, args [][]byte) {
	replyOK(ctx)
}

// cmdQuit acknowledges, then lets the worker close the connection once
// the acknowledgement has drained.
func cmdQuit(ctx *Context, args [][]byte) {
	replyOK(ctx)
	ctx.Session.SetFlag(session.FlagCloseAfterReply)
}
