package command

import (
	"strconv"

	"github.com/kvloop/kvloop/resp"
)

func init() {
	register(&Descriptor{Name: "SUBSCRIBE", Arity: -2, Flags: FlagPubSub, Handler: cmdSubscribe})
	register(&Descriptor{Name: "UNSUBSCRIBE", Arity: -1, Flags: FlagPubSub, Handler: cmdUnsubscribe})
	register(&Descriptor{Name: "PSUBSCRIBE", Arity: -2, Flags: FlagPubSub, Handler: cmdPSubscribe})
	register(&Descriptor{Name: "PUNSUBSCRIBE", Arity: -1, Flags: FlagPubSub, Handler: cmdPUnsubscribe})
	register(&Descriptor{Name: "PUBLISH", Arity: 3, Flags: FlagPubSub, Handler: cmdPublish})
	register(&Descriptor{Name: "PUBSUB", Arity: -2, Flags: FlagPubSub, Handler: cmdPubsub})
}

// subCount is the total subscription count (channels plus patterns)
// echoed in every subscribe/unsubscribe ack.
func subCount(ctx *Context) int64 {
	channels, patterns := ctx.Session.Subscriptions()
	return int64(len(channels) + len(patterns))
}

func writeSubAck(ctx *Context, kind string, name []byte) {
	_ = resp.WriteArrayHeader(ctx.Out, 3)
	_ = resp.WriteBulkString(ctx.Out, []byte(kind))
	_ = resp.WriteBulkString(ctx.Out, name)
	_ = resp.WriteInteger(ctx.Out, subCount(ctx))
}

func cmdSubscribe(ctx *Context, args [][]byte) {
	for _, c := range args[1:] {
		channel := string(c)
		ctx.Session.Subscribe(channel)
		ctx.DB.Subscribe(channel, ctx.Session.ID)
		writeSubAck(ctx, "subscribe", c)
	}
}

func cmdUnsubscribe(ctx *Context, args [][]byte) {
	channels := args[1:]
	if len(channels) == 0 {
		chs, _ := ctx.Session.Subscriptions()
		for _, c := range chs {
			channels = append(channels, []byte(c))
		}
	}
	for _, c := range channels {
		channel := string(c)
		ctx.Session.Unsubscribe(channel)
		ctx.DB.Unsubscribe(channel, ctx.Session.ID)
		writeSubAck(ctx, "unsubscribe", c)
	}
}

func cmdPSubscribe(ctx *Context, args [][]byte) {
	for _, p := range args[1:] {
		pattern := string(p)
		ctx.Session.PSubscribe(pattern)
		ctx.DB.PSubscribe(pattern, ctx.Session.ID)
		writeSubAck(ctx, "psubscribe", p)
	}
}

func cmdPUnsubscribe(ctx *Context, args [][]byte) {
	patterns := args[1:]
	if len(patterns) == 0 {
		_, pats := ctx.Session.Subscriptions()
		for _, p := range pats {
			patterns = append(patterns, []byte(p))
		}
	}
	for _, p := range patterns {
		pattern := string(p)
		ctx.Session.PUnsubscribe(pattern)
		ctx.DB.PUnsubscribe(pattern, ctx.Session.ID)
		writeSubAck(ctx, "punsubscribe", p)
	}
}

// cmdPublish delivers the message to every direct subscriber of the
// channel and to every subscriber of a glob pattern matching it, via
// ctx.Broker, which knows how to reach a session regardless of which
// worker currently owns it. A session subscribed both directly and via a
// matching pattern receives one message and one pmessage.
func cmdPublish(ctx *Context, args [][]byte) {
	channel := string(args[1])
	receivers := ctx.DB.Publish(channel)
	if len(receivers) > 0 {
		payload := encodeMessage(channel, args[2])
		for _, sid := range receivers {
			if ctx.Broker != nil {
				ctx.Broker.Send(sid, payload)
			}
		}
	}
	total := int64(len(receivers))
	for pattern, ids := range ctx.DB.PatternSubscribers() {
		if !globMatch(pattern, channel) {
			continue
		}
		payload := encodePMessage(pattern, channel, args[2])
		for _, sid := range ids {
			if ctx.Broker != nil {
				ctx.Broker.Send(sid, payload)
			}
			total++
		}
	}
	ctx.Stats.IncrPubsubMessages()
	replyInt(ctx, total)
}

func encodeMessage(channel string, payload []byte) []byte {
	buf := append([]byte(nil), "*3\r\n$7\r\nmessage\r\n"...)
	buf = appendBulk(buf, []byte(channel))
	buf = appendBulk(buf, payload)
	return buf
}

func encodePMessage(pattern, channel string, payload []byte) []byte {
	buf := append([]byte(nil), "*4\r\n$8\r\npmessage\r\n"...)
	buf = appendBulk(buf, []byte(pattern))
	buf = appendBulk(buf, []byte(channel))
	buf = appendBulk(buf, payload)
	return buf
}

func appendBulk(buf, b []byte) []byte {
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(b)), 10)
	buf = append(buf, "\r\n"...)
	buf = append(buf, b...)
	buf = append(buf, "\r\n"...)
	return buf
}

func cmdPubsub(ctx *Context, args [][]byte) {
	sub := upper(args[1])
	switch sub {
	case "CHANNELS":
		var pattern string
		if len(args) > 2 {
			pattern = string(args[2])
		}
		channels := ctx.DB.Channels()
		matched := make([][]byte, 0, len(channels))
		for _, c := range channels {
			if pattern == "" || globMatch(pattern, c) {
				matched = append(matched, []byte(c))
			}
		}
		_ = writeBulkArray(ctx, matched)
	case "NUMSUB":
		_ = resp.WriteArrayHeader(ctx.Out, 2*(len(args)-2))
		for _, c := range args[2:] {
			_ = resp.WriteBulkString(ctx.Out, c)
			_ = resp.WriteInteger(ctx.Out, int64(ctx.DB.NumSub(string(c))))
		}
	case "NUMPAT":
		replyInt(ctx, int64(ctx.DB.NumPat()))
	default:
		replyErr(ctx, "ERR unknown PUBSUB subcommand")
	}
}
