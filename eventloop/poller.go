package eventloop

import "errors"

// IOEvents is a bitmask of the readiness conditions a registered fd may be
// interested in, or may report having observed.
type IOEvents uint32

const (
	EventRead IOEvents = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// Standard poller errors.
var (
	ErrFDOutOfRange        = errors.New("eventloop: fd out of range")
	ErrFDAlreadyRegistered = errors.New("eventloop: fd already registered")
	ErrFDNotRegistered     = errors.New("eventloop: fd not registered")
	ErrPollerClosed        = errors.New("eventloop: poller closed")
)

// The platform multiplexor a Loop drives is concretePoller, aliased per
// build target in poller_linux.go / poller_darwin.go to an epoll- or
// kqueue-backed implementation. Both are direct descendants of this
// project's sibling event-loop package, trimmed to level-triggered
// read/write interest (no edge-triggered mode, no one-shot).
