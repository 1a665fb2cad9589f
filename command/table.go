// Package command implements the static command table and its handlers:
// ordinary Go functions operating on *store.Database and
// *session.Session, dispatched by verb through Table under the lock
// scope dispatch.go decides per command.
package command

import (
	"strings"
)

// Flags classify a command for arity/permission dispatch.
type Flags uint32

const (
	FlagReadOnly Flags = 1 << iota
	FlagWrite
	FlagAdmin
	FlagPubSub
	FlagBlocking
	FlagLoading
)

// Handler executes one command against ctx and args (args[0] is the verb
// itself).
type Handler func(ctx *Context, args [][]byte)

// Descriptor is one row of the command table.
type Descriptor struct {
	Name string
	// Arity: positive means exact argument count (including the verb
	// itself); negative means "at least" that many, negated.
	Arity    int
	Flags    Flags
	AdminCmd bool
	Handler  Handler
}

func (d *Descriptor) checkArity(n int) bool {
	if d.Arity >= 0 {
		return n == d.Arity
	}
	return n >= -d.Arity
}

// Table is the full static command table, keyed by upper-cased verb.
var Table = map[string]*Descriptor{}

func register(d *Descriptor) {
	Table[d.Name] = d
}

// Lookup returns the descriptor for verb (case-insensitive), or nil.
func Lookup(verb []byte) *Descriptor {
	return Table[strings.ToUpper(string(verb))]
}

// CheckArity reports whether args (including the verb) satisfies d's
// arity contract.
func CheckArity(d *Descriptor, args [][]byte) bool {
	return d.checkArity(len(args))
}
