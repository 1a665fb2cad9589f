// Package object implements the polymorphic value every key maps to,
// with a small sum-type representation for strings: a payload is a
// parsed integer, a small inline byte run, or a heap byte run, and
// conversions between the three are explicit.
package object

import (
	"fmt"
	"strconv"
)

// Type is the object's type tag.
type Type uint8

const (
	TypeString Type = iota
	TypeList
	TypeSet
	TypeHash
	TypeZSet
	TypeHLL
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeList:
		return "list"
	case TypeSet:
		return "set"
	case TypeHash:
		return "hash"
	case TypeZSet:
		return "zset"
	case TypeHLL:
		return "string" // HLL is stored as a string per the wire protocol's contract
	default:
		return "unknown"
	}
}

// Encoding is the object's internal representation tag, exposed to clients
// via DEBUG OBJECT / OBJECT ENCODING.
type Encoding uint8

const (
	EncRaw Encoding = iota
	EncInt
	EncEmbstr
	EncListpack
	EncHashtable
	EncSkiplist
	EncIntset
	EncDense
)

func (e Encoding) String() string {
	switch e {
	case EncRaw:
		return "raw"
	case EncInt:
		return "int"
	case EncEmbstr:
		return "embstr"
	case EncListpack:
		return "listpack"
	case EncHashtable:
		return "hashtable"
	case EncSkiplist:
		return "skiplist"
	case EncIntset:
		return "intset"
	case EncDense:
		return "dense"
	default:
		return "unknown"
	}
}

// embstrLimit is the size class boundary below which a string payload
// reports the embstr encoding rather than raw. Purely an
// encoding-reporting detail for DEBUG OBJECT; there is no separate
// allocation strategy behind it, since Go byte slices are already
// reference types.
const embstrLimit = 44

// Object is the value every keyspace entry maps to. Exactly one payload
// field is populated, selected by Type: String for TypeString, List for
// TypeList, Set, Hash and ZSet likewise, and HLL for TypeHLL.
type Object struct {
	Type     Type
	Encoding Encoding

	// idleAt is the last-access tick (a reading of the database's LRU
	// clock, which counts background cron ticks), used by the eviction
	// pool to rank idle-time candidates.
	idleAt uint32

	String StringValue
	List   *ListValue
	Set    *SetValue
	Hash   *HashValue
	ZSet   *ZSetValue
	HLL    *HLLValue
}

// StringValue is a sum type: a string payload is either a parsed integer
// (fast path for INCR/DECR), a small inline byte run, or an arbitrary
// heap-allocated byte run. Conversions between the three are explicit,
// performed by NewString and Int64.
type StringValue struct {
	kind Encoding // EncInt, EncEmbstr, or EncRaw
	i    int64
	s    []byte
}

// NewString classifies b into the right StringValue representation.
func NewString(b []byte) StringValue {
	if n, ok := parseStrictInt64(b); ok {
		return StringValue{kind: EncInt, i: n}
	}
	if len(b) <= embstrLimit {
		return StringValue{kind: EncEmbstr, s: append([]byte(nil), b...)}
	}
	return StringValue{kind: EncRaw, s: append([]byte(nil), b...)}
}

// NewStringInt builds a StringValue directly from an integer, as produced
// by INCR/DECR/INCRBY without a round trip through ASCII.
func NewStringInt(n int64) StringValue {
	return StringValue{kind: EncInt, i: n}
}

// Encoding reports which representation this value currently has.
func (s StringValue) Encoding() Encoding { return s.kind }

// Bytes renders the value's byte representation, formatting integers on
// demand.
func (s StringValue) Bytes() []byte {
	if s.kind == EncInt {
		return []byte(strconv.FormatInt(s.i, 10))
	}
	return s.s
}

// Len reports the length of the value's byte representation, without
// necessarily allocating (integers are measured via strconv's digit count).
func (s StringValue) Len() int {
	if s.kind == EncInt {
		return len(strconv.FormatInt(s.i, 10))
	}
	return len(s.s)
}

// Int64 returns the value interpreted as an integer, for INCR/DECR family
// commands. ok is false if the value isn't already EncInt and doesn't
// parse as a strict base-10 64-bit integer.
func (s StringValue) Int64() (int64, bool) {
	if s.kind == EncInt {
		return s.i, true
	}
	return parseStrictInt64(s.s)
}

func parseStrictInt64(b []byte) (int64, bool) {
	if len(b) == 0 || len(b) > 20 {
		return 0, false
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return 0, false
	}
	// Reject non-canonical encodings ("+1", "01", leading/trailing space)
	// so INCR on "007" fails rather than silently renormalizing the value.
	if strconv.FormatInt(n, 10) != string(b) {
		return 0, false
	}
	return n, true
}

// NewStringObject wraps a byte string as a TypeString Object.
func NewStringObject(b []byte) *Object {
	sv := NewString(b)
	return &Object{Type: TypeString, Encoding: sv.Encoding(), String: sv}
}

// Touch refreshes the object's idle-time marker; call on every read/write.
func (o *Object) Touch(nowTick uint32) { o.idleAt = nowTick }

// IdleSince returns how many ticks have elapsed since the object was last
// touched, for the eviction pool's idle-time ordering.
func (o *Object) IdleSince(nowTick uint32) uint32 {
	if nowTick < o.idleAt {
		return 0
	}
	return nowTick - o.idleAt
}

// ErrWrongType is returned by command handlers when a key holds an object
// of the wrong Type for the requested operation, mapped to the WRONGTYPE
// wire error by the resp/command layer.
type ErrWrongType struct {
	Want, Got Type
}

func (e *ErrWrongType) Error() string {
	return fmt.Sprintf("WRONGTYPE Operation against a key holding the wrong kind of value (want %s, got %s)", e.Want, e.Got)
}
