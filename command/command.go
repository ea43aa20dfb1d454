// Package command builds immutable RESP3 command frames: a single
// contiguous byte buffer plus an argument layout table recording each
// argument's offset, length, key/hash-slot metadata, and the cluster
// routing hints (request/response policy, key step) the router needs.
package command

import (
	"strconv"
	"strings"

	"github.com/lukluk/rendang/internal/crc16"
)

// RequestPolicy mirrors the COMMAND DOCS request_policy tip (spec 4.4).
type RequestPolicy int

const (
	RequestPolicyNone RequestPolicy = iota
	RequestPolicyAllShards
	RequestPolicyAllNodes
	RequestPolicyMultiShard
	RequestPolicySpecial
)

// ResponsePolicy mirrors the COMMAND DOCS response_policy tip (spec 4.4).
type ResponsePolicy int

const (
	ResponsePolicyIdentity ResponsePolicy = iota
	ResponsePolicyOneSucceeded
	ResponsePolicyAllSucceeded
	ResponsePolicyAggLogicalAnd
	ResponsePolicyAggLogicalOr
	ResponsePolicyAggMin
	ResponsePolicyAggMax
	ResponsePolicyAggSum
	ResponsePolicySpecial
)

// SpecialKind enumerates the special-policy commands this core knows
// how to aggregate explicitly (spec 9: "a blanket fallback is not
// sufficient").
type SpecialKind int

const (
	SpecialNone SpecialKind = iota
	SpecialScan
	SpecialKeys
	SpecialRandomKey
)

// SubscribeKind distinguishes the three subscription families.
type SubscribeKind int

const (
	SubChannel SubscribeKind = iota
	SubPattern
	SubShardChannel
)

// ClientReplyMode is the argument of CLIENT REPLY.
type ClientReplyMode int

const (
	ClientReplyOn ClientReplyMode = iota
	ClientReplyOff
	ClientReplySkip
)

// Kind is the handler-relevant command classification derived at
// build time (spec 3, "Command... a derived Kind").
type Kind struct {
	Other       bool
	Unsubscribe *SubscribeKind
	ClientReply *ClientReplyMode
	Reset       bool
}

// ArgLayout locates one bulk-string argument inside Command.Buffer and
// records whether it is a key argument and, if so, its pre-computed
// hash slot.
type ArgLayout struct {
	Offset int
	Length int
	IsKey  bool
	Slot   uint16
}

func (a ArgLayout) bytes(buf []byte) []byte { return buf[a.Offset : a.Offset+a.Length] }

// Command is an immutable, already-encoded RESP3 array command frame.
type Command struct {
	Buffer []byte
	// NameOffset/NameLength locate the command name's payload bytes.
	NameOffset int
	NameLength int
	Args       []ArgLayout

	RequestPolicy  RequestPolicy
	ResponsePolicy ResponsePolicy
	Special        SpecialKind
	KeyStep        int

	Kind Kind
	Seq  uint64
}

// Name returns the command name bytes, e.g. "SET".
func (c *Command) Name() []byte { return c.Buffer[c.NameOffset : c.NameOffset+c.NameLength] }

// NameUpper returns the upper-cased command name as a string, useful
// for dispatch switches.
func (c *Command) NameUpper() string { return strings.ToUpper(string(c.Name())) }

// Arg returns the raw bytes of the i'th argument (0-indexed, not
// counting the name).
func (c *Command) Arg(i int) []byte {
	if i < 0 || i >= len(c.Args) {
		return nil
	}
	return c.Args[i].bytes(c.Buffer)
}

// NumArgs returns the number of arguments (not counting the name).
func (c *Command) NumArgs() int { return len(c.Args) }

// Keys returns the raw bytes of every argument flagged as a key, in
// argument order.
func (c *Command) Keys() [][]byte {
	var keys [][]byte
	for _, a := range c.Args {
		if a.IsKey {
			keys = append(keys, a.bytes(c.Buffer))
		}
	}
	return keys
}

// Slots returns the hash slot of every key argument, in argument
// order, deduplicated is left to the caller.
func (c *Command) Slots() []uint16 {
	var slots []uint16
	for _, a := range c.Args {
		if a.IsKey {
			slots = append(slots, a.Slot)
		}
	}
	return slots
}

// Fingerprint returns the full command (name + all args) as a single
// byte string, used as the client-side cache's inner-map key (spec
// 4.5, glossary "Fingerprint").
func (c *Command) Fingerprint() string {
	var b strings.Builder
	b.Write(c.Name())
	for _, a := range c.Args {
		b.WriteByte(0)
		b.Write(a.bytes(c.Buffer))
	}
	return b.String()
}

// HashSlot computes the CRC16-XMODEM hash slot for key, honoring the
// `{tag}` hash-tag convention: when key contains `{` followed later by
// a non-empty `...}`, only the substring between the braces is hashed
// (spec 3, "Hash slot").
func HashSlot(key []byte) uint16 {
	if s := indexByte(key, '{'); s >= 0 {
		if e := indexByte(key[s+1:], '}'); e >= 0 && e != 0 {
			key = key[s+1 : s+1+e]
		}
	}
	return crc16.Checksum(key) % 16384
}

func indexByte(b []byte, c byte) int {
	for i, x := range b {
		if x == c {
			return i
		}
	}
	return -1
}

// ArgToBytes converts a supported Go argument type to its RESP
// bulk-string payload bytes.
func ArgToBytes(arg interface{}) []byte {
	switch v := arg.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	case int:
		return []byte(strconv.FormatInt(int64(v), 10))
	case int64:
		return []byte(strconv.FormatInt(v, 10))
	case uint64:
		return []byte(strconv.FormatUint(v, 10))
	case float64:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64))
	case bool:
		if v {
			return []byte("1")
		}
		return []byte("0")
	default:
		return []byte(strconvFallback(v))
	}
}

func strconvFallback(v interface{}) string {
	type stringer interface{ String() string }
	if s, ok := v.(stringer); ok {
		return s.String()
	}
	return ""
}
