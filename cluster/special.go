package cluster

import (
	"math/rand"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
)

// routeSpecial implements the three special-policy commands the
// response-policy taxonomy cannot express generically (spec 4.4,
// "a blanket fallback is not sufficient"): SCAN's cursor must encode
// which shard it's currently iterating, KEYS must fan out and
// concatenate without reordering, and RANDOMKEY must retry a
// different shard on a nil result.
func (r *Router) routeSpecial(cmd *command.Command, special command.SpecialKind) (*resp.RespBuf, error) {
	switch special {
	case command.SpecialScan:
		return r.routeScan(cmd)
	case command.SpecialKeys:
		return r.routeKeys(cmd)
	case command.SpecialRandomKey:
		return r.routeRandomKey(cmd)
	default:
		return r.routeSingle(cmd)
	}
}

// ScanCursor packs a shard index and that shard's own opaque cursor
// into the single uint64 the SCAN protocol expects, so the caller
// never needs cluster awareness to keep paging (spec 4.4).
type ScanCursor struct {
	ShardIndex uint32
	Inner      uint64
}

func (c ScanCursor) Encode() string {
	return strconv.FormatUint(uint64(c.ShardIndex)<<40|(c.Inner&0xFFFFFFFFFF), 10)
}

func DecodeScanCursor(s string) (ScanCursor, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return ScanCursor{}, rerr.Client("invalid SCAN cursor %q", s)
	}
	return ScanCursor{ShardIndex: uint32(n >> 40), Inner: n & 0xFFFFFFFFFF}, nil
}

func (r *Router) routeScan(cmd *command.Command) (*resp.RespBuf, error) {
	if cmd.NumArgs() == 0 {
		return nil, rerr.Client("SCAN requires a cursor argument")
	}
	cursor, err := DecodeScanCursor(string(cmd.Arg(0)))
	if err != nil {
		return nil, err
	}
	shards := r.topology.shards
	if int(cursor.ShardIndex) >= len(shards) {
		return scanReply(ScanCursor{}, nil), nil
	}

	sub := command.NewBuilder(cmd.NameUpper()).
		Arg(strconv.FormatUint(cursor.Inner, 10))
	for i := 1; i < cmd.NumArgs(); i++ {
		sub.ArgBytes(cmd.Arg(i))
	}
	buf, err := r.dispatch.Dispatch(shards[cursor.ShardIndex].Master, sub.Build())
	if err != nil {
		return nil, err
	}
	val, err := buf.Decode()
	if err != nil {
		return nil, err
	}
	if len(val.Array) != 2 {
		return nil, rerr.Client("malformed SCAN reply")
	}
	innerCursor, _ := strconv.ParseUint(val.Array[0].String(), 10, 64)

	next := cursor
	if innerCursor == 0 {
		next = ScanCursor{ShardIndex: cursor.ShardIndex + 1}
	} else {
		next.Inner = innerCursor
	}
	return scanReply(next, val.Array[1].Array), nil
}

func scanReply(cursor ScanCursor, keys []resp.Value) *resp.RespBuf {
	return resp.NewRespBuf(encodeScanArray(cursor.Encode(), keys))
}

func encodeScanArray(cursor string, keys []resp.Value) []byte {
	out := append([]byte("*2\r\n"), bulkString(cursor)...)
	out = append(out, '*')
	out = strconvAppendInt(out, int64(len(keys)))
	out = append(out, '\r', '\n')
	for _, k := range keys {
		out = append(out, bulkString(k.String())...)
	}
	return out
}

func bulkString(s string) []byte {
	out := []byte("$")
	out = strconvAppendInt(out, int64(len(s)))
	out = append(out, '\r', '\n')
	out = append(out, s...)
	out = append(out, '\r', '\n')
	return out
}

func strconvAppendInt(dst []byte, n int64) []byte {
	return append(dst, []byte(strconv.FormatInt(n, 10))...)
}

func (r *Router) routeKeys(cmd *command.Command) (*resp.RespBuf, error) {
	var merr *multierror.Error
	var all []resp.Value
	for _, shard := range r.topology.shards {
		buf, err := r.dispatch.Dispatch(shard.Master, cmd)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		val, err := buf.Decode()
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		all = append(all, val.Array...)
	}
	if merrErr := merr.ErrorOrNil(); merrErr != nil && len(all) == 0 {
		return nil, merrErr
	}
	return resp.NewRespBuf(encodeArray(all)), nil
}

func encodeArray(vals []resp.Value) []byte {
	out := []byte("*")
	out = strconvAppendInt(out, int64(len(vals)))
	out = append(out, '\r', '\n')
	for _, v := range vals {
		out = append(out, bulkString(v.String())...)
	}
	return out
}

// encodeValueArray re-encodes an array of already-decoded values,
// unlike encodeArray (which always re-encodes every element as a bulk
// string, the shape KEYS/SCAN always return in). It's used to rebuild
// a multi-shard MGET-style reply, whose elements can genuinely be nil
// (a cache miss on the server), so nil must round-trip as a null bulk
// string rather than collapsing into an empty one.
func encodeValueArray(vals []resp.Value) []byte {
	out := []byte("*")
	out = strconvAppendInt(out, int64(len(vals)))
	out = append(out, '\r', '\n')
	for _, v := range vals {
		out = append(out, encodeValue(v)...)
	}
	return out
}

func encodeValue(v resp.Value) []byte {
	if v.IsNil() {
		return []byte("$-1\r\n")
	}
	switch v.Kind {
	case resp.KindInteger:
		out := []byte(":")
		out = strconvAppendInt(out, v.Int)
		return append(out, '\r', '\n')
	case resp.KindSimpleString:
		return append([]byte("+"+v.Str), '\r', '\n')
	default:
		return bulkString(v.String())
	}
}

func (r *Router) routeRandomKey(cmd *command.Command) (*resp.RespBuf, error) {
	shards := append([]*Shard(nil), r.topology.shards...)
	for len(shards) > 0 {
		idx := pseudoRandomIndex(len(shards))
		shard := shards[idx]
		shards = append(shards[:idx], shards[idx+1:]...)

		buf, err := r.dispatch.Dispatch(shard.Master, cmd)
		if err != nil {
			continue
		}
		val, err := buf.Decode()
		if err != nil || val.IsNil() {
			continue
		}
		return buf, nil
	}
	return resp.NewRespBuf([]byte("$-1\r\n")), nil
}

func pseudoRandomIndex(n int) int {
	if n <= 1 {
		return 0
	}
	return rand.Intn(n)
}
