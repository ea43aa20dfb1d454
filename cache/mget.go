package cache

import (
	"strconv"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
)

// Fetcher performs an actual MGET round-trip for the given keys,
// returning one reply value per key in order (nil entries are cache
// misses on the server side, same as a genuine MGET nil element).
type Fetcher interface {
	MGet(keys [][]byte) ([]resp.Value, error)
}

// MGet serves a multi-key GET from the cache, optimistically, as a
// single GET per key against the per-key cache entries. The optimistic
// path requires every key to be a cache hit: a single miss aborts it
// entirely and falls back to one real MGET against the server for the
// original, full key list, whose reply then repopulates the cache per
// key (spec 4.5, "optimistic MGET cache path"; grounded on
// _examples/original_source/src/cache.rs's `mget`, which clears its
// whole collected buffer and re-issues the original MGET on the first
// key that isn't already cached, rather than fetching only the
// misses).
func (c *Cache) MGet(keys [][]byte, fetch Fetcher) ([]resp.Value, error) {
	if results, ok := c.tryOptimisticMGet(keys); ok {
		return results, nil
	}

	fetched, err := fetch.MGet(keys)
	if err != nil {
		return nil, err
	}
	if len(fetched) != len(keys) {
		return nil, errMGetShapeMismatch(len(keys), len(fetched))
	}

	for i, k := range keys {
		c.Set(string(k), command.NewBuilder("GET").Key(k).Build(), valueToRespBuf(fetched[i]))
	}
	return fetched, nil
}

// tryOptimisticMGet serves every key from the cache, aborting on the
// first miss instead of partially fetching: the original round-trip
// this optimizes away is a single MGET for the whole key list, so a
// partial server fetch for only the missed keys wouldn't save a
// round-trip and would diverge from that shape for no benefit.
func (c *Cache) tryOptimisticMGet(keys [][]byte) ([]resp.Value, bool) {
	results := make([]resp.Value, len(keys))
	for i, k := range keys {
		getCmd := command.NewBuilder("GET").Key(k).Build()
		buf, hit := c.Get(string(k), getCmd)
		if !hit {
			return nil, false
		}
		v, err := buf.Decode()
		if err != nil {
			return nil, false
		}
		results[i] = v
	}
	return results, true
}

type shapeMismatchError struct{ want, got int }

func (e shapeMismatchError) Error() string {
	return "MGET fetch returned " + strconv.Itoa(e.got) + " values, want " + strconv.Itoa(e.want)
}

func errMGetShapeMismatch(want, got int) error { return shapeMismatchError{want: want, got: got} }

func valueToRespBuf(v resp.Value) *resp.RespBuf {
	if v.IsNil() {
		return resp.NewRespBuf([]byte("$-1\r\n"))
	}
	out := append([]byte("$"), []byte(strconv.Itoa(len(v.Bytes)))...)
	out = append(out, '\r', '\n')
	out = append(out, v.Bytes...)
	out = append(out, '\r', '\n')
	return resp.NewRespBuf(out)
}
