// Package cache implements the client-side cache driven by
// CLIENT TRACKING: a two-level map (key -> command fingerprint ->
// reply) invalidated by the server's push-message stream, with an
// optimistic MGET path and bounded LRU eviction (spec 4.5).
package cache

import (
	"container/list"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rmetrics"
)

const shardCount = 16

// Config bounds the cache's footprint (spec 4.5: Non-goals exclude
// persisting cache state across process restarts, not bounding its
// in-memory size).
type Config struct {
	MaxKeys int // 0 means unbounded
}

type entry struct {
	key     string
	inner   map[string]*resp.RespBuf
	lruElem *list.Element
}

type shard struct {
	mu   sync.Mutex
	data map[string]*entry
	lru  *list.List
}

// Cache is the two-level client-side cache.
type Cache struct {
	cfg    Config
	shards [shardCount]*shard
}

// New builds an empty Cache.
func New(cfg Config) *Cache {
	c := &Cache{cfg: cfg}
	for i := range c.shards {
		c.shards[i] = &shard{data: make(map[string]*entry), lru: list.New()}
	}
	return c
}

func (c *Cache) shardFor(key string) *shard {
	h := xxhash.Sum64String(key)
	return c.shards[h%uint64(shardCount)]
}

// Get returns the cached reply for cmd against key, if present.
func (c *Cache) Get(key string, cmd *command.Command) (*resp.RespBuf, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		rmetrics.CacheHit(false)
		return nil, false
	}
	buf, ok := e.inner[cmd.Fingerprint()]
	if ok {
		s.lru.MoveToFront(e.lruElem)
	}
	rmetrics.CacheHit(ok)
	return buf, ok
}

// Set populates the cache for key's reply to cmd.
func (c *Cache) Set(key string, cmd *command.Command, reply *resp.RespBuf) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		e = &entry{key: key, inner: make(map[string]*resp.RespBuf)}
		e.lruElem = s.lru.PushFront(e)
		s.data[key] = e
		c.evictIfNeeded(s)
	} else {
		s.lru.MoveToFront(e.lruElem)
	}
	e.inner[cmd.Fingerprint()] = reply
}

// Invalidate drops every cached entry for key, called from the
// CLIENT TRACKING invalidation push consumer (spec 4.5).
func (c *Cache) Invalidate(key string) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.data[key]; ok {
		s.lru.Remove(e.lruElem)
		delete(s.data, key)
	}
}

// InvalidateAll drops every cached entry in every shard, called when
// the server sends a nil-payload invalidation push meaning "flush
// everything" (spec glossary, "flush-all invalidation").
func (c *Cache) InvalidateAll() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.data = make(map[string]*entry)
		s.lru = list.New()
		s.mu.Unlock()
	}
}

func (c *Cache) evictIfNeeded(s *shard) {
	if c.cfg.MaxKeys <= 0 {
		return
	}
	perShardMax := c.cfg.MaxKeys / shardCount
	if perShardMax <= 0 {
		perShardMax = 1
	}
	for len(s.data) > perShardMax {
		oldest := s.lru.Back()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*entry)
		s.lru.Remove(oldest)
		delete(s.data, e.key)
	}
}

// ConsumeInvalidation decodes one `invalidate` push message (spec
// 4.5: `>2\r\n$10\r\ninvalidate\r\n*N\r\n...` or a nil payload meaning
// flush-all) and applies it.
func (c *Cache) ConsumeInvalidation(buf *resp.RespBuf) error {
	val, err := buf.Decode()
	if err != nil {
		return err
	}
	elements, ok := val.AsPushElements()
	if !ok || len(elements) != 2 {
		return nil
	}
	if elements[0].String() != "invalidate" {
		return nil
	}
	if elements[1].IsNil() {
		c.InvalidateAll()
		return nil
	}
	for _, k := range elements[1].Array {
		c.Invalidate(string(k.Bytes))
	}
	return nil
}
