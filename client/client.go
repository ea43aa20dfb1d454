package client

import (
	"github.com/lukluk/rendang/cache"
	"github.com/lukluk/rendang/cluster"
	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/network"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
	"github.com/lukluk/rendang/rlog"
	"github.com/lukluk/rendang/sentinel"
)

// Client is the library's public handle: a command-submission surface
// over a standalone (or Sentinel-resolved) connection's
// network.Handler, or a cluster.Router fanning out over a pool of
// per-node handlers, with an optional client-side cache layered in
// front (spec 5, 6).
type Client struct {
	cfg Config
	log *rlog.Logger

	handler *network.Handler // standalone / Sentinel path
	router  *cluster.Router  // cluster path
	pool    *handlerPool     // cluster path's handler pool

	cache *cache.Cache
}

// New connects according to cfg and returns a ready Client.
func New(cfg Config) (*Client, error) {
	log := rlog.New(rlog.LevelWarn)
	c := &Client{cfg: cfg, log: log}

	if cfg.Topology == TopologyCluster {
		if err := c.initCluster(); err != nil {
			return nil, err
		}
	} else {
		addr, err := resolveAddr(cfg, log)
		if err != nil {
			return nil, err
		}
		h, err := network.NewHandler(network.HandlerConfig{
			Tag:    addr,
			Logger: log,
			Connection: network.ConnectionConfig{
				Addr:           addr,
				TLSConfig:      cfg.TLSConfig,
				ConnectTimeout: cfg.ConnectTimeout,
			},
			Reconnect:       cfg.Reconnect.toPolicy(),
			AutoResubscribe: cfg.AutoResubscribe,
			AutoRemonitor:   cfg.AutoRemonitor,
		})
		if err != nil {
			return nil, err
		}
		if err := authenticateHandler(h, cfg); err != nil {
			h.Close()
			return nil, err
		}
		c.handler = h
	}

	if cfg.CacheEnabled {
		c.cache = cache.New(cache.Config{MaxKeys: cfg.CacheMaxKeys})
		if err := c.enableTracking(); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func resolveAddr(cfg Config, log *rlog.Logger) (string, error) {
	switch cfg.Topology {
	case TopologySentinel:
		dialer := &oneShotDialer{connectTimeout: cfg.ConnectTimeout}
		master, err := sentinel.DiscoverMaster(dialer, sentinel.Config{
			MasterName:          cfg.MasterName,
			SentinelAddrs:       cfg.Addrs,
			ConnectTimeout:      cfg.ConnectTimeout,
			WaitBetweenFailures: cfg.SentinelWaitBetweenFailures,
		})
		if err != nil {
			return "", err
		}
		return master.Addr(), nil
	default:
		if len(cfg.Addrs) == 0 {
			return "", rerr.Config("at least one address is required")
		}
		return cfg.Addrs[0], nil
	}
}

// authenticateHandler runs the post-connect handshake against a
// freshly dialed handler, the same setup every connection this client
// opens — standalone or one of a cluster's per-node pool — goes
// through: HELLO 3 (negotiating RESP3 and authenticating in the same
// round trip, when credentials are configured), then SELECT when a
// non-default database is configured.
//
// Without this exchange a real Redis server never leaves RESP2 and
// none of the RESP3-only frame types (map, set, double, boolean,
// verbatim, push) this decoder parses would ever appear on the wire.
func authenticateHandler(h *network.Handler, cfg Config) error {
	if _, err := helloHandshake(h, cfg); err != nil {
		return err
	}
	if cfg.Database != 0 {
		if _, err := doOnceValue(h, command.NewBuilder("SELECT").Arg(cfg.Database).Build()); err != nil {
			return err
		}
	}
	return nil
}

// helloHandshake issues `HELLO 3`, folding in AUTH when credentials
// are configured so a requirepass-protected server accepts the
// protocol upgrade in the same round trip, and parses the server's
// reported version out of the reply map (spec 2, "post-connect
// handshake"; version parsing grounded on
// _examples/original_source/src/network/version.rs).
func helloHandshake(h *network.Handler, cfg Config) (network.Version, error) {
	b := command.NewBuilder("HELLO").Arg(3)
	if cfg.Username != "" || cfg.Password != "" {
		b.Arg("AUTH")
		if cfg.Username != "" {
			b.Arg(cfg.Username)
		} else {
			b.Arg("default")
		}
		b.Arg(cfg.Password)
	}

	buf, err := doOnceValue(h, b.Build())
	if err != nil {
		return network.Version{}, err
	}
	val, err := buf.Decode()
	if err != nil {
		return network.Version{}, err
	}

	fields, ok := val.AsMap()
	if !ok {
		return network.Version{}, rerr.Client("unexpected HELLO reply shape")
	}
	for _, f := range fields {
		if f.Key.String() == "version" {
			return network.ParseVersion(f.Val.String())
		}
	}
	return network.Version{}, nil
}

// doOnceValue dispatches a single command against h and blocks for its
// reply; the shared primitive every direct (non-cached, non-routed)
// command send in this package goes through.
func doOnceValue(h *network.Handler, cmd *command.Command) (*resp.RespBuf, error) {
	cmds, resultCh := network.NewSingle(cmd)
	h.Dispatch(&network.Message{Commands: cmds, RetryOnError: true})
	res := <-resultCh
	return res.Value, res.Err
}

// enableTracking turns on server-assisted client-side caching
// (CLIENT TRACKING ON) and wires the connection's invalidation push
// messages into the cache. Only available on the standalone/Sentinel
// path: routing invalidation pushes from every node of a cluster's
// handler pool back into one shared cache needs per-node tracking
// scopes this client doesn't set up, so in cluster mode the cache is
// disabled (c.cache is set to nil) and a warning is logged.
func (c *Client) enableTracking() error {
	if c.handler == nil {
		c.log.Warnf("client-side cache invalidation is not wired for cluster topology; disabling the cache for this connection")
		c.cache = nil
		return nil
	}

	pushCh := make(chan *resp.RespBuf, 64)
	c.handler.Dispatch(&network.Message{PushSender: pushCh})
	go c.consumeInvalidations(pushCh)

	_, err := doOnceValue(c.handler, command.NewBuilder("CLIENT").Arg("TRACKING").Arg("ON").Build())
	return err
}

func (c *Client) consumeInvalidations(ch <-chan *resp.RespBuf) {
	for buf := range ch {
		if err := c.cache.ConsumeInvalidation(buf); err != nil {
			c.log.Warnf("discarding malformed invalidation push: %v", err)
		}
	}
}

// Do sends a single command and waits for its reply.
func (c *Client) Do(cmd *command.Command) (*resp.RespBuf, error) {
	return c.do(cmd)
}

func (c *Client) do(cmd *command.Command) (*resp.RespBuf, error) {
	if c.router != nil {
		return c.router.Route(cmd)
	}
	return doOnceValue(c.handler, cmd)
}

// Pipeline sends several commands back-to-back and waits for every
// reply, in order (spec 4.3). Over a cluster topology each command is
// routed independently, since a single pipelined batch write only
// makes sense within one shard's connection.
func (c *Client) Pipeline(cmds []*command.Command) ([]*resp.RespBuf, error) {
	if c.router != nil {
		out := make([]*resp.RespBuf, 0, len(cmds))
		for _, cmd := range cmds {
			buf, err := c.router.Route(cmd)
			if err != nil {
				return nil, err
			}
			out = append(out, buf)
		}
		return out, nil
	}

	batch, resultCh := network.NewBatch(cmds)
	c.handler.Dispatch(&network.Message{Commands: batch, RetryOnError: true})
	res := <-resultCh
	return res.Values, res.Err
}

// Subscribe subscribes to the given channels, streaming pushed
// messages to the returned channel until Unsubscribe or Close.
func (c *Client) Subscribe(channels ...string) (<-chan *resp.RespBuf, error) {
	return c.subscribeAs(network.SubTypeChannel, "SUBSCRIBE", channels)
}

// PSubscribe subscribes to the given glob patterns.
func (c *Client) PSubscribe(patterns ...string) (<-chan *resp.RespBuf, error) {
	return c.subscribeAs(network.SubTypePattern, "PSUBSCRIBE", patterns)
}

func (c *Client) subscribeAs(subType network.SubscriptionType, cmdName string, targets []string) (<-chan *resp.RespBuf, error) {
	if c.handler == nil {
		return nil, rerr.Client("subscriptions are not supported over a cluster-routed client")
	}

	sink := make(chan *resp.RespBuf, 64)
	targetMap := make(map[string]chan<- *resp.RespBuf, len(targets))
	for _, t := range targets {
		targetMap[t] = sink
	}

	b := command.NewBuilder(cmdName)
	for _, t := range targets {
		b.Arg(t)
	}
	cmds, resultCh := network.NewSingle(b.Build())
	c.handler.Dispatch(&network.Message{
		Commands: cmds,
		PubSub:   &network.PubSubRequest{Type: subType, Targets: targetMap},
	})
	res := <-resultCh
	if res.Err != nil {
		return nil, res.Err
	}
	return sink, nil
}

// Unsubscribe leaves the given channels (or, with no arguments, every
// channel subscription); PUnsubscribe does the same for patterns.
func (c *Client) Unsubscribe(channels ...string) error {
	return c.unsubscribeAs("UNSUBSCRIBE", channels)
}

// PUnsubscribe leaves the given pattern subscriptions.
func (c *Client) PUnsubscribe(patterns ...string) error {
	return c.unsubscribeAs("PUNSUBSCRIBE", patterns)
}

func (c *Client) unsubscribeAs(cmdName string, targets []string) error {
	if c.handler == nil {
		return rerr.Client("subscriptions are not supported over a cluster-routed client")
	}
	b := command.NewBuilder(cmdName)
	for _, t := range targets {
		b.Arg(t)
	}
	_, err := doOnceValue(c.handler, b.Build())
	return err
}

// MGet performs a (potentially cache-assisted) multi-key GET.
func (c *Client) MGet(keys [][]byte) ([]resp.Value, error) {
	if c.cache == nil {
		return c.plainMGet(keys)
	}
	return c.cache.MGet(keys, mgetFetcherFunc(c.plainMGet))
}

type mgetFetcherFunc func(keys [][]byte) ([]resp.Value, error)

func (f mgetFetcherFunc) MGet(keys [][]byte) ([]resp.Value, error) { return f(keys) }

func (c *Client) plainMGet(keys [][]byte) ([]resp.Value, error) {
	b := command.NewBuilder("MGET")
	for _, k := range keys {
		b.Key(k)
	}
	buf, err := c.do(b.Build())
	if err != nil {
		return nil, err
	}
	val, err := buf.Decode()
	if err != nil {
		return nil, err
	}
	return val.Array, nil
}

// Close shuts every underlying connection down.
func (c *Client) Close() {
	if c.handler != nil {
		c.handler.Close()
	}
	if c.pool != nil {
		c.pool.closeAll()
	}
}
