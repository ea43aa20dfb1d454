package cluster

import (
	"strconv"
	"testing"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
)

type fakeDispatcher struct {
	byAddr map[string]func(cmd *command.Command) (*resp.RespBuf, error)
	calls  []string
}

func (f *fakeDispatcher) Dispatch(node Node, cmd *command.Command) (*resp.RespBuf, error) {
	f.calls = append(f.calls, node.Addr())
	fn, ok := f.byAddr[node.Addr()]
	if !ok {
		return nil, errNodeNotFound(node)
	}
	return fn(cmd)
}

type nodeNotFoundError struct{ node Node }

func (e nodeNotFoundError) Error() string { return "no fake handler for node " + e.node.Addr() }
func errNodeNotFound(n Node) error        { return nodeNotFoundError{node: n} }

func twoShardTopology() *Topology {
	return NewTopology([]*Shard{
		{Master: Node{Host: "10.0.0.1", Port: 7000}, Slots: []SlotRange{{Start: 0, End: 8191}}},
		{Master: Node{Host: "10.0.0.2", Port: 7000}, Slots: []SlotRange{{Start: 8192, End: 16383}}},
	})
}

func okReply() (*resp.RespBuf, error) {
	return resp.NewRespBuf([]byte("+OK\r\n")), nil
}

func TestRouteSingleGoesToOwningShard(t *testing.T) {
	topo := twoShardTopology()
	key := []byte("foo")
	slot := command.HashSlot(key)
	owner := topo.ShardForSlot(slot).Master.Addr()

	disp := &fakeDispatcher{byAddr: map[string]func(*command.Command) (*resp.RespBuf, error){
		owner: func(*command.Command) (*resp.RespBuf, error) { return okReply() },
	}}
	r := NewRouter(topo, disp, false)

	cmd := command.NewBuilder("GET").Key(key).Build()
	buf, err := r.Route(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	val, _ := buf.Decode()
	if val.Str != "OK" {
		t.Fatalf("got %q, want OK", val.Str)
	}
	if len(disp.calls) != 1 || disp.calls[0] != owner {
		t.Fatalf("expected exactly one call to %s, got %v", owner, disp.calls)
	}
}

func TestRouteAllShardsFansOutToEveryMaster(t *testing.T) {
	topo := twoShardTopology()
	disp := &fakeDispatcher{byAddr: map[string]func(*command.Command) (*resp.RespBuf, error){
		"10.0.0.1:7000": func(*command.Command) (*resp.RespBuf, error) { return okReply() },
		"10.0.0.2:7000": func(*command.Command) (*resp.RespBuf, error) { return okReply() },
	}}
	r := NewRouter(topo, disp, false)

	cmd := command.NewBuilder("FLUSHALL").
		ClusterInfo(command.RequestPolicyAllShards, command.ResponsePolicyAllSucceeded, command.SpecialNone).
		Build()

	if _, err := r.Route(cmd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disp.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d: %v", len(disp.calls), disp.calls)
	}
}

func TestAggregateSum(t *testing.T) {
	replies := []*resp.RespBuf{
		resp.NewRespBuf([]byte(":3\r\n")),
		resp.NewRespBuf([]byte(":5\r\n")),
	}
	buf, err := aggregate(command.ResponsePolicyAggSum, replies, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	val, _ := buf.Decode()
	if val.Int != 8 {
		t.Fatalf("sum = %d, want 8", val.Int)
	}
}

func TestScanCursorRoundTrip(t *testing.T) {
	c := ScanCursor{ShardIndex: 2, Inner: 123456}
	decoded, err := DecodeScanCursor(c.Encode())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded != c {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, c)
	}
}

// multiShardKeys returns n keys guaranteed to span at least two of
// topo's shards (given uniform CRC16 distribution, this is reached
// within a handful of candidates almost always).
func multiShardKeys(topo *Topology, n int) [][]byte {
	var keys [][]byte
	shards := map[string]bool{}
	for i := 0; len(keys) < n || len(shards) < 2; i++ {
		k := []byte("k" + strconv.Itoa(i))
		owner := topo.ShardForSlot(command.HashSlot(k)).Master.Addr()
		shards[owner] = true
		keys = append(keys, k)
		if i > 200 {
			break
		}
	}
	return keys
}

func TestRouteMultiShardConcatenatesIdentityRepliesInOriginalKeyOrder(t *testing.T) {
	topo := twoShardTopology()
	echo := func(cmd *command.Command) (*resp.RespBuf, error) {
		vals := make([]resp.Value, 0, len(cmd.Keys()))
		for _, k := range cmd.Keys() {
			vals = append(vals, resp.Value{Kind: resp.KindBulkString, Bytes: k})
		}
		return resp.NewRespBuf(encodeArray(vals)), nil
	}
	disp := &fakeDispatcher{byAddr: map[string]func(*command.Command) (*resp.RespBuf, error){
		"10.0.0.1:7000": echo,
		"10.0.0.2:7000": echo,
	}}
	r := NewRouter(topo, disp, false)

	keys := multiShardKeys(topo, 6)
	b := command.NewBuilder("MGET")
	for _, k := range keys {
		b.Key(k)
	}
	cmd := b.ClusterInfo(command.RequestPolicyMultiShard, command.ResponsePolicyIdentity, command.SpecialNone).Build()

	buf, err := r.Route(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	val, err := buf.Decode()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(val.Array) != len(keys) {
		t.Fatalf("got %d elements, want %d", len(val.Array), len(keys))
	}
	for i, k := range keys {
		if got := val.Array[i].String(); got != string(k) {
			t.Fatalf("element %d = %q, want %q (reply not reordered to original key position)", i, got, k)
		}
	}
}

func TestRouterUsesCommandInfoManagerWhenSet(t *testing.T) {
	topo := twoShardTopology()
	disp := &fakeDispatcher{byAddr: map[string]func(*command.Command) (*resp.RespBuf, error){
		"10.0.0.1:7000": func(*command.Command) (*resp.RespBuf, error) { return okReply() },
		"10.0.0.2:7000": func(*command.Command) (*resp.RespBuf, error) { return okReply() },
	}}
	r := NewRouter(topo, disp, false)

	mgr := NewCommandInfoManager()
	mgr.Set("FLUSHALL", CommandInfo{
		RequestPolicy:  command.RequestPolicyAllShards,
		ResponsePolicy: command.ResponsePolicyAllSucceeded,
	})
	r.SetCommandInfoManager(mgr)

	// This Builder call deliberately sets no ClusterInfo: the manager
	// must be consulted instead of falling back to cmd's zero-value
	// (single-node) policy.
	cmd := command.NewBuilder("FLUSHALL").Build()
	if _, err := r.Route(cmd); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(disp.calls) != 2 {
		t.Fatalf("expected a fan-out to both shards, got %d calls: %v", len(disp.calls), disp.calls)
	}
}

func TestCommandInfoManagerLoadsCommandDocsTips(t *testing.T) {
	mgr := NewCommandInfoManager()

	docsReply := resp.Value{
		Kind: resp.KindMap,
		Map: []resp.MapEntry{
			{
				Key: resp.Value{Kind: resp.KindBulkString, Bytes: []byte("mget")},
				Val: resp.Value{
					Kind: resp.KindMap,
					Map: []resp.MapEntry{
						{
							Key: resp.Value{Kind: resp.KindBulkString, Bytes: []byte("command_tips")},
							Val: resp.Value{Kind: resp.KindArray, Array: []resp.Value{
								{Kind: resp.KindBulkString, Bytes: []byte("request_policy:multi_shard")},
								{Kind: resp.KindBulkString, Bytes: []byte("response_policy:agg_sum")},
							}},
						},
					},
				},
			},
		},
	}

	if err := mgr.LoadCommandDocs(docsReply); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ci, ok := mgr.Lookup("MGET")
	if !ok {
		t.Fatal("expected an entry for MGET")
	}
	if ci.RequestPolicy != command.RequestPolicyMultiShard {
		t.Fatalf("got RequestPolicy %v, want MultiShard", ci.RequestPolicy)
	}
	if ci.ResponsePolicy != command.ResponsePolicyAggSum {
		t.Fatalf("got ResponsePolicy %v, want AggSum", ci.ResponsePolicy)
	}

	// Pre-seeded special commands must survive a COMMAND DOCS load that
	// says nothing about them.
	scan, ok := mgr.Lookup("SCAN")
	if !ok || scan.Special != command.SpecialScan {
		t.Fatalf("SCAN pre-seed was clobbered: %+v, ok=%v", scan, ok)
	}
}

func TestRouteScanAdvancesShardOnInnerCursorZero(t *testing.T) {
	topo := twoShardTopology()
	disp := &fakeDispatcher{byAddr: map[string]func(*command.Command) (*resp.RespBuf, error){
		"10.0.0.1:7000": func(*command.Command) (*resp.RespBuf, error) {
			return resp.NewRespBuf([]byte("*2\r\n$1\r\n0\r\n*0\r\n")), nil
		},
	}}
	r := NewRouter(topo, disp, false)

	cmd := command.NewBuilder("SCAN").
		Arg(ScanCursor{}.Encode()).
		ClusterInfo(command.RequestPolicySpecial, command.ResponsePolicySpecial, command.SpecialScan).
		Build()

	buf, err := r.Route(cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	val, _ := buf.Decode()
	next, err := DecodeScanCursor(val.Array[0].String())
	if err != nil {
		t.Fatalf("unexpected cursor decode error: %v", err)
	}
	if next.ShardIndex != 1 {
		t.Fatalf("expected scan to advance to shard 1, got %+v", next)
	}
}
