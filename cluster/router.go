package cluster

import (
	"math/rand"
	"strconv"

	"github.com/hashicorp/go-multierror"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
)

// Dispatcher sends one command to one node and returns its decoded
// reply; it is satisfied by a thin adapter over a network.Handler per
// node. Routing code depends on this interface, not on package
// network directly, so the router can be tested without real sockets.
type Dispatcher interface {
	Dispatch(node Node, cmd *command.Command) (*resp.RespBuf, error)
}

// Router applies a command's request/response policy against the
// current Topology.
type Router struct {
	topology         *Topology
	dispatch         Dispatcher
	readFromReplicas bool
	commandInfo      *CommandInfoManager
}

// NewRouter builds a Router over topology, sending node-bound commands
// through dispatch.
func NewRouter(topology *Topology, dispatch Dispatcher, readFromReplicas bool) *Router {
	return &Router{topology: topology, dispatch: dispatch, readFromReplicas: readFromReplicas}
}

// SetCommandInfoManager attaches the runtime command-metadata table a
// `COMMAND DOCS` fetch populated, so Route can classify a command by
// name instead of requiring every call site to have set ClusterInfo by
// hand (spec 4.4/9). A nil manager (the default) falls back to each
// command's own baked-in RequestPolicy/ResponsePolicy/Special.
func (r *Router) SetCommandInfoManager(m *CommandInfoManager) { r.commandInfo = m }

// resolvePolicy returns the routing policy to use for cmd: the
// CommandInfoManager's entry for its name when one exists, otherwise
// cmd's own fields (set directly via command.Builder.ClusterInfo, the
// path call sites that already know their own policy still use).
func (r *Router) resolvePolicy(cmd *command.Command) (command.RequestPolicy, command.ResponsePolicy, command.SpecialKind) {
	if ci, ok := r.commandInfo.Lookup(cmd.NameUpper()); ok {
		return ci.RequestPolicy, ci.ResponsePolicy, ci.Special
	}
	return cmd.RequestPolicy, cmd.ResponsePolicy, cmd.Special
}

// Route executes cmd, following its RequestPolicy/Special
// classification, and returns the (possibly aggregated) reply.
func (r *Router) Route(cmd *command.Command) (*resp.RespBuf, error) {
	reqPolicy, respPolicy, special := r.resolvePolicy(cmd)

	if special != command.SpecialNone {
		return r.routeSpecial(cmd, special)
	}

	switch reqPolicy {
	case command.RequestPolicyAllShards, command.RequestPolicyAllNodes:
		return r.routeFanOut(cmd, respPolicy)
	case command.RequestPolicyMultiShard:
		return r.routeMultiShard(cmd, respPolicy)
	default:
		return r.routeSingle(cmd)
	}
}

func (r *Router) routeSingle(cmd *command.Command) (*resp.RespBuf, error) {
	slots := cmd.Slots()
	var node Node
	if len(slots) == 0 {
		shard := r.anyShard()
		if shard == nil {
			return nil, rerr.Redis(&resp2ClusterDownError)
		}
		node = shard.Master
	} else {
		routingKey := string(cmd.Keys()[0])
		node = r.topology.ReadNode(slots[0], routingKey, r.readFromReplicas)
	}

	buf, err := r.dispatch.Dispatch(node, cmd)
	if err != nil {
		if re, ok := rerr.IsRetry(err); ok {
			return r.followRetry(cmd, re)
		}
		return nil, err
	}
	return buf, nil
}

func (r *Router) followRetry(cmd *command.Command, re *rerr.Error) (*resp.RespBuf, error) {
	if len(re.Retry) == 0 {
		return nil, re
	}
	reason := re.Retry[0]
	node := Node{Host: reason.Host, Port: reason.Port}
	return r.dispatch.Dispatch(node, cmd)
}

func (r *Router) anyShard() *Shard {
	if len(r.topology.shards) == 0 {
		return nil
	}
	return r.topology.shards[rand.Intn(len(r.topology.shards))]
}

// routeFanOut sends cmd to every shard's master (AllShards) — AllNodes
// additionally includes replicas, which this core's read path never
// needs independently of the master reply, so both policies fan out
// to masters only, matching the set of nodes that can answer a
// write-class admin command.
func (r *Router) routeFanOut(cmd *command.Command, respPolicy command.ResponsePolicy) (*resp.RespBuf, error) {
	var merr *multierror.Error
	var replies []*resp.RespBuf
	for _, shard := range r.topology.shards {
		buf, err := r.dispatch.Dispatch(shard.Master, cmd)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		replies = append(replies, buf)
	}
	return aggregate(respPolicy, replies, merr.ErrorOrNil())
}

// shardReply pairs one shard's decoded-later reply with the original
// key-argument ordinals (position among cmd's key arguments, not its
// arguments generally) it answered, so a concatenating response policy
// can place each element back where it belongs.
type shardReply struct {
	ordinals []int
	buf      *resp.RespBuf
}

// routeMultiShard splits a multi-key command into per-shard
// sub-commands (grouping keys by the shard each one's slot belongs
// to), dispatches each sub-command, and combines the replies back
// together according to respPolicy: ResponsePolicyIdentity reassembles
// one array in original key order (spec 4.4, "None, with keys:
// concatenate, then reorder by original key position (e.g. MGET)");
// every other policy reduces through the same aggregate() a fan-out
// uses.
func (r *Router) routeMultiShard(cmd *command.Command, respPolicy command.ResponsePolicy) (*resp.RespBuf, error) {
	keyOrdinal := make([]int, len(cmd.Args))
	totalKeys := 0
	for i, a := range cmd.Args {
		if !a.IsKey {
			continue
		}
		keyOrdinal[i] = totalKeys
		totalKeys++
	}

	groups := make(map[*Shard][]int) // shard -> arg indices
	for i, a := range cmd.Args {
		if !a.IsKey {
			continue
		}
		shard := r.topology.ShardForSlot(a.Slot)
		groups[shard] = append(groups[shard], i)
	}

	var merr *multierror.Error
	var replies []shardReply
	for shard, idxs := range groups {
		if shard == nil {
			merr = multierror.Append(merr, rerr.Redis(&resp2ClusterDownError))
			continue
		}
		sub := subCommandForKeys(cmd, idxs)
		buf, err := r.dispatch.Dispatch(shard.Master, sub)
		if err != nil {
			merr = multierror.Append(merr, err)
			continue
		}
		ordinals := make([]int, len(idxs))
		for j, i := range idxs {
			ordinals[j] = keyOrdinal[i]
		}
		replies = append(replies, shardReply{ordinals: ordinals, buf: buf})
	}

	if respPolicy == command.ResponsePolicyIdentity && totalKeys > 0 {
		return concatReorder(replies, totalKeys, merr.ErrorOrNil())
	}

	bufs := make([]*resp.RespBuf, len(replies))
	for i, sr := range replies {
		bufs[i] = sr.buf
	}
	return aggregate(respPolicy, bufs, merr.ErrorOrNil())
}

// concatReorder reassembles a multi-shard, per-key array reply
// (MGET's shape) into a single array in the original, pre-routing key
// order, the reduction spec 4.4 calls "concatenate, then reorder by
// original key position".
func concatReorder(replies []shardReply, totalKeys int, err error) (*resp.RespBuf, error) {
	if len(replies) == 0 {
		return nil, err
	}

	values := make([]resp.Value, totalKeys)
	filled := make([]bool, totalKeys)
	for _, sr := range replies {
		val, derr := sr.buf.Decode()
		if derr != nil {
			return nil, derr
		}
		if len(val.Array) != len(sr.ordinals) {
			return nil, rerr.Client("multi-shard reply shape mismatch: got %d elements, want %d", len(val.Array), len(sr.ordinals))
		}
		for j, ord := range sr.ordinals {
			values[ord] = val.Array[j]
			filled[ord] = true
		}
	}

	if err != nil {
		for _, ok := range filled {
			if !ok {
				return nil, err
			}
		}
	}
	return resp.NewRespBuf(encodeValueArray(values)), nil
}

func subCommandForKeys(cmd *command.Command, idxs []int) *command.Command {
	b := command.NewBuilder(cmd.NameUpper())
	for _, i := range idxs {
		if cmd.Args[i].IsKey {
			b.Key(cmd.Arg(i))
		} else {
			b.ArgBytes(cmd.Arg(i))
		}
	}
	return b.Build()
}

// aggregate combines per-shard replies according to policy (spec 4.4).
// ResponsePolicyIdentity on a multi-key command never reaches here:
// routeMultiShard handles it itself via concatReorder, since reducing
// it correctly needs each reply's original key ordinals, which this
// function doesn't have. The default branch below only serves
// Identity on a fan-out command (no keys to reorder by) or a
// multi-shard command with no key arguments at all, where returning
// any one shard's reply is as good as another's.
func aggregate(policy command.ResponsePolicy, replies []*resp.RespBuf, err error) (*resp.RespBuf, error) {
	if err != nil && len(replies) == 0 {
		return nil, err
	}

	switch policy {
	case command.ResponsePolicyOneSucceeded:
		if len(replies) > 0 {
			return replies[0], nil
		}
		return nil, err
	case command.ResponsePolicyAllSucceeded:
		if err != nil {
			return nil, err
		}
		if len(replies) > 0 {
			return replies[len(replies)-1], nil
		}
		return nil, nil
	case command.ResponsePolicyAggLogicalAnd, command.ResponsePolicyAggLogicalOr,
		command.ResponsePolicyAggMin, command.ResponsePolicyAggMax, command.ResponsePolicyAggSum:
		return aggregateNumeric(policy, replies)
	default:
		if len(replies) > 0 {
			return replies[len(replies)-1], nil
		}
		return nil, err
	}
}

func aggregateNumeric(policy command.ResponsePolicy, replies []*resp.RespBuf) (*resp.RespBuf, error) {
	var acc int64
	first := true
	for _, buf := range replies {
		val, err := buf.Decode()
		if err != nil {
			return nil, err
		}
		n := val.Int
		switch policy {
		case command.ResponsePolicyAggSum:
			acc += n
		case command.ResponsePolicyAggMin:
			if first || n < acc {
				acc = n
			}
		case command.ResponsePolicyAggMax:
			if first || n > acc {
				acc = n
			}
		case command.ResponsePolicyAggLogicalAnd:
			if first {
				acc = 1
			}
			if n == 0 {
				acc = 0
			}
		case command.ResponsePolicyAggLogicalOr:
			if n != 0 {
				acc = 1
			}
		}
		first = false
	}
	return resp.NewRespBuf([]byte(":" + strconv.FormatInt(acc, 10) + "\r\n")), nil
}

var resp2ClusterDownError = rerr.RedisError{Kind: rerr.ErrClusterDown, Description: "Hash slot not served"}

// RandomNode picks an arbitrary shard's master, used for commands with
// no key argument that must still land somewhere (e.g. DBSIZE
// semantics are undefined cluster-wide, but RANDOMKEY needs exactly
// this).
func (r *Router) RandomNode() Node {
	shards := r.topology.shards
	if len(shards) == 0 {
		return Node{}
	}
	return shards[rand.Intn(len(shards))].Master
}
