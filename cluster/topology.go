// Package cluster routes commands to the right Redis Cluster shard,
// aggregates multi-shard replies according to each command's response
// policy, and follows MOVED/ASK redirections transparently.
package cluster

import (
	"strconv"
	"strings"

	"github.com/dgryski/go-rendezvous"

	"github.com/lukluk/rendang/resp"
)

// Node is one cluster node's address.
type Node struct {
	Host string
	Port uint16
	ID   string
}

func (n Node) Addr() string { return n.Host + ":" + strconv.Itoa(int(n.Port)) }

// Shard is a master plus its replicas, covering one or more
// contiguous slot ranges.
type Shard struct {
	Master   Node
	Replicas []Node
	Slots    []SlotRange
}

// SlotRange is an inclusive [Start, End] hash-slot range.
type SlotRange struct {
	Start uint16
	End   uint16
}

func (r SlotRange) contains(slot uint16) bool { return slot >= r.Start && slot <= r.End }

// Topology is the cluster's current shard map, as built from a
// CLUSTER SHARDS (or CLUSTER SLOTS) reply.
type Topology struct {
	shards   []*Shard
	bySlot   [16384]*Shard
	rendez   map[string]*rendezvous.Rendezvous
}

// NewTopology builds a Topology from a shard list.
func NewTopology(shards []*Shard) *Topology {
	t := &Topology{shards: shards, rendez: make(map[string]*rendezvous.Rendezvous)}
	for _, s := range shards {
		for _, r := range s.Slots {
			for slot := r.Start; ; slot++ {
				t.bySlot[slot] = s
				if slot == r.End {
					break
				}
			}
		}
	}
	return t
}

// ShardForSlot returns the shard owning slot, or nil if the slot is
// currently unassigned (CLUSTERDOWN territory).
func (t *Topology) ShardForSlot(slot uint16) *Shard {
	return t.bySlot[slot]
}

// Shards returns every known shard.
func (t *Topology) Shards() []*Shard { return t.shards }

// ReadNode picks which node a read-only, replica-eligible command
// should target for the given key's slot: the master if
// readFromReplicas is false or the shard has no replicas, otherwise a
// rendezvous-hash pick over the shard's master and replicas keyed by
// the request's routing key, so repeated reads of the same key tend to land on the
// same replica (spec 4.4, glossary "Rendezvous hashing").
func (t *Topology) ReadNode(slot uint16, routingKey string, readFromReplicas bool) Node {
	shard := t.ShardForSlot(slot)
	if shard == nil {
		return Node{}
	}
	if !readFromReplicas || len(shard.Replicas) == 0 {
		return shard.Master
	}

	key := strconv.Itoa(int(slot))
	rz, ok := t.rendez[key]
	if !ok {
		names := make([]string, len(shard.Replicas)+1)
		names[0] = shard.Master.Addr()
		for i, r := range shard.Replicas {
			names[i+1] = r.Addr()
		}
		rz = rendezvous.New(names, rendezvousHash)
		t.rendez[key] = rz
	}
	picked := rz.Lookup(routingKey)
	if picked == shard.Master.Addr() {
		return shard.Master
	}
	for _, r := range shard.Replicas {
		if r.Addr() == picked {
			return r
		}
	}
	return shard.Master
}

func rendezvousHash(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}

// ParseClusterSlots decodes a CLUSTER SLOTS reply into a Topology.
// Each top-level array entry is [start, end, master[, replica...]]
// where each node entry is [host, port, id].
func ParseClusterSlots(v resp.Value) (*Topology, error) {
	var shards []*Shard
	for _, entry := range v.Array {
		if len(entry.Array) < 3 {
			continue
		}
		start := uint16(entry.Array[0].Int)
		end := uint16(entry.Array[1].Int)
		master := parseNodeEntry(entry.Array[2])
		shard := &Shard{Master: master, Slots: []SlotRange{{Start: start, End: end}}}
		for i := 3; i < len(entry.Array); i++ {
			shard.Replicas = append(shard.Replicas, parseNodeEntry(entry.Array[i]))
		}
		shards = append(shards, shard)
	}
	return NewTopology(shards), nil
}

func parseNodeEntry(v resp.Value) Node {
	if len(v.Array) < 2 {
		return Node{}
	}
	n := Node{Host: v.Array[0].String(), Port: uint16(v.Array[1].Int)}
	if len(v.Array) >= 3 {
		n.ID = v.Array[2].String()
	}
	return n
}

// ParseClusterShards decodes a CLUSTER SHARDS reply (the RESP3-native,
// richer successor to CLUSTER SLOTS) into a Topology.
func ParseClusterShards(v resp.Value) (*Topology, error) {
	var shards []*Shard
	for _, entry := range v.Array {
		fields, ok := entry.AsMap()
		if !ok {
			continue
		}
		shard := &Shard{}
		for _, f := range fields {
			switch strings.ToLower(f.Key.String()) {
			case "slots":
				for i := 0; i+1 < len(f.Val.Array); i += 2 {
					shard.Slots = append(shard.Slots, SlotRange{
						Start: uint16(f.Val.Array[i].Int),
						End:   uint16(f.Val.Array[i+1].Int),
					})
				}
			case "nodes":
				for _, nodeVal := range f.Val.Array {
					node, role := parseShardNode(nodeVal)
					if role == "master" {
						shard.Master = node
					} else {
						shard.Replicas = append(shard.Replicas, node)
					}
				}
			}
		}
		shards = append(shards, shard)
	}
	return NewTopology(shards), nil
}

func parseShardNode(v resp.Value) (Node, string) {
	fields, ok := v.AsMap()
	if !ok {
		return Node{}, ""
	}
	var n Node
	var role string
	for _, f := range fields {
		switch strings.ToLower(f.Key.String()) {
		case "id":
			n.ID = f.Val.String()
		case "ip", "endpoint":
			n.Host = f.Val.String()
		case "port":
			n.Port = uint16(f.Val.Int)
		case "role":
			role = strings.ToLower(f.Val.String())
		}
	}
	return n, role
}
