package cluster

import (
	"strings"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
)

// CommandInfo is one command's runtime-discovered cluster routing
// metadata, the same three-field shape a command.Builder can bake in
// by hand via ClusterInfo, but sourced from the server instead of a
// call site (spec 4.4, "a CommandInfoManager... so unknown commands
// can be described at runtime").
type CommandInfo struct {
	RequestPolicy  command.RequestPolicy
	ResponsePolicy command.ResponsePolicy
	Special        command.SpecialKind
}

// CommandInfoManager holds one CommandInfo per command name, built
// from a COMMAND DOCS reply. A Router consults it ahead of any policy
// a command's own Builder call site set, so routing a brand new
// command correctly requires no code change in this core (spec 9,
// "New commands require no code in the core") — only a refreshed
// COMMAND DOCS fetch.
type CommandInfoManager struct {
	byName map[string]CommandInfo
}

// NewCommandInfoManager builds a manager pre-seeded with the three
// special-policy commands this core knows how to aggregate explicitly
// (spec 4.4/9: SCAN, KEYS, RANDOMKEY): their special handling is a
// property of this core's own routing code, not something a COMMAND
// DOCS reply's tips describe, so it can't be discovered at runtime the
// way request/response policy can.
func NewCommandInfoManager() *CommandInfoManager {
	return &CommandInfoManager{byName: map[string]CommandInfo{
		"SCAN":      {RequestPolicy: command.RequestPolicySpecial, ResponsePolicy: command.ResponsePolicySpecial, Special: command.SpecialScan},
		"KEYS":      {RequestPolicy: command.RequestPolicySpecial, ResponsePolicy: command.ResponsePolicySpecial, Special: command.SpecialKeys},
		"RANDOMKEY": {RequestPolicy: command.RequestPolicySpecial, ResponsePolicy: command.ResponsePolicySpecial, Special: command.SpecialRandomKey},
	}}
}

// Lookup returns the CommandInfo known for name (already upper-cased
// by the caller, matching command.Command.NameUpper), if any.
func (m *CommandInfoManager) Lookup(name string) (CommandInfo, bool) {
	if m == nil {
		return CommandInfo{}, false
	}
	ci, ok := m.byName[name]
	return ci, ok
}

// Set records (or overrides) one command's routing metadata.
func (m *CommandInfoManager) Set(name string, ci CommandInfo) {
	m.byName[strings.ToUpper(name)] = ci
}

// LoadCommandDocs parses a `COMMAND DOCS` reply's request_policy/
// response_policy tips into this manager, leaving any pre-seeded
// special-command entries (SCAN/KEYS/RANDOMKEY) untouched since a real
// server's COMMAND DOCS reply carries no special-policy tip for them.
//
// Real Redis replies with a RESP3 map of command name -> doc map, each
// doc map carrying a `command_tips` array of strings shaped like
// "request_policy:multi_shard" or "response_policy:agg_sum" (spec 4.4).
func (m *CommandInfoManager) LoadCommandDocs(val resp.Value) error {
	entries, ok := val.AsMap()
	if !ok {
		return commandDocsShapeError{}
	}
	for _, e := range entries {
		name := strings.ToUpper(e.Key.String())
		doc, ok := e.Val.AsMap()
		if !ok {
			continue
		}
		ci := m.byName[name]
		for _, d := range doc {
			if d.Key.String() != "command_tips" {
				continue
			}
			for _, tip := range d.Val.Array {
				applyTip(&ci, tip.String())
			}
		}
		m.byName[name] = ci
	}
	return nil
}

func applyTip(ci *CommandInfo, tip string) {
	kind, val, found := strings.Cut(tip, ":")
	if !found {
		return
	}
	switch kind {
	case "request_policy":
		switch val {
		case "all_nodes":
			ci.RequestPolicy = command.RequestPolicyAllNodes
		case "all_shards":
			ci.RequestPolicy = command.RequestPolicyAllShards
		case "multi_shard":
			ci.RequestPolicy = command.RequestPolicyMultiShard
		case "special":
			ci.RequestPolicy = command.RequestPolicySpecial
		}
	case "response_policy":
		switch val {
		case "one_succeeded":
			ci.ResponsePolicy = command.ResponsePolicyOneSucceeded
		case "all_succeeded":
			ci.ResponsePolicy = command.ResponsePolicyAllSucceeded
		case "agg_logical_and":
			ci.ResponsePolicy = command.ResponsePolicyAggLogicalAnd
		case "agg_logical_or":
			ci.ResponsePolicy = command.ResponsePolicyAggLogicalOr
		case "agg_min":
			ci.ResponsePolicy = command.ResponsePolicyAggMin
		case "agg_max":
			ci.ResponsePolicy = command.ResponsePolicyAggMax
		case "agg_sum":
			ci.ResponsePolicy = command.ResponsePolicyAggSum
		case "special":
			ci.ResponsePolicy = command.ResponsePolicySpecial
		}
	}
}

type commandDocsShapeError struct{}

func (commandDocsShapeError) Error() string { return "unexpected COMMAND DOCS reply shape" }
