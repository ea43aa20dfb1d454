// Package sentinel discovers the current master (and, optionally,
// replica set) for a named Redis deployment by querying one or more
// Sentinel processes, confirming each candidate with ROLE before
// accepting it (spec 4.6).
package sentinel

import (
	"strconv"
	"time"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
)

// Dialer opens a connection to a single Sentinel or data node and
// round-trips exactly one command, returning its decoded reply. It is
// satisfied by a thin adapter over network.Connection; kept as an
// interface here so discovery can be tested without real sockets.
type Dialer interface {
	Call(addr string, cmd *command.Command) (resp.Value, error)
}

// Config describes one Sentinel-monitored deployment.
type Config struct {
	MasterName     string
	SentinelAddrs  []string
	ConnectTimeout time.Duration

	// WaitBetweenFailures is how long DiscoverMaster pauses before
	// restarting its sweep from the first sentinel after a candidate
	// fails its ROLE confirmation (spec 4.6 step 3).
	WaitBetweenFailures time.Duration

	// MaxRounds bounds how many times the sentinel list is swept after
	// a ROLE-disproved candidate forces a restart. 0 means unlimited
	// (the caller bounds overall discovery time some other way, e.g. a
	// deadline on the surrounding call).
	MaxRounds int
}

// Master is a confirmed master endpoint.
type Master struct {
	Host string
	Port uint16
}

func (m Master) Addr() string { return m.Host + ":" + strconv.Itoa(int(m.Port)) }

// DiscoverMaster sweeps cfg.SentinelAddrs in order, asking each for
// `SENTINEL get-master-addr-by-name <name>`, and confirms the first
// answer that also responds to ROLE as "master". An unreachable or
// service-less sentinel is simply skipped in favor of the next one,
// but a candidate that ROLE disproves (a stale Sentinel reporting an
// address since demoted) instead aborts the whole sweep: DiscoverMaster
// waits WaitBetweenFailures and restarts from the first sentinel,
// since by the time one Sentinel's view is stale the rest of the list
// may have already converged on a different, live master (spec 4.6
// step 3).
func DiscoverMaster(dialer Dialer, cfg Config) (Master, error) {
	if len(cfg.SentinelAddrs) == 0 {
		return Master{}, rerr.Config("no sentinel addresses configured")
	}

	var lastErr error
	for round := 1; ; round++ {
		restart := false
		for _, sentinelAddr := range cfg.SentinelAddrs {
			addrCmd := command.NewBuilder("SENTINEL").
				Arg("get-master-addr-by-name").
				Arg(cfg.MasterName).
				Build()

			val, err := dialer.Call(sentinelAddr, addrCmd)
			if err != nil {
				lastErr = err
				continue
			}
			if val.IsNil() || len(val.Array) != 2 {
				lastErr = rerr.Sentinel("sentinel %s has no master recorded for %q", sentinelAddr, cfg.MasterName)
				continue
			}

			host := val.Array[0].String()
			port, perr := strconv.ParseUint(val.Array[1].String(), 10, 16)
			if perr != nil {
				lastErr = rerr.Sentinel("sentinel %s returned invalid port %q", sentinelAddr, val.Array[1].String())
				continue
			}
			candidate := Master{Host: host, Port: uint16(port)}

			if err := confirmRole(dialer, candidate); err != nil {
				lastErr = err
				if cfg.WaitBetweenFailures > 0 {
					time.Sleep(cfg.WaitBetweenFailures)
				}
				restart = true
				break
			}
			return candidate, nil
		}

		if !restart {
			break
		}
		if cfg.MaxRounds > 0 && round >= cfg.MaxRounds {
			break
		}
	}

	if lastErr == nil {
		lastErr = rerr.Sentinel("no sentinel could be reached")
	}
	return Master{}, rerr.Sentinel("could not discover master %q: %v", cfg.MasterName, lastErr)
}

func confirmRole(dialer Dialer, candidate Master) error {
	roleCmd := command.NewBuilder("ROLE").Build()
	val, err := dialer.Call(candidate.Addr(), roleCmd)
	if err != nil {
		return rerr.Sentinel("could not confirm role of %s: %v", candidate.Addr(), err)
	}
	if len(val.Array) == 0 || val.Array[0].String() != "master" {
		return rerr.Sentinel("%s is not currently a master", candidate.Addr())
	}
	return nil
}

// Replicas asks a confirmed master's Sentinel for its replica set via
// `SENTINEL replicas <name>`, filtering out any replica Sentinel
// currently flags as down (spec 4.6, "replica discovery").
func Replicas(dialer Dialer, sentinelAddr, masterName string) ([]Master, error) {
	cmd := command.NewBuilder("SENTINEL").Arg("replicas").Arg(masterName).Build()
	val, err := dialer.Call(sentinelAddr, cmd)
	if err != nil {
		return nil, rerr.Sentinel("could not list replicas: %v", err)
	}

	var out []Master
	for _, entry := range val.Array {
		fields, ok := entry.AsMap()
		if !ok {
			continue
		}
		m, flags := parseReplicaFields(fields)
		if containsFlag(flags, "s_down") || containsFlag(flags, "o_down") {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func parseReplicaFields(fields []resp.MapEntry) (Master, string) {
	var m Master
	var flags string
	for _, f := range fields {
		switch f.Key.String() {
		case "ip":
			m.Host = f.Val.String()
		case "port":
			port, _ := strconv.ParseUint(f.Val.String(), 10, 16)
			m.Port = uint16(port)
		case "flags":
			flags = f.Val.String()
		}
	}
	return m, flags
}

func containsFlag(flags, name string) bool {
	for _, part := range splitComma(flags) {
		if part == name {
			return true
		}
	}
	return false
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
