// Package client exposes the public entry point: Config assembles a
// connection target (standalone, Sentinel-discovered, or cluster) and
// Client wraps a network.Handler (or a cluster.Router over several)
// with the client-side cache and the command-building convenience
// methods callers actually use.
package client

import (
	"crypto/tls"
	"time"

	"github.com/mitchellh/mapstructure"

	"github.com/lukluk/rendang/reconnect"
	"github.com/lukluk/rendang/rerr"
)

// topLevelDurationFields and reconnectDurationFields list the keys (of
// the top-level map and of the nested "reconnect" map) that FromMap
// accepts as either a
// time.Duration-parseable string (e.g. "250ms") or a plain
// time.Duration/int64 nanosecond count, normalized before decoding
// since the pinned mapstructure version here predates a built-in
// string-to-duration decode hook.
var topLevelDurationFields = []string{"connect_timeout", "command_timeout"}
var reconnectDurationFields = []string{"delay", "max_delay", "jitter"}

func normalizeDurations(m map[string]interface{}) error {
	for _, key := range topLevelDurationFields {
		if err := normalizeDurationField(m, key); err != nil {
			return err
		}
	}
	if nested, ok := m["reconnect"].(map[string]interface{}); ok {
		for _, key := range reconnectDurationFields {
			if err := normalizeDurationField(nested, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalizeDurationField(m map[string]interface{}, key string) error {
	v, ok := m[key]
	if !ok {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return rerr.Config("invalid duration for %q: %v", key, err)
	}
	m[key] = d
	return nil
}

// Topology selects which deployment shape Config targets.
type Topology int

const (
	TopologyStandalone Topology = iota
	TopologySentinel
	TopologyCluster
)

// ReconnectShape picks which reconnect.Policy constructor toPolicy
// uses; mapstructure can only decode plain data, not a pre-built
// reconnect.Policy, so FromMap goes through this intermediate shape.
type ReconnectShape struct {
	Kind                 string        `mapstructure:"kind"` // "none", "constant", "linear", "exponential"
	Delay                time.Duration `mapstructure:"delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	MultiplicativeFactor uint32        `mapstructure:"multiplicative_factor"`
	Jitter               time.Duration `mapstructure:"jitter"`
	MaxAttempts          uint32        `mapstructure:"max_attempts"`
}

func (r ReconnectShape) toPolicy() reconnect.Policy {
	switch r.Kind {
	case "constant":
		return reconnect.Constant(r.Delay, r.Jitter, r.MaxAttempts)
	case "linear":
		return reconnect.Linear(r.Delay, r.MaxDelay, r.Jitter, r.MaxAttempts)
	case "exponential":
		return reconnect.Exponential(r.Delay, r.MaxDelay, r.MultiplicativeFactor, r.Jitter, r.MaxAttempts)
	default:
		return reconnect.None()
	}
}

// Config is the caller-facing connection configuration.
type Config struct {
	Topology Topology

	// Standalone / common.
	Addrs []string // one for standalone, several for Sentinel or Cluster seed nodes

	// Sentinel-only.
	MasterName string

	// SentinelWaitBetweenFailures is how long discovery pauses before
	// restarting its sweep from the first sentinel after a candidate
	// fails its ROLE confirmation (spec 4.6 step 3).
	SentinelWaitBetweenFailures time.Duration

	Username string
	Password string
	Database int

	TLSConfig *tls.Config

	ConnectTimeout time.Duration
	CommandTimeout time.Duration

	Reconnect ReconnectShape

	AutoResubscribe bool
	AutoRemonitor   bool

	ReadFromReplicas bool
	CacheMaxKeys     int
	CacheEnabled     bool
}

// rawConfig is the mapstructure decode target: TLSConfig can't come
// from a plain map, so FromMap leaves it unset, and Topology arrives
// as a string name that FromMap maps onto the enum.
type rawConfig struct {
	Addrs                       []string       `mapstructure:"addrs"`
	MasterName                  string         `mapstructure:"master_name"`
	SentinelWaitBetweenFailures time.Duration  `mapstructure:"sentinel_wait_between_failures"`
	Username                    string         `mapstructure:"username"`
	Password                    string         `mapstructure:"password"`
	Database                    int            `mapstructure:"database"`
	ConnectTimeout              time.Duration  `mapstructure:"connect_timeout"`
	CommandTimeout              time.Duration  `mapstructure:"command_timeout"`
	Reconnect                   ReconnectShape `mapstructure:"reconnect"`
	AutoResubscribe             bool           `mapstructure:"auto_resubscribe"`
	AutoRemonitor               bool           `mapstructure:"auto_remonitor"`
	ReadFromReplicas            bool           `mapstructure:"read_from_replicas"`
	CacheMaxKeys                int            `mapstructure:"cache_max_keys"`
	CacheEnabled                bool           `mapstructure:"cache_enabled"`
	Topology                    string         `mapstructure:"topology"` // "standalone", "sentinel", "cluster"
}

// FromMap decodes a generic configuration map (as loaded from YAML,
// JSON, or environment-derived settings) into a Config, using
// mapstructure the way this module's ambient stack decodes loosely
// typed configuration elsewhere (spec 6).
func FromMap(m map[string]interface{}) (Config, error) {
	if err := normalizeDurations(m); err != nil {
		return Config{}, err
	}

	var raw rawConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Config{}, rerr.Config("building config decoder: %v", err)
	}
	if err := dec.Decode(m); err != nil {
		return Config{}, rerr.Config("decoding config map: %v", err)
	}

	cfg := Config{
		Addrs:                       raw.Addrs,
		MasterName:                  raw.MasterName,
		SentinelWaitBetweenFailures: raw.SentinelWaitBetweenFailures,
		Username:                    raw.Username,
		Password:                    raw.Password,
		Database:                    raw.Database,
		ConnectTimeout:              raw.ConnectTimeout,
		CommandTimeout:              raw.CommandTimeout,
		Reconnect:                   raw.Reconnect,
		AutoResubscribe:             raw.AutoResubscribe,
		AutoRemonitor:               raw.AutoRemonitor,
		ReadFromReplicas:            raw.ReadFromReplicas,
		CacheMaxKeys:                raw.CacheMaxKeys,
		CacheEnabled:                raw.CacheEnabled,
	}
	switch raw.Topology {
	case "sentinel":
		cfg.Topology = TopologySentinel
	case "cluster":
		cfg.Topology = TopologyCluster
	default:
		cfg.Topology = TopologyStandalone
	}
	if len(cfg.Addrs) == 0 {
		return Config{}, rerr.Config("at least one address is required")
	}
	return cfg, nil
}
