package sentinel

import (
	"testing"
	"time"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
)

type fakeDialer struct {
	responses map[string]func(cmd *command.Command) (resp.Value, error)
}

func (f *fakeDialer) Call(addr string, cmd *command.Command) (resp.Value, error) {
	fn, ok := f.responses[addr+"|"+cmd.NameUpper()]
	if !ok {
		return resp.Value{}, rerr.Client("no fake response for %s %s", addr, cmd.NameUpper())
	}
	return fn(cmd)
}

func arrayVal(strs ...string) resp.Value {
	vals := make([]resp.Value, len(strs))
	for i, s := range strs {
		vals[i] = resp.Value{Kind: resp.KindBulkString, Bytes: []byte(s)}
	}
	return resp.Value{Kind: resp.KindArray, Array: vals}
}

func TestDiscoverMasterHappyPath(t *testing.T) {
	dialer := &fakeDialer{responses: map[string]func(*command.Command) (resp.Value, error){
		"sentinel1:26379|SENTINEL": func(*command.Command) (resp.Value, error) {
			return arrayVal("10.0.0.5", "6379"), nil
		},
		"10.0.0.5:6379|ROLE": func(*command.Command) (resp.Value, error) {
			return arrayVal("master"), nil
		},
	}}

	m, err := DiscoverMaster(dialer, Config{
		MasterName:    "mymaster",
		SentinelAddrs: []string{"sentinel1:26379"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.Addr() != "10.0.0.5:6379" {
		t.Fatalf("got %s, want 10.0.0.5:6379", m.Addr())
	}
}

func TestDiscoverMasterRestartsFromFirstSentinelOnStaleRole(t *testing.T) {
	var roleCalls int
	dialer := &fakeDialer{responses: map[string]func(*command.Command) (resp.Value, error){
		"sentinel1:26379|SENTINEL": func(*command.Command) (resp.Value, error) {
			return arrayVal("10.0.0.5", "6379"), nil
		},
		"10.0.0.5:6379|ROLE": func(*command.Command) (resp.Value, error) {
			roleCalls++
			if roleCalls == 1 {
				return arrayVal("slave"), nil // stale: already demoted
			}
			return arrayVal("master"), nil // promoted by the time the sweep restarts
		},
		"sentinel2:26379|SENTINEL": func(*command.Command) (resp.Value, error) {
			return arrayVal("10.0.0.6", "6379"), nil
		},
		"10.0.0.6:6379|ROLE": func(*command.Command) (resp.Value, error) {
			return arrayVal("master"), nil
		},
	}}

	m, err := DiscoverMaster(dialer, Config{
		MasterName:          "mymaster",
		SentinelAddrs:       []string{"sentinel1:26379", "sentinel2:26379"},
		WaitBetweenFailures: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A stale ROLE reply on the first sentinel must abort the whole
	// sweep and restart from sentinel1, not fall through to sentinel2.
	if m.Addr() != "10.0.0.5:6379" {
		t.Fatalf("got %s, want 10.0.0.5:6379 (first sentinel, after restart)", m.Addr())
	}
	if roleCalls != 2 {
		t.Fatalf("got %d ROLE calls against the first sentinel, want 2 (initial + restart)", roleCalls)
	}
}

func TestDiscoverMasterGivesUpAfterMaxRounds(t *testing.T) {
	dialer := &fakeDialer{responses: map[string]func(*command.Command) (resp.Value, error){
		"sentinel1:26379|SENTINEL": func(*command.Command) (resp.Value, error) {
			return arrayVal("10.0.0.5", "6379"), nil
		},
		"10.0.0.5:6379|ROLE": func(*command.Command) (resp.Value, error) {
			return arrayVal("slave"), nil // permanently stale
		},
	}}

	_, err := DiscoverMaster(dialer, Config{
		MasterName:          "mymaster",
		SentinelAddrs:       []string{"sentinel1:26379"},
		WaitBetweenFailures: time.Millisecond,
		MaxRounds:           3,
	})
	if err == nil {
		t.Fatal("expected an error when every sweep keeps finding a demoted candidate")
	}
}

func TestDiscoverMasterFailsWhenNoSentinelReachable(t *testing.T) {
	dialer := &fakeDialer{responses: map[string]func(*command.Command) (resp.Value, error){}}
	_, err := DiscoverMaster(dialer, Config{
		MasterName:    "mymaster",
		SentinelAddrs: []string{"sentinel1:26379"},
	})
	if err == nil {
		t.Fatal("expected an error when no sentinel can be reached")
	}
}
