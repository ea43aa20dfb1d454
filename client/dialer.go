package client

import (
	"time"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/network"
	"github.com/lukluk/rendang/resp"
)

// oneShotDialer opens a fresh connection, sends exactly one command,
// reads its reply, and closes; used for Sentinel discovery calls
// which are too infrequent to justify a pooled network.Handler.
type oneShotDialer struct {
	connectTimeout time.Duration
}

func (d *oneShotDialer) Call(addr string, cmd *command.Command) (resp.Value, error) {
	conn, err := network.Dial(network.ConnectionConfig{Addr: addr, ConnectTimeout: d.connectTimeout})
	if err != nil {
		return resp.Value{}, err
	}
	defer conn.Close()

	if err := conn.WriteBatch([]*command.Command{cmd}); err != nil {
		return resp.Value{}, err
	}
	buf, err := conn.ReadFrame()
	if err != nil {
		return resp.Value{}, err
	}
	return buf.Decode()
}
