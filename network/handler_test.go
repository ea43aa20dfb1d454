package network

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/reconnect"
)

func newPipeHandler(t *testing.T) (*Handler, net.Conn) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	h := newHandlerWithConn(HandlerConfig{
		Tag:       "test",
		Reconnect: reconnect.None(),
	}, newConnectionFromConn(clientConn, 4096))
	t.Cleanup(func() { h.Close() })
	return h, serverConn
}

func TestHandlerDispatchSingleCommand(t *testing.T) {
	h, server := newPipeHandler(t)

	go func() {
		buf := make([]byte, 256)
		n, _ := server.Read(buf)
		_ = n
		server.Write([]byte("$2\r\nOK\r\n"))
	}()

	cmd := command.NewBuilder("GET").Key([]byte("foo")).Build()
	cmds, resultCh := NewSingle(cmd)
	h.Dispatch(&Message{Commands: cmds})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		val, err := res.Value.Decode()
		if err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if string(val.Bytes) != "OK" {
			t.Fatalf("got %q, want OK", val.Bytes)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestHandlerDispatchBatchCollectsEveryReply(t *testing.T) {
	h, server := newPipeHandler(t)

	go func() {
		buf := make([]byte, 256)
		n, _ := server.Read(buf)
		_ = n
		server.Write([]byte(":1\r\n:2\r\n:3\r\n"))
	}()

	cmds := []*command.Command{
		command.NewBuilder("INCR").Key([]byte("a")).Build(),
		command.NewBuilder("INCR").Key([]byte("b")).Build(),
		command.NewBuilder("INCR").Key([]byte("c")).Build(),
	}
	batch, resultCh := NewBatch(cmds)
	h.Dispatch(&Message{Commands: batch})

	select {
	case res := <-resultCh:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		if len(res.Values) != 3 {
			t.Fatalf("got %d replies, want 3", len(res.Values))
		}
		for i, want := range []string{"1", "2", "3"} {
			val, err := res.Values[i].Decode()
			if err != nil {
				t.Fatalf("decode error for reply %d: %v", i, err)
			}
			got := strconv.FormatInt(val.Int, 10)
			if got != want {
				t.Fatalf("reply %d = %q, want %q", i, got, want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestHandlerPropagatesWriteErrorOnClosedConnection(t *testing.T) {
	h, server := newPipeHandler(t)
	server.Close()

	cmd := command.NewBuilder("PING").Build()
	cmds, resultCh := NewSingle(cmd)
	h.Dispatch(&Message{Commands: cmds})

	select {
	case res := <-resultCh:
		if res.Err == nil {
			t.Fatal("expected an error after the server closed the connection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}
