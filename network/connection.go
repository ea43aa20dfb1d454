package network

import (
	"bufio"
	"crypto/tls"
	"net"
	"time"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
)

// ConnectionConfig carries everything needed to dial and frame one
// physical connection to a Redis node.
type ConnectionConfig struct {
	Addr           string
	TLSConfig      *tls.Config // nil disables TLS
	ConnectTimeout time.Duration
	ReadBufferSize int
}

// Connection is a framed, buffered TCP (or TLS) connection: writes
// accept already-encoded Command frames, reads yield one owned
// RespBuf per complete RESP3 frame found in the stream.
type Connection struct {
	conn   net.Conn
	reader *bufio.Reader
	buf    []byte // growable accumulation buffer for partial frames
}

// Dial opens the physical connection described by cfg.
func Dial(cfg ConnectionConfig) (*Connection, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var conn net.Conn
	var err error
	if cfg.TLSConfig != nil {
		d := &net.Dialer{Timeout: timeout}
		conn, err = tls.DialWithDialer(d, "tcp", cfg.Addr, cfg.TLSConfig)
		if err != nil {
			return nil, rerr.TLS(err)
		}
	} else {
		conn, err = net.DialTimeout("tcp", cfg.Addr, timeout)
		if err != nil {
			return nil, rerr.IO(err)
		}
	}

	bufSize := cfg.ReadBufferSize
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}

	return &Connection{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, bufSize),
		buf:    make([]byte, 0, bufSize),
	}, nil
}

// WriteBatch serializes every command's frame onto the wire in a
// single write call, minimizing syscalls when several commands are
// dispatched together (spec 4.3, pipelining).
func (c *Connection) WriteBatch(cmds []*command.Command) error {
	if len(cmds) == 0 {
		return nil
	}
	total := 0
	for _, cmd := range cmds {
		total += len(cmd.Buffer)
	}
	batch := make([]byte, 0, total)
	for _, cmd := range cmds {
		batch = append(batch, cmd.Buffer...)
	}
	if _, err := c.conn.Write(batch); err != nil {
		return rerr.IO(err)
	}
	return nil
}

// ReadFrame blocks until one complete RESP3 frame has been read from
// the connection and returns it as an owned RespBuf.
func (c *Connection) ReadFrame() (*resp.RespBuf, error) {
	for {
		if n, err := resp.ScanFrame(c.buf); err == nil {
			frame := make([]byte, n)
			copy(frame, c.buf[:n])
			c.buf = append(c.buf[:0], c.buf[n:]...)
			return resp.NewRespBuf(frame), nil
		} else if !resp.IsEOF(err) {
			return nil, err
		}

		chunk := make([]byte, 32*1024)
		n, err := c.reader.Read(chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
		}
		if err != nil {
			return nil, rerr.IO(err)
		}
	}
}

// Close closes the underlying socket.
func (c *Connection) Close() error { return c.conn.Close() }

// newConnectionFromConn wraps an already-established net.Conn,
// bypassing Dial; used by tests that drive the framing logic over an
// in-memory net.Pipe instead of a real socket.
func newConnectionFromConn(conn net.Conn, bufSize int) *Connection {
	if bufSize <= 0 {
		bufSize = 64 * 1024
	}
	return &Connection{
		conn:   conn,
		reader: bufio.NewReaderSize(conn, bufSize),
		buf:    make([]byte, 0, bufSize),
	}
}
