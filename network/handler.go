// Package network multiplexes many logical command submissions over a
// single physical Redis connection: a single goroutine owns the
// socket, matches replies to requests in FIFO order, fans pub/sub
// pushes out to their subscribers, and drives reconnection with
// backoff when the link drops.
package network

import (
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/reconnect"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
	"github.com/lukluk/rendang/rmetrics"
)

// Status is the NetworkHandler's connection/subscription state
// machine (spec 4.2).
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
	StatusSubscribing
	StatusSubscribed
	StatusEnteringMonitor
	StatusMonitor
	StatusLeavingMonitor
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusSubscribing:
		return "subscribing"
	case StatusSubscribed:
		return "subscribed"
	case StatusEnteringMonitor:
		return "entering-monitor"
	case StatusMonitor:
		return "monitor"
	case StatusLeavingMonitor:
		return "leaving-monitor"
	default:
		return "unknown"
	}
}

// Logger is the minimal structured-logging surface the handler needs;
// satisfied by rlog.Logger.
type Logger interface {
	Debugf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}

// Handler owns one physical connection and the bookkeeping required
// to multiplex commands, pub/sub, and MONITOR output over it.
type Handler struct {
	tag    string
	log    Logger
	connCfg ConnectionConfig

	reconnectState *reconnect.State
	autoResubscribe bool
	autoRemonitor   bool

	msgCh chan *Message

	mu     sync.Mutex
	status Status

	conn *Connection

	messagesToSend    []messageToSend
	messagesToReceive []messageToReceive

	pendingSubscriptions   []PendingSubscription
	pendingUnsubscriptions [][]unsubEntry
	subscriptions          map[string]chan<- *resp.RespBuf

	isReplyOn bool
	pushSender chan<- *resp.RespBuf

	closeCh chan struct{}
	closed  bool
}

type unsubEntry struct {
	channelOrPattern string
	subType          SubscriptionType
}

// HandlerConfig configures a new Handler.
type HandlerConfig struct {
	Tag             string
	Logger          Logger
	Connection      ConnectionConfig
	Reconnect       reconnect.Policy
	AutoResubscribe bool
	AutoRemonitor   bool
}

// NewHandler dials the connection and starts the handler's network
// loop in a background goroutine.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	conn, err := Dial(cfg.Connection)
	if err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}

	tag := cfg.Tag
	if tag == "" {
		tag = newConnectionTag()
	}

	h := &Handler{
		tag:             tag,
		log:             log,
		connCfg:         cfg.Connection,
		reconnectState:  reconnect.NewState(cfg.Reconnect),
		autoResubscribe: cfg.AutoResubscribe,
		autoRemonitor:   cfg.AutoRemonitor,
		msgCh:           make(chan *Message, 256),
		status:          StatusConnected,
		conn:            conn,
		subscriptions:   make(map[string]chan<- *resp.RespBuf),
		isReplyOn:       true,
		closeCh:         make(chan struct{}),
	}

	go h.networkLoop()
	return h, nil
}

// newConnectionTag generates a short random identifier used to
// correlate log lines from the same physical connection across
// reconnects, falling back to a fixed placeholder in the extremely
// unlikely case the system's random source is unavailable.
func newConnectionTag() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "conn-unknown"
	}
	return id[:8]
}

// newHandlerWithConn builds a Handler around an already-established
// Connection, skipping Dial; used by tests driving the handler over
// an in-memory net.Pipe.
func newHandlerWithConn(cfg HandlerConfig, conn *Connection) *Handler {
	log := cfg.Logger
	if log == nil {
		log = nopLogger{}
	}
	h := &Handler{
		tag:             cfg.Tag,
		log:             log,
		connCfg:         cfg.Connection,
		reconnectState:  reconnect.NewState(cfg.Reconnect),
		autoResubscribe: cfg.AutoResubscribe,
		autoRemonitor:   cfg.AutoRemonitor,
		msgCh:           make(chan *Message, 256),
		status:          StatusConnected,
		conn:            conn,
		subscriptions:   make(map[string]chan<- *resp.RespBuf),
		isReplyOn:       true,
		closeCh:         make(chan struct{}),
	}
	go h.networkLoop()
	return h
}

// Dispatch submits a message for the handler to process; it is safe
// to call from any goroutine.
func (h *Handler) Dispatch(msg *Message) {
	select {
	case h.msgCh <- msg:
	case <-h.closeCh:
		msg.Commands.sendError(rerr.Client("handler closed"))
	}
}

// Close shuts the handler down: the network loop exits and the
// physical connection is closed.
func (h *Handler) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	h.mu.Unlock()
	close(h.closeCh)
}

// readResult is what the background reader goroutine posts for each
// frame (or terminal error) it observes.
type readResult struct {
	buf *resp.RespBuf
	err error
}

func (h *Handler) startReader(conn *Connection) <-chan readResult {
	ch := make(chan readResult, 1)
	go func() {
		for {
			buf, err := conn.ReadFrame()
			select {
			case ch <- readResult{buf: buf, err: err}:
			case <-h.closeCh:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

func (h *Handler) networkLoop() {
	readCh := h.startReader(h.conn)

	for {
		select {
		case <-h.closeCh:
			h.conn.Close()
			h.failAllPending(rerr.Client("handler closed"))
			return

		case msg := <-h.msgCh:
			h.handleMessage(msg)
			h.drainPendingMessages()
			if h.statusSnapshot() != StatusDisconnected {
				h.sendMessages()
			}

		case res := <-readCh:
			if !h.handleReadResult(res) {
				newConn, newReadCh, ok := h.reconnectLoop()
				if !ok {
					h.failAllPending(rerr.Client("reconnection exhausted"))
					return
				}
				h.conn = newConn
				readCh = newReadCh
			}
		}
	}
}

// drainPendingMessages opportunistically coalesces any further
// messages already queued on msgCh into the same send batch, matching
// the original's "drain without blocking" dispatch loop.
func (h *Handler) drainPendingMessages() {
	for {
		select {
		case msg := <-h.msgCh:
			h.handleMessage(msg)
		default:
			return
		}
	}
}

func (h *Handler) statusSnapshot() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *Handler) handleMessage(msg *Message) {
	if msg.PubSub != nil {
		for chOrPattern := range msg.PubSub.Targets {
			if _, exists := h.subscriptions[chOrPattern]; exists {
				msg.Commands.sendError(rerr.Client("there is already a subscription on channel `%s`", chOrPattern))
				return
			}
		}
		i, n := 0, len(msg.PubSub.Targets)
		for chOrPattern, sender := range msg.PubSub.Targets {
			h.pendingSubscriptions = append(h.pendingSubscriptions, PendingSubscription{
				ChannelOrPattern: chOrPattern,
				Type:             msg.PubSub.Type,
				Sender:           sender,
				MoreToCome:       i < n-1,
			})
			i++
		}
	}

	if msg.PushSender != nil {
		h.pushSender = msg.PushSender
	}

	if msg.Commands == nil {
		return
	}

	switch h.status {
	case StatusConnected:
		for _, cmd := range msg.Commands.All() {
			switch cmd.NameUpper() {
			case "SUBSCRIBE", "PSUBSCRIBE", "SSUBSCRIBE":
				h.status = StatusSubscribing
			case "MONITOR":
				h.status = StatusEnteringMonitor
			}
		}
		h.messagesToSend = append(h.messagesToSend, messageToSend{msg: msg, attempts: msg.Attempts})

	case StatusSubscribing, StatusEnteringMonitor, StatusLeavingMonitor:
		h.messagesToSend = append(h.messagesToSend, messageToSend{msg: msg, attempts: msg.Attempts})

	case StatusSubscribed:
		for _, cmd := range msg.Commands.All() {
			var subType SubscriptionType
			var isUnsub bool
			switch cmd.NameUpper() {
			case "UNSUBSCRIBE":
				subType, isUnsub = SubTypeChannel, true
			case "PUNSUBSCRIBE":
				subType, isUnsub = SubTypePattern, true
			case "SUNSUBSCRIBE":
				subType, isUnsub = SubTypeShardChannel, true
			}
			if isUnsub {
				entries := make([]unsubEntry, 0, cmd.NumArgs())
				for i := 0; i < cmd.NumArgs(); i++ {
					entries = append(entries, unsubEntry{channelOrPattern: string(cmd.Arg(i)), subType: subType})
				}
				h.pendingUnsubscriptions = append(h.pendingUnsubscriptions, entries)
			}
		}
		h.messagesToSend = append(h.messagesToSend, messageToSend{msg: msg, attempts: msg.Attempts})

	case StatusMonitor:
		for _, cmd := range msg.Commands.All() {
			if cmd.NameUpper() == "RESET" {
				h.status = StatusLeavingMonitor
			}
		}
		h.messagesToSend = append(h.messagesToSend, messageToSend{msg: msg, attempts: msg.Attempts})

	case StatusDisconnected:
		if msg.RetryOnError {
			h.messagesToSend = append(h.messagesToSend, messageToSend{msg: msg, attempts: msg.Attempts})
		} else {
			msg.Commands.sendError(rerr.Client("disconnected from server"))
		}
	}
}

func (h *Handler) sendMessages() {
	if len(h.messagesToSend) == 0 {
		return
	}

	var toWrite []*command.Command
	numToReceive := make([]int, 0, len(h.messagesToSend))

	for _, mts := range h.messagesToSend {
		n := 0
		for _, cmd := range mts.msg.Commands.All() {
			if cmd.NameUpper() == "CLIENT" && cmd.NumArgs() >= 2 {
				sub, mode := strings.ToUpper(string(cmd.Arg(0))), strings.ToUpper(string(cmd.Arg(1)))
				if sub == "REPLY" {
					switch mode {
					case "OFF", "SKIP":
						h.isReplyOn = false
					case "ON":
						h.isReplyOn = true
					}
				}
			}
			if h.isReplyOn {
				n++
			}
			toWrite = append(toWrite, cmd)
		}
		numToReceive = append(numToReceive, n)
	}

	pending := h.messagesToSend
	h.messagesToSend = nil

	if err := h.conn.WriteBatch(toWrite); err != nil {
		wrapped := rerr.IO(err)
		for i, mts := range pending {
			if numToReceive[i] > 0 {
				mts.msg.Commands.sendError(wrapped)
			}
		}
		return
	}

	sentAt := time.Now()
	for i, mts := range pending {
		if numToReceive[i] > 0 {
			h.messagesToReceive = append(h.messagesToReceive, messageToReceive{
				msg:         mts.msg,
				numCommands: numToReceive[i],
				attempts:    mts.attempts,
				sentAt:      sentAt,
			})
		}
	}
	rmetrics.QueueDepth(len(h.messagesToReceive))
}

// handleReadResult processes one frame (or terminal error/EOF) from
// the physical connection according to the current status. Returns
// false when the connection has dropped and reconnection should run.
func (h *Handler) handleReadResult(res readResult) bool {
	if res.err != nil {
		return false
	}

	switch h.status {
	case StatusDisconnected:
		// ignore stray frames while disconnected

	case StatusConnected:
		val, err := res.buf.Decode()
		if err == nil && val.Kind == resp.KindPush {
			if h.pushSender != nil {
				h.pushSender <- res.buf
			} else {
				h.log.Warnf("[%s] received push message with no sender configured", h.tag)
			}
		} else {
			h.receiveResult(res.buf, nil)
		}

	case StatusSubscribing:
		h.status = StatusSubscribed
		if rb := h.tryMatchPubSubMessage(res.buf); rb != nil {
			h.receiveResult(rb, nil)
		}

	case StatusSubscribed:
		if rb := h.tryMatchPubSubMessage(res.buf); rb != nil {
			h.receiveResult(rb, nil)
			if len(h.subscriptions) == 0 && len(h.pendingSubscriptions) == 0 {
				h.status = StatusConnected
			}
		}

	case StatusEnteringMonitor:
		h.receiveResult(res.buf, nil)
		h.status = StatusMonitor

	case StatusMonitor:
		if len(h.messagesToReceive) == 0 {
			res.buf.MarkMonitor()
		}
		if res.buf.IsMonitorMessage {
			if h.pushSender != nil {
				h.pushSender <- res.buf
			}
		} else {
			h.receiveResult(res.buf, nil)
		}

	case StatusLeavingMonitor:
		if res.buf.IsMonitorMessage {
			if h.pushSender != nil {
				h.pushSender <- res.buf
			}
		} else {
			h.receiveResult(res.buf, nil)
			h.status = StatusConnected
		}
	}
	return true
}

// receiveResult pairs one decoded reply with the oldest still-pending
// message, accumulating it into that message's reply slice (or
// re-queuing the whole message on a MOVED/ASK retry signal) and only
// resolving it to its caller once every reply it's waiting on has
// arrived (spec 4.2, FIFO response matching; spec 4.2/8, batch replies
// are collected in order and delivered only once the whole batch's
// replies are in).
//
// forcedErr (used when the connection itself has failed, rather than
// a command getting an ordinary RESP error reply) fails the whole
// message immediately rather than accumulating a reply for it: no
// further wire replies will ever arrive for it.
func (h *Handler) receiveResult(buf *resp.RespBuf, forcedErr error) {
	if len(h.messagesToReceive) == 0 {
		h.log.Warnf("[%s] received a reply with no pending message to match it to", h.tag)
		return
	}
	mtr := &h.messagesToReceive[0]

	if forcedErr != nil {
		h.messagesToReceive = h.messagesToReceive[1:]
		mtr.msg.Commands.deliverErr(forcedErr)
		return
	}

	_, err := buf.Decode()
	if _, isRetry := rerr.IsRetry(err); isRetry {
		h.messagesToReceive = h.messagesToReceive[1:]
		mtr.msg.Attempts++
		h.Dispatch(mtr.msg)
		return
	}

	mtr.replies = append(mtr.replies, buf)
	mtr.numCommands--
	if mtr.numCommands > 0 {
		return
	}

	h.messagesToReceive = h.messagesToReceive[1:]
	if cmds := mtr.msg.Commands.All(); len(cmds) > 0 {
		rmetrics.CommandLatency(cmds[0].NameUpper(), mtr.sentAt)
	}
	mtr.msg.Commands.deliver(mtr.replies)
}

func (c *Commands) deliver(bufs []*resp.RespBuf) {
	if c.singleResult != nil && len(bufs) > 0 {
		c.singleResult <- Result{Value: bufs[0]}
	}
	if c.batchResult != nil {
		c.batchResult <- BatchResult{Values: bufs}
	}
}

func (c *Commands) deliverErr(err error) {
	c.sendError(err)
}

func (h *Handler) failAllPending(err error) {
	for _, mts := range h.messagesToSend {
		mts.msg.Commands.sendError(err)
	}
	h.messagesToSend = nil
	for _, mtr := range h.messagesToReceive {
		mtr.msg.Commands.sendError(err)
	}
	h.messagesToReceive = nil
}

func (h *Handler) reconnectLoop() (*Connection, <-chan readResult, bool) {
	h.status = StatusDisconnected
	if h.conn != nil {
		h.conn.Close()
	}

	for {
		delay, ok := h.reconnectState.Next()
		if !ok {
			return nil, nil, false
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-h.closeCh:
				return nil, nil, false
			}
		}

		conn, err := Dial(h.connCfg)
		if err != nil {
			rmetrics.ReconnectAttempt(false)
			h.log.Warnf("[%s] reconnection attempt failed: %v", h.tag, err)
			continue
		}

		rmetrics.ReconnectAttempt(true)
		h.reconnectState.Reset()
		h.status = StatusConnected
		return conn, h.startReader(conn), true
	}
}
