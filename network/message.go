package network

import (
	"time"

	"github.com/lukluk/rendang/command"
	"github.com/lukluk/rendang/resp"
	"github.com/lukluk/rendang/rerr"
)

// SubscriptionType distinguishes the three subscription families, each
// with its own (un)subscribe command family and confirmation push
// shape (spec glossary).
type SubscriptionType int

const (
	SubTypeChannel SubscriptionType = iota
	SubTypePattern
	SubTypeShardChannel
)

// Commands is either a single dispatched command (with its own result
// channel) or a pipelined batch sharing one result channel, mirroring
// the two ways a caller can submit work to the handler (spec 4.2).
type Commands struct {
	Single *command.Command
	Batch  []*command.Command

	singleResult chan Result
	batchResult  chan BatchResult
}

// Len returns the number of wire commands represented.
func (c *Commands) Len() int {
	if c.Single != nil {
		return 1
	}
	return len(c.Batch)
}

// All returns every wire command in dispatch order.
func (c *Commands) All() []*command.Command {
	if c.Single != nil {
		return []*command.Command{c.Single}
	}
	return c.Batch
}

// Result is one command's outcome.
type Result struct {
	Value *resp.RespBuf
	Err   error
}

// BatchResult is a pipelined batch's outcome: one reply buffer per
// command, in dispatch order, or a single Err if the whole batch failed
// before any reply was read (e.g. a write error).
type BatchResult struct {
	Values []*resp.RespBuf
	Err    error
}

func (c *Commands) sendError(err error) {
	if c.singleResult != nil {
		c.singleResult <- Result{Err: err}
	}
	if c.batchResult != nil {
		c.batchResult <- BatchResult{Err: err}
	}
}

// NewSingle builds a Commands wrapping one command, returning the
// channel its Result will arrive on.
func NewSingle(cmd *command.Command) (*Commands, <-chan Result) {
	ch := make(chan Result, 1)
	return &Commands{Single: cmd, singleResult: ch}, ch
}

// NewBatch builds a Commands wrapping a pipelined batch, returning the
// channel its BatchResult will arrive on.
func NewBatch(cmds []*command.Command) (*Commands, <-chan BatchResult) {
	ch := make(chan BatchResult, 1)
	return &Commands{Batch: cmds, batchResult: ch}, ch
}

// PubSubRequest is attached to a Message when the wrapped Commands
// subscribes to one or more channels/patterns, pairing each
// channel-or-pattern with the channel its pushed messages should
// stream to.
type PubSubRequest struct {
	Type    SubscriptionType
	Targets map[string]chan<- *resp.RespBuf
}

// Message is one unit of work submitted to a NetworkHandler: a
// command or batch, optionally carrying pub/sub registration or a
// push-message sink registration, plus retry bookkeeping (spec 4.2).
type Message struct {
	Commands      *Commands
	PubSub        *PubSubRequest
	PushSender    chan<- *resp.RespBuf
	RetryOnError  bool
	RetryReasons  []rerr.RetryReason
	Attempts      int
}

type messageToSend struct {
	msg      *Message
	attempts int
}

type messageToReceive struct {
	msg         *Message
	numCommands int
	attempts    int
	sentAt      time.Time
	replies     []*resp.RespBuf
}

// PendingSubscription is a not-yet-confirmed subscription request
// awaiting its confirmation push message (spec 4.2 "pending
// subscriptions").
type PendingSubscription struct {
	ChannelOrPattern string
	Type             SubscriptionType
	Sender           chan<- *resp.RespBuf
	MoreToCome       bool
}
