// Package rerr defines the error taxonomy shared by every rendang
// subsystem: client-side misuse, config problems, transport failures,
// and the server-returned Redis error kinds, including the ASK/MOVED
// redirection payloads the cluster router acts on.
package rerr

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind discriminates the broad category of an Error, mirroring the
// taxonomy a caller needs to branch on (spec section 7).
type Kind int

const (
	KindClient Kind = iota
	KindConfig
	KindAborted
	KindSentinel
	KindRedis
	KindIO
	KindTLS
	KindTimeout
	KindRetry
)

// Error is the single error type returned across package boundaries.
type Error struct {
	Kind   Kind
	Msg    string
	Redis  *RedisError
	Retry  []RetryReason
	Cause  error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindClient:
		return "client error: " + e.Msg
	case KindConfig:
		return "config error: " + e.Msg
	case KindAborted:
		return "transaction aborted"
	case KindSentinel:
		return "sentinel error: " + e.Msg
	case KindRedis:
		if e.Redis != nil {
			return "redis error: " + e.Redis.Error()
		}
		return "redis error: " + e.Msg
	case KindIO:
		return "io error: " + e.Msg
	case KindTLS:
		return "tls error: " + e.Msg
	case KindTimeout:
		return "command timed out"
	case KindRetry:
		var b strings.Builder
		b.WriteString("retry: ")
		for i, r := range e.Retry {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(r.String())
		}
		return b.String()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Client builds a client-side misuse/invariant-violation error.
func Client(format string, args ...interface{}) *Error {
	return &Error{Kind: KindClient, Msg: fmt.Sprintf(format, args...)}
}

// Config builds a configuration parsing error.
func Config(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConfig, Msg: fmt.Sprintf(format, args...)}
}

// Aborted is returned when an EXEC fails because a WATCHed key changed.
func Aborted() *Error { return &Error{Kind: KindAborted} }

// Sentinel builds a Sentinel-discovery error.
func Sentinel(format string, args ...interface{}) *Error {
	return &Error{Kind: KindSentinel, Msg: fmt.Sprintf(format, args...)}
}

// IO wraps a transport-level error.
func IO(cause error) *Error {
	return &Error{Kind: KindIO, Msg: cause.Error(), Cause: cause}
}

// TLS wraps a TLS negotiation/certificate error.
func TLS(cause error) *Error {
	return &Error{Kind: KindTLS, Msg: cause.Error(), Cause: cause}
}

// Timeout is returned when a command timeout fires locally.
func Timeout() *Error { return &Error{Kind: KindTimeout} }

// Retry is the internal signal carrying MOVED/ASK (or other
// retry-worthy) reasons; it never surfaces to library callers.
func Retry(reasons ...RetryReason) *Error {
	return &Error{Kind: KindRetry, Retry: reasons}
}

// Redis wraps a server-returned error.
func Redis(re *RedisError) *Error {
	return &Error{Kind: KindRedis, Redis: re}
}

// IsRetry reports whether err itself is a KindRetry *Error; an error
// that merely wraps one is not unwrapped.
func IsRetry(err error) (*Error, bool) {
	e, ok := err.(*Error)
	if !ok || e.Kind != KindRetry {
		return nil, false
	}
	return e, true
}

// RetryReason carries the ASK/MOVED payload that caused a retry.
type RetryReason struct {
	Ask     bool // false => Moved
	Slot    uint16
	Host    string
	Port    uint16
}

func (r RetryReason) String() string {
	kind := "MOVED"
	if r.Ask {
		kind = "ASK"
	}
	return fmt.Sprintf("%s %d %s:%d", kind, r.Slot, r.Host, r.Port)
}

// RedisErrorKind enumerates the server error kinds from spec section 7.
type RedisErrorKind int

const (
	ErrAsk RedisErrorKind = iota
	ErrMoved
	ErrBusyGroup
	ErrClusterDown
	ErrCrossSlot
	ErrErr
	ErrInProg
	ErrIOErr
	ErrMasterDown
	ErrMisConf
	ErrNoAuth
	ErrNoGoodSlave
	ErrNoMasterLink
	ErrNoPerm
	ErrNoProto
	ErrNoQuorum
	ErrNotBusy
	ErrOOM
	ErrReadonly
	ErrTryAgain
	ErrUnKillable
	ErrUnblocked
	ErrWrongPass
	ErrWrongType
	ErrOther
)

var kindNames = map[string]RedisErrorKind{
	"BUSYGROUP":    ErrBusyGroup,
	"CLUSTERDOWN":  ErrClusterDown,
	"CROSSSLOT":    ErrCrossSlot,
	"ERR":          ErrErr,
	"INPROG":       ErrInProg,
	"IOERR":        ErrIOErr,
	"MASTERDOWN":   ErrMasterDown,
	"MISCONF":      ErrMisConf,
	"NOAUTH":       ErrNoAuth,
	"NOGOODSLAVE":  ErrNoGoodSlave,
	"NOMASTERLINK": ErrNoMasterLink,
	"NOPERM":       ErrNoPerm,
	"NOPROTO":      ErrNoProto,
	"NOQUORUM":     ErrNoQuorum,
	"NOTBUSY":      ErrNotBusy,
	"OOM":          ErrOOM,
	"READONLY":     ErrReadonly,
	"TRYAGAIN":     ErrTryAgain,
	"UNKILLABLE":   ErrUnKillable,
	"UNBLOCKED":    ErrUnblocked,
	"WRONGPASS":    ErrWrongPass,
	"WRONGTYPE":    ErrWrongType,
}

var kindStrings = func() map[RedisErrorKind]string {
	m := make(map[RedisErrorKind]string, len(kindNames))
	for s, k := range kindNames {
		m[k] = s
	}
	return m
}()

// RedisError is a server-returned error with its parsed kind.
type RedisError struct {
	Kind        RedisErrorKind
	Description string
	Slot        uint16
	Host        string
	Port        uint16
}

func (e *RedisError) Error() string {
	switch e.Kind {
	case ErrAsk:
		return fmt.Sprintf("ASK %d %s:%d", e.Slot, e.Host, e.Port)
	case ErrMoved:
		return fmt.Sprintf("MOVED %d %s:%d", e.Slot, e.Host, e.Port)
	case ErrOther:
		return e.Description
	default:
		return fmt.Sprintf("%s %s", kindStrings[e.Kind], e.Description)
	}
}

// ParseRedisError parses the text of a RESP simple/blob error (without
// the leading '-'/'!' tag byte) into a RedisError.
func ParseRedisError(s string) *RedisError {
	word, rest, found := strings.Cut(s, " ")
	if !found {
		return &RedisError{Kind: ErrOther, Description: s}
	}

	switch word {
	case "ASK", "MOVED":
		slot, host, port, ok := parseSlotAndAddress(rest)
		if !ok {
			return &RedisError{Kind: ErrOther, Description: s}
		}
		k := ErrMoved
		if word == "ASK" {
			k = ErrAsk
		}
		return &RedisError{Kind: k, Slot: slot, Host: host, Port: port}
	}

	if k, ok := kindNames[word]; ok {
		return &RedisError{Kind: k, Description: rest}
	}
	return &RedisError{Kind: ErrOther, Description: s}
}

func parseSlotAndAddress(rest string) (slot uint16, host string, port uint16, ok bool) {
	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return 0, "", 0, false
	}
	slot64, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return 0, "", 0, false
	}
	h, p, found := strings.Cut(fields[1], ":")
	if !found {
		return 0, "", 0, false
	}
	port64, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return 0, "", 0, false
	}
	return uint16(slot64), h, uint16(port64), true
}
