package resp

import (
	"bytes"
	"reflect"
	"strconv"

	"github.com/lukluk/rendang/rerr"
)

// ErrorMode controls what a Decoder does when it meets a top-level
// error frame (spec 4.1: "eat errors... unless the caller has disabled
// error-eating, required when recursively skipping a value").
type ErrorMode int

const (
	// ErrorModeReturn surfaces a Redis error frame as a Go error.
	ErrorModeReturn ErrorMode = iota
	// ErrorModeIgnore decodes an error frame into a Value instead of
	// returning it as an error; used by IgnoreAny and similar
	// recursive-skip callers.
	ErrorModeIgnore
)

// errEOF is returned when the buffer does not yet contain a complete
// frame. It is a sentinel, not a *rerr.Error, because it is purely an
// internal signal to the reader loop, never surfaced to a caller.
var errEOF = errIncomplete{}

type errIncomplete struct{}

func (errIncomplete) Error() string { return "incomplete RESP frame" }

// IsEOF reports whether err signals an incomplete frame.
func IsEOF(err error) bool {
	_, ok := err.(errIncomplete)
	return ok
}

// Decoder parses RESP3 frames from a byte slice without copying bulk
// string payloads.
type Decoder struct {
	buf  []byte
	pos  int
	mode ErrorMode
}

// NewDecoder creates a decoder over buf starting at offset 0.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf, mode: ErrorModeReturn}
}

// SetErrorMode overrides the decoder's error-eating behavior.
func (d *Decoder) SetErrorMode(m ErrorMode) { d.mode = m }

// Pos returns the current cursor offset into the source buffer.
func (d *Decoder) Pos() int { return d.pos }

// Remaining returns the unconsumed tail of the source buffer.
func (d *Decoder) Remaining() []byte { return d.buf[d.pos:] }

func (d *Decoder) line() (string, error) {
	idx := bytes.Index(d.buf[d.pos:], []byte("\r\n"))
	if idx < 0 {
		return "", errEOF
	}
	s := d.buf[d.pos : d.pos+idx]
	d.pos += idx + 2
	return string(s), nil
}

func (d *Decoder) need(n int) error {
	if d.pos+n > len(d.buf) {
		return errEOF
	}
	return nil
}

// Decode reads exactly one top-level RESP3 value from the buffer.
func (d *Decoder) Decode() (Value, error) {
	return d.decodeValue(d.mode)
}

// IgnoreAny skips exactly one value, recursing through nested
// aggregates, without returning server errors (spec 4.1).
func (d *Decoder) IgnoreAny() error {
	_, err := d.decodeValue(ErrorModeIgnore)
	return err
}

func (d *Decoder) decodeValue(mode ErrorMode) (Value, error) {
	if err := d.need(1); err != nil {
		return Value{}, err
	}
	tag := Kind(d.buf[d.pos])
	d.pos++

	switch tag {
	case KindSimpleString:
		line, err := d.line()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindSimpleString, Str: line}, nil

	case KindError, KindBlobError:
		var text string
		if tag == KindBlobError {
			v, err := d.decodeBulkLike(tag)
			if err != nil {
				return Value{}, err
			}
			text = string(v.Bytes)
		} else {
			line, err := d.line()
			if err != nil {
				return Value{}, err
			}
			text = line
		}
		if mode == ErrorModeReturn {
			re := rerr.ParseRedisError(text)
			if re.Kind == rerr.ErrMoved || re.Kind == rerr.ErrAsk {
				return Value{}, rerr.Retry(rerr.RetryReason{Ask: re.Kind == rerr.ErrAsk, Slot: re.Slot, Host: re.Host, Port: re.Port})
			}
			return Value{}, rerr.Redis(re)
		}
		return Value{Kind: tag, ErrText: text}, nil

	case KindInteger:
		line, err := d.line()
		if err != nil {
			return Value{}, err
		}
		n, perr := parseInt(line)
		if perr != nil {
			return Value{}, rerr.Client("invalid integer frame %q: %v", line, perr)
		}
		return Value{Kind: KindInteger, Int: n}, nil

	case KindDouble:
		line, err := d.line()
		if err != nil {
			return Value{}, err
		}
		f, perr := parseDouble(line)
		if perr != nil {
			return Value{}, rerr.Client("invalid double frame %q: %v", line, perr)
		}
		return Value{Kind: KindDouble, Double: f}, nil

	case KindBoolean:
		line, err := d.line()
		if err != nil {
			return Value{}, err
		}
		if line != "t" && line != "f" {
			return Value{}, rerr.Client("invalid boolean frame %q", line)
		}
		return Value{Kind: KindBoolean, Bool: line == "t"}, nil

	case KindNull:
		if _, err := d.line(); err != nil {
			return Value{}, err
		}
		return Value{Kind: KindNull, Null: true}, nil

	case KindBulkString, KindVerbatim:
		return d.decodeBulkLike(tag)

	case KindArray, KindSet, KindPush:
		return d.decodeAggregate(tag, mode)

	case KindMap:
		return d.decodeMap(mode)

	default:
		return Value{}, rerr.Client("unknown RESP tag byte %q", byte(tag))
	}
}

func (d *Decoder) decodeBulkLike(tag Kind) (Value, error) {
	line, err := d.line()
	if err != nil {
		return Value{}, err
	}
	n, perr := parseInt(line)
	if perr != nil {
		return Value{}, rerr.Client("invalid bulk length %q: %v", line, perr)
	}
	if n == -1 {
		return Value{Kind: tag, Null: true}, nil
	}
	if n < 0 {
		return Value{}, rerr.Client("negative bulk length %d", n)
	}
	if err := d.need(int(n) + 2); err != nil {
		return Value{}, err
	}
	payload := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n) + 2

	if tag == KindVerbatim {
		if len(payload) < 4 {
			return Value{}, rerr.Client("verbatim string too short")
		}
		return Value{Kind: tag, Verbatim: string(payload[:3]), Bytes: payload[4:]}, nil
	}
	return Value{Kind: tag, Bytes: payload}, nil
}

func (d *Decoder) decodeAggregate(tag Kind, mode ErrorMode) (Value, error) {
	line, err := d.line()
	if err != nil {
		return Value{}, err
	}
	n, perr := parseInt(line)
	if perr != nil {
		return Value{}, rerr.Client("invalid array length %q: %v", line, perr)
	}
	if n == -1 {
		return Value{Kind: tag, Null: true}, nil
	}
	if n < 0 {
		return Value{}, rerr.Client("negative array length %d", n)
	}

	elements := make([]Value, 0, n)
	for i := int64(0); i < n; i++ {
		el, err := d.decodeValue(mode)
		if err != nil {
			return Value{}, err
		}
		elements = append(elements, el)
	}
	return Value{Kind: tag, Array: elements}, nil
}

func (d *Decoder) decodeMap(mode ErrorMode) (Value, error) {
	line, err := d.line()
	if err != nil {
		return Value{}, err
	}
	n, perr := parseInt(line)
	if perr != nil {
		return Value{}, rerr.Client("invalid map length %q: %v", line, perr)
	}
	if n < 0 {
		return Value{}, rerr.Client("negative map length %d", n)
	}

	entries := make([]MapEntry, 0, n)
	for i := int64(0); i < n; i++ {
		k, err := d.decodeValue(mode)
		if err != nil {
			return Value{}, err
		}
		v, err := d.decodeValue(mode)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, MapEntry{Key: k, Val: v})
	}
	return Value{Kind: KindMap, Map: entries}, nil
}

func parseInt(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func parseDouble(s string) (float64, error) {
	switch s {
	case "inf":
		return posInf, nil
	case "-inf":
		return negInf, nil
	case "nan":
		return nanVal, nil
	}
	return strconv.ParseFloat(s, 64)
}

var (
	posInf = mustInf(1)
	negInf = mustInf(-1)
	nanVal = mustNaN()
)

func mustInf(sign int) float64 {
	f, _ := strconv.ParseFloat(signedInf(sign), 64)
	return f
}

func signedInf(sign int) string {
	if sign < 0 {
		return "-Inf"
	}
	return "Inf"
}

func mustNaN() float64 {
	f, _ := strconv.ParseFloat("NaN", 64)
	return f
}

// DecodeInt extracts an integer from a value that may be a genuine
// RESP integer, or one of the degenerate shapes Redis sometimes
// returns in its place: a null, an empty bulk string, or a
// single-element `[int]` array (spec 4.1).
func DecodeInt[T ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64](v Value) (T, error) {
	switch v.Kind {
	case KindInteger:
		return checkedConvert[T](v.Int)
	case KindNull:
		return 0, nil
	case KindBulkString:
		if len(v.Bytes) == 0 {
			return 0, nil
		}
		n, err := parseInt(string(v.Bytes))
		if err != nil {
			return 0, rerr.Client("cannot parse integer from bulk string: %v", err)
		}
		return checkedConvert[T](n)
	case KindArray:
		if len(v.Array) == 1 {
			return DecodeInt[T](v.Array[0])
		}
	}
	return 0, rerr.Client("cannot decode integer from RESP kind %q", byte(v.Kind))
}

func checkedConvert[T ~int | ~int8 | ~int16 | ~int32 | ~int64 | ~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64](n int64) (T, error) {
	var zero T
	kind := reflect.TypeOf(zero).Kind()
	bits := reflect.TypeOf(zero).Bits()

	if kind >= reflect.Uint && kind <= reflect.Uint64 {
		if n < 0 {
			return 0, rerr.Client("integer %d overflows unsigned target width", n)
		}
		if bits < 64 && uint64(n) > (uint64(1)<<uint(bits))-1 {
			return 0, rerr.Client("integer %d overflows target width", n)
		}
		return T(n), nil
	}

	if bits < 64 {
		limit := int64(1) << uint(bits-1)
		if n < -limit || n >= limit {
			return 0, rerr.Client("integer %d overflows target width", n)
		}
	}
	return T(n), nil
}
