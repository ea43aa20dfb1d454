package resp

import (
	"testing"

	"github.com/lukluk/rendang/rerr"
)

func decodeOne(t *testing.T, frame string) Value {
	t.Helper()
	v, err := NewDecoder([]byte(frame)).Decode()
	if err != nil {
		t.Fatalf("Decode(%q) returned error: %v", frame, err)
	}
	return v
}

func TestDecodeSimpleString(t *testing.T) {
	v := decodeOne(t, "+OK\r\n")
	if v.Kind != KindSimpleString || v.Str != "OK" {
		t.Fatalf("got %+v, want simple string OK", v)
	}
}

func TestDecodeInteger(t *testing.T) {
	v := decodeOne(t, ":1000\r\n")
	if v.Kind != KindInteger || v.Int != 1000 {
		t.Fatalf("got %+v, want integer 1000", v)
	}
}

func TestDecodeNegativeInteger(t *testing.T) {
	v := decodeOne(t, ":-7\r\n")
	if v.Kind != KindInteger || v.Int != -7 {
		t.Fatalf("got %+v, want integer -7", v)
	}
}

func TestDecodeDouble(t *testing.T) {
	v := decodeOne(t, ",3.14\r\n")
	if v.Kind != KindDouble || v.Double != 3.14 {
		t.Fatalf("got %+v, want double 3.14", v)
	}
}

func TestDecodeDoubleInfinities(t *testing.T) {
	for frame, want := range map[string]float64{
		",inf\r\n":  posInf,
		",-inf\r\n": negInf,
	} {
		v := decodeOne(t, frame)
		if v.Double != want {
			t.Fatalf("%q decoded to %v, want %v", frame, v.Double, want)
		}
	}
}

func TestDecodeBoolean(t *testing.T) {
	tv := decodeOne(t, "#t\r\n")
	if tv.Kind != KindBoolean || !tv.Bool {
		t.Fatalf("got %+v, want true", tv)
	}
	fv := decodeOne(t, "#f\r\n")
	if fv.Kind != KindBoolean || fv.Bool {
		t.Fatalf("got %+v, want false", fv)
	}
}

func TestDecodeBooleanRejectsInvalidLine(t *testing.T) {
	_, err := NewDecoder([]byte("#x\r\n")).Decode()
	if err == nil {
		t.Fatal("expected an error for an invalid boolean frame")
	}
}

func TestDecodeNull(t *testing.T) {
	v := decodeOne(t, "_\r\n")
	if v.Kind != KindNull || !v.IsNil() {
		t.Fatalf("got %+v, want null", v)
	}
}

func TestDecodeBulkString(t *testing.T) {
	v := decodeOne(t, "$5\r\nhello\r\n")
	if v.Kind != KindBulkString || string(v.Bytes) != "hello" {
		t.Fatalf("got %+v, want bulk string hello", v)
	}
}

func TestDecodeNullBulkString(t *testing.T) {
	v := decodeOne(t, "$-1\r\n")
	if v.Kind != KindBulkString || !v.IsNil() {
		t.Fatalf("got %+v, want null bulk string", v)
	}
}

func TestDecodeVerbatimString(t *testing.T) {
	v := decodeOne(t, "=15\r\ntxt:Some string\r\n")
	if v.Kind != KindVerbatim {
		t.Fatalf("got kind %v, want verbatim", v.Kind)
	}
	if v.Verbatim != "txt" {
		t.Fatalf("Verbatim = %q, want txt", v.Verbatim)
	}
	if string(v.Bytes) != "Some string" {
		t.Fatalf("Bytes = %q, want %q", v.Bytes, "Some string")
	}
}

func TestDecodeVerbatimStringTooShort(t *testing.T) {
	_, err := NewDecoder([]byte("=2\r\nab\r\n")).Decode()
	if err == nil {
		t.Fatal("expected an error for a verbatim string too short to carry a format prefix")
	}
}

func TestDecodeArray(t *testing.T) {
	v := decodeOne(t, "*3\r\n:1\r\n:2\r\n:3\r\n")
	if v.Kind != KindArray || len(v.Array) != 3 {
		t.Fatalf("got %+v, want 3-element array", v)
	}
	for i, want := range []int64{1, 2, 3} {
		if v.Array[i].Int != want {
			t.Fatalf("Array[%d] = %d, want %d", i, v.Array[i].Int, want)
		}
	}
}

func TestDecodeNullArray(t *testing.T) {
	v := decodeOne(t, "*-1\r\n")
	if v.Kind != KindArray || !v.IsNil() {
		t.Fatalf("got %+v, want null array", v)
	}
}

func TestDecodeSet(t *testing.T) {
	v := decodeOne(t, "~2\r\n+a\r\n+b\r\n")
	if v.Kind != KindSet || len(v.Array) != 2 {
		t.Fatalf("got %+v, want 2-element set", v)
	}
}

func TestDecodeMap(t *testing.T) {
	v := decodeOne(t, "%2\r\n+k1\r\n:1\r\n+k2\r\n:2\r\n")
	if v.Kind != KindMap || len(v.Map) != 2 {
		t.Fatalf("got %+v, want 2-entry map", v)
	}
	if v.Map[0].Key.Str != "k1" || v.Map[0].Val.Int != 1 {
		t.Fatalf("Map[0] = %+v, want k1->1", v.Map[0])
	}
	if v.Map[1].Key.Str != "k2" || v.Map[1].Val.Int != 2 {
		t.Fatalf("Map[1] = %+v, want k2->2", v.Map[1])
	}
}

func TestAsMapCoercesEvenArray(t *testing.T) {
	v := decodeOne(t, "*4\r\n+k1\r\n:1\r\n+k2\r\n:2\r\n")
	entries, ok := v.AsMap()
	if !ok {
		t.Fatal("expected an even-length array to coerce into map entries")
	}
	if len(entries) != 2 || entries[0].Key.Str != "k1" || entries[1].Key.Str != "k2" {
		t.Fatalf("got %+v, want k1/k2 pairs", entries)
	}
}

func TestAsMapRejectsOddArray(t *testing.T) {
	v := decodeOne(t, "*3\r\n+k1\r\n:1\r\n+k2\r\n")
	if _, ok := v.AsMap(); ok {
		t.Fatal("expected an odd-length array not to coerce into map entries")
	}
}

func TestDecodePush(t *testing.T) {
	v := decodeOne(t, ">2\r\n$7\r\nmessage\r\n$5\r\nhello\r\n")
	if v.Kind != KindPush {
		t.Fatalf("got kind %v, want push", v.Kind)
	}
	elements, ok := v.AsPushElements()
	if !ok || len(elements) != 2 {
		t.Fatalf("AsPushElements() = %v, %v, want 2 elements", elements, ok)
	}
	if elements[0].String() != "message" || elements[1].String() != "hello" {
		t.Fatalf("got %+v, want [message hello]", elements)
	}
}

func TestAsPushElementsAcceptsCoercedMapForm(t *testing.T) {
	elements := []Value{{Kind: KindBulkString, Bytes: []byte("invalidate")}}
	wrapped := AsPushMap(elements)
	got, ok := wrapped.AsPushElements()
	if !ok || len(got) != 1 || got[0].String() != "invalidate" {
		t.Fatalf("got %v, %v, want [invalidate] true", got, ok)
	}
}

func TestDecodeErrorSurfacesAsRedisError(t *testing.T) {
	_, err := NewDecoder([]byte("-ERR unknown command\r\n")).Decode()
	if err == nil {
		t.Fatal("expected an error")
	}
	re, ok := err.(*rerr.Error)
	if !ok {
		t.Fatalf("got error of type %T, want *rerr.Error", err)
	}
	if re.Kind != rerr.KindRedis {
		t.Fatalf("Kind = %v, want KindRedis", re.Kind)
	}
}

func TestDecodeBlobErrorSurfacesAsRedisError(t *testing.T) {
	_, err := NewDecoder([]byte("!21\r\nSYNTAX invalid syntax\r\n")).Decode()
	if err == nil {
		t.Fatal("expected an error")
	}
	if re, ok := err.(*rerr.Error); !ok || re.Kind != rerr.KindRedis {
		t.Fatalf("got %v, want a *rerr.Error with KindRedis", err)
	}
}

func TestDecodeMovedErrorBecomesRetry(t *testing.T) {
	_, err := NewDecoder([]byte("-MOVED 3999 127.0.0.1:6381\r\n")).Decode()
	re, isRetry := rerr.IsRetry(err)
	if !isRetry {
		t.Fatalf("got %v, want a retry-class error", err)
	}
	if len(re.Retry) != 1 || re.Retry[0].Ask {
		t.Fatalf("Retry = %+v, want one non-ASK reason", re.Retry)
	}
}

func TestDecodeAskErrorBecomesRetry(t *testing.T) {
	_, err := NewDecoder([]byte("-ASK 3999 127.0.0.1:6381\r\n")).Decode()
	re, isRetry := rerr.IsRetry(err)
	if !isRetry {
		t.Fatalf("got %v, want a retry-class error", err)
	}
	if len(re.Retry) != 1 || !re.Retry[0].Ask {
		t.Fatalf("Retry = %+v, want one ASK reason", re.Retry)
	}
}

func TestDecodeErrorIgnoredWhenErrorModeIgnore(t *testing.T) {
	d := NewDecoder([]byte("-ERR boom\r\n"))
	d.SetErrorMode(ErrorModeIgnore)
	v, err := d.Decode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Kind != KindError || v.ErrText != "ERR boom" {
		t.Fatalf("got %+v, want an error-kind value carrying the text", v)
	}
}

func TestDecodeIncompleteFrameReportsEOF(t *testing.T) {
	_, err := NewDecoder([]byte("$5\r\nhel")).Decode()
	if !IsEOF(err) {
		t.Fatalf("got %v, want an EOF signal", err)
	}
}

func TestDecodeUnknownTagIsClientError(t *testing.T) {
	_, err := NewDecoder([]byte("?\r\n")).Decode()
	if err == nil {
		t.Fatal("expected an error for an unrecognized tag byte")
	}
}

func TestDecodeIntAcceptsGenuineInteger(t *testing.T) {
	got, err := DecodeInt[int64](Value{Kind: KindInteger, Int: 42})
	if err != nil || got != 42 {
		t.Fatalf("got %v, %v, want 42, nil", got, err)
	}
}

func TestDecodeIntAcceptsNullAsZero(t *testing.T) {
	got, err := DecodeInt[int64](Value{Kind: KindNull, Null: true})
	if err != nil || got != 0 {
		t.Fatalf("got %v, %v, want 0, nil", got, err)
	}
}

func TestDecodeIntAcceptsEmptyBulkAsZero(t *testing.T) {
	got, err := DecodeInt[int64](Value{Kind: KindBulkString, Bytes: []byte{}})
	if err != nil || got != 0 {
		t.Fatalf("got %v, %v, want 0, nil", got, err)
	}
}

func TestDecodeIntAcceptsBulkStringDigits(t *testing.T) {
	got, err := DecodeInt[int64](Value{Kind: KindBulkString, Bytes: []byte("123")})
	if err != nil || got != 123 {
		t.Fatalf("got %v, %v, want 123, nil", got, err)
	}
}

func TestDecodeIntAcceptsSingleElementArray(t *testing.T) {
	got, err := DecodeInt[int64](Value{Kind: KindArray, Array: []Value{{Kind: KindInteger, Int: 9}}})
	if err != nil || got != 9 {
		t.Fatalf("got %v, %v, want 9, nil", got, err)
	}
}

func TestDecodeIntRejectsMultiElementArray(t *testing.T) {
	_, err := DecodeInt[int64](Value{Kind: KindArray, Array: []Value{{Int: 1}, {Int: 2}}})
	if err == nil {
		t.Fatal("expected an error decoding an integer from a multi-element array")
	}
}

func TestDecodeIntOverflowsTargetWidth(t *testing.T) {
	_, err := DecodeInt[int8](Value{Kind: KindInteger, Int: 1000})
	if err == nil {
		t.Fatal("expected an overflow error converting 1000 into an int8")
	}
}

func TestDecodeIntRejectsNegativeForUnsignedTarget(t *testing.T) {
	_, err := DecodeInt[uint32](Value{Kind: KindInteger, Int: -1})
	if err == nil {
		t.Fatal("expected an error converting a negative integer into an unsigned target")
	}
}

// TestRespBufDecodeIsIdempotent exercises the round-trip property spec
// section 8 calls for: decoding the same buffer repeatedly yields the
// same value every time, since RespBuf.Decode builds a fresh Decoder
// per call rather than mutating shared cursor state.
func TestRespBufDecodeIsIdempotent(t *testing.T) {
	buf := NewRespBuf([]byte("*2\r\n$3\r\nfoo\r\n:7\r\n"))
	first, err := buf.Decode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := buf.Decode()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(first.Array[0].Bytes) != string(second.Array[0].Bytes) || first.Array[1].Int != second.Array[1].Int {
		t.Fatalf("repeated Decode() calls diverged: %+v vs %+v", first, second)
	}
}

func TestScanFrameMeasuresNestedAggregate(t *testing.T) {
	frame := "*2\r\n$3\r\nfoo\r\n*2\r\n:1\r\n:2\r\n"
	n, err := ScanFrame([]byte(frame))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("ScanFrame length = %d, want %d", n, len(frame))
	}
}

func TestScanFrameIgnoresEmbeddedError(t *testing.T) {
	frame := "-ERR boom\r\n"
	n, err := ScanFrame([]byte(frame))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != len(frame) {
		t.Fatalf("ScanFrame length = %d, want %d", n, len(frame))
	}
}
