package rerr

import "testing"

func TestParseRedisErrorMoved(t *testing.T) {
	re := ParseRedisError("MOVED 3999 127.0.0.1:6381")
	if re.Kind != ErrMoved {
		t.Fatalf("Kind = %v, want ErrMoved", re.Kind)
	}
	if re.Slot != 3999 || re.Host != "127.0.0.1" || re.Port != 6381 {
		t.Fatalf("unexpected fields: %+v", re)
	}
}

func TestParseRedisErrorAsk(t *testing.T) {
	re := ParseRedisError("ASK 3999 127.0.0.1:6381")
	if re.Kind != ErrAsk {
		t.Fatalf("Kind = %v, want ErrAsk", re.Kind)
	}
}

func TestParseRedisErrorKnownKind(t *testing.T) {
	re := ParseRedisError("WRONGTYPE Operation against a key holding the wrong kind of value")
	if re.Kind != ErrWrongType {
		t.Fatalf("Kind = %v, want ErrWrongType", re.Kind)
	}
	if re.Description != "Operation against a key holding the wrong kind of value" {
		t.Fatalf("unexpected description: %q", re.Description)
	}
}

func TestParseRedisErrorUnknownKindFallsBackToOther(t *testing.T) {
	re := ParseRedisError("some unrecognized error text")
	if re.Kind != ErrOther {
		t.Fatalf("Kind = %v, want ErrOther", re.Kind)
	}
}

func TestParseRedisErrorMalformedMovedFallsBackToOther(t *testing.T) {
	re := ParseRedisError("MOVED not-a-slot not-an-addr")
	if re.Kind != ErrOther {
		t.Fatalf("Kind = %v, want ErrOther for malformed MOVED payload", re.Kind)
	}
}

func TestIsRetryOnlyMatchesRetryKind(t *testing.T) {
	if _, ok := IsRetry(Client("boom")); ok {
		t.Fatal("IsRetry should not match a KindClient error")
	}
	re, ok := IsRetry(Retry(RetryReason{Slot: 1, Host: "h", Port: 1}))
	if !ok || len(re.Retry) != 1 {
		t.Fatalf("IsRetry should match a KindRetry error, got ok=%v re=%+v", ok, re)
	}
}

func TestErrorUnwrapReturnsCause(t *testing.T) {
	cause := Client("inner")
	wrapped := IO(cause)
	if wrapped.Unwrap() != cause {
		t.Fatal("Unwrap should return the wrapped cause")
	}
}
