package command

import (
	"bytes"
	"testing"

	"github.com/lukluk/rendang/internal/crc16"
)

func TestBuilderSimpleCommand(t *testing.T) {
	cmd := NewBuilder("GET").Key([]byte("foo")).Build()

	want := "*2\r\n$3\r\nGET\r\n$3\r\nfoo\r\n"
	if got := string(cmd.Buffer); got != want {
		t.Fatalf("Buffer = %q, want %q", got, want)
	}
	if got := string(cmd.Name()); got != "GET" {
		t.Fatalf("Name() = %q, want GET", got)
	}
	if cmd.NumArgs() != 1 {
		t.Fatalf("NumArgs() = %d, want 1", cmd.NumArgs())
	}
	if got := string(cmd.Arg(0)); got != "foo" {
		t.Fatalf("Arg(0) = %q, want foo", got)
	}
	if !cmd.Args[0].IsKey {
		t.Fatalf("expected arg 0 to be flagged as a key")
	}
}

func TestBuilderMultipleArgsAndKeys(t *testing.T) {
	cmd := NewBuilder("MSET").
		Key([]byte("k1")).Arg("v1").
		Key([]byte("k2")).Arg("v2").
		Build()

	want := "*5\r\n$4\r\nMSET\r\n$2\r\nk1\r\n$2\r\nv1\r\n$2\r\nk2\r\n$2\r\nv2\r\n"
	if got := string(cmd.Buffer); got != want {
		t.Fatalf("Buffer = %q, want %q", got, want)
	}

	keys := cmd.Keys()
	if len(keys) != 2 || string(keys[0]) != "k1" || string(keys[1]) != "k2" {
		t.Fatalf("Keys() = %v, want [k1 k2]", keys)
	}
}

func TestBuilderKeyWithStep(t *testing.T) {
	cmd := NewBuilder("JSON.MSET").
		KeyWithStep(3, func(add func(v interface{})) {
			add([]byte("doc1"))
			add("$")
			add(`{"a":1}`)
			add([]byte("doc2"))
			add("$")
			add(`{"b":2}`)
		}).
		Build()

	keys := cmd.Keys()
	if len(keys) != 2 || string(keys[0]) != "doc1" || string(keys[1]) != "doc2" {
		t.Fatalf("Keys() = %v, want [doc1 doc2]", keys)
	}
}

func TestHashSlotHonorsHashTag(t *testing.T) {
	a := HashSlot([]byte("{user1000}.following"))
	b := HashSlot([]byte("{user1000}.followers"))
	if a != b {
		t.Fatalf("expected matching hash tags to map to the same slot, got %d and %d", a, b)
	}

	c := HashSlot([]byte("user1000"))
	if a == 0 && c == 0 {
		t.Fatalf("sanity check: both slots were zero, test is not exercising the hash")
	}
}

func TestHashSlotEmptyBracesFallsBackToWholeKey(t *testing.T) {
	withEmptyTag := HashSlot([]byte("foo{}bar"))
	whole := crc16.Checksum([]byte("foo{}bar")) % 16384
	if withEmptyTag != whole {
		t.Fatalf("empty {} should not change hashing behavior")
	}
}

func TestFingerprintDistinguishesArguments(t *testing.T) {
	a := NewBuilder("SET").Key([]byte("k")).Arg("v1").Build()
	b := NewBuilder("SET").Key([]byte("k")).Arg("v2").Build()

	if a.Fingerprint() == b.Fingerprint() {
		t.Fatalf("expected different argument values to produce different fingerprints")
	}

	c := NewBuilder("SET").Key([]byte("k")).Arg("v1").Build()
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatalf("expected identical commands to produce identical fingerprints")
	}
}

func TestBuildRebasesOffsetsIntoSlicedBuffer(t *testing.T) {
	cmd := NewBuilder("ECHO").Arg("hello world").Build()
	if !bytes.HasPrefix(cmd.Buffer, []byte("*2\r\n")) {
		t.Fatalf("Buffer should start exactly at the array header, got %q", cmd.Buffer)
	}
	if got := string(cmd.Arg(0)); got != "hello world" {
		t.Fatalf("Arg(0) after rebasing = %q, want %q", got, "hello world")
	}
}
