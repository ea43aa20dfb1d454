package command

import (
	"strconv"
)

// headroomSize is the number of bytes reserved at the front of a
// Builder's buffer for the `*<N>\r\n` array header, which cannot be
// written until every argument has been appended and the final
// element count is known. 32 bytes comfortably covers the header for
// any array up to 10^28 elements, so the header is always written
// in-place with no second allocation pass.
const headroomSize = 32

// Builder incrementally assembles a Command's RESP array frame. The
// command name is written first (as argument 0 of the frame, but not
// part of Args), then callers append further arguments via Arg/Key/
// KeyWithStep, then Build finalizes the frame by back-filling the
// array header into the reserved headroom.
type Builder struct {
	buf      []byte // grows from buf[headroomSize:]
	nArgs    int    // total RESP array elements, including the name
	args     []ArgLayout
	nameOff  int
	nameLen  int

	requestPolicy  RequestPolicy
	responsePolicy ResponsePolicy
	special        SpecialKind
	keyStep        int
	kind           Kind
}

// NewBuilder starts a command frame for the given command name, e.g.
// "SET" or "CLUSTER".
func NewBuilder(name string) *Builder {
	b := &Builder{buf: make([]byte, headroomSize, headroomSize+64)}
	b.writeBulk([]byte(name))
	b.nameOff = b.args[len(b.args)-1].Offset
	b.nameLen = b.args[len(b.args)-1].Length
	b.args = b.args[:0] // the name is not itself an ArgLayout entry
	b.nArgs = 1
	return b
}

func (b *Builder) writeBulk(p []byte) {
	b.buf = append(b.buf, '$')
	b.buf = strconv.AppendInt(b.buf, int64(len(p)), 10)
	b.buf = append(b.buf, '\r', '\n')
	off := len(b.buf)
	b.buf = append(b.buf, p...)
	b.buf = append(b.buf, '\r', '\n')
	b.args = append(b.args, ArgLayout{Offset: off, Length: len(p)})
}

// Arg appends a plain (non-key) argument.
func (b *Builder) Arg(v interface{}) *Builder {
	b.writeBulk(ArgToBytes(v))
	b.nArgs++
	return b
}

// ArgBytes appends a plain (non-key) argument already in byte form.
func (b *Builder) ArgBytes(p []byte) *Builder {
	b.writeBulk(p)
	b.nArgs++
	return b
}

// Key appends an argument and flags it as a key, computing its hash
// slot immediately (spec 3, "ArgLayout... pre-computed CRC16
// hash-slot").
func (b *Builder) Key(key []byte) *Builder {
	b.writeBulk(key)
	b.nArgs++
	last := len(b.args) - 1
	b.args[last].IsKey = true
	b.args[last].Slot = HashSlot(key)
	return b
}

// KeyWithCount appends a count-prefixed collection of keys, e.g. the
// `numkeys key [key ...]` shape used by commands like SINTERCARD,
// marking every element after the count as a key (grounded on
// CommandBuilder::key_with_count in the original client's command
// module).
func (b *Builder) KeyWithCount(keys [][]byte) *Builder {
	b.Arg(len(keys))
	for _, k := range keys {
		b.Key(k)
	}
	return b
}

// KeyWithStep marks every step'th argument appended by fn as a key,
// starting from the current argument position. Used by commands like
// JSON.MSET and MSET where keys and non-key values interleave.
func (b *Builder) KeyWithStep(step int, fn func(add func(v interface{}))) *Builder {
	start := len(b.args)
	i := 0
	add := func(v interface{}) {
		b.Arg(v)
		i++
	}
	fn(add)
	b.keyStep = step
	for idx := start; idx < len(b.args); idx += step {
		key := b.args[idx].bytes(b.buf)
		b.args[idx].IsKey = true
		b.args[idx].Slot = HashSlot(key)
	}
	return b
}

// ClusterInfo attaches cluster routing metadata derived from the
// command's COMMAND DOCS tips (spec 4.4).
func (b *Builder) ClusterInfo(req RequestPolicy, resp ResponsePolicy, special SpecialKind) *Builder {
	b.requestPolicy = req
	b.responsePolicy = resp
	b.special = special
	return b
}

// WithKind attaches the handler-relevant classification for this
// command (Unsubscribe/ClientReply/Reset variants); most commands
// leave this as the zero value (Kind.Other implicitly true by
// omission of any other field).
func (b *Builder) WithKind(k Kind) *Builder {
	b.kind = k
	return b
}

// Build finalizes the frame: writes the `*<total>\r\n` array header
// into the tail of the reserved headroom, slices the buffer to start
// exactly there, and rebases every offset (name and args) to be
// relative to the sliced buffer. This mirrors the original client's
// HEADROOM_SIZE trick, avoiding a second copy pass over already-
// written argument bytes.
func (b *Builder) Build() *Command {
	header := make([]byte, 0, headroomSize)
	header = append(header, '*')
	header = strconv.AppendInt(header, int64(b.nArgs), 10)
	header = append(header, '\r', '\n')

	start := headroomSize - len(header)
	copy(b.buf[start:headroomSize], header)
	frame := b.buf[start:]

	rebase := func(off int) int { return off - start }

	args := make([]ArgLayout, len(b.args))
	for i, a := range b.args {
		args[i] = a
		args[i].Offset = rebase(a.Offset)
	}

	return &Command{
		Buffer:         frame,
		NameOffset:     rebase(b.nameOff),
		NameLength:     b.nameLen,
		Args:           args,
		RequestPolicy:  b.requestPolicy,
		ResponsePolicy: b.responsePolicy,
		Special:        b.special,
		KeyStep:        b.keyStep,
		Kind:           b.kind,
	}
}
