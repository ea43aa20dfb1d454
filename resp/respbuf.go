package resp

// RespBuf is an owned byte buffer containing exactly one complete
// RESP3 top-level value, with classification flags cached at
// construction time so the network handler can route it without
// re-parsing (spec 3, "RespBuf (reply frame)").
type RespBuf struct {
	data             []byte
	IsPushMessage    bool
	IsMonitorMessage bool
	IsOK             bool
}

// NewRespBuf copies frame (which must be exactly one complete RESP3
// frame, as produced by ScanFrame) into an owned buffer and classifies
// it.
func NewRespBuf(frame []byte) *RespBuf {
	owned := make([]byte, len(frame))
	copy(owned, frame)
	rb := &RespBuf{data: owned}
	if len(frame) == 0 {
		return rb
	}
	switch Kind(frame[0]) {
	case KindPush:
		rb.IsPushMessage = true
	case KindSimpleString:
		if len(frame) >= 5 && string(frame[1:len(frame)-2]) == "OK" {
			rb.IsOK = true
		}
	}
	return rb
}

// MarkMonitor flags this buffer as a MONITOR stream line; the network
// handler sets this based on connection state, not content, since
// MONITOR output is an unframed simple string indistinguishable from
// any other on the wire (spec 4.2).
func (r *RespBuf) MarkMonitor() { r.IsMonitorMessage = true }

// Bytes returns the raw RESP3 frame bytes.
func (r *RespBuf) Bytes() []byte { return r.data }

// Decode parses the buffer's single top-level value.
func (r *RespBuf) Decode() (Value, error) {
	d := NewDecoder(r.data)
	return d.Decode()
}

// ScanFrame reports the byte length of the first complete RESP3 frame
// at the start of buf, or an incomplete-frame error (see IsEOF) if buf
// does not yet contain one.
// Errors inside the frame are ignored for the purpose of measuring its
// length (ErrorModeIgnore), since the caller only wants frame
// boundaries here, not decoded values.
func ScanFrame(buf []byte) (int, error) {
	d := NewDecoder(buf)
	d.SetErrorMode(ErrorModeIgnore)
	if err := d.IgnoreAny(); err != nil {
		return 0, err
	}
	return d.Pos(), nil
}
