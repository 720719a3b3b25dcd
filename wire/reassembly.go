package wire

// Reassembler accumulates inbound bytes and yields complete Messages as
// soon as a full frame is present (spec.md §4.1 framing contract).
//
// It is not safe for concurrent use; the connection engine owns one
// instance per peer and drives it from its single receive goroutine.
type Reassembler struct {
	codec *Codec
	buf   []byte
}

// NewReassembler returns a Reassembler bound to codec's payload limit.
func NewReassembler(codec *Codec) *Reassembler {
	return &Reassembler{codec: codec}
}

// Feed appends p to the reassembly buffer.
func (r *Reassembler) Feed(p []byte) {
	r.buf = append(r.buf, p...)
}

// Next extracts the next complete Message, if any. The returned Message's
// Payload aliases a freshly-allocated slice (safe to retain). ok is false
// when fewer bytes than a full frame are buffered; err is non-nil only for
// connection-fatal framing errors (spec.md §4.1/§7), in which case the
// caller must close the connection.
func (r *Reassembler) Next() (m *Message, ok bool, err error) {
	if len(r.buf) < HeaderSize {
		return nil, false, nil
	}
	h, err := r.codec.DecodeHeader(r.buf)
	if err != nil {
		return nil, false, err
	}
	total := HeaderSize + int(h.PayloadLength)
	if len(r.buf) < total {
		return nil, false, nil
	}
	payload := make([]byte, h.PayloadLength)
	copy(payload, r.buf[HeaderSize:total])
	m = &Message{
		Type:            h.Type,
		Sequence:        h.Sequence,
		ProtocolVersion: h.ProtocolVersion,
		PayloadVersion:  h.PayloadVersion,
		ChannelID:       h.ChannelID,
		Flags:           h.Flags,
		Payload:         payload,
	}
	// Slide the consumed frame out; cheap relative to the copy above and
	// keeps the buffer from growing without bound across many small frames.
	n := copy(r.buf, r.buf[total:])
	r.buf = r.buf[:n]
	return m, true, nil
}

// Pending returns the number of buffered-but-not-yet-framed bytes.
func (r *Reassembler) Pending() int { return len(r.buf) }
