package msgbuf

// Outbound queues already-framed messages (produced by wire.EncodeFrame,
// so each already carries its own 2-byte length prefix) and drains them in
// space-sized chunks for QUIC's prepare-to-send callback.
type Outbound struct {
	pending [][]byte
	cur     []byte
}

// NewOutbound returns an empty outbound framing buffer.
func NewOutbound() *Outbound { return &Outbound{} }

// Enqueue stages a complete frame to be drained.
func (o *Outbound) Enqueue(frame []byte) {
	o.pending = append(o.pending, frame)
}

// Pending reports whether any bytes remain to drain.
func (o *Outbound) Pending() bool {
	return len(o.cur) > 0 || len(o.pending) > 0
}

// Drain returns up to space bytes of the next queued frame(s), and whether
// more bytes remain after this call (the more_to_send hint, §4.2).
func (o *Outbound) Drain(space int) (chunk []byte, moreToSend bool) {
	if len(o.cur) == 0 {
		if len(o.pending) == 0 {
			return nil, false
		}
		o.cur, o.pending = o.pending[0], o.pending[1:]
	}
	take := len(o.cur)
	if take > space {
		take = space
	}
	chunk = o.cur[:take]
	o.cur = o.cur[take:]
	return chunk, o.Pending()
}
