// Package msgbuf implements the length-prefixed framing buffer used on
// every bidirectional control stream (§4.2): an inbound accumulator that
// turns a byte stream into complete message payloads, and an outbound
// accumulator drained by QUIC's prepare-to-send callback shape.
package msgbuf

import "encoding/binary"

// Inbound accumulates bytes off a control stream until full
// [2-byte length][payload] frames are available.
type Inbound struct {
	lenBuf  []byte
	payload []byte
	need    int
	inLen   bool
}

// NewInbound returns a freshly reset inbound framing buffer.
func NewInbound() *Inbound {
	return &Inbound{inLen: true}
}

// Feed absorbs data (as delivered by on_stream_data, possibly a partial
// write) and returns every complete message payload it yields, in order.
// Returned slices are owned by the caller; Feed never aliases data.
func (b *Inbound) Feed(data []byte) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		frame, consumed, ok := b.FeedOne(data)
		data = data[consumed:]
		if !ok {
			break
		}
		out = append(out, frame)
	}
	return out
}

// FeedOne absorbs only as much of data as needed to complete at most one
// frame, returning the frame (if completed), how many leading bytes of
// data were consumed, and whether a complete frame was produced. Callers
// that interleave framed messages with raw unframed bytes on the same
// stream (the warp/rush data streams, §4.6) use this instead of Feed so
// the bytes following a frame are never mistaken for the start of
// another one.
func (b *Inbound) FeedOne(data []byte) (frame []byte, consumed int, ok bool) {
	i := 0
	if b.inLen {
		take := 2 - len(b.lenBuf)
		if take > len(data)-i {
			take = len(data) - i
		}
		b.lenBuf = append(b.lenBuf, data[i:i+take]...)
		i += take
		if len(b.lenBuf) < 2 {
			return nil, i, false
		}
		b.need = int(binary.BigEndian.Uint16(b.lenBuf))
		b.lenBuf = b.lenBuf[:0]
		b.payload = make([]byte, 0, b.need)
		b.inLen = false
	}
	take := b.need - len(b.payload)
	if take > len(data)-i {
		take = len(data) - i
	}
	if take > 0 {
		b.payload = append(b.payload, data[i:i+take]...)
		i += take
	}
	if len(b.payload) == b.need {
		frame = b.payload
		b.reset()
		return frame, i, true
	}
	return nil, i, false
}

func (b *Inbound) reset() {
	b.payload = nil
	b.need = 0
	b.inLen = true
}
