package wire

// DatagramHeader is the header carried by every unreliable datagram (§4.1).
// QueueDelay is milliseconds accumulated at each relay hop. The payload is
// not length-prefixed: it is whatever bytes remain in the QUIC datagram
// after the header, since QUIC datagrams already preserve message
// boundaries.
type DatagramHeader struct {
	MediaID              uint64
	GroupID              uint64
	ObjectID             uint64
	Offset               uint64
	QueueDelay           uint64
	Flags                uint8
	NbObjectsPreviousGrp uint64
	ObjectLength         uint64
}

// EncodeDatagram renders header followed by payload into one datagram.
func EncodeDatagram(h DatagramHeader, payload []byte) []byte {
	b := make([]byte, 0, 48+len(payload))
	b = appendVarint(b, h.MediaID)
	b = appendVarint(b, h.GroupID)
	b = appendVarint(b, h.ObjectID)
	b = appendVarint(b, h.Offset)
	b = appendVarint(b, h.QueueDelay)
	b = append(b, h.Flags)
	b = appendVarint(b, h.NbObjectsPreviousGrp)
	b = appendVarint(b, h.ObjectLength)
	b = append(b, payload...)
	return b
}

// DecodeDatagram parses the header and returns it along with the remaining
// payload bytes (a slice into b, not copied).
func DecodeDatagram(b []byte) (DatagramHeader, []byte, error) {
	var h DatagramHeader
	var n int
	var err error
	if h.MediaID, n, err = readVarint(b); err != nil {
		return h, nil, err
	}
	b = b[n:]
	if h.GroupID, n, err = readVarint(b); err != nil {
		return h, nil, err
	}
	b = b[n:]
	if h.ObjectID, n, err = readVarint(b); err != nil {
		return h, nil, err
	}
	b = b[n:]
	if h.Offset, n, err = readVarint(b); err != nil {
		return h, nil, err
	}
	b = b[n:]
	if h.QueueDelay, n, err = readVarint(b); err != nil {
		return h, nil, err
	}
	b = b[n:]
	flags, n, err := readByte(b)
	if err != nil {
		return h, nil, err
	}
	h.Flags, b = flags, b[n:]
	if h.NbObjectsPreviousGrp, n, err = readVarint(b); err != nil {
		return h, nil, err
	}
	b = b[n:]
	if h.ObjectLength, n, err = readVarint(b); err != nil {
		return h, nil, err
	}
	b = b[n:]
	if h.Flags == FlagSkippedObject {
		return h, nil, nil
	}
	if len(b) == 0 {
		return h, nil, nil
	}
	return h, b, nil
}

// IsSkipped reports whether the header signals a congestion-skipped object.
func (h DatagramHeader) IsSkipped() bool {
	return h.Flags == FlagSkippedObject && h.ObjectLength == 0
}
