package wire

// WarpHeader is the head of a unidirectional warp/rush data stream: "this
// stream carries group g of media m" (§4.1).
type WarpHeader struct {
	MediaID uint64
	GroupID uint64
}

// Append renders the header without a length prefix; senders wrap the
// result with FrameLengthPrefixed before writing it to the unidirectional
// stream (§4.6).
func (h WarpHeader) Append(b []byte) []byte {
	b = appendVarint(b, h.MediaID)
	b = appendVarint(b, h.GroupID)
	return b
}

// DecodeWarpHeader parses a WarpHeader from the front of b, returning the
// number of bytes consumed.
func DecodeWarpHeader(b []byte) (WarpHeader, int, error) {
	var h WarpHeader
	mediaID, n1, err := readVarint(b)
	if err != nil {
		return h, 0, err
	}
	groupID, n2, err := readVarint(b[n1:])
	if err != nil {
		return h, 0, err
	}
	h.MediaID, h.GroupID = mediaID, groupID
	return h, n1 + n2, nil
}

// ObjectHeader is the head of one object within a warp/rush stream.
// Flags == FlagSkippedObject with ObjectLength == 0 signals a skipped
// object (§4.7).
type ObjectHeader struct {
	ObjectID             uint64
	NbObjectsPreviousGrp uint64
	Flags                uint8
	ObjectLength         uint64
}

func (h ObjectHeader) Append(b []byte) []byte {
	b = appendVarint(b, h.ObjectID)
	b = appendVarint(b, h.NbObjectsPreviousGrp)
	b = append(b, h.Flags)
	b = appendVarint(b, h.ObjectLength)
	return b
}

// DecodeObjectHeader parses an ObjectHeader from the front of b, returning
// the number of bytes consumed.
func DecodeObjectHeader(b []byte) (ObjectHeader, int, error) {
	var h ObjectHeader
	objectID, n1, err := readVarint(b)
	if err != nil {
		return h, 0, err
	}
	b2 := b[n1:]
	nbPrev, n2, err := readVarint(b2)
	if err != nil {
		return h, 0, err
	}
	b3 := b2[n2:]
	flags, n3, err := readByte(b3)
	if err != nil {
		return h, 0, err
	}
	b4 := b3[n3:]
	objLen, n4, err := readVarint(b4)
	if err != nil {
		return h, 0, err
	}
	h.ObjectID, h.NbObjectsPreviousGrp, h.Flags, h.ObjectLength = objectID, nbPrev, flags, objLen
	return h, n1 + n2 + n3 + n4, nil
}

// IsSkipped reports whether this object header signals a congestion skip.
func (h ObjectHeader) IsSkipped() bool {
	return h.Flags == FlagSkippedObject && h.ObjectLength == 0
}
