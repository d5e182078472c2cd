package wire

import (
	"encoding/binary"

	"github.com/warpmq/warpq/internal/werr"
)

// Message is implemented by every control-channel message type (§4.1).
type Message interface {
	Type() MessageType
	appendPayload(b []byte) []byte
}

// Request is "give me URL over this mode; intent is {current_group |
// next_group | start_point(g,o)}". When Intent is IntentCurrentGroup and
// StartGroupID is nonzero, the explicit start coordinate overrides the
// "follow the producer's current group" default — see DESIGN.md's decision
// on the spec's open question about override precedence.
type Request struct {
	URL           string
	Mode          TransportMode
	Intent        SubscribeIntent
	StartGroupID  uint64
	StartObjectID uint64
	MediaID       uint64
}

func (m *Request) Type() MessageType { return TypeRequest }

func (m *Request) appendPayload(b []byte) []byte {
	b = appendString(b, m.URL)
	b = append(b, byte(m.Mode))
	b = append(b, byte(m.Intent))
	b = appendVarint(b, m.StartGroupID)
	b = appendVarint(b, m.StartObjectID)
	b = appendVarint(b, m.MediaID)
	return b
}

func decodeRequest(b []byte) (*Request, error) {
	m := &Request{}
	url, n, err := readString(b)
	if err != nil {
		return nil, err
	}
	m.URL, b = url, b[n:]
	mode, n, err := readByte(b)
	if err != nil {
		return nil, err
	}
	m.Mode, b = TransportMode(mode), b[n:]
	intent, n, err := readByte(b)
	if err != nil {
		return nil, err
	}
	m.Intent, b = SubscribeIntent(intent), b[n:]
	if m.StartGroupID, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	if m.StartObjectID, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	if m.MediaID, _, err = readVarint(b); err != nil {
		return nil, err
	}
	return m, nil
}

// Post is "I will push URL starting at (g,o) with this cache policy".
type Post struct {
	URL         string
	Mode        TransportMode
	CachePolicy bool
	GroupID     uint64
	ObjectID    uint64
}

func (m *Post) Type() MessageType { return TypePost }

func (m *Post) appendPayload(b []byte) []byte {
	b = appendString(b, m.URL)
	b = append(b, byte(m.Mode))
	b = append(b, boolByte(m.CachePolicy))
	b = appendVarint(b, m.GroupID)
	b = appendVarint(b, m.ObjectID)
	return b
}

func decodePost(b []byte) (*Post, error) {
	m := &Post{}
	url, n, err := readString(b)
	if err != nil {
		return nil, err
	}
	m.URL, b = url, b[n:]
	mode, n, err := readByte(b)
	if err != nil {
		return nil, err
	}
	m.Mode, b = TransportMode(mode), b[n:]
	cp, n, err := readByte(b)
	if err != nil {
		return nil, err
	}
	m.CachePolicy, b = cp != 0, b[n:]
	if m.GroupID, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	if m.ObjectID, _, err = readVarint(b); err != nil {
		return nil, err
	}
	return m, nil
}

// Accept is "go ahead; send with this media_id on datagrams".
type Accept struct {
	Mode    TransportMode
	MediaID uint64
}

func (m *Accept) Type() MessageType { return TypeAccept }

func (m *Accept) appendPayload(b []byte) []byte {
	b = append(b, byte(m.Mode))
	b = appendVarint(b, m.MediaID)
	return b
}

func decodeAccept(b []byte) (*Accept, error) {
	m := &Accept{}
	mode, n, err := readByte(b)
	if err != nil {
		return nil, err
	}
	m.Mode, b = TransportMode(mode), b[n:]
	if m.MediaID, _, err = readVarint(b); err != nil {
		return nil, err
	}
	return m, nil
}

// StartPoint is "first object you will see is (g,o)".
type StartPoint struct {
	GroupID  uint64
	ObjectID uint64
}

func (m *StartPoint) Type() MessageType { return TypeStartPoint }

func (m *StartPoint) appendPayload(b []byte) []byte {
	b = appendVarint(b, m.GroupID)
	b = appendVarint(b, m.ObjectID)
	return b
}

func decodeStartPoint(b []byte) (*StartPoint, error) {
	m := &StartPoint{}
	n, err := readGO(b, &m.GroupID, &m.ObjectID)
	_ = n
	return m, err
}

// FinDatagram is "no objects beyond (g,o)".
type FinDatagram struct {
	GroupID  uint64
	ObjectID uint64
}

func (m *FinDatagram) Type() MessageType { return TypeFinDatagram }

func (m *FinDatagram) appendPayload(b []byte) []byte {
	b = appendVarint(b, m.GroupID)
	b = appendVarint(b, m.ObjectID)
	return b
}

func decodeFinDatagram(b []byte) (*FinDatagram, error) {
	m := &FinDatagram{}
	_, err := readGO(b, &m.GroupID, &m.ObjectID)
	return m, err
}

// CachePolicy is "treat cache as real-time".
type CachePolicy struct {
	RealTime bool
}

func (m *CachePolicy) Type() MessageType { return TypeCachePolicy }

func (m *CachePolicy) appendPayload(b []byte) []byte {
	return append(b, boolByte(m.RealTime))
}

func decodeCachePolicy(b []byte) (*CachePolicy, error) {
	v, _, err := readByte(b)
	if err != nil {
		return nil, err
	}
	return &CachePolicy{RealTime: v != 0}, nil
}

// Fragment is a stream-mode fragment of an object.
type Fragment struct {
	GroupID              uint64
	ObjectID             uint64
	NbObjectsPreviousGrp uint64
	Offset               uint64
	ObjectLength         uint64
	Flags                uint8
	Data                 []byte
}

func (m *Fragment) Type() MessageType { return TypeFragment }

func (m *Fragment) appendPayload(b []byte) []byte {
	b = appendVarint(b, m.GroupID)
	b = appendVarint(b, m.ObjectID)
	b = appendVarint(b, m.NbObjectsPreviousGrp)
	b = appendVarint(b, m.Offset)
	b = appendVarint(b, m.ObjectLength)
	b = append(b, m.Flags)
	b = appendBytes(b, m.Data)
	return b
}

func decodeFragment(b []byte) (*Fragment, error) {
	m := &Fragment{}
	var n int
	var err error
	if m.GroupID, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	if m.ObjectID, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	if m.NbObjectsPreviousGrp, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	if m.Offset, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	if m.ObjectLength, n, err = readVarint(b); err != nil {
		return nil, err
	}
	b = b[n:]
	flags, n, err := readByte(b)
	if err != nil {
		return nil, err
	}
	m.Flags, b = flags, b[n:]
	data, _, err := readBytes(b)
	if err != nil {
		return nil, err
	}
	m.Data = append([]byte(nil), data...)
	return m, nil
}

// Subscribe is "notify me of every URL beginning with prefix".
type Subscribe struct {
	URLPrefix string
}

func (m *Subscribe) Type() MessageType { return TypeSubscribe }

func (m *Subscribe) appendPayload(b []byte) []byte {
	return appendString(b, m.URLPrefix)
}

func decodeSubscribe(b []byte) (*Subscribe, error) {
	s, _, err := readString(b)
	if err != nil {
		return nil, err
	}
	return &Subscribe{URLPrefix: s}, nil
}

// Notify is "URL matches your prefix".
type Notify struct {
	URL string
}

func (m *Notify) Type() MessageType { return TypeNotify }

func (m *Notify) appendPayload(b []byte) []byte {
	return appendString(b, m.URL)
}

func decodeNotify(b []byte) (*Notify, error) {
	s, _, err := readString(b)
	if err != nil {
		return nil, err
	}
	return &Notify{URL: s}, nil
}

// Encode renders msg as [type byte][payload], without the 2-byte frame
// length prefix (that belongs to the message-buffer layer, §4.2).
func Encode(msg Message) []byte {
	b := make([]byte, 0, 64)
	b = append(b, byte(msg.Type()))
	return msg.appendPayload(b)
}

// EncodeFrame renders msg as a complete control-channel frame:
// [2-byte big-endian length][type + payload].
func EncodeFrame(msg Message) ([]byte, error) {
	payload := Encode(msg)
	if len(payload) > MaxFrameLength {
		return nil, werr.Malformedf("message payload %d bytes exceeds max frame length", len(payload))
	}
	return FrameLengthPrefixed(payload), nil
}

// FrameLengthPrefixed wraps an already-encoded payload with the same 2-byte
// big-endian length prefix control-channel frames use, for callers that
// don't go through the typed Message/Encode path — the warp/rush per-stream
// headers (§4.6) reuse this framing but disambiguate WARP_HEADER from
// OBJECT_HEADER by receive state rather than by a type byte, since at most
// one is ever legal next.
func FrameLengthPrefixed(payload []byte) []byte {
	out := make([]byte, 2, 2+len(payload))
	binary.BigEndian.PutUint16(out, uint16(len(payload)))
	return append(out, payload...)
}

// Decode parses a single message from its [type byte][payload] encoding
// (no length prefix — the caller has already delimited the frame).
func Decode(b []byte) (Message, error) {
	if len(b) < 1 {
		return nil, werr.Malformedf("empty frame")
	}
	t := MessageType(b[0])
	b = b[1:]
	switch t {
	case TypeRequest:
		return decodeRequest(b)
	case TypePost:
		return decodePost(b)
	case TypeAccept:
		return decodeAccept(b)
	case TypeStartPoint:
		return decodeStartPoint(b)
	case TypeFinDatagram:
		return decodeFinDatagram(b)
	case TypeCachePolicy:
		return decodeCachePolicy(b)
	case TypeFragment:
		return decodeFragment(b)
	case TypeSubscribe:
		return decodeSubscribe(b)
	case TypeNotify:
		return decodeNotify(b)
	default:
		return nil, werr.Malformedf("reserved or unknown message type %d", t)
	}
}

func readByte(b []byte) (uint8, int, error) {
	if len(b) < 1 {
		return 0, 0, werr.Malformedf("truncated message: expected 1 more byte")
	}
	return b[0], 1, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func readGO(b []byte, group, object *uint64) (int, error) {
	g, n, err := readVarint(b)
	if err != nil {
		return 0, err
	}
	b = b[n:]
	total := n
	o, n, err := readVarint(b)
	if err != nil {
		return 0, err
	}
	total += n
	*group, *object = g, o
	return total, nil
}
