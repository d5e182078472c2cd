// Package wire implements the control-channel codec (§4.1), the datagram
// header, and the warp/rush per-stream headers. Variable-length integer and
// length-prefixed byte-string fields reuse the QUIC var-int convention via
// quic-go's quicvarint package, the same dependency restys uses to parse
// its own HTTP/3 frames.
package wire

// TransportMode is one of the four delivery modes a subscriber requests.
type TransportMode uint8

const (
	ModeSingleStream TransportMode = iota
	ModeDatagram
	ModeWarp
	ModeRush
)

func (m TransportMode) String() string {
	switch m {
	case ModeSingleStream:
		return "single_stream"
	case ModeDatagram:
		return "datagram"
	case ModeWarp:
		return "warp"
	case ModeRush:
		return "rush"
	default:
		return "unknown_mode"
	}
}

// SubscribeIntent selects how a REQUEST positions the subscriber within the
// producer's object sequence.
type SubscribeIntent uint8

const (
	IntentCurrentGroup SubscribeIntent = iota
	IntentNextGroup
	IntentStartPoint
)

// MessageType tags every control-channel message (§4.1).
type MessageType uint8

const (
	TypeRequest MessageType = iota + 1
	TypePost
	TypeAccept
	TypeStartPoint
	TypeFinDatagram
	TypeCachePolicy
	TypeFragment
	TypeSubscribe
	TypeNotify
)

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypePost:
		return "POST"
	case TypeAccept:
		return "ACCEPT"
	case TypeStartPoint:
		return "START_POINT"
	case TypeFinDatagram:
		return "FIN_DATAGRAM"
	case TypeCachePolicy:
		return "CACHE_POLICY"
	case TypeFragment:
		return "FRAGMENT"
	case TypeSubscribe:
		return "SUBSCRIBE"
	case TypeNotify:
		return "NOTIFY"
	default:
		return "UNKNOWN"
	}
}

// FlagSkippedObject marks an OBJECT_HEADER / FRAGMENT whose object was
// skipped by the congestion evaluator (§4.7): object_length == 0 always
// accompanies it.
const FlagSkippedObject uint8 = 0xff

// MaxFrameLength bounds the 2-byte length prefix (§4.1): a control message
// payload can never exceed 65535 bytes.
const MaxFrameLength = 0xFFFF
