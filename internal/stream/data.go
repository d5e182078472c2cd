package stream

import (
	"github.com/warpmq/warpq/internal/msgbuf"
	"github.com/warpmq/warpq/internal/werr"
	"github.com/warpmq/warpq/internal/wire"
)

// dataSendPhase is the sender side's position in the per-stream loop
// (§4.6): one WARP_HEADER, then a run of OBJECT_HEADER(+data) pairs, then
// FIN.
type dataSendPhase int

const (
	sendPhaseWarpHeader dataSendPhase = iota
	sendPhaseObjectHeader
	sendPhaseObjectBody
	sendPhaseFin
	sendPhaseDone
)

// GroupSource supplies the objects a warp/rush sender stream emits for one
// group.
type GroupSource interface {
	// NextObject returns the payload for objectID, or ok=false if it isn't
	// produced yet (the sender stalls until PrepareSend is called again).
	NextObject(objectID uint64) (data []byte, ok bool)
	// ObjectCount reports the group's total object count once known (e.g.
	// once the next group has started), or ok=false otherwise.
	ObjectCount() (count uint64, ok bool)
}

// CongestionEvaluator decides whether to skip the current object (§4.7).
type CongestionEvaluator interface {
	ShouldSkip(groupID, objectID uint64) bool
}

// SenderStream drives one unidirectional warp/rush stream's send side.
type SenderStream struct {
	out   *msgbuf.Outbound
	phase dataSendPhase

	mediaID, groupID uint64
	mode             wire.TransportMode
	nbObjectsPrevGrp uint64

	source GroupSource
	cong   CongestionEvaluator

	currentObjectID  uint64
	lastObjectID     uint64
	haveLastObjectID bool
	pendingBody      []byte

	isLocalFinished bool
}

// NewSenderStream returns a sender for groupID, carrying mediaID. In rush
// mode the stream always carries exactly one object (§4.6).
func NewSenderStream(mediaID, groupID uint64, mode wire.TransportMode, nbObjectsPrevGrp uint64, source GroupSource, cong CongestionEvaluator) *SenderStream {
	s := &SenderStream{
		out:              msgbuf.NewOutbound(),
		mediaID:          mediaID,
		groupID:          groupID,
		mode:             mode,
		nbObjectsPrevGrp: nbObjectsPrevGrp,
		source:           source,
		cong:             cong,
	}
	if mode == wire.ModeRush {
		s.lastObjectID = 1
		s.haveLastObjectID = true
	}
	return s
}

// SetLastObjectID records the exclusive upper bound on object ids for this
// group, learned either from a final point matching the current group or
// from the cache reporting a known object count (§4.6).
func (s *SenderStream) SetLastObjectID(id uint64) {
	if !s.haveLastObjectID || id < s.lastObjectID {
		s.haveLastObjectID = true
		s.lastObjectID = id
	}
}

// IsFinished reports whether the stream has emitted its FIN.
func (s *SenderStream) IsFinished() bool { return s.isLocalFinished }

// PrepareSend drives the send state machine and returns up to space bytes
// for the QUIC prepare-to-send callback, the more_to_send hint, and
// whether this call should also set the stream FIN. Returns (nil, false,
// false) if the stream has nothing to send right now (e.g. GroupSource
// hasn't produced the next object yet).
func (s *SenderStream) PrepareSend(space int) (chunk []byte, moreToSend bool, fin bool) {
	if !s.out.Pending() {
		s.ensureStaged()
		if s.phase == sendPhaseFin {
			s.phase = sendPhaseDone
			s.isLocalFinished = true
			return nil, false, true
		}
		if !s.out.Pending() {
			return nil, false, false
		}
	}
	chunk, moreToSend = s.out.Drain(space)
	return chunk, moreToSend, false
}

// ensureStaged fills out with the next thing to send, advancing phase as
// far as it can without blocking. It stops (without enqueuing anything)
// if the group source has no data for the current object yet.
func (s *SenderStream) ensureStaged() {
	for !s.out.Pending() && s.phase != sendPhaseFin && s.phase != sendPhaseDone {
		phaseBefore, objectBefore := s.phase, s.currentObjectID
		s.fill()
		if !s.out.Pending() && s.phase == phaseBefore && s.currentObjectID == objectBefore {
			return
		}
	}
}

func (s *SenderStream) fill() {
	switch s.phase {
	case sendPhaseWarpHeader:
		h := wire.WarpHeader{MediaID: s.mediaID, GroupID: s.groupID}
		s.out.Enqueue(wire.FrameLengthPrefixed(h.Append(nil)))
		s.phase = sendPhaseObjectHeader
	case sendPhaseObjectHeader:
		if !s.haveLastObjectID {
			if n, ok := s.source.ObjectCount(); ok {
				s.SetLastObjectID(n)
			}
		}
		if s.haveLastObjectID && s.currentObjectID >= s.lastObjectID {
			s.phase = sendPhaseFin
			return
		}
		if s.cong != nil && s.cong.ShouldSkip(s.groupID, s.currentObjectID) {
			h := wire.ObjectHeader{
				ObjectID:             s.currentObjectID,
				NbObjectsPreviousGrp: s.nbObjectsPrevGrp,
				Flags:                wire.FlagSkippedObject,
				ObjectLength:         0,
			}
			s.out.Enqueue(wire.FrameLengthPrefixed(h.Append(nil)))
			s.currentObjectID++
			return
		}
		data, ok := s.source.NextObject(s.currentObjectID)
		if !ok {
			return
		}
		s.pendingBody = data
		h := wire.ObjectHeader{
			ObjectID:             s.currentObjectID,
			NbObjectsPreviousGrp: s.nbObjectsPrevGrp,
			Flags:                0,
			ObjectLength:         uint64(len(data)),
		}
		s.out.Enqueue(wire.FrameLengthPrefixed(h.Append(nil)))
		s.phase = sendPhaseObjectBody
	case sendPhaseObjectBody:
		if len(s.pendingBody) > 0 {
			s.out.Enqueue(s.pendingBody)
		}
		s.pendingBody = nil
		s.currentObjectID++
		s.phase = sendPhaseObjectHeader
		if !s.haveLastObjectID {
			if n, ok := s.source.ObjectCount(); ok {
				s.SetLastObjectID(n)
			}
		}
	}
}

// DataReceiveState is the unidirectional data stream's inbound state
// (§4.6).
type DataReceiveState int

const (
	DataReceiveOpen DataReceiveState = iota
	DataReceiveObjectHeader
	DataReceiveObjectData
	DataReceiveDone
)

func (s DataReceiveState) String() string {
	switch s {
	case DataReceiveOpen:
		return "receive_open"
	case DataReceiveObjectHeader:
		return "receive_object_header"
	case DataReceiveObjectData:
		return "receive_object_data"
	case DataReceiveDone:
		return "receive_done"
	default:
		return "unknown_receive_state"
	}
}

// DataSink receives reassembled warp/rush stream content.
type DataSink interface {
	// OnWarpHeader announces the stream's media and group.
	OnWarpHeader(mediaID, groupID uint64) error
	// OnObjectHeader announces one object's metadata; a skipped object
	// (h.IsSkipped()) carries no following data.
	OnObjectHeader(h wire.ObjectHeader) error
	// OnObjectData forwards up to len(data) bytes of the current object's
	// body, starting at offset.
	OnObjectData(objectID, offset uint64, data []byte) error
}

// ReceiverStream drives one unidirectional warp/rush stream's receive
// side. Unlike the control stream's framed messages, WARP_HEADER and
// OBJECT_HEADER are disambiguated by state rather than a type byte: at
// most one is ever legal next (§4.6).
type ReceiverStream struct {
	in    *msgbuf.Inbound
	state DataReceiveState
	mode  wire.TransportMode
	sink  DataSink

	currentObjectID uint64
	remainingBody   uint64
	bodyOffset      uint64
}

// NewReceiverStream returns a receiver for a stream known to carry mode
// (warp or rush).
func NewReceiverStream(mode wire.TransportMode, sink DataSink) *ReceiverStream {
	return &ReceiverStream{
		in:    msgbuf.NewInbound(),
		state: DataReceiveOpen,
		mode:  mode,
		sink:  sink,
	}
}

// State reports the current inbound state.
func (r *ReceiverStream) State() DataReceiveState { return r.state }

// IsFinished reports whether the stream's FIN has been processed.
func (r *ReceiverStream) IsFinished() bool { return r.state == DataReceiveDone }

// ReceiveFin marks the stream's end, once the sender has emitted every
// object of the group (§4.6). FIN arriving while an object's body is
// still incomplete is a protocol violation.
func (r *ReceiverStream) ReceiveFin() error {
	if r.state == DataReceiveObjectData {
		return werr.Protocolf("stream FIN arrived mid-object (%d of %d bytes received)", r.bodyOffset, r.bodyOffset+r.remainingBody)
	}
	r.state = DataReceiveDone
	return nil
}

// Receive absorbs inbound stream bytes and drives the receive state
// machine, dispatching to DataSink as objects and headers complete.
func (r *ReceiverStream) Receive(data []byte) error {
	for len(data) > 0 {
		if r.state == DataReceiveObjectData {
			take := r.remainingBody
			if take > uint64(len(data)) {
				take = uint64(len(data))
			}
			if err := r.sink.OnObjectData(r.currentObjectID, r.bodyOffset, data[:take]); err != nil {
				return err
			}
			r.bodyOffset += take
			r.remainingBody -= take
			data = data[take:]
			if r.remainingBody == 0 {
				r.currentObjectID++
				r.state = DataReceiveObjectHeader
			}
			continue
		}

		frame, consumed, ok := r.in.FeedOne(data)
		data = data[consumed:]
		if !ok {
			// Header still incomplete; wait for more bytes.
			return nil
		}
		if err := r.dispatchFrame(frame); err != nil {
			return err
		}
		// Any bytes left in data after this single frame are raw object
		// body (not another frame): the loop re-enters at the top and,
		// now that state is DataReceiveObjectData, consumes them directly
		// instead of handing them to FeedOne.
	}
	return nil
}

func (r *ReceiverStream) dispatchFrame(payload []byte) error {
	switch r.state {
	case DataReceiveOpen:
		h, n, err := wire.DecodeWarpHeader(payload)
		if err != nil || n != len(payload) {
			return werr.Wrap(werr.Malformed, "decode warp header", err)
		}
		r.state = DataReceiveObjectHeader
		return r.sink.OnWarpHeader(h.MediaID, h.GroupID)
	case DataReceiveObjectHeader:
		h, n, err := wire.DecodeObjectHeader(payload)
		if err != nil || n != len(payload) {
			return werr.Wrap(werr.Malformed, "decode object header", err)
		}
		if err := r.checkObjectSequencing(h.ObjectID); err != nil {
			return err
		}
		if err := r.sink.OnObjectHeader(h); err != nil {
			return err
		}
		if h.ObjectLength > 0 {
			r.state = DataReceiveObjectData
			r.remainingBody = h.ObjectLength
			r.bodyOffset = 0
		} else {
			// Skipped or zero-length object: nothing more to absorb for
			// it, move straight on to the next header.
			r.currentObjectID++
			r.state = DataReceiveObjectHeader
		}
		return nil
	default:
		return werr.Protocolf("unexpected data on warp/rush stream in state %s", r.state)
	}
}

// checkObjectSequencing enforces §4.6's mid-stream invariant: warp must
// increment object_id by exactly one between headers; rush must keep it
// at zero.
func (r *ReceiverStream) checkObjectSequencing(objectID uint64) error {
	switch r.mode {
	case wire.ModeRush:
		if objectID != 0 {
			return werr.Protocolf("rush stream object_id %d is not zero", objectID)
		}
	case wire.ModeWarp:
		if objectID != r.currentObjectID {
			return werr.Protocolf("warp stream object_id %d does not follow %d", objectID, r.currentObjectID)
		}
	}
	return nil
}
