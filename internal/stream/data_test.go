package stream

import (
	"bytes"
	"testing"

	"github.com/warpmq/warpq/internal/wire"
)

// fifoGroupSource serves objects from a fixed slice and reports a known
// count only once told to (simulating "the cache learned the count
// later").
type fifoGroupSource struct {
	objects     [][]byte
	countKnown  bool
	countCached uint64
}

func (s *fifoGroupSource) NextObject(objectID uint64) ([]byte, bool) {
	if objectID >= uint64(len(s.objects)) {
		return nil, false
	}
	return s.objects[objectID], true
}

func (s *fifoGroupSource) ObjectCount() (uint64, bool) {
	if !s.countKnown {
		return 0, false
	}
	return s.countCached, true
}

type neverSkip struct{}

func (neverSkip) ShouldSkip(groupID, objectID uint64) bool { return false }

type skipEvery struct {
	n uint64
}

func (s skipEvery) ShouldSkip(groupID, objectID uint64) bool { return objectID%s.n == 0 }

// drainSender pumps PrepareSend with the given chunk size until FIN or
// stall, returning every byte sent.
func drainSender(t *testing.T, s *SenderStream, space int) []byte {
	t.Helper()
	var out []byte
	for i := 0; i < 10000; i++ {
		chunk, more, fin := s.PrepareSend(space)
		out = append(out, chunk...)
		if fin {
			return out
		}
		if chunk == nil && !more {
			return out // stalled, waiting on the source
		}
	}
	t.Fatalf("drainSender: did not terminate after many iterations")
	return nil
}

type recordingSink struct {
	warpCalls   []wire.WarpHeader
	headers     []wire.ObjectHeader
	objectData  map[uint64][]byte
	dataCallLog []string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{objectData: make(map[uint64][]byte)}
}

func (s *recordingSink) OnWarpHeader(mediaID, groupID uint64) error {
	s.warpCalls = append(s.warpCalls, wire.WarpHeader{MediaID: mediaID, GroupID: groupID})
	return nil
}

func (s *recordingSink) OnObjectHeader(h wire.ObjectHeader) error {
	s.headers = append(s.headers, h)
	return nil
}

func (s *recordingSink) OnObjectData(objectID, offset uint64, data []byte) error {
	s.objectData[objectID] = append(s.objectData[objectID], data...)
	return nil
}

func TestWarpSenderEmitsHeaderThenObjectsThenFin(t *testing.T) {
	source := &fifoGroupSource{objects: [][]byte{[]byte("aa"), []byte("bb"), []byte("cc")}, countKnown: true, countCached: 3}
	sender := NewSenderStream(7, 2, wire.ModeWarp, 5, source, neverSkip{})

	sent := drainSender(t, sender, 1024)
	if !sender.IsFinished() {
		t.Fatalf("expected sender to reach FIN")
	}

	sink := newRecordingSink()
	recv := NewReceiverStream(wire.ModeWarp, sink)
	if err := recv.Receive(sent); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := recv.ReceiveFin(); err != nil {
		t.Fatalf("ReceiveFin: %v", err)
	}
	if !recv.IsFinished() {
		t.Fatalf("expected receiver to be finished")
	}

	if len(sink.warpCalls) != 1 || sink.warpCalls[0].MediaID != 7 || sink.warpCalls[0].GroupID != 2 {
		t.Fatalf("unexpected warp header calls: %+v", sink.warpCalls)
	}
	if len(sink.headers) != 3 {
		t.Fatalf("expected 3 object headers, got %d: %+v", len(sink.headers), sink.headers)
	}
	for i, h := range sink.headers {
		if h.ObjectID != uint64(i) || h.NbObjectsPreviousGrp != 5 {
			t.Fatalf("object header %d mismatch: %+v", i, h)
		}
	}
	want := map[uint64]string{0: "aa", 1: "bb", 2: "cc"}
	for id, data := range want {
		if string(sink.objectData[id]) != data {
			t.Fatalf("object %d data mismatch: got %q want %q", id, sink.objectData[id], data)
		}
	}
}

// pumpUntilStallOrFin pumps PrepareSend until either the stream signals
// FIN or stalls waiting on the source, returning every byte sent so far.
func pumpUntilStallOrFin(t *testing.T, s *SenderStream, space int) (sent []byte, stalled, fin bool) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		chunk, more, f := s.PrepareSend(space)
		if f {
			return sent, false, true
		}
		if chunk == nil && !more {
			return sent, true, false
		}
		sent = append(sent, chunk...)
	}
	t.Fatalf("pumpUntilStallOrFin: did not terminate after many iterations")
	return nil, false, false
}

func TestWarpSenderStallsUntilSourceProducesNextObject(t *testing.T) {
	source := &fifoGroupSource{objects: [][]byte{[]byte("only-one")}}
	sender := NewSenderStream(1, 0, wire.ModeWarp, 0, source, neverSkip{})

	// WARP_HEADER then OBJECT_HEADER+data for object 0 drain, then the
	// sender stalls waiting for object 1 (count still unknown).
	sent, stalled, fin := pumpUntilStallOrFin(t, sender, 4096)
	if fin {
		t.Fatalf("expected the sender to stall before reaching FIN")
	}
	if !stalled {
		t.Fatalf("expected the sender to stall once object 1 is unavailable")
	}
	if len(sent) == 0 {
		t.Fatalf("expected the warp header and first object to have drained before stalling")
	}

	// Now the group's count becomes known (object 0 was the only object).
	source.countKnown = true
	source.countCached = 1
	chunk, more, fin2 := sender.PrepareSend(4096)
	if !fin2 || chunk != nil || more {
		t.Fatalf("expected FIN with no payload once the count resolved to 1, got chunk=%v more=%v fin=%v", chunk, more, fin2)
	}
}

func TestRushSenderCarriesExactlyOneObject(t *testing.T) {
	source := &fifoGroupSource{objects: [][]byte{[]byte("solo")}}
	sender := NewSenderStream(3, 9, wire.ModeRush, 0, source, neverSkip{})

	sent := drainSender(t, sender, 4096)
	if !sender.IsFinished() {
		t.Fatalf("expected rush sender to FIN after exactly one object")
	}

	sink := newRecordingSink()
	recv := NewReceiverStream(wire.ModeRush, sink)
	if err := recv.Receive(sent); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(sink.headers) != 1 || sink.headers[0].ObjectID != 0 {
		t.Fatalf("expected exactly one object header with id 0, got %+v", sink.headers)
	}
	if string(sink.objectData[0]) != "solo" {
		t.Fatalf("unexpected object data: %q", sink.objectData[0])
	}
}

func TestCongestionSkipEncodesSentinelAndAdvancesObjectID(t *testing.T) {
	source := &fifoGroupSource{objects: [][]byte{[]byte("a"), []byte("b"), []byte("c"), []byte("d")}, countKnown: true, countCached: 4}
	sender := NewSenderStream(1, 0, wire.ModeWarp, 0, source, skipEvery{n: 2})

	sent := drainSender(t, sender, 4096)

	sink := newRecordingSink()
	recv := NewReceiverStream(wire.ModeWarp, sink)
	if err := recv.Receive(sent); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(sink.headers) != 4 {
		t.Fatalf("expected 4 object headers (including skipped), got %d", len(sink.headers))
	}
	for i, h := range sink.headers {
		wantSkipped := i%2 == 0
		if h.IsSkipped() != wantSkipped {
			t.Fatalf("object %d: expected skipped=%v, got header %+v", i, wantSkipped, h)
		}
	}
	if _, ok := sink.objectData[0]; ok {
		t.Fatalf("skipped object 0 should carry no data")
	}
	if string(sink.objectData[1]) != "b" {
		t.Fatalf("object 1 data mismatch: %q", sink.objectData[1])
	}
}

func TestReceiverRejectsWarpObjectIDGap(t *testing.T) {
	sink := newRecordingSink()
	recv := NewReceiverStream(wire.ModeWarp, sink)

	h := wire.WarpHeader{MediaID: 1, GroupID: 0}
	frame := wire.FrameLengthPrefixed(h.Append(nil))
	if err := recv.Receive(frame); err != nil {
		t.Fatalf("Receive warp header: %v", err)
	}

	// Object id jumps straight to 2 instead of 0: a protocol violation.
	oh := wire.ObjectHeader{ObjectID: 2, ObjectLength: 1}
	badFrame := wire.FrameLengthPrefixed(oh.Append(nil))
	badFrame = append(badFrame, 'x')
	err := recv.Receive(badFrame)
	if err == nil {
		t.Fatalf("expected a protocol violation for a non-contiguous warp object id")
	}
}

func TestReceiverRejectsRushObjectIDNonzero(t *testing.T) {
	sink := newRecordingSink()
	recv := NewReceiverStream(wire.ModeRush, sink)

	h := wire.WarpHeader{MediaID: 1, GroupID: 0}
	if err := recv.Receive(wire.FrameLengthPrefixed(h.Append(nil))); err != nil {
		t.Fatalf("Receive warp header: %v", err)
	}
	oh := wire.ObjectHeader{ObjectID: 1, ObjectLength: 0, Flags: 0}
	err := recv.Receive(wire.FrameLengthPrefixed(oh.Append(nil)))
	if err == nil {
		t.Fatalf("expected a protocol violation for a nonzero rush object id")
	}
}

func TestReceiverFinMidObjectIsProtocolViolation(t *testing.T) {
	sink := newRecordingSink()
	recv := NewReceiverStream(wire.ModeWarp, sink)

	h := wire.WarpHeader{MediaID: 1, GroupID: 0}
	oh := wire.ObjectHeader{ObjectID: 0, ObjectLength: 4}
	var buf bytes.Buffer
	buf.Write(wire.FrameLengthPrefixed(h.Append(nil)))
	buf.Write(wire.FrameLengthPrefixed(oh.Append(nil)))
	buf.Write([]byte("ab")) // only 2 of 4 declared bytes

	if err := recv.Receive(buf.Bytes()); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if err := recv.ReceiveFin(); err == nil {
		t.Fatalf("expected FIN mid-object to be rejected")
	}
}

func TestReceiverHandlesHeaderSplitAcrossReceiveCalls(t *testing.T) {
	sink := newRecordingSink()
	recv := NewReceiverStream(wire.ModeWarp, sink)

	h := wire.WarpHeader{MediaID: 42, GroupID: 1}
	oh := wire.ObjectHeader{ObjectID: 0, ObjectLength: 3}
	var buf bytes.Buffer
	buf.Write(wire.FrameLengthPrefixed(h.Append(nil)))
	buf.Write(wire.FrameLengthPrefixed(oh.Append(nil)))
	buf.Write([]byte("xyz"))
	full := buf.Bytes()

	for _, b := range full {
		if err := recv.Receive([]byte{b}); err != nil {
			t.Fatalf("Receive byte-at-a-time: %v", err)
		}
	}
	if len(sink.warpCalls) != 1 || sink.warpCalls[0].MediaID != 42 {
		t.Fatalf("expected warp header delivered once trickled in byte by byte: %+v", sink.warpCalls)
	}
	if string(sink.objectData[0]) != "xyz" {
		t.Fatalf("expected object data reassembled across single-byte reads, got %q", sink.objectData[0])
	}
}
