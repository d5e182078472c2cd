// Package reassembly implements the consumer-side fragment reassembly
// context (§4.3): it accepts out-of-order fragments keyed by
// (group, object, offset), detects object completion, enforces
// start/final boundaries, and emits in-order object-ready callbacks.
package reassembly

import "sort"

// Coord is an object coordinate (group_id, object_id). Ordering is
// lexicographic, matching the object-identity ordering in §3.
type Coord struct {
	Group  uint64
	Object uint64
}

// Less reports whether c sorts strictly before o.
func (c Coord) Less(o Coord) bool {
	return c.Group < o.Group || (c.Group == o.Group && c.Object < o.Object)
}

// Mode is the delivery mode of a completed object (§4.3).
type Mode int

const (
	// InSequence is delivered on first completion, immediately after the
	// prior object in sequence was delivered.
	InSequence Mode = iota
	// Peek is delivered on completion but out of sequence.
	Peek
	// Repair is a previously peeked object, re-delivered in sequence.
	Repair
)

func (m Mode) String() string {
	switch m {
	case InSequence:
		return "in_sequence"
	case Peek:
		return "peek"
	case Repair:
		return "repair"
	default:
		return "unknown"
	}
}

// Ready is one object handed to the application's object_ready callback.
type Ready struct {
	Coord   Coord
	Data    []byte
	Mode    Mode
	Flags   uint8
	Skipped bool
}

// byteRange is a half-open [Start, End) received byte range.
type byteRange struct {
	Start, End uint64
}

type objectState struct {
	coord          Coord
	length         uint64
	lengthKnown    bool
	flags          uint8
	nbObjectsPrevG uint64
	ranges         []byteRange
	data           []byte
	complete       bool
	delivered      bool // first delivery (in_sequence or peek) has happened
	deliveredMode  Mode
	skipped        bool
}

func (o *objectState) addRange(start, end uint64) {
	if end <= start {
		return
	}
	o.ranges = append(o.ranges, byteRange{start, end})
	sort.Slice(o.ranges, func(i, j int) bool { return o.ranges[i].Start < o.ranges[j].Start })
	merged := o.ranges[:0]
	for _, r := range o.ranges {
		if len(merged) > 0 && r.Start <= merged[len(merged)-1].End {
			if r.End > merged[len(merged)-1].End {
				merged[len(merged)-1].End = r.End
			}
			continue
		}
		merged = append(merged, r)
	}
	o.ranges = merged
	if o.lengthKnown && len(o.ranges) == 1 && o.ranges[0].Start == 0 && o.ranges[0].End >= o.length {
		o.complete = true
	}
}

// Reassembler is the per-subscription consumer reassembly context.
type Reassembler struct {
	objects map[Coord]*objectState
	next    Coord
	// nbObjectsPrevGroup[g] is the number of objects in group g, learned
	// from the first fragment of object 0 of group g+1.
	nbObjectsPrevGroup map[uint64]uint64
	startPoint         *Coord
	finalPoint         *Coord
	finished           bool
}

// New returns an empty reassembly context starting at (0, 0).
func New() *Reassembler {
	return &Reassembler{
		objects:            make(map[Coord]*objectState),
		nbObjectsPrevGroup: make(map[uint64]uint64),
	}
}

// LearnStartPoint records that the first object the sender will ever emit
// is exactly (g, o); anything lexicographically earlier is spurious.
func (r *Reassembler) LearnStartPoint(g, o uint64) {
	c := Coord{g, o}
	r.startPoint = &c
	if r.next.Less(c) {
		r.next = c
	}
}

// LearnFinalObjectID records that there is no object at or beyond (g, o).
func (r *Reassembler) LearnFinalObjectID(g, o uint64) {
	c := Coord{g, o}
	r.finalPoint = &c
	r.checkFinished()
}

// IsFinished reports whether in-sequence delivery has reached the final
// point announced via LearnFinalObjectID.
func (r *Reassembler) IsFinished() bool { return r.finished }

func (r *Reassembler) checkFinished() {
	if r.finalPoint != nil && r.next == *r.finalPoint {
		r.finished = true
	}
}

func (r *Reassembler) isSpurious(c Coord) bool {
	return r.startPoint != nil && c.Less(*r.startPoint)
}

// AddFragment feeds one received fragment and returns every object that
// newly became ready for delivery to the application, in delivery order.
// skipSentinel marks a congestion-skipped object (§4.7): it completes with
// no data. Callers set it when flags == wire.FlagSkippedObject and
// objectLength == 0; flags alone does not mark an object skipped.
func (r *Reassembler) AddFragment(g, o, offset uint64, data []byte, objectLength, nbObjectsPrevGrp uint64, flags uint8, skipSentinel bool) []Ready {
	c := Coord{g, o}
	if r.isSpurious(c) {
		return nil
	}
	var out []Ready
	if o == 0 && g > 0 {
		r.nbObjectsPrevGroup[g-1] = nbObjectsPrevGrp
		// r.next may already be stuck at (g-1, nbObjectsPrevGrp) because
		// this count was unknown when the previous group's last object
		// was delivered (§4.3's "held as peek until known"). Unstick it.
		if r.next == (Coord{g - 1, nbObjectsPrevGrp}) {
			r.next = Coord{g, 0}
			out = append(out, r.advanceFrom(r.next)...)
		}
	}

	obj := r.objects[c]
	if obj == nil {
		obj = &objectState{coord: c}
		r.objects[c] = obj
	}
	if !obj.lengthKnown {
		obj.length = objectLength
		obj.lengthKnown = true
		obj.flags = flags
		if skipSentinel {
			obj.skipped = true
			obj.data = nil
		} else {
			obj.data = make([]byte, objectLength)
		}
	}

	if skipSentinel {
		obj.complete = true
	} else if len(data) > 0 {
		end := offset + uint64(len(data))
		if end > uint64(len(obj.data)) {
			// Object grew past its originally declared length; extend to
			// tolerate a late-arriving inconsistent fragment rather than
			// erroring, per the reassembler's general tolerance policy.
			grown := make([]byte, end)
			copy(grown, obj.data)
			obj.data = grown
			obj.length = end
		}
		copy(obj.data[offset:end], data)
		obj.addRange(offset, end)
	}

	if obj.complete && !obj.delivered {
		if c == r.next {
			out = append(out, r.advanceFrom(c)...)
		} else {
			obj.delivered = true
			obj.deliveredMode = Peek
			out = append(out, r.snapshot(obj, Peek))
		}
	}
	return out
}

// advanceFrom delivers obj (already known complete, already at r.next) and
// every subsequently-completed object in sequence, converting any
// previously peeked objects along the way to repair deliveries.
func (r *Reassembler) advanceFrom(start Coord) []Ready {
	var out []Ready
	cur := start
	for {
		obj, ok := r.objects[cur]
		if !ok || !obj.complete {
			break
		}
		mode := InSequence
		if obj.delivered && obj.deliveredMode == Peek {
			mode = Repair
		}
		obj.delivered = true
		obj.deliveredMode = InSequence
		out = append(out, r.snapshot(obj, mode))

		if nbPrev, known := r.nbObjectsPrevGroup[cur.Group]; known && cur.Object+1 == nbPrev {
			cur = Coord{cur.Group + 1, 0}
		} else {
			cur = Coord{cur.Group, cur.Object + 1}
		}
		r.next = cur
		r.checkFinished()
	}
	return out
}

func (r *Reassembler) snapshot(obj *objectState, mode Mode) Ready {
	return Ready{
		Coord:   obj.coord,
		Data:    obj.data,
		Mode:    mode,
		Flags:   obj.flags,
		Skipped: obj.skipped,
	}
}
