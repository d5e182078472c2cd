package source

import (
	"sync"

	"github.com/warpmq/warpq/internal/stream"
	"github.com/warpmq/warpq/internal/wire"
)

// DefaultFragmentSize bounds a single wire.Fragment's payload in
// single_stream mode, a conservative chunk size comfortably under a
// typical QUIC stream flow-control window increment.
const DefaultFragmentSize = 1200

type object struct {
	data []byte
}

type group struct {
	objects       map[uint64]*object
	highWatermark uint64
	count         uint64
	countKnown    bool
}

func newGroup() *group {
	return &group{objects: make(map[uint64]*object)}
}

// Publisher is a local media source/publisher (§3's "Source / Object
// source" entity, §8's "Source/publisher integration" module): it
// accumulates objects as the owning application produces them and
// exposes them to internal/conn as a conn.Source and to
// internal/stream's sender stream as a stream.GroupSource per group, per
// the fragmenting-producer adaptation named in §1/§8.
type Publisher struct {
	mu                    sync.Mutex
	groups                map[uint64]*group
	tailGroup, tailObject uint64
}

// NewPublisher returns an empty publisher with no objects yet produced.
func NewPublisher() *Publisher {
	return &Publisher{groups: make(map[uint64]*group)}
}

func (p *Publisher) group(id uint64) *group {
	g, ok := p.groups[id]
	if !ok {
		g = newGroup()
		p.groups[id] = g
	}
	return g
}

// PublishObject records objectID's full payload within groupID, as the
// application produces it, and advances the tail (§4.1's REQUEST
// next_group/current_group intents read Tail() to position a new
// subscriber). The first object of groupID+1 also finalizes groupID's
// object count (§4.6: "the fragment cache reporting a known object
// count for this group", learned "once the next group has started").
func (p *Publisher) PublishObject(groupID, objectID uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	g := p.group(groupID)
	g.objects[objectID] = &object{data: data}
	if objectID+1 > g.highWatermark {
		g.highWatermark = objectID + 1
	}

	if groupID > 0 {
		if prev, ok := p.groups[groupID-1]; ok && !prev.countKnown {
			prev.count = prev.highWatermark
			prev.countKnown = true
		}
	}

	if groupID > p.tailGroup || (groupID == p.tailGroup && objectID+1 > p.tailObject) {
		p.tailGroup, p.tailObject = groupID, objectID+1
	}
}

// FinalizeGroup closes out groupID's object count directly, for the
// group a publisher stops on (there is no "next group" to infer it
// from). Calling it on an already-finalized group is a no-op.
func (p *Publisher) FinalizeGroup(groupID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok || g.countKnown {
		return
	}
	g.count = g.highWatermark
	g.countKnown = true
}

// NextObject implements both conn.Source and, via groupView, the
// per-group stream.GroupSource.
func (p *Publisher) NextObject(groupID, objectID uint64) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok {
		return nil, false
	}
	o, ok := g.objects[objectID]
	if !ok {
		return nil, false
	}
	return o.data, true
}

// ObjectCount implements conn.Source and stream.GroupSource's
// ObjectCount, reporting groupID's total object count once known.
func (p *Publisher) ObjectCount(groupID uint64) (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.groups[groupID]
	if !ok || !g.countKnown {
		return 0, false
	}
	return g.count, true
}

// Tail implements conn.Source: the most recently produced (group,
// object) position, exclusive on the object id, for positioning a
// subscriber whose REQUEST carries next_group/current_group intent.
func (p *Publisher) Tail() (uint64, uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tailGroup, p.tailObject
}

// GroupView returns the stream.GroupSource a warp/rush SenderStream for
// groupID should pull from.
func (p *Publisher) GroupView(groupID uint64) stream.GroupSource {
	return &groupView{pub: p, groupID: groupID}
}

type groupView struct {
	pub     *Publisher
	groupID uint64
}

func (v *groupView) NextObject(objectID uint64) ([]byte, bool) {
	return v.pub.NextObject(v.groupID, objectID)
}

func (v *groupView) ObjectCount() (uint64, bool) {
	return v.pub.ObjectCount(v.groupID)
}

// FragmentProducer walks a Publisher's objects in (group, object,
// offset) order and implements stream.DataProvider for single_stream
// mode (§4.2: "the control stream itself carries FRAGMENT messages").
// It is the fragmenting half of §8's source/publisher integration: the
// congestion evaluator is consulted once per object, exactly as warp
// mode consults it once per OBJECT_HEADER (§4.7).
type FragmentProducer struct {
	pub          *Publisher
	cong         stream.CongestionEvaluator
	fragmentSize int

	mu                        sync.Mutex
	groupID, objectID, offset uint64
}

// NewFragmentProducer returns a producer starting at (0, 0, 0). cong
// may be nil, which is equivalent to ModeNone (never skip).
func NewFragmentProducer(pub *Publisher, cong stream.CongestionEvaluator) *FragmentProducer {
	return &FragmentProducer{pub: pub, cong: cong, fragmentSize: DefaultFragmentSize}
}

// NextFragment returns the next pending fragment, or ok=false if the
// producer has caught up to everything published so far (the control
// stream asks again on its next PrepareSend; PublishObject does not
// signal it).
func (p *FragmentProducer) NextFragment() (*wire.Fragment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if count, ok := p.pub.ObjectCount(p.groupID); ok && p.objectID >= count {
			p.groupID++
			p.objectID, p.offset = 0, 0
			continue
		}

		data, ok := p.pub.NextObject(p.groupID, p.objectID)
		if !ok {
			return nil, false
		}

		nbPrev := p.nbObjectsPreviousGroup()

		if p.offset == 0 && p.cong != nil && p.cong.ShouldSkip(p.groupID, p.objectID) {
			frag := &wire.Fragment{
				GroupID:              p.groupID,
				ObjectID:             p.objectID,
				NbObjectsPreviousGrp: nbPrev,
				Offset:               0,
				ObjectLength:         0,
				Flags:                wire.FlagSkippedObject,
			}
			p.objectID++
			p.offset = 0
			return frag, true
		}

		end := p.offset + uint64(p.fragmentSize)
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		chunk := data[p.offset:end]
		frag := &wire.Fragment{
			GroupID:              p.groupID,
			ObjectID:             p.objectID,
			NbObjectsPreviousGrp: nbPrev,
			Offset:               p.offset,
			ObjectLength:         uint64(len(data)),
			Flags:                0,
			Data:                 chunk,
		}
		p.offset = end
		if p.offset >= uint64(len(data)) {
			p.objectID++
			p.offset = 0
		}
		return frag, true
	}
}

func (p *FragmentProducer) nbObjectsPreviousGroup() uint64 {
	if p.groupID == 0 {
		return 0
	}
	n, _ := p.pub.ObjectCount(p.groupID - 1)
	return n
}
