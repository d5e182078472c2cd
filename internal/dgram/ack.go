// Package dgram implements the per-stream datagram ACK tracker and repair
// engine (§4.4): an ordered set of in-flight fragments keyed by
// (group_id, object_id, offset), a monotone horizon that collapses
// acknowledged fragments, and an extra-repeat FIFO for proactive
// re-transmission of delayed or nacked fragments.
package dgram

import (
	"math"
	"sort"

	"github.com/warpmq/warpq/internal/wire"
)

// DefaultMaxDatagramQueueLength bounds how many bytes a single queued
// datagram retransmission may carry before it must be split into a tail
// fragment, mirroring picoquic's own datagram queuing limit.
const DefaultMaxDatagramQueueLength = 1250

// Key orders fragments the same way the wire's FRAGMENT/datagram headers
// identify them: lexicographically on (group, object, offset).
type Key struct {
	Group, Object, Offset uint64
}

func (k Key) less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	if k.Object != o.Object {
		return k.Object < o.Object
	}
	return k.Offset < o.Offset
}

// AckState is one outstanding (or already-acked-but-not-yet-collapsed)
// fragment record.
type AckState struct {
	Key
	Flags              uint8
	NbObjectsPrevGroup uint64
	Length             uint64
	ObjectLength       uint64
	QueueDelay         uint64
	StartTime          uint64
	LastSentTime       uint64
	Data               []byte

	IsAcked       bool
	NackReceived  bool
	IsExtraQueued bool

	extraRepeatTime uint64
	extraPrev       *AckState
	extraNext       *AckState
}

type horizon struct {
	group, object, offset uint64
	isLastFragment        bool
}

// Sender pushes one already-framed datagram onto the wire. Implemented by
// internal/conn against a quic.Connection.
type Sender interface {
	SendDatagram(payload []byte) error
}

// Config tunes the extra-repeat behavior (§4.4, §4.7's "delayed" signal).
type Config struct {
	// ExtraRepeatAfterDelayed schedules a proactive extra copy whenever a
	// fragment is first queued with QueueDelay above DelayedThresholdMs.
	ExtraRepeatAfterDelayed bool
	// ExtraRepeatOnNack schedules a proactive extra copy whenever a
	// fragment is retransmitted after a loss notification.
	ExtraRepeatOnNack bool
	// ExtraRepeatDelay is how far in the future (same time unit as the
	// caller's clock, normally milliseconds) an extra copy is scheduled.
	// Zero disables the extra-repeat mechanism entirely.
	ExtraRepeatDelay uint64
	// DelayedThresholdMs is the queue_delay above which a fragment counts
	// as "received delayed" for ExtraRepeatAfterDelayed. Defaults to 20.
	DelayedThresholdMs uint64
	// MaxDatagramQueueLength bounds a single retransmitted datagram's
	// payload; longer fragments are split into tail records.
	MaxDatagramQueueLength int
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.DelayedThresholdMs == 0 {
		cfg.DelayedThresholdMs = 20
	}
	if cfg.MaxDatagramQueueLength == 0 {
		cfg.MaxDatagramQueueLength = DefaultMaxDatagramQueueLength
	}
	return cfg
}

// Stats mirrors the teardown counters the reference implementation logs.
type Stats struct {
	FragmentsAcked  uint64
	FragmentsNacked uint64
	FragmentsAlone  uint64
	ExtraSent       uint64
	HorizonEvents   uint64
	HorizonAcks     uint64
}

// Tracker is the per-stream datagram ACK tracker and repair engine (§4.4).
type Tracker struct {
	cfg     Config
	mediaID uint64
	keys    []Key
	nodes   map[Key]*AckState
	horizon horizon

	extraHead, extraTail *AckState
	extraLen             int

	stats Stats
}

// ExtraQueueLen reports how many entries are currently waiting on the
// extra-repeat FIFO, for internal/metrics's queue-depth gauge.
func (t *Tracker) ExtraQueueLen() int { return t.extraLen }

// New returns a tracker for one sender stream's datagram flow, with the
// horizon initialized to the maximal sentinel (nothing yet confirmed).
func New(mediaID uint64, cfg Config) *Tracker {
	return &Tracker{
		cfg:     cfg.withDefaults(),
		mediaID: mediaID,
		nodes:   make(map[Key]*AckState),
		horizon: horizon{
			group:          math.MaxUint64,
			object:         math.MaxUint64,
			offset:         math.MaxUint64,
			isLastFragment: true,
		},
	}
}

// Stats returns a snapshot of the teardown counters.
func (t *Tracker) Stats() Stats { return t.stats }

// checkHorizon returns <0 if k lies below the horizon (already covered), 0 if
// k starts exactly at the horizon, and >0 if it lies beyond it.
// The subtraction is deliberately done in uint64 and reinterpreted, exactly
// as the reference tracker computes it, so the math.MaxUint64 sentinel
// compares correctly without a special case.
func (t *Tracker) checkHorizon(k Key) int64 {
	d := int64(k.Group - t.horizon.group)
	if d == 0 {
		d = int64(k.Object - t.horizon.object)
	}
	if d == 0 {
		d = int64(k.Offset - t.horizon.offset)
	}
	return d
}

func (t *Tracker) find(k Key) int {
	i := sort.Search(len(t.keys), func(i int) bool { return !t.keys[i].less(k) })
	if i < len(t.keys) && t.keys[i] == k {
		return i
	}
	return -1
}

func (t *Tracker) insert(k Key, das *AckState) {
	i := sort.Search(len(t.keys), func(i int) bool { return !t.keys[i].less(k) })
	t.keys = append(t.keys, Key{})
	copy(t.keys[i+1:], t.keys[i:])
	t.keys[i] = k
	t.nodes[k] = das
}

func (t *Tracker) deleteAt(i int) {
	k := t.keys[i]
	das := t.nodes[k]
	if das.IsExtraQueued {
		t.extraDequeue(das)
	}
	copy(t.keys[i:], t.keys[i+1:])
	t.keys = t.keys[:len(t.keys)-1]
	delete(t.nodes, k)
}

// Init is called on first transmission of a fragment (§4.4). If the
// fragment is below the horizon it is not new: the horizon-event
// counter bumps and nothing is recorded. If a record already exists for
// this key, it reports duplicate=true without creating another. Otherwise
// it creates and inserts a new record, scheduling an extra-repeat copy when
// ExtraRepeatAfterDelayed is enabled and queueDelay exceeds the threshold.
func (t *Tracker) Init(k Key, flags uint8, nbObjectsPrevGroup uint64, data []byte, length, queueDelay, objectLength, now uint64) (state *AckState, duplicate bool) {
	if t.checkHorizon(k) < 0 {
		t.stats.HorizonEvents++
		return nil, false
	}
	if i := t.find(k); i >= 0 {
		return t.nodes[k], true
	}
	das := &AckState{
		Key:                k,
		Flags:              flags,
		NbObjectsPrevGroup: nbObjectsPrevGroup,
		Length:             length,
		ObjectLength:       objectLength,
		QueueDelay:         queueDelay,
		StartTime:          now,
		LastSentTime:       now,
	}
	t.insert(k, das)
	if t.cfg.ExtraRepeatAfterDelayed && t.cfg.ExtraRepeatDelay > 0 && queueDelay > t.cfg.DelayedThresholdMs {
		t.extraQueue(das, data, now+t.cfg.ExtraRepeatDelay)
	}
	return das, false
}

// HandleAck processes an ACK (or a spurious-loss notification, which is
// handled identically: the fragment did arrive) for (g, o, offset, length).
func (t *Tracker) HandleAck(k Key, length uint64) {
	isBelowHorizon := false
	shouldCheckHorizon := false
	acked := k
	ackedLength := int64(length)

	horizonDeltaGroup := int64(k.Group - t.horizon.group)
	horizonDelta := int64(k.Object - t.horizon.object)

	switch {
	case horizonDeltaGroup == 0 && horizonDelta == 0:
		switch {
		case k.Offset+length < t.horizon.offset:
			t.stats.HorizonAcks++
			isBelowHorizon = true
		case k.Offset < t.horizon.offset:
			acked.Offset = t.horizon.offset
			ackedLength -= int64(t.horizon.offset - k.Offset)
			shouldCheckHorizon = true
		case k.Offset == t.horizon.offset:
			shouldCheckHorizon = true
		}
	case horizonDeltaGroup < 0 || (horizonDeltaGroup == 0 && horizonDelta < 0):
		isBelowHorizon = true
		t.stats.HorizonAcks++
	case horizonDeltaGroup == 0 && horizonDelta == 1 && t.horizon.isLastFragment && k.Offset == 0:
		shouldCheckHorizon = true
	case t.horizon.group == math.MaxUint64:
		shouldCheckHorizon = true
	}

	if !isBelowHorizon {
		i := t.find(Key{k.Group, k.Object, acked.Offset})
		for i >= 0 && ackedLength > 0 {
			das := t.nodes[t.keys[i]]
			das.IsAcked = true
			t.stats.FragmentsAcked++
			ackedLength -= int64(das.Length)
			if ackedLength <= 0 {
				break
			}
			nextOffset := das.Offset + das.Length
			i++
			if i >= len(t.keys) {
				break
			}
			nk := t.keys[i]
			if nk.Group != k.Group || nk.Object != k.Object || nk.Offset != nextOffset {
				break
			}
		}
	}

	if shouldCheckHorizon {
		t.advanceHorizon()
	}
}

// HandleSpuriousLost handles a "packet carrying this fragment was not
// really lost" notification: identical to an ACK, since the fragment did
// arrive at the peer.
func (t *Tracker) HandleSpuriousLost(k Key, length uint64) {
	t.HandleAck(k, length)
}

func (t *Tracker) advanceHorizon() {
	for len(t.keys) > 0 {
		das := t.nodes[t.keys[0]]
		if !das.IsAcked {
			break
		}
		justAfter := false
		switch {
		case das.Group == t.horizon.group:
			if das.Object == t.horizon.object {
				justAfter = das.Offset == t.horizon.offset
			} else if t.horizon.isLastFragment {
				justAfter = das.Object-t.horizon.object == 1 && das.Offset == 0
			}
		default:
			justAfter = t.horizon.isLastFragment &&
				das.Group == t.horizon.group+1 &&
				das.Offset == 0 &&
				das.NbObjectsPrevGroup == t.horizon.object+1
		}
		if !justAfter {
			break
		}
		t.horizon.group = das.Group
		t.horizon.object = das.Object
		t.horizon.offset = das.Offset + das.Length
		t.horizon.isLastFragment = t.horizon.offset >= das.ObjectLength
		t.deleteAt(0)
	}
}

// HandleLost processes a loss notification for (g, o, offset) sent at
// sentTime, carrying the lost datagram's own fragment payload (handed back
// by the transport's loss callback, not retained from the original send).
// A missing or already-acked record is treated as already retired: nothing
// to do. A stale notification, for a copy older than the fragment's latest
// transmission (last_sent_time more than 1ms after sentTime), is ignored.
func (t *Tracker) HandleLost(sender Sender, k Key, data []byte, sentTime, now uint64) error {
	i := t.find(k)
	if i < 0 {
		return nil
	}
	das := t.nodes[t.keys[i]]
	if das.IsAcked {
		return nil
	}
	if das.LastSentTime > sentTime+1 {
		return nil
	}
	das.NackReceived = true
	t.stats.FragmentsNacked++
	return t.handleRepeat(sender, das, data, t.cfg.ExtraRepeatOnNack, now)
}

// handleRepeat re-encodes das as one or more datagrams (splitting at
// MaxDatagramQueueLength) and hands them to sender, refreshing
// last_sent_time and optionally scheduling an extra-repeat copy of each
// piece.
func (t *Tracker) handleRepeat(sender Sender, das *AckState, data []byte, prepareExtra bool, now uint64) error {
	for {
		queueDelayDelta := uint64(0)
		if now > das.StartTime {
			queueDelayDelta = now - das.StartTime
		}
		das.LastSentTime = now
		fragmentLength := len(data)
		split := fragmentLength > t.cfg.MaxDatagramQueueLength
		if split {
			fragmentLength = t.cfg.MaxDatagramQueueLength
		}
		datagram := wire.EncodeDatagram(wire.DatagramHeader{
			MediaID:              t.mediaID,
			GroupID:              das.Group,
			ObjectID:             das.Object,
			Offset:               das.Offset,
			QueueDelay:           das.QueueDelay + queueDelayDelta,
			Flags:                das.Flags,
			NbObjectsPreviousGrp: das.NbObjectsPrevGroup,
			ObjectLength:         das.ObjectLength,
		}, data[:fragmentLength])

		if err := sender.SendDatagram(datagram); err != nil {
			return err
		}
		if prepareExtra && t.cfg.ExtraRepeatDelay > 0 {
			t.extraQueue(das, data[:fragmentLength], now+t.cfg.ExtraRepeatDelay)
		}

		if !split {
			return nil
		}

		nextOffset := das.Offset + uint64(fragmentLength)
		tailData := data[fragmentLength:]
		das.Length = uint64(fragmentLength)

		next, duplicate := t.Init(Key{das.Group, das.Object, nextOffset}, das.Flags, das.NbObjectsPrevGroup,
			tailData, uint64(len(tailData)), das.QueueDelay, das.ObjectLength, das.StartTime)
		if next == nil || duplicate {
			return nil
		}
		next.NackReceived = das.NackReceived
		das = next
		data = tailData
	}
}

// extraQueue schedules (or reschedules) an extra repeat of das at
// repeatTime, replacing any copy already queued for it.
func (t *Tracker) extraQueue(das *AckState, data []byte, repeatTime uint64) {
	if das.IsExtraQueued {
		t.extraDequeue(das)
	}
	cp := append([]byte(nil), data...)
	das.Data = cp
	das.extraRepeatTime = repeatTime
	das.IsExtraQueued = true
	das.extraPrev = t.extraTail
	das.extraNext = nil
	if t.extraTail != nil {
		t.extraTail.extraNext = das
	} else {
		t.extraHead = das
	}
	t.extraTail = das
	t.extraLen++
	t.stats.ExtraSent++
}

func (t *Tracker) extraDequeue(das *AckState) {
	if das.extraPrev != nil {
		das.extraPrev.extraNext = das.extraNext
	} else {
		t.extraHead = das.extraNext
	}
	if das.extraNext != nil {
		das.extraNext.extraPrev = das.extraPrev
	} else {
		t.extraTail = das.extraPrev
	}
	das.extraPrev = nil
	das.extraNext = nil
	das.IsExtraQueued = false
	das.extraRepeatTime = 0
	t.extraLen--
}

// SweepExtraRepeats requeues every FIFO head entry whose extraRepeatTime
// has elapsed, and returns the next wakeup time (math.MaxUint64 if the
// FIFO is empty), so the caller's scheduler knows when to sweep again.
func (t *Tracker) SweepExtraRepeats(sender Sender, now uint64) (nextWake uint64, err error) {
	nextWake = math.MaxUint64
	for t.extraHead != nil {
		das := t.extraHead
		if das.extraRepeatTime > now {
			if das.extraRepeatTime < nextWake {
				nextWake = das.extraRepeatTime
			}
			break
		}
		if rerr := t.handleRepeat(sender, das, das.Data, false, now); rerr != nil {
			err = rerr
		}
		t.extraDequeue(das)
	}
	return nextWake, err
}
