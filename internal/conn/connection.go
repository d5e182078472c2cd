package conn

import (
	"context"
	"io"
	"math"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/quic-go/quic-go"

	"github.com/warpmq/warpq/internal/dgram"
	"github.com/warpmq/warpq/internal/stream"
	"github.com/warpmq/warpq/internal/werr"
	"github.com/warpmq/warpq/internal/wire"
)

// Connection owns one QUIC connection's streams (§3: created on accept/
// connect, destroyed on close, owns every stream it opened or accepted).
// It is manufactured by Context.OnNewConnection, never constructed
// directly, mirroring restys's internal/http3.newConnection factory.
type Connection struct {
	fx          *Context
	qc          QUICConnection
	perspective Perspective
	ids         *mediaIDAllocator

	mu            sync.Mutex
	subs          map[*Subscription]struct{}
	byMediaID     map[uint64]*Subscription
	trackers      map[uint64]*dgram.Tracker
	prevStats     map[uint64]dgram.Stats
	closed        bool
	closeErr      error
	closeOnceDone chan struct{}
}

func newConnection(fx *Context, qc QUICConnection, perspective Perspective) *Connection {
	return &Connection{
		fx:            fx,
		qc:            qc,
		perspective:   perspective,
		ids:           &mediaIDAllocator{},
		subs:          make(map[*Subscription]struct{}),
		byMediaID:     make(map[uint64]*Subscription),
		trackers:      make(map[uint64]*dgram.Tracker),
		prevStats:     make(map[uint64]dgram.Stats),
		closeOnceDone: make(chan struct{}),
	}
}

// Serve runs the connection's accept loops until ctx is done or the QUIC
// connection itself closes, then tears every owned stream down. It is the
// Go translation of §5's event loop: each loop below blocks only on a QUIC
// accept/receive call, and every message it gets is run to completion
// before the loop asks for the next one.
func (c *Connection) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, 3)

	wg.Add(3)
	go func() { defer wg.Done(); errs <- c.acceptBidiLoop(ctx) }()
	go func() { defer wg.Done(); errs <- c.acceptUniLoop(ctx) }()
	go func() { defer wg.Done(); errs <- c.receiveDatagramLoop(ctx) }()

	first := <-errs
	c.Close(first)
	wg.Wait()
	close(errs)

	var merr *multierror.Error
	if first != nil {
		merr = multierror.Append(merr, first)
	}
	for e := range errs {
		if e != nil {
			merr = multierror.Append(merr, e)
		}
	}
	return merr.ErrorOrNil()
}

// acceptBidiLoop accepts control streams opened by the peer (§3's
// "Bidirectional stream" entity, server side of the handshake from
// internal/stream.Control's point of view).
func (c *Connection) acceptBidiLoop(ctx context.Context) error {
	for {
		qstr, err := c.qc.AcceptStream(ctx)
		if err != nil {
			return err
		}
		sub := c.newServerSubscription(qstr)
		c.trackSubscription(sub)
		go func() {
			err := sub.pump()
			c.untrackSubscription(sub)
			if err != nil {
				c.fx.logger().Debugf("control stream %v closed: %v", qstr.StreamID(), err)
			}
		}()
	}
}

// acceptUniLoop accepts unidirectional warp/rush data streams (§4.6). Each
// stream opens with a WARP_HEADER carrying the media_id that correlates it
// to an already-negotiated Subscription; a stream for an unknown media_id
// is cancelled rather than buffered, since there is no subscription to
// reassemble it against.
func (c *Connection) acceptUniLoop(ctx context.Context) error {
	for {
		rstr, err := c.qc.AcceptUniStream(ctx)
		if err != nil {
			return err
		}
		go c.pumpUniStream(rstr)
	}
}

func (c *Connection) pumpUniStream(rstr quic.ReceiveStream) {
	sink := &uniSink{
		lookup: func(mediaID uint64) (*Subscription, bool) {
			c.mu.Lock()
			defer c.mu.Unlock()
			s, ok := c.byMediaID[mediaID]
			return s, ok
		},
	}

	// The wire's WARP_HEADER/OBJECT_HEADER framing is identical for warp
	// and rush; only the object-id sequencing rule differs, and that rule
	// is irrelevant to reassembly (§4.3 merges by (group, object, offset)
	// regardless of mode), so either mode decodes this stream correctly.
	recv := stream.NewReceiverStream(wire.ModeWarp, sink)
	buf := make([]byte, 4096)
	for {
		n, err := rstr.Read(buf)
		if n > 0 {
			if derr := recv.Receive(buf[:n]); derr != nil {
				c.fx.logger().Debugf("uni stream %v: %v", rstr.StreamID(), derr)
				rstr.CancelRead(0)
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if ferr := recv.ReceiveFin(); ferr != nil {
					c.fx.logger().Debugf("uni stream %v: %v", rstr.StreamID(), ferr)
				}
			}
			return
		}
	}
}

// uniSink adapts a warp/rush receive stream's decoded content onto the
// correlated Subscription's reassembler (§4.3), resolving the
// subscription lazily from the stream's own WARP_HEADER since unidirectional
// streams carry no other correlation id.
type uniSink struct {
	lookup func(mediaID uint64) (*Subscription, bool)

	sub              *Subscription
	groupID          uint64
	nbObjectsPrevGrp uint64
}

func (s *uniSink) OnWarpHeader(mediaID, groupID uint64) error {
	sub, ok := s.lookup(mediaID)
	if !ok {
		return werr.Protocolf("data stream for unknown media_id %d", mediaID)
	}
	s.sub = sub
	s.groupID = groupID
	return nil
}

func (s *uniSink) OnObjectHeader(h wire.ObjectHeader) error {
	s.nbObjectsPrevGrp = h.NbObjectsPreviousGrp
	if h.IsSkipped() {
		ready := s.sub.reasm.AddFragment(s.groupID, h.ObjectID, 0, nil, 0, h.NbObjectsPreviousGrp, h.Flags, true)
		for _, r := range ready {
			s.sub.deliver(r)
		}
	}
	return nil
}

func (s *uniSink) OnObjectData(objectID, offset uint64, data []byte) error {
	ready := s.sub.reasm.AddFragment(s.groupID, objectID, offset, data, 0, s.nbObjectsPrevGrp, 0, false)
	for _, r := range ready {
		s.sub.deliver(r)
	}
	return nil
}

// receiveDatagramLoop absorbs datagram-mode fragments (§4.4/§4.6) and feeds
// them into the correlated Subscription's reassembler. Outbound ACK/loss
// bookkeeping (internal/dgram.Tracker) is kept separately: the Connection
// holds one Tracker per media_id (created in bindMediaID) and drives it from
// SweepRepairs with the QUIC connection as its Sender; this loop only ever
// reads.
func (c *Connection) receiveDatagramLoop(ctx context.Context) error {
	for {
		b, err := c.qc.ReceiveDatagram(ctx)
		if err != nil {
			return err
		}
		hdr, payload, err := wire.DecodeDatagram(b)
		if err != nil {
			c.fx.logger().Debugf("malformed datagram: %v", err)
			continue
		}
		c.mu.Lock()
		sub, ok := c.byMediaID[hdr.MediaID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		skip := hdr.Flags == wire.FlagSkippedObject && hdr.ObjectLength == 0
		ready := sub.reasm.AddFragment(hdr.GroupID, hdr.ObjectID, hdr.Offset, payload,
			hdr.ObjectLength, hdr.NbObjectsPreviousGrp, hdr.Flags, skip)
		for _, r := range ready {
			sub.deliver(r)
		}
	}
}

// newServerSubscription wraps a peer-opened control stream in a Control
// state machine waiting for REQUEST/POST/SUBSCRIBE (§4.5).
func (c *Connection) newServerSubscription(qstr rwStream) *Subscription {
	sub := newSubscription(qstr, nil)
	hooks := &connHooks{c: c, sub: sub}
	sub.ctl = stream.NewServerControl(hooks)
	return sub
}

// OpenSubscription actively opens a new control stream and kicks it off
// with a REQUEST, POST, or SUBSCRIBE message (§4.2's client role, which is
// independent of which side accepted the underlying QUIC connection).
// producer is consulted for single_stream-mode backlog; it may be nil for
// every other mode.
func (c *Connection) OpenSubscription(ctx context.Context, kickoff wire.Message, producer stream.DataProvider) (*Subscription, error) {
	qstr, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	sub := newSubscription(qstr, nil)
	hooks := &connHooks{c: c, sub: sub}
	sub.ctl = stream.NewClientControl(hooks, producer, kickoff)

	switch m := kickoff.(type) {
	case *wire.Request:
		sub.setNegotiated(m.URL, m.Mode, 0, nil)
	case *wire.Post:
		sub.setNegotiated(m.URL, m.Mode, 0, nil)
	}

	c.trackSubscription(sub)
	return sub, nil
}

func (c *Connection) trackSubscription(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.closeLocal()
		return
	}
	c.subs[sub] = struct{}{}
	c.fx.metrics().StreamOpened(sub.Mode().String())
}

func (c *Connection) untrackSubscription(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	if sub.MediaID() != 0 {
		if c.byMediaID[sub.MediaID()] == sub {
			delete(c.byMediaID, sub.MediaID())
		}
	}
	c.mu.Unlock()
	c.fx.metrics().StreamClosed(sub.Mode().String())
}

// bindMediaID records that mediaID's data streams and datagrams should be
// reassembled against sub, called once ACCEPT (or an accepted REQUEST)
// assigns the media identity (§4.1).
func (c *Connection) bindMediaID(mediaID uint64, sub *Subscription) {
	c.mu.Lock()
	c.byMediaID[mediaID] = sub
	if _, ok := c.trackers[mediaID]; !ok {
		c.trackers[mediaID] = dgram.New(mediaID, c.fx.Repair)
	}
	c.mu.Unlock()
}

// SweepRepairs drives every media_id's extra-repeat queue on this
// connection (§4.4/§4.7) and reports the soonest time any of them next
// needs attention, so internal/repair's scheduler knows when to call
// back in. now and the returned wake time share the caller's clock
// (milliseconds since an arbitrary epoch, consistent with
// internal/dgram.Tracker's own convention).
func (c *Connection) SweepRepairs(now uint64) (nextWake uint64, err error) {
	c.mu.Lock()
	trackers := make(map[uint64]*dgram.Tracker, len(c.trackers))
	for mediaID, t := range c.trackers {
		trackers[mediaID] = t
	}
	c.mu.Unlock()

	nextWake = math.MaxUint64
	var merr *multierror.Error
	for mediaID, t := range trackers {
		wake, serr := t.SweepExtraRepeats(c.qc, now)
		if serr != nil {
			merr = multierror.Append(merr, serr)
		}
		if wake < nextWake {
			nextWake = wake
		}

		cur := t.Stats()
		c.mu.Lock()
		prev := c.prevStats[mediaID]
		c.prevStats[mediaID] = cur
		c.mu.Unlock()
		delta := dgram.Stats{
			FragmentsAcked:  cur.FragmentsAcked - prev.FragmentsAcked,
			FragmentsNacked: cur.FragmentsNacked - prev.FragmentsNacked,
			FragmentsAlone:  cur.FragmentsAlone - prev.FragmentsAlone,
			ExtraSent:       cur.ExtraSent - prev.ExtraSent,
			HorizonEvents:   cur.HorizonEvents - prev.HorizonEvents,
			HorizonAcks:     cur.HorizonAcks - prev.HorizonAcks,
		}
		c.fx.metrics().DatagramStats(mediaID, delta, t.ExtraQueueLen())
	}
	return nextWake, merr.ErrorOrNil()
}

// Close tears down every owned subscription and the underlying QUIC
// connection. reason is reported to the peer's CloseWithError and to
// Metrics.ConnectionClosed; it may be nil for a clean shutdown.
func (c *Connection) Close(reason error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.closeOnceDone
		return c.closeErr
	}
	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var merr *multierror.Error
	for _, sub := range subs {
		if err := sub.closeLocal(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	code := quic.ApplicationErrorCode(0)
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	if err := c.qc.CloseWithError(code, msg); err != nil {
		merr = multierror.Append(merr, err)
	}

	c.closeErr = merr.ErrorOrNil()
	c.fx.metrics().ConnectionClosed(c.perspective.String(), reason)
	close(c.closeOnceDone)
	return c.closeErr
}
