package stream

import (
	"testing"

	"github.com/warpmq/warpq/internal/werr"
	"github.com/warpmq/warpq/internal/wire"
)

// fakeHooks records every callback invocation so dispatch ordering and
// arguments can be asserted without a real connection behind it.
type fakeHooks struct {
	requests   []*wire.Request
	posts      []*wire.Post
	accepts    []*wire.Accept
	starts     [][2]uint64
	finals     [][2]uint64
	policies   []bool
	fragments  []*wire.Fragment
	subscribes []string
	notifies   []string

	requestHasStart        bool
	requestStartG, startO  uint64
	requestErr, onOtherErr error
}

func (h *fakeHooks) OnRequest(req *wire.Request) (bool, uint64, uint64, error) {
	h.requests = append(h.requests, req)
	return h.requestHasStart, h.requestStartG, h.startO, h.requestErr
}
func (h *fakeHooks) OnPost(p *wire.Post) error {
	h.posts = append(h.posts, p)
	return h.onOtherErr
}
func (h *fakeHooks) OnAccept(a *wire.Accept) error {
	h.accepts = append(h.accepts, a)
	return h.onOtherErr
}
func (h *fakeHooks) OnStartPoint(g, o uint64) error {
	h.starts = append(h.starts, [2]uint64{g, o})
	return h.onOtherErr
}
func (h *fakeHooks) OnFinalPoint(g, o uint64) error {
	h.finals = append(h.finals, [2]uint64{g, o})
	return h.onOtherErr
}
func (h *fakeHooks) OnCachePolicy(realTime bool) error {
	h.policies = append(h.policies, realTime)
	return h.onOtherErr
}
func (h *fakeHooks) OnFragment(f *wire.Fragment) error {
	h.fragments = append(h.fragments, f)
	return h.onOtherErr
}
func (h *fakeHooks) OnSubscribe(prefix string) error {
	h.subscribes = append(h.subscribes, prefix)
	return h.onOtherErr
}
func (h *fakeHooks) OnNotify(url string) error {
	h.notifies = append(h.notifies, url)
	return h.onOtherErr
}

// feed round-trips msg through EncodeFrame and Receive, as a real peer's
// bytes would arrive off the QUIC stream.
func feed(t *testing.T, c *Control, msg wire.Message) error {
	t.Helper()
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return c.Receive(frame)
}

func TestServerControlRejectsRequestInWrongState(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewServerControl(hooks)
	c.recv = ReceiveDone

	err := feed(t, c, &wire.Request{URL: "a", Mode: wire.ModeDatagram})
	if werr.KindOf(err) != werr.Protocol {
		t.Fatalf("expected a protocol violation, got %v", err)
	}
}

func TestServerControlAcceptsRequestAndQueuesStartPoint(t *testing.T) {
	hooks := &fakeHooks{requestHasStart: true, requestStartG: 3, startO: 1}
	c := NewServerControl(hooks)

	if err := feed(t, c, &wire.Request{URL: "media/a", Mode: wire.ModeDatagram}); err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(hooks.requests) != 1 || hooks.requests[0].URL != "media/a" {
		t.Fatalf("expected OnRequest to be called once with the decoded request")
	}
	if c.recv != ReceiveDone {
		t.Fatalf("expected recv state receive_done after REQUEST, got %v", c.recv)
	}
	if c.startPoint == nil || c.startPointSent {
		t.Fatalf("expected a staged, unsent start point")
	}
}

func TestControlPriorityOrdersStartBeforeCachePolicyBeforeSubscribe(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewServerControl(hooks)
	c.recv = ReceiveDone

	c.QueueSubscribe("media/")
	c.QueueCachePolicy(true)
	c.QueueStartPoint(1, 2)

	// First drained message must be START_POINT (highest priority).
	chunk, _, _ := c.PrepareSend(1024)
	msg, err := wire.Decode(chunk[2:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(*wire.StartPoint); !ok {
		t.Fatalf("expected START_POINT first, got %T", msg)
	}
	if c.send != SendReady {
		t.Fatalf("expected send state back to ready after a full drain, got %v", c.send)
	}

	chunk, _, _ = c.PrepareSend(1024)
	msg, err = wire.Decode(chunk[2:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(*wire.CachePolicy); !ok {
		t.Fatalf("expected CACHE_POLICY second, got %T", msg)
	}

	chunk, _, _ = c.PrepareSend(1024)
	msg, err = wire.Decode(chunk[2:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(*wire.Subscribe); !ok {
		t.Fatalf("expected SUBSCRIBE third, got %T", msg)
	}
}

func TestControlDrainRespectsSpaceAcrossMultipleCalls(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewServerControl(hooks)
	c.recv = ReceiveDone
	c.QueueSubscribe("a-fairly-long-prefix-to-force-a-split-across-chunks")

	var got []byte
	for {
		chunk, more, fin := c.PrepareSend(3)
		got = append(got, chunk...)
		if fin {
			t.Fatalf("did not expect FIN while draining SUBSCRIBE")
		}
		if !more {
			break
		}
	}
	msg, err := wire.Decode(got[2:])
	if err != nil {
		t.Fatalf("decode reassembled SUBSCRIBE: %v", err)
	}
	if msg.(*wire.Subscribe).URLPrefix != "a-fairly-long-prefix-to-force-a-split-across-chunks" {
		t.Fatalf("payload corrupted across chunked drain")
	}
	if !c.subscribeSent {
		t.Fatalf("expected subscribeSent to be true once fully drained")
	}
}

func TestClientControlSendsKickoffThenReady(t *testing.T) {
	hooks := &fakeHooks{}
	kickoff := &wire.Request{URL: "media/b", Mode: wire.ModeWarp}
	c := NewClientControl(hooks, nil, kickoff)

	if c.SendState() != SendInitial {
		t.Fatalf("expected initial send state before the first PrepareSend")
	}
	chunk, _, fin := c.PrepareSend(1024)
	if fin {
		t.Fatalf("did not expect FIN while sending kickoff")
	}
	msg, err := wire.Decode(chunk[2:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, ok := msg.(*wire.Request)
	if !ok || req.URL != "media/b" {
		t.Fatalf("expected the kickoff REQUEST to be sent first, got %T", msg)
	}
	if c.SendState() != SendReady {
		t.Fatalf("expected send state ready once kickoff has fully drained, got %v", c.SendState())
	}
	if c.kickoff != nil {
		t.Fatalf("expected kickoff to be cleared once sent")
	}
}

func TestNotifyQueueDedupesInFlightURL(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewServerControl(hooks)
	c.QueueNotify("media/x")
	c.QueueNotify("media/x")
	if len(c.notifyQueue) != 1 {
		t.Fatalf("expected duplicate NOTIFY enqueue to be suppressed, got %d queued", len(c.notifyQueue))
	}

	chunk, _, _ := c.PrepareSend(1024)
	msg, err := wire.Decode(chunk[2:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.(*wire.Notify).URL != "media/x" {
		t.Fatalf("unexpected NOTIFY payload: %+v", msg)
	}
	// Once the in-flight NOTIFY has been fully sent, re-queuing the same
	// URL must be accepted again.
	c.QueueNotify("media/x")
	if len(c.notifyQueue) != 1 {
		t.Fatalf("expected re-queue to succeed once the prior NOTIFY drained, got %d queued", len(c.notifyQueue))
	}
}

func TestFinWaitsForLocalSendsThenSignalsFinOnce(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewServerControl(hooks)
	c.recv = ReceiveDone
	c.QueueStartPoint(0, 0)
	c.RequestFin()

	// START_POINT still has priority over FIN.
	chunk, _, fin := c.PrepareSend(1024)
	if fin {
		t.Fatalf("did not expect FIN before START_POINT has drained")
	}
	if _, err := wire.Decode(chunk[2:]); err != nil {
		t.Fatalf("decode: %v", err)
	}

	// Now nothing else is staged: FIN should fire with no payload.
	chunk, more, fin = c.PrepareSend(1024)
	if chunk != nil || more {
		t.Fatalf("expected FIN to carry no payload, got chunk=%v more=%v", chunk, more)
	}
	if !fin {
		t.Fatalf("expected FIN to be signaled once START_POINT had drained")
	}
	if c.SendState() != SendingNoMore {
		t.Fatalf("expected send state sending_no_more after FIN, got %v", c.SendState())
	}
	if !c.isLocalFinished {
		t.Fatalf("expected isLocalFinished to be set after FIN")
	}
	if c.IsFinished() {
		t.Fatalf("IsFinished should require both directions, peer has not FINed")
	}
}

func TestReceiveFinAfterPendingSendStillDrainsThenFins(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewServerControl(hooks)
	c.recv = ReceiveDone
	c.QueueCachePolicy(true)

	// Peer FINs while we still have a CACHE_POLICY staged to send.
	c.ReceiveFin()
	if !c.isPeerFinished || !c.wantFin {
		t.Fatalf("expected ReceiveFin to set both peer-finished and want-fin")
	}

	chunk, _, fin := c.PrepareSend(1024)
	if fin {
		t.Fatalf("CACHE_POLICY must drain before FIN is signaled")
	}
	if _, err := wire.Decode(chunk[2:]); err != nil {
		t.Fatalf("decode: %v", err)
	}

	_, _, fin = c.PrepareSend(1024)
	if !fin {
		t.Fatalf("expected FIN once the staged CACHE_POLICY had drained")
	}
	if !c.IsFinished() {
		t.Fatalf("expected IsFinished once both local and peer have FINed")
	}
}

func TestSubscribeThenNotifyLegalTransitions(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewServerControl(hooks)

	if err := feed(t, c, &wire.Subscribe{URLPrefix: "media/"}); err != nil {
		t.Fatalf("Receive SUBSCRIBE: %v", err)
	}
	if len(hooks.subscribes) != 1 || hooks.subscribes[0] != "media/" {
		t.Fatalf("expected OnSubscribe to be called with the prefix")
	}
	if c.recv != ReceiveNotify {
		t.Fatalf("expected recv state receive_notify after SUBSCRIBE, got %v", c.recv)
	}

	if err := feed(t, c, &wire.Notify{URL: "media/a"}); err != nil {
		t.Fatalf("Receive NOTIFY: %v", err)
	}
	if len(hooks.notifies) != 1 || hooks.notifies[0] != "media/a" {
		t.Fatalf("expected OnNotify to be called with the URL")
	}

	// A second SUBSCRIBE is illegal once in receive_notify.
	err := feed(t, c, &wire.Subscribe{URLPrefix: "other/"})
	if werr.KindOf(err) != werr.Protocol {
		t.Fatalf("expected a protocol violation for a second SUBSCRIBE, got %v", err)
	}
}

func TestFragmentIllegalBeforeAccept(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewClientControl(hooks, nil, &wire.Request{URL: "a", Mode: wire.ModeSingleStream})
	// recv is still not_yet_ready: no ACCEPT/START_POINT has arrived.
	err := feed(t, c, &wire.Fragment{GroupID: 0, ObjectID: 0})
	if werr.KindOf(err) != werr.Protocol {
		t.Fatalf("expected a protocol violation for FRAGMENT before receive_fragment, got %v", err)
	}
}

func TestAcceptMovesClientIntoReceiveFragment(t *testing.T) {
	hooks := &fakeHooks{}
	c := NewClientControl(hooks, nil, &wire.Request{URL: "a", Mode: wire.ModeSingleStream})

	if err := feed(t, c, &wire.Accept{Mode: wire.ModeSingleStream, MediaID: 7}); err != nil {
		t.Fatalf("Receive ACCEPT: %v", err)
	}
	if len(hooks.accepts) != 1 || hooks.accepts[0].MediaID != 7 {
		t.Fatalf("expected OnAccept to be called with the decoded ACCEPT")
	}
	if c.recv != ReceiveFragment {
		t.Fatalf("expected recv state receive_fragment after ACCEPT, got %v", c.recv)
	}

	if err := feed(t, c, &wire.Fragment{GroupID: 1, ObjectID: 0}); err != nil {
		t.Fatalf("Receive FRAGMENT: %v", err)
	}
	if len(hooks.fragments) != 1 || hooks.fragments[0].GroupID != 1 {
		t.Fatalf("expected OnFragment to be called with the decoded fragment")
	}
}

type fifoProducer struct {
	frags []*wire.Fragment
}

func (p *fifoProducer) NextFragment() (*wire.Fragment, bool) {
	if len(p.frags) == 0 {
		return nil, false
	}
	f := p.frags[0]
	p.frags = p.frags[1:]
	return f, true
}

func TestSingleStreamProducerFillsBetweenControlMessages(t *testing.T) {
	hooks := &fakeHooks{}
	producer := &fifoProducer{frags: []*wire.Fragment{
		{GroupID: 0, ObjectID: 0, Data: []byte("x")},
	}}
	c := NewServerControl(hooks)
	c.producer = producer
	c.recv = ReceiveDone
	c.QueueStartPoint(0, 0)

	// START_POINT still outranks the producer's fragment.
	chunk, _, _ := c.PrepareSend(1024)
	msg, err := wire.Decode(chunk[2:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := msg.(*wire.StartPoint); !ok {
		t.Fatalf("expected START_POINT before the producer's fragment, got %T", msg)
	}

	chunk, _, _ = c.PrepareSend(1024)
	msg, err = wire.Decode(chunk[2:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	frag, ok := msg.(*wire.Fragment)
	if !ok || string(frag.Data) != "x" {
		t.Fatalf("expected the producer's queued fragment next, got %T", msg)
	}
	if c.pendingSend != nil {
		t.Fatalf("expected pendingSend cleared once the fragment fully drained")
	}
}
