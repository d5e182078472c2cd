// Package stream implements the bidirectional control-stream state machine
// (§4.2, §4.5) and the unidirectional warp/rush data-stream state machine
// (§4.6). Both drive their outbound framing through internal/msgbuf and
// their wire messages through internal/wire; neither owns reassembly,
// caching, or congestion decisions directly — those are delegated to the
// Hooks/Producer/Congestion interfaces so this package stays a pure state
// machine, the way restys's internal/http3/conn.go keeps its per-stream
// bookkeeping separate from the HTTP semantics layered on top of it.
package stream

import (
	"github.com/warpmq/warpq/internal/msgbuf"
	"github.com/warpmq/warpq/internal/werr"
	"github.com/warpmq/warpq/internal/wire"
)

// SendState is the control stream's outbound state (§4.5).
type SendState int

const (
	SendInitial SendState = iota
	SendReady
	SendingInitial
	SendingAccept
	SendingStartPoint
	SendingFinalPoint
	SendingCachePolicy
	SendingSingleStream
	SendingSubscribe
	SendingNotify
	SendingFin
	SendingNoMore
)

func (s SendState) String() string {
	switch s {
	case SendInitial:
		return "initial"
	case SendReady:
		return "ready"
	case SendingInitial:
		return "sending_initial"
	case SendingAccept:
		return "sending_accept"
	case SendingStartPoint:
		return "sending_start_point"
	case SendingFinalPoint:
		return "sending_final_point"
	case SendingCachePolicy:
		return "sending_cache_policy"
	case SendingSingleStream:
		return "sending_single_stream"
	case SendingSubscribe:
		return "sending_subscribe"
	case SendingNotify:
		return "sending_notify"
	case SendingFin:
		return "sending_fin"
	case SendingNoMore:
		return "sending_no_more"
	default:
		return "unknown_send_state"
	}
}

// ReceiveState is the control stream's inbound state (§4.5).
type ReceiveState int

const (
	NotYetReady ReceiveState = iota
	ReceiveInitial
	ReceiveFragment
	ReceiveNotify
	ReceiveDone
)

func (s ReceiveState) String() string {
	switch s {
	case NotYetReady:
		return "not_yet_ready"
	case ReceiveInitial:
		return "receive_initial"
	case ReceiveFragment:
		return "receive_fragment"
	case ReceiveNotify:
		return "receive_notify"
	case ReceiveDone:
		return "receive_done"
	default:
		return "unknown_receive_state"
	}
}

// DataProvider is the single-stream mode's producer backlog (§4.2, §4.6).
type DataProvider interface {
	// NextFragment returns the next pending fragment for single_stream
	// mode, or ok=false if nothing is queued right now.
	NextFragment() (frag *wire.Fragment, ok bool)
}

// Hooks lets the owning connection react to decoded control messages
// without this package depending on reassembly, the cache, or congestion.
type Hooks interface {
	// OnRequest handles an inbound REQUEST and reports whether the chosen
	// intent resolves to an immediate start point to announce.
	OnRequest(req *wire.Request) (hasStart bool, startGroup, startObject uint64, err error)
	OnPost(post *wire.Post) error
	OnAccept(accept *wire.Accept) error
	OnStartPoint(groupID, objectID uint64) error
	OnFinalPoint(groupID, objectID uint64) error
	OnCachePolicy(realTime bool) error
	OnFragment(frag *wire.Fragment) error
	OnSubscribe(prefix string) error
	OnNotify(url string) error
}

// Control is one bidirectional control stream's state (§4.2, §4.5).
type Control struct {
	send SendState
	recv ReceiveState

	in  *msgbuf.Inbound
	out *msgbuf.Outbound

	hooks    Hooks
	producer DataProvider
	kickoff  wire.Message

	accept           *wire.Accept
	acceptSent       bool
	startPoint       *wire.StartPoint
	startPointSent   bool
	finalPoint       *wire.FinDatagram
	finalPointSent   bool
	cachePolicy      *wire.CachePolicy
	cachePolicySent  bool
	subscribeMsg     *wire.Subscribe
	subscribeSent    bool
	notifyQueue      []string
	notifyInFlight   map[string]bool
	pendingNotifyURL string
	pendingSend      *wire.Fragment

	isLocalFinished bool
	isPeerFinished  bool
	wantFin         bool
}

// NewServerControl returns a control stream in the state a server-opened
// stream starts in: waiting for the client's REQUEST/POST/SUBSCRIBE.
func NewServerControl(hooks Hooks) *Control {
	return &Control{
		send:           SendReady,
		recv:           ReceiveInitial,
		in:             msgbuf.NewInbound(),
		out:            msgbuf.NewOutbound(),
		hooks:          hooks,
		notifyInFlight: make(map[string]bool),
	}
}

// NewClientControl returns a control stream that opens with kickoff (a
// REQUEST, POST, or SUBSCRIBE) as its very first outbound message:
// initial → sending_initial → ready (§4.5). A SUBSCRIBE stream starts in
// receive_notify; a REQUEST or POST stream starts in not_yet_ready and
// receives fragments once the peer's ACCEPT arrives.
func NewClientControl(hooks Hooks, producer DataProvider, kickoff wire.Message) *Control {
	recv := NotYetReady
	if _, ok := kickoff.(*wire.Subscribe); ok {
		recv = ReceiveNotify
	}
	return &Control{
		send:           SendInitial,
		recv:           recv,
		in:             msgbuf.NewInbound(),
		out:            msgbuf.NewOutbound(),
		hooks:          hooks,
		producer:       producer,
		kickoff:        kickoff,
		notifyInFlight: make(map[string]bool),
	}
}

// EnterReceiveFragment moves a stream still in not_yet_ready into
// receive_fragment. An inbound ACCEPT makes the same move inside Receive.
func (c *Control) EnterReceiveFragment() {
	if c.recv == NotYetReady {
		c.recv = ReceiveFragment
	}
}

// SendState reports the current outbound state.
func (c *Control) SendState() SendState { return c.send }

// ReceiveState reports the current inbound state.
func (c *Control) ReceiveState() ReceiveState { return c.recv }

// QueueAccept stages ACCEPT for the next ready-state dispatch: the reply a
// server-side control stream sends confirming the negotiated mode and
// media_id for an accepted REQUEST/POST (§4.1). Highest send priority,
// since everything else queued on this stream presumes the peer already
// knows its media_id.
func (c *Control) QueueAccept(mode wire.TransportMode, mediaID uint64) {
	c.accept = &wire.Accept{Mode: mode, MediaID: mediaID}
	c.acceptSent = false
}

// QueueStartPoint stages START_POINT for the next ready-state dispatch.
func (c *Control) QueueStartPoint(groupID, objectID uint64) {
	c.startPoint = &wire.StartPoint{GroupID: groupID, ObjectID: objectID}
	c.startPointSent = false
}

// QueueFinalPoint stages FIN_DATAGRAM for the next ready-state dispatch.
func (c *Control) QueueFinalPoint(groupID, objectID uint64) {
	c.finalPoint = &wire.FinDatagram{GroupID: groupID, ObjectID: objectID}
	c.finalPointSent = false
}

// QueueCachePolicy stages CACHE_POLICY for the next ready-state dispatch.
func (c *Control) QueueCachePolicy(realTime bool) {
	c.cachePolicy = &wire.CachePolicy{RealTime: realTime}
	c.cachePolicySent = false
}

// QueueSubscribe stages SUBSCRIBE(prefix) for the next ready-state dispatch.
func (c *Control) QueueSubscribe(prefix string) {
	c.subscribeMsg = &wire.Subscribe{URLPrefix: prefix}
	c.subscribeSent = false
}

// QueueNotify enqueues a NOTIFY(url), suppressing a duplicate while one for
// the same URL is already queued or in flight (§4.8).
func (c *Control) QueueNotify(url string) {
	if c.notifyInFlight[url] {
		return
	}
	c.notifyInFlight[url] = true
	c.notifyQueue = append(c.notifyQueue, url)
}

// RequestFin marks that the local side has no more to send; on the next
// PrepareSend once any staged message drains, the stream emits FIN.
func (c *Control) RequestFin() { c.wantFin = true }

// IsFinished reports whether both directions have FINed (§5 finalization).
func (c *Control) IsFinished() bool { return c.isLocalFinished && c.isPeerFinished }

// Receive absorbs inbound stream bytes, decodes every complete frame, and
// drives the receive-state machine (§4.5's legal-transition table).
func (c *Control) Receive(data []byte) error {
	for _, payload := range c.in.Feed(data) {
		msg, err := wire.Decode(payload)
		if err != nil {
			return werr.Wrap(werr.Malformed, "decode control message", err)
		}
		if err := c.dispatch(msg); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveFin marks the peer's half closed, per §5's finalization rule: if
// the local side has nothing more to send, the stream moves straight to
// sending_fin.
func (c *Control) ReceiveFin() {
	c.isPeerFinished = true
	c.wantFin = true
}

func (c *Control) dispatch(msg wire.Message) error {
	switch m := msg.(type) {
	case *wire.Request:
		if c.recv != ReceiveInitial {
			return protocolViolation("REQUEST", c.recv)
		}
		hasStart, g, o, err := c.hooks.OnRequest(m)
		if err != nil {
			return err
		}
		if hasStart {
			c.QueueStartPoint(g, o)
		}
		c.recv = ReceiveDone
		return nil
	case *wire.Post:
		if c.recv != ReceiveInitial {
			return protocolViolation("POST", c.recv)
		}
		if err := c.hooks.OnPost(m); err != nil {
			return err
		}
		c.recv = ReceiveFragment
		return nil
	case *wire.Accept:
		if err := c.hooks.OnAccept(m); err != nil {
			return err
		}
		c.recv = ReceiveFragment
		return nil
	case *wire.Subscribe:
		if c.recv != ReceiveInitial {
			return protocolViolation("SUBSCRIBE", c.recv)
		}
		if err := c.hooks.OnSubscribe(m.URLPrefix); err != nil {
			return err
		}
		c.recv = ReceiveNotify
		return nil
	case *wire.StartPoint:
		if c.recv != ReceiveFragment {
			return protocolViolation("START_POINT", c.recv)
		}
		return c.hooks.OnStartPoint(m.GroupID, m.ObjectID)
	case *wire.FinDatagram:
		if c.recv != ReceiveFragment {
			return protocolViolation("FIN_DATAGRAM", c.recv)
		}
		return c.hooks.OnFinalPoint(m.GroupID, m.ObjectID)
	case *wire.CachePolicy:
		if c.recv != ReceiveFragment {
			return protocolViolation("CACHE_POLICY", c.recv)
		}
		return c.hooks.OnCachePolicy(m.RealTime)
	case *wire.Fragment:
		if c.recv != ReceiveFragment {
			return protocolViolation("FRAGMENT", c.recv)
		}
		return c.hooks.OnFragment(m)
	case *wire.Notify:
		if c.recv != ReceiveNotify {
			return protocolViolation("NOTIFY", c.recv)
		}
		return c.hooks.OnNotify(m.URL)
	default:
		return werr.Malformedf("unexpected message type on control stream")
	}
}

func protocolViolation(msgType string, in ReceiveState) error {
	return werr.Protocolf("%s is not legal in state %s", msgType, in)
}

// PrepareSend drives the outbound state machine and returns up to space
// bytes to hand the QUIC stack's prepare-to-send callback, along with the
// more_to_send hint and whether this call should also set the stream FIN.
func (c *Control) PrepareSend(space int) (chunk []byte, moreToSend bool, fin bool) {
	if !c.out.Pending() {
		c.enterNextSend()
		if c.send == SendingNoMore {
			c.isLocalFinished = true
			return nil, false, false
		}
		if c.send == SendingFin && !c.out.Pending() {
			// FIN carries no payload of its own: signal it immediately.
			c.finishCurrentSend()
			return nil, false, true
		}
		if !c.out.Pending() {
			return nil, false, false
		}
	}
	chunk, moreToSend = c.out.Drain(space)
	if !c.out.Pending() {
		fin = c.send == SendingFin
		c.finishCurrentSend()
	}
	return chunk, moreToSend, fin
}

// enterNextSend stages the highest-priority pending message into the
// outbound buffer and moves to the matching sending_* state (§4.5's
// priority list). No-op if nothing is pending.
func (c *Control) enterNextSend() {
	if c.send == SendInitial {
		c.stage(c.kickoff, SendingInitial)
		return
	}
	if c.send != SendReady {
		return
	}
	switch {
	case c.accept != nil && !c.acceptSent:
		c.stage(c.accept, SendingAccept)
	case c.startPoint != nil && !c.startPointSent:
		c.stage(c.startPoint, SendingStartPoint)
	case c.finalPoint != nil && !c.finalPointSent:
		c.stage(c.finalPoint, SendingFinalPoint)
	case c.cachePolicy != nil && !c.cachePolicySent:
		c.stage(c.cachePolicy, SendingCachePolicy)
	case c.producer != nil && c.pendingSend == nil && c.tryFillSingleStream():
		c.stage(c.pendingSend, SendingSingleStream)
	case c.subscribeMsg != nil && !c.subscribeSent:
		c.stage(c.subscribeMsg, SendingSubscribe)
	case len(c.notifyQueue) > 0:
		url := c.notifyQueue[0]
		c.notifyQueue = c.notifyQueue[1:]
		c.stage(&wire.Notify{URL: url}, SendingNotify)
		c.pendingNotifyURL = url
	case c.wantFin:
		c.send = SendingFin
	}
}

func (c *Control) tryFillSingleStream() bool {
	frag, ok := c.producer.NextFragment()
	if !ok {
		return false
	}
	c.pendingSend = frag
	return true
}

func (c *Control) stage(msg wire.Message, state SendState) {
	frame, err := wire.EncodeFrame(msg)
	if err != nil {
		// A message this package constructed itself can never fail to
		// encode; surface loudly rather than silently drop data.
		panic(err)
	}
	c.out.Enqueue(frame)
	c.send = state
}

func (c *Control) finishCurrentSend() {
	switch c.send {
	case SendingInitial:
		c.kickoff = nil
	case SendingAccept:
		c.acceptSent = true
	case SendingStartPoint:
		c.startPointSent = true
	case SendingFinalPoint:
		c.finalPointSent = true
	case SendingCachePolicy:
		c.cachePolicySent = true
	case SendingSingleStream:
		c.pendingSend = nil
	case SendingSubscribe:
		c.subscribeSent = true
	case SendingNotify:
		delete(c.notifyInFlight, c.pendingNotifyURL)
		c.pendingNotifyURL = ""
	case SendingFin:
		c.isLocalFinished = true
		c.send = SendingNoMore
		return
	}
	c.send = SendReady
}
