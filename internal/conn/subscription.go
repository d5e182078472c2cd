package conn

import (
	"io"
	"sync"

	"github.com/warpmq/warpq/internal/reassembly"
	"github.com/warpmq/warpq/internal/stream"
	"github.com/warpmq/warpq/internal/wire"
)

// rwStream is the minimal surface a bidirectional control stream pump
// needs. quic.Stream satisfies it structurally, and so does the
// net.Conn pair from net.Pipe, which is what the tests drive against.
type rwStream interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)
	Close() error
}

// subscriptionChunkSize bounds a single PrepareSend/Write call, standing
// in for the QUIC stack's offered prepare-to-send space (§6).
const subscriptionChunkSize = 4096

// Subscription is one bidirectional control stream (§3's "Bidirectional
// stream" entity): the REQUEST/POST/ACCEPT handshake plus, for
// single_stream mode, the FRAGMENT traffic itself. Warp/rush/datagram
// payload travels elsewhere (unidirectional streams, datagrams); this
// struct only tracks the negotiated mode and media identity for those.
type Subscription struct {
	str   rwStream
	ctl   *stream.Control
	reasm *reassembly.Reassembler

	mu               sync.Mutex
	url              string
	mode             wire.TransportMode
	mediaID          uint64
	source           Source
	realTimeCache    bool
	subscribedPrefix string
	subscribedFn     func(url string)

	// Consumer receives every object the reassembler hands back, in
	// delivery order (§4.3). Nil-safe: unset means deliveries are
	// dropped, matching the Debugf-style optional-hook idiom used
	// throughout this codebase.
	Consumer func(reassembly.Ready)
	// NotifyHandler receives every NOTIFY this subscription's own
	// SUBSCRIBE triggered (client-side subscribe, §4.8).
	NotifyHandler func(url string)

	wake    chan struct{}
	closeCh chan struct{}

	closeOnce sync.Once
}

func newSubscription(str rwStream, ctl *stream.Control) *Subscription {
	return &Subscription{
		str:     str,
		ctl:     ctl,
		reasm:   reassembly.New(),
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
}

func (s *Subscription) markActive() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// URL, Mode, MediaID, and Source report the negotiated identity of this
// subscription once its handshake has completed; Mode is
// wire.ModeSingleStream (the zero value) until then.
func (s *Subscription) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *Subscription) Mode() wire.TransportMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Subscription) MediaID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediaID
}

func (s *Subscription) setNegotiated(url string, mode wire.TransportMode, mediaID uint64, src Source) {
	s.mu.Lock()
	s.url, s.mode, s.mediaID, s.source = url, mode, mediaID, src
	s.mu.Unlock()
}

func (s *Subscription) setCachePolicy(realTime bool) {
	s.mu.Lock()
	s.realTimeCache = realTime
	s.mu.Unlock()
}

func (s *Subscription) setSubscription(prefix string, notify func(url string)) {
	s.mu.Lock()
	s.subscribedPrefix, s.subscribedFn = prefix, notify
	s.mu.Unlock()
}

// deliver hands one reassembled object to Consumer, if set.
func (s *Subscription) deliver(r reassembly.Ready) {
	if s.Consumer != nil {
		s.Consumer(r)
	}
}

// deliverNotify hands one NOTIFY(url) to NotifyHandler, if set.
func (s *Subscription) deliverNotify(url string) {
	if s.NotifyHandler != nil {
		s.NotifyHandler(url)
	}
}

// RequestFin asks the control stream to FIN once anything already
// staged has drained (§5 cancellation: "on the next prepare-to-send, the
// stream sends FIN").
func (s *Subscription) RequestFin() {
	s.ctl.RequestFin()
	s.markActive()
}

// pump runs the subscription's read and write loops, each processed to
// completion (decoded, dispatched) before asking for more, the
// goroutine-pair translation of §5's callback-driven model where QUIC's
// blocking Read/Write calls stand in for on_stream_data/prepare-to-send.
//
// A hard error from either loop means the stream itself is broken, so the
// stream is torn down immediately rather than waiting on the other loop,
// which may otherwise block forever on I/O that can no longer complete. A
// graceful (nil) first return says nothing about the other direction: the
// peer's FIN closing readLoop doesn't mean writeLoop has drained its
// queue, and writeLoop sending its own FIN doesn't mean the peer's FIN has
// arrived yet. So pump waits for both loops before closing (§5's
// both-directions-drain close ordering).
func (s *Subscription) pump() error {
	errCh := make(chan error, 2)
	go func() { errCh <- s.readLoop() }()
	go func() { errCh <- s.writeLoop() }()

	first := <-errCh
	if first != nil {
		s.closeLocal()
		<-errCh
		return first
	}

	second := <-errCh
	s.closeLocal()
	return second
}

func (s *Subscription) readLoop() error {
	buf := make([]byte, subscriptionChunkSize)
	for {
		n, err := s.str.Read(buf)
		if n > 0 {
			if derr := s.ctl.Receive(buf[:n]); derr != nil {
				return derr
			}
			s.markActive()
		}
		if err != nil {
			if err == io.EOF {
				s.ctl.ReceiveFin()
				s.markActive()
				return nil
			}
			return err
		}
	}
}

func (s *Subscription) writeLoop() error {
	for {
		chunk, _, fin := s.ctl.PrepareSend(subscriptionChunkSize)
		if len(chunk) > 0 {
			if _, err := s.str.Write(chunk); err != nil {
				return err
			}
		}
		if fin {
			return nil
		}
		if len(chunk) == 0 {
			select {
			case <-s.wake:
			case <-s.closeCh:
				return nil
			}
		}
	}
}

// closeLocal tears down the subscription without waiting for the peer,
// used on connection-level close (§5: "tears down every owned stream").
// Safe to call concurrently with a live pump(): closeCh is only ever
// closed, never sent on, so it carries no send-after-close race the way
// signaling via wake would.
func (s *Subscription) closeLocal() error {
	s.closeOnce.Do(func() {
		close(s.closeCh)
		s.str.Close()
	})
	return nil
}
