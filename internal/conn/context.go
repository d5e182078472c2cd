// Package conn owns the QUIC connection and stream lifecycle (§3's
// "Connection"/"Bidirectional stream"/"Unidirectional stream" entities):
// accepting or opening streams, driving internal/stream's state machines
// over them, and tearing every owned stream down when the connection
// closes. It depends on internal/stream, internal/dgram, and
// internal/reassembly for the actual protocol logic and stays a thin
// wiring layer, the way restys's internal/http3.connection wires
// stream/request bookkeeping around a raw quic.Connection.
package conn

import (
	"context"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/warpmq/warpq/internal/dgram"
	"github.com/warpmq/warpq/internal/logging"
	"github.com/warpmq/warpq/internal/wire"
)

// Perspective records which side of the handshake a connection is on,
// exactly as restys's http3.Perspective does for its own connections.
type Perspective int

const (
	PerspectiveServer Perspective = iota
	PerspectiveClient
)

func (p Perspective) String() string {
	if p == PerspectiveClient {
		return "client"
	}
	return "server"
}

// QUICConnection is the subset of quic.Connection the core drives
// directly (§6's "QUIC stack consumed" operations). Naming it lets tests
// substitute a fake instead of a real handshake; quic.Connection
// satisfies it structurally.
type QUICConnection interface {
	AcceptStream(context.Context) (quic.Stream, error)
	OpenStreamSync(context.Context) (quic.Stream, error)
	AcceptUniStream(context.Context) (quic.ReceiveStream, error)
	OpenUniStreamSync(context.Context) (quic.SendStream, error)
	SendDatagram([]byte) error
	ReceiveDatagram(context.Context) ([]byte, error)
	CloseWithError(quic.ApplicationErrorCode, string) error
	Context() context.Context
}

// Source is a local object source/publisher as seen by the connection
// layer (§3's "Source / Object source" entity), supplied by
// internal/source.
type Source interface {
	// NextObject returns objectID's payload within groupID, or ok=false
	// if it isn't produced yet.
	NextObject(groupID, objectID uint64) (data []byte, ok bool)
	// ObjectCount reports groupID's total object count once known.
	ObjectCount(groupID uint64) (count uint64, ok bool)
	// Tail reports the current (group, object) the producer is at.
	Tail() (groupID, objectID uint64)
}

// Registry resolves URLs to local sources and fans subscribe-prefix
// notifications out to interested control streams (§4.8), supplied by
// internal/cache. Defined here (the consumer) rather than in that
// package, so internal/conn has no import-time dependency on its
// concrete types.
type Registry interface {
	// Lookup returns the local source serving url, or ok=false if none
	// exists locally.
	Lookup(url string) (Source, bool)
	// Register records a newly POSTed source under url.
	Register(url string, src Source)
	// Subscribe records that notify should be called for every future
	// Announce whose url has the given prefix, and returns every URL
	// already registered under that prefix (delivered as the first round
	// of NOTIFYs, §4.8 scenario 6).
	Subscribe(prefix string, notify func(url string)) (existing []string)
	// Unsubscribe removes a previously registered Subscribe callback.
	Unsubscribe(prefix string, notify func(url string))
	// Announce reports a newly available URL to every matching
	// subscription.
	Announce(url string)
}

// Context is the per-process factory that manufactures per-connection
// state (§9 design note): it replaces the reference implementation's
// global `default_callback_context` trick with an explicit factory whose
// OnNewConnection method builds the per-connection Connection, so there
// is no global mutable singleton.
type Context struct {
	Logger   logging.Logger
	Registry Registry
	Repair   dgram.Config
	Metrics  Metrics

	// OnPost is consulted for every inbound POST (§4.1): it is handed the
	// posted URL, mode, and cache policy and may return a Source to
	// register and announce under that URL (e.g. a fresh ingest source
	// from internal/source), or a nil Source plus a nil error to accept
	// the POST without publishing anything locally. Nil means every POST
	// is accepted (media_id bound, ACCEPT queued) without publishing
	// anything locally.
	OnPost func(url string, mode wire.TransportMode, cachePolicy bool, groupID, objectID uint64) (Source, error)
}

// Metrics is the narrow set of connection-level counters internal/conn
// reports; internal/metrics supplies the concrete implementation. Kept
// here (not imported from internal/metrics) for the same reason as
// Registry: this package shouldn't need to import its collaborators'
// packages just to accept an optional hook.
type Metrics interface {
	ConnectionOpened(perspective string)
	ConnectionClosed(perspective string, reason error)
	StreamOpened(mode string)
	StreamClosed(mode string)
	// DatagramStats reports one media_id's internal/dgram.Tracker
	// counters accrued since the previous sweep (already diffed, so an
	// implementation can Add them directly onto a cumulative counter)
	// plus its current extra-repeat queue depth, called once per
	// media_id each time Connection.SweepRepairs runs.
	DatagramStats(mediaID uint64, delta dgram.Stats, queueDepth int)
}

func (fx *Context) logger() logging.Logger {
	if fx.Logger != nil {
		return fx.Logger
	}
	return logging.Nop{}
}

func (fx *Context) metrics() Metrics {
	if fx.Metrics != nil {
		return fx.Metrics
	}
	return nopMetrics{}
}

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened(string)                        {}
func (nopMetrics) ConnectionClosed(string, error)                 {}
func (nopMetrics) StreamOpened(string)                            {}
func (nopMetrics) StreamClosed(string)                            {}
func (nopMetrics) DatagramStats(uint64, dgram.Stats, int)          {}

// OnNewConnection manufactures the per-connection state for a freshly
// accepted or dialed QUIC connection (§3: "created on QUIC accept/
// connect; destroyed on QUIC close; owns all its streams").
func (fx *Context) OnNewConnection(qc QUICConnection, perspective Perspective) *Connection {
	c := newConnection(fx, qc, perspective)
	fx.metrics().ConnectionOpened(perspective.String())
	return c
}

// mediaIDAllocator hands out locally-unique media_id values for ACCEPT
// (§4.1): a plain atomic counter is sufficient since media_id is only
// meaningful within one connection.
type mediaIDAllocator struct{ next uint64 }

func (a *mediaIDAllocator) allocate() uint64 {
	return atomic.AddUint64(&a.next, 1)
}
