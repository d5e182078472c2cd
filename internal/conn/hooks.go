package conn

import (
	"github.com/warpmq/warpq/internal/reassembly"
	"github.com/warpmq/warpq/internal/werr"
	"github.com/warpmq/warpq/internal/wire"
)

// connHooks bridges internal/stream.Control's decoded messages to this
// connection's Registry and to the owning Subscription's reassembly
// context, keeping internal/stream free of any dependency on caching or
// source lookup (see control.go's package doc).
type connHooks struct {
	c   *Connection
	sub *Subscription
}

func (h *connHooks) OnRequest(req *wire.Request) (hasStart bool, startGroup, startObject uint64, err error) {
	src, ok := h.c.fx.Registry.Lookup(req.URL)
	if !ok {
		return false, 0, 0, werr.Protocolf("no local source for url %q", req.URL)
	}
	mediaID := h.c.ids.allocate()
	h.sub.setNegotiated(req.URL, req.Mode, mediaID, src)
	h.c.bindMediaID(mediaID, h.sub)
	h.sub.ctl.QueueAccept(req.Mode, mediaID)
	h.sub.markActive()

	g, o := src.Tail()
	switch req.Intent {
	case wire.IntentNextGroup:
		g, o = g+1, 0
	case wire.IntentStartPoint:
		g, o = req.StartGroupID, req.StartObjectID
	case wire.IntentCurrentGroup:
		if req.StartGroupID != 0 {
			g, o = req.StartGroupID, req.StartObjectID
		}
	}
	return true, g, o, nil
}

func (h *connHooks) OnPost(post *wire.Post) error {
	mediaID := h.c.ids.allocate()
	h.sub.setNegotiated(post.URL, post.Mode, mediaID, nil)
	h.c.bindMediaID(mediaID, h.sub)

	var src Source
	if h.c.fx.OnPost != nil {
		var err error
		src, err = h.c.fx.OnPost(post.URL, post.Mode, post.CachePolicy, post.GroupID, post.ObjectID)
		if err != nil {
			return err
		}
		if src != nil {
			h.c.fx.Registry.Register(post.URL, src)
			h.c.fx.Registry.Announce(post.URL)
			h.sub.setNegotiated(post.URL, post.Mode, mediaID, src)
			// A source that can absorb reassembled objects (internal/cache.Entry)
			// is fed everything this POST stream delivers.
			if a, ok := src.(interface{ Absorb(reassembly.Ready) }); ok && h.sub.Consumer == nil {
				h.sub.Consumer = a.Absorb
			}
		}
	}
	h.sub.ctl.QueueAccept(post.Mode, mediaID)
	h.sub.markActive()
	return nil
}

func (h *connHooks) OnAccept(accept *wire.Accept) error {
	h.sub.setNegotiated(h.sub.URL(), accept.Mode, accept.MediaID, h.sub.source)
	h.c.bindMediaID(accept.MediaID, h.sub)
	return nil
}

func (h *connHooks) OnStartPoint(groupID, objectID uint64) error {
	h.sub.reasm.LearnStartPoint(groupID, objectID)
	return nil
}

func (h *connHooks) OnFinalPoint(groupID, objectID uint64) error {
	h.sub.reasm.LearnFinalObjectID(groupID, objectID)
	return nil
}

func (h *connHooks) OnCachePolicy(realTime bool) error {
	h.sub.setCachePolicy(realTime)
	return nil
}

func (h *connHooks) OnFragment(frag *wire.Fragment) error {
	skip := frag.Flags == wire.FlagSkippedObject && frag.ObjectLength == 0
	ready := h.sub.reasm.AddFragment(frag.GroupID, frag.ObjectID, frag.Offset, frag.Data,
		frag.ObjectLength, frag.NbObjectsPreviousGrp, frag.Flags, skip)
	for _, r := range ready {
		h.sub.deliver(r)
	}
	return nil
}

func (h *connHooks) OnSubscribe(prefix string) error {
	notify := func(url string) {
		h.sub.ctl.QueueNotify(url)
		h.sub.markActive()
	}
	existing := h.c.fx.Registry.Subscribe(prefix, notify)
	h.sub.setSubscription(prefix, notify)
	for _, url := range existing {
		h.sub.ctl.QueueNotify(url)
	}
	return nil
}

func (h *connHooks) OnNotify(url string) error {
	h.sub.deliverNotify(url)
	return nil
}
