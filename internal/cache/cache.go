// Package cache is the relay registry (§3's "Relay" entity): an
// in-memory conn.Registry backed by per-URL cache entries, plus the
// at-most-once-per-fingerprint upstream fetch dedup §1 and §8 name but
// leave largely unspecified ("coordinate relay caching with
// at-most-once fetching per fingerprint"). Retention/eviction policy is
// explicitly out of scope (§1's Non-goal); this package only presents
// the narrow storage contract a relay needs and keeps every entry
// forever.
package cache

import (
	"reflect"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/warpmq/warpq/internal/conn"
	"github.com/warpmq/warpq/internal/reassembly"
	"github.com/warpmq/warpq/internal/source"
)

// Entry is one relay-cached source. It is a thin wrapper over
// source.Publisher: the same (group, object) accumulation and
// tail/count bookkeeping a local publisher needs also describes exactly
// what a relay needs to re-serve a fetched stream downstream, so the
// relay side reuses internal/source's storage rather than duplicating
// it (source.Publisher already satisfies conn.Source structurally).
type Entry struct {
	*source.Publisher
}

func newEntry() *Entry {
	return &Entry{Publisher: source.NewPublisher()}
}

// Absorb feeds one reassembled object into the entry — when an Entry is
// returned for a POST, internal/conn installs this as that POST
// subscription's Consumer hook, so it is called for every object the
// subscription reassembles, mirroring how source.Publisher.PublishObject
// is fed directly by a local application.
func (e *Entry) Absorb(r reassembly.Ready) {
	if r.Skipped {
		return
	}
	e.PublishObject(r.Coord.Group, r.Coord.Object, r.Data)
}

// Fingerprint keys the at-most-once upstream fetch table (SPEC_FULL.md's
// "fingerprint-based source identity" supplemented feature, grounded on
// original_source computing a fingerprint over the URL to dedup
// concurrent fetches of the same upstream source).
func Fingerprint(url string) string {
	return strconv.FormatUint(xxhash.Sum64String(url), 16)
}

// Cache is the relay's conn.Registry implementation: URL lookup/
// registration, prefix-subscribe/notify fan-out (§4.8), and singleflight-
// deduped upstream fetch triggering (§1, §4.8's relay-mode addition).
type Cache struct {
	mu      sync.RWMutex
	sources map[string]conn.Source
	subs    map[string][]func(string)

	fetch singleflight.Group
}

func New() *Cache {
	return &Cache{
		sources: make(map[string]conn.Source),
		subs:    make(map[string][]func(string)),
	}
}

func (c *Cache) Lookup(url string) (conn.Source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[url]
	return src, ok
}

func (c *Cache) Register(url string, src conn.Source) {
	c.mu.Lock()
	c.sources[url] = src
	c.mu.Unlock()
}

func (c *Cache) Subscribe(prefix string, notify func(url string)) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[prefix] = append(c.subs[prefix], notify)

	var existing []string
	for url := range c.sources {
		if hasPrefix(url, prefix) {
			existing = append(existing, url)
		}
	}
	return existing
}

func (c *Cache) Unsubscribe(prefix string, notify func(url string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fns := c.subs[prefix]
	for i := range fns {
		if funcsEqual(fns[i], notify) {
			c.subs[prefix] = append(fns[:i], fns[i+1:]...)
			return
		}
	}
}

func (c *Cache) Announce(url string) {
	c.mu.RLock()
	var fns []func(string)
	for prefix, list := range c.subs {
		if hasPrefix(url, prefix) {
			fns = append(fns, list...)
		}
	}
	c.mu.RUnlock()
	for _, fn := range fns {
		fn(url)
	}
}

// GetOrCreateEntry returns the relay-cache Entry registered for url,
// creating and registering (but not yet announcing) one on first use.
// cmd/warpqd's POST handler calls this; the posting subscription's
// Consumer hook then feeds Entry.Absorb.
func (c *Cache) GetOrCreateEntry(url string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if src, ok := c.sources[url]; ok {
		if e, ok := src.(*Entry); ok {
			return e
		}
	}
	e := newEntry()
	c.sources[url] = e
	return e
}

// EnsureFetching runs fetch at most once concurrently per url's
// fingerprint: if a fetch for the same url is already in flight, the
// caller blocks on that one instead of starting a second upstream
// REQUEST, which is the "at-most-once fetching per fingerprint"
// requirement from §1.
func (c *Cache) EnsureFetching(url string, fetch func() error) error {
	_, err, _ := c.fetch.Do(Fingerprint(url), func() (interface{}, error) {
		return nil, fetch()
	})
	return err
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// funcsEqual compares two notify callbacks by underlying code pointer,
// since func values aren't otherwise comparable — the same
// reflect.ValueOf(..).Pointer() idiom used anywhere Go code needs to
// find a previously registered closure again.
func funcsEqual(a, b func(string)) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}
