package cache

import (
	"errors"
	"sync"
	"testing"

	"github.com/warpmq/warpq/internal/reassembly"
)

func TestLookupRegisterRoundTrip(t *testing.T) {
	c := New()
	if _, ok := c.Lookup("/live/cam1"); ok {
		t.Fatalf("Lookup on an empty cache should miss")
	}

	entry := c.GetOrCreateEntry("/live/cam1")
	entry.Absorb(reassembly.Ready{Coord: reassembly.Coord{Group: 0, Object: 0}, Data: []byte("frame0")})

	src, ok := c.Lookup("/live/cam1")
	if !ok {
		t.Fatalf("expected Lookup to find the registered entry")
	}
	data, ok := src.NextObject(0, 0)
	if !ok || string(data) != "frame0" {
		t.Fatalf("NextObject(0,0) = (%q,%v), want (\"frame0\",true)", data, ok)
	}
}

func TestAbsorbSkipsSkippedObjects(t *testing.T) {
	entry := newEntry()
	entry.Absorb(reassembly.Ready{Coord: reassembly.Coord{Group: 0, Object: 0}, Skipped: true})
	if _, ok := entry.NextObject(0, 0); ok {
		t.Fatalf("a skipped Ready should not be stored as object data")
	}
}

func TestSubscribeReturnsExistingThenAnnounceNotifiesNewOnes(t *testing.T) {
	c := New()
	c.Register("/live/already", newEntry())

	var mu sync.Mutex
	var got []string
	notify := func(url string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, url)
	}

	existing := c.Subscribe("/live/", notify)
	if len(existing) != 1 || existing[0] != "/live/already" {
		t.Fatalf("Subscribe existing = %v, want [/live/already]", existing)
	}

	c.Register("/live/new", newEntry())
	c.Announce("/live/new")
	c.Announce("/other/ignored")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "/live/new" {
		t.Fatalf("notify callbacks = %v, want [/live/new]", got)
	}
}

func TestUnsubscribeStopsFurtherNotifies(t *testing.T) {
	c := New()
	var calls int
	notify := func(string) { calls++ }

	c.Subscribe("/live/", notify)
	c.Unsubscribe("/live/", notify)

	c.Register("/live/x", newEntry())
	c.Announce("/live/x")

	if calls != 0 {
		t.Fatalf("expected no notify after Unsubscribe, got %d calls", calls)
	}
}

func TestEnsureFetchingDedupsConcurrentCallsForTheSameURL(t *testing.T) {
	c := New()

	var mu sync.Mutex
	calls := 0
	block := make(chan struct{})

	fetch := func() error {
		mu.Lock()
		calls++
		mu.Unlock()
		<-block
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.EnsureFetching("/live/cam1", fetch)
		}()
	}

	close(block)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("EnsureFetching ran fetch %d times for concurrent callers, want 1", calls)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d got unexpected error: %v", i, err)
		}
	}
}

func TestEnsureFetchingPropagatesError(t *testing.T) {
	c := New()
	wantErr := errors.New("upstream unreachable")
	err := c.EnsureFetching("/live/cam1", func() error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("EnsureFetching error = %v, want %v", err, wantErr)
	}
}
