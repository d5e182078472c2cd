// Package repair runs the periodic sweep that drives every connection's
// extra-repeat queues (§4.4/§4.7): the timer-driven half of the ACK
// tracker that has nothing to do with an incoming ACK/NACK and fires
// purely because time passed, mirrored on restys's own idleTimer
// (internal/http3/conn.go's time.AfterFunc-driven onIdleTimer) but
// generalized from a single one-shot timer to a recurring sweep across
// however many live connections the server is holding.
package repair

import (
	"context"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warpmq/warpq/internal/logging"
)

// Conn is the subset of internal/conn.Connection the scheduler drives:
// one sweep call per tick, reporting when it next needs attention.
type Conn interface {
	SweepRepairs(now uint64) (nextWake uint64, err error)
}

// Registry lists the connections currently live, so the scheduler never
// has to be told about connection churn directly.
type Registry interface {
	Connections() []Conn
}

// Clock returns the caller's notion of "now", in the same unit
// internal/dgram.Tracker uses (milliseconds since an arbitrary epoch).
// Tests supply a deterministic one; production wires time.Now().UnixMilli.
type Clock func() uint64

// Config tunes the scheduler's polling behavior.
type Config struct {
	// MinInterval is the shortest delay between sweeps: a wake time that
	// is already due or closer than this is rounded up to it. It is also
	// the delay before the first sweep. Defaults to 50ms.
	MinInterval time.Duration
	// MaxInterval ceils how long the scheduler ever sleeps, so an
	// idle server still wakes occasionally rather than blocking on a
	// timer computed from a stale math.MaxUint64 wake time. Defaults
	// to 5s.
	MaxInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = 50 * time.Millisecond
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = 5 * time.Second
	}
	return c
}

// Scheduler sweeps every registered connection's extra-repeat queues on
// a timer, re-arming itself to the soonest wake time any connection
// reported (§5's "Timers" rule: fire a repair as soon as due, not on a
// fixed tick, but never wait forever on an empty queue either).
type Scheduler struct {
	reg    Registry
	clock  Clock
	cfg    Config
	logger logging.Logger
}

func New(reg Registry, clock Clock, cfg Config, logger logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Nop{}
	}
	return &Scheduler{reg: reg, clock: clock, cfg: cfg.withDefaults(), logger: logger}
}

// Run sweeps until ctx is cancelled. Each sweep fans out one goroutine
// per connection via golang.org/x/sync/errgroup, so connections do not
// wait on one another within a sweep; the sweep itself ends only once
// every SweepRepairs call has returned. Each connection's error is logged
// rather than returned, since one connection's transport error should
// never abort the whole scheduler.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.MinInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		wake := s.sweepOnce(ctx)

		timer.Reset(s.nextDelay(wake))
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) uint64 {
	conns := s.reg.Connections()
	now := s.clock()

	wakes := make([]uint64, len(conns))
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range conns {
		i, c := i, c
		g.Go(func() error {
			wake, err := c.SweepRepairs(now)
			wakes[i] = wake
			if err != nil {
				s.logger.Warnf("repair sweep: %v", err)
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
				return nil
			}
		})
	}
	// errgroup's error is informational only here: a single connection's
	// SweepRepairs failure is already logged above and must never stop
	// the scheduler from computing every other connection's next wake.
	_ = g.Wait()

	soonest := uint64(math.MaxUint64)
	for _, w := range wakes {
		if w < soonest {
			soonest = w
		}
	}
	return soonest
}

func (s *Scheduler) nextDelay(wake uint64) time.Duration {
	if wake == math.MaxUint64 {
		return s.cfg.MaxInterval
	}
	now := s.clock()
	if wake <= now {
		return s.cfg.MinInterval
	}
	delay := time.Duration(wake-now) * time.Millisecond
	if delay < s.cfg.MinInterval {
		delay = s.cfg.MinInterval
	}
	if delay > s.cfg.MaxInterval {
		delay = s.cfg.MaxInterval
	}
	return delay
}
