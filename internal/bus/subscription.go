package bus

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// ThrottleMode selects how a subscription sheds load when the emitter is
// faster than the configured rate.
type ThrottleMode int

const (
	// Unbounded delivers every payload.
	Unbounded ThrottleMode = iota

	// TailDrop discards payloads arriving above the rate.
	TailDrop

	// CoalesceLatest retains only the newest payload arriving above the rate
	// and delivers it when the limiter next allows. Intended for
	// high-frequency state topics where only the latest value matters.
	CoalesceLatest
)

// SubOption configures a [Subscription] at registration time.
type SubOption func(*Subscription)

// WithThrottle applies a per-second rate limit with the given shedding mode.
// perSecond must be positive; mode Unbounded ignores it.
func WithThrottle(mode ThrottleMode, perSecond int) SubOption {
	return func(s *Subscription) {
		if mode == Unbounded || perSecond <= 0 {
			return
		}
		s.mode = mode
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		s.interval = time.Second / time.Duration(perSecond)
	}
}

// Subscription is one (topic, owner, handler) registration. Obtained from
// [Bus.Subscribe]; Close removes it from the routing table.
type Subscription struct {
	bus     *Bus
	topic   events.Topic
	owner   string
	handler Handler

	mode     ThrottleMode
	limiter  *rate.Limiter
	interval time.Duration

	mu      sync.Mutex
	pending events.Payload // latest coalesced payload awaiting flush
	timer   *time.Timer
	closed  bool
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() events.Topic { return s.topic }

// Owner returns the owning service's name.
func (s *Subscription) Owner() string { return s.owner }

// Close removes the subscription. Idempotent. A pending coalesced payload is
// discarded.
func (s *Subscription) Close() {
	s.markClosed()
	s.bus.unsubscribe(s)
}

func (s *Subscription) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// admit applies the throttle. It reports whether the payload should be
// delivered now. For CoalesceLatest, a rejected payload replaces any pending
// one and a flush is scheduled for when the limiter next admits.
func (s *Subscription) admit(ctx context.Context, p events.Payload) bool {
	if s.limiter == nil {
		return true
	}
	if s.limiter.Allow() {
		return true
	}
	if s.mode == TailDrop {
		return false
	}

	// CoalesceLatest: keep only the newest payload and arm the flusher.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending = p
	if s.timer == nil {
		s.timer = time.AfterFunc(s.interval, func() { s.flush(ctx) })
	}
	return false
}

// flush delivers the pending coalesced payload, if any, and re-arms when a
// newer payload arrived during delivery.
func (s *Subscription) flush(ctx context.Context) {
	s.mu.Lock()
	p := s.pending
	s.pending = nil
	s.timer = nil
	closed := s.closed
	s.mu.Unlock()

	if closed || p == nil {
		return
	}
	s.bus.invoke(ctx, s, p)

	s.mu.Lock()
	if !s.closed && s.pending != nil && s.timer == nil {
		s.timer = time.AfterFunc(s.interval, func() { s.flush(ctx) })
	}
	s.mu.Unlock()
}
