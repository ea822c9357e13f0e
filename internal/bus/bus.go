// Package bus provides the in-process publish/subscribe router at the heart
// of CantinaOS.
//
// Delivery is synchronous from the emitter's view: Emit returns after every
// subscriber's handler has been invoked (or the payload was dropped by that
// subscriber's throttle). Handlers therefore must be fast; anything slow
// belongs on the owning service's run loop. A handler panic is recovered and
// logged against the subscription's owner — it never reaches the emitter.
//
// Topics marked sticky retain the last payload per origin service and replay
// the retained values, in origin order, to every new subscriber before
// Subscribe returns.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// ErrInvalidPayload is returned by Emit when the payload fails its schema
// validation. Wrapped with the field-level detail.
var ErrInvalidPayload = errors.New("payload failed validation")

// ErrDuplicateCommandHandler is returned when a second handler is registered
// on a command-kind topic. Command topics have exactly one owning service;
// a duplicate registration is a wiring bug, not a runtime condition.
var ErrDuplicateCommandHandler = errors.New("command topic already has a handler")

// ErrClosed is returned by Subscribe and Emit after Close.
var ErrClosed = errors.New("bus is closed")

// DefaultSlowHandlerWarn is the default threshold above which a handler
// invocation is logged as slow.
const DefaultSlowHandlerWarn = 100 * time.Millisecond

// Handler processes one delivered payload. The payload has already passed
// schema validation; handlers may assume well-formed input.
type Handler func(ctx context.Context, p events.Payload)

// Recorder receives bus-level measurements. Implemented by observe.Metrics;
// a nil Recorder disables instrumentation.
type Recorder interface {
	EventEmitted(topic string)
	EventDropped(topic, owner string)
	HandlerDuration(topic, owner string, d time.Duration)
}

// Option configures a [Bus] during construction.
type Option func(*Bus)

// WithSlowHandlerWarn sets the slow-handler warning threshold.
// The default is [DefaultSlowHandlerWarn].
func WithSlowHandlerWarn(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.slowWarn = d
		}
	}
}

// WithLogger sets the logger used for handler errors and slow-handler
// warnings. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(b *Bus) { b.rec = r }
}

// stickyEntry is one retained payload for a sticky topic.
type stickyEntry struct {
	origin  string
	payload events.Payload
}

// Bus is the in-process topic-indexed pub/sub router.
// All exported methods are safe for concurrent use.
type Bus struct {
	slowWarn time.Duration
	log      *slog.Logger
	rec      Recorder

	mu     sync.Mutex
	subs   map[events.Topic][]*Subscription
	sticky map[events.Topic][]stickyEntry // ordered by first emission per origin
	closed bool
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		slowWarn: DefaultSlowHandlerWarn,
		log:      slog.Default(),
		subs:     make(map[events.Topic][]*Subscription),
		sticky:   make(map[events.Topic][]stickyEntry),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers handler for topic on behalf of owner and returns the
// subscription handle. For sticky topics the retained payloads are delivered
// synchronously, in origin order, before Subscribe returns.
//
// Registering a second handler on a command-kind topic fails with
// [ErrDuplicateCommandHandler].
func (b *Bus) Subscribe(topic events.Topic, owner string, handler Handler, opts ...SubOption) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: handler must not be nil")
	}

	sub := &Subscription{
		bus:     b,
		topic:   topic,
		owner:   owner,
		handler: handler,
	}
	for _, o := range opts {
		o(sub)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if topic.KindOf() == events.KindCommand && len(b.subs[topic]) > 0 {
		existing := b.subs[topic][0].owner
		b.mu.Unlock()
		return nil, fmt.Errorf("bus: topic %s owned by %s: %w", topic, existing, ErrDuplicateCommandHandler)
	}
	b.subs[topic] = append(b.subs[topic], sub)

	var replay []events.Payload
	if topic.Sticky() {
		for _, e := range b.sticky[topic] {
			replay = append(replay, e.payload)
		}
	}
	b.mu.Unlock()

	// Replay outside the lock so handlers may re-enter the bus.
	for _, p := range replay {
		b.deliver(context.Background(), sub, p)
	}
	return sub, nil
}

// Emit validates p and delivers it to every subscriber of its topic.
// Emit returns nil even when individual handlers fail — error isolation is
// the bus's job. The only error conditions are an invalid payload and a
// closed bus.
func (b *Bus) Emit(ctx context.Context, p events.Payload) error {
	topic := p.EventTopic()
	if err := p.Validate(); err != nil {
		b.log.Error("dropping invalid payload",
			"topic", topic,
			"err", err,
		)
		return fmt.Errorf("bus: emit %s: %w: %w", topic, ErrInvalidPayload, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if topic.Sticky() {
		b.retainLocked(topic, p)
	}
	targets := slices.Clone(b.subs[topic])
	b.mu.Unlock()

	if b.rec != nil {
		b.rec.EventEmitted(string(topic))
	}

	for _, sub := range targets {
		b.deliver(ctx, sub, p)
	}
	return nil
}

// retainLocked stores p as the sticky value for its (topic, origin) slot,
// preserving first-emission origin order.
func (b *Bus) retainLocked(topic events.Topic, p events.Payload) {
	origin := originOf(p)
	entries := b.sticky[topic]
	for i := range entries {
		if entries[i].origin == origin {
			entries[i].payload = p
			return
		}
	}
	b.sticky[topic] = append(entries, stickyEntry{origin: origin, payload: p})
}

// deliver runs one handler invocation with throttling, panic recovery, and
// slow-handler accounting.
func (b *Bus) deliver(ctx context.Context, sub *Subscription, p events.Payload) {
	if sub.isClosed() {
		return
	}
	if !sub.admit(ctx, p) {
		if b.rec != nil {
			b.rec.EventDropped(string(sub.topic), sub.owner)
		}
		return
	}
	b.invoke(ctx, sub, p)
}

// invoke calls the handler directly, bypassing the throttle. Used for both
// admitted deliveries and coalesced flushes.
func (b *Bus) invoke(ctx context.Context, sub *Subscription, p events.Payload) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked",
				"topic", sub.topic,
				"owner", sub.owner,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
		elapsed := time.Since(start)
		if b.rec != nil {
			b.rec.HandlerDuration(string(sub.topic), sub.owner, elapsed)
		}
		if elapsed > b.slowWarn {
			b.log.Warn("slow event handler",
				"topic", sub.topic,
				"owner", sub.owner,
				"elapsed", elapsed,
				"threshold", b.slowWarn,
			)
		}
	}()
	sub.handler(ctx, p)
}

// unsubscribe removes sub from the routing table.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.topic] = slices.Delete(list, i, i+1)
			break
		}
	}
	if len(b.subs[sub.topic]) == 0 {
		delete(b.subs, sub.topic)
	}
}

// Close tears the bus down. Subsequent Subscribe and Emit calls fail with
// [ErrClosed]; pending coalesced deliveries are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[events.Topic][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		sub.markClosed()
	}
}

// originOf extracts the origin service from a payload's envelope.
func originOf(p events.Payload) string {
	type origined interface{ Origin() string }
	if o, ok := p.(origined); ok {
		return o.Origin()
	}
	return ""
}
