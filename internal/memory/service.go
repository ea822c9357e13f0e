package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// ServiceName is the memory store's service name on the bus.
const ServiceName = "memory"

// DefaultWaitTimeout bounds how long a wait predicate stays armed.
const DefaultWaitTimeout = 5 * time.Second

// Option configures the memory [Service].
type Option func(*Service)

// WithWaitTimeout overrides the wait-predicate timeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// Service owns the keyed state record. It is the sole subscriber of the
// memory command topics and additionally mirrors a handful of domain events
// into well-known keys so late consumers can ask "is music playing" without
// having seen the playback event.
type Service struct {
	*service.Service
	store       *Store
	waitTimeout time.Duration

	mu      sync.Mutex
	waiters map[string]*waiter
}

var _ service.Runner = (*Service)(nil)

type waiter struct {
	key   events.MemoryKey
	cond  events.WaitCondition
	timer *time.Timer
}

// NewService wraps store in its bus-facing service.
func NewService(b *bus.Bus, log *slog.Logger, store *Store, opts ...Option) *Service {
	s := &Service{
		Service:     service.New(ServiceName, b, log),
		store:       store,
		waitTimeout: DefaultWaitTimeout,
		waiters:     make(map[string]*waiter),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start loads persisted state, registers all subscriptions, and then
// announces every loaded key so consumers converge on the restored state.
func (s *Service) Start(ctx context.Context) error {
	var loaded map[events.MemoryKey]any
	err := s.StartWith(ctx, func(context.Context) error {
		var loadErr error
		loaded, loadErr = s.store.Load()
		if loadErr != nil {
			// A corrupt state file degrades to an empty store; refusing to
			// start would take the whole runtime down with it.
			s.Log().Warn("persisted state unusable, starting empty", "err", loadErr)
		}

		subs := []struct {
			topic   events.Topic
			handler bus.Handler
		}{
			{events.TopicMemoryGet, s.onGet},
			{events.TopicMemorySet, s.onSet},
			{events.TopicMemoryWait, s.onWait},
			{events.TopicMusicPlaybackStarted, s.onPlaybackStarted},
			{events.TopicMusicPlaybackStopped, s.onPlaybackStopped},
			{events.TopicSystemModeChange, s.onModeChange},
			{events.TopicDJModeChanged, s.onDJModeChanged},
			{events.TopicIntentDetected, s.onIntent},
		}
		for _, sub := range subs {
			if err := s.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for key, value := range loaded {
		s.emitUpdated(ctx, key, value, nil)
	}
	return nil
}

// Stop flushes any pending write and cancels armed waiters.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, func(context.Context) error {
		s.mu.Lock()
		for id, w := range s.waiters {
			w.timer.Stop()
			delete(s.waiters, id)
		}
		s.mu.Unlock()
		s.store.Flush()
		return nil
	})
}

func (s *Service) onGet(ctx context.Context, p events.Payload) {
	req := p.(*events.MemoryGet)
	value, present := s.store.Get(req.Key)
	if err := s.Emit(ctx, &events.MemoryValue{
		Envelope:  s.Envelope(),
		Key:       req.Key,
		Value:     value,
		Present:   present,
		RequestID: req.RequestID,
	}); err != nil {
		s.Log().Error("memory value emission failed", "key", req.Key, "err", err)
	}
}

func (s *Service) onSet(ctx context.Context, p events.Payload) {
	req := p.(*events.MemorySet)
	s.apply(ctx, req.Key, req.Value)
}

// apply writes key, announces the change, and resolves satisfied waiters.
func (s *Service) apply(ctx context.Context, key events.MemoryKey, value any) {
	previous := s.store.Set(key, value)
	s.emitUpdated(ctx, key, value, previous)
	s.resolveWaiters(ctx, key, value)
}

func (s *Service) emitUpdated(ctx context.Context, key events.MemoryKey, value, previous any) {
	if err := s.Emit(ctx, &events.MemoryUpdated{
		Envelope: s.Envelope(),
		Key:      key,
		Value:    value,
		Previous: previous,
	}); err != nil {
		s.Log().Error("memory update emission failed", "key", key, "err", err)
	}
}

func (s *Service) onWait(ctx context.Context, p events.Payload) {
	req := p.(*events.MemoryWait)

	value, present := s.store.Get(req.Key)
	if satisfied(req.Condition, value, present) {
		s.emitResolved(ctx, req.Key, req.PredicateID, value)
		return
	}

	id := req.PredicateID
	w := &waiter{key: req.Key, cond: req.Condition}
	w.timer = time.AfterFunc(s.waitTimeout, func() { s.expire(id) })

	s.mu.Lock()
	if old, dup := s.waiters[id]; dup {
		old.timer.Stop()
	}
	s.waiters[id] = w
	s.mu.Unlock()
}

// resolveWaiters fires every armed waiter on key whose condition the new
// value satisfies.
func (s *Service) resolveWaiters(ctx context.Context, key events.MemoryKey, value any) {
	s.mu.Lock()
	var hit []string
	for id, w := range s.waiters {
		if w.key == key && satisfied(w.cond, value, true) {
			w.timer.Stop()
			delete(s.waiters, id)
			hit = append(hit, id)
		}
	}
	s.mu.Unlock()

	for _, id := range hit {
		s.emitResolved(ctx, key, id, value)
	}
}

func (s *Service) emitResolved(ctx context.Context, key events.MemoryKey, predicateID string, value any) {
	if err := s.Emit(ctx, &events.MemoryWaitResolved{
		Envelope:    s.Envelope(),
		Key:         key,
		PredicateID: predicateID,
		Value:       value,
	}); err != nil {
		s.Log().Error("wait resolution emission failed", "predicate", predicateID, "err", err)
	}
}

// expire fires when a waiter's timeout lapses before its condition held.
func (s *Service) expire(id string) {
	s.mu.Lock()
	w, ok := s.waiters[id]
	if ok {
		delete(s.waiters, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if err := s.Emit(context.Background(), &events.MemoryWaitTimeout{
		Envelope:    s.Envelope(),
		Key:         w.key,
		PredicateID: id,
	}); err != nil {
		s.Log().Error("wait timeout emission failed", "predicate", id, "err", err)
	}
}

// ── Domain-event mirrors ────────────────────────────────────────────────────

func (s *Service) onPlaybackStarted(ctx context.Context, p events.Payload) {
	started := p.(*events.MusicPlaybackStarted)
	s.apply(ctx, events.KeyMusicPlaying, true)
	s.apply(ctx, events.KeyCurrentTrack, started.Track)
}

func (s *Service) onPlaybackStopped(ctx context.Context, p events.Payload) {
	s.apply(ctx, events.KeyMusicPlaying, false)
	s.apply(ctx, events.KeyCurrentTrack, nil)
}

func (s *Service) onModeChange(ctx context.Context, p events.Payload) {
	change := p.(*events.SystemModeChange)
	s.apply(ctx, events.KeyMode, string(change.Mode))
}

func (s *Service) onDJModeChanged(ctx context.Context, p events.Payload) {
	changed := p.(*events.DJModeChanged)
	s.apply(ctx, events.KeyDJModeActive, changed.Active)
}

// onIntent appends the recognised user utterance to the chat history.
func (s *Service) onIntent(ctx context.Context, p events.Payload) {
	intent := p.(*events.IntentDetected)
	entry := map[string]any{
		"role":      "user",
		"text":      intent.Name,
		"source":    string(intent.Source),
		"timestamp": intent.EmittedAt().Format(time.RFC3339),
	}
	list := s.store.Append(events.KeyChatHistory, entry)
	s.emitUpdated(ctx, events.KeyChatHistory, list, nil)
	s.resolveWaiters(ctx, events.KeyChatHistory, list)
}
