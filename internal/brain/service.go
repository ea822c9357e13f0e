// Package brain turns intents and DJ-mode state into plans. It never touches
// audio directly: everything it decides leaves as a plan for the timeline
// executor or a command for the music controller.
package brain

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/resilience"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// ServiceName is the brain's service name on the bus.
const ServiceName = "brain"

// Intent names the brain understands.
const (
	IntentPlayMusic = "play_music"
	IntentStopMusic = "stop_music"
)

// Defaults, overridable through [Config].
const (
	DefaultHistorySize       = 5
	DefaultCrossfadeMS       = 4000
	DefaultDuckLevel         = 0.5
	DefaultDuckFadeMS        = 500
	DefaultCommentaryTimeout = 10 * time.Second
	DefaultCacheWait         = 8 * time.Second
)

// DefaultCommentaryStyles is the closed style rotation for DJ commentary.
var DefaultCommentaryStyles = []string{"smooth", "energetic", "nostalgic"}

// Config tunes the brain.
type Config struct {
	// HistorySize caps the recent-track list that selection avoids.
	HistorySize int

	// CrossfadeMS, DuckLevel, and DuckFadeMS shape the plans the brain
	// builds.
	CrossfadeMS int
	DuckLevel   float64
	DuckFadeMS  int

	// CommentaryStyles rotate round-robin across transitions.
	CommentaryStyles []string

	// CommentaryTimeout bounds the wait for the LLM collaborator;
	// CacheWait bounds the wait for the speech cache.
	CommentaryTimeout time.Duration
	CacheWait         time.Duration

	// Breaker guards commentary generation. Name and logger are filled in.
	Breaker resilience.Config

	// Seed fixes the selection randomness; 0 derives one from the clock.
	Seed int64
}

func (c Config) withDefaults() Config {
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.CrossfadeMS <= 0 {
		c.CrossfadeMS = DefaultCrossfadeMS
	}
	if c.DuckLevel <= 0 || c.DuckLevel > 1 {
		c.DuckLevel = DefaultDuckLevel
	}
	if c.DuckFadeMS <= 0 {
		c.DuckFadeMS = DefaultDuckFadeMS
	}
	if len(c.CommentaryStyles) == 0 {
		c.CommentaryStyles = DefaultCommentaryStyles
	}
	if c.CommentaryTimeout <= 0 {
		c.CommentaryTimeout = DefaultCommentaryTimeout
	}
	if c.CacheWait <= 0 {
		c.CacheWait = DefaultCacheWait
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Service is the brain.
type Service struct {
	*service.Service
	cfg     Config
	sel     *selector
	breaker *resilience.CircuitBreaker

	mu                sync.Mutex
	djActive          bool
	current           *events.MusicTrack
	pendingNext       *events.MusicTrack
	transitionPlanID  string
	transitionPending bool
	recoveryStage     int
	styleIdx          int
	cacheMappings     map[string]string // next track id → cache key
	cacheReady        map[string]bool   // cache key → playable
	commentaryWaiters map[string]chan string
	cacheWaiters      map[string]chan bool
}

var _ service.Runner = (*Service)(nil)

// NewService creates the brain.
func NewService(b *bus.Bus, log *slog.Logger, cfg Config) *Service {
	cfg = cfg.withDefaults()
	breakerCfg := cfg.Breaker
	breakerCfg.Name = "dj_commentary"
	breakerCfg.Logger = log
	return &Service{
		Service:           service.New(ServiceName, b, log),
		cfg:               cfg,
		sel:               newSelector(cfg.HistorySize, cfg.Seed),
		breaker:           resilience.NewCircuitBreaker(breakerCfg),
		cacheMappings:     make(map[string]string),
		cacheReady:        make(map[string]bool),
		commentaryWaiters: make(map[string]chan string),
		cacheWaiters:      make(map[string]chan bool),
	}
}

// Start registers all brain subscriptions.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(context.Context) error {
		subs := []struct {
			topic   events.Topic
			handler bus.Handler
		}{
			{events.TopicMusicLibraryUpdated, s.onLibraryUpdated},
			{events.TopicIntentDetected, s.onIntent},
			{events.TopicDJModeChanged, s.onDJModeChanged},
			{events.TopicMusicPlaybackStarted, s.onPlaybackStarted},
			{events.TopicTrackEndingSoon, s.onTrackEndingSoon},
			{events.TopicSpeechCacheReady, s.onCacheReady},
			{events.TopicCommentaryResponse, s.onCommentaryResponse},
			{events.TopicPlanEnded, s.onPlanEnded},
			{events.TopicMemoryUpdated, s.onMemoryUpdated},
		}
		for _, sub := range subs {
			if err := s.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop shuts the brain down.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, nil)
}

func (s *Service) onLibraryUpdated(_ context.Context, p events.Payload) {
	tracks := p.(*events.MusicLibraryUpdated).Tracks
	s.sel.setLibrary(tracks)
	s.Log().Info("library view updated", "tracks", len(tracks))
}

// ── Intents ─────────────────────────────────────────────────────────────────

func (s *Service) onIntent(ctx context.Context, p events.Payload) {
	intent := p.(*events.IntentDetected)
	switch intent.Name {
	case IntentPlayMusic:
		query, _ := intent.Args["query"].(string)
		track, err := s.sel.pick(query)
		if err != nil {
			s.Log().Error("play intent failed", "query", query, "err", err)
			return
		}
		s.emit(ctx, &events.MusicCommand{
			Envelope: s.Envelope(),
			Action:   events.MusicPlay,
			TrackID:  track.TrackID,
			Source:   intent.Source,
		})
	case IntentStopMusic:
		s.emitPlan(ctx, stopPlan())
	default:
		s.Log().Debug("unhandled intent", "name", intent.Name)
	}
}

// onPlaybackStarted records history and decides on intros: voice-initiated
// playback and DJ playback get a ducked spoken intro, cli and dashboard
// playback stay silent.
func (s *Service) onPlaybackStarted(ctx context.Context, p events.Payload) {
	started := p.(*events.MusicPlaybackStarted)
	s.sel.recordPlayed(started.Track.PathOrURI)

	s.mu.Lock()
	cur := started.Track
	s.current = &cur
	dj := s.djActive
	s.mu.Unlock()

	if dj {
		s.emit(ctx, &events.MemorySet{
			Envelope: s.Envelope(),
			Key:      events.KeyDJTrackHistory,
			Value:    s.sel.recentHistory(),
		})
	}

	switch started.Source {
	case events.SourceVoice, events.SourceDJ:
		s.emitPlan(ctx, introPlan(started.Track, s.cfg.DuckLevel, s.cfg.DuckFadeMS))
	}
}

// ── DJ mode ─────────────────────────────────────────────────────────────────

func (s *Service) onDJModeChanged(ctx context.Context, p events.Payload) {
	changed := p.(*events.DJModeChanged)
	if changed.Active {
		s.startDJ(ctx)
		return
	}
	s.stopDJ(ctx)
}

func (s *Service) startDJ(ctx context.Context) {
	s.mu.Lock()
	if s.djActive {
		s.mu.Unlock()
		return
	}
	s.djActive = true
	s.recoveryStage = 0
	s.mu.Unlock()

	track, err := s.sel.pick("")
	if err != nil {
		s.Log().Error("dj start failed", "err", err)
		s.emit(ctx, &events.DJModeChanged{Envelope: s.Envelope(), Active: false, Reason: "no_tracks"})
		return
	}
	s.Log().Info("dj mode started", "track", track.Title)
	s.emit(ctx, &events.MusicCommand{
		Envelope: s.Envelope(),
		Action:   events.MusicPlay,
		TrackID:  track.TrackID,
		Source:   events.SourceDJ,
	})
}

func (s *Service) stopDJ(ctx context.Context) {
	s.mu.Lock()
	if !s.djActive {
		s.mu.Unlock()
		return
	}
	s.djActive = false
	s.pendingNext = nil
	s.transitionPlanID = ""
	s.transitionPending = false
	s.recoveryStage = 0
	s.cacheMappings = make(map[string]string)
	s.cacheReady = make(map[string]bool)
	s.mu.Unlock()

	s.Log().Info("dj mode stopped")
	s.emit(ctx, &events.MusicCommand{
		Envelope: s.Envelope(),
		Action:   events.MusicStop,
		Source:   events.SourceDJ,
	})
}

// onTrackEndingSoon kicks off one transition: pick the next track, then use
// a cached commentary when one is already mapped, or generate one in the
// background.
func (s *Service) onTrackEndingSoon(ctx context.Context, p events.Payload) {
	ending := p.(*events.TrackEndingSoon)

	s.mu.Lock()
	if !s.djActive || s.transitionPending {
		s.mu.Unlock()
		return
	}
	s.transitionPending = true
	s.mu.Unlock()

	next, err := s.sel.pickNext(ending.Track.PathOrURI)
	if err != nil {
		s.Log().Error("no next track", "err", err)
		s.failDJ(ctx)
		return
	}

	s.mu.Lock()
	n := next
	s.pendingNext = &n
	key := s.cacheMappings[next.TrackID]
	ready := key != "" && s.cacheReady[key]
	s.mu.Unlock()

	switch {
	case key != "" && ready:
		s.emitTransition(ctx, next, key)
	case key != "":
		// Mapped but the clip never became playable.
		s.emitFallback(ctx, next, true)
	default:
		current := ending.Track
		s.Go("dj_transition", func(ctx context.Context) error {
			s.prepareTransition(ctx, current, next)
			return nil
		})
	}
}

// prepareTransition runs off the bus goroutine: generate commentary, record
// the cache mapping, request the cached clip, and emit the transition plan
// once the clip is playable. Any miss degrades to crossfade-only.
func (s *Service) prepareTransition(ctx context.Context, current, next events.MusicTrack) {
	text, err := s.generateCommentary(ctx, current, next)
	if err != nil {
		s.Log().Warn("commentary unavailable", "track", next.Title, "err", err)
		s.emitFallback(ctx, next, true)
		return
	}

	cacheKey := "commentary-" + uuid.NewString()

	// The mapping is recorded before the cache request goes out, so a
	// restart mid-generation never leaves an orphaned clip.
	s.mu.Lock()
	s.cacheMappings[next.TrackID] = cacheKey
	mappings := make(map[string]string, len(s.cacheMappings))
	for k, v := range s.cacheMappings {
		mappings[k] = v
	}
	outcome := make(chan bool, 1)
	s.cacheWaiters[cacheKey] = outcome
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cacheWaiters, cacheKey)
		s.mu.Unlock()
	}()

	s.emit(ctx, &events.MemorySet{
		Envelope: s.Envelope(),
		Key:      events.KeyDJCommentaryMappings,
		Value:    mappings,
	})
	s.emit(ctx, &events.SpeechCacheRequest{
		Envelope: s.Envelope(),
		CacheKey: cacheKey,
		Text:     text,
	})

	timer := time.NewTimer(s.cfg.CacheWait)
	defer timer.Stop()
	select {
	case ok := <-outcome:
		if ok {
			s.emitTransition(ctx, next, cacheKey)
		} else {
			s.emitFallback(ctx, next, true)
		}
	case <-timer.C:
		s.emitFallback(ctx, next, true)
	case <-ctx.Done():
	}
}

// generateCommentary asks the LLM collaborator for a line, guarded by the
// breaker so a struggling collaborator stops being consulted at all.
func (s *Service) generateCommentary(ctx context.Context, current, next events.MusicTrack) (string, error) {
	requestID := uuid.NewString()
	reply := make(chan string, 1)
	s.mu.Lock()
	s.commentaryWaiters[requestID] = reply
	style := s.cfg.CommentaryStyles[s.styleIdx%len(s.cfg.CommentaryStyles)]
	s.styleIdx++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.commentaryWaiters, requestID)
		s.mu.Unlock()
	}()

	var text string
	err := s.breaker.Execute(func() error {
		s.emit(ctx, &events.DJCommentaryRequest{
			Envelope:     s.Envelope(),
			RequestID:    requestID,
			Context:      "dj_transition",
			CurrentTrack: current,
			NextTrack:    next,
			Style:        style,
		})
		timer := time.NewTimer(s.cfg.CommentaryTimeout)
		defer timer.Stop()
		select {
		case text = <-reply:
			if text == "" {
				return errors.New("empty commentary")
			}
			return nil
		case <-timer.C:
			return errors.New("commentary timed out")
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return text, err
}

func (s *Service) onCommentaryResponse(_ context.Context, p events.Payload) {
	resp := p.(*events.CommentaryResponse)
	s.mu.Lock()
	reply := s.commentaryWaiters[resp.RequestID]
	delete(s.commentaryWaiters, resp.RequestID)
	s.mu.Unlock()
	if reply == nil {
		return
	}
	select {
	case reply <- resp.Text:
	default:
	}
}

func (s *Service) onCacheReady(ctx context.Context, p events.Payload) {
	ready := p.(*events.SpeechCacheReady)
	s.mu.Lock()
	s.cacheReady[ready.CacheKey] = ready.Success
	snapshot := make(map[string]bool, len(s.cacheReady))
	for k, v := range s.cacheReady {
		snapshot[k] = v
	}
	waiter := s.cacheWaiters[ready.CacheKey]
	delete(s.cacheWaiters, ready.CacheKey)
	s.mu.Unlock()

	s.emit(ctx, &events.MemorySet{
		Envelope: s.Envelope(),
		Key:      events.KeyDJCommentaryReady,
		Value:    snapshot,
	})
	if waiter != nil {
		select {
		case waiter <- ready.Success:
		default:
		}
	}
}

// onMemoryUpdated syncs persisted cache state back into the brain, so a
// restart (or a pre-seeded store) resumes with the mappings it had.
func (s *Service) onMemoryUpdated(_ context.Context, p events.Payload) {
	updated := p.(*events.MemoryUpdated)
	switch updated.Key {
	case events.KeyDJCommentaryMappings:
		s.mu.Lock()
		for k, v := range asStringMap(updated.Value) {
			s.cacheMappings[k] = v
		}
		s.mu.Unlock()
	case events.KeyDJCommentaryReady:
		s.mu.Lock()
		for k, v := range asBoolMap(updated.Value) {
			s.cacheReady[k] = v
		}
		s.mu.Unlock()
	}
}

// ── Transition plans and recovery ───────────────────────────────────────────

func (s *Service) emitTransition(ctx context.Context, next events.MusicTrack, cacheKey string) {
	plan := transitionPlan(next, cacheKey, s.cfg.DuckLevel, s.cfg.DuckFadeMS, s.cfg.CrossfadeMS)
	s.mu.Lock()
	s.transitionPlanID = plan.PlanID
	s.mu.Unlock()
	s.emitPlan(ctx, plan)
}

// emitFallback issues the crossfade-only transition. missed marks the
// commentary as lost (as opposed to a pure recovery retry).
func (s *Service) emitFallback(ctx context.Context, next events.MusicTrack, missed bool) {
	if missed {
		s.Log().Warn("commentary missed", "track", next.Title)
		s.emit(ctx, &events.CommentaryMissed{Envelope: s.Envelope(), TrackID: next.TrackID})
	}
	plan := crossfadePlan(next, s.cfg.CrossfadeMS)
	s.mu.Lock()
	s.transitionPlanID = plan.PlanID
	s.mu.Unlock()
	s.emitPlan(ctx, plan)
}

// onPlanEnded drives the recovery chain for transition plans: failed full
// plan → crossfade-only, failed again → different track, failed a third
// time → stop DJ mode with an error reason.
func (s *Service) onPlanEnded(ctx context.Context, p events.Payload) {
	ended := p.(*events.PlanEnded)

	s.mu.Lock()
	if ended.PlanID != s.transitionPlanID {
		s.mu.Unlock()
		return
	}
	next := s.pendingNext
	stage := s.recoveryStage
	s.mu.Unlock()

	switch ended.Status {
	case events.PlanCompleted:
		s.mu.Lock()
		s.transitionPlanID = ""
		s.pendingNext = nil
		s.transitionPending = false
		s.recoveryStage = 0
		s.mu.Unlock()

	case events.PlanCancelled:
		// Preempted by something above the DJ; let the next ending-soon
		// start fresh.
		s.mu.Lock()
		s.transitionPlanID = ""
		s.pendingNext = nil
		s.transitionPending = false
		s.mu.Unlock()

	case events.PlanFailed:
		if next == nil {
			s.failDJ(ctx)
			return
		}
		switch stage {
		case 0:
			s.Log().Warn("transition failed, retrying crossfade-only",
				"plan", ended.PlanID, "reason", ended.Reason)
			s.mu.Lock()
			s.recoveryStage = 1
			s.mu.Unlock()
			s.emitFallback(ctx, *next, false)
		case 1:
			alt, err := s.sel.pickNext(next.PathOrURI)
			if err != nil || alt.PathOrURI == next.PathOrURI {
				s.failDJ(ctx)
				return
			}
			s.Log().Warn("crossfade failed, trying a different track",
				"failed", next.Title, "alternative", alt.Title)
			s.mu.Lock()
			s.recoveryStage = 2
			a := alt
			s.pendingNext = &a
			s.mu.Unlock()
			s.emitFallback(ctx, alt, false)
		default:
			s.failDJ(ctx)
		}
	}
}

// failDJ shuts DJ mode down after unrecoverable errors. The emitted change
// event loops back through stopDJ for the actual cleanup.
func (s *Service) failDJ(ctx context.Context) {
	s.Log().Error("dj mode stopping after unrecoverable transition failures")
	s.emit(ctx, &events.DJModeChanged{Envelope: s.Envelope(), Active: false, Reason: "error"})
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func (s *Service) emitPlan(ctx context.Context, plan events.Plan) {
	s.emit(ctx, &events.PlanReady{Envelope: s.Envelope(), Plan: plan})
}

func (s *Service) emit(ctx context.Context, p events.Payload) {
	if err := s.Emit(ctx, p); err != nil {
		s.Log().Error("emission failed", "topic", p.EventTopic(), "err", err)
	}
}

func asStringMap(v any) map[string]string {
	out := make(map[string]string)
	switch m := v.(type) {
	case map[string]string:
		return m
	case map[string]any:
		for k, val := range m {
			if str, ok := val.(string); ok {
				out[k] = str
			}
		}
	}
	return out
}

func asBoolMap(v any) map[string]bool {
	out := make(map[string]bool)
	switch m := v.(type) {
	case map[string]bool:
		return m
	case map[string]any:
		for k, val := range m {
			if b, ok := val.(bool); ok {
				out[k] = b
			}
		}
	}
	return out
}
