// Package timeline executes plans against the audio state machine.
//
// The executor is the sole subscriber of the plan-ready topic. It owns one
// slot per layer (ambient, foreground, override), preempts between them, and
// keeps the duck/unduck ledger balanced: whatever a plan leaves owing when it
// ends — for any reason — the executor settles before the slot is released.
package timeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// ServiceName is the executor's service name on the bus.
const ServiceName = "timeline_executor"

// Defaults for step handling, overridable through [Config].
const (
	DefaultSpeakTimeout   = 25 * time.Second
	DefaultCrossfadeGrace = 2 * time.Second
	DefaultDuckLevel      = 0.5
	DefaultDuckFadeMS     = 500
	DefaultNormalVolume   = 1.0
)

// Config tunes the executor.
type Config struct {
	// SpeakTimeout bounds the wait for speech and cached-speech completion.
	SpeakTimeout time.Duration

	// CrossfadeGrace is added on top of twice the fade duration when
	// waiting for a crossfade acknowledgement.
	CrossfadeGrace time.Duration

	// DuckLevel and DuckFadeMS shape the implicit duck a speak step
	// performs when music is playing.
	DuckLevel  float64
	DuckFadeMS int

	// NormalVolume is the crossfade ceiling when the bed is not ducked.
	NormalVolume float64
}

func (c Config) withDefaults() Config {
	if c.SpeakTimeout <= 0 {
		c.SpeakTimeout = DefaultSpeakTimeout
	}
	if c.CrossfadeGrace <= 0 {
		c.CrossfadeGrace = DefaultCrossfadeGrace
	}
	if c.DuckLevel <= 0 || c.DuckLevel > 1 {
		c.DuckLevel = DefaultDuckLevel
	}
	if c.DuckFadeMS <= 0 {
		c.DuckFadeMS = DefaultDuckFadeMS
	}
	if c.NormalVolume <= 0 || c.NormalVolume > 1 {
		c.NormalVolume = DefaultNormalVolume
	}
	return c
}

// errPaused is the cancel cause distinguishing an ambient pause from a real
// cancellation.
var errPaused = errors.New("plan paused by higher layer")

// run is one executing plan. A run exists only while its goroutine does;
// plans waiting out a higher layer live in the parked table instead.
type run struct {
	plan   events.Plan
	ctx    context.Context
	cancel context.CancelCauseFunc
	done   chan struct{}

	// owesUnduck is set while this run has ducked the bed without yet
	// unducking it.
	owesUnduck bool
}

// parkedPlan is a displaced ambient plan holding its resume point.
type parkedPlan struct {
	plan        events.Plan
	resumeIndex int
}

// Service is the timeline executor.
type Service struct {
	*service.Service
	cfg Config

	mu     sync.Mutex
	active map[events.PlanLayer]*run
	parked map[events.PlanLayer]*parkedPlan

	// Coordination state fed by TRACK_PLAYING / TRACK_STOPPED.
	musicPlaying bool
	ducked       bool
	duckLevel    float64

	// cacheReady records which speech cache keys are playable.
	cacheReady map[string]bool

	// waiters route completion events to blocked steps. Generated plans
	// reuse step ids across generations, so the key carries the plan id: a
	// late completion from a replaced plan must not resolve its successor's
	// identically named step.
	waiters map[waiterKey]*stepWaiter
}

var _ service.Runner = (*Service)(nil)

type waiterKey struct {
	planID string
	stepID string
}

type stepWaiter struct {
	key waiterKey
	ch  chan events.Payload
}

// NewService creates the executor.
func NewService(b *bus.Bus, log *slog.Logger, cfg Config) *Service {
	return &Service{
		Service:    service.New(ServiceName, b, log),
		cfg:        cfg.withDefaults(),
		active:     make(map[events.PlanLayer]*run),
		parked:     make(map[events.PlanLayer]*parkedPlan),
		cacheReady: make(map[string]bool),
		waiters:    make(map[waiterKey]*stepWaiter),
	}
}

// Start claims the plan topic and the coordination subscriptions.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(context.Context) error {
		subs := []struct {
			topic   events.Topic
			handler bus.Handler
		}{
			{events.TopicPlanReady, s.onPlanReady},
			{events.TopicTrackPlaying, s.onTrackPlaying},
			{events.TopicTrackStopped, s.onTrackStopped},
			{events.TopicSpeechGenerationComplete, s.onSpeechComplete},
			{events.TopicSpeechCachePlaybackCompleted, s.onCachePlaybackCompleted},
			{events.TopicSpeechCacheReady, s.onCacheReady},
			{events.TopicCrossfadeComplete, s.onCrossfadeComplete},
		}
		for _, sub := range subs {
			if err := s.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop cancels every active plan, ends parked ones, and waits for the
// goroutines to settle.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, func(context.Context) error {
		s.mu.Lock()
		var running []*run
		for _, r := range s.active {
			running = append(running, r)
		}
		var held []*parkedPlan
		for layer, pk := range s.parked {
			held = append(held, pk)
			delete(s.parked, layer)
		}
		s.mu.Unlock()

		for _, r := range running {
			r.cancel(errors.New("executor stopping"))
			<-r.done
		}
		for _, pk := range held {
			s.emitEnded(pk.plan, events.PlanCancelled, "", "executor stopping")
		}
		return nil
	})
}

// ── Plan intake and preemption ──────────────────────────────────────────────

func (s *Service) onPlanReady(ctx context.Context, p events.Payload) {
	plan := p.(*events.PlanReady).Plan

	s.mu.Lock()
	displaced := s.active[plan.Layer]
	delete(s.active, plan.Layer)
	displacedParked := s.parked[plan.Layer]
	delete(s.parked, plan.Layer)

	overrideActive := s.active[events.LayerOverride] != nil
	var pauseTarget, cancelTarget *run
	switch plan.Layer {
	case events.LayerForeground:
		pauseTarget = s.active[events.LayerAmbient]
	case events.LayerOverride:
		pauseTarget = s.active[events.LayerAmbient]
		cancelTarget = s.active[events.LayerForeground]
	}
	s.mu.Unlock()

	if displaced != nil {
		displaced.cancel(errors.New("replaced by newer plan"))
		<-displaced.done
	}
	if displacedParked != nil {
		s.emitEnded(displacedParked.plan, events.PlanCancelled, "", "replaced by newer plan")
	}

	if plan.Layer == events.LayerForeground && overrideActive {
		// An override owns the stage; a foreground arriving now is turned
		// away rather than queued behind it.
		s.emitStarted(plan)
		s.emitEnded(plan, events.PlanCancelled, "", "preempted by override")
		return
	}

	if pauseTarget != nil {
		pauseTarget.cancel(errPaused)
		<-pauseTarget.done
	}
	if cancelTarget != nil {
		cancelTarget.cancel(errors.New("preempted by override"))
		<-cancelTarget.done
	}

	s.emitStarted(plan)

	s.mu.Lock()
	if plan.Layer == events.LayerAmbient && s.higherActiveLocked() {
		// Hold the ambient plan until the stage clears.
		s.parked[plan.Layer] = &parkedPlan{plan: plan}
		s.mu.Unlock()
		return
	}
	r := s.install(plan)
	s.mu.Unlock()

	s.launch(r, 0)
}

// install creates the run and claims the slot. Callers hold s.mu.
func (s *Service) install(plan events.Plan) *run {
	ctx, cancel := context.WithCancelCause(context.Background())
	r := &run{
		plan:   plan,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.active[plan.Layer] = r
	return r
}

// higherActiveLocked reports whether a foreground or override run is live.
func (s *Service) higherActiveLocked() bool {
	return s.active[events.LayerForeground] != nil || s.active[events.LayerOverride] != nil
}

func (s *Service) launch(r *run, startIndex int) {
	s.Go("plan:"+r.plan.PlanID, func(context.Context) error {
		s.execute(r, startIndex)
		return nil
	})
}

// ── Execution ───────────────────────────────────────────────────────────────

// execute drives the plan from startIndex. Exactly one of three things
// happens: the plan ends (completed, failed, or cancelled), or it parks with
// a recorded resume point.
func (s *Service) execute(r *run, startIndex int) {
	status := events.PlanCompleted
	failedStep := ""
	reason := ""

	for i := startIndex; i < len(r.plan.Steps); i++ {
		err := s.runStep(r.ctx, r, r.plan.Steps[i])
		if err == nil {
			continue
		}

		cause := context.Cause(r.ctx)
		if errors.Is(cause, errPaused) {
			s.park(r, i)
			return
		}
		if r.ctx.Err() != nil {
			status = events.PlanCancelled
			if cause != nil {
				reason = cause.Error()
			}
		} else {
			status = events.PlanFailed
			failedStep = r.plan.Steps[i].ID
			reason = err.Error()
		}
		break
	}

	s.finish(r, status, failedStep, reason)
}

// park moves a paused ambient run into the parked table. The pending duck
// debt is settled first so the preempting plan starts from a clean bed.
func (s *Service) park(r *run, index int) {
	s.settleDuck(r)

	s.mu.Lock()
	if s.active[r.plan.Layer] == r {
		delete(s.active, r.plan.Layer)
		s.parked[r.plan.Layer] = &parkedPlan{plan: r.plan, resumeIndex: index}
		s.mu.Unlock()
		close(r.done)
		s.Log().Info("plan paused", "plan", r.plan.PlanID, "resume_step", index)
		return
	}
	// Displaced while pausing; the displacer owns the slot now. It is
	// blocked on done, so the terminal event goes out first.
	s.mu.Unlock()
	s.emitEnded(r.plan, events.PlanCancelled, "", "replaced by newer plan")
	close(r.done)
}

// finish settles duck debt, emits PLAN_ENDED exactly once, frees the slot,
// and resumes a parked ambient plan when the stage is clear.
func (s *Service) finish(r *run, status events.PlanStatus, failedStep, reason string) {
	s.settleDuck(r)

	s.mu.Lock()
	if s.active[r.plan.Layer] == r {
		delete(s.active, r.plan.Layer)
	}
	var resume *run
	resumeIndex := 0
	if r.plan.Layer != events.LayerAmbient && !s.higherActiveLocked() {
		if pk := s.parked[events.LayerAmbient]; pk != nil {
			delete(s.parked, events.LayerAmbient)
			resume = s.install(pk.plan)
			resumeIndex = pk.resumeIndex
		}
	}
	s.mu.Unlock()

	// PLAN_ENDED goes out before done closes: a preemptor blocked on this
	// run observes the terminal event before announcing its own start.
	s.emitEnded(r.plan, status, failedStep, reason)
	close(r.done)

	if resume != nil {
		s.Log().Info("plan resumed", "plan", resume.plan.PlanID, "step", resumeIndex)
		s.launch(resume, resumeIndex)
	}
}

// settleDuck emits the owed unduck, if any, so the bed never stays ducked
// past the plan that ducked it.
func (s *Service) settleDuck(r *run) {
	s.mu.Lock()
	owed := r.owesUnduck
	r.owesUnduck = false
	if owed {
		s.ducked = false
	}
	s.mu.Unlock()
	if !owed {
		return
	}
	s.emit(&events.AudioDuckingStop{
		Envelope: s.Envelope(),
		FadeMS:   s.cfg.DuckFadeMS,
	})
}

func (s *Service) emitStarted(plan events.Plan) {
	s.emit(&events.PlanStarted{
		Envelope: s.Envelope(),
		PlanID:   plan.PlanID,
		Layer:    plan.Layer,
	})
}

func (s *Service) emitEnded(plan events.Plan, status events.PlanStatus, failedStep, reason string) {
	s.emit(&events.PlanEnded{
		Envelope:     s.Envelope(),
		PlanID:       plan.PlanID,
		Layer:        plan.Layer,
		Status:       status,
		FailedStepID: failedStep,
		Reason:       reason,
	})
}

// emit publishes on a background context; plan contexts may already be
// cancelled when the terminal events go out.
func (s *Service) emit(p events.Payload) {
	if err := s.Emit(context.Background(), p); err != nil {
		s.Log().Error("emission failed", "topic", p.EventTopic(), "err", err)
	}
}

// ── Coordination state ──────────────────────────────────────────────────────

func (s *Service) onTrackPlaying(_ context.Context, _ events.Payload) {
	s.mu.Lock()
	s.musicPlaying = true
	s.mu.Unlock()
}

func (s *Service) onTrackStopped(_ context.Context, _ events.Payload) {
	s.mu.Lock()
	s.musicPlaying = false
	s.ducked = false
	s.mu.Unlock()
}

func (s *Service) onCacheReady(_ context.Context, p events.Payload) {
	ready := p.(*events.SpeechCacheReady)
	s.mu.Lock()
	s.cacheReady[ready.CacheKey] = ready.Success
	s.mu.Unlock()
}

func (s *Service) onSpeechComplete(_ context.Context, p events.Payload) {
	done := p.(*events.SpeechGenerationComplete)
	s.resolve(done.PlanID, done.ClipID, p)
}

func (s *Service) onCachePlaybackCompleted(_ context.Context, p events.Payload) {
	done := p.(*events.SpeechCachePlaybackCompleted)
	s.resolve(done.PlanID, done.StepID, p)
}

func (s *Service) onCrossfadeComplete(_ context.Context, p events.Payload) {
	done := p.(*events.CrossfadeComplete)
	s.resolve(done.PlanID, done.StepID, p)
}

// resolve hands a completion payload to the step blocked on exactly this
// plan and step pair, if any. Completions addressed to another plan fall on
// the floor.
func (s *Service) resolve(planID, stepID string, p events.Payload) {
	if stepID == "" {
		return
	}
	key := waiterKey{planID: planID, stepID: stepID}
	s.mu.Lock()
	w := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()
	if w == nil {
		return
	}
	select {
	case w.ch <- p:
	default:
	}
}

// expect registers a waiter for the plan's step. Registration happens before
// the triggering request is emitted, so a collaborator answering
// synchronously on the same goroutine still lands in the waiter's channel.
func (s *Service) expect(planID, stepID string) *stepWaiter {
	w := &stepWaiter{key: waiterKey{planID: planID, stepID: stepID}, ch: make(chan events.Payload, 1)}
	s.mu.Lock()
	s.waiters[w.key] = w
	s.mu.Unlock()
	return w
}

// await blocks on a registered waiter until the completion event arrives, the
// timeout lapses, or ctx is cancelled.
func (s *Service) await(ctx context.Context, w *stepWaiter, timeout time.Duration) (events.Payload, error) {
	defer func() {
		s.mu.Lock()
		if s.waiters[w.key] == w {
			delete(s.waiters, w.key)
		}
		s.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-w.ch:
		return p, nil
	case <-timer.C:
		return nil, errors.New("timed out waiting for step completion")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
