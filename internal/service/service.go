// Package service provides the lifecycle framework every CantinaOS service is
// built on.
//
// A concrete service embeds [*Service] and drives its lifecycle through
// [Service.StartWith] and [Service.StopWith]: the setup hook registers all bus
// subscriptions before the status ever reads RUNNING, and the release hook
// runs after all background tasks were cancelled and drained. Status
// heartbeats, subscription bookkeeping, and the run-loop used to marshal
// foreign-goroutine callbacks all come with the embedding.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
)

// ErrPostTimeout is returned by [Service.Post] when the run loop cannot
// accept work within the post timeout.
var ErrPostTimeout = errors.New("run loop did not accept work in time")

// ErrNotRunning is returned by [Service.Post] outside the RUNNING state.
var ErrNotRunning = errors.New("service is not running")

const (
	// DefaultHeartbeat is the interval between re-emitted status heartbeats.
	DefaultHeartbeat = 30 * time.Second

	// DefaultStopTimeout bounds the wait for background tasks on stop.
	DefaultStopTimeout = 5 * time.Second

	// DefaultPostTimeout bounds the enqueue wait of [Service.Post]. Callbacks
	// from native-library threads must not block their caller for long.
	DefaultPostTimeout = 100 * time.Millisecond

	// postQueueSize is the run-loop buffer. One documented crossing per
	// payload keeps this small.
	postQueueSize = 64
)

// Runner is the interface a concrete service exposes to the application
// wiring. Start must complete subscription setup before returning; Stop must
// release all resources.
type Runner interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Option configures a [Service].
type Option func(*Service)

// WithHeartbeat overrides the status heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithStopTimeout overrides the bounded task-drain wait on stop.
func WithStopTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// Service is the embeddable lifecycle core. The zero value is not usable;
// create with [New].
type Service struct {
	name        string
	bus         *bus.Bus
	log         *slog.Logger
	heartbeat   time.Duration
	stopTimeout time.Duration

	mu        sync.Mutex
	state     events.ServiceState
	message   string
	severity  events.Severity
	startedAt time.Time
	subs      []*bus.Subscription
	tasks     *TaskSet
	posts     chan func()
	loopDone  chan struct{}
}

// New creates the lifecycle core for a named service.
func New(name string, b *bus.Bus, log *slog.Logger, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		name:        name,
		bus:         b,
		log:         log.With("service", name),
		heartbeat:   DefaultHeartbeat,
		stopTimeout: DefaultStopTimeout,
		state:       events.StateUninitialized,
		severity:    events.SeverityInfo,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name returns the process-unique service name.
func (s *Service) Name() string { return s.name }

// Bus returns the shared event bus handle.
func (s *Service) Bus() *bus.Bus { return s.bus }

// Log returns the service-scoped logger.
func (s *Service) Log() *slog.Logger { return s.log }

// Envelope returns a stamped envelope naming this service as origin.
func (s *Service) Envelope() events.Envelope { return events.NewEnvelope(s.name) }

// State returns the current lifecycle state.
func (s *Service) State() events.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers a bus handler owned by this service. The subscription
// is recorded and removed automatically on stop.
func (s *Service) Subscribe(topic events.Topic, handler bus.Handler, opts ...bus.SubOption) error {
	sub, err := s.bus.Subscribe(topic, s.name, handler, opts...)
	if err != nil {
		return fmt.Errorf("%s: subscribe %s: %w", s.name, topic, err)
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Go starts a tracked background task. Tasks are cancelled on stop and
// drained with a bounded wait.
func (s *Service) Go(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	ts := s.tasks
	s.mu.Unlock()
	if ts == nil {
		s.log.Warn("task started before StartWith; dropping", "task", name)
		return
	}
	ts.Go(name, fn)
}

// Emit publishes p on the bus.
func (s *Service) Emit(ctx context.Context, p events.Payload) error {
	return s.bus.Emit(ctx, p)
}

// Post schedules fn onto the service's run loop. This is the single sanctioned
// crossing for callbacks arriving on goroutines owned by native libraries
// (player position callbacks, device readers): the callback hands its datum
// over once and returns. Fails with [ErrPostTimeout] when the loop is
// saturated beyond [DefaultPostTimeout], or [ErrNotRunning] outside RUNNING.
func (s *Service) Post(fn func()) error {
	s.mu.Lock()
	posts := s.posts
	state := s.state
	s.mu.Unlock()
	if posts == nil || (state != events.StateRunning && state != events.StateDegraded) {
		return fmt.Errorf("%s: %w", s.name, ErrNotRunning)
	}

	timer := time.NewTimer(DefaultPostTimeout)
	defer timer.Stop()
	select {
	case posts <- fn:
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", s.name, ErrPostTimeout)
	}
}

// StartWith drives the start sequence: STARTING status, the setup hook
// (which must register every subscription), then the run loop, heartbeat,
// and status-request responder, and finally the RUNNING status. Emission from
// inside setup is a protocol violation — the service is not yet observable as
// RUNNING and peers must not see its events.
func (s *Service) StartWith(ctx context.Context, setup func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.state != events.StateUninitialized && s.state != events.StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%s: start in state %s", s.name, state)
	}
	s.state = events.StateStarting
	s.startedAt = time.Now()
	s.tasks = NewTaskSet(context.WithoutCancel(ctx), s.log)
	s.mu.Unlock()

	s.emitStatusLocked(ctx, events.StateStarting, "starting", events.SeverityInfo)

	if err := setup(ctx); err != nil {
		s.emitStatusLocked(ctx, events.StateError, err.Error(), events.SeverityError)
		_ = s.teardownTasks()
		s.teardown(ctx)
		return fmt.Errorf("%s: start: %w", s.name, err)
	}

	// Respond to status requests by re-emitting the current status.
	if err := s.Subscribe(events.TopicStatusRequest, func(ctx context.Context, _ events.Payload) {
		s.reemitStatus(ctx)
	}); err != nil {
		_ = s.teardownTasks()
		s.teardown(ctx)
		return err
	}

	s.mu.Lock()
	s.posts = make(chan func(), postQueueSize)
	s.loopDone = make(chan struct{})
	posts := s.posts
	loopDone := s.loopDone
	s.mu.Unlock()
	go s.runLoop(posts, loopDone)

	s.tasks.Go("heartbeat", s.heartbeatLoop)

	s.emitStatusLocked(ctx, events.StateRunning, "", events.SeverityInfo)
	s.log.Info("service started")
	return nil
}

// StopWith drives the stop sequence: STOPPING status, task cancellation with
// bounded drain, subscription removal, the release hook, and the final
// STOPPED status.
func (s *Service) StopWith(ctx context.Context, release func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.state == events.StateStopped || s.state == events.StateStopping {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.emitStatusLocked(ctx, events.StateStopping, "stopping", events.SeverityInfo)

	var errs []error
	if err := s.teardownTasks(); err != nil {
		errs = append(errs, err)
	}
	s.teardown(ctx)

	if release != nil {
		if err := release(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: release: %w", s.name, err))
		}
	}

	s.emitStatusLocked(ctx, events.StateStopped, "", events.SeverityInfo)
	s.log.Info("service stopped")
	return errors.Join(errs...)
}

// EmitStatus publishes a status change immediately. Use severity to grade
// DEGRADED and ERROR transitions.
func (s *Service) EmitStatus(ctx context.Context, state events.ServiceState, message string, severity events.Severity) {
	s.emitStatusLocked(ctx, state, message, severity)
}

// emitStatusLocked records the status fields and publishes a heartbeat.
func (s *Service) emitStatusLocked(ctx context.Context, state events.ServiceState, message string, severity events.Severity) {
	s.mu.Lock()
	s.state = state
	s.message = message
	s.severity = severity
	s.mu.Unlock()
	s.reemitStatus(ctx)
}

// reemitStatus publishes the current status without changing it.
func (s *Service) reemitStatus(ctx context.Context) {
	s.mu.Lock()
	p := &events.ServiceStatus{
		Envelope:      events.NewEnvelope(s.name),
		Status:        s.state,
		UptimeSeconds: time.Since(s.startedAt).Seconds(),
		Message:       s.message,
		Severity:      s.severity,
	}
	s.mu.Unlock()
	if err := s.bus.Emit(ctx, p); err != nil {
		s.log.Error("status emission failed", "err", err)
	}
}

// heartbeatLoop re-emits the last status every heartbeat interval.
func (s *Service) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.reemitStatus(ctx)
		}
	}
}

// runLoop executes posted callbacks sequentially until the posts channel is
// retired by teardown.
func (s *Service) runLoop(posts chan func(), done chan struct{}) {
	defer close(done)
	for fn := range posts {
		fn()
	}
}

// teardownTasks cancels and drains the task set.
func (s *Service) teardownTasks() error {
	s.mu.Lock()
	ts := s.tasks
	s.mu.Unlock()
	if ts == nil {
		return nil
	}
	return ts.Shutdown(s.stopTimeout)
}

// teardown removes all subscriptions and retires the run loop.
func (s *Service) teardown(context.Context) {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	posts := s.posts
	s.posts = nil
	loopDone := s.loopDone
	s.loopDone = nil
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if posts != nil {
		close(posts)
		if loopDone != nil {
			<-loopDone
		}
	}
}
