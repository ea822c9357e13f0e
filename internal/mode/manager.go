// Package mode owns the global operating mode. Services never ask each other
// to change behavior directly; they react to the sticky mode-change event.
package mode

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// ServiceName is the manager's service name on the bus.
const ServiceName = "mode_manager"

// Manager is the mode state machine. It starts in STARTUP and settles into
// IDLE once the system is up; every transition is allowed except back into
// STARTUP.
type Manager struct {
	*service.Service

	mu      sync.Mutex
	current events.Mode
}

var _ service.Runner = (*Manager)(nil)

// NewManager creates the manager in STARTUP.
func NewManager(b *bus.Bus, log *slog.Logger) *Manager {
	return &Manager{
		Service: service.New(ServiceName, b, log),
		current: events.ModeStartup,
	}
}

// Current reports the active mode.
func (m *Manager) Current() events.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start claims the set-mode request topic and announces the initial mode so
// sticky subscribers always have a value.
func (m *Manager) Start(ctx context.Context) error {
	err := m.StartWith(ctx, func(context.Context) error {
		return m.Subscribe(events.TopicSystemSetModeRequest, m.onSetMode)
	})
	if err != nil {
		return err
	}
	m.emit(ctx, &events.SystemModeChange{
		Envelope: m.Envelope(),
		Mode:     events.ModeStartup,
		Previous: events.ModeStartup,
	})
	return nil
}

// Stop releases the topic.
func (m *Manager) Stop(ctx context.Context) error {
	return m.StopWith(ctx, nil)
}

// SetMode drives one transition: started → sticky change → complete. Requests
// into STARTUP and no-op requests are rejected quietly.
func (m *Manager) SetMode(ctx context.Context, to events.Mode) {
	if !to.IsValid() || to == events.ModeStartup {
		m.Log().Warn("mode transition rejected", "to", to)
		return
	}

	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return
	}
	m.current = to
	m.mu.Unlock()

	m.Log().Info("mode transition", "from", from, "to", to)
	m.emit(ctx, &events.ModeTransitionStarted{Envelope: m.Envelope(), From: from, To: to})
	m.emit(ctx, &events.SystemModeChange{Envelope: m.Envelope(), Mode: to, Previous: from})
	m.emit(ctx, &events.ModeTransitionComplete{Envelope: m.Envelope(), To: to})
}

func (m *Manager) onSetMode(ctx context.Context, p events.Payload) {
	m.SetMode(ctx, p.(*events.SystemSetModeRequest).Mode)
}

func (m *Manager) emit(ctx context.Context, p events.Payload) {
	if err := m.Emit(ctx, p); err != nil {
		m.Log().Error("emission failed", "topic", p.EventTopic(), "err", err)
	}
}
