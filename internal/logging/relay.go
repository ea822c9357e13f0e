package logging

import (
	"context"
	"log/slog"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// RelayName is the relay's service name. Install it as the exclusion in
// [WithRelay] so the relay's own log lines never loop back through the bus.
const RelayName = "log_relay"

// relayQueueSize bounds buffered records between the log handler and the bus.
// Overflow drops the record from the dashboard stream only; the file and
// console outputs are unaffected.
const relayQueueSize = 256

// Relay drains shaped log records onto the bus as dashboard log events.
type Relay struct {
	*service.Service
	queue chan Record
}

var _ service.Runner = (*Relay)(nil)

// NewRelay creates the relay service.
func NewRelay(b *bus.Bus, log *slog.Logger) *Relay {
	return &Relay{
		Service: service.New(RelayName, b, log),
		queue:   make(chan Record, relayQueueSize),
	}
}

// Forward hands a record to the relay. Never blocks; records beyond the
// buffer are dropped.
func (r *Relay) Forward(rec Record) {
	select {
	case r.queue <- rec:
	default:
	}
}

// Start begins draining the queue onto the bus.
func (r *Relay) Start(ctx context.Context) error {
	return r.StartWith(ctx, func(context.Context) error {
		r.Go("drain", r.drain)
		return nil
	})
}

// Stop halts the drain loop. Queued records are discarded.
func (r *Relay) Stop(ctx context.Context) error {
	return r.StopWith(ctx, nil)
}

func (r *Relay) drain(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-r.queue:
			p := &events.DashboardLog{
				Envelope: r.Envelope(),
				Level:    levelName(rec.Level),
				Message:  rec.Message,
				Count:    rec.Count,
			}
			if rec.Service != "" {
				p.ServiceName = rec.Service
			}
			if err := r.Emit(ctx, p); err != nil {
				r.Log().Warn("dashboard log emission failed", "err", err)
			}
		}
	}
}

// levelName maps slog levels onto the dashboard's level vocabulary.
func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warning"
	case l >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}
