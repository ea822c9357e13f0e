// Package logging provides the CantinaOS log pipeline: a [slog.Handler] that
// deduplicates repeated messages, writes to a session-stamped log file, and
// forwards shaped records to the dashboard stream.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Record is the shaped form of a log record handed to the dashboard relay.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Service string
	Message string

	// Count is how many identical suppressed records this one stands in
	// for, zero when no deduplication happened.
	Count int
}

// RelayFunc receives every admitted record destined for the dashboard.
// It must not block; the relay buffers internally.
type RelayFunc func(Record)

// Option configures a [Handler].
type Option func(*Handler)

// WithDedupWindow overrides the deduplication window. Zero disables
// deduplication entirely.
func WithDedupWindow(d time.Duration) Option {
	return func(h *Handler) { h.dedup = newDeduper(d) }
}

// WithRelay installs the dashboard relay. Records attributed to the named
// excluded service are never relayed, which keeps the relay's own logging
// from feeding back into itself.
func WithRelay(fn RelayFunc, excludeService string) Option {
	return func(h *Handler) {
		h.relay = fn
		h.exclude = excludeService
	}
}

// Handler is a [slog.Handler] in front of a base handler. Every admitted
// record passes to the base handler unchanged (plus a "repeated" attribute
// when deduplication collapsed earlier copies) and, shaped as a [Record], to
// the dashboard relay.
type Handler struct {
	base    slog.Handler
	dedup   *deduper
	relay   RelayFunc
	exclude string

	// service is the accumulated "service" attribute, tracked so relayed
	// records are attributable even though attrs otherwise pass through
	// opaquely.
	service string
}

var _ slog.Handler = (*Handler)(nil)

// NewHandler wraps base in the dedup/relay pipeline.
func NewHandler(base slog.Handler, opts ...Option) *Handler {
	h := &Handler{
		base:  base,
		dedup: newDeduper(DefaultDedupWindow),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Enabled delegates to the base handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle applies deduplication, forwards to the base handler, and relays.
func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	service := h.service
	rec.Attrs(func(a slog.Attr) bool {
		if a.Key == "service" {
			service = a.Value.String()
			return false
		}
		return true
	})

	key := fmt.Sprintf("%s|%s|%s", rec.Level, service, rec.Message)
	ok, repeats := h.dedup.admit(key, rec.Time)
	if !ok {
		return nil
	}
	if repeats > 0 {
		rec = rec.Clone()
		rec.AddAttrs(slog.Int("repeated", repeats))
	}

	err := h.base.Handle(ctx, rec)

	if h.relay != nil && service != h.exclude {
		h.relay(Record{
			Time:    rec.Time,
			Level:   rec.Level,
			Service: service,
			Message: rec.Message,
			Count:   repeats,
		})
	}
	return err
}

// WithAttrs returns a handler with the attrs bound, tracking the service
// attribute for relay attribution.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.base = h.base.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "service" {
			clone.service = a.Value.String()
		}
	}
	return &clone
}

// WithGroup returns a handler with the group opened on the base handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.base = h.base.WithGroup(name)
	return &clone
}

// SessionFile creates dir if needed and opens a session-stamped log file in
// it, named cantinaos-20060102-150405.log after the start time.
func SessionFile(dir string, start time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create dir %q: %w", dir, err)
	}
	name := fmt.Sprintf("cantinaos-%s.log", start.Format("20060102-150405"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open session file: %w", err)
	}
	return f, nil
}
