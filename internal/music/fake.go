package music

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errPlayerUnavailable is what injected fake failures return.
var errPlayerUnavailable = errors.New("player unavailable")

// PlayerCall records one invocation on the fake backend.
type PlayerCall struct {
	Op    string
	URI   string
	Level float64
	Fade  time.Duration
}

// FakePlayer is an in-memory [Player] for tests and the app's dry-run wiring.
// Failures are injected per operation; position advances only through
// [FakePlayer.Advance].
type FakePlayer struct {
	mu        sync.Mutex
	durations map[string]time.Duration
	playing   string
	paused    bool
	elapsed   time.Duration
	failures  map[string]int

	// Calls receives every invocation in order. Buffered; drops when full.
	Calls chan PlayerCall
}

var _ Player = (*FakePlayer)(nil)

func NewFakePlayer() *FakePlayer {
	return &FakePlayer{
		durations: make(map[string]time.Duration),
		failures:  make(map[string]int),
		Calls:     make(chan PlayerCall, 64),
	}
}

// SetDuration fixes the reported length of uri.
func (f *FakePlayer) SetDuration(uri string, d time.Duration) {
	f.mu.Lock()
	f.durations[uri] = d
	f.mu.Unlock()
}

// FailNext makes the next n calls to op return an error.
func (f *FakePlayer) FailNext(op string, n int) {
	f.mu.Lock()
	f.failures[op] = n
	f.mu.Unlock()
}

// Advance moves the playhead forward.
func (f *FakePlayer) Advance(d time.Duration) {
	f.mu.Lock()
	f.elapsed += d
	f.mu.Unlock()
}

// Playing reports the currently loaded uri, if any.
func (f *FakePlayer) Playing() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.playing
}

func (f *FakePlayer) record(c PlayerCall) {
	select {
	case f.Calls <- c:
	default:
	}
}

// fail consumes one injected failure for op. Callers hold f.mu.
func (f *FakePlayer) failLocked(op string) bool {
	if f.failures[op] > 0 {
		f.failures[op]--
		return true
	}
	return false
}

func (f *FakePlayer) Play(_ context.Context, uri string, volume float64) error {
	f.record(PlayerCall{Op: "play", URI: uri, Level: volume})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLocked("play") {
		return errPlayerUnavailable
	}
	f.playing = uri
	f.paused = false
	f.elapsed = 0
	return nil
}

func (f *FakePlayer) Stop(context.Context) error {
	f.record(PlayerCall{Op: "stop"})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLocked("stop") {
		return errPlayerUnavailable
	}
	f.playing = ""
	f.elapsed = 0
	return nil
}

func (f *FakePlayer) Pause(context.Context) error {
	f.record(PlayerCall{Op: "pause"})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLocked("pause") {
		return errPlayerUnavailable
	}
	f.paused = true
	return nil
}

func (f *FakePlayer) Resume(context.Context) error {
	f.record(PlayerCall{Op: "resume"})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLocked("resume") {
		return errPlayerUnavailable
	}
	f.paused = false
	return nil
}

func (f *FakePlayer) CrossfadeTo(_ context.Context, uri string, fade time.Duration, ceiling float64) error {
	f.record(PlayerCall{Op: "crossfade", URI: uri, Level: ceiling, Fade: fade})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLocked("crossfade") {
		return errPlayerUnavailable
	}
	f.playing = uri
	f.paused = false
	f.elapsed = 0
	return nil
}

func (f *FakePlayer) SetVolume(_ context.Context, level float64, fade time.Duration) error {
	f.record(PlayerCall{Op: "set_volume", Level: level, Fade: fade})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLocked("set_volume") {
		return errPlayerUnavailable
	}
	return nil
}

func (f *FakePlayer) Position(context.Context) (time.Duration, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.playing == "" {
		return 0, 0, ErrNoTrack
	}
	total := f.durations[f.playing]
	if total > 0 && f.elapsed >= total {
		f.playing = ""
		return 0, 0, ErrNoTrack
	}
	return f.elapsed, total, nil
}

func (f *FakePlayer) Duration(uri string) (time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.durations[uri], nil
}
