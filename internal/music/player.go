// Package music owns the playback backend. The controller is the sole
// subscriber of the music command topic: every play, stop, and crossfade in
// the system funnels through here, so volume, ducking, and the coordination
// events stay consistent no matter who asked.
package music

import (
	"context"
	"errors"
	"time"
)

// ErrNoTrack is returned by [Player.Position] when nothing is loaded, which
// the controller reads as the natural end of the current track.
var ErrNoTrack = errors.New("no track loaded")

// Player is the playback backend. Implementations are expected to be safe for
// calls from a single goroutine at a time; the controller serializes access.
type Player interface {
	// Play loads uri and starts playback at the given volume.
	Play(ctx context.Context, uri string, volume float64) error

	// Stop halts playback and unloads the current track.
	Stop(ctx context.Context) error

	Pause(ctx context.Context) error
	Resume(ctx context.Context) error

	// CrossfadeTo fades the current track out and uri in over fade. The
	// incoming track never exceeds ceiling during or after the fade.
	CrossfadeTo(ctx context.Context, uri string, fade time.Duration, ceiling float64) error

	// SetVolume ramps the output level over fade.
	SetVolume(ctx context.Context, level float64, fade time.Duration) error

	// Position reports playback progress, or [ErrNoTrack] once the current
	// track has run out.
	Position(ctx context.Context) (elapsed, total time.Duration, err error)

	// Duration probes a track's length without loading it for playback.
	// Used during library scans; 0 means unknown.
	Duration(uri string) (time.Duration, error)
}
