package dispatch

import (
	"fmt"
	"strings"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// DefaultRegistry builds the standard command table. origin names the
// dispatcher in emitted envelopes.
func DefaultRegistry(origin string) *Registry {
	env := func() events.Envelope { return events.NewEnvelope(origin) }

	r := NewRegistry()
	must := func(reg Registration) {
		if err := r.Register(reg); err != nil {
			panic(err)
		}
	}

	must(Registration{
		Pattern: "status",
		Topic:   events.TopicStatusRequest,
		Build: func(Command) (events.Payload, string, error) {
			return &events.StatusRequest{Envelope: env()}, "status requested from all services", nil
		},
	})

	must(Registration{
		Pattern: "help",
		Build: func(Command) (events.Payload, string, error) {
			return nil, "commands: " + strings.Join(r.Patterns(), ", "), nil
		},
	})

	// ── Music target ────────────────────────────────────────────────────

	must(Registration{
		Pattern: "play music",
		Topic:   events.TopicMusicCommand,
		Build: func(cmd Command) (events.Payload, string, error) {
			query := cmd.Query()
			if query == "" {
				return nil, "", &MissingArgumentError{Field: "track_name"}
			}
			return &events.MusicCommand{
				Envelope:  env(),
				Action:    events.MusicPlay,
				TrackName: query,
				Source:    cmd.Source,
			}, fmt.Sprintf("playing %q", query), nil
		},
	})

	must(Registration{
		Pattern: "stop music",
		Topic:   events.TopicMusicCommand,
		Build: func(cmd Command) (events.Payload, string, error) {
			return &events.MusicCommand{
				Envelope: env(),
				Action:   events.MusicStop,
				Source:   cmd.Source,
			}, "music stopped", nil
		},
	})

	must(Registration{
		Pattern: "pause music",
		Topic:   events.TopicMusicCommand,
		Build: func(cmd Command) (events.Payload, string, error) {
			return &events.MusicCommand{
				Envelope: env(),
				Action:   events.MusicPause,
				Source:   cmd.Source,
			}, "music paused", nil
		},
	})

	must(Registration{
		Pattern: "resume music",
		Topic:   events.TopicMusicCommand,
		Build: func(cmd Command) (events.Payload, string, error) {
			return &events.MusicCommand{
				Envelope: env(),
				Action:   events.MusicResume,
				Source:   cmd.Source,
			}, "music resumed", nil
		},
	})

	// ── DJ target ───────────────────────────────────────────────────────

	must(Registration{
		Pattern: "dj start",
		Topic:   events.TopicDJModeChanged,
		Build: func(cmd Command) (events.Payload, string, error) {
			return &events.DJModeChanged{
				Envelope: env(),
				Active:   true,
				Reason:   string(cmd.Source),
			}, "dj mode starting", nil
		},
	})

	must(Registration{
		Pattern: "dj stop",
		Topic:   events.TopicDJModeChanged,
		Build: func(cmd Command) (events.Payload, string, error) {
			return &events.DJModeChanged{
				Envelope: env(),
				Active:   false,
				Reason:   string(cmd.Source),
			}, "dj mode stopping", nil
		},
	})

	must(Registration{
		Pattern: "dj next",
		Topic:   events.TopicMusicCommand,
		Build: func(cmd Command) (events.Payload, string, error) {
			return &events.MusicCommand{
				Envelope: env(),
				Action:   events.MusicNext,
				Source:   events.SourceDJ,
			}, "skipping to next track", nil
		},
	})

	// ── System target ───────────────────────────────────────────────────

	must(Registration{
		Pattern: "set mode",
		Topic:   events.TopicSystemSetModeRequest,
		Build: func(cmd Command) (events.Payload, string, error) {
			if len(cmd.Args) == 0 {
				return nil, "", &MissingArgumentError{Field: "mode"}
			}
			mode := events.Mode(strings.ToUpper(cmd.Args[0]))
			if !mode.IsValid() || mode == events.ModeStartup {
				return nil, "", &InvalidArgumentError{Field: "mode", Value: cmd.Args[0]}
			}
			return &events.SystemSetModeRequest{
				Envelope: env(),
				Mode:     mode,
			}, fmt.Sprintf("switching to %s", mode), nil
		},
	})

	// ── Voice target ────────────────────────────────────────────────────

	must(Registration{
		Pattern: "listen start",
		Topic:   events.TopicVoiceListeningToggle,
		Build: func(Command) (events.Payload, string, error) {
			return &events.VoiceListeningToggle{Envelope: env(), Start: true}, "listening", nil
		},
	})

	must(Registration{
		Pattern: "listen stop",
		Topic:   events.TopicVoiceListeningToggle,
		Build: func(Command) (events.Payload, string, error) {
			return &events.VoiceListeningToggle{Envelope: env(), Start: false}, "stopped listening", nil
		},
	})

	return r
}
