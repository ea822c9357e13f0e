package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func noopBuild(Command) (events.Payload, string, error) { return nil, "ok", nil }

func TestRegistry_CompoundMatchesBeforeSingle(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Registration{Pattern: "play", Build: noopBuild}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Registration{Pattern: "play music", Build: noopBuild}); err != nil {
		t.Fatalf("register: %v", err)
	}

	reg, cmd, err := r.Match("play music Cantina Band", events.SourceCLI, "")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if reg.Pattern != "play music" {
		t.Fatalf("pattern = %q, want compound", reg.Pattern)
	}
	if cmd.Command != "play" || cmd.Subcommand != "music" {
		t.Fatalf("cmd = %+v", cmd)
	}
	if got := cmd.Query(); got != "Cantina Band" {
		t.Fatalf("query = %q, want Cantina Band", got)
	}
}

func TestRegistry_MatchIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Registration{Pattern: "DJ Start", Build: noopBuild}); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg, _, err := r.Match("dj START", events.SourceCLI, "")
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if reg.Pattern != "dj start" {
		t.Fatalf("pattern = %q", reg.Pattern)
	}
}

func TestRegistry_NoMatch(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Match("frobnicate", events.SourceCLI, ""); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch", err)
	}
	if _, _, err := r.Match("   ", events.SourceCLI, ""); !errors.Is(err, ErrNoMatch) {
		t.Fatalf("err = %v, want ErrNoMatch for blank input", err)
	}
}

func TestRegistry_RegisterRejectsBadPatterns(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(Registration{Pattern: "one two three", Build: noopBuild}); err == nil {
		t.Fatal("three-word pattern accepted")
	}
	if err := r.Register(Registration{Pattern: "", Build: noopBuild}); err == nil {
		t.Fatal("empty pattern accepted")
	}
	if err := r.Register(Registration{Pattern: "status", Build: noopBuild}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(Registration{Pattern: "status", Build: noopBuild}); err == nil {
		t.Fatal("duplicate pattern accepted")
	}
}

func TestDefaultTransforms(t *testing.T) {
	r := DefaultRegistry("dispatcher")

	cases := []struct {
		name  string
		input string
		check func(t *testing.T, p events.Payload, ack string, err error)
	}{
		{
			name:  "dj start",
			input: "dj start",
			check: func(t *testing.T, p events.Payload, _ string, err error) {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				changed := p.(*events.DJModeChanged)
				if !changed.Active {
					t.Fatal("dj start should set active")
				}
			},
		},
		{
			name:  "dj stop",
			input: "dj stop",
			check: func(t *testing.T, p events.Payload, _ string, err error) {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				if p.(*events.DJModeChanged).Active {
					t.Fatal("dj stop should clear active")
				}
			},
		},
		{
			name:  "dj next becomes music command",
			input: "dj next",
			check: func(t *testing.T, p events.Payload, _ string, err error) {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				mc := p.(*events.MusicCommand)
				if mc.Action != events.MusicNext || mc.Source != events.SourceDJ {
					t.Fatalf("music command = %+v", mc)
				}
			},
		},
		{
			name:  "play music with query",
			input: "play music Cantina Band",
			check: func(t *testing.T, p events.Payload, _ string, err error) {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				mc := p.(*events.MusicCommand)
				if mc.Action != events.MusicPlay || mc.TrackName != "Cantina Band" {
					t.Fatalf("music command = %+v", mc)
				}
			},
		},
		{
			name:  "play music without query",
			input: "play music",
			check: func(t *testing.T, _ events.Payload, _ string, err error) {
				var missing *MissingArgumentError
				if !errors.As(err, &missing) || missing.Field != "track_name" {
					t.Fatalf("err = %v, want missing track_name", err)
				}
			},
		},
		{
			name:  "set mode valid",
			input: "set mode ambient",
			check: func(t *testing.T, p events.Payload, _ string, err error) {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				if p.(*events.SystemSetModeRequest).Mode != events.ModeAmbient {
					t.Fatalf("mode = %+v", p)
				}
			},
		},
		{
			name:  "set mode startup rejected",
			input: "set mode startup",
			check: func(t *testing.T, _ events.Payload, _ string, err error) {
				var invalid *InvalidArgumentError
				if !errors.As(err, &invalid) {
					t.Fatalf("err = %v, want invalid argument", err)
				}
			},
		},
		{
			name:  "set mode missing argument",
			input: "set mode",
			check: func(t *testing.T, _ events.Payload, _ string, err error) {
				var missing *MissingArgumentError
				if !errors.As(err, &missing) || missing.Field != "mode" {
					t.Fatalf("err = %v, want missing mode", err)
				}
			},
		},
		{
			name:  "help is local",
			input: "help",
			check: func(t *testing.T, p events.Payload, ack string, err error) {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				if p != nil {
					t.Fatal("help should not emit a payload")
				}
				if !strings.Contains(ack, "dj start") {
					t.Fatalf("help output missing commands: %q", ack)
				}
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			reg, cmd, err := r.Match(c.input, events.SourceCLI, "")
			if err != nil {
				t.Fatalf("match %q: %v", c.input, err)
			}
			p, ack, err := reg.Build(cmd)
			c.check(t, p, ack, err)
		})
	}
}

func startDispatcher(t *testing.T, b *bus.Bus) *Service {
	t.Helper()
	svc := NewService(b, testLogger(), nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func TestService_RoutesCompoundCommand(t *testing.T) {
	b := bus.New()
	startDispatcher(t, b)

	music := make(chan *events.MusicCommand, 1)
	if _, err := b.Subscribe(events.TopicMusicCommand, "music_controller", func(_ context.Context, p events.Payload) {
		music <- p.(*events.MusicCommand)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	responses := make(chan *events.CLIResponse, 1)
	if _, err := b.Subscribe(events.TopicCLIResponse, "probe", func(_ context.Context, p events.Payload) {
		responses <- p.(*events.CLIResponse)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Emit(context.Background(), &events.CLICommand{
		Envelope:  events.NewEnvelope("web_bridge"),
		Raw:       "play music Cantina Band",
		Source:    events.SourceWeb,
		SessionID: "sid-42",
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	mc := <-music
	if mc.TrackName != "Cantina Band" || mc.Source != events.SourceWeb {
		t.Fatalf("music command = %+v", mc)
	}
	resp := <-responses
	if !resp.Success || resp.SessionID != "sid-42" || resp.Source != events.SourceWeb {
		t.Fatalf("response = %+v", resp)
	}
}

func TestService_UnknownCommand(t *testing.T) {
	b := bus.New()
	startDispatcher(t, b)

	responses := make(chan *events.CLIResponse, 1)
	if _, err := b.Subscribe(events.TopicCLIResponse, "probe", func(_ context.Context, p events.Payload) {
		responses <- p.(*events.CLIResponse)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Emit(context.Background(), &events.CLICommand{
		Envelope: events.NewEnvelope("cli"),
		Raw:      "frobnicate the droid",
		Source:   events.SourceCLI,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	resp := <-responses
	if resp.Success || resp.Code != CodeUnknownCommand {
		t.Fatalf("response = %+v", resp)
	}
}

func TestService_MissingArgument(t *testing.T) {
	b := bus.New()
	startDispatcher(t, b)

	responses := make(chan *events.CLIResponse, 1)
	if _, err := b.Subscribe(events.TopicCLIResponse, "probe", func(_ context.Context, p events.Payload) {
		responses <- p.(*events.CLIResponse)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Emit(context.Background(), &events.CLICommand{
		Envelope: events.NewEnvelope("cli"),
		Raw:      "play music",
		Source:   events.SourceCLI,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	resp := <-responses
	if resp.Success || resp.Code != CodeMissingArgument || resp.Field != "track_name" {
		t.Fatalf("response = %+v", resp)
	}
}
