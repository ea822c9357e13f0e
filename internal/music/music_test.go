package music

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// makeLibrary lays out a small on-disk library and returns its root.
func makeLibrary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := []string{
		"alpha.mp3",
		"beta.mp3",
		"Figrin Dan - Cantina Band.ogg",
		"notes.txt", // not playable
	}
	for _, name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "extra"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "extra", "jatz.flac"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return dir
}

func startController(t *testing.T, b *bus.Bus, fake *FakePlayer, dir string, cfg Config) *Controller {
	t.Helper()
	cfg.LibraryDir = dir
	cfg.RetryBackoff = time.Millisecond
	ctl := NewController(b, testLogger(), fake, cfg)
	if err := ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = ctl.Stop(context.Background()) })
	return ctl
}

func emitCommand(t *testing.T, b *bus.Bus, cmd *events.MusicCommand) {
	t.Helper()
	cmd.Envelope = events.NewEnvelope("test")
	if err := b.Emit(context.Background(), cmd); err != nil {
		t.Fatalf("emit: %v", err)
	}
}

func TestScanLibrary(t *testing.T) {
	dir := makeLibrary(t)
	fake := NewFakePlayer()
	fake.SetDuration(filepath.Join(dir, "alpha.mp3"), 3*time.Minute)

	tracks, err := ScanLibrary(dir, fake)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(tracks) != 4 {
		t.Fatalf("tracks = %d, want 4 playable files", len(tracks))
	}
	// Sorted by title; "Cantina Band" carries the parsed artist.
	var cantina *events.MusicTrack
	for i := range tracks {
		if tracks[i].Title == "Cantina Band" {
			cantina = &tracks[i]
		}
	}
	if cantina == nil || cantina.Artist != "Figrin Dan" {
		t.Fatalf("cantina track = %+v", cantina)
	}
	for _, tr := range tracks {
		if tr.Title == "alpha" && tr.DurationMS != (3 * time.Minute).Milliseconds() {
			t.Fatalf("alpha duration = %d", tr.DurationMS)
		}
		if tr.Title == "jatz" && tr.TrackID != "extra/jatz.flac" {
			t.Fatalf("jatz id = %q", tr.TrackID)
		}
	}
}

func TestLibraryUpdateIsSticky(t *testing.T) {
	b := bus.New()
	startController(t, b, NewFakePlayer(), makeLibrary(t), Config{})

	// Subscribing after start still sees the library snapshot.
	got := make(chan *events.MusicLibraryUpdated, 1)
	if _, err := b.Subscribe(events.TopicMusicLibraryUpdated, "probe", func(_ context.Context, p events.Payload) {
		got <- p.(*events.MusicLibraryUpdated)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case lib := <-got:
		if len(lib.Tracks) != 4 {
			t.Fatalf("tracks = %d", len(lib.Tracks))
		}
	default:
		t.Fatal("no sticky replay of the library")
	}
}

func TestPlayResolvesBySubstring(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	startController(t, b, fake, makeLibrary(t), Config{})

	started := make(chan *events.MusicPlaybackStarted, 1)
	playing := make(chan *events.TrackPlaying, 1)
	if _, err := b.Subscribe(events.TopicMusicPlaybackStarted, "probe", func(_ context.Context, p events.Payload) {
		started <- p.(*events.MusicPlaybackStarted)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(events.TopicTrackPlaying, "probe", func(_ context.Context, p events.Payload) {
		playing <- p.(*events.TrackPlaying)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitCommand(t, b, &events.MusicCommand{
		Action:    events.MusicPlay,
		TrackName: "cantina",
		Source:    events.SourceCLI,
	})

	s := <-started
	if s.Track.Title != "Cantina Band" || s.Source != events.SourceCLI {
		t.Fatalf("started = %+v", s)
	}
	if p := <-playing; p.TrackID != s.Track.TrackID {
		t.Fatalf("coordination track = %q", p.TrackID)
	}
	if fake.Playing() != s.Track.PathOrURI {
		t.Fatalf("player uri = %q", fake.Playing())
	}
}

func TestPlayUnknownTrackEmitsNothing(t *testing.T) {
	b := bus.New()
	startController(t, b, NewFakePlayer(), makeLibrary(t), Config{})

	started := make(chan *events.MusicPlaybackStarted, 1)
	if _, err := b.Subscribe(events.TopicMusicPlaybackStarted, "probe", func(_ context.Context, p events.Payload) {
		started <- p.(*events.MusicPlaybackStarted)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitCommand(t, b, &events.MusicCommand{
		Action:    events.MusicPlay,
		TrackName: "droid blues",
		Source:    events.SourceCLI,
	})

	// Delivery is synchronous: if anything was going to start, it already has.
	if len(started) != 0 {
		t.Fatal("playback started for an unknown track")
	}
}

func TestPauseResumeCoordination(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	startController(t, b, fake, makeLibrary(t), Config{})

	stopped := make(chan *events.TrackStopped, 1)
	playing := make(chan *events.TrackPlaying, 2)
	if _, err := b.Subscribe(events.TopicTrackStopped, "probe", func(_ context.Context, p events.Payload) {
		stopped <- p.(*events.TrackStopped)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(events.TopicTrackPlaying, "probe", func(_ context.Context, p events.Payload) {
		playing <- p.(*events.TrackPlaying)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPlay, TrackName: "alpha", Source: events.SourceCLI})
	<-playing

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPause, Source: events.SourceCLI})
	if s := <-stopped; s.TrackID == "" {
		t.Fatal("pause did not emit coordination stop")
	}

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicResume, Source: events.SourceCLI})
	if p := <-playing; p.TrackID == "" {
		t.Fatal("resume did not emit coordination playing")
	}
}

func TestNextAdvancesThroughLibrary(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	startController(t, b, fake, makeLibrary(t), Config{})

	started := make(chan *events.MusicPlaybackStarted, 2)
	if _, err := b.Subscribe(events.TopicMusicPlaybackStarted, "probe", func(_ context.Context, p events.Payload) {
		started <- p.(*events.MusicPlaybackStarted)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPlay, TrackName: "alpha", Source: events.SourceDJ})
	first := <-started

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicNext, Source: events.SourceDJ})
	second := <-started
	if second.Track.PathOrURI == first.Track.PathOrURI {
		t.Fatalf("next replayed the same track %q", second.Track.Title)
	}
}

func TestCrossfadeHonorsCeilingAndOrdering(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	startController(t, b, fake, makeLibrary(t), Config{})

	var order []string
	complete := make(chan *events.CrossfadeComplete, 1)
	if _, err := b.Subscribe(events.TopicMusicPlaybackStarted, "probe", func(_ context.Context, p events.Payload) {
		order = append(order, "started")
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := b.Subscribe(events.TopicCrossfadeComplete, "probe", func(_ context.Context, p events.Payload) {
		order = append(order, "complete")
		complete <- p.(*events.CrossfadeComplete)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitCommand(t, b, &events.MusicCommand{
		Action:        events.MusicCrossfade,
		TrackID:       "beta.mp3",
		Source:        events.SourceDJ,
		FadeMS:        4000,
		CeilingVolume: 0.4,
		StepID:        "x1",
		PlanID:        "p1",
	})

	done := <-complete
	if done.StepID != "x1" || done.PlanID != "p1" || done.TrackID != "beta.mp3" {
		t.Fatalf("complete = %+v", done)
	}
	if len(order) != 2 || order[0] != "started" || order[1] != "complete" {
		t.Fatalf("order = %v, want started before complete", order)
	}
	call := <-fake.Calls
	if call.Op != "crossfade" || call.Level != 0.4 || call.Fade != 4*time.Second {
		t.Fatalf("player call = %+v", call)
	}
}

func TestDuckingSetsPlayerVolume(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	startController(t, b, fake, makeLibrary(t), Config{NormalVolume: 0.9})

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPlay, TrackName: "alpha", Source: events.SourceCLI})
	<-fake.Calls // play

	if err := b.Emit(context.Background(), &events.AudioDuckingStart{
		Envelope: events.NewEnvelope("timeline_executor"),
		Level:    0.3,
		FadeMS:   200,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if call := <-fake.Calls; call.Op != "set_volume" || call.Level != 0.3 {
		t.Fatalf("duck call = %+v", call)
	}

	if err := b.Emit(context.Background(), &events.AudioDuckingStop{
		Envelope: events.NewEnvelope("timeline_executor"),
		FadeMS:   200,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if call := <-fake.Calls; call.Op != "set_volume" || call.Level != 0.9 {
		t.Fatalf("unduck call = %+v", call)
	}
}

func TestPlayRetriesTransientFailure(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	startController(t, b, fake, makeLibrary(t), Config{})

	started := make(chan *events.MusicPlaybackStarted, 1)
	if _, err := b.Subscribe(events.TopicMusicPlaybackStarted, "probe", func(_ context.Context, p events.Payload) {
		started <- p.(*events.MusicPlaybackStarted)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fake.FailNext("play", 2)
	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPlay, TrackName: "alpha", Source: events.SourceCLI})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("playback never recovered from transient failures")
	}
}

func TestPlayExhaustedRetriesGoesDegraded(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	startController(t, b, fake, makeLibrary(t), Config{})

	degraded := make(chan *events.ServiceStatus, 4)
	if _, err := b.Subscribe(events.TopicServiceStatus, "probe", func(_ context.Context, p events.Payload) {
		if st := p.(*events.ServiceStatus); st.Status == events.StateDegraded {
			degraded <- st
		}
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	fake.FailNext("play", DefaultRetryAttempts+1)
	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPlay, TrackName: "alpha", Source: events.SourceCLI})

	select {
	case st := <-degraded:
		if st.Origin() != ServiceName {
			t.Fatalf("degraded origin = %q", st.Origin())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no degraded status after retry exhaustion")
	}
}

func TestTrackEndingSoonFiresOnce(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	dir := makeLibrary(t)
	uri := filepath.Join(dir, "alpha.mp3")
	fake.SetDuration(uri, 10*time.Second)
	startController(t, b, fake, dir, Config{
		EndingSoonLead: time.Second,
		PollInterval:   5 * time.Millisecond,
	})

	ending := make(chan *events.TrackEndingSoon, 4)
	if _, err := b.Subscribe(events.TopicTrackEndingSoon, "probe", func(_ context.Context, p events.Payload) {
		ending <- p.(*events.TrackEndingSoon)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPlay, TrackName: "alpha", Source: events.SourceDJ})
	fake.Advance(9500 * time.Millisecond)

	select {
	case e := <-ending:
		if e.Track.Title != "alpha" || e.SecondsRemaining > 1.0 {
			t.Fatalf("ending soon = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ending-soon never fired")
	}

	// The watch must not re-fire for the same track.
	time.Sleep(30 * time.Millisecond)
	if len(ending) != 0 {
		t.Fatal("ending-soon fired more than once")
	}
}

func TestNaturalEndEmitsStopped(t *testing.T) {
	b := bus.New()
	fake := NewFakePlayer()
	dir := makeLibrary(t)
	uri := filepath.Join(dir, "alpha.mp3")
	fake.SetDuration(uri, time.Second)
	startController(t, b, fake, dir, Config{PollInterval: 5 * time.Millisecond})

	stopped := make(chan *events.MusicPlaybackStopped, 1)
	if _, err := b.Subscribe(events.TopicMusicPlaybackStopped, "probe", func(_ context.Context, p events.Payload) {
		stopped <- p.(*events.MusicPlaybackStopped)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	emitCommand(t, b, &events.MusicCommand{Action: events.MusicPlay, TrackName: "alpha", Source: events.SourceCLI})
	fake.Advance(2 * time.Second)

	select {
	case s := <-stopped:
		if s.Track.Title != "alpha" {
			t.Fatalf("stopped track = %+v", s.Track)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stop events after the track ran out")
	}
}
