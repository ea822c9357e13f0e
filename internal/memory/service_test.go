package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
)

func startService(t *testing.T, b *bus.Bus, opts ...Option) *Service {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "state.json"), -1, testLogger())
	svc := NewService(b, testLogger(), store, opts...)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return svc
}

func env(name string) events.Envelope { return events.NewEnvelope(name) }

func TestGet_MissingKeyRepliesAbsent(t *testing.T) {
	b := bus.New()
	startService(t, b)

	got := make(chan *events.MemoryValue, 1)
	if _, err := b.Subscribe(events.TopicMemoryValue, "probe", func(_ context.Context, p events.Payload) {
		got <- p.(*events.MemoryValue)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Emit(context.Background(), &events.MemoryGet{
		Envelope: env("probe"), Key: events.KeyCurrentTrack, RequestID: "r1",
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	v := <-got
	if v.Present || v.Value != nil || v.RequestID != "r1" {
		t.Fatalf("value = %+v, want absent with r1", v)
	}
}

func TestSet_EmitsUpdatedWithPrevious(t *testing.T) {
	b := bus.New()
	startService(t, b)

	updates := make(chan *events.MemoryUpdated, 4)
	if _, err := b.Subscribe(events.TopicMemoryUpdated, "probe", func(_ context.Context, p events.Payload) {
		updates <- p.(*events.MemoryUpdated)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	if err := b.Emit(ctx, &events.MemorySet{Envelope: env("probe"), Key: events.KeyMode, Value: "IDLE"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := b.Emit(ctx, &events.MemorySet{Envelope: env("probe"), Key: events.KeyMode, Value: "AMBIENT"}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	first := <-updates
	if first.Key != events.KeyMode || first.Value != "IDLE" || first.Previous != nil {
		t.Fatalf("first update = %+v", first)
	}
	second := <-updates
	if second.Value != "AMBIENT" || second.Previous != "IDLE" {
		t.Fatalf("second update = %+v", second)
	}
}

func TestWait_ResolvesOnMatchingSet(t *testing.T) {
	b := bus.New()
	startService(t, b)

	resolved := make(chan *events.MemoryWaitResolved, 1)
	if _, err := b.Subscribe(events.TopicMemoryWaitResolved, "probe", func(_ context.Context, p events.Payload) {
		resolved <- p.(*events.MemoryWaitResolved)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx := context.Background()
	if err := b.Emit(ctx, &events.MemoryWait{
		Envelope:    env("probe"),
		Key:         events.KeyDJCommentaryReady,
		PredicateID: "p1",
		Condition:   events.WaitCondition{Op: events.WaitTruthy},
	}); err != nil {
		t.Fatalf("emit wait: %v", err)
	}

	// A non-matching write must not resolve.
	if err := b.Emit(ctx, &events.MemorySet{
		Envelope: env("probe"), Key: events.KeyDJCommentaryReady, Value: false,
	}); err != nil {
		t.Fatalf("emit set: %v", err)
	}
	select {
	case r := <-resolved:
		t.Fatalf("resolved on falsy value: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.Emit(ctx, &events.MemorySet{
		Envelope: env("probe"), Key: events.KeyDJCommentaryReady, Value: true,
	}); err != nil {
		t.Fatalf("emit set: %v", err)
	}

	select {
	case r := <-resolved:
		if r.PredicateID != "p1" || r.Value != true {
			t.Fatalf("resolved = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait never resolved")
	}
}

func TestWait_AlreadySatisfiedResolvesImmediately(t *testing.T) {
	b := bus.New()
	startService(t, b)

	ctx := context.Background()
	if err := b.Emit(ctx, &events.MemorySet{
		Envelope: env("probe"), Key: events.KeyMusicPlaying, Value: true,
	}); err != nil {
		t.Fatalf("emit set: %v", err)
	}

	resolved := make(chan *events.MemoryWaitResolved, 1)
	if _, err := b.Subscribe(events.TopicMemoryWaitResolved, "probe", func(_ context.Context, p events.Payload) {
		resolved <- p.(*events.MemoryWaitResolved)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Emit(ctx, &events.MemoryWait{
		Envelope:    env("probe"),
		Key:         events.KeyMusicPlaying,
		PredicateID: "p2",
		Condition:   events.WaitCondition{Op: events.WaitEq, Value: true},
	}); err != nil {
		t.Fatalf("emit wait: %v", err)
	}

	select {
	case r := <-resolved:
		if r.PredicateID != "p2" {
			t.Fatalf("resolved = %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pre-satisfied wait never resolved")
	}
}

func TestWait_TimesOut(t *testing.T) {
	b := bus.New()
	startService(t, b, WithWaitTimeout(50*time.Millisecond))

	timedOut := make(chan *events.MemoryWaitTimeout, 1)
	if _, err := b.Subscribe(events.TopicMemoryWaitTimeout, "probe", func(_ context.Context, p events.Payload) {
		timedOut <- p.(*events.MemoryWaitTimeout)
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Emit(context.Background(), &events.MemoryWait{
		Envelope:    env("probe"),
		Key:         events.KeyDJCommentaryReady,
		PredicateID: "p3",
		Condition:   events.WaitCondition{Op: events.WaitTruthy},
	}); err != nil {
		t.Fatalf("emit wait: %v", err)
	}

	select {
	case to := <-timedOut:
		if to.PredicateID != "p3" || to.Key != events.KeyDJCommentaryReady {
			t.Fatalf("timeout = %+v", to)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait never timed out")
	}
}

func TestMirror_PlaybackEvents(t *testing.T) {
	b := bus.New()
	svc := startService(t, b)

	track := events.MusicTrack{
		TrackID:   "t1",
		Title:     "Mad About Mad About Me",
		PathOrURI: "assets/music/mad.mp3",
		Source:    events.TrackSourceLocal,
	}
	ctx := context.Background()
	if err := b.Emit(ctx, &events.MusicPlaybackStarted{
		Envelope: env("music_controller"), Track: track, Source: events.SourceCLI,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if v, ok := svc.store.Get(events.KeyMusicPlaying); !ok || v != true {
		t.Fatalf("music_playing = %v/%v", v, ok)
	}
	if v, ok := svc.store.Get(events.KeyCurrentTrack); !ok || v.(events.MusicTrack).TrackID != "t1" {
		t.Fatalf("current_track = %v/%v", v, ok)
	}

	if err := b.Emit(ctx, &events.MusicPlaybackStopped{
		Envelope: env("music_controller"), Track: track,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if v, _ := svc.store.Get(events.KeyMusicPlaying); v != false {
		t.Fatalf("music_playing = %v, want false", v)
	}
}

func TestMirror_ModeAndDJ(t *testing.T) {
	b := bus.New()
	svc := startService(t, b)

	ctx := context.Background()
	if err := b.Emit(ctx, &events.SystemModeChange{
		Envelope: env("mode_manager"), Mode: events.ModeAmbient, Previous: events.ModeIdle,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := b.Emit(ctx, &events.DJModeChanged{
		Envelope: env("brain"), Active: true,
	}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if v, _ := svc.store.Get(events.KeyMode); v != "AMBIENT" {
		t.Fatalf("mode = %v", v)
	}
	if v, _ := svc.store.Get(events.KeyDJModeActive); v != true {
		t.Fatalf("dj_mode_active = %v", v)
	}
}

func TestStart_AnnouncesLoadedKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	if err := os.WriteFile(path, []byte(`{"mode":"IDLE","dj_mode_active":true}`), 0o644); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	b := bus.New()
	seen := make(map[events.MemoryKey]any)
	if _, err := b.Subscribe(events.TopicMemoryUpdated, "probe", func(_ context.Context, p events.Payload) {
		u := p.(*events.MemoryUpdated)
		seen[u.Key] = u.Value
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	store := NewStore(path, -1, testLogger())
	svc := NewService(b, testLogger(), store)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = svc.Stop(context.Background()) }()

	if seen[events.KeyMode] != "IDLE" || seen[events.KeyDJModeActive] != true {
		t.Fatalf("announced keys = %v", seen)
	}
}
