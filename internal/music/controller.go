package music

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cantina-labs/cantinaos/internal/bus"
	"github.com/cantina-labs/cantinaos/internal/events"
	"github.com/cantina-labs/cantinaos/internal/service"
)

// ServiceName is the controller's service name on the bus.
const ServiceName = "music_controller"

// Defaults, overridable through [Config].
const (
	DefaultEndingSoonLead = 30 * time.Second
	DefaultNormalVolume   = 1.0
	DefaultPollInterval   = time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryBackoff   = 100 * time.Millisecond
)

// Config tunes the controller.
type Config struct {
	// LibraryDir is scanned on start for playable tracks.
	LibraryDir string

	// EndingSoonLead is how far before a track's end the ending-soon event
	// fires.
	EndingSoonLead time.Duration

	// NormalVolume is the unducked output level.
	NormalVolume float64

	// PollInterval is the position-watch cadence.
	PollInterval time.Duration

	// RetryAttempts and RetryBackoff bound the retry of transient player
	// failures; backoff doubles per attempt.
	RetryAttempts int
	RetryBackoff  time.Duration
}

func (c Config) withDefaults() Config {
	if c.EndingSoonLead <= 0 {
		c.EndingSoonLead = DefaultEndingSoonLead
	}
	if c.NormalVolume <= 0 || c.NormalVolume > 1 {
		c.NormalVolume = DefaultNormalVolume
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Controller is the music service. It owns the single command→player path:
// it alone talks to the backend, and it alone emits the playback and
// coordination events the executor, brain, and bridge consume.
type Controller struct {
	*service.Service
	cfg    Config
	player Player

	mu              sync.Mutex
	library         []events.MusicTrack
	current         *events.MusicTrack
	ducked          bool
	duckLevel       float64
	endingSoonFired bool
}

var _ service.Runner = (*Controller)(nil)

// NewController creates the controller over the given backend.
func NewController(b *bus.Bus, log *slog.Logger, player Player, cfg Config) *Controller {
	return &Controller{
		Service: service.New(ServiceName, b, log),
		cfg:     cfg.withDefaults(),
		player:  player,
	}
}

// Start scans the library, claims the command topic, and begins the position
// watch. A failed scan is fatal; the service does not come up without a
// library view.
func (c *Controller) Start(ctx context.Context) error {
	tracks, err := ScanLibrary(c.cfg.LibraryDir, c.player)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.library = tracks
	c.mu.Unlock()

	err = c.StartWith(ctx, func(context.Context) error {
		subs := []struct {
			topic   events.Topic
			handler bus.Handler
		}{
			{events.TopicMusicCommand, c.onCommand},
			{events.TopicAudioDuckingStart, c.onDuckStart},
			{events.TopicAudioDuckingStop, c.onDuckStop},
		}
		for _, sub := range subs {
			if err := c.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.Log().Info("library scanned", "dir", c.cfg.LibraryDir, "tracks", len(tracks))
	c.emit(ctx, &events.MusicLibraryUpdated{Envelope: c.Envelope(), Tracks: tracks})
	c.Go("position_watch", c.watchPosition)
	return nil
}

// Stop halts playback before shutting down.
func (c *Controller) Stop(ctx context.Context) error {
	return c.StopWith(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		playing := c.current != nil
		c.current = nil
		c.mu.Unlock()
		if playing {
			if err := c.player.Stop(ctx); err != nil {
				c.Log().Warn("stop on shutdown failed", "err", err)
			}
		}
		return nil
	})
}

// ── Command handling ────────────────────────────────────────────────────────

func (c *Controller) onCommand(ctx context.Context, p events.Payload) {
	cmd := p.(*events.MusicCommand)
	switch cmd.Action {
	case events.MusicPlay:
		c.handlePlay(ctx, cmd)
	case events.MusicStop:
		c.handleStop(ctx, cmd)
	case events.MusicPause:
		c.handlePause(ctx)
	case events.MusicResume:
		c.handleResume(ctx)
	case events.MusicNext:
		c.handleNext(ctx, cmd)
	case events.MusicCrossfade:
		c.handleCrossfade(ctx, cmd)
	}
}

func (c *Controller) handlePlay(ctx context.Context, cmd *events.MusicCommand) {
	track, err := c.resolve(cmd.TrackID, cmd.TrackName)
	if err != nil {
		c.Log().Error("play rejected", "query", cmd.TrackName, "err", err)
		return
	}
	c.startTrack(ctx, track, cmd.Source)
}

// startTrack plays track at the current bed level and emits both the rich
// playback notification and the coordination event.
func (c *Controller) startTrack(ctx context.Context, track events.MusicTrack, source events.CommandSource) {
	volume := c.bedVolume()
	err := c.withRetry(ctx, "play", func() error {
		return c.player.Play(ctx, track.PathOrURI, volume)
	})
	if err != nil {
		c.EmitStatus(ctx, events.StateDegraded, "player unavailable: "+err.Error(), events.SeverityError)
		return
	}

	c.mu.Lock()
	c.current = &track
	c.endingSoonFired = false
	c.mu.Unlock()

	c.emit(ctx, &events.MusicPlaybackStarted{Envelope: c.Envelope(), Track: track, Source: source})
	c.emit(ctx, &events.TrackPlaying{Envelope: c.Envelope(), TrackID: track.TrackID})
	c.Log().Info("playback started", "track", track.Title, "source", source)
}

func (c *Controller) handleStop(ctx context.Context, cmd *events.MusicCommand) {
	c.mu.Lock()
	cur := c.current
	c.current = nil
	c.mu.Unlock()
	if cur == nil {
		return
	}
	if err := c.player.Stop(ctx); err != nil {
		c.Log().Warn("stop failed", "err", err)
	}
	c.emit(ctx, &events.MusicPlaybackStopped{Envelope: c.Envelope(), Track: *cur, Source: cmd.Source})
	c.emit(ctx, &events.TrackStopped{Envelope: c.Envelope(), TrackID: cur.TrackID})
}

func (c *Controller) handlePause(ctx context.Context) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return
	}
	if err := c.player.Pause(ctx); err != nil {
		c.Log().Warn("pause failed", "err", err)
		return
	}
	// Coordination only: a paused bed must not be ducked under speech.
	c.emit(ctx, &events.TrackStopped{Envelope: c.Envelope(), TrackID: cur.TrackID})
}

func (c *Controller) handleResume(ctx context.Context) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return
	}
	if err := c.player.Resume(ctx); err != nil {
		c.Log().Warn("resume failed", "err", err)
		return
	}
	c.emit(ctx, &events.TrackPlaying{Envelope: c.Envelope(), TrackID: cur.TrackID})
}

func (c *Controller) handleNext(ctx context.Context, cmd *events.MusicCommand) {
	c.mu.Lock()
	next, ok := c.nextTrackLocked()
	c.mu.Unlock()
	if !ok {
		c.Log().Warn("next requested with empty library")
		return
	}
	c.startTrack(ctx, next, cmd.Source)
}

// nextTrackLocked picks the library entry after the current one, wrapping.
// Callers hold c.mu.
func (c *Controller) nextTrackLocked() (events.MusicTrack, bool) {
	if len(c.library) == 0 {
		return events.MusicTrack{}, false
	}
	if c.current == nil {
		return c.library[0], true
	}
	for i, t := range c.library {
		if t.PathOrURI == c.current.PathOrURI {
			return c.library[(i+1)%len(c.library)], true
		}
	}
	return c.library[0], true
}

func (c *Controller) handleCrossfade(ctx context.Context, cmd *events.MusicCommand) {
	track, err := c.resolve(cmd.TrackID, cmd.TrackName)
	if err != nil {
		c.Log().Error("crossfade rejected", "track", cmd.TrackID, "err", err)
		return
	}
	ceiling := cmd.CeilingVolume
	if ceiling <= 0 {
		ceiling = c.cfg.NormalVolume
	}
	fade := time.Duration(cmd.FadeMS) * time.Millisecond

	err = c.withRetry(ctx, "crossfade", func() error {
		return c.player.CrossfadeTo(ctx, track.PathOrURI, fade, ceiling)
	})
	if err != nil {
		// No completion event: the requesting step times out and the plan
		// fails, which is the recovery signal upstream.
		c.EmitStatus(ctx, events.StateDegraded, "crossfade failed: "+err.Error(), events.SeverityError)
		return
	}

	c.mu.Lock()
	c.current = &track
	c.endingSoonFired = false
	c.mu.Unlock()

	c.emit(ctx, &events.MusicPlaybackStarted{Envelope: c.Envelope(), Track: track, Source: cmd.Source})
	c.emit(ctx, &events.TrackPlaying{Envelope: c.Envelope(), TrackID: track.TrackID})
	c.emit(ctx, &events.CrossfadeComplete{
		Envelope: c.Envelope(),
		StepID:   cmd.StepID,
		PlanID:   cmd.PlanID,
		TrackID:  track.TrackID,
	})
}

// ── Ducking ─────────────────────────────────────────────────────────────────

func (c *Controller) onDuckStart(ctx context.Context, p events.Payload) {
	duck := p.(*events.AudioDuckingStart)
	c.mu.Lock()
	c.ducked = true
	c.duckLevel = duck.Level
	playing := c.current != nil
	c.mu.Unlock()
	if !playing {
		return
	}
	fade := time.Duration(duck.FadeMS) * time.Millisecond
	if err := c.player.SetVolume(ctx, duck.Level, fade); err != nil {
		c.Log().Warn("duck failed", "err", err)
	}
}

func (c *Controller) onDuckStop(ctx context.Context, p events.Payload) {
	duck := p.(*events.AudioDuckingStop)
	c.mu.Lock()
	c.ducked = false
	playing := c.current != nil
	c.mu.Unlock()
	if !playing {
		return
	}
	fade := time.Duration(duck.FadeMS) * time.Millisecond
	if err := c.player.SetVolume(ctx, c.cfg.NormalVolume, fade); err != nil {
		c.Log().Warn("unduck failed", "err", err)
	}
}

// bedVolume is the level new playback starts at: ducked level while speech
// owns the bed, normal otherwise.
func (c *Controller) bedVolume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ducked {
		return c.duckLevel
	}
	return c.cfg.NormalVolume
}

// ── Track resolution ────────────────────────────────────────────────────────

// resolve maps a track id or a free-text name onto a library entry. Names
// match exact title first, then substring, both case-insensitively.
func (c *Controller) resolve(trackID, name string) (events.MusicTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.library) == 0 {
		return events.MusicTrack{}, errors.New("library is empty")
	}
	if trackID != "" {
		for _, t := range c.library {
			if t.TrackID == trackID || t.PathOrURI == trackID {
				return t, nil
			}
		}
		return events.MusicTrack{}, fmt.Errorf("unknown track id %q", trackID)
	}
	query := strings.ToLower(strings.TrimSpace(name))
	if query == "" {
		return events.MusicTrack{}, errors.New("track name is required")
	}
	for _, t := range c.library {
		if strings.ToLower(t.Title) == query {
			return t, nil
		}
	}
	for _, t := range c.library {
		if strings.Contains(strings.ToLower(t.Title), query) {
			return t, nil
		}
	}
	return events.MusicTrack{}, fmt.Errorf("no track matches %q", name)
}

// ── Position watch ──────────────────────────────────────────────────────────

// watchPosition polls the player and emits the ending-soon event once per
// track, plus the stop events when a track runs out on its own.
func (c *Controller) watchPosition(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		c.mu.Lock()
		cur := c.current
		fired := c.endingSoonFired
		c.mu.Unlock()
		if cur == nil {
			continue
		}

		elapsed, total, err := c.player.Position(ctx)
		if errors.Is(err, ErrNoTrack) {
			c.trackRanOut(ctx, cur)
			continue
		}
		if err != nil {
			c.Log().Debug("position probe failed", "err", err)
			continue
		}
		if fired || total <= 0 {
			continue
		}
		remaining := total - elapsed
		if remaining > c.cfg.EndingSoonLead {
			continue
		}
		c.mu.Lock()
		c.endingSoonFired = true
		c.mu.Unlock()
		c.emit(ctx, &events.TrackEndingSoon{
			Envelope:         c.Envelope(),
			Track:            *cur,
			SecondsRemaining: remaining.Seconds(),
		})
	}
}

// trackRanOut handles a natural end of playback.
func (c *Controller) trackRanOut(ctx context.Context, cur *events.MusicTrack) {
	c.mu.Lock()
	if c.current != cur {
		// A newer command already replaced the track.
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	c.Log().Info("track finished", "track", cur.Title)
	c.emit(ctx, &events.MusicPlaybackStopped{Envelope: c.Envelope(), Track: *cur})
	c.emit(ctx, &events.TrackStopped{Envelope: c.Envelope(), TrackID: cur.TrackID})
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// withRetry runs fn with bounded exponential backoff.
func (c *Controller) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := c.cfg.RetryBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		c.Log().Warn("player call failed", "op", op, "attempt", attempt, "err", err)
		if attempt >= c.cfg.RetryAttempts {
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
}

func (c *Controller) emit(ctx context.Context, p events.Payload) {
	if err := c.Emit(ctx, p); err != nil {
		c.Log().Error("emission failed", "topic", p.EventTopic(), "err", err)
	}
}
