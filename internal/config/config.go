// Package config provides the configuration schema, loader, and file watcher
// for the CantinaOS runtime.
package config

import "time"

// LogLevel controls log verbosity for the CantinaOS runtime.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for CantinaOS.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Bus      BusConfig      `yaml:"bus"`
	Memory   MemoryConfig   `yaml:"memory"`
	Music    MusicConfig    `yaml:"music"`
	Timeline TimelineConfig `yaml:"timeline"`
	DJ       DJConfig       `yaml:"dj"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Secrets is populated from the environment by [FromEnv], never from
	// the YAML file.
	Secrets SecretsConfig `yaml:"-"`
}

// ServerConfig holds network settings for the web bridge.
type ServerConfig struct {
	// ListenAddr is the TCP address the bridge listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins is the CORS allow-list for websocket upgrades. Empty
	// allows same-origin connections only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxClients caps concurrent websocket clients.
	MaxClients int `yaml:"max_clients"`

	// ClientCommandsPerMinute rate-limits inbound commands per client.
	ClientCommandsPerMinute int `yaml:"client_commands_per_minute"`
}

// BusConfig tunes the event bus.
type BusConfig struct {
	// SlowHandlerWarnMS is the threshold in milliseconds above which a
	// handler invocation is logged as slow.
	SlowHandlerWarnMS int `yaml:"slow_handler_warn_ms"`
}

// SlowHandlerWarn returns the threshold as a duration.
func (c BusConfig) SlowHandlerWarn() time.Duration {
	return time.Duration(c.SlowHandlerWarnMS) * time.Millisecond
}

// MemoryConfig holds settings for the persisted memory store.
type MemoryConfig struct {
	// PersistPath is where the JSON state file lives.
	PersistPath string `yaml:"persist_path"`

	// PersistDebounceMS batches rapid changes into one write.
	PersistDebounceMS int `yaml:"persist_debounce_ms"`

	// WaitTimeoutS bounds condition waits against the store.
	WaitTimeoutS int `yaml:"wait_timeout_s"`
}

// PersistDebounce returns the debounce interval as a duration.
func (c MemoryConfig) PersistDebounce() time.Duration {
	return time.Duration(c.PersistDebounceMS) * time.Millisecond
}

// WaitTimeout returns the condition-wait timeout as a duration.
func (c MemoryConfig) WaitTimeout() time.Duration {
	return time.Duration(c.WaitTimeoutS) * time.Second
}

// MusicConfig holds settings for the music controller.
type MusicConfig struct {
	// LibraryDir is scanned for playable tracks on start.
	LibraryDir string `yaml:"library_dir"`

	// EndingSoonLeadS is how many seconds before a track's end the
	// ending-soon notification fires.
	EndingSoonLeadS int `yaml:"ending_soon_lead_s"`

	// DuckLevel is the default ducked volume in (0, 1].
	DuckLevel float64 `yaml:"duck_level"`

	// DuckFadeMS is the default duck/unduck fade.
	DuckFadeMS int `yaml:"duck_fade_ms"`

	// NormalVolume is the unducked playback volume in (0, 1].
	NormalVolume float64 `yaml:"normal_volume"`
}

// EndingSoonLead returns the lead time as a duration.
func (c MusicConfig) EndingSoonLead() time.Duration {
	return time.Duration(c.EndingSoonLeadS) * time.Second
}

// DuckFade returns the default duck fade as a duration.
func (c MusicConfig) DuckFade() time.Duration {
	return time.Duration(c.DuckFadeMS) * time.Millisecond
}

// TimelineConfig tunes the timeline executor's step timeouts.
type TimelineConfig struct {
	// SpeakTimeoutS bounds the wait for speech completion.
	SpeakTimeoutS int `yaml:"speak_timeout_s"`

	// CrossfadeGraceS is added on top of twice the fade duration when
	// waiting for a crossfade to complete.
	CrossfadeGraceS int `yaml:"crossfade_grace_s"`
}

// SpeakTimeout returns the speak timeout as a duration.
func (c TimelineConfig) SpeakTimeout() time.Duration {
	return time.Duration(c.SpeakTimeoutS) * time.Second
}

// CrossfadeGrace returns the crossfade grace period as a duration.
func (c TimelineConfig) CrossfadeGrace() time.Duration {
	return time.Duration(c.CrossfadeGraceS) * time.Second
}

// DJConfig tunes the autonomous DJ loop.
type DJConfig struct {
	// HistorySize is how many recently played tracks are excluded from
	// selection when alternatives exist.
	HistorySize int `yaml:"history_size"`

	// CrossfadeMS is the track-transition crossfade duration.
	CrossfadeMS int `yaml:"crossfade_ms"`

	// CommentaryStyles is the rotation of commentary styles. Empty uses a
	// built-in set.
	CommentaryStyles []string `yaml:"commentary_styles"`
}

// Crossfade returns the DJ transition crossfade as a duration.
func (c DJConfig) Crossfade() time.Duration {
	return time.Duration(c.CrossfadeMS) * time.Millisecond
}

// LoggingConfig tunes the log pipeline.
type LoggingConfig struct {
	// Dir is where session-stamped log files are written. Empty disables
	// file output.
	Dir string `yaml:"dir"`

	// DedupWindowS collapses identical messages within this window.
	DedupWindowS int `yaml:"dedup_window_s"`
}

// DedupWindow returns the dedup window as a duration.
func (c LoggingConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowS) * time.Second
}

// SecretsConfig holds credentials sourced from the environment. They are
// deliberately excluded from the YAML schema so config files stay safe to
// commit and to ship over the dashboard.
type SecretsConfig struct {
	// LLMAPIKey authenticates the commentary text generator.
	LLMAPIKey string

	// SpeechAPIKey authenticates the speech synthesis backend.
	SpeechAPIKey string
}
