package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Environment variable names for secrets. Secrets never appear in the YAML
// file; see [FromEnv].
const (
	EnvLLMAPIKey    = "CANTINA_LLM_API_KEY"
	EnvSpeechAPIKey = "CANTINA_SPEECH_API_KEY"
)

// Default returns a config with every tunable at its default value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:              ":8000",
			LogLevel:                LogInfo,
			MaxClients:              10,
			ClientCommandsPerMinute: 60,
		},
		Bus: BusConfig{
			SlowHandlerWarnMS: 100,
		},
		Memory: MemoryConfig{
			PersistPath:       "data/memory.json",
			PersistDebounceMS: 500,
			WaitTimeoutS:      5,
		},
		Music: MusicConfig{
			LibraryDir:      "assets/music",
			EndingSoonLeadS: 30,
			DuckLevel:       0.5,
			DuckFadeMS:      500,
			NormalVolume:    1.0,
		},
		Timeline: TimelineConfig{
			SpeakTimeoutS:   25,
			CrossfadeGraceS: 2,
		},
		DJ: DJConfig{
			HistorySize: 5,
			CrossfadeMS: 4000,
		},
		Logging: LoggingConfig{
			DedupWindowS: 30,
		},
	}
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied and secrets taken from the environment.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults for omitted
// fields, pulls secrets from the environment, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	FromEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv fills cfg.Secrets from the process environment.
func FromEnv(cfg *Config) {
	if v := os.Getenv(EnvLLMAPIKey); v != "" {
		cfg.Secrets.LLMAPIKey = v
	}
	if v := os.Getenv(EnvSpeechAPIKey); v != "" {
		cfg.Secrets.SpeechAPIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.MaxClients <= 0 {
		errs = append(errs, fmt.Errorf("server.max_clients %d must be positive", cfg.Server.MaxClients))
	}
	if cfg.Server.ClientCommandsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("server.client_commands_per_minute %d must be positive", cfg.Server.ClientCommandsPerMinute))
	}

	if cfg.Bus.SlowHandlerWarnMS <= 0 {
		errs = append(errs, fmt.Errorf("bus.slow_handler_warn_ms %d must be positive", cfg.Bus.SlowHandlerWarnMS))
	}

	if cfg.Memory.PersistPath == "" {
		errs = append(errs, errors.New("memory.persist_path is required"))
	}
	if cfg.Memory.PersistDebounceMS < 0 {
		errs = append(errs, fmt.Errorf("memory.persist_debounce_ms %d must not be negative", cfg.Memory.PersistDebounceMS))
	}
	if cfg.Memory.WaitTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("memory.wait_timeout_s %d must be positive", cfg.Memory.WaitTimeoutS))
	}

	if cfg.Music.LibraryDir == "" {
		errs = append(errs, errors.New("music.library_dir is required"))
	}
	if cfg.Music.EndingSoonLeadS <= 0 {
		errs = append(errs, fmt.Errorf("music.ending_soon_lead_s %d must be positive", cfg.Music.EndingSoonLeadS))
	}
	if cfg.Music.DuckLevel <= 0 || cfg.Music.DuckLevel > 1 {
		errs = append(errs, fmt.Errorf("music.duck_level %.2f is out of range (0, 1]", cfg.Music.DuckLevel))
	}
	if cfg.Music.NormalVolume <= 0 || cfg.Music.NormalVolume > 1 {
		errs = append(errs, fmt.Errorf("music.normal_volume %.2f is out of range (0, 1]", cfg.Music.NormalVolume))
	}
	if cfg.Music.DuckFadeMS < 0 {
		errs = append(errs, fmt.Errorf("music.duck_fade_ms %d must not be negative", cfg.Music.DuckFadeMS))
	}

	if cfg.Timeline.SpeakTimeoutS <= 0 {
		errs = append(errs, fmt.Errorf("timeline.speak_timeout_s %d must be positive", cfg.Timeline.SpeakTimeoutS))
	}
	if cfg.Timeline.CrossfadeGraceS < 0 {
		errs = append(errs, fmt.Errorf("timeline.crossfade_grace_s %d must not be negative", cfg.Timeline.CrossfadeGraceS))
	}

	if cfg.DJ.HistorySize < 0 {
		errs = append(errs, fmt.Errorf("dj.history_size %d must not be negative", cfg.DJ.HistorySize))
	}
	if cfg.DJ.CrossfadeMS <= 0 {
		errs = append(errs, fmt.Errorf("dj.crossfade_ms %d must be positive", cfg.DJ.CrossfadeMS))
	}

	if cfg.Logging.DedupWindowS < 0 {
		errs = append(errs, fmt.Errorf("logging.dedup_window_s %d must not be negative", cfg.Logging.DedupWindowS))
	}

	return errors.Join(errs...)
}

// SlogLevel maps the configured log level onto the slog scale.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
