package events

import (
	"errors"
	"fmt"
)

// ServiceState is the lifecycle state of a service as reported in status
// heartbeats.
type ServiceState string

const (
	StateUninitialized ServiceState = "UNINITIALIZED"
	StateStarting      ServiceState = "STARTING"
	StateRunning       ServiceState = "RUNNING"
	StateDegraded      ServiceState = "DEGRADED"
	StateError         ServiceState = "ERROR"
	StateStopping      ServiceState = "STOPPING"
	StateStopped       ServiceState = "STOPPED"
)

// IsValid reports whether s is a recognised service state.
func (s ServiceState) IsValid() bool {
	switch s {
	case StateUninitialized, StateStarting, StateRunning, StateDegraded,
		StateError, StateStopping, StateStopped:
		return true
	}
	return false
}

// Severity grades a status message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// IsValid reports whether s is a recognised severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// Mode is the global operating mode of the system.
type Mode string

const (
	ModeStartup     Mode = "STARTUP"
	ModeIdle        Mode = "IDLE"
	ModeAmbient     Mode = "AMBIENT"
	ModeInteractive Mode = "INTERACTIVE"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	switch m {
	case ModeStartup, ModeIdle, ModeAmbient, ModeInteractive:
		return true
	}
	return false
}

// MemoryKey is a typed key into the memory store. The set is fixed.
type MemoryKey string

const (
	KeyChatHistory          MemoryKey = "chat_history"
	KeyMusicPlaying         MemoryKey = "music_playing"
	KeyCurrentTrack         MemoryKey = "current_track"
	KeyDJModeActive         MemoryKey = "dj_mode_active"
	KeyDJTrackHistory       MemoryKey = "dj_track_history"
	KeyDJCommentaryMappings MemoryKey = "dj_commentary_cache_mappings"
	KeyDJCommentaryReady    MemoryKey = "dj_commentary_cache_ready"
	KeyMode                 MemoryKey = "mode"
)

// IsValid reports whether k is a recognised memory key.
func (k MemoryKey) IsValid() bool {
	switch k {
	case KeyChatHistory, KeyMusicPlaying, KeyCurrentTrack, KeyDJModeActive,
		KeyDJTrackHistory, KeyDJCommentaryMappings, KeyDJCommentaryReady, KeyMode:
		return true
	}
	return false
}

// TrackSource distinguishes local files from remote streams.
type TrackSource string

const (
	TrackSourceLocal  TrackSource = "local"
	TrackSourceRemote TrackSource = "remote"
)

// MusicTrack describes one playable track. Identity is PathOrURI, never the
// display title — two rips of the same song are two tracks.
type MusicTrack struct {
	TrackID    string      `json:"track_id"`
	Title      string      `json:"title"`
	Artist     string      `json:"artist,omitempty"`
	DurationMS int64       `json:"duration_ms,omitempty"`
	PathOrURI  string      `json:"path_or_uri"`
	Source     TrackSource `json:"source"`
}

// Validate checks the track's required fields.
func (t MusicTrack) Validate() error {
	var errs []error
	if t.PathOrURI == "" {
		errs = append(errs, errors.New("path_or_uri is required"))
	}
	if t.Title == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if t.Source != TrackSourceLocal && t.Source != TrackSourceRemote {
		errs = append(errs, fmt.Errorf("source %q is invalid", t.Source))
	}
	return errors.Join(errs...)
}

// ── Service lifecycle ───────────────────────────────────────────────────────

// ServiceStatus is the periodic per-service heartbeat.
type ServiceStatus struct {
	Envelope
	Status        ServiceState `json:"status"`
	UptimeSeconds float64      `json:"uptime"`
	Message       string       `json:"message,omitempty"`
	Severity      Severity     `json:"severity"`
}

func (p *ServiceStatus) EventTopic() Topic { return TopicServiceStatus }

func (p *ServiceStatus) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if !p.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is invalid", p.Status))
	}
	if !p.Severity.IsValid() {
		errs = append(errs, fmt.Errorf("severity %q is invalid", p.Severity))
	}
	return errors.Join(errs...)
}

// StatusRequest asks all running services to re-emit their current status.
type StatusRequest struct {
	Envelope
}

func (p *StatusRequest) EventTopic() Topic { return TopicStatusRequest }
func (p *StatusRequest) Validate() error   { return p.validateEnvelope() }

// ── Mode manager ────────────────────────────────────────────────────────────

// SystemSetModeRequest requests a transition into the given mode.
type SystemSetModeRequest struct {
	Envelope
	Mode Mode `json:"mode"`
}

func (p *SystemSetModeRequest) EventTopic() Topic { return TopicSystemSetModeRequest }

func (p *SystemSetModeRequest) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if !p.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid", p.Mode))
	}
	return errors.Join(errs...)
}

// SystemModeChange announces a completed mode change.
type SystemModeChange struct {
	Envelope
	Mode     Mode `json:"mode"`
	Previous Mode `json:"previous"`
}

func (p *SystemModeChange) EventTopic() Topic { return TopicSystemModeChange }

func (p *SystemModeChange) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if !p.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("mode %q is invalid", p.Mode))
	}
	return errors.Join(errs...)
}

// ModeTransitionStarted fires before subscribers react to a transition.
type ModeTransitionStarted struct {
	Envelope
	From Mode `json:"from"`
	To   Mode `json:"to"`
}

func (p *ModeTransitionStarted) EventTopic() Topic { return TopicModeTransitionStarted }
func (p *ModeTransitionStarted) Validate() error   { return p.validateEnvelope() }

// ModeTransitionComplete fires once a transition has settled.
type ModeTransitionComplete struct {
	Envelope
	To Mode `json:"to"`
}

func (p *ModeTransitionComplete) EventTopic() Topic { return TopicModeTransitionComplete }
func (p *ModeTransitionComplete) Validate() error   { return p.validateEnvelope() }

// DashboardLog is one shaped log record for the dashboard stream.
type DashboardLog struct {
	Envelope
	Level   string `json:"level"`
	Message string `json:"message"`

	// Count is the number of identical records this one stands in for when
	// deduplication collapsed repeats.
	Count int `json:"count,omitempty"`
}

func (p *DashboardLog) EventTopic() Topic { return TopicDashboardLog }

func (p *DashboardLog) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.Message == "" {
		errs = append(errs, errors.New("message is required"))
	}
	return errors.Join(errs...)
}

// ── Memory store ────────────────────────────────────────────────────────────

// MemoryGet asks the memory store for the value of a key.
type MemoryGet struct {
	Envelope
	Key       MemoryKey `json:"key"`
	RequestID string    `json:"request_id"`
}

func (p *MemoryGet) EventTopic() Topic { return TopicMemoryGet }

func (p *MemoryGet) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if !p.Key.IsValid() {
		errs = append(errs, fmt.Errorf("key %q is invalid", p.Key))
	}
	if p.RequestID == "" {
		errs = append(errs, errors.New("request_id is required"))
	}
	return errors.Join(errs...)
}

// MemoryValue is the reply to a [MemoryGet]. A missing key is not an error:
// Present is false and Value is nil.
type MemoryValue struct {
	Envelope
	Key       MemoryKey `json:"key"`
	Value     any       `json:"value"`
	Present   bool      `json:"present"`
	RequestID string    `json:"request_id"`
}

func (p *MemoryValue) EventTopic() Topic { return TopicMemoryValue }
func (p *MemoryValue) Validate() error   { return p.validateEnvelope() }

// MemorySet writes a value into the memory store.
type MemorySet struct {
	Envelope
	Key   MemoryKey `json:"key"`
	Value any       `json:"value"`
}

func (p *MemorySet) EventTopic() Topic { return TopicMemorySet }

func (p *MemorySet) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if !p.Key.IsValid() {
		errs = append(errs, fmt.Errorf("key %q is invalid", p.Key))
	}
	return errors.Join(errs...)
}

// MemoryUpdated announces a changed key.
type MemoryUpdated struct {
	Envelope
	Key      MemoryKey `json:"key"`
	Value    any       `json:"value"`
	Previous any       `json:"previous"`
}

func (p *MemoryUpdated) EventTopic() Topic { return TopicMemoryUpdated }
func (p *MemoryUpdated) Validate() error   { return p.validateEnvelope() }

// WaitOp selects the comparison a [MemoryWait] condition applies.
type WaitOp string

const (
	// WaitEq resolves when the value equals the condition value.
	WaitEq WaitOp = "eq"

	// WaitTruthy resolves when the value is a non-zero, non-empty value.
	WaitTruthy WaitOp = "truthy"
)

// WaitCondition describes when a [MemoryWait] resolves.
type WaitCondition struct {
	Op    WaitOp `json:"op"`
	Value any    `json:"value,omitempty"`
}

// MemoryWait asks the store to notify the caller when a key satisfies a
// condition, or time out.
type MemoryWait struct {
	Envelope
	Key         MemoryKey     `json:"key"`
	PredicateID string        `json:"predicate_id"`
	Condition   WaitCondition `json:"condition"`
}

func (p *MemoryWait) EventTopic() Topic { return TopicMemoryWait }

func (p *MemoryWait) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if !p.Key.IsValid() {
		errs = append(errs, fmt.Errorf("key %q is invalid", p.Key))
	}
	if p.PredicateID == "" {
		errs = append(errs, errors.New("predicate_id is required"))
	}
	if p.Condition.Op != WaitEq && p.Condition.Op != WaitTruthy {
		errs = append(errs, fmt.Errorf("condition.op %q is invalid", p.Condition.Op))
	}
	return errors.Join(errs...)
}

// MemoryWaitResolved notifies that a wait condition was satisfied.
type MemoryWaitResolved struct {
	Envelope
	Key         MemoryKey `json:"key"`
	PredicateID string    `json:"predicate_id"`
	Value       any       `json:"value"`
}

func (p *MemoryWaitResolved) EventTopic() Topic { return TopicMemoryWaitResolved }
func (p *MemoryWaitResolved) Validate() error   { return p.validateEnvelope() }

// MemoryWaitTimeout notifies that a wait expired unsatisfied.
type MemoryWaitTimeout struct {
	Envelope
	Key         MemoryKey `json:"key"`
	PredicateID string    `json:"predicate_id"`
}

func (p *MemoryWaitTimeout) EventTopic() Topic { return TopicMemoryWaitTimeout }
func (p *MemoryWaitTimeout) Validate() error   { return p.validateEnvelope() }

// ── CLI / dispatcher ────────────────────────────────────────────────────────

// CommandSource identifies where a textual command came from.
type CommandSource string

const (
	SourceCLI       CommandSource = "cli"
	SourceWeb       CommandSource = "web"
	SourceVoice     CommandSource = "voice"
	SourceDJ        CommandSource = "dj"
	SourceDashboard CommandSource = "dashboard"
)

// CLICommand is a raw textual command on its way to the dispatcher.
type CLICommand struct {
	Envelope
	Raw    string        `json:"raw_input"`
	Source CommandSource `json:"source"`

	// SessionID identifies the originating web client when Source is "web";
	// empty for CLI input.
	SessionID string `json:"session_id,omitempty"`
}

func (p *CLICommand) EventTopic() Topic { return TopicCLICommand }

func (p *CLICommand) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.Raw == "" {
		errs = append(errs, errors.New("raw_input is required"))
	}
	if p.Source == "" {
		errs = append(errs, errors.New("source is required"))
	}
	return errors.Join(errs...)
}

// CLIResponse carries a command result back to its source.
type CLIResponse struct {
	Envelope
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`

	// Code is a machine-readable failure code ("unknown_command",
	// "missing_argument", ...). Empty on success.
	Code string `json:"code,omitempty"`

	// Field names the offending field for "missing_argument" failures.
	Field string `json:"field,omitempty"`

	Data map[string]any `json:"data,omitempty"`

	Source    CommandSource `json:"source"`
	SessionID string        `json:"session_id,omitempty"`
}

func (p *CLIResponse) EventTopic() Topic { return TopicCLIResponse }
func (p *CLIResponse) Validate() error   { return p.validateEnvelope() }

// ── Music ───────────────────────────────────────────────────────────────────

// MusicAction enumerates the operations the music controller understands.
type MusicAction string

const (
	MusicPlay      MusicAction = "play"
	MusicStop      MusicAction = "stop"
	MusicPause     MusicAction = "pause"
	MusicResume    MusicAction = "resume"
	MusicNext      MusicAction = "next"
	MusicCrossfade MusicAction = "crossfade"
)

// IsValid reports whether a is a recognised music action.
func (a MusicAction) IsValid() bool {
	switch a {
	case MusicPlay, MusicStop, MusicPause, MusicResume, MusicNext, MusicCrossfade:
		return true
	}
	return false
}

// MusicCommand is the single command path into the music controller.
type MusicCommand struct {
	Envelope
	Action MusicAction `json:"action"`

	// TrackName is a free-text query resolved by the library (play).
	TrackName string `json:"track_name,omitempty"`

	// TrackID is a resolved track identity (crossfade, explicit play).
	TrackID string `json:"track_id,omitempty"`

	Source CommandSource `json:"source"`

	// FadeMS applies to crossfade.
	FadeMS int `json:"fade_ms,omitempty"`

	// CeilingVolume caps the incoming track's volume during a crossfade so a
	// ducked bed stays ducked. 0 means "use normal volume".
	CeilingVolume float64 `json:"ceiling_volume,omitempty"`

	// StepID correlates the resulting CrossfadeComplete with a plan step.
	StepID string `json:"step_id,omitempty"`
	PlanID string `json:"plan_id,omitempty"`
}

func (p *MusicCommand) EventTopic() Topic { return TopicMusicCommand }

func (p *MusicCommand) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if !p.Action.IsValid() {
		errs = append(errs, fmt.Errorf("action %q is invalid", p.Action))
	}
	if p.Action == MusicCrossfade && p.TrackID == "" && p.TrackName == "" {
		errs = append(errs, errors.New("crossfade requires track_id or track_name"))
	}
	return errors.Join(errs...)
}

// MusicPlaybackStarted is the rich, UI-facing playback notification.
type MusicPlaybackStarted struct {
	Envelope
	Track  MusicTrack    `json:"track"`
	Source CommandSource `json:"source"`
	Mode   Mode          `json:"mode,omitempty"`
}

func (p *MusicPlaybackStarted) EventTopic() Topic { return TopicMusicPlaybackStarted }

func (p *MusicPlaybackStarted) Validate() error {
	return errors.Join(p.validateEnvelope(), p.Track.Validate())
}

// MusicPlaybackStopped is the rich, UI-facing stop notification.
type MusicPlaybackStopped struct {
	Envelope
	Track  MusicTrack    `json:"track"`
	Source CommandSource `json:"source,omitempty"`
}

func (p *MusicPlaybackStopped) EventTopic() Topic { return TopicMusicPlaybackStopped }
func (p *MusicPlaybackStopped) Validate() error   { return p.validateEnvelope() }

// MusicLibraryUpdated announces the full refreshed library.
type MusicLibraryUpdated struct {
	Envelope
	Tracks []MusicTrack `json:"tracks"`
}

func (p *MusicLibraryUpdated) EventTopic() Topic { return TopicMusicLibraryUpdated }

func (p *MusicLibraryUpdated) Validate() error {
	errs := []error{p.validateEnvelope()}
	for i, t := range p.Tracks {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracks[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// TrackPlaying is the executor-facing coordination event.
type TrackPlaying struct {
	Envelope
	TrackID string `json:"track_id"`
}

func (p *TrackPlaying) EventTopic() Topic { return TopicTrackPlaying }
func (p *TrackPlaying) Validate() error   { return p.validateEnvelope() }

// TrackStopped is the executor-facing coordination event.
type TrackStopped struct {
	Envelope
	TrackID string `json:"track_id"`
}

func (p *TrackStopped) EventTopic() Topic { return TopicTrackStopped }
func (p *TrackStopped) Validate() error   { return p.validateEnvelope() }

// TrackEndingSoon fires when the current track is close to its end.
type TrackEndingSoon struct {
	Envelope
	Track            MusicTrack `json:"track"`
	SecondsRemaining float64    `json:"seconds_remaining"`
}

func (p *TrackEndingSoon) EventTopic() Topic { return TopicTrackEndingSoon }

func (p *TrackEndingSoon) Validate() error {
	return errors.Join(p.validateEnvelope(), p.Track.Validate())
}

// CrossfadeComplete acknowledges a finished crossfade. StepID and PlanID
// echo the triggering MusicCommand so the completion lands on the right
// plan's step.
type CrossfadeComplete struct {
	Envelope
	StepID  string `json:"step_id,omitempty"`
	PlanID  string `json:"plan_id,omitempty"`
	TrackID string `json:"track_id"`
}

func (p *CrossfadeComplete) EventTopic() Topic { return TopicCrossfadeComplete }
func (p *CrossfadeComplete) Validate() error   { return p.validateEnvelope() }

// AudioDuckingStart lowers the music bed under speech.
type AudioDuckingStart struct {
	Envelope
	// Level is the ducked volume in (0, 1].
	Level  float64 `json:"level"`
	FadeMS int     `json:"fade_ms"`
}

func (p *AudioDuckingStart) EventTopic() Topic { return TopicAudioDuckingStart }

func (p *AudioDuckingStart) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.Level <= 0 || p.Level > 1 {
		errs = append(errs, fmt.Errorf("level %.2f is out of range (0, 1]", p.Level))
	}
	if p.FadeMS < 0 {
		errs = append(errs, errors.New("fade_ms must not be negative"))
	}
	return errors.Join(errs...)
}

// AudioDuckingStop restores the music bed after speech.
type AudioDuckingStop struct {
	Envelope
	FadeMS int `json:"fade_ms"`
}

func (p *AudioDuckingStop) EventTopic() Topic { return TopicAudioDuckingStop }
func (p *AudioDuckingStop) Validate() error   { return p.validateEnvelope() }

// ── Speech ──────────────────────────────────────────────────────────────────

// TTSGenerateRequest asks the speech collaborator to synthesise and play text.
type TTSGenerateRequest struct {
	Envelope
	Text   string `json:"text"`
	ClipID string `json:"clip_id"`
	PlanID string `json:"plan_id,omitempty"`
}

func (p *TTSGenerateRequest) EventTopic() Topic { return TopicTTSGenerateRequest }

func (p *TTSGenerateRequest) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.Text == "" {
		errs = append(errs, errors.New("text is required"))
	}
	if p.ClipID == "" {
		errs = append(errs, errors.New("clip_id is required"))
	}
	return errors.Join(errs...)
}

// TTSCancel aborts an in-flight speech clip.
type TTSCancel struct {
	Envelope
	ClipID string `json:"clip_id"`
}

func (p *TTSCancel) EventTopic() Topic { return TopicTTSCancel }
func (p *TTSCancel) Validate() error   { return p.validateEnvelope() }

// SpeechGenerationComplete signals a finished (or failed) speech clip.
// ClipID and PlanID echo the triggering TTSGenerateRequest.
type SpeechGenerationComplete struct {
	Envelope
	ClipID  string `json:"clip_id"`
	PlanID  string `json:"plan_id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (p *SpeechGenerationComplete) EventTopic() Topic { return TopicSpeechGenerationComplete }
func (p *SpeechGenerationComplete) Validate() error   { return p.validateEnvelope() }

// SpeechCacheRequest asks the speech collaborator to pre-generate a clip.
type SpeechCacheRequest struct {
	Envelope
	CacheKey string `json:"cache_key"`
	Text     string `json:"text"`
}

func (p *SpeechCacheRequest) EventTopic() Topic { return TopicSpeechCacheRequest }

func (p *SpeechCacheRequest) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.CacheKey == "" {
		errs = append(errs, errors.New("cache_key is required"))
	}
	if p.Text == "" {
		errs = append(errs, errors.New("text is required"))
	}
	return errors.Join(errs...)
}

// SpeechCacheReady signals a cached clip is playable.
type SpeechCacheReady struct {
	Envelope
	CacheKey string `json:"cache_key"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
}

func (p *SpeechCacheReady) EventTopic() Topic { return TopicSpeechCacheReady }
func (p *SpeechCacheReady) Validate() error   { return p.validateEnvelope() }

// SpeechCachePlaybackRequest plays a previously cached clip.
type SpeechCachePlaybackRequest struct {
	Envelope
	CacheKey string `json:"cache_key"`
	StepID   string `json:"step_id"`
	PlanID   string `json:"plan_id,omitempty"`
}

func (p *SpeechCachePlaybackRequest) EventTopic() Topic { return TopicSpeechCachePlaybackRequest }

func (p *SpeechCachePlaybackRequest) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.CacheKey == "" {
		errs = append(errs, errors.New("cache_key is required"))
	}
	if p.StepID == "" {
		errs = append(errs, errors.New("step_id is required"))
	}
	return errors.Join(errs...)
}

// SpeechCachePlaybackCompleted signals a cached clip finished playing.
// StepID and PlanID echo the triggering SpeechCachePlaybackRequest.
type SpeechCachePlaybackCompleted struct {
	Envelope
	StepID   string `json:"step_id"`
	PlanID   string `json:"plan_id,omitempty"`
	CacheKey string `json:"cache_key,omitempty"`
	Success  bool   `json:"success"`
}

func (p *SpeechCachePlaybackCompleted) EventTopic() Topic { return TopicSpeechCachePlaybackCompleted }
func (p *SpeechCachePlaybackCompleted) Validate() error   { return p.validateEnvelope() }

// ── Plans ───────────────────────────────────────────────────────────────────

// PlanReady delivers a plan to the timeline executor.
type PlanReady struct {
	Envelope
	Plan Plan `json:"plan"`
}

func (p *PlanReady) EventTopic() Topic { return TopicPlanReady }

func (p *PlanReady) Validate() error {
	return errors.Join(p.validateEnvelope(), p.Plan.Validate())
}

// PlanStarted announces that a plan began executing.
type PlanStarted struct {
	Envelope
	PlanID string    `json:"plan_id"`
	Layer  PlanLayer `json:"layer"`
}

func (p *PlanStarted) EventTopic() Topic { return TopicPlanStarted }
func (p *PlanStarted) Validate() error   { return p.validateEnvelope() }

// PlanStatus is the terminal status of a plan.
type PlanStatus string

const (
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// PlanEnded is the single terminal event of a plan.
type PlanEnded struct {
	Envelope
	PlanID       string     `json:"plan_id"`
	Layer        PlanLayer  `json:"layer"`
	Status       PlanStatus `json:"status"`
	FailedStepID string     `json:"failed_step_id,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

func (p *PlanEnded) EventTopic() Topic { return TopicPlanEnded }

func (p *PlanEnded) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	switch p.Status {
	case PlanCompleted, PlanFailed, PlanCancelled:
	default:
		errs = append(errs, fmt.Errorf("status %q is invalid", p.Status))
	}
	return errors.Join(errs...)
}

// ── Brain / DJ mode ─────────────────────────────────────────────────────────

// IntentDetected is a recognised user intent from voice, CLI, or dashboard.
type IntentDetected struct {
	Envelope
	Name           string         `json:"name"`
	Args           map[string]any `json:"args,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Source         CommandSource  `json:"source"`
}

func (p *IntentDetected) EventTopic() Topic { return TopicIntentDetected }

func (p *IntentDetected) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	return errors.Join(errs...)
}

// DJModeChanged announces DJ mode toggling on or off.
type DJModeChanged struct {
	Envelope
	Active bool   `json:"dj_mode_active"`
	Reason string `json:"reason,omitempty"`
}

func (p *DJModeChanged) EventTopic() Topic { return TopicDJModeChanged }
func (p *DJModeChanged) Validate() error   { return p.validateEnvelope() }

// DJCommentaryRequest asks the LLM collaborator for transition commentary.
type DJCommentaryRequest struct {
	Envelope
	RequestID    string     `json:"request_id"`
	Context      string     `json:"context,omitempty"`
	CurrentTrack MusicTrack `json:"current_track"`
	NextTrack    MusicTrack `json:"next_track"`
	Style        string     `json:"style"`
}

func (p *DJCommentaryRequest) EventTopic() Topic { return TopicDJCommentaryRequest }

func (p *DJCommentaryRequest) Validate() error {
	var errs []error
	errs = append(errs, p.validateEnvelope())
	if p.RequestID == "" {
		errs = append(errs, errors.New("request_id is required"))
	}
	return errors.Join(errs...)
}

// CommentaryResponse carries generated commentary text back to the brain.
type CommentaryResponse struct {
	Envelope
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
}

func (p *CommentaryResponse) EventTopic() Topic { return TopicCommentaryResponse }
func (p *CommentaryResponse) Validate() error   { return p.validateEnvelope() }

// CommentaryMissed is the diagnostic for a transition whose cached commentary
// was not ready in time.
type CommentaryMissed struct {
	Envelope
	TrackID string `json:"track_id"`
}

func (p *CommentaryMissed) EventTopic() Topic { return TopicCommentaryMissed }
func (p *CommentaryMissed) Validate() error   { return p.validateEnvelope() }

// VoiceState is the user-visible state of the voice capture path.
type VoiceState string

const (
	VoiceIdle       VoiceState = "idle"
	VoiceListening  VoiceState = "listening"
	VoiceProcessing VoiceState = "processing"
)

// VoiceStatus reports the voice capture state for dashboards.
type VoiceStatus struct {
	Envelope
	State VoiceState `json:"state"`
}

func (p *VoiceStatus) EventTopic() Topic { return TopicVoiceStatus }
func (p *VoiceStatus) Validate() error   { return p.validateEnvelope() }

// VoiceListeningToggle starts or stops voice capture.
type VoiceListeningToggle struct {
	Envelope
	Start     bool   `json:"start"`
	CommandID string `json:"command_id,omitempty"`
}

func (p *VoiceListeningToggle) EventTopic() Topic { return TopicVoiceListeningToggle }
func (p *VoiceListeningToggle) Validate() error   { return p.validateEnvelope() }
