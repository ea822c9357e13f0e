// Package events defines the closed set of bus topics and the typed payloads
// that travel on them.
//
// These types form the lingua franca between every CantinaOS service — the
// bus, the dispatcher, the timeline executor, the planner, and the web bridge
// all address each other exclusively through [Topic] values and exchange only
// the payload structs declared here. Each payload embeds [Envelope] and knows
// how to validate itself; the bus refuses to deliver anything that does not.
package events

// Topic is a canonical event name. Topics are the only names services use to
// address each other; the set is closed and versioned with this package.
type Topic string

// Service lifecycle and system topics.
const (
	// TopicServiceStatus carries periodic [ServiceStatus] heartbeats. Sticky:
	// the bus retains the last status per origin service.
	TopicServiceStatus Topic = "service.status"

	// TopicStatusRequest asks every running service to re-emit its status.
	TopicStatusRequest Topic = "service.status.request"

	// TopicSystemSetModeRequest requests a global mode transition.
	TopicSystemSetModeRequest Topic = "system.mode.set"

	// TopicSystemModeChange announces a completed mode change. Sticky.
	TopicSystemModeChange Topic = "system.mode.changed"

	// TopicModeTransitionStarted fires before subscribers react to a transition.
	TopicModeTransitionStarted Topic = "system.mode.transition.started"

	// TopicModeTransitionComplete fires once a transition has settled.
	TopicModeTransitionComplete Topic = "system.mode.transition.complete"

	// TopicDashboardLog carries shaped log records for the dashboard stream.
	TopicDashboardLog Topic = "system.log.dashboard"
)

// Memory store topics.
const (
	TopicMemoryGet          Topic = "memory.get"
	TopicMemoryValue        Topic = "memory.value"
	TopicMemorySet          Topic = "memory.set"
	TopicMemoryUpdated      Topic = "memory.updated"
	TopicMemoryWait         Topic = "memory.wait"
	TopicMemoryWaitResolved Topic = "memory.wait.resolved"
	TopicMemoryWaitTimeout  Topic = "memory.wait.timeout"
)

// Command input/output topics.
const (
	// TopicCLICommand carries raw textual commands from the CLI or the web
	// bridge's simple command channel into the dispatcher.
	TopicCLICommand Topic = "cli.command"

	// TopicCLIResponse carries command results back to the originating source.
	TopicCLIResponse Topic = "cli.response"
)

// Music topics.
const (
	// TopicMusicCommand is the single command path into the music controller.
	TopicMusicCommand Topic = "music.command"

	// TopicMusicPlaybackStarted is the UI-rich playback notification. Sticky.
	TopicMusicPlaybackStarted Topic = "music.playback.started"

	// TopicMusicPlaybackStopped is the UI-rich stop notification. Sticky.
	TopicMusicPlaybackStopped Topic = "music.playback.stopped"

	// TopicMusicLibraryUpdated announces a refreshed track library. Sticky.
	TopicMusicLibraryUpdated Topic = "music.library.updated"

	// TopicTrackPlaying is the simple coordination event consumed by the
	// timeline executor. Deliberately separate from the richer
	// [TopicMusicPlaybackStarted]: that one is for UIs, this one is for
	// ducking decisions.
	TopicTrackPlaying Topic = "music.track.playing"

	// TopicTrackStopped is the coordination counterpart of TopicTrackPlaying.
	TopicTrackStopped Topic = "music.track.stopped"

	// TopicTrackEndingSoon fires when the current track has the configured
	// lead time remaining.
	TopicTrackEndingSoon Topic = "music.track.ending_soon"

	// TopicCrossfadeComplete acknowledges a finished crossfade.
	TopicCrossfadeComplete Topic = "music.crossfade.complete"

	// TopicAudioDuckingStart lowers music volume under speech.
	TopicAudioDuckingStart Topic = "music.ducking.start"

	// TopicAudioDuckingStop restores music volume after speech.
	TopicAudioDuckingStop Topic = "music.ducking.stop"
)

// Speech topics.
const (
	TopicTTSGenerateRequest           Topic = "speech.generate.request"
	TopicTTSCancel                    Topic = "speech.generate.cancel"
	TopicSpeechGenerationComplete     Topic = "speech.generate.complete"
	TopicSpeechCacheRequest           Topic = "speech.cache.request"
	TopicSpeechCacheReady             Topic = "speech.cache.ready"
	TopicSpeechCachePlaybackRequest   Topic = "speech.cache.playback.request"
	TopicSpeechCachePlaybackCompleted Topic = "speech.cache.playback.completed"
)

// Plan topics.
const (
	// TopicPlanReady delivers a plan to the timeline executor.
	TopicPlanReady Topic = "timeline.plan.ready"

	TopicPlanStarted Topic = "timeline.plan.started"
	TopicPlanEnded   Topic = "timeline.plan.ended"
)

// Brain and DJ-mode topics.
const (
	TopicIntentDetected       Topic = "brain.intent.detected"
	TopicDJModeChanged        Topic = "dj.mode.changed"
	TopicDJCommentaryRequest  Topic = "dj.commentary.request"
	TopicCommentaryResponse   Topic = "dj.commentary.response"
	TopicCommentaryMissed     Topic = "dj.commentary.missed"
	TopicVoiceStatus          Topic = "voice.status"
	TopicVoiceListeningToggle Topic = "voice.listening.toggle"
)

// Kind classifies a topic as a command (exactly one subscriber permitted) or
// a notification (any number of subscribers).
type Kind int

const (
	// KindNotification topics fan out to every subscriber.
	KindNotification Kind = iota

	// KindCommand topics represent an instruction to a single owning service.
	// The bus rejects a second subscription to avoid the duplicate-handler
	// pathology where two handlers both drive the same player.
	KindCommand
)

// commandTopics is the set of topics that carry commands to an owning service.
var commandTopics = map[Topic]bool{
	TopicSystemSetModeRequest:       true,
	TopicMemoryGet:                  true,
	TopicMemorySet:                  true,
	TopicMemoryWait:                 true,
	TopicCLICommand:                 true,
	TopicMusicCommand:               true,
	TopicTTSGenerateRequest:         true,
	TopicSpeechCacheRequest:         true,
	TopicSpeechCachePlaybackRequest: true,
	TopicPlanReady:                  true,
	TopicDJCommentaryRequest:        true,
}

// stickyTopics is the set of topics whose last payload per origin service is
// retained by the bus and replayed to late subscribers.
var stickyTopics = map[Topic]bool{
	TopicServiceStatus:        true,
	TopicSystemModeChange:     true,
	TopicDJModeChanged:        true,
	TopicMusicPlaybackStarted: true,
	TopicMusicPlaybackStopped: true,
	TopicMusicLibraryUpdated:  true,
}

// KindOf returns the kind of t. Unregistered topics are notifications.
func (t Topic) KindOf() Kind {
	if commandTopics[t] {
		return KindCommand
	}
	return KindNotification
}

// Sticky reports whether the bus retains and replays the last payload of t.
func (t Topic) Sticky() bool {
	return stickyTopics[t]
}
