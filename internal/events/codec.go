package events

import (
	"encoding/json"
	"fmt"
)

// registry maps each topic to a constructor for its payload type. Decoding an
// unregistered topic is an error; the set below is the closed topic catalogue.
var registry = map[Topic]func() Payload{
	TopicServiceStatus:                func() Payload { return &ServiceStatus{} },
	TopicStatusRequest:                func() Payload { return &StatusRequest{} },
	TopicSystemSetModeRequest:         func() Payload { return &SystemSetModeRequest{} },
	TopicSystemModeChange:             func() Payload { return &SystemModeChange{} },
	TopicModeTransitionStarted:        func() Payload { return &ModeTransitionStarted{} },
	TopicModeTransitionComplete:       func() Payload { return &ModeTransitionComplete{} },
	TopicDashboardLog:                 func() Payload { return &DashboardLog{} },
	TopicMemoryGet:                    func() Payload { return &MemoryGet{} },
	TopicMemoryValue:                  func() Payload { return &MemoryValue{} },
	TopicMemorySet:                    func() Payload { return &MemorySet{} },
	TopicMemoryUpdated:                func() Payload { return &MemoryUpdated{} },
	TopicMemoryWait:                   func() Payload { return &MemoryWait{} },
	TopicMemoryWaitResolved:           func() Payload { return &MemoryWaitResolved{} },
	TopicMemoryWaitTimeout:            func() Payload { return &MemoryWaitTimeout{} },
	TopicCLICommand:                   func() Payload { return &CLICommand{} },
	TopicCLIResponse:                  func() Payload { return &CLIResponse{} },
	TopicMusicCommand:                 func() Payload { return &MusicCommand{} },
	TopicMusicPlaybackStarted:         func() Payload { return &MusicPlaybackStarted{} },
	TopicMusicPlaybackStopped:         func() Payload { return &MusicPlaybackStopped{} },
	TopicMusicLibraryUpdated:          func() Payload { return &MusicLibraryUpdated{} },
	TopicTrackPlaying:                 func() Payload { return &TrackPlaying{} },
	TopicTrackStopped:                 func() Payload { return &TrackStopped{} },
	TopicTrackEndingSoon:              func() Payload { return &TrackEndingSoon{} },
	TopicCrossfadeComplete:            func() Payload { return &CrossfadeComplete{} },
	TopicAudioDuckingStart:            func() Payload { return &AudioDuckingStart{} },
	TopicAudioDuckingStop:             func() Payload { return &AudioDuckingStop{} },
	TopicTTSGenerateRequest:           func() Payload { return &TTSGenerateRequest{} },
	TopicTTSCancel:                    func() Payload { return &TTSCancel{} },
	TopicSpeechGenerationComplete:     func() Payload { return &SpeechGenerationComplete{} },
	TopicSpeechCacheRequest:           func() Payload { return &SpeechCacheRequest{} },
	TopicSpeechCacheReady:             func() Payload { return &SpeechCacheReady{} },
	TopicSpeechCachePlaybackRequest:   func() Payload { return &SpeechCachePlaybackRequest{} },
	TopicSpeechCachePlaybackCompleted: func() Payload { return &SpeechCachePlaybackCompleted{} },
	TopicPlanReady:                    func() Payload { return &PlanReady{} },
	TopicPlanStarted:                  func() Payload { return &PlanStarted{} },
	TopicPlanEnded:                    func() Payload { return &PlanEnded{} },
	TopicIntentDetected:               func() Payload { return &IntentDetected{} },
	TopicDJModeChanged:                func() Payload { return &DJModeChanged{} },
	TopicDJCommentaryRequest:          func() Payload { return &DJCommentaryRequest{} },
	TopicCommentaryResponse:           func() Payload { return &CommentaryResponse{} },
	TopicCommentaryMissed:             func() Payload { return &CommentaryMissed{} },
	TopicVoiceStatus:                  func() Payload { return &VoiceStatus{} },
	TopicVoiceListeningToggle:         func() Payload { return &VoiceListeningToggle{} },
}

// Topics returns every registered topic. The order is unspecified.
func Topics() []Topic {
	out := make([]Topic, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	return out
}

// New returns a zero payload for topic, or nil if the topic is unknown.
func New(topic Topic) Payload {
	f, ok := registry[topic]
	if !ok {
		return nil
	}
	return f()
}

// Encode serializes p as JSON. Every payload type is JSON-safe by
// construction: timestamps are RFC 3339 strings and enums are their string
// form, so the output can cross the web bridge unmodified.
func Encode(p Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("events: encode %s: %w", p.EventTopic(), err)
	}
	return data, nil
}

// Decode parses data into the payload type registered for topic.
func Decode(topic Topic, data []byte) (Payload, error) {
	f, ok := registry[topic]
	if !ok {
		return nil, fmt.Errorf("events: unknown topic %q", topic)
	}
	p := f()
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", topic, err)
	}
	return p, nil
}
