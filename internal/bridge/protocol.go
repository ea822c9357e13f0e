package bridge

import (
	"encoding/json"
	"time"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// Inbound channel names. The closed set of message kinds a client may send.
const (
	ChannelCommand = "command"
	ChannelVoice   = "voice_command"
	ChannelMusic   = "music_command"
	ChannelDJ      = "dj_command"
	ChannelSystem  = "system_command"
)

// Outbound topic names as web clients see them.
const (
	TopicOutServiceStatus = "service_status"
	TopicOutMusicStatus   = "music_status"
	TopicOutMusicLibrary  = "music_library"
	TopicOutVoiceStatus   = "voice_status"
	TopicOutDJModeStatus  = "dj_mode_status"
	TopicOutSystemMode    = "system_mode_status"
	TopicOutDashboardLog  = "dashboard_log"

	// Per-client replies, never broadcast.
	TopicOutCommandResponse = "command_response"
	TopicOutError           = "error"
	TopicOutValidationError = "validation_error"
)

// inFrame is the envelope of every inbound socket message.
type inFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// outFrame is the uniform wrapper of every outbound socket message. Validated
// is always true: nothing leaves the bridge without passing payload
// validation on the internal side.
type outFrame struct {
	Topic     string `json:"topic"`
	Data      any    `json:"data"`
	Timestamp string `json:"timestamp"`
	Validated bool   `json:"validated"`
}

func newFrame(topic string, data any) outFrame {
	return outFrame{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Validated: true,
	}
}

// ── Inbound payload schemas ─────────────────────────────────────────────────

// simpleCommand is free text handed to the dispatcher verbatim.
type simpleCommand struct {
	Command string `json:"command" validate:"required"`
}

type voiceCommand struct {
	Action    string `json:"action" validate:"required,oneof=start stop"`
	CommandID string `json:"command_id" validate:"required"`
	Source    string `json:"source" validate:"omitempty,oneof=web"`
}

type musicCommand struct {
	Action    string `json:"action" validate:"required,oneof=play stop pause resume next"`
	TrackName string `json:"track_name" validate:"required_if=Action play"`
	TrackID   string `json:"track_id" validate:"omitempty"`
}

type djCommand struct {
	Action string `json:"action" validate:"required,oneof=start stop next queue"`
	Track  string `json:"track" validate:"omitempty"`
}

type systemCommand struct {
	Action string `json:"action" validate:"required,oneof=set_mode"`
	Mode   string `json:"mode" validate:"required,oneof=IDLE AMBIENT INTERACTIVE"`
}

// ── Status vocabulary ───────────────────────────────────────────────────────

// externalStatus maps internal service states to the dashboard vocabulary.
// This is the single place the mapping lives.
func externalStatus(s events.ServiceState) string {
	switch s {
	case events.StateRunning:
		return "online"
	case events.StateStarting:
		return "starting"
	case events.StateStopping:
		return "stopping"
	case events.StateError, events.StateDegraded:
		return "error"
	default:
		return "offline"
	}
}

// ── Outbound data shapes ────────────────────────────────────────────────────

type trackView struct {
	TrackID         string  `json:"track_id"`
	Title           string  `json:"title"`
	Artist          string  `json:"artist,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

func viewOfTrack(t events.MusicTrack) trackView {
	return trackView{
		TrackID:         t.TrackID,
		Title:           t.Title,
		Artist:          t.Artist,
		DurationSeconds: float64(t.DurationMS) / 1000,
	}
}

func serviceStatusData(p *events.ServiceStatus) map[string]any {
	return map[string]any{
		"service_name": p.Origin(),
		"status":       externalStatus(p.Status),
		"uptime":       p.UptimeSeconds,
		"message":      p.Message,
		"severity":     string(p.Severity),
	}
}

func musicStatusData(action string, track events.MusicTrack, source events.CommandSource, mode events.Mode) map[string]any {
	return map[string]any{
		"action": action,
		"track":  viewOfTrack(track),
		"source": string(source),
		"mode":   string(mode),
	}
}
