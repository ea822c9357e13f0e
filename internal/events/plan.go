package events

import (
	"errors"
	"fmt"
)

// PlanLayer governs preemption between concurrently submitted plans.
type PlanLayer string

const (
	// LayerAmbient plans are paused while anything higher runs.
	LayerAmbient PlanLayer = "ambient"

	// LayerForeground plans replace each other and preempt ambient.
	LayerForeground PlanLayer = "foreground"

	// LayerOverride plans preempt everything.
	LayerOverride PlanLayer = "override"
)

// IsValid reports whether l is a recognised layer.
func (l PlanLayer) IsValid() bool {
	return l == LayerAmbient || l == LayerForeground || l == LayerOverride
}

// Priority orders layers for preemption: override > foreground > ambient.
func (l PlanLayer) Priority() int {
	switch l {
	case LayerOverride:
		return 2
	case LayerForeground:
		return 1
	default:
		return 0
	}
}

// StepType tags a plan step variant.
type StepType string

const (
	StepSpeak            StepType = "speak"
	StepPlayCachedSpeech StepType = "play_cached_speech"
	StepMusicDuck        StepType = "music_duck"
	StepMusicUnduck      StepType = "music_unduck"
	StepMusicCrossfade   StepType = "music_crossfade"
	StepPlayMusic        StepType = "play_music"
	StepParallel         StepType = "parallel"
	StepSequence         StepType = "sequence"
)

// Step is one tagged action inside a plan. The struct is flat with a
// step_type discriminator so the JSON plan format (§6.2 of the protocol) is a
// plain object per step; only the fields relevant to the variant are set.
type Step struct {
	Type StepType `json:"step_type"`

	// ID is stable within the plan and correlates completion events.
	ID string `json:"step_id"`

	// Text is the utterance for speak steps.
	Text string `json:"text,omitempty"`

	// CacheKey selects the pre-generated clip for play_cached_speech steps.
	CacheKey string `json:"cache_key,omitempty"`

	// Level is the ducked volume for music_duck steps, in (0, 1].
	Level float64 `json:"level,omitempty"`

	// FadeMS is the fade duration for duck, unduck, and crossfade steps.
	FadeMS int `json:"fade_ms,omitempty"`

	// NextTrack is the target track identity for music_crossfade steps.
	NextTrack string `json:"next_track,omitempty"`

	// TrackQuery is the free-text query for play_music steps. Ignored when
	// Stop is true.
	TrackQuery string `json:"track_query,omitempty"`

	// Stop turns a play_music step into a stop command.
	Stop bool `json:"stop,omitempty"`

	// Source tags play_music steps with the initiating channel.
	Source CommandSource `json:"source,omitempty"`

	// Children are the sub-steps of a parallel (concurrent) or sequence
	// (ordered) step.
	Children []Step `json:"children,omitempty"`
}

// Validate checks the step (recursively for parallel steps).
func (s Step) Validate() error {
	var errs []error
	if s.ID == "" {
		errs = append(errs, errors.New("step_id is required"))
	}
	switch s.Type {
	case StepSpeak:
		if s.Text == "" {
			errs = append(errs, errors.New("speak: text is required"))
		}
	case StepPlayCachedSpeech:
		if s.CacheKey == "" {
			errs = append(errs, errors.New("play_cached_speech: cache_key is required"))
		}
	case StepMusicDuck:
		if s.Level <= 0 || s.Level > 1 {
			errs = append(errs, fmt.Errorf("music_duck: level %.2f is out of range (0, 1]", s.Level))
		}
	case StepMusicUnduck:
		// fade only; nothing required
	case StepMusicCrossfade:
		if s.NextTrack == "" {
			errs = append(errs, errors.New("music_crossfade: next_track is required"))
		}
		if s.FadeMS <= 0 {
			errs = append(errs, errors.New("music_crossfade: fade_ms must be positive"))
		}
	case StepPlayMusic:
		if !s.Stop && s.TrackQuery == "" {
			errs = append(errs, errors.New("play_music: track_query is required unless stop is set"))
		}
	case StepParallel:
		if len(s.Children) == 0 {
			errs = append(errs, errors.New("parallel: children must not be empty"))
		}
		for i, c := range s.Children {
			if c.Type == StepParallel {
				errs = append(errs, fmt.Errorf("children[%d]: nested parallel steps are not supported", i))
				continue
			}
			if err := c.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("children[%d]: %w", i, err))
			}
		}
	case StepSequence:
		if len(s.Children) == 0 {
			errs = append(errs, errors.New("sequence: children must not be empty"))
		}
		for i, c := range s.Children {
			if c.Type == StepParallel || c.Type == StepSequence {
				errs = append(errs, fmt.Errorf("children[%d]: %s steps cannot nest inside a sequence", i, c.Type))
				continue
			}
			if err := c.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("children[%d]: %w", i, err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("step_type %q is invalid", s.Type))
	}
	if s.FadeMS < 0 {
		errs = append(errs, errors.New("fade_ms must not be negative"))
	}
	return errors.Join(errs...)
}

// Plan is an ordered, layered description of audio and speech actions,
// consumed by exactly one executor slot per layer.
type Plan struct {
	PlanID string    `json:"plan_id"`
	Layer  PlanLayer `json:"layer"`
	Steps  []Step    `json:"steps"`
}

// Validate checks the plan and all its steps. Step IDs must be unique within
// the plan (including parallel children) so completion events correlate
// unambiguously.
func (p Plan) Validate() error {
	var errs []error
	if p.PlanID == "" {
		errs = append(errs, errors.New("plan_id is required"))
	}
	if !p.Layer.IsValid() {
		errs = append(errs, fmt.Errorf("layer %q is invalid", p.Layer))
	}
	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("steps must not be empty"))
	}
	seen := make(map[string]bool)
	var checkIDs func(steps []Step)
	checkIDs = func(steps []Step) {
		for _, s := range steps {
			if s.ID != "" {
				if seen[s.ID] {
					errs = append(errs, fmt.Errorf("duplicate step_id %q", s.ID))
				}
				seen[s.ID] = true
			}
			checkIDs(s.Children)
		}
	}
	checkIDs(p.Steps)
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
