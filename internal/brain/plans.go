package brain

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// introText is the streamed line spoken over a freshly started track.
func introText(track events.MusicTrack) string {
	if track.Artist != "" {
		return fmt.Sprintf("Now playing %s by %s.", track.Title, track.Artist)
	}
	return fmt.Sprintf("Now playing %s.", track.Title)
}

// introPlan wraps a spoken intro in an explicit duck so the fresh track drops
// under the voice immediately.
func introPlan(track events.MusicTrack, duckLevel float64, duckFadeMS int) events.Plan {
	return events.Plan{
		PlanID: uuid.NewString(),
		Layer:  events.LayerForeground,
		Steps: []events.Step{
			{Type: events.StepMusicDuck, ID: "duck", Level: duckLevel, FadeMS: duckFadeMS},
			{Type: events.StepSpeak, ID: "intro", Text: introText(track)},
			{Type: events.StepMusicUnduck, ID: "unduck", FadeMS: duckFadeMS},
		},
	}
}

// stopPlan announces the stop, then issues it.
func stopPlan() events.Plan {
	return events.Plan{
		PlanID: uuid.NewString(),
		Layer:  events.LayerForeground,
		Steps: []events.Step{
			{Type: events.StepSpeak, ID: "outro", Text: "Stopping the music."},
			{Type: events.StepPlayMusic, ID: "stop", Stop: true},
		},
	}
}

// transitionPlan is the full DJ handover: the cached commentary rides the
// duck while the crossfade runs underneath it.
func transitionPlan(next events.MusicTrack, cacheKey string, duckLevel float64, duckFadeMS, crossfadeMS int) events.Plan {
	return events.Plan{
		PlanID: uuid.NewString(),
		Layer:  events.LayerForeground,
		Steps: []events.Step{{
			Type: events.StepParallel,
			ID:   "transition",
			Children: []events.Step{
				{
					Type: events.StepSequence,
					ID:   "commentary-arc",
					Children: []events.Step{
						{Type: events.StepMusicDuck, ID: "duck", Level: duckLevel, FadeMS: duckFadeMS},
						{Type: events.StepPlayCachedSpeech, ID: "commentary", CacheKey: cacheKey},
						{Type: events.StepMusicUnduck, ID: "unduck", FadeMS: duckFadeMS},
					},
				},
				{Type: events.StepMusicCrossfade, ID: "crossfade", NextTrack: next.TrackID, FadeMS: crossfadeMS},
			},
		}},
	}
}

// crossfadePlan is the commentary-less fallback transition.
func crossfadePlan(next events.MusicTrack, crossfadeMS int) events.Plan {
	return events.Plan{
		PlanID: uuid.NewString(),
		Layer:  events.LayerForeground,
		Steps: []events.Step{
			{Type: events.StepMusicCrossfade, ID: "crossfade", NextTrack: next.TrackID, FadeMS: crossfadeMS},
		},
	}
}
