package timeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// runStep executes one step to completion, honoring ctx.
func (s *Service) runStep(ctx context.Context, r *run, step events.Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	switch step.Type {
	case events.StepSpeak:
		return s.stepSpeak(ctx, r, step)
	case events.StepPlayCachedSpeech:
		return s.stepPlayCachedSpeech(ctx, r, step)
	case events.StepMusicDuck:
		return s.stepDuck(r, step)
	case events.StepMusicUnduck:
		return s.stepUnduck(r, step)
	case events.StepMusicCrossfade:
		return s.stepCrossfade(ctx, r, step)
	case events.StepPlayMusic:
		return s.stepPlayMusic(step)
	case events.StepParallel:
		return s.stepParallel(ctx, r, step)
	case events.StepSequence:
		return s.stepSequence(ctx, r, step)
	}
	return fmt.Errorf("step %s: unsupported type %q", step.ID, step.Type)
}

// stepSpeak requests synthesis and waits for the clip to finish. When music
// is playing and the bed is not already ducked, the step ducks it first and
// owns the reciprocal unduck.
func (s *Service) stepSpeak(ctx context.Context, r *run, step events.Step) error {
	implicitDuck := false
	s.mu.Lock()
	if s.musicPlaying && !s.ducked {
		s.ducked = true
		s.duckLevel = s.cfg.DuckLevel
		r.owesUnduck = true
		implicitDuck = true
	}
	s.mu.Unlock()

	if implicitDuck {
		s.emit(&events.AudioDuckingStart{
			Envelope: s.Envelope(),
			Level:    s.cfg.DuckLevel,
			FadeMS:   s.cfg.DuckFadeMS,
		})
	}

	w := s.expect(r.plan.PlanID, step.ID)
	s.emit(&events.TTSGenerateRequest{
		Envelope: s.Envelope(),
		Text:     step.Text,
		ClipID:   step.ID,
		PlanID:   r.plan.PlanID,
	})

	p, err := s.await(ctx, w, s.cfg.SpeakTimeout)
	if err != nil {
		if ctx.Err() != nil {
			// Abort the in-flight clip; the owed unduck settles when the
			// plan ends.
			s.emit(&events.TTSCancel{Envelope: s.Envelope(), ClipID: step.ID})
		}
		return fmt.Errorf("step %s: speak: %w", step.ID, err)
	}
	done := p.(*events.SpeechGenerationComplete)
	if !done.Success {
		return fmt.Errorf("step %s: speech generation failed: %s", step.ID, done.Error)
	}

	if implicitDuck {
		s.mu.Lock()
		owes := r.owesUnduck
		r.owesUnduck = false
		if owes {
			s.ducked = false
		}
		s.mu.Unlock()
		if owes {
			s.emit(&events.AudioDuckingStop{
				Envelope: s.Envelope(),
				FadeMS:   s.cfg.DuckFadeMS,
			})
		}
	}
	return nil
}

// stepPlayCachedSpeech plays a pre-generated clip. Ducking is deliberately
// not implicit: plans wrap these in explicit duck/unduck steps.
func (s *Service) stepPlayCachedSpeech(ctx context.Context, r *run, step events.Step) error {
	s.mu.Lock()
	ready := s.cacheReady[step.CacheKey]
	s.mu.Unlock()
	if !ready {
		return fmt.Errorf("step %s: cache entry %q is not ready", step.ID, step.CacheKey)
	}

	w := s.expect(r.plan.PlanID, step.ID)
	s.emit(&events.SpeechCachePlaybackRequest{
		Envelope: s.Envelope(),
		CacheKey: step.CacheKey,
		StepID:   step.ID,
		PlanID:   r.plan.PlanID,
	})

	p, err := s.await(ctx, w, s.cfg.SpeakTimeout)
	if err != nil {
		return fmt.Errorf("step %s: cached speech: %w", step.ID, err)
	}
	done := p.(*events.SpeechCachePlaybackCompleted)
	if !done.Success {
		return fmt.Errorf("step %s: cached speech playback failed", step.ID)
	}
	return nil
}

func (s *Service) stepDuck(r *run, step events.Step) error {
	s.mu.Lock()
	s.ducked = true
	s.duckLevel = step.Level
	r.owesUnduck = true
	s.mu.Unlock()

	s.emit(&events.AudioDuckingStart{
		Envelope: s.Envelope(),
		Level:    step.Level,
		FadeMS:   step.FadeMS,
	})
	return nil
}

func (s *Service) stepUnduck(r *run, step events.Step) error {
	s.mu.Lock()
	s.ducked = false
	r.owesUnduck = false
	s.mu.Unlock()

	s.emit(&events.AudioDuckingStop{
		Envelope: s.Envelope(),
		FadeMS:   step.FadeMS,
	})
	return nil
}

// stepCrossfade hands the transition to the music controller with the
// current bed level as the volume ceiling, so a ducked bed stays ducked
// through the fade.
func (s *Service) stepCrossfade(ctx context.Context, r *run, step events.Step) error {
	s.mu.Lock()
	ceiling := s.cfg.NormalVolume
	if s.ducked {
		ceiling = s.duckLevel
	}
	s.mu.Unlock()

	w := s.expect(r.plan.PlanID, step.ID)
	s.emit(&events.MusicCommand{
		Envelope:      s.Envelope(),
		Action:        events.MusicCrossfade,
		TrackID:       step.NextTrack,
		Source:        events.SourceDJ,
		FadeMS:        step.FadeMS,
		CeilingVolume: ceiling,
		StepID:        step.ID,
		PlanID:        r.plan.PlanID,
	})

	timeout := 2*time.Duration(step.FadeMS)*time.Millisecond + s.cfg.CrossfadeGrace
	_, err := s.await(ctx, w, timeout)
	if err != nil {
		if ctx.Err() != nil {
			// The controller commits the fade to its target on its own; a
			// cancelled plan does not leave the bed mid-fade.
			return err
		}
		return fmt.Errorf("step %s: crossfade: %w", step.ID, err)
	}
	return nil
}

// stepPlayMusic fires a play or stop command without waiting for playback.
func (s *Service) stepPlayMusic(step events.Step) error {
	source := step.Source
	if source == "" {
		source = events.SourceDJ
	}
	cmd := &events.MusicCommand{
		Envelope: s.Envelope(),
		Source:   source,
	}
	if step.Stop {
		cmd.Action = events.MusicStop
	} else {
		cmd.Action = events.MusicPlay
		cmd.TrackName = step.TrackQuery
	}
	s.emit(cmd)
	return nil
}

// stepSequence runs its children in order, stopping at the first failure.
// Used as a parallel child to pin an ordered speech arc (duck, cached
// speech, unduck) against a concurrent crossfade.
func (s *Service) stepSequence(ctx context.Context, r *run, step events.Step) error {
	for _, child := range step.Children {
		if err := s.runStep(ctx, r, child); err != nil {
			return fmt.Errorf("step %s: %w", step.ID, err)
		}
	}
	return nil
}

// stepParallel runs all children concurrently; the first failure cancels the
// rest and propagates.
func (s *Service) stepParallel(ctx context.Context, r *run, step events.Step) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, child := range step.Children {
		g.Go(func() error {
			return s.runStep(gctx, r, child)
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("step %s: %w", step.ID, err)
	}
	return nil
}
