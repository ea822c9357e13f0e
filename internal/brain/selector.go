package brain

import (
	"errors"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// ErrNoTracks is returned by selection when the library view is empty.
var ErrNoTracks = errors.New("no tracks in library")

// fuzzyThreshold is the minimum Jaro-Winkler score for a fuzzy title match.
const fuzzyThreshold = 0.85

// moodKeywords is the closed mood/genre vocabulary. A query word maps to
// title fragments; tracks whose title or artist contains a fragment become
// candidates.
var moodKeywords = map[string][]string{
	"upbeat":    {"cantina", "swing", "dance", "jump"},
	"jazzy":     {"jazz", "band", "swing"},
	"calm":      {"ambient", "lounge", "slow"},
	"spacey":    {"star", "nebula", "drift"},
	"nostalgic": {"old", "classic", "retro"},
}

// selector keeps the synchronized library view and applies the selection
// ladder: exact title, substring over title+artist, fuzzy title, keyword
// candidates, then recent-history filtering and random choice. Identity is
// always PathOrURI; display titles alias too easily.
type selector struct {
	mu          sync.Mutex
	tracks      []events.MusicTrack
	history     []string
	historySize int
	rng         *rand.Rand
}

func newSelector(historySize int, seed int64) *selector {
	return &selector{
		historySize: historySize,
		rng:         rand.New(rand.NewPCG(uint64(seed), 0)),
	}
}

func (s *selector) setLibrary(tracks []events.MusicTrack) {
	s.mu.Lock()
	s.tracks = tracks
	s.mu.Unlock()
}

// recordPlayed appends uri to the recent history, evicting the oldest entry
// past the cap.
func (s *selector) recordPlayed(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, uri)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
}

func (s *selector) recentHistory() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

// pick resolves a free-text query to one track. An empty query is a pure
// random pick outside the recent history.
func (s *selector) pick(query string) (events.MusicTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tracks) == 0 {
		return events.MusicTrack{}, ErrNoTracks
	}

	q := strings.ToLower(strings.TrimSpace(query))
	if q != "" {
		if t, ok := s.exactLocked(q); ok {
			return t, nil
		}
		if t, ok := s.substringLocked(q); ok {
			return t, nil
		}
		if t, ok := s.fuzzyLocked(q); ok {
			return t, nil
		}
		if candidates := s.keywordLocked(q); len(candidates) > 0 {
			return s.randomLocked(candidates), nil
		}
	}
	return s.randomLocked(s.tracks), nil
}

// pickNext chooses the DJ follow-up track: anything but the current one,
// preferring tracks outside the recent history.
func (s *selector) pickNext(currentURI string) (events.MusicTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tracks) == 0 {
		return events.MusicTrack{}, ErrNoTracks
	}
	var candidates []events.MusicTrack
	for _, t := range s.tracks {
		if t.PathOrURI != currentURI {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		candidates = s.tracks
	}
	return s.randomLocked(candidates), nil
}

func (s *selector) exactLocked(q string) (events.MusicTrack, bool) {
	for _, t := range s.tracks {
		if strings.ToLower(t.Title) == q {
			return t, true
		}
	}
	return events.MusicTrack{}, false
}

func (s *selector) substringLocked(q string) (events.MusicTrack, bool) {
	for _, t := range s.tracks {
		haystack := strings.ToLower(t.Title + " " + t.Artist)
		if strings.Contains(haystack, q) {
			return t, true
		}
	}
	return events.MusicTrack{}, false
}

// fuzzyLocked finds the best Jaro-Winkler title match above the threshold,
// absorbing transcription slips like "cantena band".
func (s *selector) fuzzyLocked(q string) (events.MusicTrack, bool) {
	best := events.MusicTrack{}
	bestScore := 0.0
	for _, t := range s.tracks {
		score := matchr.JaroWinkler(q, strings.ToLower(t.Title), false)
		if score > bestScore {
			bestScore = score
			best = t
		}
	}
	return best, bestScore >= fuzzyThreshold
}

func (s *selector) keywordLocked(q string) []events.MusicTrack {
	var fragments []string
	for _, word := range strings.Fields(q) {
		fragments = append(fragments, moodKeywords[word]...)
	}
	if len(fragments) == 0 {
		return nil
	}
	var candidates []events.MusicTrack
	for _, t := range s.tracks {
		haystack := strings.ToLower(t.Title + " " + t.Artist)
		for _, frag := range fragments {
			if strings.Contains(haystack, frag) {
				candidates = append(candidates, t)
				break
			}
		}
	}
	return candidates
}

// randomLocked picks randomly among candidates, skipping recent history when
// alternatives survive the filter.
func (s *selector) randomLocked(candidates []events.MusicTrack) events.MusicTrack {
	recent := make(map[string]bool, len(s.history))
	for _, uri := range s.history {
		recent[uri] = true
	}
	var fresh []events.MusicTrack
	for _, t := range candidates {
		if !recent[t.PathOrURI] {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		fresh = candidates
	}
	return fresh[s.rng.IntN(len(fresh))]
}
