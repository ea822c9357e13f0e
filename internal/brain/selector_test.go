package brain

import (
	"errors"
	"testing"

	"github.com/cantina-labs/cantinaos/internal/events"
)

func mkTrack(id, title, artist string) events.MusicTrack {
	return events.MusicTrack{
		TrackID:   id,
		Title:     title,
		Artist:    artist,
		PathOrURI: "/lib/" + id,
		Source:    events.TrackSourceLocal,
	}
}

func testLibrary() []events.MusicTrack {
	return []events.MusicTrack{
		mkTrack("cantina.ogg", "Cantina Band", "Figrin Dan"),
		mkTrack("jatz.flac", "Mad About Mad About Me", "Figrin Dan"),
		mkTrack("lounge.mp3", "Lounge Drift", ""),
	}
}

func newTestSelector(tracks []events.MusicTrack) *selector {
	sel := newSelector(5, 1)
	sel.setLibrary(tracks)
	return sel
}

func TestPickLadder(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string // expected title
	}{
		{"exact title", "cantina band", "Cantina Band"},
		{"substring of title", "lounge", "Lounge Drift"},
		{"substring of artist", "figrin dan", "Cantina Band"},
		{"fuzzy transcription slip", "cantena band", "Cantina Band"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := newTestSelector(testLibrary())
			got, err := sel.pick(tt.query)
			if err != nil {
				t.Fatalf("pick(%q): %v", tt.query, err)
			}
			if got.Title != tt.want {
				t.Fatalf("pick(%q) = %q, want %q", tt.query, got.Title, tt.want)
			}
		})
	}
}

func TestPickKeywordCandidates(t *testing.T) {
	sel := newTestSelector(testLibrary())
	// "jazzy" maps to fragments including "band"; only Cantina Band matches.
	got, err := sel.pick("something jazzy")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.Title != "Cantina Band" {
		t.Fatalf("pick = %q, want keyword candidate", got.Title)
	}
}

func TestPickAvoidsRecentHistory(t *testing.T) {
	lib := testLibrary()[:2]
	sel := newTestSelector(lib)
	sel.recordPlayed(lib[0].PathOrURI)
	for range 10 {
		got, err := sel.pick("")
		if err != nil {
			t.Fatalf("pick: %v", err)
		}
		if got.PathOrURI == lib[0].PathOrURI {
			t.Fatal("picked the only track in recent history")
		}
	}
}

func TestPickHistoryFilterRelaxesWhenExhausted(t *testing.T) {
	lib := testLibrary()[:1]
	sel := newTestSelector(lib)
	sel.recordPlayed(lib[0].PathOrURI)
	got, err := sel.pick("")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if got.PathOrURI != lib[0].PathOrURI {
		t.Fatalf("pick = %q, want the only track despite history", got.Title)
	}
}

func TestPickNextExcludesCurrent(t *testing.T) {
	lib := testLibrary()[:2]
	sel := newTestSelector(lib)
	for range 10 {
		got, err := sel.pickNext(lib[0].PathOrURI)
		if err != nil {
			t.Fatalf("pickNext: %v", err)
		}
		if got.PathOrURI == lib[0].PathOrURI {
			t.Fatal("pickNext returned the current track")
		}
	}
}

func TestPickEmptyLibrary(t *testing.T) {
	sel := newSelector(5, 1)
	if _, err := sel.pick("anything"); !errors.Is(err, ErrNoTracks) {
		t.Fatalf("pick err = %v, want ErrNoTracks", err)
	}
	if _, err := sel.pickNext("/lib/x"); !errors.Is(err, ErrNoTracks) {
		t.Fatalf("pickNext err = %v, want ErrNoTracks", err)
	}
}

func TestHistoryEviction(t *testing.T) {
	sel := newSelector(2, 1)
	sel.recordPlayed("a")
	sel.recordPlayed("b")
	sel.recordPlayed("c")
	got := sel.recentHistory()
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("history = %v, want [b c]", got)
	}
}
