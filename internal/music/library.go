package music

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// playableExtensions are the file types a library scan picks up.
var playableExtensions = map[string]bool{
	".mp3":  true,
	".ogg":  true,
	".wav":  true,
	".flac": true,
}

// ScanLibrary walks dir and builds the track list, sorted by title. The track
// id is the slash-separated path relative to dir, so it survives the library
// being mounted elsewhere; identity for playback is the absolute PathOrURI.
// Durations are probed through p; a probe failure leaves the duration unknown
// rather than failing the scan.
func ScanLibrary(dir string, p Player) ([]events.MusicTrack, error) {
	var tracks []events.MusicTrack
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !playableExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		title, artist := parseTrackName(d.Name())
		track := events.MusicTrack{
			TrackID:   filepath.ToSlash(rel),
			Title:     title,
			Artist:    artist,
			PathOrURI: path,
			Source:    events.TrackSourceLocal,
		}
		if dur, err := p.Duration(path); err == nil {
			track.DurationMS = dur.Milliseconds()
		}
		tracks = append(tracks, track)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("music: scan %s: %w", dir, err)
	}
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Title < tracks[j].Title })
	return tracks, nil
}

// parseTrackName splits "Artist - Title.ext" filenames; anything else is all
// title.
func parseTrackName(name string) (title, artist string) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if artistPart, titlePart, ok := strings.Cut(base, " - "); ok {
		return strings.TrimSpace(titlePart), strings.TrimSpace(artistPart)
	}
	return base, ""
}
