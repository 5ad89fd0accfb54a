// Package lyrics splits tagged lyrics into generation segments and builds
// the song-level header prompt.
package lyrics

import (
	"regexp"
	"strings"
)

// HeaderPrefix opens every stage-1 header prompt.
const HeaderPrefix = "Generate music from the given lyrics segment by segment."

var tagPattern = regexp.MustCompile(`\[([\p{L}\p{N}_]+)\]`)

// Split cuts lyrics into "[tag]\n<text>\n\n" blocks. A block's text runs
// from its tag up to the next '[' (tagged or not) or the end of input.
// Text before the first tag is ignored.
func Split(lyrics string) []string {
	var segments []string

	pos := 0
	for pos < len(lyrics) {
		loc := tagPattern.FindStringSubmatchIndex(lyrics[pos:])
		if loc == nil {
			break
		}

		tag := lyrics[pos+loc[2] : pos+loc[3]]
		start := pos + loc[1]
		end := len(lyrics)
		if i := strings.IndexByte(lyrics[start:], '['); i >= 0 {
			end = start + i
		}

		segments = append(segments, "["+tag+"]\n"+strings.TrimSpace(lyrics[start:end])+"\n\n")
		pos = end
	}

	return segments
}

// Header returns the song-level prompt: instructions, genre tags and the
// full structured lyrics.
func Header(genres string, segments []string) string {
	return HeaderPrefix + "\n[Genre] " + genres + "\n" + strings.Join(segments, "\n")
}

// StripMarkers removes literal segment markers that users sometimes paste
// into lyrics.
func StripMarkers(segment string) string {
	segment = strings.ReplaceAll(segment, "[start_of_segment]", "")
	return strings.ReplaceAll(segment, "[end_of_segment]", "")
}
