// Package export renders a finished transcript into its published forms:
// the JSON manifest, the DOCX document and MP3 audio.
package export

import (
	"fmt"
	"sort"
	"strings"

	"github.com/snarg/courtscribe/internal/interval"
)

// Row is one transcribed segment ready for export.
type Row struct {
	Index         int
	Start         float64
	End           float64
	Speaker       string
	Transcription string
	// AudioName is the segment's MP3 object name, empty when the segment
	// has no uploaded audio.
	AudioName string
}

// Entry is one element of pipeline_intervals.json.
type Entry struct {
	FileURL       *string `json:"file_url"`
	SpeakerID     int     `json:"speaker_id"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Speaker       string  `json:"speaker"`
	Transcription string  `json:"transcription"`
}

// UnknownSpeakerID is the manifest id of speakers without a known identity.
const UnknownSpeakerID = -1

// SpeakerIDs numbers the known labels in sorted order. The unknown label
// is never numbered.
func SpeakerIDs(labels []string, unknownLabel string) map[string]int {
	distinct := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l != "" && l != unknownLabel {
			distinct[l] = struct{}{}
		}
	}
	sorted := make([]string, 0, len(distinct))
	for l := range distinct {
		sorted = append(sorted, l)
	}
	sort.Strings(sorted)
	ids := make(map[string]int, len(sorted))
	for i, l := range sorted {
		ids[l] = i
	}
	return ids
}

// Manifest builds the manifest entries. urls maps AudioName to its URL.
func Manifest(rows []Row, ids map[string]int, urls map[string]string) []Entry {
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		id, ok := ids[r.Speaker]
		if !ok {
			id = UnknownSpeakerID
		}
		e := Entry{
			SpeakerID:     id,
			Start:         r.Start,
			End:           r.End,
			Speaker:       r.Speaker,
			Transcription: strings.TrimSpace(r.Transcription),
		}
		if u, ok := urls[r.AudioName]; ok && r.AudioName != "" {
			e.FileURL = &u
		}
		out = append(out, e)
	}
	return out
}

// Lines renders "<speaker> <H:MM:SS>-<H:MM:SS>: <text>" per row.
func Lines(rows []Row) []string {
	lines := make([]string, len(rows))
	for i, r := range rows {
		speaker := r.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		lines[i] = fmt.Sprintf("%s %s-%s: %s", speaker,
			interval.FormatHMS(r.Start), interval.FormatHMS(r.End), strings.TrimSpace(r.Transcription))
	}
	return lines
}
