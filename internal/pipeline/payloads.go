package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/snarg/courtscribe/internal/interval"
	"github.com/snarg/courtscribe/internal/stepstate"
)

// Step names, in chain order.
const (
	StepMergeAudio      = "MERGE_AUDIO"
	StepDiarization     = "DIARIZATION"
	StepMergeIntervals  = "MERGE_INTERVALS"
	StepVADHungarian    = "VAD_HUNGARIAN"
	StepExtractSegments = "EXTRACT_SEGMENTS"
	StepTranscription   = "TRANSCRIPTION"
	StepExportResults   = "EXPORT_RESULTS"
)

// MergePayload is the output of MERGE_AUDIO.
type MergePayload struct {
	MergedAudioPath string   `json:"merged_audio_path"`
	SampleRate      int      `json:"sample_rate"`
	Sources         []string `json:"sources"`
}

func (p MergePayload) Validate() error {
	if p.MergedAudioPath == "" {
		return errors.New("merged_audio_path is empty")
	}
	if p.SampleRate <= 0 {
		return fmt.Errorf("sample_rate %d", p.SampleRate)
	}
	if len(p.Sources) == 0 {
		return errors.New("no sources")
	}
	return nil
}

// DiarizationPayload is the output of DIARIZATION.
type DiarizationPayload struct {
	RTTMPath      string  `json:"rttm_path"`
	PadEnd        float64 `json:"pad_end"`
	SpeakerCount  int     `json:"speaker_count"`
	IntervalCount int     `json:"interval_count"`
}

func (p DiarizationPayload) Validate() error {
	if p.RTTMPath == "" {
		return errors.New("rttm_path is empty")
	}
	return nil
}

// MergeIntervalsPayload is the output of MERGE_INTERVALS.
type MergeIntervalsPayload struct {
	IntervalsPath string `json:"intervals_path"`
	Count         int    `json:"count"`
}

func (p MergeIntervalsPayload) Validate() error {
	if p.IntervalsPath == "" {
		return errors.New("intervals_path is empty")
	}
	return nil
}

// VADPayload is the output of VAD_HUNGARIAN.
type VADPayload struct {
	VADPath        string            `json:"vad_path"`
	SpeakerToLabel map[string]string `json:"speaker_to_label"`
	Unmapped       []string          `json:"unmapped"`
}

func (p VADPayload) Validate() error {
	if p.VADPath == "" {
		return errors.New("vad_path is empty")
	}
	if p.SpeakerToLabel == nil {
		return errors.New("speaker_to_label is missing")
	}
	return nil
}

// ExtractPayload is the output of EXTRACT_SEGMENTS.
type ExtractPayload struct {
	SegmentsPath string `json:"segments_path"`
	Count        int    `json:"count"`
}

func (p ExtractPayload) Validate() error {
	if p.SegmentsPath == "" {
		return errors.New("segments_path is empty")
	}
	return nil
}

// TranscriptionPayload is the output of TRANSCRIPTION.
type TranscriptionPayload struct {
	TranscriptionPath string `json:"transcription_path"`
	Total             int    `json:"total"`
	Recognized        int    `json:"recognized"`
}

func (p TranscriptionPayload) Validate() error {
	if p.TranscriptionPath == "" {
		return errors.New("transcription_path is empty")
	}
	if p.Recognized > p.Total {
		return fmt.Errorf("recognized %d > total %d", p.Recognized, p.Total)
	}
	return nil
}

// ExportPayload is the output of EXPORT_RESULTS.
type ExportPayload struct {
	JSONKey   string `json:"json_key"`
	DocxKey   string `json:"docx_key"`
	DocxPath  string `json:"docx_path"`
	ResultURL string `json:"result_url"`
	Segments  int    `json:"segments"`
}

func (p ExportPayload) Validate() error {
	if p.JSONKey == "" || p.DocxKey == "" {
		return errors.New("result keys are empty")
	}
	return nil
}

var (
	mergePort          = stepstate.Port[MergePayload]{Step: StepMergeAudio}
	diarizationPort    = stepstate.Port[DiarizationPayload]{Step: StepDiarization}
	mergeIntervalsPort = stepstate.Port[MergeIntervalsPayload]{Step: StepMergeIntervals}
	vadPort            = stepstate.Port[VADPayload]{Step: StepVADHungarian}
	extractPort        = stepstate.Port[ExtractPayload]{Step: StepExtractSegments}
	transcriptionPort  = stepstate.Port[TranscriptionPayload]{Step: StepTranscription}
	exportPort         = stepstate.Port[ExportPayload]{Step: StepExportResults}
)

// vadFile is vad_hungarian.json.
type vadFile struct {
	SpeakerToLabel map[string]string   `json:"speaker_to_label"`
	Unmapped       []string            `json:"unmapped"`
	Unused         []string            `json:"unused"`
	Cost           float64             `json:"cost"`
	Policy         string              `json:"unmapped_policy"`
	Intervals      []interval.Interval `json:"intervals"`
}

// segmentFile is one extracted segment.
type segmentFile struct {
	Index   int     `json:"index"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker"`
	Path    string  `json:"segment_path"`
	Source  string  `json:"source_file"`
}

// segmentsFile is segments_<hash>.json.
type segmentsFile struct {
	Segments []segmentFile `json:"interval_segments"`
	Skipped  int           `json:"skipped"`
}

type transcribedSegment struct {
	segmentFile
	Text       string `json:"transcription"`
	Recognized bool   `json:"recognized"`
}

type transcriptionMeta struct {
	Engine     string    `json:"engine"`
	Model      string    `json:"model"`
	Language   string    `json:"language"`
	CreatedAt  time.Time `json:"created_at"`
	Total      int       `json:"total"`
	Recognized int       `json:"recognized"`
}

// transcriptionFile is transcription_<hash>.json.
type transcriptionFile struct {
	Meta     transcriptionMeta    `json:"meta"`
	Segments []transcribedSegment `json:"intervals_with_text"`
}
