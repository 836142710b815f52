package pipeline

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/snarg/courtscribe/internal/executor"
	"github.com/snarg/courtscribe/internal/export"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/storage"
	"github.com/snarg/courtscribe/internal/workspace"
)

const (
	manifestName = "pipeline_intervals.json"
	docxName     = "pipeline_result.docx"
	mergedMP3    = "Merged.mp3"
)

// exportResults publishes the transcript: segment MP3s, the JSON manifest,
// the DOCX and the merged MP3. It then replaces the operation's segment rows.
// Every upload is skipped when the remote object already has the same hash.
func (r *run) exportResults(ctx context.Context) (ExportPayload, error) {
	merge, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, mergePort)
	if err != nil {
		return ExportPayload{}, err
	}
	tp, err := stepstate.Read(ctx, r.o.deps.Store, r.opID, transcriptionPort)
	if err != nil {
		return ExportPayload{}, err
	}
	var tf transcriptionFile
	found, err := workspace.ReadJSON(tp.TranscriptionPath, &tf)
	if err != nil {
		return ExportPayload{}, err
	}
	if !found {
		return ExportPayload{}, fmt.Errorf("transcription file %s missing", filepath.Base(tp.TranscriptionPath))
	}

	final := r.ws.FinalDir()
	prefix := r.objectPrefix()

	rows := make([]export.Row, 0, len(tf.Segments))
	urls := make(map[string]string, len(tf.Segments))
	keys := make(map[string]string, len(tf.Segments))
	for _, seg := range tf.Segments {
		name := strings.TrimSuffix(filepath.Base(seg.Path), filepath.Ext(seg.Path)) + ".mp3"
		if _, seen := urls[name]; !seen {
			key := path.Join(prefix, name)
			if err := r.publishMP3(ctx, seg.Path, filepath.Join(final, name), key); err != nil {
				return ExportPayload{}, err
			}
			u, err := r.o.deps.Objects.URL(ctx, key)
			if err != nil {
				return ExportPayload{}, executor.Transient(fmt.Errorf("url %s: %w", key, err))
			}
			urls[name] = u
			keys[name] = key
		}
		rows = append(rows, export.Row{
			Index:         seg.Index,
			Start:         seg.Start,
			End:           seg.End,
			Speaker:       seg.Speaker,
			Transcription: seg.Text,
			AudioName:     name,
		})
	}

	labels := make([]string, len(rows))
	for i, row := range rows {
		labels[i] = row.Speaker
	}
	ids := export.SpeakerIDs(labels, r.o.opts.UnknownLabel)
	manifest := export.Manifest(rows, ids, urls)

	jsonPath := filepath.Join(final, manifestName)
	if err := workspace.WriteJSON(jsonPath, manifest); err != nil {
		return ExportPayload{}, err
	}
	jsonKey := path.Join(prefix, manifestName)
	if err := r.publishFile(ctx, jsonPath, jsonKey, "application/json"); err != nil {
		return ExportPayload{}, err
	}

	docxPath := filepath.Join(final, docxName)
	if err := export.WriteDOCX(docxPath, export.Lines(rows)); err != nil {
		return ExportPayload{}, err
	}
	docxKey := path.Join(prefix, docxName)
	if err := r.publishFile(ctx, docxPath, docxKey, export.DocxContentType); err != nil {
		return ExportPayload{}, err
	}

	if err := r.publishMP3(ctx, merge.MergedAudioPath, filepath.Join(final, mergedMP3), path.Join(prefix, mergedMP3)); err != nil {
		return ExportPayload{}, err
	}

	resultURL, err := r.o.deps.Objects.URL(ctx, jsonKey)
	if err != nil {
		return ExportPayload{}, executor.Transient(fmt.Errorf("url %s: %w", jsonKey, err))
	}

	if r.o.deps.Segments != nil {
		segs := make([]stepstate.Segment, len(rows))
		for i, row := range rows {
			segs[i] = stepstate.Segment{
				OperationID:   r.opID,
				Index:         row.Index,
				Start:         row.Start,
				End:           row.End,
				SpeakerID:     manifest[i].SpeakerID,
				Speaker:       row.Speaker,
				Transcription: manifest[i].Transcription,
				FileName:      keys[row.AudioName],
			}
		}
		if err := r.o.deps.Segments.ReplaceSegments(ctx, r.opID, segs); err != nil {
			return ExportPayload{}, fmt.Errorf("replace segments: %w", err)
		}
	}

	r.log.Info().Int("segments", len(rows)).Str("json_key", jsonKey).Msg("results exported")
	return ExportPayload{
		JSONKey:   jsonKey,
		DocxKey:   docxKey,
		DocxPath:  docxPath,
		ResultURL: resultURL,
		Segments:  len(rows),
	}, nil
}

// objectPrefix is <prefix>/<operation id>.
func (r *run) objectPrefix() string {
	if r.o.opts.ObjectPrefix == "" {
		return r.opID
	}
	return path.Join(r.o.opts.ObjectPrefix, r.opID)
}

// publishMP3 encodes wavPath unless mp3Path already exists, then uploads it.
func (r *run) publishMP3(ctx context.Context, wavPath, mp3Path, key string) error {
	if !workspace.Exists(mp3Path) {
		if err := r.o.deps.Converter.ToMP3(ctx, wavPath, mp3Path); err != nil {
			return fmt.Errorf("encode %s: %w", filepath.Base(wavPath), err)
		}
	}
	return r.publishFile(ctx, mp3Path, key, "audio/mpeg")
}

// publishFile uploads a local file. Object storage failures are transient.
func (r *run) publishFile(ctx context.Context, local, key, contentType string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	uploaded, err := storage.SafeUpload(ctx, r.o.deps.Objects, key, data, contentType)
	if err != nil {
		return executor.Transient(err)
	}
	if uploaded {
		r.log.Debug().Str("key", key).Int("bytes", len(data)).Msg("uploaded")
	} else {
		r.log.Debug().Str("key", key).Msg("remote copy matches, upload skipped")
	}
	return nil
}
