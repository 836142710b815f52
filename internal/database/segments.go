package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/courtscribe/internal/stepstate"
)

// ReplaceSegments deletes the operation's segment rows and bulk-inserts segs
// in one transaction, so a re-run export never duplicates rows.
func (db *DB) ReplaceSegments(ctx context.Context, operationID string, segs []stepstate.Segment) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM segments WHERE operation_id = $1`, operationID); err != nil {
		return fmt.Errorf("delete segments: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"segments"},
		[]string{"operation_id", "idx", "start_sec", "end_sec", "speaker_id", "speaker", "transcription", "file_name"},
		pgx.CopyFromSlice(len(segs), func(i int) ([]any, error) {
			s := segs[i]
			return []any{operationID, s.Index, s.Start, s.End, s.SpeakerID, s.Speaker, s.Transcription, s.FileName}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy segments: %w", err)
	}
	return tx.Commit(ctx)
}

// ListSegments returns one page of the operation's segments ordered by start
// together with the total match count.
func (db *DB) ListSegments(ctx context.Context, operationID string, f stepstate.SegmentFilter) ([]stepstate.Segment, int, error) {
	var search any
	if f.Search != "" {
		search = "%" + likeEscape(f.Search) + "%"
	}
	const whereClause = `
		WHERE operation_id = $1
		  AND ($2::text IS NULL OR speaker = $2)
		  AND ($3::text IS NULL OR transcription ILIKE $3)
		  AND ($4::float8 IS NULL OR start_sec >= $4 - $6::float8)
		  AND ($5::float8 IS NULL OR end_sec <= $5 + $6::float8)`
	args := []any{operationID, nullString(f.Speaker), search, f.StartSec, f.EndSec, stepstate.SegmentEpsilon}

	var total int
	if err := db.Pool.QueryRow(ctx, "SELECT count(*) FROM segments"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	var limit any
	if f.Limit > 0 {
		limit = f.Limit
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT idx, start_sec, end_sec, speaker_id, speaker, transcription, file_name
		FROM segments`+whereClause+`
		ORDER BY start_sec, idx
		LIMIT $7 OFFSET $8`, append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	segs := []stepstate.Segment{}
	for rows.Next() {
		s := stepstate.Segment{OperationID: operationID}
		if err := rows.Scan(&s.Index, &s.Start, &s.End, &s.SpeakerID, &s.Speaker, &s.Transcription, &s.FileName); err != nil {
			return nil, 0, err
		}
		segs = append(segs, s)
	}
	return segs, total, rows.Err()
}

// likeEscape quotes the ILIKE wildcards in a user search term.
func likeEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
