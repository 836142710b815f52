package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/snarg/courtscribe/internal/stepstate"
)

var (
	_ stepstate.Store        = (*DB)(nil)
	_ stepstate.SegmentStore = (*DB)(nil)
	_ stepstate.MeetingStore = (*DB)(nil)
)

// ReadStep returns stepstate.ErrNotFound when no record exists or its
// payload is empty.
func (db *DB) ReadStep(ctx context.Context, operationID, step string) (stepstate.Record, error) {
	rec := stepstate.Record{OperationID: operationID, Step: step}
	var payload []byte
	err := db.Pool.QueryRow(ctx, `
		SELECT status, payload, attempts, updated_at
		FROM step_records
		WHERE operation_id = $1 AND step = $2
	`, operationID, step).Scan(&rec.Status, &payload, &rec.Attempts, &rec.UpdatedAt)
	if isNoRows(err) {
		return stepstate.Record{}, fmt.Errorf("%s/%s: %w", operationID, step, stepstate.ErrNotFound)
	}
	if err != nil {
		return stepstate.Record{}, err
	}
	if p := strings.TrimSpace(string(payload)); p == "" || p == "null" {
		return stepstate.Record{}, fmt.Errorf("%s/%s: %w", operationID, step, stepstate.ErrNotFound)
	}
	rec.Payload = payload
	return rec, nil
}

// WriteStep upserts the record. A nil payload keeps the stored one; every
// RUNNING write counts an attempt.
func (db *DB) WriteStep(ctx context.Context, operationID, step string, payload json.RawMessage, status stepstate.Status) error {
	var p any
	if len(payload) > 0 {
		p = string(payload)
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO step_records (operation_id, step, status, payload, attempts, updated_at)
		VALUES ($1, $2, $3::text, $4::jsonb, CASE WHEN $3::text = 'RUNNING' THEN 1 ELSE 0 END, now())
		ON CONFLICT (operation_id, step) DO UPDATE SET
			status     = EXCLUDED.status,
			payload    = COALESCE(EXCLUDED.payload, step_records.payload),
			attempts   = step_records.attempts + EXCLUDED.attempts,
			updated_at = now()
	`, operationID, step, string(status), p)
	return err
}

func (db *DB) ListSteps(ctx context.Context, operationID string) ([]stepstate.Record, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT step, status, payload, attempts, updated_at
		FROM step_records
		WHERE operation_id = $1
		ORDER BY updated_at, step
	`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := []stepstate.Record{}
	for rows.Next() {
		r := stepstate.Record{OperationID: operationID}
		var payload []byte
		if err := rows.Scan(&r.Step, &r.Status, &payload, &r.Attempts, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			r.Payload = payload
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// CreateOperation inserts op as PENDING unless it carries a status, and
// points its meeting at it.
func (db *DB) CreateOperation(ctx context.Context, op stepstate.Operation) error {
	if op.Status == "" {
		op.Status = stepstate.StatusPending
	}
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO operations (id, meeting_id, status)
		VALUES ($1, $2, $3)
	`, op.ID, nullString(op.MeetingID), string(op.Status))
	if isUniqueViolation(err) {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	if err != nil {
		return fmt.Errorf("insert operation: %w", err)
	}
	if op.MeetingID != "" {
		if _, err := tx.Exec(ctx, `UPDATE meetings SET operation_id = $2 WHERE id = $1`, op.MeetingID, op.ID); err != nil {
			return fmt.Errorf("link meeting: %w", err)
		}
	}
	return tx.Commit(ctx)
}

const operationColumns = `id, COALESCE(meeting_id, ''), status, COALESCE(step, ''),
	COALESCE(step_status, ''), progress, COALESCE(task_handle, ''),
	COALESCE(result_locator, ''), COALESCE(docx_locator, ''), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (stepstate.Operation, error) {
	var op stepstate.Operation
	err := row.Scan(&op.ID, &op.MeetingID, &op.Status, &op.Step,
		&op.StepStatus, &op.Progress, &op.TaskHandle,
		&op.ResultLocator, &op.DocxLocator, &op.CreatedAt, &op.UpdatedAt)
	return op, err
}

func (db *DB) GetOperation(ctx context.Context, operationID string) (stepstate.Operation, error) {
	op, err := scanOperation(db.Pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = $1`, operationID))
	if isNoRows(err) {
		return stepstate.Operation{}, fmt.Errorf("%s: %w", operationID, stepstate.ErrOperationNotFound)
	}
	return op, err
}

// updateOperation runs an UPDATE ... WHERE id = $1 and maps zero affected
// rows to ErrOperationNotFound.
func (db *DB) updateOperation(ctx context.Context, operationID, set string, args ...any) error {
	tag, err := db.Pool.Exec(ctx,
		`UPDATE operations SET `+set+`, updated_at = now() WHERE id = $1`,
		append([]any{operationID}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operationID, stepstate.ErrOperationNotFound)
	}
	return nil
}

func (db *DB) SetOperationStatus(ctx context.Context, operationID, step string, status stepstate.Status, progress *int) error {
	return db.updateOperation(ctx, operationID,
		`step = $2, step_status = $3, status = $4, progress = COALESCE($5::int, progress)`,
		step, string(status), string(status.OperationStatus()), progress)
}

func (db *DB) SetTaskHandle(ctx context.Context, operationID, handle string) error {
	return db.updateOperation(ctx, operationID, `task_handle = $2`, handle)
}

func (db *DB) MarkDone(ctx context.Context, operationID, resultLocator, docxLocator string) error {
	return db.updateOperation(ctx, operationID,
		`status = 'DONE', step_status = 'DONE', step = $2, progress = 100, result_locator = $3, docx_locator = $4`,
		stepstate.StepFinished, resultLocator, nullString(docxLocator))
}

func (db *DB) MarkFailed(ctx context.Context, operationID string) error {
	return db.updateOperation(ctx, operationID,
		`status = 'FAILED', step_status = 'FAILED', step = $2`, stepstate.StepFailed)
}

// ListOperations returns operations in any of statuses, oldest first. No
// statuses lists everything.
func (db *DB) ListOperations(ctx context.Context, statuses ...stepstate.Status) ([]stepstate.Operation, error) {
	var filter any
	if len(statuses) > 0 {
		s := make([]string, len(statuses))
		for i, st := range statuses {
			s[i] = string(st)
		}
		filter = s
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT `+operationColumns+`
		FROM operations
		WHERE ($1::text[] IS NULL OR status = ANY($1))
		ORDER BY created_at
	`, filter)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops := []stepstate.Operation{}
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// FailStuck marks PENDING or RUNNING operations not updated since the cutoff
// as FAILED and returns their ids.
func (db *DB) FailStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	rows, err := db.Pool.Query(ctx, `
		UPDATE operations
		SET status = 'FAILED', step_status = 'FAILED', step = $2, updated_at = now()
		WHERE status IN ('PENDING', 'RUNNING') AND updated_at < $1
		RETURNING id
	`, time.Now().Add(-olderThan), stepstate.StepFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
