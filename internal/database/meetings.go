package database

import (
	"context"
	"fmt"

	"github.com/snarg/courtscribe/internal/stepstate"
)

func (db *DB) CreateMeeting(ctx context.Context, mt stepstate.Meeting) (stepstate.Meeting, error) {
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO meetings (id, title) VALUES ($1, $2)
		RETURNING created_at
	`, mt.ID, mt.Title).Scan(&mt.CreatedAt)
	if isUniqueViolation(err) {
		return stepstate.Meeting{}, fmt.Errorf("meeting %s already exists", mt.ID)
	}
	return mt, err
}

func (db *DB) GetMeeting(ctx context.Context, id string) (stepstate.Meeting, error) {
	mt := stepstate.Meeting{ID: id}
	err := db.Pool.QueryRow(ctx, `
		SELECT title, COALESCE(operation_id, ''), created_at FROM meetings WHERE id = $1
	`, id).Scan(&mt.Title, &mt.OperationID, &mt.CreatedAt)
	if isNoRows(err) {
		return stepstate.Meeting{}, fmt.Errorf("%s: %w", id, stepstate.ErrMeetingNotFound)
	}
	return mt, err
}

func (db *DB) RenameMeeting(ctx context.Context, id, title string) error {
	tag, err := db.Pool.Exec(ctx, `UPDATE meetings SET title = $2 WHERE id = $1`, id, title)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, stepstate.ErrMeetingNotFound)
	}
	return nil
}

// DeleteMeeting removes the meeting; its operations, step records and
// segments go with it through ON DELETE CASCADE.
func (db *DB) DeleteMeeting(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM meetings WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, stepstate.ErrMeetingNotFound)
	}
	return nil
}
