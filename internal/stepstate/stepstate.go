// Package stepstate is the durable record of each pipeline step's status and
// payload, keyed by (operation, step). The full set of records for an
// operation is what lets a chain resume after a crash.
package stepstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means the step has not completed: no record, or a record
	// with an empty payload. It never means the step is not needed.
	ErrNotFound = errors.New("step record not found")
	// ErrOperationNotFound is returned for unknown operation ids.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrInvalidPayload wraps payload validation failures at the store boundary.
	ErrInvalidPayload = errors.New("invalid step payload")
)

// Status is shared by operations and step records. Operations only use
// PENDING, RUNNING, DONE and FAILED.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusRunning       Status = "RUNNING"
	StatusDone          Status = "DONE"
	StatusFailed        Status = "FAILED"
	StatusRetrying      Status = "RETRYING"
	StatusFailedTimeout Status = "FAILED_TIMEOUT"
)

// Operation step pointers set by MarkDone and MarkFailed.
const (
	StepFinished = "Finished"
	StepFailed   = "Failed"
)

// Terminal reports whether no further work is expected.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusFailedTimeout
}

// PermitsParentChange reports whether the meeting owning an operation in this
// state may be renamed or deleted.
func (s Status) PermitsParentChange() bool {
	return s == StatusDone || s == StatusFailed
}

// OperationStatus collapses a step status to the operation-level status.
func (s Status) OperationStatus() Status {
	switch s {
	case StatusFailed, StatusFailedTimeout:
		return StatusFailed
	case StatusPending:
		return StatusPending
	default:
		return StatusRunning
	}
}

// Operation is one requested run of the chain.
type Operation struct {
	ID            string    `json:"operation_id"`
	MeetingID     string    `json:"meeting_id,omitempty"`
	Status        Status    `json:"status"`
	Step          string    `json:"step,omitempty"`
	StepStatus    Status    `json:"step_status,omitempty"`
	Progress      int       `json:"progress"`
	TaskHandle    string    `json:"task_id,omitempty"`
	ResultLocator string    `json:"result_locator,omitempty"`
	DocxLocator   string    `json:"result_docx,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Record is the stored state of one step.
type Record struct {
	OperationID string          `json:"operation_id"`
	Step        string          `json:"step"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Store is the narrow persistence surface the executor and orchestrator use.
// Writes for one (operation, step) key are single-writer.
type Store interface {
	// ReadStep returns ErrNotFound when no record exists or its payload is empty.
	ReadStep(ctx context.Context, operationID, step string) (Record, error)
	// WriteStep upserts the record. A nil payload keeps the stored payload.
	WriteStep(ctx context.Context, operationID, step string, payload json.RawMessage, status Status) error
	// ListSteps returns every record of the operation ordered by update time.
	ListSteps(ctx context.Context, operationID string) ([]Record, error)

	CreateOperation(ctx context.Context, op Operation) error
	GetOperation(ctx context.Context, operationID string) (Operation, error)
	// SetOperationStatus moves the pollable pointer. Progress is optional.
	SetOperationStatus(ctx context.Context, operationID, step string, status Status, progress *int) error
	SetTaskHandle(ctx context.Context, operationID, handle string) error
	// MarkDone sets DONE, progress 100 and the result locators.
	MarkDone(ctx context.Context, operationID, resultLocator, docxLocator string) error
	MarkFailed(ctx context.Context, operationID string) error
	// ListOperations returns operations in any of the given statuses.
	ListOperations(ctx context.Context, statuses ...Status) ([]Operation, error)
}

// Segment is one finalized speaker-attributed transcript row.
type Segment struct {
	OperationID   string  `json:"operation_id"`
	Index         int     `json:"index"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	SpeakerID     int     `json:"speaker_id"`
	Speaker       string  `json:"speaker"`
	Transcription string  `json:"transcription"`
	FileName      string  `json:"file_name"`
}

// SegmentFilter narrows a segment listing. Zero values disable a filter.
type SegmentFilter struct {
	Speaker  string
	Search   string
	StartSec *float64
	EndSec   *float64
	Limit    int
	Offset   int
}

// SegmentStore persists finalized segments.
type SegmentStore interface {
	// ReplaceSegments deletes the operation's rows and inserts segs.
	ReplaceSegments(ctx context.Context, operationID string, segs []Segment) error
	ListSegments(ctx context.Context, operationID string, f SegmentFilter) ([]Segment, int, error)
}

// Meeting is the higher-level entity an operation belongs to.
type Meeting struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	OperationID string    `json:"operation_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// MeetingStore persists meetings.
type MeetingStore interface {
	CreateMeeting(ctx context.Context, mt Meeting) (Meeting, error)
	GetMeeting(ctx context.Context, id string) (Meeting, error)
	RenameMeeting(ctx context.Context, id, title string) error
	DeleteMeeting(ctx context.Context, id string) error
}

var (
	// ErrMeetingNotFound is returned for unknown meeting ids.
	ErrMeetingNotFound = errors.New("meeting not found")
	// ErrOperationActive refuses changes to a meeting whose operation has
	// not reached DONE or FAILED.
	ErrOperationActive = errors.New("operation still in progress")
)

// SegmentEpsilon is the tolerance of segment time-range filters, in seconds.
const SegmentEpsilon = 0.001

// CheckParentChange returns ErrOperationActive unless the meeting has no
// operation or its operation is DONE or FAILED.
func CheckParentChange(ctx context.Context, s Store, mt Meeting) error {
	if mt.OperationID == "" {
		return nil
	}
	op, err := s.GetOperation(ctx, mt.OperationID)
	if errors.Is(err, ErrOperationNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !op.Status.PermitsParentChange() {
		return fmt.Errorf("meeting %s: operation %s is %s: %w", mt.ID, op.ID, op.Status, ErrOperationActive)
	}
	return nil
}
