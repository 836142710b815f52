package stepstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps all state in process. It backs tests and database-less
// runs; nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	ops      map[string]Operation
	steps    map[string]map[string]Record
	segments map[string][]Segment
	meetings map[string]Meeting
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:      make(map[string]Operation),
		steps:    make(map[string]map[string]Record),
		segments: make(map[string][]Segment),
		meetings: make(map[string]Meeting),
		now:      time.Now,
	}
}

func (m *MemoryStore) ReadStep(_ context.Context, operationID, step string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.steps[operationID][step]
	if !ok || isEmptyPayload(rec.Payload) {
		return Record{}, fmt.Errorf("%s/%s: %w", operationID, step, ErrNotFound)
	}
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	return rec, nil
}

func (m *MemoryStore) WriteStep(_ context.Context, operationID, step string, payload json.RawMessage, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bySteps, ok := m.steps[operationID]
	if !ok {
		bySteps = make(map[string]Record)
		m.steps[operationID] = bySteps
	}
	rec, exists := bySteps[step]
	if !exists {
		rec = Record{OperationID: operationID, Step: step}
	}
	if payload != nil {
		rec.Payload = append(json.RawMessage(nil), payload...)
	}
	if status == StatusRunning {
		rec.Attempts++
	}
	rec.Status = status
	rec.UpdatedAt = m.now()
	bySteps[step] = rec
	return nil
}

func (m *MemoryStore) ListSteps(_ context.Context, operationID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.steps[operationID]))
	for _, rec := range m.steps[operationID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].Step < out[j].Step
	})
	return out, nil
}

func (m *MemoryStore) CreateOperation(_ context.Context, op Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.ops[op.ID]; exists {
		return fmt.Errorf("operation %s already exists", op.ID)
	}
	now := m.now()
	if op.Status == "" {
		op.Status = StatusPending
	}
	op.CreatedAt, op.UpdatedAt = now, now
	m.ops[op.ID] = op
	if op.MeetingID != "" {
		if mt, ok := m.meetings[op.MeetingID]; ok {
			mt.OperationID = op.ID
			m.meetings[op.MeetingID] = mt
		}
	}
	return nil
}

func (m *MemoryStore) GetOperation(_ context.Context, operationID string) (Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	op, ok := m.ops[operationID]
	if !ok {
		return Operation{}, fmt.Errorf("%s: %w", operationID, ErrOperationNotFound)
	}
	return op, nil
}

func (m *MemoryStore) update(operationID string, fn func(*Operation)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.ops[operationID]
	if !ok {
		return fmt.Errorf("%s: %w", operationID, ErrOperationNotFound)
	}
	fn(&op)
	op.UpdatedAt = m.now()
	m.ops[operationID] = op
	return nil
}

func (m *MemoryStore) SetOperationStatus(_ context.Context, operationID, step string, status Status, progress *int) error {
	return m.update(operationID, func(op *Operation) {
		op.Step = step
		op.StepStatus = status
		op.Status = status.OperationStatus()
		if progress != nil {
			op.Progress = *progress
		}
	})
}

func (m *MemoryStore) SetTaskHandle(_ context.Context, operationID, handle string) error {
	return m.update(operationID, func(op *Operation) { op.TaskHandle = handle })
}

func (m *MemoryStore) MarkDone(_ context.Context, operationID, resultLocator, docxLocator string) error {
	return m.update(operationID, func(op *Operation) {
		op.Status = StatusDone
		op.StepStatus = StatusDone
		op.Step = StepFinished
		op.Progress = 100
		op.ResultLocator = resultLocator
		op.DocxLocator = docxLocator
	})
}

func (m *MemoryStore) MarkFailed(_ context.Context, operationID string) error {
	return m.update(operationID, func(op *Operation) {
		op.Status = StatusFailed
		op.StepStatus = StatusFailed
		op.Step = StepFailed
	})
}

func (m *MemoryStore) ListOperations(_ context.Context, statuses ...Status) ([]Operation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []Operation
	for _, op := range m.ops {
		if len(want) == 0 || want[op.Status] {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ReplaceSegments(_ context.Context, operationID string, segs []Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[operationID] = append([]Segment(nil), segs...)
	return nil
}

func (m *MemoryStore) ListSegments(_ context.Context, operationID string, f SegmentFilter) ([]Segment, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []Segment
	search := strings.ToLower(f.Search)
	for _, s := range m.segments[operationID] {
		if f.Speaker != "" && s.Speaker != f.Speaker {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(s.Transcription), search) {
			continue
		}
		if f.StartSec != nil && s.Start < *f.StartSec-SegmentEpsilon {
			continue
		}
		if f.EndSec != nil && s.End > *f.EndSec+SegmentEpsilon {
			continue
		}
		matched = append(matched, s)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Start < matched[j].Start })
	total := len(matched)
	if f.Offset > 0 {
		if f.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[f.Offset:]
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

// AddMeeting registers a meeting.
func (m *MemoryStore) AddMeeting(mt Meeting) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mt.CreatedAt.IsZero() {
		mt.CreatedAt = m.now()
	}
	m.meetings[mt.ID] = mt
}

func (m *MemoryStore) CreateMeeting(_ context.Context, mt Meeting) (Meeting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.meetings[mt.ID]; exists {
		return Meeting{}, fmt.Errorf("meeting %s already exists", mt.ID)
	}
	mt.CreatedAt = m.now()
	m.meetings[mt.ID] = mt
	return mt, nil
}

func (m *MemoryStore) GetMeeting(_ context.Context, id string) (Meeting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.meetings[id]
	if !ok {
		return Meeting{}, fmt.Errorf("%s: %w", id, ErrMeetingNotFound)
	}
	return mt, nil
}

func (m *MemoryStore) RenameMeeting(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.meetings[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrMeetingNotFound)
	}
	mt.Title = title
	m.meetings[id] = mt
	return nil
}

func (m *MemoryStore) DeleteMeeting(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.meetings[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrMeetingNotFound)
	}
	delete(m.meetings, id)
	if mt.OperationID != "" {
		delete(m.ops, mt.OperationID)
		delete(m.steps, mt.OperationID)
		delete(m.segments, mt.OperationID)
	}
	return nil
}

func isEmptyPayload(p json.RawMessage) bool {
	s := strings.TrimSpace(string(p))
	return s == "" || s == "null"
}
