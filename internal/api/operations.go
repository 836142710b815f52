package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/snarg/courtscribe/internal/export"
	"github.com/snarg/courtscribe/internal/interval"
	"github.com/snarg/courtscribe/internal/pipeline"
	"github.com/snarg/courtscribe/internal/stepstate"
	"github.com/snarg/courtscribe/internal/storage"
)

type OperationsHandler struct {
	runner   Runner
	store    stepstate.Store
	segments stepstate.SegmentStore
	objects  storage.ObjectStore
}

func NewOperationsHandler(runner Runner, store stepstate.Store, segments stepstate.SegmentStore, objects storage.ObjectStore) *OperationsHandler {
	return &OperationsHandler{runner: runner, store: store, segments: segments, objects: objects}
}

type createOperationRequest struct {
	OperationID string `json:"operation_id"`
	MeetingID   string `json:"meeting_id"`
	Start       bool   `json:"start"`
}

// CreateOperation registers a PENDING operation and optionally submits it.
func (h *OperationsHandler) CreateOperation(w http.ResponseWriter, r *http.Request) {
	var req createOperationRequest
	if err := DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
	}
	if err := h.store.CreateOperation(r.Context(), stepstate.Operation{ID: req.OperationID, MeetingID: req.MeetingID}); err != nil {
		if _, gerr := h.store.GetOperation(r.Context(), req.OperationID); gerr == nil {
			WriteError(w, http.StatusConflict, "operation already exists")
			return
		}
		WriteError(w, http.StatusInternalServerError, "failed to create operation")
		return
	}
	if !req.Start {
		op, err := h.store.GetOperation(r.Context(), req.OperationID)
		if err != nil {
			WriteStoreError(w, err, "operation")
			return
		}
		WriteJSON(w, http.StatusCreated, op)
		return
	}
	h.start(w, r, req.OperationID)
}

// StartOperation submits the chain. Finished steps are replayed, not redone.
func (h *OperationsHandler) StartOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.store.GetOperation(r.Context(), id); err != nil {
		WriteStoreError(w, err, "operation")
		return
	}
	h.start(w, r, id)
}

func (h *OperationsHandler) start(w http.ResponseWriter, r *http.Request, id string) {
	handle, err := h.runner.Start(r.Context(), id)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		WriteJSON(w, http.StatusConflict, map[string]string{
			"error":        "operation already running",
			"operation_id": id,
			"task_id":      handle,
		})
		return
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrPoolStopped), errors.Is(err, pipeline.ErrNoPool):
		WriteErrorDetail(w, http.StatusServiceUnavailable, "cannot accept work", err.Error())
		return
	case err != nil:
		WriteErrorDetail(w, http.StatusInternalServerError, "failed to start operation", err.Error())
		return
	}
	WriteJSON(w, http.StatusAccepted, map[string]string{
		"operation_id": id,
		"task_id":      handle,
	})
}

type stepView struct {
	Step      string           `json:"step"`
	Status    stepstate.Status `json:"status"`
	Attempts  int              `json:"attempts"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type operationResponse struct {
	stepstate.Operation
	Steps []stepView `json:"steps"`
}

// GetOperation returns the pollable status and every step record.
func (h *OperationsHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.runner.Status(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, "operation")
		return
	}
	recs, err := h.store.ListSteps(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list steps")
		return
	}
	steps := make([]stepView, len(recs))
	for i, rec := range recs {
		steps[i] = stepView{Step: rec.Step, Status: rec.Status, Attempts: rec.Attempts, UpdatedAt: rec.UpdatedAt}
	}
	WriteJSON(w, http.StatusOK, operationResponse{Operation: op, Steps: steps})
}

type segmentView struct {
	Index         int     `json:"index"`
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	StartTime     string  `json:"start_time"`
	EndTime       string  `json:"end_time"`
	SpeakerID     int     `json:"speaker_id"`
	Speaker       string  `json:"speaker"`
	Transcription string  `json:"transcription"`
	FileName      string  `json:"file_name"`
	FileURL       *string `json:"file_url"`
}

// ListSegments returns the finalized transcript rows with filters.
func (h *OperationsHandler) ListSegments(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.store.GetOperation(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, "operation")
		return
	}
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := stepstate.SegmentFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "speaker"); ok {
		filter.Speaker = v
	}
	if v, ok := QueryString(r, "search"); ok {
		filter.Search = v
	}
	if filter.StartSec, err = QueryFloat(r, "start_sec"); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if filter.EndSec, err = QueryFloat(r, "end_sec"); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	segs, total, err := h.segments.ListSegments(r.Context(), id, filter)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "failed to list segments")
		return
	}
	rows := make([]segmentView, len(segs))
	for i, s := range segs {
		rows[i] = segmentView{
			Index:         s.Index,
			Start:         s.Start,
			End:           s.End,
			StartTime:     interval.FormatTimeMs(s.Start),
			EndTime:       interval.FormatTimeMs(s.End),
			SpeakerID:     s.SpeakerID,
			Speaker:       s.Speaker,
			Transcription: s.Transcription,
			FileName:      s.FileName,
		}
		if s.FileName != "" {
			if u, err := h.objects.URL(r.Context(), s.FileName); err == nil {
				rows[i].FileURL = &u
			}
		}
	}

	var docxURL *string
	if op.DocxLocator != "" {
		if u, err := h.objects.URL(r.Context(), op.DocxLocator); err == nil {
			docxURL = &u
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"segments": rows,
		"total":    total,
		"limit":    p.Limit,
		"offset":   p.Offset,
		"docx_url": docxURL,
	})
}

// GetDocument streams the DOCX transcript of a DONE operation.
func (h *OperationsHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	op, err := h.store.GetOperation(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, "operation")
		return
	}
	if op.Status != stepstate.StatusDone {
		WriteErrorDetail(w, http.StatusConflict, "document not ready", "operation is "+string(op.Status))
		return
	}
	if op.DocxLocator == "" {
		WriteError(w, http.StatusNotFound, "document not found")
		return
	}
	rc, err := h.objects.Open(r.Context(), op.DocxLocator)
	if err != nil {
		WriteError(w, http.StatusNotFound, "document not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", export.DocxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.docx"`)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}

// Routes registers operation routes on the given router.
func (h *OperationsHandler) Routes(r chi.Router) {
	r.Post("/operations", h.CreateOperation)
	r.Get("/operations/{id}", h.GetOperation)
	r.Post("/operations/{id}/start", h.StartOperation)
	r.Get("/operations/{id}/segments", h.ListSegments)
	r.Get("/operations/{id}/document", h.GetDocument)
}
