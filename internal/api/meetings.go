package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/snarg/courtscribe/internal/stepstate"
)

type MeetingsHandler struct {
	meetings stepstate.MeetingStore
	store    stepstate.Store
}

func NewMeetingsHandler(meetings stepstate.MeetingStore, store stepstate.Store) *MeetingsHandler {
	return &MeetingsHandler{meetings: meetings, store: store}
}

type meetingRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func (h *MeetingsHandler) CreateMeeting(w http.ResponseWriter, r *http.Request) {
	var req meetingRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	mt, err := h.meetings.CreateMeeting(r.Context(), stepstate.Meeting{ID: req.ID, Title: strings.TrimSpace(req.Title)})
	if err != nil {
		WriteErrorDetail(w, http.StatusConflict, "failed to create meeting", err.Error())
		return
	}
	WriteJSON(w, http.StatusCreated, mt)
}

func (h *MeetingsHandler) GetMeeting(w http.ResponseWriter, r *http.Request) {
	mt, err := h.meetings.GetMeeting(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteStoreError(w, err, "meeting")
		return
	}
	WriteJSON(w, http.StatusOK, mt)
}

// UpdateMeeting renames a meeting once its operation is DONE or FAILED.
func (h *MeetingsHandler) UpdateMeeting(w http.ResponseWriter, r *http.Request) {
	var req meetingRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		WriteError(w, http.StatusBadRequest, "title is required")
		return
	}
	mt, ok := h.gate(w, r)
	if !ok {
		return
	}
	if err := h.meetings.RenameMeeting(r.Context(), mt.ID, title); err != nil {
		WriteStoreError(w, err, "meeting")
		return
	}
	mt.Title = title
	WriteJSON(w, http.StatusOK, mt)
}

// DeleteMeeting removes a meeting and its operation artifacts once the
// operation is DONE or FAILED.
func (h *MeetingsHandler) DeleteMeeting(w http.ResponseWriter, r *http.Request) {
	mt, ok := h.gate(w, r)
	if !ok {
		return
	}
	if err := h.meetings.DeleteMeeting(r.Context(), mt.ID); err != nil {
		WriteStoreError(w, err, "meeting")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// gate loads the meeting and refuses with 409 while its operation runs.
func (h *MeetingsHandler) gate(w http.ResponseWriter, r *http.Request) (stepstate.Meeting, bool) {
	mt, err := h.meetings.GetMeeting(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteStoreError(w, err, "meeting")
		return stepstate.Meeting{}, false
	}
	if err := stepstate.CheckParentChange(r.Context(), h.store, mt); err != nil {
		WriteStoreError(w, err, "meeting")
		return stepstate.Meeting{}, false
	}
	return mt, true
}

// Routes registers meeting routes on the given router.
func (h *MeetingsHandler) Routes(r chi.Router) {
	r.Post("/meetings", h.CreateMeeting)
	r.Get("/meetings/{id}", h.GetMeeting)
	r.Patch("/meetings/{id}", h.UpdateMeeting)
	r.Delete("/meetings/{id}", h.DeleteMeeting)
}
