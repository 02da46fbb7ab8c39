package api

import (
	"context"
	"net/http"

	"github.com/Utitofon-Udoekong/nexushield/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// ScheduleManager manages an owner's schedules.
type ScheduleManager interface {
	Create(ctx context.Context, owner, region, start, end string, weekdays []int) (*storage.Schedule, error)
	Delete(ctx context.Context, id, owner string) error
	List(ctx context.Context, owner string) ([]storage.Schedule, error)
	SetActive(ctx context.Context, id, owner string, active bool) (*storage.Schedule, error)
}

// ScheduleHandler handles schedule-related API requests.
type ScheduleHandler struct {
	schedules ScheduleManager
	logger    zerolog.Logger
}

// NewScheduleHandler creates a new schedule handler.
func NewScheduleHandler(schedules ScheduleManager, logger zerolog.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		schedules: schedules,
		logger:    logger.With().Str("handler", "schedule").Logger(),
	}
}

// List returns the owner's schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	schedules, err := h.schedules.List(r.Context(), owner)
	if err != nil {
		writeServiceError(w, h.logger, err, "List schedules")
		return
	}
	if schedules == nil {
		schedules = []storage.Schedule{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"schedules": schedules,
		"count":     len(schedules),
	})
}

// Create adds a schedule for the owner.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())

	var req createScheduleRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.schedules.Create(r.Context(), owner, req.CountryCode, req.StartTime, req.EndTime, req.DaysOfWeek)
	if err != nil {
		writeServiceError(w, h.logger, err, "Create schedule")
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// Delete removes one of the owner's schedules.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	id := mux.Vars(r)["id"]

	if err := h.schedules.Delete(r.Context(), id, owner); err != nil {
		writeServiceError(w, h.logger, err, "Delete schedule")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// SetActive enables or disables one of the owner's schedules.
func (h *ScheduleHandler) SetActive(w http.ResponseWriter, r *http.Request) {
	owner, _ := OwnerFromContext(r.Context())
	id := mux.Vars(r)["id"]

	var req setActiveRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.schedules.SetActive(r.Context(), id, owner, *req.Active)
	if err != nil {
		writeServiceError(w, h.logger, err, "Update schedule")
		return
	}

	writeJSON(w, http.StatusOK, updated)
}
