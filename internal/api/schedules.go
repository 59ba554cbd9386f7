package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/reedfamily/forgebot/internal/scheduler"
)

type ScheduleHandler struct {
	repo *scheduler.Repository
}

func NewScheduleHandler(repo *scheduler.Repository) *ScheduleHandler {
	return &ScheduleHandler{repo: repo}
}

// List returns all schedules, or those of ?world= when given.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.repo.List(r.Context(), r.URL.Query().Get("world"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (h *ScheduleHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeScheduleError(w, err, "failed to load schedule")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req struct {
		World    string `json:"world"`
		Name     string `json:"name"`
		CronExpr string `json:"cron_expr"`
		Action   string `json:"action"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := h.repo.Create(r.Context(), scheduler.Schedule{
		World:    req.World,
		Name:     req.Name,
		CronExpr: req.CronExpr,
		Action:   req.Action,
	})
	if err != nil {
		writeScheduleError(w, err, "failed to create schedule")
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	var patch scheduler.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s, err := h.repo.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeScheduleError(w, err, "failed to update schedule")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeScheduleError(w, err, "failed to delete schedule")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "schedule deleted"})
}

func writeScheduleError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, "schedule not found")
	case errors.Is(err, scheduler.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}
