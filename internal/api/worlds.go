package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/reedfamily/forgebot/internal/audit"
	"github.com/reedfamily/forgebot/internal/forge"
	xlog "github.com/reedfamily/forgebot/internal/log"
	"github.com/reedfamily/forgebot/internal/reconcile"
	"github.com/reedfamily/forgebot/internal/status"
	"github.com/reedfamily/forgebot/internal/world"
)

// GameLister returns the configured game list.
type GameLister interface {
	Games() []string
}

type History interface {
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context) (reconcile.Result, error)
}

type WorldHandler struct {
	service    *world.Service
	games      GameLister
	history    History
	reconciler Reconciler
}

func NewWorldHandler(service *world.Service, games GameLister, history History, reconciler Reconciler) *WorldHandler {
	return &WorldHandler{service: service, games: games, history: history, reconciler: reconciler}
}

func actorFrom(r *http.Request) world.Actor {
	a := world.Actor{ID: "anonymous", Source: audit.SourceHTTP}
	if u := userFrom(r.Context()); u != nil {
		a.ID = u.Username
	}
	return a
}

// List returns every known world and its last recorded status.
func (h *WorldHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Store().Snapshot())
}

func (h *WorldHandler) Start(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	h.respond(w, slug, world.ActionStart, h.service.Start(r.Context(), actorFrom(r), slug))
}

func (h *WorldHandler) Stop(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	h.respond(w, slug, world.ActionStop, h.service.Stop(r.Context(), actorFrom(r), slug))
}

// Idle accepts an optional body {"force": bool, "world": string}.
func (h *WorldHandler) Idle(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var req struct {
		Force bool   `json:"force"`
		World string `json:"world"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	opts := forge.IdleOptions{Force: req.Force, World: req.World}
	h.respond(w, slug, world.ActionIdle, h.service.Idle(r.Context(), actorFrom(r), slug, opts))
}

func (h *WorldHandler) respond(w http.ResponseWriter, slug, action string, err error) {
	if err != nil {
		writeActionError(w, action, err)
		return
	}
	label, _ := h.service.Store().Get(slug)
	writeJSON(w, http.StatusOK, status.Entry{Slug: slug, Status: label})
}

func writeActionError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, world.ErrEmptySlug):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, forge.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "failed to "+action+" the world: provider unreachable")
	case errors.Is(err, forge.ErrRejected):
		writeError(w, http.StatusBadGateway, "failed to "+action+" the world: provider rejected the request")
	case errors.Is(err, forge.ErrUpstream), errors.Is(err, forge.ErrBadResponse):
		writeError(w, http.StatusBadGateway, "failed to "+action+" the world")
	default:
		writeError(w, http.StatusInternalServerError, "failed to "+action+" the world")
	}
}

// Reset overwrites the recorded status without contacting the provider.
func (h *WorldHandler) Reset(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	var req struct {
		Status string `json:"status"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	label, err := h.service.Reset(r.Context(), actorFrom(r), slug, req.Status)
	if errors.Is(err, status.ErrInvalidLabel) {
		writeError(w, http.StatusBadRequest, "status must be one of: online, offline, idle")
		return
	}
	if err != nil {
		writeActionError(w, world.ActionReset, err)
		return
	}
	writeJSON(w, http.StatusOK, status.Entry{Slug: slug, Status: label})
}

func (h *WorldHandler) Games(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.games.Games())
}

const maxHistoryLimit = 100

// History returns recent journal entries; ?limit= defaults to 10.
func (h *WorldHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Reconcile runs a reconciliation pass now.
func (h *WorldHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		logger := xlog.WithComponent("api")
		logger.Warn().Err(err).Str("event", "reconcile.failed").Msg("on-demand reconcile failed")
		writeError(w, http.StatusBadGateway, "reconcile failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
