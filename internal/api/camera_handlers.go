package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/apex-engine/internal/data"
	"github.com/technosupport/apex-engine/internal/stream"
)

// CameraHandler exposes fleet management. The repo is optional: without
// Postgres the fleet is memory-only and simply doesn't survive restarts.
type CameraHandler struct {
	Manager *stream.Manager
	Repo    data.CameraRepository
}

func NewCameraHandler(m *stream.Manager, repo data.CameraRepository) *CameraHandler {
	return &CameraHandler{Manager: m, Repo: repo}
}

// POST /api/v1/cameras
func (h *CameraHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req stream.CameraConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	// Zero-value booleans from JSON can't express "unset", so Create always
	// enables detection; a detection_enabled field in the request is ignored.
	req.DetectionEnabled = true

	if err := h.Manager.Add(r.Context(), req); err != nil {
		switch {
		case errors.Is(err, stream.ErrCameraExists):
			respondError(w, http.StatusConflict, "camera already exists")
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	if h.Repo != nil {
		if err := h.Repo.Create(r.Context(), &req); err != nil && !errors.Is(err, data.ErrDuplicate) {
			// Worker is live; persistence is best-effort and logged.
			log.Printf("[API] Persist camera %s failed: %v", req.CameraID, err)
		}
	}

	respondJSON(w, http.StatusCreated, req)
}

// GET /api/v1/cameras
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"data": h.Manager.List()})
}

// DELETE /api/v1/cameras/{id}
func (h *CameraHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Manager.Remove(id); err != nil {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}
	if h.Repo != nil {
		if err := h.Repo.Delete(r.Context(), id); err != nil && !errors.Is(err, data.ErrRecordNotFound) {
			log.Printf("[API] Unpersist camera %s failed: %v", id, err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// RestoreFleet re-adds persisted cameras on boot.
func (h *CameraHandler) RestoreFleet(ctx context.Context) {
	if h.Repo == nil {
		return
	}
	cams, err := h.Repo.List(ctx)
	if err != nil {
		log.Printf("[API] Fleet restore failed: %v", err)
		return
	}
	for _, c := range cams {
		if err := h.Manager.Add(ctx, c); err != nil && !errors.Is(err, stream.ErrCameraExists) {
			log.Printf("[API] Fleet restore: camera %s: %v", c.CameraID, err)
		}
	}
	if len(cams) > 0 {
		log.Printf("[API] Restored %d cameras from store", len(cams))
	}
}
