package api

import (
	"image"
	"image/jpeg"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/apex-engine/internal/live"
	"github.com/technosupport/apex-engine/internal/stream"
)

// LiveHandler serves the dashboard's polling surface: latest threat per
// camera and on-demand snapshots.
type LiveHandler struct {
	Latest  *live.Service
	Manager *stream.Manager
}

func NewLiveHandler(latest *live.Service, m *stream.Manager) *LiveHandler {
	return &LiveHandler{Latest: latest, Manager: m}
}

// GET /api/v1/cameras/{id}/threats/latest
func (h *LiveHandler) GetLatestThreat(w http.ResponseWriter, r *http.Request) {
	if h.Latest == nil {
		respondError(w, http.StatusServiceUnavailable, "threat cache disabled")
		return
	}
	id := chi.URLParam(r, "id")
	payload, err := h.Latest.GetLatestThreat(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if payload == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, payload)
}

// POST /api/v1/cameras/{id}/snapshot
// Grabs the freshest frame the worker has buffered and serves it as JPEG.
func (h *LiveHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	worker, ok := h.Manager.Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}

	frame := worker.LastFrame()
	if frame == nil {
		respondError(w, http.StatusServiceUnavailable, "no frame available")
		return
	}

	img := image.NewGray(image.Rect(0, 0, frame.Width, frame.Height))
	copy(img.Pix, frame.Data)

	w.Header().Set("Content-Type", "image/jpeg")
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: 80}); err != nil {
		// Headers may be gone already; nothing sane to send.
		return
	}
}
