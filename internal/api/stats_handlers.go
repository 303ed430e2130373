package api

import (
	"net/http"

	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/publish"
	"github.com/technosupport/apex-engine/internal/stream"
)

// StatsHandler aggregates worker + engine + publisher statistics.
type StatsHandler struct {
	Manager   *stream.Manager
	Engine    *correlate.Engine
	Publisher *publish.Publisher
	Extra     func() map[string]any // optional per-deployment additions (ingest counters)
}

// GET /api/v1/stats
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"workers":     h.Manager.StatsAll(),
		"engine":      h.Engine.Stats(),
		"subscribers": h.Publisher.SubscriberCount(),
	}
	if h.Extra != nil {
		for k, v := range h.Extra() {
			body[k] = v
		}
	}
	respondJSON(w, http.StatusOK, body)
}

// GET /healthz
func (h *StatsHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
