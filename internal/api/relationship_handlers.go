package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/technosupport/apex-engine/internal/correlate"
	"github.com/technosupport/apex-engine/internal/data"
)

// RelationshipHandler manages the monitor topology the engine correlates
// over. Registration is symmetric inside the engine; only the declared
// direction is persisted.
type RelationshipHandler struct {
	Engine *correlate.Engine
	Repo   data.RelationshipRepository
}

func NewRelationshipHandler(e *correlate.Engine, repo data.RelationshipRepository) *RelationshipHandler {
	return &RelationshipHandler{Engine: e, Repo: repo}
}

// POST /api/v1/relationships
func (h *RelationshipHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req correlate.MonitorRelationship
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := h.Engine.RegisterRelationship(req); err != nil {
		if errors.Is(err, correlate.ErrInvalidRelationship) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if h.Repo != nil {
		if err := h.Repo.Upsert(r.Context(), req); err != nil {
			log.Printf("[API] Persist relationship (%s,%s) failed: %v", req.MonitorA, req.MonitorB, err)
		}
	}

	respondJSON(w, http.StatusCreated, req)
}

// GET /api/v1/relationships
func (h *RelationshipHandler) List(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"data": h.Engine.Relationships()})
}
