package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/technosupport/apex-engine/internal/middleware"
)

// Deps bundles everything the router mounts.
type Deps struct {
	Cameras       *CameraHandler
	Relationships *RelationshipHandler
	Stats         *StatsHandler
	Live          *LiveHandler
	EventsWS      *EventWsHandler
	ServiceToken  string
}

// NewRouter assembles the control/management surface.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)

	r.Get("/healthz", d.Stats.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/cameras", d.Cameras.Create)
		r.Get("/cameras", d.Cameras.List)
		r.Delete("/cameras/{id}", d.Cameras.Delete)

		r.Post("/relationships", d.Relationships.Create)
		r.Get("/relationships", d.Relationships.List)

		r.Get("/stats", d.Stats.Get)

		r.Get("/cameras/{id}/threats/latest", d.Live.GetLatestThreat)
		r.Get("/events/ws", d.EventsWS.ServeWS)

		// Internal surface: snapshots are for sidecars, not dashboards.
		r.Group(func(r chi.Router) {
			r.Use(middleware.ServiceAuth(d.ServiceToken))
			r.Post("/cameras/{id}/snapshot", d.Live.Snapshot)
		})
	})

	return r
}
