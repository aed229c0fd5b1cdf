package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/george-ai/taskqueue/internal/api"
	apimiddleware "github.com/george-ai/taskqueue/internal/api/middleware"
	"github.com/george-ai/taskqueue/internal/api/shared"
)

// setupRouter builds the HTTP routing tree: standard chi middleware, trace
// IDs, the queue management surface under /api, and the health check.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apimiddleware.Trace)

	queueHandler := api.NewQueueHandler(app.scheduler)
	r.Route("/api", queueHandler.Routes)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := app.db.PingContext(r.Context()); err != nil {
			shared.RespondWithJSON(w, r, http.StatusServiceUnavailable, api.HealthResponse{Status: "degraded"})
			return
		}
		shared.RespondWithJSON(w, r, http.StatusOK, api.HealthResponse{Status: "ok"})
	})

	return r
}
