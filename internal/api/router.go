package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/mkb/internal/docservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *docservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Query surface.
	r.Post("/query", h.RunQuery)
	r.Post("/context", h.AssembleContext)

	// Documents.
	r.Get("/documents/{id}", h.GetDocument)

	// Link graph.
	r.Get("/graph", h.GetGraph)

	// Saved views.
	r.Get("/views", h.ListViews)
	r.Post("/views", h.SaveView)
	r.Get("/views/{name}/run", h.RunView)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
