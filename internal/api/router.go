package api

import (
	"log/slog"

	"github.com/go-chi/chi/v5"

	"github.com/guthubrx/rekall-sub000/internal/app"
)

// NewRouter creates the Chi router with all routes and middleware.
func NewRouter(a *app.App, apiKey string, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (runs on ALL routes including /health)
	r.Use(CORS)
	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recovery(logger))

	healthH := NewHealthHandler(a)
	entryH := NewEntryHandler(a.Memory)
	searchH := NewSearchHandler(a.Memory)
	curationH := NewCurationHandler(a)
	archiveH := NewArchiveHandler(a)

	// Unauthenticated routes
	r.Get("/health", healthH.Health)

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Route("/entries", func(r chi.Router) {
			r.Get("/", entryH.List)
			r.Post("/", entryH.Create)
			r.Post("/search", entryH.Search)
			r.Get("/{id}", entryH.Get)
			r.Patch("/{id}", entryH.Update)
			r.Delete("/{id}", entryH.Delete)
			r.Get("/{id}/context", entryH.GetContext)
			r.Put("/{id}/context", entryH.PutContext)
			r.Get("/{id}/similar", entryH.Similar)
			r.Get("/{id}/links", entryH.Links)
			r.Post("/{id}/links", entryH.AddLink)
			r.Delete("/{id}/links/{linkID}", entryH.DeleteLink)
			r.Post("/{id}/supersede", entryH.Supersede)
		})

		r.Route("/search", func(r chi.Router) {
			r.Post("/hybrid", searchH.Hybrid)
			r.Post("/semantic", searchH.Semantic)
		})

		r.Post("/inbox", curationH.Capture)
		r.Post("/links/verify", curationH.VerifyLink)
		r.Post("/curate", curationH.Curate)

		r.Route("/staging", func(r chi.Router) {
			r.Get("/", curationH.ListStaging)
			r.Post("/enrich", curationH.Enrich)
			r.Post("/auto-promote", curationH.AutoPromote)
			r.Post("/{id}/promote", curationH.Promote)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", curationH.ListSources)
			r.Post("/{id}/demote", curationH.Demote)
			r.Post("/{id}/usage", curationH.RecordUsage)
		})

		r.Route("/suggestions", func(r chi.Router) {
			r.Get("/", curationH.ListSuggestions)
			r.Post("/generate", curationH.GenerateSuggestions)
			r.Post("/{id}/accept", curationH.Accept)
			r.Post("/{id}/reject", curationH.Reject)
		})

		r.Get("/export", archiveH.Export)
		r.Route("/import", func(r chi.Router) {
			r.Post("/plan", archiveH.PlanImport)
			r.Post("/execute", archiveH.ExecuteImport)
		})

		r.Route("/backups", func(r chi.Router) {
			r.Get("/", archiveH.ListBackups)
			r.Post("/", archiveH.CreateBackup)
			r.Post("/{name}/validate", archiveH.ValidateBackup)
		})
	})

	return r
}
