package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"storybook/internal/http/handlers"
	"storybook/internal/middleware"
)

// NewRouter assembles the public API surface. Everything under /v1 except
// the health endpoints requires an X-User-Key header.
func NewRouter(app *handlers.App, log zerolog.Logger, corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(
		chimw.RealIP,
		chimw.Recoverer,
		middleware.RequestID,
		middleware.Logger(log),
		middleware.CORS(corsOrigins),
	)

	r.Get("/healthz", app.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/health/details", app.HealthDetails)

		r.Group(func(r chi.Router) {
			r.Use(middleware.UserKey)

			r.Route("/books", func(r chi.Router) {
				r.Post("/", app.BooksCreate)
				r.Get("/jobs/{job_id}", app.JobsGet)
				r.Route("/{book_id}", func(r chi.Router) {
					r.Get("/", app.BooksGet)
					r.Get("/archive", app.BooksArchive)
					r.Post("/pages/{page}/regenerate", app.PagesRegenerate)
				})
			})

			r.Get("/library", app.Library)

			r.Route("/characters", func(r chi.Router) {
				r.Post("/", app.CharactersCreate)
				r.Get("/", app.CharactersList)
				r.Get("/{character_id}", app.CharactersGet)
			})

			r.Route("/credits", func(r chi.Router) {
				r.Get("/", app.CreditsBalance)
				r.Get("/history", app.CreditsHistory)
			})
		})
	})

	return r
}
