package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers the admin API routes using chi router.
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()
	r.Use(chiAuthMiddleware)

	r.Get("/leaders", handlers.handleLeaders)
	r.Get("/instances", handlers.handleInstances)

	r.Route("/runs/{repairID}", func(r chi.Router) {
		r.Get("/locked-segments", handlers.handleLockedSegments)
		r.Get("/locked-nodes", handlers.handleLockedNodes)
	})

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("admin endpoints enabled at /admin/*")
}

// chiAuthMiddleware adapts AuthMiddleware for chi.
func chiAuthMiddleware(next http.Handler) http.Handler {
	return AuthMiddleware(next)
}
