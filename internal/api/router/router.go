package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/patient-portal/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/patient-portal/internal/http/middleware"
	"github.com/wolfman30/patient-portal/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger             *logging.Logger
	Authorizer         httpmiddleware.Authorizer
	Session            *handlers.SessionHandler
	Entities           *handlers.EntityHandler
	Files              *handlers.FileHandler
	Chat               *handlers.ChatHandler
	Dashboard          *handlers.DashboardHandler
	Changes            *handlers.ChangeHandler
	Stream             *handlers.StreamHandler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// WriteLimiter throttles chat and upload requests per user (optional).
	WriteLimiter *httpmiddleware.RateLimiter
}

// New creates the portal API router.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	r.Use(httpmiddleware.RequestLogger(cfg.Logger))

	r.Group(func(public chi.Router) {
		public.Get("/health", healthCheck)
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		public.Route("/session", func(r chi.Router) {
			r.Use(middleware.Compress(5))
			r.Post("/", cfg.Session.Login)
			r.Get("/", cfg.Session.Current)
			r.Delete("/", cfg.Session.Logout)
		})
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(httpmiddleware.RequireSession(cfg.Authorizer))

		// The stream hijacks the connection, so it stays outside Compress.
		v1.Get("/stream", cfg.Stream.HandleWebSocket)

		v1.Group(func(api chi.Router) {
			api.Use(middleware.Compress(5))

			api.Get("/dashboard", cfg.Dashboard.GetDashboard)
			api.Post("/sync", cfg.Changes.Sync)
			api.Route("/changes", func(r chi.Router) {
				r.Get("/failed", cfg.Changes.ListFailed)
				r.Post("/{changeID}/retry", cfg.Changes.Retry)
				r.Delete("/{changeID}", cfg.Changes.Discard)
			})

			api.Group(func(writes chi.Router) {
				if cfg.WriteLimiter != nil {
					writes.Use(httpmiddleware.RateLimit(cfg.WriteLimiter))
				}
				writes.Post("/chat", cfg.Chat.Send)
				writes.Post("/files", cfg.Files.Upload)
			})

			api.Route("/{entity}", func(r chi.Router) {
				r.Get("/", cfg.Entities.List)
				r.Post("/", cfg.Entities.Create)
				r.Get("/{id}", cfg.Entities.Get)
				r.Patch("/{id}", cfg.Entities.Update)
				r.Delete("/{id}", cfg.Entities.Delete)
			})
		})
	})

	return r
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
