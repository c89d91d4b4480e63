package api

import (
	"context"
	"net/http"
	"net/url"
	"slices"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/neeiz/neeiz/internal/api/handler"
	"github.com/neeiz/neeiz/internal/api/middleware"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	// Context bounds background work such as rate limiter sweeps.
	Context     context.Context
	AuthService handler.AuthService
	DBPinger    handler.Pinger
	Storage     handler.Pinger
	Version     string
	OpenAPISpec []byte

	CORSOrigins   []string
	AuthRateLimit rate.Limit
	AuthRateBurst int

	// Registry enables /metrics when non-nil.
	Registry *prometheus.Registry
}

// NewRouter creates and configures a Chi router with all middleware and routes.
func NewRouter(deps RouterDeps) *chi.Mux {
	ctx := deps.Context
	if ctx == nil {
		ctx = context.Background()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Logger)
	if deps.Registry != nil {
		r.Use(middleware.NewMetrics(deps.Registry).Middleware)
	}
	r.Use(corsHandler(deps.CORSOrigins).Handler)

	healthHandler := handler.NewHealthHandler(deps.DBPinger, deps.Storage, deps.Version)
	r.Get("/health", healthHandler.ServeHTTP)

	if len(deps.OpenAPISpec) > 0 {
		openapiHandler := handler.NewOpenAPIHandler(deps.OpenAPISpec)
		r.Get("/openapi.json", openapiHandler.ServeHTTP)
	}

	if deps.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}))
	}

	if deps.AuthService != nil {
		authHandler := handler.NewAuthHandler(deps.AuthService)
		r.Route("/auth", func(r chi.Router) {
			if deps.AuthRateLimit > 0 {
				r.Use(middleware.NewRateLimiter(ctx, deps.AuthRateLimit, deps.AuthRateBurst).Middleware)
			}

			r.Post("/register", authHandler.Register)
			r.Post("/login", authHandler.Login)
			r.Post("/employer/login", authHandler.EmployerLogin)
			r.Post("/seeker/login", authHandler.SeekerLogin)
			r.Post("/line", authHandler.Line)
			r.Post("/session", authHandler.Session)

			r.With(middleware.Auth(deps.AuthService)).Get("/me", authHandler.Me)
		})
	}

	return r
}

// corsHandler allows the configured origins plus any localhost origin.
func corsHandler(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowOriginFunc: func(origin string) bool {
			if slices.Contains(origins, origin) {
				return true
			}
			return isLocalOrigin(origin)
		},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           600,
	})
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return u.Scheme == "http" || u.Scheme == "https"
	}
	return false
}
