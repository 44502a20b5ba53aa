package http

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/otpauth/otpauth-api/internal/auth"
	"github.com/otpauth/otpauth-api/internal/config"
	"github.com/otpauth/otpauth-api/internal/logging"
)

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, authHandler *auth.Handler, authMiddleware *auth.Middleware, health *HealthHandler, logger *logging.Logger) *chi.Mux {
	r := chi.NewRouter()

	// CORS - must be first
	if len(cfg.Server.TrustedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.Server.TrustedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: false,
			MaxAge:           300, // 5 minutes
		}))
	}

	// Global middleware
	r.Use(SecurityHeaders)      // Security headers on all responses
	r.Use(middleware.Recoverer) // Recover from panics
	r.Use(middleware.RequestID) // Add request ID
	if cfg.Server.TrustProxyHeaders {
		r.Use(middleware.RealIP) // Set RemoteAddr from proxy headers
	}
	r.Use(logging.RequestLogger(logger)) // Structured logging with request context
	r.Use(Metrics)                       // Request counters and latency
	r.Use(middleware.Compress(5))        // Compress responses

	// Public routes
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Swagger UI - only in development
	// Production builds will not have this route at all
	if cfg.Server.IsDevelopment() {
		logger.Info("swagger UI enabled at /swagger/*")
		r.Get("/swagger/*", httpSwagger.WrapHandler)
	}

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", authHandler.Login)
		r.Post("/verify-otp", authHandler.VerifyOTP)
		r.Post("/refresh-token", authHandler.RefreshToken)

		r.With(authMiddleware.RequireAuth).Post("/register", authHandler.Register)
	})

	// Protected routes (require an access token)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.RequireAuth)
		r.Get("/profile", authHandler.Profile)
	})

	return r
}
