package core

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"planforge/internal/types"
)

// defaultRequestTimeout applies when the server has no write timeout set.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders are masked in request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	AdminKeyHeader,
	"Webhook-Signature",
	"Stripe-Signature",
}

// MountRoutes registers the middleware chain and all routes.
//
// Middleware order:
//  1. Recoverer catches panics from everything below it.
//  2. ContextTimeout sets the request deadline.
//  3. RequestID propagates the correlation id.
//  4. SecurityHeaders.
//  5. RequestLogger logs with redacted headers.
//  6. CORS.
//  7. Metrics.
//  8. Gzip for clients that accept it.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
	s.router.Use(func(next http.Handler) http.Handler { return gzhttp.GzipHandler(next) })

	s.router.Get("/health", s.HandleHealth)

	for _, registrar := range s.PublicRouteRegistrars {
		registrar(s.router)
	}

	s.router.Route("/v1", func(r chi.Router) {
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})

	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.AdminKeyMiddleware)
		for _, registrar := range s.AdminRouteRegistrars {
			registrar(r)
		}
	})
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.WriteTimeout > time.Second {
		return s.Config.Server.WriteTimeout - time.Second
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware reuses the caller's X-Request-Id or generates one, and
// echoes it in the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}
