package core

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"planforge/internal/types"
)

// AdminKeyHeader carries the operator key on /admin routes.
const AdminKeyHeader = "X-Admin-Key"

// responseCapture records the status written by downstream handlers.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseCapture(w http.ResponseWriter) *responseCapture {
	return &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer turns a handler panic into a logged stack trace and a 500 JSON
// error. It must be the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			s.Logger.ErrorContext(r.Context(), "panic recovered",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("panic", fmt.Sprint(rvr)),
				slog.String("stack", string(debug.Stack())),
			)
			Error(w, r, errors.New("panic recovered"))
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request. Values of redactedHeaders are
// masked.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redact := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redact[http.CanonicalHeaderKey(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := newResponseCapture(w)
			next.ServeHTTP(rc, r)

			headers := make([]any, 0, len(r.Header))
			for name, values := range r.Header {
				value := strings.Join(values, ", ")
				if _, ok := redact[http.CanonicalHeaderKey(name)]; ok {
					value = "[REDACTED]"
				}
				headers = append(headers, slog.String(name, value))
			}

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", types.GetRequestID(r.Context())),
			}
			if len(headers) > 0 {
				args = append(args, slog.Group("headers", headers...))
			}

			level := slog.LevelInfo
			switch {
			case rc.statusCode >= 500:
				level = slog.LevelError
			case rc.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request completed", args...)
		})
	}
}

// MetricsMiddleware records latency and status per route. It passes through
// when no collector is set.
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rc := newResponseCapture(w)
		next.ServeHTTP(rc, r)
		s.Metrics.RecordRequest(r.Method, r.URL.Path, strconv.Itoa(rc.statusCode), time.Since(start))
	})
}

// SecurityHeadersMiddleware sets the standard hardening headers.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware allows the listed origins, or any origin when the list
// holds "*". Preflight requests are answered with 204.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	origins := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := ""
			if allowAll {
				allowed = "*"
			} else if _, ok := origins[origin]; ok && origin != "" {
				allowed = origin
				w.Header().Add("Vary", "Origin")
			}

			if allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminKeyMiddleware requires the configured admin key in X-Admin-Key and
// marks the context so error responses include internal detail.
func (s *Server) AdminKeyMiddleware(next http.Handler) http.Handler {
	var expected []byte
	if s.Config != nil {
		expected = []byte(s.Config.Security.AdminAPIKey.Unmask())
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(AdminKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			s.Logger.WarnContext(r.Context(), "admin key rejected",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			Error(w, r, types.NewAppError(types.ErrCodeAuthAdminKeyInvalid, "invalid admin key", nil))
			return
		}
		next.ServeHTTP(w, r.WithContext(types.WithAdmin(r.Context())))
	})
}
