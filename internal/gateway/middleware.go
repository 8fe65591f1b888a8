package gateway

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// requireAuth checks the bearer token against the configured ingest key. The
// length check runs first so the constant-time comparison sees equal-sized
// inputs.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		key := s.cfg.Server.IngestAPIKey
		if len(token) != len(key) || subtle.ConstantTimeCompare([]byte(token), []byte(key)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the written status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

// routeLabel collapses paths outside the route table into one label so the
// histogram's path cardinality stays bounded.
func routeLabel(path string) string {
	switch path {
	case "/health", "/metrics", "/ingest", "/outbox/poll", "/outbox/ack":
		return path
	}
	return "unknown"
}

// observe logs every request and feeds the duration histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		if s.metrics != nil {
			s.metrics.HTTPRequestDuration.
				WithLabelValues(r.Method, routeLabel(r.URL.Path), strconv.Itoa(rec.status)).
				Observe(time.Since(start).Seconds())
		}
		if s.logger != nil {
			s.logger.Info(r.Context(), "http request",
				"method", r.Method, "path", r.URL.Path,
				"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
		}
	})
}

// recoverPanics turns handler panics into 500 responses.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if s.logger != nil {
					s.logger.Error(r.Context(), "http handler panic", "panic", rec, "path", r.URL.Path)
				}
				writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal_error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
