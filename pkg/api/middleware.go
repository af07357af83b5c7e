package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/G-Research/Pulp-manager/pkg/auth"
	"github.com/G-Research/Pulp-manager/pkg/log"
	"github.com/G-Research/Pulp-manager/pkg/metrics"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// requestLogger logs every request and records the API metrics.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		elapsed := time.Since(start)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(elapsed.Seconds())

		log.WithComponent("api").Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", elapsed).
			Msg("request")
	})
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

// requireAdmin guards mutating routes: the request must carry a valid
// token whose groups intersect the configured admin groups.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.auth.Decode(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !s.auth.IsAdmin(claims) {
			writeError(w, http.StatusForbidden,
				"user "+claims.Username+" is not in an admin group")
			return
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), claimsContextKey, claims)))
	})
}

// claimsFromContext returns the claims set by requireAdmin, if any.
func claimsFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsContextKey).(*auth.Claims)
	return claims
}
