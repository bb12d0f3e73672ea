package httpapi

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/deskpilot/deskpilot/infrastructure/httputil"
	"github.com/deskpilot/deskpilot/infrastructure/logging"
	"github.com/deskpilot/deskpilot/internal/app/gate"
)

// publicPaths skip authentication. The websocket root authenticates through
// the token query parameter itself. The SSE log stream is not listed: the
// gate here reads the same query parameter, and the handler checks it again.
var publicPaths = map[string]struct{}{
	"/":                {},
	"/metrics":         {},
	"/api/health":      {},
	"/api/auth/status": {},
	"/api/auth/login":  {},
}

// bucketFor picks the rate-limit category for a request.
func bucketFor(r *http.Request) gate.Bucket {
	path := r.URL.Path
	switch {
	case path == "/api/auth/login":
		return gate.BucketLogin
	case path == "/api/orchestrator/create":
		return gate.BucketOrchestratorCreate
	case path == "/api/inject/configure",
		path == "/api/permission/respond",
		path == "/api/question/respond",
		strings.HasPrefix(path, "/api/archive-session/"):
		return gate.BucketStrict
	default:
		return gate.BucketGeneral
	}
}

// extractToken finds the session token in the Authorization header, the
// X-Session-Token header, or the token query parameter (SSE clients cannot
// set headers).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	if token := r.Header.Get("X-Session-Token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// wrapWithAuth enforces the gate on every non-public endpoint.
func wrapWithAuth(next http.Handler, g *gate.Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if _, public := publicPaths[r.URL.Path]; public || !g.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		source := httputil.ClientIP(r)
		if err := g.Validate(extractToken(r), source); err != nil {
			httputil.WriteServiceError(w, err)
			return
		}
		ctx := logging.WithSource(r.Context(), source)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// wrapWithRateLimit applies the per-source token buckets.
func wrapWithRateLimit(next http.Handler, g *gate.Gate) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		source := httputil.ClientIP(r)
		if ok, retryAfter := g.Allow(bucketFor(r), source); !ok {
			httputil.TooManyRequests(w, retryAfter, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// wrapWithRecovery turns panics into 500 envelopes.
func wrapWithRecovery(next http.Handler, log *logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.WithFields(map[string]interface{}{
					"panic": fmt.Sprintf("%v", rec),
					"stack": string(debug.Stack()),
					"path":  r.URL.Path,
				}).Error("panic recovered")
				httputil.InternalError(w, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// wrapWithLogging records request outcomes with duration.
func wrapWithLogging(next http.Handler, log *logging.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ctx := logging.WithTraceID(r.Context(), "")
		next.ServeHTTP(w, r.WithContext(ctx))
		log.WithContext(ctx).WithFields(map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(started).String(),
		}).Debug("request served")
	})
}

// wrapWithCORS short-circuits preflight and allows the operator UI origin.
func wrapWithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
