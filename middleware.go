package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	principalKey ctxKey = iota
	requestIDKey
)

// authExemptPrefixes lists the path prefixes the authentication gate
// bypasses entirely. Fixed configuration, reviewed with the route
// table; never derived from request input.
var authExemptPrefixes = []string{
	"/auth/",
	"/health",
	"/ready",
	"/metrics",
}

func isAuthExempt(path string) bool {
	for _, p := range authExemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// principalFrom returns the authenticated principal attached to the
// request context, or nil when the gate has not run.
func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}

// Authenticate validates the request credential and attaches the
// resolved principal to the context. Runs before any store access on
// protected routes.
func (a *App) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := a.Issuer.Authenticate(r)
		if err != nil {
			switch {
			case errors.Is(err, ErrMissingCredential):
				authFailures.WithLabelValues("missing").Inc()
				writeError(w, http.StatusUnauthorized, CodeMissingCredential, "Credential required")
			case errors.Is(err, ErrUpstream):
				log.Printf("auth gate: %v", err)
				authFailures.WithLabelValues("upstream").Inc()
				writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Try again later")
			default:
				authFailures.WithLabelValues("invalid").Inc()
				writeError(w, http.StatusForbidden, CodeInvalidCredential, "Invalid or expired credential")
			}
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireOwnership guards routes that take a resource {id} path
// parameter: the row in the given collection must belong to the
// authenticated principal. A missing row and a foreign row are both
// rejected with 403 so existence never leaks.
//
// The collection must be in the ownedTables allow-list; wiring any
// other name is a programming error caught at startup.
func (a *App) RequireOwnership(collection string) mux.MiddlewareFunc {
	if !ownedTables[collection] {
		panic(fmt.Sprintf("ownership gate wired for unknown collection %q", collection))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := principalFrom(r.Context())
			if principal == nil {
				// The authentication gate must run first; reaching
				// here without a principal is a wiring bug.
				log.Printf("ownership gate on %s without principal", r.URL.Path)
				writeError(w, http.StatusInternalServerError, CodeInternal, "Server misconfiguration")
				return
			}

			id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid resource id")
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
			defer cancel()

			owns, err := a.DB.CheckOwnership(ctx, collection, id, principal.ID)
			if err != nil {
				log.Printf("ownership check %s/%d: %v", collection, id, err)
				writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Try again later")
				return
			}
			if !owns {
				writeError(w, http.StatusForbidden, CodeForbidden, "You do not own this resource")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORS middleware handles cross-origin requests for the configured
// client origins, with credentials enabled for the session cookie.
func (a *App) CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			for _, o := range a.AllowedOrigins {
				if o == origin || o == "*" {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// RequestID assigns each request an id for log correlation.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RateLimiter implements per-client-IP rate limiting for the login
// endpoints.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	limit    rate.Limit
	burst    int
}

func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perMinute) / 60,
		burst:    perMinute,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[key]
		if !exists {
			limiter = rate.NewLimiter(rl.limit, rl.burst)
			rl.limiters[key] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// RateLimit enforces the per-IP limit. Applied to the login routes
// only; an attacker hammering code exchange burns provider quota.
func (a *App) RateLimit(next http.Handler) http.Handler {
	if a.rateLimiter == nil {
		a.rateLimiter = NewRateLimiter(10)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !a.rateLimiter.getLimiter(host).Allow() {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		reqID, _ := r.Context().Value(requestIDKey).(string)
		log.Printf("[%s] %s %s %d %v (req: %s)", r.Method, r.URL.Path, r.RemoteAddr, wrapped.statusCode, duration, reqID)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		next.ServeHTTP(w, r)
	})
}
