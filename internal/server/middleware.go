package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/momohq/momo/internal/storage"
)

func errInvalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", storage.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// requireAuth enforces bearer-token authentication against the configured
// key set. With no keys configured auth is off, which is the self-host
// default.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || !s.keyAccepted(token) {
			respondErrorCode(w, http.StatusUnauthorized, codeUnauthorized, "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// keyAccepted compares the presented token against every configured key in
// constant time.
func (s *Server) keyAccepted(token string) bool {
	ok := false
	for _, key := range s.cfg.Server.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

type contextKey string

const requestIDKey contextKey = "requestID"

// withRequestID assigns each request an ID, echoed in the X-Request-ID
// response header. Clients may supply their own for end-to-end tracing.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the request's ID, or "" outside the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// rateLimit applies a global token-bucket limit when Server.RateLimit is
// set. The burst is one second's worth of requests, minimum 1.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	rps := s.cfg.Server.RateLimit
	if rps <= 0 {
		return next
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", time.Now().UTC().Add(time.Second).Format(http.TimeFormat))
			respondErrorCode(w, http.StatusTooManyRequests, codeRateLimited, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
