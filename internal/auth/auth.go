package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	requestIDKey   contextKey = "request_id"
	requesterIDKey contextKey = "requester_id"
)

// NewMiddleware tags every request with a request id and the caller's
// requester id, and optionally enforces a shared bearer token. An empty
// token disables authentication, for local development.
func NewMiddleware(token string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			// Generate RequestID
			requestID := uuid.New().String()
			ctx = context.WithValue(ctx, requestIDKey, requestID)
			w.Header().Set("X-Request-ID", requestID)

			if requester := r.Header.Get("X-Requester-ID"); requester != "" {
				ctx = context.WithValue(ctx, requesterIDKey, requester)
			}

			if token != "" {
				authHeader := r.Header.Get("Authorization")
				if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
					http.Error(w, "Unauthorized: missing or invalid Authorization header", http.StatusUnauthorized)
					return
				}
				presented := strings.TrimPrefix(authHeader, "Bearer ")
				if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
					http.Error(w, "Unauthorized: invalid token", http.StatusUnauthorized)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Helpers to extract from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func GetRequesterID(ctx context.Context) string {
	if id, ok := ctx.Value(requesterIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithRequesterID(ctx context.Context, requesterID string) context.Context {
	return context.WithValue(ctx, requesterIDKey, requesterID)
}
