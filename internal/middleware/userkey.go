package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const userKeyKey contextKey = "user_key"

// minUserKeyLen rejects values too short to be real client identifiers.
const minUserKeyLen = 10

// UserKey authenticates requests by the X-User-Key header. The key is an
// opaque per-client identifier, not a secret: it scopes ownership, credits,
// and rate limits.
func UserKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get("X-User-Key"))
		if len(key) < minUserKeyLen {
			unauthorized(w, fmt.Sprintf("X-User-Key header with at least %d characters is required", minUserKeyLen))
			return
		}
		ctx := context.WithValue(r.Context(), userKeyKey, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": "UNAUTHORIZED", "message": msg},
	})
}

// UserKeyFromContext returns the authenticated user key, or "".
func UserKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userKeyKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithUserKey injects a user key directly, for tests.
func ContextWithUserKey(ctx context.Context, key string) context.Context {
	if strings.TrimSpace(key) == "" {
		return ctx
	}
	return context.WithValue(ctx, userKeyKey, key)
}
