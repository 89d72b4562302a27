package middleware

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/ryne2010/edgewatch/internal/auth"
	"github.com/ryne2010/edgewatch/internal/store"
)

type deviceContextKey string

const DeviceContextKey deviceContextKey = "device"

// DeviceAuth resolves the bearer token's fingerprint against deviceStore
// and constant-time-verifies the hash, per spec §5. A disabled device is
// rejected with 403 (spec §6 status table: "403 RBAC/disabled device").
func DeviceAuth(deviceStore store.DeviceStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			fingerprint := auth.Fingerprint(token)
			d, err := deviceStore.GetByFingerprint(r.Context(), fingerprint)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !auth.VerifyDeviceToken(token, d.TokenHash) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if !d.Enabled {
				http.Error(w, "device disabled", http.StatusForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), DeviceContextKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func DeviceFromContext(ctx context.Context) (store.Device, bool) {
	d, ok := ctx.Value(DeviceContextKey).(store.Device)
	return d, ok
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RoleAuth enforces a JWT bearer token carrying one of allowed roles, or,
// when ADMIN_AUTH_MODE=key, a constant-time-compared ADMIN_API_KEY for
// admin-only routes — both mechanisms from spec §6/§5.
func RoleAuth(allowed ...auth.Role) func(http.Handler) http.Handler {
	allowedSet := make(map[auth.Role]bool, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if os.Getenv("ADMIN_AUTH_MODE") == "key" && allowedSet[auth.RoleAdmin] {
				key := r.Header.Get("X-Admin-Api-Key")
				if auth.AdminKeyEqual(key, os.Getenv("ADMIN_API_KEY")) {
					next.ServeHTTP(w, r)
					return
				}
			}

			h := r.Header.Get("Authorization")
			parts := strings.SplitN(h, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "missing Authorization header", http.StatusUnauthorized)
				return
			}
			claims, err := auth.ValidateToken(parts[1])
			if err != nil {
				http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
				return
			}
			if !allowedSet[claims.Role] {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
