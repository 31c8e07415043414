package httpapi

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const adminKeyHeader = "X-Admin-Key"

// Validation is the one client-facing operation; everything else on /v1 is
// administrative.
var publicPaths = []string{
	"/v1/licenses/validate",
	"/v1/tiers",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/openapi.yaml",
	"/",
}

type actorKey struct{}

func actorFromRequest(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return "client"
}

func (a *API) withAdminAuth(next http.Handler) http.Handler {
	if a == nil || a.adminKeyHash == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := strings.TrimSpace(r.Header.Get(adminKeyHeader))
		if key == "" {
			writeError(w, r, http.StatusUnauthorized, "missing admin key")
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(a.adminKeyHash), []byte(key)); err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid admin key")
			return
		}
		ctx := context.WithValue(r.Context(), actorKey{}, "admin")
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
