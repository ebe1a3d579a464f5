package auth

import (
	"net/http"
	"strings"
)

// RequireRole allows the request only if RequireUser already injected one of
// roles into context. Role comparison is case-insensitive.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, r := range roles {
		allowed[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, _ := RoleFromContext(r.Context())
			if _, ok := allowed[strings.ToLower(strings.TrimSpace(role))]; !ok {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireAdmin allows request only if RequireUser already injected role=admin into context.
func RequireAdmin(next http.Handler) http.Handler {
	return RequireRole("admin")(next)
}
