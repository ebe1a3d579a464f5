package httpserver

import (
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/example/learning-platform/internal/platform/api"
)

// RouterConfig tunes the common endpoints installed by SetupRouter.
type RouterConfig struct {
	// ReadyFunc backs /readyz. A nil func always reports ready.
	ReadyFunc func() error
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	// Logger, when set, enables AccessLog.
	Logger *zap.Logger
}

// SetupRouter attaches base middlewares and common endpoints.
// IMPORTANT: must be called before registering any routes.
func SetupRouter(r chi.Router, cfg ...RouterConfig) {
	var rc RouterConfig
	if len(cfg) > 0 {
		rc = cfg[0]
	}

	r.Use(RequestIDMiddleware("X-Request-Id"))
	if rc.Logger != nil {
		r.Use(AccessLog(rc.Logger))
	}
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   CORSOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.NotFound(w, "NOT_FOUND", "Route not found", RequestIDFromContext(r.Context()))
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if rc.ReadyFunc != nil {
			if err := rc.ReadyFunc(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("not ready: " + err.Error()))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if rc.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", rc.Metrics)
	}
}

// CORSOrigins is the CORS_ALLOWED_ORIGINS list.
func CORSOrigins() []string {
	return parseCORSOrigins(os.Getenv("CORS_ALLOWED_ORIGINS"))
}

// OriginAllowed reports whether origin is in allowed. "*" allows any origin.
func OriginAllowed(allowed []string, origin string) bool {
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// parseCORSOrigins splits a comma-separated origin list; empty means "*".
func parseCORSOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
