package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xerrors/mvllm/pkg/types"
)

// Service defines the routing-engine methods the HTTP API layer consumes.
type Service interface {
	// Forward proxies an OpenAI-compatible request and writes the response,
	// including errors, itself.
	Forward(w http.ResponseWriter, r *http.Request)
	ModelList() types.ModelList
	Health() types.HealthResponse
	LoadStats() types.LoadStatsResponse
	ServerModels() types.ServerModelsResponse
}

// NewMux builds the router's HTTP surface: the forwarded OpenAI paths, the
// introspection endpoints, and the process's own /metrics.
func NewMux(svc Service, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(RequestLogger)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   corsAllowedOrigins,
			AllowedMethods:   corsAllowedMethods,
			AllowedHeaders:   corsAllowedHeaders,
			AllowCredentials: true,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	forward := http.HandlerFunc(svc.Forward)

	r.Post("/v1/chat/completions", forward)
	r.Post("/v1/completions", forward)
	r.Post("/v1/embeddings", forward)

	r.Get("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.ModelList())
	})

	// Any other OpenAI-shaped path goes through the same pipeline.
	r.Handle("/v1/*", forward)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Health())
	})

	r.Get("/load-stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.LoadStats())
	})

	r.Get("/server-models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.ServerModels())
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, types.ServiceInfo{Service: "mvllm", Version: version, Status: "running"})
	})

	// The router's own Prometheus metrics.
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)

	return r
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
	}
}
