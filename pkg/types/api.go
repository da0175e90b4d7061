package types

import "time"

// ErrorResponse is the JSON error payload returned by every endpoint.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// ServiceInfo is the identification object served at GET /.
type ServiceInfo struct {
	Service string `json:"service"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// ModelList mirrors the OpenAI /v1/models list envelope.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

type ModelInfo struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
	Root    string `json:"root"`
}

// HealthResponse summarises fleet liveness for GET /health.
type HealthResponse struct {
	Status           string         `json:"status"`
	HealthScore      float64        `json:"health_score"`
	TotalServers     int            `json:"total_servers"`
	HealthyServers   int            `json:"healthy_servers"`
	UnhealthyServers int            `json:"unhealthy_servers"`
	Servers          []ServerHealth `json:"servers"`
	Config           HealthConfig   `json:"config"`
}

type ServerHealth struct {
	URL                 string     `json:"url"`
	Healthy             bool       `json:"healthy"`
	LastCheck           *time.Time `json:"last_check"`
	LastScrapeAt        *time.Time `json:"last_scrape_at"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	SuccessRate         float64    `json:"success_rate"`
	MeanResponseTimeMs  float64    `json:"mean_response_time_ms"`
	LastResponseTimeMs  float64    `json:"last_response_time_ms"`
	TotalChecks         int        `json:"total_checks"`
	SupportedModels     []string   `json:"supported_models"`
	ModelsLastUpdated   *time.Time `json:"models_last_updated"`
}

// HealthConfig echoes the active health-check knobs in /health responses.
type HealthConfig struct {
	HealthCheckEnabled  bool    `json:"health_check_enabled"`
	HealthCheckInterval int     `json:"health_check_interval"`
	MinSuccessRate      float64 `json:"min_success_rate"`
	MaxResponseTime     float64 `json:"max_response_time"`
}

// LoadStatsResponse is the payload for GET /load-stats.
type LoadStatsResponse struct {
	Servers []ServerLoad `json:"servers"`
	Summary LoadSummary  `json:"summary"`
}

type ServerLoad struct {
	URL                string          `json:"url"`
	CurrentLoad        int             `json:"current_load"`
	Waiting            int             `json:"waiting"`
	MaxCapacity        int             `json:"max_capacity"`
	AvailableCapacity  int             `json:"available_capacity"`
	UtilizationPercent float64         `json:"utilization_percent"`
	Status             bool            `json:"status"`
	LastUpdated        *time.Time      `json:"last_updated"`
	DetailedMetrics    DetailedMetrics `json:"detailed_metrics"`
}

type DetailedMetrics struct {
	NumRequestsRunning int     `json:"num_requests_running"`
	NumRequestsWaiting int     `json:"num_requests_waiting"`
	GPUCacheUsagePerc  float64 `json:"gpu_cache_usage_perc"`
	ProcessMaxFDs      int     `json:"process_max_fds"`
}

type LoadSummary struct {
	TotalServers              int     `json:"total_servers"`
	HealthyServers            int     `json:"healthy_servers"`
	TotalActiveLoad           int     `json:"total_active_load"`
	TotalCapacity             int     `json:"total_capacity"`
	OverallUtilizationPercent float64 `json:"overall_utilization_percent"`
}

// ServerModelsResponse maps each upstream to its advertised models (GET /server-models).
type ServerModelsResponse struct {
	Servers        map[string]ServerModels `json:"servers"`
	TotalServers   int                     `json:"total_servers"`
	HealthyServers int                     `json:"healthy_servers"`
}

type ServerModels struct {
	SupportedModels   []string   `json:"supported_models"`
	ModelsLastUpdated *time.Time `json:"models_last_updated"`
	Healthy           bool       `json:"healthy"`
}
