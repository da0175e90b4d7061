package router

import (
	"sort"
	"time"

	"github.com/xerrors/mvllm/pkg/types"
)

// ModelList returns the union of every healthy upstream's advertised models,
// de-duplicated and sorted by id.
func (rt *Router) ModelList() types.ModelList {
	snap := rt.Snapshot()
	type entry struct {
		created time.Time
	}
	seen := make(map[string]entry)
	for _, u := range snap.Upstreams {
		s := u.Snapshot()
		if !s.Healthy {
			continue
		}
		for _, id := range s.Models {
			if _, ok := seen[id]; !ok {
				seen[id] = entry{created: s.LastDiscoveryAt}
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	list := types.ModelList{Object: "list", Data: make([]types.ModelInfo, 0, len(ids))}
	for _, id := range ids {
		var created int64
		if t := seen[id].created; !t.IsZero() {
			created = t.Unix()
		}
		list.Data = append(list.Data, types.ModelInfo{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "mvllm",
			Root:    id,
		})
	}
	return list
}

// Health summarises fleet liveness: healthy at >=80% of upstreams up,
// degraded at >=50%, unhealthy below.
func (rt *Router) Health() types.HealthResponse {
	snap := rt.Snapshot()
	total := len(snap.Upstreams)
	healthy := snap.healthyCount()

	status := "no_servers"
	score := 0.0
	if total > 0 {
		score = float64(healthy) / float64(total)
		switch {
		case score >= 0.8:
			status = "healthy"
		case score >= 0.5:
			status = "degraded"
		default:
			status = "unhealthy"
		}
	}

	servers := make([]types.ServerHealth, 0, total)
	for _, u := range snap.Upstreams {
		s := u.Snapshot()
		servers = append(servers, types.ServerHealth{
			URL:                 s.URL,
			Healthy:             s.Healthy,
			LastCheck:           timePtr(s.LastCheck),
			LastScrapeAt:        timePtr(s.LastScrapeAt),
			ConsecutiveFailures: s.ConsecutiveFailures,
			SuccessRate:         s.SuccessRate,
			MeanResponseTimeMs:  durationMs(s.MeanResponseTime),
			LastResponseTimeMs:  durationMs(s.LastResponseTime),
			TotalChecks:         s.TotalChecks,
			SupportedModels:     s.Models,
			ModelsLastUpdated:   timePtr(s.LastDiscoveryAt),
		})
	}

	return types.HealthResponse{
		Status:           status,
		HealthScore:      score,
		TotalServers:     total,
		HealthyServers:   healthy,
		UnhealthyServers: total - healthy,
		Servers:          servers,
		Config: types.HealthConfig{
			HealthCheckEnabled:  snap.App.EnableActiveHealthCheck,
			HealthCheckInterval: snap.App.HealthCheckInterval,
			MinSuccessRate:      snap.App.HealthCheckMinSuccessRate,
			MaxResponseTime:     snap.App.HealthCheckMaxResponseTime,
		},
	}
}

// LoadStats reports per-upstream load plus the fleet summary.
func (rt *Router) LoadStats() types.LoadStatsResponse {
	snap := rt.Snapshot()
	servers := make([]types.ServerLoad, 0, len(snap.Upstreams))
	totalLoad, totalCapacity, healthy := 0, 0, 0
	for _, u := range snap.Upstreams {
		s := u.Snapshot()
		if s.Healthy {
			healthy++
		}
		totalLoad += s.Running
		totalCapacity += s.MaxConcurrent
		servers = append(servers, types.ServerLoad{
			URL:                s.URL,
			CurrentLoad:        s.Running,
			Waiting:            s.Waiting,
			MaxCapacity:        s.MaxConcurrent,
			AvailableCapacity:  s.AvailableCapacity(),
			UtilizationPercent: s.Utilization(),
			Status:             s.Healthy,
			LastUpdated:        timePtr(s.LastScrapeAt),
			DetailedMetrics: types.DetailedMetrics{
				NumRequestsRunning: s.Running,
				NumRequestsWaiting: s.Waiting,
				GPUCacheUsagePerc:  s.GPUCacheUsagePerc,
				ProcessMaxFDs:      s.ProcessMaxFDs,
			},
		})
	}

	overall := 0.0
	if totalCapacity > 0 {
		overall = float64(totalLoad) / float64(totalCapacity) * 100
	}
	return types.LoadStatsResponse{
		Servers: servers,
		Summary: types.LoadSummary{
			TotalServers:              len(snap.Upstreams),
			HealthyServers:            healthy,
			TotalActiveLoad:           totalLoad,
			TotalCapacity:             totalCapacity,
			OverallUtilizationPercent: overall,
		},
	}
}

// ServerModels maps every upstream to its advertised model inventory.
func (rt *Router) ServerModels() types.ServerModelsResponse {
	snap := rt.Snapshot()
	servers := make(map[string]types.ServerModels, len(snap.Upstreams))
	healthy := 0
	for _, u := range snap.Upstreams {
		s := u.Snapshot()
		if s.Healthy {
			healthy++
		}
		servers[s.URL] = types.ServerModels{
			SupportedModels:   s.Models,
			ModelsLastUpdated: timePtr(s.LastDiscoveryAt),
			Healthy:           s.Healthy,
		}
	}
	return types.ServerModelsResponse{
		Servers:        servers,
		TotalServers:   len(snap.Upstreams),
		HealthyServers: healthy,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
