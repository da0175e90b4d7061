package router

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xerrors/mvllm/internal/vllm"
)

// probeOutcome is one sample in the rolling health window.
type probeOutcome struct {
	ok bool
	rt time.Duration
}

// Upstream is the live record for one configured backend. The URL is the
// identity key and never changes; every mutable field is guarded by mu.
// Records survive config reloads so liveness history is preserved.
type Upstream struct {
	URL string

	mu sync.Mutex

	// tuning, updated in place on reload
	maxConcurrent    int
	failureThreshold int
	windowSize       int

	// liveness
	healthy             bool
	healthySince        time.Time
	unhealthySince      time.Time
	lastCheck           time.Time
	consecutiveFailures int
	lastFailureTime     time.Time
	lastSuccessTime     time.Time
	window              []probeOutcome
	totalChecks         int
	successfulChecks    int
	lastResponseTime    time.Duration

	// live load from the last successful scrape
	running           int
	waiting           int
	gpuCacheUsagePerc float64
	processMaxFDs     int
	lastScrapeAt      time.Time
	scrapeOK          bool

	// advertised models
	models          map[string]struct{}
	lastDiscoveryAt time.Time
}

// newUpstream creates a record for a backend that just appeared in the
// config. With active health checks enabled it starts unhealthy and earns
// traffic through its first successful probe; with them disabled there is no
// probe to earn it, so it starts healthy and passive signals take over.
func newUpstream(rawURL string, maxConcurrent int, activeChecks bool, failureThreshold, windowSize int, now time.Time) *Upstream {
	u := &Upstream{
		URL:              canonicalURL(rawURL),
		maxConcurrent:    maxConcurrent,
		failureThreshold: failureThreshold,
		windowSize:       windowSize,
		healthy:          !activeChecks,
		processMaxFDs:    vllm.DefaultMaxFDs,
		models:           make(map[string]struct{}),
	}
	if u.healthy {
		u.healthySince = now
	} else {
		u.unhealthySince = now
	}
	return u
}

// canonicalURL is the fleet key: trailing slashes stripped so the same
// backend cannot appear twice under cosmetically different spellings.
func canonicalURL(raw string) string {
	return strings.TrimRight(raw, "/")
}

// setTuning updates the reload-mutable knobs in place, preserving liveness
// history.
func (u *Upstream) setTuning(maxConcurrent, failureThreshold, windowSize int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.maxConcurrent = maxConcurrent
	u.failureThreshold = failureThreshold
	u.windowSize = windowSize
	if len(u.window) > windowSize {
		u.window = append([]probeOutcome(nil), u.window[len(u.window)-windowSize:]...)
	}
}

// applyLoad stores the gauges from a successful scrape.
func (u *Upstream) applyLoad(m vllm.LoadMetrics, at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.running = m.NumRequestsRunning
	u.waiting = m.NumRequestsWaiting
	u.gpuCacheUsagePerc = m.GPUCacheUsagePerc
	u.processMaxFDs = m.ProcessMaxFDs
	u.lastScrapeAt = at
	u.scrapeOK = true
}

// markScrapeFailed clears scrape_ok but keeps the previous load numbers:
// stale data still beats no data for selection, and a single slow /metrics
// must not drain traffic on its own.
func (u *Upstream) markScrapeFailed(at time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastScrapeAt = at
	u.scrapeOK = false
}

// recordProbe appends one active-probe outcome to the bounded rolling window
// and updates the aggregate counters.
func (u *Upstream) recordProbe(ok bool, rt time.Duration, now time.Time) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastCheck = now
	u.lastResponseTime = rt
	u.window = append(u.window, probeOutcome{ok: ok, rt: rt})
	if n := u.windowSize; n > 0 && len(u.window) > n {
		u.window = u.window[len(u.window)-n:]
	}
	u.totalChecks++
	if ok {
		u.successfulChecks++
		u.consecutiveFailures = 0
		u.lastSuccessTime = now
	} else {
		u.consecutiveFailures++
		u.lastFailureTime = now
	}
}

// recordRequestOutcome feeds passive health from one completed forwarding
// attempt. Returns (old, new) health so the caller can log the transition.
// failure_threshold consecutive request failures trip the upstream
// immediately; a success clears the failure streak.
func (u *Upstream) recordRequestOutcome(ok bool, now time.Time) (wasHealthy, nowHealthy bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	wasHealthy = u.healthy
	if ok {
		u.consecutiveFailures = 0
		return wasHealthy, u.healthy
	}
	u.consecutiveFailures++
	u.lastFailureTime = now
	if u.healthy && u.failureThreshold > 0 && u.consecutiveFailures >= u.failureThreshold {
		u.setHealthyLocked(false, now)
	}
	return wasHealthy, u.healthy
}

// setHealthyLocked flips liveness and stamps the matching *_since field.
// Callers hold u.mu.
func (u *Upstream) setHealthyLocked(h bool, now time.Time) {
	if u.healthy == h {
		return
	}
	u.healthy = h
	if h {
		u.healthySince = now
	} else {
		u.unhealthySince = now
	}
}

// setModels replaces the advertised model set after a successful discovery.
func (u *Upstream) setModels(ids []string, at time.Time) {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.models = m
	u.lastDiscoveryAt = at
}

// successRateLocked is the fraction of successful probes in the rolling
// window; 1.0 before any probe has run. Callers hold u.mu.
func (u *Upstream) successRateLocked() float64 {
	if len(u.window) == 0 {
		return 1.0
	}
	ok := 0
	for _, p := range u.window {
		if p.ok {
			ok++
		}
	}
	return float64(ok) / float64(len(u.window))
}

// meanResponseTimeLocked averages the window's probe durations. Callers hold u.mu.
func (u *Upstream) meanResponseTimeLocked() time.Duration {
	if len(u.window) == 0 {
		return 0
	}
	var total time.Duration
	for _, p := range u.window {
		total += p.rt
	}
	return total / time.Duration(len(u.window))
}

// UpstreamSnapshot is a by-value copy of the record's public state, taken
// under the per-upstream mutex. Introspection endpoints and the selector
// consume snapshots only.
type UpstreamSnapshot struct {
	URL                 string
	MaxConcurrent       int
	Healthy             bool
	HealthySince        time.Time
	UnhealthySince      time.Time
	LastCheck           time.Time
	ConsecutiveFailures int
	SuccessRate         float64
	MeanResponseTime    time.Duration
	LastResponseTime    time.Duration
	TotalChecks         int
	Running             int
	Waiting             int
	GPUCacheUsagePerc   float64
	ProcessMaxFDs       int
	LastScrapeAt        time.Time
	ScrapeOK            bool
	Models              []string
	LastDiscoveryAt     time.Time
}

// Snapshot copies the upstream's state under its mutex.
func (u *Upstream) Snapshot() UpstreamSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()
	models := make([]string, 0, len(u.models))
	for id := range u.models {
		models = append(models, id)
	}
	sort.Strings(models)
	return UpstreamSnapshot{
		URL:                 u.URL,
		MaxConcurrent:       u.maxConcurrent,
		Healthy:             u.healthy,
		HealthySince:        u.healthySince,
		UnhealthySince:      u.unhealthySince,
		LastCheck:           u.lastCheck,
		ConsecutiveFailures: u.consecutiveFailures,
		SuccessRate:         u.successRateLocked(),
		MeanResponseTime:    u.meanResponseTimeLocked(),
		LastResponseTime:    u.lastResponseTime,
		TotalChecks:         u.totalChecks,
		Running:             u.running,
		Waiting:             u.waiting,
		GPUCacheUsagePerc:   u.gpuCacheUsagePerc,
		ProcessMaxFDs:       u.processMaxFDs,
		LastScrapeAt:        u.lastScrapeAt,
		ScrapeOK:            u.scrapeOK,
		Models:              models,
		LastDiscoveryAt:     u.lastDiscoveryAt,
	}
}

// hasModel reports whether the upstream advertises the given model id.
func (u *Upstream) hasModel(id string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.models[id]
	return ok
}

// isHealthy reads the liveness flag.
func (u *Upstream) isHealthy() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.healthy
}

// AvailableCapacity is max(0, max_concurrent - running).
func (s UpstreamSnapshot) AvailableCapacity() int {
	if c := s.MaxConcurrent - s.Running; c > 0 {
		return c
	}
	return 0
}

// Score is the selection load score (running + 0.5*waiting) / max_concurrent.
// An upstream with no available capacity is scored as full even when the
// raw ratio would be lower.
func (s UpstreamSnapshot) Score() float64 {
	if s.MaxConcurrent <= 0 {
		return 1.0
	}
	score := (float64(s.Running) + 0.5*float64(s.Waiting)) / float64(s.MaxConcurrent)
	if s.AvailableCapacity() <= 0 && score < 1.0 {
		score = 1.0
	}
	return score
}

// Utilization is the percentage of declared capacity in use, capped at 100.
func (s UpstreamSnapshot) Utilization() float64 {
	if s.MaxConcurrent <= 0 {
		return 0
	}
	pct := float64(s.Running) / float64(s.MaxConcurrent) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
