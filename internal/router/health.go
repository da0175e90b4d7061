package router

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/xerrors/mvllm/internal/config"
)

// probePaths are tried in order for an active liveness probe; the first that
// answers 2xx counts as success.
var probePaths = []string{"/health", "/v1/models"}

// healthLoop drives the load scraper and the active health checker on one
// shared tick. The first cycle runs immediately so freshly started upstreams
// leave their initial unhealthy state without waiting a full interval.
func (rt *Router) healthLoop(ctx context.Context) {
	defer rt.wg.Done()
	rt.runProtected("health", func() { rt.runHealthCycle(ctx) })
	for {
		interval := rt.Snapshot().App.HealthCheckIntervalDuration()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			rt.runProtected("health", func() { rt.runHealthCycle(ctx) })
		}
	}
}

// runHealthCycle executes one tick: scrape load from every upstream, probe
// liveness when active checks are on, then apply the health policy. Scraper
// and checker share the tick but their policies stay independent: scrape
// failures only feed stats, probe outcomes drive transitions.
func (rt *Router) runHealthCycle(ctx context.Context) {
	snap := rt.Snapshot()
	rt.scrapeFleet(ctx, snap)
	if snap.App.EnableActiveHealthCheck {
		rt.probeFleet(ctx, snap)
	}
	now := time.Now()
	for _, u := range snap.Upstreams {
		rt.evaluateHealth(u, snap.App, now)
	}
}

// probeFleet runs one active probe against every upstream in parallel.
func (rt *Router) probeFleet(ctx context.Context, snap *Snapshot) {
	var wg sync.WaitGroup
	for _, u := range snap.Upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			rt.probeOne(ctx, snap.App.HealthCheckTimeoutDuration(), u)
		}(u)
	}
	wg.Wait()
}

// probeOne tries the probe paths in order and records a single outcome
// sample with the total elapsed time.
func (rt *Router) probeOne(ctx context.Context, timeout time.Duration, u *Upstream) {
	start := time.Now()
	ok := false
	for _, path := range probePaths {
		if rt.probeURL(ctx, timeout, u.URL+path) {
			ok = true
			break
		}
	}
	now := time.Now()
	u.recordProbe(ok, now.Sub(start), now)
}

func (rt *Router) probeURL(ctx context.Context, timeout time.Duration, url string) bool {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := rt.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// evaluateHealth applies the liveness policy to one upstream and logs any
// transition with (old, new, reason).
//
// Trip conditions: rolling success rate below the minimum once the window
// holds enough samples, rolling mean response time over the limit, or the
// consecutive-failure count reaching the threshold. Recovery requires the
// policy to pass again, at least one successful probe since the upstream
// went unhealthy, and no failure within the auto-recovery window.
func (rt *Router) evaluateHealth(u *Upstream, app config.AppConfig, now time.Time) {
	u.mu.Lock()

	recovery := app.AutoRecoveryThresholdDuration()
	quiet := u.lastFailureTime.IsZero() || now.Sub(u.lastFailureTime) >= recovery

	if !app.EnableActiveHealthCheck {
		// Passive-only mode: no probes run, so recovery is time based.
		var transition string
		if !u.healthy && quiet {
			u.consecutiveFailures = 0
			u.setHealthyLocked(true, now)
			transition = "no failures within recovery window (active checks disabled)"
		}
		u.mu.Unlock()
		if transition != "" {
			rt.logTransition(u.URL, false, true, transition)
		}
		return
	}

	if !u.healthy && quiet {
		// Quiet long enough: forget the old failure streak so the policy
		// below can re-admit the upstream.
		u.consecutiveFailures = 0
	}

	sr := u.successRateLocked()
	mrt := u.meanResponseTimeLocked()
	maxRT := time.Duration(app.HealthCheckMaxResponseTime * float64(time.Second))

	srTrip := len(u.window) >= app.HealthCheckConsecutiveFailures && sr < app.HealthCheckMinSuccessRate
	rtTrip := maxRT > 0 && mrt > maxRT
	cfTrip := app.HealthCheckConsecutiveFailures > 0 && u.consecutiveFailures >= app.HealthCheckConsecutiveFailures
	policyOK := !srTrip && !rtTrip && !cfTrip

	wasHealthy := u.healthy
	var reason string
	if u.healthy && !policyOK {
		switch {
		case cfTrip:
			reason = fmt.Sprintf("%d consecutive failures", u.consecutiveFailures)
		case srTrip:
			reason = fmt.Sprintf("success rate %.2f below %.2f", sr, app.HealthCheckMinSuccessRate)
		default:
			reason = fmt.Sprintf("mean response time %s over %s", mrt, maxRT)
		}
		u.setHealthyLocked(false, now)
	} else if !u.healthy && policyOK {
		// Never re-admit without a successful probe after going unhealthy.
		probedSince := !u.lastSuccessTime.IsZero() && u.lastSuccessTime.After(u.unhealthySince)
		if probedSince && quiet {
			reason = fmt.Sprintf("success rate %.2f, mean response time %s, quiet for %s", sr, mrt, now.Sub(u.lastFailureTime).Truncate(time.Second))
			if u.lastFailureTime.IsZero() {
				reason = fmt.Sprintf("first successful probe (success rate %.2f)", sr)
			}
			u.setHealthyLocked(true, now)
		}
	}
	nowHealthy := u.healthy
	u.mu.Unlock()

	if wasHealthy != nowHealthy {
		rt.logTransition(u.URL, wasHealthy, nowHealthy, reason)
	}
}

// logTransition records a liveness flip in the log and the transition counter.
func (rt *Router) logTransition(url string, old, cur bool, reason string) {
	to := "unhealthy"
	lvl := zerolog.WarnLevel
	if cur {
		to = "healthy"
		lvl = zerolog.InfoLevel
	}
	healthTransitionsTotal.WithLabelValues(to).Inc()
	rt.log.WithLevel(lvl).
		Str("upstream", url).
		Bool("old", old).
		Bool("new", cur).
		Str("reason", reason).
		Msg("upstream health transition")
}
