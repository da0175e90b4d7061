package router

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xerrors/mvllm/internal/config"
)

func newTestRouter(t *testing.T, cfg *config.Config) *Router {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{App: config.DefaultAppConfig()}
	}
	return New(Options{
		ConfigPath: "/nonexistent/servers.toml",
		Config:     cfg,
		Logger:     zerolog.Nop(),
	})
}

func TestFirstSuccessfulProbeRecovers(t *testing.T) {
	rt := newTestRouter(t, nil)
	app := config.DefaultAppConfig()
	u := newUpstream("http://a:8000", 2, true, app.FailureThreshold, app.HealthCheckWindowSize, time.Now())

	// No probe yet: stays unhealthy.
	rt.evaluateHealth(u, app, time.Now())
	if u.isHealthy() {
		t.Fatalf("no probe has run, upstream must stay unhealthy")
	}

	u.recordProbe(true, 10*time.Millisecond, time.Now())
	rt.evaluateHealth(u, app, time.Now())
	if !u.isHealthy() {
		t.Fatalf("first successful probe with no failure history should recover")
	}
	if u.Snapshot().HealthySince.IsZero() {
		t.Fatalf("healthy_since not stamped")
	}
}

func TestConsecutiveProbeFailuresTrip(t *testing.T) {
	rt := newTestRouter(t, nil)
	app := config.DefaultAppConfig()
	u := newUpstream("http://a:8000", 2, false, app.FailureThreshold, app.HealthCheckWindowSize, time.Now())

	for i := 0; i < app.HealthCheckConsecutiveFailures; i++ {
		u.recordProbe(false, 10*time.Millisecond, time.Now())
	}
	rt.evaluateHealth(u, app, time.Now())
	if u.isHealthy() {
		t.Fatalf("consecutive probe failures should trip the upstream")
	}
}

func TestSlowUpstreamTrips(t *testing.T) {
	rt := newTestRouter(t, nil)
	app := config.DefaultAppConfig()
	app.HealthCheckMaxResponseTime = 0.05
	u := newUpstream("http://a:8000", 2, false, app.FailureThreshold, app.HealthCheckWindowSize, time.Now())

	u.recordProbe(true, 200*time.Millisecond, time.Now())
	u.recordProbe(true, 300*time.Millisecond, time.Now())
	rt.evaluateHealth(u, app, time.Now())
	if u.isHealthy() {
		t.Fatalf("mean response time over the limit should trip the upstream")
	}
}

func TestSuccessRateNeedsEnoughSamples(t *testing.T) {
	rt := newTestRouter(t, nil)
	app := config.DefaultAppConfig()
	u := newUpstream("http://a:8000", 2, false, app.FailureThreshold, app.HealthCheckWindowSize, time.Now())

	// One failed probe of three required: rate is 0 but the window is too
	// small to judge, and the failure streak is below the threshold.
	u.recordProbe(false, 10*time.Millisecond, time.Now())
	rt.evaluateHealth(u, app, time.Now())
	if !u.isHealthy() {
		t.Fatalf("a single failure must not trip on success rate")
	}
}

func TestRecoveryWaitsForQuietWindow(t *testing.T) {
	rt := newTestRouter(t, nil)
	app := config.DefaultAppConfig()
	app.AutoRecoveryThreshold = 60
	u := newUpstream("http://a:8000", 2, true, app.FailureThreshold, app.HealthCheckWindowSize, time.Now())

	// It starts unhealthy; record real failures, then have probes succeed again.
	for i := 0; i < 3; i++ {
		u.recordProbe(false, 10*time.Millisecond, time.Now())
	}
	rt.evaluateHealth(u, app, time.Now())
	if u.isHealthy() {
		t.Fatalf("expected unhealthy after failures")
	}
	for i := 0; i < 10; i++ {
		u.recordProbe(true, 10*time.Millisecond, time.Now())
	}

	// Still inside the recovery window.
	rt.evaluateHealth(u, app, time.Now())
	if u.isHealthy() {
		t.Fatalf("recovery must wait out the auto-recovery window")
	}

	// Pretend the last failure was long ago.
	u.mu.Lock()
	u.lastFailureTime = time.Now().Add(-2 * time.Minute)
	u.mu.Unlock()
	rt.evaluateHealth(u, app, time.Now())
	if !u.isHealthy() {
		t.Fatalf("quiet window elapsed with good probes, should recover")
	}
}

func TestRecoveryRequiresProbeAfterUnhealthy(t *testing.T) {
	rt := newTestRouter(t, nil)
	app := config.DefaultAppConfig()
	u := newUpstream("http://a:8000", 2, true, app.FailureThreshold, app.HealthCheckWindowSize, time.Now())

	u.recordProbe(true, 10*time.Millisecond, time.Now())
	rt.evaluateHealth(u, app, time.Now())
	if !u.isHealthy() {
		t.Fatalf("setup: expected healthy")
	}

	// Passive trip, then no probe since: must not recover on time alone.
	u.mu.Lock()
	u.setHealthyLocked(false, time.Now())
	u.lastFailureTime = time.Now().Add(-2 * time.Minute)
	u.consecutiveFailures = 0
	u.mu.Unlock()
	rt.evaluateHealth(u, app, time.Now())
	if u.isHealthy() {
		t.Fatalf("no successful probe since going unhealthy; must stay down")
	}

	u.recordProbe(true, 10*time.Millisecond, time.Now())
	rt.evaluateHealth(u, app, time.Now())
	if !u.isHealthy() {
		t.Fatalf("successful probe after trip should recover")
	}
}

func TestPassiveOnlyRecovery(t *testing.T) {
	rt := newTestRouter(t, nil)
	app := config.DefaultAppConfig()
	app.EnableActiveHealthCheck = false
	u := newUpstream("http://a:8000", 2, false, app.FailureThreshold, app.HealthCheckWindowSize, time.Now())

	for i := 0; i < app.FailureThreshold; i++ {
		u.recordRequestOutcome(false, time.Now())
	}
	if u.isHealthy() {
		t.Fatalf("setup: expected passive trip")
	}

	// Inside the window: stays down.
	rt.evaluateHealth(u, app, time.Now())
	if u.isHealthy() {
		t.Fatalf("still inside recovery window")
	}

	u.mu.Lock()
	u.lastFailureTime = time.Now().Add(-2 * time.Minute)
	u.mu.Unlock()
	rt.evaluateHealth(u, app, time.Now())
	if !u.isHealthy() {
		t.Fatalf("passive-only mode recovers after a quiet window")
	}
}
