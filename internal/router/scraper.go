package router

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/xerrors/mvllm/internal/vllm"
)

// scrapeFleet fetches every upstream's /metrics in parallel and folds the
// results into the per-upstream load fields. The fleet snapshot is read once
// by the caller; no fleet-wide lock is taken.
func (rt *Router) scrapeFleet(ctx context.Context, snap *Snapshot) {
	var wg sync.WaitGroup
	for _, u := range snap.Upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			rt.scrapeOne(ctx, snap.App.HealthCheckTimeoutDuration(), u)
		}(u)
	}
	wg.Wait()
}

// scrapeOne updates one upstream from its /metrics endpoint. A failed or
// malformed scrape keeps the previous load numbers (stale but usable),
// clears scrape_ok, and feeds one failure sample into the rolling stats.
// It never flips liveness by itself; that is the health checker's call.
func (rt *Router) scrapeOne(ctx context.Context, timeout time.Duration, u *Upstream) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	fail := func(reason string, err error) {
		now := time.Now()
		u.markScrapeFailed(now)
		u.recordProbe(false, now.Sub(start), now)
		scrapesTotal.WithLabelValues("error").Inc()
		ev := rt.log.Debug().Str("upstream", u.URL).Str("reason", reason)
		if err != nil {
			ev = ev.Err(err)
		}
		ev.Msg("scrape failed")
	}

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, u.URL+"/metrics", nil)
	if err != nil {
		fail("bad request", err)
		return
	}
	resp, err := rt.client.Do(req)
	if err != nil {
		fail("transport", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		fail(resp.Status, nil)
		return
	}
	m, err := vllm.ReadLoadMetrics(resp.Body)
	if err != nil {
		fail("parse", err)
		return
	}
	u.applyLoad(m, time.Now())
	scrapesTotal.WithLabelValues("ok").Inc()
	rt.log.Debug().
		Str("upstream", u.URL).
		Int("running", m.NumRequestsRunning).
		Int("waiting", m.NumRequestsWaiting).
		Float64("gpu_cache_usage_perc", m.GPUCacheUsagePerc).
		Msg("scraped load")
}
