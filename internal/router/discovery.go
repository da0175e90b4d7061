package router

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/xerrors/mvllm/internal/vllm"
)

// discoveryLoop refreshes each upstream's advertised model set. Runs once at
// startup so model-filtered routing works as soon as possible, then on the
// config reload interval.
func (rt *Router) discoveryLoop(ctx context.Context) {
	defer rt.wg.Done()
	rt.runProtected("discovery", func() { rt.discoverFleet(ctx, rt.Snapshot()) })
	for {
		interval := rt.Snapshot().App.ConfigReloadIntervalDuration()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			rt.runProtected("discovery", func() { rt.discoverFleet(ctx, rt.Snapshot()) })
		}
	}
}

// discoverFleet fetches /v1/models from every upstream in parallel. On
// failure the previous model set is retained; an unreachable upstream keeps
// its last-known models and is kept out of selection by its health flag.
func (rt *Router) discoverFleet(ctx context.Context, snap *Snapshot) {
	var wg sync.WaitGroup
	for _, u := range snap.Upstreams {
		wg.Add(1)
		go func(u *Upstream) {
			defer wg.Done()
			rt.discoverOne(ctx, snap.App.HealthCheckTimeoutDuration(), u)
		}(u)
	}
	wg.Wait()
}

func (rt *Router) discoverOne(ctx context.Context, timeout time.Duration, u *Upstream) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(cctx, http.MethodGet, u.URL+"/v1/models", nil)
	if err != nil {
		return
	}
	resp, err := rt.client.Do(req)
	if err != nil {
		rt.log.Debug().Str("upstream", u.URL).Err(err).Msg("model discovery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		rt.log.Debug().Str("upstream", u.URL).Str("status", resp.Status).Msg("model discovery failed")
		return
	}
	ids, err := vllm.ParseModelIDs(resp.Body)
	if err != nil {
		rt.log.Debug().Str("upstream", u.URL).Err(err).Msg("model discovery failed")
		return
	}
	u.setModels(ids, time.Now())
	rt.log.Debug().Str("upstream", u.URL).Strs("models", ids).Msg("updated models")
}
