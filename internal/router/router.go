package router

import (
	"context"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xerrors/mvllm/internal/config"
)

// Router is the routing engine: it owns the published fleet snapshot, the
// background loops (scrape/health, discovery, config reload), and the shared
// outbound HTTP client. One Router is constructed at startup and passed
// explicitly; there are no package-level instances.
type Router struct {
	log     zerolog.Logger
	cfgPath string

	// snap holds the current fleet snapshot; readers load it once per
	// operation, the reloader publishes replacements by atomic store.
	snap atomic.Pointer[Snapshot]

	// client is the single outbound HTTP client; per-call timeouts come
	// from request contexts so knob changes apply without rebuilding it.
	client *http.Client

	// baseCtx is canceled on process shutdown; in-flight forwards join it
	// with their request context.
	baseCtx context.Context

	watchConfig  bool
	reloadMu     sync.Mutex
	lastModified time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures a Router.
type Options struct {
	ConfigPath string
	Config     *config.Config
	Logger     zerolog.Logger
	// WatchConfig additionally watches the config file for write events so
	// edits apply without waiting for the next poll tick.
	WatchConfig bool
}

// New builds a Router from a loaded config. Background loops start on Start.
func New(opts Options) *Router {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	rt := &Router{
		log:         opts.Logger.With().Str("component", "router").Logger(),
		cfgPath:     opts.ConfigPath,
		client:      &http.Client{Transport: transport},
		baseCtx:     context.Background(),
		watchConfig: opts.WatchConfig,
	}
	now := time.Now()
	app := opts.Config.App
	ups := make([]*Upstream, 0, len(opts.Config.Servers))
	for _, sc := range opts.Config.Servers {
		ups = append(ups, newUpstream(sc.URL, sc.MaxConcurrentRequests, app.EnableActiveHealthCheck,
			app.FailureThreshold, app.HealthCheckWindowSize, now))
	}
	rt.snap.Store(&Snapshot{Upstreams: ups, App: app})
	if st, err := os.Stat(opts.ConfigPath); err == nil {
		rt.lastModified = st.ModTime()
	}
	return rt
}

// Snapshot returns the current fleet snapshot. Callers hold the returned
// reference for the duration of one operation.
func (rt *Router) Snapshot() *Snapshot {
	return rt.snap.Load()
}

// Start launches the background loops. They run until Stop (or ctx
// cancellation) and never terminate the process on their own.
func (rt *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	rt.baseCtx = ctx

	rt.wg.Add(3)
	go rt.healthLoop(ctx)
	go rt.discoveryLoop(ctx)
	go rt.reloadLoop(ctx)

	app := rt.Snapshot().App
	rt.log.Info().
		Int("upstreams", len(rt.Snapshot().Upstreams)).
		Int("health_check_interval", app.HealthCheckInterval).
		Int("config_reload_interval", app.ConfigReloadInterval).
		Bool("active_health_check", app.EnableActiveHealthCheck).
		Msg("router started")
}

// Stop cancels the loops and waits for them to drain.
func (rt *Router) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	rt.log.Info().Msg("router stopped")
}

// runProtected runs one tick body and catches panics at the task boundary so
// a bad cycle never takes down a loop.
func (rt *Router) runProtected(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			rt.log.Error().Str("task", name).Interface("panic", r).Msg("tick task recovered")
		}
	}()
	fn()
}
