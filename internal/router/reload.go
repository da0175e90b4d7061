package router

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xerrors/mvllm/internal/config"
)

// watchDebounce coalesces bursts of fsnotify events (editors write several
// times per save) into a single reload.
const watchDebounce = 100 * time.Millisecond

// reloadLoop polls the config file's mtime on config_reload_interval and,
// when WatchConfig is set, also reloads on file write events.
func (rt *Router) reloadLoop(ctx context.Context) {
	defer rt.wg.Done()

	var events <-chan struct{}
	if rt.watchConfig {
		events = rt.watchConfigFile(ctx)
	}

	for {
		interval := rt.Snapshot().App.ConfigReloadIntervalDuration()
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			rt.runProtected("reload", rt.reloadIfModified)
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			rt.runProtected("reload", func() { rt.reload() })
		}
	}
}

// watchConfigFile starts an fsnotify watcher on the config file's directory
// (watching the file itself breaks on rename-replace saves) and returns a
// debounced event channel. A watcher setup failure downgrades to polling.
func (rt *Router) watchConfigFile(ctx context.Context) <-chan struct{} {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		rt.log.Warn().Err(err).Msg("config watcher unavailable, falling back to polling")
		return nil
	}
	dir := filepath.Dir(rt.cfgPath)
	if err := watcher.Add(dir); err != nil {
		rt.log.Warn().Str("dir", dir).Err(err).Msg("config watcher unavailable, falling back to polling")
		watcher.Close()
		return nil
	}
	base := filepath.Base(rt.cfgPath)

	out := make(chan struct{}, 1)
	go func() {
		defer watcher.Close()
		defer close(out)
		var timer *time.Timer
		var timerC <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(watchDebounce)
					timerC = timer.C
				} else {
					timer.Reset(watchDebounce)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				rt.log.Warn().Err(err).Msg("config watcher error")
			}
		}
	}()
	rt.log.Info().Str("path", rt.cfgPath).Msg("watching config file")
	return out
}

// reloadIfModified reloads only when the file's mtime moved past the last
// applied one.
func (rt *Router) reloadIfModified() {
	st, err := os.Stat(rt.cfgPath)
	if err != nil {
		rt.log.Warn().Str("path", rt.cfgPath).Err(err).Msg("config stat failed")
		return
	}
	rt.reloadMu.Lock()
	modified := st.ModTime().After(rt.lastModified)
	rt.reloadMu.Unlock()
	if modified {
		rt.reload()
	}
}

// reload parses the config file and atomically publishes a new fleet
// snapshot. A parse or validation error keeps the previous snapshot intact;
// there is no partial apply. Upstream records whose URL survives the reload
// are carried over by reference so liveness history, rolling stats, and load
// numbers are preserved; new URLs enter unhealthy until their first
// successful probe; removed URLs are dropped.
func (rt *Router) reload() {
	rt.reloadMu.Lock()
	defer rt.reloadMu.Unlock()

	cfg, err := config.Load(rt.cfgPath)
	if err != nil {
		configReloadsTotal.WithLabelValues("error").Inc()
		rt.log.Error().Str("path", rt.cfgPath).Err(err).Msg("config reload failed, keeping previous snapshot")
		return
	}

	cur := rt.Snapshot()
	now := time.Now()
	app := cfg.App

	added, retuned := 0, 0
	keep := make(map[string]struct{}, len(cfg.Servers))
	ups := make([]*Upstream, 0, len(cfg.Servers))
	for _, sc := range cfg.Servers {
		keep[canonicalURL(sc.URL)] = struct{}{}
		if existing := cur.lookup(sc.URL); existing != nil {
			existing.setTuning(sc.MaxConcurrentRequests, app.FailureThreshold, app.HealthCheckWindowSize)
			ups = append(ups, existing)
			retuned++
			continue
		}
		ups = append(ups, newUpstream(sc.URL, sc.MaxConcurrentRequests, app.EnableActiveHealthCheck,
			app.FailureThreshold, app.HealthCheckWindowSize, now))
		added++
		rt.log.Info().Str("upstream", canonicalURL(sc.URL)).Msg("upstream added")
	}
	removed := 0
	for _, u := range cur.Upstreams {
		if _, ok := keep[u.URL]; !ok {
			removed++
			rt.log.Info().Str("upstream", u.URL).Msg("upstream removed")
		}
	}

	rt.snap.Store(&Snapshot{Upstreams: ups, App: app})
	if st, err := os.Stat(rt.cfgPath); err == nil {
		rt.lastModified = st.ModTime()
	}
	configReloadsTotal.WithLabelValues("ok").Inc()
	rt.log.Info().
		Int("upstreams", len(ups)).
		Int("added", added).
		Int("removed", removed).
		Int("kept", retuned).
		Msg("configuration reloaded")
}
