package router

import (
	"github.com/xerrors/mvllm/internal/config"
)

// Snapshot is the immutable fleet view published by the config manager and
// read once per operation. Upstream pointers are shared across snapshots;
// only the slice and the knobs are replaced on reload.
type Snapshot struct {
	Upstreams []*Upstream
	App       config.AppConfig
}

// lookup finds an upstream by canonical URL. Linear scan: fleets are small
// and insertion order matters elsewhere.
func (s *Snapshot) lookup(url string) *Upstream {
	key := canonicalURL(url)
	for _, u := range s.Upstreams {
		if u.URL == key {
			return u
		}
	}
	return nil
}

// healthyCount counts upstreams currently marked healthy.
func (s *Snapshot) healthyCount() int {
	n := 0
	for _, u := range s.Upstreams {
		if u.isHealthy() {
			n++
		}
	}
	return n
}
