package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/xerrors/mvllm/internal/config"
)

// TestRouterLifecycle starts the loops against one live fake vLLM server and
// checks the initial cycle brings it from unhealthy to healthy with load and
// models populated.
func TestRouterLifecycle(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metrics":
			fmt.Fprint(w, "vllm:num_requests_running 1.0\nvllm:num_requests_waiting 0.0\n")
		case "/health":
			fmt.Fprint(w, "ok")
		case "/v1/models":
			fmt.Fprint(w, `{"object":"list","data":[{"id":"m1"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer up.Close()

	path := filepath.Join(t.TempDir(), "servers.toml")
	writeConfig(t, path, fmt.Sprintf(`
[servers]
servers = [{ url = "%s", max_concurrent_requests = 4 }]

[config]
health_check_interval = 1
config_reload_interval = 1
`, up.URL))
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	rt := New(Options{ConfigPath: path, Config: cfg, Logger: zerolog.Nop()})

	u := rt.Snapshot().Upstreams[0]
	if u.isHealthy() {
		t.Fatalf("must start unhealthy with active checks on")
	}

	rt.Start(context.Background())
	defer rt.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s := u.Snapshot()
		if s.Healthy && s.Running == 1 && len(s.Models) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("initial cycle did not converge: %+v", u.Snapshot())
}
