package router

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDiscoverOneUpdatesModels(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"llama3.1:8b"},{"id":"qwen2:7b"}]}`)
	}))
	defer up.Close()

	rt := newTestRouter(t, nil)
	u := newUpstream(up.URL, 4, false, 3, 10, time.Now())
	rt.discoverOne(context.Background(), time.Second, u)

	s := u.Snapshot()
	if len(s.Models) != 2 || s.Models[0] != "llama3.1:8b" {
		t.Fatalf("models=%v", s.Models)
	}
	if s.LastDiscoveryAt.IsZero() {
		t.Fatalf("last_discovery_at not stamped")
	}
}

func TestDiscoverOneFailureRetainsModels(t *testing.T) {
	var fail bool
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"m1"}]}`)
	}))
	defer up.Close()

	rt := newTestRouter(t, nil)
	u := newUpstream(up.URL, 4, false, 3, 10, time.Now())
	rt.discoverOne(context.Background(), time.Second, u)
	if got := u.Snapshot().Models; len(got) != 1 {
		t.Fatalf("setup: models=%v", got)
	}

	fail = true
	rt.discoverOne(context.Background(), time.Second, u)
	if got := u.Snapshot().Models; len(got) != 1 || got[0] != "m1" {
		t.Fatalf("failed discovery must retain the previous set, got %v", got)
	}
}
