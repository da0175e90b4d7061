package vllm

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

const sampleMetrics = `# HELP vllm:num_requests_running Number of requests currently running on GPU.
# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{engine="0",model_name="llama3.1:8b"} 3.0
# HELP vllm:num_requests_waiting Number of requests waiting to be processed.
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{engine="0",model_name="llama3.1:8b"} 1.0
# TYPE vllm:gpu_cache_usage_perc gauge
vllm:gpu_cache_usage_perc{engine="0",model_name="llama3.1:8b"} 0.42
# TYPE process_max_fds gauge
process_max_fds 1024.0
# TYPE vllm:some_other_metric gauge
vllm:some_other_metric 99.0
`

func TestParseLoadMetrics(t *testing.T) {
	m, err := ParseLoadMetrics([]byte(sampleMetrics))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.NumRequestsRunning != 3 {
		t.Fatalf("running=%d", m.NumRequestsRunning)
	}
	if m.NumRequestsWaiting != 1 {
		t.Fatalf("waiting=%d", m.NumRequestsWaiting)
	}
	if m.GPUCacheUsagePerc != 0.42 {
		t.Fatalf("gpu_cache=%v", m.GPUCacheUsagePerc)
	}
	if m.ProcessMaxFDs != 1024 {
		t.Fatalf("max_fds=%d", m.ProcessMaxFDs)
	}
}

func TestParseSumsAcrossLabelSets(t *testing.T) {
	body := `# TYPE vllm:num_requests_running gauge
vllm:num_requests_running{engine="0",model_name="m1"} 2.0
vllm:num_requests_running{engine="1",model_name="m2"} 3.0
# TYPE vllm:num_requests_waiting gauge
vllm:num_requests_waiting{engine="0",model_name="m1"} 1.0
vllm:num_requests_waiting{engine="1",model_name="m2"} 4.0
`
	m, err := ParseLoadMetrics([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.NumRequestsRunning != 5 {
		t.Fatalf("running should sum across engines, got %d", m.NumRequestsRunning)
	}
	if m.NumRequestsWaiting != 5 {
		t.Fatalf("waiting should sum across engines, got %d", m.NumRequestsWaiting)
	}
}

func TestParseDefaultsWhenAbsent(t *testing.T) {
	m, err := ParseLoadMetrics([]byte("vllm:num_requests_running 1.0\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if m.ProcessMaxFDs != DefaultMaxFDs {
		t.Fatalf("max_fds should default to %d, got %d", DefaultMaxFDs, m.ProcessMaxFDs)
	}
	if m.NumRequestsWaiting != 0 || m.GPUCacheUsagePerc != 0 {
		t.Fatalf("absent gauges should stay zero: %+v", m)
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"<html><body>nope</body></html>",
		"# only comments\n# nothing else\n",
	}
	for _, body := range cases {
		if _, err := ParseLoadMetrics([]byte(body)); !errors.Is(err, ErrMalformedMetrics) {
			t.Fatalf("body %q: expected ErrMalformedMetrics, got %v", body, err)
		}
	}
}

func TestParseSkipsBadLines(t *testing.T) {
	body := "this line is garbage {{{\nvllm:num_requests_running 7.0\nanother bad line ===\n"
	m, err := ParseLoadMetrics([]byte(body))
	if err != nil {
		t.Fatalf("one good sample should be enough: %v", err)
	}
	if m.NumRequestsRunning != 7 {
		t.Fatalf("running=%d", m.NumRequestsRunning)
	}
}

func TestParseRoundTrip(t *testing.T) {
	want := LoadMetrics{
		NumRequestsRunning: 12,
		NumRequestsWaiting: 4,
		GPUCacheUsagePerc:  0.73,
		ProcessMaxFDs:      2048,
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d\n", RunningMetricName, want.NumRequestsRunning)
	fmt.Fprintf(&b, "%s %d\n", WaitingMetricName, want.NumRequestsWaiting)
	fmt.Fprintf(&b, "%s %v\n", GPUCacheMetricName, want.GPUCacheUsagePerc)
	fmt.Fprintf(&b, "%s %d\n", MaxFDsMetricName, want.ProcessMaxFDs)

	got, err := ParseLoadMetrics([]byte(b.String()))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestReadLoadMetrics(t *testing.T) {
	m, err := ReadLoadMetrics(strings.NewReader(sampleMetrics))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if m.NumRequestsRunning != 3 {
		t.Fatalf("running=%d", m.NumRequestsRunning)
	}
}
