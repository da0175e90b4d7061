package vllm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Metric families the router extracts from a vLLM /metrics body.
const (
	RunningMetricName  = "vllm:num_requests_running"
	WaitingMetricName  = "vllm:num_requests_waiting"
	GPUCacheMetricName = "vllm:gpu_cache_usage_perc"
	MaxFDsMetricName   = "process_max_fds"
)

// DefaultMaxFDs is assumed when an upstream does not report process_max_fds.
const DefaultMaxFDs = 65535

// ErrMalformedMetrics indicates the body was not Prometheus text exposition
// (or contained no parseable samples at all).
var ErrMalformedMetrics = errors.New("malformed metrics body")

// LoadMetrics is the subset of gauges the scraper feeds into routing.
type LoadMetrics struct {
	NumRequestsRunning int
	NumRequestsWaiting int
	GPUCacheUsagePerc  float64
	ProcessMaxFDs      int
}

// ParseLoadMetrics parses a Prometheus text body into LoadMetrics. When a
// family carries several samples (one per engine or served model), their
// values are summed so each contributes to fleet load. Unknown families are
// ignored; malformed lines are skipped as long as at least one sample parses.
func ParseLoadMetrics(body []byte) (LoadMetrics, error) {
	families, err := parseFamilies(body)
	if err != nil {
		return LoadMetrics{ProcessMaxFDs: DefaultMaxFDs}, err
	}

	m := LoadMetrics{ProcessMaxFDs: DefaultMaxFDs}
	if v, ok := sumSamples(families, RunningMetricName); ok {
		m.NumRequestsRunning = int(v)
	}
	if v, ok := sumSamples(families, WaitingMetricName); ok {
		m.NumRequestsWaiting = int(v)
	}
	if v, ok := sumSamples(families, GPUCacheMetricName); ok {
		m.GPUCacheUsagePerc = v
	}
	if v, ok := sumSamples(families, MaxFDsMetricName); ok && v > 0 {
		m.ProcessMaxFDs = int(v)
	}
	return m, nil
}

// parseFamilies tries a strict whole-body parse first, then falls back to a
// line-by-line pass that drops unparseable lines. The fallback keeps one bad
// line from discarding an otherwise usable scrape.
func parseFamilies(body []byte) (map[string]*dto.MetricFamily, error) {
	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(bytes.NewReader(body))
	if err == nil {
		if len(families) == 0 {
			return nil, ErrMalformedMetrics
		}
		return families, nil
	}

	merged := make(map[string]*dto.MetricFamily)
	samples := 0
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		part, err := parser.TextToMetricFamilies(strings.NewReader(line + "\n"))
		if err != nil {
			continue
		}
		for name, mf := range part {
			if existing, ok := merged[name]; ok {
				existing.Metric = append(existing.Metric, mf.GetMetric()...)
			} else {
				merged[name] = mf
			}
			samples += len(mf.GetMetric())
		}
	}
	if samples == 0 {
		return nil, ErrMalformedMetrics
	}
	return merged, nil
}

// sumSamples adds up every sample value under one family name, whatever its
// declared type (vLLM exposes these as gauges; untyped shows up for bare
// lines).
func sumSamples(families map[string]*dto.MetricFamily, name string) (float64, bool) {
	mf, ok := families[name]
	if !ok || len(mf.GetMetric()) == 0 {
		return 0, false
	}
	var total float64
	for _, m := range mf.GetMetric() {
		switch {
		case m.GetGauge() != nil:
			total += m.GetGauge().GetValue()
		case m.GetUntyped() != nil:
			total += m.GetUntyped().GetValue()
		case m.GetCounter() != nil:
			total += m.GetCounter().GetValue()
		}
	}
	return total, true
}

// ReadLoadMetrics is a convenience for callers holding a response body.
func ReadLoadMetrics(r io.Reader) (LoadMetrics, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return LoadMetrics{ProcessMaxFDs: DefaultMaxFDs}, err
	}
	return ParseLoadMetrics(b)
}
