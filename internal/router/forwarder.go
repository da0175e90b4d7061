package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/xerrors/mvllm/pkg/types"
)

// maxForwardBody bounds the buffered request body. All covered endpoints
// take small JSON bodies; buffering is what makes retry possible.
const maxForwardBody = 10 << 20

// hopHeaders are connection-scoped and never forwarded (RFC 7230 §6.1).
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Forward proxies one OpenAI-compatible request: select an upstream, forward
// with the buffered body, relay the response (streamed or not), and retry on
// the next upstream while no response byte has reached the client.
func (rt *Router) Forward(w http.ResponseWriter, r *http.Request) {
	snap := rt.Snapshot()
	app := snap.App

	logger := rt.log.With().
		Str("request_id", uuid.NewString()).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Logger()

	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxForwardBody))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
			return
		}
		body = b
	}
	model := peekModel(body)
	if model != "" {
		logger = logger.With().Str("model", model).Logger()
	}

	excluded := make(map[string]struct{})
	maxAttempts := app.MaxRetries + 1
	attempts := 0
	var lastErr error

	for attempts < maxAttempts {
		sel, err := selectUpstream(snap, model, excluded, rand.Intn)
		if err != nil {
			rt.finishWithSelectorError(w, logger, err, attempts, lastErr)
			return
		}
		if sel.AtCapacity {
			selectorVerdictsTotal.WithLabelValues("at_capacity").Inc()
			logger.Warn().Str("upstream", sel.Upstream.URL).Msg("all candidates at capacity, attempting anyway")
		} else {
			selectorVerdictsTotal.WithLabelValues("selected").Inc()
		}

		attempts++
		if attempts > 1 {
			forwardRetriesTotal.Inc()
		}
		excluded[sel.Upstream.URL] = struct{}{}

		logger.Info().
			Str("upstream", sel.Upstream.URL).
			Int("attempt", attempts).
			Int("max_attempts", maxAttempts).
			Msg("forwarding request")

		delivered, err := rt.attempt(w, r, sel.Upstream, body, app.RequestTimeoutDuration(), logger)
		if delivered {
			return
		}
		lastErr = err

		if r.Context().Err() != nil {
			// Client went away between attempts; nothing to answer.
			return
		}
		if attempts >= maxAttempts {
			break
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(app.RetryDelayDuration()):
		}
	}

	err := ErrUpstreamUnavailable(attempts, lastErr)
	logger.Error().Err(err).Msg("forwarding failed")
	writeJSONError(w, http.StatusBadGateway, err.Error())
}

// finishWithSelectorError maps a selector verdict to the client response.
// After a failed attempt an empty candidate set means retries are exhausted,
// which surfaces as 502 rather than 503.
func (rt *Router) finishWithSelectorError(w http.ResponseWriter, logger zerolog.Logger, err error, attempts int, lastErr error) {
	switch {
	case IsModelUnavailable(err):
		selectorVerdictsTotal.WithLabelValues("model_unavailable").Inc()
		logger.Warn().Err(err).Msg("no upstream serves model")
		writeJSONError(w, http.StatusNotFound, err.Error())
	case attempts > 0:
		selectorVerdictsTotal.WithLabelValues("no_healthy").Inc()
		wrapped := ErrUpstreamUnavailable(attempts, lastErr)
		logger.Error().Err(wrapped).Msg("no upstream left to retry")
		writeJSONError(w, http.StatusBadGateway, wrapped.Error())
	default:
		selectorVerdictsTotal.WithLabelValues("no_healthy").Inc()
		logger.Warn().Msg("no healthy upstream")
		writeJSONError(w, http.StatusServiceUnavailable, err.Error())
	}
}

// attempt forwards the buffered request to one upstream. delivered reports
// whether the client conversation is finished (response relayed, partial
// stream aborted, or client gone); when false the attempt failed before any
// response byte and the caller may retry elsewhere.
func (rt *Router) attempt(w http.ResponseWriter, r *http.Request, u *Upstream, body []byte, timeout time.Duration, logger zerolog.Logger) (delivered bool, err error) {
	ctx, cancel := joinContexts(rt.baseCtx, r.Context())
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	target := u.URL + r.URL.Path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("build upstream request: %w", err)
	}
	copyHeaders(req.Header, r.Header)

	resp, err := rt.client.Do(req)
	if err != nil {
		if r.Context().Err() != nil {
			// Client cancellation, not an upstream fault.
			logger.Debug().Str("upstream", u.URL).Msg("client disconnected during attempt")
			return true, nil
		}
		rt.recordOutcome(u, false, logger)
		return false, fmt.Errorf("upstream %s: %w", u.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		rt.recordOutcome(u, false, logger)
		return false, fmt.Errorf("upstream %s returned %s", u.URL, resp.Status)
	}

	// 2xx and client errors relay verbatim; a 4xx is the caller's problem,
	// not the upstream's.
	rt.recordOutcome(u, true, logger)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	rt.relay(w, resp.Body, logger, u.URL)
	return true, nil
}

// relay copies the upstream response to the client, flushing at every chunk
// boundary so streamed tokens (SSE, chunked JSON) arrive as they are
// produced. Once the first byte is written no retry can happen; a mid-stream
// upstream failure closes the partial response as is.
func (rt *Router) relay(w http.ResponseWriter, from io.Reader, logger zerolog.Logger, upstream string) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := from.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug().Str("upstream", upstream).Err(werr).Msg("client write failed, dropping stream")
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				logger.Warn().Str("upstream", upstream).Err(err).Msg("upstream stream ended early")
			}
			return
		}
	}
}

// recordOutcome feeds passive health with one attempt result and logs a
// passive trip when the failure streak crosses the threshold.
func (rt *Router) recordOutcome(u *Upstream, ok bool, logger zerolog.Logger) {
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	forwardAttemptsTotal.WithLabelValues(outcome).Inc()
	was, now := u.recordRequestOutcome(ok, time.Now())
	if was != now {
		rt.logTransition(u.URL, was, now, "consecutive request failures")
	}
	if !ok {
		logger.Warn().Str("upstream", u.URL).Msg("attempt failed")
	}
}

// peekModel extracts the model field from a JSON request body, if any.
func peekModel(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// copyHeaders copies all but the hop-by-hop headers, including those named
// by a Connection header.
func copyHeaders(dst, src http.Header) {
	drop := make(map[string]struct{}, len(hopHeaders))
	for _, h := range hopHeaders {
		drop[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	for _, name := range src.Values("Connection") {
		drop[http.CanonicalHeaderKey(name)] = struct{}{}
	}
	for k, vv := range src {
		if _, skip := drop[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		if http.CanonicalHeaderKey(k) == "Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// joinContexts returns a context canceled when either input is done. The
// cancel func must be called to release the goroutine.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-b.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// writeJSONError writes the consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
