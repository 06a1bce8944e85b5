// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package proxy implements the forwarding handler. Every inbound request is
// forwarded to the configured upstream with the cached bearer token injected
// as the Authorization header.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/envoyproxy/authproxy/internal/json"
	"github.com/envoyproxy/authproxy/internal/metrics"
	"github.com/envoyproxy/authproxy/internal/tokencache"
)

// defaultUpstreamTimeout bounds a proxied request end to end, including
// reading the upstream response body.
const defaultUpstreamTimeout = 120 * time.Second

// requestIDHeader correlates proxy logs with upstream logs.
const requestIDHeader = "x-request-id"

// Handler is the catch-all http.Handler forwarding requests to the upstream.
type Handler struct {
	upstream    *url.URL
	cache       *tokencache.TokenCache
	httpMetrics metrics.HTTPRequest
	l           *slog.Logger
	client      *http.Client
}

// Config holds configuration for creating a Handler.
type Config struct {
	// Upstream is the base URL proxied requests are forwarded to.
	Upstream *url.URL

	// Cache supplies the bearer token injected into each forwarded request.
	Cache *tokencache.TokenCache

	// Metrics records request completions.
	Metrics metrics.HTTPRequest

	// Logger for request logging.
	Logger *slog.Logger

	// UpstreamTimeout bounds each proxied request. Zero or negative means
	// the 120 second default. Note that the timeout covers streamed response
	// bodies as well, so it caps the length of an SSE stream.
	UpstreamTimeout time.Duration
}

// NewHandler creates a Handler forwarding to config.Upstream.
func NewHandler(config Config) (*Handler, error) {
	if config.Upstream == nil {
		return nil, fmt.Errorf("upstream URL is required")
	}
	if config.Cache == nil {
		return nil, fmt.Errorf("token cache is required")
	}
	l := config.Logger
	if l == nil {
		l = slog.Default()
	}
	httpMetrics := config.Metrics
	if httpMetrics == nil {
		httpMetrics = metrics.NewHTTPRequest(metrics.NoopMetrics{}.Meter())
	}
	timeout := config.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}

	// No timeout on idle connections beyond the transport defaults. Response
	// compression stays enabled so the upstream decides the encoding.
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			// Relay redirects to the caller instead of following them.
			return http.ErrUseLastResponse
		},
	}
	return &Handler{
		upstream:    config.Upstream,
		cache:       config.Cache,
		httpMetrics: httpMetrics,
		l:           l,
		client:      client,
	}, nil
}

// ServeHTTP forwards the request to the upstream with the bearer token set.
// A credential failure responds 503 and an upstream failure responds 502, so
// a request is never forwarded without a valid token.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	credential, err := h.cache.Get(r.Context())
	if err != nil {
		h.l.Error("failed to acquire credential",
			slog.String("request_id", requestID), slog.String("error", err.Error()))
		h.httpMetrics.RecordRequestCompletion(r.Context(), r.Method, "", http.StatusServiceUnavailable, time.Since(startTime))
		writeError(w, http.StatusServiceUnavailable, "server_error", fmt.Sprintf("failed to acquire credential: %v", err))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.l.Error("failed to read request body",
			slog.String("request_id", requestID), slog.String("error", err.Error()))
		h.httpMetrics.RecordRequestCompletion(r.Context(), r.Method, "", http.StatusBadRequest, time.Since(startTime))
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
		return
	}
	// The model name is only used as a log and metric label, so a body that
	// carries none is fine.
	model := gjson.GetBytes(body, "model").String()

	upstreamURL := *h.upstream
	upstreamURL.Path = singleJoiningSlash(h.upstream.Path, r.URL.Path)
	upstreamURL.RawQuery = r.URL.RawQuery

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	upstreamReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), reqBody)
	if err != nil {
		h.l.Error("failed to create upstream request",
			slog.String("request_id", requestID), slog.String("error", err.Error()))
		h.httpMetrics.RecordRequestCompletion(r.Context(), r.Method, model, http.StatusInternalServerError, time.Since(startTime))
		writeError(w, http.StatusInternalServerError, "server_error", "failed to create upstream request")
		return
	}

	for key, values := range r.Header {
		// Hop-by-hop headers stay on this hop. Content-Length is recomputed
		// by the transport for the buffered body.
		if isHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			upstreamReq.Header.Add(key, value)
		}
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+credential.Token)
	upstreamReq.Header.Set(requestIDHeader, requestID)

	h.l.Info("proxying request",
		slog.String("request_id", requestID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("model", model))

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		h.l.Error("upstream request failed",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(startTime)))
		h.httpMetrics.RecordRequestCompletion(r.Context(), r.Method, model, http.StatusBadGateway, time.Since(startTime))
		writeError(w, http.StatusBadGateway, "server_error", fmt.Sprintf("upstream request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	if w.Header().Get(requestIDHeader) == "" {
		w.Header().Set(requestIDHeader, requestID)
	}

	var bytesCopied int64
	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		bytesCopied = h.streamSSE(w, resp, requestID)
	} else {
		w.WriteHeader(resp.StatusCode)
		bytesCopied, _ = io.Copy(w, resp.Body)
	}

	h.httpMetrics.RecordRequestCompletion(r.Context(), r.Method, model, resp.StatusCode, time.Since(startTime))
	h.l.Info("request completed",
		slog.String("request_id", requestID),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", resp.StatusCode),
		slog.Int64("bytes", bytesCopied),
		slog.Duration("duration", time.Since(startTime)))
}

// streamSSE relays a Server-Sent Events response, flushing after each chunk
// so events reach the client as the upstream emits them.
func (h *Handler) streamSSE(w http.ResponseWriter, resp *http.Response, requestID string) int64 {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.l.Error("streaming not supported by response writer",
			slog.String("request_id", requestID))
		writeError(w, http.StatusInternalServerError, "server_error", "streaming not supported")
		return 0
	}

	w.Header().Set("Cache-Control", "no-cache")
	// Disable response buffering in intermediaries such as nginx.
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	// A small buffer keeps per-event latency low.
	buffer := make([]byte, 4096)
	var totalBytes int64
	for {
		n, err := resp.Body.Read(buffer)
		if n > 0 {
			written, writeErr := w.Write(buffer[:n])
			if writeErr != nil {
				h.l.Warn("client disconnected during stream",
					slog.String("request_id", requestID),
					slog.Int64("bytes_sent", totalBytes))
				return totalBytes
			}
			totalBytes += int64(written)
			flusher.Flush()
		}
		if err != nil {
			if err != io.EOF {
				h.l.Warn("upstream error during stream",
					slog.String("request_id", requestID),
					slog.String("error", err.Error()),
					slog.Int64("bytes_sent", totalBytes))
			}
			return totalBytes
		}
	}
}

// openAIError is the OpenAI error wire format. Failures originating in the
// proxy are reported in the same envelope upstream errors arrive in, so
// callers parse one shape regardless of where the request died.
type openAIError struct {
	Error openAIErrorDetail `json:"error"`
}

type openAIErrorDetail struct {
	Type    string  `json:"type"`
	Message string  `json:"message"`
	Code    *string `json:"code,omitempty"`
	Param   *string `json:"param,omitempty"`
}

func writeError(w http.ResponseWriter, statusCode int, errType, message string) {
	body, err := json.Marshal(openAIError{Error: openAIErrorDetail{Type: errType, Message: message}})
	if err != nil {
		http.Error(w, message, statusCode)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// Health answers liveness probes on both the proxy and admin listeners.
func Health(w http.ResponseWriter, _ *http.Request) {
	body, _ := json.Marshal(map[string]string{"status": "ok"})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

// hopByHopHeaders lists headers that must not be forwarded to the next hop.
var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// singleJoiningSlash joins two URL paths with a single slash.
func singleJoiningSlash(a, b string) string {
	aSlash := strings.HasSuffix(a, "/")
	bSlash := strings.HasPrefix(b, "/")
	switch {
	case aSlash && bSlash:
		return a + b[1:]
	case !aSlash && !bSlash:
		return a + "/" + b
	}
	return a + b
}
