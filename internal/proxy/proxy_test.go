// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/envoyproxy/authproxy/internal/fakeopenai"
	"github.com/envoyproxy/authproxy/internal/json"
	"github.com/envoyproxy/authproxy/internal/metrics"
	"github.com/envoyproxy/authproxy/internal/tokencache"
	"github.com/envoyproxy/authproxy/internal/tokenprovider"
)

type recordedCompletion struct {
	method string
	model  string
	status int
}

// fakeHTTPMetrics captures request completions for assertions.
type fakeHTTPMetrics struct {
	mu          sync.Mutex
	completions []recordedCompletion
}

func (f *fakeHTTPMetrics) RecordRequestCompletion(_ context.Context, method, model string, statusCode int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, recordedCompletion{method: method, model: model, status: statusCode})
}

func (f *fakeHTTPMetrics) recorded() []recordedCompletion {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedCompletion, len(f.completions))
	copy(out, f.completions)
	return out
}

func startProxy(t *testing.T, upstreamURL string, provider tokenprovider.TokenProvider, httpMetrics metrics.HTTPRequest) *httptest.Server {
	t.Helper()
	u, err := url.Parse(upstreamURL)
	require.NoError(t, err)
	l := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	cache := tokencache.NewTokenCache(provider, metrics.NewTokenRefresh(metrics.NoopMetrics{}.Meter()), l, 0)
	handler, err := NewHandler(Config{Upstream: u, Cache: cache, Metrics: httpMetrics, Logger: l})
	require.NoError(t, err)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

func validProvider() tokenprovider.TokenProvider {
	return tokenprovider.NewMockTokenProvider("test-token", time.Now().Add(time.Hour), nil)
}

func TestNewHandler(t *testing.T) {
	u, err := url.Parse("http://upstream.example.com")
	require.NoError(t, err)
	cache := tokencache.NewTokenCache(validProvider(), metrics.NewTokenRefresh(metrics.NoopMetrics{}.Meter()), slog.Default(), 0)

	t.Run("requires upstream", func(t *testing.T) {
		_, err := NewHandler(Config{Cache: cache})
		require.ErrorContains(t, err, "upstream URL is required")
	})
	t.Run("requires cache", func(t *testing.T) {
		_, err := NewHandler(Config{Upstream: u})
		require.ErrorContains(t, err, "token cache is required")
	})
	t.Run("defaults", func(t *testing.T) {
		handler, err := NewHandler(Config{Upstream: u, Cache: cache})
		require.NoError(t, err)
		require.Equal(t, defaultUpstreamTimeout, handler.client.Timeout)
	})
}

func TestHandler_ServeHTTP(t *testing.T) {
	t.Run("forwards request with bearer token", func(t *testing.T) {
		var gotMethod, gotPath, gotQuery, gotHost, gotAuth, gotRequestID string
		var gotBody []byte
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotMethod = r.Method
			gotPath = r.URL.Path
			gotQuery = r.URL.RawQuery
			gotHost = r.Host
			gotAuth = r.Header.Get("Authorization")
			gotRequestID = r.Header.Get("x-request-id")
			gotBody, _ = io.ReadAll(r.Body)
			w.Header().Set("X-Upstream", "yes")
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"ok": true}`)
		}))
		defer upstream.Close()
		proxyServer := startProxy(t, upstream.URL, validProvider(), nil)

		req, err := http.NewRequest(http.MethodPost, proxyServer.URL+"/v1/chat/completions?api-version=2024-06-01",
			strings.NewReader(`{"model": "gpt-5-nano"}`))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Equal(t, http.MethodPost, gotMethod)
		require.Equal(t, "/v1/chat/completions", gotPath)
		require.Equal(t, "api-version=2024-06-01", gotQuery)
		require.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), gotHost)
		require.Equal(t, "Bearer test-token", gotAuth)
		require.NotEmpty(t, gotRequestID)
		require.JSONEq(t, `{"model": "gpt-5-nano"}`, string(gotBody))

		require.Equal(t, http.StatusCreated, resp.StatusCode)
		require.Equal(t, "yes", resp.Header.Get("X-Upstream"))
		require.NotEmpty(t, resp.Header.Get("x-request-id"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"ok": true}`, string(body))
	})

	t.Run("overwrites caller authorization", func(t *testing.T) {
		var gotAuth string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
		}))
		defer upstream.Close()
		proxyServer := startProxy(t, upstream.URL, validProvider(), nil)

		req, err := http.NewRequest(http.MethodGet, proxyServer.URL+"/v1/models", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer caller-supplied")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, "Bearer test-token", gotAuth)
	})

	t.Run("strips hop-by-hop headers", func(t *testing.T) {
		var gotHeader http.Header
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeader = r.Header.Clone()
		}))
		defer upstream.Close()
		proxyServer := startProxy(t, upstream.URL, validProvider(), nil)

		req, err := http.NewRequest(http.MethodGet, proxyServer.URL+"/v1/models", nil)
		require.NoError(t, err)
		req.Header.Set("Proxy-Authorization", "Basic secret")
		req.Header.Set("Keep-Alive", "timeout=5")
		req.Header.Set("X-Custom", "forwarded")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()

		require.Empty(t, gotHeader.Get("Proxy-Authorization"))
		require.Empty(t, gotHeader.Get("Keep-Alive"))
		require.Equal(t, "forwarded", gotHeader.Get("X-Custom"))
	})

	t.Run("preserves caller request id", func(t *testing.T) {
		var gotRequestID string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotRequestID = r.Header.Get("x-request-id")
		}))
		defer upstream.Close()
		proxyServer := startProxy(t, upstream.URL, validProvider(), nil)

		req, err := http.NewRequest(http.MethodGet, proxyServer.URL+"/v1/models", nil)
		require.NoError(t, err)
		req.Header.Set("x-request-id", "caller-id")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, "caller-id", gotRequestID)
		require.Equal(t, "caller-id", resp.Header.Get("x-request-id"))
	})

	t.Run("responds 503 when credential acquisition fails", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("request must not reach the upstream without a credential")
		}))
		defer upstream.Close()
		provider := tokenprovider.NewMockTokenProvider("", time.Time{}, errors.New("issuer unreachable"))
		httpMetrics := &fakeHTTPMetrics{}
		proxyServer := startProxy(t, upstream.URL, provider, httpMetrics)

		resp, err := http.Get(proxyServer.URL + "/v1/models")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var errResp openAIError
		require.NoError(t, json.Unmarshal(body, &errResp))
		require.Equal(t, "server_error", errResp.Error.Type)
		require.Contains(t, errResp.Error.Message, "failed to acquire credential")
		require.Contains(t, errResp.Error.Message, "issuer unreachable")
		require.Equal(t, []recordedCompletion{{method: http.MethodGet, status: http.StatusServiceUnavailable}}, httpMetrics.recorded())
	})

	t.Run("responds 502 when upstream is unreachable", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		upstreamURL := upstream.URL
		upstream.Close()
		httpMetrics := &fakeHTTPMetrics{}
		proxyServer := startProxy(t, upstreamURL, validProvider(), httpMetrics)

		resp, err := http.Get(proxyServer.URL + "/v1/models")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusBadGateway, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		var errResp openAIError
		require.NoError(t, json.Unmarshal(body, &errResp))
		require.Equal(t, "server_error", errResp.Error.Type)
		require.Contains(t, errResp.Error.Message, "upstream request failed")
		require.Equal(t, []recordedCompletion{{method: http.MethodGet, status: http.StatusBadGateway}}, httpMetrics.recorded())
	})

	t.Run("relays upstream errors verbatim", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error": {"message": "rate limited"}}`)
		}))
		defer upstream.Close()
		proxyServer := startProxy(t, upstream.URL, validProvider(), nil)

		resp, err := http.Get(proxyServer.URL + "/v1/models")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"error": {"message": "rate limited"}}`, string(body))
	})

	t.Run("records completion metrics with the model label", func(t *testing.T) {
		upstream := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		defer upstream.Close()
		httpMetrics := &fakeHTTPMetrics{}
		proxyServer := startProxy(t, upstream.URL, validProvider(), httpMetrics)

		resp, err := http.Post(proxyServer.URL+"/v1/chat/completions", "application/json",
			strings.NewReader(`{"model": "gpt-5-nano"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, []recordedCompletion{{method: http.MethodPost, model: "gpt-5-nano", status: http.StatusOK}}, httpMetrics.recorded())
	})

	t.Run("streams server-sent events chunk by chunk", func(t *testing.T) {
		release := make(chan struct{})
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, "data: one\n\n")
			flusher.Flush()
			<-release
			_, _ = io.WriteString(w, "data: two\n\n")
			flusher.Flush()
		}))
		defer upstream.Close()
		proxyServer := startProxy(t, upstream.URL, validProvider(), nil)

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(proxyServer.URL + "/v1/chat/completions")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		require.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

		// The first event must arrive while the upstream is still holding the
		// second one back, proving the proxy flushes per chunk.
		reader := bufio.NewReader(resp.Body)
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		require.Equal(t, "data: one\n", line)
		close(release)

		rest, err := io.ReadAll(reader)
		require.NoError(t, err)
		require.Equal(t, "\ndata: two\n\n", string(rest))
	})
}

func TestHandler_ChatCompletions(t *testing.T) {
	upstream := fakeopenai.NewServer()
	defer upstream.Close()
	proxyServer := startProxy(t, upstream.URL(), validProvider(), nil)

	client := openai.NewClient(
		option.WithBaseURL(proxyServer.URL+"/v1/"),
		option.WithAPIKey("caller-supplied"),
	)

	t.Run("basic", func(t *testing.T) {
		completion, err := client.Chat.Completions.New(t.Context(), openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage("Say this is a test"),
			},
			Model: "gpt-5-nano",
		})
		require.NoError(t, err)
		require.Len(t, completion.Choices, 1)
		require.Equal(t, "This is a test response.", completion.Choices[0].Message.Content)

		requests := upstream.Requests()
		require.Len(t, requests, 1)
		require.Equal(t, "/v1/chat/completions", requests[0].Path)
		require.Equal(t, "Bearer test-token", requests[0].Header.Get("Authorization"))
		require.Equal(t, "gpt-5-nano", gjson.GetBytes(requests[0].Body, "model").String())
	})

	t.Run("streaming", func(t *testing.T) {
		stream := client.Chat.Completions.NewStreaming(t.Context(), openai.ChatCompletionNewParams{
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.UserMessage("Say this is a test"),
			},
			Model: "gpt-5-nano",
		})
		var content strings.Builder
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				content.WriteString(chunk.Choices[0].Delta.Content)
			}
		}
		require.NoError(t, stream.Err())
		require.Equal(t, "This is a test response.", content.String())
	})
}

func TestHealth(t *testing.T) {
	recorder := httptest.NewRecorder()
	Health(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Equal(t, "application/json", recorder.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status": "ok"}`, recorder.Body.String())
}

func TestSingleJoiningSlash(t *testing.T) {
	tests := []struct {
		a, b, want string
	}{
		{"", "/v1/models", "/v1/models"},
		{"/", "/v1/models", "/v1/models"},
		{"/openai", "/v1/models", "/openai/v1/models"},
		{"/openai/", "/v1/models", "/openai/v1/models"},
		{"/openai", "v1/models", "/openai/v1/models"},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, singleJoiningSlash(tc.a, tc.b), "join(%q, %q)", tc.a, tc.b)
	}
}
