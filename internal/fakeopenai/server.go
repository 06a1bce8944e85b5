// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package fakeopenai provides a canned OpenAI-compatible upstream for tests.
// It records every request it receives so tests can assert on what the proxy
// actually forwarded.
package fakeopenai

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/envoyproxy/authproxy/internal/json"
)

// ReceivedRequest captures one request as the upstream saw it.
type ReceivedRequest struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Server is a fake OpenAI-compatible upstream backed by httptest.
type Server struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []ReceivedRequest
}

// NewServer starts a fake upstream serving chat completions. Close must be
// called when the test is done.
func NewServer() *Server {
	s := &Server{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the base URL of the fake upstream.
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts the fake upstream down.
func (s *Server) Close() {
	s.server.Close()
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []ReceivedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReceivedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, ReceivedRequest{
		Method:   r.Method,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
		Header:   r.Header.Clone(),
		Body:     body,
	})
	s.mu.Unlock()

	switch r.URL.Path {
	case "/v1/chat/completions", "/chat/completions":
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = fmt.Fprintf(w, `{"error": {"message": "Unknown request URL: %s %s", "type": "invalid_request_error"}}`, r.Method, r.URL.Path)
		return
	}

	if !json.Valid(body) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": {"message": "We could not parse the JSON body of your request.", "type": "invalid_request_error"}}`)
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error": {"message": "you must provide a model parameter", "type": "invalid_request_error"}}`)
		return
	}

	if gjson.GetBytes(body, "stream").Bool() {
		s.streamCompletion(w, model)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, completionTemplate, model)
}

func (s *Server) streamCompletion(w http.ResponseWriter, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, chunk := range []string{
		fmt.Sprintf(completionChunkTemplate, model, `{"role": "assistant", "content": "This is "}`, "null"),
		fmt.Sprintf(completionChunkTemplate, model, `{"content": "a test response."}`, `"stop"`),
		"[DONE]",
	} {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", chunk)
		flusher.Flush()
	}
}

// Response bodies follow the examples in the OpenAI OpenAPI document.
// See https://github.com/openai/openai-openapi/tree/manual_spec
const (
	completionTemplate = `{
  "id": "chatcmpl-abc123",
  "object": "chat.completion",
  "created": 1755000000,
  "model": "%s",
  "choices": [
    {
      "index": 0,
      "message": {
        "role": "assistant",
        "content": "This is a test response."
      },
      "finish_reason": "stop"
    }
  ],
  "usage": {
    "prompt_tokens": 9,
    "completion_tokens": 6,
    "total_tokens": 15
  }
}`
	completionChunkTemplate = `{"id": "chatcmpl-abc123", "object": "chat.completion.chunk", "created": 1755000000, "model": "%s", "choices": [{"index": 0, "delta": %s, "finish_reason": %s}]}`
)
