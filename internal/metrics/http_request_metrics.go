// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// See: https://opentelemetry.io/docs/specs/semconv/http/http-metrics/#metric-httpserverrequestduration
	metricServerRequestDuration = "http.server.request.duration"

	attributeRequestMethod      = "http.request.method"
	attributeResponseStatusCode = "http.response.status_code"
	attributeRequestModel       = "gen_ai.request.model"
	attributeErrorType          = "error.type"

	// errorTypeFallback is the placeholder when no low-cardinality error value exists.
	// See: https://opentelemetry.io/docs/specs/semconv/attributes-registry/error/#error-type
	errorTypeFallback = "_OTHER"

	// modelUnknown is reported when the request body carries no model name.
	modelUnknown = "unknown"
)

// HTTPRequest is the interface for the proxied request metrics.
type HTTPRequest interface {
	// RecordRequestCompletion records the latency and status of a completed
	// proxied request. model may be empty when the request body carries none.
	RecordRequestCompletion(ctx context.Context, method, model string, statusCode int, duration time.Duration)
}

// httpRequest is the implementation for the proxied request metrics.
type httpRequest struct {
	requestDuration metric.Float64Histogram
}

// NewHTTPRequest creates a new HTTPRequest instance.
func NewHTTPRequest(meter metric.Meter) HTTPRequest {
	requestDuration, _ := meter.Float64Histogram(
		metricServerRequestDuration,
		metric.WithDescription("Duration of proxied HTTP requests."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48, 40.96, 81.92),
	)
	return &httpRequest{requestDuration: requestDuration}
}

// RecordRequestCompletion implements [HTTPRequest.RecordRequestCompletion].
func (h *httpRequest) RecordRequestCompletion(ctx context.Context, method, model string, statusCode int, duration time.Duration) {
	if model == "" {
		model = modelUnknown
	}
	attrs := []attribute.KeyValue{
		attribute.Key(attributeRequestMethod).String(method),
		attribute.Key(attributeResponseStatusCode).String(strconv.Itoa(statusCode)),
		attribute.Key(attributeRequestModel).String(model),
	}
	if statusCode >= 500 {
		attrs = append(attrs, attribute.Key(attributeErrorType).String(errorTypeFallback))
	}
	h.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
