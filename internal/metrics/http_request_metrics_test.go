// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func TestHTTPRequest_RecordRequestCompletion(t *testing.T) {
	t.Run("success with model", func(t *testing.T) {
		mr := sdkmetric.NewManualReader()
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)).Meter("test")
		hr := NewHTTPRequest(meter)

		hr.RecordRequestCompletion(t.Context(), http.MethodPost, "gpt-5-nano", http.StatusOK, 250*time.Millisecond)

		attrs := attribute.NewSet(
			attribute.Key(attributeRequestMethod).String(http.MethodPost),
			attribute.Key(attributeResponseStatusCode).String("200"),
			attribute.Key(attributeRequestModel).String("gpt-5-nano"),
		)
		count, sum := getHistogramValues(t, mr, metricServerRequestDuration, attrs)
		assert.Equal(t, uint64(1), count)
		assert.InDelta(t, 0.25, sum, 0.001)
	})

	t.Run("upstream failure carries error type", func(t *testing.T) {
		mr := sdkmetric.NewManualReader()
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)).Meter("test")
		hr := NewHTTPRequest(meter)

		hr.RecordRequestCompletion(t.Context(), http.MethodGet, "", http.StatusBadGateway, time.Second)

		attrs := attribute.NewSet(
			attribute.Key(attributeRequestMethod).String(http.MethodGet),
			attribute.Key(attributeResponseStatusCode).String("502"),
			attribute.Key(attributeRequestModel).String(modelUnknown),
			attribute.Key(attributeErrorType).String(errorTypeFallback),
		)
		count, sum := getHistogramValues(t, mr, metricServerRequestDuration, attrs)
		assert.Equal(t, uint64(1), count)
		assert.InDelta(t, 1.0, sum, 0.001)
	})

	t.Run("client error has no error type", func(t *testing.T) {
		mr := sdkmetric.NewManualReader()
		meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr)).Meter("test")
		hr := NewHTTPRequest(meter)

		hr.RecordRequestCompletion(t.Context(), http.MethodPost, "gpt-5-nano", http.StatusNotFound, 10*time.Millisecond)

		attrs := attribute.NewSet(
			attribute.Key(attributeRequestMethod).String(http.MethodPost),
			attribute.Key(attributeResponseStatusCode).String("404"),
			attribute.Key(attributeRequestModel).String("gpt-5-nano"),
		)
		count, _ := getHistogramValues(t, mr, metricServerRequestDuration, attrs)
		assert.Equal(t, uint64(1), count)
	})
}
