// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package metrics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/envoyproxy/authproxy/internal/tokenprovider"
)

const (
	metricTokenRefreshes       = "auth.token.refreshes"
	metricTokenRefreshDuration = "auth.token.refresh.duration"
	metricTokenExpiry          = "auth.token.expiry.time"

	attributeOutcome = "outcome"

	outcomeSuccess     = "success"
	outcomeRejected    = "rejected"
	outcomeUnavailable = "unavailable"
)

// TokenRefresh is the interface for the token refresh metrics. The token
// cache serializes refreshes, so implementations do not need to be goroutine
// safe.
type TokenRefresh interface {
	// StartRefresh initializes timing for a new refresh attempt.
	StartRefresh()
	// RecordRefresh records the outcome of a refresh attempt. expiresAt is the
	// expiration time of the newly acquired token and is ignored when err is
	// non-nil.
	RecordRefresh(ctx context.Context, err error, expiresAt time.Time)
}

// tokenRefresh is the implementation for the token refresh metrics.
type tokenRefresh struct {
	refreshes       metric.Int64Counter
	refreshDuration metric.Float64Histogram
	tokenExpiry     metric.Float64Gauge
	refreshStart    time.Time
}

// NewTokenRefresh creates a new TokenRefresh instance.
func NewTokenRefresh(meter metric.Meter) TokenRefresh {
	refreshes, _ := meter.Int64Counter(
		metricTokenRefreshes,
		metric.WithDescription("Number of token refresh attempts."),
		metric.WithUnit("{refresh}"),
	)
	refreshDuration, _ := meter.Float64Histogram(
		metricTokenRefreshDuration,
		metric.WithDescription("Time spent acquiring a token from the identity provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28, 2.56, 5.12, 10.24, 20.48, 40.96, 81.92),
	)
	tokenExpiry, _ := meter.Float64Gauge(
		metricTokenExpiry,
		metric.WithDescription("Expiration time of the cached token as a unix timestamp."),
		metric.WithUnit("s"),
	)
	return &tokenRefresh{
		refreshes:       refreshes,
		refreshDuration: refreshDuration,
		tokenExpiry:     tokenExpiry,
	}
}

// StartRefresh implements [TokenRefresh.StartRefresh].
func (t *tokenRefresh) StartRefresh() {
	t.refreshStart = time.Now()
}

// RecordRefresh implements [TokenRefresh.RecordRefresh].
func (t *tokenRefresh) RecordRefresh(ctx context.Context, err error, expiresAt time.Time) {
	attrs := metric.WithAttributes(attribute.Key(attributeOutcome).String(refreshOutcome(err)))
	t.refreshes.Add(ctx, 1, attrs)
	t.refreshDuration.Record(ctx, time.Since(t.refreshStart).Seconds(), attrs)
	if err == nil {
		t.tokenExpiry.Record(ctx, float64(expiresAt.Unix()))
	}
}

// refreshOutcome maps a refresh error to the low-cardinality outcome attribute.
func refreshOutcome(err error) string {
	switch {
	case err == nil:
		return outcomeSuccess
	case errors.Is(err, tokenprovider.ErrRejected):
		return outcomeRejected
	default:
		return outcomeUnavailable
	}
}
