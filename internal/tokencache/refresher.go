// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokencache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/envoyproxy/authproxy/internal/tokenprovider"
)

const (
	defaultRefreshInterval = 30 * time.Minute
	defaultRefreshTimeout  = time.Minute
)

// Refresher periodically refreshes the cached credential so proxied requests
// rarely pay for a token acquisition inline.
type Refresher struct {
	cache    *TokenCache
	l        *slog.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewRefresher creates a Refresher ticking every interval and bounding each
// refresh attempt by timeout. Zero or negative values fall back to 30 minutes
// and 1 minute respectively.
func NewRefresher(cache *TokenCache, l *slog.Logger, interval, timeout time.Duration) *Refresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if timeout <= 0 {
		timeout = defaultRefreshTimeout
	}
	return &Refresher{cache: cache, l: l, interval: interval, timeout: timeout}
}

// Run refreshes the credential on every tick until ctx is done. Refresh
// failures are logged and the loop continues; the cache keeps serving the
// previous credential until it expires.
func (r *Refresher) Run(ctx context.Context) error {
	r.l.Info("starting token refresher",
		slog.Duration("interval", r.interval), slog.Duration("timeout", r.timeout))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.l.Info("stopping token refresher")
			return nil
		case <-ticker.C:
			r.refresh(ctx)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	attempted, err := r.cache.RefreshIfStale(ctx)
	switch {
	case err == nil:
		if attempted {
			r.l.Debug("background token refresh succeeded")
		}
	case errors.Is(err, tokenprovider.ErrRejected):
		r.l.Error("token refresh rejected, check client credential configuration",
			slog.String("error", err.Error()))
	default:
		r.l.Error("failed to refresh token", slog.String("error", err.Error()))
	}
}
