// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package tokencache holds the bearer token injected into proxied requests
// and keeps it fresh. A token is considered due for refresh a configurable
// skew before its expiry so a credential is never handed out moments before
// it lapses.
package tokencache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/envoyproxy/authproxy/internal/metrics"
	"github.com/envoyproxy/authproxy/internal/redaction"
	"github.com/envoyproxy/authproxy/internal/tokenprovider"
)

// defaultRefreshSkew is how long before expiry a token is treated as stale.
const defaultRefreshSkew = 5 * time.Minute

// Credential is a bearer token together with when it was acquired and when
// it expires.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenCache caches the credential acquired from a tokenprovider.TokenProvider.
// Concurrent readers share the cached credential; when it goes stale, exactly
// one caller performs the refresh while the rest wait for its outcome.
type TokenCache struct {
	provider     tokenprovider.TokenProvider
	tokenMetrics metrics.TokenRefresh
	l            *slog.Logger
	refreshSkew  time.Duration
	now          func() time.Time

	mu         sync.RWMutex
	credential Credential
}

// NewTokenCache creates a TokenCache. refreshSkew falls back to 5 minutes
// when zero or negative.
func NewTokenCache(provider tokenprovider.TokenProvider, tokenMetrics metrics.TokenRefresh, l *slog.Logger, refreshSkew time.Duration) *TokenCache {
	if refreshSkew <= 0 {
		refreshSkew = defaultRefreshSkew
	}
	return &TokenCache{
		provider:     provider,
		tokenMetrics: tokenMetrics,
		l:            l,
		refreshSkew:  refreshSkew,
		now:          time.Now,
	}
}

// Get returns the cached credential, refreshing it first when it is absent or
// due for refresh. On refresh failure the error is returned and the cached
// credential is left untouched, so a later call can retry.
func (c *TokenCache) Get(ctx context.Context) (Credential, error) {
	c.mu.RLock()
	if !c.staleLocked() {
		credential := c.credential
		c.mu.RUnlock()
		return credential, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check after acquiring the write lock: another caller may have
	// refreshed while we waited.
	if c.staleLocked() {
		if err := c.refreshLocked(ctx); err != nil {
			return Credential{}, err
		}
	}
	return c.credential, nil
}

// RefreshIfStale refreshes the credential when it is absent or due for
// refresh. It reports whether a refresh was attempted.
func (c *TokenCache) RefreshIfStale(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.staleLocked() {
		return false, nil
	}
	return true, c.refreshLocked(ctx)
}

// staleLocked reports whether the credential is absent or inside the refresh
// skew window. The caller must hold mu.
func (c *TokenCache) staleLocked() bool {
	if c.credential.Token == "" {
		return true
	}
	return !c.now().Before(c.credential.ExpiresAt.Add(-c.refreshSkew))
}

// refreshLocked acquires a new token from the provider. The cached credential
// is replaced only on success. The caller must hold mu for writing.
func (c *TokenCache) refreshLocked(ctx context.Context) error {
	c.tokenMetrics.StartRefresh()
	tokenExpiry, err := c.provider.GetToken(ctx)
	c.tokenMetrics.RecordRefresh(ctx, err, tokenExpiry.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to refresh token: %w", err)
	}
	now := c.now()
	rotated := tokenExpiry.Token != c.credential.Token
	c.credential = Credential{Token: tokenExpiry.Token, IssuedAt: now, ExpiresAt: tokenExpiry.ExpiresAt}
	if !tokenExpiry.ExpiresAt.After(now.Add(c.refreshSkew)) {
		// Every Get will trigger a refresh until the provider hands out a
		// longer-lived token.
		c.l.Warn("token lifetime is shorter than the refresh skew",
			slog.Time("expires_at", tokenExpiry.ExpiresAt), slog.Duration("refresh_skew", c.refreshSkew))
	} else {
		c.l.Info("token refreshed",
			slog.Time("expires_at", tokenExpiry.ExpiresAt),
			slog.Bool("rotated", rotated),
			slog.String("token", redaction.RedactString(tokenExpiry.Token)))
	}
	return nil
}
