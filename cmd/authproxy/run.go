// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/envoyproxy/authproxy/internal/metrics"
	"github.com/envoyproxy/authproxy/internal/proxy"
	"github.com/envoyproxy/authproxy/internal/tokencache"
	"github.com/envoyproxy/authproxy/internal/tokenprovider"
)

// run wires the token cache, background refresher, proxy listener and admin
// listener together and blocks until ctx is done or one of them fails.
func run(ctx context.Context, c cmdRun, _, stderr io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("failed to unmarshal log level: %w", err)
	}
	l := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: level,
	}))

	upstream, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL %s: %w", c.UpstreamURL, err)
	}
	if upstream.Scheme != "http" && upstream.Scheme != "https" || upstream.Host == "" {
		return fmt.Errorf("upstream URL %s must be an absolute http or https URL", c.UpstreamURL)
	}

	provider, err := newTokenProvider(ctx, c)
	if err != nil {
		return err
	}

	m, err := metrics.NewMetricsFromEnv(ctx)
	if err != nil {
		return fmt.Errorf("failed to configure metrics: %w", err)
	}

	cache := tokencache.NewTokenCache(provider, metrics.NewTokenRefresh(m.Meter()), l, c.RefreshSkew)

	// Prove the credential path works before accepting any traffic. A broken
	// identity configuration must fail the process, not every request.
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, c.RefreshTimeout)
	_, err = cache.RefreshIfStale(acquireCtx)
	cancelAcquire()
	if err != nil {
		return fmt.Errorf("initial token acquisition failed: %w", err)
	}

	handler, err := proxy.NewHandler(proxy.Config{
		Upstream:        upstream,
		Cache:           cache,
		Metrics:         metrics.NewHTTPRequest(m.Meter()),
		Logger:          l,
		UpstreamTimeout: c.UpstreamTimeout,
	})
	if err != nil {
		return err
	}

	proxyMux := http.NewServeMux()
	proxyMux.HandleFunc("/health", proxy.Health)
	proxyMux.Handle("/", handler)
	// Only the header read is bounded here: request bodies and streamed
	// responses may legitimately take minutes.
	proxyServer := &http.Server{
		Addr:              c.ListenAddr,
		Handler:           proxyMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health", proxy.Health)
	if registry := m.Registry(); registry != nil {
		adminMux.Handle("/metrics", promhttp.InstrumentMetricHandler(
			registry, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		))
	}
	adminServer := &http.Server{
		Addr:              c.AdminAddr,
		Handler:           adminMux,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       15 * time.Second,
	}

	refresher := tokencache.NewRefresher(cache, l, c.RefreshInterval, c.RefreshTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return refresher.Run(gctx)
	})
	g.Go(func() error {
		l.Info("starting proxy server", slog.String("address", c.ListenAddr))
		if err := proxyServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		l.Info("starting admin server", slog.String("address", c.AdminAddr))
		if err := adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := proxyServer.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shut down proxy server", slog.String("error", err.Error()))
		}
		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			l.Error("failed to shut down admin server", slog.String("error", err.Error()))
		}
		return nil
	})
	err = g.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if merr := m.Shutdown(shutdownCtx); merr != nil {
		l.Error("failed to shut down metrics", slog.String("error", merr.Error()))
	}
	return err
}

// newTokenProvider picks the issuer from the configured credentials: a client
// certificate or secret selects Microsoft Entra ID, an issuer or token URL
// selects the OIDC client credentials grant, and with none of those the
// DefaultAzureCredential chain (environment, workload identity, managed
// identity, CLI) applies.
func newTokenProvider(ctx context.Context, c cmdRun) (tokenprovider.TokenProvider, error) {
	tokenOption := policy.TokenRequestOptions{Scopes: []string{c.Scope}}
	switch {
	case c.AzureClientCertificatePath != "":
		if c.AzureTenantID == "" || c.AzureClientID == "" {
			return nil, fmt.Errorf("azure-tenant-id and azure-client-id are required with azure-client-certificate-path")
		}
		return tokenprovider.NewAzureClientCertificateTokenProvider(c.AzureTenantID, c.AzureClientID, c.AzureClientCertificatePath, tokenOption)
	case c.AzureClientSecret != "":
		if c.AzureTenantID == "" || c.AzureClientID == "" {
			return nil, fmt.Errorf("azure-tenant-id and azure-client-id are required with azure-client-secret")
		}
		return tokenprovider.NewAzureClientSecretTokenProvider(c.AzureTenantID, c.AzureClientID, c.AzureClientSecret, tokenOption)
	case c.OIDCIssuerURL != "" || c.OIDCTokenURL != "":
		if c.OIDCClientID == "" || c.OIDCClientSecret == "" {
			return nil, fmt.Errorf("oidc-client-id and oidc-client-secret are required with an oidc issuer")
		}
		return tokenprovider.NewOidcTokenProvider(ctx, tokenprovider.OIDCConfig{
			IssuerURL:    c.OIDCIssuerURL,
			TokenURL:     c.OIDCTokenURL,
			ClientID:     c.OIDCClientID,
			ClientSecret: c.OIDCClientSecret,
			Scopes:       []string{c.Scope},
		})
	default:
		return tokenprovider.NewAzureDefaultTokenProvider(tokenOption)
	}
}
