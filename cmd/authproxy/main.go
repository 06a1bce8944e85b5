// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/envoyproxy/authproxy/internal/pprof"
	"github.com/envoyproxy/authproxy/internal/version"
)

type (
	cmd struct {
		Version struct{} `cmd:"" help:"Show version."`
		Run     cmdRun   `cmd:"" help:"Run the authentication proxy."`
	}
	cmdRun struct {
		ListenAddr                 string        `name:"listen-addr" env:"LISTEN_ADDR" default:":8080" help:"Address the proxy listens on."`
		AdminAddr                  string        `name:"admin-addr" env:"ADMIN_ADDR" default:":9901" help:"Address the admin server (health and metrics) listens on."`
		UpstreamURL                string        `name:"upstream-url" env:"API_BASE_URL" required:"" help:"Base URL proxied requests are forwarded to."`
		AzureTenantID              string        `name:"azure-tenant-id" env:"AZURE_TENANT_ID" help:"Microsoft Entra ID tenant."`
		AzureClientID              string        `name:"azure-client-id" env:"AZURE_CLIENT_ID" help:"Client ID of the proxy's own identity."`
		AzureClientCertificatePath string        `name:"azure-client-certificate-path" env:"AZURE_CLIENT_CERTIFICATE_PATH,AZURE_CERTIFICATE_PATH" help:"Path to a PEM or PKCS#12 file with the client certificate and its private key."`
		AzureClientSecret          string        `name:"azure-client-secret" env:"AZURE_CLIENT_SECRET" help:"Client secret, as an alternative to a certificate."`
		OIDCIssuerURL              string        `name:"oidc-issuer-url" env:"OIDC_ISSUER_URL" help:"OIDC issuer to discover the token endpoint from."`
		OIDCTokenURL               string        `name:"oidc-token-url" env:"OIDC_TOKEN_URL" help:"Explicit OIDC token endpoint, skipping discovery."`
		OIDCClientID               string        `name:"oidc-client-id" env:"OIDC_CLIENT_ID" help:"Client ID for the OIDC client credentials grant."`
		OIDCClientSecret           string        `name:"oidc-client-secret" env:"OIDC_CLIENT_SECRET" help:"Client secret for the OIDC client credentials grant."`
		Scope                      string        `name:"scope" env:"AZURE_SCOPE" default:"https://cognitiveservices.azure.com/.default" help:"Scope requested for the token."`
		RefreshSkew                time.Duration `name:"refresh-skew" env:"TOKEN_REFRESH_SKEW" default:"5m" help:"How long before expiry a token is refreshed."`
		RefreshInterval            time.Duration `name:"refresh-interval" env:"TOKEN_REFRESH_INTERVAL" default:"30m" help:"How often the background refresher checks the token."`
		RefreshTimeout             time.Duration `name:"refresh-timeout" env:"TOKEN_REFRESH_TIMEOUT" default:"1m" help:"Timeout for a single token refresh."`
		UpstreamTimeout            time.Duration `name:"upstream-timeout" env:"UPSTREAM_TIMEOUT" default:"120s" help:"Timeout for a proxied request, including reading the response."`
		LogLevel                   string        `name:"log-level" env:"LOG_LEVEL" default:"info" help:"Log level (debug, info, warn, error)."`
	}
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	pprof.Run(ctx)
	signalsChan := make(chan os.Signal, 1)
	signal.Notify(signalsChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalsChan
		log.Printf("signal received, shutting down...")
		cancel()
	}()
	doMain(ctx, os.Stdout, os.Stderr, os.Args[1:], run)
}

type runFn func(ctx context.Context, c cmdRun, stdout, stderr io.Writer) error

func doMain(ctx context.Context, stdout, stderr io.Writer, args []string, rf runFn) {
	var c cmd
	parser, err := kong.New(&c,
		kong.Name("authproxy"),
		kong.Description("Forward proxy that injects a bearer token into requests to an AI backend."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		log.Fatalf("Error creating parser: %v", err)
	}
	kctx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	switch kctx.Command() {
	case "version":
		_, _ = stdout.Write([]byte(fmt.Sprintf("authproxy: %s\n", version.Version)))
	case "run":
		if err := rf(ctx, c.Run, stdout, stderr); err != nil {
			log.Fatalf("Error running proxy: %v", err)
		}
	default:
		panic("unreachable")
	}
}
