// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package tokenprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OIDCConfig configures an OIDC client credentials grant.
type OIDCConfig struct {
	// IssuerURL is the OIDC issuer used to discover the token endpoint.
	// Ignored when TokenURL is set.
	IssuerURL string
	// TokenURL is an explicit token endpoint, skipping discovery.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

type oidcTokenProvider struct {
	oauth2Config clientcredentials.Config
}

// NewOidcTokenProvider creates a TokenProvider for the given OIDC issuer.
// When no explicit token endpoint is configured, the endpoint is resolved
// once at construction via OIDC discovery.
func NewOidcTokenProvider(ctx context.Context, config OIDCConfig) (TokenProvider, error) {
	tokenURL := config.TokenURL
	if tokenURL == "" {
		provider, err := oidc.NewProvider(ctx, config.IssuerURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create oidc provider: %w", err)
		}
		// Discovery returns the OAuth2 endpoints.
		tokenURL = provider.Endpoint().TokenURL
	}
	if tokenURL == "" {
		return nil, fmt.Errorf("oidc issuer %s does not advertise a token endpoint", config.IssuerURL)
	}
	return &oidcTokenProvider{
		oauth2Config: clientcredentials.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			TokenURL:     tokenURL,
			Scopes:       config.Scopes,
		},
	}, nil
}

// GetToken implements TokenProvider.GetToken method to retrieve an access token via the client credentials grant.
func (o *oidcTokenProvider) GetToken(ctx context.Context) (TokenExpiry, error) {
	token, err := o.oauth2Config.Token(ctx)
	if err != nil {
		return TokenExpiry{}, oidcTokenError(err)
	}
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		// Some issuers omit expires_in. Fall back to the exp claim of the
		// access token itself.
		expiresAt, err = tokenExpiry(token.AccessToken)
		if err != nil {
			return TokenExpiry{}, err
		}
	}
	return TokenExpiry{Token: token.AccessToken, ExpiresAt: expiresAt}, nil
}

// tokenExpiry extracts the exp claim from a JWT access token. The token is
// not verified; it was just received over TLS from the issuer.
func tokenExpiry(accessToken string) (time.Time, error) {
	token, _, err := jwt.NewParser().ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token: %w", err)
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse access token exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}
	return exp.Time, nil
}

// oidcTokenError wraps definitive rejections from the issuer in ErrRejected.
// 408 and 429 responses stay transient.
func oidcTokenError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.Response == nil {
		return err
	}
	switch code := retrieveErr.Response.StatusCode; {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return err
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %s", ErrRejected, err.Error())
	default:
		return err
	}
}
