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
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

// azureTokenProvider retrieves Microsoft Entra ID access tokens through any
// azcore.TokenCredential. The SDK caches tokens internally, but expiry
// handling and refresh scheduling live in the token cache, not here.
type azureTokenProvider struct {
	credential  azcore.TokenCredential
	tokenOption policy.TokenRequestOptions
}

// NewAzureClientCertificateTokenProvider creates a TokenProvider that
// authenticates with a client certificate read from certPath. The file must
// contain the certificate and its unencrypted private key in PEM or PKCS#12
// format.
func NewAzureClientCertificateTokenProvider(tenantID, clientID, certPath string, tokenOption policy.TokenRequestOptions) (TokenProvider, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read client certificate %s: %w", certPath, err)
	}
	certs, key, err := azidentity.ParseCertificates(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to parse client certificate %s: %w", certPath, err)
	}
	credential, err := azidentity.NewClientCertificateCredential(tenantID, clientID, certs, key, nil)
	if err != nil {
		return nil, err
	}
	return &azureTokenProvider{credential: credential, tokenOption: tokenOption}, nil
}

// NewAzureClientSecretTokenProvider creates a TokenProvider that authenticates
// with a client secret.
func NewAzureClientSecretTokenProvider(tenantID, clientID, clientSecret string, tokenOption policy.TokenRequestOptions) (TokenProvider, error) {
	credential, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, err
	}
	return &azureTokenProvider{credential: credential, tokenOption: tokenOption}, nil
}

// NewAzureDefaultTokenProvider creates a TokenProvider backed by
// DefaultAzureCredential, which tries environment variables, workload
// identity, managed identity, and the Azure CLI in that order.
func NewAzureDefaultTokenProvider(tokenOption policy.TokenRequestOptions) (TokenProvider, error) {
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, err
	}
	return &azureTokenProvider{credential: credential, tokenOption: tokenOption}, nil
}

// GetToken implements TokenProvider.GetToken method to retrieve an Azure access token and its expiration time.
func (a *azureTokenProvider) GetToken(ctx context.Context) (TokenExpiry, error) {
	azureToken, err := a.credential.GetToken(ctx, a.tokenOption)
	if err != nil {
		return TokenExpiry{}, azureTokenError(err)
	}
	return TokenExpiry{Token: azureToken.Token, ExpiresAt: azureToken.ExpiresOn}, nil
}

// azureTokenError wraps definitive rejections from Entra ID in ErrRejected.
// 408 and 429 responses stay transient.
func azureTokenError(err error) error {
	var authErr *azidentity.AuthenticationFailedError
	if !errors.As(err, &authErr) || authErr.RawResponse == nil {
		return err
	}
	switch code := authErr.RawResponse.StatusCode; {
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return err
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: %s", ErrRejected, err.Error())
	default:
		return err
	}
}
