// Package azureauth implements the Azure access-token loader half of
// component C2: three credential tiers tried in order (storage account key,
// refresh token via subscription/key enumeration, service-principal client
// credentials), matching ops.py's _azure_get_access_token, plus the
// user-delegation SAS signing-key loader.
package azureauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/pkg/errors"

	"github.com/8enmann/blobfile/internal/retry"
	"github.com/8enmann/blobfile/internal/token"
)

// CredentialKind tags the sum type of an Azure access token value.
type CredentialKind int

const (
	SharedKey CredentialKind = iota
	OAuth
	UserDelegationKey
)

// Credential is the tagged value a token.Record carries for Azure.
type Credential struct {
	Kind  CredentialKind
	Bytes []byte // SharedKey: raw account key
	Token string // OAuth: bearer token
	UDK   *DelegationKey
}

// DelegationKey is the response to "Get User Delegation Key".
type DelegationKey struct {
	SignedOID     string
	SignedTID     string
	SignedStart   string
	SignedExpiry  string
	SignedService string
	SignedVersion string
	Value         string
}

const (
	sharedKeyExpiration    = 24 * time.Hour
	delegationKeyExpiration = 1 * time.Hour

	managementResource = "https://management.azure.com/"
	storageResource     = "https://storage.azure.com/"
	aadTokenEndpoint    = "https://login.microsoftonline.com/common/oauth2/token"
)

// Loader resolves an Azure access token for a storage account name.
type Loader struct {
	exec *retry.Executor

	// lookupEnv is overridable for tests.
	lookupEnv func(string) (string, bool)

	// newEnvCredential is overridable for tests.
	newEnvCredential func() (azureTokenProvider, error)
}

type azureTokenProvider interface {
	GetToken(ctx context.Context, resource string) (string, time.Time, error)
}

// NewLoader returns a Loader issuing requests through exec.
func NewLoader(exec *retry.Executor) *Loader {
	return &Loader{
		exec:             exec,
		lookupEnv:        os.LookupEnv,
		newEnvCredential: newEnvironmentCredential,
	}
}

// Load implements token.Loader, keyed by storage account name.
func (l *Loader) Load(ctx context.Context, account string) (token.Record, error) {
	if key, ok := l.lookupEnv("AZURE_STORAGE_KEY"); ok && key != "" {
		if acct, _ := l.lookupEnv("AZURE_STORAGE_ACCOUNT"); acct == "" || acct == account {
			decoded, err := decodeAccountKey(key)
			if err != nil {
				return token.Record{}, err
			}
			return token.Record{
				Value:      &Credential{Kind: SharedKey, Bytes: decoded},
				Expiration: time.Now().Add(sharedKeyExpiration),
			}, nil
		}
	}

	if refreshToken, ok := l.lookupEnv("AZURE_STORAGE_REFRESH_TOKEN"); ok && refreshToken != "" {
		return l.loadViaRefreshToken(ctx, account, refreshToken)
	}

	return l.loadViaServicePrincipal(ctx, account)
}

// loadViaRefreshToken implements tier 2: exchange the refresh token for a
// management-plane OAuth token, enumerate the caller's subscriptions'
// storage accounts, find the one named account, list its keys, and pick
// one with FULL permissions.
func (l *Loader) loadViaRefreshToken(ctx context.Context, account, refreshToken string) (token.Record, error) {
	mgmtToken, _, err := l.exchangeRefreshToken(ctx, refreshToken, managementResource)
	if err != nil {
		return token.Record{}, errors.Wrap(err, "azureauth: refresh token exchange")
	}

	subs, _ := l.lookupEnv("AZURE_SUBSCRIPTION_IDS")
	for _, sub := range strings.Split(subs, ",") {
		sub = strings.TrimSpace(sub)
		if sub == "" {
			continue
		}
		storageAccountID, err := l.findStorageAccount(ctx, mgmtToken, sub, account)
		if err != nil || storageAccountID == "" {
			continue
		}
		key, err := l.listFullPermissionKey(ctx, mgmtToken, storageAccountID)
		if err != nil {
			return token.Record{}, err
		}
		decoded, err := decodeAccountKey(key)
		if err != nil {
			return token.Record{}, err
		}
		return token.Record{
			Value:      &Credential{Kind: SharedKey, Bytes: decoded},
			Expiration: time.Now().Add(sharedKeyExpiration),
		}, nil
	}
	return token.Record{}, fmt.Errorf("azureauth: storage account %q not found in any subscription", account)
}

func (l *Loader) exchangeRefreshToken(ctx context.Context, refreshToken, resource string) (string, time.Time, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		"resource":      {resource},
	}
	resp, err := l.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Content-Type", "application/x-www-form-urlencoded")
		return &retry.Request{
			Method: http.MethodPost,
			URL:    aadTokenEndpoint,
			Header: h,
			Body:   []byte(form.Encode()),
		}, nil
	})
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("azureauth: token exchange failed with status %d", resp.StatusCode)
	}
	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", time.Time{}, err
	}
	return result.AccessToken, time.Now().Add(time.Hour), nil
}

func (l *Loader) findStorageAccount(ctx context.Context, mgmtToken, subscriptionID, account string) (string, error) {
	u := fmt.Sprintf("https://management.azure.com/subscriptions/%s/providers/Microsoft.Storage/storageAccounts", subscriptionID)
	resp, err := l.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+mgmtToken)
		return &retry.Request{
			Method: http.MethodGet,
			URL:    u,
			Header: h,
			Params: url.Values{"api-version": {"2019-04-01"}},
		}, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("azureauth: list storage accounts failed with status %d", resp.StatusCode)
	}
	var result struct {
		Value []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	for _, v := range result.Value {
		if v.Name == account {
			return v.ID, nil
		}
	}
	return "", nil
}

func (l *Loader) listFullPermissionKey(ctx context.Context, mgmtToken, storageAccountID string) (string, error) {
	u := fmt.Sprintf("https://management.azure.com%s/listKeys", storageAccountID)
	resp, err := l.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+mgmtToken)
		return &retry.Request{
			Method: http.MethodPost,
			URL:    u,
			Header: h,
			Params: url.Values{"api-version": {"2019-04-01"}},
		}, nil
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("azureauth: list keys failed with status %d", resp.StatusCode)
	}
	var result struct {
		Keys []struct {
			Value       string `json:"value"`
			Permissions string `json:"permissions"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	for _, k := range result.Keys {
		if k.Permissions == "FULL" {
			return k.Value, nil
		}
	}
	return "", fmt.Errorf("azureauth: storage account did not have any FULL-permission keys")
}

// loadViaServicePrincipal implements tier 3: an OAuth token for the storage
// plane via the client-credentials flow, following azidentity's
// environment-variable convention (AZURE_CLIENT_ID, AZURE_CLIENT_SECRET,
// AZURE_TENANT_ID), the same fallback azureblob.go uses.
func (l *Loader) loadViaServicePrincipal(ctx context.Context, account string) (token.Record, error) {
	cred, err := l.newEnvCredential()
	if err != nil {
		return token.Record{}, errors.Wrap(err, "azureauth: no credentials found")
	}
	tok, expiry, err := cred.GetToken(ctx, storageResource)
	if err != nil {
		return token.Record{}, err
	}
	return token.Record{
		Value:      &Credential{Kind: OAuth, Token: tok},
		Expiration: expiry,
	}, nil
}

type environmentCredential struct {
	inner *azidentity.EnvironmentCredential
}

func newEnvironmentCredential() (azureTokenProvider, error) {
	cred, err := azidentity.NewEnvironmentCredential(nil)
	if err != nil {
		return nil, err
	}
	return &environmentCredential{inner: cred}, nil
}

func (e *environmentCredential) GetToken(ctx context.Context, resource string) (string, time.Time, error) {
	// azidentity wants scopes, not the bare resource URI; the storage-plane
	// scope is the resource with "/.default" appended, per the v2 SDK
	// convention.
	tok, err := e.inner.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{strings.TrimSuffix(resource, "/") + "/.default"},
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return tok.Token, tok.ExpiresOn, nil
}

func decodeAccountKey(key string) ([]byte, error) {
	// Azure storage account keys are base64-encoded; callers (the signer)
	// need the raw bytes to compute HMAC-SHA256.
	return base64.StdEncoding.DecodeString(key)
}

// SASLoader resolves a 1-hour user-delegation signing key for account,
// given an existing OAuth token.Manager to draw a bearer token from.
type SASLoader struct {
	exec       *retry.Executor
	oauth      *token.Manager
}

// NewSASLoader returns a SASLoader that signs "Get User Delegation Key"
// requests with tokens from oauth.
func NewSASLoader(exec *retry.Executor, oauth *token.Manager) *SASLoader {
	return &SASLoader{exec: exec, oauth: oauth}
}

// Load implements token.Loader, keyed by storage account name.
func (s *SASLoader) Load(ctx context.Context, account string) (token.Record, error) {
	rawTok, err := s.oauth.Get(ctx, account)
	if err != nil {
		return token.Record{}, err
	}
	cred, ok := rawTok.(*Credential)
	if !ok || cred.Kind != OAuth {
		return token.Record{}, fmt.Errorf("azureauth: user-delegation SAS requires an OAuth token")
	}

	start := time.Now().UTC()
	expiry := start.Add(delegationKeyExpiration)
	body := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?><KeyInfo><Start>%s</Start><Expiry>%s</Expiry></KeyInfo>`,
		start.Format("2006-01-02T15:04:05Z"), expiry.Format("2006-01-02T15:04:05Z"))

	u := fmt.Sprintf("https://%s.blob.core.windows.net/", account)
	resp, err := s.exec.Do(ctx, func(ctx context.Context) (*retry.Request, error) {
		h := http.Header{}
		h.Set("Authorization", "Bearer "+cred.Token)
		h.Set("x-ms-version", "2020-02-10")
		h.Set("Content-Type", "application/xml")
		return &retry.Request{
			Method: http.MethodPost,
			URL:    u,
			Header: h,
			Params: url.Values{"restype": {"service"}, "comp": {"userdelegationkey"}},
			Body:   []byte(body),
		}, nil
	})
	if err != nil {
		return token.Record{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return token.Record{}, fmt.Errorf("azureauth: get user delegation key failed with status %d", resp.StatusCode)
	}

	var udk struct {
		XMLName       xml.Name `xml:"UserDelegationKey"`
		SignedOID     string   `xml:"SignedOid"`
		SignedTID     string   `xml:"SignedTid"`
		SignedStart   string   `xml:"SignedStart"`
		SignedExpiry  string   `xml:"SignedExpiry"`
		SignedService string   `xml:"SignedService"`
		SignedVersion string   `xml:"SignedVersion"`
		Value         string   `xml:"Value"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&udk); err != nil {
		return token.Record{}, err
	}
	return token.Record{
		Value: &Credential{Kind: UserDelegationKey, UDK: &DelegationKey{
			SignedOID: udk.SignedOID, SignedTID: udk.SignedTID,
			SignedStart: udk.SignedStart, SignedExpiry: udk.SignedExpiry,
			SignedService: udk.SignedService, SignedVersion: udk.SignedVersion,
			Value: udk.Value,
		}},
		Expiration: expiry,
	}, nil
}
