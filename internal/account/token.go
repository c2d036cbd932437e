package account

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kestrelai/acctproxy/internal/config"
	"github.com/kestrelai/acctproxy/internal/provider"
)

// ErrInvalidGrant marks a refresh failure as permanent: the vendor rejected
// the refresh token itself (spec.md §4.2). Every other failure — transport
// errors, non-200s without an invalid_grant body, rate limiting — is
// retryable and must never disable the account.
var ErrInvalidGrant = errors.New("oauth refresh: invalid_grant")

// HTTPClientProvider returns the per-account HTTP client the token manager
// should use for refresh calls, so refresh traffic rides the same dialer
// and TLS fingerprint as proxied requests.
type HTTPClientProvider interface {
	GetClient(acct *Account) *http.Client
}

// TokenManager refreshes OAuth access tokens, coalescing concurrent
// refresh attempts for the same account into a single upstream call
// (spec.md §4.2).
type TokenManager struct {
	store     *AccountStore
	registry  *provider.Registry
	cfg       *config.Config
	client    *http.Client
	transport HTTPClientProvider

	group singleflight.Group
}

func NewTokenManager(store *AccountStore, registry *provider.Registry, cfg *config.Config, transport HTTPClientProvider) *TokenManager {
	return &TokenManager{
		store:     store,
		registry:  registry,
		cfg:       cfg,
		client:    &http.Client{Timeout: 30 * time.Second},
		transport: transport,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// EnsureValidToken returns a usable access token for accountID, refreshing
// it first if it has expired or is within the configured skew of expiring.
// For non-refreshable providers (API-key based) it returns the stored key
// unchanged; expiry bookkeeping is skipped entirely (spec.md §4.2).
func (tm *TokenManager) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	a, caps, err := tm.lookupAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !caps.SupportsOAuth {
		return a.APIKey, nil
	}

	if a.TokenValid(time.Now(), tm.cfg.TokenRefreshSkew) {
		return a.AccessToken, nil
	}

	return tm.refresh(ctx, accountID)
}

// ForceRefresh triggers an immediate refresh regardless of current expiry,
// e.g. after an upstream 401 that suggests the cached token was revoked.
// API-key providers have nothing to refresh, so the stored key is returned
// as-is rather than routing into the empty-refresh-token failure path.
func (tm *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	a, caps, err := tm.lookupAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !caps.SupportsOAuth {
		return a.APIKey, nil
	}
	return tm.refresh(ctx, accountID)
}

// lookupAccount fetches the account and its provider's capabilities in one
// round trip, shared by EnsureValidToken and ForceRefresh.
func (tm *TokenManager) lookupAccount(ctx context.Context, accountID string) (*Account, provider.Capabilities, error) {
	a, err := tm.store.Get(ctx, accountID)
	if err != nil {
		return nil, provider.Capabilities{}, fmt.Errorf("get account: %w", err)
	}
	if a == nil {
		return nil, provider.Capabilities{}, fmt.Errorf("account %q not found", accountID)
	}
	p, err := tm.registry.Get(a.Provider)
	if err != nil {
		return nil, provider.Capabilities{}, fmt.Errorf("provider lookup: %w", err)
	}
	return a, p.Capabilities(), nil
}

// refresh coalesces concurrent callers for the same account onto a single
// in-flight HTTP round trip via singleflight, instead of the advisory-lock
// poll-and-retry pattern a distributed deployment would need.
func (tm *TokenManager) refresh(ctx context.Context, accountID string) (string, error) {
	v, err, _ := tm.group.Do(accountID, func() (interface{}, error) {
		return tm.doRefresh(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tm *TokenManager) doRefresh(ctx context.Context, accountID string) (string, error) {
	a, err := tm.store.Get(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("get account: %w", err)
	}
	if a == nil {
		return "", fmt.Errorf("account %q not found", accountID)
	}
	if a.RefreshToken == "" {
		tm.markInvalid(ctx, a, "empty refresh token")
		return "", fmt.Errorf("empty refresh token for account %s", accountID)
	}

	slog.Info("refreshing token", "account_id", accountID)

	resp, err := tm.callOAuthRefresh(ctx, a)
	if err != nil {
		if errors.Is(err, ErrInvalidGrant) {
			tm.markInvalid(ctx, a, err.Error())
		} else {
			slog.Warn("token refresh failed, retrying later", "account_id", accountID, "error", err)
		}
		return "", fmt.Errorf("oauth refresh: %w", err)
	}

	expiresAtMs := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli()
	if err := tm.store.StoreTokens(ctx, accountID, resp.AccessToken, resp.RefreshToken, expiresAtMs); err != nil {
		slog.Error("persist refreshed tokens failed", "account_id", accountID, "error", err)
		return "", fmt.Errorf("store tokens: %w", err)
	}

	slog.Info("token refreshed", "account_id", accountID, "expires_in", resp.ExpiresIn)
	return resp.AccessToken, nil
}

func (tm *TokenManager) callOAuthRefresh(ctx context.Context, a *Account) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": a.RefreshToken,
		"client_id":     tm.cfg.OAuthClientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.cfg.OAuthTokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "claude-cli/1.0.69 (external, cli)")

	client := tm.client
	if tm.transport != nil {
		client = tm.transport.GetClient(a)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		if isInvalidGrant(respBody) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidGrant, truncateBody(respBody, 200))
		}
		return nil, fmt.Errorf("oauth refresh returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in response")
	}
	return &tr, nil
}

// isInvalidGrant reports whether a token-endpoint error body carries the
// OAuth-standard invalid_grant error, the only refresh failure the spec
// treats as permanent.
func isInvalidGrant(body []byte) bool {
	var oauthErr struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return false
	}
	return oauthErr.Error == "invalid_grant"
}

func truncateBody(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}

func (tm *TokenManager) markInvalid(ctx context.Context, a *Account, reason string) {
	slog.Error("token refresh failed", "account_id", a.ID, "error", reason)
	a.State = TokenInvalid
	if err := tm.store.Update(ctx, a); err != nil {
		slog.Error("mark account token_invalid failed", "account_id", a.ID, "error", err)
	}
}
