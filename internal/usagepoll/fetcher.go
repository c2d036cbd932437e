package usagepoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/provider"
	"github.com/kestrelai/acctproxy/internal/ratelimit"
	"github.com/kestrelai/acctproxy/internal/usagecache"
)

// TransportProvider supplies the per-account HTTP client a probe request
// should ride, so probe traffic uses the same dialer/TLS fingerprint as
// proxied requests.
type TransportProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// TokenProvider returns a valid access token for an account, refreshing it
// first if needed.
type TokenProvider interface {
	EnsureValidToken(ctx context.Context, accountID string) (string, error)
}

// probeBody is the smallest request each vendor will actually answer with
// a full set of rate-limit/utilization headers. A haiku-class chat
// completion is cheap and, unlike a HEAD or OPTIONS call, provokes the
// same header set a real proxied request would.
const probeBody = `{"model":"claude-haiku-4-5-20251001","max_tokens":1,"messages":[{"role":"user","content":"hi"}]}`

// ProbeFetcher implements Fetcher by sending a minimal chat request to each
// account's upstream and reading back its rate-limit/utilization headers,
// the same technique the admin dashboard's stale-account probe used
// (spec.md §4.6: "fetch each OAuth account's vendor usage/utilization
// endpoint").
type ProbeFetcher struct {
	registry  *provider.Registry
	tokens    TokenProvider
	transport TransportProvider
}

func NewProbeFetcher(registry *provider.Registry, tokens TokenProvider, transport TransportProvider) *ProbeFetcher {
	return &ProbeFetcher{registry: registry, tokens: tokens, transport: transport}
}

// FetchUsage sends a minimal probe request for acct and turns the
// response's rate-limit headers into a usage snapshot. Non-2xx responses
// still carry usable headers (e.g. a 429 reports the same reset/remaining
// fields a 200 would), so only transport-level failures are treated as
// errors.
func (f *ProbeFetcher) FetchUsage(ctx context.Context, acct *account.Account) (usagecache.Snapshot, error) {
	p, err := f.registry.Get(acct.Provider)
	if err != nil {
		return usagecache.Snapshot{}, fmt.Errorf("provider lookup: %w", err)
	}
	caps := p.Capabilities()
	if !caps.SupportsUsageTracking {
		return usagecache.Snapshot{}, fmt.Errorf("provider %s does not support usage tracking", acct.Provider)
	}

	token, err := f.tokens.EnsureValidToken(ctx, acct.ID)
	if err != nil {
		return usagecache.Snapshot{}, fmt.Errorf("ensure valid token: %w", err)
	}

	endpoint := acct.CustomEndpoint
	if endpoint == "" {
		endpoint = caps.DefaultEndpoint
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(probeBody))
	if err != nil {
		return usagecache.Snapshot{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setProbeAuthHeader(req.Header, caps.AuthHeader, token)

	client := f.transport.GetClient(acct)
	resp, err := client.Do(req)
	if err != nil {
		return usagecache.Snapshot{}, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()
	// Drain and discard; we only need the response headers, but the body
	// must still be read so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	sig := ratelimit.ParseHeaders(resp.Header, time.Now())
	snap := usagecache.Snapshot{
		UtilizationPct:        utilizationFromSignal(sig),
		MostRestrictiveWindow: sig.Status,
		FullPayloadJSON:       headersToJSON(resp.Header),
		FetchedAtMs:           time.Now().UnixMilli(),
	}
	return snap, nil
}

func setProbeAuthHeader(h http.Header, authHeader, token string) {
	if authHeader == "" || strings.EqualFold(authHeader, "authorization") {
		h.Set("Authorization", "Bearer "+token)
		return
	}
	h.Set(authHeader, token)
}

// utilizationFromSignal derives a 0-100 utilization estimate from the
// parsed remaining-budget header. A negative Remaining means the vendor
// didn't report one, in which case utilization is left at zero rather than
// guessed.
func utilizationFromSignal(sig ratelimit.Signal) float64 {
	if sig.Remaining < 0 {
		return 0
	}
	if sig.Remaining > 100 {
		return 0
	}
	return 100 - float64(sig.Remaining)
}

func headersToJSON(h http.Header) string {
	flat := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			flat[strings.ToLower(k)] = v[0]
		}
	}
	b, err := json.Marshal(flat)
	if err != nil {
		return "{}"
	}
	return string(b)
}
