// Package account models credential holders (Accounts) and their
// lifecycle: CRUD against the store, OAuth token refresh with single-
// flight coalescing, and the state machine spec.md §4.7 describes.
package account

import (
	"time"

	"github.com/kestrelai/acctproxy/internal/provider"
)

// State is one of the four states in spec.md §4.7.
type State string

const (
	Active       State = "active"
	RateLimited  State = "rate_limited"
	Paused       State = "paused"
	TokenInvalid State = "token_invalid"
)

// RateLimitLock is set on 429 or an explicit rate-limit header and cleared
// implicitly by time or explicitly by the operator.
type RateLimitLock struct {
	Until     time.Time
	Status    string
	Remaining int
}

// SessionAffinity tracks the rolling window used by the session selector
// strategy (spec.md §4.1, §3).
type SessionAffinity struct {
	SessionStart   time.Time
	RequestCount   int
}

// Account is a credential holder bound to one provider.
type Account struct {
	ID       string
	Name     string
	Provider provider.Name

	// OAuth providers
	RefreshToken string // encrypted at rest; decrypted on read by AccountStore
	AccessToken  string // encrypted at rest; empty/expired triggers refresh
	ExpiresAtMs  int64  // access token absolute expiry, epoch ms

	// API-key providers
	APIKey string // encrypted at rest

	Priority int
	Paused   bool

	RateLimit RateLimitLock
	Session   SessionAffinity

	RequestCount   int
	TotalRequests  int64
	LastUsedMs     int64

	AutoRefreshEnabled  bool
	AutoFallbackEnabled bool

	CustomEndpoint string
	ModelMappings  map[string]string

	CreatedAtMs int64

	State State
}

// Refreshable reports whether this account's credentials are OAuth-based
// and therefore subject to §4.2's refresh protocol.
func (a *Account) Refreshable(caps provider.Capabilities) bool {
	return caps.SupportsOAuth && a.RefreshToken != ""
}

// IsRateLimited reports whether the account is currently locked out by an
// upstream rate-limit response (spec.md §3 invariant).
func (a *Account) IsRateLimited(now time.Time) bool {
	return a.RateLimit.Until.After(now)
}

// TokenValid reports whether the cached access token is still usable,
// accounting for the refresh skew (spec.md §3: "expires_at - skew > now").
func (a *Account) TokenValid(now time.Time, skew time.Duration) bool {
	if a.AccessToken == "" {
		return false
	}
	expiresAt := time.UnixMilli(a.ExpiresAtMs)
	return expiresAt.Add(-skew).After(now)
}

// InSession reports whether the account's session affinity window is still
// open (spec.md §4.1 step 2).
func (a *Account) InSession(now time.Time, sessionDuration time.Duration) bool {
	if a.Session.SessionStart.IsZero() {
		return false
	}
	return now.Sub(a.Session.SessionStart) <= sessionDuration
}

// InitialState computes the state an account should start in on insert
// (spec.md §4.7): an OAuth account is ACTIVE once it has a refresh token
// (the access token is fetched on first use), an API-key account once it
// has an API key; anything else starts TOKEN_INVALID.
func InitialState(a *Account, caps provider.Capabilities) State {
	if caps.SupportsOAuth {
		if a.RefreshToken != "" {
			return Active
		}
		return TokenInvalid
	}
	if a.APIKey != "" {
		return Active
	}
	return TokenInvalid
}
