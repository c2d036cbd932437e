// Package ratelimit parses upstream rate-limit signals and applies them as
// an account's rate_limited_until lock (spec.md §4.3 step 5, §4.7).
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
)

// Manager captures 429 responses and explicit rate-limit headers, turning
// them into a RateLimitLock persisted on the account.
type Manager struct {
	accounts *account.AccountStore
}

func NewManager(accounts *account.AccountStore) *Manager {
	return &Manager{accounts: accounts}
}

// Signal is the parsed result of an upstream response's rate-limit
// headers: how long to lock the account out, and why.
type Signal struct {
	Until     time.Time
	Status    string
	Remaining int
}

// ParseHeaders extracts retry-after/reset/remaining-budget information
// from an upstream response (spec.md §6: "retry-after, reset timestamps,
// remaining budgets"). now is the time the response was received.
func ParseHeaders(headers http.Header, now time.Time) Signal {
	sig := Signal{Remaining: -1}

	if ra := headers.Get("retry-after"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			sig.Until = now.Add(time.Duration(secs) * time.Second)
		} else if at, err := http.ParseTime(ra); err == nil {
			sig.Until = at
		}
	}

	if sig.Until.IsZero() {
		for _, h := range []string{"anthropic-ratelimit-unified-reset", "x-ratelimit-reset"} {
			if resetStr := headers.Get(h); resetStr != "" {
				if t, err := time.Parse(time.RFC3339, resetStr); err == nil {
					sig.Until = t
					break
				}
				if secs, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
					sig.Until = time.Unix(secs, 0)
					break
				}
			}
		}
	}

	if status := headers.Get("anthropic-ratelimit-unified-5h-status"); status != "" {
		sig.Status = status
	} else if status := headers.Get("x-ratelimit-status"); status != "" {
		sig.Status = status
	}

	if remStr := headers.Get("x-ratelimit-remaining"); remStr != "" {
		if n, err := strconv.Atoi(remStr); err == nil {
			sig.Remaining = n
		}
	}

	return sig
}

// DefaultLockDuration is used when a 429 carries no parseable retry-after
// or reset header at all.
const DefaultLockDuration = 60 * time.Second

// Apply locks accountID out until sig.Until (defaulting to now +
// DefaultLockDuration if the upstream gave no usable timestamp), moving
// the account's state to RATE_LIMITED.
func (m *Manager) Apply(ctx context.Context, accountID string, sig Signal, now time.Time) error {
	a, err := m.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}

	until := sig.Until
	if until.IsZero() || until.Before(now) {
		until = now.Add(DefaultLockDuration)
	}

	a.RateLimit = account.RateLimitLock{
		Until:     until,
		Status:    sig.Status,
		Remaining: sig.Remaining,
	}
	a.State = account.RateLimited

	slog.Info("account rate limited", "account_id", accountID, "until", until)
	return m.accounts.Update(ctx, a)
}

// RunCleanup periodically restores accounts whose rate-limit lock has
// elapsed back to ACTIVE (spec.md §4.7: "auto → ACTIVE when now ≥
// rate_limited_until").
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(ctx)
		}
	}
}

func (m *Manager) cleanup(ctx context.Context) {
	accounts, err := m.accounts.List(ctx)
	if err != nil {
		slog.Error("ratelimit cleanup: list accounts", "error", err)
		return
	}

	now := time.Now()
	for _, a := range accounts {
		if a.State != account.RateLimited {
			continue
		}
		if a.IsRateLimited(now) {
			continue
		}
		a.State = account.Active
		a.RateLimit = account.RateLimitLock{}
		if err := m.accounts.Update(ctx, a); err != nil {
			slog.Error("ratelimit cleanup: restore account", "account_id", a.ID, "error", err)
			continue
		}
		slog.Info("account restored from rate limit", "account_id", a.ID)
	}
}
