// Package scheduler implements the account selector: a pure function from
// an account snapshot and request metadata to an ordered candidate list
// (spec.md §4.1).
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/config"
)

// Scheduler selects candidate accounts for a request using the session
// strategy — the only strategy spec.md §4.1 defines.
type Scheduler struct {
	accounts *account.AccountStore
	cfg      *config.Config
}

func New(accounts *account.AccountStore, cfg *config.Config) *Scheduler {
	return &Scheduler{accounts: accounts, cfg: cfg}
}

// SelectOptions narrows the candidate pool for one request.
type SelectOptions struct {
	ExcludeIDs []string // accounts already tried and failed on this request
}

// Select returns candidate accounts for a request, most-preferred first.
// An empty result means no account is currently eligible.
func (s *Scheduler) Select(ctx context.Context, opts SelectOptions) ([]*account.Account, error) {
	all, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return Candidates(all, opts, s.cfg.SessionDurationMs, time.Now()), nil
}

// Candidates implements spec.md §4.1's algorithm as a pure function so it
// can be tested without a store: drop paused/rate-limited accounts,
// partition into in-session vs. fresh, sort each partition by priority
// descending then last-used ascending, and return in-session first.
func Candidates(all []*account.Account, opts SelectOptions, sessionDuration time.Duration, now time.Time) []*account.Account {
	var eligible []*account.Account
	for _, a := range all {
		if a.Paused {
			continue
		}
		if a.IsRateLimited(now) {
			continue
		}
		if contains(opts.ExcludeIDs, a.ID) {
			continue
		}
		eligible = append(eligible, a)
	}

	var inSession, fresh []*account.Account
	for _, a := range eligible {
		if a.InSession(now, sessionDuration) {
			inSession = append(inSession, a)
		} else {
			fresh = append(fresh, a)
		}
	}

	sortByPriorityThenLastUsed(inSession)
	sortByPriorityThenLastUsed(fresh)

	return append(inSession, fresh...)
}

func sortByPriorityThenLastUsed(accounts []*account.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		if accounts[i].Priority != accounts[j].Priority {
			return accounts[i].Priority > accounts[j].Priority
		}
		return accounts[i].LastUsedMs < accounts[j].LastUsedMs
	})
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
