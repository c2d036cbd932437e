// Package usagepoll runs a per-account ticker that fetches each OAuth
// account's vendor usage/utilization endpoint and refreshes the usage
// cache (spec.md §4.6). Tickers are reconciled against the live account
// set on every sweep: accounts that are removed or paused since the last
// sweep have their ticker stopped.
package usagepoll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/provider"
	"github.com/kestrelai/acctproxy/internal/usagecache"
)

// Fetcher retrieves a fresh usage snapshot for an account from its vendor.
type Fetcher interface {
	FetchUsage(ctx context.Context, acct *account.Account) (usagecache.Snapshot, error)
}

// Scheduler owns one poll goroutine per eligible account.
type Scheduler struct {
	accounts *account.AccountStore
	registry *provider.Registry
	fetcher  Fetcher
	cache    *usagecache.Cache
	interval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func New(accounts *account.AccountStore, registry *provider.Registry, fetcher Fetcher, cache *usagecache.Cache, interval time.Duration) *Scheduler {
	return &Scheduler{
		accounts: accounts,
		registry: registry,
		fetcher:  fetcher,
		cache:    cache,
		interval: interval,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run reconciles pollers against the live account set every s.interval
// until ctx is canceled, then stops every running poller.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.reconcile(ctx)
	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Scheduler) reconcile(ctx context.Context) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		slog.Error("usagepoll: list accounts failed", "error", err)
		return
	}

	live := make(map[string]bool, len(accounts))
	for _, a := range accounts {
		if !s.eligible(a) {
			continue
		}
		live[a.ID] = true

		s.mu.Lock()
		_, running := s.cancels[a.ID]
		if !running {
			pollCtx, cancel := context.WithCancel(ctx)
			s.cancels[a.ID] = cancel
			go s.pollAccount(pollCtx, a.ID)
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	for id, cancel := range s.cancels {
		if !live[id] {
			cancel()
			delete(s.cancels, id)
		}
	}
	s.mu.Unlock()
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

func (s *Scheduler) eligible(a *account.Account) bool {
	if a.Paused {
		return false
	}
	p, err := s.registry.Get(a.Provider)
	if err != nil {
		return false
	}
	return p.Capabilities().SupportsUsageTracking
}

// pollAccount runs until ctx is canceled (account removed/paused or
// Scheduler shutdown), backing off exponentially on repeated fetch errors.
func (s *Scheduler) pollAccount(ctx context.Context, accountID string) {
	backoff := s.interval
	const maxBackoff = 10 * time.Minute

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		a, err := s.accounts.Get(ctx, accountID)
		if err != nil || a == nil {
			return
		}

		snap, err := s.fetcher.FetchUsage(ctx, a)
		if err != nil {
			slog.Warn("usagepoll: fetch failed", "account_id", accountID, "error", err)
			backoff = minDuration(backoff*2, maxBackoff)
			timer.Reset(backoff)
			continue
		}

		backoff = s.interval
		s.cache.Set(accountID, snap)
		timer.Reset(backoff)
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
