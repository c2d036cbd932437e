// Package autorefresh periodically sweeps accounts whose OAuth access
// token is about to expire and refreshes them ahead of time, so the hot
// path rarely has to block a client request on a token refresh
// (spec.md §4.6).
package autorefresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/provider"
)

// Refresher is the subset of *account.TokenManager the scheduler needs.
type Refresher interface {
	ForceRefresh(ctx context.Context, accountID string) (string, error)
}

// Scheduler runs the periodic auto-refresh sweep.
type Scheduler struct {
	accounts    *account.AccountStore
	registry    *provider.Registry
	refresher   Refresher
	interval    time.Duration
	threshold   time.Duration
	concurrency int
}

func New(accounts *account.AccountStore, registry *provider.Registry, refresher Refresher, interval, threshold time.Duration, concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Scheduler{
		accounts:    accounts,
		registry:    registry,
		refresher:   refresher,
		interval:    interval,
		threshold:   threshold,
		concurrency: concurrency,
	}
}

// Run blocks, sweeping every s.interval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep refreshes every due account with concurrency capped at
// s.concurrency, so a large account pool's refresh burst doesn't open
// unbounded concurrent token-endpoint calls.
func (s *Scheduler) sweep(ctx context.Context) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		slog.Error("autorefresh: list accounts failed", "error", err)
		return
	}

	now := time.Now()
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	for _, a := range accounts {
		if !s.due(a, now) {
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			if _, err := s.refresher.ForceRefresh(ctx, id); err != nil {
				slog.Warn("autorefresh: refresh failed", "account_id", id, "error", err)
			}
		}(a.ID)
	}

	// Wait for the sweep's in-flight refreshes before the next tick fires.
	wg.Wait()
}

func (s *Scheduler) due(a *account.Account, now time.Time) bool {
	if !a.AutoRefreshEnabled || a.Paused || a.RefreshToken == "" {
		return false
	}
	p, err := s.registry.Get(a.Provider)
	if err != nil || !p.Capabilities().SupportsOAuth {
		return false
	}
	expiresAt := time.UnixMilli(a.ExpiresAtMs)
	return expiresAt.Sub(now) < s.threshold
}
