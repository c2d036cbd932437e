package usagepoll

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/provider"
	"github.com/kestrelai/acctproxy/internal/usagecache"
)

type memBackend struct {
	mu   sync.Mutex
	rows map[string]account.Row
}

func newMemBackend() *memBackend { return &memBackend{rows: make(map[string]account.Row)} }

func (b *memBackend) UpsertAccount(ctx context.Context, row account.Row) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[row.ID] = row
	return nil
}

func (b *memBackend) GetAccount(ctx context.Context, id string) (account.Row, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[id]
	return row, ok, nil
}

func (b *memBackend) ListAccounts(ctx context.Context) ([]account.Row, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]account.Row, 0, len(b.rows))
	for _, r := range b.rows {
		out = append(out, r)
	}
	return out, nil
}

func (b *memBackend) DeleteAccount(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rows, id)
	return nil
}

type countingFetcher struct {
	calls atomic.Int32
}

func (f *countingFetcher) FetchUsage(ctx context.Context, acct *account.Account) (usagecache.Snapshot, error) {
	f.calls.Add(1)
	return usagecache.Snapshot{UtilizationPct: 10, FetchedAtMs: time.Now().UnixMilli()}, nil
}

func TestPollsEligibleAccountAndPopulatesCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := account.NewAccountStore(newMemBackend(), account.NewCrypto("k"), provider.NewDefaultRegistry())
	a, err := store.Create(ctx, &account.Account{
		Name: "a", Provider: provider.AnthropicOAuth, RefreshToken: "r", AccessToken: "t",
		ExpiresAtMs: time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	fetcher := &countingFetcher{}
	cache := usagecache.New(time.Minute)
	sched := New(store, provider.NewDefaultRegistry(), fetcher, cache, 20*time.Millisecond)

	go sched.Run(ctx)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := cache.Get(a.ID); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected usage cache to be populated within the deadline")
}

func TestIneligibleAccountIsNeverPolled(t *testing.T) {
	store := account.NewAccountStore(newMemBackend(), account.NewCrypto("k"), provider.NewDefaultRegistry())
	sched := New(store, provider.NewDefaultRegistry(), &countingFetcher{}, usagecache.New(time.Minute), time.Hour)

	apiKeyAcct := &account.Account{Provider: provider.ZAI, APIKey: "k"}
	if sched.eligible(apiKeyAcct) {
		t.Error("provider without usage tracking should be ineligible")
	}

	paused := &account.Account{Provider: provider.AnthropicOAuth, Paused: true}
	if sched.eligible(paused) {
		t.Error("paused account should be ineligible")
	}
}
