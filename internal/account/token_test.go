package account

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kestrelai/acctproxy/internal/config"
	"github.com/kestrelai/acctproxy/internal/provider"
)

func testConfig(tokenURL string) *config.Config {
	return &config.Config{
		TokenRefreshSkew: 60 * time.Second,
		OAuthTokenURL:    tokenURL,
		OAuthClientID:    "test-client",
	}
}

func TestEnsureValidTokenReturnsCachedWhenFresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	store := newTestStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, &Account{
		Name: "a", Provider: provider.AnthropicOAuth, RefreshToken: "rt",
	})
	_ = store.StoreTokens(ctx, created.ID, "fresh-access", "rt", time.Now().Add(time.Hour).UnixMilli())

	tm := NewTokenManager(store, provider.NewDefaultRegistry(), testConfig(srv.URL), nil)

	tok, err := tm.EnsureValidToken(ctx, created.ID)
	if err != nil {
		t.Fatalf("EnsureValidToken() error = %v", err)
	}
	if tok != "fresh-access" {
		t.Errorf("token = %q, want fresh-access", tok)
	}
	if calls != 0 {
		t.Errorf("expected no refresh calls, got %d", calls)
	}
}

func TestEnsureValidTokenRefreshesWhenExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(tokenResponse{
			AccessToken:  "new-access",
			RefreshToken: "new-refresh",
			ExpiresIn:    3600,
		})
	}))
	defer srv.Close()

	store := newTestStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, &Account{
		Name: "a", Provider: provider.AnthropicOAuth, RefreshToken: "rt",
	})

	tm := NewTokenManager(store, provider.NewDefaultRegistry(), testConfig(srv.URL), nil)

	tok, err := tm.EnsureValidToken(ctx, created.ID)
	if err != nil {
		t.Fatalf("EnsureValidToken() error = %v", err)
	}
	if tok != "new-access" {
		t.Errorf("token = %q, want new-access", tok)
	}

	got, _ := store.Get(ctx, created.ID)
	if got.RefreshToken != "new-refresh" {
		t.Errorf("RefreshToken not persisted: %q", got.RefreshToken)
	}
}

func TestRefreshCoalescesConcurrentCallers(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "new-access", RefreshToken: "rt", ExpiresIn: 3600})
	}))
	defer srv.Close()

	store := newTestStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, &Account{
		Name: "a", Provider: provider.AnthropicOAuth, RefreshToken: "rt",
	})

	tm := NewTokenManager(store, provider.NewDefaultRegistry(), testConfig(srv.URL), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tm.ForceRefresh(ctx, created.ID); err != nil {
				t.Errorf("ForceRefresh() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("upstream calls = %d, want 1 (coalesced)", calls)
	}
}

func TestRefreshWithEmptyTokenMarksInvalid(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, &Account{Name: "a", Provider: provider.AnthropicOAuth})

	tm := NewTokenManager(store, provider.NewDefaultRegistry(), testConfig("http://unused"), nil)

	if _, err := tm.ForceRefresh(ctx, created.ID); err == nil {
		t.Fatal("expected error for empty refresh token")
	}

	got, _ := store.Get(ctx, created.ID)
	if got.State != TokenInvalid {
		t.Errorf("State = %v, want TokenInvalid", got.State)
	}
}

func TestRefreshTransientUpstreamErrorLeavesAccountActive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	store := newTestStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, &Account{Name: "a", Provider: provider.AnthropicOAuth, RefreshToken: "rt"})

	tm := NewTokenManager(store, provider.NewDefaultRegistry(), testConfig(srv.URL), nil)

	if _, err := tm.ForceRefresh(ctx, created.ID); err == nil {
		t.Fatal("expected error on upstream 429")
	}

	got, _ := store.Get(ctx, created.ID)
	if got.State == TokenInvalid {
		t.Error("a retryable refresh failure must not mark the account TokenInvalid")
	}
}

func TestRefreshInvalidGrantMarksInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
	}))
	defer srv.Close()

	store := newTestStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, &Account{Name: "a", Provider: provider.AnthropicOAuth, RefreshToken: "rt"})

	tm := NewTokenManager(store, provider.NewDefaultRegistry(), testConfig(srv.URL), nil)

	if _, err := tm.ForceRefresh(ctx, created.ID); err == nil {
		t.Fatal("expected error on invalid_grant")
	}

	got, _ := store.Get(ctx, created.ID)
	if got.State != TokenInvalid {
		t.Errorf("State = %v, want TokenInvalid", got.State)
	}
}

func TestEnsureValidTokenShortCircuitsAPIKeyProvider(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	created, _ := store.Create(ctx, &Account{Name: "a", Provider: provider.ZAI, APIKey: "sk-static"})

	tm := NewTokenManager(store, provider.NewDefaultRegistry(), testConfig("http://unused"), nil)

	tok, err := tm.EnsureValidToken(ctx, created.ID)
	if err != nil {
		t.Fatalf("EnsureValidToken() error = %v", err)
	}
	if tok != "sk-static" {
		t.Errorf("token = %q, want sk-static", tok)
	}

	got, _ := store.Get(ctx, created.ID)
	if got.State == TokenInvalid {
		t.Error("an API-key provider must never be marked TokenInvalid by EnsureValidToken")
	}
}
