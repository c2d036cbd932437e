package account

import (
	"context"
	"testing"

	"github.com/kestrelai/acctproxy/internal/provider"
)

type fakeBackend struct {
	rows map[string]Row
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: make(map[string]Row)}
}

func (f *fakeBackend) UpsertAccount(ctx context.Context, row Row) error {
	f.rows[row.ID] = row
	return nil
}

func (f *fakeBackend) GetAccount(ctx context.Context, id string) (Row, bool, error) {
	row, ok := f.rows[id]
	return row, ok, nil
}

func (f *fakeBackend) ListAccounts(ctx context.Context) ([]Row, error) {
	out := make([]Row, 0, len(f.rows))
	for _, r := range f.rows {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeBackend) DeleteAccount(ctx context.Context, id string) error {
	delete(f.rows, id)
	return nil
}

func newTestStore() *AccountStore {
	return NewAccountStore(newFakeBackend(), NewCrypto("test-encryption-key"), provider.NewDefaultRegistry())
}

func TestAccountStoreCreateGetRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	a := &Account{
		Name:         "primary",
		Provider:     provider.AnthropicOAuth,
		RefreshToken: "rt-secret",
		APIKey:       "",
		Priority:     10,
	}

	created, err := s.Create(ctx, a)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.State != Active {
		t.Errorf("State = %v, want Active", created.State)
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() = nil")
	}
	if got.RefreshToken != "rt-secret" {
		t.Errorf("RefreshToken = %q, want round-tripped plaintext", got.RefreshToken)
	}
}

func TestAccountStoreCreateWithoutCredentialsIsTokenInvalid(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	created, err := s.Create(ctx, &Account{Name: "empty", Provider: provider.AnthropicOAuth})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.State != TokenInvalid {
		t.Errorf("State = %v, want TokenInvalid", created.State)
	}
}

func TestAccountStoreAPIKeyProvider(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	created, err := s.Create(ctx, &Account{
		Name:     "console",
		Provider: provider.ClaudeConsole,
		APIKey:   "sk-ant-secret",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if created.State != Active {
		t.Errorf("State = %v, want Active", created.State)
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.APIKey != "sk-ant-secret" {
		t.Errorf("APIKey = %q", got.APIKey)
	}
}

func TestAccountStoreListAndDelete(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	a1, _ := s.Create(ctx, &Account{Name: "a1", Provider: provider.ZAI, APIKey: "k1"})
	_, _ = s.Create(ctx, &Account{Name: "a2", Provider: provider.ZAI, APIKey: "k2"})

	list, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List() len = %d, want 2", len(list))
	}

	if err := s.Delete(ctx, a1.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	list, _ = s.List(ctx)
	if len(list) != 1 {
		t.Fatalf("List() after delete len = %d, want 1", len(list))
	}
}

func TestAccountStoreStoreTokens(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	created, _ := s.Create(ctx, &Account{Name: "a", Provider: provider.AnthropicOAuth, RefreshToken: "rt1"})

	expiresAt := created.CreatedAtMs + 3600_000
	if err := s.StoreTokens(ctx, created.ID, "new-access", "new-refresh", expiresAt); err != nil {
		t.Fatalf("StoreTokens() error = %v", err)
	}

	got, _ := s.Get(ctx, created.ID)
	if got.AccessToken != "new-access" || got.RefreshToken != "new-refresh" {
		t.Errorf("tokens not updated: %+v", got)
	}
	if got.State != Active {
		t.Errorf("State = %v, want Active", got.State)
	}
}

func TestAccountStoreModelMappingsRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	created, err := s.Create(ctx, &Account{
		Name:          "mapped",
		Provider:      provider.OpenAICompatible,
		APIKey:        "k",
		ModelMappings: map[string]string{"claude-sonnet-4": "gpt-4o"},
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ModelMappings["claude-sonnet-4"] != "gpt-4o" {
		t.Errorf("ModelMappings = %v", got.ModelMappings)
	}
}
