package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kestrelai/acctproxy/internal/provider"
)

// salt namespaces key derivation per credential class so a compromise of
// one class's derived key doesn't expose the other.
const (
	oauthSalt  = "account-oauth"
	apikeySalt = "account-apikey"
)

// Backend is the persistence surface AccountStore needs. The sqlite store
// implements it; tests can fake it directly.
type Backend interface {
	UpsertAccount(ctx context.Context, row Row) error
	GetAccount(ctx context.Context, id string) (Row, bool, error)
	ListAccounts(ctx context.Context) ([]Row, error)
	DeleteAccount(ctx context.Context, id string) error
}

// Row is the wire/storage shape of an Account: tokens and API keys are
// ciphertext, everything else matches Account field-for-field.
type Row struct {
	ID                  string
	Name                string
	Provider            string
	RefreshTokenEnc     string
	AccessTokenEnc      string
	ExpiresAtMs         int64
	APIKeyEnc           string
	Priority            int
	Paused              bool
	RateLimitUntilMs    int64
	RateLimitStatus     string
	RateLimitRemaining  int
	SessionStartMs      int64
	SessionRequestCount int
	RequestCount        int
	TotalRequests       int64
	LastUsedMs          int64
	AutoRefreshEnabled  bool
	AutoFallbackEnabled bool
	CustomEndpoint      string
	ModelMappingsJSON   string
	CreatedAtMs         int64
	State               string
}

// AccountStore is the CRUD layer over Account, handling encryption of
// credential fields transparently. Callers always see plaintext tokens;
// only Backend ever sees ciphertext.
type AccountStore struct {
	backend  Backend
	crypto   *Crypto
	registry *provider.Registry
}

func NewAccountStore(backend Backend, crypto *Crypto, registry *provider.Registry) *AccountStore {
	return &AccountStore{backend: backend, crypto: crypto, registry: registry}
}

// Create inserts a new account, computing its initial state per
// spec.md §4.7. Exactly one of refreshToken or apiKey should be set,
// matching the provider's SupportsOAuth capability.
func (s *AccountStore) Create(ctx context.Context, a *Account) (*Account, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAtMs == 0 {
		a.CreatedAtMs = time.Now().UnixMilli()
	}

	caps, err := s.capsFor(a.Provider)
	if err != nil {
		return nil, err
	}
	a.State = InitialState(a, caps)

	row, err := s.toRow(a)
	if err != nil {
		return nil, err
	}
	if err := s.backend.UpsertAccount(ctx, row); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// Get returns an account with decrypted credential fields.
func (s *AccountStore) Get(ctx context.Context, id string) (*Account, error) {
	row, ok, err := s.backend.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return s.fromRow(row)
}

// List returns every account whose credential fields decrypt; rows that
// fail to decrypt are skipped.
func (s *AccountStore) List(ctx context.Context) ([]*Account, error) {
	rows, err := s.backend.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	accounts := make([]*Account, 0, len(rows))
	for _, row := range rows {
		a, err := s.fromRow(row)
		if err != nil {
			continue
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// Update persists the full account, re-encrypting credential fields.
func (s *AccountStore) Update(ctx context.Context, a *Account) error {
	row, err := s.toRow(a)
	if err != nil {
		return err
	}
	return s.backend.UpsertAccount(ctx, row)
}

// Delete removes an account.
func (s *AccountStore) Delete(ctx context.Context, id string) error {
	return s.backend.DeleteAccount(ctx, id)
}

// StoreTokens encrypts and persists a fresh access/refresh token pair after
// a successful refresh (spec.md §4.2).
func (s *AccountStore) StoreTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAtMs int64) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("store tokens: account %q not found", id)
	}
	a.AccessToken = accessToken
	a.RefreshToken = refreshToken
	a.ExpiresAtMs = expiresAtMs
	a.State = Active
	return s.Update(ctx, a)
}

func (s *AccountStore) capsFor(name provider.Name) (provider.Capabilities, error) {
	if s.registry == nil {
		return provider.Capabilities{}, fmt.Errorf("account store: no provider registry configured")
	}
	p, err := s.registry.Get(name)
	if err != nil {
		return provider.Capabilities{}, err
	}
	return p.Capabilities(), nil
}

func (s *AccountStore) toRow(a *Account) (Row, error) {
	encRefresh, err := s.crypto.Encrypt(a.RefreshToken, oauthSalt)
	if err != nil {
		return Row{}, fmt.Errorf("encrypt refresh token: %w", err)
	}
	encAccess, err := s.crypto.Encrypt(a.AccessToken, oauthSalt)
	if err != nil {
		return Row{}, fmt.Errorf("encrypt access token: %w", err)
	}
	encKey, err := s.crypto.Encrypt(a.APIKey, apikeySalt)
	if err != nil {
		return Row{}, fmt.Errorf("encrypt api key: %w", err)
	}

	mappingsJSON := ""
	if len(a.ModelMappings) > 0 {
		b, err := json.Marshal(a.ModelMappings)
		if err != nil {
			return Row{}, fmt.Errorf("marshal model mappings: %w", err)
		}
		mappingsJSON = string(b)
	}

	return Row{
		ID:                  a.ID,
		Name:                a.Name,
		Provider:            string(a.Provider),
		RefreshTokenEnc:     encRefresh,
		AccessTokenEnc:      encAccess,
		ExpiresAtMs:         a.ExpiresAtMs,
		APIKeyEnc:           encKey,
		Priority:            a.Priority,
		Paused:              a.Paused,
		RateLimitUntilMs:    a.RateLimit.Until.UnixMilli(),
		RateLimitStatus:     a.RateLimit.Status,
		RateLimitRemaining:  a.RateLimit.Remaining,
		SessionStartMs:      millisOrZero(a.Session.SessionStart),
		SessionRequestCount: a.Session.RequestCount,
		RequestCount:        a.RequestCount,
		TotalRequests:       a.TotalRequests,
		LastUsedMs:          a.LastUsedMs,
		AutoRefreshEnabled:  a.AutoRefreshEnabled,
		AutoFallbackEnabled: a.AutoFallbackEnabled,
		CustomEndpoint:      a.CustomEndpoint,
		ModelMappingsJSON:   mappingsJSON,
		CreatedAtMs:         a.CreatedAtMs,
		State:               string(a.State),
	}, nil
}

func (s *AccountStore) fromRow(row Row) (*Account, error) {
	refreshToken, err := s.crypto.Decrypt(row.RefreshTokenEnc, oauthSalt)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	accessToken, err := s.crypto.Decrypt(row.AccessTokenEnc, oauthSalt)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	apiKey, err := s.crypto.Decrypt(row.APIKeyEnc, apikeySalt)
	if err != nil {
		return nil, fmt.Errorf("decrypt api key: %w", err)
	}

	var mappings map[string]string
	if row.ModelMappingsJSON != "" {
		if err := json.Unmarshal([]byte(row.ModelMappingsJSON), &mappings); err != nil {
			return nil, fmt.Errorf("unmarshal model mappings: %w", err)
		}
	}

	a := &Account{
		ID:                  row.ID,
		Name:                row.Name,
		Provider:            provider.Name(row.Provider),
		RefreshToken:        refreshToken,
		AccessToken:         accessToken,
		ExpiresAtMs:         row.ExpiresAtMs,
		APIKey:              apiKey,
		Priority:            row.Priority,
		Paused:              row.Paused,
		RequestCount:        row.RequestCount,
		TotalRequests:       row.TotalRequests,
		LastUsedMs:          row.LastUsedMs,
		AutoRefreshEnabled:  row.AutoRefreshEnabled,
		AutoFallbackEnabled: row.AutoFallbackEnabled,
		CustomEndpoint:      row.CustomEndpoint,
		ModelMappings:       mappings,
		CreatedAtMs:         row.CreatedAtMs,
		State:               State(row.State),
	}
	if row.RateLimitUntilMs > 0 {
		a.RateLimit = RateLimitLock{
			Until:     time.UnixMilli(row.RateLimitUntilMs),
			Status:    row.RateLimitStatus,
			Remaining: row.RateLimitRemaining,
		}
	}
	if row.SessionStartMs > 0 {
		a.Session = SessionAffinity{
			SessionStart: time.UnixMilli(row.SessionStartMs),
			RequestCount: row.SessionRequestCount,
		}
	}
	return a, nil
}

func millisOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
