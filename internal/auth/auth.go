// Package auth is the proxy's inbound authentication gate: bearer/x-api-key
// extraction, constant-time admin-token comparison, and api_keys-table
// lookup for everything else (spec.md §4.1, §6).
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kestrelai/acctproxy/internal/store"
)

type contextKey string

const KeyInfoKey contextKey = "keyInfo"

// KeyInfo is attached to the request context after authentication.
type KeyInfo struct {
	ID      string
	Name    string
	IsAdmin bool
}

// Backend is the subset of SQLiteStore that authentication needs.
type Backend interface {
	GetAPIKeyByHash(ctx context.Context, hashedKey string) (store.APIKeyRow, bool, error)
	TouchAPIKeyUsage(ctx context.Context, id string, usedAtMs int64) error
}

// Middleware validates API tokens against the admin token and the api_keys table.
type Middleware struct {
	adminToken string
	backend    Backend
}

func NewMiddleware(adminToken string, backend Backend) *Middleware {
	return &Middleware{adminToken: adminToken, backend: backend}
}

// Authenticate is the HTTP middleware that validates tokens.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", "missing or invalid API key")
			return
		}

		keyInfo, err := m.validateToken(r.Context(), token)
		if err != nil {
			slog.Warn("auth failed", "error", err)
			writeError(w, http.StatusUnauthorized, "authentication_error", err.Error())
			return
		}

		ctx := context.WithValue(r.Context(), KeyInfoKey, keyInfo)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ValidateToken validates a token and returns KeyInfo if valid.
func (m *Middleware) ValidateToken(ctx context.Context, token string) (*KeyInfo, bool) {
	ki, err := m.validateToken(ctx, token)
	return ki, err == nil && ki != nil
}

func (m *Middleware) validateToken(ctx context.Context, token string) (*KeyInfo, error) {
	if m.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(m.adminToken)) == 1 {
		return &KeyInfo{ID: "admin", Name: "admin", IsAdmin: true}, nil
	}

	hash := sha256.Sum256([]byte(token))
	hashHex := hex.EncodeToString(hash[:])

	key, found, err := m.backend.GetAPIKeyByHash(ctx, hashHex)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("invalid API key")
	}
	if !key.IsActive {
		return nil, fmt.Errorf("API key %s is disabled", key.Name)
	}

	go m.backend.TouchAPIKeyUsage(context.Background(), key.ID, time.Now().UnixMilli())

	return &KeyInfo{ID: key.ID, Name: key.Name}, nil
}

// --- Helpers ---

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func GetKeyInfo(ctx context.Context) *KeyInfo {
	v, _ := ctx.Value(KeyInfoKey).(*KeyInfo)
	return v
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
