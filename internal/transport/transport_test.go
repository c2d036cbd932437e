package transport

import (
	"testing"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/config"
)

func TestGetRoundTripperIsPooledPerAccount(t *testing.T) {
	m := NewManager(&config.Config{RequestTimeout: time.Second, DNSCacheRefreshInterval: time.Hour})
	defer m.Close()

	a := &account.Account{ID: "acct-1"}
	rt1 := m.getRoundTripper(a)
	rt2 := m.getRoundTripper(a)

	if rt1 != rt2 {
		t.Error("expected the same round tripper instance to be reused for the same account")
	}
}

func TestGetRoundTripperDiffersAcrossAccounts(t *testing.T) {
	m := NewManager(&config.Config{RequestTimeout: time.Second, DNSCacheRefreshInterval: time.Hour})
	defer m.Close()

	rt1 := m.getRoundTripper(&account.Account{ID: "acct-1"})
	rt2 := m.getRoundTripper(&account.Account{ID: "acct-2"})

	if rt1 == rt2 {
		t.Error("expected distinct round trippers for distinct accounts")
	}
}

func TestCleanupEvictsIdleEntries(t *testing.T) {
	m := NewManager(&config.Config{RequestTimeout: time.Second, DNSCacheRefreshInterval: time.Hour})
	defer m.Close()

	m.getRoundTripper(&account.Account{ID: "acct-1"})
	if len(m.entries) != 1 {
		t.Fatalf("expected 1 pooled entry, got %d", len(m.entries))
	}

	m.cleanup(-time.Second) // idleTimeout in the past evicts everything
	if len(m.entries) != 0 {
		t.Errorf("expected cleanup to evict idle entries, got %d remaining", len(m.entries))
	}
}
