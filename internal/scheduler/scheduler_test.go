package scheduler

import (
	"testing"
	"time"

	"github.com/kestrelai/acctproxy/internal/account"
)

func TestCandidatesDropsPausedAndRateLimited(t *testing.T) {
	now := time.Now()
	accounts := []*account.Account{
		{ID: "paused", Paused: true},
		{ID: "limited", RateLimit: account.RateLimitLock{Until: now.Add(time.Hour)}},
		{ID: "ok"},
	}

	got := Candidates(accounts, SelectOptions{}, 5*time.Hour, now)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Errorf("Candidates() = %v, want only [ok]", ids(got))
	}
}

func TestCandidatesExcludesGivenIDs(t *testing.T) {
	accounts := []*account.Account{{ID: "a"}, {ID: "b"}}
	got := Candidates(accounts, SelectOptions{ExcludeIDs: []string{"a"}}, 5*time.Hour, time.Now())
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("Candidates() = %v, want only [b]", ids(got))
	}
}

func TestCandidatesInSessionComesFirst(t *testing.T) {
	now := time.Now()
	accounts := []*account.Account{
		{ID: "fresh-high-priority", Priority: 100},
		{ID: "in-session-low-priority", Priority: 1, Session: account.SessionAffinity{SessionStart: now.Add(-time.Minute)}},
	}

	got := Candidates(accounts, SelectOptions{}, 5*time.Hour, now)
	if len(got) != 2 || got[0].ID != "in-session-low-priority" {
		t.Errorf("Candidates() = %v, want in-session first regardless of priority", ids(got))
	}
}

func TestCandidatesSortsByPriorityThenLastUsed(t *testing.T) {
	now := time.Now()
	accounts := []*account.Account{
		{ID: "low-priority", Priority: 1, LastUsedMs: 1},
		{ID: "high-priority", Priority: 10, LastUsedMs: 100},
		{ID: "high-priority-lru", Priority: 10, LastUsedMs: 50},
	}

	got := Candidates(accounts, SelectOptions{}, 5*time.Hour, now)
	want := []string{"high-priority-lru", "high-priority", "low-priority"}
	if !idsEqual(got, want) {
		t.Errorf("Candidates() = %v, want %v", ids(got), want)
	}
}

func TestCandidatesSessionWindowExpires(t *testing.T) {
	now := time.Now()
	a := &account.Account{ID: "stale-session", Session: account.SessionAffinity{SessionStart: now.Add(-6 * time.Hour)}}
	got := Candidates([]*account.Account{a}, SelectOptions{}, 5*time.Hour, now)
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate")
	}
	// Session window elapsed, so it must sort via the "fresh" partition,
	// which we can't observe directly here beyond it still being eligible.
}

func ids(accounts []*account.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}

func idsEqual(accounts []*account.Account, want []string) bool {
	got := ids(accounts)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
