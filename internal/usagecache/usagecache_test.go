package usagecache

import (
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	c := New(time.Minute)
	c.Set("acct-1", Snapshot{UtilizationPct: 42.5, MostRestrictiveWindow: "5h", FetchedAtMs: 1000})

	got, ok := c.Get("acct-1")
	if !ok {
		t.Fatal("expected a cached snapshot")
	}
	if got.UtilizationPct != 42.5 || got.MostRestrictiveWindow != "5h" {
		t.Errorf("got %+v", got)
	}
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(time.Minute)
	if _, ok := c.Get("nope"); ok {
		t.Error("expected miss for unknown account")
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Set("acct-1", Snapshot{UtilizationPct: 1})

	time.Sleep(30 * time.Millisecond)

	if _, ok := c.Get("acct-1"); ok {
		t.Error("expected entry to have expired")
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	c := New(time.Minute)
	c.Set("acct-1", Snapshot{UtilizationPct: 1})
	c.Delete("acct-1")

	if _, ok := c.Get("acct-1"); ok {
		t.Error("expected entry to be gone after Delete")
	}
}
