// Package usagecache holds the last-fetched vendor usage/utilization
// snapshot per account (spec.md §3 "Usage cache entry", §4.6 usage-poll
// scheduler). Entries expire on their own TTL; readers see a stale-free
// view by construction since Get returns false once the TTL lapses.
package usagecache

import (
	"time"

	"github.com/kestrelai/acctproxy/internal/store"
)

// Snapshot is one account's last polled usage/utilization reading.
type Snapshot struct {
	UtilizationPct       float64
	MostRestrictiveWindow string
	FullPayloadJSON       string
	FetchedAtMs           int64
}

// Cache is a TTL map from account id to its latest Snapshot.
type Cache struct {
	entries *store.TTLMap[Snapshot]
	ttl     time.Duration
}

func New(ttl time.Duration) *Cache {
	return &Cache{entries: store.NewTTLMap[Snapshot](), ttl: ttl}
}

// Set records a freshly polled snapshot for an account.
func (c *Cache) Set(accountID string, snap Snapshot) {
	c.entries.Set(accountID, snap, c.ttl)
}

// Get returns an account's cached snapshot if it's still within the TTL
// window; ok is false on miss or expiry.
func (c *Cache) Get(accountID string) (Snapshot, bool) {
	return c.entries.Get(accountID)
}

// Delete drops a cached snapshot, e.g. when its account is removed.
func (c *Cache) Delete(accountID string) {
	c.entries.Delete(accountID)
}

// Cleanup evicts expired entries; intended to run alongside the usage-poll
// scheduler's own ticker.
func (c *Cache) Cleanup() {
	c.entries.Cleanup()
}
