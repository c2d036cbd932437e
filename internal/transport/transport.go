// Package transport provides per-account HTTP clients over a Chrome-
// fingerprinted TLS dialer, pooled with idle cleanup and backed by a
// shared caching DNS resolver (spec.md's "resilient transport" ambient
// concern — every account's upstream calls share one resolver instead of
// each re-resolving on every dial).
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"github.com/rs/dnscache"
	"golang.org/x/net/http2"

	"github.com/kestrelai/acctproxy/internal/account"
	"github.com/kestrelai/acctproxy/internal/config"
)

// Manager provides per-account HTTP clients and transports with utls
// fingerprinting, pooled and idle-cleaned.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*poolEntry

	requestTimeout time.Duration
	resolver       *dnscache.Resolver
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: cfg.RequestTimeout,
		resolver:       &dnscache.Resolver{},
	}
	go m.refreshDNSLoop(cfg.DNSCacheRefreshInterval)
	return m
}

func (m *Manager) refreshDNSLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		m.resolver.Refresh(true)
	}
}

// GetClient returns an http.Client using the account's pooled transport.
func (m *Manager) GetClient(acct *account.Account) *http.Client {
	return &http.Client{
		Transport: m.getRoundTripper(acct),
		Timeout:   m.requestTimeout,
	}
}

// RunCleanup periodically evicts transports idle longer than
// cfg.TransportIdleTimeout. Blocks until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(idleTimeout)
		}
	}
}

// Close closes all pooled transports.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		closeIdle(entry.roundTripper)
		delete(m.entries, key)
	}
}

func (m *Manager) getRoundTripper(acct *account.Account) http.RoundTripper {
	key := acct.ID

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := m.buildRoundTripper()
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			closeIdle(entry.roundTripper)
			delete(m.entries, key)
		}
	}
}

func closeIdle(rt http.RoundTripper) {
	if t, ok := rt.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
}

// buildRoundTripper returns an HTTP/2 transport dialing through utls with
// a Chrome fingerprint, resolving hosts through the shared cache.
func (m *Manager) buildRoundTripper() http.RoundTripper {
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return m.dialUTLS(ctx, network, addr)
		},
	}
}

func (m *Manager) dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
		port = ""
	}

	ips, err := m.resolver.LookupHost(ctx, host)
	if err != nil || len(ips) == 0 {
		// Fall back to the system resolver via net.Dialer's own lookup.
		rawConn, dialErr := (&net.Dialer{}).DialContext(ctx, network, addr)
		if dialErr != nil {
			return nil, dialErr
		}
		return uTLSHandshake(ctx, rawConn, host)
	}

	dialAddr := net.JoinHostPort(ips[0], port)
	rawConn, err := (&net.Dialer{}).DialContext(ctx, network, dialAddr)
	if err != nil {
		return nil, err
	}
	return uTLSHandshake(ctx, rawConn, host)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
