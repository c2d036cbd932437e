package relay

import (
	"net/http"
	"testing"
)

func TestFilterHeadersKeepsWhitelistOnly(t *testing.T) {
	in := http.Header{
		"Content-Type":      {"application/json"},
		"Anthropic-Version": {"2023-06-01"},
		"Cookie":            {"session=abc"},
		"X-Forwarded-For":   {"1.2.3.4"},
	}

	out := filterHeaders(in)

	if out.Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type to survive, got %q", out.Get("Content-Type"))
	}
	if out.Get("Anthropic-Version") != "2023-06-01" {
		t.Errorf("expected Anthropic-Version to survive, got %q", out.Get("Anthropic-Version"))
	}
	if out.Get("Cookie") != "" {
		t.Errorf("expected Cookie to be dropped, got %q", out.Get("Cookie"))
	}
	if out.Get("X-Forwarded-For") != "" {
		t.Errorf("expected X-Forwarded-For to be dropped, got %q", out.Get("X-Forwarded-For"))
	}
}

func TestSetAuthHeaderDefaultsToBearer(t *testing.T) {
	h := make(http.Header)
	h.Set("Authorization", "Bearer stale-token")
	h.Set("X-Api-Key", "stale-key")

	setAuthHeader(h, "", "fresh-token")

	if got := h.Get("Authorization"); got != "Bearer fresh-token" {
		t.Errorf("expected Authorization to be rewritten, got %q", got)
	}
	if h.Get("X-Api-Key") != "" {
		t.Errorf("expected stale X-Api-Key to be cleared, got %q", h.Get("X-Api-Key"))
	}
}

func TestSetAuthHeaderUsesNamedProviderHeader(t *testing.T) {
	h := make(http.Header)

	setAuthHeader(h, "X-Goog-Api-Key", "vertex-token")

	if got := h.Get("X-Goog-Api-Key"); got != "vertex-token" {
		t.Errorf("expected named header to be set, got %q", got)
	}
	if h.Get("Authorization") != "" {
		t.Errorf("expected Authorization to remain unset, got %q", h.Get("Authorization"))
	}
}

func TestExtractAgent(t *testing.T) {
	h := make(http.Header)
	h.Set("X-Agent", "claude-code")

	if got := extractAgent(h); got != "claude-code" {
		t.Errorf("expected claude-code, got %q", got)
	}

	empty := make(http.Header)
	if got := extractAgent(empty); got != "" {
		t.Errorf("expected empty agent, got %q", got)
	}
}
