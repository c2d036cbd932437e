// Package pricing holds the static per-model USD rate table and the pure
// cost function the proxy engine calls when it records a request's usage.
// The table is loaded once at process start and never mutated.
package pricing

import (
	"log/slog"
	"strings"
)

// Rate holds per-1M-token USD prices for one model.
type Rate struct {
	Input       float64
	Output      float64
	CacheRead   float64
	CacheCreate float64
}

// Usage is the token breakdown a single request accrued.
type Usage struct {
	InputTokens       int
	OutputTokens      int
	CacheReadTokens   int
	CacheCreateTokens int
}

// table maps a normalized model id to its rate. Entries are ordered
// roughly by provider family; unknown models fall through to Cost's
// zero-cost, logged-warning path.
var table = map[string]Rate{
	// Anthropic — Claude 4 family
	"claude-opus-4":      {Input: 15, Output: 75, CacheRead: 1.50, CacheCreate: 18.75},
	"claude-opus-4-1":    {Input: 15, Output: 75, CacheRead: 1.50, CacheCreate: 18.75},
	"claude-sonnet-4":    {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75},
	"claude-sonnet-4-5":  {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75},
	"claude-haiku-4-5":   {Input: 0.80, Output: 4, CacheRead: 0.08, CacheCreate: 1},

	// Anthropic — Claude 3 family (claude-console / anthropic-compatible accounts)
	"claude-3-opus":   {Input: 15, Output: 75, CacheRead: 1.50, CacheCreate: 18.75},
	"claude-3-sonnet":  {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75},
	"claude-3-haiku":   {Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheCreate: 0.30},

	// Z.AI (GLM)
	"glm-4.6":     {Input: 0.60, Output: 2.20},
	"glm-4.5":     {Input: 0.60, Output: 2.20},
	"glm-4.5-air": {Input: 0.20, Output: 1.10},

	// MiniMax
	"minimax-m1":  {Input: 0.40, Output: 2.20},
	"abab6.5s-chat": {Input: 0.50, Output: 1.50},

	// NanoGPT (aggregator; rates reflect its blended Claude pass-through tier)
	"nanogpt-claude-sonnet-4": {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75},

	// OpenAI-compatible / Vertex AI — published via model_mappings, typical
	// gateway defaults for the most common mapped targets.
	"gpt-4o":      {Input: 2.50, Output: 10},
	"gpt-4o-mini": {Input: 0.15, Output: 0.60},
	"gpt-5":       {Input: 5, Output: 15},
}

// WarnFunc is invoked with the unresolved model id whenever Cost can't find
// a rate. Defaults to logging a warning through slog; tests may replace it.
var WarnFunc = func(model string) {
	slog.Warn("pricing: unknown model, cost recorded as 0", "model", model)
}

// Cost computes Σ (tokens_k / 1e6 × rate_k) across the four token classes.
// An unrecognized model yields cost 0 and invokes WarnFunc once.
func Cost(model string, u Usage) float64 {
	rate, ok := Lookup(model)
	if !ok {
		WarnFunc(model)
		return 0
	}
	return (float64(u.InputTokens)*rate.Input +
		float64(u.OutputTokens)*rate.Output +
		float64(u.CacheReadTokens)*rate.CacheRead +
		float64(u.CacheCreateTokens)*rate.CacheCreate) / 1_000_000
}

// Lookup normalizes model and returns its rate, or false if unknown.
func Lookup(model string) (Rate, bool) {
	r, ok := table[Normalize(model)]
	return r, ok
}

// Normalize strips date-versioned suffixes (e.g. "-20250514") and lowercases
// the model id so "claude-sonnet-4-5-20250929" matches "claude-sonnet-4-5".
func Normalize(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	// Strip a trailing "-YYYYMMDD" date stamp if present.
	if idx := strings.LastIndex(m, "-"); idx > 0 {
		suffix := m[idx+1:]
		if len(suffix) == 8 && isAllDigits(suffix) {
			m = m[:idx]
		}
	}
	if _, ok := table[m]; ok {
		return m
	}
	// Fall back to a coarse family match for drifted model ids.
	switch {
	case strings.Contains(m, "opus"):
		return "claude-opus-4"
	case strings.Contains(m, "haiku"):
		return "claude-haiku-4-5"
	case strings.Contains(m, "sonnet"):
		return "claude-sonnet-4-5"
	}
	return m
}

func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
