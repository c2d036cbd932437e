package pricing

import "testing"

func TestCostKnownModel(t *testing.T) {
	// Scenario 1 from spec.md §8: input=10, output=20 on claude-sonnet-4.
	got := Cost("claude-sonnet-4", Usage{InputTokens: 10, OutputTokens: 20})
	want := 10.0/1_000_000*3 + 20.0/1_000_000*15
	if got != want {
		t.Errorf("Cost() = %v, want %v", got, want)
	}
}

func TestCostDatedModelID(t *testing.T) {
	a := Cost("claude-sonnet-4-5", Usage{InputTokens: 100, OutputTokens: 50})
	b := Cost("claude-sonnet-4-5-20250929", Usage{InputTokens: 100, OutputTokens: 50})
	if a != b {
		t.Errorf("dated model id should normalize to the same rate: %v != %v", a, b)
	}
}

func TestCostUnknownModelIsZeroAndWarns(t *testing.T) {
	var warned string
	orig := WarnFunc
	defer func() { WarnFunc = orig }()
	WarnFunc = func(model string) { warned = model }

	got := Cost("some-future-model-nobody-mapped", Usage{InputTokens: 100, OutputTokens: 100})
	if got != 0 {
		t.Errorf("Cost() = %v, want 0 for unknown model", got)
	}
	if warned != "some-future-model-nobody-mapped" {
		t.Errorf("WarnFunc called with %q", warned)
	}
}

func TestCostAllFourTokenClasses(t *testing.T) {
	u := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000, CacheReadTokens: 1_000_000, CacheCreateTokens: 1_000_000}
	got := Cost("claude-opus-4", u)
	want := 15.0 + 75.0 + 1.50 + 18.75
	if got != want {
		t.Errorf("Cost() = %v, want %v", got, want)
	}
}

func TestNormalizeFamilyFallback(t *testing.T) {
	if Normalize("some-vendor-opus-variant") != "claude-opus-4" {
		t.Errorf("expected opus family fallback")
	}
}
