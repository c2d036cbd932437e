package provider

import "testing"

func TestDefaultRegistryHasAllEightProviders(t *testing.T) {
	r := NewDefaultRegistry()
	want := []Name{
		AnthropicOAuth, ClaudeConsole, ZAI, MiniMax,
		AnthropicCompatible, OpenAICompatible, NanoGPT, VertexAI,
	}
	for _, n := range want {
		if _, err := r.Get(n); err != nil {
			t.Errorf("expected provider %q registered: %v", n, err)
		}
	}
	if got := len(r.List()); got != len(want) {
		t.Errorf("List() = %d providers, want %d", got, len(want))
	}
}

func TestGetUnknownProvider(t *testing.T) {
	r := NewDefaultRegistry()
	if _, err := r.Get("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestOnlyAnthropicOAuthSupportsOAuth(t *testing.T) {
	r := NewDefaultRegistry()
	for _, n := range r.List() {
		p, _ := r.Get(n)
		if p.Capabilities().SupportsOAuth != (n == AnthropicOAuth) {
			t.Errorf("provider %q: SupportsOAuth = %v", n, p.Capabilities().SupportsOAuth)
		}
	}
}

func TestApplyModelMapping(t *testing.T) {
	body := map[string]any{"model": "claude-sonnet-4"}
	out := applyModelMapping(body, map[string]string{"claude-sonnet-4": "gpt-4o"})
	if out["model"] != "gpt-4o" {
		t.Errorf("model = %v, want gpt-4o", out["model"])
	}
}

func TestOpenAICompatibleRequestTransform(t *testing.T) {
	p := newOpenAICompatible()
	body := map[string]any{
		"model":      "claude-sonnet-4",
		"max_tokens": float64(1024),
		"system":     "be terse",
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	out, err := p.RequestTransform(body, map[string]string{"claude-sonnet-4": "gpt-4o"})
	if err != nil {
		t.Fatal(err)
	}
	if out["model"] != "gpt-4o" {
		t.Errorf("model = %v", out["model"])
	}
	msgs, ok := out["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("messages = %#v", out["messages"])
	}
	first := msgs[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "be terse" {
		t.Errorf("system message = %#v", first)
	}
}

func TestOpenAICompatibleResponseTransform(t *testing.T) {
	p := newOpenAICompatible()
	in := []byte(`{"id":"x","model":"gpt-4o","choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	out, err := p.ResponseTransform(in, false)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) == string(in) {
		t.Fatal("expected transformed body")
	}
}

func TestVertexAIDropsModelField(t *testing.T) {
	p := newVertexAI()
	body := map[string]any{"model": "claude-sonnet-4", "messages": []any{}}
	out, _ := p.RequestTransform(body, nil)
	if _, ok := out["model"]; ok {
		t.Error("expected model field removed for vertex-ai")
	}
	if out["anthropic_version"] == "" {
		t.Error("expected anthropic_version set")
	}
}
