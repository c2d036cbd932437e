// Package provider defines the per-vendor capability set and request/
// response shaping the proxy engine needs to talk to each account's
// upstream API.
package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Name identifies one of the supported upstream vendor integrations.
type Name string

const (
	AnthropicOAuth       Name = "anthropic-oauth"
	ClaudeConsole        Name = "claude-console"
	ZAI                  Name = "zai"
	MiniMax              Name = "minimax"
	AnthropicCompatible  Name = "anthropic-compatible"
	OpenAICompatible     Name = "openai-compatible"
	NanoGPT              Name = "nanogpt"
	VertexAI             Name = "vertex-ai"
)

// Capabilities describes what a provider supports so the account selector,
// token manager, and proxy engine can branch on it without a type switch.
type Capabilities struct {
	SupportsOAuth           bool
	SupportsUsageTracking   bool
	RequiresSessionTracking bool
	DefaultEndpoint         string
	AuthHeader              string // "authorization" (Bearer) or a provider-specific key header
}

// Provider is the per-vendor adapter. For the passthrough vendors that
// speak the Anthropic Messages API natively, RequestTransform only applies
// the account's model_mappings and ResponseTransform returns the body
// unchanged.
type Provider interface {
	Name() Name
	Capabilities() Capabilities
	RequestTransform(body map[string]any, modelMappings map[string]string) (map[string]any, error)
	ResponseTransform(body []byte, streaming bool) ([]byte, error)
}

// Registry maps provider names to their adapters. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[Name]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[Name]Provider)}
}

func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name Name) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", name)
	}
	return p, nil
}

func (r *Registry) List() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]Name, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// NewDefaultRegistry registers all eight providers named in the spec.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(newAnthropicOAuth())
	r.Register(newClaudeConsole())
	r.Register(newZAI())
	r.Register(newMiniMax())
	r.Register(newAnthropicCompatible())
	r.Register(newOpenAICompatible())
	r.Register(newNanoGPT())
	r.Register(newVertexAI())
	return r
}
