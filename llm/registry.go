package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// aliases maps the "<provider>/" prefix of an explicit model id to a registered provider name.
var aliases = map[string]string{
	"openai":    "openai",
	"oai":       "openai",
	"mistral":   "mistral",
	"mistralai": "mistral",
	"anthropic": "anthropic",
	"claude":    "anthropic",
	"google":    "google",
	"gemini":    "google",
}

type prefixRule struct {
	prefixes []string
	provider string
}

// prefixRules are evaluated in order; the first rule with a matching prefix wins.
var prefixRules = []prefixRule{
	{prefixes: []string{"mistral", "open-mistral"}, provider: "mistral"},
	{prefixes: []string{"gpt-", "o3", "o4"}, provider: "openai"},
	{prefixes: []string{"claude"}, provider: "anthropic"},
	{prefixes: []string{"gemini", "textembedding-gecko"}, provider: "google"},
}

// ProviderRegistry is a thread-safe registry of named providers.
// It is populated once at startup and read concurrently afterwards.
type ProviderRegistry struct {
	providers       map[string]Provider
	defaultProvider string
	mu              sync.RWMutex
}

// NewProviderRegistry creates an empty ProviderRegistry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]Provider),
	}
}

// Register stores p under p.Name(). A later registration for the same name replaces the earlier one.
func (r *ProviderRegistry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get retrieves a provider by name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve maps a model identifier to a provider and the model id that provider expects.
//
// "<alias>/<model>" identifiers are looked up in the alias table and the prefix is
// stripped. Bare identifiers go through the ordered prefix rules. When nothing matches,
// or the matched provider is not registered, the provider is nil and the returned id is
// the input unchanged (alias case: the stripped model part).
func (r *ProviderRegistry) Resolve(model string) (Provider, string) {
	if alias, rest, ok := strings.Cut(model, "/"); ok {
		name, known := aliases[strings.ToLower(alias)]
		if !known {
			return nil, rest
		}
		p, _ := r.Get(name)
		return p, rest
	}

	lower := strings.ToLower(model)
	for _, rule := range prefixRules {
		for _, prefix := range rule.prefixes {
			if strings.HasPrefix(lower, prefix) {
				p, _ := r.Get(rule.provider)
				return p, model
			}
		}
	}
	return nil, model
}

// Default returns the default provider.
func (r *ProviderRegistry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultProvider == "" {
		return nil, fmt.Errorf("no default provider set")
	}
	p, ok := r.providers[r.defaultProvider]
	if !ok {
		return nil, fmt.Errorf("default provider %q not found in registry", r.defaultProvider)
	}
	return p, nil
}

// SetDefault designates an existing registered provider as the default.
func (r *ProviderRegistry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("provider %q not registered", name)
	}
	r.defaultProvider = name
	return nil
}

// List returns the sorted names of all registered providers.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Providers returns the registered providers ordered by name.
func (r *ProviderRegistry) Providers() []Provider {
	names := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(names))
	for _, name := range names {
		if p, ok := r.providers[name]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Unregister removes a provider; removing the default clears it.
func (r *ProviderRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, name)
	if r.defaultProvider == name {
		r.defaultProvider = ""
	}
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
