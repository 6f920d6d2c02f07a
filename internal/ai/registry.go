package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ProviderFactory builds an adapter bound to one resolved credential.
type ProviderFactory func(ctx context.Context, cred Credential) (Provider, error)

type CredentialSource string

const (
	CredentialUser     CredentialSource = "user"
	CredentialFallback CredentialSource = "fallback"
	CredentialNone     CredentialSource = "none"
)

type Credential struct {
	APIKey string
	Source CredentialSource
}

// CredentialStore looks up a user's default key for a provider. It returns
// ErrNoStoredCredential when the user has none.
type CredentialStore interface {
	DefaultAPIKey(ctx context.Context, userID uint64, provider string) (string, error)
}

var ErrNoStoredCredential = errors.New("no stored credential")

type registryEntry struct {
	factory     ProviderFactory
	keyOptional bool
}

type RegisterOption func(*registryEntry)

// WithoutCredential marks a provider that works without an API key.
func WithoutCredential() RegisterOption {
	return func(e *registryEntry) { e.keyOptional = true }
}

type Registry struct {
	mu       sync.RWMutex
	entries  map[string]registryEntry
	fallback map[string]string
	store    CredentialStore
}

func NewRegistry(store CredentialStore) *Registry {
	return &Registry{
		entries:  make(map[string]registryEntry),
		fallback: make(map[string]string),
		store:    store,
	}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory, opts ...RegisterOption) {
	e := registryEntry{factory: f}
	for _, o := range opts {
		o(&e)
	}
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = e
}

// SetFallbackKey installs the process-wide key used when a user has no
// default key of their own. An empty key clears it.
func (r *Registry) SetFallbackKey(name, key string) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		delete(r.fallback, name)
		return
	}
	r.fallback[name] = key
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[normalizeName(name)]
	return ok
}

func (r *Registry) Providers() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ResolveCredential picks the user's default key, then the fallback key.
func (r *Registry) ResolveCredential(ctx context.Context, userID uint64, name string) (Credential, error) {
	name = normalizeName(name)
	r.mu.RLock()
	e, ok := r.entries[name]
	fallback := r.fallback[name]
	r.mu.RUnlock()
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	if r.store != nil {
		key, err := r.store.DefaultAPIKey(ctx, userID, name)
		switch {
		case err == nil && strings.TrimSpace(key) != "":
			return Credential{APIKey: key, Source: CredentialUser}, nil
		case err != nil && !errors.Is(err, ErrNoStoredCredential):
			return Credential{}, fmt.Errorf("lookup credential for %s: %w", name, err)
		}
	}
	if fallback != "" {
		return Credential{APIKey: fallback, Source: CredentialFallback}, nil
	}
	if e.keyOptional {
		return Credential{Source: CredentialNone}, nil
	}
	return Credential{}, fmt.Errorf("%w for provider %s", ErrMissingCredential, name)
}

// Get resolves the credential for (user, provider) and builds the adapter.
func (r *Registry) Get(ctx context.Context, userID uint64, name string) (Provider, error) {
	cred, err := r.ResolveCredential(ctx, userID, name)
	if err != nil {
		return nil, err
	}
	return r.build(ctx, name, cred)
}

func (r *Registry) build(ctx context.Context, name string, cred Credential) (Provider, error) {
	name = normalizeName(name)
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return e.factory(ctx, cred)
}

// ListModels collects the catalogs of every registered provider. Catalogs are
// credential independent, so adapters are built without a key. Providers that
// fail to list are reported in the joined error; partial results are kept.
func (r *Registry) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var (
		out  []ModelInfo
		errs []error
	)
	for _, name := range r.Providers() {
		p, err := r.build(ctx, name, Credential{Source: CredentialNone})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		models, err := p.ListModels(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		for _, m := range models {
			if m.Provider == "" {
				m.Provider = name
			}
			out = append(out, m)
		}
	}
	return out, errors.Join(errs...)
}
