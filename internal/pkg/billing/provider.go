package billing

import (
	"context"
	"strings"
)

// Provider is the contract every PIX payment provider client fulfils. The
// reconciliation service and the webhook handlers only ever talk to this
// interface; everything provider-specific stays behind it.
type Provider interface {
	Name() string
	// CreateCharge opens a new charge and returns the provider charge id plus
	// the payer-facing artifact.
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	// WebhookSecret returns the out-of-band shared secret expected on inbound
	// webhook calls for this provider.
	WebhookSecret() string
	// ParseWebhook normalizes one raw delivery into canonical events. A
	// delivery that carries nothing terminal (provider-side pending notices,
	// unknown shapes) returns an empty slice and no error: ignored, not
	// failed.
	ParseWebhook(payload []byte) ([]CanonicalEvent, error)
}

// Registry holds the configured provider clients keyed by name.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry builds a registry from explicit provider clients. The first
// provider becomes the default for charge creation unless overridden.
func NewRegistry(defaultName string, providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
		if r.fallback == "" {
			r.fallback = p.Name()
		}
	}
	if defaultName != "" {
		if _, ok := r.providers[defaultName]; ok {
			r.fallback = defaultName
		}
	}
	return r
}

// Get resolves a provider by name, falling back to the default when name is
// empty.
func (r *Registry) Get(name string) (Provider, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		n = r.fallback
	}
	p, ok := r.providers[n]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
