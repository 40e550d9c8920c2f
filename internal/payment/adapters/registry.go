package adapters

import (
	"strings"
	"sync"

	"github.com/smallbiznis/fortunepay/internal/payment/domain"
)

// Registry builds gateways by provider name and keeps one instance per
// provider once built.
type Registry struct {
	factories map[string]domain.GatewayFactory

	mu       sync.Mutex
	gateways map[string]domain.Gateway
}

func NewRegistry(factories ...domain.GatewayFactory) *Registry {
	registry := &Registry{
		factories: map[string]domain.GatewayFactory{},
		gateways:  map[string]domain.Gateway{},
	}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := normalize(factory.Provider())
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(provider)]
	return ok
}

func (r *Registry) Gateway(provider string, cfg domain.GatewayConfig) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = normalize(provider)
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if gw, ok := r.gateways[provider]; ok {
		return gw, nil
	}
	cfg.Provider = provider
	gw, err := factory.NewGateway(cfg)
	if err != nil {
		return nil, err
	}
	r.gateways[provider] = gw
	return gw, nil
}

// WebhookAdapter returns the provider's webhook verifier when its gateway
// implements one.
func (r *Registry) WebhookAdapter(provider string, cfg domain.GatewayConfig) (domain.WebhookAdapter, error) {
	gw, err := r.Gateway(provider, cfg)
	if err != nil {
		return nil, err
	}
	adapter, ok := gw.(domain.WebhookAdapter)
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return adapter, nil
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
