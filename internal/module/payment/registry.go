package payment

import (
	"fmt"
	"sync"

	"github.com/settld/server/internal/module/payment/gateway"
)

// Registry manages the configured gateway adapters. New gateways are
// registered here at startup; core processing never branches on a
// gateway name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]gateway.Adapter
	refunds  map[string]gateway.RefundSubmitter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]gateway.Adapter),
		refunds:  make(map[string]gateway.RefundSubmitter),
	}
}

// Register registers an adapter under its gateway code.
func (r *Registry) Register(a gateway.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a

	// Adapters that can also submit refunds serve the refund worker.
	if rs, ok := a.(gateway.RefundSubmitter); ok {
		r.refunds[a.Name()] = rs
	}
}

// Adapter returns the adapter for a gateway code.
func (r *Registry) Adapter(name string) (gateway.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("gateway not registered: %s", name)
	}
	return a, nil
}

// Refunder returns the refund submitter for a gateway code.
func (r *Registry) Refunder(name string) (gateway.RefundSubmitter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rs, ok := r.refunds[name]
	if !ok {
		return nil, fmt.Errorf("gateway cannot submit refunds: %s", name)
	}
	return rs, nil
}

// List returns all registered gateway codes.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}
