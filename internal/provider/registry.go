package provider

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentd-ai/agentd/pkg/types"
)

// Registry manages all available providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	def       types.ModelRef
}

// NewRegistry creates a new provider registry. defaultModel may be empty.
func NewRegistry(defaultModel string) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	if ref, err := types.ParseModelRef(defaultModel); err == nil {
		r.def = ref
	}
	return r
}

// Register adds a provider to the registry.
func (r *Registry) Register(provider Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider.ID()] = provider
}

// Get retrieves a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("provider not found: %s", providerID)
	}
	return p, nil
}

// List returns all providers sorted by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetModel retrieves a specific model from a provider.
func (r *Registry) GetModel(providerID, modelID string) (*Model, error) {
	p, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}
	for _, m := range p.Models() {
		if m.ID == modelID {
			return &m, nil
		}
	}
	return nil, fmt.Errorf("model not found: %s/%s", providerID, modelID)
}

// AllModels returns all models of all providers in stable order.
func (r *Registry) AllModels() []Model {
	var models []Model
	for _, p := range r.List() {
		models = append(models, p.Models()...)
	}
	return models
}

// DefaultModel returns the configured default, falling back to the first
// available model.
func (r *Registry) DefaultModel() (*Model, error) {
	if r.def.ProviderID != "" {
		if m, err := r.GetModel(r.def.ProviderID, r.def.ModelID); err == nil {
			return m, nil
		}
	}
	models := r.AllModels()
	if len(models) == 0 {
		return nil, fmt.Errorf("no models available")
	}
	return &models[0], nil
}

// NextModel returns the model after ref in AllModels order, wrapping around.
// Used by the cycle_model command.
func (r *Registry) NextModel(ref types.ModelRef) (*Model, error) {
	models := r.AllModels()
	if len(models) == 0 {
		return nil, fmt.Errorf("no models available")
	}
	for i, m := range models {
		if m.ProviderID == ref.ProviderID && m.ID == ref.ModelID {
			next := models[(i+1)%len(models)]
			return &next, nil
		}
	}
	return &models[0], nil
}
