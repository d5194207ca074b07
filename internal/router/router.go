// Package router resolves logical model ids to upstream provider routes.
package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ki2pixel/kimiproxy/internal/config"
)

// Route is a fully resolved upstream destination for one logical model.
type Route struct {
	ModelID       string // logical id as requested by the client
	Provider      string // provider key from config
	Type          string // provider type: openai, gemini, kimi, nvidia, ...
	BaseURL       string
	UpstreamModel string
	MaxContext    int
	APIKey        string
}

// ErrUnknownModel is returned when a model id has no routing entry.
type ErrUnknownModel struct {
	ModelID string
}

func (e ErrUnknownModel) Error() string {
	return fmt.Sprintf("unknown_model: %s", e.ModelID)
}

// Router resolves models against the configured model table.
type Router struct {
	models    map[string]config.Model
	providers map[string]config.Provider
}

// New creates a router over the configured tables.
func New(cfg *config.Config) *Router {
	return &Router{models: cfg.Models, providers: cfg.Providers}
}

// Resolve maps a logical model id to its upstream route. Resolution is
// an exact match against the model table; anything else is rejected.
func (r *Router) Resolve(modelID string) (Route, error) {
	entry, ok := r.models[modelID]
	if !ok {
		return Route{}, ErrUnknownModel{ModelID: modelID}
	}

	provider, ok := r.providers[entry.Provider]
	if !ok {
		// A model pointing at an unconfigured provider is as unroutable
		// as an unknown model.
		return Route{}, ErrUnknownModel{ModelID: modelID}
	}

	upstreamModel := entry.Model
	if upstreamModel == "" {
		upstreamModel = modelID
	}

	providerType := provider.Type
	if providerType == "" {
		providerType = entry.Provider
	}

	return Route{
		ModelID:       modelID,
		Provider:      entry.Provider,
		Type:          providerType,
		BaseURL:       strings.TrimRight(provider.BaseURL, "/"),
		UpstreamModel: upstreamModel,
		MaxContext:    entry.MaxContextSize,
		APIKey:        provider.APIKey,
	}, nil
}

// ModelEntry is one row of the model listing.
type ModelEntry struct {
	Key      string `json:"key"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ListModels returns the configured models sorted by key, in the shape
// the dashboard consumes.
func (r *Router) ListModels() []ModelEntry {
	out := make([]ModelEntry, 0, len(r.models))
	for key, m := range r.models {
		out = append(out, ModelEntry{
			Key:      key,
			Name:     key,
			Provider: m.Provider,
			Model:    m.Model,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ListProviders returns the configured provider keys sorted.
func (r *Router) ListProviders() []string {
	out := make([]string, 0, len(r.providers))
	for key := range r.providers {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
