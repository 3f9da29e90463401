package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/BZM2000/ai-toolkit/internal/config"
	"github.com/BZM2000/ai-toolkit/pkg/models"
)

// Client routes chat requests to the provider named by the model string's
// "provider/model" prefix. Providers with no configured API key are absent
// from the routing table.
type Client struct {
	providers map[string]models.LLMProvider
}

// NewClient constructs a Client from config. At least one provider key must
// be configured; config validation guarantees this at startup.
func NewClient(cfg config.LLMConfig) *Client {
	providers := make(map[string]models.LLMProvider)
	if cfg.OpenRouterAPIKey != "" {
		providers["openrouter"] = NewOpenRouterProvider(cfg)
	}
	if cfg.PoeAPIKey != "" {
		providers["poe"] = NewPoeProvider(cfg)
	}
	return &Client{providers: providers}
}

// NewClientWithProviders wires explicit providers, used by tests.
func NewClientWithProviders(providers map[string]models.LLMProvider) *Client {
	return &Client{providers: providers}
}

// Providers lists the configured provider names in sorted order.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for name := range c.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SplitModel splits "provider/model" into its parts. The model part may
// itself contain slashes (openrouter model IDs do).
func SplitModel(model string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(model, "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("%w: model %q must be provider/model", ErrUnknownProvider, model)
	}
	return provider, name, nil
}

// Execute dispatches the request to the provider encoded in req.Model and
// rewrites req.Model to the bare model name before forwarding.
func (c *Client) Execute(ctx context.Context, req models.LLMRequest) (*models.LLMResponse, error) {
	providerName, modelName, err := SplitModel(req.Model)
	if err != nil {
		return nil, err
	}
	provider, ok := c.providers[providerName]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", ErrUnknownProvider, providerName)
	}
	req.Model = modelName
	return provider.Execute(ctx, req)
}
