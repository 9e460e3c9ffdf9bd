// Package provider builds genkit-backed responders from the named-model
// registry in the configuration.
//
// One genkit instance is shared by all responders; each responder pins a
// model, system prompt, and sampling configuration, and keeps its own
// conversation history.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/openai/openai-go/option"

	"github.com/parleyhq/parley/internal/agent"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/log"
)

// Client owns the genkit instance and resolves model selectors against the
// registry.
type Client struct {
	g      *genkit.Genkit
	cfg    *config.Config
	logger log.Logger
}

// NewClient initializes genkit with one plugin per provider present in the
// model registry and registers ollama models explicitly, since ollama has
// no auto-discovery.
func NewClient(ctx context.Context, cfg *config.Config, logger log.Logger) (*Client, error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}

	var (
		plugins      []api.Plugin
		ollamaPlugin *ollama.Ollama
		ollamaModels []string
	)

	seen := map[string]bool{}
	for _, mc := range cfg.Models {
		switch mc.Provider {
		case config.ProviderGoogleAI:
			if !seen[mc.Provider] {
				plugins = append(plugins, &googlegenai.GoogleAI{APIKey: mc.APIKey})
			}

		case config.ProviderOllama:
			if ollamaPlugin == nil {
				addr := mc.Endpoint
				if addr == "" {
					addr = "http://localhost:11434"
				}
				ollamaPlugin = &ollama.Ollama{ServerAddress: addr}
				plugins = append(plugins, ollamaPlugin)
			}
			ollamaModels = append(ollamaModels, mc.Model)

		case config.ProviderOpenAI:
			if !seen[mc.Provider] {
				p := &openai.OpenAI{APIKey: mc.APIKey}
				if mc.Endpoint != "" {
					p.Opts = append(p.Opts, option.WithBaseURL(mc.Endpoint))
				}
				plugins = append(plugins, p)
			}
		}
		seen[mc.Provider] = true
	}

	g := genkit.Init(ctx, genkit.WithPlugins(plugins...))
	if g == nil {
		return nil, errors.New("initializing genkit")
	}

	for _, name := range ollamaModels {
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: name,
			Type: "chat",
		}, nil)
	}

	logger.Info("model providers initialized",
		"providers", len(seen), "models", len(cfg.Models))

	return &Client{g: g, cfg: cfg, logger: logger}, nil
}

// ResponderFactory returns the factory the agent cache uses to materialize
// per-session responders.
func (c *Client) ResponderFactory() agent.ResponderFactory {
	return func(_ context.Context, gen agent.GenConfig) (agent.Responder, error) {
		selector, mc := c.cfg.ResolveModel(gen.Model)
		name, err := qualifiedModelName(mc.Provider, mc.Model)
		if err != nil {
			return nil, fmt.Errorf("model %q: %w", selector, err)
		}

		c.logger.Debug("responder configured",
			"selector", selector, "model", name)

		return &responder{
			g:            c.g,
			modelName:    name,
			systemPrompt: gen.SystemPrompt,
			temperature:  gen.Temperature,
			maxTokens:    gen.MaxTokens,
		}, nil
	}
}

// qualifiedModelName maps a registry entry to genkit's provider-qualified
// model name.
func qualifiedModelName(provider, model string) (string, error) {
	switch provider {
	case config.ProviderGoogleAI:
		return "googleai/" + model, nil
	case config.ProviderOllama:
		return "ollama/" + model, nil
	case config.ProviderOpenAI:
		return "openai/" + model, nil
	default:
		return "", fmt.Errorf("%w: %s", config.ErrInvalidProvider, provider)
	}
}
