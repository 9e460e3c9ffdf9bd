package config

import (
	"fmt"
	"os"
	"strings"
)

// Provider identifiers accepted in ModelConfig.Provider.
const (
	ProviderGoogleAI = "googleai"
	ProviderOllama   = "ollama"
	ProviderOpenAI   = "openai"
)

// ModelConfig is one entry in the named-model registry: everything needed to
// reach a model behind a selector name.
type ModelConfig struct {
	// Provider selects the client implementation: "googleai", "ollama", "openai".
	Provider string `mapstructure:"provider"`

	// Model is the provider-side model identifier (e.g. "gemini-2.5-flash").
	Model string `mapstructure:"model"`

	// Endpoint is the base URL for providers that accept one
	// (ollama server address, openai-compatible gateways).
	Endpoint string `mapstructure:"endpoint"`

	// APIKey is the credential. A value of the form "env:NAME" is expanded
	// from the environment at load time so keys stay out of config files.
	APIKey string `mapstructure:"api_key"`
}

// ResolveModel resolves a model selector against the registry.
// An unrecognized or empty selector falls back to the default selector
// rather than failing; the returned name is the selector actually used.
func (c *Config) ResolveModel(selector string) (string, ModelConfig) {
	if mc, ok := c.Models[selector]; ok {
		return selector, mc
	}
	return c.DefaultModel, c.Models[c.DefaultModel]
}

// expandModelCredentials resolves "env:NAME" credential references.
func (c *Config) expandModelCredentials() {
	for name, mc := range c.Models {
		if rest, ok := strings.CutPrefix(mc.APIKey, "env:"); ok {
			mc.APIKey = os.Getenv(rest)
			c.Models[name] = mc
		}
	}
}

func (c *Config) validateModels() error {
	if len(c.Models) == 0 {
		return ErrNoModels
	}
	if _, ok := c.Models[c.DefaultModel]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDefaultModel, c.DefaultModel)
	}
	for name, mc := range c.Models {
		switch mc.Provider {
		case ProviderGoogleAI, ProviderOllama, ProviderOpenAI:
		default:
			return fmt.Errorf("%w: model %q has provider %q", ErrInvalidProvider, name, mc.Provider)
		}
		if mc.Model == "" {
			return fmt.Errorf("model %q has no model identifier", name)
		}
	}
	return nil
}
