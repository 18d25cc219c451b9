// Package factory builds connectors from provider settings.
package factory

import (
	"fmt"

	"github.com/upb/llm-bridge/config"
	"github.com/upb/llm-bridge/services/providers"
	"github.com/upb/llm-bridge/services/providers/anthropic"
	"github.com/upb/llm-bridge/services/providers/ollama"
	"github.com/upb/llm-bridge/services/providers/openai"
	"go.uber.org/zap"
)

// Constructor builds one connector kind
type Constructor func(cfg providers.ProviderConfig, logger *zap.Logger) (providers.Connector, error)

// Factory maps a connector kind to its constructor and applies the
// bridge-wide timeout and retry settings to every connector it builds
type Factory struct {
	constructors map[string]Constructor
	bridge       config.BridgeConfig
	logger       *zap.Logger
}

// New creates a factory with the built-in connector kinds registered
func New(bridge config.BridgeConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory{
		constructors: make(map[string]Constructor),
		bridge:       bridge,
		logger:       logger,
	}

	f.Register("openai", adapt(openai.NewOpenAIAdapter))
	f.Register("grok", adapt(openai.NewGrokAdapter))
	f.Register("anthropic", adapt(anthropic.NewAnthropicAdapter))
	f.Register("claude", adapt(anthropic.NewAnthropicAdapter))
	f.Register("ollama", adapt(ollama.NewOllamaAdapter))

	return f
}

// adapt turns a concrete constructor into a Constructor without leaking a
// typed nil on failure
func adapt[T providers.Connector](build func(providers.ProviderConfig, *zap.Logger) (T, error)) Constructor {
	return func(cfg providers.ProviderConfig, logger *zap.Logger) (providers.Connector, error) {
		c, err := build(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Register adds or replaces the constructor for a kind
func (f *Factory) Register(kind string, ctor Constructor) {
	f.constructors[kind] = ctor
}

// Create builds the connector described by settings
func (f *Factory) Create(settings config.ProviderSettings) (providers.Connector, error) {
	kind := settings.Kind()
	ctor, ok := f.constructors[kind]
	if !ok {
		return nil, fmt.Errorf("provider %q: unknown connector type %q", settings.Name, kind)
	}

	cfg := providers.DefaultProviderConfig()
	cfg.Name = settings.Name
	cfg.APIKey = settings.APIKey
	cfg.Host = settings.Host
	cfg.BaseURL = settings.BaseURL
	cfg.DefaultModel = settings.DefaultModel
	cfg.Models = settings.Models
	for k, v := range settings.Headers {
		cfg.Headers[k] = v
	}
	if f.bridge.RequestTimeout > 0 {
		cfg.Timeout = f.bridge.RequestTimeout
	}
	if f.bridge.RetryAttempts > 0 {
		cfg.RetryAttempts = f.bridge.RetryAttempts
	}
	if f.bridge.RetryDelay > 0 {
		cfg.RetryDelay = f.bridge.RetryDelay
	}

	return ctor(cfg, f.logger)
}
