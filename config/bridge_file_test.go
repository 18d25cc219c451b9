package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBridgeFile(t *testing.T) {
	cfg := BridgeConfig{
		DefaultProvider: "openai",
		LoadBalancing:   LoadBalancingDefault,
		EnableFallback:  true,
		RequestTimeout:  time.Minute,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		Providers:       []ProviderSettings{{Name: "openai", Enabled: true}},
	}

	err := ParseBridgeFile([]byte(`
load_balancing: round-robin
enable_fallback: false
request_timeout: 20s
retry_delay: 100ms
providers:
  ollama:
    host: http://localhost:11434
    default_model: llama3.2
  grok:
    api_key: xai-123
    models: [grok-beta, grok-2]
  claude:
    type: anthropic
    enabled: false
    headers:
      anthropic-beta: tools-2024-04-04
`), &cfg)

	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.DefaultProvider, "absent keys keep their previous value")
	assert.Equal(t, LoadBalancingRoundRobin, cfg.LoadBalancing)
	assert.False(t, cfg.EnableFallback)
	assert.Equal(t, 20*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryDelay)

	require.Len(t, cfg.Providers, 3)
	assert.Equal(t, []string{"ollama", "grok", "claude"}, providerNames(cfg.Providers))

	assert.True(t, cfg.Providers[0].Enabled)
	assert.Equal(t, "llama3.2", cfg.Providers[0].DefaultModel)
	assert.Equal(t, []string{"grok-beta", "grok-2"}, cfg.Providers[1].Models)
	assert.False(t, cfg.Providers[2].Enabled)
	assert.Equal(t, "anthropic", cfg.Providers[2].Kind())
	assert.Equal(t, "tools-2024-04-04", cfg.Providers[2].Headers["anthropic-beta"])

	assert.Equal(t, []string{"ollama", "grok"}, providerNames(cfg.EnabledProviders()))
}

func TestParseBridgeFile_OrderIsStable(t *testing.T) {
	doc := []byte(`
providers:
  zeta: {api_key: z}
  alpha: {api_key: a}
  mid: {api_key: m}
`)
	for i := 0; i < 10; i++ {
		var cfg BridgeConfig
		require.NoError(t, ParseBridgeFile(doc, &cfg))
		assert.Equal(t, []string{"zeta", "alpha", "mid"}, providerNames(cfg.Providers))
	}
}

func TestParseBridgeFile_NoProvidersKeepsExisting(t *testing.T) {
	cfg := BridgeConfig{Providers: []ProviderSettings{{Name: "openai"}}}

	require.NoError(t, ParseBridgeFile([]byte("retry_attempts: 2\n"), &cfg))

	assert.Equal(t, 2, cfg.RetryAttempts)
	assert.Equal(t, []string{"openai"}, providerNames(cfg.Providers))
}

func TestParseBridgeFile_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{name: "bad duration", doc: "request_timeout: soon\n"},
		{name: "providers as list", doc: "providers:\n  - openai\n"},
		{name: "malformed yaml", doc: "providers: [\n"},
		{name: "bad provider body", doc: "providers:\n  openai: [1, 2]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg BridgeConfig
			assert.Error(t, ParseBridgeFile([]byte(tt.doc), &cfg))
		})
	}
}

func TestLoadBridgeFile_Missing(t *testing.T) {
	var cfg BridgeConfig
	err := LoadBridgeFile("does-not-exist.yaml", &cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "read bridge config file")
}
