package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// bridgeFile mirrors the YAML bridge file. Pointer fields distinguish
// "absent" from zero values so the file only overrides what it names.
type bridgeFile struct {
	DefaultProvider *string   `yaml:"default_provider"`
	LoadBalancing   *string   `yaml:"load_balancing"`
	EnableFallback  *bool     `yaml:"enable_fallback"`
	RequestTimeout  *string   `yaml:"request_timeout"`
	RetryAttempts   *int      `yaml:"retry_attempts"`
	RetryDelay      *string   `yaml:"retry_delay"`
	Providers       yaml.Node `yaml:"providers"`
}

type providerFile struct {
	Type         string            `yaml:"type"`
	Enabled      *bool             `yaml:"enabled"`
	APIKey       string            `yaml:"api_key"`
	Host         string            `yaml:"host"`
	BaseURL      string            `yaml:"base_url"`
	DefaultModel string            `yaml:"default_model"`
	Models       []string          `yaml:"models"`
	Headers      map[string]string `yaml:"headers"`
}

// LoadBridgeFile reads a YAML bridge file and applies it over cfg. A
// providers mapping replaces cfg.Providers entirely, keeping the file's key
// order. String values may reference environment variables as ${NAME}.
func LoadBridgeFile(path string, cfg *BridgeConfig) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve bridge config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("read bridge config file %q: %w", absPath, err)
	}

	if err := ParseBridgeFile(data, cfg); err != nil {
		return fmt.Errorf("parse bridge config file %q: %w", absPath, err)
	}
	return nil
}

// ParseBridgeFile applies YAML bridge settings over cfg
func ParseBridgeFile(data []byte, cfg *BridgeConfig) error {
	var file bridgeFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	if file.DefaultProvider != nil {
		cfg.DefaultProvider = *file.DefaultProvider
	}
	if file.LoadBalancing != nil {
		cfg.LoadBalancing = *file.LoadBalancing
	}
	if file.EnableFallback != nil {
		cfg.EnableFallback = *file.EnableFallback
	}
	if file.RetryAttempts != nil {
		cfg.RetryAttempts = *file.RetryAttempts
	}
	if err := parseDuration("request_timeout", file.RequestTimeout, &cfg.RequestTimeout); err != nil {
		return err
	}
	if err := parseDuration("retry_delay", file.RetryDelay, &cfg.RetryDelay); err != nil {
		return err
	}

	switch file.Providers.Kind {
	case 0:
		return nil
	case yaml.MappingNode:
	default:
		return fmt.Errorf("line %d: providers must be a mapping of name to settings", file.Providers.Line)
	}

	// Content alternates key and value nodes in document order
	nodes := file.Providers.Content
	providers := make([]ProviderSettings, 0, len(nodes)/2)
	for i := 0; i+1 < len(nodes); i += 2 {
		name := nodes[i].Value

		var pf providerFile
		if err := nodes[i+1].Decode(&pf); err != nil {
			return fmt.Errorf("provider %q: %w", name, err)
		}

		enabled := true
		if pf.Enabled != nil {
			enabled = *pf.Enabled
		}
		providers = append(providers, ProviderSettings{
			Name:         name,
			Type:         pf.Type,
			Enabled:      enabled,
			APIKey:       os.ExpandEnv(pf.APIKey),
			Host:         os.ExpandEnv(pf.Host),
			BaseURL:      os.ExpandEnv(pf.BaseURL),
			DefaultModel: pf.DefaultModel,
			Models:       pf.Models,
			Headers:      pf.Headers,
		})
	}
	cfg.Providers = providers
	return nil
}

func parseDuration(field string, value *string, out *time.Duration) error {
	if value == nil {
		return nil
	}
	d, err := time.ParseDuration(*value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*out = d
	return nil
}
