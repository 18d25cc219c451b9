package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load-balancing policies understood by the bridge
const (
	LoadBalancingDefault    = "default"
	LoadBalancingRoundRobin = "round-robin"
	LoadBalancingRandom     = "random"
)

// envProviderOrder is the registry order when providers come from the environment
var envProviderOrder = []string{"openai", "grok", "anthropic", "ollama"}

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Bridge        BridgeConfig
	QueryLog      QueryLogConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// QueryLogConfig toggles persistence of bridge query outcomes
type QueryLogConfig struct {
	Enabled bool
}

// BridgeConfig is the bridge-level configuration. Providers is ordered; the
// order becomes the registry and fallback order.
type BridgeConfig struct {
	DefaultProvider string
	LoadBalancing   string
	EnableFallback  bool
	RequestTimeout  time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	Providers       []ProviderSettings
}

// ProviderSettings configures one connector
type ProviderSettings struct {
	Name         string
	Type         string // connector kind; defaults to Name
	Enabled      bool
	APIKey       string
	Host         string
	BaseURL      string
	DefaultModel string
	Models       []string
	Headers      map[string]string
}

// Kind returns the connector kind used by the factory
func (p ProviderSettings) Kind() string {
	if p.Type != "" {
		return strings.ToLower(p.Type)
	}
	return strings.ToLower(p.Name)
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or console
}

// New creates a new Config instance by loading environment variables and,
// when BRIDGE_CONFIG_FILE is set, the YAML bridge file
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"*"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Database: loadDatabaseConfig(),
		Bridge:   loadBridgeConfig(),
		QueryLog: QueryLogConfig{
			Enabled: getEnvAsBool("QUERY_LOG_ENABLED", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	if path := getEnv("BRIDGE_CONFIG_FILE", ""); path != "" {
		if err := LoadBridgeFile(path, &cfg.Bridge); err != nil {
			return nil, err
		}
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if err := c.Bridge.Validate(); err != nil {
		return err
	}

	// Database is only needed for the query log
	if c.QueryLog.Enabled {
		if c.Database.ConnectionString == "" && c.Database.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if c.Database.ConnectionString == "" {
			if c.Database.User == "" {
				return fmt.Errorf("database user is required")
			}
			if c.Database.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// Validate checks the bridge-level settings
func (b *BridgeConfig) Validate() error {
	switch b.LoadBalancing {
	case LoadBalancingDefault, LoadBalancingRoundRobin, LoadBalancingRandom:
	default:
		return fmt.Errorf("load balancing must be one of %q, %q or %q, got %q",
			LoadBalancingDefault, LoadBalancingRoundRobin, LoadBalancingRandom, b.LoadBalancing)
	}
	if b.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", b.RetryAttempts)
	}
	if strings.TrimSpace(b.DefaultProvider) == "" {
		return fmt.Errorf("default provider is required")
	}

	seen := make(map[string]bool, len(b.Providers))
	for _, p := range b.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider name must not be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("provider %q configured more than once", p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// EnabledProviders returns the enabled entries in configuration order
func (b *BridgeConfig) EnabledProviders() []ProviderSettings {
	out := make([]ProviderSettings, 0, len(b.Providers))
	for _, p := range b.Providers {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "bridge"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "llm_bridge"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// loadBridgeConfig reads BRIDGE_* and per-provider variables. A provider is
// enabled when its credential is present unless <P>_ENABLED says otherwise.
func loadBridgeConfig() BridgeConfig {
	cfg := BridgeConfig{
		DefaultProvider: getEnv("BRIDGE_DEFAULT_PROVIDER", "openai"),
		LoadBalancing:   getEnv("BRIDGE_LOAD_BALANCING", LoadBalancingDefault),
		EnableFallback:  getEnvAsBool("BRIDGE_ENABLE_FALLBACK", true),
		RequestTimeout:  getEnvAsDuration("BRIDGE_REQUEST_TIMEOUT", 60*time.Second),
		RetryAttempts:   getEnvAsInt("BRIDGE_RETRY_ATTEMPTS", 3),
		RetryDelay:      getEnvAsDuration("BRIDGE_RETRY_DELAY", time.Second),
	}

	for _, name := range envProviderOrder {
		prefix := strings.ToUpper(name) + "_"
		p := ProviderSettings{
			Name:         name,
			APIKey:       getEnv(prefix+"API_KEY", ""),
			BaseURL:      getEnv(prefix+"BASE_URL", ""),
			DefaultModel: getEnv(prefix+"DEFAULT_MODEL", ""),
			Models:       getEnvAsList(prefix+"MODELS", nil),
		}
		credential := p.APIKey
		if name == "ollama" {
			p.Host = getEnv("OLLAMA_HOST", "")
			credential = p.Host
		}
		p.Enabled = getEnvAsBool(prefix+"ENABLED", credential != "")
		cfg.Providers = append(cfg.Providers, p)
	}
	return cfg
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList splits a comma-separated variable, dropping empty items
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(valueStr, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
