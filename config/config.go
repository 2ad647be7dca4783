// Package config provides configuration loading and management for semgov.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semgov/activation"
	"github.com/c360studio/semgov/ensemble"
	"github.com/c360studio/semgov/llm"
	"github.com/c360studio/semgov/model"
	"github.com/c360studio/semgov/pipeline"
	"github.com/c360studio/semgov/reliability"
	"github.com/c360studio/semgov/source"
	"github.com/c360studio/semgov/telemetry"
	"github.com/c360studio/semgov/verification"

	// Register the built-in providers so adapter validation can see them.
	_ "github.com/c360studio/semgov/llm/providers"
)

// Storage backends.
const (
	BackendMemory    = "memory"
	BackendSQLite    = "sqlite"
	BackendJetStream = "jetstream"
	BackendRedis     = "redis"
)

// Config represents the complete semgov configuration.
type Config struct {
	Adapters     []model.EndpointConfig    `yaml:"adapters"`
	Breaker      reliability.BreakerConfig `yaml:"circuit_breaker"`
	Retry        reliability.RetryConfig   `yaml:"retry"`
	Ensemble     ensemble.Config           `yaml:"ensemble"`
	Verification verification.Config       `yaml:"verification"`
	Pipeline     pipeline.Config           `yaml:"pipeline"`
	Signing      SigningConfig             `yaml:"signing"`
	Storage      StorageConfig             `yaml:"storage"`
	Activation   ActivationConfig          `yaml:"activation"`
	Audit        AuditConfig               `yaml:"audit"`
	Principles   source.WatchConfig        `yaml:"principles"`
	NATS         NATSConfig                `yaml:"nats"`
	HTTP         HTTPConfig                `yaml:"http"`
	Telemetry    telemetry.Config          `yaml:"telemetry"`
	Log          LogConfig                 `yaml:"log"`
}

// SigningConfig locates the ed25519 key that signs compiled rules.
type SigningConfig struct {
	// KeyFile holds a hex or base64 seed.
	KeyFile string `yaml:"key_file"`
	// Seed is an inline hex or base64 seed, usually "${SEMGOV_SIGNING_SEED}".
	Seed string `yaml:"seed"`
	// Required rejects startup without a key. When false an ephemeral key
	// is generated.
	Required bool `yaml:"required"`
}

// StorageConfig selects the chain store.
type StorageConfig struct {
	Backend string `yaml:"backend"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// RedisAddr and RedisPrefix configure the redis backend.
	RedisAddr   string `yaml:"redis_addr"`
	RedisPrefix string `yaml:"redis_prefix"`
}

// ActivationConfig selects where activation events go.
type ActivationConfig struct {
	// JetStream publishes to policy.activated.<domain> on the NATS server.
	JetStream bool                   `yaml:"jetstream"`
	Kafka     activation.KafkaConfig `yaml:"kafka"`
}

// AuditConfig selects audit sinks. Both may be set.
type AuditConfig struct {
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// NATSConfig configures the NATS connection shared by the JetStream
// store and publisher.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config with the documented defaults. It has no
// adapters and no verifier URL; both must come from a config file.
func DefaultConfig() *Config {
	return &Config{
		Breaker:      reliability.DefaultBreakerConfig(),
		Retry:        reliability.DefaultRetryConfig(),
		Ensemble:     ensemble.DefaultConfig(),
		Verification: verification.DefaultConfig(),
		Pipeline:     pipeline.DefaultConfig(),
		Signing: SigningConfig{
			Required: true,
		},
		Storage: StorageConfig{
			Backend:     BackendSQLite,
			Path:        ".semgov/chains.db",
			RedisPrefix: "semgov",
		},
		Audit: AuditConfig{
			SQLitePath: ".semgov/audit.db",
		},
		Principles: source.DefaultWatchConfig(),
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		HTTP: HTTPConfig{
			Addr: ":8480",
		},
		Telemetry: telemetry.Config{
			ServiceName: "semgov",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// EnabledAdapters returns the adapters not marked disabled.
func (c *Config) EnabledAdapters() []model.EndpointConfig {
	var out []model.EndpointConfig
	for _, a := range c.Adapters {
		if !a.Disabled {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks that the configuration is valid. Every error here is
// fatal at startup.
func (c *Config) Validate() error {
	enabled := c.EnabledAdapters()
	if len(enabled) == 0 {
		return fmt.Errorf("adapters: at least one enabled adapter is required")
	}
	seen := make(map[string]bool)
	for _, a := range c.Adapters {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("adapters: id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("adapters: duplicate id %q", a.ID)
		}
		seen[a.ID] = true
		if llm.GetProvider(a.Provider) == nil {
			return fmt.Errorf("adapters.%s: unknown provider %q", a.ID, a.Provider)
		}
		if a.Model == "" {
			return fmt.Errorf("adapters.%s: model is required", a.ID)
		}
		if a.Timeout < 0 {
			return fmt.Errorf("adapters.%s: timeout must not be negative", a.ID)
		}
	}
	if err := c.Breaker.Validate(); err != nil {
		return fmt.Errorf("circuit_breaker: %w", err)
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := c.Ensemble.Validate(); err != nil {
		return fmt.Errorf("ensemble: %w", err)
	}
	if c.Ensemble.MinQuorum > len(enabled) {
		return fmt.Errorf("ensemble: min_quorum %d exceeds %d enabled adapters", c.Ensemble.MinQuorum, len(enabled))
	}
	if err := c.Verification.Validate(); err != nil {
		return fmt.Errorf("verification: %w", err)
	}
	if c.Verification.URL == "" {
		return fmt.Errorf("verification: url is required")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	if c.Signing.Required && c.Signing.KeyFile == "" && c.Signing.Seed == "" {
		return fmt.Errorf("signing: key_file or seed is required")
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("storage: path is required for sqlite")
		}
	case BackendJetStream:
		if c.NATS.URL == "" {
			return fmt.Errorf("storage: nats.url is required for jetstream")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage: redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("storage: unknown backend %q", c.Storage.Backend)
	}

	if c.Activation.JetStream && c.NATS.URL == "" {
		return fmt.Errorf("activation: nats.url is required for jetstream")
	}
	if len(c.Activation.Kafka.Brokers) > 0 && c.Activation.Kafka.Topic == "" {
		return fmt.Errorf("activation: kafka.topic is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} with environment values.
func ExpandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envPattern.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// Apply overlays the YAML in data onto c. Keys absent from data keep
// their current values.
func (c *Config) Apply(data []byte) error {
	if err := yaml.Unmarshal(ExpandEnv(data), c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := config.Apply(data); err != nil {
		return nil, err
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
