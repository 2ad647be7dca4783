package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c360studio/semgov/model"
)

const validYAML = `
adapters:
  - id: claude
    provider: anthropic
    model: claude-sonnet
    priority: 1
  - id: gpt
    provider: openai
    model: gpt-4o
    priority: 2
    timeout: 20s
  - id: local
    provider: ollama
    model: qwen2.5
    priority: 3
verification:
  url: http://verifier:9000/verify
signing:
  seed: ${SEMGOV_TEST_SEED:-abababababababababababababababababababababababababababababababab}
`

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	if err := cfg.Apply([]byte(validYAML)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeout != 60*time.Second {
		t.Errorf("expected recovery timeout 60s, got %s", cfg.Breaker.RecoveryTimeout)
	}
	if cfg.Ensemble.ComplianceThreshold != 0.95 {
		t.Errorf("expected compliance threshold 0.95, got %f", cfg.Ensemble.ComplianceThreshold)
	}
	if cfg.Storage.Backend != BackendSQLite {
		t.Errorf("expected sqlite backend, got %s", cfg.Storage.Backend)
	}
	if err := cfg.Validate(); err == nil {
		t.Error("defaults without adapters must not validate")
	}
}

func TestApply(t *testing.T) {
	cfg := validConfig(t)

	if len(cfg.Adapters) != 3 {
		t.Fatalf("expected 3 adapters, got %d", len(cfg.Adapters))
	}
	if cfg.Adapters[1].Timeout != 20*time.Second {
		t.Errorf("expected 20s adapter timeout, got %s", cfg.Adapters[1].Timeout)
	}
	if cfg.Signing.Seed != "abababababababababababababababababababababababababababababababab" {
		t.Errorf("env default not applied: %q", cfg.Signing.Seed)
	}
	// Keys absent from the overlay keep their defaults.
	if cfg.Ensemble.MinQuorum != 2 {
		t.Errorf("expected default quorum 2, got %d", cfg.Ensemble.MinQuorum)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("SEMGOV_TEST_TOKEN", "s3cret")

	tests := []struct {
		in, want string
	}{
		{"token: ${SEMGOV_TEST_TOKEN}", "token: s3cret"},
		{"token: ${SEMGOV_TEST_UNSET:-fallback}", "token: fallback"},
		{"token: ${SEMGOV_TEST_UNSET}", "token: "},
		{"price: $5", "price: $5"},
	}
	for _, tt := range tests {
		if got := string(ExpandEnv([]byte(tt.in))); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "all adapters disabled",
			modify:  func(c *Config) { c.Adapters = []model.EndpointConfig{{ID: "x", Provider: "openai", Model: "m", Disabled: true}} },
			wantErr: true,
		},
		{
			name:    "unknown provider",
			modify:  func(c *Config) { c.Adapters[0].Provider = "carrier-pigeon" },
			wantErr: true,
		},
		{
			name:    "duplicate adapter",
			modify:  func(c *Config) { c.Adapters[1].ID = c.Adapters[0].ID },
			wantErr: true,
		},
		{
			name:    "quorum exceeds adapters",
			modify:  func(c *Config) { c.Ensemble.MinQuorum = 4 },
			wantErr: true,
		},
		{
			name:    "threshold out of range",
			modify:  func(c *Config) { c.Ensemble.ComplianceThreshold = 1.2 },
			wantErr: true,
		},
		{
			name:    "zero failure threshold",
			modify:  func(c *Config) { c.Breaker.FailureThreshold = 0 },
			wantErr: true,
		},
		{
			name:    "missing verifier url",
			modify:  func(c *Config) { c.Verification.URL = "" },
			wantErr: true,
		},
		{
			name:    "missing signing key",
			modify:  func(c *Config) { c.Signing.Seed = "" },
			wantErr: true,
		},
		{
			name: "ephemeral signing key allowed",
			modify: func(c *Config) {
				c.Signing.Seed = ""
				c.Signing.Required = false
			},
			wantErr: false,
		},
		{
			name:    "unknown storage backend",
			modify:  func(c *Config) { c.Storage.Backend = "tape" },
			wantErr: true,
		},
		{
			name:    "redis without address",
			modify:  func(c *Config) { c.Storage.Backend = BackendRedis },
			wantErr: true,
		},
		{
			name:    "kafka without topic",
			modify:  func(c *Config) { c.Activation.Kafka.Brokers = []string{"localhost:9092"} },
			wantErr: true,
		},
		{
			name:    "bad log level",
			modify:  func(c *Config) { c.Log.Level = "loud" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semgov.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Verification.URL != "http://verifier:9000/verify" {
		t.Errorf("unexpected verifier url %q", cfg.Verification.URL)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := validConfig(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Breaker.RecoveryTimeout != cfg.Breaker.RecoveryTimeout {
		t.Errorf("recovery timeout %s, want %s", loaded.Breaker.RecoveryTimeout, cfg.Breaker.RecoveryTimeout)
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("saved config does not validate: %v", err)
	}
}

func TestLoaderLayering(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	nested := filepath.Join(project, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	userDir := filepath.Join(home, UserConfigDir)
	if err := os.MkdirAll(userDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(userDir, UserConfigFile), []byte(validYAML+"log:\n  level: debug\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(project, ProjectConfigFile), []byte("ensemble:\n  min_quorum: 3\n"), 0644); err != nil {
		t.Fatal(err)
	}
	explicit := filepath.Join(t.TempDir(), "override.yaml")
	if err := os.WriteFile(explicit, []byte("http:\n  addr: \":9999\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(nil)
	l.home = home
	l.cwd = nested

	cfg, err := l.Load(explicit)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("user layer lost: level %q", cfg.Log.Level)
	}
	if cfg.Ensemble.MinQuorum != 3 {
		t.Errorf("project layer lost: quorum %d", cfg.Ensemble.MinQuorum)
	}
	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("explicit layer lost: addr %q", cfg.HTTP.Addr)
	}
	if len(cfg.Adapters) != 3 {
		t.Errorf("expected adapters from user layer, got %d", len(cfg.Adapters))
	}
}
