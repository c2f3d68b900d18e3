package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
[server]
host = "127.0.0.1"
port = 9000

[auth]
jwt_secret = "test-secret"
token_ttl_seconds = 3600
login_cache_ttl_seconds = 60

[upstream]
api_key = "sk-file"
base_url = "https://api.example.com/v1"
`

func TestLoadMinimal(t *testing.T) {
	path := writeConfig(t, minimalConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "127.0.0.1:9000" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.Quota.SaveInterval != 100 {
		t.Errorf("default save_interval = %d", cfg.Quota.SaveInterval)
	}
	if cfg.Quota.Tiers.Pro != 1000 {
		t.Errorf("default pro tier = %d", cfg.Quota.Tiers.Pro)
	}
	if !cfg.Upstream.HTTPClient.TCPNoDelay {
		t.Error("default tcp_nodelay should be true")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadMissingSecret(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
[upstream]
api_key = "sk"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing jwt_secret")
	}
}

func TestEnvOverridesAPIKey(t *testing.T) {
	path := writeConfig(t, minimalConfig)

	t.Setenv("UPSTREAM_API_KEY", "sk-upstream-env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-upstream-env" {
		t.Errorf("api key = %q", cfg.Upstream.APIKey)
	}

	// Compatibility variable wins over both.
	t.Setenv("OPENAI_API_KEY", "sk-openai-env")
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-openai-env" {
		t.Errorf("api key = %q", cfg.Upstream.APIKey)
	}
}

func TestAPIKeyFromEnvOnly(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9000
[auth]
jwt_secret = "s"
token_ttl_seconds = 10
login_cache_ttl_seconds = 10
[upstream]
base_url = "https://api.example.com/v1"
`)
	t.Setenv("OPENAI_API_KEY", "sk-env-only")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Upstream.APIKey != "sk-env-only" {
		t.Errorf("api key = %q", cfg.Upstream.APIKey)
	}
}

func TestTierLimit(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.TierLimit("basic"); got != 500 {
		t.Errorf("basic = %d", got)
	}
	if got := cfg.TierLimit("Pro"); got != 1000 {
		t.Errorf("pro = %d", got)
	}
	if got := cfg.TierLimit("premium"); got != 1500 {
		t.Errorf("premium = %d", got)
	}
	if got := cfg.TierLimit("unknown"); got != 500 {
		t.Errorf("unknown tier should fall back to basic, got %d", got)
	}
}

func TestResetDayClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Quota.MonthlyResetDay = 31
	if got := cfg.ResetDay(); got != 28 {
		t.Errorf("day 31 clamps to 28, got %d", got)
	}
	cfg.Quota.MonthlyResetDay = 0
	if got := cfg.ResetDay(); got != 1 {
		t.Errorf("day 0 clamps to 1, got %d", got)
	}
	cfg.Quota.MonthlyResetDay = 15
	if got := cfg.ResetDay(); got != 15 {
		t.Errorf("day 15 unchanged, got %d", got)
	}
}
