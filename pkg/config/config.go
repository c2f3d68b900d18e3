package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Auth     AuthConfig     `toml:"auth"`
	Upstream UpstreamConfig `toml:"upstream"`
	Quota    QuotaConfig    `toml:"quota"`
	Data     DataConfig     `toml:"data"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type AuthConfig struct {
	JWTSecret            string     `toml:"jwt_secret"`
	TokenTTLSeconds      int        `toml:"token_ttl_seconds"`
	LoginCacheTTLSeconds int        `toml:"login_cache_ttl_seconds"`
	Users                []SeedUser `toml:"users"`
}

// SeedUser is consulted only when the users directory is empty at startup.
type SeedUser struct {
	Name       string `toml:"name"`
	Credential string `toml:"credential"`
	Tier       string `toml:"tier"`
}

type UpstreamConfig struct {
	APIKey                string           `toml:"api_key"`
	BaseURL               string           `toml:"base_url"`
	ConnectTimeoutSeconds int              `toml:"connect_timeout_seconds"`
	HTTPClient            HTTPClientConfig `toml:"http_client"`
}

type HTTPClientConfig struct {
	PoolMaxIdlePerHost     int  `toml:"pool_max_idle_per_host"`
	PoolIdleTimeoutSeconds int  `toml:"pool_idle_timeout_seconds"`
	TCPNoDelay             bool `toml:"tcp_nodelay"`
	HTTP2AdaptiveWindow    bool `toml:"http2_adaptive_window"`
}

type QuotaConfig struct {
	SaveInterval    int         `toml:"save_interval"`
	MonthlyResetDay int         `toml:"monthly_reset_day"`
	Tiers           TiersConfig `toml:"tiers"`
}

type TiersConfig struct {
	Basic   int `toml:"basic"`
	Pro     int `toml:"pro"`
	Premium int `toml:"premium"`
}

type DataConfig struct {
	UsersDir  string `toml:"users_dir"`
	QuotasDir string `toml:"quotas_dir"`
}

type LogConfig struct {
	Level    string `toml:"level"`
	Requests bool   `toml:"requests"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Host: "127.0.0.1", Port: 8080},
		Auth: AuthConfig{
			TokenTTLSeconds:      3600,
			LoginCacheTTLSeconds: 60,
		},
		Upstream: UpstreamConfig{
			BaseURL:               "https://api.deepseek.com/v1",
			ConnectTimeoutSeconds: 10,
			HTTPClient: HTTPClientConfig{
				PoolMaxIdlePerHost:     20,
				PoolIdleTimeoutSeconds: 90,
				TCPNoDelay:             true,
				HTTP2AdaptiveWindow:    true,
			},
		},
		Quota: QuotaConfig{
			SaveInterval:    100,
			MonthlyResetDay: 1,
			Tiers:           TiersConfig{Basic: 500, Pro: 1000, Premium: 1500},
		},
		Data: DataConfig{
			UsersDir:  "data/users",
			QuotasDir: "data/quotas",
		},
		Log: LogConfig{Level: "info", Requests: true},
	}
}

// Load reads the TOML config at path, layers .env and process environment
// on top, and validates the result.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(buf, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables on the file values. UPSTREAM_API_KEY
// is the documented name; OPENAI_API_KEY is accepted for compatibility with
// deployments that predate the rename.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("UPSTREAM_API_KEY")); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("JWT_SECRET")); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		return errors.New("upstream api key is not set (UPSTREAM_API_KEY or upstream.api_key)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Auth.TokenTTLSeconds <= 0 {
		return errors.New("auth.token_ttl_seconds must be positive")
	}
	if c.Auth.LoginCacheTTLSeconds <= 0 {
		return errors.New("auth.login_cache_ttl_seconds must be positive")
	}
	if c.Quota.SaveInterval <= 0 {
		return errors.New("quota.save_interval must be positive")
	}
	return nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLSeconds) * time.Second
}

func (c Config) LoginCacheTTL() time.Duration {
	return time.Duration(c.Auth.LoginCacheTTLSeconds) * time.Second
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Upstream.ConnectTimeoutSeconds) * time.Second
}

// TierLimit maps a tier name to its monthly limit. Unknown tiers fall back to
// basic, matching how records created before a tier rename keep working.
func (c Config) TierLimit(tier string) int {
	switch strings.ToLower(strings.TrimSpace(tier)) {
	case "pro":
		return c.Quota.Tiers.Pro
	case "premium":
		return c.Quota.Tiers.Premium
	default:
		return c.Quota.Tiers.Basic
	}
}

// ResetDay returns monthly_reset_day clamped to 1..28. Values outside the
// honoured range are clamped rather than rejected.
func (c Config) ResetDay() int {
	day := c.Quota.MonthlyResetDay
	if day < 1 {
		return 1
	}
	if day > 28 {
		return 28
	}
	return day
}
