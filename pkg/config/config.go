package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Duration wraps time.Duration so config files can use strings like "5s".
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	GatewayID      string   `json:"gateway_id"`
	Address        string   `json:"address"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// GraceWindow bounds how long an unauthenticated connection is tolerated.
	GraceWindow Duration `json:"grace_window"`

	LoginSessionTTL  Duration `json:"login_session_ttl"`
	MaxLoginSessions int      `json:"max_login_sessions"`

	Token     TokenConfig     `json:"token"`
	Relay     RelayConfig     `json:"relay"`
	Backplane BackplaneConfig `json:"backplane"`
}

type TokenConfig struct {
	SigningKey string `json:"signing_key"`
	Issuer     string `json:"issuer"`

	AccessTTL    Duration `json:"access_ttl"`
	RefreshTTL   Duration `json:"refresh_ttl"`
	TwoFactorTTL Duration `json:"two_factor_ttl"`
	InstanceTTL  Duration `json:"instance_ttl"`
}

type RelayConfig struct {
	// CallbackTimeout bounds the wait for the destination's reply.
	CallbackTimeout Duration `json:"callback_timeout"`

	// ClaimWindow bounds the wait for some gateway process to claim a
	// cross-process envelope before the send fails as unavailable.
	ClaimWindow Duration `json:"claim_window"`
}

type BackplaneKind string

const (
	BackplaneMemory BackplaneKind = "memory"
	BackplaneRedis  BackplaneKind = "redis"
)

type BackplaneConfig struct {
	Kind          BackplaneKind `json:"kind"`
	RedisAddr     string        `json:"redis_addr,omitempty"`
	RedisPassword string        `json:"redis_password,omitempty"`
	RedisDB       int           `json:"redis_db,omitempty"`
}

func Default() *Config {
	return &Config{
		GatewayID:        "gateway-1",
		Address:          ":8300",
		GraceWindow:      Duration(5 * time.Second),
		LoginSessionTTL:  Duration(2 * time.Minute),
		MaxLoginSessions: 4096,
		Token: TokenConfig{
			Issuer:       "homecloud",
			AccessTTL:    Duration(1 * time.Hour),
			RefreshTTL:   Duration(30 * 24 * time.Hour),
			TwoFactorTTL: Duration(5 * time.Minute),
			InstanceTTL:  Duration(8 * time.Hour),
		},
		Relay: RelayConfig{
			CallbackTimeout: Duration(5 * time.Second),
			ClaimWindow:     Duration(1 * time.Second),
		},
		Backplane: BackplaneConfig{
			Kind: BackplaneMemory,
		},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, cfg.Validate()
}

func LoadFromEnv() *Config {
	cfg := Default()
	cfg.GatewayID = getEnv("HOMECLOUD_GATEWAY_ID", cfg.GatewayID)
	cfg.Address = getEnv("HOMECLOUD_ADDRESS", cfg.Address)
	cfg.Token.SigningKey = getEnv("HOMECLOUD_TOKEN_SIGNING_KEY", cfg.Token.SigningKey)
	cfg.Token.Issuer = getEnv("HOMECLOUD_TOKEN_ISSUER", cfg.Token.Issuer)
	cfg.Backplane.Kind = BackplaneKind(getEnv("HOMECLOUD_BACKPLANE", string(cfg.Backplane.Kind)))
	cfg.Backplane.RedisAddr = getEnv("HOMECLOUD_REDIS_ADDR", cfg.Backplane.RedisAddr)
	cfg.Backplane.RedisPassword = getEnv("HOMECLOUD_REDIS_PASSWORD", cfg.Backplane.RedisPassword)
	if db := os.Getenv("HOMECLOUD_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			cfg.Backplane.RedisDB = n
		}
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.GatewayID == "" {
		return fmt.Errorf("gateway_id is required")
	}
	if c.Token.SigningKey == "" {
		return fmt.Errorf("token signing key is required")
	}
	if c.Backplane.Kind == BackplaneRedis && c.Backplane.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required for the redis backplane")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
