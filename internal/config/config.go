// Package config loads TraceTrack configuration from the environment with an
// optional YAML overlay file. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// RateLimit is a parsed "N/window" limit, e.g. "10/min" or "500/hour".
type RateLimit struct {
	Limit  int
	Window time.Duration
}

func (r RateLimit) String() string {
	switch r.Window {
	case time.Minute:
		return fmt.Sprintf("%d/min", r.Limit)
	case time.Hour:
		return fmt.Sprintf("%d/hour", r.Limit)
	default:
		return fmt.Sprintf("%d/%s", r.Limit, r.Window)
	}
}

// ParseRateLimit parses "N/min", "N/hour" or "N/sec".
func ParseRateLimit(s string) (RateLimit, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return RateLimit{}, fmt.Errorf("rate limit %q: want N/window", s)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n <= 0 {
		return RateLimit{}, fmt.Errorf("rate limit %q: bad count", s)
	}
	var w time.Duration
	switch strings.ToLower(parts[1]) {
	case "sec", "second", "s":
		w = time.Second
	case "min", "minute", "m":
		w = time.Minute
	case "hour", "h":
		w = time.Hour
	default:
		return RateLimit{}, fmt.Errorf("rate limit %q: unknown window", s)
	}
	return RateLimit{Limit: n, Window: w}, nil
}

// Config is the full runtime configuration.
type Config struct {
	Env  string `yaml:"env"`
	Port string `yaml:"port"`

	DatabaseURL   string `yaml:"database_url"`
	SessionSecret string `yaml:"session_secret"`
	RedisURL      string `yaml:"redis_url"`

	IdleSessionTTL     time.Duration `yaml:"-"`
	AbsoluteSessionTTL time.Duration `yaml:"-"`

	LockoutThreshold int           `yaml:"lockout_threshold"`
	LockoutWindow    time.Duration `yaml:"-"`

	PoolSize     int `yaml:"pool_size"`
	PoolOverflow int `yaml:"pool_overflow"`

	RateLimitDefault RateLimit `yaml:"-"`
	RateLimitLogin   RateLimit `yaml:"-"`

	AdminPassword string `yaml:"-"`
	Enable2FA     bool   `yaml:"enable_2fa"`

	ParentWeightKG float64 `yaml:"parent_weight_kg"`

	AllowedOrigins []string `yaml:"allowed_origins"`
}

// fileConfig mirrors the YAML overlay; only a subset of keys make sense in a
// checked-in file (secrets stay in the environment).
type fileConfig struct {
	Env              string   `yaml:"env"`
	Port             string   `yaml:"port"`
	LockoutThreshold int      `yaml:"lockout_threshold"`
	PoolSize         int      `yaml:"pool_size"`
	PoolOverflow     int      `yaml:"pool_overflow"`
	Enable2FA        *bool    `yaml:"enable_2fa"`
	ParentWeightKG   float64  `yaml:"parent_weight_kg"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

// Load builds the configuration from the process environment. If path is
// non-empty the YAML file there is read first and environment values
// override it.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Env:                "development",
		Port:               "8080",
		IdleSessionTTL:     30 * time.Minute,
		AbsoluteSessionTTL: time.Hour,
		LockoutThreshold:   5,
		LockoutWindow:      15 * time.Minute,
		PoolSize:           50,
		PoolOverflow:       100,
		RateLimitDefault:   RateLimit{Limit: 500, Window: time.Hour},
		RateLimitLogin:     RateLimit{Limit: 10, Window: time.Minute},
		Enable2FA:          true,
		ParentWeightKG:     30,
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		var fc fileConfig
		if err := yaml.NewDecoder(f).Decode(&fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		applyFile(cfg, &fc)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyFile(cfg *Config, fc *fileConfig) {
	if fc.Env != "" {
		cfg.Env = fc.Env
	}
	if fc.Port != "" {
		cfg.Port = fc.Port
	}
	if fc.LockoutThreshold > 0 {
		cfg.LockoutThreshold = fc.LockoutThreshold
	}
	if fc.PoolSize > 0 {
		cfg.PoolSize = fc.PoolSize
	}
	if fc.PoolOverflow > 0 {
		cfg.PoolOverflow = fc.PoolOverflow
	}
	if fc.Enable2FA != nil {
		cfg.Enable2FA = *fc.Enable2FA
	}
	if fc.ParentWeightKG > 0 {
		cfg.ParentWeightKG = fc.ParentWeightKG
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitAndTrim(v)
	}

	var err error
	if err = envSeconds("IDLE_SESSION_SECS", &cfg.IdleSessionTTL); err != nil {
		return err
	}
	if err = envSeconds("ABSOLUTE_SESSION_SECS", &cfg.AbsoluteSessionTTL); err != nil {
		return err
	}
	if err = envSeconds("LOCKOUT_WINDOW_SECS", &cfg.LockoutWindow); err != nil {
		return err
	}
	if err = envInt("LOCKOUT_THRESHOLD", &cfg.LockoutThreshold); err != nil {
		return err
	}
	if err = envInt("POOL_SIZE", &cfg.PoolSize); err != nil {
		return err
	}
	if err = envInt("POOL_OVERFLOW", &cfg.PoolOverflow); err != nil {
		return err
	}
	if err = envFloat("PARENT_WEIGHT_KG", &cfg.ParentWeightKG); err != nil {
		return err
	}
	if v := os.Getenv("ENABLE_2FA"); v != "" {
		b, perr := strconv.ParseBool(v)
		if perr != nil {
			return fmt.Errorf("ENABLE_2FA: %w", perr)
		}
		cfg.Enable2FA = b
	}
	if v := os.Getenv("RATE_LIMIT_DEFAULT"); v != "" {
		if cfg.RateLimitDefault, err = ParseRateLimit(v); err != nil {
			return fmt.Errorf("RATE_LIMIT_DEFAULT: %w", err)
		}
	}
	if v := os.Getenv("RATE_LIMIT_LOGIN"); v != "" {
		if cfg.RateLimitLogin, err = ParseRateLimit(v); err != nil {
			return fmt.Errorf("RATE_LIMIT_LOGIN: %w", err)
		}
	}
	return nil
}

// Validate checks required values. SESSION_SECRET must carry at least 32
// bytes of key material since CSRF tokens are derived from it.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if len(c.SessionSecret) < 32 {
		return fmt.Errorf("SESSION_SECRET is required and must be at least 32 bytes")
	}
	if c.PoolSize <= 0 || c.PoolOverflow < 0 {
		return fmt.Errorf("POOL_SIZE must be positive and POOL_OVERFLOW non-negative")
	}
	if c.ParentWeightKG <= 0 {
		return fmt.Errorf("PARENT_WEIGHT_KG must be positive")
	}
	return nil
}

// IsProduction reports whether the service runs with production hardening
// (Secure cookies, origin allowlist).
func (c *Config) IsProduction() bool { return c.Env == "production" }

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func envSeconds(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Second
	return nil
}
