package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/canvasd/internal/canvas"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Addr            string
	StoreDSN        string
	JWTSecret       string
	JWTAudience     string
	MaxBodyBytes    int64
	BatchSize       int
	LockTTL         time.Duration
	MaxLockTTL      time.Duration
	ExecutorURL     string
	ExecutorToken   string
	ExecutorTimeout time.Duration
	LogLevel        string
	LogFormat       string
	ShutdownGrace   time.Duration
}

// canvasd.toml key mapping.
type fileConfig struct {
	Addr            string `toml:"addr"`
	StoreDSN        string `toml:"store_dsn"`
	JWTSecret       string `toml:"jwt_secret"`
	JWTAudience     string `toml:"jwt_audience"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
	BatchSize       int    `toml:"batch_size"`
	LockTTL         string `toml:"lock_ttl"`
	MaxLockTTL      string `toml:"max_lock_ttl"`
	ExecutorURL     string `toml:"executor_url"`
	ExecutorToken   string `toml:"executor_token"`
	ExecutorTimeout string `toml:"executor_timeout"`
	LogLevel        string `toml:"log_level"`
	LogFormat       string `toml:"log_format"`
	ShutdownGrace   string `toml:"shutdown_grace"`
}

func Default() Config {
	return Config{
		Addr:            ":8080",
		StoreDSN:        "memory://",
		JWTSecret:       "dev-secret",
		JWTAudience:     "canvasd",
		MaxBodyBytes:    1 << 20,
		BatchSize:       canvas.DefaultBatchSize,
		LockTTL:         canvas.DefaultLockTTL,
		MaxLockTTL:      canvas.DefaultMaxLockTTL,
		ExecutorTimeout: 20 * time.Second,
		LogLevel:        "info",
		LogFormat:       "json",
		ShutdownGrace:   10 * time.Second,
	}
}

// Load applies the optional TOML file over the defaults, then CANVASD_*
// environment variables over that.
func Load(path string) (Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config: addr is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.LockTTL <= 0 || c.MaxLockTTL <= 0 {
		return fmt.Errorf("config: lock ttls must be positive")
	}
	if c.LockTTL > c.MaxLockTTL {
		return fmt.Errorf("config: lock_ttl %s exceeds max_lock_ttl %s", c.LockTTL, c.MaxLockTTL)
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load canvasd config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load canvasd config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("store_dsn") {
		cfg.StoreDSN = strings.TrimSpace(raw.StoreDSN)
	}
	if meta.IsDefined("jwt_secret") {
		cfg.JWTSecret = raw.JWTSecret
	}
	if meta.IsDefined("jwt_audience") {
		cfg.JWTAudience = strings.TrimSpace(raw.JWTAudience)
	}
	if meta.IsDefined("max_body_bytes") {
		cfg.MaxBodyBytes = raw.MaxBodyBytes
	}
	if meta.IsDefined("batch_size") {
		cfg.BatchSize = raw.BatchSize
	}
	if meta.IsDefined("executor_url") {
		cfg.ExecutorURL = strings.TrimSpace(raw.ExecutorURL)
	}
	if meta.IsDefined("executor_token") {
		cfg.ExecutorToken = strings.TrimSpace(raw.ExecutorToken)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"lock_ttl", raw.LockTTL, &cfg.LockTTL},
		{"max_lock_ttl", raw.MaxLockTTL, &cfg.MaxLockTTL},
		{"executor_timeout", raw.ExecutorTimeout, &cfg.ExecutorTimeout},
		{"shutdown_grace", raw.ShutdownGrace, &cfg.ShutdownGrace},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		value, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("load canvasd config: %s: %w", d.key, err)
		}
		*d.dst = value
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Addr = stringEnv("CANVASD_ADDR", cfg.Addr)
	cfg.StoreDSN = stringEnv("CANVASD_STORE_DSN", cfg.StoreDSN)
	cfg.JWTSecret = stringEnv("CANVASD_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTAudience = stringEnv("CANVASD_JWT_AUDIENCE", cfg.JWTAudience)
	cfg.MaxBodyBytes = int64Env("CANVASD_MAX_BODY_BYTES", cfg.MaxBodyBytes)
	cfg.BatchSize = intEnv("CANVASD_BATCH_SIZE", cfg.BatchSize)
	cfg.LockTTL = durationEnv("CANVASD_LOCK_TTL", cfg.LockTTL)
	cfg.MaxLockTTL = durationEnv("CANVASD_MAX_LOCK_TTL", cfg.MaxLockTTL)
	cfg.ExecutorURL = stringEnv("CANVASD_EXECUTOR_URL", cfg.ExecutorURL)
	cfg.ExecutorToken = stringEnv("CANVASD_EXECUTOR_TOKEN", cfg.ExecutorToken)
	cfg.ExecutorTimeout = durationEnv("CANVASD_EXECUTOR_TIMEOUT", cfg.ExecutorTimeout)
	cfg.LogLevel = stringEnv("CANVASD_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = stringEnv("CANVASD_LOG_FORMAT", cfg.LogFormat)
	cfg.ShutdownGrace = durationEnv("CANVASD_SHUTDOWN_GRACE", cfg.ShutdownGrace)
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env value")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer env value")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration env value")
		return fallback
	}
	return value
}
