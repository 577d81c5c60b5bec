// Package config loads the process configuration from UITSMIJTER_-prefixed
// environment variables (and an optional YAML file), applies defaults, and
// validates the result (spec §6 "Configuration").
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/uitsmijter/core/pkg/entity"
	"github.com/uitsmijter/core/pkg/logger"
)

// envPrefix is the namespace every recognized environment variable and
// YAML key is read under (e.g. UITSMIJTER_JWT_SECRET, jwt_secret).
const envPrefix = "UITSMIJTER"

// Environment distinguishes development from production behavior (e.g.
// whether a missing validation provider is treated as always-valid).
type Environment string

// Recognized environments.
const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the fully-resolved process configuration. All values must be
// ready to use directly; no further env lookups happen after Load.
type Config struct {
	JWTSecret     string
	RedisHost     string
	RedisPassword string
	LogLevel      string
	LogFormat     string
	Environment   Environment
	DefaultAlg    entity.Algorithm
	CookieDays    int
	TokenHours    int
	TokenLength   int
	ScriptTimeout time.Duration
	RenewWindow   time.Duration
}

// CookieLifetime is CookieDays expressed as a time.Duration.
func (c *Config) CookieLifetime() time.Duration {
	return time.Duration(c.CookieDays) * 24 * time.Hour
}

// TokenLifetime is TokenHours expressed as a time.Duration.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.TokenHours) * time.Hour
}

// Load reads every recognized UITSMIJTER_-prefixed environment variable
// (and, when UITSMIJTER_CONFIG_FILE names one, a YAML file), applies
// defaults for anything unset, and validates the result. A dedicated
// viper instance is used rather than the package-level one, so this
// doesn't interfere with cmd/uitsmijter/app's CLI flag binding.
func Load() (*Config, error) {
	logger.Debug("loading configuration from environment")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if path := os.Getenv(envPrefix + "_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read config file %s: %w", path, err)
		}
	}

	c := &Config{
		JWTSecret:     v.GetString("jwt_secret"),
		RedisHost:     v.GetString("redis_host"),
		RedisPassword: v.GetString("redis_password"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
		Environment:   Environment(v.GetString("environment")),
		DefaultAlg:    entity.Algorithm(v.GetString("default_algorithm")),
	}

	var err error
	if c.CookieDays, err = viperInt(v, "cookie_expiration_days", 7); err != nil {
		return nil, err
	}
	if c.TokenHours, err = viperInt(v, "token_expiration_hours", 1); err != nil {
		return nil, err
	}
	if c.TokenLength, err = viperInt(v, "token_length", 16); err != nil {
		return nil, err
	}
	scriptTimeoutSecs, err := viperInt(v, "provider_script_timeout", 10)
	if err != nil {
		return nil, err
	}
	c.ScriptTimeout = time.Duration(scriptTimeoutSecs) * time.Second

	renewSecs, err := viperInt(v, "renew_window_seconds", 2*60*60)
	if err != nil {
		return nil, err
	}
	c.RenewWindow = time.Duration(renewSecs) * time.Second

	c.applyDefaults()

	if err := c.Validate(); err != nil {
		return nil, err
	}

	logger.Infow("configuration loaded",
		"environment", c.Environment,
		"logLevel", c.LogLevel,
		"defaultAlgorithm", c.DefaultAlg,
		"hasRedis", c.RedisHost != "",
	)
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Environment == "" {
		c.Environment = Development
	}
	if c.DefaultAlg == "" {
		c.DefaultAlg = entity.HS256
	}
	if c.JWTSecret == "" && c.Environment != Production {
		c.JWTSecret = randomDevSecret()
		logger.Warnw(envName("jwt_secret") + " not set; generated an ephemeral development secret")
	}
}

// Validate checks that Config is usable.
func (c *Config) Validate() error {
	if c.Environment == Production && c.JWTSecret == "" {
		return fmt.Errorf("config: %s is required in production", envName("jwt_secret"))
	}
	if c.DefaultAlg != entity.HS256 && c.DefaultAlg != entity.RS256 {
		return fmt.Errorf("config: unsupported %s %q", envName("default_algorithm"), c.DefaultAlg)
	}
	if c.CookieDays <= 0 {
		return fmt.Errorf("config: %s must be positive", envName("cookie_expiration_days"))
	}
	if c.TokenHours <= 0 {
		return fmt.Errorf("config: %s must be positive", envName("token_expiration_hours"))
	}
	if c.TokenLength < 16 {
		return fmt.Errorf("config: %s must be at least 16", envName("token_length"))
	}
	return nil
}

func randomDevSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken;
		// a fixed fallback string keeps boot from panicking in that case.
		return "insecure-dev-fallback-secret"
	}
	return hex.EncodeToString(buf)
}

// viperInt reads key as an integer, returning def when it was never set
// (by env var, config file, or default) and an error when the supplied
// value cannot be parsed.
func viperInt(v *viper.Viper, key string, def int) (int, error) {
	raw := v.GetString(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", envName(key), err)
	}
	return n, nil
}

// envName renders the UITSMIJTER_-prefixed environment variable name a
// config key is read from, for error and log messages.
func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(key)
}
