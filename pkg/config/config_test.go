package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/core/pkg/entity"
)

func writeTestConfigFile(t *testing.T, path, contents string) error {
	t.Helper()
	return os.WriteFile(path, []byte(contents), 0o600)
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"UITSMIJTER_JWT_SECRET", "UITSMIJTER_REDIS_HOST", "UITSMIJTER_REDIS_PASSWORD",
		"UITSMIJTER_LOG_LEVEL", "UITSMIJTER_LOG_FORMAT", "UITSMIJTER_ENVIRONMENT",
		"UITSMIJTER_DEFAULT_ALGORITHM", "UITSMIJTER_COOKIE_EXPIRATION_DAYS",
		"UITSMIJTER_TOKEN_EXPIRATION_HOURS", "UITSMIJTER_TOKEN_LENGTH",
		"UITSMIJTER_PROVIDER_SCRIPT_TIMEOUT", "UITSMIJTER_RENEW_WINDOW_SECONDS",
		"UITSMIJTER_CONFIG_FILE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_AppliesDefaultsInDevelopment(t *testing.T) {
	clearEnv(t)

	c, err := Load()
	require.NoError(t, err)

	assert.Equal(t, Development, c.Environment)
	assert.Equal(t, entity.HS256, c.DefaultAlg)
	assert.Equal(t, 7, c.CookieDays)
	assert.Equal(t, 1, c.TokenHours)
	assert.Equal(t, 16, c.TokenLength)
	assert.NotEmpty(t, c.JWTSecret)
	assert.Equal(t, time.Hour, c.TokenLifetime())
	assert.Equal(t, 7*24*time.Hour, c.CookieLifetime())
}

func TestLoad_ProductionRequiresJWTSecret(t *testing.T) {
	clearEnv(t)
	t.Setenv("UITSMIJTER_ENVIRONMENT", "production")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ProductionWithSecretSucceeds(t *testing.T) {
	clearEnv(t)
	t.Setenv("UITSMIJTER_ENVIRONMENT", "production")
	t.Setenv("UITSMIJTER_JWT_SECRET", "a-production-secret")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Production, c.Environment)
}

func TestLoad_InvalidIntegerErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("UITSMIJTER_TOKEN_LENGTH", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_TokenLengthBelowMinimumRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("UITSMIJTER_TOKEN_LENGTH", "8")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_UnsupportedAlgorithmRejected(t *testing.T) {
	clearEnv(t)
	t.Setenv("UITSMIJTER_DEFAULT_ALGORITHM", "ES256")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_ReadsYAMLConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, writeTestConfigFile(t, path, `
environment: production
jwt_secret: from-yaml-secret
default_algorithm: RS256
cookie_expiration_days: 3
`))
	t.Setenv("UITSMIJTER_CONFIG_FILE", path)

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Production, c.Environment)
	assert.Equal(t, "from-yaml-secret", c.JWTSecret)
	assert.Equal(t, entity.RS256, c.DefaultAlg)
	assert.Equal(t, 3, c.CookieDays)
}

func TestLoad_EnvOverridesYAMLConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, writeTestConfigFile(t, path, `
environment: production
jwt_secret: from-yaml-secret
`))
	t.Setenv("UITSMIJTER_CONFIG_FILE", path)
	t.Setenv("UITSMIJTER_JWT_SECRET", "from-env-secret")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env-secret", c.JWTSecret)
}

func TestLoad_MissingConfigFileErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("UITSMIJTER_CONFIG_FILE", filepath.Join(t.TempDir(), "does-not-exist.yaml"))

	_, err := Load()
	assert.Error(t, err)
}
