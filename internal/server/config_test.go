package server

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tauth/internal/testutil"
	"github.com/StricklySoft/tauth/pkg/config"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, "MELT_/--default--abcdef123456789", cfg.RootAPIKey)
	assert.Equal(t, AuthnLocal, cfg.AuthnEngine)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, EngineLocal, cfg.PolicyEngine)
	assert.Equal(t, 6*time.Hour, cfg.JWKSCacheTTL)
	assert.Equal(t, 16, cfg.JWKSCacheSize)
	assert.Equal(t, 512, cfg.KeyCacheSize)
	assert.Equal(t, 10*time.Minute, cfg.KeyCacheTTL)
	assert.Equal(t, 5*time.Second, cfg.OutboundTimeout)
	assert.Equal(t, []string{"/", "/api", "/api/"}, cfg.IgnorePaths)
	assert.Equal(t, "localhost", cfg.Redis.Host)
	assert.Equal(t, "tauth-policies", cfg.MinIO.Bucket)
}

func TestConfig_FromEnvironment(t *testing.T) {
	t.Setenv("TAUTH_AUTHN_ENGINE", "remote")
	t.Setenv("TAUTH_AUTHN_ENGINE_URL", "http://tauth-main:8080/api")
	t.Setenv("TAUTH_IGNORE_PATHS", "/, /status")
	t.Setenv("TAUTH_SHARED_CACHE", "redis")
	t.Setenv("TAUTH_REDIS_HOST", "cache")
	t.Setenv("TAUTH_RATE_LIMIT_RPS", "12.5")
	t.Setenv("TAUTH_SECRET_KEY", "pepper")

	var cfg Config
	require.NoError(t, config.New().WithEnvPrefix(EnvPrefix).Load(&cfg))
	assert.Equal(t, AuthnRemote, cfg.AuthnEngine)
	assert.Equal(t, []string{"/", "/status"}, cfg.IgnorePaths)
	assert.Equal(t, "cache", cfg.Redis.Host)
	assert.Equal(t, 12.5, cfg.RateLimitRPS)

	entries := config.Describe(&cfg, EnvPrefix)
	values := make(map[string]string, len(entries))
	for _, e := range entries {
		values[e.Key] = e.Value
	}
	assert.Equal(t, "[REDACTED]", values["TAUTH_SECRET_KEY"])
	assert.Equal(t, "[REDACTED]", values["TAUTH_ROOT_API_KEY"])
	assert.Equal(t, "cache", values["TAUTH_REDIS_HOST"])
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		code   sserr.Code
	}{
		{"non root key", func(c *Config) { c.RootAPIKey = "MELT_/acme--k--abc" }, sserr.CodeValidationFormat},
		{"not a legacy key", func(c *Config) { c.RootAPIKey = "/--default--abc" }, sserr.CodeValidationFormat},
		{"authn engine", func(c *Config) { c.AuthnEngine = "ldap" }, sserr.CodeValidationFormat},
		{"remote without url", func(c *Config) { c.AuthnEngine = AuthnRemote }, sserr.CodeValidationRequired},
		{"store", func(c *Config) { c.Store = "mongo" }, sserr.CodeValidationFormat},
		{"opa without url", func(c *Config) { c.PolicyEngine = EngineOPA }, sserr.CodeValidationRequired},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, sserr.CodeValidationFormat},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, sserr.CodeValidationFormat},
		{"negative rps", func(c *Config) { c.RateLimitRPS = -1 }, sserr.CodeValidationFormat},
		{"zero burst", func(c *Config) { c.RateLimitRPS = 1; c.RateLimitBurst = 0 }, sserr.CodeValidationFormat},
		{"redis port", func(c *Config) { c.SharedCache = SharedCacheRedis; c.Redis.Port = 70000 }, sserr.CodeValidation},
		{"minio access key", func(c *Config) { c.PolicyBundle = BundleMinIO }, sserr.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			testutil.RequireErrorCode(t, cfg.Validate(), tt.code)
		})
	}

	t.Run("valid remote", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.AuthnEngine = AuthnRemote
		cfg.AuthnEngineURL = "http://tauth-main:8080/api"
		require.NoError(t, cfg.Validate())
	})
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, lvl)
}
