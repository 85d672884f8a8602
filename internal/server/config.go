package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/StricklySoft/tauth/pkg/clients/minio"
	"github.com/StricklySoft/tauth/pkg/clients/postgres"
	"github.com/StricklySoft/tauth/pkg/clients/redis"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/token"
)

// EnvPrefix prefixes every TAuth environment variable.
const EnvPrefix = "TAUTH"

// Backend and mode selectors.
const (
	AuthnLocal  = "local"
	AuthnRemote = "remote"

	StoreMemory   = "memory"
	StorePostgres = "postgres"

	EngineLocal = "local"
	EngineOPA   = "opa"

	SharedCacheNone  = "none"
	SharedCacheRedis = "redis"

	BundleNone  = "none"
	BundleMinIO = "minio"
)

// Config is the complete gateway configuration. Every field maps to a
// TAUTH_-prefixed environment variable; the nested client configs read
// TAUTH_POSTGRES_*, TAUTH_REDIS_* and TAUTH_MINIO_*.
type Config struct {
	RootAPIKey     string        `json:"-" yaml:"root_api_key" env:"ROOT_API_KEY" envDefault:"MELT_/--default--abcdef123456789" secret:"true"`
	SecretKey      string        `json:"-" yaml:"secret_key" env:"SECRET_KEY" secret:"true"`
	AuthnEngine    string        `json:"authn_engine" yaml:"authn_engine" env:"AUTHN_ENGINE" envDefault:"local"`
	AuthnEngineURL string        `json:"authn_engine_url,omitempty" yaml:"authn_engine_url" env:"AUTHN_ENGINE_URL"`
	Addr           string        `json:"addr" yaml:"addr" env:"ADDR" envDefault:":8080"`
	ReadTimeout    time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownGrace  time.Duration `json:"shutdown_grace" yaml:"shutdown_grace" env:"SHUTDOWN_GRACE" envDefault:"15s"`

	// OutboundTimeout bounds JWKS, discovery and remote delegation calls.
	OutboundTimeout time.Duration `json:"outbound_timeout" yaml:"outbound_timeout" env:"OUTBOUND_TIMEOUT" envDefault:"5s"`

	JWKSCacheTTL  time.Duration `json:"jwks_cache_ttl" yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL" envDefault:"6h"`
	JWKSCacheSize int           `json:"jwks_cache_size" yaml:"jwks_cache_size" env:"JWKS_CACHE_SIZE" envDefault:"16"`
	KeyCacheSize  int           `json:"key_cache_size" yaml:"key_cache_size" env:"KEY_CACHE_SIZE" envDefault:"512"`
	KeyCacheTTL   time.Duration `json:"key_cache_ttl" yaml:"key_cache_ttl" env:"KEY_CACHE_TTL" envDefault:"10m"`

	// IgnorePaths are GET paths served without authentication.
	IgnorePaths []string `json:"ignore_paths" yaml:"ignore_paths" env:"IGNORE_PATHS" envDefault:"/,/api,/api/"`

	Store        string `json:"store" yaml:"store" env:"STORE" envDefault:"memory"`
	PolicyEngine string `json:"policy_engine" yaml:"policy_engine" env:"POLICY_ENGINE" envDefault:"local"`
	OPAURL       string `json:"opa_url,omitempty" yaml:"opa_url" env:"OPA_URL"`
	SharedCache  string `json:"shared_cache" yaml:"shared_cache" env:"SHARED_CACHE" envDefault:"none"`
	PolicyBundle string `json:"policy_bundle" yaml:"policy_bundle" env:"POLICY_BUNDLE" envDefault:"none"`

	LogLevel  string `json:"log_level" yaml:"log_level" env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `json:"log_format" yaml:"log_format" env:"LOG_FORMAT" envDefault:"json"`

	// RateLimitRPS of zero disables the per-IP limiter.
	RateLimitRPS   float64 `json:"rate_limit_rps" yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `json:"rate_limit_burst" yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST" envDefault:"20"`

	Postgres postgres.Config `json:"postgres" yaml:"postgres" env:"POSTGRES"`
	Redis    redis.Config    `json:"redis" yaml:"redis" env:"REDIS"`
	MinIO    minio.Config    `json:"minio" yaml:"minio" env:"MINIO"`
}

// Validate checks selector values and the settings each selected backend
// needs. Client configs are validated only when their backend is used.
func (c *Config) Validate() error {
	key, err := token.ParseLegacyKey(c.RootAPIKey)
	if err != nil || !strings.HasPrefix(c.RootAPIKey, token.LegacyPrefix) || !key.IsRoot() {
		return invalid("ROOT_API_KEY", "must be a root-scoped MELT_/ key")
	}
	if err := oneOf("AUTHN_ENGINE", c.AuthnEngine, AuthnLocal, AuthnRemote); err != nil {
		return err
	}
	if c.AuthnEngine == AuthnRemote && c.AuthnEngineURL == "" {
		return sserr.New(sserr.CodeValidationRequired,
			"config: AUTHN_ENGINE_URL is required for remote authentication")
	}
	if err := oneOf("STORE", c.Store, StoreMemory, StorePostgres); err != nil {
		return err
	}
	if err := oneOf("POLICY_ENGINE", c.PolicyEngine, EngineLocal, EngineOPA); err != nil {
		return err
	}
	if c.PolicyEngine == EngineOPA && c.OPAURL == "" {
		return sserr.New(sserr.CodeValidationRequired,
			"config: OPA_URL is required for the opa policy engine")
	}
	if err := oneOf("SHARED_CACHE", c.SharedCache, SharedCacheNone, SharedCacheRedis); err != nil {
		return err
	}
	if err := oneOf("POLICY_BUNDLE", c.PolicyBundle, BundleNone, BundleMinIO); err != nil {
		return err
	}
	if err := oneOf("LOG_FORMAT", c.LogFormat, "json", "text"); err != nil {
		return err
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.RateLimitRPS < 0 {
		return invalid("RATE_LIMIT_RPS", "must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return invalid("RATE_LIMIT_BURST", "must be at least 1 when rate limiting is enabled")
	}
	if c.KeyCacheSize < 1 || c.JWKSCacheSize < 1 {
		return invalid("KEY_CACHE_SIZE", "cache sizes must be at least 1")
	}

	if c.Store == StorePostgres {
		if err := c.Postgres.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid POSTGRES settings")
		}
	}
	if c.SharedCache == SharedCacheRedis {
		if err := c.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid REDIS settings")
		}
	}
	if c.PolicyBundle == BundleMinIO {
		if err := c.MinIO.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "config: invalid MINIO settings")
		}
	}
	return nil
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, invalid("LOG_LEVEL", fmt.Sprintf("unknown level %q", s))
	}
	return lvl, nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return invalid(key, fmt.Sprintf("must be one of %s, got %q", strings.Join(allowed, "|"), value))
}

func invalid(key, msg string) error {
	return sserr.Newf(sserr.CodeValidationFormat, "config: %s %s", key, msg).
		WithLoc("env", EnvPrefix+"_"+key)
}
