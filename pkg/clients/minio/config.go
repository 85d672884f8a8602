package minio

import (
	"errors"
	"time"
)

// maxStatementTruncateLen bounds the db.statement span attribute.
const maxStatementTruncateLen = 100

// maxObjectSize caps how much of a single object ReadObject loads.
const maxObjectSize = 1 << 20

const (
	DefaultEndpoint      = "localhost:9000"
	DefaultRegion        = "us-east-1"
	DefaultBucket        = "tauth-policies"
	DefaultHealthTimeout = 5 * time.Second
)

// Secret is a string that never prints its value.
type Secret string

const redacted = "[REDACTED]"

func (s Secret) String() string   { return redacted }
func (s Secret) GoString() string { return redacted }

// Value returns the underlying secret.
func (s Secret) Value() string { return string(s) }

// MarshalText keeps the secret out of JSON and YAML output.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Config holds the MinIO connection and the location of the policy
// bundle. Nested in the server config the env tags become
// TAUTH_MINIO_ENDPOINT and so on.
type Config struct {
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint" env:"ENDPOINT" envDefault:"localhost:9000"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key" env:"ACCESS_KEY"`
	SecretKey Secret `json:"-" yaml:"secret_key" env:"SECRET_KEY" secret:"true"`
	Region    string `json:"region,omitempty" yaml:"region" env:"REGION" envDefault:"us-east-1"`
	UseSSL    bool   `json:"use_ssl,omitempty" yaml:"use_ssl" env:"USE_SSL"`

	// Bucket holds the policy objects. Prefix, when set, restricts the
	// listing to keys below it.
	Bucket string `json:"bucket" yaml:"bucket" env:"BUCKET" envDefault:"tauth-policies"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix" env:"PREFIX"`
}

// DefaultConfig returns a Config pointing at a local MinIO.
func DefaultConfig() *Config {
	return &Config{
		Endpoint: DefaultEndpoint,
		Region:   DefaultRegion,
		Bucket:   DefaultBucket,
	}
}

// Validate checks required fields and fills the region default.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("minio: config endpoint must not be empty")
	}
	if c.AccessKey == "" {
		return errors.New("minio: config access_key must not be empty")
	}
	if c.Bucket == "" {
		return errors.New("minio: config bucket must not be empty")
	}
	if c.Region == "" {
		c.Region = DefaultRegion
	}
	return nil
}

func truncateStatement(s string) string {
	runes := []rune(s)
	if len(runes) <= maxStatementTruncateLen {
		return s
	}
	return string(runes[:maxStatementTruncateLen]) + "..."
}
