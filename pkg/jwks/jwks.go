// Package jwks caches the JSON Web Key Sets of external identity providers.
//
// Key sets are cached per (provider kind, issuer) in a bounded LRU with an
// absolute TTL. A kid that is missing from a cached set is a verification
// failure; the set is never refetched to look for it, which bounds the
// number of outbound fetches an attacker can trigger with made-up kids.
// Concurrent misses for the same issuer share one fetch. Failed fetches
// are not cached and are additionally throttled per issuer.
package jwks

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/StricklySoft/tauth/pkg/cache"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/metrics"
)

const tracerName = "github.com/StricklySoft/tauth/pkg/jwks"

// maxBodySize caps JWKS and discovery responses.
const maxBodySize = 1 << 20

// ProviderKind selects the key set location for an issuer.
type ProviderKind string

const (
	// KindAuth0 serves keys at <issuer>/.well-known/jwks.json.
	KindAuth0 ProviderKind = "auth0"
	// KindOkta serves keys at <issuer>/oauth2/v1/keys.
	KindOkta ProviderKind = "okta"
	// KindOIDC resolves jwks_uri from <issuer>/.well-known/openid-configuration.
	KindOIDC ProviderKind = "oidc"
)

// HTTPClient is the subset of *http.Client used for fetches.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds cache sizing and fetch limits.
type Config struct {
	TTL        time.Duration `env:"TTL" envDefault:"6h" json:"ttl" yaml:"ttl"`
	Size       int           `env:"SIZE" envDefault:"16" json:"size" yaml:"size"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"5s" json:"timeout" yaml:"timeout"`
	FetchRate  float64       `env:"FETCH_RATE" envDefault:"1" json:"fetch_rate" yaml:"fetch_rate"`
	FetchBurst int           `env:"FETCH_BURST" envDefault:"3" json:"fetch_burst" yaml:"fetch_burst"`
}

// DefaultConfig returns the defaults used when no configuration is loaded.
func DefaultConfig() Config {
	return Config{
		TTL:        6 * time.Hour,
		Size:       16,
		Timeout:    5 * time.Second,
		FetchRate:  1,
		FetchBurst: 3,
	}
}

// KeySet is an immutable set of public keys indexed by kid.
type KeySet struct {
	Issuer    string
	URL       string
	FetchedAt time.Time
	keys      map[string]any
}

// Key returns the *rsa.PublicKey or *ecdsa.PublicKey for kid.
func (s *KeySet) Key(kid string) (any, bool) {
	k, ok := s.keys[kid]
	return k, ok
}

// Len returns the number of usable keys.
func (s *KeySet) Len() int {
	return len(s.keys)
}

type cacheKey struct {
	kind   ProviderKind
	issuer string
}

// Cache fetches and caches key sets. It is safe for concurrent use.
type Cache struct {
	sets    *cache.LRU[cacheKey, *KeySet]
	client  HTTPClient
	timeout time.Duration
	now     cache.Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	fetchRate  rate.Limit
	fetchBurst int
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// Option configures a Cache.
type Option func(*Cache)

// WithHTTPClient sets the client used for fetches.
func WithHTTPClient(c HTTPClient) Option {
	return func(k *Cache) { k.client = c }
}

// WithClock overrides the clock used for TTL expiry.
func WithClock(now cache.Clock) Option {
	return func(k *Cache) { k.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Cache) { k.logger = l }
}

// WithTracer sets the tracer used for fetch spans.
func WithTracer(t trace.Tracer) Option {
	return func(k *Cache) { k.tracer = t }
}

// New creates a Cache.
func New(cfg Config, opts ...Option) *Cache {
	c := &Cache{
		client:     http.DefaultClient,
		timeout:    cfg.Timeout,
		now:        time.Now,
		logger:     slog.Default(),
		tracer:     otel.Tracer(tracerName),
		fetchRate:  rate.Limit(cfg.FetchRate),
		fetchBurst: cfg.FetchBurst,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetchBurst < 1 {
		c.fetchBurst = 1
	}
	if c.fetchRate <= 0 {
		c.fetchRate = rate.Inf
	}
	c.logger = c.logger.With("component", "jwks")
	c.sets = cache.New[cacheKey, *KeySet](cfg.Size, cfg.TTL, cache.WithClock(c.now))
	return c
}

// KeySet returns the cached key set for issuer, fetching it on a miss.
func (c *Cache) KeySet(ctx context.Context, kind ProviderKind, issuer string) (*KeySet, error) {
	issuer = NormalizeIssuer(issuer)
	return c.sets.GetOrFetch(ctx, cacheKey{kind: kind, issuer: issuer}, func(ctx context.Context) (*KeySet, error) {
		return c.fetch(ctx, kind, issuer)
	})
}

// Key returns the public key for kid from issuer's key set. An unknown kid
// is reported as an invalid signature.
func (c *Cache) Key(ctx context.Context, kind ProviderKind, issuer, kid string) (any, error) {
	set, err := c.KeySet(ctx, kind, issuer)
	if err != nil {
		return nil, err
	}
	key, ok := set.Key(kid)
	if !ok {
		return nil, sserr.Newf(sserr.CodeInvalidSignature,
			"signing key %q not found for issuer %s", kid, set.Issuer)
	}
	return key, nil
}

// NormalizeIssuer adds an https scheme to bare domains and a trailing slash,
// so "tenant.auth0.com" and "https://tenant.auth0.com" share a cache entry.
func NormalizeIssuer(issuer string) string {
	if !strings.Contains(issuer, "://") {
		issuer = "https://" + issuer
	}
	if !strings.HasSuffix(issuer, "/") {
		issuer += "/"
	}
	return issuer
}

func (c *Cache) limiter(issuer string) *rate.Limiter {
	c.limitersMu.Lock()
	defer c.limitersMu.Unlock()
	l, ok := c.limiters[issuer]
	if !ok {
		l = rate.NewLimiter(c.fetchRate, c.fetchBurst)
		c.limiters[issuer] = l
	}
	return l
}

func (c *Cache) fetch(ctx context.Context, kind ProviderKind, issuer string) (set *KeySet, err error) {
	ctx, span := c.tracer.Start(ctx, "jwks.Fetch",
		trace.WithAttributes(
			attribute.String("jwks.provider", string(kind)),
			attribute.String("jwks.issuer", issuer),
		))
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.ErrorContext(ctx, "jwks fetch failed",
				"provider", kind, "issuer", issuer, "error", err)
		}
		metrics.JWKSFetches.WithLabelValues(string(kind), result).Inc()
		span.End()
	}()

	if !c.limiter(issuer).Allow() {
		return nil, sserr.Newf(sserr.CodeKeyFetch, "key set fetch rate exceeded for issuer %s", issuer)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	url, err := c.keySetURL(ctx, kind, issuer)
	if err != nil {
		return nil, err
	}

	var doc jwksResponse
	if err := c.getJSON(ctx, url, &doc); err != nil {
		return nil, err
	}

	return &KeySet{
		Issuer:    issuer,
		URL:       url,
		FetchedAt: c.now(),
		keys:      doc.publicKeys(),
	}, nil
}

func (c *Cache) keySetURL(ctx context.Context, kind ProviderKind, issuer string) (string, error) {
	base := strings.TrimRight(issuer, "/")
	switch kind {
	case KindAuth0:
		return base + "/.well-known/jwks.json", nil
	case KindOkta:
		return base + "/oauth2/v1/keys", nil
	case KindOIDC:
		var discovery oidcDiscoveryResponse
		if err := c.getJSON(ctx, base+"/.well-known/openid-configuration", &discovery); err != nil {
			return "", err
		}
		if discovery.JWKSURI == "" {
			return "", sserr.New(sserr.CodeKeyFetch, "discovery document missing jwks_uri")
		}
		return discovery.JWKSURI, nil
	default:
		return "", sserr.Newf(sserr.CodeKeyFetch, "unsupported provider kind %q", kind)
	}
}

func (c *Cache) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeKeyFetch, "failed to create key set request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeKeyFetch, "request to %s failed", url)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return sserr.Newf(sserr.CodeKeyFetch, "%s returned status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeKeyFetch, "failed to read %s", url)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return sserr.Wrapf(err, sserr.CodeKeyFetch, "failed to parse %s", url)
	}
	return nil
}

// ---------------------------------------------------------------------------
// JWK parsing
// ---------------------------------------------------------------------------

type oidcDiscoveryResponse struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

type jwksResponse struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
	// RSA
	N string `json:"n"`
	E string `json:"e"`
	// EC
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// publicKeys indexes usable signing keys by kid. Keys without a kid,
// encryption keys and malformed keys are skipped.
func (r jwksResponse) publicKeys() map[string]any {
	keys := make(map[string]any, len(r.Keys))
	for _, k := range r.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		switch k.Kty {
		case "RSA":
			if pub, err := parseRSAPublicKey(k.N, k.E); err == nil {
				keys[k.Kid] = pub
			}
		case "EC":
			if pub, err := parseECPublicKey(k.Crv, k.X, k.Y); err == nil {
				keys[k.Kid] = pub
			}
		}
	}
	return keys
}

func parseRSAPublicKey(nBase64, eBase64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nBase64)
	if err != nil {
		return nil, fmt.Errorf("jwks: failed to decode RSA modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eBase64)
	if err != nil {
		return nil, fmt.Errorf("jwks: failed to decode RSA exponent: %w", err)
	}
	if len(nBytes) == 0 || len(eBytes) == 0 {
		return nil, fmt.Errorf("jwks: empty RSA key material")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func parseECPublicKey(crv, xBase64, yBase64 string) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("jwks: unsupported EC curve %q", crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xBase64)
	if err != nil {
		return nil, fmt.Errorf("jwks: failed to decode EC x coordinate: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yBase64)
	if err != nil {
		return nil, fmt.Errorf("jwks: failed to decode EC y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
