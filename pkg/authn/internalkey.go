package authn

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/tauth/pkg/cache"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/metrics"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/token"
)

// Defaults for the internal key verification cache.
const (
	DefaultKeyCacheSize = 512
	DefaultKeyCacheTTL  = 10 * time.Minute
)

// internalServiceHandle is the service handle of identities resolved from
// internal keys.
const internalServiceHandle = "/tauth"

// sharedKeyPrefix namespaces shared cache entries.
const sharedKeyPrefix = "tauth:apikey:"

// SharedCache is an optional cache tier shared between replicas. Get must
// fail with an [sserr.CodeNotFound] error on a miss. The redis client in
// pkg/clients/redis satisfies it.
type SharedCache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
}

// sharedEntry is the shared tier value. Entries are keyed by key id and
// carry a digest of the full raw key, so a revoked key can be evicted
// without knowing its secret and the raw key is never stored.
type sharedEntry struct {
	Digest   string           `json:"digest"`
	Infostar *models.Infostar `json:"infostar"`
}

// InternalKeyConfig configures an [InternalKeyVerifier].
type InternalKeyConfig struct {
	// Salt is the server secret appended to key secrets before hashing.
	Salt string

	// CacheSize bounds the in-process cache. Default 512.
	CacheSize int

	// CacheTTL is the absolute lifetime of cached verifications in both
	// tiers. Default 10m.
	CacheTTL time.Duration
}

// InternalKeyVerifier authenticates TAUTH_ keys issued by this service.
//
// Successful verifications are cached per raw key in a bounded LRU and,
// when configured, in a [SharedCache]. Requests carrying impersonation
// headers bypass both tiers in either direction.
//
// A verification that overlaps an [InternalKeyVerifier.Evict] of the same
// key is never cached: each key id has an eviction generation, read before
// the record lookup and compared before the local write. A shared tier
// write is followed by a re-read of the record and undone if the key was
// revoked meanwhile, which covers revocations made on other replicas.
type InternalKeyVerifier struct {
	store  store.Store
	salt   string
	ttl    time.Duration
	now    cache.Clock
	local  *cache.LRU[string, *models.Infostar]
	shared SharedCache
	logger *slog.Logger
	tracer trace.Tracer

	// mu orders local writes against evictions.
	mu   sync.Mutex
	gens map[string]uint64
}

// InternalKeyOption configures an InternalKeyVerifier.
type InternalKeyOption func(*InternalKeyVerifier)

// WithSharedCache enables the shared cache tier.
func WithSharedCache(c SharedCache) InternalKeyOption {
	return func(v *InternalKeyVerifier) { v.shared = c }
}

// WithKeyCacheClock overrides the clock of the in-process tier.
func WithKeyCacheClock(now cache.Clock) InternalKeyOption {
	return func(v *InternalKeyVerifier) { v.now = now }
}

// WithInternalKeyLogger sets the logger.
func WithInternalKeyLogger(l *slog.Logger) InternalKeyOption {
	return func(v *InternalKeyVerifier) { v.logger = l }
}

// NewInternalKeyVerifier creates an InternalKeyVerifier.
func NewInternalKeyVerifier(s store.Store, cfg InternalKeyConfig, opts ...InternalKeyOption) *InternalKeyVerifier {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultKeyCacheSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultKeyCacheTTL
	}
	v := &InternalKeyVerifier{
		store:  s,
		salt:   cfg.Salt,
		ttl:    cfg.CacheTTL,
		now:    time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer(tracerName),
		gens:   make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.local = cache.New[string, *models.Infostar](cfg.CacheSize, cfg.CacheTTL, cache.WithClock(v.now))
	v.logger = v.logger.With("component", "authn.internal_key")
	return v
}

// Verify authenticates raw and returns the caller's identity without the
// per-request fields.
//
// Error codes returned:
//   - [sserr.CodeMalformedCredential]: raw is not a TAUTH_ key
//   - [sserr.CodeAPIKeyNotFound]: no live key has the parsed id
//   - [sserr.CodeUnauthorized]: the secret does not match
//   - [sserr.CodeDocumentNotFound]: the bound or impersonated entity is gone
func (v *InternalKeyVerifier) Verify(ctx context.Context, req *Request, raw string) (info *models.Infostar, err error) {
	key, err := token.ParseInternalKey(raw)
	if err != nil {
		return nil, err
	}

	ctx, span := v.tracer.Start(ctx, "authn.InternalKey",
		trace.WithAttributes(attribute.String("tauth.apikey.id", key.ID)))
	defer func() { finishSpan(span, err) }()

	gen := v.generation(key.ID)
	handle, owner, impersonating := req.impersonation()
	if !impersonating {
		if info, ok := v.cached(ctx, key.ID, gen, raw); ok {
			return info, nil
		}
	}

	rec, err := v.store.APIKeys().FindOne(ctx, store.Eq("id", key.ID), store.Eq("deleted", false))
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return nil, sserr.New(sserr.CodeAPIKeyNotFound, "API Key not found").
				WithLoc("header", HeaderAuthorization)
		}
		return nil, err
	}
	if !token.VerifySecret(key.Secret, v.salt, rec.ValueHash) {
		return nil, sserr.Unauthorized("Invalid API Key").WithLoc("header", HeaderAuthorization)
	}

	self, err := v.entity(ctx, rec.EntityRef.Handle, rec.EntityRef.OwnerHandle)
	if err != nil {
		return nil, err
	}
	info = identityFromKey(rec, self)

	if impersonating {
		if !rec.AllowImpersonation {
			v.logger.WarnContext(ctx, "impersonation headers ignored; key does not allow impersonation",
				"key_id", rec.ID, "entity", self.Handle)
			return info, nil
		}
		target, err := v.entity(ctx, handle, owner)
		if err != nil {
			return nil, err
		}
		v.logger.InfoContext(ctx, "impersonating entity",
			"key_id", rec.ID, "entity", self.Handle, "target", target.Handle)
		impersonated := identityFromKey(rec, target)
		impersonated.Original = info
		return impersonated, nil
	}

	v.remember(ctx, key.ID, gen, raw, info)
	return info, nil
}

// Evict removes every cached verification of the key id. Call it after
// revoking a key.
func (v *InternalKeyVerifier) Evict(ctx context.Context, keyID string) {
	v.mu.Lock()
	v.gens[keyID]++
	v.mu.Unlock()

	prefix := token.InternalPrefix + keyID + "_"
	v.local.DeleteFunc(func(raw string, _ *models.Infostar) bool {
		return strings.HasPrefix(raw, prefix)
	})
	if v.shared != nil {
		if _, err := v.shared.Del(ctx, sharedKeyPrefix+keyID); err != nil {
			v.logger.WarnContext(ctx, "shared key cache eviction failed", "key_id", keyID, "error", err)
		}
	}
}

func (v *InternalKeyVerifier) entity(ctx context.Context, handle, owner string) (*models.Entity, error) {
	conds := []store.Cond{store.Eq("handle", handle)}
	if owner != "" {
		conds = append(conds, store.Eq("owner_ref.handle", owner))
	}
	e, err := v.store.Entities().FindOne(ctx, conds...)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return nil, sserr.New(sserr.CodeDocumentNotFound, "Entity from key not found")
		}
		return nil, err
	}
	return e, nil
}

func identityFromKey(rec *models.APIKey, e *models.Entity) *models.Infostar {
	owner := e.OwnerHandle()
	return &models.Infostar{
		APIKeyName:       rec.Name,
		AuthProviderType: string(models.ProviderTauthKey),
		AuthProviderOrg:  owner,
		ServiceHandle:    internalServiceHandle,
		UserHandle:       e.Handle,
		UserOwnerHandle:  owner,
	}
}

func digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// cached looks the raw key up in the local tier, then the shared tier.
// Shared tier failures are logged and treated as misses.
func (v *InternalKeyVerifier) cached(ctx context.Context, keyID string, gen uint64, raw string) (*models.Infostar, bool) {
	if info, ok := v.local.Get(raw); ok {
		metrics.KeyCacheLookups.WithLabelValues("local", "hit").Inc()
		return info, true
	}
	metrics.KeyCacheLookups.WithLabelValues("local", "miss").Inc()

	if v.shared == nil {
		return nil, false
	}
	val, err := v.shared.Get(ctx, sharedKeyPrefix+keyID)
	if err != nil {
		if !sserr.IsNotFound(err) {
			v.logger.WarnContext(ctx, "shared key cache lookup failed", "key_id", keyID, "error", err)
		}
		metrics.KeyCacheLookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	var entry sharedEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil || entry.Infostar == nil ||
		subtle.ConstantTimeCompare([]byte(entry.Digest), []byte(digest(raw))) != 1 {
		metrics.KeyCacheLookups.WithLabelValues("shared", "miss").Inc()
		return nil, false
	}
	metrics.KeyCacheLookups.WithLabelValues("shared", "hit").Inc()
	v.setLocal(keyID, gen, raw, entry.Infostar)
	return entry.Infostar, true
}

// generation returns the eviction generation of keyID.
func (v *InternalKeyVerifier) generation(keyID string) uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gens[keyID]
}

// setLocal caches info unless keyID was evicted since gen was read.
func (v *InternalKeyVerifier) setLocal(keyID string, gen uint64, raw string, info *models.Infostar) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gens[keyID] != gen {
		return false
	}
	v.local.Set(raw, info)
	return true
}

func (v *InternalKeyVerifier) remember(ctx context.Context, keyID string, gen uint64, raw string, info *models.Infostar) {
	if !v.setLocal(keyID, gen, raw, info) {
		v.logger.DebugContext(ctx, "key evicted during verification; not caching", "key_id", keyID)
		return
	}
	if v.shared == nil {
		return
	}
	b, err := json.Marshal(sharedEntry{Digest: digest(raw), Infostar: info})
	if err != nil {
		return
	}
	if err := v.shared.Set(ctx, sharedKeyPrefix+keyID, string(b), v.ttl); err != nil {
		v.logger.WarnContext(ctx, "shared key cache write failed", "key_id", keyID, "error", err)
		return
	}
	// Revocation soft-deletes before evicting, so a key still live after
	// the write cannot have been evicted before it.
	if _, err := v.store.APIKeys().FindOne(ctx, store.Eq("id", keyID), store.Eq("deleted", false)); err != nil {
		v.logger.InfoContext(ctx, "key revoked during verification; dropping cached entry", "key_id", keyID)
		v.Evict(ctx, keyID)
	}
}
