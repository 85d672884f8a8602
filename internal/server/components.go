package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/StricklySoft/tauth/pkg/admin"
	"github.com/StricklySoft/tauth/pkg/authn"
	"github.com/StricklySoft/tauth/pkg/authz"
	"github.com/StricklySoft/tauth/pkg/clients/minio"
	pgclient "github.com/StricklySoft/tauth/pkg/clients/postgres"
	"github.com/StricklySoft/tauth/pkg/clients/redis"
	"github.com/StricklySoft/tauth/pkg/jwks"
	"github.com/StricklySoft/tauth/pkg/lifecycle"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/store/memory"
	pgstore "github.com/StricklySoft/tauth/pkg/store/postgres"
)

// Components is the object graph behind the HTTP surface. Build creates
// one from a Config; tests assemble their own around a memory store.
type Components struct {
	Store      store.Store
	Engine     authz.Engine
	Dispatcher *authn.Dispatcher
	Authorizer *authz.Authorizer
	Admin      *admin.Service

	// Bundle, when set, is loaded into the engine at startup.
	Bundle admin.BundleSource

	// Checks are readiness probes beyond the store and engine pings.
	Checks []lifecycle.Check

	closers []func()
}

// Close releases the clients Build opened, in reverse order.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Build connects the backends selected by cfg and wires the
// authentication and authorization pipeline on top of them. On error
// everything opened so far is closed.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Components{}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	switch cfg.Store {
	case StorePostgres:
		db, err := pgclient.NewClient(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		st := pgstore.New(db)
		c.closers = append(c.closers, st.Close)
		if err := st.Migrate(ctx); err != nil {
			return nil, err
		}
		c.Store = st
	default:
		c.Store = memory.New()
	}

	outbound := &http.Client{Timeout: cfg.OutboundTimeout}

	switch cfg.PolicyEngine {
	case EngineOPA:
		c.Engine = authz.NewHTTPEngine(cfg.OPAURL,
			authz.WithEngineHTTPClient(outbound),
			authz.WithEngineTimeout(cfg.OutboundTimeout),
			authz.WithEngineLogger(logger),
		)
	default:
		c.Engine = authz.NewLocalEngine(c.Store, logger)
	}

	var keyOpts []authn.InternalKeyOption
	keyOpts = append(keyOpts, authn.WithInternalKeyLogger(logger))
	if cfg.SharedCache == SharedCacheRedis {
		rc, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = rc.Close() })
		c.Checks = append(c.Checks, lifecycle.Check{Name: "redis", Probe: rc.Health})
		keyOpts = append(keyOpts, authn.WithSharedCache(rc))
	}

	if cfg.PolicyBundle == BundleMinIO {
		mc, err := minio.NewClient(ctx, cfg.MinIO)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, mc.Close)
		c.Checks = append(c.Checks, lifecycle.Check{Name: "minio", Probe: mc.Health})
		c.Bundle = mc
	}

	keys := authn.NewInternalKeyVerifier(c.Store, authn.InternalKeyConfig{
		Salt:      cfg.SecretKey,
		CacheSize: cfg.KeyCacheSize,
		CacheTTL:  cfg.KeyCacheTTL,
	}, keyOpts...)
	c.Dispatcher = NewDispatcher(cfg, c.Store, keys, outbound, logger)
	c.Authorizer = authz.NewAuthorizer(authz.NewAssembler(c.Store, logger), c.Engine, logger)
	c.Admin = admin.New(c.Store, c.Engine,
		admin.WithSalt(cfg.SecretKey),
		admin.WithKeyEvicter(keys),
		admin.WithLogger(logger),
	)
	return c, nil
}

// NewDispatcher wires the verifiers for cfg around keys. In remote mode
// every request is delegated to AUTHN_ENGINE_URL.
func NewDispatcher(cfg *Config, s store.Store, keys *authn.InternalKeyVerifier, client *http.Client, logger *slog.Logger) *authn.Dispatcher {
	resolver := authn.NewResolver(s, logger)
	jwksCfg := jwks.DefaultConfig()
	jwksCfg.TTL = cfg.JWKSCacheTTL
	jwksCfg.Size = cfg.JWKSCacheSize
	jwksCfg.Timeout = cfg.OutboundTimeout
	keySets := jwks.New(jwksCfg, jwks.WithHTTPClient(client), jwks.WithLogger(logger))

	opts := []authn.DispatcherOption{
		authn.WithIgnorePaths(ignorePaths(cfg.IgnorePaths)...),
		authn.WithDispatcherLogger(logger),
	}
	if cfg.AuthnEngine == AuthnRemote {
		opts = append(opts, authn.WithRemote(
			authn.NewRemoteVerifier(cfg.AuthnEngineURL, client, cfg.OutboundTimeout, logger)))
	}
	return authn.NewDispatcher(
		resolver,
		authn.NewLegacyVerifier(s, cfg.RootAPIKey, resolver, logger),
		keys,
		authn.NewOIDCVerifier(s, keySets, resolver, authn.WithOIDCLogger(logger)),
		opts...,
	)
}

// ignorePaths adds the operational endpoints, which never authenticate,
// to the configured list.
func ignorePaths(configured []string) []string {
	out := make([]string, 0, len(configured)+3)
	out = append(out, configured...)
	return append(out, pathMetrics, pathLive, pathReady)
}
