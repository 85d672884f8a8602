// Package server is TAuth's HTTP surface: the authentication and
// authorization endpoints consumed by other services, the admin API and
// the operational endpoints, served by echo.
//
// A Server owns a [lifecycle.Process]. Start seeds the default policy,
// loads the optional policy bundle and begins listening; readiness turns
// green once the process is running and the store and policy engine
// answer their pings.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/StricklySoft/tauth/pkg/authn"
	"github.com/StricklySoft/tauth/pkg/authz"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/lifecycle"
	"github.com/StricklySoft/tauth/pkg/metrics"
)

// Operational endpoints. They bypass authentication.
const (
	pathMetrics = "/metrics"
	pathLive    = "/healthz/live"
	pathReady   = "/healthz/ready"
)

// maxBodySize caps request bodies; policies are the largest payloads.
const maxBodySize = "1M"

// Server serves the gateway API.
type Server struct {
	cfg     *Config
	comp    *Components
	echo    *echo.Echo
	process *lifecycle.Process
	logger  *slog.Logger
	errc    chan error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a Server for comp. The version is reported by the process
// info.
func New(cfg *Config, comp *Components, version string, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		comp:   comp,
		logger: slog.Default(),
		errc:   make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")

	procOpts := []lifecycle.Option{
		lifecycle.WithLogger(s.logger),
		lifecycle.WithOnStart(s.onStart),
		lifecycle.WithOnStop(s.onStop),
		lifecycle.OnStateChange(func(old, next lifecycle.State) {
			s.logger.Info("state transition", "from", old.String(), "to", next.String())
		}),
		lifecycle.WithCheck("store", comp.Store.Ping),
		lifecycle.WithCheck("policy_engine", comp.Engine.Ping),
	}
	for _, c := range comp.Checks {
		procOpts = append(procOpts, lifecycle.WithCheck(c.Name, c.Probe))
	}
	proc, err := lifecycle.New("tauth", version, procOpts...)
	if err != nil {
		return nil, err
	}
	s.process = proc

	metrics.Init()
	s.echo = s.newEcho()
	return s, nil
}

func (s *Server) newEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(s.logger)
	e.Server.ReadTimeout = s.cfg.ReadTimeout
	e.Server.WriteTimeout = s.cfg.WriteTimeout

	e.Use(middleware.Recover())
	e.Use(observe(s.logger))
	e.Use(middleware.BodyLimit(maxBodySize))
	if s.cfg.RateLimitRPS > 0 {
		e.Use(rateLimit(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst))
	}
	e.Use(authn.EchoMiddleware(s.comp.Dispatcher))

	h := &handlers{comp: s.comp, process: s.process}
	for _, p := range []string{"/", "/api", "/api/"} {
		e.GET(p, h.status)
	}
	e.GET(pathLive, h.live)
	e.GET(pathReady, h.ready)
	e.GET(pathMetrics, echo.WrapHandler(metrics.Handler()))

	e.POST("/api/authn", h.authenticate)
	e.POST("/api/authz", h.authorize)

	admin := authz.Require(s.comp.Authorizer, authz.DefaultPolicyName, authz.AdminRule)
	e.GET("/api/policies", h.listPolicies, admin)
	e.POST("/api/policies", h.createPolicy, admin)
	e.POST("/api/policies/sync", h.syncPolicies, admin)
	e.DELETE("/api/policies/:name", h.deletePolicy, admin)
	e.GET("/api/permissions", h.listPermissions, admin)
	e.POST("/api/permissions", h.createPermission, admin)
	e.GET("/api/permissions/:id", h.getPermission, admin)
	e.PATCH("/api/permissions/:id", h.updatePermission, admin)
	e.DELETE("/api/permissions/:id", h.deletePermission, admin)
	e.GET("/api/roles", h.listRoles, admin)
	e.POST("/api/roles", h.createRole, admin)
	e.GET("/api/roles/:id", h.getRole, admin)
	e.PATCH("/api/roles/:id", h.updateRole, admin)
	e.DELETE("/api/roles/:id", h.deleteRole, admin)
	e.GET("/api/resources", h.listResources, admin)
	e.POST("/api/resources", h.upsertResource, admin)
	e.GET("/api/resources/access", h.listAccess, admin)
	e.POST("/api/resources/access", h.grantAccess, admin)
	e.GET("/api/resources/access/:id", h.getAccess, admin)
	e.DELETE("/api/resources/access/:id", h.revokeAccess, admin)
	e.GET("/api/resources/:id", h.getResource, admin)
	e.PATCH("/api/resources/:id", h.updateResource, admin)
	e.DELETE("/api/resources/:id", h.deleteResource, admin)
	e.GET("/api/entities", h.listEntities, admin)
	e.POST("/api/entities", h.createEntity, admin)
	e.GET("/api/entities/:id", h.getEntity, admin)
	e.PUT("/api/entities/:id/roles/:role_id", h.assignRole, admin)
	e.GET("/api/authproviders", h.listAuthProviders, admin)
	e.POST("/api/authproviders", h.createAuthProvider, admin)
	e.GET("/api/authproviders/:id", h.getAuthProvider, admin)
	e.GET("/api/keys", h.listKeys, admin)
	e.POST("/api/keys", h.issueKey, admin)
	e.GET("/api/keys/:id", h.getKey, admin)
	e.DELETE("/api/keys/:id", h.revokeKey, admin)
	// Legacy client paths contain slashes, e.g. /api/clients/teialabs/athena/tokens.
	e.GET("/api/clients/*", h.listLegacyTokens, admin)
	e.POST("/api/clients/*", h.createLegacyToken, admin)
	e.DELETE("/api/clients/*", h.revokeLegacyToken, admin)
	return e
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Process returns the server's lifecycle.
func (s *Server) Process() *lifecycle.Process { return s.process }

// Errors delivers a listener failure after Start. It never delivers
// [http.ErrServerClosed].
func (s *Server) Errors() <-chan error { return s.errc }

// Start prepares the policy engine and starts listening on cfg.Addr in the
// background.
//
// Error codes returned:
//   - [sserr.CodeTimeout]: ctx ended before startup
//   - [sserr.CodeInternal]: seeding or bundle loading failed
func (s *Server) Start(ctx context.Context) error {
	return s.process.Start(ctx)
}

// Shutdown drains in-flight requests within ctx and closes the
// components.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.process.Stop(ctx)
}

func (s *Server) onStart(ctx context.Context) error {
	if err := s.comp.Admin.SeedDefaults(ctx); err != nil {
		return err
	}
	if s.comp.Bundle != nil {
		n, err := s.comp.Admin.LoadBundle(ctx, s.comp.Bundle)
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "policy bundle loaded", "policies", n)
	}

	go func() {
		s.logger.Info("listening", "addr", s.cfg.Addr)
		if err := s.echo.Start(s.cfg.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("listener failed", "error", err)
			s.errc <- sserr.Wrap(err, sserr.CodeUnavailable, "server: listener failed")
		}
	}()
	return nil
}

func (s *Server) onStop(ctx context.Context) error {
	defer s.comp.Close()
	if err := s.echo.Shutdown(ctx); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeout, "server: shutdown did not complete")
	}
	return nil
}
