// Package authn authenticates incoming requests and resolves them into a
// [models.Infostar].
//
// Three credential kinds are accepted in the Authorization bearer value:
// legacy MELT_ keys ([LegacyVerifier]), TAUTH_ keys issued by this service
// ([InternalKeyVerifier]) and OIDC access tokens paired with an X-ID-Token
// ([OIDCVerifier]). The [Dispatcher] picks the verifier by credential
// prefix and the [Resolver] completes the identity with request data.
//
// # Dispatch order
//
//  1. GET requests to an ignored path pass without identity.
//  2. A missing Authorization header or non-bearer scheme is rejected.
//  3. When a [RemoteVerifier] is configured it decides alone.
//  4. MELT_ keys, then TAUTH_ keys, then anything else as a JWT, which
//     requires an X-ID-Token header.
//
// # Transports
//
// [HTTPMiddleware] and [EchoMiddleware] attach the identity to the request
// context; [UnaryServerInterceptor] and [StreamServerInterceptor] do the
// same for gRPC. Handlers read it with [InfostarFromContext].
package authn

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/metrics"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/token"
)

const tracerName = "github.com/StricklySoft/tauth/pkg/authn"

// DefaultIgnorePaths are served to GET requests without authentication.
var DefaultIgnorePaths = []string{"/", "/api", "/api/"}

// Dispatcher runs the authentication state machine for one request at a
// time. It holds no per-request state and is safe for concurrent use.
type Dispatcher struct {
	resolver *Resolver
	legacy   *LegacyVerifier
	internal *InternalKeyVerifier
	oidc     *OIDCVerifier
	remote   *RemoteVerifier
	ignore   map[string]struct{}
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithRemote delegates every authentication to r.
func WithRemote(r *RemoteVerifier) DispatcherOption {
	return func(d *Dispatcher) { d.remote = r }
}

// WithIgnorePaths replaces [DefaultIgnorePaths].
func WithIgnorePaths(paths ...string) DispatcherOption {
	return func(d *Dispatcher) {
		d.ignore = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			d.ignore[p] = struct{}{}
		}
	}
}

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates a Dispatcher from its verifiers.
func NewDispatcher(resolver *Resolver, legacy *LegacyVerifier, internal *InternalKeyVerifier, oidc *OIDCVerifier, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		resolver: resolver,
		legacy:   legacy,
		internal: internal,
		oidc:     oidc,
		logger:   slog.Default(),
	}
	WithIgnorePaths(DefaultIgnorePaths...)(d)
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "authn.dispatcher")
	return d
}

// Ignored reports whether req passes without authentication.
func (d *Dispatcher) Ignored(req *Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	_, ok := d.ignore[req.Path]
	return ok
}

// Authenticate resolves req into an Infostar. It returns nil and no error
// for ignored requests. Verifier errors are returned unchanged so that
// their code selects the response status.
func (d *Dispatcher) Authenticate(ctx context.Context, req *Request) (*models.Infostar, error) {
	if d.Ignored(req) {
		return nil, nil
	}

	raw, err := ExtractBearerToken(req.get(HeaderAuthorization))
	if err != nil {
		return nil, d.reject(ctx, req, "none", err)
	}

	if d.remote != nil {
		info, err := d.remote.Verify(ctx, req)
		if err != nil {
			return nil, d.reject(ctx, req, "remote", err)
		}
		metrics.Authentications.WithLabelValues("remote", "ok").Inc()
		return info, nil
	}

	kind := token.Classify(raw)
	var verify func(context.Context) (*models.Infostar, error)
	switch kind {
	case token.KindLegacyKey:
		verify = func(ctx context.Context) (*models.Infostar, error) {
			return d.legacy.Verify(ctx, req, raw)
		}
	case token.KindInternalKey:
		verify = func(ctx context.Context) (*models.Infostar, error) {
			return d.internal.Verify(ctx, req, raw)
		}
	case token.KindJWT:
		idToken := req.get(HeaderIDToken)
		if idToken == "" {
			err := sserr.New(sserr.CodeMissingIDToken, "Missing ID token.").WithLoc("header", HeaderIDToken)
			return nil, d.reject(ctx, req, kind.String(), err)
		}
		verify = func(ctx context.Context) (*models.Infostar, error) {
			return d.oidc.Verify(ctx, req, raw, idToken)
		}
	}

	ip, err := d.resolver.ClientIP(req)
	if err != nil {
		return nil, d.reject(ctx, req, kind.String(), err)
	}

	info, err := verify(ctx)
	if err != nil {
		return nil, d.reject(ctx, req, kind.String(), err)
	}

	info = d.resolver.Finalize(info, req, ip)
	metrics.Authentications.WithLabelValues(kind.String(), "ok").Inc()
	return info, nil
}

// reject records a failed authentication. Unclassified errors become
// generic authentication failures so their text never reaches the caller.
func (d *Dispatcher) reject(ctx context.Context, req *Request, credential string, err error) error {
	e, ok := sserr.AsError(err)
	if !ok {
		e = sserr.Wrap(err, sserr.CodeUnauthorized, "Authentication failed.")
	}
	metrics.Authentications.WithLabelValues(credential, e.Kind()).Inc()

	level := slog.LevelWarn
	if e.HTTPStatus() >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	d.logger.Log(ctx, level, "authentication failed",
		"credential", credential,
		"code", e.Code,
		"path", req.Path,
		"error", e.Message,
	)
	return e
}

// finishSpan records err on span and ends it.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
