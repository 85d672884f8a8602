package authz

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/tauth/pkg/authn"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/metrics"
	"github.com/StricklySoft/tauth/pkg/models"
)

// Authorizer answers authorization requests for authenticated callers.
// It is safe for concurrent use.
type Authorizer struct {
	assembler *Assembler
	engine    Engine
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewAuthorizer creates an Authorizer. A nil logger uses slog.Default.
func NewAuthorizer(assembler *Assembler, engine Engine, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		assembler: assembler,
		engine:    engine,
		logger:    logger.With("component", "authz"),
		tracer:    otel.Tracer(tracerName),
	}
}

// Engine returns the underlying policy engine.
func (a *Authorizer) Engine() Engine { return a.engine }

// Authorize assembles the policy input for info and evaluates req. A
// denial is a successful call with Authorized false.
//
// Error codes returned:
//   - [sserr.CodeEntityNotFound]: the caller has no entity record
//   - [sserr.CodePermissionNotFound]: the policy is not loaded
//   - [sserr.CodePolicyEngineFault]: any other engine failure
func (a *Authorizer) Authorize(ctx context.Context, info *models.Infostar, req *Request, body any) (dec *Decision, err error) {
	ctx, span := a.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("tauth.policy", req.PolicyName),
		attribute.String("tauth.rule", req.Rule),
	))
	defer func() {
		outcome := "deny"
		switch {
		case err != nil:
			outcome = sserr.FromError(err).Kind()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case dec.Authorized:
			outcome = "allow"
			span.SetStatus(codes.Ok, "")
		default:
			span.SetStatus(codes.Ok, "")
		}
		metrics.PolicyDecisions.WithLabelValues(req.PolicyName, outcome).Inc()
		span.End()
	}()

	if err := req.Validate(); err != nil {
		return nil, err
	}
	input, err := a.assembler.Assemble(ctx, info, req, body)
	if err != nil {
		return nil, err
	}

	dec, err = a.engine.IsAuthorized(ctx, req.PolicyName, req.Rule, input)
	if err != nil {
		e := engineFault(err)
		level := slog.LevelError
		if e.Code == sserr.CodePermissionNotFound {
			level = slog.LevelWarn
		}
		a.logger.Log(ctx, level, "policy evaluation failed",
			"policy", req.PolicyName, "rule", req.Rule, "code", e.Code, "error", err)
		return nil, e
	}
	a.logger.DebugContext(ctx, "policy decision",
		"policy", req.PolicyName, "rule", req.Rule, "authorized", dec.Authorized, "user", info.UserHandle)
	return dec, nil
}

// Enforce is Authorize for route guards: a denial becomes a Forbidden
// error carrying the engine details.
func (a *Authorizer) Enforce(ctx context.Context, info *models.Infostar, policyName, rule string) error {
	dec, err := a.Authorize(ctx, info, &Request{PolicyName: policyName, Rule: rule}, nil)
	if err != nil {
		return err
	}
	if !dec.Authorized {
		return sserr.Forbidden("Access denied.").WithDetails(dec.Details)
	}
	return nil
}

// Require returns echo middleware enforcing policyName's rule for the
// authenticated caller. It must run after [authn.EchoMiddleware].
func Require(a *Authorizer, policyName, rule string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			info, ok := authn.InfostarFromContext(c.Request().Context())
			if !ok {
				return sserr.Unauthorized("Authentication required.").
					WithLoc("header", authn.HeaderAuthorization)
			}
			if err := a.Enforce(c.Request().Context(), info, policyName, rule); err != nil {
				return err
			}
			return next(c)
		}
	}
}

// RequireHTTP is [Require] for net/http handlers.
func RequireHTTP(a *Authorizer, policyName, rule string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := authn.InfostarFromContext(r.Context())
			if !ok {
				sserr.WriteHTTP(w, sserr.Unauthorized("Authentication required."))
				return
			}
			if err := a.Enforce(r.Context(), info, policyName, rule); err != nil {
				sserr.WriteHTTP(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
