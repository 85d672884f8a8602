package authn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/jwks"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/token"
)

// jwtAPIKeyName is the Infostar apikey_name of JWT-authenticated callers.
const jwtAPIKeyName = "jwt"

// Provider extra attribute naming the access token claim that carries the
// organization id, and its default.
const (
	AttrOrgClaim    = "org_claim"
	AttrOrgID       = "org_id"
	defaultOrgClaim = "org_id"
)

// validMethods are the accepted JWS algorithms. Symmetric algorithms are
// never accepted for third-party tokens.
var validMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}

// OIDCVerifier authenticates JWT access tokens issued by a configured
// auth0, okta or generic OIDC provider, together with the matching ID
// token.
//
// The provider is selected by the access token's unverified aud claim;
// exactly one stored provider must list it as its audience. Both tokens
// are then verified against the provider issuer's key set:
//
//   - access token: signature, exp, iss and aud
//   - ID token: signature, exp and iss (no audience check)
//
// The ID token must carry sub and email, the access token the
// organization claim. The caller is auto-provisioned as a user of the
// provider's organization.
type OIDCVerifier struct {
	store    store.Store
	keys     *jwks.Cache
	resolver *Resolver
	now      func() time.Time
	leeway   time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// OIDCOption configures an OIDCVerifier.
type OIDCOption func(*OIDCVerifier)

// WithOIDCClock sets the time used for exp validation.
func WithOIDCClock(now func() time.Time) OIDCOption {
	return func(v *OIDCVerifier) { v.now = now }
}

// WithLeeway allows for clock skew when validating exp.
func WithLeeway(d time.Duration) OIDCOption {
	return func(v *OIDCVerifier) { v.leeway = d }
}

// WithOIDCLogger sets the logger.
func WithOIDCLogger(l *slog.Logger) OIDCOption {
	return func(v *OIDCVerifier) { v.logger = l }
}

// NewOIDCVerifier creates an OIDCVerifier.
func NewOIDCVerifier(s store.Store, keys *jwks.Cache, resolver *Resolver, opts ...OIDCOption) *OIDCVerifier {
	v := &OIDCVerifier{
		store:    s,
		keys:     keys,
		resolver: resolver,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("component", "authn.oidc")
	return v
}

// Verify authenticates the access and ID token pair and returns the
// caller's identity without the per-request fields.
func (v *OIDCVerifier) Verify(ctx context.Context, req *Request, accessToken, idToken string) (info *models.Infostar, err error) {
	ctx, span := v.tracer.Start(ctx, "authn.OIDC")
	defer func() { finishSpan(span, err) }()

	unverified, err := token.DecodeUnverified(accessToken)
	if err != nil {
		return nil, err
	}

	provider, err := v.provider(ctx, unverified.Audiences())
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tauth.authprovider.type", string(provider.Type)),
		attribute.String("tauth.authprovider.org", provider.OrganizationRef.Handle),
	)

	access, perr := v.parse(ctx, provider, accessToken, true)
	if perr != nil {
		return nil, perr.WithLoc("header", HeaderAuthorization)
	}
	id, perr := v.parse(ctx, provider, idToken, false)
	if perr != nil {
		return nil, perr.WithLoc("header", HeaderIDToken)
	}

	sub, _ := id.GetSubject()
	if sub == "" {
		return nil, missingClaim(HeaderIDToken, "sub")
	}
	email, _ := id["email"].(string)
	if email == "" {
		return nil, missingClaim(HeaderIDToken, "email")
	}
	if err := checkOrgClaim(provider, access); err != nil {
		return nil, err
	}

	org := provider.OrganizationRef.Handle
	info = &models.Infostar{
		APIKeyName:       jwtAPIKeyName,
		AuthProviderType: string(provider.Type),
		AuthProviderOrg:  org,
		Extra:            models.Extra{JWTSub: sub},
		UserHandle:       email,
		UserOwnerHandle:  org,
	}
	if provider.ServiceRef != nil {
		info.ServiceHandle = provider.ServiceRef.Handle
	}

	if err := v.resolver.EnsureUser(ctx, email, org, info); err != nil {
		return nil, err
	}
	return info, nil
}

// provider returns the single OIDC provider whose audience is among auds.
func (v *OIDCVerifier) provider(ctx context.Context, auds []string) (*models.AuthProvider, error) {
	matches := make(map[string]*models.AuthProvider)
	for _, aud := range auds {
		found, err := v.store.AuthProviders().FindMany(ctx, store.ExternalID(models.AttrAudience, aud))
		if err != nil {
			return nil, err
		}
		for _, p := range found {
			if p.Type.IsOIDC() {
				matches[p.ID] = p
			}
		}
	}

	switch len(matches) {
	case 0:
		return nil, sserr.New(sserr.CodeNoAuthProviderFound, "No auth provider found for the token audience.").
			WithLoc("header", HeaderAuthorization)
	case 1:
		for _, p := range matches {
			return p, nil
		}
	}
	return nil, sserr.Newf(sserr.CodeAmbiguousAuthProvider,
		"%d auth providers match the token audience.", len(matches)).
		WithLoc("header", HeaderAuthorization)
}

// parse verifies raw against the provider. Access tokens additionally
// have their audience checked.
func (v *OIDCVerifier) parse(ctx context.Context, p *models.AuthProvider, raw string, access bool) (jwt.MapClaims, *sserr.Error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(validMethods),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(p.Issuer()),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(v.leeway),
	}
	if access {
		opts = append(opts, jwt.WithAudience(p.Audience()))
	}

	claims := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		return v.keys.Key(ctx, jwks.ProviderKind(p.Type), p.Issuer(), kid)
	})
	if err != nil {
		classified := classifyError(err)
		v.logger.WarnContext(ctx, "jwt verification failed",
			"provider", p.Type,
			"organization", p.OrganizationRef.Handle,
			"access_token", access,
			"code", classified.Code,
			"trace_id", traceIDFromContext(ctx),
		)
		return nil, classified
	}
	return claims, nil
}

func checkOrgClaim(p *models.AuthProvider, access jwt.MapClaims) error {
	name := defaultOrgClaim
	if c, ok := models.Lookup(p.Extra, AttrOrgClaim); ok && c != "" {
		name = c
	}
	got, _ := access[name].(string)
	if got == "" {
		return missingClaim(HeaderAuthorization, name)
	}
	if want, ok := p.ExternalID(AttrOrgID); ok && want != got {
		return sserr.Newf(sserr.CodeInvalidClaim, "Invalid '%s' claim.", name).
			WithLoc("header", HeaderAuthorization)
	}
	return nil
}

func missingClaim(header, claim string) *sserr.Error {
	return sserr.Newf(sserr.CodeMissingRequiredClaim, "Missing '%s' claim.", claim).
		WithLoc("header", header)
}

// classifyError maps golang-jwt validation errors to authentication codes.
// Errors raised by the key lookup are already classified and returned as is.
func classifyError(err error) *sserr.Error {
	var ssErr *sserr.Error
	if errors.As(err, &ssErr) {
		return ssErr
	}

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return sserr.Wrap(err, sserr.CodeExpiredToken, "Token has expired.")
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return sserr.Wrap(err, sserr.CodeMissingRequiredClaim, "Token is missing a required claim.")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return sserr.Wrap(err, sserr.CodeMalformedCredential, "Token is malformed.")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrSignatureInvalid):
		return sserr.Wrap(err, sserr.CodeInvalidSignature, "Token signature is invalid.")
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return sserr.Wrap(err, sserr.CodeInvalidSignature, "Token is unverifiable.")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return sserr.Wrap(err, sserr.CodeInvalidClaim, "Token audience is invalid.")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return sserr.Wrap(err, sserr.CodeInvalidClaim, "Token issuer is invalid.")
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return sserr.Wrap(err, sserr.CodeInvalidClaim, "Token is not valid yet.")
	case errors.Is(err, jwt.ErrTokenInvalidClaims):
		return sserr.Wrap(err, sserr.CodeInvalidClaim, "Token claims are invalid.")
	default:
		return sserr.Wrap(err, sserr.CodeUnauthorized, "Token validation failed.")
	}
}
