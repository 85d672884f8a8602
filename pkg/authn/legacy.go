package authn

import (
	"context"
	"crypto/subtle"
	"log/slog"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/token"
)

// LegacyVerifier authenticates MELT_ keys.
//
// A root-scoped key must equal the configured root key and be accompanied
// by a valid X-User-Email. Any other key must match a stored
// [models.LegacyToken] for its (scope, name); the caller email is then the
// X-User-Email header, or the token creator's email when absent.
type LegacyVerifier struct {
	store    store.Store
	rootKey  string
	resolver *Resolver
	logger   *slog.Logger
}

// NewLegacyVerifier creates a LegacyVerifier.
func NewLegacyVerifier(s store.Store, rootKey string, resolver *Resolver, logger *slog.Logger) *LegacyVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LegacyVerifier{
		store:    s,
		rootKey:  rootKey,
		resolver: resolver,
		logger:   logger.With("component", "authn.legacy"),
	}
}

// Verify authenticates raw and returns the caller's identity without the
// per-request fields.
func (v *LegacyVerifier) Verify(ctx context.Context, req *Request, raw string) (*models.Infostar, error) {
	key, err := token.ParseLegacyKey(raw)
	if err != nil {
		return nil, err
	}

	headerEmail := req.get(HeaderUserEmail)
	var email string
	if key.IsRoot() {
		email, err = v.verifyRoot(raw, headerEmail)
	} else {
		email, err = v.verifyStored(ctx, key, raw, headerEmail)
	}
	if err != nil {
		return nil, err
	}

	org := key.OrganizationHandle()
	info := &models.Infostar{
		APIKeyName:       key.Name,
		AuthProviderType: string(models.ProviderMeltKey),
		AuthProviderOrg:  org,
		ServiceHandle:    key.ServiceName(),
		UserHandle:       email,
		UserOwnerHandle:  org,
	}
	if err := v.resolver.EnsureUser(ctx, email, org, info); err != nil {
		return nil, err
	}
	v.logger.DebugContext(ctx, "legacy key verified", "scope", key.ScopePath(), "name", key.Name)
	return info, nil
}

func (v *LegacyVerifier) verifyRoot(raw, email string) (string, error) {
	if email == "" {
		return "", sserr.Unauthorized("User email is required for root client.").
			WithLoc("header", HeaderUserEmail)
	}
	if v.rootKey == "" || subtle.ConstantTimeCompare([]byte(raw), []byte(v.rootKey)) != 1 {
		return "", sserr.Unauthorized("Root token does not match env var.").
			WithLoc("header", HeaderAuthorization)
	}
	if !models.ValidEmail(email) {
		return "", sserr.Unauthorized("User email is not valid.").
			WithLoc("header", HeaderUserEmail)
	}
	return email, nil
}

func (v *LegacyVerifier) verifyStored(ctx context.Context, key token.LegacyKey, raw, email string) (string, error) {
	rec, err := v.store.LegacyTokens().FindOne(ctx,
		store.Eq("client_name", key.ScopePath()),
		store.Eq("name", key.Name),
	)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return "", sserr.Newf(sserr.CodeCredentialNotFound,
				"Token %q not found for client %q.", key.Name, key.ScopePath()).
				WithLoc("header", HeaderAuthorization)
		}
		return "", err
	}
	if !legacyMatch(raw, rec) {
		return "", sserr.Unauthorized("Token does not match.").WithLoc("header", HeaderAuthorization)
	}

	if email == "" {
		return rec.CreatorEmail, nil
	}
	if !models.ValidEmail(email) {
		return "", sserr.Unauthorized("User email is not valid.").WithLoc("header", HeaderUserEmail)
	}
	return email, nil
}

func legacyMatch(raw string, rec *models.LegacyToken) bool {
	if rec.ValueHash != "" {
		return token.VerifySecret(raw, "", rec.ValueHash)
	}
	return rec.Value != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(rec.Value)) == 1
}
