package authn

import (
	"context"
	"log/slog"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/ids"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// Resolver turns a verified credential into the request's final Infostar
// and performs the user auto-provisioning shared by the verifiers.
type Resolver struct {
	store  store.Store
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil logger uses slog.Default.
func NewResolver(s store.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: s, logger: logger.With("component", "authn.resolver")}
}

// ClientIP resolves the caller address: direct peer, then X-Tauth-Ip, then
// the first X-Forwarded-For entry. Having none of them is an internal
// error because audit records require an address.
func (r *Resolver) ClientIP(req *Request) (string, error) {
	if ip := hostOnly(req.PeerAddr); ip != "" {
		return ip, nil
	}
	if ip := req.get(HeaderTauthIP); ip != "" {
		return ip, nil
	}
	if fwd := req.get(HeaderForwardedFor); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip, nil
		}
	}
	return "", sserr.New(sserr.CodeIPNotFound, "Client IP not found.").WithLoc("header", HeaderForwardedFor)
}

// Finalize stamps the per-request fields onto a verifier's Infostar. The
// verifier's value is copied, so cached identities are never mutated.
func (r *Resolver) Finalize(info *models.Infostar, req *Request, clientIP string) *models.Infostar {
	out := info.WithClientIP(clientIP)
	out.RequestID = req.get(HeaderRequestID)
	if out.RequestID == "" {
		out.RequestID = ids.RequestID()
	}
	if ua := req.get(HeaderUserAgent); ua != "" {
		out.Extra.UserAgent = ua
	}
	if req.URL != "" {
		out.Extra.URL = req.URL
	}
	if info.Original != nil {
		out.Original = info.Original.WithClientIP(clientIP)
		out.Original.RequestID = out.RequestID
	}
	return out
}

// EnsureUser creates the user entity email under orgHandle unless it
// already exists. A concurrent insert of the same user counts as success.
func (r *Resolver) EnsureUser(ctx context.Context, email, orgHandle string, by *models.Infostar) error {
	_, err := r.store.Entities().FindOne(ctx,
		store.Eq("type", string(models.EntityUser)),
		store.Eq("handle", email),
		store.Eq("owner_ref.handle", orgHandle),
	)
	if err == nil {
		return nil
	}
	if !sserr.HasCode(err, sserr.CodeDocumentNotFound) {
		return err
	}

	user := &models.Entity{
		Handle:   email,
		Type:     models.EntityUser,
		OwnerRef: &models.EntityRef{Handle: orgHandle, Type: models.EntityOrganization},
	}
	if by != nil {
		user.CreatedBy = by.UserHandle
	}
	err = r.store.Entities().Insert(ctx, user)
	switch {
	case err == nil:
		r.logger.InfoContext(ctx, "provisioned user", "user", email, "organization", orgHandle)
		return nil
	case sserr.HasCode(err, sserr.CodeDocumentNotUnique):
		return nil
	default:
		return err
	}
}
