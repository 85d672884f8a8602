package admin

import (
	"context"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/token"
)

// IssuedLegacyToken is the result of creating a MELT_ token. Key is shown
// only once; the store keeps its SHA-256 digest.
type IssuedLegacyToken struct {
	Token *models.LegacyToken `json:"token"`
	Key   string              `json:"key"`
}

// CreateLegacyToken issues a MELT_ token named name for the client path,
// e.g. "/teialabs/athena". The client's organization must exist and have
// a melt-key authprovider.
//
// Error codes returned:
//   - [sserr.CodeValidation]: name or client path is malformed
//   - [sserr.CodeNotFound]: the organization or its melt-key provider is missing
//   - [sserr.CodeConflict]: the client already has a token with the name
func (s *Service) CreateLegacyToken(ctx context.Context, info *models.Infostar, clientName, name string) (*IssuedLegacyToken, error) {
	if err := required(name, "name"); err != nil {
		return nil, err
	}
	org, err := s.legacyClientOrg(ctx, clientName)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.AuthProviders().FindOne(ctx,
		store.Eq("type", string(models.ProviderMeltKey)),
		store.Eq("organization_ref.handle", org.Handle),
	); err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return nil, sserr.NotFound("Cannot create token for organization with no 'melt-key' authprovider.").
				WithLoc("path", "client_name")
		}
		return nil, err
	}

	key, err := token.GenerateLegacyKey(clientName, name)
	if err != nil {
		return nil, err
	}
	raw := key.String()
	rec := &models.LegacyToken{
		ClientName:   key.ScopePath(),
		Name:         name,
		ValueHash:    token.HashLegacyKey(raw),
		CreatorEmail: creator(info),
	}
	rec.CreatedBy = creator(info)
	if err := s.store.LegacyTokens().Insert(ctx, rec); err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotUnique) {
			return nil, sserr.Conflictf("Token %q already exists.", name).WithLoc("body", "name")
		}
		return nil, err
	}
	s.logger.InfoContext(ctx, "legacy token created", "client", rec.ClientName, "name", name)
	return &IssuedLegacyToken{Token: rec, Key: raw}, nil
}

// ListLegacyTokens returns the client's tokens without their values.
func (s *Service) ListLegacyTokens(ctx context.Context, clientName string) ([]*models.LegacyToken, error) {
	found, err := s.store.LegacyTokens().FindMany(ctx, store.Eq("client_name", clientName))
	if err != nil {
		return nil, err
	}
	for _, t := range found {
		t.Value, t.ValueHash = "", ""
	}
	return found, nil
}

// RevokeLegacyToken deletes the client's token named name. Legacy tokens
// are not cached, so the next request presenting it fails.
//
// Error codes returned:
//   - [sserr.CodeNotFound]: the organization or the token does not exist
func (s *Service) RevokeLegacyToken(ctx context.Context, clientName, name string) error {
	if _, err := s.legacyClientOrg(ctx, clientName); err != nil {
		return err
	}
	rec, err := s.store.LegacyTokens().FindOne(ctx,
		store.Eq("client_name", clientName),
		store.Eq("name", name),
	)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return sserr.NotFoundf("Token %q does not exist.", name).WithLoc("path", "token_name")
		}
		return err
	}
	if err := s.store.LegacyTokens().Delete(ctx, rec.ID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "legacy token revoked", "client", clientName, "name", name)
	return nil
}

// legacyClientOrg returns the organization at the head of a client path.
// The root client is reserved for the configured root key.
func (s *Service) legacyClientOrg(ctx context.Context, clientName string) (*models.Entity, error) {
	if !strings.HasPrefix(clientName, "/") || strings.Trim(clientName, "/") == "" {
		return nil, sserr.Validationf("invalid client name %q", clientName).WithLoc("path", "client_name")
	}
	handle := token.LegacyKey{Scope: strings.Trim(clientName, "/")}.OrganizationHandle()
	org, err := s.store.Entities().FindOne(ctx,
		store.Eq("handle", handle),
		store.Eq("type", string(models.EntityOrganization)),
	)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return nil, sserr.NotFound("Organization entity for the client does not exist.").
				WithLoc("path", "client_name")
		}
		return nil, err
	}
	return org, nil
}
