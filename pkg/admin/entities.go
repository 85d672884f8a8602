package admin

import (
	"context"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// CreateEntity stores e. A non-root entity's owner must already exist;
// its reference is completed from the stored owner.
func (s *Service) CreateEntity(ctx context.Context, info *models.Infostar, e *models.Entity) (*models.Entity, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	if e.OwnerRef != nil && e.OwnerRef.Handle != "" {
		owner, err := s.entityByHandle(ctx, e.OwnerRef.Handle, "owner_ref")
		if err != nil {
			return nil, err
		}
		ref := owner.Ref()
		e.OwnerRef = &ref
	}
	e.CreatedBy = creator(info)
	if err := s.store.Entities().Insert(ctx, e); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "entity created", "handle", e.Handle, "type", e.Type)
	return e, nil
}

// GetEntity returns the entity with the id.
func (s *Service) GetEntity(ctx context.Context, id string) (*models.Entity, error) {
	return s.store.Entities().FindOne(ctx, store.Eq("id", id))
}

// EntityFilter narrows ListEntities. Empty fields do not filter.
type EntityFilter struct {
	Type        models.EntityType
	Handle      string
	OwnerHandle string
}

// ListEntities returns the entities matching f.
func (s *Service) ListEntities(ctx context.Context, f EntityFilter) ([]*models.Entity, error) {
	var conds []store.Cond
	if f.Type != "" {
		conds = append(conds, store.Eq("type", string(f.Type)))
	}
	if f.Handle != "" {
		conds = append(conds, store.Eq("handle", f.Handle))
	}
	if f.OwnerHandle != "" {
		conds = append(conds, store.Eq("owner_ref.handle", f.OwnerHandle))
	}
	return s.store.Entities().FindMany(ctx, conds...)
}

// ListAuthProviders returns the providers of orgHandle, or every provider
// when it is empty.
func (s *Service) ListAuthProviders(ctx context.Context, orgHandle string) ([]*models.AuthProvider, error) {
	if orgHandle == "" {
		return s.store.AuthProviders().FindMany(ctx)
	}
	return s.store.AuthProviders().FindMany(ctx, store.Eq("organization_ref.handle", orgHandle))
}

// GetAuthProvider returns the provider with the id.
func (s *Service) GetAuthProvider(ctx context.Context, id string) (*models.AuthProvider, error) {
	return s.store.AuthProviders().FindOne(ctx, store.Eq("id", id))
}

// CreateAuthProvider stores p after resolving its organization and
// optional service references.
//
// Error codes returned:
//   - [sserr.CodeValidation]: bad shape, or a referenced entity is missing
//   - [sserr.CodeConflict]: an OIDC provider already claims the audience
func (s *Service) CreateAuthProvider(ctx context.Context, info *models.Infostar, p *models.AuthProvider) (*models.AuthProvider, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	org, err := s.entityByHandle(ctx, p.OrganizationRef.Handle, "organization_ref")
	if err != nil {
		return nil, err
	}
	if org.Type != models.EntityOrganization {
		return nil, sserr.Validationf("%s is not an organization", org.Handle).WithLoc("body", "organization_ref")
	}
	p.OrganizationRef = org.Ref()

	if p.ServiceRef != nil && p.ServiceRef.Handle != "" {
		svc, err := s.entityByHandle(ctx, p.ServiceRef.Handle, "service_ref")
		if err != nil {
			return nil, err
		}
		ref := svc.Ref()
		p.ServiceRef = &ref
	}

	// Audiences select the provider for a token, so they must not repeat.
	if p.Type.IsOIDC() {
		dupes, err := s.store.AuthProviders().FindMany(ctx, store.ExternalID(models.AttrAudience, p.Audience()))
		if err != nil {
			return nil, err
		}
		for _, d := range dupes {
			if d.Type.IsOIDC() {
				return nil, sserr.Conflictf("audience %s is already bound to provider %s", p.Audience(), d.ID)
			}
		}
	}

	p.CreatedBy = creator(info)
	if err := s.store.AuthProviders().Insert(ctx, p); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "authprovider created", "type", p.Type, "organization", org.Handle)
	return p, nil
}
