package admin

import (
	"context"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// ResourceInput registers ids of a service's resource collection for a
// role. EntityHandle names the role's owner.
type ResourceInput struct {
	ServiceHandle      string         `json:"service_handle"`
	RoleName           string         `json:"role_name"`
	EntityHandle       string         `json:"entity_handle"`
	ResourceCollection string         `json:"resource_collection"`
	IDs                []string       `json:"ids"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// UpsertResource registers in. When the (service, role, collection)
// triple already exists its id set is extended instead; created reports
// which happened.
//
// Error codes returned:
//   - [sserr.CodeNotFound]: the role owner, role or service does not exist
func (s *Service) UpsertResource(ctx context.Context, info *models.Infostar, in ResourceInput) (res *models.Resource, created bool, err error) {
	if err := required(in.ResourceCollection, "resource_collection"); err != nil {
		return nil, false, err
	}
	owner, err := s.mustEntity(ctx, in.EntityHandle)
	if err != nil {
		return nil, false, err
	}
	role, err := s.store.Roles().FindOne(ctx,
		store.Eq("name", in.RoleName),
		store.Eq("entity_ref.handle", owner.Handle),
	)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return nil, false, sserr.NotFoundf("Role with name %s not found", in.RoleName)
		}
		return nil, false, err
	}
	svc, err := s.mustEntity(ctx, in.ServiceHandle)
	if err != nil {
		return nil, false, err
	}

	res = &models.Resource{
		ServiceRef:         svc.Ref(),
		RoleRef:            models.RoleRef{ID: role.ID, Name: role.Name},
		ResourceCollection: in.ResourceCollection,
		IDs:                dedupe(in.IDs),
		Metadata:           in.Metadata,
	}
	res.CreatedBy = creator(info)
	err = s.store.Resources().Insert(ctx, res)
	if err == nil {
		return res, true, nil
	}
	if !sserr.HasCode(err, sserr.CodeDocumentNotUnique) {
		return nil, false, err
	}

	existing, err := s.store.Resources().FindOne(ctx,
		store.Eq("service_ref.handle", svc.Handle),
		store.Eq("role_ref.name", role.Name),
		store.Eq("resource_collection", in.ResourceCollection),
	)
	if err != nil {
		return nil, false, err
	}
	merged, err := s.store.Resources().Modify(ctx, existing.ID, func(r *models.Resource) (bool, error) {
		return r.MergeIDs(in.IDs), nil
	})
	if err != nil {
		return nil, false, err
	}
	s.logger.DebugContext(ctx, "resource ids merged", "resource", merged.ID, "ids", len(merged.IDs))
	return merged, false, nil
}

// ListResources returns the resources of serviceHandle's collection.
// Empty arguments do not filter.
func (s *Service) ListResources(ctx context.Context, serviceHandle, collection string) ([]*models.Resource, error) {
	var conds []store.Cond
	if serviceHandle != "" {
		conds = append(conds, store.Eq("service_ref.handle", serviceHandle))
	}
	if collection != "" {
		conds = append(conds, store.Eq("resource_collection", collection))
	}
	return s.store.Resources().FindMany(ctx, conds...)
}

// GetResource returns the resource with the id.
func (s *Service) GetResource(ctx context.Context, id string) (*models.Resource, error) {
	return s.store.Resources().FindOne(ctx, store.Eq("id", id))
}

// ResourceUpdate edits a resource's id set and metadata. Appends are
// applied before removals; a non-nil Metadata replaces the old one.
type ResourceUpdate struct {
	AppendIDs []string       `json:"append_ids,omitempty"`
	RemoveIDs []string       `json:"remove_ids,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// UpdateResource applies in to the resource with the id atomically.
//
// Error codes returned:
//   - [sserr.CodeDocumentNotFound]: no resource has the id
func (s *Service) UpdateResource(ctx context.Context, id string, in ResourceUpdate) (*models.Resource, error) {
	res, err := s.store.Resources().Modify(ctx, id, func(r *models.Resource) (bool, error) {
		added := r.MergeIDs(in.AppendIDs)
		removed := r.RemoveIDs(in.RemoveIDs)
		if in.Metadata != nil {
			r.Metadata = in.Metadata
			return true, nil
		}
		return added || removed, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.DebugContext(ctx, "resource updated",
		"resource", id, "appended", len(in.AppendIDs), "removed", len(in.RemoveIDs))
	return res, nil
}

// DeleteResource removes a resource and the access grants pointing at it.
//
// Error codes returned:
//   - [sserr.CodeDocumentNotFound]: no resource has the id
func (s *Service) DeleteResource(ctx context.Context, id string) error {
	if err := s.store.Resources().Delete(ctx, id); err != nil {
		return err
	}
	grants, err := s.store.ResourceAccess().FindMany(ctx, store.Eq("resource_id", id))
	if err != nil {
		return err
	}
	for _, g := range grants {
		if err := s.store.ResourceAccess().Delete(ctx, g.ID); err != nil && !sserr.IsNotFound(err) {
			return err
		}
	}
	s.logger.InfoContext(ctx, "resource deleted", "resource", id, "grants", len(grants))
	return nil
}

// AccessInput grants an entity visibility of a resource. OwnerHandle
// disambiguates users that share an email across organizations.
type AccessInput struct {
	ResourceID   string `json:"resource_id"`
	EntityHandle string `json:"entity_handle"`
	OwnerHandle  string `json:"owner_handle,omitempty"`
}

// GrantResourceAccess makes a resource part of an entity's policy input.
//
// Error codes returned:
//   - [sserr.CodeValidation]: the entity does not exist
//   - [sserr.CodeDocumentNotFound]: the resource does not exist
//   - [sserr.CodeConflict]: the entity already has access
func (s *Service) GrantResourceAccess(ctx context.Context, info *models.Infostar, in AccessInput) (*models.ResourceAccess, error) {
	entity, err := s.ownedEntity(ctx, in.EntityHandle, in.OwnerHandle)
	if err != nil {
		return nil, err
	}
	res, err := s.store.Resources().FindOne(ctx, store.Eq("id", in.ResourceID))
	if err != nil {
		return nil, err
	}
	access := &models.ResourceAccess{ResourceID: res.ID, EntityRef: entity.Ref()}
	access.CreatedBy = creator(info)
	if err := s.store.ResourceAccess().Insert(ctx, access); err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotUnique) {
			return nil, sserr.Conflictf("Entity: %s already has access to %s", entity.Handle, res.ID)
		}
		return nil, err
	}
	return access, nil
}

// RevokeResourceAccess removes an access grant by id.
func (s *Service) RevokeResourceAccess(ctx context.Context, id string) error {
	return s.store.ResourceAccess().Delete(ctx, id)
}

// ListResourceAccess returns the grants on resourceID held by entityID.
// Empty arguments do not filter.
func (s *Service) ListResourceAccess(ctx context.Context, resourceID, entityID string) ([]*models.ResourceAccess, error) {
	var conds []store.Cond
	if resourceID != "" {
		conds = append(conds, store.Eq("resource_id", resourceID))
	}
	if entityID != "" {
		conds = append(conds, store.Eq("entity_ref.id", entityID))
	}
	return s.store.ResourceAccess().FindMany(ctx, conds...)
}

// GetResourceAccess returns the access grant with the id.
func (s *Service) GetResourceAccess(ctx context.Context, id string) (*models.ResourceAccess, error) {
	return s.store.ResourceAccess().FindOne(ctx, store.Eq("id", id))
}

func (s *Service) mustEntity(ctx context.Context, handle string) (*models.Entity, error) {
	found, err := s.store.Entities().FindMany(ctx, store.Eq("handle", handle))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, sserr.NotFoundf("Entity with handle %s not found", handle)
	}
	return found[0], nil
}

func dedupe(ids []string) []string {
	r := &models.Resource{IDs: []string{}}
	r.MergeIDs(ids)
	return r.IDs
}
