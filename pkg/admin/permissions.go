package admin

import (
	"context"
	"fmt"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// PermissionInput creates a permission namespaced by an existing entity.
type PermissionInput struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	EntityHandle string `json:"entity_handle"`
}

// CreatePermission stores a permission owned by in.EntityHandle.
//
// Error codes returned:
//   - [sserr.CodeValidation]: the owning entity does not exist
//   - [sserr.CodeDocumentNotUnique]: the entity already has the permission
func (s *Service) CreatePermission(ctx context.Context, info *models.Infostar, in PermissionInput) (*models.Permission, error) {
	if err := required(in.Name, "name"); err != nil {
		return nil, err
	}
	owner, err := s.entityByHandle(ctx, in.EntityHandle, "entity_handle")
	if err != nil {
		return nil, err
	}
	p := &models.Permission{
		Name:        in.Name,
		Description: in.Description,
		EntityRef:   owner.Ref(),
	}
	p.CreatedBy = creator(info)
	if err := s.store.Permissions().Insert(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DeletePermission removes a permission no role references.
//
// Error codes returned:
//   - [sserr.CodeValidation]: one or more roles still grant the permission
//   - [sserr.CodeDocumentNotFound]: no permission has the id
func (s *Service) DeletePermission(ctx context.Context, id string) error {
	roles, err := store.RolesReferencing(ctx, s.store, id)
	if err != nil {
		return err
	}
	if len(roles) > 0 {
		names := make([]string, len(roles))
		for i, r := range roles {
			names[i] = "'" + r.Name + "'"
		}
		s.logger.DebugContext(ctx, "permission still referenced", "permission", id, "roles", len(roles))
		return sserr.Validation(fmt.Sprintf(
			"Cannot delete permission '%s' because it is used by role(s): [%s].",
			id, strings.Join(names, ", ")))
	}
	return s.store.Permissions().Delete(ctx, id)
}

// ListPermissions returns the permissions owned by entityHandle, or every
// permission when it is empty.
func (s *Service) ListPermissions(ctx context.Context, entityHandle string) ([]*models.Permission, error) {
	return s.store.Permissions().FindMany(ctx, ownedBy(entityHandle)...)
}

// GetPermission returns the permission with the id.
func (s *Service) GetPermission(ctx context.Context, id string) (*models.Permission, error) {
	return s.store.Permissions().FindOne(ctx, store.Eq("id", id))
}

// PermissionUpdate changes the fields that are set.
type PermissionUpdate struct {
	Name         *string `json:"name,omitempty"`
	Description  *string `json:"description,omitempty"`
	EntityHandle *string `json:"entity_handle,omitempty"`
}

// UpdatePermission applies in to the permission with the id.
//
// Error codes returned:
//   - [sserr.CodeValidation]: a new owner does not exist or the name is empty
//   - [sserr.CodeDocumentNotFound]: no permission has the id
//   - [sserr.CodeDocumentNotUnique]: the owner already has a permission with the name
func (s *Service) UpdatePermission(ctx context.Context, id string, in PermissionUpdate) (*models.Permission, error) {
	if in.Name != nil {
		if err := required(*in.Name, "name"); err != nil {
			return nil, err
		}
	}
	var owner *models.Entity
	if in.EntityHandle != nil {
		var err error
		if owner, err = s.entityByHandle(ctx, *in.EntityHandle, "entity_handle"); err != nil {
			return nil, err
		}
	}
	return s.store.Permissions().Modify(ctx, id, func(p *models.Permission) (bool, error) {
		if in.Name != nil {
			p.Name = *in.Name
		}
		if in.Description != nil {
			p.Description = *in.Description
		}
		if owner != nil {
			p.EntityRef = owner.Ref()
		}
		return true, nil
	})
}
