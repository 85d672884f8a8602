package admin

import (
	"context"
	"fmt"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// RoleInput creates a role owned by an existing entity.
type RoleInput struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	EntityHandle string   `json:"entity_handle"`
	Permissions  []string `json:"permissions,omitempty"`
}

// CreateRole stores a role. Every listed permission id must exist.
func (s *Service) CreateRole(ctx context.Context, info *models.Infostar, in RoleInput) (*models.Role, error) {
	if err := required(in.Name, "name"); err != nil {
		return nil, err
	}
	owner, err := s.entityByHandle(ctx, in.EntityHandle, "entity_handle")
	if err != nil {
		return nil, err
	}
	if err := s.knownPermissions(ctx, in.Permissions); err != nil {
		return nil, err
	}

	r := &models.Role{
		Name:        in.Name,
		Description: in.Description,
		EntityRef:   owner.Ref(),
		Permissions: in.Permissions,
	}
	r.CreatedBy = creator(info)
	if err := s.store.Roles().Insert(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ListRoles returns the roles owned by entityHandle, or every role when it
// is empty.
func (s *Service) ListRoles(ctx context.Context, entityHandle string) ([]*models.Role, error) {
	return s.store.Roles().FindMany(ctx, ownedBy(entityHandle)...)
}

// GetRole returns the role with the id.
func (s *Service) GetRole(ctx context.Context, id string) (*models.Role, error) {
	return s.store.Roles().FindOne(ctx, store.Eq("id", id))
}

// RoleUpdate changes the fields that are set. Permissions replaces the
// role's permission list.
type RoleUpdate struct {
	Name         *string   `json:"name,omitempty"`
	Description  *string   `json:"description,omitempty"`
	EntityHandle *string   `json:"entity_handle,omitempty"`
	Permissions  *[]string `json:"permissions,omitempty"`
}

// UpdateRole applies in to the role with the id.
//
// Error codes returned:
//   - [sserr.CodeValidation]: a new owner or permission does not exist
//   - [sserr.CodeDocumentNotFound]: no role has the id
//   - [sserr.CodeDocumentNotUnique]: the owner already has a role with the name
func (s *Service) UpdateRole(ctx context.Context, id string, in RoleUpdate) (*models.Role, error) {
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
	var perms []string
	if in.Permissions != nil {
		perms = dedupe(*in.Permissions)
		if err := s.knownPermissions(ctx, perms); err != nil {
			return nil, err
		}
	}
	return s.store.Roles().Modify(ctx, id, func(r *models.Role) (bool, error) {
		if in.Name != nil {
			r.Name = *in.Name
		}
		if in.Description != nil {
			r.Description = *in.Description
		}
		if owner != nil {
			r.EntityRef = owner.Ref()
		}
		if in.Permissions != nil {
			r.Permissions = perms
		}
		return true, nil
	})
}

// DeleteRole removes a role no entity holds and no resource is granted
// to.
//
// Error codes returned:
//   - [sserr.CodeValidation]: the role is still assigned or granted resources
//   - [sserr.CodeDocumentNotFound]: no role has the id
func (s *Service) DeleteRole(ctx context.Context, id string) error {
	holders, err := s.store.Entities().FindMany(ctx, store.Contains("role_refs", id))
	if err != nil {
		return err
	}
	if len(holders) > 0 {
		handles := make([]string, len(holders))
		for i, e := range holders {
			handles[i] = "'" + e.Handle + "'"
		}
		return sserr.Validation(fmt.Sprintf(
			"Cannot delete role '%s' because it is assigned to: [%s].", id, strings.Join(handles, ", ")))
	}
	resources, err := s.store.Resources().FindMany(ctx, store.Eq("role_ref.id", id))
	if err != nil {
		return err
	}
	if len(resources) > 0 {
		return sserr.Validationf("Cannot delete role '%s' because %d resource(s) are granted to it.", id, len(resources))
	}
	if err := s.store.Roles().Delete(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "role deleted", "role", id)
	return nil
}

// AssignRole adds a role to an entity's role references.
func (s *Service) AssignRole(ctx context.Context, entityID, roleID string) (*models.Entity, error) {
	if _, err := s.store.Roles().FindOne(ctx, store.Eq("id", roleID)); err != nil {
		return nil, err
	}
	return s.store.Entities().Modify(ctx, entityID, func(e *models.Entity) (bool, error) {
		if e.HasRole(roleID) {
			return false, nil
		}
		e.RoleRefs = append(e.RoleRefs, roleID)
		return true, nil
	})
}

func (s *Service) knownPermissions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.store.Permissions().FindMany(ctx, store.In("id", ids...))
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(found))
	for _, p := range found {
		known[p.ID] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return sserr.Validationf("Permission %s not found", id).WithLoc("body", "permissions")
		}
	}
	return nil
}

// ownedBy filters on the owning entity's handle when one is given.
func ownedBy(entityHandle string) []store.Cond {
	if entityHandle == "" {
		return nil
	}
	return []store.Cond{store.Eq("entity_ref.handle", entityHandle)}
}
