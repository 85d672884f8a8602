package store

import (
	"context"

	"github.com/StricklySoft/tauth/pkg/models"
)

// PermissionsForRoles resolves role ids to their permissions, flattened
// and deduplicated by (permission name, owning entity handle). RoleID
// records the first role that granted each pair.
func PermissionsForRoles(ctx context.Context, s Store, roleIDs []string) ([]models.PermissionContext, error) {
	if len(roleIDs) == 0 {
		return []models.PermissionContext{}, nil
	}
	roles, err := s.Roles().FindMany(ctx, In("id", roleIDs...))
	if err != nil {
		return nil, err
	}

	var permIDs []string
	grantedBy := make(map[string]string)
	for _, r := range roles {
		for _, pid := range r.Permissions {
			if _, ok := grantedBy[pid]; !ok {
				grantedBy[pid] = r.ID
				permIDs = append(permIDs, pid)
			}
		}
	}
	if len(permIDs) == 0 {
		return []models.PermissionContext{}, nil
	}

	perms, err := s.Permissions().FindMany(ctx, In("id", permIDs...))
	if err != nil {
		return nil, err
	}

	type key struct{ name, handle string }
	seen := make(map[key]struct{}, len(perms))
	out := make([]models.PermissionContext, 0, len(perms))
	for _, p := range perms {
		k := key{p.Name, p.EntityRef.Handle}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, models.PermissionContext{
			Name:         p.Name,
			EntityHandle: p.EntityRef.Handle,
			RoleID:       grantedBy[p.ID],
		})
	}
	return out, nil
}

// RolesReferencing returns the roles whose permission list holds permID.
func RolesReferencing(ctx context.Context, s Store, permID string) ([]*models.Role, error) {
	return s.Roles().FindMany(ctx, Contains("permissions", permID))
}

// ResourcesForEntity follows the entity's access grants to the resources
// they expose, keeping those in the given service and collection. Grants
// are matched by entity id, so users sharing an email across
// organizations never see each other's resources.
func ResourcesForEntity(ctx context.Context, s Store, entityID, serviceHandle, collection string) ([]*models.Resource, error) {
	grants, err := s.ResourceAccess().FindMany(ctx, Eq("entity_ref.id", entityID))
	if err != nil {
		return nil, err
	}
	if len(grants) == 0 {
		return []*models.Resource{}, nil
	}
	ids := make([]string, 0, len(grants))
	for _, g := range grants {
		ids = append(ids, g.ResourceID)
	}
	return s.Resources().FindMany(ctx,
		In("id", ids...),
		Eq("service_ref.handle", serviceHandle),
		Eq("resource_collection", collection),
	)
}
