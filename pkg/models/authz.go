package models

import (
	"regexp"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// Role is a named bundle of permission ids owned by an entity.
// (EntityRef.Handle, Name) is unique.
type Role struct {
	Meta
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EntityRef   EntityRef `json:"entity_ref"`
	Permissions []string  `json:"permissions,omitempty"`
}

// Permission is a named capability namespaced by its owning entity.
// (EntityRef.Handle, Name) is unique.
type Permission struct {
	Meta
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	EntityRef   EntityRef `json:"entity_ref"`
}

// PermissionContext is the flattened form of a permission handed to the
// policy engine.
type PermissionContext struct {
	Name         string `json:"name"`
	EntityHandle string `json:"entity_handle"`
	RoleID       string `json:"role_id,omitempty"`
}

// Resource grants a role a set of ids in a service's resource collection.
// (ServiceRef.Handle, RoleRef.Name, ResourceCollection) is unique.
type Resource struct {
	Meta
	ServiceRef         EntityRef      `json:"service_ref"`
	RoleRef            RoleRef        `json:"role_ref"`
	ResourceCollection string         `json:"resource_collection"`
	IDs                []string       `json:"ids"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// RoleRef references a role by id and name.
type RoleRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MergeIDs appends the ids not already present and reports whether any
// were added.
func (r *Resource) MergeIDs(ids []string) bool {
	seen := make(map[string]struct{}, len(r.IDs))
	for _, id := range r.IDs {
		seen[id] = struct{}{}
	}
	added := false
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		r.IDs = append(r.IDs, id)
		added = true
	}
	return added
}

// RemoveIDs drops the given ids and reports whether any were present.
func (r *Resource) RemoveIDs(ids []string) bool {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := r.IDs[:0]
	for _, id := range r.IDs {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
		}
	}
	removed := len(kept) != len(r.IDs)
	r.IDs = kept
	return removed
}

// ResourceAccess makes a resource visible in an entity's policy context.
// It carries no meaning beyond that; what the entity may do is up to the
// policy.
type ResourceAccess struct {
	Meta
	ResourceID string    `json:"resource_id"`
	EntityRef  EntityRef `json:"entity_ref"`
}

// ResourceContext is the resource shape handed to the policy engine.
type ResourceContext struct {
	ID                 string         `json:"id"`
	ServiceHandle      string         `json:"service_handle"`
	RoleName           string         `json:"role_name"`
	ResourceCollection string         `json:"resource_collection"`
	IDs                []string       `json:"ids"`
	Metadata           map[string]any `json:"metadata,omitempty"`
}

// Context returns the policy engine view of r.
func (r *Resource) Context() ResourceContext {
	return ResourceContext{
		ID:                 r.ID,
		ServiceHandle:      r.ServiceRef.Handle,
		RoleName:           r.RoleRef.Name,
		ResourceCollection: r.ResourceCollection,
		IDs:                r.IDs,
		Metadata:           r.Metadata,
	}
}

// PolicyTypeOPA is the only supported policy type.
const PolicyTypeOPA = "opa"

var policyNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_\-]*$`)

// AuthorizationPolicy is a named Rego source. (Name, Type) is unique.
type AuthorizationPolicy struct {
	Meta
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Policy      string `json:"policy"`
}

// Validate checks the policy's shape.
func (p *AuthorizationPolicy) Validate() error {
	if !policyNamePattern.MatchString(p.Name) {
		return sserr.New(sserr.CodeValidationFormat, "policy name must be lowercase letters, digits, '_' or '-'").
			WithLoc("body", "name")
	}
	if p.Type == "" {
		p.Type = PolicyTypeOPA
	}
	if p.Type != PolicyTypeOPA {
		return sserr.Validationf("unsupported policy type %q", p.Type).WithLoc("body", "type")
	}
	if p.Policy == "" {
		return sserr.New(sserr.CodeValidationRequired, "policy source is required").WithLoc("body", "policy")
	}
	return nil
}
