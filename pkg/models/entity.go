package models

import (
	"net/mail"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// EntityType classifies an entity node.
type EntityType string

const (
	EntityUser         EntityType = "user"
	EntityService      EntityType = "service"
	EntityOrganization EntityType = "organization"
)

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	switch t {
	case EntityUser, EntityService, EntityOrganization:
		return true
	default:
		return false
	}
}

// EntityRef references an entity by handle. OwnerHandle disambiguates users
// that share a handle across organizations.
type EntityRef struct {
	ID          string     `json:"id,omitempty"`
	Handle      string     `json:"handle"`
	Type        EntityType `json:"type,omitempty"`
	OwnerHandle string     `json:"owner_handle,omitempty"`
}

// Entity is a user, service or organization. (Type, Handle, owner handle)
// is unique.
type Entity struct {
	Meta
	Handle      string      `json:"handle"`
	Type        EntityType  `json:"type"`
	OwnerRef    *EntityRef  `json:"owner_ref,omitempty"`
	ExternalIDs []Attribute `json:"external_ids,omitempty"`
	Extra       []Attribute `json:"extra,omitempty"`
	RoleRefs    []string    `json:"role_refs,omitempty"`
}

// OwnerHandle returns the owner's handle, or "" for a root organization.
func (e *Entity) OwnerHandle() string {
	if e.OwnerRef == nil {
		return ""
	}
	return e.OwnerRef.Handle
}

// Ref returns a reference to e.
func (e *Entity) Ref() EntityRef {
	return EntityRef{ID: e.ID, Handle: e.Handle, Type: e.Type, OwnerHandle: e.OwnerHandle()}
}

// ExternalID returns the external id named name.
func (e *Entity) ExternalID(name string) (string, bool) {
	return Lookup(e.ExternalIDs, name)
}

// HasRole reports whether roleID is among the entity's role references.
func (e *Entity) HasRole(roleID string) bool {
	for _, r := range e.RoleRefs {
		if r == roleID {
			return true
		}
	}
	return false
}

// Validate checks the entity's shape. Users are addressed by email;
// organizations and services by a path beginning with "/".
func (e *Entity) Validate() error {
	if !e.Type.Valid() {
		return sserr.Validationf("invalid entity type %q", e.Type).WithLoc("body", "type")
	}
	if e.Handle == "" {
		return sserr.New(sserr.CodeValidationRequired, "entity handle is required").WithLoc("body", "handle")
	}
	switch e.Type {
	case EntityUser:
		if !ValidEmail(e.Handle) {
			return sserr.New(sserr.CodeValidationFormat, "user handle must be an email address").WithLoc("body", "handle")
		}
		if e.OwnerRef == nil || e.OwnerRef.Handle == "" {
			return sserr.New(sserr.CodeValidationRequired, "user entities must have an owner").WithLoc("body", "owner_ref")
		}
	default:
		if !strings.HasPrefix(e.Handle, "/") {
			return sserr.New(sserr.CodeValidationFormat, "handle must start with '/'").WithLoc("body", "handle")
		}
	}
	if e.Type == EntityService && e.OwnerRef == nil {
		return sserr.New(sserr.CodeValidationRequired, "service entities must have an owner").WithLoc("body", "owner_ref")
	}
	return nil
}

// ValidEmail reports whether s is a bare email address.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s && addr.Name == ""
}

// OrganizationOf returns the top-level organization handle of a path
// handle, e.g. "/teialabs" for "/teialabs/athena".
func OrganizationOf(handle string) string {
	trimmed := strings.TrimPrefix(handle, "/")
	org, _, _ := strings.Cut(trimmed, "/")
	return "/" + org
}
