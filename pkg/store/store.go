// Package store defines TAuth's persistence boundary.
//
// Every record type lives in its own [Collection], composed from the
// [Findable], [Insertable], [Updatable] and [Deletable] capabilities.
// Queries are conjunctions of [Cond] predicates over the record's JSON
// field paths, so the same filter runs against the in-memory backend
// (package memory) and the PostgreSQL JSONB backend (package postgres).
//
// Collections enforce the uniqueness constraints listed in [UniqueKeys];
// a violating insert or update fails with [sserr.CodeDocumentNotUnique].
// A missing record is [sserr.CodeDocumentNotFound].
package store

import (
	"context"

	"github.com/StricklySoft/tauth/pkg/models"
)

// Collection names. The postgres backend uses them as table names.
const (
	CollEntities       = "entities"
	CollAuthProviders  = "authproviders"
	CollRoles          = "roles"
	CollPermissions    = "permissions"
	CollResources      = "resources"
	CollResourceAccess = "resource_access"
	CollPolicies       = "policies"
	CollAPIKeys        = "api_keys"
	CollLegacyTokens   = "legacy_tokens"
)

// UniqueKeys lists, per collection, the field paths that together must be
// unique. A missing field counts as the empty string.
var UniqueKeys = map[string][][]string{
	CollEntities:       {{"type", "handle", "owner_ref.handle"}},
	CollRoles:          {{"entity_ref.handle", "name"}},
	CollPermissions:    {{"entity_ref.handle", "name"}},
	CollResources:      {{"service_ref.handle", "role_ref.name", "resource_collection"}},
	CollResourceAccess: {{"resource_id", "entity_ref.id"}},
	CollPolicies:       {{"name", "type"}},
	CollAPIKeys:        {{"name", "entity.handle", "entity.owner_handle"}},
	CollLegacyTokens:   {{"client_name", "name"}},
}

// Findable reads records. FindOne fails with CodeDocumentNotFound when
// nothing matches; FindMany returns an empty slice instead. Results are
// ordered by creation time.
type Findable[T any] interface {
	FindOne(ctx context.Context, conds ...Cond) (*T, error)
	FindMany(ctx context.Context, conds ...Cond) ([]*T, error)
}

// Insertable creates records, assigning an id and creation time when
// they are unset.
type Insertable[T any] interface {
	Insert(ctx context.Context, rec *T) error
}

// Updatable replaces a record by id and refreshes its update time.
type Updatable[T any] interface {
	Update(ctx context.Context, rec *T) error
}

// Modifiable applies a read-modify-write to one record atomically: no
// other write to the record lands between the read and the write. fn
// reports whether it changed the record; an unchanged record is not
// written. An error from fn aborts the change and is returned as is.
type Modifiable[T any] interface {
	Modify(ctx context.Context, id string, fn func(rec *T) (bool, error)) (*T, error)
}

// Deletable removes a record by id.
type Deletable interface {
	Delete(ctx context.Context, id string) error
}

// Collection is the full set of capabilities.
type Collection[T any] interface {
	Findable[T]
	Insertable[T]
	Updatable[T]
	Modifiable[T]
	Deletable
}

// Store groups the collections of one backend.
type Store interface {
	Entities() Collection[models.Entity]
	AuthProviders() Collection[models.AuthProvider]
	Roles() Collection[models.Role]
	Permissions() Collection[models.Permission]
	Resources() Collection[models.Resource]
	ResourceAccess() Collection[models.ResourceAccess]
	Policies() Collection[models.AuthorizationPolicy]
	APIKeys() Collection[models.APIKey]
	LegacyTokens() Collection[models.LegacyToken]

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close()
}
