// Package admin implements TAuth's management operations: policies,
// permissions, roles, resources and their access grants, entities,
// authentication providers and internally issued API keys.
//
// Every write records the acting identity in the record's created_by
// field. Authorization of the caller is not checked here; the HTTP layer
// guards these operations with the default policy before calling them.
package admin

import (
	"context"
	"log/slog"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// Engine is the policy engine the service mirrors policies into.
type Engine interface {
	UpsertPolicy(ctx context.Context, name, source string) error
	DeletePolicy(ctx context.Context, name string) error
}

// KeyEvicter drops cached verifications of a revoked key.
type KeyEvicter interface {
	Evict(ctx context.Context, keyID string)
}

// Service runs management operations against one store and engine. It
// is safe for concurrent use.
type Service struct {
	store  store.Store
	engine Engine
	keys   KeyEvicter
	salt   string
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithKeyEvicter sets the cache notified when a key is revoked.
func WithKeyEvicter(k KeyEvicter) Option {
	return func(s *Service) { s.keys = k }
}

// WithSalt sets the server salt used to hash issued key secrets.
func WithSalt(salt string) Option {
	return func(s *Service) { s.salt = salt }
}

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a Service.
func New(s store.Store, engine Engine, opts ...Option) *Service {
	svc := &Service{store: s, engine: engine, logger: slog.Default()}
	for _, o := range opts {
		o(svc)
	}
	svc.logger = svc.logger.With("component", "admin")
	return svc
}

// entityByHandle returns the first entity with the handle, or a
// validation error naming field when there is none.
func (s *Service) entityByHandle(ctx context.Context, handle, field string) (*models.Entity, error) {
	if handle == "" {
		return nil, sserr.New(sserr.CodeValidationRequired, field+" is required").WithLoc("body", field)
	}
	found, err := s.store.Entities().FindMany(ctx, store.Eq("handle", handle))
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, sserr.Validation("Invalid entity handle").WithLoc("body", field)
	}
	return found[0], nil
}

// ownedEntity resolves handle, narrowed to the owner when one is given.
func (s *Service) ownedEntity(ctx context.Context, handle, owner string) (*models.Entity, error) {
	if owner == "" {
		return s.entityByHandle(ctx, handle, "entity_handle")
	}
	e, err := s.store.Entities().FindOne(ctx,
		store.Eq("handle", handle),
		store.Eq("owner_ref.handle", owner),
	)
	if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
		return nil, sserr.Validation("Invalid entity handle").WithLoc("body", "entity_handle")
	}
	return e, err
}

// creator returns the handle recorded as created_by.
func creator(info *models.Infostar) string {
	if info == nil {
		return ""
	}
	return info.UserHandle
}

func required(value, field string) error {
	if value == "" {
		return sserr.New(sserr.CodeValidationRequired, field+" is required").WithLoc("body", field)
	}
	return nil
}
