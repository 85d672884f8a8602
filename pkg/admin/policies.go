package admin

import (
	"context"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// CreatePolicy stores p and loads it into the engine. If the engine
// rejects the policy the stored copy is removed again, so the store never
// holds a policy the engine does not know.
//
// Error codes returned:
//   - [sserr.CodeValidationFormat], [sserr.CodeValidationRequired]: bad shape
//   - [sserr.CodeDocumentNotUnique]: a policy with the name exists
//   - [sserr.CodeValidation]: the engine rejected the policy
func (s *Service) CreatePolicy(ctx context.Context, info *models.Infostar, p *models.AuthorizationPolicy) (*models.AuthorizationPolicy, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.CreatedBy = creator(info)
	if err := s.store.Policies().Insert(ctx, p); err != nil {
		return nil, err
	}

	if err := s.engine.UpsertPolicy(ctx, p.Name, p.Policy); err != nil {
		s.logger.WarnContext(ctx, "policy rejected by engine, rolling back", "policy", p.Name, "error", err)
		if derr := s.store.Policies().Delete(ctx, p.ID); derr != nil {
			s.logger.ErrorContext(ctx, "policy rollback failed", "policy", p.Name, "error", derr)
		}
		return nil, sserr.Wrapf(err, sserr.CodeValidation, "Failed to create policy %s.", p.Name).
			WithLoc("body", "policy").
			WithDetail("reason", sserr.FromError(err).Message)
	}
	s.logger.InfoContext(ctx, "policy created", "policy", p.Name, "by", p.CreatedBy)
	return p, nil
}

// DeletePolicy removes the named policy from the engine, then from the
// store. A policy the engine no longer knows is still removed locally.
func (s *Service) DeletePolicy(ctx context.Context, name string) error {
	p, err := s.store.Policies().FindOne(ctx, store.Eq("name", name))
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return sserr.Newf(sserr.CodePermissionNotFound, "Policy %s not found", name)
		}
		return err
	}
	if err := s.engine.DeletePolicy(ctx, name); err != nil && !sserr.HasCode(err, sserr.CodePermissionNotFound) {
		return err
	}
	if err := s.store.Policies().Delete(ctx, p.ID); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "policy deleted", "policy", name)
	return nil
}

// ListPolicies returns every stored policy.
func (s *Service) ListPolicies(ctx context.Context) ([]*models.AuthorizationPolicy, error) {
	return s.store.Policies().FindMany(ctx)
}

// SyncPolicies loads every stored policy into the engine. The local engine
// starts empty, so this runs at startup.
func (s *Service) SyncPolicies(ctx context.Context) (int, error) {
	policies, err := s.store.Policies().FindMany(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range policies {
		if err := s.engine.UpsertPolicy(ctx, p.Name, p.Policy); err != nil {
			return 0, sserr.Wrapf(err, sserr.CodePolicyEngineFault, "failed to load policy %s", p.Name)
		}
	}
	return len(policies), nil
}

// savePolicy inserts p, or replaces the source of the stored policy with
// the same name, and loads it into the engine.
func (s *Service) savePolicy(ctx context.Context, info *models.Infostar, p *models.AuthorizationPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.engine.UpsertPolicy(ctx, p.Name, p.Policy); err != nil {
		return err
	}
	existing, err := s.store.Policies().FindOne(ctx, store.Eq("name", p.Name))
	switch {
	case err == nil:
		existing.Policy = p.Policy
		if p.Description != "" {
			existing.Description = p.Description
		}
		return s.store.Policies().Update(ctx, existing)
	case sserr.HasCode(err, sserr.CodeDocumentNotFound):
		p.CreatedBy = creator(info)
		return s.store.Policies().Insert(ctx, p)
	default:
		return err
	}
}
