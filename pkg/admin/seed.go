package admin

import (
	"context"
	"path"
	"strings"

	"github.com/StricklySoft/tauth/pkg/authz"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
)

// SeedDefaults creates the root organization and the default policies
// as the system identity, then loads every stored policy into the engine.
// Records that already exist are left untouched.
func (s *Service) SeedDefaults(ctx context.Context) error {
	sys := models.SystemInfostar()

	root := &models.Entity{Handle: models.RootHandle, Type: models.EntityOrganization}
	root.CreatedBy = sys.UserHandle
	if err := s.store.Entities().Insert(ctx, root); err != nil && !sserr.IsConflict(err) {
		return err
	}

	for _, p := range authz.DefaultPolicies() {
		p.CreatedBy = sys.UserHandle
		err := s.store.Policies().Insert(ctx, p)
		switch {
		case err == nil:
			s.logger.InfoContext(ctx, "default policy seeded", "policy", p.Name)
		case sserr.IsConflict(err):
		default:
			return err
		}
	}

	n, err := s.SyncPolicies(ctx)
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "policies loaded into engine", "count", n)
	return nil
}

// BundleSource lists and reads policy objects. The MinIO client
// implements it.
type BundleSource interface {
	ListObjects(ctx context.Context, suffix string) ([]string, error)
	ReadObject(ctx context.Context, name string) ([]byte, error)
}

const bundleSuffix = ".rego"

// LoadBundle stores and loads every .rego object of src as a policy named
// after the object's base name, replacing policies of the same name.
// Objects whose names are not valid policy names are skipped.
func (s *Service) LoadBundle(ctx context.Context, src BundleSource) (int, error) {
	names, err := src.ListObjects(ctx, bundleSuffix)
	if err != nil {
		return 0, err
	}
	sys := models.SystemInfostar()
	loaded := 0
	for _, obj := range names {
		name := strings.TrimSuffix(path.Base(obj), bundleSuffix)
		body, err := src.ReadObject(ctx, obj)
		if err != nil {
			return loaded, err
		}
		p := &models.AuthorizationPolicy{
			Name:        name,
			Description: "Loaded from bundle object " + obj,
			Type:        models.PolicyTypeOPA,
			Policy:      string(body),
		}
		if err := s.savePolicy(ctx, sys, p); err != nil {
			if sserr.IsValidation(err) && sserr.GetCode(err) != sserr.CodeValidation {
				s.logger.WarnContext(ctx, "skipping bundle object", "object", obj, "error", err)
				continue
			}
			return loaded, sserr.Wrapf(err, sserr.CodeValidation, "Failed to create policy %s.", name)
		}
		loaded++
	}
	s.logger.InfoContext(ctx, "policy bundle loaded", "objects", len(names), "loaded", loaded)
	return loaded, nil
}
