package admin

import (
	"context"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/ids"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/token"
)

// KeyInput issues an internal key bound to an entity. OwnerHandle
// disambiguates users that share an email across organizations.
type KeyInput struct {
	Name               string   `json:"name"`
	EntityHandle       string   `json:"entity_handle"`
	OwnerHandle        string   `json:"owner_handle,omitempty"`
	Roles              []string `json:"roles,omitempty"`
	AllowImpersonation bool     `json:"allow_impersonation,omitempty"`
}

// IssuedKey is the result of issuing a key. Key is shown only once; the
// store keeps the salted hash of its secret.
type IssuedKey struct {
	APIKey *models.APIKey `json:"apikey"`
	Key    string         `json:"key"`
}

// IssueAPIKey creates a TAUTH_ key for in.EntityHandle.
//
// Error codes returned:
//   - [sserr.CodeInternalConfiguration]: no salt is configured
//   - [sserr.CodeValidation]: the entity does not exist
//   - [sserr.CodeDocumentNotUnique]: the entity already has a key with the name
func (s *Service) IssueAPIKey(ctx context.Context, info *models.Infostar, in KeyInput) (*IssuedKey, error) {
	if s.salt == "" {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "key salt is not configured")
	}
	if err := required(in.Name, "name"); err != nil {
		return nil, err
	}
	entity, err := s.ownedEntity(ctx, in.EntityHandle, in.OwnerHandle)
	if err != nil {
		return nil, err
	}

	rec := &models.APIKey{
		Name:               in.Name,
		Roles:              in.Roles,
		AllowImpersonation: in.AllowImpersonation,
		EntityRef:          entity.Ref(),
	}
	rec.ID = ids.New()
	key, err := token.GenerateInternalKey(rec.ID)
	if err != nil {
		return nil, err
	}
	rec.ValueHash = token.HashSecret(key.Secret, s.salt)
	rec.CreatedBy = creator(info)
	if err := s.store.APIKeys().Insert(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "api key issued",
		"key_id", rec.ID, "entity", entity.Handle, "impersonation", rec.AllowImpersonation)
	return &IssuedKey{APIKey: rec, Key: key.String()}, nil
}

// GetAPIKey returns the live key with the id, without its hash.
//
// Error codes returned:
//   - [sserr.CodeAPIKeyNotFound]: no live key has the id
func (s *Service) GetAPIKey(ctx context.Context, id string) (*models.APIKey, error) {
	rec, err := s.store.APIKeys().FindOne(ctx, store.Eq("id", id), store.Eq("deleted", false))
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return nil, sserr.New(sserr.CodeAPIKeyNotFound, "API Key not found")
		}
		return nil, err
	}
	rec.ValueHash = ""
	return rec, nil
}

// ListAPIKeys returns the live keys bound to entityHandle, or every live
// key when it is empty, without their hashes.
func (s *Service) ListAPIKeys(ctx context.Context, entityHandle string) ([]*models.APIKey, error) {
	conds := []store.Cond{store.Eq("deleted", false)}
	if entityHandle != "" {
		conds = append(conds, store.Eq("entity.handle", entityHandle))
	}
	found, err := s.store.APIKeys().FindMany(ctx, conds...)
	if err != nil {
		return nil, err
	}
	for _, k := range found {
		k.ValueHash = ""
	}
	return found, nil
}

// RevokeAPIKey soft deletes the key and drops its cached verifications.
//
// Error codes returned:
//   - [sserr.CodeAPIKeyNotFound]: no live key has the id
func (s *Service) RevokeAPIKey(ctx context.Context, id string) error {
	_, err := s.store.APIKeys().Modify(ctx, id, func(k *models.APIKey) (bool, error) {
		if k.Deleted {
			return false, sserr.New(sserr.CodeDocumentNotFound, "API Key already revoked")
		}
		k.Deleted = true
		return true, nil
	})
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return sserr.New(sserr.CodeAPIKeyNotFound, "API Key not found")
		}
		return err
	}
	if s.keys != nil {
		s.keys.Evict(ctx, id)
	}
	s.logger.InfoContext(ctx, "api key revoked", "key_id", id)
	return nil
}
