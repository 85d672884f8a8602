package authz

import (
	"context"
	"encoding/json"
	"log/slog"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// Context keys set by the assembler. Caller-supplied context keys with
// the same names are overwritten.
const (
	KeyInfostar    = "infostar"
	KeyRequest     = "request"
	KeyEntity      = "entity"
	KeyPermissions = "permissions"
	KeyResources   = "resources"
)

// Request is one authorization question.
type Request struct {
	// PolicyName names the policy to evaluate.
	PolicyName string `json:"policy_name"`

	// Rule is the rule of the policy that decides, e.g. "tauth-admin".
	Rule string `json:"resource"`

	// Context is merged into the policy input.
	Context map[string]any `json:"context,omitempty"`

	// ServiceHandle and ResourceCollection select the granted resources
	// added to the input. Both must be set for resources to be resolved.
	ServiceHandle      string `json:"service_handle,omitempty"`
	ResourceCollection string `json:"resource_collection,omitempty"`
}

// Validate checks that the request names a policy and a rule.
func (r *Request) Validate() error {
	if r.PolicyName == "" {
		return sserr.New(sserr.CodeValidationRequired, "policy_name is required").WithLoc("body", "policy_name")
	}
	if r.Rule == "" {
		return sserr.New(sserr.CodeValidationRequired, "resource is required").WithLoc("body", "resource")
	}
	return nil
}

// Assembler builds policy inputs from the store.
type Assembler struct {
	store  store.Store
	logger *slog.Logger
}

// NewAssembler creates an Assembler. A nil logger uses slog.Default.
func NewAssembler(s store.Store, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{store: s, logger: logger.With("component", "authz.assembler")}
}

// Assemble returns the policy input for info and req. body is the raw
// request payload exposed to policies as "request"; it may be nil.
//
// Error codes returned:
//   - [sserr.CodeEntityNotFound]: the caller or the requested service has
//     no entity record
func (a *Assembler) Assemble(ctx context.Context, info *models.Infostar, req *Request, body any) (map[string]any, error) {
	input := make(map[string]any, len(req.Context)+5)
	for k, v := range req.Context {
		input[k] = v
	}

	infoDoc, err := toDocument(info)
	if err != nil {
		return nil, err
	}
	input[KeyInfostar] = infoDoc
	if body == nil {
		body = map[string]any{}
	}
	input[KeyRequest] = body

	entity, err := a.caller(ctx, info)
	if err != nil {
		return nil, err
	}
	entityDoc, err := toDocument(entity)
	if err != nil {
		return nil, err
	}
	input[KeyEntity] = entityDoc

	perms, err := store.PermissionsForRoles(ctx, a.store, entity.RoleRefs)
	if err != nil {
		return nil, err
	}
	permDocs, err := toDocument(perms)
	if err != nil {
		return nil, err
	}
	input[KeyPermissions] = permDocs

	if req.ServiceHandle != "" && req.ResourceCollection != "" {
		if _, err := a.byHandle(ctx, req.ServiceHandle, ""); err != nil {
			return nil, err
		}
		resources, err := store.ResourcesForEntity(ctx, a.store, entity.ID, req.ServiceHandle, req.ResourceCollection)
		if err != nil {
			return nil, err
		}
		views := make([]models.ResourceContext, 0, len(resources))
		for _, r := range resources {
			views = append(views, r.Context())
		}
		resDocs, err := toDocument(views)
		if err != nil {
			return nil, err
		}
		input[KeyResources] = resDocs
	}

	a.logger.DebugContext(ctx, "authorization context assembled",
		"entity", entity.Handle,
		"permissions", len(perms),
		"policy", req.PolicyName,
	)
	return input, nil
}

// caller resolves the Infostar's user. The owner handle disambiguates
// users sharing an email across organizations.
func (a *Assembler) caller(ctx context.Context, info *models.Infostar) (*models.Entity, error) {
	return a.byHandle(ctx, info.UserHandle, info.UserOwnerHandle)
}

func (a *Assembler) byHandle(ctx context.Context, handle, owner string) (*models.Entity, error) {
	conds := []store.Cond{store.Eq("handle", handle)}
	if owner != "" {
		conds = append(conds, store.Eq("owner_ref.handle", owner))
	}
	e, err := a.store.Entities().FindOne(ctx, conds...)
	if err != nil {
		if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
			return nil, sserr.Newf(sserr.CodeEntityNotFound, "Entity not found for handle: %s.", handle)
		}
		return nil, err
	}
	return e, nil
}

// toDocument converts v into its JSON object form so policies see the
// wire field names.
func toDocument(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "failed to encode authorization context")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "failed to encode authorization context")
	}
	return doc, nil
}
