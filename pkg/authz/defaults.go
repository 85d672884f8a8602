package authz

import (
	_ "embed"

	"github.com/StricklySoft/tauth/pkg/models"
)

// DefaultPolicyName is the policy guarding the administration routes.
const DefaultPolicyName = "melt-key"

// AdminRule is the rule of [DefaultPolicyName] that route guards enforce.
const AdminRule = "tauth-admin"

//go:embed policies/melt-key.rego
var meltKeyPolicy string

// DefaultPolicies returns the policies seeded at startup.
func DefaultPolicies() []*models.AuthorizationPolicy {
	return []*models.AuthorizationPolicy{{
		Name:        DefaultPolicyName,
		Description: "MELT API Key privilege levels.",
		Type:        models.PolicyTypeOPA,
		Policy:      meltKeyPolicy,
	}}
}
