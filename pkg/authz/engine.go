// Package authz assembles authorization contexts and asks a policy engine
// for decisions.
//
// An [Authorizer] combines the caller's [models.Infostar] with the stored
// entity, the permissions of its roles and, optionally, the resources it
// was granted in one service collection. The merged document is handed to
// an [Engine] as the policy input. Two engines are provided: [LocalEngine]
// evaluates Rego in process with the OPA library, [HTTPEngine] talks to an
// OPA server over its REST API.
//
// Policies are addressed by name. A policy named "melt-key" lives in the
// Rego package melt_key and a rule "tauth-admin" is queried as
// data.melt_key.tauth_admin.
package authz

import (
	"context"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

const tracerName = "github.com/StricklySoft/tauth/pkg/authz"

// Decision is the normalized engine answer.
type Decision struct {
	Authorized bool           `json:"authorized"`
	Details    map[string]any `json:"details"`
}

// Engine is a policy decision point.
//
// IsAuthorized fails with [sserr.CodePermissionNotFound] when no policy
// named policyName is loaded. Any other failure is an engine fault.
type Engine interface {
	IsAuthorized(ctx context.Context, policyName, rule string, input map[string]any) (*Decision, error)
	UpsertPolicy(ctx context.Context, name, source string) error
	DeletePolicy(ctx context.Context, name string) error
	Ping(ctx context.Context) error
}

// PackageName returns the Rego package of the policy called name.
func PackageName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// RuleName returns the Rego rule name for rule.
func RuleName(rule string) string {
	return strings.ReplaceAll(rule, "-", "_")
}

// decide turns an evaluated rule value into a decision. Boolean rules
// decide directly; any other defined value counts as allowed and is left
// for the caller to interpret through the details. An undefined rule
// denies.
func decide(value any, defined bool) bool {
	if !defined {
		return false
	}
	if b, ok := value.(bool); ok {
		return b
	}
	return true
}

func policyNotFound(name string) *sserr.Error {
	return sserr.Newf(sserr.CodePermissionNotFound, "Policy %s not found", name)
}

// engineFault wraps an unexpected engine failure. Response bodies of
// internal errors append the cause, so operators see the engine message.
func engineFault(err error) *sserr.Error {
	if e, ok := sserr.AsError(err); ok && (e.Code == sserr.CodePermissionNotFound || e.Code == sserr.CodePolicyEngineFault) {
		return e
	}
	return sserr.Wrap(err, sserr.CodePolicyEngineFault, "Unhandled engine error")
}
