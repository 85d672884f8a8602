package models

import (
	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// ProviderType is the identity mechanism an AuthProvider binds to.
type ProviderType string

const (
	ProviderAuth0    ProviderType = "auth0"
	ProviderOkta     ProviderType = "okta"
	ProviderOIDC     ProviderType = "oidc"
	ProviderMeltKey  ProviderType = "melt-key"
	ProviderTauthKey ProviderType = "tauth-key"
)

// IsOIDC reports whether the provider verifies JWT bearer tokens.
func (t ProviderType) IsOIDC() bool {
	return t == ProviderAuth0 || t == ProviderOkta || t == ProviderOIDC
}

// Valid reports whether t is a known provider type.
func (t ProviderType) Valid() bool {
	return t.IsOIDC() || t == ProviderMeltKey || t == ProviderTauthKey
}

// External id and extra attribute names understood by the verifiers.
const (
	AttrIssuer       = "issuer"
	AttrAudience     = "audience"
	AttrClientID     = "client_id"
	AttrClientSecret = "client_secret"
	AttrURL          = "url"
)

// AuthProvider binds an organization, and optionally a service, to an
// identity mechanism. Its type never changes after creation.
type AuthProvider struct {
	Meta
	Type            ProviderType `json:"type"`
	ExternalIDs     []Attribute  `json:"external_ids,omitempty"`
	Extra           []Attribute  `json:"extra,omitempty"`
	OrganizationRef EntityRef    `json:"organization_ref"`
	ServiceRef      *EntityRef   `json:"service_ref,omitempty"`
}

// ExternalID returns the external id named name.
func (p *AuthProvider) ExternalID(name string) (string, bool) {
	return Lookup(p.ExternalIDs, name)
}

// Issuer returns the configured issuer, or "".
func (p *AuthProvider) Issuer() string {
	v, _ := p.ExternalID(AttrIssuer)
	return v
}

// Audience returns the configured audience, or "".
func (p *AuthProvider) Audience() string {
	v, _ := p.ExternalID(AttrAudience)
	return v
}

// Validate checks the provider's shape. OIDC providers need an issuer
// and an audience.
func (p *AuthProvider) Validate() error {
	if !p.Type.Valid() {
		return sserr.Validationf("invalid authprovider type %q", p.Type).WithLoc("body", "type")
	}
	if p.OrganizationRef.Handle == "" {
		return sserr.New(sserr.CodeValidationRequired, "organization_ref is required").WithLoc("body", "organization_ref")
	}
	if p.Type.IsOIDC() {
		if p.Issuer() == "" {
			return sserr.New(sserr.CodeValidationRequired, "issuer external id is required").WithLoc("body", "external_ids")
		}
		if p.Audience() == "" {
			return sserr.New(sserr.CodeValidationRequired, "audience external id is required").WithLoc("body", "external_ids")
		}
	}
	return nil
}
