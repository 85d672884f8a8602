package models

// APIKey is an internally issued key. Only the salted hash of its secret
// is stored. Revoked keys are soft deleted.
type APIKey struct {
	Meta
	Name               string    `json:"name"`
	ValueHash          string    `json:"value_hash,omitempty"`
	Roles              []string  `json:"roles,omitempty"`
	Deleted            bool      `json:"deleted"`
	AllowImpersonation bool      `json:"allow_impersonation"`
	EntityRef          EntityRef `json:"entity"`
}

// LegacyToken is a static MELT_ key scoped to a client path. Tokens issued
// through the admin API keep only ValueHash, the unsalted SHA-256 of the
// full key; imported records may carry the key itself in Value.
type LegacyToken struct {
	Meta
	ClientName   string `json:"client_name"`
	Name         string `json:"name"`
	Value        string `json:"value,omitempty"`
	ValueHash    string `json:"value_hash,omitempty"`
	CreatorEmail string `json:"creator_email"`
}
