package models

// Infostar is the normalized identity of one request.
type Infostar struct {
	RequestID        string    `json:"request_id"`
	APIKeyName       string    `json:"apikey_name"`
	AuthProviderType string    `json:"authprovider_type"`
	AuthProviderOrg  string    `json:"authprovider_org"`
	Extra            Extra     `json:"extra"`
	ServiceHandle    string    `json:"service_handle"`
	UserHandle       string    `json:"user_handle"`
	UserOwnerHandle  string    `json:"user_owner_handle"`
	ClientIP         string    `json:"client_ip"`
	Original         *Infostar `json:"original,omitempty"`
}

// Extra carries optional request metadata.
type Extra struct {
	JWTSub    string `json:"jwt_sub,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	URL       string `json:"url,omitempty"`
}

// WithClientIP returns a copy of the Infostar with ClientIP set. The
// receiver is not modified.
func (i Infostar) WithClientIP(ip string) *Infostar {
	i.ClientIP = ip
	return &i
}

// Impersonating reports whether the identity replaced another one.
func (i *Infostar) Impersonating() bool {
	return i.Original != nil
}

// SystemInfostar is the identity used for records the service creates on
// its own behalf, such as seeded defaults.
func SystemInfostar() *Infostar {
	return &Infostar{
		RequestID:        "000000000000000000000000",
		APIKeyName:       "default",
		AuthProviderType: string(ProviderMeltKey),
		AuthProviderOrg:  RootHandle,
		ServiceHandle:    "tauth",
		UserHandle:       "sysadmin@teialabs.com",
		UserOwnerHandle:  RootHandle,
		ClientIP:         "127.0.0.1",
	}
}
