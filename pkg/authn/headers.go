package authn

import (
	"net"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// Request headers read by the authentication pipeline. gRPC metadata uses
// the lowercased forms.
const (
	HeaderAuthorization     = "Authorization"
	HeaderIDToken           = "X-ID-Token"
	HeaderUserEmail         = "X-User-Email"
	HeaderTauthIP           = "X-Tauth-Ip"
	HeaderForwardedFor      = "X-Forwarded-For"
	HeaderImpersonateHandle = "X-Impersonate-Entity-Handle"
	HeaderImpersonateOwner  = "X-Impersonate-Entity-Owner"
	HeaderRequestID         = "X-Request-Id"
	HeaderUserAgent         = "User-Agent"
)

// bearerScheme is the only accepted Authorization scheme, compared
// case-insensitively.
const bearerScheme = "bearer"

// Request is the transport-independent view of an incoming call that the
// [Dispatcher] authenticates. The HTTP middleware and the gRPC
// interceptors build one per call.
type Request struct {
	// Method is the HTTP method, or "POST" for gRPC calls.
	Method string

	// Path is the request path, or the full gRPC method name.
	Path string

	// URL is recorded in Infostar.Extra when set.
	URL string

	// Header holds the request headers in canonical form.
	Header http.Header

	// PeerAddr is the direct peer address ("host:port" or bare host).
	// It may be empty when the transport does not expose it.
	PeerAddr string
}

// NewRequest builds a Request from an *http.Request.
func NewRequest(r *http.Request) *Request {
	return &Request{
		Method:   r.Method,
		Path:     r.URL.Path,
		URL:      r.URL.String(),
		Header:   r.Header,
		PeerAddr: r.RemoteAddr,
	}
}

func (r *Request) get(name string) string {
	if r.Header == nil {
		return ""
	}
	return strings.TrimSpace(r.Header.Get(name))
}

// impersonation returns the requested impersonation target. ok is false
// when neither impersonation header is present.
func (r *Request) impersonation() (handle, owner string, ok bool) {
	handle = r.get(HeaderImpersonateHandle)
	owner = r.get(HeaderImpersonateOwner)
	return handle, owner, handle != "" || owner != ""
}

// ExtractBearerToken returns the credential of a "Bearer <value>"
// Authorization header value.
//
// Error codes returned:
//   - [sserr.CodeMissingHeader]: the header is absent or empty
//   - [sserr.CodeMalformedCredential]: the scheme is not bearer or the
//     credential is empty
func ExtractBearerToken(authHeader string) (string, error) {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return "", sserr.New(sserr.CodeMissingHeader, "Missing Authorization header.").
			WithLoc("header", HeaderAuthorization)
	}
	scheme, credential, _ := strings.Cut(authHeader, " ")
	credential = strings.TrimSpace(credential)
	if !strings.EqualFold(scheme, bearerScheme) || credential == "" {
		return "", sserr.New(sserr.CodeMalformedCredential, "Invalid authorization scheme; expected 'bearer'.").
			WithLoc("header", HeaderAuthorization)
	}
	return credential, nil
}

// hostOnly strips an optional port from addr.
func hostOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
