package token

import (
	"github.com/golang-jwt/jwt/v5"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// Header holds the JOSE header fields used to pick a verification key.
type Header struct {
	Alg string
	Kid string
	Typ string
}

// Unverified is a JWT decoded without signature verification. Its contents
// are only fit for selecting a provider and key.
type Unverified struct {
	Header Header
	Claims jwt.MapClaims
}

// Audiences returns the aud claim as a list, accepting both string and
// array forms.
func (u Unverified) Audiences() []string {
	aud, err := u.Claims.GetAudience()
	if err != nil {
		return nil
	}
	return aud
}

// Issuer returns the unverified iss claim.
func (u Unverified) Issuer() string {
	iss, _ := u.Claims.GetIssuer()
	return iss
}

var unverifiedParser = jwt.NewParser()

// DecodeUnverified parses a compact JWS without checking its signature.
func DecodeUnverified(raw string) (Unverified, error) {
	claims := jwt.MapClaims{}
	tok, _, err := unverifiedParser.ParseUnverified(raw, claims)
	if err != nil {
		return Unverified{}, sserr.Wrap(err, sserr.CodeMalformedCredential,
			"Token is not a valid JWT.").WithLoc("header", "Authorization")
	}
	h := Header{}
	h.Alg, _ = tok.Header["alg"].(string)
	h.Kid, _ = tok.Header["kid"].(string)
	h.Typ, _ = tok.Header["typ"].(string)
	return Unverified{Header: h, Claims: claims}, nil
}

// DecodeHeader returns the unverified JOSE header of raw.
func DecodeHeader(raw string) (Header, error) {
	u, err := DecodeUnverified(raw)
	if err != nil {
		return Header{}, err
	}
	return u.Header, nil
}

// DecodeUnverifiedClaims returns the unverified claims of raw.
func DecodeUnverifiedClaims(raw string) (jwt.MapClaims, error) {
	u, err := DecodeUnverified(raw)
	if err != nil {
		return nil, err
	}
	return u.Claims, nil
}
