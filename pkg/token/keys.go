package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// LegacyKey is a parsed MELT_ key. Scope carries no leading slash: the root
// scope is the empty string.
type LegacyKey struct {
	Scope  string
	Name   string
	Secret string
}

// ParseLegacyKey splits a MELT_ key into scope, name and secret. Anything
// other than exactly three "--" separated parts is a malformed credential.
//
//	ParseLegacyKey("MELT_/client-name--token-name--abcdef123456789")
//	// LegacyKey{Scope: "client-name", Name: "token-name", Secret: "abcdef123456789"}
func ParseLegacyKey(raw string) (LegacyKey, error) {
	pieces := strings.Split(strings.TrimPrefix(raw, LegacyPrefix), legacySeparator)
	if len(pieces) != 3 {
		return LegacyKey{}, sserr.New(sserr.CodeMalformedCredential,
			"Token is not in the correct format.").WithLoc("header", "Authorization")
	}
	return LegacyKey{
		Scope:  strings.Trim(pieces[0], "/"),
		Name:   pieces[1],
		Secret: pieces[2],
	}, nil
}

// IsRoot reports whether the key is scoped to the root organization.
func (k LegacyKey) IsRoot() bool {
	return k.Scope == ""
}

// ScopePath returns the scope as an entity handle, e.g. "/teialabs/athena".
func (k LegacyKey) ScopePath() string {
	return "/" + k.Scope
}

// OrganizationHandle returns the handle of the scope's top-level
// organization, e.g. "/teialabs" for scope "teialabs/athena".
func (k LegacyKey) OrganizationHandle() string {
	org, _, _ := strings.Cut(k.Scope, "/")
	return "/" + org
}

// ServiceName returns the scope segments below the organization joined
// with "--", or "" when the scope names only an organization.
func (k LegacyKey) ServiceName() string {
	_, rest, ok := strings.Cut(k.Scope, "/")
	if !ok {
		return ""
	}
	return strings.Join(strings.Split(rest, "/"), legacySeparator)
}

// String renders the key back into its wire form.
func (k LegacyKey) String() string {
	return LegacyPrefix + k.ScopePath() + legacySeparator + k.Name + legacySeparator + k.Secret
}

// InternalKey is a parsed TAUTH_ key.
type InternalKey struct {
	ID     string
	Secret string
}

// ParseInternalKey splits a TAUTH_ key into record id and secret.
func ParseInternalKey(raw string) (InternalKey, error) {
	parts := strings.Split(raw, internalSeparator)
	if len(parts) != 3 || parts[0]+internalSeparator != InternalPrefix || parts[1] == "" || parts[2] == "" {
		return InternalKey{}, sserr.New(sserr.CodeMalformedCredential,
			"Invalid API Key format.").WithLoc("header", "Authorization")
	}
	return InternalKey{ID: parts[1], Secret: parts[2]}, nil
}

// String renders the key back into its wire form.
func (k InternalKey) String() string {
	return InternalPrefix + k.ID + internalSeparator + k.Secret
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", sserr.Wrap(err, sserr.CodeInternal, "failed to read random bytes")
	}
	return hex.EncodeToString(b), nil
}

// GenerateLegacyKey creates a new MELT_ key for the given scope handle.
// The name must not contain the "--" separator.
func GenerateLegacyKey(scopePath, name string) (LegacyKey, error) {
	if strings.Contains(name, legacySeparator) || strings.Contains(scopePath, legacySeparator) {
		return LegacyKey{}, sserr.Validationf("key name and scope must not contain %q", legacySeparator)
	}
	secret, err := randomHex(24)
	if err != nil {
		return LegacyKey{}, err
	}
	return LegacyKey{Scope: strings.Trim(scopePath, "/"), Name: name, Secret: secret}, nil
}

// GenerateInternalKey creates a new TAUTH_ key for the record id.
func GenerateInternalKey(id string) (InternalKey, error) {
	if id == "" || strings.Contains(id, internalSeparator) {
		return InternalKey{}, sserr.Validation(fmt.Sprintf("invalid key id %q", id))
	}
	secret, err := randomHex(32)
	if err != nil {
		return InternalKey{}, err
	}
	return InternalKey{ID: id, Secret: secret}, nil
}

// HashSecret returns hex(sha256(secret + salt)), the stored form of an
// internal key secret.
func HashSecret(secret, salt string) string {
	sum := sha256.Sum256([]byte(secret + salt))
	return hex.EncodeToString(sum[:])
}

// HashLegacyKey returns hex(sha256(raw)), the stored form of an issued
// MELT_ key.
func HashLegacyKey(raw string) string {
	return HashSecret(raw, "")
}

// VerifySecret compares the salted hash of secret with want in constant time.
func VerifySecret(secret, salt, want string) bool {
	got := HashSecret(secret, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
