// Package token classifies and parses the three credential formats accepted
// by TAuth. It never makes trust decisions: values decoded here only select
// which verifier handles a credential.
//
// Formats (bit-exact):
//
//	Legacy:   MELT_<scope-path>--<key-name>--<secret>
//	Internal: TAUTH_<record-id>_<secret>
//	JWT:      compact JWS
package token

import (
	"strings"
)

// Credential prefixes.
const (
	LegacyPrefix   = "MELT_"
	InternalPrefix = "TAUTH_"
)

const (
	legacySeparator   = "--"
	internalSeparator = "_"
)

// Kind is the credential variant produced by [Classify].
type Kind int

const (
	// KindJWT is any bearer value without a known opaque-key prefix.
	KindJWT Kind = iota
	// KindLegacyKey is a MELT_ composite key.
	KindLegacyKey
	// KindInternalKey is a TAUTH_ key issued by this service.
	KindInternalKey
)

// String returns the name used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindLegacyKey:
		return "legacy-key"
	case KindInternalKey:
		return "internal-key"
	case KindJWT:
		return "jwt"
	default:
		return "unknown"
	}
}

// Classify sniffs the credential prefix. The legacy prefix is checked first.
func Classify(raw string) Kind {
	switch {
	case strings.HasPrefix(raw, LegacyPrefix):
		return KindLegacyKey
	case strings.HasPrefix(raw, InternalPrefix):
		return KindInternalKey
	default:
		return KindJWT
	}
}
