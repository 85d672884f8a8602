package errors

// Code represents a machine-readable error code. Codes follow the pattern
// CATEGORY_XXX where CATEGORY selects the HTTP status class.
type Code string

// Error code categories:
//
//	VAL_xxx     - 400 Bad Request
//	AUTH_xxx    - 401 Unauthorized
//	AUTHZ_xxx   - 403 Forbidden
//	NF_xxx      - 404 Not Found
//	CONF_xxx    - 409 Conflict
//	INT_xxx     - 500 Internal Server Error
//	UNAVAIL_xxx - 503 Service Unavailable
//	TIMEOUT_xxx - 504 Gateway Timeout
const (
	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"
	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"
	// CodeValidationFormat indicates a field has an invalid format.
	CodeValidationFormat Code = "VAL_003"
	// CodeValidationRange indicates a value is outside the accepted range.
	CodeValidationRange Code = "VAL_004"

	// CodeUnauthorized indicates a general authentication failure.
	CodeUnauthorized Code = "AUTH_001"
	// CodeExpiredToken indicates a JWT whose exp claim is in the past.
	CodeExpiredToken Code = "AUTH_002"
	// CodeInvalidSignature indicates a JWT whose signature did not verify,
	// including a kid that is absent from the issuer's key set.
	CodeInvalidSignature Code = "AUTH_003"
	// CodeInvalidClaim indicates a JWT claim that does not match the provider.
	CodeInvalidClaim Code = "AUTH_004"
	// CodeMissingRequiredClaim indicates a JWT lacking a mandatory claim.
	CodeMissingRequiredClaim Code = "AUTH_005"
	// CodeMalformedCredential indicates a credential that could not be parsed.
	CodeMalformedCredential Code = "AUTH_006"
	// CodeMissingHeader indicates an absent or non-bearer Authorization header.
	CodeMissingHeader Code = "AUTH_007"
	// CodeMissingIDToken indicates a JWT credential sent without X-ID-Token.
	CodeMissingIDToken Code = "AUTH_008"
	// CodeNoAuthProviderFound indicates no provider matched the token audience.
	CodeNoAuthProviderFound Code = "AUTH_009"
	// CodeAmbiguousAuthProvider indicates more than one provider matched.
	CodeAmbiguousAuthProvider Code = "AUTH_010"
	// CodeEntityNotFound indicates the authenticated handle has no entity.
	CodeEntityNotFound Code = "AUTH_011"
	// CodeKeyFetch indicates the issuer's key set could not be retrieved.
	CodeKeyFetch Code = "AUTH_012"
	// CodeCredentialNotFound indicates a credential record lookup miss that
	// must be reported as an authentication failure.
	CodeCredentialNotFound Code = "AUTH_013"

	// CodeForbidden indicates a general authorization failure.
	CodeForbidden Code = "AUTHZ_001"
	// CodeAccessDenied indicates the policy engine denied the request.
	CodeAccessDenied Code = "AUTHZ_002"

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"
	// CodeDocumentNotFound indicates a store lookup returned no document.
	CodeDocumentNotFound Code = "NF_002"
	// CodePermissionNotFound indicates the policy engine has no such policy.
	CodePermissionNotFound Code = "NF_003"
	// CodeAPIKeyNotFound indicates an internal key id that does not exist
	// or was revoked.
	CodeAPIKeyNotFound Code = "NF_004"

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"
	// CodeDocumentNotUnique indicates a uniqueness constraint violation.
	CodeDocumentNotUnique Code = "CONF_002"

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"
	// CodeInternalDatabase indicates a store operation failed.
	CodeInternalDatabase Code = "INT_002"
	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"
	// CodePolicyEngineFault indicates any policy engine failure other than
	// a missing policy.
	CodePolicyEngineFault Code = "INT_004"
	// CodeIPNotFound indicates the client address could not be determined.
	CodeIPNotFound Code = "INT_005"

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"
	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"
	// CodeTimeoutDatabase indicates a store operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"
	// CodeTimeoutDependency indicates an outbound call timed out.
	CodeTimeoutDependency Code = "TIMEOUT_003"
)

var codeKinds = map[Code]string{
	CodeValidation:            "ValidationError",
	CodeValidationRequired:    "MissingField",
	CodeValidationFormat:      "InvalidFormat",
	CodeValidationRange:       "OutOfRange",
	CodeUnauthorized:          "Unauthorized",
	CodeExpiredToken:          "ExpiredToken",
	CodeInvalidSignature:      "InvalidSignature",
	CodeInvalidClaim:          "InvalidClaim",
	CodeMissingRequiredClaim:  "MissingRequiredClaim",
	CodeMalformedCredential:   "MalformedCredential",
	CodeMissingHeader:         "MissingHeader",
	CodeMissingIDToken:        "MissingIDToken",
	CodeNoAuthProviderFound:   "NoAuthProviderFound",
	CodeAmbiguousAuthProvider: "AmbiguousAuthProvider",
	CodeEntityNotFound:        "EntityNotFound",
	CodeKeyFetch:              "KeyFetchError",
	CodeCredentialNotFound:    "DocumentNotFound",
	CodeForbidden:             "Forbidden",
	CodeAccessDenied:          "AccessDenied",
	CodeNotFound:              "NotFound",
	CodeDocumentNotFound:      "DocumentNotFound",
	CodePermissionNotFound:    "PermissionNotFound",
	CodeAPIKeyNotFound:        "APIKeyNotFound",
	CodeConflict:              "Conflict",
	CodeDocumentNotUnique:     "DocumentNotUnique",
	CodeInternal:              "InternalError",
	CodeInternalDatabase:      "DatabaseError",
	CodeInternalConfiguration: "ConfigurationError",
	CodePolicyEngineFault:     "PolicyEngineFault",
	CodeIPNotFound:            "IPNotFound",
	CodeUnavailable:           "Unavailable",
	CodeUnavailableDependency: "DependencyUnavailable",
	CodeTimeout:               "Timeout",
	CodeTimeoutDatabase:       "DatabaseTimeout",
	CodeTimeoutDependency:     "DependencyTimeout",
}

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Kind returns the type name reported in response bodies. Unknown codes
// report their own string form.
func (c Code) Kind() string {
	if k, ok := codeKinds[c]; ok {
		return k
	}
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "AUTH").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
