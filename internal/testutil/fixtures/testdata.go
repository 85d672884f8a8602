// Package fixtures provides shared test data for the TAuth test suite so
// that handles, keys and issuers are spelled the same way everywhere.
package fixtures

// Credentials.
const (
	// RootKey is the default root legacy key.
	RootKey = "MELT_/--default--abcdef123456789"

	// Salt is the server salt used to hash internal key secrets in tests.
	Salt = "test-salt"

	// LegacyScope is a non-root legacy key scope (organization/service).
	LegacyScope = "/teialabs/athena"

	// LegacyKeyName is the name of the legacy key issued under LegacyScope.
	LegacyKeyName = "ci-token"

	// LegacySecret is the secret part of the legacy key issued under LegacyScope.
	LegacySecret = "abcdef123456789"

	// LegacyKey is the full legacy key for LegacyScope.
	LegacyKey = "MELT_" + LegacyScope + "--" + LegacyKeyName + "--" + LegacySecret
)

// Entities.
const (
	// OrgHandle is the default organization handle.
	OrgHandle = "/teialabs"

	// ServiceHandle is a service owned by OrgHandle.
	ServiceHandle = "/teialabs/athena"

	// UserEmail is the default user handle.
	UserEmail = "alice@teialabs.com"

	// AltUserEmail is a second user for impersonation tests.
	AltUserEmail = "bob@teialabs.com"

	// CreatorEmail is the email recorded as creator of seeded records.
	CreatorEmail = "sysadmin@teialabs.com"
)

// OIDC provider values.
const (
	// Audience is the audience bound to the default auth0 provider.
	Audience = "https://api.teialabs.test"

	// OrgIDClaim is the organization id carried in access tokens.
	OrgIDClaim = "org_123"

	// Subject is the subject claim of test ID tokens.
	Subject = "auth0|abc123"
)

// Standard database configuration values used in postgres client tests.
const (
	// TestDBHost is the default database host for test configurations.
	TestDBHost = "localhost"

	// TestDBPort is the default database port for test configurations.
	TestDBPort = 5432

	// TestDBName is the default database name for test configurations.
	TestDBName = "tauth"

	// TestDBUser is the default database user for test configurations.
	TestDBUser = "tauth"

	// TestDBPassword is a deliberately weak password for unit tests.
	TestDBPassword = "testpass"
)
