package authn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tauth/internal/testutil/fixtures"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/jwks"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/store/memory"
	"github.com/StricklySoft/tauth/pkg/token"
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func testRequest(headers map[string]string) *Request {
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Request{
		Method:   http.MethodPost,
		Path:     "/api/authn",
		Header:   h,
		PeerAddr: "192.0.2.10:41234",
	}
}

func bearer(credential string) string {
	return "Bearer " + credential
}

// ---------------------------------------------------------------------------
// Store fixtures
// ---------------------------------------------------------------------------

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	return memory.New()
}

func seedEntity(t *testing.T, s store.Store, handle string, typ models.EntityType, owner string) *models.Entity {
	t.Helper()
	e := &models.Entity{Handle: handle, Type: typ}
	if owner != "" {
		e.OwnerRef = &models.EntityRef{Handle: owner, Type: models.EntityOrganization}
	}
	require.NoError(t, s.Entities().Insert(context.Background(), e))
	return e
}

// seedAPIKey stores a key bound to entity and returns its raw TAUTH_ form.
func seedAPIKey(t *testing.T, s store.Store, name string, entity *models.Entity, allowImpersonation bool) (string, *models.APIKey) {
	t.Helper()
	rec := &models.APIKey{
		Name:               name,
		AllowImpersonation: allowImpersonation,
		EntityRef:          entity.Ref(),
	}
	require.NoError(t, s.APIKeys().Insert(context.Background(), rec))
	key, err := token.GenerateInternalKey(rec.ID)
	require.NoError(t, err)
	rec.ValueHash = token.HashSecret(key.Secret, fixtures.Salt)
	require.NoError(t, s.APIKeys().Update(context.Background(), rec))
	return key.String(), rec
}

func userExists(t *testing.T, s store.Store, email, org string) bool {
	t.Helper()
	_, err := s.Entities().FindOne(context.Background(),
		store.Eq("type", "user"),
		store.Eq("handle", email),
		store.Eq("owner_ref.handle", org),
	)
	if sserr.HasCode(err, sserr.CodeDocumentNotFound) {
		return false
	}
	require.NoError(t, err)
	return true
}

// mapSharedCache is an in-memory SharedCache.
type mapSharedCache struct {
	mu   sync.Mutex
	data map[string]string
	sets int
}

func newMapSharedCache() *mapSharedCache {
	return &mapSharedCache{data: make(map[string]string)}
}

func (m *mapSharedCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", sserr.NotFound("miss")
	}
	return v, nil
}

func (m *mapSharedCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	m.sets++
	return nil
}

func (m *mapSharedCache) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// OIDC fixtures
// ---------------------------------------------------------------------------

const testKid = "test-key-1"

type oidcEnv struct {
	srv      *httptest.Server
	key      *rsa.PrivateKey
	issuer   string
	store    *memory.Store
	verifier *OIDCVerifier
	resolver *Resolver
}

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		rsaKey = k
	})
	return rsaKey
}

func newOIDCEnv(t *testing.T) *oidcEnv {
	t.Helper()
	key := testRSAKey(t)
	doc, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA", "kid": testKid, "use": "sig", "alg": "RS256",
			"n": base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e": base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}},
	})
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jwks.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	s := newTestStore(t)
	env := &oidcEnv{
		srv:    srv,
		key:    key,
		issuer: srv.URL + "/",
		store:  s,
	}
	env.addProvider(t, fixtures.Audience, fixtures.OrgHandle)

	env.resolver = NewResolver(s, nil)
	keys := jwks.New(jwks.DefaultConfig())
	env.verifier = NewOIDCVerifier(s, keys, env.resolver)
	return env
}

func (e *oidcEnv) addProvider(t *testing.T, audience, org string) *models.AuthProvider {
	t.Helper()
	p := &models.AuthProvider{
		Type: models.ProviderAuth0,
		ExternalIDs: []models.Attribute{
			{Name: models.AttrIssuer, Value: e.issuer},
			{Name: models.AttrAudience, Value: audience},
		},
		OrganizationRef: models.EntityRef{Handle: org, Type: models.EntityOrganization},
	}
	require.NoError(t, e.store.AuthProviders().Insert(context.Background(), p))
	return p
}

func (e *oidcEnv) sign(t *testing.T, claims jwt.MapClaims, key *rsa.PrivateKey, kid string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func (e *oidcEnv) accessClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    e.issuer,
		"aud":    fixtures.Audience,
		"sub":    fixtures.Subject,
		"exp":    time.Now().Add(time.Hour).Unix(),
		"iat":    time.Now().Unix(),
		"org_id": fixtures.OrgIDClaim,
	}
}

func (e *oidcEnv) idClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   e.issuer,
		"aud":   "some-client-id",
		"sub":   fixtures.Subject,
		"email": fixtures.UserEmail,
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
}

func (e *oidcEnv) tokens(t *testing.T) (string, string) {
	t.Helper()
	return e.sign(t, e.accessClaims(), e.key, testKid), e.sign(t, e.idClaims(), e.key, testKid)
}
