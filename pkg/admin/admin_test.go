package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tauth/internal/testutil"
	"github.com/StricklySoft/tauth/internal/testutil/fixtures"
	"github.com/StricklySoft/tauth/pkg/authz"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
	"github.com/StricklySoft/tauth/pkg/store/memory"
	"github.com/StricklySoft/tauth/pkg/token"
)

type failingEngine struct {
	err error
}

func (f failingEngine) UpsertPolicy(context.Context, string, string) error { return f.err }
func (f failingEngine) DeletePolicy(context.Context, string) error         { return f.err }

type recordingEvicter struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingEvicter) Evict(_ context.Context, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

type testEnv struct {
	store   *memory.Store
	engine  *authz.LocalEngine
	evicter *recordingEvicter
	svc     *Service
	org     *models.Entity
	service *models.Entity
	user    *models.Entity
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := memory.New()
	ctx := context.Background()

	org := &models.Entity{Handle: fixtures.OrgHandle, Type: models.EntityOrganization}
	require.NoError(t, s.Entities().Insert(ctx, org))
	svc := &models.Entity{Handle: fixtures.ServiceHandle, Type: models.EntityService, OwnerRef: &models.EntityRef{Handle: fixtures.OrgHandle}}
	require.NoError(t, s.Entities().Insert(ctx, svc))
	user := &models.Entity{Handle: fixtures.UserEmail, Type: models.EntityUser, OwnerRef: &models.EntityRef{Handle: fixtures.OrgHandle}}
	require.NoError(t, s.Entities().Insert(ctx, user))

	engine := authz.NewLocalEngine(s, nil)
	ev := &recordingEvicter{}
	return &testEnv{
		store:   s,
		engine:  engine,
		evicter: ev,
		svc:     New(s, engine, WithSalt(fixtures.Salt), WithKeyEvicter(ev)),
		org:     org,
		service: svc,
		user:    user,
	}
}

var admin = &models.Infostar{UserHandle: fixtures.CreatorEmail, UserOwnerHandle: "/"}

const togglePolicy = "package toggle\n\nallow := true\n"

func TestCreatePolicy(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	p, err := env.svc.CreatePolicy(ctx, admin, &models.AuthorizationPolicy{Name: "toggle", Policy: togglePolicy})
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, models.PolicyTypeOPA, p.Type)
	assert.Equal(t, fixtures.CreatorEmail, p.CreatedBy)
	assert.Equal(t, []string{"toggle"}, env.engine.Policies())

	dec, err := env.engine.IsAuthorized(ctx, "toggle", "allow", nil)
	require.NoError(t, err)
	assert.True(t, dec.Authorized)

	_, err = env.svc.CreatePolicy(ctx, admin, &models.AuthorizationPolicy{Name: "toggle", Policy: togglePolicy})
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotUnique)
}

func TestCreatePolicy_RollsBackWhenEngineRejects(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreatePolicy(ctx, admin, &models.AuthorizationPolicy{Name: "broken", Policy: "package broken\n\nallow if {"})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
	assert.Equal(t, "Failed to create policy broken.", sserr.ToBody(err).Detail.Msg)
	assert.Equal(t, 400, sserr.StatusOf(err))

	_, err = env.store.Policies().FindOne(ctx, store.Eq("name", "broken"))
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotFound)
	assert.Empty(t, env.engine.Policies())
}

func TestCreatePolicy_RollsBackOnEngineFault(t *testing.T) {
	t.Parallel()
	s := memory.New()
	svc := New(s, failingEngine{err: errors.New("connection refused")})

	_, err := svc.CreatePolicy(context.Background(), admin, &models.AuthorizationPolicy{Name: "toggle", Policy: togglePolicy})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)

	all, err := s.Policies().FindMany(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreatePolicy_InvalidName(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.svc.CreatePolicy(context.Background(), admin, &models.AuthorizationPolicy{Name: "Bad Name", Policy: togglePolicy})
	testutil.RequireErrorCode(t, err, sserr.CodeValidationFormat)
}

func TestDeletePolicy(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.CreatePolicy(ctx, admin, &models.AuthorizationPolicy{Name: "toggle", Policy: togglePolicy})
	require.NoError(t, err)

	require.NoError(t, env.svc.DeletePolicy(ctx, "toggle"))
	assert.Empty(t, env.engine.Policies())
	all, err := env.svc.ListPolicies(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	testutil.RequireErrorCode(t, env.svc.DeletePolicy(ctx, "toggle"), sserr.CodePermissionNotFound)
}

func TestDeletePolicy_EngineAlreadyForgot(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.Policies().Insert(ctx, &models.AuthorizationPolicy{Name: "stale", Type: models.PolicyTypeOPA, Policy: togglePolicy}))

	require.NoError(t, env.svc.DeletePolicy(ctx, "stale"))
}

func TestDeletePolicy_EngineFaultKeepsLocalCopy(t *testing.T) {
	t.Parallel()
	s := memory.New()
	ctx := context.Background()
	require.NoError(t, s.Policies().Insert(ctx, &models.AuthorizationPolicy{Name: "toggle", Type: models.PolicyTypeOPA, Policy: togglePolicy}))
	svc := New(s, failingEngine{err: sserr.New(sserr.CodePolicyEngineFault, "Unhandled engine error")})

	testutil.RequireErrorCode(t, svc.DeletePolicy(ctx, "toggle"), sserr.CodePolicyEngineFault)
	_, err := s.Policies().FindOne(ctx, store.Eq("name", "toggle"))
	require.NoError(t, err)
}

func TestPermissions(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	perm, err := env.svc.CreatePermission(ctx, admin, PermissionInput{Name: "org-admin", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)
	assert.Equal(t, fixtures.OrgHandle, perm.EntityRef.Handle)
	assert.Equal(t, env.org.ID, perm.EntityRef.ID)

	_, err = env.svc.CreatePermission(ctx, admin, PermissionInput{Name: "org-admin", EntityHandle: fixtures.OrgHandle})
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotUnique)

	_, err = env.svc.CreatePermission(ctx, admin, PermissionInput{Name: "x", EntityHandle: "/nowhere"})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
	assert.Equal(t, "Invalid entity handle", sserr.ToBody(err).Detail.Msg)

	_, err = env.svc.CreatePermission(ctx, admin, PermissionInput{EntityHandle: fixtures.OrgHandle})
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)
}

func TestDeletePermission_BlockedWhileReferenced(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	perm, err := env.svc.CreatePermission(ctx, admin, PermissionInput{Name: "read", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)
	for _, name := range []string{"readers", "auditors"} {
		_, err := env.svc.CreateRole(ctx, admin, RoleInput{Name: name, EntityHandle: fixtures.OrgHandle, Permissions: []string{perm.ID}})
		require.NoError(t, err)
	}

	err = env.svc.DeletePermission(ctx, perm.ID)
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
	assert.Equal(t,
		"Cannot delete permission '"+perm.ID+"' because it is used by role(s): ['readers', 'auditors'].",
		sserr.ToBody(err).Detail.Msg)

	_, err = env.store.Permissions().FindOne(ctx, store.Eq("id", perm.ID))
	require.NoError(t, err)
}

func TestDeletePermission(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	perm, err := env.svc.CreatePermission(ctx, admin, PermissionInput{Name: "read", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)

	require.NoError(t, env.svc.DeletePermission(ctx, perm.ID))
	testutil.RequireErrorCode(t, env.svc.DeletePermission(ctx, perm.ID), sserr.CodeDocumentNotFound)
}

func TestCreateRole_UnknownPermission(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.svc.CreateRole(context.Background(), admin, RoleInput{
		Name: "readers", EntityHandle: fixtures.OrgHandle, Permissions: []string{"01HZZZZZZZZZZZZZZZZZZZZZZZ"},
	})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
}

func TestAssignRole(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	role, err := env.svc.CreateRole(ctx, admin, RoleInput{Name: "readers", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)

	e, err := env.svc.AssignRole(ctx, env.user.ID, role.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{role.ID}, e.RoleRefs)

	e, err = env.svc.AssignRole(ctx, env.user.ID, role.ID)
	require.NoError(t, err)
	assert.Len(t, e.RoleRefs, 1)

	_, err = env.svc.AssignRole(ctx, env.user.ID, "missing")
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotFound)
}

func TestUpsertResource_MergesIDs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.CreateRole(ctx, admin, RoleInput{Name: "readers", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)

	in := ResourceInput{
		ServiceHandle:      fixtures.ServiceHandle,
		RoleName:           "readers",
		EntityHandle:       fixtures.OrgHandle,
		ResourceCollection: "datasets",
		IDs:                []string{"a", "b", "a"},
	}
	first, created, err := env.svc.UpsertResource(ctx, admin, in)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []string{"a", "b"}, first.IDs)

	in.IDs = []string{"b", "c"}
	second, created, err := env.svc.UpsertResource(ctx, admin, in)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"a", "b", "c"}, second.IDs)

	stored, err := env.store.Resources().FindOne(ctx, store.Eq("id", first.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, stored.IDs)
}

// TestUpsertResource_ConcurrentMerges verifies that concurrent upserts of
// one resource keep every id.
func TestUpsertResource_ConcurrentMerges(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.CreateRole(ctx, admin, RoleInput{Name: "readers", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)

	in := ResourceInput{
		ServiceHandle:      fixtures.ServiceHandle,
		RoleName:           "readers",
		EntityHandle:       fixtures.OrgHandle,
		ResourceCollection: "datasets",
		IDs:                []string{"seed"},
	}
	first, _, err := env.svc.UpsertResource(ctx, admin, in)
	require.NoError(t, err)

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			in := in
			in.IDs = []string{fmt.Sprintf("id-%d", i)}
			_, created, err := env.svc.UpsertResource(ctx, admin, in)
			assert.NoError(t, err)
			assert.False(t, created)
		}(i)
	}
	wg.Wait()

	stored, err := env.store.Resources().FindOne(ctx, store.Eq("id", first.ID))
	require.NoError(t, err)
	assert.Len(t, stored.IDs, writers+1)
}

func TestUpsertResource_Missing(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.CreateRole(ctx, admin, RoleInput{Name: "readers", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)

	tests := []struct {
		name string
		in   ResourceInput
		msg  string
	}{
		{"role owner", ResourceInput{EntityHandle: "/ghost", RoleName: "readers", ServiceHandle: fixtures.ServiceHandle, ResourceCollection: "c"}, "Entity with handle /ghost not found"},
		{"role", ResourceInput{EntityHandle: fixtures.OrgHandle, RoleName: "writers", ServiceHandle: fixtures.ServiceHandle, ResourceCollection: "c"}, "Role with name writers not found"},
		{"service", ResourceInput{EntityHandle: fixtures.OrgHandle, RoleName: "readers", ServiceHandle: "/teialabs/ghost", ResourceCollection: "c"}, "Entity with handle /teialabs/ghost not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.svc.UpsertResource(ctx, admin, tt.in)
			testutil.RequireErrorCode(t, err, sserr.CodeNotFound)
			assert.Equal(t, tt.msg, sserr.ToBody(err).Detail.Msg)
		})
	}
}

func TestGrantResourceAccess(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.CreateRole(ctx, admin, RoleInput{Name: "readers", EntityHandle: fixtures.OrgHandle})
	require.NoError(t, err)
	res, _, err := env.svc.UpsertResource(ctx, admin, ResourceInput{
		ServiceHandle: fixtures.ServiceHandle, RoleName: "readers", EntityHandle: fixtures.OrgHandle,
		ResourceCollection: "datasets", IDs: []string{"a"},
	})
	require.NoError(t, err)

	access, err := env.svc.GrantResourceAccess(ctx, admin, AccessInput{ResourceID: res.ID, EntityHandle: fixtures.UserEmail})
	require.NoError(t, err)
	assert.Equal(t, fixtures.UserEmail, access.EntityRef.Handle)

	got, err := store.ResourcesForEntity(ctx, env.store, env.user.ID, fixtures.ServiceHandle, "datasets")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.ID, got[0].ID)

	_, err = env.svc.GrantResourceAccess(ctx, admin, AccessInput{ResourceID: res.ID, EntityHandle: fixtures.UserEmail})
	testutil.RequireErrorCode(t, err, sserr.CodeConflict)
	assert.Equal(t, "Entity: "+fixtures.UserEmail+" already has access to "+res.ID, sserr.ToBody(err).Detail.Msg)
	assert.Equal(t, 409, sserr.StatusOf(err))

	_, err = env.svc.GrantResourceAccess(ctx, admin, AccessInput{ResourceID: res.ID, EntityHandle: "ghost@teialabs.com"})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)

	_, err = env.svc.GrantResourceAccess(ctx, admin, AccessInput{ResourceID: "missing", EntityHandle: fixtures.UserEmail})
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotFound)

	require.NoError(t, env.svc.RevokeResourceAccess(ctx, access.ID))
	got, err = store.ResourcesForEntity(ctx, env.store, env.user.ID, fixtures.ServiceHandle, "datasets")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateEntity(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	e, err := env.svc.CreateEntity(ctx, admin, &models.Entity{
		Handle: fixtures.AltUserEmail, Type: models.EntityUser, OwnerRef: &models.EntityRef{Handle: fixtures.OrgHandle},
	})
	require.NoError(t, err)
	assert.Equal(t, env.org.ID, e.OwnerRef.ID)
	assert.Equal(t, models.EntityOrganization, e.OwnerRef.Type)

	got, err := env.svc.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, fixtures.AltUserEmail, got.Handle)

	_, err = env.svc.CreateEntity(ctx, admin, &models.Entity{
		Handle: "carol@teialabs.com", Type: models.EntityUser, OwnerRef: &models.EntityRef{Handle: "/ghost"},
	})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)

	_, err = env.svc.CreateEntity(ctx, admin, &models.Entity{Handle: "not-an-email", Type: models.EntityUser})
	testutil.RequireErrorCode(t, err, sserr.CodeValidationFormat)

	_, err = env.svc.CreateEntity(ctx, admin, &models.Entity{Handle: fixtures.OrgHandle, Type: models.EntityOrganization})
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotUnique)
}

func oidcProvider(audience string) *models.AuthProvider {
	return &models.AuthProvider{
		Type: models.ProviderAuth0,
		ExternalIDs: []models.Attribute{
			{Name: models.AttrIssuer, Value: "https://teialabs.auth0.com/"},
			{Name: models.AttrAudience, Value: audience},
		},
		OrganizationRef: models.EntityRef{Handle: fixtures.OrgHandle},
	}
}

func TestCreateAuthProvider(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	p := oidcProvider(fixtures.Audience)
	p.ServiceRef = &models.EntityRef{Handle: fixtures.ServiceHandle}
	got, err := env.svc.CreateAuthProvider(ctx, admin, p)
	require.NoError(t, err)
	assert.Equal(t, env.org.ID, got.OrganizationRef.ID)
	assert.Equal(t, env.service.ID, got.ServiceRef.ID)

	_, err = env.svc.CreateAuthProvider(ctx, admin, oidcProvider(fixtures.Audience))
	testutil.RequireErrorCode(t, err, sserr.CodeConflict)

	bad := oidcProvider("other")
	bad.OrganizationRef.Handle = fixtures.ServiceHandle
	_, err = env.svc.CreateAuthProvider(ctx, admin, bad)
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)

	missing := oidcProvider("other")
	missing.ExternalIDs = missing.ExternalIDs[:1]
	_, err = env.svc.CreateAuthProvider(ctx, admin, missing)
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)
}

func TestIssueAndRevokeAPIKey(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	issued, err := env.svc.IssueAPIKey(ctx, admin, KeyInput{Name: "ci", EntityHandle: fixtures.ServiceHandle, AllowImpersonation: true})
	require.NoError(t, err)

	key, err := token.ParseInternalKey(issued.Key)
	require.NoError(t, err)
	assert.Equal(t, issued.APIKey.ID, key.ID)
	assert.True(t, token.VerifySecret(key.Secret, fixtures.Salt, issued.APIKey.ValueHash))
	assert.NotContains(t, issued.APIKey.ValueHash, key.Secret)
	assert.Equal(t, fixtures.OrgHandle, issued.APIKey.EntityRef.OwnerHandle)

	_, err = env.svc.IssueAPIKey(ctx, admin, KeyInput{Name: "ci", EntityHandle: fixtures.ServiceHandle})
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotUnique)

	require.NoError(t, env.svc.RevokeAPIKey(ctx, issued.APIKey.ID))
	assert.Equal(t, []string{issued.APIKey.ID}, env.evicter.ids)
	rec, err := env.store.APIKeys().FindOne(ctx, store.Eq("id", issued.APIKey.ID))
	require.NoError(t, err)
	assert.True(t, rec.Deleted)

	testutil.RequireErrorCode(t, env.svc.RevokeAPIKey(ctx, issued.APIKey.ID), sserr.CodeAPIKeyNotFound)
}

func TestIssueAPIKey_Errors(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.IssueAPIKey(ctx, admin, KeyInput{Name: "ci", EntityHandle: fixtures.UserEmail, OwnerHandle: "/other"})
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)

	_, err = env.svc.IssueAPIKey(ctx, admin, KeyInput{EntityHandle: fixtures.UserEmail})
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)

	unsalted := New(env.store, env.engine)
	_, err = unsalted.IssueAPIKey(ctx, admin, KeyInput{Name: "ci", EntityHandle: fixtures.UserEmail})
	testutil.RequireErrorCode(t, err, sserr.CodeInternalConfiguration)
}
