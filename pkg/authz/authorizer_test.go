package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tauth/internal/testutil"
	"github.com/StricklySoft/tauth/internal/testutil/fixtures"
	"github.com/StricklySoft/tauth/pkg/authn"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store/memory"
)

// authzEnv is an organization with one user, one service and a role
// granting the user "org-admin" on the organization.
type authzEnv struct {
	store *memory.Store
	user  *models.Entity
	role  *models.Role
}

func newAuthzEnv(t *testing.T) *authzEnv {
	t.Helper()
	s := memory.New()
	ctx := context.Background()
	org := &models.Entity{Handle: fixtures.OrgHandle, Type: models.EntityOrganization}
	require.NoError(t, s.Entities().Insert(ctx, org))
	svc := &models.Entity{Handle: fixtures.ServiceHandle, Type: models.EntityService, OwnerRef: &models.EntityRef{Handle: fixtures.OrgHandle}}
	require.NoError(t, s.Entities().Insert(ctx, svc))

	perm := &models.Permission{Name: "org-admin", EntityRef: org.Ref()}
	require.NoError(t, s.Permissions().Insert(ctx, perm))
	role := &models.Role{Name: "admins", EntityRef: org.Ref(), Permissions: []string{perm.ID}}
	require.NoError(t, s.Roles().Insert(ctx, role))

	user := &models.Entity{
		Handle:   fixtures.UserEmail,
		Type:     models.EntityUser,
		OwnerRef: &models.EntityRef{Handle: fixtures.OrgHandle, Type: models.EntityOrganization},
		RoleRefs: []string{role.ID},
	}
	require.NoError(t, s.Entities().Insert(ctx, user))
	return &authzEnv{store: s, user: user, role: role}
}

func (e *authzEnv) infostar() *models.Infostar {
	return &models.Infostar{
		AuthProviderType: "auth0",
		AuthProviderOrg:  fixtures.OrgHandle,
		UserHandle:       fixtures.UserEmail,
		UserOwnerHandle:  fixtures.OrgHandle,
	}
}

func (e *authzEnv) authorizer(t *testing.T) *Authorizer {
	t.Helper()
	return NewAuthorizer(NewAssembler(e.store, nil), loadedEngine(t), nil)
}

func TestAssembler_Context(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)
	ctx := context.Background()

	res := &models.Resource{
		ServiceRef:         models.EntityRef{Handle: fixtures.ServiceHandle},
		RoleRef:            models.RoleRef{ID: env.role.ID, Name: env.role.Name},
		ResourceCollection: "datasets",
		IDs:                []string{"ds-1", "ds-2"},
	}
	require.NoError(t, env.store.Resources().Insert(ctx, res))
	other := &models.Resource{
		ServiceRef:         models.EntityRef{Handle: fixtures.ServiceHandle},
		RoleRef:            models.RoleRef{ID: env.role.ID, Name: env.role.Name},
		ResourceCollection: "models",
		IDs:                []string{"m-1"},
	}
	require.NoError(t, env.store.Resources().Insert(ctx, other))
	for _, r := range []*models.Resource{res, other} {
		require.NoError(t, env.store.ResourceAccess().Insert(ctx, &models.ResourceAccess{
			ResourceID: r.ID,
			EntityRef:  env.user.Ref(),
		}))
	}

	req := &Request{
		PolicyName:         DefaultPolicyName,
		Rule:               AdminRule,
		Context:            map[string]any{"custom": "value", KeyEntity: "overwritten"},
		ServiceHandle:      fixtures.ServiceHandle,
		ResourceCollection: "datasets",
	}
	input, err := NewAssembler(env.store, nil).Assemble(ctx, env.infostar(), req, map[string]any{"body": 1})
	require.NoError(t, err)

	assert.Equal(t, "value", input["custom"])
	assert.Equal(t, map[string]any{"body": 1}, input[KeyRequest])

	info := input[KeyInfostar].(map[string]any)
	assert.Equal(t, fixtures.UserEmail, info["user_handle"])

	entity := input[KeyEntity].(map[string]any)
	assert.Equal(t, fixtures.UserEmail, entity["handle"])

	perms := input[KeyPermissions].([]any)
	require.Len(t, perms, 1)
	assert.Equal(t, "org-admin", perms[0].(map[string]any)["name"])
	assert.Equal(t, fixtures.OrgHandle, perms[0].(map[string]any)["entity_handle"])

	resources := input[KeyResources].([]any)
	require.Len(t, resources, 1)
	assert.Equal(t, []any{"ds-1", "ds-2"}, resources[0].(map[string]any)["ids"])
}

func TestAssembler_NoResourcesWithoutCollection(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)

	input, err := NewAssembler(env.store, nil).Assemble(context.Background(), env.infostar(),
		&Request{PolicyName: "p", Rule: "r", ServiceHandle: fixtures.ServiceHandle}, nil)
	require.NoError(t, err)
	assert.NotContains(t, input, KeyResources)
	assert.Equal(t, map[string]any{}, input[KeyRequest])
}

func TestAssembler_EntityNotFound(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)
	a := NewAssembler(env.store, nil)

	ghost := env.infostar()
	ghost.UserHandle = "ghost@teialabs.com"
	_, err := a.Assemble(context.Background(), ghost, &Request{PolicyName: "p", Rule: "r"}, nil)
	testutil.RequireErrorCode(t, err, sserr.CodeEntityNotFound)
	assert.Equal(t, 401, sserr.StatusOf(err))

	req := &Request{PolicyName: "p", Rule: "r", ServiceHandle: "/teialabs/unknown", ResourceCollection: "x"}
	_, err = a.Assemble(context.Background(), env.infostar(), req, nil)
	testutil.RequireErrorCode(t, err, sserr.CodeEntityNotFound)
}

func TestAuthorizer_Decisions(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)
	a := env.authorizer(t)
	ctx := context.Background()

	dec, err := a.Authorize(ctx, env.infostar(), &Request{PolicyName: DefaultPolicyName, Rule: "org-admin"}, nil)
	require.NoError(t, err)
	assert.True(t, dec.Authorized)

	// The user's role does not grant TAuth administration.
	dec, err = a.Authorize(ctx, env.infostar(), &Request{PolicyName: DefaultPolicyName, Rule: AdminRule}, nil)
	require.NoError(t, err)
	assert.False(t, dec.Authorized)
	assert.Equal(t, false, dec.Details["result"])
}

func TestAuthorizer_Validation(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)

	_, err := env.authorizer(t).Authorize(context.Background(), env.infostar(), &Request{Rule: "r"}, nil)
	testutil.RequireErrorCode(t, err, sserr.CodeValidationRequired)
}

// mockEngine is a testify mock of Engine.
type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) IsAuthorized(ctx context.Context, policyName, rule string, input map[string]any) (*Decision, error) {
	args := m.Called(ctx, policyName, rule, input)
	dec, _ := args.Get(0).(*Decision)
	return dec, args.Error(1)
}

func (m *mockEngine) UpsertPolicy(ctx context.Context, name, source string) error {
	return m.Called(ctx, name, source).Error(0)
}

func (m *mockEngine) DeletePolicy(ctx context.Context, name string) error {
	return m.Called(ctx, name).Error(0)
}

func (m *mockEngine) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestAuthorizer_EngineFault(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)
	eng := &mockEngine{}
	eng.On("IsAuthorized", mock.Anything, "p", "r", mock.Anything).Return(nil, errors.New("connection reset"))
	a := NewAuthorizer(NewAssembler(env.store, nil), eng, nil)

	_, err := a.Authorize(context.Background(), env.infostar(), &Request{PolicyName: "p", Rule: "r"}, nil)
	testutil.RequireErrorCode(t, err, sserr.CodePolicyEngineFault)
	assert.Contains(t, sserr.ToBody(err).Detail.Msg, "connection reset")
	eng.AssertExpectations(t)
}

func TestAuthorizer_Enforce(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)
	a := env.authorizer(t)

	err := a.Enforce(context.Background(), env.infostar(), DefaultPolicyName, AdminRule)
	testutil.RequireErrorCode(t, err, sserr.CodeForbidden)
	e, _ := sserr.AsError(err)
	assert.Equal(t, 403, e.HTTPStatus())
	assert.Equal(t, false, e.Details["result"])

	require.NoError(t, a.Enforce(context.Background(), env.infostar(), DefaultPolicyName, "org-admin"))
}

func TestRequire(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)
	a := env.authorizer(t)

	e := echo.New()
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		_ = c.JSON(sserr.StatusOf(err), sserr.ToBody(err))
	}
	withIdentity := func(info *models.Infostar) echo.MiddlewareFunc {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				if info != nil {
					r := c.Request()
					c.SetRequest(r.WithContext(authn.ContextWithInfostar(r.Context(), info)))
				}
				return next(c)
			}
		}
	}
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }

	e.GET("/admin", ok, withIdentity(env.infostar()), Require(a, DefaultPolicyName, AdminRule))
	e.GET("/org", ok, withIdentity(env.infostar()), Require(a, DefaultPolicyName, "org-admin"))
	e.GET("/anon", ok, withIdentity(nil), Require(a, DefaultPolicyName, AdminRule))

	tests := []struct {
		path string
		want int
	}{
		{"/admin", http.StatusForbidden},
		{"/org", http.StatusNoContent},
		{"/anon", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, rec.Code, tt.path)
	}
}

func TestRequireHTTP(t *testing.T) {
	t.Parallel()
	env := newAuthzEnv(t)
	a := env.authorizer(t)

	h := RequireHTTP(a, DefaultPolicyName, AdminRule)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/admin", nil)
	root := &models.Infostar{AuthProviderOrg: "/", UserHandle: fixtures.UserEmail, UserOwnerHandle: fixtures.OrgHandle}
	r = r.WithContext(authn.ContextWithInfostar(r.Context(), root))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
