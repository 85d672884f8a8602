package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/StricklySoft/tauth/pkg/admin"
	"github.com/StricklySoft/tauth/pkg/authn"
	"github.com/StricklySoft/tauth/pkg/authz"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/lifecycle"
	"github.com/StricklySoft/tauth/pkg/models"
)

type handlers struct {
	comp    *Components
	process *lifecycle.Process
}

type statusResponse struct {
	Status string `json:"status"`
}

func (h *handlers) status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{Status: "ok"})
}

func (h *handlers) live(c echo.Context) error {
	if err := h.process.Live(); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.process.Info())
}

func (h *handlers) ready(c echo.Context) error {
	if err := h.process.Ready(c.Request().Context()); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusResponse{Status: "ready"})
}

// authenticate returns the caller's Infostar. Remote-mode gateways call
// it to delegate authentication.
func (h *handlers) authenticate(c echo.Context) error {
	info, err := caller(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, info)
}

// authorize evaluates an authorization request for the caller. The
// decoded body is also handed to the policy as input.request.
func (h *handlers) authorize(c echo.Context) error {
	info, err := caller(c)
	if err != nil {
		return err
	}
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	var req authz.Request
	if err := decode(raw, &req); err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}
	var doc map[string]any
	if err := decode(raw, &doc); err != nil {
		return err
	}

	dec, err := h.comp.Authorizer.Authorize(c.Request().Context(), info, &req, doc)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, dec)
}

func (h *handlers) listPolicies(c echo.Context) error {
	policies, err := h.comp.Admin.ListPolicies(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, policies)
}

func (h *handlers) createPolicy(c echo.Context) error {
	var p models.AuthorizationPolicy
	return create(c, &p, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.CreatePolicy(c.Request().Context(), info, &p)
	})
}

type syncResponse struct {
	Loaded int `json:"loaded"`
}

func (h *handlers) syncPolicies(c echo.Context) error {
	n, err := h.comp.Admin.SyncPolicies(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, syncResponse{Loaded: n})
}

func (h *handlers) deletePolicy(c echo.Context) error {
	return noContent(c, h.comp.Admin.DeletePolicy(c.Request().Context(), c.Param("name")))
}

func (h *handlers) createPermission(c echo.Context) error {
	var in admin.PermissionInput
	return create(c, &in, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.CreatePermission(c.Request().Context(), info, in)
	})
}

func (h *handlers) deletePermission(c echo.Context) error {
	return noContent(c, h.comp.Admin.DeletePermission(c.Request().Context(), c.Param("id")))
}

func (h *handlers) listPermissions(c echo.Context) error {
	return found(c)(h.comp.Admin.ListPermissions(c.Request().Context(), c.QueryParam("entity_handle")))
}

func (h *handlers) getPermission(c echo.Context) error {
	return found(c)(h.comp.Admin.GetPermission(c.Request().Context(), c.Param("id")))
}

func (h *handlers) updatePermission(c echo.Context) error {
	var in admin.PermissionUpdate
	if err := bind(c, &in); err != nil {
		return err
	}
	return found(c)(h.comp.Admin.UpdatePermission(c.Request().Context(), c.Param("id"), in))
}

func (h *handlers) createRole(c echo.Context) error {
	var in admin.RoleInput
	return create(c, &in, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.CreateRole(c.Request().Context(), info, in)
	})
}

func (h *handlers) listRoles(c echo.Context) error {
	return found(c)(h.comp.Admin.ListRoles(c.Request().Context(), c.QueryParam("entity_handle")))
}

func (h *handlers) getRole(c echo.Context) error {
	return found(c)(h.comp.Admin.GetRole(c.Request().Context(), c.Param("id")))
}

func (h *handlers) updateRole(c echo.Context) error {
	var in admin.RoleUpdate
	if err := bind(c, &in); err != nil {
		return err
	}
	return found(c)(h.comp.Admin.UpdateRole(c.Request().Context(), c.Param("id"), in))
}

func (h *handlers) deleteRole(c echo.Context) error {
	return noContent(c, h.comp.Admin.DeleteRole(c.Request().Context(), c.Param("id")))
}

// upsertResource answers 201 when the resource was created and 200 when
// an existing one absorbed the ids.
func (h *handlers) upsertResource(c echo.Context) error {
	info, err := caller(c)
	if err != nil {
		return err
	}
	var in admin.ResourceInput
	if err := bind(c, &in); err != nil {
		return err
	}
	res, created, err := h.comp.Admin.UpsertResource(c.Request().Context(), info, in)
	if err != nil {
		return err
	}
	if created {
		return c.JSON(http.StatusCreated, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *handlers) listResources(c echo.Context) error {
	return found(c)(h.comp.Admin.ListResources(c.Request().Context(),
		c.QueryParam("service_handle"), c.QueryParam("resource_collection")))
}

func (h *handlers) getResource(c echo.Context) error {
	return found(c)(h.comp.Admin.GetResource(c.Request().Context(), c.Param("id")))
}

func (h *handlers) updateResource(c echo.Context) error {
	var in admin.ResourceUpdate
	if err := bind(c, &in); err != nil {
		return err
	}
	return found(c)(h.comp.Admin.UpdateResource(c.Request().Context(), c.Param("id"), in))
}

func (h *handlers) deleteResource(c echo.Context) error {
	return noContent(c, h.comp.Admin.DeleteResource(c.Request().Context(), c.Param("id")))
}

func (h *handlers) listAccess(c echo.Context) error {
	return found(c)(h.comp.Admin.ListResourceAccess(c.Request().Context(),
		c.QueryParam("resource_id"), c.QueryParam("entity_id")))
}

func (h *handlers) getAccess(c echo.Context) error {
	return found(c)(h.comp.Admin.GetResourceAccess(c.Request().Context(), c.Param("id")))
}

func (h *handlers) grantAccess(c echo.Context) error {
	var in admin.AccessInput
	return create(c, &in, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.GrantResourceAccess(c.Request().Context(), info, in)
	})
}

func (h *handlers) revokeAccess(c echo.Context) error {
	return noContent(c, h.comp.Admin.RevokeResourceAccess(c.Request().Context(), c.Param("id")))
}

func (h *handlers) createEntity(c echo.Context) error {
	var e models.Entity
	return create(c, &e, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.CreateEntity(c.Request().Context(), info, &e)
	})
}

func (h *handlers) listEntities(c echo.Context) error {
	return found(c)(h.comp.Admin.ListEntities(c.Request().Context(), admin.EntityFilter{
		Type:        models.EntityType(c.QueryParam("type")),
		Handle:      c.QueryParam("handle"),
		OwnerHandle: c.QueryParam("owner_handle"),
	}))
}

func (h *handlers) getEntity(c echo.Context) error {
	e, err := h.comp.Admin.GetEntity(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *handlers) assignRole(c echo.Context) error {
	e, err := h.comp.Admin.AssignRole(c.Request().Context(), c.Param("id"), c.Param("role_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

func (h *handlers) createAuthProvider(c echo.Context) error {
	var p models.AuthProvider
	return create(c, &p, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.CreateAuthProvider(c.Request().Context(), info, &p)
	})
}

func (h *handlers) listAuthProviders(c echo.Context) error {
	return found(c)(h.comp.Admin.ListAuthProviders(c.Request().Context(), c.QueryParam("organization_handle")))
}

func (h *handlers) getAuthProvider(c echo.Context) error {
	return found(c)(h.comp.Admin.GetAuthProvider(c.Request().Context(), c.Param("id")))
}

func (h *handlers) listKeys(c echo.Context) error {
	return found(c)(h.comp.Admin.ListAPIKeys(c.Request().Context(), c.QueryParam("entity_handle")))
}

func (h *handlers) getKey(c echo.Context) error {
	return found(c)(h.comp.Admin.GetAPIKey(c.Request().Context(), c.Param("id")))
}

func (h *handlers) issueKey(c echo.Context) error {
	var in admin.KeyInput
	return create(c, &in, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.IssueAPIKey(c.Request().Context(), info, in)
	})
}

func (h *handlers) revokeKey(c echo.Context) error {
	return noContent(c, h.comp.Admin.RevokeAPIKey(c.Request().Context(), c.Param("id")))
}

type legacyTokenRequest struct {
	Name string `json:"name"`
}

func (h *handlers) createLegacyToken(c echo.Context) error {
	client, name, err := clientTokenPath(c)
	if err != nil || name != "" {
		return echo.ErrNotFound
	}
	var in legacyTokenRequest
	return create(c, &in, func(info *models.Infostar) (any, error) {
		return h.comp.Admin.CreateLegacyToken(c.Request().Context(), info, client, in.Name)
	})
}

func (h *handlers) listLegacyTokens(c echo.Context) error {
	client, name, err := clientTokenPath(c)
	if err != nil || name != "" {
		return echo.ErrNotFound
	}
	return found(c)(h.comp.Admin.ListLegacyTokens(c.Request().Context(), client))
}

func (h *handlers) revokeLegacyToken(c echo.Context) error {
	client, name, err := clientTokenPath(c)
	if err != nil || name == "" {
		return echo.ErrNotFound
	}
	return noContent(c, h.comp.Admin.RevokeLegacyToken(c.Request().Context(), client, name))
}

// clientTokenPath splits the "<client>/tokens[/<name>]" wildcard.
func clientTokenPath(c echo.Context) (client, name string, err error) {
	p := strings.Trim(c.Param("*"), "/")
	if rest, ok := strings.CutSuffix(p, "/tokens"); ok && rest != "" {
		return "/" + rest, "", nil
	}
	if i := strings.LastIndex(p, "/tokens/"); i > 0 {
		return "/" + p[:i], p[i+len("/tokens/"):], nil
	}
	return "", "", echo.ErrNotFound
}

// found answers 200 with the value, or the error.
func found(c echo.Context) func(v any, err error) error {
	return func(v any, err error) error {
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, v)
	}
}

// create binds the body into v, runs fn for the caller and answers 201.
func create(c echo.Context, v any, fn func(info *models.Infostar) (any, error)) error {
	info, err := caller(c)
	if err != nil {
		return err
	}
	if err := bind(c, v); err != nil {
		return err
	}
	out, err := fn(info)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func noContent(c echo.Context, err error) error {
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func caller(c echo.Context) (*models.Infostar, error) {
	info, ok := authn.InfostarFromContext(c.Request().Context())
	if !ok {
		return nil, sserr.Unauthorized("Authentication required.").
			WithLoc("header", authn.HeaderAuthorization)
	}
	return info, nil
}

func bind(c echo.Context, v any) error {
	raw, err := readBody(c)
	if err != nil {
		return err
	}
	return decode(raw, v)
}

func readBody(c echo.Context) ([]byte, error) {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return nil, he
		}
		return nil, sserr.Wrap(err, sserr.CodeValidation, "Failed to read request body.").WithLoc("body")
	}
	return raw, nil
}

func decode(raw []byte, v any) error {
	if len(raw) == 0 {
		return sserr.New(sserr.CodeValidationRequired, "Request body is required.").WithLoc("body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return sserr.Wrap(err, sserr.CodeValidationFormat, "Request body is not valid JSON.").WithLoc("body")
	}
	return nil
}
