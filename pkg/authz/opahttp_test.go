package authz

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tauth/internal/testutil"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// fakeOPA serves the subset of the OPA REST API used by HTTPEngine. Rules
// are answered from results keyed by "<package>/<rule>".
type fakeOPA struct {
	mu       sync.Mutex
	policies map[string]string
	results  map[string]any
	inputs   []map[string]any
}

func newFakeOPA(t *testing.T) (*fakeOPA, *httptest.Server) {
	t.Helper()
	f := &fakeOPA{policies: map[string]string{}, results: map[string]any{}}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeOPA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.URL.Path == "/health":
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	case strings.HasPrefix(r.URL.Path, "/v1/policies/"):
		name := strings.TrimPrefix(r.URL.Path, "/v1/policies/")
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			if strings.Contains(string(body), "syntax error") {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"code":"invalid_parameter","message":"error(s) occurred while compiling module(s)"}`))
				return
			}
			f.policies[name] = string(body)
			_, _ = w.Write([]byte("{}"))
		case http.MethodGet:
			if _, ok := f.policies[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"code":"resource_not_found"}`))
				return
			}
			_, _ = w.Write([]byte(`{"result":{}}`))
		case http.MethodDelete:
			if _, ok := f.policies[name]; !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			delete(f.policies, name)
			_, _ = w.Write([]byte("{}"))
		}
	case strings.HasPrefix(r.URL.Path, "/v1/data/"):
		var body struct {
			Input map[string]any `json:"input"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.inputs = append(f.inputs, body.Input)
		key := strings.TrimPrefix(r.URL.Path, "/v1/data/")
		res, ok := f.results[key]
		if !ok {
			_, _ = w.Write([]byte("{}"))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": res, "decision_id": "d-1"})
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func (f *fakeOPA) input(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[i]
}

func (f *fakeOPA) policy(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.policies[name]
	return p, ok
}

func TestHTTPEngine_IsAuthorized(t *testing.T) {
	t.Parallel()
	f, srv := newFakeOPA(t)
	f.policies["melt-key"] = "package melt_key"
	f.results["melt_key/tauth_admin"] = true
	f.results["melt_key/filters"] = map[string]any{"ids": []any{"x"}}
	e := NewHTTPEngine(srv.URL, WithEngineHTTPClient(srv.Client()))
	ctx := context.Background()

	dec, err := e.IsAuthorized(ctx, "melt-key", "tauth-admin", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.True(t, dec.Authorized)
	assert.Equal(t, "d-1", dec.Details["decision_id"])
	assert.Equal(t, "v", f.input(0)["k"])

	dec, err = e.IsAuthorized(ctx, "melt-key", "filters", nil)
	require.NoError(t, err)
	assert.True(t, dec.Authorized)

	dec, err = e.IsAuthorized(ctx, "melt-key", "undefined", nil)
	require.NoError(t, err)
	assert.False(t, dec.Authorized)
}

func TestHTTPEngine_PolicyNotFound(t *testing.T) {
	t.Parallel()
	_, srv := newFakeOPA(t)
	e := NewHTTPEngine(srv.URL)

	_, err := e.IsAuthorized(context.Background(), "missing", "allow", nil)
	testutil.RequireErrorCode(t, err, sserr.CodePermissionNotFound)

	testutil.RequireErrorCode(t, e.DeletePolicy(context.Background(), "missing"), sserr.CodePermissionNotFound)
}

func TestHTTPEngine_UpsertAndDelete(t *testing.T) {
	t.Parallel()
	f, srv := newFakeOPA(t)
	e := NewHTTPEngine(srv.URL + "/")
	ctx := context.Background()

	require.NoError(t, e.UpsertPolicy(ctx, "melt-key", "package melt_key"))
	src, _ := f.policy("melt-key")
	assert.Equal(t, "package melt_key", src)

	err := e.UpsertPolicy(ctx, "bad", "syntax error")
	testutil.RequireErrorCode(t, err, sserr.CodeValidation)
	assert.Contains(t, err.Error(), "compiling module")

	require.NoError(t, e.DeletePolicy(ctx, "melt-key"))
	_, ok := f.policy("melt-key")
	assert.False(t, ok)
}

func TestHTTPEngine_Faults(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"storage failure"}`))
	}))
	t.Cleanup(srv.Close)
	e := NewHTTPEngine(srv.URL)

	_, err := e.IsAuthorized(context.Background(), "p", "r", nil)
	testutil.RequireErrorCode(t, err, sserr.CodePolicyEngineFault)
	assert.Equal(t, 500, sserr.StatusOf(err))
	assert.Contains(t, sserr.ToBody(err).Detail.Msg, "storage failure")

	require.Error(t, e.Ping(context.Background()))
}

func TestHTTPEngine_Timeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	e := NewHTTPEngine(srv.URL, WithEngineTimeout(50*time.Millisecond))
	_, err := e.IsAuthorized(context.Background(), "p", "r", nil)
	testutil.RequireErrorCode(t, err, sserr.CodePolicyEngineFault)
}

func TestHTTPEngine_Ping(t *testing.T) {
	t.Parallel()
	_, srv := newFakeOPA(t)
	require.NoError(t, NewHTTPEngine(srv.URL).Ping(context.Background()))
}
