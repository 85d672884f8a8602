package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// DefaultEngineTimeout bounds one policy engine call.
const DefaultEngineTimeout = 5 * time.Second

const maxEngineBody = 4 << 20

// HTTPClient is the subset of *http.Client used for engine calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPEngine talks to an OPA server through its v1 REST API:
//
//	PUT    /v1/policies/<name>          load or replace a policy
//	DELETE /v1/policies/<name>          unload a policy
//	POST   /v1/data/<package>/<rule>    evaluate a rule with {"input": ...}
//	GET    /health                      liveness
type HTTPEngine struct {
	base    string
	client  HTTPClient
	timeout time.Duration
	logger  *slog.Logger
}

// HTTPEngineOption configures an HTTPEngine.
type HTTPEngineOption func(*HTTPEngine)

// WithEngineHTTPClient sets the HTTP client.
func WithEngineHTTPClient(c HTTPClient) HTTPEngineOption {
	return func(e *HTTPEngine) { e.client = c }
}

// WithEngineTimeout sets the per-call timeout.
func WithEngineTimeout(d time.Duration) HTTPEngineOption {
	return func(e *HTTPEngine) { e.timeout = d }
}

// WithEngineLogger sets the logger.
func WithEngineLogger(l *slog.Logger) HTTPEngineOption {
	return func(e *HTTPEngine) { e.logger = l }
}

// NewHTTPEngine creates an engine for the OPA server at baseURL.
func NewHTTPEngine(baseURL string, opts ...HTTPEngineOption) *HTTPEngine {
	e := &HTTPEngine{
		base:    strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		timeout: DefaultEngineTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "authz.opa_http")
	return e
}

type dataResponse struct {
	Result      *json.RawMessage `json:"result"`
	DecisionID  string           `json:"decision_id,omitempty"`
	Warning     map[string]any   `json:"warning,omitempty"`
	Explanation json.RawMessage  `json:"explanation,omitempty"`
}

// IsAuthorized evaluates the rule. OPA answers an undefined document with
// no result; the policy is then looked up to tell a missing policy from
// an undefined rule.
func (e *HTTPEngine) IsAuthorized(ctx context.Context, policyName, rule string, input map[string]any) (*Decision, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "authorization input is not serializable")
	}
	path := "/v1/data/" + PackageName(policyName) + "/" + RuleName(rule)
	status, raw, err := e.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, engineFault(fmt.Errorf("opa returned status %d: %s", status, bytes.TrimSpace(raw)))
	}

	var resp dataResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, engineFault(fmt.Errorf("decode opa response: %w", err))
	}

	details := map[string]any{}
	if err := json.Unmarshal(raw, &details); err != nil {
		return nil, engineFault(fmt.Errorf("decode opa response: %w", err))
	}
	if resp.Result == nil {
		exists, err := e.policyExists(ctx, policyName)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, policyNotFound(policyName)
		}
		return &Decision{Authorized: false, Details: details}, nil
	}

	var value any
	if err := json.Unmarshal(*resp.Result, &value); err != nil {
		return nil, engineFault(fmt.Errorf("decode opa result: %w", err))
	}
	return &Decision{Authorized: decide(value, true), Details: details}, nil
}

// UpsertPolicy loads source under name. OPA rejects policies that do not
// compile with 400, which is reported as a validation error.
func (e *HTTPEngine) UpsertPolicy(ctx context.Context, name, source string) error {
	status, raw, err := e.do(ctx, http.MethodPut, "/v1/policies/"+url.PathEscape(name), "text/plain", []byte(source))
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusOK:
		e.logger.InfoContext(ctx, "policy loaded", "policy", name)
		return nil
	case status == http.StatusBadRequest:
		return sserr.Newf(sserr.CodeValidation, "Failed to compile policy %s: %s", name, opaMessage(raw)).
			WithLoc("body", "policy")
	default:
		return engineFault(fmt.Errorf("opa returned status %d: %s", status, opaMessage(raw)))
	}
}

// DeletePolicy unloads name.
func (e *HTTPEngine) DeletePolicy(ctx context.Context, name string) error {
	status, raw, err := e.do(ctx, http.MethodDelete, "/v1/policies/"+url.PathEscape(name), "", nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return policyNotFound(name)
	default:
		return engineFault(fmt.Errorf("opa returned status %d: %s", status, opaMessage(raw)))
	}
}

// Ping checks the server health endpoint.
func (e *HTTPEngine) Ping(ctx context.Context) error {
	status, _, err := e.do(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return sserr.Newf(sserr.CodeUnavailableDependency, "opa health check returned status %d", status)
	}
	return nil
}

func (e *HTTPEngine) policyExists(ctx context.Context, name string) (bool, error) {
	status, raw, err := e.do(ctx, http.MethodGet, "/v1/policies/"+url.PathEscape(name), "", nil)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, engineFault(fmt.Errorf("opa returned status %d: %s", status, opaMessage(raw)))
	}
}

func (e *HTTPEngine) do(ctx context.Context, method, path, contentType string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.base+path, r)
	if err != nil {
		return 0, nil, sserr.Wrap(err, sserr.CodeInternal, "failed to build policy engine request")
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, sserr.Wrap(err, sserr.CodePolicyEngineFault, "policy engine call timed out")
		}
		return 0, nil, sserr.Wrap(err, sserr.CodePolicyEngineFault, "policy engine unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineBody))
	if err != nil {
		return 0, nil, sserr.Wrap(err, sserr.CodePolicyEngineFault, "failed to read policy engine response")
	}
	return resp.StatusCode, raw, nil
}

// opaMessage extracts the message of an OPA error body.
func opaMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		return body.Message
	}
	return string(bytes.TrimSpace(raw))
}
