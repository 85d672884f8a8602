package authz

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/types"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/store"
)

// EntityBuiltin is the name of the Rego builtin that returns a stored
// entity by handle, or is undefined when none exists.
const EntityBuiltin = "tauth.entity"

var entityBuiltinDecl = &rego.Function{
	Name:             EntityBuiltin,
	Decl:             types.NewFunction(types.Args(types.S), types.A),
	Memoize:          true,
	Nondeterministic: true,
}

// LocalEngine evaluates Rego policies in process. Policies are kept as
// source and compiled together with the [EntityBuiltin] builtin; prepared
// queries are cached per (policy, rule) until the policy set changes.
type LocalEngine struct {
	store  store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	modules  map[string]string
	prepared map[string]rego.PreparedEvalQuery
}

// NewLocalEngine creates an empty LocalEngine. The store backs the
// [EntityBuiltin] builtin; it may be nil when policies do not use it.
func NewLocalEngine(s store.Store, logger *slog.Logger) *LocalEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalEngine{
		store:    s,
		logger:   logger.With("component", "authz.local"),
		modules:  make(map[string]string),
		prepared: make(map[string]rego.PreparedEvalQuery),
	}
}

// IsAuthorized evaluates data.<package>.<rule> with input.
func (e *LocalEngine) IsAuthorized(ctx context.Context, policyName, rule string, input map[string]any) (*Decision, error) {
	query, err := e.query(ctx, policyName, rule)
	if err != nil {
		return nil, err
	}

	rs, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, engineFault(err)
	}

	var (
		value   any
		defined bool
	)
	if len(rs) > 0 && len(rs[0].Expressions) > 0 {
		value, defined = rs[0].Expressions[0].Value, true
	}
	details := map[string]any{}
	if defined {
		details["result"] = value
	}
	return &Decision{Authorized: decide(value, defined), Details: details}, nil
}

// UpsertPolicy compiles source together with the loaded policies and
// replaces the policy called name. A policy that does not compile is a
// validation error and leaves the engine unchanged.
func (e *LocalEngine) UpsertPolicy(ctx context.Context, name, source string) error {
	if _, err := ast.ParseModuleWithOpts(name, source, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
		return sserr.Wrapf(err, sserr.CodeValidation, "Failed to parse policy %s", name).WithLoc("body", "policy")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	candidate := make(map[string]string, len(e.modules)+1)
	for k, v := range e.modules {
		candidate[k] = v
	}
	candidate[name] = source

	check := rego.New(append(e.options(candidate), rego.Query("data"))...)
	if _, err := check.PrepareForEval(ctx); err != nil {
		return sserr.Wrapf(err, sserr.CodeValidation, "Failed to compile policy %s", name).WithLoc("body", "policy")
	}

	e.modules = candidate
	clear(e.prepared)
	e.logger.InfoContext(ctx, "policy loaded", "policy", name, "package", PackageName(name))
	return nil
}

// DeletePolicy unloads the policy called name.
func (e *LocalEngine) DeletePolicy(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[name]; !ok {
		return policyNotFound(name)
	}
	delete(e.modules, name)
	clear(e.prepared)
	e.logger.InfoContext(ctx, "policy unloaded", "policy", name)
	return nil
}

// Ping always succeeds.
func (e *LocalEngine) Ping(context.Context) error { return nil }

// Policies returns the loaded policy names, sorted.
func (e *LocalEngine) Policies() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.modules))
	for n := range e.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *LocalEngine) query(ctx context.Context, policyName, rule string) (rego.PreparedEvalQuery, error) {
	q := "data." + PackageName(policyName) + "." + RuleName(rule)

	e.mu.RLock()
	_, loaded := e.modules[policyName]
	pq, cached := e.prepared[q]
	e.mu.RUnlock()
	if !loaded {
		return rego.PreparedEvalQuery{}, policyNotFound(policyName)
	}
	if cached {
		return pq, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if pq, ok := e.prepared[q]; ok {
		return pq, nil
	}
	pq, err := rego.New(append(e.options(e.modules), rego.Query(q))...).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, engineFault(err)
	}
	e.prepared[q] = pq
	return pq, nil
}

func (e *LocalEngine) options(modules map[string]string) []func(*rego.Rego) {
	opts := make([]func(*rego.Rego), 0, len(modules)+1)
	for name, src := range modules {
		opts = append(opts, rego.Module(name+".rego", src))
	}
	return append(opts, rego.Function1(entityBuiltinDecl, e.entityBuiltin))
}

// entityBuiltin implements tauth.entity(handle).
func (e *LocalEngine) entityBuiltin(bctx rego.BuiltinContext, a *ast.Term) (*ast.Term, error) {
	var handle string
	if err := ast.As(a.Value, &handle); err != nil {
		return nil, err
	}
	if e.store == nil {
		return nil, nil
	}
	ent, err := e.store.Entities().FindOne(bctx.Context, store.Eq("handle", handle))
	if err != nil {
		if sserr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	// Round trip through JSON so the term carries the wire field names.
	raw, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	v, err := ast.InterfaceToValue(doc)
	if err != nil {
		return nil, err
	}
	return ast.NewTerm(v), nil
}
