// Package postgres is the PostgreSQL [store.Store]. Each collection is a
// table of JSONB documents; uniqueness constraints become expression
// indexes and filters become containment and path predicates.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	pgclient "github.com/StricklySoft/tauth/pkg/clients/postgres"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/ids"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

// Option configures a Store.
type Option func(*options)

type options struct {
	clock func() time.Time
	newID func() string
}

// WithClock sets the time source used for record timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDGenerator sets the id source for inserted records.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// Store implements store.Store over a pgclient.Client.
type Store struct {
	db *pgclient.Client

	entities       *collection[models.Entity, *models.Entity]
	authProviders  *collection[models.AuthProvider, *models.AuthProvider]
	roles          *collection[models.Role, *models.Role]
	permissions    *collection[models.Permission, *models.Permission]
	resources      *collection[models.Resource, *models.Resource]
	resourceAccess *collection[models.ResourceAccess, *models.ResourceAccess]
	policies       *collection[models.AuthorizationPolicy, *models.AuthorizationPolicy]
	apiKeys        *collection[models.APIKey, *models.APIKey]
	legacyTokens   *collection[models.LegacyToken, *models.LegacyToken]
}

var _ store.Store = (*Store)(nil)

// New wraps db. Call [Store.Migrate] once before use.
func New(db *pgclient.Client, opts ...Option) *Store {
	o := options{clock: time.Now, newID: ids.New}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		db:             db,
		entities:       newCollection[models.Entity](db, store.CollEntities, o),
		authProviders:  newCollection[models.AuthProvider](db, store.CollAuthProviders, o),
		roles:          newCollection[models.Role](db, store.CollRoles, o),
		permissions:    newCollection[models.Permission](db, store.CollPermissions, o),
		resources:      newCollection[models.Resource](db, store.CollResources, o),
		resourceAccess: newCollection[models.ResourceAccess](db, store.CollResourceAccess, o),
		policies:       newCollection[models.AuthorizationPolicy](db, store.CollPolicies, o),
		apiKeys:        newCollection[models.APIKey](db, store.CollAPIKeys, o),
		legacyTokens:   newCollection[models.LegacyToken](db, store.CollLegacyTokens, o),
	}
}

func (s *Store) Entities() store.Collection[models.Entity]               { return s.entities }
func (s *Store) AuthProviders() store.Collection[models.AuthProvider]    { return s.authProviders }
func (s *Store) Roles() store.Collection[models.Role]                    { return s.roles }
func (s *Store) Permissions() store.Collection[models.Permission]        { return s.permissions }
func (s *Store) Resources() store.Collection[models.Resource]            { return s.resources }
func (s *Store) ResourceAccess() store.Collection[models.ResourceAccess] { return s.resourceAccess }
func (s *Store) Policies() store.Collection[models.AuthorizationPolicy]  { return s.policies }
func (s *Store) APIKeys() store.Collection[models.APIKey]                { return s.apiKeys }
func (s *Store) LegacyTokens() store.Collection[models.LegacyToken]      { return s.legacyTokens }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.Health(ctx) }

// Close closes the underlying pool.
func (s *Store) Close() { s.db.Close() }

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, Schema())
}

// Schema returns the idempotent DDL for every collection.
func Schema() string {
	names := []string{
		store.CollEntities, store.CollAuthProviders, store.CollRoles,
		store.CollPermissions, store.CollResources, store.CollResourceAccess,
		store.CollPolicies, store.CollAPIKeys, store.CollLegacyTokens,
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n"+
			"\tid TEXT PRIMARY KEY,\n"+
			"\tdoc JSONB NOT NULL,\n"+
			"\tcreated_at TIMESTAMPTZ NOT NULL DEFAULT now()\n"+
			");\n", name)
		fmt.Fprintf(&b, "CREATE INDEX IF NOT EXISTS %s_doc_idx ON %s USING GIN (doc jsonb_path_ops);\n", name, name)
		for i, paths := range store.UniqueKeys[name] {
			exprs := make([]string, len(paths))
			for j, p := range paths {
				exprs[j] = fmt.Sprintf("(COALESCE(doc #>> '{%s}', ''))", strings.ReplaceAll(p, ".", ","))
			}
			fmt.Fprintf(&b, "CREATE UNIQUE INDEX IF NOT EXISTS %s_unique_%d ON %s (%s);\n",
				name, i, name, strings.Join(exprs, ", "))
		}
	}
	return b.String()
}

type record[T any] interface {
	*T
	models.Identified
	models.Timestamped
}

type collection[T any, PT record[T]] struct {
	db    *pgclient.Client
	name  string
	clock func() time.Time
	newID func() string
}

func newCollection[T any, PT record[T]](db *pgclient.Client, name string, o options) *collection[T, PT] {
	return &collection[T, PT]{db: db, name: name, clock: o.clock, newID: o.newID}
}

func (c *collection[T, PT]) Insert(ctx context.Context, rec *T) error {
	p := PT(rec)
	if p.GetID() == "" {
		p.SetID(c.newID())
	}
	now := c.clock()
	p.MarkCreated(now)

	doc, err := json.Marshal(p)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternal, "postgres: encode %s record", c.name)
	}
	_, err = c.db.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (id, doc, created_at) VALUES ($1, $2, $3)", c.name),
		p.GetID(), string(doc), now.UTC())
	return c.classify(err)
}

func (c *collection[T, PT]) Update(ctx context.Context, rec *T) error {
	p := PT(rec)
	p.Touch(c.clock())

	doc, err := json.Marshal(p)
	if err != nil {
		return sserr.Wrapf(err, sserr.CodeInternal, "postgres: encode %s record", c.name)
	}
	tag, err := c.db.Exec(ctx,
		fmt.Sprintf("UPDATE %s SET doc = $2 WHERE id = $1", c.name),
		p.GetID(), string(doc))
	if err != nil {
		return c.classify(err)
	}
	if tag.RowsAffected() == 0 {
		return c.notFound()
	}
	return nil
}

// Modify locks the row with SELECT ... FOR UPDATE for the duration of fn,
// so concurrent modifications of the same record serialize.
func (c *collection[T, PT]) Modify(ctx context.Context, id string, fn func(rec *T) (bool, error)) (*T, error) {
	var out *T
	err := c.db.WithTx(ctx, func(tx pgx.Tx) error {
		var raw []byte
		err := tx.QueryRow(ctx,
			fmt.Sprintf("SELECT doc FROM %s WHERE id = $1 FOR UPDATE", c.name), id).Scan(&raw)
		if errors.Is(err, pgx.ErrNoRows) {
			return c.notFound()
		}
		if err != nil {
			return c.classify(err)
		}
		rec := new(T)
		if err := json.Unmarshal(raw, rec); err != nil {
			return sserr.Wrapf(err, sserr.CodeInternalDatabase, "postgres: decode %s record", c.name)
		}
		changed, err := fn(rec)
		if err != nil {
			return err
		}
		out = rec
		if !changed {
			return nil
		}
		p := PT(rec)
		p.SetID(id)
		p.Touch(c.clock())
		doc, err := json.Marshal(p)
		if err != nil {
			return sserr.Wrapf(err, sserr.CodeInternal, "postgres: encode %s record", c.name)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("UPDATE %s SET doc = $2 WHERE id = $1", c.name), id, string(doc)); err != nil {
			return c.classify(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *collection[T, PT]) Delete(ctx context.Context, id string) error {
	tag, err := c.db.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", c.name), id)
	if err != nil {
		return c.classify(err)
	}
	if tag.RowsAffected() == 0 {
		return c.notFound()
	}
	return nil
}

func (c *collection[T, PT]) FindOne(ctx context.Context, conds ...store.Cond) (*T, error) {
	out, err := c.find(ctx, conds, 1)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, c.notFound()
	}
	return out[0], nil
}

func (c *collection[T, PT]) FindMany(ctx context.Context, conds ...store.Cond) ([]*T, error) {
	return c.find(ctx, conds, 0)
}

func (c *collection[T, PT]) find(ctx context.Context, conds []store.Cond, limit int) ([]*T, error) {
	where, args, err := Where(conds)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "postgres: bad filter on "+c.name)
	}
	query := fmt.Sprintf("SELECT doc FROM %s WHERE %s ORDER BY created_at, id", c.name, where)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, c.classify(err)
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, c.classify(err)
		}
		rec := new(T)
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, sserr.Wrapf(err, sserr.CodeInternalDatabase, "postgres: decode %s record", c.name)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, c.classify(err)
	}
	return out, nil
}

func (c *collection[T, PT]) notFound() error {
	return sserr.Newf(sserr.CodeDocumentNotFound, "Document not found in %s", c.name).
		WithDetail("collection", c.name)
}

func (c *collection[T, PT]) classify(err error) error {
	return pgclient.WrapError(err, "postgres: "+c.name)
}

// Where renders conds as a SQL boolean expression over the doc column
// with positional arguments starting at $1. Field paths are passed as
// text[] arguments, never interpolated.
func Where(conds []store.Cond) (string, []any, error) {
	if len(conds) == 0 {
		return "TRUE", nil, nil
	}
	var (
		clauses []string
		args    []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, cond := range conds {
		segs, err := cond.Segments()
		if err != nil {
			return "", nil, err
		}
		switch cond.Op {
		case store.OpEq:
			doc, err := nest(segs, cond.Value)
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, "doc @> "+next(doc)+"::jsonb")
		case store.OpContains:
			doc, err := nest(segs, []any{cond.Value})
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, "doc @> "+next(doc)+"::jsonb")
		case store.OpElemMatch:
			doc, err := nest(segs, []any{cond.Value})
			if err != nil {
				return "", nil, err
			}
			clauses = append(clauses, "doc @> "+next(doc)+"::jsonb")
		case store.OpIn:
			values, _ := cond.Value.([]string)
			if len(values) == 0 {
				clauses = append(clauses, "FALSE")
				continue
			}
			clauses = append(clauses, fmt.Sprintf("(doc #>> %s::text[]) = ANY(%s::text[])", next(segs), next(values)))
		case store.OpRegex:
			clauses = append(clauses, fmt.Sprintf("(doc #>> %s::text[]) ~ %s", next(segs), next(cond.Value)))
		default:
			return "", nil, fmt.Errorf("store: unsupported operator %s", cond.Op)
		}
	}
	return strings.Join(clauses, " AND "), args, nil
}

// nest builds the JSON text of {segs[0]: {segs[1]: ... v}}.
func nest(segs []string, v any) (string, error) {
	for i := len(segs) - 1; i >= 0; i-- {
		v = map[string]any{segs[i]: v}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: cannot encode filter value: %w", err)
	}
	return string(raw), nil
}
