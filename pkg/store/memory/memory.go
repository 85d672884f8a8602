// Package memory is an in-process [store.Store] for development and
// tests. Records are held as encoded JSON, so callers never share memory
// with the store.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

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

// Store holds every collection in memory. It is safe for concurrent use.
type Store struct {
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

// New returns an empty Store.
func New(opts ...Option) *Store {
	o := options{clock: time.Now, newID: ids.New}
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{
		entities:       newCollection[models.Entity](store.CollEntities, o),
		authProviders:  newCollection[models.AuthProvider](store.CollAuthProviders, o),
		roles:          newCollection[models.Role](store.CollRoles, o),
		permissions:    newCollection[models.Permission](store.CollPermissions, o),
		resources:      newCollection[models.Resource](store.CollResources, o),
		resourceAccess: newCollection[models.ResourceAccess](store.CollResourceAccess, o),
		policies:       newCollection[models.AuthorizationPolicy](store.CollPolicies, o),
		apiKeys:        newCollection[models.APIKey](store.CollAPIKeys, o),
		legacyTokens:   newCollection[models.LegacyToken](store.CollLegacyTokens, o),
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
func (s *Store) Ping(context.Context) error                              { return nil }
func (s *Store) Close()                                                  {}

// record constrains T's pointer to the stored-record capabilities.
type record[T any] interface {
	*T
	models.Identified
	models.Timestamped
}

type stored struct {
	raw []byte
	doc map[string]any
	seq uint64
}

type collection[T any, PT record[T]] struct {
	name   string
	unique [][]string
	clock  func() time.Time
	newID  func() string

	mu      sync.RWMutex
	docs    map[string]*stored
	indexes []map[string]string // tuple -> id, one per unique key
	seq     uint64
}

func newCollection[T any, PT record[T]](name string, o options) *collection[T, PT] {
	c := &collection[T, PT]{
		name:   name,
		unique: store.UniqueKeys[name],
		clock:  o.clock,
		newID:  o.newID,
		docs:   make(map[string]*stored),
	}
	c.indexes = make([]map[string]string, len(c.unique))
	for i := range c.indexes {
		c.indexes[i] = make(map[string]string)
	}
	return c
}

func (c *collection[T, PT]) encode(rec PT) (*stored, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternal, "memory: encode %s record", c.name)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternal, "memory: decode %s record", c.name)
	}
	return &stored{raw: raw, doc: doc}, nil
}

func (c *collection[T, PT]) decode(s *stored) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(s.raw, out); err != nil {
		return nil, sserr.Wrapf(err, sserr.CodeInternal, "memory: decode %s record", c.name)
	}
	return out, nil
}

// conflict returns the index of the first unique key whose tuple is held
// by a record other than id, or -1.
func (c *collection[T, PT]) conflict(doc map[string]any, id string) int {
	for i, paths := range c.unique {
		if owner, ok := c.indexes[i][store.KeyTuple(doc, paths)]; ok && owner != id {
			return i
		}
	}
	return -1
}

func (c *collection[T, PT]) index(doc map[string]any, id string) {
	for i, paths := range c.unique {
		c.indexes[i][store.KeyTuple(doc, paths)] = id
	}
}

func (c *collection[T, PT]) unindex(doc map[string]any) {
	for i, paths := range c.unique {
		delete(c.indexes[i], store.KeyTuple(doc, paths))
	}
}

func (c *collection[T, PT]) notUnique(i int) error {
	return sserr.Newf(sserr.CodeDocumentNotUnique, "Document not unique in %s: %v", c.name, c.unique[i]).
		WithDetail("collection", c.name)
}

func (c *collection[T, PT]) notFound() error {
	return sserr.Newf(sserr.CodeDocumentNotFound, "Document not found in %s", c.name).
		WithDetail("collection", c.name)
}

func (c *collection[T, PT]) Insert(ctx context.Context, rec *T) error {
	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, "memory: insert canceled")
	}
	p := PT(rec)
	if p.GetID() == "" {
		p.SetID(c.newID())
	}
	p.MarkCreated(c.clock())

	s, err := c.encode(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.docs[p.GetID()]; exists {
		return sserr.Newf(sserr.CodeDocumentNotUnique, "Document not unique in %s: id %s", c.name, p.GetID())
	}
	if i := c.conflict(s.doc, p.GetID()); i >= 0 {
		return c.notUnique(i)
	}
	c.seq++
	s.seq = c.seq
	c.docs[p.GetID()] = s
	c.index(s.doc, p.GetID())
	return nil
}

func (c *collection[T, PT]) Update(ctx context.Context, rec *T) error {
	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, "memory: update canceled")
	}
	p := PT(rec)
	p.Touch(c.clock())

	s, err := c.encode(p)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.docs[p.GetID()]
	if !ok {
		return c.notFound()
	}
	c.unindex(old.doc)
	if i := c.conflict(s.doc, p.GetID()); i >= 0 {
		c.index(old.doc, p.GetID())
		return c.notUnique(i)
	}
	s.seq = old.seq
	c.docs[p.GetID()] = s
	c.index(s.doc, p.GetID())
	return nil
}

func (c *collection[T, PT]) Modify(ctx context.Context, id string, fn func(rec *T) (bool, error)) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTimeoutDatabase, "memory: modify canceled")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.docs[id]
	if !ok {
		return nil, c.notFound()
	}
	rec, err := c.decode(old)
	if err != nil {
		return nil, err
	}
	changed, err := fn(rec)
	if err != nil {
		return nil, err
	}
	if !changed {
		return rec, nil
	}
	p := PT(rec)
	p.SetID(id)
	p.Touch(c.clock())
	s, err := c.encode(p)
	if err != nil {
		return nil, err
	}
	c.unindex(old.doc)
	if i := c.conflict(s.doc, id); i >= 0 {
		c.index(old.doc, id)
		return nil, c.notUnique(i)
	}
	s.seq = old.seq
	c.docs[id] = s
	c.index(s.doc, id)
	return rec, nil
}

func (c *collection[T, PT]) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, "memory: delete canceled")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.docs[id]
	if !ok {
		return c.notFound()
	}
	c.unindex(old.doc)
	delete(c.docs, id)
	return nil
}

func (c *collection[T, PT]) FindOne(ctx context.Context, conds ...store.Cond) (*T, error) {
	matches, err := c.find(ctx, conds, 1)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, c.notFound()
	}
	return matches[0], nil
}

func (c *collection[T, PT]) FindMany(ctx context.Context, conds ...store.Cond) ([]*T, error) {
	return c.find(ctx, conds, 0)
}

func (c *collection[T, PT]) find(ctx context.Context, conds []store.Cond, limit int) ([]*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeTimeoutDatabase, "memory: find canceled")
	}

	c.mu.RLock()
	var hits []*stored
	for _, s := range c.docs {
		ok, err := store.Match(s.doc, conds)
		if err != nil {
			c.mu.RUnlock()
			return nil, sserr.Wrap(err, sserr.CodeValidation, fmt.Sprintf("memory: bad filter on %s", c.name))
		}
		if ok {
			hits = append(hits, s)
		}
	}
	c.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	out := make([]*T, 0, len(hits))
	for _, s := range hits {
		rec, err := c.decode(s)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
