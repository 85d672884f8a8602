package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tauth/internal/testutil"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
	"github.com/StricklySoft/tauth/pkg/store"
)

func fixedClock() func() time.Time {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return now }
}

func orgEntity(handle string) *models.Entity {
	return &models.Entity{Handle: handle, Type: models.EntityOrganization}
}

// ---------------------------------------------------------------------------
// Insert
// ---------------------------------------------------------------------------

func TestInsert_AssignsIDAndTimestamps(t *testing.T) {
	t.Parallel()
	n := 0
	s := New(WithClock(fixedClock()), WithIDGenerator(func() string { n++; return fmt.Sprintf("id-%d", n) }))

	e := orgEntity("/teialabs")
	require.NoError(t, s.Entities().Insert(context.Background(), e))
	assert.Equal(t, "id-1", e.ID)
	assert.Equal(t, fixedClock()(), e.CreatedAt)
	assert.Equal(t, e.CreatedAt, e.UpdatedAt)
}

func TestInsert_KeepsProvidedID(t *testing.T) {
	t.Parallel()
	s := New()
	e := orgEntity("/")
	e.ID = "root"
	require.NoError(t, s.Entities().Insert(context.Background(), e))

	got, err := s.Entities().FindOne(context.Background(), store.Eq("id", "root"))
	require.NoError(t, err)
	assert.Equal(t, "/", got.Handle)

	dup := orgEntity("/other")
	dup.ID = "root"
	testutil.AssertErrorCode(t, s.Entities().Insert(context.Background(), dup), sserr.CodeDocumentNotUnique)
}

// TestInsert_UniqueConstraint verifies (type, handle, owner handle)
// uniqueness of entities.
func TestInsert_UniqueConstraint(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	owner := &models.EntityRef{Handle: "/teialabs"}
	user := &models.Entity{Handle: "alice@teialabs.com", Type: models.EntityUser, OwnerRef: owner}
	require.NoError(t, s.Entities().Insert(ctx, user))

	again := &models.Entity{Handle: "alice@teialabs.com", Type: models.EntityUser, OwnerRef: owner}
	err := s.Entities().Insert(ctx, again)
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotUnique)
	assert.Equal(t, 409, sserr.StatusOf(err))

	otherOrg := &models.Entity{Handle: "alice@teialabs.com", Type: models.EntityUser, OwnerRef: &models.EntityRef{Handle: "/osf"}}
	assert.NoError(t, s.Entities().Insert(ctx, otherOrg), "same handle under another owner is allowed")
}

// TestInsert_ConcurrentDuplicates verifies exactly one of many racing
// inserts of the same key wins.
func TestInsert_ConcurrentDuplicates(t *testing.T) {
	t.Parallel()
	s := New()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Permissions().Insert(context.Background(), &models.Permission{
				Name: "read", EntityRef: models.EntityRef{Handle: "/teialabs"},
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, sserr.HasCode(err, sserr.CodeDocumentNotUnique))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

// ---------------------------------------------------------------------------
// Find
// ---------------------------------------------------------------------------

func TestFindOne_NotFound(t *testing.T) {
	t.Parallel()
	s := New()
	_, err := s.Entities().FindOne(context.Background(), store.Eq("handle", "/nope"))
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotFound)
}

func TestFindMany_OrderAndIsolation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	for _, h := range []string{"/c", "/a", "/b"} {
		require.NoError(t, s.Entities().Insert(ctx, orgEntity(h)))
	}
	all, err := s.Entities().FindMany(ctx, store.Eq("type", "organization"))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"/c", "/a", "/b"}, []string{all[0].Handle, all[1].Handle, all[2].Handle})

	all[0].Handle = "/mutated"
	again, err := s.Entities().FindOne(ctx, store.Eq("id", all[0].ID))
	require.NoError(t, err)
	assert.Equal(t, "/c", again.Handle, "returned records must not alias stored state")
}

func TestFindMany_BadFilter(t *testing.T) {
	t.Parallel()
	s := New()
	require.NoError(t, s.Entities().Insert(context.Background(), orgEntity("/a")))
	_, err := s.Entities().FindMany(context.Background(), store.Regex("handle", "("))
	testutil.AssertErrorCode(t, err, sserr.CodeValidation)
}

func TestFind_CanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Entities().FindMany(ctx)
	testutil.AssertErrorCode(t, err, sserr.CodeTimeoutDatabase)
}

// ---------------------------------------------------------------------------
// Update / Delete
// ---------------------------------------------------------------------------

func TestUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := &models.Resource{ServiceRef: models.EntityRef{Handle: "/svc"}, RoleRef: models.RoleRef{Name: "viewer"}, ResourceCollection: "threads", IDs: []string{"a"}}
	require.NoError(t, s.Resources().Insert(ctx, r))

	r.MergeIDs([]string{"b"})
	require.NoError(t, s.Resources().Update(ctx, r))

	got, err := s.Resources().FindOne(ctx, store.Eq("id", r.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.IDs)

	missing := &models.Resource{Meta: models.Meta{ID: "nope"}}
	testutil.AssertErrorCode(t, s.Resources().Update(ctx, missing), sserr.CodeDocumentNotFound)
}

func TestUpdate_UniqueConflictKeepsOldIndex(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	a := &models.AuthorizationPolicy{Name: "a", Type: "opa", Policy: "x"}
	b := &models.AuthorizationPolicy{Name: "b", Type: "opa", Policy: "x"}
	require.NoError(t, s.Policies().Insert(ctx, a))
	require.NoError(t, s.Policies().Insert(ctx, b))

	b.Name = "a"
	testutil.RequireErrorCode(t, s.Policies().Update(ctx, b), sserr.CodeDocumentNotUnique)

	dup := &models.AuthorizationPolicy{Name: "b", Type: "opa", Policy: "x"}
	testutil.AssertErrorCode(t, s.Policies().Insert(ctx, dup), sserr.CodeDocumentNotUnique,
		"failed update must leave the original key indexed")
}

func TestModify(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := &models.Resource{ServiceRef: models.EntityRef{Handle: "/svc"}, RoleRef: models.RoleRef{Name: "viewer"}, ResourceCollection: "threads", IDs: []string{"a"}}
	require.NoError(t, s.Resources().Insert(ctx, r))

	got, err := s.Resources().Modify(ctx, r.ID, func(rec *models.Resource) (bool, error) {
		return rec.MergeIDs([]string{"b"}), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.IDs)

	stored, err := s.Resources().FindOne(ctx, store.Eq("id", r.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stored.IDs)

	_, err = s.Resources().Modify(ctx, "nope", func(*models.Resource) (bool, error) { return true, nil })
	testutil.AssertErrorCode(t, err, sserr.CodeDocumentNotFound)

	boom := sserr.Validation("rejected")
	_, err = s.Resources().Modify(ctx, r.ID, func(rec *models.Resource) (bool, error) {
		rec.IDs = nil
		return true, boom
	})
	require.ErrorIs(t, err, boom)
	stored, err = s.Resources().FindOne(ctx, store.Eq("id", r.ID))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, stored.IDs, "a failed modification must not be written")
}

func TestModify_UniqueConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	a := &models.Role{Name: "a", EntityRef: models.EntityRef{Handle: "/x"}}
	b := &models.Role{Name: "b", EntityRef: models.EntityRef{Handle: "/x"}}
	require.NoError(t, s.Roles().Insert(ctx, a))
	require.NoError(t, s.Roles().Insert(ctx, b))

	_, err := s.Roles().Modify(ctx, b.ID, func(rec *models.Role) (bool, error) {
		rec.Name = "a"
		return true, nil
	})
	testutil.RequireErrorCode(t, err, sserr.CodeDocumentNotUnique)
	got, err := s.Roles().FindOne(ctx, store.Eq("id", b.ID))
	require.NoError(t, err)
	assert.Equal(t, "b", got.Name)
}

// TestModify_ConcurrentMerges verifies that concurrent modifications of
// one record serialize instead of overwriting each other.
func TestModify_ConcurrentMerges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	r := &models.Resource{ServiceRef: models.EntityRef{Handle: "/svc"}, RoleRef: models.RoleRef{Name: "viewer"}, ResourceCollection: "threads", IDs: []string{"seed"}}
	require.NoError(t, s.Resources().Insert(ctx, r))

	const writers = 50
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Resources().Modify(ctx, r.ID, func(rec *models.Resource) (bool, error) {
				return rec.MergeIDs([]string{fmt.Sprintf("id-%d", i)}), nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, err := s.Resources().FindOne(ctx, store.Eq("id", r.ID))
	require.NoError(t, err)
	assert.Len(t, got.IDs, writers+1)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	p := &models.Permission{Name: "read", EntityRef: models.EntityRef{Handle: "/x"}}
	require.NoError(t, s.Permissions().Insert(ctx, p))
	require.NoError(t, s.Permissions().Delete(ctx, p.ID))
	testutil.AssertErrorCode(t, s.Permissions().Delete(ctx, p.ID), sserr.CodeDocumentNotFound)

	again := &models.Permission{Name: "read", EntityRef: models.EntityRef{Handle: "/x"}}
	assert.NoError(t, s.Permissions().Insert(ctx, again), "deleted key is free again")
}

func TestPingAndClose(t *testing.T) {
	t.Parallel()
	s := New()
	assert.NoError(t, s.Ping(context.Background()))
	s.Close()
}
