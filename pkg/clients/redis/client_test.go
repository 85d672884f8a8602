package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/tauth/internal/testutil"
	"github.com/StricklySoft/tauth/pkg/authn"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

var _ authn.SharedCache = (*Client)(nil)

type mockCmdable struct {
	mock.Mock
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	args := m.Called(ctx, key, value, expiration)
	return args.Get(0).(*redis.StatusCmd)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	args := m.Called(ctx, key)
	return args.Get(0).(*redis.StringCmd)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	args := m.Called(ctx, keys)
	return args.Get(0).(*redis.IntCmd)
}

func (m *mockCmdable) Ping(ctx context.Context) *redis.StatusCmd {
	args := m.Called(ctx)
	return args.Get(0).(*redis.StatusCmd)
}

func (m *mockCmdable) Close() error {
	return m.Called().Error(0)
}

const entryKey = "tauth:apikey:01J0000000000000000000000"

func TestNewFromClient_NilConfig(t *testing.T) {
	t.Parallel()
	c := NewFromClient(&mockCmdable{}, nil)
	require.NotNil(t, c)
	assert.Equal(t, 0, c.dbIndex)
}

func TestClient_Set(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Set", mock.Anything, entryKey, `{"digest":"x"}`, 10*time.Minute).
		Return(redis.NewStatusResult("OK", nil))
	c := NewFromClient(m, nil)

	require.NoError(t, c.Set(context.Background(), entryKey, `{"digest":"x"}`, 10*time.Minute))
	m.AssertExpectations(t)
}

func TestClient_SetError(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Set", mock.Anything, entryKey, "v", time.Duration(0)).
		Return(redis.NewStatusResult("", errors.New("READONLY")))
	c := NewFromClient(m, nil)

	err := c.Set(context.Background(), entryKey, "v", 0)
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}

func TestClient_Get(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Get", mock.Anything, entryKey).Return(redis.NewStringResult("cached", nil))
	c := NewFromClient(m, nil)

	val, err := c.Get(context.Background(), entryKey)
	require.NoError(t, err)
	assert.Equal(t, "cached", val)
}

func TestClient_GetMissIsNotFound(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Get", mock.Anything, entryKey).Return(redis.NewStringResult("", redis.Nil))
	c := NewFromClient(m, nil)

	_, err := c.Get(context.Background(), entryKey)
	testutil.RequireErrorCode(t, err, sserr.CodeNotFound)
	assert.True(t, sserr.IsNotFound(err))
}

func TestClient_GetTimeout(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Get", mock.Anything, entryKey).Return(redis.NewStringResult("", context.DeadlineExceeded))
	c := NewFromClient(m, nil)

	_, err := c.Get(context.Background(), entryKey)
	testutil.RequireErrorCode(t, err, sserr.CodeTimeoutDatabase)
	assert.True(t, sserr.IsRetryable(err))
}

func TestClient_Del(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Del", mock.Anything, []string{entryKey}).Return(redis.NewIntResult(1, nil))
	c := NewFromClient(m, nil)

	n, err := c.Del(context.Background(), entryKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_Health(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Ping", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})).Return(redis.NewStatusResult("PONG", nil)).Once()
	m.On("Ping", mock.Anything).Return(redis.NewStatusResult("", errors.New("connection refused"))).Once()
	c := NewFromClient(m, nil)

	require.NoError(t, c.Health(context.Background()))
	testutil.RequireErrorCode(t, c.Health(context.Background()), sserr.CodeUnavailableDependency)
}

func TestClient_Close(t *testing.T) {
	t.Parallel()
	m := &mockCmdable{}
	m.On("Close").Return(nil)
	require.NoError(t, NewFromClient(m, nil).Close())
	m.AssertExpectations(t)
}

func TestWrapError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, wrapError(nil, "x"))
	assert.Equal(t, sserr.CodeTimeoutDatabase, wrapError(context.DeadlineExceeded, "x").Code)
	assert.Equal(t, sserr.CodeInternalDatabase, wrapError(context.Canceled, "x").Code)
}
