package minio

import (
	"context"
	"errors"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// mockObjectStore is a testify mock of ObjectStore.
type mockObjectStore struct {
	mock.Mock
}

func (m *mockObjectStore) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error) {
	args := m.Called(ctx, bucketName, objectName, opts)
	obj, _ := args.Get(0).(*minio.Object)
	return obj, args.Error(1)
}

func (m *mockObjectStore) ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	args := m.Called(ctx, bucketName, opts)
	return args.Get(0).(<-chan minio.ObjectInfo)
}

func (m *mockObjectStore) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func listing(infos ...minio.ObjectInfo) <-chan minio.ObjectInfo {
	ch := make(chan minio.ObjectInfo, len(infos))
	for _, i := range infos {
		ch <- i
	}
	close(ch)
	return ch
}

func TestNewFromStore_NilConfig(t *testing.T) {
	t.Parallel()
	c := NewFromStore(&mockObjectStore{}, nil)
	assert.Equal(t, DefaultBucket, c.Bucket())
}

func TestClient_ListObjects(t *testing.T) {
	t.Parallel()
	ms := &mockObjectStore{}
	cfg := &Config{Bucket: "policies", Prefix: "prod/"}
	ms.On("ListObjects", mock.Anything, "policies", minio.ListObjectsOptions{Prefix: "prod/", Recursive: true}).
		Return(listing(
			minio.ObjectInfo{Key: "prod/melt-key.rego"},
			minio.ObjectInfo{Key: "prod/README.md"},
			minio.ObjectInfo{Key: "prod/teams/filters.rego"},
		))

	names, err := NewFromStore(ms, cfg).ListObjects(context.Background(), ".rego")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod/melt-key.rego", "prod/teams/filters.rego"}, names)
	ms.AssertExpectations(t)
}

func TestClient_ListObjects_Error(t *testing.T) {
	t.Parallel()
	ms := &mockObjectStore{}
	ms.On("ListObjects", mock.Anything, DefaultBucket, mock.Anything).
		Return(listing(
			minio.ObjectInfo{Key: "a.rego"},
			minio.ObjectInfo{Err: errors.New("access denied")},
			minio.ObjectInfo{Key: "b.rego"},
		))

	_, err := NewFromStore(ms, nil).ListObjects(context.Background(), ".rego")
	require.Error(t, err)
	assert.True(t, sserr.IsInternal(err))
}

func TestClient_ReadObject(t *testing.T) {
	t.Parallel()
	c := NewFromStore(&mockObjectStore{}, nil)
	c.read = func(_ context.Context, name string) ([]byte, error) {
		return []byte("package " + name), nil
	}

	body, err := c.ReadObject(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "package x", string(body))
}

func TestClient_ReadObject_Error(t *testing.T) {
	t.Parallel()
	ms := &mockObjectStore{}
	ms.On("GetObject", mock.Anything, DefaultBucket, "missing.rego", minio.GetObjectOptions{}).
		Return(nil, errors.New("no such key"))

	_, err := NewFromStore(ms, nil).ReadObject(context.Background(), "missing.rego")
	require.Error(t, err)
	assert.True(t, sserr.IsInternal(err))
	assert.False(t, sserr.IsRetryable(err))
}

func TestClient_ReadObject_Timeout(t *testing.T) {
	t.Parallel()
	c := NewFromStore(&mockObjectStore{}, nil)
	c.read = func(context.Context, string) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}

	_, err := c.ReadObject(context.Background(), "slow.rego")
	require.Error(t, err)
	assert.True(t, sserr.IsTimeout(err))
}

func TestClient_Health(t *testing.T) {
	t.Parallel()
	ms := &mockObjectStore{}
	ms.On("BucketExists", mock.Anything, DefaultBucket).Return(true, nil).Once()
	ms.On("BucketExists", mock.Anything, DefaultBucket).Return(false, errors.New("connection refused")).Once()
	c := NewFromStore(ms, nil)

	require.NoError(t, c.Health(context.Background()))

	err := c.Health(context.Background())
	require.Error(t, err)
	assert.True(t, sserr.IsUnavailable(err))
}

func TestWrapError(t *testing.T) {
	t.Parallel()
	assert.Nil(t, wrapError(nil, "x"))

	e := wrapError(context.DeadlineExceeded, "x")
	assert.Equal(t, sserr.CodeTimeoutDatabase, e.Code)
	assert.ErrorIs(t, e, context.DeadlineExceeded)

	e = wrapError(context.Canceled, "x")
	assert.Equal(t, sserr.CodeInternalDatabase, e.Code)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Endpoint: "localhost:9000", AccessKey: "k", Bucket: "b"}, false},
		{"no endpoint", Config{AccessKey: "k", Bucket: "b"}, true},
		{"no access key", Config{Endpoint: "e", Bucket: "b"}, true},
		{"no bucket", Config{Endpoint: "e", AccessKey: "k"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, DefaultRegion, tt.cfg.Region)
		})
	}
}

func TestSecret_Redacted(t *testing.T) {
	t.Parallel()
	s := Secret("hunter2")
	assert.Equal(t, redacted, s.String())
	assert.Equal(t, redacted, s.GoString())
	assert.Equal(t, "hunter2", s.Value())
	b, err := s.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, redacted, string(b))
}

func TestTruncateStatement(t *testing.T) {
	t.Parallel()
	long := make([]rune, maxStatementTruncateLen+5)
	for i := range long {
		long[i] = 'é'
	}
	got := truncateStatement(string(long))
	assert.Equal(t, maxStatementTruncateLen+3, len([]rune(got)))
	assert.Equal(t, "short", truncateStatement("short"))
}
