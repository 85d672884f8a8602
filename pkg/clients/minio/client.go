// Package minio reads TAuth policy bundles from MinIO or any S3-compatible
// store. Every call is traced and failures are returned as *sserr.Error.
//
// Use [NewFromStore] in tests to inject a fake [ObjectStore].
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

const tracerName = "github.com/StricklySoft/tauth/pkg/clients/minio"

// ObjectStore is the subset of [*minio.Client] the bundle reader uses.
type ObjectStore interface {
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (*minio.Object, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	BucketExists(ctx context.Context, bucketName string) (bool, error)
}

var _ ObjectStore = (*minio.Client)(nil)

// Client is a traced MinIO client bound to one bucket. It is safe for
// concurrent use.
type Client struct {
	store  ObjectStore
	config *Config
	tracer trace.Tracer

	// read loads an object body. Tests replace it because *minio.Object
	// cannot be built outside the minio package.
	read func(ctx context.Context, name string) ([]byte, error)
}

// NewClient validates cfg, connects and checks that the bucket exists.
//
// Error codes returned:
//   - [sserr.CodeValidation]: invalid configuration
//   - [sserr.CodeUnavailableDependency]: MinIO unreachable
//   - [sserr.CodeNotFound]: the bucket does not exist
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeValidation, "minio: invalid configuration")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey.Value(), ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "minio: failed to create client")
	}
	c := NewFromStore(mc, &cfg)
	ok, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: failed to connect to server")
	}
	if !ok {
		return nil, sserr.NotFoundf("minio: bucket %q does not exist", cfg.Bucket)
	}
	return c, nil
}

// NewFromStore wraps an existing store. A nil cfg uses [DefaultConfig].
func NewFromStore(store ObjectStore, cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		store:  store,
		config: cfg,
		tracer: otel.Tracer(tracerName),
	}
	c.read = c.readObject
	return c
}

// Bucket returns the configured bucket.
func (c *Client) Bucket() string { return c.config.Bucket }

// ListObjects returns the keys under the configured prefix ending in
// suffix, in listing order. An empty suffix keeps every key.
func (c *Client) ListObjects(ctx context.Context, suffix string) ([]string, error) {
	ctx, span := c.startSpan(ctx, "ListObjects", fmt.Sprintf("LIST %s prefix=%s", c.config.Bucket, c.config.Prefix))

	var (
		names []string
		err   error
	)
	for obj := range c.store.ListObjects(ctx, c.config.Bucket, minio.ListObjectsOptions{
		Prefix:    c.config.Prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			// Keep draining so the listing goroutine can exit.
			if err == nil {
				err = obj.Err
			}
			continue
		}
		if strings.HasSuffix(obj.Key, suffix) {
			names = append(names, obj.Key)
		}
	}
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "minio: list objects failed")
	}
	return names, nil
}

// ReadObject returns the body of the named object.
func (c *Client) ReadObject(ctx context.Context, name string) ([]byte, error) {
	ctx, span := c.startSpan(ctx, "GetObject", fmt.Sprintf("GET %s/%s", c.config.Bucket, name))
	body, err := c.read(ctx, name)
	finishSpan(span, err)
	if err != nil {
		return nil, wrapError(err, "minio: get object failed")
	}
	return body, nil
}

func (c *Client) readObject(ctx context.Context, name string) ([]byte, error) {
	obj, err := c.store.GetObject(ctx, c.config.Bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	body, err := io.ReadAll(io.LimitReader(obj, maxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxObjectSize {
		return nil, fmt.Errorf("object %s exceeds %d bytes", name, maxObjectSize)
	}
	return body, nil
}

// Health checks that the bucket is reachable. A context without deadline
// gets [DefaultHealthTimeout].
func (c *Client) Health(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHealthTimeout)
		defer cancel()
	}
	ctx, span := c.startSpan(ctx, "Health", "HEAD "+c.config.Bucket)
	_, err := c.store.BucketExists(ctx, c.config.Bucket)
	finishSpan(span, err)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeUnavailableDependency, "minio: health check failed")
	}
	return nil
}

// Close is a no-op; the client holds no persistent connections.
func (c *Client) Close() {}

func (c *Client) startSpan(ctx context.Context, op, statement string) (context.Context, trace.Span) {
	ctx, span := c.tracer.Start(ctx, "minio."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", "minio"),
		attribute.String("db.name", c.config.Bucket),
		attribute.String("db.statement", truncateStatement(statement)),
	)
	return ctx, span
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// wrapError maps deadline expiry to a timeout and everything else to an
// internal storage error.
func wrapError(err error, message string) *sserr.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return sserr.Wrap(err, sserr.CodeTimeoutDatabase, message)
	}
	return sserr.Wrap(err, sserr.CodeInternalDatabase, message)
}
