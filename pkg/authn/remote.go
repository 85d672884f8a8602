package authn

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/models"
)

// DefaultRemoteTimeout bounds a delegated authentication call.
const DefaultRemoteTimeout = 5 * time.Second

// maxRemoteBody caps the delegated authentication response.
const maxRemoteBody = 1 << 20

// HTTPClient is the subset of *http.Client used for outbound calls.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RemoteVerifier delegates authentication to another TAuth instance by
// forwarding the credential headers to its /authn endpoint and adopting
// the returned Infostar verbatim.
type RemoteVerifier struct {
	url     string
	client  HTTPClient
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewRemoteVerifier creates a RemoteVerifier for the service at baseURL.
// A nil client uses http.DefaultClient; a zero timeout uses
// [DefaultRemoteTimeout].
func NewRemoteVerifier(baseURL string, client HTTPClient, timeout time.Duration, logger *slog.Logger) *RemoteVerifier {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultRemoteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteVerifier{
		url:     strings.TrimRight(baseURL, "/") + "/authn",
		client:  client,
		timeout: timeout,
		logger:  logger.With("component", "authn.remote"),
		tracer:  otel.Tracer(tracerName),
	}
}

// Verify forwards the request's credential headers. A non-200 answer is
// an authentication failure whose message is the response body.
func (v *RemoteVerifier) Verify(ctx context.Context, req *Request) (info *models.Infostar, err error) {
	ctx, span := v.tracer.Start(ctx, "authn.Remote",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.url", v.url)))
	defer func() { finishSpan(span, err) }()

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, nil)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternal, "failed to build remote authentication request")
	}
	for _, h := range []string{HeaderAuthorization, HeaderIDToken, HeaderUserEmail} {
		if val := req.get(h); val != "" {
			out.Header.Set(h, val)
		}
	}
	out.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(out)
	if err != nil {
		if ctx.Err() != nil {
			return nil, sserr.Wrap(err, sserr.CodeTimeoutDependency, "remote authentication timed out")
		}
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "remote authentication service unreachable")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteBody))
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "failed to read remote authentication response")
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		v.logger.WarnContext(ctx, "remote authentication rejected", "status", resp.StatusCode)
		return nil, sserr.Unauthorized(string(body))
	}

	info = &models.Infostar{}
	if err := json.Unmarshal(body, info); err != nil {
		return nil, sserr.Wrap(err, sserr.CodeUnavailableDependency, "remote authentication returned an invalid infostar")
	}
	return info, nil
}
