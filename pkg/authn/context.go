package authn

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/tauth/pkg/models"
)

// contextKey is unexported so that keys cannot collide with other packages.
type contextKey int

const infostarKey contextKey = iota

// ContextWithInfostar returns a context carrying the request identity.
// Route handlers retrieve it with [InfostarFromContext].
func ContextWithInfostar(ctx context.Context, info *models.Infostar) context.Context {
	return context.WithValue(ctx, infostarKey, info)
}

// InfostarFromContext returns the identity attached by the authentication
// middleware. It returns nil and false for unauthenticated routes.
func InfostarFromContext(ctx context.Context) (*models.Infostar, bool) {
	info, ok := ctx.Value(infostarKey).(*models.Infostar)
	return info, ok && info != nil
}

// MustInfostarFromContext is like [InfostarFromContext] but panics when no
// identity is present. Use it only behind the authentication middleware.
func MustInfostarFromContext(ctx context.Context) *models.Infostar {
	info, ok := InfostarFromContext(ctx)
	if !ok {
		panic("authn: no infostar in context; ensure authentication middleware is configured")
	}
	return info
}

// traceIDFromContext returns the active trace id for log correlation.
func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
