package authn

import (
	"context"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// UnaryServerInterceptor authenticates unary calls with d and attaches the
// resulting Infostar to the handler context. The credential and the other
// pipeline headers are read from the lowercased incoming metadata keys.
func UnaryServerInterceptor(d *Dispatcher) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, err := authenticateGRPC(ctx, d, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of
// [UnaryServerInterceptor].
func StreamServerInterceptor(d *Dispatcher) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := authenticateGRPC(ss.Context(), d, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

// wrappedServerStream overrides Context to carry the Infostar.
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func authenticateGRPC(ctx context.Context, d *Dispatcher, method string) (context.Context, error) {
	req := &Request{
		Method: http.MethodPost,
		Path:   method,
		Header: http.Header{},
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		for k, vals := range md {
			for _, v := range vals {
				req.Header.Add(http.CanonicalHeaderKey(k), v)
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		req.PeerAddr = p.Addr.String()
	}

	info, err := d.Authenticate(ctx, req)
	if err != nil {
		return ctx, grpcStatus(err)
	}
	if info != nil {
		ctx = ContextWithInfostar(ctx, info)
	}
	return ctx, nil
}

// grpcStatus converts an authentication error into a gRPC status with the
// equivalent code.
func grpcStatus(err error) error {
	e := sserr.FromError(err)
	var code codes.Code
	switch e.HTTPStatus() {
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.AlreadyExists
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	case http.StatusGatewayTimeout:
		code = codes.DeadlineExceeded
	default:
		code = codes.Internal
	}
	return status.Error(code, string(e.Code)+": "+e.Message)
}
