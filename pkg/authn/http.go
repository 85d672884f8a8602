package authn

import (
	"net/http"

	"github.com/labstack/echo/v4"

	sserr "github.com/StricklySoft/tauth/pkg/errors"
)

// HTTPMiddleware authenticates every request with d and stores the
// resulting Infostar in the request context. Failures are written as
// {"detail": {...}} JSON bodies with the status of their error code.
//
// Example:
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/api/data", handleData)
//	handler := authn.HTTPMiddleware(dispatcher)(mux)
func HTTPMiddleware(d *Dispatcher) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, err := d.Authenticate(r.Context(), NewRequest(r))
			if err != nil {
				sserr.WriteHTTP(w, err)
				return
			}
			if info != nil {
				r = r.WithContext(ContextWithInfostar(r.Context(), info))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// EchoMiddleware is [HTTPMiddleware] for echo routers. Errors are returned
// to echo's HTTPErrorHandler unchanged.
func EchoMiddleware(d *Dispatcher) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			r := c.Request()
			info, err := d.Authenticate(r.Context(), NewRequest(r))
			if err != nil {
				return err
			}
			if info != nil {
				c.SetRequest(r.WithContext(ContextWithInfostar(r.Context(), info)))
			}
			return next(c)
		}
	}
}
