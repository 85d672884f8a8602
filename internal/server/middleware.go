package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/StricklySoft/tauth/pkg/authn"
	"github.com/StricklySoft/tauth/pkg/cache"
	sserr "github.com/StricklySoft/tauth/pkg/errors"
	"github.com/StricklySoft/tauth/pkg/metrics"
)

// Per-IP limiter buckets idle for longer than limiterIdle are forgotten;
// at most limiterCapacity addresses are tracked at once.
const (
	limiterIdle     = 5 * time.Minute
	limiterCapacity = 10000
)

// observe records request metrics and logs one line per request. The
// route label is echo's path template so ids never become label values.
func observe(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			done := metrics.TrackInFlight()
			defer done()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Resolve the status before it is measured.
				c.Error(err)
			}
			d := time.Since(start)

			req := c.Request()
			status := c.Response().Status
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			metrics.ObserveRequest(req.Method, route, status, d)

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			}
			logger.Log(req.Context(), level, "request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", status,
				"duration", d,
				"request_id", req.Header.Get(authn.HeaderRequestID),
			)
			return nil
		}
	}
}

// rateLimit applies a token bucket per client address. Buckets live in a
// bounded LRU so a flood of distinct addresses cannot grow memory without
// limit.
func rateLimit(rps float64, burst int) echo.MiddlewareFunc {
	buckets := cache.New[string, *rate.Limiter](limiterCapacity, limiterIdle)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := clientIP(c.Request())
			lim, ok := buckets.Get(ip)
			if !ok {
				lim = rate.NewLimiter(rate.Limit(rps), burst)
			}
			// Refresh the idle deadline on every request.
			buckets.Set(ip, lim)
			if !lim.Allow() {
				return echo.NewHTTPError(http.StatusTooManyRequests, "Rate limit exceeded.")
			}
			return next(c)
		}
	}
}

// clientIP prefers the first X-Forwarded-For entry over the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get(authn.HeaderForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := r.Header.Get(authn.HeaderTauthIP); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}

// errorHandler renders every error as a {"detail": {...}} body. Platform
// errors keep their code's status; echo's own errors (unknown route,
// rate limit, oversized body) keep theirs.
func errorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var status int
		var body sserr.Body
		var he *echo.HTTPError
		_, platform := sserr.AsError(err)
		if errors.As(err, &he) && !platform {
			status = he.Code
			body = sserr.Body{Detail: sserr.Detail{
				Msg:  fmt.Sprint(he.Message),
				Type: strings.ReplaceAll(http.StatusText(he.Code), " ", ""),
			}}
		} else {
			status = sserr.StatusOf(err)
			body = sserr.ToBody(err)
		}

		if status >= http.StatusInternalServerError {
			logger.ErrorContext(c.Request().Context(), "request failed",
				"path", c.Request().URL.Path,
				"error", err,
			)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.ErrorContext(c.Request().Context(), "failed to write error response", "error", err)
		}
	}
}
