package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestTimeout puts a deadline on the request context. Handlers are
// expected to return once the context is done; if the handler has not
// written a response by then the client gets 504 {"error": "..."}, unless
// the handler already returned its own 504.
// Routes listed in overrides get their own timeout instead, keyed by the
// registered route path (e.g. "/api/v1/cases").
func RequestTimeout(timeout time.Duration, overrides map[string]time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d := timeout
			if o, ok := overrides[c.Path()]; ok {
				d = o
			}
			if d <= 0 {
				return next(c)
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), d)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			err := next(c)
			var he *echo.HTTPError
			if errors.As(err, &he) && he.Code == http.StatusGatewayTimeout {
				return err
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) && !c.Response().Committed {
				return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": "request timed out"})
			}
			return err
		}
	}
}
