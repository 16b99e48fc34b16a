package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mediassist/mediassist/internal/platform/auth"
)

// CaseAccess is one attempt to create or read a case. Outcome is "granted"
// for a 2xx response, "denied" for 401/403/404 and "error" otherwise.
type CaseAccess struct {
	RequestID  string
	UserID     string
	UserRoles  []string
	CaseID     string
	Action     string
	Route      string
	Method     string
	StatusCode int
	Outcome    string
	IPAddress  string
	Timestamp  time.Time
}

// Audit logs a "case_access" line for every request under casesPrefix,
// after the handler has run so the decision is known. Handlers may put the
// resolved case id in "case_id"; otherwise the :id route param is used.
func Audit(logger zerolog.Logger, casesPrefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, casesPrefix) {
				return next(c)
			}

			err := next(c)

			entry := CaseAccess{
				Timestamp:  time.Now().UTC(),
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Action:     caseAction(req.Method, c.Path()),
				Route:      c.Path(),
				Method:     req.Method,
				StatusCode: responseStatus(c, err),
				IPAddress:  c.RealIP(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.CaseID, _ = c.Get("case_id").(string)
			if entry.CaseID == "" {
				entry.CaseID = c.Param("id")
			}
			entry.Outcome = accessOutcome(entry.StatusCode)

			evt := logger.Info()
			if entry.Outcome == "denied" {
				evt = logger.Warn()
			}
			evt.
				Str("type", "case_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("case_id", entry.CaseID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Str("outcome", entry.Outcome).
				Str("remote_ip", entry.IPAddress).
				Msg("case_access")

			return err
		}
	}
}

func caseAction(method, route string) string {
	switch {
	case method == http.MethodPost:
		return "create"
	case strings.HasSuffix(route, "/audit"):
		return "audit"
	case strings.HasSuffix(route, "/:id"):
		return "read"
	default:
		return "list"
	}
}

func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

func accessOutcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "granted"
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return "denied"
	default:
		return "error"
	}
}
