// Package reporting serves recipients an overview of the cases assigned to
// them: counts by status and urgency, and a spreadsheet export.
package reporting

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mediassist/mediassist/internal/domain/access"
	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/domain/schema"
	"github.com/mediassist/mediassist/internal/platform/auth"
)

// Summary counts the cases visible to one recipient.
type Summary struct {
	Total       int                     `json:"total"`
	ByStatus    map[casefile.Status]int `json:"by_status"`
	ByUrgency   map[schema.Urgency]int  `json:"by_urgency"`
	Unsafe      int                     `json:"unsafe"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// Summarize counts cases. Every urgency level is present in ByUrgency, so
// consumers can chart zeros.
func Summarize(cases []*casefile.Case, now time.Time) Summary {
	s := Summary{
		Total:       len(cases),
		ByStatus:    map[casefile.Status]int{},
		ByUrgency:   map[schema.Urgency]int{},
		GeneratedAt: now.UTC(),
	}
	for _, u := range schema.Urgencies() {
		s.ByUrgency[u] = 0
	}
	for _, c := range cases {
		s.ByStatus[c.Status]++
		if c.Record == nil {
			continue
		}
		s.ByUrgency[c.Record.Urgency]++
		if !c.Record.Safety.IsSafe {
			s.Unsafe++
		}
	}
	return s
}

// Handler provides HTTP handlers for the reporting API.
type Handler struct {
	gate *access.Gate
	now  func() time.Time
}

func NewHandler(gate *access.Gate) *Handler {
	return &Handler{gate: gate, now: time.Now}
}

// RegisterRoutes registers the reporting API routes.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reports", auth.RequireRole(string(principal.RoleRecipient)))
	g.GET("/summary", h.Summary)
	g.GET("/cases.xlsx", h.Export)
}

func (h *Handler) Summary(c echo.Context) error {
	cases, err := h.cases(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, Summarize(cases, h.now()))
}

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (h *Handler) Export(c echo.Context) error {
	cases, err := h.cases(c.Request().Context())
	if err != nil {
		return err
	}
	body, err := ExportCases(cases)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "export failed").SetInternal(err)
	}
	name := "cases-" + h.now().UTC().Format("20060102") + ".xlsx"
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+name)
	return c.Blob(http.StatusOK, xlsxContentType, body)
}

func (h *Handler) cases(ctx context.Context) ([]*casefile.Case, error) {
	p, err := access.FromContext(ctx)
	if err != nil || p.Role != principal.RoleRecipient {
		return nil, echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	cases, err := h.gate.ListAll(ctx, p)
	if errors.Is(err, access.ErrDenied) {
		return nil, echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable").SetInternal(err)
	}
	return cases, nil
}
