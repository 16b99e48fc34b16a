package pipeline

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/mediassist/mediassist/internal/domain/access"
	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/intake"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/platform/auth"
	"github.com/mediassist/mediassist/pkg/pagination"
)

// Directory resolves recipients for display. *principal.Service satisfies it.
type Directory interface {
	Get(ctx context.Context, id uuid.UUID) (*principal.Principal, error)
}

type Handler struct {
	orch      *Orchestrator
	gate      *access.Gate
	directory Directory
	logger    zerolog.Logger
}

func NewHandler(orch *Orchestrator, gate *access.Gate, directory Directory, logger zerolog.Logger) *Handler {
	return &Handler{orch: orch, gate: gate, directory: directory, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	submit := api.Group("", auth.RequireRole(string(principal.RoleSubmitter)))
	submit.POST("/cases", h.Submit)

	read := api.Group("", auth.RequireRole(string(principal.RoleSubmitter), string(principal.RoleRecipient)))
	read.GET("/cases", h.List)
	read.GET("/cases/:id", h.Get)
	read.GET("/cases/:id/audit", h.Audit)
}

type errorBody struct {
	Error string `json:"error"`
}

const (
	msgUnavailable  = "service unavailable"
	msgCaseNotFound = "case not found"
)

type submitResponse struct {
	CaseID      uuid.UUID       `json:"case_id"`
	Status      casefile.Status `json:"status"`
	PatientInfo *PatientInfo    `json:"patient_info,omitempty"`
	Result      *Result         `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Submit accepts a form or JSON intake and runs the case to a terminal
// state before responding.
func (h *Handler) Submit(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := access.FromContext(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	var sub intake.Submission
	if err := c.Bind(&sub); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	out, err := h.orch.Submit(ctx, p.ID, sub)
	var intakeErr *IntakeError
	switch {
	case errors.As(err, &intakeErr):
		return c.JSON(http.StatusBadRequest, errorBody{Error: intakeErr.Error()})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "analysis is still running; check your cases shortly").SetInternal(err)
	case err != nil:
		h.logger.Error().Err(err).Str("user_id", p.ID.String()).Msg("case submission failed")
		return c.JSON(http.StatusServiceUnavailable, errorBody{Error: msgUnavailable})
	}

	cs := out.Case
	if cs.Status == casefile.StatusFailed {
		return c.JSON(http.StatusUnprocessableEntity, submitResponse{
			CaseID: cs.ID,
			Status: cs.Status,
			Error:  FailureMessage(cs.FailureKind),
		})
	}
	info := NewPatientInfo(cs, h.recipient(ctx, cs.RecipientID))
	return c.JSON(http.StatusCreated, submitResponse{
		CaseID:      cs.ID,
		Status:      cs.Status,
		PatientInfo: &info,
		Result:      NewResult(cs.Record),
	})
}

// CaseSummary is one row of the dashboard list.
type CaseSummary struct {
	CaseID           uuid.UUID            `json:"case_id"`
	Status           casefile.Status      `json:"status"`
	CreatedAt        time.Time            `json:"created_at"`
	PatientName      string               `json:"patient_name"`
	Urgency          string               `json:"urgency,omitempty"`
	PrimaryDiagnosis string               `json:"primary_diagnosis,omitempty"`
	IsSafe           *bool                `json:"is_safe,omitempty"`
	FailureKind      casefile.FailureKind `json:"failure_kind,omitempty"`
}

func newCaseSummary(cs *casefile.Case) CaseSummary {
	s := CaseSummary{
		CaseID:      cs.ID,
		Status:      cs.Status,
		CreatedAt:   cs.CreatedAt,
		PatientName: cs.Intake.Name,
		FailureKind: cs.FailureKind,
	}
	if cs.Record != nil {
		safe := cs.Record.Safety.IsSafe
		s.Urgency = string(cs.Record.Urgency)
		s.PrimaryDiagnosis = CleanMarkup(PrimaryDiagnosis(cs.Record.DoctorView.Assessment))
		s.IsSafe = &safe
	}
	return s
}

func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := access.FromContext(ctx)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	pg := pagination.FromContext(c)
	cases, total, err := h.gate.ListCases(ctx, p, pg.Limit, pg.Offset)
	if errors.Is(err, access.ErrDenied) {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, msgUnavailable).SetInternal(err)
	}

	rows := make([]CaseSummary, 0, len(cases))
	for _, cs := range cases {
		rows = append(rows, newCaseSummary(cs))
	}
	resp := pagination.NewResponse(rows, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total)
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	ctx := c.Request().Context()
	p, id, err := h.target(c)
	if err != nil {
		return err
	}

	cs, err := h.gate.ReadCase(ctx, p, id)
	if errors.Is(err, access.ErrDenied) {
		return echo.NewHTTPError(http.StatusNotFound, msgCaseNotFound)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, msgUnavailable).SetInternal(err)
	}
	return c.JSON(http.StatusOK, NewCaseView(cs, h.recipient(ctx, cs.RecipientID)))
}

// AuditEntryView omits the recorded detail, which may hold provider text.
type AuditEntryView struct {
	Seq        int64           `json:"seq"`
	OldStatus  casefile.Status `json:"old_status,omitempty"`
	NewStatus  casefile.Status `json:"new_status"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func (h *Handler) Audit(c echo.Context) error {
	ctx := c.Request().Context()
	p, id, err := h.target(c)
	if err != nil {
		return err
	}

	entries, err := h.gate.AuditTrail(ctx, p, id)
	if errors.Is(err, access.ErrDenied) {
		return echo.NewHTTPError(http.StatusNotFound, msgCaseNotFound)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, msgUnavailable).SetInternal(err)
	}

	out := make([]AuditEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditEntryView{Seq: e.Seq, OldStatus: e.OldStatus, NewStatus: e.NewStatus, RecordedAt: e.RecordedAt})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"case_id": id, "data": out})
}

// target resolves the caller and the :id parameter. A malformed id is
// reported exactly like a case the caller cannot see.
func (h *Handler) target(c echo.Context) (access.Principal, uuid.UUID, error) {
	p, err := access.FromContext(c.Request().Context())
	if err != nil {
		return access.Principal{}, uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return access.Principal{}, uuid.Nil, echo.NewHTTPError(http.StatusNotFound, msgCaseNotFound)
	}
	c.Set("case_id", id.String())
	return p, id, nil
}

func (h *Handler) recipient(ctx context.Context, id *uuid.UUID) *principal.Recipient {
	if id == nil || h.directory == nil {
		return nil
	}
	p, err := h.directory.Get(ctx, *id)
	if err != nil {
		h.logger.Debug().Err(err).Str("recipient_id", id.String()).Msg("recipient lookup")
		return &principal.Recipient{ID: *id}
	}
	r := p.AsRecipient()
	return &r
}
